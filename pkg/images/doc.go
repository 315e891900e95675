/*
Package images defines the image-inventory contract between the
reconciler and the container runtime.

The planner needs exactly three facts: which images are present, which
downloads are in flight, and how to start one. Inventory is that
contract; Tracker is a thread-safe bookkeeping implementation the
runtime integration feeds. Container lifecycle itself is out of scope
here.
*/
package images
