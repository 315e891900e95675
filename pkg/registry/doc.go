/*
Package registry is fleetd's client for the remote orchestrator API.

Two surfaces are consumed:

  - Target state: GET /device/v2/{uuid}/state with If-None-Match, so an
    unchanged document costs a 304 and no body transfer. A 200 carries
    the full document plus a fresh Etag header.
  - Dependent-device registry: GET /device/v2/{uuid} to resolve the
    identity of a device that was provisioned externally, and PATCH
    /device/v2/{id} to push field updates upstream.

Connection parameters (endpoint, key, timeout) are passed per call in
Options: callers resolve them from the settings store each time, so a
changed endpoint or rotated key applies to the very next request.
*/
package registry
