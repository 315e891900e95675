/*
Package events provides an in-memory event broker for fleetd's pub/sub
messaging.

The broker is a lightweight bus for broadcasting agent events to
interested subscribers, decoupling the fetch layer from its consumers:
the proxyvisor reacts to target-state updates without the fetch code
knowing about reconciliation at all.

Publish is non-blocking (buffered channel, 100 events); each subscriber
gets a buffered channel of 50 events and slow subscribers are skipped
rather than stalling the bus.

Event Types

  - target-state.update: fired exactly once per successful,
    content-changed fetch. The payload carries a deep copy of the new
    document plus the force/fromAPI flags of the triggering update.
  - dependent-device.provisioned: a new dependent device row was created.
  - dependent-device.deleted: a dependent device row was removed after a
    confirmed deletion hook.
  - dependent-app.removed: a dependent app and its device rows were
    removed.
*/
package events
