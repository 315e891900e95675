/*
Package proxyvisor reconciles fleetd's dependent devices: subordinate
devices managed through this device acting as a gateway, each with a
single assigned application and its own commit/config/environment
target.

# Architecture

	target-state.update event
	        │
	        ▼
	ApplyTargetState ──► storage.SetTarget (transactional replace)
	        │
	        ▼
	Reconcile ──► GetRequiredSteps (pure diff/plan)
	        │
	        ▼
	ExecuteStep (exhaustive dispatch over StepAction)
	        │
	        ├─ fetch: images.Inventory.Fetch
	        ├─ updateDependentTargets: per-device target rows, external
	        │    device adoption, deletion marking, asset pruning
	        ├─ sendDependentHooks: rate-limited PUT/DELETE to each
	        │    device's hook receiver
	        ├─ removeDependentApp: app + device rows + assets
	        └─ noop

# Planning Rules

Per app, in strict priority order (first match wins): removal when the
target no longer names the app; noop while a step for the parent
application is in progress; fetch (or noop while downloading) when the
target image is missing; updateDependentTargets when the app record or
the device-level assignments differ; otherwise a hook step for every
device whose confirmed target differs from both its current state and
its last acknowledged state. Deletion-marked devices are excluded from
target comparisons and always qualify for a deletion hook.

# Delivery Semantics

A 200 response acknowledges the delivered target (update) or confirms
removal (delete, after which the local row is deleted). A 202 is
accepted without acknowledgment. Everything else is logged and
absorbed: the next pass's settled-state check naturally retries.
Outbound requests to the same device are spaced at least 30 seconds
apart, delayed rather than dropped.

The acknowledged-state and last-request maps live on the Proxyvisor
value, created at startup and alive for the process duration; tests
construct isolated instances.
*/
package proxyvisor
