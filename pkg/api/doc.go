/*
Package api provides fleetd's local HTTP surface.

Dependent device agents and local tooling talk to the agent over these
routes:

	GET    /v1/devices                               list device rows
	POST   /v1/devices                               create a device
	GET    /v1/devices/{uuid}                        read a device
	PATCH  /v1/devices/{uuid}                        report state
	POST   /v1/devices/{uuid}/logs                   append a log line
	GET    /v1/dependent-apps                        list current apps
	GET    /v1/dependent-apps/{appId}/assets/{commit} serve asset tarball
	POST   /v1/update                                trigger a fetch
	GET    /metrics                                  prometheus

Status mapping: unknown rows are 404, devices marked for deletion are
410 Gone, malformed bodies are 400, and any unexpected store or I/O
failure is a 503 carrying a best-effort message. Requests are counted
by method and status.

Reported device state (PATCH) is persisted locally and forwarded
upstream best-effort when the device has a registry identity. The
asset route builds the tarball on demand from the mounted image root
when it is not cached on disk. POST /v1/update shares the target
fetch lock with the poller, so a concurrent trigger serializes rather
than racing.
*/
package api
