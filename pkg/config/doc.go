/*
Package config provides fleetd's configuration layer.

Two surfaces live here:

  - AgentConfig: the static YAML config file read once at startup,
    defaulted and validated (go-playground/validator) before anything
    else starts. It carries the identity (uuid, apiKey), the
    orchestrator endpoint, timeouts and local paths.

  - Settings: the dynamic key/value view the sync engine reads on every
    cycle (apiEndpoint, apiTimeout, appUpdatePollInterval,
    instantUpdates, currentApiKey). Values are JSON-encoded in a
    persistence backend so an API-driven change survives a restart, and
    so a read of the wrong type surfaces as a configuration error
    instead of a silent coercion.

Startup seeds Settings from AgentConfig without overwriting keys that
were already persisted.
*/
package config
