/*
Package log provides structured logging for fleetd using zerolog.

The package wraps zerolog behind a small API: Init configures the global
Logger (level, JSON or console output), and the With* helpers derive
child loggers carrying standard fields so that every line emitted by the
sync engine can be correlated by component, device or app.

Usage:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("poller")
	logger.Info().Dur("sleep", d).Msg("next poll scheduled")

	devLog := log.WithDeviceUUID(uuid)
	devLog.Error().Err(err).Msg("hook delivery failed")

Components use a fixed set of component names: "target", "poller",
"proxyvisor", "storage", "api".
*/
package log
