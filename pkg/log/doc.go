/*
Package log provides structured logging for the proxy using zerolog.

It wraps zerolog to give every component — fabric setup, the HTTP driver,
the rule engine, the control channel — a JSON-structured logger with a
component field, configurable level, and console or JSON output.

# Usage

	import "github.com/cuemby/tproxy/pkg/log"

	log.Init(log.Config{
		Level:      log.LevelFromVerbosity(verbosityFlagCount),
		JSONOutput: true,
		Output:     os.Stdout,
	})

	driverLog := log.WithComponent("httpdriver")
	driverLog.Info().Str("remote", conn.RemoteAddr().String()).Msg("exchange started")

	sessionLog := log.WithSession(session.ID)
	sessionLog.Error().Err(err).Msg("fabric teardown step failed")

# Verbosity mapping

The CLI's repeatable -v flag maps to a Level via LevelFromVerbosity: 0 is
error, 1 is info, 2 is debug, 3 or more is trace. The controller and
data-plane child each parse their own -v count independently, so this
mapping has to agree on both sides without passing the raw count across
the IPC boundary.

# Design

Global Logger instance, initialized once in main before any component
starts; WithComponent and WithSession return child loggers that carry
structured context without requiring callers to thread a logger through
every constructor.
*/
package log
