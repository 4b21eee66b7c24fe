/*
Package log provides structured logging for Lookout using zerolog.

The log package wraps zerolog with a process-wide Logger, a small Config
for level and output format, and helpers that attach the identifiers
Lookout components log most often: the component name, the real-time
connection id and the application id.

# Configuration

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

JSON output is intended for production log pipelines. Console output
(JSONOutput=false) renders human-readable lines with RFC3339 timestamps.

# Component Loggers

	hubLog := log.WithComponent("hub")
	hubLog.Info().Int("shards", 32).Msg("hub started")

	connLog := log.WithConnectionID(connID)
	connLog.Debug().Msg("subscriber joined")

	appLog := log.WithApplicationID(42)
	appLog.Warn().Msg("application disabled, dropping event")

Child loggers copy the global Logger at the time they are created, so
components build them after log.Init has run.

# Levels

  - debug: per-connection lifecycle and per-event dispatch detail
  - info: server start/stop, application changes
  - warn: delivery failures, refused handshakes
  - error: storage and transport failures
*/
package log
