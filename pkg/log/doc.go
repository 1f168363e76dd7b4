/*
Package log provides structured logging for mpathd using zerolog.

A single global Logger is configured once by Init. Components derive child
loggers that carry identifying fields, so every line can be filtered by the
adapter, device or LUN it concerns.

# Log Levels

	debug  retry decisions, probe results, selector choices
	info   path switches, failbacks, topology loads, lifecycle
	warn   notification failures, configuration conflicts, dropped triggers
	error  commands failed permanently, aborted failovers

# Usage

Initialize at startup:

	log.Init(log.Config{
		Level:      log.ParseLevel("info"),
		JSONOutput: true,
	})

Component loggers:

	logger := log.WithComponent("failover")
	logger.Info().Int("to", pathID).Msg("Path switched")

	lunLogger := log.WithLun(deviceID, lun)
	lunLogger.Warn().Err(err).Msg("Path switch notification failed")

Console output is used unless JSONOutput is set.
*/
package log
