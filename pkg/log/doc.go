/*
Package log provides structured logging for hutch using zerolog.

The package wraps zerolog with a root logger, configurable level and
output format, and helpers for the context fields that recur across the
pipeline. Components never log through the root directly; they derive
child loggers so every line carries its origin.

# Fields

Every line carries service=hutch and a timestamp. The helpers stack the
pipeline's recurring context:

	WithComponent("resolver")      component=resolver
	WithWorkerID("worker-3")       component=worker worker_id=worker-3
	WithCycle("indexer", 512)      component=indexer xmin=512

Cycle-scoped lines grouping under their xmin is what makes a single
cycle greppable out of a busy log stream.

# Usage

Initialize once at startup (cmd/hutch does this from the --log-level
and --log-json flags):

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Component loggers:

	logger := log.WithComponent("resolver")
	logger.Info().Int64("last_xmin", lastXmin).Msg("Scanning transaction log")

	wlog := log.WithWorkerID("worker-3")
	wlog.Warn().Str("uuid", string(uid)).Msg("Retryable error indexing document")

# Output

JSON output (production):

	{"level":"warn","service":"hutch","component":"worker",
	 "worker_id":"worker-3","uuid":"0f33…","time":"2024-03-01T10:00:00Z",
	 "message":"Retryable error indexing document"}

Console output (development) renders the same fields human-readably.
Level filtering is global and set once by Init; unknown level strings
fall back to info rather than failing startup.
*/
package log
