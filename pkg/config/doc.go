/*
Package config loads hutch configuration from YAML.

Defaults cover a single-node development setup: in-process queue, one
worker, local PostgreSQL, Elasticsearch, and render service. A config
file overrides defaults. The CLI's global flags pick the config file
(--config) and the log output (--log-level, --log-json); logging has no
config-file key, and no flag overrides a value read from the file.

# Example

	indexer: true
	processes: 4
	database_url: postgres://indexer@db:5432/app?sslmode=disable
	search_url: http://es:9200
	render_url: http://app:6543
	queue_type: redis
	queue_host: redis
	queue_port: 6379
	queue_db: 2
	stage_for_followup: region_indexer, vis_indexer
	run_timeout: 1h

# Keys

	indexer                  enable cycle execution on this node
	processes                worker pool size (default 1)
	database_url             primary store (PostgreSQL)
	search_url               search store (Elasticsearch)
	render_url               embed endpoint base address
	listen_addr              trigger endpoint bind address
	queue_type               "simple" (default) or "redis"
	queue_server             this node hosts the queue (reserved; the
	                         single-binary deployment always does)
	queue_worker             false = supervise-only; workers elsewhere
	                         drain the shared redis queue
	queue_name               key prefix for the redis backend
	queue_worker_chunk_size  uuids per worker batch (1024)
	queue_worker_batch_size  uuids per reporting round (5000)
	queue_worker_get_size    per-cycle load ceiling (2000000)
	queue_host/port/db       redis backend address
	indexer_short_uuids      debug cap on the invalidation set
	indexer_initial_log      one-time per-uuid timing log switch
	indexer_initial_log_path where that log is written
	stage_for_followup       comma list of downstream indexer names
	run_timeout              run-loop wall-clock budget (0 = none)
	bind_timeout             snapshot bind wait bound (60s)

Durations use Go syntax ("30m", "1h"); unknown keys are ignored by the
YAML decoder, misvalued ones fail Validate at startup rather than deep
inside a cycle.

# Queue Sizing

chunk_size is how many uuids a worker takes per batch, batch_size how
many one round of reporting covers, and get_size the per-cycle ceiling.
The chunk size bounds both per-worker memory and how much work a
crashed worker can strand.
*/
package config
