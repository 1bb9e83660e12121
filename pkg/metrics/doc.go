/*
Package metrics provides Prometheus metrics for the hutch pipeline.

All collectors are package-level variables registered at init, exposed
via Handler on the /metrics route of the trigger endpoint. A small Timer
helper wraps the observe-elapsed pattern used around cycles, renders,
and writes.

# Metric Groups

Cycle:
  - hutch_cycles_total{outcome}        completed/failed/noop cycles
  - hutch_cycle_duration_seconds       end-to-end cycle latency
  - hutch_full_reindex_total           safety-valve widenings
  - hutch_invalidated_uuids            invalidation set sizes
  - hutch_txn_lag_seconds              oldest unprocessed transaction age

Documents:
  - hutch_documents_indexed_total      successful external-version writes
  - hutch_version_conflicts_total      writes superseded by a newer cycle
  - hutch_indexing_errors_total{kind}  render/write error counts
  - hutch_write_retries_total          backoff retries on transport errors
  - hutch_render_duration_seconds      embed endpoint latency
  - hutch_write_duration_seconds       search store write latency

Queue and snapshot:
  - hutch_queue_depth                  loaded minus settled uuids
  - hutch_queue_failovers_total        one-way remote-to-local failovers
  - hutch_snapshot_bind_duration_seconds  worker snapshot bind waits

API:
  - hutch_api_requests_total{route,status}
  - hutch_api_request_duration_seconds{route}

# Usage

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CycleDuration)
	metrics.CyclesTotal.WithLabelValues("completed").Inc()

# Health

The package also carries a lightweight component health registry:
components report via SetComponentHealth and HealthHandler aggregates
the reports for the /healthz route. Degraded components flip the
response to 503 so load balancers can steer cycle triggers away from a
broken node.

# Monitoring

Alert suggestions:

	rate(hutch_cycles_total{outcome="failed"}[15m]) > 0
	  cycles are aborting; last_xmin is not advancing

	hutch_txn_lag_seconds > <staleness budget>
	  the index is falling behind the primary store

	increase(hutch_full_reindex_total[1h]) > 0
	  a safety valve tripped outside a known bulk load

	increase(hutch_queue_failovers_total[1h]) > 0
	  the remote queue backend died; durability is degraded until the
	  process restarts

Dashboards pair hutch_invalidated_uuids with hutch_cycle_duration_seconds
to show cost per delta size, and hutch_render_duration_seconds against
hutch_write_duration_seconds to attribute per-uuid latency.
*/
package metrics
