/*
Package api exposes the trigger endpoint over HTTP.

# Routes

	POST /index          run one reindex cycle; the request blocks for
	                     the cycle duration and the response body is the
	                     final cycle state record
	POST /index/reindex  submit a priority request (uuids and/or types)
	                     for the next cycle to drain
	GET  /healthz        aggregated component health
	GET  /metrics        Prometheus metrics

# POST /index

Request body (all fields optional):

	{
	  "record":    true,        // persist the cycle outcome (default)
	  "dry_run":   false,       // resolve only, write nothing
	  "recovery":  false,       // standby mode: no snapshot export
	  "last_xmin": 1234,        // override the persisted watermark
	  "types":     ["snowball"] // restrict a full reindex
	}

Status codes:

	200  cycle finished (possibly with per-uuid errors in the body)
	400  undecodable request body
	403  the indexer is disabled on this node
	409  a cycle is already running (the at-most-one-cycle guard)
	500  fatal cycle error; the body still carries the partial state
	     record when one exists, so the caller sees counts and the
	     (possibly redacted) errors list

# POST /index/reindex

	{"uuids": ["<36-char uid>", ...], "types": ["snowball"]}

UUIDs are validated for shape before the request is persisted under the
reindex meta document; invalid ones are refused with 400. Requests
accumulate until a cycle consumes them; the response is 202 with the
accepted uuid count.

# Usage

	server := api.NewServer(":8943", ix, stateStore)
	go server.Start()
	...
	server.Shutdown(ctx)

Triggering from the command line:

	curl -XPOST localhost:8943/index -d '{"record": true}'
	curl -XPOST localhost:8943/index/reindex \
	     -d '{"uuids": ["0f339740-2d8c-4ebc-bc3e-2898eb7b4b6c"]}'

# Integration Points

  - pkg/indexer: RunCycle behind POST /index
  - pkg/state: SubmitPriority behind POST /index/reindex
  - pkg/metrics: request counters/latency plus the health and metrics
    handlers mounted directly

The router is chi with the Recoverer middleware; a panic inside a cycle
surfaces as a 500 instead of killing the process.

# Troubleshooting

Long-poll clients time out on POST /index:
  - The request intentionally blocks for the whole cycle; put the load
    balancer's idle timeout above the expected cycle duration or run
    cycles through `hutch index` out of band

409 from every trigger:
  - A cycle is genuinely running, or a crashed redis-backed cycle left
    the queue loaded; see pkg/queue's troubleshooting notes
*/
package api
