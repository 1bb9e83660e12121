/*
Package embed renders primary-store objects into their indexable form
by calling the render service's @@index-data view.

# Protocol

	GET <render_url>/<uid>/@@index-data
	    X-Snapshot-Id:   <exported snapshot token>
	    X-Snapshot-Xmin: <cycle watermark>

The response is a JSON object carrying at minimum item_type,
embedded_uuids, and linked_uuids alongside the renderable document
body. The full body is preserved verbatim and written to the search
store as the indexed document; the typed fields are what the pipeline
itself inspects. The snapshot headers let a co-located render service
bind its own database session to the same snapshot the cycle was
resolved against.

The client normalizes one invariant on the way in: a document's
embedded_uuids always includes its own uid, so a direct update
invalidates the document through the same query as a transitive one.

# Failure Semantics

Render failures are per-uuid errors: non-2xx statuses, undecodable
bodies, and responses without an item_type are recorded against the
uuid and the worker moves on. The retry schedule applies only to
search-store writes, never to rendering: a render that failed once is
assumed to fail identically until the object or the renderer changes.

# Usage

	client := embed.NewClient("http://app:6543")
	doc, err := client.Render(ctx, uid, xmin, token)

The HTTP client is a struct field, so tests (and deployments needing
custom transports or timeouts) can replace it; the default carries a
30s timeout.

# Integration Points

  - pkg/indexer: workers call Render once per uuid
  - pkg/types: the Document shape crossing this boundary
  - pkg/metrics: render latency histogram observed by the caller
*/
package embed
