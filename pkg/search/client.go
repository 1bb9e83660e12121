package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	elasticsearch "github.com/elastic/go-elasticsearch/v7"
	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/types"
)

// writeTimeout caps a single document write; the retry schedule around it
// lives in the worker, not here.
const writeTimeout = 30 * time.Second

// queryTimeout caps the invalidation query.
const queryTimeout = 60 * time.Second

// ErrConflict reports an external-version conflict: a later cycle already
// wrote a strictly newer version of the document.
var ErrConflict = errors.New("document version conflict")

// StatusError is a non-2xx, non-conflict response from the search store.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("search store returned %d: %s", e.StatusCode, e.Body)
}

// transportError marks connection-level failures (connection refused,
// reset, read timeout) that the write retry schedule may recover from.
type transportError struct {
	err error
}

func (e *transportError) Error() string {
	return fmt.Sprintf("search transport error: %v", e.err)
}

func (e *transportError) Unwrap() error {
	return e.err
}

// IsConflict reports whether err is an external-version conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsRetryable reports whether err may succeed on a later attempt:
// transport-level failures and gateway/overload statuses.
func IsRetryable(err error) bool {
	var te *transportError
	if errors.As(err, &te) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case http.StatusTooManyRequests, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
	}
	return false
}

// Config holds search store client settings.
type Config struct {
	// URL is the search store address.
	URL string

	// Transport overrides the HTTP transport; tests inject fakes here.
	Transport http.RoundTripper
}

// Client wraps the search store for the operations the pipeline needs:
// external-version document writes, the invalidation query, admin
// refresh/flush, and meta document CRUD for cycle state.
type Client struct {
	es     *elasticsearch.Client
	logger zerolog.Logger
}

// NewClient creates a search store client.
func NewClient(cfg Config) (*Client, error) {
	escfg := elasticsearch.Config{}
	if cfg.URL != "" {
		escfg.Addresses = []string{cfg.URL}
	}
	if cfg.Transport != nil {
		escfg.Transport = cfg.Transport
	}
	es, err := elasticsearch.NewClient(escfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create search client: %w", err)
	}
	return &Client{
		es:     es,
		logger: log.WithComponent("search"),
	}, nil
}

// IndexDocument writes doc under id=uid at version=xmin with
// external-version-gte semantics: the store rejects the write with a
// conflict when it already holds a newer version (an equal version is
// accepted), which this method surfaces as ErrConflict.
func (c *Client) IndexDocument(ctx context.Context, doc *types.Document, uid types.UID, xmin int64) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	res, err := c.es.Index(
		doc.ItemType,
		bytes.NewReader(doc.Raw),
		c.es.Index.WithDocumentID(string(uid)),
		c.es.Index.WithVersion(int(xmin)),
		c.es.Index.WithVersionType("external_gte"),
		c.es.Index.WithContext(ctx),
	)
	if err != nil {
		return &transportError{err: err}
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusConflict {
		return ErrConflict
	}
	if res.IsError() {
		return &StatusError{StatusCode: res.StatusCode, Body: bodyExcerpt(res.Body)}
	}
	return nil
}

// relatedResponse is the slice of the search response the resolver needs.
type relatedResponse struct {
	Hits struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []struct {
			ID string `json:"_id"`
		} `json:"hits"`
	} `json:"hits"`
}

// RelatedUIDs runs the invalidation query: ids of documents whose
// embedded_uuids intersect updated or whose linked_uuids intersect
// renamed. Returns the matching ids and the total hit count; a total
// above types.SearchMax means the id list is partial and the caller must
// widen to a full reindex. Request caching is disabled: every cycle's
// term set is different and cached filters would only poison memory.
func (c *Client) RelatedUIDs(ctx context.Context, updated, renamed []types.UID) ([]types.UID, int, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"should": []any{
					map[string]any{"terms": map[string]any{"embedded_uuids": updated}},
					map[string]any{"terms": map[string]any{"linked_uuids": renamed}},
				},
			},
		},
		"_source": false,
	}
	body, err := json.Marshal(query)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build invalidation query: %w", err)
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(types.ResourcesIndex),
		c.es.Search.WithBody(bytes.NewReader(body)),
		c.es.Search.WithSize(types.SearchMax),
		c.es.Search.WithRequestCache(false),
	)
	if err != nil {
		return nil, 0, &transportError{err: err}
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, 0, &StatusError{StatusCode: res.StatusCode, Body: bodyExcerpt(res.Body)}
	}

	var parsed relatedResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, 0, fmt.Errorf("failed to decode invalidation query response: %w", err)
	}

	uids := make([]types.UID, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		uids = append(uids, types.UID(hit.ID))
	}
	return uids, parsed.Hits.Total.Value, nil
}

// Refresh makes recently written documents visible to search.
func (c *Client) Refresh(ctx context.Context) error {
	res, err := c.es.Indices.Refresh(
		c.es.Indices.Refresh.WithIndex(types.ResourcesIndex),
		c.es.Indices.Refresh.WithContext(ctx),
	)
	if err != nil {
		return &transportError{err: err}
	}
	defer res.Body.Close()

	if res.IsError() {
		return &StatusError{StatusCode: res.StatusCode, Body: bodyExcerpt(res.Body)}
	}
	return nil
}

// SyncedFlush requests a synced flush for faster recovery after a full
// reindex. A conflict response only means the index is still being
// written and is ignored.
func (c *Client) SyncedFlush(ctx context.Context) error {
	res, err := c.es.Indices.FlushSynced(
		c.es.Indices.FlushSynced.WithIndex(types.ResourcesIndex),
		c.es.Indices.FlushSynced.WithContext(ctx),
	)
	if err != nil {
		return &transportError{err: err}
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusConflict {
		c.logger.Debug().Msg("Synced flush conflict ignored, index still being written")
		return nil
	}
	if res.IsError() {
		return &StatusError{StatusCode: res.StatusCode, Body: bodyExcerpt(res.Body)}
	}
	return nil
}

// getResponse is the envelope of a meta document read.
type getResponse struct {
	Found  bool            `json:"found"`
	Source json.RawMessage `json:"_source"`
}

// GetMeta reads a meta document into out. Returns false with no error
// when the document does not exist.
func (c *Client) GetMeta(ctx context.Context, id string, out any) (bool, error) {
	res, err := c.es.Get(types.MetaIndex, id, c.es.Get.WithContext(ctx))
	if err != nil {
		return false, &transportError{err: err}
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if res.IsError() {
		return false, &StatusError{StatusCode: res.StatusCode, Body: bodyExcerpt(res.Body)}
	}

	var parsed getResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return false, fmt.Errorf("failed to decode meta document %s: %w", id, err)
	}
	if !parsed.Found || parsed.Source == nil {
		return false, nil
	}
	if err := json.Unmarshal(parsed.Source, out); err != nil {
		return false, fmt.Errorf("failed to unmarshal meta document %s: %w", id, err)
	}
	return true, nil
}

// PutMeta writes a meta document under the given id.
func (c *Client) PutMeta(ctx context.Context, id string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal meta document %s: %w", id, err)
	}

	res, err := c.es.Index(
		types.MetaIndex,
		bytes.NewReader(data),
		c.es.Index.WithDocumentID(id),
		c.es.Index.WithContext(ctx),
	)
	if err != nil {
		return &transportError{err: err}
	}
	defer res.Body.Close()

	if res.IsError() {
		return &StatusError{StatusCode: res.StatusCode, Body: bodyExcerpt(res.Body)}
	}
	return nil
}

// DeleteMeta removes a meta document. Deleting a missing document is not
// an error.
func (c *Client) DeleteMeta(ctx context.Context, id string) error {
	res, err := c.es.Delete(types.MetaIndex, id, c.es.Delete.WithContext(ctx))
	if err != nil {
		return &transportError{err: err}
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil
	}
	if res.IsError() {
		return &StatusError{StatusCode: res.StatusCode, Body: bodyExcerpt(res.Body)}
	}
	return nil
}

// bodyExcerpt reads a bounded slice of an error response body for
// diagnostics.
func bodyExcerpt(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil {
		return ""
	}
	return string(data)
}
