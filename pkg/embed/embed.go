package embed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/hutch/pkg/types"
)

// indexDataPath is the render view every indexable object exposes.
const indexDataPath = "/%s/@@index-data"

// Snapshot headers let the render service read under the same pinned
// snapshot as the requesting worker.
const (
	headerSnapshotID = "X-Snapshot-Id"
	headerXmin       = "X-Snapshot-Xmin"
)

// Client renders objects into their indexable form via the embed
// endpoint.
type Client struct {
	// BaseURL is the render service address.
	BaseURL string

	// Client is the HTTP client to use (allows custom configuration)
	Client *http.Client
}

// NewClient creates a render client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Render fetches /<uid>/@@index-data and returns the document. The cycle
// snapshot travels along as headers so the render service reads the same
// database state the cycle was resolved against. Failures here are
// per-uuid render errors: recorded, never retried.
func (c *Client) Render(ctx context.Context, uid types.UID, xmin int64, snapshotToken string) (*types.Document, error) {
	url := c.BaseURL + fmt.Sprintf(indexDataPath, uid)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build render request for %s: %w", uid, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(headerXmin, fmt.Sprintf("%d", xmin))
	if snapshotToken != "" {
		req.Header.Set(headerSnapshotID, snapshotToken)
	}

	res, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error rendering %s: %w", url, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading render response for %s: %w", uid, err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("error rendering %s: status %d: %s", url, res.StatusCode, excerpt(body))
	}

	var doc types.Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("error decoding render response for %s: %w", uid, err)
	}
	if doc.ItemType == "" {
		return nil, fmt.Errorf("render response for %s has no item_type", uid)
	}
	doc.Raw = body

	// embedded_uuids must include the document's own uid
	if !containsUID(doc.EmbeddedUUIDs, uid) {
		doc.EmbeddedUUIDs = append(doc.EmbeddedUUIDs, uid)
	}
	return &doc, nil
}

func containsUID(uids []types.UID, uid types.UID) bool {
	for _, u := range uids {
		if u == uid {
			return true
		}
	}
	return false
}

func excerpt(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max])
	}
	return string(body)
}
