package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bjpl/open-learn-co-sub001/internal/collection"
)

const defaultFetchTimeout = 30 * time.Second

// APIClient fetches structured JSON from a government or statistics API.
// The endpoint must return either a JSON object or an array of objects;
// each object becomes one RawItem.
type APIClient struct {
	source collection.SourceDefinition
	client *http.Client
	clock  collection.Clock
}

// NewAPIClient builds an APIClient for one source definition.
func NewAPIClient(source collection.SourceDefinition, clock collection.Clock) *APIClient {
	timeout := source.FetchTimeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &APIClient{
		source: source,
		client: &http.Client{Timeout: timeout},
		clock:  clock,
	}
}

// Fetch performs one GET against the endpoint. Every fetch carries the
// source's hard timeout; expiry surfaces as transient.
func (c *APIClient) Fetch(ctx context.Context) ([]collection.RawItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.source.Endpoint, nil)
	if err != nil {
		return nil, collection.Invalid(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, collection.Transient(fmt.Errorf("fetch %s: %w", c.source.Key, err))
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, collection.Transient(fmt.Errorf("read body: %w", err))
	}
	payloads, err := decodePayloads(body)
	if err != nil {
		return nil, collection.Invalid(fmt.Errorf("decode %s response: %w", c.source.Key, err))
	}

	now := c.clock.Now()
	items := make([]collection.RawItem, 0, len(payloads))
	for _, payload := range payloads {
		items = append(items, collection.RawItem{
			SourceKey: c.source.Key,
			FetchedAt: now,
			Payload:   payload,
		})
	}
	return items, nil
}

// TestConnection probes the endpoint without consuming the body.
func (c *APIClient) TestConnection(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.source.Endpoint, nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close() //nolint:errcheck // probe only
	return resp.StatusCode < http.StatusBadRequest
}

func classifyStatus(code int) error {
	switch {
	case code == http.StatusTooManyRequests:
		return collection.Capacity(fmt.Errorf("upstream returned %d", code))
	case code >= http.StatusInternalServerError:
		return collection.Transient(fmt.Errorf("upstream returned %d", code))
	case code >= http.StatusBadRequest:
		return collection.Invalid(fmt.Errorf("upstream returned %d", code))
	default:
		return nil
	}
}

func decodePayloads(body []byte) ([]map[string]any, error) {
	var list []map[string]any
	if err := json.Unmarshal(body, &list); err == nil {
		return list, nil
	}
	var single map[string]any
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, err
	}
	return []map[string]any{single}, nil
}
