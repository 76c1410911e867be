package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	payload "github.com/microchipgnu/payload-exchange-sub000"
	"github.com/microchipgnu/payload-exchange-sub000/challenge"
)

const (
	// DefaultFacilitatorURL is the public x402 facilitator
	DefaultFacilitatorURL = "https://x402.org/facilitator"

	DefaultPageSize        = 100
	DefaultRefreshInterval = 5 * time.Minute

	// maxPages bounds a refresh against a server that never reports a total
	maxPages = 50

	headerContentType   = "Content-Type"
	mimeApplicationJSON = "application/json"
)

// discoveryResource is one item of GET /discovery/resources
type discoveryResource struct {
	Resource    string                 `json:"resource"`
	Type        string                 `json:"type"`
	X402Version int                    `json:"x402Version"`
	Accepts     json.RawMessage        `json:"accepts"`
	LastUpdated string                 `json:"lastUpdated"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

type discoveryPage struct {
	X402Version int                 `json:"x402Version"`
	Items       []discoveryResource `json:"items"`
	Pagination  struct {
		Limit  int `json:"limit"`
		Offset int `json:"offset"`
		Total  int `json:"total"`
	} `json:"pagination"`
}

// DiscoveryClient is a catalog backed by an x402 facilitator's discovery
// listing. The listing is cached and refreshed at most once per interval.
type DiscoveryClient struct {
	url             string
	httpClient      *http.Client
	pageSize        int
	refreshInterval time.Duration
	logger          *slog.Logger
	now             func() time.Time

	refreshes singleflight.Group
	mu        sync.Mutex
	index     map[string]payload.Resource
	fetchedAt time.Time
}

// DiscoveryOption configures a DiscoveryClient
type DiscoveryOption func(*DiscoveryClient)

func WithHTTPClient(client *http.Client) DiscoveryOption {
	return func(c *DiscoveryClient) {
		c.httpClient = client
	}
}

func WithPageSize(size int) DiscoveryOption {
	return func(c *DiscoveryClient) {
		if size > 0 {
			c.pageSize = size
		}
	}
}

// WithRefreshInterval sets how long a fetched listing is served from cache
func WithRefreshInterval(interval time.Duration) DiscoveryOption {
	return func(c *DiscoveryClient) {
		c.refreshInterval = interval
	}
}

func WithLogger(logger *slog.Logger) DiscoveryOption {
	return func(c *DiscoveryClient) {
		c.logger = logger
	}
}

// NewDiscoveryClient creates a catalog for the facilitator at facilitatorURL.
// An empty URL uses DefaultFacilitatorURL.
func NewDiscoveryClient(facilitatorURL string, opts ...DiscoveryOption) *DiscoveryClient {
	if facilitatorURL == "" {
		facilitatorURL = DefaultFacilitatorURL
	}
	c := &DiscoveryClient{
		url:             strings.TrimRight(facilitatorURL, "/"),
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		pageSize:        DefaultPageSize,
		refreshInterval: DefaultRefreshInterval,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "catalog")
	return c
}

// Lookup returns the listed resource whose URL is resourceID. A failed
// refresh falls back to the previous listing when there is one.
func (c *DiscoveryClient) Lookup(ctx context.Context, resourceID string) (*payload.Resource, error) {
	index, err := c.listing(ctx)
	if err != nil {
		return nil, err
	}

	r, ok := index[resourceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", payload.ErrResourceNotFound, resourceID)
	}
	return &r, nil
}

// listing returns the cached index, refreshing it when stale. Concurrent
// callers share one in-flight fetch and the lock is never held across it.
func (c *DiscoveryClient) listing(ctx context.Context) (map[string]payload.Resource, error) {
	c.mu.Lock()
	index := c.index
	fresh := index != nil && c.now().Sub(c.fetchedAt) < c.refreshInterval
	c.mu.Unlock()
	if fresh {
		return index, nil
	}

	ch := c.refreshes.DoChan("listing", func() (interface{}, error) {
		fetched, err := c.fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.index = fetched
		c.fetchedAt = c.now()
		c.mu.Unlock()
		return fetched, nil
	})

	select {
	case res := <-ch:
		switch {
		case res.Err == nil:
			return res.Val.(map[string]payload.Resource), nil
		case index == nil:
			return nil, res.Err
		default:
			c.logger.Warn("discovery refresh failed, serving cached listing", "error", res.Err)
			return index, nil
		}
	case <-ctx.Done():
		if index != nil {
			return index, nil
		}
		return nil, ctx.Err()
	}
}

// Refresh drops the cached listing so the next Lookup fetches again
func (c *DiscoveryClient) Refresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchedAt = time.Time{}
}

func (c *DiscoveryClient) fetch(ctx context.Context) (map[string]payload.Resource, error) {
	index := make(map[string]payload.Resource)
	offset := 0
	for page := 0; page < maxPages; page++ {
		resp, err := c.listPage(ctx, offset)
		if err != nil {
			return nil, err
		}
		for _, item := range resp.Items {
			if item.Resource == "" {
				continue
			}
			index[item.Resource] = c.toResource(item)
		}

		offset += len(resp.Items)
		if len(resp.Items) == 0 || len(resp.Items) < c.pageSize {
			break
		}
		if resp.Pagination.Total > 0 && offset >= resp.Pagination.Total {
			break
		}
	}
	c.logger.Debug("discovery listing fetched", "resources", len(index))
	return index, nil
}

func (c *DiscoveryClient) listPage(ctx context.Context, offset int) (*discoveryPage, error) {
	values := url.Values{}
	values.Set("limit", strconv.Itoa(c.pageSize))
	values.Set("offset", strconv.Itoa(offset))
	endpoint := fmt.Sprintf("%s/discovery/resources?%s", c.url, values.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery request: %w", err)
	}
	req.Header.Set(headerContentType, mimeApplicationJSON)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send discovery request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("failed to list discovery resources: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var page discoveryPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode discovery response: %w", err)
	}
	return &page, nil
}

func (c *DiscoveryClient) toResource(item discoveryResource) payload.Resource {
	r := payload.Resource{ID: item.Resource, URL: item.Resource}
	if desc, ok := item.Metadata["description"].(string); ok {
		r.Description = desc
	}
	if len(item.Accepts) > 0 {
		priced, err := challenge.ParseAccepts(item.Accepts)
		if err != nil {
			c.logger.Debug("listed resource has no usable payment options", "resource", item.Resource, "error", err)
		} else {
			r.Challenge = priced
			if r.Description == "" {
				r.Description = priced.Description
			}
		}
	}
	return r
}

var _ payload.ResourceCatalog = (*DiscoveryClient)(nil)
