// Package catalog resolves resource ids to paid upstream resources
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	payload "github.com/microchipgnu/payload-exchange-sub000"
)

// Static is a fixed catalog, typically loaded from configuration
type Static struct {
	mu        sync.RWMutex
	resources map[string]payload.Resource
}

// NewStatic creates a catalog holding resources. Each resource is reachable
// by its id and by its URL.
func NewStatic(resources ...payload.Resource) (*Static, error) {
	s := &Static{resources: make(map[string]payload.Resource, len(resources))}
	for _, r := range resources {
		if err := s.Add(r); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add registers a resource, replacing any entry with the same id
func (s *Static) Add(r payload.Resource) error {
	if r.ID == "" && r.URL == "" {
		return errors.New("resource needs an id or a url")
	}
	if r.ID == "" {
		r.ID = r.URL
	}
	if r.URL == "" && isURL(r.ID) {
		r.URL = r.ID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[r.ID] = r
	if r.URL != "" && r.URL != r.ID {
		s.resources[r.URL] = r
	}
	return nil
}

// Lookup returns the resource registered under resourceID
func (s *Static) Lookup(_ context.Context, resourceID string) (*payload.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resources[resourceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", payload.ErrResourceNotFound, resourceID)
	}
	return &r, nil
}

// Chain consults each catalog in order and returns the first hit
type Chain []payload.ResourceCatalog

// Lookup returns ErrResourceNotFound only when no catalog knows the id.
// Any other error stops the search.
func (c Chain) Lookup(ctx context.Context, resourceID string) (*payload.Resource, error) {
	for _, catalog := range c {
		r, err := catalog.Lookup(ctx, resourceID)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, payload.ErrResourceNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", payload.ErrResourceNotFound, resourceID)
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

var (
	_ payload.ResourceCatalog = (*Static)(nil)
	_ payload.ResourceCatalog = Chain(nil)
)
