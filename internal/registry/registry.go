// Package registry is the name-keyed adapter directory. It tracks per-adapter
// metadata (activation flag, health, registration time) without owning adapter
// lifecycles; the data manager connects and disconnects them.
package registry

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/feedpulse/feedpulse/internal/adapters"
	"github.com/feedpulse/feedpulse/internal/models"
)

// Entry is one registered adapter plus its registry-owned metadata.
type Entry struct {
	Adapter         adapters.Adapter
	RegisteredAt    time.Time
	IsActive        bool
	HealthStatus    models.HealthStatus
	LastHealthCheck time.Time
}

// Filter narrows GetFiltered results. Zero fields are ignored.
type Filter struct {
	Category     models.FeedCategory
	Capabilities *adapters.Capabilities // required capability subset
	ActiveOnly   bool
	Health       models.HealthStatus
}

// Stats summarizes the registry population.
type Stats struct {
	Total      int                         `json:"total"`
	Active     int                         `json:"active"`
	ByCategory map[string]int              `json:"byCategory"`
	ByHealth   map[models.HealthStatus]int `json:"byHealth"`
}

// Registry maps lowercased adapter names to entries. Registrations happen at
// init and mutations are rare, so a plain mutex is enough.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register adds an adapter under its lowercased name. Duplicate names fail.
func (r *Registry) Register(name string, adapter adapters.Adapter) error {
	key := normalizeName(name)
	if key == "" {
		return fmt.Errorf("adapter name is empty")
	}
	if adapter == nil {
		return fmt.Errorf("adapter %q is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[key]; exists {
		return fmt.Errorf("adapter %q is already registered", key)
	}
	r.entries[key] = &Entry{
		Adapter:      adapter,
		RegisteredAt: time.Now().UTC(),
		IsActive:     true,
		HealthStatus: models.HealthUnknown,
	}
	return nil
}

// Unregister removes an adapter. Unknown names fail.
func (r *Registry) Unregister(name string) error {
	key := normalizeName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[key]; !exists {
		return fmt.Errorf("adapter %q is not registered", key)
	}
	delete(r.entries, key)
	return nil
}

// Get returns the entry for a name.
func (r *Registry) Get(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[normalizeName(name)]
	return entry, ok
}

// Has reports whether a name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[normalizeName(name)]
	return ok
}

// SetActive flips the activation flag. Inactive adapters stay registered but
// are skipped by filtered lookups and best-adapter selection.
func (r *Registry) SetActive(name string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[normalizeName(name)]
	if !ok {
		return fmt.Errorf("adapter %q is not registered", name)
	}
	entry.IsActive = active
	return nil
}

// UpdateHealthStatus records a health observation for an adapter.
func (r *Registry) UpdateHealthStatus(name string, status models.HealthStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[normalizeName(name)]
	if !ok {
		return fmt.Errorf("adapter %q is not registered", name)
	}
	entry.HealthStatus = status
	entry.LastHealthCheck = time.Now().UTC()
	return nil
}

// Names returns the registered adapter names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

// GetFiltered returns the entries matching every set filter field.
func (r *Registry) GetFiltered(filter Filter) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Entry
	for _, entry := range r.entries {
		if filter.ActiveOnly && !entry.IsActive {
			continue
		}
		if filter.Category != 0 && !entry.Adapter.Capabilities().SupportsCategory(filter.Category) {
			continue
		}
		if filter.Health != "" && entry.HealthStatus != filter.Health {
			continue
		}
		if filter.Capabilities != nil && !hasCapabilities(entry.Adapter.Capabilities(), *filter.Capabilities) {
			continue
		}
		out = append(out, entry)
	}
	return out
}

// FindBestAdapter picks an active adapter for a symbol and category: a healthy
// one when available, a degraded one otherwise, nil when neither exists.
func (r *Registry) FindBestAdapter(symbol string, category models.FeedCategory) adapters.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var degraded adapters.Adapter
	for _, entry := range r.entries {
		if !entry.IsActive || entry.HealthStatus == models.HealthUnhealthy {
			continue
		}
		if !entry.Adapter.Capabilities().SupportsCategory(category) {
			continue
		}
		if !entry.Adapter.ValidateSymbol(symbol) {
			continue
		}
		if entry.HealthStatus == models.HealthHealthy {
			return entry.Adapter
		}
		if degraded == nil {
			degraded = entry.Adapter
		}
	}
	return degraded
}

// GetStats returns population totals broken down by category and health.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		Total:      len(r.entries),
		ByCategory: make(map[string]int),
		ByHealth:   make(map[models.HealthStatus]int),
	}
	for _, entry := range r.entries {
		if entry.IsActive {
			stats.Active++
		}
		stats.ByHealth[entry.HealthStatus]++
		for _, cat := range entry.Adapter.Capabilities().Categories {
			stats.ByCategory[cat.String()]++
		}
	}
	return stats
}

func hasCapabilities(have, want adapters.Capabilities) bool {
	if want.SupportsWebSocket && !have.SupportsWebSocket {
		return false
	}
	if want.SupportsREST && !have.SupportsREST {
		return false
	}
	if want.SupportsVolume && !have.SupportsVolume {
		return false
	}
	if want.SupportsOrderBook && !have.SupportsOrderBook {
		return false
	}
	return true
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
