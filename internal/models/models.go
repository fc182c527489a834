// Package models defines the core data types shared across the feed pipeline:
// feed identifiers, raw observations, aggregated consensus prices, and the
// per-adapter health records maintained by the data manager.
package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// FeedCategory identifies the asset class of a feed.
type FeedCategory int

const (
	CategoryCrypto    FeedCategory = 1
	CategoryForex     FeedCategory = 2
	CategoryCommodity FeedCategory = 3
	CategoryStock     FeedCategory = 4
)

// String returns the lowercase category name.
func (c FeedCategory) String() string {
	switch c {
	case CategoryCrypto:
		return "crypto"
	case CategoryForex:
		return "forex"
	case CategoryCommodity:
		return "commodity"
	case CategoryStock:
		return "stock"
	default:
		return "unknown"
	}
}

// Valid reports whether the category is one of the four known classes.
func (c FeedCategory) Valid() bool {
	return c >= CategoryCrypto && c <= CategoryStock
}

var feedNameRe = regexp.MustCompile(`^[A-Z]{2,8}/[A-Z]{2,8}$`)

// FeedID is the canonical trading pair identifier: a category plus a
// BASE/QUOTE name. Names are uppercased on construction.
type FeedID struct {
	Category FeedCategory `json:"category"`
	Name     string       `json:"name"`
}

// NewFeedID validates and normalizes a feed identifier. The name must match
// BASE/QUOTE with 2-8 uppercase tokens on each side after uppercasing.
func NewFeedID(category FeedCategory, name string) (FeedID, error) {
	if !category.Valid() {
		return FeedID{}, fmt.Errorf("invalid feed category: %d", int(category))
	}
	normalized := strings.ToUpper(strings.TrimSpace(name))
	if !feedNameRe.MatchString(normalized) {
		return FeedID{}, fmt.Errorf("invalid feed name: %q", name)
	}
	return FeedID{Category: category, Name: normalized}, nil
}

// String renders the feed as "category:BASE/QUOTE".
func (f FeedID) String() string {
	return f.Category.String() + ":" + f.Name
}

// Base returns the base token of the pair.
func (f FeedID) Base() string {
	if i := strings.IndexByte(f.Name, '/'); i > 0 {
		return f.Name[:i]
	}
	return f.Name
}

// Quote returns the quote token of the pair.
func (f FeedID) Quote() string {
	if i := strings.IndexByte(f.Name, '/'); i >= 0 {
		return f.Name[i+1:]
	}
	return ""
}

// PriceObservation is one normalized price datum from one source.
type PriceObservation struct {
	Symbol     string    `json:"symbol"` // canonical BASE/QUOTE
	Price      float64   `json:"price"`
	Timestamp  time.Time `json:"timestamp"`
	Source     string    `json:"source"`
	Volume     float64   `json:"volume,omitempty"`
	HasVolume  bool      `json:"has_volume,omitempty"`
	Confidence float64   `json:"confidence"`
}

// Age returns the observation's age relative to now.
func (o PriceObservation) Age(now time.Time) time.Duration {
	return now.Sub(o.Timestamp)
}

// VolumeObservation is one volume datum from one source.
type VolumeObservation struct {
	Symbol    string    `json:"symbol"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// AggregatedPrice is the consensus result for one feed.
type AggregatedPrice struct {
	Symbol         string    `json:"symbol"`
	Price          float64   `json:"price"`
	Timestamp      time.Time `json:"timestamp"`
	Sources        []string  `json:"sources"`
	Confidence     float64   `json:"confidence"`
	ConsensusScore float64   `json:"consensus_score"`
}

// HealthStatus is the registry-level health classification of an adapter.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// ConnectionState tracks the streaming transport lifecycle of an adapter.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateConnected
	StateDegraded // streaming down, REST fallback only
	StateClosed
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ConnectionMetrics is the per-adapter liveness record kept by the data
// manager. Reads by the health monitor may be slightly stale.
type ConnectionMetrics struct {
	Latency           time.Duration `json:"latency"`
	LastUpdate        time.Time     `json:"last_update"`
	ReconnectAttempts int           `json:"reconnect_attempts"`
	IsHealthy         bool          `json:"is_healthy"`
}

// TimestampFromEpoch interprets a numeric epoch value as milliseconds when it
// is larger than 1e12 and as seconds otherwise. Non-positive values yield the
// zero time so callers can substitute the local clock.
func TimestampFromEpoch(v float64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	if v > 1e12 {
		return time.UnixMilli(int64(v)).UTC()
	}
	return time.UnixMilli(int64(v * 1000)).UTC()
}
