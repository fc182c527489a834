// Package adapters wraps heterogeneous exchange transports behind a uniform
// contract. Each venue is expressed as static configuration plus a small set
// of frame hooks driven by a shared connection driver; venues are data, not
// subclasses. Adapters publish normalized observations and status transitions
// into channels owned by the data manager and never call back into it.
package adapters

import (
	"context"
	"time"

	"github.com/feedpulse/feedpulse/internal/models"
)

// Capabilities declares what a venue can serve.
type Capabilities struct {
	SupportsWebSocket bool
	SupportsREST      bool
	SupportsVolume    bool
	SupportsOrderBook bool
	Categories        []models.FeedCategory
}

// SupportsCategory reports whether the venue serves the given asset class.
func (c Capabilities) SupportsCategory(cat models.FeedCategory) bool {
	for _, have := range c.Categories {
		if have == cat {
			return true
		}
	}
	return false
}

// StatusEvent is one connection state transition published to the supervisor.
type StatusEvent struct {
	Venue     string
	State     models.ConnectionState
	Connected bool
	CloseCode int
	Err       error
	At        time.Time
	// RetryAfter floors the supervisor's reconnect delay; abnormal closes
	// request a longer pause.
	RetryAfter time.Duration
}

// Sink carries the manager-owned channels an adapter publishes into.
type Sink struct {
	Observations chan<- models.PriceObservation
	Status       chan<- StatusEvent
}

// Adapter is the uniform venue contract.
type Adapter interface {
	Name() string
	Capabilities() Capabilities
	State() models.ConnectionState

	// Connect starts the streaming transport with retry. Transport failures
	// never surface here; they arrive as StatusEvents. The returned error is
	// only for invalid lifecycle use.
	Connect(ctx context.Context) error
	Disconnect() error

	Subscribe(symbols []string) error
	Unsubscribe(symbols []string) error
	Subscriptions() []string

	// ValidateSymbol reports whether the venue symbol mapping round-trips.
	ValidateSymbol(symbol string) bool

	// HealthCheck probes the venue's REST surface.
	HealthCheck(ctx context.Context) error

	// FetchTicker is the request/response fallback for one canonical symbol.
	FetchTicker(ctx context.Context, symbol string) (models.PriceObservation, error)
}

// FrameKind discriminates the closed set of inbound frame variants.
type FrameKind int

const (
	FrameIgnore FrameKind = iota
	FrameTicker
	FrameAck
	FrameHeartbeat
	FrameError
)

// Ticker is one parsed venue ticker, still in the venue's symbol form.
type Ticker struct {
	Symbol    string // exchange form, e.g. BTCUSDT
	LastPrice float64
	Bid       float64
	Ask       float64
	Volume    float64
	HasVolume bool
	Timestamp time.Time // zero when the frame carried none
}

// Frame is one parsed inbound message.
type Frame struct {
	Kind    FrameKind
	Tickers []Ticker // a single frame may carry several (Binance all-tickers)
	Err     error    // populated for FrameError
	// Reply holds messages the venue expects in response (heartbeat echoes);
	// the driver writes them back verbatim.
	Reply [][]byte
}
