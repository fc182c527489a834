package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/feedpulse/feedpulse/internal/models"
)

const (
	coinbaseWSURL    = "wss://ws-feed.exchange.coinbase.com"
	coinbaseRESTBase = "https://api.exchange.coinbase.com"
)

type coinbaseSubscribeMsg struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

// coinbaseFrame covers every inbound variant; Type discriminates.
type coinbaseFrame struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	BestBid   string `json:"best_bid"`
	BestAsk   string `json:"best_ask"`
	Volume24h string `json:"volume_24h"`
	Time      string `json:"time"` // ISO-8601
	Message   string `json:"message"`
	Reason    string `json:"reason"`
}

type coinbaseRESTTicker struct {
	Price   string `json:"price"`
	Bid     string `json:"bid"`
	Ask     string `json:"ask"`
	Volume  string `json:"volume"`
	Time    string `json:"time"`
	Message string `json:"message"`
}

// NewCoinbaseAdapter builds the Coinbase Exchange streaming adapter.
func NewCoinbaseAdapter(cfg DriverConfig, sink Sink, logger zerolog.Logger) *Driver {
	spec := VenueSpec{
		Name:       "coinbase",
		WSURL:      coinbaseWSURL,
		RESTBase:   coinbaseRESTBase,
		HealthPath: "/time",
		Caps: Capabilities{
			SupportsWebSocket: true,
			SupportsREST:      true,
			SupportsVolume:    true,
			SupportsOrderBook: true,
			Categories:        []models.FeedCategory{models.CategoryCrypto},
		},
		Symbols:      SymbolRules{Separator: "-"},
		PingInterval: 25 * time.Second,
		PongTimeout:  20 * time.Second,
		BuildSubscribe: func(exSymbols []string) ([][]byte, error) {
			msg, err := json.Marshal(coinbaseSubscribeMsg{
				Type:       "subscribe",
				ProductIDs: exSymbols,
				Channels:   []string{"ticker"},
			})
			if err != nil {
				return nil, err
			}
			return [][]byte{msg}, nil
		},
		BuildUnsubscribe: func(exSymbols []string) ([][]byte, error) {
			msg, err := json.Marshal(coinbaseSubscribeMsg{
				Type:       "unsubscribe",
				ProductIDs: exSymbols,
				Channels:   []string{"ticker"},
			})
			if err != nil {
				return nil, err
			}
			return [][]byte{msg}, nil
		},
		BuildPing: func() []byte {
			return []byte(`{"type":"ping"}`)
		},
		ParseFrame:  parseCoinbaseFrame,
		FetchTicker: fetchCoinbaseTicker,
	}
	return NewDriver(spec, cfg, sink, logger)
}

func parseCoinbaseFrame(data []byte) Frame {
	var raw coinbaseFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return Frame{Kind: FrameError, Err: fmt.Errorf("%w: %v", ErrParse, err)}
	}

	switch raw.Type {
	case "ticker":
		last, _ := strconv.ParseFloat(raw.Price, 64)
		bid, _ := strconv.ParseFloat(raw.BestBid, 64)
		ask, _ := strconv.ParseFloat(raw.BestAsk, 64)
		volume, _ := strconv.ParseFloat(raw.Volume24h, 64)

		var ts time.Time
		if parsed, err := time.Parse(time.RFC3339Nano, raw.Time); err == nil {
			ts = parsed.UTC()
		}
		return Frame{Kind: FrameTicker, Tickers: []Ticker{{
			Symbol:    raw.ProductID,
			LastPrice: last,
			Bid:       bid,
			Ask:       ask,
			Volume:    volume,
			HasVolume: volume > 0,
			Timestamp: ts,
		}}}
	case "subscriptions":
		return Frame{Kind: FrameAck}
	case "pong", "heartbeat":
		return Frame{Kind: FrameIgnore}
	case "error":
		return Frame{Kind: FrameError, Err: &VenueError{Venue: "coinbase", Code: raw.Reason, Message: raw.Message}}
	default:
		return Frame{Kind: FrameIgnore}
	}
}

func fetchCoinbaseTicker(ctx context.Context, client *retryablehttp.Client, base, exSymbol string) (Ticker, error) {
	url := fmt.Sprintf("%s/products/%s/ticker", base, exSymbol)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Ticker{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "feedpulse/1.0")
	resp, err := client.Do(req)
	if err != nil {
		return Ticker{}, fmt.Errorf("coinbase ticker: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Ticker{}, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	var raw coinbaseRESTTicker
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Ticker{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if raw.Message != "" {
		return Ticker{}, &VenueError{Venue: "coinbase", Code: "api", Message: raw.Message}
	}

	last, _ := strconv.ParseFloat(raw.Price, 64)
	bid, _ := strconv.ParseFloat(raw.Bid, 64)
	ask, _ := strconv.ParseFloat(raw.Ask, 64)
	volume, _ := strconv.ParseFloat(raw.Volume, 64)

	var ts time.Time
	if parsed, err := time.Parse(time.RFC3339Nano, raw.Time); err == nil {
		ts = parsed.UTC()
	}
	return Ticker{
		Symbol:    exSymbol,
		LastPrice: last,
		Bid:       bid,
		Ask:       ask,
		Volume:    volume,
		HasVolume: volume > 0,
		Timestamp: ts,
	}, nil
}
