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

// Binance pushes the full market on the all-tickers stream, so there is no
// per-symbol subscribe message; the driver filters against the subscription
// set client-side.
const (
	binanceWSURL    = "wss://stream.binance.com:9443/ws/!ticker@arr"
	binanceRESTBase = "https://api.binance.com"
)

// binanceTicker is one entry of the !ticker@arr array.
type binanceTicker struct {
	Symbol    string `json:"s"`
	LastPrice string `json:"c"`
	BidPrice  string `json:"b"`
	AskPrice  string `json:"a"`
	Volume    string `json:"v"`
	EventTime int64  `json:"E"`
}

type binanceRESTTicker struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	BidPrice  string `json:"bidPrice"`
	AskPrice  string `json:"askPrice"`
	Volume    string `json:"volume"`
	CloseTime int64  `json:"closeTime"`
	Code      int    `json:"code"`
	Msg       string `json:"msg"`
}

// NewBinanceAdapter builds the Binance streaming adapter.
func NewBinanceAdapter(cfg DriverConfig, sink Sink, logger zerolog.Logger) *Driver {
	spec := VenueSpec{
		Name:       "binance",
		WSURL:      binanceWSURL,
		RESTBase:   binanceRESTBase,
		HealthPath: "/api/v3/ping",
		Caps: Capabilities{
			SupportsWebSocket: true,
			SupportsREST:      true,
			SupportsVolume:    true,
			SupportsOrderBook: true,
			Categories:        []models.FeedCategory{models.CategoryCrypto},
		},
		Symbols:      SymbolRules{Separator: "", Lowercase: true},
		PingInterval: 30 * time.Second,
		PongTimeout:  60 * time.Second,
		BuildPing: func() []byte {
			return []byte(`{"method":"ping"}`)
		},
		ParseFrame:       parseBinanceFrame,
		FetchTicker:      fetchBinanceTicker,
		FilterClientSide: true,
	}
	return NewDriver(spec, cfg, sink, logger)
}

func parseBinanceFrame(data []byte) Frame {
	if len(data) == 0 {
		return Frame{Kind: FrameIgnore}
	}
	if data[0] == '[' {
		var raw []binanceTicker
		if err := json.Unmarshal(data, &raw); err != nil {
			return Frame{Kind: FrameError, Err: fmt.Errorf("%w: %v", ErrParse, err)}
		}
		tickers := make([]Ticker, 0, len(raw))
		for _, t := range raw {
			tickers = append(tickers, binanceToTicker(t))
		}
		return Frame{Kind: FrameTicker, Tickers: tickers}
	}

	var single binanceTicker
	if err := json.Unmarshal(data, &single); err == nil && single.Symbol != "" && single.LastPrice != "" {
		return Frame{Kind: FrameTicker, Tickers: []Ticker{binanceToTicker(single)}}
	}
	// Ping acknowledgements and subscription results carry no ticker payload.
	return Frame{Kind: FrameIgnore}
}

func binanceToTicker(raw binanceTicker) Ticker {
	last, _ := strconv.ParseFloat(raw.LastPrice, 64)
	bid, _ := strconv.ParseFloat(raw.BidPrice, 64)
	ask, _ := strconv.ParseFloat(raw.AskPrice, 64)
	volume, _ := strconv.ParseFloat(raw.Volume, 64)

	var ts time.Time
	if raw.EventTime > 0 {
		ts = models.TimestampFromEpoch(float64(raw.EventTime))
	}
	return Ticker{
		Symbol:    raw.Symbol,
		LastPrice: last,
		Bid:       bid,
		Ask:       ask,
		Volume:    volume,
		HasVolume: volume > 0,
		Timestamp: ts,
	}
}

func fetchBinanceTicker(ctx context.Context, client *retryablehttp.Client, base, exSymbol string) (Ticker, error) {
	url := fmt.Sprintf("%s/api/v3/ticker/24hr?symbol=%s", base, toUpperSymbol(exSymbol))
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Ticker{}, fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Ticker{}, fmt.Errorf("binance ticker: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Ticker{}, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	var raw binanceRESTTicker
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Ticker{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if raw.Code != 0 {
		return Ticker{}, &VenueError{Venue: "binance", Code: strconv.Itoa(raw.Code), Message: raw.Msg}
	}

	return binanceToTicker(binanceTicker{
		Symbol:    raw.Symbol,
		LastPrice: raw.LastPrice,
		BidPrice:  raw.BidPrice,
		AskPrice:  raw.AskPrice,
		Volume:    raw.Volume,
		EventTime: raw.CloseTime,
	}), nil
}
