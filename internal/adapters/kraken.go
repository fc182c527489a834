package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/feedpulse/feedpulse/internal/models"
)

const (
	krakenWSURL    = "wss://ws.kraken.com"
	krakenRESTBase = "https://api.kraken.com"
)

type krakenSubscribeMsg struct {
	Event        string            `json:"event"`
	Pair         []string          `json:"pair"`
	Subscription map[string]string `json:"subscription"`
}

type krakenEventMsg struct {
	Event        string `json:"event"`
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMessage"`
}

// krakenTickerData is the payload inside the 4-tuple ticker frame.
type krakenTickerData struct {
	C []string `json:"c"` // last trade [price, lot volume]
	B []string `json:"b"` // best bid [price, whole lot volume, lot volume]
	A []string `json:"a"` // best ask
	V []string `json:"v"` // volume [today, 24h]
}

type krakenRESTResponse struct {
	Error  []string                    `json:"error"`
	Result map[string]krakenTickerData `json:"result"`
}

// NewKrakenAdapter builds the Kraken streaming adapter. Kraken aliases BTC as
// XBT; subscription pairs go out with a slash, ticker frames come back as a
// [chanId, data, "ticker", pair] 4-tuple.
func NewKrakenAdapter(cfg DriverConfig, sink Sink, logger zerolog.Logger) *Driver {
	spec := VenueSpec{
		Name:       "kraken",
		WSURL:      krakenWSURL,
		RESTBase:   krakenRESTBase,
		HealthPath: "/0/public/SystemStatus",
		Caps: Capabilities{
			SupportsWebSocket: true,
			SupportsREST:      true,
			SupportsVolume:    true,
			SupportsOrderBook: true,
			Categories:        []models.FeedCategory{models.CategoryCrypto},
		},
		Symbols:      SymbolRules{Separator: "", Aliases: map[string]string{"BTC": "XBT"}},
		PingInterval: 45 * time.Second,
		// Kraken pongs arrive slowly under load; the window is generous.
		PongTimeout: 90 * time.Second,
		BuildSubscribe: func(exSymbols []string) ([][]byte, error) {
			msg, err := json.Marshal(krakenSubscribeMsg{
				Event:        "subscribe",
				Pair:         krakenWirePairs(exSymbols),
				Subscription: map[string]string{"name": "ticker"},
			})
			if err != nil {
				return nil, err
			}
			return [][]byte{msg}, nil
		},
		BuildUnsubscribe: func(exSymbols []string) ([][]byte, error) {
			msg, err := json.Marshal(krakenSubscribeMsg{
				Event:        "unsubscribe",
				Pair:         krakenWirePairs(exSymbols),
				Subscription: map[string]string{"name": "ticker"},
			})
			if err != nil {
				return nil, err
			}
			return [][]byte{msg}, nil
		},
		BuildPing: func() []byte {
			return []byte(`{"event":"ping"}`)
		},
		ParseFrame:      parseKrakenFrame,
		CloseCodePolicy: krakenClosePolicy,
		FetchTicker:     fetchKrakenTicker,
	}
	return NewDriver(spec, cfg, sink, logger)
}

// krakenWirePairs converts XBTUSD into the XBT/USD wire form the websocket
// subscription expects.
func krakenWirePairs(exSymbols []string) []string {
	pairs := make([]string, 0, len(exSymbols))
	for _, s := range exSymbols {
		base, quote := splitKnownQuote(strings.ToUpper(s))
		if quote == "" {
			pairs = append(pairs, s)
			continue
		}
		pairs = append(pairs, base+"/"+quote)
	}
	return pairs
}

func parseKrakenFrame(data []byte) Frame {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var event krakenEventMsg
		if err := json.Unmarshal(data, &event); err != nil {
			return Frame{Kind: FrameError, Err: fmt.Errorf("%w: %v", ErrParse, err)}
		}
		switch event.Event {
		case "subscriptionStatus":
			if event.Status == "error" {
				return Frame{Kind: FrameError, Err: &VenueError{Venue: "kraken", Code: event.Status, Message: event.ErrorMessage}}
			}
			return Frame{Kind: FrameAck}
		case "pong", "heartbeat", "systemStatus":
			return Frame{Kind: FrameIgnore}
		default:
			return Frame{Kind: FrameIgnore}
		}
	}

	// Ticker frames are a [chanId, data, "ticker", pair] tuple.
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return Frame{Kind: FrameError, Err: fmt.Errorf("%w: %v", ErrParse, err)}
	}
	if len(tuple) < 4 {
		return Frame{Kind: FrameIgnore}
	}

	var channel string
	if err := json.Unmarshal(tuple[2], &channel); err != nil || channel != "ticker" {
		return Frame{Kind: FrameIgnore}
	}
	var pair string
	if err := json.Unmarshal(tuple[3], &pair); err != nil {
		return Frame{Kind: FrameIgnore}
	}
	var payload krakenTickerData
	if err := json.Unmarshal(tuple[1], &payload); err != nil {
		return Frame{Kind: FrameError, Err: fmt.Errorf("%w: %v", ErrParse, err)}
	}

	ticker, ok := krakenToTicker(pair, payload)
	if !ok {
		return Frame{Kind: FrameIgnore}
	}
	return Frame{Kind: FrameTicker, Tickers: []Ticker{ticker}}
}

func krakenToTicker(pair string, data krakenTickerData) (Ticker, bool) {
	if len(data.C) == 0 {
		return Ticker{}, false
	}
	last, _ := strconv.ParseFloat(data.C[0], 64)
	var bid, ask, volume float64
	if len(data.B) > 0 {
		bid, _ = strconv.ParseFloat(data.B[0], 64)
	}
	if len(data.A) > 0 {
		ask, _ = strconv.ParseFloat(data.A[0], 64)
	}
	if len(data.V) > 1 {
		volume, _ = strconv.ParseFloat(data.V[1], 64)
	}
	return Ticker{
		Symbol:    strings.ReplaceAll(pair, "/", ""),
		LastPrice: last,
		Bid:       bid,
		Ask:       ask,
		Volume:    volume,
		HasVolume: volume > 0,
	}, true
}

// krakenClosePolicy extends the shared table: Kraken signals overload with a
// 503 close, retryable with a longer pause.
func krakenClosePolicy(code int) ClosePolicy {
	if code == 503 {
		return ClosePolicy{Severity: "warn", Reconnect: true, MinDelay: 10 * time.Second}
	}
	return DefaultClosePolicy(code)
}

func fetchKrakenTicker(ctx context.Context, client *retryablehttp.Client, base, exSymbol string) (Ticker, error) {
	url := fmt.Sprintf("%s/0/public/Ticker?pair=%s", base, exSymbol)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Ticker{}, fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Ticker{}, fmt.Errorf("kraken ticker: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Ticker{}, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	var raw krakenRESTResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Ticker{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if len(raw.Error) > 0 {
		return Ticker{}, &VenueError{Venue: "kraken", Code: "api", Message: strings.Join(raw.Error, "; ")}
	}

	// The result key is Kraken's internal pair name; take the first entry.
	for _, data := range raw.Result {
		ticker, ok := krakenToTicker(exSymbol, data)
		if !ok {
			break
		}
		return ticker, nil
	}
	return Ticker{}, fmt.Errorf("%w: empty ticker result", ErrParse)
}
