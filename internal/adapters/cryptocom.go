package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/feedpulse/feedpulse/internal/models"
)

const (
	cryptocomWSURL    = "wss://stream.crypto.com/v2/market"
	cryptocomRESTBase = "https://api.crypto.com"
)

type cryptocomSubscribeMsg struct {
	ID     int64          `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
	Nonce  int64          `json:"nonce"`
}

type cryptocomHeartbeatReply struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
}

// NewCryptocomAdapter builds the Crypto.com streaming adapter. The venue sends
// public/heartbeat requests that must be answered with public/respond-heartbeat
// carrying the same id, or the socket is dropped; there is no client ping.
func NewCryptocomAdapter(cfg DriverConfig, sink Sink, logger zerolog.Logger) *Driver {
	spec := VenueSpec{
		Name:       "cryptocom",
		WSURL:      cryptocomWSURL,
		RESTBase:   cryptocomRESTBase,
		HealthPath: "/v2/public/get-instruments",
		Caps: Capabilities{
			SupportsWebSocket: true,
			SupportsREST:      true,
			SupportsVolume:    true,
			SupportsOrderBook: true,
			Categories:        []models.FeedCategory{models.CategoryCrypto},
		},
		Symbols: SymbolRules{Separator: "_"},
		// Server heartbeats arrive roughly every 30s and refresh the read
		// deadline; the client sends nothing unsolicited.
		PingInterval: 0,
		PongTimeout:  90 * time.Second,
		BuildSubscribe: func(exSymbols []string) ([][]byte, error) {
			channels := make([]string, 0, len(exSymbols))
			for _, s := range exSymbols {
				channels = append(channels, "ticker."+s)
			}
			now := time.Now().UnixMilli()
			msg, err := json.Marshal(cryptocomSubscribeMsg{
				ID:     now,
				Method: "subscribe",
				Params: map[string]any{"channels": channels},
				Nonce:  now,
			})
			if err != nil {
				return nil, err
			}
			return [][]byte{msg}, nil
		},
		BuildUnsubscribe: func(exSymbols []string) ([][]byte, error) {
			channels := make([]string, 0, len(exSymbols))
			for _, s := range exSymbols {
				channels = append(channels, "ticker."+s)
			}
			now := time.Now().UnixMilli()
			msg, err := json.Marshal(cryptocomSubscribeMsg{
				ID:     now,
				Method: "unsubscribe",
				Params: map[string]any{"channels": channels},
				Nonce:  now,
			})
			if err != nil {
				return nil, err
			}
			return [][]byte{msg}, nil
		},
		ParseFrame:  parseCryptocomFrame,
		FetchTicker: fetchCryptocomTicker,
	}
	return NewDriver(spec, cfg, sink, logger)
}

func parseCryptocomFrame(data []byte) Frame {
	doc := gjson.ParseBytes(data)
	method := doc.Get("method").String()

	switch method {
	case "public/heartbeat":
		reply, err := json.Marshal(cryptocomHeartbeatReply{
			ID:     doc.Get("id").Int(),
			Method: "public/respond-heartbeat",
		})
		if err != nil {
			return Frame{Kind: FrameIgnore}
		}
		return Frame{Kind: FrameHeartbeat, Reply: [][]byte{reply}}
	case "subscribe":
		if code := doc.Get("code").Int(); code != 0 {
			return Frame{Kind: FrameError, Err: &VenueError{
				Venue:   "cryptocom",
				Code:    doc.Get("code").Raw,
				Message: doc.Get("message").String(),
			}}
		}
		result := doc.Get("result")
		if !result.Exists() || !result.Get("data").Exists() {
			return Frame{Kind: FrameAck}
		}
		symbol := result.Get("instrument_name").String()
		tickers := cryptocomTickers(symbol, result.Get("data"))
		if len(tickers) == 0 {
			return Frame{Kind: FrameIgnore}
		}
		return Frame{Kind: FrameTicker, Tickers: tickers}
	case "":
		return Frame{Kind: FrameIgnore}
	default:
		return Frame{Kind: FrameIgnore}
	}
}

// cryptocomTickers decodes the result.data array. Fields are single letters:
// a=last, b=bid, k=ask, v=24h volume, t=epoch ms; i carries the instrument
// when the channel-level name is absent.
func cryptocomTickers(symbol string, data gjson.Result) []Ticker {
	var tickers []Ticker
	data.ForEach(func(_, item gjson.Result) bool {
		sym := symbol
		if s := item.Get("i").String(); s != "" {
			sym = s
		}
		last := item.Get("a").Float()
		volume := item.Get("v").Float()
		ts := models.TimestampFromEpoch(item.Get("t").Float())
		tickers = append(tickers, Ticker{
			Symbol:    sym,
			LastPrice: last,
			Bid:       item.Get("b").Float(),
			Ask:       item.Get("k").Float(),
			Volume:    volume,
			HasVolume: volume > 0,
			Timestamp: ts,
		})
		return true
	})
	return tickers
}

func fetchCryptocomTicker(ctx context.Context, client *retryablehttp.Client, base, exSymbol string) (Ticker, error) {
	url := fmt.Sprintf("%s/v2/public/get-ticker?instrument_name=%s", base, exSymbol)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Ticker{}, fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Ticker{}, fmt.Errorf("cryptocom ticker: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Ticker{}, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Ticker{}, fmt.Errorf("cryptocom ticker: %w", err)
	}
	doc := gjson.ParseBytes(body)
	if code := doc.Get("code").Int(); code != 0 {
		return Ticker{}, &VenueError{
			Venue:   "cryptocom",
			Code:    doc.Get("code").Raw,
			Message: doc.Get("message").String(),
		}
	}

	tickers := cryptocomTickers(exSymbol, doc.Get("result.data"))
	if len(tickers) == 0 {
		return Ticker{}, fmt.Errorf("%w: empty ticker result", ErrParse)
	}
	return tickers[0], nil
}
