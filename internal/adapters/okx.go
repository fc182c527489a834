package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/feedpulse/feedpulse/internal/models"
)

const (
	okxWSURL    = "wss://ws.okx.com:8443/ws/v5/public"
	okxRESTBase = "https://www.okx.com"

	// okxIdleCloseCode is OKX's "no data in 30s" close; the venue considers
	// it routine, so we do too.
	okxIdleCloseCode = 4004
)

type okxSubscribeArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type okxSubscribeMsg struct {
	Op   string            `json:"op"`
	Args []okxSubscribeArg `json:"args"`
}

type okxFrame struct {
	Event string `json:"event"`
	Code  string `json:"code"`
	Msg   string `json:"msg"`
	Data  []struct {
		InstID string `json:"instId"`
		Last   string `json:"last"`
		BidPx  string `json:"bidPx"`
		AskPx  string `json:"askPx"`
		Vol24h string `json:"vol24h"`
		Ts     string `json:"ts"`
	} `json:"data"`
}

// NewOKXAdapter builds the OKX streaming adapter. OKX never answers pings but
// disconnects idle sockets after 30 s, so the keepalive runs well under that
// and close code 4004 is treated as routine.
func NewOKXAdapter(cfg DriverConfig, sink Sink, logger zerolog.Logger) *Driver {
	spec := VenueSpec{
		Name:       "okx",
		WSURL:      okxWSURL,
		RESTBase:   okxRESTBase,
		HealthPath: "/api/v5/public/time",
		Caps: Capabilities{
			SupportsWebSocket: true,
			SupportsREST:      true,
			SupportsVolume:    true,
			SupportsOrderBook: true,
			Categories:        []models.FeedCategory{models.CategoryCrypto},
		},
		Symbols:      SymbolRules{Separator: "-"},
		PingInterval: 20 * time.Second,
		PongTimeout:  30 * time.Second,
		BuildSubscribe: func(exSymbols []string) ([][]byte, error) {
			// One op per symbol; OKX rejects oversized arg batches.
			messages := make([][]byte, 0, len(exSymbols))
			for _, s := range exSymbols {
				msg, err := json.Marshal(okxSubscribeMsg{
					Op:   "subscribe",
					Args: []okxSubscribeArg{{Channel: "tickers", InstID: s}},
				})
				if err != nil {
					return nil, err
				}
				messages = append(messages, msg)
			}
			return messages, nil
		},
		BuildUnsubscribe: func(exSymbols []string) ([][]byte, error) {
			messages := make([][]byte, 0, len(exSymbols))
			for _, s := range exSymbols {
				msg, err := json.Marshal(okxSubscribeMsg{
					Op:   "unsubscribe",
					Args: []okxSubscribeArg{{Channel: "tickers", InstID: s}},
				})
				if err != nil {
					return nil, err
				}
				messages = append(messages, msg)
			}
			return messages, nil
		},
		BuildPing: func() []byte {
			return []byte("ping")
		},
		ParseFrame:      parseOKXFrame,
		CloseCodePolicy: okxClosePolicy,
		FetchTicker:     fetchOKXTicker,
	}
	return NewDriver(spec, cfg, sink, logger)
}

func parseOKXFrame(data []byte) Frame {
	if string(data) == "pong" {
		return Frame{Kind: FrameIgnore}
	}

	var raw okxFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return Frame{Kind: FrameError, Err: fmt.Errorf("%w: %v", ErrParse, err)}
	}

	switch raw.Event {
	case "subscribe", "unsubscribe":
		return Frame{Kind: FrameAck}
	case "error":
		return Frame{Kind: FrameError, Err: &VenueError{Venue: "okx", Code: raw.Code, Message: raw.Msg}}
	}

	if len(raw.Data) == 0 {
		return Frame{Kind: FrameIgnore}
	}

	tickers := make([]Ticker, 0, len(raw.Data))
	for _, d := range raw.Data {
		last, _ := strconv.ParseFloat(d.Last, 64)
		bid, _ := strconv.ParseFloat(d.BidPx, 64)
		ask, _ := strconv.ParseFloat(d.AskPx, 64)
		volume, _ := strconv.ParseFloat(d.Vol24h, 64)

		var ts time.Time
		if ms, err := strconv.ParseInt(d.Ts, 10, 64); err == nil {
			ts = models.TimestampFromEpoch(float64(ms))
		}
		tickers = append(tickers, Ticker{
			Symbol:    d.InstID,
			LastPrice: last,
			Bid:       bid,
			Ask:       ask,
			Volume:    volume,
			HasVolume: volume > 0,
			Timestamp: ts,
		})
	}
	return Frame{Kind: FrameTicker, Tickers: tickers}
}

func okxClosePolicy(code int) ClosePolicy {
	switch code {
	case okxIdleCloseCode:
		return ClosePolicy{Severity: "debug", Reconnect: true}
	case websocket.CloseAbnormalClosure:
		return ClosePolicy{Severity: "warn", Reconnect: true, MinDelay: 5 * time.Second}
	default:
		return DefaultClosePolicy(code)
	}
}

func fetchOKXTicker(ctx context.Context, client *retryablehttp.Client, base, exSymbol string) (Ticker, error) {
	url := fmt.Sprintf("%s/api/v5/market/ticker?instId=%s", base, exSymbol)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Ticker{}, fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Ticker{}, fmt.Errorf("okx ticker: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Ticker{}, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	var raw okxFrame
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Ticker{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if raw.Code != "" && raw.Code != "0" {
		return Ticker{}, &VenueError{Venue: "okx", Code: raw.Code, Message: raw.Msg}
	}

	if len(raw.Data) == 0 {
		return Ticker{}, fmt.Errorf("%w: empty ticker result", ErrParse)
	}
	d := raw.Data[0]
	last, _ := strconv.ParseFloat(d.Last, 64)
	bid, _ := strconv.ParseFloat(d.BidPx, 64)
	ask, _ := strconv.ParseFloat(d.AskPx, 64)
	volume, _ := strconv.ParseFloat(d.Vol24h, 64)
	var ts time.Time
	if ms, err := strconv.ParseInt(d.Ts, 10, 64); err == nil {
		ts = models.TimestampFromEpoch(float64(ms))
	}
	return Ticker{
		Symbol:    d.InstID,
		LastPrice: last,
		Bid:       bid,
		Ask:       ask,
		Volume:    volume,
		HasVolume: volume > 0,
		Timestamp: ts,
	}, nil
}
