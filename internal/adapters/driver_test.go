package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedpulse/feedpulse/internal/models"
)

type testVenue struct {
	server   *httptest.Server
	conns    chan *websocket.Conn
	inbound  chan []byte
	upgrader websocket.Upgrader
}

// newTestVenue runs a websocket echo venue that records inbound messages and
// hands the server side of each connection to the test.
func newTestVenue(t *testing.T) *testVenue {
	t.Helper()
	venue := &testVenue{
		conns:   make(chan *websocket.Conn, 4),
		inbound: make(chan []byte, 64),
	}
	venue.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := venue.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		venue.conns <- conn
		go func() {
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				venue.inbound <- data
			}
		}()
	}))
	t.Cleanup(venue.server.Close)
	return venue
}

func (v *testVenue) wsURL() string {
	return "ws://" + strings.TrimPrefix(v.server.URL, "http://")
}

func (v *testVenue) acceptConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-v.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no websocket connection arrived")
		return nil
	}
}

func (v *testVenue) expectMessage(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-v.inbound:
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("no message arrived at the venue")
		return nil
	}
}

type testTickerFrame struct {
	Type   string  `json:"type"`
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

func testSpec(wsURL string) VenueSpec {
	return VenueSpec{
		Name:    "testvenue",
		WSURL:   wsURL,
		Caps:    Capabilities{SupportsWebSocket: true, Categories: []models.FeedCategory{models.CategoryCrypto}},
		Symbols: SymbolRules{Separator: "-"},
		BuildSubscribe: func(exSymbols []string) ([][]byte, error) {
			msg, err := json.Marshal(map[string]any{"op": "subscribe", "symbols": exSymbols})
			return [][]byte{msg}, err
		},
		PongTimeout: 5 * time.Second,
		ParseFrame: func(data []byte) Frame {
			var raw testTickerFrame
			if err := json.Unmarshal(data, &raw); err != nil {
				return Frame{Kind: FrameError, Err: err}
			}
			switch raw.Type {
			case "ticker":
				return Frame{Kind: FrameTicker, Tickers: []Ticker{{Symbol: raw.Symbol, LastPrice: raw.Price, Timestamp: time.Now()}}}
			case "heartbeat":
				return Frame{Kind: FrameHeartbeat, Reply: [][]byte{[]byte(`{"type":"heartbeat-ack"}`)}}
			default:
				return Frame{Kind: FrameIgnore}
			}
		},
	}
}

func testDriverConfig() DriverConfig {
	cfg := DefaultDriverConfig()
	cfg.ConnectTimeout = 2 * time.Second
	cfg.MaxConnectRetries = 2
	cfg.BackoffInitial = 10 * time.Millisecond
	cfg.BackoffMax = 50 * time.Millisecond
	cfg.RESTPollInterval = 0 // no REST fallback in transport tests
	return cfg
}

func newTestDriver(t *testing.T, spec VenueSpec) (*Driver, chan models.PriceObservation, chan StatusEvent) {
	t.Helper()
	observations := make(chan models.PriceObservation, 64)
	status := make(chan StatusEvent, 64)
	driver := NewDriver(spec, testDriverConfig(), Sink{Observations: observations, Status: status}, zerolog.Nop())
	t.Cleanup(func() { _ = driver.Disconnect() })
	return driver, observations, status
}

func waitForState(t *testing.T, status chan StatusEvent, want models.ConnectionState) StatusEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case event := <-status:
			if event.State == want {
				return event
			}
		case <-deadline:
			t.Fatalf("state %s never reported", want)
		}
	}
}

func TestDriverConnectAndStream(t *testing.T) {
	venue := newTestVenue(t)
	driver, observations, status := newTestDriver(t, testSpec(venue.wsURL()))

	require.NoError(t, driver.Connect(context.Background()))
	waitForState(t, status, models.StateConnected)
	serverConn := venue.acceptConn(t)

	require.NoError(t, driver.Subscribe([]string{"BTC/USDT"}))
	sub := venue.expectMessage(t)
	assert.Contains(t, string(sub), "BTC-USDT")

	require.NoError(t, serverConn.WriteJSON(testTickerFrame{Type: "ticker", Symbol: "BTC-USDT", Price: 50000}))

	select {
	case obs := <-observations:
		assert.Equal(t, "BTC/USDT", obs.Symbol)
		assert.Equal(t, 50000.0, obs.Price)
		assert.Equal(t, "testvenue", obs.Source)
		assert.Greater(t, obs.Confidence, 0.0)
	case <-time.After(2 * time.Second):
		t.Fatal("no observation published")
	}
}

func TestDriverSubscribeBeforeConnect(t *testing.T) {
	venue := newTestVenue(t)
	driver, _, _ := newTestDriver(t, testSpec(venue.wsURL()))

	err := driver.Subscribe([]string{"BTC/USDT"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestDriverSubscribeInvalidSymbols(t *testing.T) {
	venue := newTestVenue(t)
	driver, _, status := newTestDriver(t, testSpec(venue.wsURL()))

	require.NoError(t, driver.Connect(context.Background()))
	waitForState(t, status, models.StateConnected)
	venue.acceptConn(t)

	err := driver.Subscribe([]string{"no-slash", "also bad"})
	assert.ErrorIs(t, err, ErrInvalidSymbols)
	assert.Empty(t, driver.Subscriptions())
}

func TestDriverSubscriptionReplayOnReconnect(t *testing.T) {
	venue := newTestVenue(t)
	driver, _, status := newTestDriver(t, testSpec(venue.wsURL()))

	require.NoError(t, driver.Connect(context.Background()))
	waitForState(t, status, models.StateConnected)
	serverConn := venue.acceptConn(t)

	require.NoError(t, driver.Subscribe([]string{"ETH/USD"}))
	venue.expectMessage(t)

	// Drop the connection; the supervisor would call Connect again.
	_ = serverConn.Close()
	waitForState(t, status, models.StateDegraded)

	require.NoError(t, driver.Connect(context.Background()))
	waitForState(t, status, models.StateConnected)
	venue.acceptConn(t)

	replay := venue.expectMessage(t)
	assert.Contains(t, string(replay), "ETH-USD")
}

func TestDriverHeartbeatReply(t *testing.T) {
	venue := newTestVenue(t)
	driver, _, status := newTestDriver(t, testSpec(venue.wsURL()))

	require.NoError(t, driver.Connect(context.Background()))
	waitForState(t, status, models.StateConnected)
	serverConn := venue.acceptConn(t)

	require.NoError(t, serverConn.WriteJSON(map[string]string{"type": "heartbeat"}))
	reply := venue.expectMessage(t)
	assert.JSONEq(t, `{"type":"heartbeat-ack"}`, string(reply))
}

func TestDriverClientSideFilter(t *testing.T) {
	venue := newTestVenue(t)
	spec := testSpec(venue.wsURL())
	spec.BuildSubscribe = nil
	spec.FilterClientSide = true
	driver, observations, status := newTestDriver(t, spec)

	require.NoError(t, driver.Connect(context.Background()))
	waitForState(t, status, models.StateConnected)
	serverConn := venue.acceptConn(t)

	require.NoError(t, driver.Subscribe([]string{"BTC/USDT"}))

	// One subscribed, one unsubscribed ticker: only the first passes.
	require.NoError(t, serverConn.WriteJSON(testTickerFrame{Type: "ticker", Symbol: "DOGE-USDT", Price: 0.1}))
	require.NoError(t, serverConn.WriteJSON(testTickerFrame{Type: "ticker", Symbol: "BTC-USDT", Price: 50000}))

	select {
	case obs := <-observations:
		assert.Equal(t, "BTC/USDT", obs.Symbol)
	case <-time.After(2 * time.Second):
		t.Fatal("no observation published")
	}
	select {
	case obs := <-observations:
		t.Fatalf("unexpected observation for %s", obs.Symbol)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDriverDisconnectSuppressesReconnect(t *testing.T) {
	venue := newTestVenue(t)
	driver, _, status := newTestDriver(t, testSpec(venue.wsURL()))

	require.NoError(t, driver.Connect(context.Background()))
	waitForState(t, status, models.StateConnected)
	venue.acceptConn(t)

	require.NoError(t, driver.Disconnect())
	assert.Equal(t, models.StateClosed, driver.State())

	err := driver.Connect(context.Background())
	assert.Error(t, err, "connect after disconnect must be rejected")
}

func TestDriverDegradesWhenVenueUnreachable(t *testing.T) {
	spec := testSpec("ws://127.0.0.1:1") // nothing listens here
	driver, _, status := newTestDriver(t, spec)

	require.NoError(t, driver.Connect(context.Background()))
	event := waitForState(t, status, models.StateDegraded)
	assert.NotNil(t, event.Err)
	assert.Equal(t, models.StateDegraded, driver.State())
}

func TestPullOnlyVenueGoesStraightToPolling(t *testing.T) {
	spec := VenueSpec{
		Name:    "pullonly",
		Caps:    Capabilities{SupportsREST: true, Categories: []models.FeedCategory{models.CategoryCrypto}},
		Symbols: SymbolRules{Separator: "-"},
	}
	driver, _, status := newTestDriver(t, spec)

	require.NoError(t, driver.Connect(context.Background()))
	waitForState(t, status, models.StateDegraded)
	assert.Equal(t, models.StateDegraded, driver.State())

	// Degraded adapters still accept subscription intent.
	require.NoError(t, driver.Subscribe([]string{"BTC/USDT"}))
	assert.Equal(t, []string{"BTC/USDT"}, driver.Subscriptions())
}
