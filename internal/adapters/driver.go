package adapters

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/feedpulse/feedpulse/internal/models"
)

// warnInterval bounds per-category warning log repeats.
const warnInterval = 30 * time.Second

// VenueSpec is the static per-venue configuration plus the frame hooks the
// shared driver needs. A venue adapter is a Driver carrying one of these.
type VenueSpec struct {
	Name     string
	WSURL    string
	RESTBase string
	// HealthPath is the REST endpoint probed by HealthCheck.
	HealthPath string
	Caps       Capabilities
	Symbols    SymbolRules

	PingInterval time.Duration
	// PongTimeout is the nominal liveness bound; the driver waits 1.5x this
	// for either a pong or any message before closing the connection.
	PongTimeout time.Duration

	// BuildSubscribe renders the venue subscription messages for a batch of
	// exchange-form symbols. Nil means the venue pushes everything without
	// per-symbol subscriptions (Binance all-tickers stream).
	BuildSubscribe   func(exSymbols []string) ([][]byte, error)
	BuildUnsubscribe func(exSymbols []string) ([][]byte, error)

	// BuildPing renders the venue keepalive frame. Nil means a websocket
	// control ping.
	BuildPing func() []byte

	// ParseFrame classifies one inbound message into the closed variant set.
	ParseFrame func(data []byte) Frame

	// CloseCodePolicy overrides the shared close-code table for the venue's
	// 4xxx range. Nil falls back to DefaultClosePolicy throughout.
	CloseCodePolicy func(code int) ClosePolicy

	// FetchTicker is the request/response fallback for one exchange symbol.
	FetchTicker func(ctx context.Context, client *retryablehttp.Client, base, exSymbol string) (Ticker, error)

	// FilterClientSide drops tickers for symbols outside the subscription
	// set; needed when the venue pushes the full market.
	FilterClientSide bool
}

// DriverConfig holds the connection lifecycle tunables shared by all venues.
type DriverConfig struct {
	ConnectTimeout    time.Duration
	MaxConnectRetries int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	RESTTimeout       time.Duration
	RESTPollInterval  time.Duration
	ClockSkew         time.Duration
	RESTRate          rate.Limit
	RESTBurst         int
}

// DefaultDriverConfig returns the production lifecycle settings.
func DefaultDriverConfig() DriverConfig {
	return DriverConfig{
		ConnectTimeout:    10 * time.Second,
		MaxConnectRetries: 5,
		BackoffInitial:    time.Second,
		BackoffMax:        5 * time.Minute,
		RESTTimeout:       5 * time.Second,
		RESTPollInterval:  2 * time.Second,
		ClockSkew:         10 * time.Minute,
		RESTRate:          5,
		RESTBurst:         5,
	}
}

// Driver is the shared streaming adapter machinery: retry loop, ping timer,
// subscription set, REST-only degradation, and observation normalization.
// One Driver owns at most one streaming transport at a time.
type Driver struct {
	spec   VenueSpec
	cfg    DriverConfig
	sink   Sink
	logger zerolog.Logger

	rest    *retryablehttp.Client
	limiter *rate.Limiter

	mu           sync.Mutex
	state        models.ConnectionState
	conn         *websocket.Conn
	subs         map[string]string // canonical -> exchange form
	lastWarn     map[string]time.Time
	shuttingDown bool

	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	connCancel context.CancelFunc
	connWG     sync.WaitGroup

	pollCancel context.CancelFunc
	pollWG     sync.WaitGroup
}

// NewDriver builds a venue adapter from its spec.
func NewDriver(spec VenueSpec, cfg DriverConfig, sink Sink, logger zerolog.Logger) *Driver {
	restClient := retryablehttp.NewClient()
	restClient.RetryMax = 2
	restClient.HTTPClient.Timeout = cfg.RESTTimeout
	restClient.Logger = nil

	return &Driver{
		spec:     spec,
		cfg:      cfg,
		sink:     sink,
		logger:   logger.With().Str("venue", spec.Name).Logger(),
		rest:     restClient,
		limiter:  rate.NewLimiter(cfg.RESTRate, cfg.RESTBurst),
		state:    models.StateIdle,
		subs:     make(map[string]string),
		lastWarn: make(map[string]time.Time),
	}
}

// Name returns the venue name.
func (d *Driver) Name() string { return d.spec.Name }

// Capabilities returns the venue capability set.
func (d *Driver) Capabilities() Capabilities { return d.spec.Caps }

// State returns the current connection state.
func (d *Driver) State() models.ConnectionState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// ValidateSymbol reports whether the venue mapping round-trips the symbol.
func (d *Driver) ValidateSymbol(symbol string) bool {
	return d.spec.Symbols.RoundTrips(symbol)
}

// Connect starts the streaming transport. The attempt loop runs in the
// background; transport failures surface through status events, never here.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	if d.shuttingDown {
		d.mu.Unlock()
		return errors.New("adapter is shutting down")
	}
	switch d.state {
	case models.StateConnecting, models.StateConnected:
		d.mu.Unlock()
		return nil
	}
	if d.lifeCtx == nil {
		d.lifeCtx, d.lifeCancel = context.WithCancel(ctx)
	}
	d.state = models.StateConnecting
	lifeCtx := d.lifeCtx
	d.mu.Unlock()

	d.emitStatus(models.StateConnecting, false, 0, nil, 0)

	if !d.spec.Caps.SupportsWebSocket {
		// Pull-only venues go straight to REST polling.
		d.setState(models.StateDegraded)
		d.startPolling(lifeCtx)
		d.emitStatus(models.StateDegraded, false, 0, nil, 0)
		return nil
	}

	go d.connectLoop(lifeCtx)
	return nil
}

// Disconnect tears down the transport and suppresses further reconnects.
func (d *Driver) Disconnect() error {
	d.mu.Lock()
	d.shuttingDown = true
	conn := d.conn
	d.conn = nil
	d.state = models.StateClosed
	cancel := d.lifeCancel
	d.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"), deadline)
		_ = conn.Close()
	}
	if cancel != nil {
		cancel()
	}
	d.connWG.Wait()
	d.pollWG.Wait()
	d.emitStatus(models.StateClosed, false, websocket.CloseNormalClosure, nil, 0)
	return nil
}

// Subscribe adds symbols to the subscription set and sends the venue
// subscribe message. A Degraded adapter accepts and stores the intent; the
// symbols stream once the transport recovers and poll over REST meanwhile.
func (d *Driver) Subscribe(symbols []string) error {
	d.mu.Lock()
	state := d.state
	if state != models.StateConnected && state != models.StateDegraded {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotConnected, d.spec.Name, state)
	}

	var newExchange []string
	valid := 0
	for _, symbol := range symbols {
		if !d.spec.Symbols.RoundTrips(symbol) {
			d.logger.Debug().Str("symbol", symbol).Msg("symbol rejected by venue mapping")
			continue
		}
		valid++
		canonical := canonicalKey(symbol)
		if _, dup := d.subs[canonical]; dup {
			continue
		}
		mapped := d.spec.Symbols.MapToExchange(symbol)
		d.subs[canonical] = mapped
		newExchange = append(newExchange, mapped)
	}
	conn := d.conn
	d.mu.Unlock()

	if valid == 0 && len(symbols) > 0 {
		return ErrInvalidSymbols
	}
	if len(newExchange) == 0 {
		return nil
	}

	if state == models.StateConnected && conn != nil && d.spec.BuildSubscribe != nil {
		if err := d.sendMessages(d.spec.BuildSubscribe, newExchange); err != nil {
			return err
		}
	}
	d.logger.Info().Strs("symbols", newExchange).Msg("subscribed")
	return nil
}

// Unsubscribe removes symbols. It is idempotent and silently no-ops on
// unknown symbols or when disconnected.
func (d *Driver) Unsubscribe(symbols []string) error {
	d.mu.Lock()
	var removed []string
	for _, symbol := range symbols {
		canonical := canonicalKey(symbol)
		if mapped, ok := d.subs[canonical]; ok {
			delete(d.subs, canonical)
			removed = append(removed, mapped)
		}
	}
	state := d.state
	conn := d.conn
	d.mu.Unlock()

	if len(removed) == 0 || state != models.StateConnected || conn == nil || d.spec.BuildUnsubscribe == nil {
		return nil
	}
	// Best effort: a failed unsubscribe write is not worth failing the call.
	if err := d.sendMessages(d.spec.BuildUnsubscribe, removed); err != nil {
		d.warn("unsubscribe", err, "unsubscribe message failed")
	}
	return nil
}

// Subscriptions returns the canonical symbols currently subscribed.
func (d *Driver) Subscriptions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.subs))
	for canonical := range d.subs {
		out = append(out, canonical)
	}
	return out
}

// HealthCheck probes the venue REST surface.
func (d *Driver) HealthCheck(ctx context.Context) error {
	if d.spec.HealthPath == "" {
		return nil
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, d.spec.RESTBase+d.spec.HealthPath, nil)
	if err != nil {
		return fmt.Errorf("health request: %w", err)
	}
	resp, err := d.rest.Do(req)
	if err != nil {
		return fmt.Errorf("health probe: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health probe: HTTP %d", resp.StatusCode)
	}
	return nil
}

// FetchTicker is the request/response fallback for one canonical symbol.
func (d *Driver) FetchTicker(ctx context.Context, symbol string) (models.PriceObservation, error) {
	if d.spec.FetchTicker == nil {
		return models.PriceObservation{}, fmt.Errorf("%s has no REST fallback", d.spec.Name)
	}
	mapped := d.spec.Symbols.MapToExchange(symbol)
	if mapped == "" {
		return models.PriceObservation{}, fmt.Errorf("%w: %s", ErrInvalidSymbols, symbol)
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return models.PriceObservation{}, err
	}
	ticker, err := d.spec.FetchTicker(ctx, d.rest, d.spec.RESTBase, mapped)
	if err != nil {
		return models.PriceObservation{}, err
	}
	obs, ok := d.normalize(ticker)
	if !ok {
		return models.PriceObservation{}, fmt.Errorf("%w: unusable ticker for %s", ErrParse, symbol)
	}
	return obs, nil
}

// connectLoop attempts the streaming transport with exponential backoff. The
// final failed attempt leaves the adapter Degraded with REST polling instead
// of terminating it.
func (d *Driver) connectLoop(ctx context.Context) {
	delay := d.cfg.BackoffInitial
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return
		}

		dialCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
		conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, d.spec.WSURL, nil)
		cancel()

		if err == nil {
			d.onConnected(ctx, conn)
			return
		}

		class := Classify(err)
		if !class.Retryable {
			d.logger.Error().Err(err).Msg("connection failed permanently")
			d.setState(models.StateFailed)
			d.emitStatus(models.StateFailed, false, 0, err, 0)
			return
		}

		d.warn("connect", err, "connection attempt failed")
		if attempt >= d.cfg.MaxConnectRetries {
			d.logger.Warn().Int("attempts", attempt).Msg("retries exhausted, degrading to REST-only")
			d.setState(models.StateDegraded)
			d.startPolling(ctx)
			d.emitStatus(models.StateDegraded, false, 0, err, 0)
			return
		}

		scaled := time.Duration(float64(delay) * class.BackoffScale)
		if scaled > d.cfg.BackoffMax {
			scaled = d.cfg.BackoffMax
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(scaled):
		}
		delay *= 2
		if delay > d.cfg.BackoffMax {
			delay = d.cfg.BackoffMax
		}
	}
}

func (d *Driver) onConnected(ctx context.Context, conn *websocket.Conn) {
	d.stopPolling()

	connCtx, cancel := context.WithCancel(ctx)

	d.mu.Lock()
	d.conn = conn
	d.connCancel = cancel
	d.state = models.StateConnected
	exchange := make([]string, 0, len(d.subs))
	for _, mapped := range d.subs {
		exchange = append(exchange, mapped)
	}
	d.mu.Unlock()

	d.logger.Info().Str("url", d.spec.WSURL).Msg("streaming transport connected")
	d.emitStatus(models.StateConnected, true, 0, nil, 0)

	// Replay the subscription set on every (re)connect.
	if len(exchange) > 0 && d.spec.BuildSubscribe != nil {
		if err := d.sendMessages(d.spec.BuildSubscribe, exchange); err != nil {
			d.warn("subscribe", err, "subscription replay failed")
		}
	}

	pongWindow := time.Duration(float64(d.spec.PongTimeout) * 1.5)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWindow))
	})

	d.connWG.Add(2)
	go d.readLoop(connCtx, conn, pongWindow)
	go d.pingLoop(connCtx, conn)
}

func (d *Driver) readLoop(ctx context.Context, conn *websocket.Conn, pongWindow time.Duration) {
	defer d.connWG.Done()

	for {
		if ctx.Err() != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWindow))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.handleDisconnect(conn, err)
			return
		}
		d.handleMessage(ctx, conn, data)
	}
}

func (d *Driver) handleMessage(ctx context.Context, conn *websocket.Conn, data []byte) {
	frame := d.spec.ParseFrame(data)
	switch frame.Kind {
	case FrameTicker:
		for _, ticker := range frame.Tickers {
			d.publishTicker(ctx, ticker)
		}
	case FrameHeartbeat:
		for _, reply := range frame.Reply {
			if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
				d.warn("heartbeat", err, "heartbeat reply failed")
			}
		}
	case FrameAck:
		d.logger.Debug().Msg("subscription acknowledged")
	case FrameError:
		d.warn("protocol", frame.Err, "venue reported error frame")
	case FrameIgnore:
	}
}

func (d *Driver) publishTicker(ctx context.Context, ticker Ticker) {
	canonical := d.spec.Symbols.MapFromExchange(ticker.Symbol)
	if canonical == "" {
		return
	}
	if d.spec.FilterClientSide && !d.isSubscribed(canonical) {
		return
	}
	obs, ok := d.normalize(ticker)
	if !ok {
		return
	}
	select {
	case d.sink.Observations <- obs:
	case <-ctx.Done():
	}
}

func (d *Driver) isSubscribed(canonical string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.subs[canonicalKey(canonical)]
	return ok
}

func (d *Driver) pingLoop(ctx context.Context, conn *websocket.Conn) {
	defer d.connWG.Done()

	if d.spec.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(d.spec.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			var err error
			if d.spec.BuildPing != nil {
				_ = conn.SetWriteDeadline(deadline)
				err = conn.WriteMessage(websocket.TextMessage, d.spec.BuildPing())
			} else {
				err = conn.WriteControl(websocket.PingMessage, nil, deadline)
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				d.warn("ping", err, "keepalive failed")
				d.handleDisconnect(conn, err)
				return
			}
		}
	}
}

// handleDisconnect classifies the close, tears down the connection, degrades
// to REST polling, and reports the transition to the supervisor, which owns
// rescheduling.
func (d *Driver) handleDisconnect(conn *websocket.Conn, err error) {
	code := websocket.CloseAbnormalClosure
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code = closeErr.Code
	} else if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		// Pong window elapsed with no traffic; we issue the close ourselves.
		code = websocket.CloseGoingAway
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, "pong timeout"), deadline)
	}

	policy := DefaultClosePolicy(code)
	if d.spec.CloseCodePolicy != nil {
		policy = d.spec.CloseCodePolicy(code)
	}

	event := d.logger.Warn()
	if policy.Severity == "debug" {
		event = d.logger.Debug()
	}
	event.Int("code", code).Err(err).Msg("streaming transport closed")

	d.mu.Lock()
	if d.conn == conn {
		d.conn = nil
	}
	cancel := d.connCancel
	d.connCancel = nil
	shuttingDown := d.shuttingDown
	lifeCtx := d.lifeCtx
	d.mu.Unlock()

	_ = conn.Close()
	if cancel != nil {
		cancel()
	}

	if shuttingDown {
		return
	}

	d.setState(models.StateDegraded)
	if lifeCtx != nil {
		d.startPolling(lifeCtx)
	}
	if policy.Reconnect {
		d.emitStatus(models.StateDegraded, false, code, err, policy.MinDelay)
	} else {
		d.emitStatus(models.StateDegraded, false, code, nil, 0)
	}
}

// startPolling begins periodic REST fallback fetches for every subscribed
// symbol so downstream keeps receiving observations while streaming is down.
func (d *Driver) startPolling(ctx context.Context) {
	if d.spec.FetchTicker == nil || d.cfg.RESTPollInterval <= 0 {
		return
	}

	d.mu.Lock()
	if d.pollCancel != nil {
		d.mu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	d.pollCancel = cancel
	d.mu.Unlock()

	d.pollWG.Add(1)
	go func() {
		defer d.pollWG.Done()
		ticker := time.NewTicker(d.cfg.RESTPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				d.pollOnce(pollCtx)
			}
		}
	}()
}

func (d *Driver) stopPolling() {
	d.mu.Lock()
	cancel := d.pollCancel
	d.pollCancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.pollWG.Wait()
}

func (d *Driver) pollOnce(ctx context.Context) {
	for _, symbol := range d.Subscriptions() {
		if ctx.Err() != nil {
			return
		}
		obs, err := d.FetchTicker(ctx, symbol)
		if err != nil {
			d.warn("rest_poll", err, "REST fallback fetch failed")
			continue
		}
		select {
		case d.sink.Observations <- obs:
		case <-ctx.Done():
			return
		}
	}
}

func (d *Driver) sendMessages(build func([]string) ([][]byte, error), exSymbols []string) error {
	messages, err := build(exSymbols)
	if err != nil {
		return fmt.Errorf("build venue message: %w", err)
	}

	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	for _, msg := range messages {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return fmt.Errorf("send venue message: %w", err)
		}
	}
	return nil
}

// normalize converts a parsed ticker into a canonical observation with its
// quality-derived confidence. Returns false for unusable frames.
func (d *Driver) normalize(ticker Ticker) (models.PriceObservation, bool) {
	if ticker.LastPrice <= 0 || math.IsNaN(ticker.LastPrice) || math.IsInf(ticker.LastPrice, 0) {
		return models.PriceObservation{}, false
	}

	canonical := d.spec.Symbols.MapFromExchange(ticker.Symbol)
	if canonical == "" {
		return models.PriceObservation{}, false
	}

	now := time.Now().UTC()
	ts := ticker.Timestamp
	if ts.IsZero() {
		ts = now
	} else if absDuration(now.Sub(ts)) > d.cfg.ClockSkew {
		// The venue clock is too far off to trust; substitute our own.
		ts = now
	}

	latency := now.Sub(ts)
	if latency < 0 {
		latency = 0
	}
	spreadPct := CalculateSpreadPercent(ticker.Bid, ticker.Ask, ticker.LastPrice)

	confidence := 1.0
	confidence -= math.Min(float64(latency.Milliseconds())/1000, 0.5)
	if ticker.HasVolume && ticker.Volume > 1 {
		confidence += math.Min(math.Log10(ticker.Volume)/10, 0.2)
	}
	confidence -= math.Min(spreadPct/10, 0.5)
	confidence = clamp01(confidence)

	return models.PriceObservation{
		Symbol:     canonical,
		Price:      ticker.LastPrice,
		Timestamp:  ts,
		Source:     d.spec.Name,
		Volume:     ticker.Volume,
		HasVolume:  ticker.HasVolume,
		Confidence: confidence,
	}, true
}

// CalculateSpreadPercent returns the bid/ask spread as a percentage of the
// price. Zero when the book is crossed, empty, or bid equals ask.
func CalculateSpreadPercent(bid, ask, price float64) float64 {
	if bid <= 0 || ask <= 0 || price <= 0 || ask <= bid {
		return 0
	}
	return (ask - bid) / price * 100
}

func (d *Driver) setState(state models.ConnectionState) {
	d.mu.Lock()
	d.state = state
	d.mu.Unlock()
}

func (d *Driver) emitStatus(state models.ConnectionState, connected bool, code int, err error, retryAfter time.Duration) {
	if d.sink.Status == nil {
		return
	}
	event := StatusEvent{
		Venue:      d.spec.Name,
		State:      state,
		Connected:  connected,
		CloseCode:  code,
		Err:        err,
		At:         time.Now(),
		RetryAfter: retryAfter,
	}
	select {
	case d.sink.Status <- event:
	default:
		// Supervisor backlog; the next transition carries current state.
	}
}

// warn logs at warn severity at most once per category per 30 s.
func (d *Driver) warn(category string, err error, msg string) {
	d.mu.Lock()
	last, ok := d.lastWarn[category]
	now := time.Now()
	if ok && now.Sub(last) < warnInterval {
		d.mu.Unlock()
		d.logger.Debug().Err(err).Str("category", category).Msg(msg)
		return
	}
	d.lastWarn[category] = now
	d.mu.Unlock()
	d.logger.Warn().Err(err).Str("category", category).Msg(msg)
}

func canonicalKey(symbol string) string {
	rules := SymbolRules{Separator: "/"}
	if mapped := rules.MapToExchange(symbol); mapped != "" {
		return mapped
	}
	return symbol
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	var t timeout
	return errors.As(err, &t) && t.Timeout()
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
