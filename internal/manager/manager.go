// Package manager is the fan-in point of the pipeline. It owns the adapter
// set, consumes their observation and status channels, applies the freshness
// and confidence gate, forwards admitted observations to the aggregator, and
// supervises reconnection, health, and per-adapter circuit breakers.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/feedpulse/feedpulse/internal/adapters"
	"github.com/feedpulse/feedpulse/internal/aggregator"
	"github.com/feedpulse/feedpulse/internal/cache"
	"github.com/feedpulse/feedpulse/internal/config"
	"github.com/feedpulse/feedpulse/internal/metrics"
	"github.com/feedpulse/feedpulse/internal/models"
	"github.com/feedpulse/feedpulse/internal/registry"
)

// ErrNoData means neither the cache, the aggregator, nor any REST fallback
// could produce a value for the feed.
var ErrNoData = errors.New("no data available for feed")

// ConnectionHealth is the manager-level connectivity summary.
type ConnectionHealth struct {
	TotalSources     int           `json:"totalSources"`
	ConnectedSources int           `json:"connectedSources"`
	AverageLatency   time.Duration `json:"averageLatency"`
	FailedSources    []string      `json:"failedSources"`
	HealthScore      float64       `json:"healthScore"`
}

// sourceState is the manager's bookkeeping for one adapter.
type sourceState struct {
	adapter adapters.Adapter
	breaker *gobreaker.TwoStepCircuitBreaker

	mu                sync.Mutex
	metrics           models.ConnectionMetrics
	reconnectAttempts int
	reconnectTimer    *time.Timer
	failedOver        bool
	health            models.HealthStatus
}

// Manager owns the adapters and the observation fan-in.
type Manager struct {
	cfg      config.Config
	registry *registry.Registry
	engine   *aggregator.Engine
	cache    *cache.PriceCache
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	observations chan models.PriceObservation
	status       chan adapters.StatusEvent

	mu       sync.RWMutex
	sources  map[string]*sourceState
	feeds    map[string]models.FeedID // subscribed feeds by name
	lastSeen map[string]time.Time     // feed name -> last admitted observation

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown bool
	startedAt    time.Time
}

// New creates a data manager. Start must be called before adapters connect.
func New(cfg config.Config, reg *registry.Registry, engine *aggregator.Engine, priceCache *cache.PriceCache, m *metrics.Metrics, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:          cfg,
		registry:     reg,
		engine:       engine,
		cache:        priceCache,
		metrics:      m,
		logger:       logger.With().Str("component", "manager").Logger(),
		observations: make(chan models.PriceObservation, 1024),
		status:       make(chan adapters.StatusEvent, 64),
		sources:      make(map[string]*sourceState),
		feeds:        make(map[string]models.FeedID),
		lastSeen:     make(map[string]time.Time),
	}
}

// Sink returns the channels adapters publish into.
func (m *Manager) Sink() adapters.Sink {
	return adapters.Sink{Observations: m.observations, Status: m.status}
}

// Start launches the observation consumer, the status supervisor, and the
// health monitor.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.startedAt = time.Now()

	m.wg.Add(3)
	go m.observeLoop()
	go m.statusLoop()
	go m.healthLoop()
}

// Stop suppresses reconnects, disconnects every adapter, and waits for the
// supervision loops to drain.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.shuttingDown = true
	states := make([]*sourceState, 0, len(m.sources))
	for _, src := range m.sources {
		states = append(states, src)
	}
	m.mu.Unlock()

	for _, src := range states {
		src.mu.Lock()
		if src.reconnectTimer != nil {
			src.reconnectTimer.Stop()
			src.reconnectTimer = nil
		}
		src.mu.Unlock()
		if err := src.adapter.Disconnect(); err != nil {
			m.logger.Warn().Err(err).Str("venue", src.adapter.Name()).Msg("disconnect failed")
		}
	}

	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Uptime reports how long the manager has been running.
func (m *Manager) Uptime() time.Duration {
	if m.startedAt.IsZero() {
		return 0
	}
	return time.Since(m.startedAt)
}

// AddDataSource registers the adapter, arms its circuit breaker, initiates
// connection, and subscribes it to every feed its category covers.
func (m *Manager) AddDataSource(adapter adapters.Adapter) error {
	name := adapter.Name()
	if err := m.registry.Register(name, adapter); err != nil {
		return err
	}

	src := &sourceState{
		adapter: adapter,
		health:  models.HealthUnknown,
		breaker: gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     m.cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= m.cfg.BreakerThreshold
			},
			OnStateChange: func(_ string, from, to gobreaker.State) {
				m.logger.Info().
					Str("venue", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("circuit breaker transition")
				if m.metrics != nil {
					m.metrics.BreakerTransitions.WithLabelValues(name, to.String()).Inc()
				}
			},
		}),
	}

	m.mu.Lock()
	m.sources[name] = src
	feeds := m.matchingFeeds(adapter)
	ctx := m.ctx
	m.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if err := adapter.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", name, err)
	}
	if len(feeds) > 0 {
		if err := adapter.Subscribe(feeds); err != nil && !errors.Is(err, adapters.ErrInvalidSymbols) {
			m.logger.Warn().Err(err).Str("venue", name).Msg("initial subscribe failed")
		}
	}
	m.logger.Info().Str("venue", name).Msg("data source added")
	return nil
}

// RemoveDataSource unsubscribes the adapter, cancels any pending reconnect,
// disconnects it, and releases the registry entry.
func (m *Manager) RemoveDataSource(name string) error {
	m.mu.Lock()
	src, ok := m.sources[name]
	delete(m.sources, name)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("data source %q is not managed", name)
	}

	src.mu.Lock()
	if src.reconnectTimer != nil {
		src.reconnectTimer.Stop()
		src.reconnectTimer = nil
	}
	src.mu.Unlock()

	_ = src.adapter.Unsubscribe(src.adapter.Subscriptions())
	if err := src.adapter.Disconnect(); err != nil {
		m.logger.Warn().Err(err).Str("venue", name).Msg("disconnect failed")
	}
	if err := m.registry.Unregister(name); err != nil {
		return err
	}
	m.logger.Info().Str("venue", name).Msg("data source removed")
	return nil
}

// SubscribeToFeed subscribes every adapter of the matching category and
// records the feed for replay onto later-added sources.
func (m *Manager) SubscribeToFeed(feed models.FeedID) error {
	m.mu.Lock()
	m.feeds[feed.Name] = feed
	states := m.snapshotLocked()
	m.mu.Unlock()

	m.engine.Track(feed)

	subscribed := 0
	for _, src := range states {
		if !src.adapter.Capabilities().SupportsCategory(feed.Category) {
			continue
		}
		if err := src.adapter.Subscribe([]string{feed.Name}); err != nil {
			if !errors.Is(err, adapters.ErrInvalidSymbols) && !errors.Is(err, adapters.ErrNotConnected) {
				m.logger.Warn().Err(err).Str("venue", src.adapter.Name()).Str("feed", feed.Name).Msg("subscribe failed")
			}
			continue
		}
		subscribed++
	}
	m.logger.Info().Str("feed", feed.String()).Int("sources", subscribed).Msg("feed subscribed")
	return nil
}

// UnsubscribeFromFeed mirrors SubscribeToFeed.
func (m *Manager) UnsubscribeFromFeed(feed models.FeedID) error {
	m.mu.Lock()
	delete(m.feeds, feed.Name)
	delete(m.lastSeen, feed.Name)
	states := m.snapshotLocked()
	m.mu.Unlock()

	for _, src := range states {
		_ = src.adapter.Unsubscribe([]string{feed.Name})
	}
	m.logger.Info().Str("feed", feed.String()).Msg("feed unsubscribed")
	return nil
}

// Feeds returns the currently subscribed feed identifiers.
func (m *Manager) Feeds() []models.FeedID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.FeedID, 0, len(m.feeds))
	for _, feed := range m.feeds {
		out = append(out, feed)
	}
	return out
}

// GetConnectionHealth summarizes adapter connectivity. The health score is
// the percentage of healthy sources.
func (m *Manager) GetConnectionHealth() ConnectionHealth {
	m.mu.RLock()
	states := m.snapshotLocked()
	m.mu.RUnlock()

	health := ConnectionHealth{TotalSources: len(states)}
	var latencySum time.Duration
	var latencyCount int
	healthy := 0
	for _, src := range states {
		src.mu.Lock()
		cm := src.metrics
		src.mu.Unlock()

		if src.adapter.State() == models.StateConnected {
			health.ConnectedSources++
		}
		if cm.IsHealthy {
			healthy++
		} else {
			health.FailedSources = append(health.FailedSources, src.adapter.Name())
		}
		if cm.Latency > 0 {
			latencySum += cm.Latency
			latencyCount++
		}
	}
	if latencyCount > 0 {
		health.AverageLatency = latencySum / time.Duration(latencyCount)
	}
	if health.TotalSources > 0 {
		health.HealthScore = float64(healthy) / float64(health.TotalSources) * 100
	}
	return health
}

// GetDataFreshness returns the staleness of a feed's last admitted
// observation. The second return is false when the feed was never seen.
func (m *Manager) GetDataFreshness(feed models.FeedID) (time.Duration, bool) {
	m.mu.RLock()
	seen, ok := m.lastSeen[feed.Name]
	m.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return time.Since(seen), true
}

// GetFeedValue serves the request path: cache first, then a breaker-guarded
// REST fallback through the best available adapter, then the stale cache.
// The second return is the staleness flag.
func (m *Manager) GetFeedValue(ctx context.Context, feed models.FeedID) (models.AggregatedPrice, bool, error) {
	if value, ok := m.cache.Get(feed); ok {
		return value, false, nil
	}

	if obs, err := m.fetchFallback(ctx, feed); err == nil {
		result := m.engine.Ingest(obs)
		if result.IsValid {
			if value, ok := m.cache.Get(feed); ok {
				return value, false, nil
			}
			// Below the consensus minimum; serve the lone observation as-is.
			return models.AggregatedPrice{
				Symbol:         obs.Symbol,
				Price:          obs.Price,
				Timestamp:      obs.Timestamp,
				Sources:        []string{obs.Source},
				Confidence:     result.AdjustedConfidence,
				ConsensusScore: 0,
			}, false, nil
		}
	}

	if value, age, ok := m.cache.GetStale(feed); ok {
		m.logger.Debug().Str("feed", feed.String()).Dur("age", age).Msg("serving stale cache entry")
		return value, true, nil
	}
	return models.AggregatedPrice{}, false, ErrNoData
}

// GetVolumes returns the feed's bounded volume history within the window.
func (m *Manager) GetVolumes(feed models.FeedID, window time.Duration) []models.VolumeObservation {
	return m.engine.Volumes(feed, window)
}

// fetchFallback tries REST fetches through breaker-guarded adapters in
// registry preference order.
func (m *Manager) fetchFallback(ctx context.Context, feed models.FeedID) (models.PriceObservation, error) {
	adapter := m.registry.FindBestAdapter(feed.Name, feed.Category)
	if adapter == nil {
		return models.PriceObservation{}, ErrNoData
	}

	m.mu.RLock()
	src := m.sources[adapter.Name()]
	m.mu.RUnlock()
	if src == nil {
		return models.PriceObservation{}, ErrNoData
	}

	done, err := src.breaker.Allow()
	if err != nil {
		// Breaker open; skip the venue entirely.
		return models.PriceObservation{}, fmt.Errorf("%s: %w", adapter.Name(), err)
	}
	obs, err := adapter.FetchTicker(ctx, feed.Name)
	done(err == nil)
	if err != nil {
		return models.PriceObservation{}, err
	}
	return obs, nil
}

// observeLoop is the single consumer of the observation fan-in channel.
func (m *Manager) observeLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case obs := <-m.observations:
			m.handleObservation(obs)
		}
	}
}

func (m *Manager) handleObservation(obs models.PriceObservation) {
	now := time.Now()
	latency := now.Sub(obs.Timestamp)
	if latency < 0 {
		latency = 0
	}

	m.mu.RLock()
	src := m.sources[obs.Source]
	m.mu.RUnlock()

	if src != nil {
		src.mu.Lock()
		src.metrics.Latency = latency
		src.metrics.LastUpdate = now
		src.metrics.IsHealthy = true
		src.mu.Unlock()
	}
	if m.metrics != nil {
		m.metrics.ObservationLatency.WithLabelValues(obs.Source).Observe(latency.Seconds())
	}

	// An open breaker isolates the source for the cooldown window; nothing
	// from it may reach aggregation until the half-open trial.
	var done func(bool)
	if src != nil {
		var err error
		done, err = src.breaker.Allow()
		if err != nil {
			m.reject(obs, "breaker_open", latency)
			return
		}
	}

	// Freshness and confidence gate.
	if latency > m.cfg.MaxDataAge {
		if done != nil {
			done(false)
		}
		m.reject(obs, "stale", latency)
		return
	}
	if obs.Confidence < m.cfg.MinConfidence {
		if done != nil {
			done(false)
		}
		m.reject(obs, "confidence", latency)
		return
	}

	result := m.engine.Ingest(obs)
	if !result.IsValid {
		if done != nil {
			done(false)
		}
		m.reject(obs, "validation", latency)
		return
	}

	m.mu.Lock()
	m.lastSeen[obs.Symbol] = now
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ObservationsAdmitted.WithLabelValues(obs.Source).Inc()
	}
	if done != nil {
		// A fresh admitted observation counts as breaker success.
		done(true)
	}
}

func (m *Manager) reject(obs models.PriceObservation, reason string, age time.Duration) {
	if m.metrics != nil {
		m.metrics.ObservationsRejected.WithLabelValues(obs.Source, reason).Inc()
	}
	m.logger.Debug().
		Str("feed", obs.Symbol).
		Str("source", obs.Source).
		Str("reason", reason).
		Dur("age", age).
		Msg("observation rejected")
}

// statusLoop supervises connection transitions and owns the reconnect
// schedule: initial 1s delay doubling to the cap, bounded attempts, honoring
// any per-event delay floor.
func (m *Manager) statusLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case event := <-m.status:
			m.handleStatus(event)
		}
	}
}

func (m *Manager) handleStatus(event adapters.StatusEvent) {
	m.mu.RLock()
	src := m.sources[event.Venue]
	shuttingDown := m.shuttingDown
	m.mu.RUnlock()
	if src == nil || shuttingDown {
		return
	}

	switch {
	case event.Connected:
		src.mu.Lock()
		src.reconnectAttempts = 0
		src.metrics.IsHealthy = true
		src.failedOver = false
		src.mu.Unlock()
		_ = m.registry.UpdateHealthStatus(event.Venue, models.HealthHealthy)
		m.updateGauges()

	case event.State == models.StateFailed:
		src.mu.Lock()
		src.metrics.IsHealthy = false
		src.mu.Unlock()
		_ = m.registry.UpdateHealthStatus(event.Venue, models.HealthUnhealthy)
		m.logger.Error().Str("venue", event.Venue).Err(event.Err).Msg("source failed permanently")
		m.recordFailure(src)
		m.updateGauges()

	case event.State == models.StateDegraded:
		src.mu.Lock()
		src.metrics.IsHealthy = false
		src.mu.Unlock()
		_ = m.registry.UpdateHealthStatus(event.Venue, models.HealthDegraded)
		if event.CloseCode != 0 || event.Err != nil {
			m.recordFailure(src)
			m.scheduleReconnect(src, event)
		}
		m.updateGauges()
	}
}

func (m *Manager) recordFailure(src *sourceState) {
	if done, err := src.breaker.Allow(); err == nil {
		done(false)
	}
}

func (m *Manager) scheduleReconnect(src *sourceState, event adapters.StatusEvent) {
	name := src.adapter.Name()
	if !src.adapter.Capabilities().SupportsWebSocket {
		return
	}

	src.mu.Lock()
	defer src.mu.Unlock()

	if src.reconnectTimer != nil {
		return // already scheduled
	}
	if src.reconnectAttempts >= m.cfg.MaxReconnects {
		if !src.failedOver {
			src.failedOver = true
			m.logger.Error().
				Str("venue", name).
				Int("attempts", src.reconnectAttempts).
				Msg("reconnect attempts exhausted, source failed over to REST fallback")
		}
		return
	}

	src.reconnectAttempts++
	delay := m.cfg.ReconnectInitial << (src.reconnectAttempts - 1)
	if delay > m.cfg.ReconnectMax || delay <= 0 {
		delay = m.cfg.ReconnectMax
	}
	if event.RetryAfter > delay {
		delay = event.RetryAfter
	}
	attempt := src.reconnectAttempts

	m.logger.Info().
		Str("venue", name).
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("reconnect scheduled")
	if m.metrics != nil {
		m.metrics.WSReconnects.WithLabelValues(name).Inc()
	}

	src.reconnectTimer = time.AfterFunc(delay, func() {
		src.mu.Lock()
		src.reconnectTimer = nil
		src.metrics.ReconnectAttempts = attempt
		src.mu.Unlock()

		m.mu.RLock()
		shuttingDown := m.shuttingDown
		ctx := m.ctx
		m.mu.RUnlock()
		if shuttingDown || ctx == nil || ctx.Err() != nil {
			return
		}
		if err := src.adapter.Connect(ctx); err != nil {
			m.logger.Warn().Err(err).Str("venue", name).Msg("reconnect attempt failed to start")
		}
	})
}

// healthLoop runs the periodic per-source health assessment.
func (m *Manager) healthLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.checkHealth()
		}
	}
}

func (m *Manager) checkHealth() {
	m.mu.RLock()
	states := m.snapshotLocked()
	m.mu.RUnlock()

	now := time.Now()
	for _, src := range states {
		name := src.adapter.Name()
		state := src.adapter.State()

		src.mu.Lock()
		cm := src.metrics
		previous := src.health
		src.mu.Unlock()

		status := models.HealthHealthy
		switch {
		case state == models.StateFailed || state == models.StateClosed:
			status = models.HealthUnhealthy
		case !cm.LastUpdate.IsZero() && now.Sub(cm.LastUpdate) > m.cfg.StaleSourceAfter:
			status = models.HealthUnhealthy
		case cm.Latency > m.cfg.MaxLatency:
			status = models.HealthUnhealthy
		case state != models.StateConnected:
			status = models.HealthDegraded
		}

		// The venue-level probe can only downgrade, never upgrade.
		if status == models.HealthHealthy {
			probeCtx, cancel := context.WithTimeout(m.ctx, m.cfg.RESTTimeout)
			if err := src.adapter.HealthCheck(probeCtx); err != nil {
				m.logger.Warn().Err(err).Str("venue", name).Msg("venue health probe failed")
				status = models.HealthDegraded
			}
			cancel()
		}

		src.mu.Lock()
		src.health = status
		src.metrics.IsHealthy = status == models.HealthHealthy
		src.mu.Unlock()

		_ = m.registry.UpdateHealthStatus(name, status)
		if previous != status {
			event := m.logger.Info()
			if status == models.HealthUnhealthy {
				event = m.logger.Warn()
				m.recordFailure(src)
			}
			event.Str("venue", name).
				Str("from", string(previous)).
				Str("to", string(status)).
				Msg("source health transition")
		}
	}
	m.updateGauges()
}

func (m *Manager) updateGauges() {
	if m.metrics == nil {
		return
	}
	health := m.GetConnectionHealth()
	m.metrics.ConnectedSources.Set(float64(health.ConnectedSources))
	m.metrics.HealthScore.Set(health.HealthScore)
}

// matchingFeeds returns the names of subscribed feeds an adapter's categories
// cover. Caller holds m.mu.
func (m *Manager) matchingFeeds(adapter adapters.Adapter) []string {
	var out []string
	for _, feed := range m.feeds {
		if adapter.Capabilities().SupportsCategory(feed.Category) {
			out = append(out, feed.Name)
		}
	}
	return out
}

// snapshotLocked copies the source set. Caller holds m.mu (read or write).
func (m *Manager) snapshotLocked() []*sourceState {
	out := make([]*sourceState, 0, len(m.sources))
	for _, src := range m.sources {
		out = append(out, src)
	}
	return out
}
