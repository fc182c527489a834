// Package aggregator accumulates validated observations per trading pair and
// computes the consensus price: a confidence-weighted median across sources,
// scored by how many sources agree with it. Processing is serialized per
// symbol and independent across symbols.
package aggregator

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/feedpulse/feedpulse/internal/cache"
	"github.com/feedpulse/feedpulse/internal/metrics"
	"github.com/feedpulse/feedpulse/internal/models"
	"github.com/feedpulse/feedpulse/internal/validation"
)

// consensusTolerance is the fractional deviation from the weighted median
// within which a source counts as agreeing.
const consensusTolerance = 0.005

// Config holds the aggregation windows and thresholds.
type Config struct {
	MinSources       int
	WindowSpan       time.Duration
	MaxPerSource     int
	VolumeWindowSpan time.Duration
	SweepInterval    time.Duration
}

// DefaultConfig returns the production aggregation settings.
func DefaultConfig() Config {
	return Config{
		MinSources:       2,
		WindowSpan:       10 * time.Second,
		MaxPerSource:     16,
		VolumeWindowSpan: time.Hour,
		SweepInterval:    5 * time.Second,
	}
}

// Engine owns the per-feed observation windows and emits aggregated prices.
type Engine struct {
	cfg       Config
	validator *validation.Validator
	cache     *cache.PriceCache
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	mu      sync.RWMutex
	symbols map[string]*symbolState
	feeds   map[string]models.FeedID // symbol -> tracked feed identity

	updates chan models.AggregatedPrice

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

type symbolState struct {
	mu      sync.Mutex
	window  []models.PriceObservation // time ordered, oldest first
	volumes []models.VolumeObservation

	consensus    float64
	hasConsensus bool
	degraded     bool
}

// New creates an aggregation engine writing results into the given cache.
func New(cfg Config, v *validation.Validator, priceCache *cache.PriceCache, m *metrics.Metrics, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		validator: v,
		cache:     priceCache,
		metrics:   m,
		logger:    logger.With().Str("component", "aggregator").Logger(),
		symbols:   make(map[string]*symbolState),
		feeds:     make(map[string]models.FeedID),
		updates:   make(chan models.AggregatedPrice, 256),
	}
}

// Start launches the background sweeper that flushes slowly-moving feeds.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.sweepLoop(ctx)
}

// Stop terminates the sweeper and closes the update stream.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	close(e.updates)
}

// Updates is the stream of consensus prices, one per successful aggregation.
func (e *Engine) Updates() <-chan models.AggregatedPrice {
	return e.updates
}

// Track registers the feed identity for a symbol so cache writes carry the
// right category.
func (e *Engine) Track(feed models.FeedID) {
	e.mu.Lock()
	e.feeds[feed.Name] = feed
	e.mu.Unlock()
}

// Ingest validates and admits one observation, re-aggregating its symbol.
// Invalid observations are dropped; the validation result is returned either
// way so callers can account for rejections.
func (e *Engine) Ingest(obs models.PriceObservation) validation.Result {
	state := e.state(obs.Symbol)

	state.mu.Lock()
	defer state.mu.Unlock()

	now := time.Now()
	state.prune(now, e.cfg)

	result := e.validator.Validate(obs, validation.Context{
		Now:               now,
		History:           state.sourceHistory(obs.Source),
		OtherSourcePrices: state.latestOtherPrices(obs.Source),
		ConsensusMedian:   state.consensus,
		HasConsensus:      state.hasConsensus,
	})
	if !result.IsValid {
		e.logger.Debug().
			Str("symbol", obs.Symbol).
			Str("source", obs.Source).
			Float64("price", obs.Price).
			Int("issues", len(result.Issues)).
			Msg("observation rejected")
		return result
	}

	state.window = append(state.window, result.Observation)
	state.capPerSource(obs.Source, e.cfg.MaxPerSource)
	if result.Observation.HasVolume {
		state.volumes = append(state.volumes, models.VolumeObservation{
			Symbol:    obs.Symbol,
			Volume:    result.Observation.Volume,
			Timestamp: result.Observation.Timestamp,
			Source:    obs.Source,
		})
	}

	e.aggregateLocked(obs.Symbol, state, now)
	return result
}

// IngestVolume admits a standalone volume observation.
func (e *Engine) IngestVolume(obs models.VolumeObservation) {
	state := e.state(obs.Symbol)
	state.mu.Lock()
	state.volumes = append(state.volumes, obs)
	state.prune(time.Now(), e.cfg)
	state.mu.Unlock()
}

// Volumes returns the bounded volume history for a feed within the window.
func (e *Engine) Volumes(feed models.FeedID, window time.Duration) []models.VolumeObservation {
	e.mu.RLock()
	state, ok := e.symbols[feed.Name]
	e.mu.RUnlock()
	if !ok {
		return nil
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	cutoff := time.Now().Add(-window)
	out := make([]models.VolumeObservation, 0, len(state.volumes))
	for _, v := range state.volumes {
		if v.Timestamp.After(cutoff) {
			out = append(out, v)
		}
	}
	return out
}

// Degraded reports whether a feed currently has fewer contributing sources
// than the consensus minimum.
func (e *Engine) Degraded(feed models.FeedID) bool {
	e.mu.RLock()
	state, ok := e.symbols[feed.Name]
	e.mu.RUnlock()
	if !ok {
		return true
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.degraded
}

func (e *Engine) state(symbol string) *symbolState {
	e.mu.RLock()
	state, ok := e.symbols[symbol]
	e.mu.RUnlock()
	if ok {
		return state
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if state, ok = e.symbols[symbol]; ok {
		return state
	}
	state = &symbolState{}
	e.symbols[symbol] = state
	return state
}

// aggregateLocked recomputes the consensus for a symbol. Caller holds the
// symbol lock.
func (e *Engine) aggregateLocked(symbol string, state *symbolState, now time.Time) {
	sources := state.distinctSources()
	if len(sources) < e.cfg.MinSources {
		if !state.degraded {
			e.logger.Debug().Str("symbol", symbol).Int("sources", len(sources)).Msg("feed degraded, below minimum sources")
		}
		state.degraded = true
		return
	}
	state.degraded = false

	weighted := weightedMedian(state.window)
	if weighted <= 0 {
		return
	}

	agreeing := 0
	confProduct := 1.0
	contributors := make([]string, 0, len(sources))
	for _, source := range sources {
		latest := state.latestFrom(source)
		contributors = append(contributors, source)
		confProduct *= math.Max(latest.Confidence, 1e-9)
		if math.Abs(latest.Price-weighted)/weighted <= consensusTolerance {
			agreeing++
		}
	}
	consensusScore := float64(agreeing) / float64(len(sources))
	confidence := clamp01(math.Pow(confProduct, 1/float64(len(sources))) * consensusScore)

	sort.Strings(contributors)
	aggregated := models.AggregatedPrice{
		Symbol:         symbol,
		Price:          weighted,
		Timestamp:      now,
		Sources:        contributors,
		Confidence:     confidence,
		ConsensusScore: consensusScore,
	}

	state.consensus = weighted
	state.hasConsensus = true

	e.publish(aggregated)
}

func (e *Engine) publish(aggregated models.AggregatedPrice) {
	feed := e.feedFor(aggregated.Symbol)
	e.cache.Set(feed, aggregated)
	if e.metrics != nil {
		e.metrics.AggregationsEmitted.WithLabelValues(aggregated.Symbol).Inc()
	}

	select {
	case e.updates <- aggregated:
	default:
		// Slow consumer; the cache already holds the latest value.
	}
}

func (e *Engine) feedFor(symbol string) models.FeedID {
	e.mu.RLock()
	feed, ok := e.feeds[symbol]
	e.mu.RUnlock()
	if ok {
		return feed
	}
	return models.FeedID{Category: models.CategoryCrypto, Name: symbol}
}

// sweepLoop re-aggregates every tracked symbol at a low cadence so feeds with
// slow tickers still publish and stale windows get pruned.
func (e *Engine) sweepLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

func (e *Engine) sweep() {
	e.mu.RLock()
	names := make([]string, 0, len(e.symbols))
	for name := range e.symbols {
		names = append(names, name)
	}
	e.mu.RUnlock()

	now := time.Now()
	for _, name := range names {
		state := e.state(name)
		state.mu.Lock()
		state.prune(now, e.cfg)
		if len(state.window) > 0 {
			e.aggregateLocked(name, state, now)
		}
		state.mu.Unlock()
	}
}

// prune drops window entries older than the span and volume entries older
// than the volume window. Caller holds the symbol lock.
func (s *symbolState) prune(now time.Time, cfg Config) {
	cutoff := now.Add(-cfg.WindowSpan)
	keep := s.window[:0]
	for _, o := range s.window {
		if o.Timestamp.After(cutoff) {
			keep = append(keep, o)
		}
	}
	s.window = keep

	volCutoff := now.Add(-cfg.VolumeWindowSpan)
	keepVol := s.volumes[:0]
	for _, v := range s.volumes {
		if v.Timestamp.After(volCutoff) {
			keepVol = append(keepVol, v)
		}
	}
	s.volumes = keepVol
}

// capPerSource bounds how many window entries a single source may hold,
// dropping its oldest entries first. Caller holds the symbol lock.
func (s *symbolState) capPerSource(source string, max int) {
	count := 0
	for _, o := range s.window {
		if o.Source == source {
			count++
		}
	}
	for count > max {
		for i, o := range s.window {
			if o.Source == source {
				s.window = append(s.window[:i], s.window[i+1:]...)
				count--
				break
			}
		}
	}
}

func (s *symbolState) distinctSources() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, o := range s.window {
		if _, ok := seen[o.Source]; !ok {
			seen[o.Source] = struct{}{}
			out = append(out, o.Source)
		}
	}
	return out
}

func (s *symbolState) latestFrom(source string) models.PriceObservation {
	var latest models.PriceObservation
	for _, o := range s.window {
		if o.Source == source && !o.Timestamp.Before(latest.Timestamp) {
			latest = o
		}
	}
	return latest
}

func (s *symbolState) sourceHistory(source string) []models.PriceObservation {
	var out []models.PriceObservation
	for _, o := range s.window {
		if o.Source == source {
			out = append(out, o)
		}
	}
	return out
}

func (s *symbolState) latestOtherPrices(source string) map[string]float64 {
	latest := make(map[string]models.PriceObservation)
	for _, o := range s.window {
		if o.Source == source {
			continue
		}
		if prev, ok := latest[o.Source]; !ok || o.Timestamp.After(prev.Timestamp) {
			latest[o.Source] = o
		}
	}
	out := make(map[string]float64, len(latest))
	for name, o := range latest {
		out[name] = o.Price
	}
	return out
}

// weightedMedian computes the confidence-weighted median of the window.
func weightedMedian(window []models.PriceObservation) float64 {
	if len(window) == 0 {
		return 0
	}

	sorted := append([]models.PriceObservation(nil), window...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Price < sorted[j].Price })

	var total float64
	for _, o := range sorted {
		total += math.Max(o.Confidence, 1e-9)
	}

	half := total / 2
	var cum float64
	for _, o := range sorted {
		cum += math.Max(o.Confidence, 1e-9)
		if cum >= half {
			return o.Price
		}
	}
	return sorted[len(sorted)-1].Price
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
