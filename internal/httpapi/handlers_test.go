package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedpulse/feedpulse/internal/adapters"
	"github.com/feedpulse/feedpulse/internal/aggregator"
	"github.com/feedpulse/feedpulse/internal/cache"
	"github.com/feedpulse/feedpulse/internal/config"
	"github.com/feedpulse/feedpulse/internal/manager"
	"github.com/feedpulse/feedpulse/internal/models"
	"github.com/feedpulse/feedpulse/internal/registry"
	"github.com/feedpulse/feedpulse/internal/validation"
)

type stubAdapter struct {
	name string
	mu   sync.Mutex
	subs []string
}

func (s *stubAdapter) Name() string { return s.name }
func (s *stubAdapter) Capabilities() adapters.Capabilities {
	return adapters.Capabilities{
		SupportsWebSocket: true,
		SupportsREST:      true,
		Categories:        []models.FeedCategory{models.CategoryCrypto},
	}
}
func (s *stubAdapter) State() models.ConnectionState     { return models.StateConnected }
func (s *stubAdapter) Connect(ctx context.Context) error { return nil }
func (s *stubAdapter) Disconnect() error                 { return nil }
func (s *stubAdapter) Subscribe(symbols []string) error {
	s.mu.Lock()
	s.subs = append(s.subs, symbols...)
	s.mu.Unlock()
	return nil
}
func (s *stubAdapter) Unsubscribe(symbols []string) error    { return nil }
func (s *stubAdapter) Subscriptions() []string               { return nil }
func (s *stubAdapter) ValidateSymbol(symbol string) bool     { return true }
func (s *stubAdapter) HealthCheck(ctx context.Context) error { return nil }
func (s *stubAdapter) FetchTicker(ctx context.Context, symbol string) (models.PriceObservation, error) {
	return models.PriceObservation{}, fmt.Errorf("no REST data")
}

type fixture struct {
	server *Server
	mgr    *manager.Manager
	cache  *cache.PriceCache
}

// newFixture builds a server over a live manager with one healthy source.
func newFixture(t *testing.T, sources int) *fixture {
	t.Helper()
	cfg := config.Config{
		MaxDataAge:       2 * time.Second,
		MinConfidence:    0.3,
		MinSources:       2,
		WindowSpan:       10 * time.Second,
		MaxPerSource:     16,
		VolumeWindowSpan: time.Hour,
		SweepInterval:    time.Hour,
		CacheTTL:         time.Second,
		CacheMaxSize:     64,
		RESTTimeout:      time.Second,
		ReconnectInitial: 10 * time.Millisecond,
		ReconnectMax:     50 * time.Millisecond,
		MaxReconnects:    3,
		HealthInterval:   time.Hour,
		StaleSourceAfter: time.Minute,
		MaxLatency:       5 * time.Second,
		BreakerThreshold: 3,
		BreakerCooldown:  time.Second,
	}

	priceCache := cache.New(cfg.CacheTTL, cfg.CacheMaxSize, nil)
	t.Cleanup(priceCache.Stop)
	engine := aggregator.New(aggregator.Config{
		MinSources:       cfg.MinSources,
		WindowSpan:       cfg.WindowSpan,
		MaxPerSource:     cfg.MaxPerSource,
		VolumeWindowSpan: cfg.VolumeWindowSpan,
		SweepInterval:    cfg.SweepInterval,
	}, validation.New(validation.DefaultConfig()), priceCache, nil, zerolog.Nop())

	mgr := manager.New(cfg, registry.New(), engine, priceCache, nil, zerolog.Nop())
	mgr.Start(context.Background())
	t.Cleanup(mgr.Stop)

	for i := 0; i < sources; i++ {
		name := fmt.Sprintf("venue%d", i)
		require.NoError(t, mgr.AddDataSource(&stubAdapter{name: name}))
		mgr.Sink().Status <- adapters.StatusEvent{
			Venue:     name,
			State:     models.StateConnected,
			Connected: true,
			At:        time.Now(),
		}
	}
	if sources > 0 {
		require.Eventually(t, func() bool {
			return mgr.GetConnectionHealth().HealthScore == 100
		}, 2*time.Second, 10*time.Millisecond)
	}

	return &fixture{
		server: New(cfg, mgr, nil, zerolog.Nop()),
		mgr:    mgr,
		cache:  priceCache,
	}
}

func (f *fixture) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func feedsBody(names ...string) map[string]any {
	refs := make([]map[string]any, 0, len(names))
	for _, name := range names {
		refs = append(refs, map[string]any{"category": 1, "name": name})
	}
	return map[string]any{"feeds": refs}
}

func setCached(t *testing.T, f *fixture, name string, price float64) {
	t.Helper()
	feedID, err := models.NewFeedID(models.CategoryCrypto, name)
	require.NoError(t, err)
	f.cache.Set(feedID, models.AggregatedPrice{
		Symbol:     name,
		Price:      price,
		Timestamp:  time.Now(),
		Sources:    []string{"venue0", "venue1"},
		Confidence: 0.85,
	})
}

func TestFeedValuesOK(t *testing.T) {
	f := newFixture(t, 2)
	setCached(t, f, "BTC/USDT", 50000)

	rec := f.post(t, "/feed-values", feedsBody("BTC/USDT"))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp feedValuesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, 50000.0, resp.Data[0].Value)
	assert.Equal(t, "BTC/USDT", resp.Data[0].Feed.Name)
	assert.Equal(t, 0.85, resp.Data[0].Confidence)
	assert.Nil(t, resp.VotingRoundID)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestFeedValuesVotingRoundEcho(t *testing.T) {
	f := newFixture(t, 2)
	setCached(t, f, "BTC/USDT", 50000)

	rec := f.post(t, "/feed-values/12345", feedsBody("BTC/USDT"))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp feedValuesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.VotingRoundID)
	assert.Equal(t, uint64(12345), *resp.VotingRoundID)
}

func TestFeedValuesInvalidVotingRound(t *testing.T) {
	f := newFixture(t, 2)
	rec := f.post(t, "/feed-values/-1", feedsBody("BTC/USDT"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assertErrorBody(t, rec, "invalid_voting_round")
}

func TestFeedValuesValidation(t *testing.T) {
	f := newFixture(t, 2)

	tests := []struct {
		name string
		body any
		code string
	}{
		{"empty feeds", map[string]any{"feeds": []any{}}, "missing_feeds"},
		{"bad category", map[string]any{"feeds": []map[string]any{{"category": 9, "name": "BTC/USDT"}}}, "invalid_feed"},
		{"malformed name", feedsBody("BTCUSDT"), "invalid_feed"},
		{"duplicate feed", feedsBody("BTC/USDT", "BTC/USDT"), "duplicate_feed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.post(t, "/feed-values", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assertErrorBody(t, rec, tt.code)
		})
	}
}

func TestFeedValuesTooManyFeeds(t *testing.T) {
	f := newFixture(t, 2)
	names := make([]string, 0, maxFeedsPerRequest+1)
	for i := 0; i <= maxFeedsPerRequest; i++ {
		names = append(names, fmt.Sprintf("%c%c/USD", 'A'+i%26, 'A'+(i/26)%26))
	}
	rec := f.post(t, "/feed-values", feedsBody(names...))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assertErrorBody(t, rec, "too_many_feeds")
}

func TestFeedValuesBadJSON(t *testing.T) {
	f := newFixture(t, 2)
	req := httptest.NewRequest(http.MethodPost, "/feed-values", bytes.NewReader([]byte("{")))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assertErrorBody(t, rec, "invalid_body")
}

func TestFeedValuesNotFound(t *testing.T) {
	f := newFixture(t, 2)
	rec := f.post(t, "/feed-values", feedsBody("ZZZ/USD"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assertErrorBody(t, rec, "feed_not_found")
}

func TestFeedValuesDegraded503(t *testing.T) {
	f := newFixture(t, 0) // no sources at all
	rec := f.post(t, "/feed-values", feedsBody("BTC/USDT"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assertErrorBody(t, rec, "service_degraded")
}

func TestVolumesEndpoint(t *testing.T) {
	f := newFixture(t, 2)
	btc, err := models.NewFeedID(models.CategoryCrypto, "BTC/USDT")
	require.NoError(t, err)
	require.NoError(t, f.mgr.SubscribeToFeed(btc))

	// Two observations with volume admit volume history.
	f.mgr.Sink().Observations <- models.PriceObservation{
		Symbol: "BTC/USDT", Price: 50000, Timestamp: time.Now(), Source: "venue0", Confidence: 0.9, Volume: 1200, HasVolume: true,
	}
	require.Eventually(t, func() bool {
		return len(f.mgr.GetVolumes(btc, time.Hour)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	rec := f.post(t, "/volumes?window=600", feedsBody("BTC/USDT"))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp volumesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 600, resp.WindowSec)
	require.Len(t, resp.Data, 1)
	require.Len(t, resp.Data[0].Volumes, 1)
	assert.Equal(t, 1200.0, resp.Data[0].Volumes[0].Volume)
}

func TestVolumesBadWindow(t *testing.T) {
	f := newFixture(t, 2)
	rec := f.post(t, "/volumes?window=abc", feedsBody("BTC/USDT"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assertErrorBody(t, rec, "invalid_window")
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t, 2)

	rec := f.get(t, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	var health map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health["status"])
	assert.Contains(t, health, "components")

	rec = f.get(t, "/health/ready")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.get(t, "/health/live")
	assert.Equal(t, http.StatusOK, rec.Code)
	var live map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &live))
	assert.Equal(t, true, live["alive"])
}

func TestHealthNotReadyWithoutSources(t *testing.T) {
	f := newFixture(t, 0)

	rec := f.get(t, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var ready map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ready))
	assert.Equal(t, false, ready["ready"])

	// Liveness is independent of source population.
	rec = f.get(t, "/health/live")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownRoute404(t *testing.T) {
	f := newFixture(t, 2)
	rec := f.get(t, "/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assertErrorBody(t, rec, "not_found")
}

func TestInboundRequestIDHonored(t *testing.T) {
	f := newFixture(t, 2)
	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "test-id-123")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "test-id-123", rec.Header().Get("X-Request-ID"))
}

func assertErrorBody(t *testing.T, rec *httptest.ResponseRecorder, code string) {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "error", body.Status)
	assert.Equal(t, code, body.Error)
	assert.NotZero(t, body.Timestamp)
}
