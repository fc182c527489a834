package aggregator

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedpulse/feedpulse/internal/cache"
	"github.com/feedpulse/feedpulse/internal/models"
	"github.com/feedpulse/feedpulse/internal/validation"
)

func newEngine(t *testing.T) (*Engine, *cache.PriceCache) {
	t.Helper()
	priceCache := cache.New(time.Second, 64, nil)
	t.Cleanup(priceCache.Stop)
	engine := New(DefaultConfig(), validation.New(validation.DefaultConfig()), priceCache, nil, zerolog.Nop())
	return engine, priceCache
}

func observation(source string, price float64) models.PriceObservation {
	return models.PriceObservation{
		Symbol:     "BTC/USDT",
		Price:      price,
		Timestamp:  time.Now(),
		Source:     source,
		Confidence: 0.9,
	}
}

func TestIngestBelowMinimumSources(t *testing.T) {
	engine, priceCache := newEngine(t)

	result := engine.Ingest(observation("binance", 50000))
	assert.True(t, result.IsValid)

	feed, err := models.NewFeedID(models.CategoryCrypto, "BTC/USDT")
	require.NoError(t, err)
	_, ok := priceCache.Get(feed)
	assert.False(t, ok, "single source must not publish consensus")
	assert.True(t, engine.Degraded(feed))
}

func TestIngestPublishesConsensus(t *testing.T) {
	engine, priceCache := newEngine(t)

	feed, err := models.NewFeedID(models.CategoryCrypto, "BTC/USDT")
	require.NoError(t, err)
	engine.Track(feed)

	engine.Ingest(observation("binance", 50000))
	engine.Ingest(observation("coinbase", 50010))

	got, ok := priceCache.Get(feed)
	require.True(t, ok)
	assert.InDelta(t, 50005, got.Price, 10)
	assert.ElementsMatch(t, []string{"binance", "coinbase"}, got.Sources)
	assert.Equal(t, 1.0, got.ConsensusScore, "prices within 0.5% all agree")
	assert.False(t, engine.Degraded(feed))

	select {
	case update := <-engine.Updates():
		assert.Equal(t, "BTC/USDT", update.Symbol)
	default:
		t.Fatal("expected an update on the stream")
	}
}

func TestConsensusScorePenalizesDisagreement(t *testing.T) {
	engine, priceCache := newEngine(t)
	feed, err := models.NewFeedID(models.CategoryCrypto, "BTC/USDT")
	require.NoError(t, err)
	engine.Track(feed)

	engine.Ingest(observation("binance", 50000))
	engine.Ingest(observation("coinbase", 50010))
	// A third source 1.5% away from the median disagrees but passes the
	// cross-source gate only as a medium issue.
	engine.Ingest(observation("kraken", 50750))

	got, ok := priceCache.Get(feed)
	require.True(t, ok)
	assert.Less(t, got.ConsensusScore, 1.0)
	assert.Greater(t, got.ConsensusScore, 0.0)
}

func TestRejectedObservationNotAdmitted(t *testing.T) {
	engine, priceCache := newEngine(t)
	feed, err := models.NewFeedID(models.CategoryCrypto, "BTC/USDT")
	require.NoError(t, err)

	stale := observation("binance", 50000)
	stale.Timestamp = time.Now().Add(-5 * time.Second)
	result := engine.Ingest(stale)
	assert.False(t, result.IsValid)

	engine.Ingest(observation("coinbase", 50010))
	_, ok := priceCache.Get(feed)
	assert.False(t, ok, "rejected observation must not count toward consensus")
}

func TestWeightedMedian(t *testing.T) {
	window := []models.PriceObservation{
		{Price: 100, Confidence: 0.1},
		{Price: 200, Confidence: 0.8},
		{Price: 300, Confidence: 0.1},
	}
	assert.Equal(t, 200.0, weightedMedian(window))

	// Weight concentrated on the highest price pulls the median there.
	window = []models.PriceObservation{
		{Price: 100, Confidence: 0.05},
		{Price: 200, Confidence: 0.05},
		{Price: 300, Confidence: 0.9},
	}
	assert.Equal(t, 300.0, weightedMedian(window))

	assert.Equal(t, 0.0, weightedMedian(nil))
}

func TestVolumesWindow(t *testing.T) {
	engine, _ := newEngine(t)
	feed, err := models.NewFeedID(models.CategoryCrypto, "BTC/USDT")
	require.NoError(t, err)
	engine.Track(feed)

	engine.IngestVolume(models.VolumeObservation{
		Symbol: "BTC/USDT", Volume: 1200, Timestamp: time.Now().Add(-30 * time.Minute), Source: "binance",
	})
	engine.IngestVolume(models.VolumeObservation{
		Symbol: "BTC/USDT", Volume: 900, Timestamp: time.Now(), Source: "binance",
	})

	all := engine.Volumes(feed, time.Hour)
	assert.Len(t, all, 2)

	recent := engine.Volumes(feed, time.Minute)
	require.Len(t, recent, 1)
	assert.Equal(t, 900.0, recent[0].Volume)
}

func TestWindowPruning(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WindowSpan = 50 * time.Millisecond
	priceCache := cache.New(time.Second, 64, nil)
	t.Cleanup(priceCache.Stop)
	engine := New(cfg, validation.New(validation.DefaultConfig()), priceCache, nil, zerolog.Nop())

	feed, err := models.NewFeedID(models.CategoryCrypto, "BTC/USDT")
	require.NoError(t, err)
	engine.Track(feed)

	engine.Ingest(observation("binance", 50000))
	engine.Ingest(observation("coinbase", 50010))
	time.Sleep(80 * time.Millisecond)

	// Both prior entries aged out; one fresh source is below the minimum.
	engine.Ingest(observation("binance", 50020))
	assert.True(t, engine.Degraded(feed))
}

func TestCapPerSource(t *testing.T) {
	state := &symbolState{}
	for i := 0; i < 20; i++ {
		state.window = append(state.window, models.PriceObservation{
			Source: "binance", Price: float64(50000 + i), Timestamp: time.Now(),
		})
	}
	state.capPerSource("binance", 16)
	assert.Len(t, state.window, 16)
	// Oldest entries dropped first.
	assert.Equal(t, 50004.0, state.window[0].Price)
}
