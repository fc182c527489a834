package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedpulse/feedpulse/internal/models"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, 3101, cfg.HTTPPort)
	assert.Equal(t, 2000*time.Millisecond, cfg.MaxDataAge)
	assert.Equal(t, 0.3, cfg.MinConfidence)
	assert.Equal(t, 2, cfg.MinSources)
	assert.Equal(t, 1000*time.Millisecond, cfg.CacheTTL)
	assert.Equal(t, time.Second, cfg.ReconnectInitial)
	assert.Equal(t, 30*time.Second, cfg.ReconnectMax)
	assert.Equal(t, 10, cfg.MaxReconnects)
	assert.Equal(t, uint32(5), cfg.BreakerThreshold)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "8080")
	t.Setenv("MAX_DATA_AGE", "1500")     // bare number = milliseconds
	t.Setenv("CACHE_TTL", "2s")          // duration string
	t.Setenv("MIN_CONFIDENCE", "0.5")
	t.Setenv("MIN_SOURCES", "3")

	cfg := Load()
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 1500*time.Millisecond, cfg.MaxDataAge)
	assert.Equal(t, 2*time.Second, cfg.CacheTTL)
	assert.Equal(t, 0.5, cfg.MinConfidence)
	assert.Equal(t, 3, cfg.MinSources)
}

func TestLoadInvalidEnvFallsBack(t *testing.T) {
	t.Setenv("HTTP_PORT", "not-a-number")
	t.Setenv("MIN_CONFIDENCE", "wat")
	t.Setenv("MAX_DATA_AGE", "soon")

	cfg := Load()
	assert.Equal(t, 3101, cfg.HTTPPort)
	assert.Equal(t, 0.3, cfg.MinConfidence)
	assert.Equal(t, 2000*time.Millisecond, cfg.MaxDataAge)
}

func TestLoadFeeds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "feeds.yaml")
	doc := `feeds:
  - category: 1
    name: BTC/USDT
  - category: 1
    name: eth/usdt
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	feeds, err := LoadFeeds(path)
	require.NoError(t, err)
	require.Len(t, feeds, 2)
	assert.Equal(t, "BTC/USDT", feeds[0].Name)
	assert.Equal(t, "ETH/USDT", feeds[1].Name, "names normalized to uppercase")
	assert.Equal(t, models.CategoryCrypto, feeds[1].Category)
}

func TestLoadFeedsInvalidEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "feeds.yaml")
	doc := `feeds:
  - category: 9
    name: BTC/USDT
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	_, err := LoadFeeds(path)
	assert.Error(t, err)
}

func TestLoadFeedsMissingFile(t *testing.T) {
	_, err := LoadFeeds("/nonexistent/feeds.yaml")
	assert.Error(t, err)
}
