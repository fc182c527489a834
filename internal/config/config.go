// Package config loads the immutable process configuration from environment
// variables and the optional feeds.yaml feed list. Values are read once at
// startup; nothing here mutates after Load returns.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/feedpulse/feedpulse/internal/models"
)

// Config holds every tunable the service reads at start.
type Config struct {
	// HTTP server
	HTTPHost     string
	HTTPPort     int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Freshness and quality gate
	MaxDataAge    time.Duration // observations older than this are dropped
	MinConfidence float64       // observations below this are dropped
	ClockSkew     time.Duration // future timestamps beyond this use local clock

	// Aggregation
	MinSources       int
	WindowSpan       time.Duration // price observation window
	MaxPerSource     int           // ring bound per source per symbol
	VolumeWindowSpan time.Duration // bounded volume history for /volumes
	OutlierThreshold float64
	SweepInterval    time.Duration // background flush cadence

	// Cache
	CacheTTL     time.Duration
	CacheMaxSize int64

	// Connection lifecycle
	ConnectTimeout    time.Duration
	RESTTimeout       time.Duration
	MaxConnectRetries int
	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration
	MaxReconnects     int
	RESTPollInterval  time.Duration // degraded-mode fallback cadence

	// Health monitor
	HealthInterval   time.Duration
	StaleSourceAfter time.Duration
	MaxLatency       time.Duration

	// Circuit breaker
	BreakerThreshold uint32
	BreakerCooldown  time.Duration

	// Shutdown
	ShutdownTimeout time.Duration

	// Feed list
	FeedsFile string
}

// Load reads the configuration from the environment, applying defaults for
// anything unset.
func Load() Config {
	return Config{
		HTTPHost:     envString("HTTP_HOST", "0.0.0.0"),
		HTTPPort:     envInt("HTTP_PORT", 3101),
		ReadTimeout:  envDuration("HTTP_READ_TIMEOUT", 10*time.Second),
		WriteTimeout: envDuration("HTTP_WRITE_TIMEOUT", 10*time.Second),
		IdleTimeout:  envDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxDataAge:    envDuration("MAX_DATA_AGE", 2000*time.Millisecond),
		MinConfidence: envFloat("MIN_CONFIDENCE", 0.3),
		ClockSkew:     envDuration("CLOCK_SKEW_TOLERANCE", 10*time.Minute),

		MinSources:       envInt("MIN_SOURCES", 2),
		WindowSpan:       envDuration("AGGREGATION_WINDOW", 10*time.Second),
		MaxPerSource:     envInt("MAX_PER_SOURCE", 16),
		VolumeWindowSpan: envDuration("VOLUME_WINDOW", time.Hour),
		OutlierThreshold: envFloat("OUTLIER_THRESHOLD", 0.05),
		SweepInterval:    envDuration("SWEEP_INTERVAL", 5*time.Second),

		CacheTTL:     envDuration("CACHE_TTL", 1000*time.Millisecond),
		CacheMaxSize: int64(envInt("CACHE_MAX_SIZE", 4096)),

		ConnectTimeout:    envDuration("CONNECT_TIMEOUT", 10*time.Second),
		RESTTimeout:       envDuration("REST_TIMEOUT", 5*time.Second),
		MaxConnectRetries: envInt("MAX_CONNECT_RETRIES", 5),
		ReconnectInitial:  envDuration("RECONNECT_INITIAL", time.Second),
		ReconnectMax:      envDuration("RECONNECT_MAX", 30*time.Second),
		MaxReconnects:     envInt("MAX_RECONNECT_ATTEMPTS", 10),
		RESTPollInterval:  envDuration("REST_POLL_INTERVAL", 2*time.Second),

		HealthInterval:   envDuration("HEALTH_INTERVAL", 30*time.Second),
		StaleSourceAfter: envDuration("STALE_SOURCE_AFTER", 60*time.Second),
		MaxLatency:       envDuration("MAX_SOURCE_LATENCY", 5*time.Second),

		BreakerThreshold: uint32(envInt("BREAKER_THRESHOLD", 5)),
		BreakerCooldown:  envDuration("BREAKER_COOLDOWN", 30*time.Second),

		ShutdownTimeout: envDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		FeedsFile: envString("FEEDS_FILE", ""),
	}
}

// FeedList is the optional feeds.yaml document.
type FeedList struct {
	Feeds []FeedEntry `yaml:"feeds"`
}

// FeedEntry is one configured feed.
type FeedEntry struct {
	Category int    `yaml:"category"`
	Name     string `yaml:"name"`
}

// LoadFeeds parses a feeds.yaml file into validated feed identifiers.
func LoadFeeds(path string) ([]models.FeedID, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read feeds file: %w", err)
	}
	var list FeedList
	if err := yaml.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("parse feeds file: %w", err)
	}
	feeds := make([]models.FeedID, 0, len(list.Feeds))
	for _, entry := range list.Feeds {
		feed, err := models.NewFeedID(models.FeedCategory(entry.Category), entry.Name)
		if err != nil {
			return nil, fmt.Errorf("feeds file entry %q: %w", entry.Name, err)
		}
		feeds = append(feeds, feed)
	}
	return feeds, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// Bare numbers are interpreted as milliseconds.
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}
