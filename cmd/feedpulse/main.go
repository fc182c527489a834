// Command feedpulse runs the real-time price feed service: it connects the
// venue adapters, aggregates their observations into consensus prices, and
// serves them over HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/feedpulse/feedpulse/internal/adapters"
	"github.com/feedpulse/feedpulse/internal/aggregator"
	"github.com/feedpulse/feedpulse/internal/cache"
	"github.com/feedpulse/feedpulse/internal/config"
	"github.com/feedpulse/feedpulse/internal/httpapi"
	"github.com/feedpulse/feedpulse/internal/manager"
	"github.com/feedpulse/feedpulse/internal/metrics"
	"github.com/feedpulse/feedpulse/internal/models"
	"github.com/feedpulse/feedpulse/internal/registry"
	"github.com/feedpulse/feedpulse/internal/validation"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "feedpulse",
		Short:         "Multi-venue price feed aggregation service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var logLevel string
	var feedsFile string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the feed service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(logLevel, feedsFile)
		},
	}
	serve.Flags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	serve.Flags().StringVar(&feedsFile, "feeds", "", "path to feeds.yaml (overrides FEEDS_FILE)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	root.AddCommand(serve, versionCmd)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(logLevel, feedsFile string) error {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("service", "feedpulse").Logger()

	cfg := config.Load()
	if feedsFile != "" {
		cfg.FeedsFile = feedsFile
	}

	feeds, err := loadFeeds(cfg)
	if err != nil {
		return err
	}

	m := metrics.New()
	priceCache := cache.New(cfg.CacheTTL, cfg.CacheMaxSize, m)
	defer priceCache.Stop()

	validatorCfg := validation.DefaultConfig()
	validatorCfg.MaxDataAge = cfg.MaxDataAge
	validatorCfg.OutlierThreshold = cfg.OutlierThreshold
	validator := validation.New(validatorCfg)
	engine := aggregator.New(aggregator.Config{
		MinSources:       cfg.MinSources,
		WindowSpan:       cfg.WindowSpan,
		MaxPerSource:     cfg.MaxPerSource,
		VolumeWindowSpan: cfg.VolumeWindowSpan,
		SweepInterval:    cfg.SweepInterval,
	}, validator, priceCache, m, logger)

	reg := registry.New()
	mgr := manager.New(cfg, reg, engine, priceCache, m, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine.Start(ctx)
	mgr.Start(ctx)

	driverCfg := adapters.DriverConfig{
		ConnectTimeout:    cfg.ConnectTimeout,
		MaxConnectRetries: cfg.MaxConnectRetries,
		BackoffInitial:    cfg.ReconnectInitial,
		BackoffMax:        cfg.ReconnectMax,
		RESTTimeout:       cfg.RESTTimeout,
		RESTPollInterval:  cfg.RESTPollInterval,
		ClockSkew:         cfg.ClockSkew,
		RESTRate:          5,
		RESTBurst:         5,
	}
	sink := mgr.Sink()
	venues := []adapters.Adapter{
		adapters.NewBinanceAdapter(driverCfg, sink, logger),
		adapters.NewCoinbaseAdapter(driverCfg, sink, logger),
		adapters.NewKrakenAdapter(driverCfg, sink, logger),
		adapters.NewOKXAdapter(driverCfg, sink, logger),
		adapters.NewCryptocomAdapter(driverCfg, sink, logger),
		adapters.NewCoingeckoAdapter(driverCfg, sink, logger),
	}
	for _, venue := range venues {
		if err := mgr.AddDataSource(venue); err != nil {
			logger.Error().Err(err).Str("venue", venue.Name()).Msg("data source failed to start")
		}
	}
	for _, feed := range feeds {
		if err := mgr.SubscribeToFeed(feed); err != nil {
			logger.Warn().Err(err).Str("feed", feed.String()).Msg("feed subscription failed")
		}
	}

	go logConsensus(ctx, engine.Updates(), logger)

	server := httpapi.New(cfg, mgr, m, logger)
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.ListenAndServe() }()

	logger.Info().
		Str("version", version).
		Int("feeds", len(feeds)).
		Int("sources", len(venues)).
		Msg("feedpulse started")

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("http server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	mgr.Stop()
	engine.Stop()
	logger.Info().Msg("feedpulse stopped")
	return nil
}

// logConsensus drains the aggregator's update stream and logs each published
// consensus price at debug.
func logConsensus(ctx context.Context, updates <-chan models.AggregatedPrice, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case price := <-updates:
			logger.Debug().
				Str("feed", price.Symbol).
				Float64("price", price.Price).
				Int("sources", len(price.Sources)).
				Float64("confidence", price.Confidence).
				Float64("consensus", price.ConsensusScore).
				Msg("consensus published")
		}
	}
}

// loadFeeds reads the configured feed list, defaulting to the major pairs
// when no file is given.
func loadFeeds(cfg config.Config) ([]models.FeedID, error) {
	if cfg.FeedsFile != "" {
		feeds, err := config.LoadFeeds(cfg.FeedsFile)
		if err != nil {
			return nil, err
		}
		return feeds, nil
	}
	defaults := []string{"BTC/USDT", "ETH/USDT", "SOL/USDT", "XRP/USDT", "ADA/USDT"}
	feeds := make([]models.FeedID, 0, len(defaults))
	for _, name := range defaults {
		feed, err := models.NewFeedID(models.CategoryCrypto, name)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, feed)
	}
	return feeds, nil
}
