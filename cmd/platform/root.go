package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/mytechsonamy/crypto-stock-platform/internal/breaker"
	"github.com/mytechsonamy/crypto-stock-platform/internal/bus"
	"github.com/mytechsonamy/crypto-stock-platform/internal/cache"
	"github.com/mytechsonamy/crypto-stock-platform/internal/config"
	"github.com/mytechsonamy/crypto-stock-platform/internal/logging"
	"github.com/mytechsonamy/crypto-stock-platform/internal/quality"
	"github.com/mytechsonamy/crypto-stock-platform/internal/store"
)

var (
	cfgPath string
	cfg     *config.Config
)

// Execute runs the CLI. Configuration loads once in the persistent pre-run
// so every command sees the same view.
func Execute(ctx context.Context) error {
	root := &cobra.Command{
		Use:           "platform",
		Short:         "Real-time market data platform",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(cfgPath)
			if err != nil {
				return err
			}
			logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "path to the configuration file")

	root.AddCommand(
		collectCmd(),
		backfillCmd(),
		processCmd(),
		apiCmd(),
		healthCmd(),
		seedCmd(),
		hashPasswordCmd(),
	)
	return root.ExecuteContext(ctx)
}

func storeOptions() store.Options {
	return store.Options{
		DSN:             cfg.Database.DSN(),
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnLifetimeMins) * time.Minute,
		QueryTimeout:    cfg.Database.QueryTimeout(),
	}
}

func cacheOptions() cache.Options {
	return cache.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	}
}

func busOptions() bus.Options {
	return bus.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	}
}

func breakerConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold:   cfg.Breaker.FailureThreshold,
		SuccessThreshold:   cfg.Breaker.SuccessThreshold,
		Timeout:            time.Duration(cfg.Breaker.TimeoutSecs) * time.Second,
		MaxTimeout:         time.Duration(cfg.Breaker.MaxTimeoutSecs) * time.Second,
		ExponentialBackoff: cfg.Breaker.ExponentialBackoff,
	}
}

func qualityConfig() quality.Config {
	return quality.Config{
		ZScoreThreshold:    cfg.Quality.ZScoreThreshold,
		PctChangeThreshold: cfg.Quality.MaxPriceChange,
		MaxAge:             time.Duration(cfg.Quality.MaxAgeSecs) * time.Second,
		FutureSkew:         time.Duration(cfg.Quality.FutureSkewSecs) * time.Second,
		VolumeMultiplier:   cfg.Quality.VolumeMultiplier,
		HistoryWindow:      cfg.Quality.WindowSize,
		MinHistory:         cfg.Quality.MinHistory,
		ScoreAlpha:         cfg.Quality.ScoreAlpha,
		PassSampleRate:     cfg.Quality.PassSampleRate,
		QuarantineSize:     cfg.Quality.QuarantineSize,
	}
}
