package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mytechsonamy/crypto-stock-platform/internal/bus"
	"github.com/mytechsonamy/crypto-stock-platform/internal/cache"
	"github.com/mytechsonamy/crypto-stock-platform/internal/catalog"
	"github.com/mytechsonamy/crypto-stock-platform/internal/collectors"
	"github.com/mytechsonamy/crypto-stock-platform/internal/market"
	"github.com/mytechsonamy/crypto-stock-platform/internal/metrics"
	"github.com/mytechsonamy/crypto-stock-platform/internal/quality"
	"github.com/mytechsonamy/crypto-stock-platform/internal/store"
)

func collectCmd() *cobra.Command {
	var metricsPort int

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Run the venue collectors",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			mr := metrics.New(prometheus.DefaultRegisterer)
			st, err := store.New(storeOptions(), mr)
			if err != nil {
				return err
			}
			defer st.Close()

			ca := cache.New(cacheOptions(), mr)
			defer ca.Close()
			if err := ca.Ping(ctx); err != nil {
				return fmt.Errorf("redis unreachable: %w", err)
			}

			b := bus.New(busOptions())
			defer b.Close()

			cat := catalog.New(st, ca)
			if err := cat.Refresh(ctx); err != nil {
				return err
			}

			runners, err := buildRunners(collectors.Deps{
				Symbols: cat,
				Checker: quality.NewChecker(qualityConfig(), mr, st),
				Bus:     b,
				Health:  ca,
				Metrics: mr,
			})
			if err != nil {
				return err
			}
			if len(runners) == 0 {
				return fmt.Errorf("no collectors enabled")
			}

			go serveMetrics(ctx, metricsPort)

			var wg sync.WaitGroup
			for _, r := range runners {
				wg.Add(1)
				go func(r *collectors.Runner) {
					defer wg.Done()
					r.Start(ctx)
				}(r)
			}
			wg.Wait()

			log.Info().Msg("All collectors stopped")
			return nil
		},
	}
	cmd.Flags().IntVar(&metricsPort, "metrics-port", 9101, "port for the Prometheus metrics endpoint")
	return cmd
}

// buildRunners constructs one runner per enabled venue.
func buildRunners(deps collectors.Deps) ([]*collectors.Runner, error) {
	rc := collectors.RunnerConfig{Breaker: breakerConfig()}
	var runners []*collectors.Runner

	if cfg.Collectors.Binance.Enabled {
		runners = append(runners,
			collectors.NewRunner(collectors.NewBinance(cfg.Collectors.Binance), deps, rc))
	}
	if cfg.Collectors.BIST.Enabled {
		clock, err := marketClock()
		if err != nil {
			return nil, err
		}
		runners = append(runners,
			collectors.NewRunner(collectors.NewBIST(cfg.Collectors.BIST, clock), deps, rc))
	}
	if cfg.Collectors.Polygon.Enabled {
		runners = append(runners,
			collectors.NewRunner(collectors.NewPolygon(cfg.Collectors.Polygon), deps, rc))
	}
	return runners, nil
}

// marketClock builds the venue calendar with the BIST session taken from
// configuration rather than the built-in default.
func marketClock() (*market.Clock, error) {
	clock, err := market.NewClock()
	if err != nil {
		return nil, err
	}

	open, err := time.Parse("15:04", cfg.Collectors.BIST.MarketOpen)
	if err != nil {
		return nil, fmt.Errorf("bist market_open: %w", err)
	}
	closeAt, err := time.Parse("15:04", cfg.Collectors.BIST.MarketClose)
	if err != nil {
		return nil, fmt.Errorf("bist market_close: %w", err)
	}
	session, err := market.NewSession(cfg.Collectors.BIST.Timezone,
		open.Hour(), open.Minute(), closeAt.Hour(), closeAt.Minute())
	if err != nil {
		return nil, err
	}
	return clock.WithSession("bist", session), nil
}

func backfillCmd() *cobra.Command {
	var (
		venue     string
		symbol    string
		timeframe string
		fromStr   string
		toStr     string
	)

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Fetch historical bars for one symbol and replay them through the bar path",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			from, err := time.Parse(time.RFC3339, fromStr)
			if err != nil {
				return fmt.Errorf("invalid --from: %w", err)
			}
			to := time.Now().UTC()
			if toStr != "" {
				if to, err = time.Parse(time.RFC3339, toStr); err != nil {
					return fmt.Errorf("invalid --to: %w", err)
				}
			}

			mr := metrics.New(prometheus.DefaultRegisterer)
			st, err := store.New(storeOptions(), mr)
			if err != nil {
				return err
			}
			defer st.Close()

			ca := cache.New(cacheOptions(), mr)
			defer ca.Close()
			b := bus.New(busOptions())
			defer b.Close()

			runner, err := backfillRunner(venue, collectors.Deps{
				Symbols: catalog.New(st, ca),
				Checker: quality.NewChecker(qualityConfig(), mr, st),
				Bus:     b,
				Health:  ca,
				Metrics: mr,
			})
			if err != nil {
				return err
			}

			n, err := runner.Backfill(ctx, symbol, timeframe, from, to)
			if err != nil {
				return err
			}
			log.Info().
				Str("venue", venue).
				Str("symbol", symbol).
				Str("timeframe", timeframe).
				Int("bars", n).
				Msg("Backfill complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&venue, "venue", "binance", "venue to fetch from (binance, bist, polygon)")
	cmd.Flags().StringVar(&symbol, "symbol", "", "symbol to backfill")
	cmd.Flags().StringVar(&timeframe, "timeframe", "1m", "bar timeframe")
	cmd.Flags().StringVar(&fromStr, "from", "", "start of the range, RFC 3339")
	cmd.Flags().StringVar(&toStr, "to", "", "end of the range, RFC 3339 (default now)")
	_ = cmd.MarkFlagRequired("symbol")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

func backfillRunner(venue string, deps collectors.Deps) (*collectors.Runner, error) {
	rc := collectors.RunnerConfig{Breaker: breakerConfig()}
	switch venue {
	case "binance":
		return collectors.NewRunner(collectors.NewBinance(cfg.Collectors.Binance), deps, rc), nil
	case "bist":
		clock, err := marketClock()
		if err != nil {
			return nil, err
		}
		return collectors.NewRunner(collectors.NewBIST(cfg.Collectors.BIST, clock), deps, rc), nil
	case "polygon":
		return collectors.NewRunner(collectors.NewPolygon(cfg.Collectors.Polygon), deps, rc), nil
	}
	return nil, fmt.Errorf("unknown venue %q", venue)
}
