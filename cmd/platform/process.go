package main

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/mytechsonamy/crypto-stock-platform/internal/alerts"
	"github.com/mytechsonamy/crypto-stock-platform/internal/bars"
	"github.com/mytechsonamy/crypto-stock-platform/internal/bus"
	"github.com/mytechsonamy/crypto-stock-platform/internal/cache"
	"github.com/mytechsonamy/crypto-stock-platform/internal/features"
	"github.com/mytechsonamy/crypto-stock-platform/internal/indicators"
	"github.com/mytechsonamy/crypto-stock-platform/internal/metrics"
	"github.com/mytechsonamy/crypto-stock-platform/internal/models"
	"github.com/mytechsonamy/crypto-stock-platform/internal/pipeline"
	"github.com/mytechsonamy/crypto-stock-platform/internal/store"
)

func processCmd() *cobra.Command {
	var metricsPort int

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run the processing pipeline: bars, indicators, features, alerts",
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

			builder, err := bars.NewBuilder(bars.Config{
				BaseTimeframe: cfg.Pipeline.BaseTimeframe,
				Rollups:       cfg.Pipeline.RollupTimeframes,
				RingSize:      cfg.Pipeline.BarRingSize,
			}, mr, st, b, ca)
			if err != nil {
				return err
			}

			alertEngine := alerts.NewEngine(alerts.Config{
				CacheTTL:        time.Duration(cfg.Alerts.CacheTTLSecs) * time.Second,
				DispatchTimeout: time.Duration(cfg.Alerts.DispatchTimeoutSecs) * time.Second,
			}, mr, st, buildNotifiers(b))

			clock, err := marketClock()
			if err != nil {
				return err
			}
			engineer := features.NewEngineer(mr, st, ca, clock, cfg.Pipeline.FeatureVersion)
			engine := indicators.NewEngine(cfg.Pipeline.IndicatorWindow, mr, st, ca, b, alertEngine, engineer)

			p := pipeline.New(pipeline.Deps{
				Bus:     b,
				Builder: builder,
				Engine:  engine,
				Store:   st,
				Cache:   ca,
				Health:  ca,
				Metrics: mr,
			}, pipeline.Config{})

			go serveMetrics(ctx, metricsPort)
			return p.Run(ctx)
		},
	}
	cmd.Flags().IntVar(&metricsPort, "metrics-port", 9102, "port for the Prometheus metrics endpoint")
	return cmd
}

// buildNotifiers wires one notifier per configured channel. The webhook and
// Slack channels each run behind their own dispatch breaker.
func buildNotifiers(b *bus.Bus) map[models.NotificationChannel]alerts.Notifier {
	notifiers := map[models.NotificationChannel]alerts.Notifier{
		models.ChannelWebsocket: alerts.NewWebsocketNotifier(b),
		models.ChannelWebhook:   alerts.NewWebhookNotifier(alerts.NewDispatchBreaker("webhook", 0, 0)),
		models.ChannelSlack: alerts.NewSlackNotifier(cfg.Alerts.SlackWebhookURL,
			alerts.NewDispatchBreaker("slack", 0, 0)),
	}
	if cfg.Alerts.SMTP.Host != "" {
		notifiers[models.ChannelEmail] = alerts.NewEmailNotifier(cfg.Alerts.SMTP)
	}
	return notifiers
}
