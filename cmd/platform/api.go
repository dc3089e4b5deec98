package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mytechsonamy/crypto-stock-platform/internal/auth"
	"github.com/mytechsonamy/crypto-stock-platform/internal/bus"
	"github.com/mytechsonamy/crypto-stock-platform/internal/cache"
	"github.com/mytechsonamy/crypto-stock-platform/internal/catalog"
	"github.com/mytechsonamy/crypto-stock-platform/internal/health"
	"github.com/mytechsonamy/crypto-stock-platform/internal/httpapi"
	"github.com/mytechsonamy/crypto-stock-platform/internal/metrics"
	"github.com/mytechsonamy/crypto-stock-platform/internal/ratelimit"
	"github.com/mytechsonamy/crypto-stock-platform/internal/store"
	"github.com/mytechsonamy/crypto-stock-platform/internal/ws"
)

func apiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Run the REST and WebSocket API server",
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

			am, err := auth.NewManager(cfg.Auth)
			if err != nil {
				return err
			}

			hub := ws.NewHub(ws.Config{
				ThrottleInterval: time.Duration(cfg.WS.ThrottleMS) * time.Millisecond,
				BatchWindow:      time.Duration(cfg.WS.BatchWindowMS) * time.Millisecond,
				QueueSize:        cfg.WS.QueueSize,
			}, mr)
			go hub.Run(ctx)
			go listenChartUpdates(ctx, hub, b)

			limiterClient := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer limiterClient.Close()
			limiter := ratelimit.New(limiterClient, mr, cfg.RateLimit.Rate, cfg.RateLimit.Period())

			server := httpapi.NewServer(httpapi.Config{
				Host:            cfg.Server.Host,
				Port:            cfg.Server.Port,
				CORSOrigins:     cfg.Server.CORSOrigins,
				ReadTimeout:     time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
				HandlerTimeout:  time.Duration(cfg.Server.HandlerTimeout) * time.Second,
				ShutdownTimeout: time.Duration(cfg.Server.ShutdownSecs) * time.Second,
				SnapshotBars:    cfg.WS.SnapshotBars,
			}, httpapi.Deps{
				Auth:    am,
				Catalog: catalog.New(st, ca),
				Store:   st,
				Cache:   ca,
				Hub:     hub,
				Limiter: limiter,
				Health:  health.NewReporter(st, ca, ca),
				Metrics: mr,
			})
			return server.Start(ctx)
		},
	}
}

// listenChartUpdates keeps the hub's bus subscription alive across Redis
// hiccups.
func listenChartUpdates(ctx context.Context, hub *ws.Hub, b *bus.Bus) {
	for ctx.Err() == nil {
		if err := hub.Listen(ctx, b); ctx.Err() == nil {
			log.Error().Err(err).Msg("Chart update subscription lost, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}
}
