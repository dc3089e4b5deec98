package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/mytechsonamy/crypto-stock-platform/internal/cache"
	"github.com/mytechsonamy/crypto-stock-platform/internal/health"
	"github.com/mytechsonamy/crypto-stock-platform/internal/metrics"
	"github.com/mytechsonamy/crypto-stock-platform/internal/store"
)

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Print the aggregate health report and exit non-zero when unhealthy",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			mr := metrics.New(prometheus.NewRegistry())

			// An unreachable database still produces a report; the reporter
			// marks the missing dependency rather than aborting.
			var db health.Pinger
			if st, err := store.New(storeOptions(), mr); err == nil {
				defer st.Close()
				db = st
			}

			ca := cache.New(cacheOptions(), mr)
			defer ca.Close()

			report := health.NewReporter(db, ca, ca).Check(ctx)

			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, string(out))

			if report.Status == health.StatusUnhealthy {
				return fmt.Errorf("status: %s", report.Status)
			}
			return nil
		},
	}
}
