package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/mytechsonamy/crypto-stock-platform/internal/auth"
	"github.com/mytechsonamy/crypto-stock-platform/internal/cache"
	"github.com/mytechsonamy/crypto-stock-platform/internal/catalog"
	"github.com/mytechsonamy/crypto-stock-platform/internal/metrics"
	"github.com/mytechsonamy/crypto-stock-platform/internal/store"
)

func seedCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Upsert the symbol universe from a YAML seed file",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			mr := metrics.New(prometheus.NewRegistry())
			st, err := store.New(storeOptions(), mr)
			if err != nil {
				return err
			}
			defer st.Close()

			ca := cache.New(cacheOptions(), mr)
			defer ca.Close()

			return catalog.New(st, ca).Seed(ctx, file)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "config/symbols.yaml", "path to the symbol seed file")
	return cmd
}

func hashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Print the bcrypt hash for a static user's password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
