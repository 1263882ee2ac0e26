package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ridecast",
		Short:         "Ingest Seoul subway ridership and weather, and build forecasting features",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (default: from config)")

	root.AddCommand(backfillCmd())
	root.AddCommand(weatherCmd())
	root.AddCommand(featuresCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(previewCmd())
	root.AddCommand(checkCmd())
	root.AddCommand(calendarCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(daemonCmd())

	return root
}

func backfillCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Backfill base tables for a date range",
	}

	var start, end string
	ridership := &cobra.Command{
		Use:   "ridership",
		Short: "Fetch ridership one day at a time and upsert it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackfillRidership(cmd.Context(), start, end)
		},
	}
	weather := &cobra.Command{
		Use:   "weather",
		Short: "Fetch daily weather for the range in one call and upsert it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackfillWeather(cmd.Context(), start, end)
		},
	}
	for _, c := range []*cobra.Command{ridership, weather} {
		c.Flags().StringVar(&start, "start", "", "first day, YYYYMMDD")
		c.Flags().StringVar(&end, "end", "", "last day, YYYYMMDD (inclusive)")
		_ = c.MarkFlagRequired("start")
		_ = c.MarkFlagRequired("end")
	}

	cmd.AddCommand(ridership, weather)
	return cmd
}

func weatherCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "weather",
		Short: "Live weather observations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "live",
		Short: "Store the current nowcast observation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWeatherLive(cmd.Context())
		},
	})
	return cmd
}

func featuresCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "features",
		Short: "Build and inspect the feature table",
	}

	var through string
	run := &cobra.Command{
		Use:   "run",
		Short: "Merge, generate, store and verify features",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFeatures(cmd.Context(), through)
		},
	}
	run.Flags().StringVar(&through, "through", "verify", "last stage to run: merge, generate, store, verify")

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Read back the most recent stored feature rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd.Context())
		},
	}

	cmd.AddCommand(run, verify)
	return cmd
}

func statusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show base table row counts and readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func previewCmd() *cobra.Command {
	var (
		jsonOutput bool
		limit      int
	)

	cmd := &cobra.Command{
		Use:       "preview <table>",
		Short:     "Show the most recent rows of a table",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"subway_traffic", "weather_data", "model_features"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPreview(cmd.Context(), args[0], limit, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().IntVar(&limit, "limit", 5, "max rows to show")
	return cmd
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check credentials and storage connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context())
		},
	}
}

func calendarCmd() *cobra.Command {
	var (
		start string
		days  int
	)

	cmd := &cobra.Command{
		Use:   "calendar",
		Short: "Preview calendar features for a date range",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCalendar(start, days)
		},
	}

	cmd.Flags().StringVar(&start, "start", "", "first day, YYYYMMDD (default: today)")
	cmd.Flags().IntVar(&days, "days", 14, "number of days")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the ridership, weather and feature tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context())
		},
	}
}

func daemonCmd() *cobra.Command {
	var (
		port   int
		runNow bool
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Start the daily scheduler and status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), port, runNow)
		},
	}

	cmd.Flags().IntVar(&port, "port", 8080, "status API port")
	cmd.Flags().BoolVar(&runNow, "run-now", false, "run the daily job once at startup")
	return cmd
}
