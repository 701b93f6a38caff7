package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/osucapital/market-engine/internal/app"
	"github.com/osucapital/market-engine/internal/config"
	"github.com/osucapital/market-engine/internal/scheduler"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "refresher",
		Short:        "Background stock refresh and price history jobs",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "path to YAML config")

	root.AddCommand(
		newRunCmd(&configPath),
		newOnceCmd(&configPath),
		newHistoryCmd(&configPath),
		newStockCmd(&configPath),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// open loads config and assembles the runtime graph for a command.
func open(ctx context.Context, configPath string) (*config.Config, *app.Deps, error) {
	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := cfg.Logger()
	slog.SetDefault(logger)

	deps, err := app.Open(ctx, cfg, logger, nil)
	if err != nil {
		return nil, nil, err
	}
	return cfg, deps, nil
}

func newRunCmd(configPath *string) *cobra.Command {
	var jobTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the refresh and history jobs on their schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, deps, err := open(ctx, *configPath)
			if err != nil {
				return err
			}
			defer deps.Close()

			s := scheduler.New(slog.Default(), jobTimeout)
			if err := s.AddJob(cfg.Scheduler.StaleRefresh, scheduler.StaleRefreshJob{
				Refresher: deps.Refresh,
				Limit:     cfg.Scheduler.StaleLimit,
			}); err != nil {
				return err
			}
			if err := s.AddJob(cfg.Scheduler.History, scheduler.HistoryJob{Refresher: deps.Refresh}); err != nil {
				return err
			}

			s.Start()
			<-ctx.Done()
			s.Stop()
			return nil
		},
	}
	cmd.Flags().DurationVar(&jobTimeout, "job-timeout", 10*time.Minute, "upper bound on a single job run")
	return cmd
}

func newOnceCmd(configPath *string) *cobra.Command {
	var (
		limit  int
		window time.Duration
	)

	cmd := &cobra.Command{
		Use:   "once",
		Short: "Refresh stale stocks once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, deps, err := open(ctx, *configPath)
			if err != nil {
				return err
			}
			defer deps.Close()

			rep, err := deps.Refresh.RefreshStale(ctx, window, limit)
			if err != nil {
				return err
			}
			return printJSON(rep)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum stocks to refresh (0 = all)")
	cmd.Flags().DurationVar(&window, "window", 0, "staleness window (default: refresh.batch_window)")
	return cmd
}

func newHistoryCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Record a price history point for every listed stock",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, deps, err := open(ctx, *configPath)
			if err != nil {
				return err
			}
			defer deps.Close()

			n, err := deps.Refresh.RecordHistory(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("recorded %d stocks\n", n)
			return nil
		},
	}
}

func newStockCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stock <player-id>",
		Short: "Refresh a single stock now, creating it if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid player id %q", args[0])
			}

			ctx := cmd.Context()
			_, deps, err := open(ctx, *configPath)
			if err != nil {
				return err
			}
			defer deps.Close()

			res, err := deps.Refresh.Refresh(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
