package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mgazza/meter-datafeeds/internal/config"
	"github.com/mgazza/meter-datafeeds/internal/datafeed"
	"github.com/mgazza/meter-datafeeds/internal/logger"
)

// errRunFailed makes the process exit non-zero without printing the error twice.
var errRunFailed = errors.New("run failed")

type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "datafeeds",
		Short:         "Collect meter readings and bills from utility APIs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", envOrString("DATAFEEDS_CONFIG", "config.yml"), "path to the configuration file")

	cmd.AddCommand(newRunCommand(opts), newFeedsCommand(opts), newScheduleCommand(opts))
	return cmd
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	var start, end, taskID string
	cmd := &cobra.Command{
		Use:   "run <feed>",
		Short: "Run one feed now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, log, err := load(opts)
			if err != nil {
				return err
			}
			defer app.Close()
			defer log.Sync() //nolint:errcheck

			status, err := app.RunFeed(cmd.Context(), args[0], start, end, taskID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), status)
			if status != datafeed.StatusSucceeded && status != datafeed.StatusCompleted {
				return errRunFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "first day to collect (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "last day to collect (YYYY-MM-DD)")
	cmd.Flags().StringVar(&taskID, "task-id", "", "task id recorded by the job tracker (default: random)")
	return cmd
}

func newFeedsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "feeds",
		Short: "List configured feeds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			registry := NewRegistry()
			out := cmd.OutOrStdout()
			for _, f := range cfg.Feeds {
				schedule := f.Schedule
				if schedule == "" {
					schedule = "-"
				}
				known := ""
				if _, ok := registry.Lookup(f.Datasource); !ok {
					known = " (unknown datasource)"
				}
				fmt.Fprintf(out, "%s\t%s%s\t%s\n", f.Name, f.Datasource, known, schedule)
			}
			return nil
		},
	}
}

func newScheduleCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run feeds on their schedules and serve metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, log, err := load(opts)
			if err != nil {
				return err
			}
			defer app.Close()
			defer log.Sync() //nolint:errcheck

			return app.Schedule(cmd.Context())
		},
	}
}

func load(opts *rootOptions) (*App, logger.Logger, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}
	app, err := NewApp(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return app, log, nil
}

// envOrString returns the environment variable value if set, otherwise returns the default value.
func envOrString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		stop()
		os.Exit(1)
	}
}
