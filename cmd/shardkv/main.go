package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/maxiofs/shardkv/internal/config"
	"github.com/maxiofs/shardkv/internal/engine"
	"github.com/maxiofs/shardkv/internal/logging"
	"github.com/maxiofs/shardkv/internal/metrics"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "shardkv",
		Short: "shardkv - Embedded Sharded Key-Value Store",
		Long: `shardkv stores values as immutable blobs on disk, spread over a fixed
set of shards. Every write goes through a per-shard write-ahead log and a
background compactor reclaims superseded versions.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Add configuration flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringP("data-dir", "d", "./data", "Data directory path")
	rootCmd.PersistentFlags().StringP("log-level", "", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringP("log-format", "", "json", "Log format (json, text)")
	rootCmd.PersistentFlags().IntP("shards", "s", 4, "Number of shards")
	rootCmd.PersistentFlags().StringP("metadata-backend", "", "sqlite", "Metadata backend (sqlite, badger, pebble)")
	rootCmd.PersistentFlags().StringP("metrics-file", "", "", "Write metrics in Prometheus text format to this file on exit")

	rootCmd.AddCommand(
		newPutCmd(),
		newGetCmd(),
		newRemoveCmd(),
		newListCmd(),
		newHistoryCmd(),
		newCompactCmd(),
		newStatsCmd(),
		newRunCmd(),
	)

	return rootCmd
}

func newPutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put KEY [VALUE]",
		Short: "Store a value",
		Long:  "Store a value under KEY. The value is taken from the argument, from --file, or from stdin.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := readValue(cmd, args)
			if err != nil {
				return err
			}
			return withEngine(cmd, false, func(ctx context.Context, e *engine.Engine) error {
				return e.Put(ctx, args[0], value)
			})
		},
	}
	cmd.Flags().StringP("file", "f", "", "Read the value from a file")
	return cmd
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY",
		Short: "Print the value of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, false, func(ctx context.Context, e *engine.Engine) error {
				value, err := e.Get(ctx, args[0])
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(value)
				return err
			})
		},
	}
}

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm KEY",
		Aliases: []string{"remove", "delete"},
		Short:   "Remove a key",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, false, func(ctx context.Context, e *engine.Engine) error {
				return e.Remove(ctx, args[0])
			})
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List every live key",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, false, func(ctx context.Context, e *engine.Engine) error {
				keys, err := e.ListKeys(ctx)
				if err != nil {
					return err
				}
				for _, k := range keys {
					fmt.Fprintln(cmd.OutOrStdout(), k)
				}
				return nil
			})
		},
	}
}

func newHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history KEY",
		Short: "Show every recorded version of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, false, func(ctx context.Context, e *engine.Engine) error {
				entries, err := e.History(ctx, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), entries)
			})
		},
	}
}

func newCompactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Run one compaction pass over every shard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, false, func(ctx context.Context, e *engine.Engine) error {
				results, err := e.Compact(ctx)
				if werr := writeJSON(cmd.OutOrStdout(), results); werr != nil {
					return werr
				}
				return err
			})
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per-shard statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, false, func(ctx context.Context, e *engine.Engine) error {
				stats, err := e.Stats(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Keep the store open and compact in the background until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, true, func(ctx context.Context, e *engine.Engine) error {
				logrus.WithField("shards", e.ShardCount()).Info("shardkv running")
				<-ctx.Done()
				logrus.Info("Received shutdown signal")
				return nil
			})
		},
	}
}

// withEngine loads configuration, opens the engine, runs fn and closes the
// engine again. Background compaction only runs for long-lived commands.
func withEngine(cmd *cobra.Command, background bool, fn func(ctx context.Context, e *engine.Engine) error) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := setupLogging(cfg)

	if !background {
		cfg.Compaction.Enable = false
	}

	var manager *metrics.Manager
	var recorder metrics.Recorder = metrics.Noop()
	if cfg.Metrics.Enable {
		manager = metrics.NewManager()
		recorder = manager
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := engine.Open(ctx, cfg, logger, recorder)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	runErr := fn(ctx, e)
	closeErr := e.Close()

	if path, _ := cmd.Flags().GetString("metrics-file"); path != "" && manager != nil {
		if err := manager.WriteTextfile(path); err != nil {
			logger.WithError(err).WithField("path", path).Warn("Failed to write metrics file")
		}
	}

	return errors.Join(runErr, closeErr)
}

func readValue(cmd *cobra.Command, args []string) ([]byte, error) {
	file, _ := cmd.Flags().GetString("file")
	switch {
	case len(args) == 2 && file != "":
		return nil, fmt.Errorf("value argument and --file are mutually exclusive")
	case len(args) == 2:
		return []byte(args[1]), nil
	case file == "-" || file == "":
		return io.ReadAll(cmd.InOrStdin())
	default:
		return os.ReadFile(file)
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setupLogging(cfg *config.Config) *logrus.Logger {
	logger := logrus.StandardLogger()
	logging.Configure(logger, logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	return logger
}
