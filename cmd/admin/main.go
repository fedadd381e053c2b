// Command admin inspects and maintains the matching store.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"senvo/backend/internal/config"
	"senvo/backend/internal/logging"
	"senvo/backend/internal/matching"
	"senvo/backend/internal/storage"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	opts  config.Options
	store storage.Store
	cfg   *config.Config

	closeStore = func() error { return nil }
)

var rootCmd = &cobra.Command{
	Use:   "admin",
	Short: "Inspect and maintain the senvo matching store",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(opts)
		if err != nil {
			return err
		}
		if cfg.Feed == config.FeedMemory {
			return errors.New("admin needs a shared store; set FEED_BACKEND to redis or postgres")
		}
		logger := logging.Init(cfg.LogLevel)
		store, closeStore, err = storage.Open(cmd.Context(), cfg, logger)
		return err
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeStore()
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List waiting and matched queue entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := store.ListQueueEntries(cmd.Context())
		if err != nil {
			return err
		}
		renderQueue(cmd.OutOrStdout(), entries)
		return nil
	},
}

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Remove stale queue entries and expired signals and messages now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reaper := matching.NewReaper(store, matching.ReaperOptions{
			StaleAfter:        cfg.Match.StaleAfter,
			MatchedStaleAfter: cfg.Match.MatchedStaleAfter,
			DataRetention:     cfg.Match.DataRetention,
		}, logging.Discard())
		res, err := reaper.RunOnce(cmd.Context())
		if err != nil {
			return err
		}
		renderReap(cmd.OutOrStdout(), res)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <room-id>",
	Short: "Print the chat history of a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := uuid.Parse(args[0]); err != nil {
			return fmt.Errorf("invalid room id: %w", err)
		}
		messages, err := store.ListChatMessages(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		renderHistory(cmd.OutOrStdout(), messages)
		return nil
	},
}

var kickCmd = &cobra.Command{
	Use:   "kick <entry-id>",
	Short: "Delete a queue entry; a matched partner is told the peer left",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := store.GetQueueEntry(cmd.Context(), args[0]); err != nil {
			return err
		}
		if err := store.DeleteQueueEntry(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Entry %s removed.\n", args[0])
		return nil
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&opts.EnvFile, "env-file", "", "dotenv file to load (default .env)")
	f.StringVar(&opts.DatabaseURL, "database-url", "", "Postgres DSN")
	f.StringVar(&opts.RedisAddr, "redis-addr", "", "Redis address")
	f.StringVar(&opts.Feed, "feed", "", "change feed backend: redis or postgres")
	f.StringVar(&opts.LogLevel, "log-level", "warn", "debug, info, warn or error")

	rootCmd.AddCommand(queueCmd, reapCmd, historyCmd, kickCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rootCmd.SilenceUsage = true
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
