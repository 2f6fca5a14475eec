// offsync-demo is a small journaling CLI exercising the sync engine: mood
// and journal entries persist locally in SQLite and sync to a remote API
// in the background. Journal entries are encrypted at rest and on the
// wire; crisis plans never auto-resolve conflicts.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/halcyonlabs/offsync"
	"github.com/halcyonlabs/offsync/crypto"
	"github.com/halcyonlabs/offsync/logging"
	"github.com/halcyonlabs/offsync/worker"
)

var (
	flagConfig     string
	flagDB         string
	flagServer     string
	flagPassphrase string
	flagVerbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "offsync-demo",
	Short: "Offline-first journaling demo",
	Long: `A demo client for the offsync engine.

Entries are written to a local SQLite database and queued for upload; the
sync command drains the queue when the server is reachable. Try it with
the server offline: every write still succeeds locally.`,
	SilenceUsage: true,
}

var addCmd = &cobra.Command{
	Use:   "add <type> <json>",
	Short: "Create an entry locally and queue it for sync",
	Long: `Create an entry of the given type from a JSON payload.

Types: mood_entry, journal_entry (encrypted), crisis_plan (conflicts
require manual resolution).`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := buildEngine()
		if err != nil {
			return err
		}
		defer engine.Stop()
		engine.Start(cmd.Context())

		repo, err := engine.Repository(args[0])
		if err != nil {
			return err
		}

		entity, err := repo.Create(cmd.Context(), []byte(args[1]))
		if err != nil {
			return err
		}

		fmt.Printf("created %s %s (queued for sync)\n", args[0], entity.ID)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list <type>",
	Short: "List local entries, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := buildEngine()
		if err != nil {
			return err
		}
		defer engine.Stop()
		engine.Start(cmd.Context())

		repo, err := engine.Repository(args[0])
		if err != nil {
			return err
		}

		entities, err := repo.GetAll(cmd.Context())
		if err != nil {
			return err
		}
		if len(entities) == 0 {
			fmt.Println("no entries")
			return nil
		}

		for _, e := range entities {
			state := "pending"
			if e.IsSynced {
				state = "synced"
			}
			fmt.Printf("%s  %s  [%s]  %s\n",
				e.ID, e.UpdatedAt.Local().Format(time.RFC3339), state, e.Data)
		}
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the queue now",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := buildEngine()
		if err != nil {
			return err
		}
		defer engine.Stop()
		engine.Start(cmd.Context())

		if err := engine.SyncNow(cmd.Context()); err != nil {
			if errors.Is(err, worker.ErrOffline) {
				return fmt.Errorf("offline; entries stay queued until the server is reachable")
			}
			return err
		}

		status := engine.Status()
		fmt.Printf("sync complete: %d pending, %d failed\n",
			status.PendingCount, status.FailedCount)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depth and last sync time",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := buildEngine()
		if err != nil {
			return err
		}
		defer engine.Stop()

		status := engine.Status()
		fmt.Printf("pending: %d\n", status.PendingCount)
		fmt.Printf("failed:  %d\n", status.FailedCount)
		if status.LastSyncAt.IsZero() {
			fmt.Println("last sync: never")
		} else {
			fmt.Printf("last sync: %s\n", status.LastSyncAt.Local().Format(time.RFC3339))
		}

		for _, item := range engine.FailedItems() {
			fmt.Printf("  failed %s %s %s: %s\n",
				item.Operation, item.EntityType, item.EntityID, item.LastError)
		}
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry [item-id]",
	Short: "Retry failed operations",
	Long:  "Retry a single failed operation by id, or all of them when no id is given.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := buildEngine()
		if err != nil {
			return err
		}
		defer engine.Stop()
		engine.Start(cmd.Context())

		if len(args) == 1 {
			if err := engine.Retry(cmd.Context(), args[0]); err != nil {
				return err
			}
		} else if err := engine.RetryAllFailed(cmd.Context()); err != nil {
			return err
		}

		if err := engine.SyncNow(cmd.Context()); err != nil && !errors.Is(err, worker.ErrOffline) {
			return err
		}

		status := engine.Status()
		fmt.Printf("%d pending, %d failed\n", status.PendingCount, status.FailedCount)
		return nil
	},
}

func buildEngine() (*offsync.Engine, error) {
	var cfg offsync.Config
	if flagConfig != "" {
		loaded, err := offsync.LoadConfig(flagConfig)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = offsync.DefaultConfig()
		cfg.EncryptedTypes = []string{"journal_entry"}
		cfg.ManualResolution = []string{"crisis_plan"}
	}

	if flagDB != "" {
		cfg.DatabasePath = flagDB
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "offsync-demo.db"
	}
	if flagServer != "" {
		cfg.BaseURL = flagServer
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}

	logger := logging.Discard()
	if flagVerbose {
		logger = logging.NewLogger(os.Stderr, logging.Config{Level: "debug", Format: "text"})
	}

	b := offsync.NewBuilder().
		WithConfig(cfg).
		WithLogger(logger).
		WithOnAuthError(func(err error) {
			fmt.Fprintf(os.Stderr, "authentication failed, run login again: %v\n", err)
		})

	if len(cfg.EncryptedTypes) > 0 {
		passphrase := flagPassphrase
		if passphrase == "" {
			passphrase = os.Getenv("OFFSYNC_PASSPHRASE")
		}
		if passphrase == "" {
			return nil, fmt.Errorf("encrypted types configured; set --passphrase or OFFSYNC_PASSPHRASE")
		}
		// Fixed salt keeps the demo key stable across runs. A real app
		// stores a per-install random salt next to the database.
		cipher, err := crypto.NewAEADCipherFromPassphrase(passphrase, []byte("offsync-demo-salt"))
		if err != nil {
			return nil, err
		}
		b.WithCipher(cipher)
	}

	return b.Build(context.Background())
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to YAML config")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "SQLite database path")
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "", "sync server base URL")
	rootCmd.PersistentFlags().StringVar(&flagPassphrase, "passphrase", "", "passphrase for encrypted entry types")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "log sync activity")

	rootCmd.AddCommand(addCmd, listCmd, syncCmd, statusCmd, retryCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
