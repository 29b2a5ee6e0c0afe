// Package cli implements the tiermem CLI commands.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rcliao/tiered-memory/internal/config"
	"github.com/rcliao/tiered-memory/internal/logging"
	"github.com/rcliao/tiered-memory/internal/store"
	"github.com/rcliao/tiered-memory/internal/telemetry"
)

var (
	cfgFile   string
	dbPath    string
	logLevel  string
	traceFlag bool

	v        = viper.New()
	cfg      *config.Config
	logger   = slog.Default()
	provider *telemetry.Provider
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "tiermem",
	Short: "Tiered conversational memory for AI agents",
	Long: "Stores conversation turns as base memories, folds them into snapshots and " +
		"meta-snapshots, and retrieves the memories relevant to a new query. SQLite-backed, single binary.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := setup(cmd); err != nil {
			exitErr("config", err)
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = provider.Shutdown(context.Background())
	},
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (yaml, json or toml)")
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Database path (default: $TIERMEM_STORAGE_PATH or ~/.tiermem/memory.db)")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	RootCmd.PersistentFlags().BoolVar(&traceFlag, "trace", false, "Print trace spans to stderr")

	_ = v.BindPFlag("storage.path", RootCmd.PersistentFlags().Lookup("db"))
	_ = v.BindPFlag("log.level", RootCmd.PersistentFlags().Lookup("log-level"))
}

func setup(cmd *cobra.Command) error {
	c, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}
	cfg = c

	logger = logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	provider, err = telemetry.Init(telemetry.Config{
		Enabled:     traceFlag,
		ServiceName: "tiermem",
		Writer:      cmd.ErrOrStderr(),
	})
	return err
}

func getDBPath() string {
	if cfg != nil {
		return cfg.Storage.Path
	}
	return dbPath
}

func openStore() (*store.SQLiteStore, error) {
	return store.NewSQLiteStore(getDBPath())
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		exitErr("encode output", err)
	}
	fmt.Println(string(b))
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
