package main

import (
	"context"
	"fmt"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/mapharvest/internal/config"
	"github.com/sells-group/mapharvest/internal/store"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "mapharvest",
	Short: "Map-search business listing harvester",
	Long:  "Searches a map service, collects every listed business from the results pane, then visits each detail page for phone numbers. Survives CAPTCHA walls by rotating the exit IP.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

// openStore opens the configured run history store, or returns nil when
// history is disabled.
func openStore(ctx context.Context) (store.Store, error) {
	if !cfg.Store.Enabled() {
		return nil, nil
	}
	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL, &store.PoolConfig{
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
