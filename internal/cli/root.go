package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lazypower/tether/internal/config"
	"github.com/lazypower/tether/internal/logging"
	"github.com/lazypower/tether/internal/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "tether",
	Short:         "Connection intelligence for paired devices",
	Long:          "Tether keeps paired devices connected: it predicts link degradation, reconnects pre-emptively and gates capabilities on trust.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "tether.yaml", "Path to the YAML config file")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(trustCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(authorizeCmd)
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openDB opens the configured database, resolving the default path.
func openDB(cfg config.Config) (*store.DB, error) {
	dbPath := cfg.Database.Path
	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("resolve db path: %w", err)
		}
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// cliLogger logs warnings and errors only; command output goes to stdout.
func cliLogger(cfg config.Config) *zap.Logger {
	lc := cfg.Log
	lc.Level = "warn"
	lc.Format = "console"
	log, err := logging.New(lc)
	if err != nil {
		return zap.NewNop()
	}
	return log
}
