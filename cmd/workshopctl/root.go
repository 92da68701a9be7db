/*
root.go - Root command and shared wiring for workshopctl

PURPOSE:

	Declares the root cobra command, loads configuration from the
	environment and opens the configured store backend for the
	subcommands. Logging defaults to warn so command output stays
	parseable; --verbose restores the configured level.

CONFIGURATION:

	Reads the same environment variables as the server (see
	config.Load). STORE_BACKEND selects memory, sqlite or bolt; the
	memory backend only lives for the duration of a single process,
	so seeding it from the CLI is only useful for smoke checks.

USAGE:

	workshopctl seed workshop-day
	workshopctl audit --category payment
	workshopctl low-stock --threshold 5
	workshopctl show-invoice INV-2001

SEE ALSO:
  - seed.go, audit.go, lowstock.go, invoice.go: Subcommands
  - config/config.go: Environment configuration
*/
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/gearlock/workshop-engine/config"
	"github.com/gearlock/workshop-engine/invoicing"
	"github.com/gearlock/workshop-engine/invoicing/store"
	"github.com/gearlock/workshop-engine/invoicing/store/boltdb"
	"github.com/gearlock/workshop-engine/invoicing/store/sqlite"
	"github.com/gearlock/workshop-engine/logger"
)

var version = "1.0.0"

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "workshopctl",
	Short: "Maintenance CLI for the workshop invoicing engine",
	Long: `workshopctl operates directly on the workshop engine's store backend.

It shares configuration with the server process: set STORE_BACKEND,
SQLITE_PATH or BOLT_PATH to point it at the same data the server uses.

Commands:
  seed          Load a named demo scenario into the store
  audit         Query the audit trail
  low-stock     List parts at or below a stock threshold
  show-invoice  Print one invoice with its payment mirror and history`,
	Version: version,
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at the configured level instead of warn")
}

// loadConfig reads the environment and initialises logging. Logs are
// forced to warn unless --verbose is set, so stdout carries only the
// command's own output.
func loadConfig() (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: could not load .env file: %v\n", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logCfg := cfg.GetLoggerConfig()
	if !verbose {
		logCfg.Level = "warn"
	}
	if err := logger.Setup(logCfg); err != nil {
		return nil, fmt.Errorf("invalid log configuration: %w", err)
	}
	return cfg, nil
}

// openStore opens the backend named by the configuration. The returned
// closer is nil for the memory backend.
func openStore(cfg *config.Config) (invoicing.Store, io.Closer, error) {
	switch cfg.StoreBackend {
	case "sqlite":
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "bolt":
		s, err := boltdb.New(cfg.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return store.NewMemory(), nil, nil
	}
}

func closeStore(closer io.Closer) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing store: %v\n", err)
	}
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
