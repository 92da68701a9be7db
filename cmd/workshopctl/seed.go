/*
seed.go - Load a demo scenario into the store

PURPOSE:

	Resets the configured store and loads one of the named demo
	scenarios, the same ones the server exposes under
	POST /api/scenarios/{name}/load. Useful for preparing a sqlite or
	bolt file before starting the server, or for resetting state
	between manual test runs.

SEE ALSO:
  - api/scenarios.go: Scenario definitions and seed logic
*/
package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gearlock/workshop-engine/api"
	"github.com/gearlock/workshop-engine/logger"
)

var seedCmd = &cobra.Command{
	Use:   "seed [scenario]",
	Short: "Reset the store and load a named demo scenario",
	Long: `Reset the store and load a named demo scenario.

Available scenarios: ` + strings.Join(api.ScenarioIDs(), ", ") + `

Defaults to workshop-day, a populated demo day with paid, partially
paid and open invoices plus quotations. All previous data in the
store is removed first.`,
	Example: `  workshopctl seed
  workshopctl seed quantity-increase
  STORE_BACKEND=sqlite SQLITE_PATH=./workshop.db workshopctl seed workshop-day`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("seed")

	name := "workshop-day"
	if len(args) == 1 {
		name = args[0]
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.StoreBackend == "memory" {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning: memory backend only lives for this process; the seeded data is gone when workshopctl exits")
	}

	backend, closer, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.StoreBackend, err)
	}
	defer closeStore(closer)

	handler := api.NewHandler(backend)
	if err := handler.SeedScenario(cmd.Context(), name); err != nil {
		return fmt.Errorf("seeding scenario %q: %w", name, err)
	}

	log.Debug().Str("scenario", name).Str("backend", cfg.StoreBackend).Msg("scenario seeded")
	fmt.Printf("Seeded scenario %q into the %s store.\n", name, cfg.StoreBackend)
	return nil
}
