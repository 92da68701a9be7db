/*
lowstock.go - List parts at or below a stock threshold

PURPOSE:

	Scans the parts catalog and prints every part whose unit stock is
	at or below the threshold, lowest stock first within the listing
	order. Mirrors GET /api/parts/low-stock on the server.

SEE ALSO:
  - api/handlers.go: The HTTP counterpart
*/
package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gearlock/workshop-engine/invoicing"
	"github.com/gearlock/workshop-engine/logger"
)

var lowStockCmd = &cobra.Command{
	Use:   "low-stock",
	Short: "List parts at or below a stock threshold",
	Long: `List parts at or below a stock threshold.

The threshold defaults to LOW_STOCK_THRESHOLD from the environment.`,
	Example: `  workshopctl low-stock
  workshopctl low-stock --threshold 5 --json`,
	Args: cobra.NoArgs,
	RunE: runLowStock,
}

func init() {
	rootCmd.AddCommand(lowStockCmd)
	lowStockCmd.Flags().Int("threshold", -1, "stock level at or below which a part is reported (default from config)")
	lowStockCmd.Flags().Bool("json", false, "emit JSON instead of a table")
}

func runLowStock(cmd *cobra.Command, _ []string) error {
	log := logger.WithComponent("low-stock")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	backend, closer, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.StoreBackend, err)
	}
	defer closeStore(closer)

	threshold, _ := cmd.Flags().GetInt("threshold")
	if threshold < 0 {
		threshold = cfg.LowStockThreshold
	}

	parts, err := backend.ListParts(cmd.Context())
	if err != nil {
		return fmt.Errorf("listing parts: %w", err)
	}

	low := make([]invoicing.Part, 0, len(parts))
	for _, p := range parts {
		if p.UnitStock <= threshold {
			low = append(low, p)
		}
	}
	log.Debug().Int("threshold", threshold).Int("count", len(low)).Msg("low stock scan")

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(low)
	}

	if len(low) == 0 {
		fmt.Printf("No parts at or below stock %d.\n", threshold)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PART\tNAME\tCODE\tSTOCK\tUNIT PRICE")
	for _, p := range low {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			p.ID, p.Name, p.Code, p.UnitStock, p.UnitPrice.StringFixed(2))
	}
	return w.Flush()
}
