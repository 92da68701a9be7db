/*
dataset.go - Import and export JSON datasets

PURPOSE:

	Moves whole datasets between JSON files and the configured store:
	import provisions a store from a file, export writes the store's
	parts, invoices, payments and quotations back out. The two commands
	round-trip, so export also works as a coarse backup.

SEE ALSO:
  - factory/dataset.go: Schema, validation and conversion
*/
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gearlock/workshop-engine/factory"
	"github.com/gearlock/workshop-engine/logger"
)

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Load a JSON dataset file into the store",
	Long: `Load a JSON dataset file into the store.

The file is validated before anything is written: bad cross-references,
duplicate numbers or overpayments reject the whole file. By default the
store is reset first; --merge overlays the dataset on the existing data
instead.`,
	Example: `  workshopctl import winter-stock.json
  workshopctl import extra-parts.json --merge`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

var exportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Write the store contents out as a JSON dataset",
	Long: `Write the store's parts, invoices, payments and quotations out as a
JSON dataset, to the given file or to stdout.`,
	Example: `  workshopctl export backup.json
  workshopctl export > backup.json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(exportCmd)
	importCmd.Flags().Bool("merge", false, "overlay the dataset instead of resetting the store first")
	exportCmd.Flags().String("name", "", "dataset name in the output (default export-<date>)")
}

func runImport(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("import")

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading dataset file: %w", err)
	}
	ds, err := factory.NewDatasetFactory().ParseDataset(data)
	if err != nil {
		return fmt.Errorf("invalid dataset %s: %w", args[0], err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	backend, closer, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.StoreBackend, err)
	}
	defer closeStore(closer)

	merge, _ := cmd.Flags().GetBool("merge")
	if err := (factory.Loader{Store: backend}).Load(cmd.Context(), ds, !merge); err != nil {
		return fmt.Errorf("loading dataset: %w", err)
	}

	log.Debug().Str("file", args[0]).Bool("merge", merge).Msg("dataset imported")
	fmt.Printf("Imported %d parts, %d invoices and %d quotations into the %s store.\n",
		len(ds.Parts), len(ds.Invoices), len(ds.Quotations), cfg.StoreBackend)
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("export")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	backend, closer, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.StoreBackend, err)
	}
	defer closeStore(closer)

	name, _ := cmd.Flags().GetString("name")
	if name == "" {
		name = "export-" + time.Now().UTC().Format("2006-01-02")
	}

	ds, err := factory.CollectDataset(cmd.Context(), backend, name)
	if err != nil {
		return fmt.Errorf("collecting dataset: %w", err)
	}
	out, err := json.MarshalIndent(factory.NewDatasetFactory().ToJSON(ds), "", "  ")
	if err != nil {
		return fmt.Errorf("encoding dataset: %w", err)
	}
	out = append(out, '\n')

	if len(args) == 1 {
		if err := os.WriteFile(args[0], out, 0o644); err != nil {
			return fmt.Errorf("writing dataset file: %w", err)
		}
		fmt.Printf("Exported %d parts, %d invoices and %d quotations to %s.\n",
			len(ds.Parts), len(ds.Invoices), len(ds.Quotations), args[0])
	} else {
		if _, err := os.Stdout.Write(out); err != nil {
			return err
		}
	}

	log.Debug().Int("parts", len(ds.Parts)).Int("invoices", len(ds.Invoices)).Msg("dataset exported")
	return nil
}
