/*
invoice.go - Print one invoice with its payment mirror and history

PURPOSE:

	Fetches a single invoice by ID and prints it as JSON together with
	its denormalized customer mirror and its audit history, so the
	whole state of one document can be inspected in one call.

SEE ALSO:
  - invoicing/types.go: Invoice and CustomerInvoice shapes
*/
package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gearlock/workshop-engine/invoicing"
	"github.com/gearlock/workshop-engine/logger"
)

var showInvoiceCmd = &cobra.Command{
	Use:   "show-invoice <id>",
	Short: "Print one invoice with its payment mirror and history",
	Long: `Print one invoice as JSON, together with the customer-facing payment
mirror and the audit entries recorded against it.`,
	Example: `  workshopctl show-invoice INV-2001
  workshopctl show-invoice INV-2001 --history-limit 10`,
	Args: cobra.ExactArgs(1),
	RunE: runShowInvoice,
}

func init() {
	rootCmd.AddCommand(showInvoiceCmd)
	showInvoiceCmd.Flags().Int("history-limit", 25, "maximum audit entries to include")
}

func runShowInvoice(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("show-invoice")
	id := invoicing.InvoiceID(args[0])

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	backend, closer, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.StoreBackend, err)
	}
	defer closeStore(closer)

	ctx := cmd.Context()
	inv, err := backend.GetInvoice(ctx, id)
	if err != nil {
		if invoicing.IsNotFound(err) {
			return fmt.Errorf("invoice %s not found", id)
		}
		return fmt.Errorf("loading invoice %s: %w", id, err)
	}

	// The mirror can legitimately be missing on stores seeded by hand.
	mirror, err := backend.GetCustomerInvoice(ctx, id)
	if err != nil && !invoicing.IsNotFound(err) {
		return fmt.Errorf("loading customer mirror for %s: %w", id, err)
	}

	limit, _ := cmd.Flags().GetInt("history-limit")
	history, err := backend.QueryAudit(ctx, invoicing.AuditFilter{InvoiceID: &id, Limit: limit})
	if err != nil {
		return fmt.Errorf("loading audit history for %s: %w", id, err)
	}
	log.Debug().Str("invoice", string(id)).Int("history", len(history)).Msg("invoice loaded")

	return printJSON(struct {
		Invoice *invoicing.Invoice
		Mirror  *invoicing.CustomerInvoice
		History []invoicing.AuditEntry
	}{inv, mirror, history})
}
