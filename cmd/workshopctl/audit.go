/*
audit.go - Query the audit trail

PURPOSE:

	Prints audit entries from the configured store, newest first, with
	the same filters the server exposes on GET /api/audit. Default
	output is a table; --json emits the raw entries.

SEE ALSO:
  - invoicing/store.go: AuditFilter semantics
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

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit trail",
	Long: `Query the audit trail, newest entries first.

Filters combine with AND. Category is one of invoice, stock, payment
or error; action names match the trail itself (edit_completed,
payment_recorded, invoice_deleted, ...).`,
	Example: `  workshopctl audit --limit 20
  workshopctl audit --invoice INV-2001
  workshopctl audit --category payment --json`,
	Args: cobra.NoArgs,
	RunE: runAudit,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.Flags().String("invoice", "", "filter by invoice ID")
	auditCmd.Flags().String("category", "", "filter by category (invoice|stock|payment|error)")
	auditCmd.Flags().String("session", "", "filter by actor session ID")
	auditCmd.Flags().String("operation", "", "filter by operation ID")
	auditCmd.Flags().StringSlice("action", nil, "filter by action, repeatable")
	auditCmd.Flags().Int("limit", 50, "maximum entries to return")
	auditCmd.Flags().Bool("json", false, "emit JSON instead of a table")
}

func runAudit(cmd *cobra.Command, _ []string) error {
	log := logger.WithComponent("audit")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	backend, closer, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.StoreBackend, err)
	}
	defer closeStore(closer)

	filter := invoicing.AuditFilter{}
	filter.Limit, _ = cmd.Flags().GetInt("limit")
	if v, _ := cmd.Flags().GetString("invoice"); v != "" {
		id := invoicing.InvoiceID(v)
		filter.InvoiceID = &id
	}
	if v, _ := cmd.Flags().GetString("category"); v != "" {
		cat := invoicing.AuditCategory(v)
		filter.Category = &cat
	}
	if v, _ := cmd.Flags().GetString("session"); v != "" {
		filter.SessionID = &v
	}
	if v, _ := cmd.Flags().GetString("operation"); v != "" {
		filter.OperationID = &v
	}
	if actions, _ := cmd.Flags().GetStringSlice("action"); len(actions) > 0 {
		for _, a := range actions {
			filter.Actions = append(filter.Actions, invoicing.AuditAction(a))
		}
	}

	entries, err := backend.QueryAudit(cmd.Context(), filter)
	if err != nil {
		return fmt.Errorf("querying audit trail: %w", err)
	}
	log.Debug().Int("count", len(entries)).Msg("audit entries fetched")

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(entries)
	}

	if len(entries) == 0 {
		fmt.Println("No audit entries match.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tCATEGORY\tINVOICE\tDETAILS")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Format("2006-01-02 15:04:05"),
			e.Action, e.Category, e.InvoiceNumber, e.Details)
	}
	return w.Flush()
}
