/*
audit.go - Append-only audit trail recording

PURPOSE:
  Builds the immutable records describing invoice lifecycle events and
  writes the ones that live outside batches. Entries describing a
  committed mutation (completion, deletion, per-line changes) are built
  here but travel INSIDE the mutator's batch, so the trail and the
  mutation commit together.

BEST-EFFORT PATHS:
  Edit-start and error entries describe attempts, not mutations, so they
  are appended standalone. A failure to append one is logged and
  swallowed; it must never mask the originating condition.

ENTRY SHAPE:
  Every entry carries the actor session id, the operation id, an action,
  a category and a pre-formatted details line for display, plus the
  applied stock changes where relevant.

SEE ALSO:
  - reconcile.go: BuildAuditEntries for per-line entries
  - mutator.go: Puts completion/deletion entries into batches
*/
package invoicing

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Recorder builds audit entries and writes the best-effort ones.
type Recorder struct {
	Store Store
	Log   zerolog.Logger
}

func NewRecorder(store Store, log zerolog.Logger) *Recorder {
	return &Recorder{Store: store, Log: log}
}

// =============================================================================
// ENTRY BUILDERS - Pure; emission is the caller's concern
// =============================================================================

// EditStartEntry records that an edit session opened on an invoice.
func (r *Recorder) EditStartEntry(inv *Invoice, sessionID, operationID string, at time.Time) AuditEntry {
	return AuditEntry{
		ID:            newAuditID(),
		Timestamp:     at,
		SessionID:     sessionID,
		OperationID:   operationID,
		Action:        ActionEditStarted,
		Category:      CategoryInvoice,
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.Number,
		Details:       fmt.Sprintf("edit started on %s (version %d)", inv.Number, inv.Version),
		Metadata: map[string]string{
			"version": fmt.Sprintf("%d", inv.Version),
		},
	}
}

// EditCompletionEntry summarizes one committed edit: what changed, by how
// much the total moved, and the stock movements applied alongside.
func (r *Recorder) EditCompletionEntry(original, updated *Invoice, d ItemDiff, changes []StockChange, sessionID, operationID string, at time.Time) AuditEntry {
	totalDelta := updated.TotalAmount.Sub(original.TotalAmount)
	return AuditEntry{
		ID:            newAuditID(),
		Timestamp:     at,
		SessionID:     sessionID,
		OperationID:   operationID,
		Action:        ActionEditCompleted,
		Category:      CategoryInvoice,
		InvoiceID:     updated.ID,
		InvoiceNumber: updated.Number,
		Details: fmt.Sprintf("edit completed: %d added, %d removed, %d modified; total %s -> %s",
			len(d.Added), len(d.Removed), len(d.Modified),
			original.TotalAmount.StringFixed(2), updated.TotalAmount.StringFixed(2)),
		StockChanges: changes,
		Metadata: map[string]string{
			"versionBefore": fmt.Sprintf("%d", original.Version),
			"versionAfter":  fmt.Sprintf("%d", updated.Version),
			"totalDelta":    totalDelta.StringFixed(2),
			"added":         fmt.Sprintf("%d", len(d.Added)),
			"removed":       fmt.Sprintf("%d", len(d.Removed)),
			"modified":      fmt.Sprintf("%d", len(d.Modified)),
		},
	}
}

// DeletionEntry records an invoice deletion with the stock restorations
// it caused. One entry per deletion, regardless of how many parts were
// restored.
func (r *Recorder) DeletionEntry(inv *Invoice, changes []StockChange, sessionID, operationID string, at time.Time) AuditEntry {
	restored := 0
	for _, c := range changes {
		restored += c.Delta
	}
	return AuditEntry{
		ID:            newAuditID(),
		Timestamp:     at,
		SessionID:     sessionID,
		OperationID:   operationID,
		Action:        ActionInvoiceDeleted,
		Category:      CategoryInvoice,
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.Number,
		Details: fmt.Sprintf("invoice %s deleted; %d unit(s) across %d part(s) restored to stock",
			inv.Number, restored, len(changes)),
		StockChanges: changes,
		Metadata: map[string]string{
			"version":     fmt.Sprintf("%d", inv.Version),
			"totalAmount": inv.TotalAmount.StringFixed(2),
		},
	}
}

// CreationEntry records a new invoice entering the store, with the stock
// allocations it caused. Conversion from a quotation uses the dedicated
// action and carries the source quotation number in its metadata.
func (r *Recorder) CreationEntry(action AuditAction, inv *Invoice, changes []StockChange, sessionID, operationID string, at time.Time, meta map[string]string) AuditEntry {
	if meta == nil {
		meta = map[string]string{}
	}
	meta["totalAmount"] = inv.TotalAmount.StringFixed(2)
	return AuditEntry{
		ID:            newAuditID(),
		Timestamp:     at,
		SessionID:     sessionID,
		OperationID:   operationID,
		Action:        action,
		Category:      CategoryInvoice,
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.Number,
		Details:       fmt.Sprintf("invoice %s created with %d line(s), total %s", inv.Number, len(inv.Items), inv.TotalAmount.StringFixed(2)),
		StockChanges:  changes,
		Metadata:      meta,
	}
}

// StockOperationEntry records a stock mutation described by op, for
// paths that are not a plain edit or deletion (creation, conversion).
func (r *Recorder) StockOperationEntry(op string, changes []StockChange, invoiceID InvoiceID, invoiceNumber, sessionID, operationID string, at time.Time) AuditEntry {
	return AuditEntry{
		ID:            newAuditID(),
		Timestamp:     at,
		SessionID:     sessionID,
		OperationID:   operationID,
		Action:        ActionStockOperation,
		Category:      CategoryStock,
		InvoiceID:     invoiceID,
		InvoiceNumber: invoiceNumber,
		Details:       fmt.Sprintf("%s: %d part(s) touched", op, len(changes)),
		StockChanges:  changes,
		Metadata:      map[string]string{"operation": op},
	}
}

// PaymentEntry records one payment against an invoice.
func (r *Recorder) PaymentEntry(inv *Invoice, p Payment, sessionID, operationID string, at time.Time) AuditEntry {
	return AuditEntry{
		ID:            newAuditID(),
		Timestamp:     at,
		SessionID:     sessionID,
		OperationID:   operationID,
		Action:        ActionPaymentRecorded,
		Category:      CategoryPayment,
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.Number,
		Details:       fmt.Sprintf("payment of %s via %s on %s", p.Amount.StringFixed(2), p.Method, inv.Number),
		Metadata: map[string]string{
			"paymentId": p.ID,
			"amount":    p.Amount.StringFixed(2),
			"method":    p.Method,
		},
	}
}

// ErrorEntry records a failed attempt: validation rejections, version
// conflicts, store failures.
func (r *Recorder) ErrorEntry(action AuditAction, cause string, invoiceID InvoiceID, invoiceNumber, sessionID, operationID string, at time.Time) AuditEntry {
	return AuditEntry{
		ID:            newAuditID(),
		Timestamp:     at,
		SessionID:     sessionID,
		OperationID:   operationID,
		Action:        ActionError,
		Category:      CategoryError,
		InvoiceID:     invoiceID,
		InvoiceNumber: invoiceNumber,
		Details:       fmt.Sprintf("%s failed: %s", action, cause),
		Metadata: map[string]string{
			"attemptedAction": string(action),
			"cause":           cause,
		},
	}
}

// =============================================================================
// BEST-EFFORT EMISSION
// =============================================================================

// RecordEditStart appends an edit-start entry. Failures are logged and
// swallowed; opening a session must not depend on the audit backend.
func (r *Recorder) RecordEditStart(ctx context.Context, entry AuditEntry) {
	if err := r.Store.AppendAudit(ctx, entry); err != nil {
		r.Log.Warn().Err(err).
			Str("invoice_id", string(entry.InvoiceID)).
			Str("session_id", entry.SessionID).
			Msg("audit: edit-start entry dropped")
	}
}

// RecordError appends an error entry. Failures are logged and swallowed
// so they never mask the error being recorded.
func (r *Recorder) RecordError(ctx context.Context, entry AuditEntry) {
	if err := r.Store.AppendAudit(ctx, entry); err != nil {
		r.Log.Warn().Err(err).
			Str("invoice_id", string(entry.InvoiceID)).
			Str("operation_id", entry.OperationID).
			Msg("audit: error entry dropped")
	}
}
