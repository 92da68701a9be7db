/*
mutator.go - The atomic mutator orchestrating invoice commits

PURPOSE:
  The only production code path that mutates invoices, parts and the
  customer mirror. Coordinates reconciliation, validation and conflict
  detection, then commits every write of one mutation as a single
  all-or-nothing batch.

FIXED ORDER (per edit):
  1. Conflict check against the live store. On conflict: no writes, the
     result carries the report, one best-effort error audit entry.
  2. Diff -> net impact -> validation. On rejection: no writes, the
     result carries every error, one best-effort error audit entry.
  3. Build the batch: updated invoice (version+1, editCount+1), one
     stock write per affected part, the customer mirror, per-line audit
     entries plus the completion entry.
  4. Commit. A precondition lost between (1) and (4) fails the batch and
     is surfaced as a conflict; nothing is partially visible.

FAILURE SEMANTICS:
  Validation failures and conflicts come back as structured results, not
  errors, so the caller can render them. Store failures are returned as
  errors tagged for retry decisions. Conflicts are never retried here;
  the caller decides.

SEE ALSO:
  - session.go: The caller-side edit session protocol over this
  - batch.go: The batch builder and precondition semantics
*/
package invoicing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// =============================================================================
// MUTATOR
// =============================================================================

// Mutator commits invoice mutations atomically. Construct with NewMutator;
// the dependency fields are exported for tests to swap.
type Mutator struct {
	Store     Store
	Validator *Validator
	Recorder  *Recorder
	Detector  *Detector
	Log       zerolog.Logger

	// Now is the clock; tests pin it for deterministic stamps.
	Now func() time.Time
}

func NewMutator(store Store, log zerolog.Logger) *Mutator {
	return &Mutator{
		Store:     store,
		Validator: NewValidator(),
		Recorder:  NewRecorder(store, log),
		Detector:  NewDetector(store),
		Log:       log.With().Str("component", "mutator").Logger(),
		Now:       time.Now,
	}
}

// =============================================================================
// REQUESTS AND RESULTS
// =============================================================================

// EditRequest carries the session's original snapshot, the staged
// modification and the caller-provided parts snapshot. The mutator never
// reads parts from the store during an edit; it trusts the snapshot it is
// given at commit time.
type EditRequest struct {
	Original     *Invoice
	Modified     *Invoice
	CurrentParts map[PartID]Part
	SessionID    string
}

// EditResult is the structured outcome of an edit, create or convert
// call. Exactly one of the failure fields is populated when OK is false.
type EditResult struct {
	OK           bool
	Invoice      *Invoice
	StockChanges []StockChange
	OperationID  string
	Validation   *ValidationResult
	Conflict     *ConflictReport
}

type DeleteRequest struct {
	Invoice      *Invoice
	CurrentParts map[PartID]Part
	SessionID    string
}

// DeleteResult reports the restorations applied. Warnings name parts that
// were absent from the snapshot and therefore not restored.
type DeleteResult struct {
	OK           bool
	StockChanges []StockChange
	OperationID  string
	Warnings     []string
}

type CreateRequest struct {
	Invoice      *Invoice
	CurrentParts map[PartID]Part
	SessionID    string
}

type ConvertRequest struct {
	QuotationID  QuotationID
	CurrentParts map[PartID]Part
	SessionID    string
}

type PaymentRequest struct {
	InvoiceID InvoiceID
	Amount    decimal.Decimal
	Method    string
	Reference string
	SessionID string
}

type PaymentResult struct {
	OK          bool
	Invoice     *Invoice
	Payment     Payment
	OperationID string
}

// =============================================================================
// EDIT
// =============================================================================

// EditInvoice runs the fixed edit path and commits the batch. See the
// file header for the order and failure semantics.
func (m *Mutator) EditInvoice(ctx context.Context, req EditRequest) (*EditResult, error) {
	if req.Original == nil || req.Modified == nil {
		return nil, fmt.Errorf("edit request requires original and modified documents: %w", ErrInvariantViolated)
	}
	now := m.Now()
	opID := NewOperationID()
	log := m.Log.With().
		Str("invoice_id", string(req.Original.ID)).
		Str("operation_id", opID).
		Logger()

	if req.Original.PaymentStatus == PaymentPaid {
		m.Recorder.RecordError(ctx, m.Recorder.ErrorEntry(
			ActionEditCompleted, "invoice is paid", req.Original.ID, req.Original.Number, req.SessionID, opID, now))
		return nil, fmt.Errorf("invoice %s: %w", req.Original.ID, ErrImmutableInvoice)
	}

	// 1. Conflict check.
	report, err := m.Detector.CheckBeforeSave(ctx, req.Original)
	if err != nil {
		m.Recorder.RecordError(ctx, m.Recorder.ErrorEntry(
			ActionEditCompleted, err.Error(), req.Original.ID, req.Original.Number, req.SessionID, opID, now))
		return nil, err
	}
	if report.HasConflicts {
		log.Info().
			Int64("expected_version", report.ExpectedVersion).
			Int64("remote_version", report.RemoteVersion).
			Int("fields", len(report.Conflicts)).
			Msg("edit rejected: version conflict")
		m.Recorder.RecordError(ctx, m.Recorder.ErrorEntry(
			ActionEditCompleted,
			fmt.Sprintf("version conflict: expected %d, store has %d", report.ExpectedVersion, report.RemoteVersion),
			req.Original.ID, req.Original.Number, req.SessionID, opID, now))
		return &EditResult{OK: false, Conflict: report, OperationID: opID}, nil
	}

	// 2. Reconcile and validate.
	d := Diff(req.Original.Items, req.Modified.Items)
	impact := NetStockImpact(d)
	vr := m.Validator.Validate(req.Modified, req.Original, req.CurrentParts, impact)
	if !vr.Valid {
		log.Info().Str("result", vr.Summary()).Msg("edit rejected: validation failed")
		m.Recorder.RecordError(ctx, m.Recorder.ErrorEntry(
			ActionEditCompleted, vr.Summary(), req.Original.ID, req.Original.Number, req.SessionID, opID, now))
		return &EditResult{OK: false, Validation: &vr, OperationID: opID}, nil
	}

	// 3. Build the batch.
	updates := GeneratePartUpdates(impact, req.CurrentParts)
	changes := ApplyStockChanges(updates, opID, now)
	updated := buildUpdated(req.Original, req.Modified, req.SessionID, opID, now)

	mirror, err := m.mirrorFor(ctx, updated, now)
	if err != nil {
		return nil, err
	}
	updated.PaymentStatus = mirror.PaymentStatus

	batch := NewBatch().PutInvoice(*updated, req.Original.Version)
	for _, u := range updates {
		batch.UpdatePartStock(u, StockStamp{
			Reason:      StampInvoiceEdit,
			InvoiceID:   updated.ID,
			Delta:       u.Delta,
			Timestamp:   now,
			OperationID: opID,
		}, u.Before)
	}
	batch.PutCustomerInvoice(mirror)
	for _, e := range BuildAuditEntries(d, updated.ID, updated.Number, req.SessionID, opID, now) {
		batch.AppendAudit(e)
	}
	batch.AppendAudit(m.Recorder.EditCompletionEntry(req.Original, updated, d, changes, req.SessionID, opID, now))

	// 4. Commit.
	if err := m.Store.Commit(ctx, batch); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			// Lost the race between the check and the commit; report it
			// the same way as a pre-commit conflict.
			late, lerr := m.Detector.CheckBeforeSave(ctx, req.Original)
			if lerr == nil && late.HasConflicts {
				m.Recorder.RecordError(ctx, m.Recorder.ErrorEntry(
					ActionEditCompleted,
					fmt.Sprintf("version conflict at commit: expected %d, store has %d", late.ExpectedVersion, late.RemoteVersion),
					req.Original.ID, req.Original.Number, req.SessionID, opID, now))
				return &EditResult{OK: false, Conflict: late, OperationID: opID}, nil
			}
		}
		m.Recorder.RecordError(ctx, m.Recorder.ErrorEntry(
			ActionEditCompleted, err.Error(), req.Original.ID, req.Original.Number, req.SessionID, opID, now))
		return nil, fmt.Errorf("commit edit on invoice %s: %w", req.Original.ID, err)
	}

	log.Info().
		Int64("version", updated.Version).
		Int("stock_writes", len(updates)).
		Str("total", updated.TotalAmount.StringFixed(2)).
		Msg("edit committed")
	return &EditResult{
		OK:           true,
		Invoice:      updated,
		StockChanges: changes,
		OperationID:  opID,
		Validation:   &vr,
	}, nil
}

// buildUpdated assembles the document the batch writes: the staged
// modification plus the bookkeeping fields the edit path owns. Identity
// and creation fields always come from the original.
func buildUpdated(original, modified *Invoice, sessionID, operationID string, now time.Time) *Invoice {
	out := modified.Clone()
	out.ID = original.ID
	out.Number = original.Number
	out.CreatedAt = original.CreatedAt
	out.PaymentStatus = original.PaymentStatus
	out.Version = original.Version + 1
	out.EditCount = original.EditCount + 1
	out.UpdatedAt = now
	out.LastEditedAt = &now
	out.LastEditSession = &EditStamp{OperationID: operationID, SessionID: sessionID, Timestamp: now}
	for i := range out.Items {
		out.Items[i].LineTotal = LineTotal(out.Items[i].Quantity, out.Items[i].UnitPrice)
	}
	out.TotalAmount = RoundMoney(out.TotalAmount)
	return out
}

// mirrorFor refreshes the customer mirror for an invoice, preserving any
// recorded payments and re-deriving the payment status against the new
// total.
func (m *Mutator) mirrorFor(ctx context.Context, inv *Invoice, now time.Time) (CustomerInvoice, error) {
	existing, err := m.Store.GetCustomerInvoice(ctx, inv.ID)
	if err != nil && !IsNotFound(err) {
		return CustomerInvoice{}, fmt.Errorf("load customer mirror for %s: %w", inv.ID, err)
	}
	mirror := CustomerInvoice{
		ID:           inv.ID,
		Number:       inv.Number,
		CustomerName: inv.Customer.Name,
		TotalAmount:  inv.TotalAmount,
		UpdatedAt:    now,
	}
	if existing != nil {
		mirror.PaidAmount = existing.PaidAmount
		mirror.Payments = existing.Payments
	}
	mirror.PaymentStatus = derivePaymentStatus(mirror.PaidAmount, inv.TotalAmount)
	return mirror, nil
}

func derivePaymentStatus(paid, total decimal.Decimal) PaymentStatus {
	switch {
	case paid.LessThanOrEqual(decimal.Zero):
		return PaymentUnpaid
	case paid.GreaterThanOrEqual(total):
		return PaymentPaid
	default:
		return PaymentPartial
	}
}

// =============================================================================
// DELETE
// =============================================================================

// DeleteInvoice removes an invoice and hands every consumed unit back to
// inventory in the same batch. Parts absent from the snapshot are skipped
// and reported as warnings. Paid invoices are immutable.
func (m *Mutator) DeleteInvoice(ctx context.Context, req DeleteRequest) (*DeleteResult, error) {
	if req.Invoice == nil {
		return nil, fmt.Errorf("delete request requires the invoice: %w", ErrInvariantViolated)
	}
	inv := req.Invoice
	now := m.Now()
	opID := NewOperationID()

	if inv.PaymentStatus == PaymentPaid {
		m.Recorder.RecordError(ctx, m.Recorder.ErrorEntry(
			ActionInvoiceDeleted, "invoice is paid", inv.ID, inv.Number, req.SessionID, opID, now))
		return nil, fmt.Errorf("invoice %s: %w", inv.ID, ErrImmutableInvoice)
	}

	impact := RestoreAll(inv)
	updates := GeneratePartUpdates(impact, req.CurrentParts)
	changes := ApplyStockChanges(updates, opID, now)

	var warnings []string
	missing := make([]PartID, 0)
	for id := range impact {
		if _, ok := req.CurrentParts[id]; !ok {
			missing = append(missing, id)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	for _, id := range missing {
		warnings = append(warnings, fmt.Sprintf("part %s missing from snapshot; its stock was not restored", id))
	}

	batch := NewBatch().
		DeleteInvoice(inv.ID, inv.Version).
		DeleteCustomerInvoice(inv.ID)
	for _, u := range updates {
		batch.UpdatePartStock(u, StockStamp{
			Reason:      StampInvoiceDeletion,
			InvoiceID:   inv.ID,
			Delta:       u.Delta,
			Timestamp:   now,
			OperationID: opID,
		}, u.Before)
	}
	batch.AppendAudit(m.Recorder.DeletionEntry(inv, changes, req.SessionID, opID, now))

	if err := m.Store.Commit(ctx, batch); err != nil {
		m.Recorder.RecordError(ctx, m.Recorder.ErrorEntry(
			ActionInvoiceDeleted, err.Error(), inv.ID, inv.Number, req.SessionID, opID, now))
		return nil, fmt.Errorf("commit delete of invoice %s: %w", inv.ID, err)
	}

	m.Log.Info().
		Str("invoice_id", string(inv.ID)).
		Str("operation_id", opID).
		Int("parts_restored", len(updates)).
		Int("parts_missing", len(missing)).
		Msg("invoice deleted")
	return &DeleteResult{OK: true, StockChanges: changes, OperationID: opID, Warnings: warnings}, nil
}

// =============================================================================
// CREATE AND CONVERT
// =============================================================================

// CreateInvoice validates and commits a new invoice, allocating stock for
// every line in the same batch. Used by the demo upstream paths and by
// quotation conversion.
func (m *Mutator) CreateInvoice(ctx context.Context, req CreateRequest) (*EditResult, error) {
	if req.Invoice == nil {
		return nil, fmt.Errorf("create request requires the invoice: %w", ErrInvariantViolated)
	}
	return m.create(ctx, req.Invoice, req.CurrentParts, req.SessionID, ActionInvoiceCreated, StampInvoiceCreate, nil)
}

// ConvertQuotation turns a quotation into a fresh invoice. The quotation
// document itself is never written; the collection is read-only to this
// engine.
func (m *Mutator) ConvertQuotation(ctx context.Context, req ConvertRequest) (*EditResult, error) {
	q, err := m.Store.GetQuotation(ctx, req.QuotationID)
	if err != nil {
		return nil, fmt.Errorf("load quotation %s: %w", req.QuotationID, err)
	}

	parts := req.CurrentParts
	if parts == nil {
		ids := make([]PartID, 0, len(q.Items))
		for _, it := range q.Items {
			ids = append(ids, it.PartID)
		}
		parts, err = m.Store.GetPartsSnapshot(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("snapshot parts for quotation %s: %w", req.QuotationID, err)
		}
	}

	number := NewInvoiceNumber()
	inv := &Invoice{
		ID:       InvoiceID(number),
		Number:   number,
		Customer: q.Customer,
		Items:    append([]LineItem(nil), q.Items...),
		Notes:    fmt.Sprintf("converted from quotation %s", q.Number),
	}
	return m.create(ctx, inv, parts, req.SessionID, ActionQuotationConv, StampQuotationImport,
		map[string]string{"quotationId": string(q.ID), "quotationNumber": q.Number})
}

func (m *Mutator) create(ctx context.Context, doc *Invoice, parts map[PartID]Part, sessionID string, action AuditAction, stamp StockStampReason, meta map[string]string) (*EditResult, error) {
	now := m.Now()
	opID := NewOperationID()

	inv := doc.Clone()
	if inv.Number == "" {
		inv.Number = NewInvoiceNumber()
	}
	if inv.ID == "" {
		inv.ID = InvoiceID(inv.Number)
	}
	if inv.PaymentStatus == "" {
		inv.PaymentStatus = PaymentUnpaid
	}
	inv.Version = 1
	inv.EditCount = 0
	inv.CreatedAt = now
	inv.UpdatedAt = now
	inv.RecalculateTotals()

	d := Diff(nil, inv.Items)
	impact := NetStockImpact(d)
	vr := m.Validator.Validate(inv, &Invoice{}, parts, impact)
	if !vr.Valid {
		m.Recorder.RecordError(ctx, m.Recorder.ErrorEntry(
			action, vr.Summary(), inv.ID, inv.Number, sessionID, opID, now))
		return &EditResult{OK: false, Validation: &vr, OperationID: opID}, nil
	}

	updates := GeneratePartUpdates(impact, parts)
	changes := ApplyStockChanges(updates, opID, now)

	batch := NewBatch().PutInvoice(*inv, 0)
	for _, u := range updates {
		batch.UpdatePartStock(u, StockStamp{
			Reason:      stamp,
			InvoiceID:   inv.ID,
			Delta:       u.Delta,
			Timestamp:   now,
			OperationID: opID,
		}, u.Before)
	}
	batch.PutCustomerInvoice(CustomerInvoice{
		ID:            inv.ID,
		Number:        inv.Number,
		CustomerName:  inv.Customer.Name,
		TotalAmount:   inv.TotalAmount,
		PaymentStatus: PaymentUnpaid,
		UpdatedAt:     now,
	})
	batch.AppendAudit(m.Recorder.CreationEntry(action, inv, changes, sessionID, opID, now, meta))

	if err := m.Store.Commit(ctx, batch); err != nil {
		m.Recorder.RecordError(ctx, m.Recorder.ErrorEntry(
			action, err.Error(), inv.ID, inv.Number, sessionID, opID, now))
		return nil, fmt.Errorf("commit create of invoice %s: %w", inv.ID, err)
	}

	m.Log.Info().
		Str("invoice_id", string(inv.ID)).
		Str("operation_id", opID).
		Int("lines", len(inv.Items)).
		Msg("invoice created")
	return &EditResult{OK: true, Invoice: inv, StockChanges: changes, OperationID: opID, Validation: &vr}, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

// RecordPayment writes the payment document and the invoice status flip
// in one batch. A fully paid invoice becomes immutable to edit and
// delete.
func (m *Mutator) RecordPayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	now := m.Now()
	opID := NewOperationID()

	inv, err := m.Store.GetInvoice(ctx, req.InvoiceID)
	if err != nil {
		return nil, fmt.Errorf("load invoice %s: %w", req.InvoiceID, err)
	}
	if inv.PaymentStatus == PaymentPaid {
		return nil, fmt.Errorf("invoice %s is already paid: %w", inv.ID, ErrImmutableInvoice)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("payment amount must be positive, got %s: %w",
			req.Amount.StringFixed(2), ErrValidationFailed)
	}

	mirror, err := m.mirrorFor(ctx, inv, now)
	if err != nil {
		return nil, err
	}
	payment := Payment{
		ID:         NewPaymentID(),
		Amount:     RoundMoney(req.Amount),
		Method:     req.Method,
		Reference:  req.Reference,
		ReceivedAt: now,
	}
	paid := mirror.PaidAmount.Add(payment.Amount)
	if paid.GreaterThan(inv.TotalAmount) {
		return nil, fmt.Errorf("payment of %s exceeds outstanding %s on invoice %s: %w",
			payment.Amount.StringFixed(2), inv.TotalAmount.Sub(mirror.PaidAmount).StringFixed(2),
			inv.ID, ErrValidationFailed)
	}

	mirror.PaidAmount = paid
	mirror.Payments = append(mirror.Payments, payment)
	mirror.PaymentStatus = derivePaymentStatus(paid, inv.TotalAmount)
	mirror.UpdatedAt = now

	updated := inv.Clone()
	updated.Version = inv.Version + 1
	updated.UpdatedAt = now
	updated.PaymentStatus = mirror.PaymentStatus

	batch := NewBatch().
		PutInvoice(*updated, inv.Version).
		PutCustomerInvoice(mirror).
		AppendAudit(m.Recorder.PaymentEntry(updated, payment, req.SessionID, opID, now))

	if err := m.Store.Commit(ctx, batch); err != nil {
		m.Recorder.RecordError(ctx, m.Recorder.ErrorEntry(
			ActionPaymentRecorded, err.Error(), inv.ID, inv.Number, req.SessionID, opID, now))
		return nil, fmt.Errorf("commit payment on invoice %s: %w", inv.ID, err)
	}

	m.Log.Info().
		Str("invoice_id", string(inv.ID)).
		Str("operation_id", opID).
		Str("amount", payment.Amount.StringFixed(2)).
		Str("status", string(mirror.PaymentStatus)).
		Msg("payment recorded")
	return &PaymentResult{OK: true, Invoice: updated, Payment: payment, OperationID: opID}, nil
}
