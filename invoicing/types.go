/*
Package invoicing provides the invoice edit core for the workshop engine.

PURPOSE:
  This package contains the domain types and algorithms for mutating a
  previously saved invoice while keeping parts inventory, concurrent
  editors, and the audit trail consistent. Every multi-document mutation
  goes through a single atomic batch: invoice, stock and audit writes
  commit together or not at all.

KEY CONCEPTS IN THIS FILE (types.go):
  - Invoice/LineItem: The document being edited, with a monotonic version
  - Part: Inventoried item whose unitStock the edit core reconciles
  - StockChange/StockUpdate: Signed per-part stock movements
  - AuditEntry: Immutable record of one lifecycle event
  - CustomerInvoice: Denormalized per-customer mirror, kept in the batch

DESIGN PRINCIPLES:
  1. Optimistic concurrency: every invoice carries a version; commits
     precondition on it and the first writer wins
  2. Precision: money uses decimal.Decimal, half-even rounded to cents
  3. Purity: reconciliation and validation never touch the store
  4. Auditability: every committed mutation ships its audit entries in
     the same batch

USAGE:
  d := invoicing.Diff(original.Items, modified.Items)
  impact := invoicing.NetStockImpact(d)
  updates := invoicing.GeneratePartUpdates(impact, currentParts)

SEE ALSO:
  - reconcile.go: Stock delta computation
  - validate.go: Business-rule checks before commit
  - conflict.go: Version conflict detection and resolution
  - mutator.go: The orchestrator committing batches
*/
package invoicing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type InvoiceID string
type PartID string
type QuotationID string

// =============================================================================
// MONEY - decimal helpers (single currency, two minor digits)
// =============================================================================

// priceEpsilon is the tolerance for unit price comparisons: differences
// within half a cent are treated as equal.
var priceEpsilon = decimal.NewFromFloat(0.005)

// minorUnit is the tolerance for invoice total checks: a computed total
// may differ from the stored one by at most one minor currency unit.
var minorUnit = decimal.NewFromFloat(0.01)

func NewMoney(value float64) decimal.Decimal {
	return decimal.NewFromFloat(value)
}

func MustParseMoney(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// RoundMoney rounds to two decimals using half-even (banker's) rounding.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(2)
}

// LineTotal computes quantity x unitPrice rounded to the minor unit.
func LineTotal(quantity int, unitPrice decimal.Decimal) decimal.Decimal {
	return RoundMoney(unitPrice.Mul(decimal.NewFromInt(int64(quantity))))
}

// PriceEqual reports whether two unit prices are equal within half a cent.
func PriceEqual(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(priceEpsilon)
}

// TotalWithinTolerance reports whether two totals differ by at most one
// minor currency unit.
func TotalWithinTolerance(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(minorUnit)
}

// =============================================================================
// INVOICE - The document under edit
// =============================================================================

// LineItem is one quantity-priced reference to a part inside an invoice.
type LineItem struct {
	PartID    PartID
	PartName  string
	Quantity  int
	UnitPrice decimal.Decimal
	LineTotal decimal.Decimal
}

// Customer is the embedded customer block on an invoice.
type Customer struct {
	Name    string
	Contact string
	Address string
}

// EditStamp records which operation last touched an invoice.
type EditStamp struct {
	OperationID string
	SessionID   string
	Timestamp   time.Time
}

type PaymentStatus string

const (
	PaymentUnpaid  PaymentStatus = "unpaid"
	PaymentPartial PaymentStatus = "partial"
	PaymentPaid    PaymentStatus = "paid"
)

// Invoice is the persisted record of a sale. Version starts at 1 and
// increases by exactly one on every committed mutation; documents stored
// without a version are read as version 1.
type Invoice struct {
	ID              InvoiceID
	Number          string
	Customer        Customer
	Items           []LineItem
	TotalAmount     decimal.Decimal
	Notes           string
	Version         int64
	EditCount       int64
	PaymentStatus   PaymentStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastEditedAt    *time.Time
	LastEditSession *EditStamp
}

// Clone returns a deep copy. Sessions and stores hand out clones so that
// staged edits never alias persisted state.
func (inv *Invoice) Clone() *Invoice {
	if inv == nil {
		return nil
	}
	out := *inv
	out.Items = append([]LineItem(nil), inv.Items...)
	if inv.LastEditedAt != nil {
		t := *inv.LastEditedAt
		out.LastEditedAt = &t
	}
	if inv.LastEditSession != nil {
		s := *inv.LastEditSession
		out.LastEditSession = &s
	}
	return &out
}

// RecalculateTotals rewrites each LineTotal as quantity x unitPrice and
// TotalAmount as the sum of the rounded line totals.
func (inv *Invoice) RecalculateTotals() {
	total := decimal.Zero
	for i := range inv.Items {
		inv.Items[i].LineTotal = LineTotal(inv.Items[i].Quantity, inv.Items[i].UnitPrice)
		total = total.Add(inv.Items[i].LineTotal)
	}
	inv.TotalAmount = RoundMoney(total)
}

// =============================================================================
// PART - Inventoried item
// =============================================================================

// StockStampReason names the mutation that caused a stock write.
type StockStampReason string

const (
	StampInvoiceEdit     StockStampReason = "invoice_edit"
	StampInvoiceDeletion StockStampReason = "invoice_deletion"
	StampInvoiceCreate   StockStampReason = "invoice_create"
	StampQuotationImport StockStampReason = "quotation_convert"
)

// StockStamp is persisted on a part as lastStockChange.
type StockStamp struct {
	Reason      StockStampReason
	InvoiceID   InvoiceID
	Delta       int
	Timestamp   time.Time
	OperationID string
}

type Part struct {
	ID              PartID
	Name            string
	Code            string
	UnitStock       int
	UnitPrice       decimal.Decimal
	UpdatedAt       time.Time
	LastStockChange *StockStamp
}

// =============================================================================
// STOCK MOVEMENTS
// =============================================================================

// StockUpdate is one computed inventory write: the part moves from Before
// to After = max(0, Before+Delta).
type StockUpdate struct {
	PartID   PartID
	PartName string
	Before   int
	After    int
	Delta    int
}

// ChangeReason is the direction of a stock movement.
type ChangeReason string

const (
	ReasonAllocate ChangeReason = "allocate" // stock consumed by the invoice
	ReasonRestore  ChangeReason = "restore"  // stock handed back to inventory
)

// StockChange is the audit-facing record of one applied StockUpdate.
type StockChange struct {
	PartID         PartID
	PartName       string
	QuantityBefore int
	QuantityAfter  int
	Delta          int
	Reason         ChangeReason
	OperationID    string
	Timestamp      time.Time
}

// =============================================================================
// AUDIT - Immutable lifecycle records
// =============================================================================

type AuditAction string

const (
	ActionEditStarted     AuditAction = "edit_started"
	ActionEditCompleted   AuditAction = "edit_completed"
	ActionLineAdded       AuditAction = "line_added"
	ActionLineRemoved     AuditAction = "line_removed"
	ActionLineModified    AuditAction = "line_modified"
	ActionInvoiceCreated  AuditAction = "invoice_created"
	ActionInvoiceDeleted  AuditAction = "invoice_deleted"
	ActionStockOperation  AuditAction = "stock_operation"
	ActionPaymentRecorded AuditAction = "payment_recorded"
	ActionQuotationConv   AuditAction = "quotation_converted"
	ActionError           AuditAction = "error"
)

type AuditCategory string

const (
	CategoryInvoice AuditCategory = "invoice"
	CategoryStock   AuditCategory = "stock"
	CategoryPayment AuditCategory = "payment"
	CategoryError   AuditCategory = "error"
)

// AuditEntry records one lifecycle event. Entries are append-only: no code
// path updates or deletes one.
type AuditEntry struct {
	ID            string
	Timestamp     time.Time
	SessionID     string
	OperationID   string
	Action        AuditAction
	Category      AuditCategory
	InvoiceID     InvoiceID
	InvoiceNumber string
	Details       string
	StockChanges  []StockChange
	Metadata      map[string]string
}

// =============================================================================
// CUSTOMER INVOICES - Denormalized mirror, maintained inside batches
// =============================================================================

// Payment is one recorded payment against an invoice.
type Payment struct {
	ID         string
	Amount     decimal.Decimal
	Method     string
	Reference  string
	ReceivedAt time.Time
}

// CustomerInvoice mirrors an invoice for per-customer views and carries
// its payments. It is written only inside the same batch that mutates the
// invoice it mirrors.
type CustomerInvoice struct {
	ID            InvoiceID
	Number        string
	CustomerName  string
	TotalAmount   decimal.Decimal
	PaidAmount    decimal.Decimal
	PaymentStatus PaymentStatus
	Payments      []Payment
	UpdatedAt     time.Time
}

// =============================================================================
// QUOTATION - Read-only input to conversion
// =============================================================================

// Quotation is read-only to this engine: conversion creates a new invoice
// and never writes the quotation document back.
type Quotation struct {
	ID          QuotationID
	Number      string
	Customer    Customer
	Items       []LineItem
	TotalAmount decimal.Decimal
	CreatedAt   time.Time
}
