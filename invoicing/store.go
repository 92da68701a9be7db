/*
store.go - Document store contract for the invoice edit core

PURPOSE:
  Defines the interface between the edit core and the database. The
  store is a shared document database also written by out-of-scope
  collaborators (order ingestion, inventory intake); this interface
  models the slice of it the edit core needs.

REQUIRED CAPABILITIES:
  - Read a single document by (collection, id)
  - Query a collection by field equality with a fixed ordering
  - Atomic multi-document batch write (all succeed or none do)
  - Append-only audit collection

COLLECTIONS:
  invoices, parts, customer_invoices, audit_trail, quotations.
  Quotations are read-only to the engine: no batch operation and no
  engine code path writes one. PutQuotation/PutInvoice/PutPart exist for
  seeding and for the upstream collaborators the demo scenarios emulate.

VERSION NORMALIZATION:
  Documents persisted without a version (by legacy writers) read as
  version 1, and batch preconditions compare against that normalized
  value. Their first committed edit therefore writes version 2.

BATCH SEMANTICS:
  Commit applies every operation inside one backend transaction.
  A failed version precondition aborts with ConflictError; a failed
  stock precondition aborts with StaleStockError. Nothing is partially
  visible. Audit operations are append-only; no batch op can update or
  delete an existing audit row.

IMPLEMENTATIONS:
  - store/memory.go: In-memory with snapshot rollback (testing/dev)
  - store/sqlite:    database/sql + go-sqlite3 (production)
  - store/boltdb:    bolt buckets (embedded single-file production)

SEE ALSO:
  - batch.go: Batch builder and operation types
  - storetest/: Conformance suite all backends must pass
*/
package invoicing

import (
	"context"
	"time"
)

// =============================================================================
// STORE - The document database contract
// =============================================================================

type Store interface {
	// GetInvoice returns the invoice or ErrNotFound. The returned
	// document is the caller's to mutate (stores hand out copies).
	GetInvoice(ctx context.Context, id InvoiceID) (*Invoice, error)

	// PutInvoice writes an invoice unconditionally. Seeding and upstream
	// collaborators only; the engine mutates invoices through Commit.
	PutInvoice(ctx context.Context, inv *Invoice) error

	// ListInvoices returns invoices matching the filter, newest first.
	ListInvoices(ctx context.Context, filter InvoiceFilter) ([]Invoice, error)

	GetPart(ctx context.Context, id PartID) (*Part, error)
	PutPart(ctx context.Context, part *Part) error

	// ListParts returns every part ordered by id.
	ListParts(ctx context.Context) ([]Part, error)

	// GetPartsSnapshot resolves the given ids into a snapshot map.
	// Unknown ids are simply absent from the result; the validator
	// reports them.
	GetPartsSnapshot(ctx context.Context, ids []PartID) (map[PartID]Part, error)

	GetCustomerInvoice(ctx context.Context, id InvoiceID) (*CustomerInvoice, error)

	// ListCustomerInvoices returns the mirror documents for one customer
	// name, newest first. Empty name returns all.
	ListCustomerInvoices(ctx context.Context, customerName string) ([]CustomerInvoice, error)

	GetQuotation(ctx context.Context, id QuotationID) (*Quotation, error)
	PutQuotation(ctx context.Context, q *Quotation) error
	ListQuotations(ctx context.Context) ([]Quotation, error)

	// AppendAudit writes one audit entry outside a batch. Used for
	// best-effort records (edit started, errors); mutation-describing
	// entries travel inside the batch instead.
	AppendAudit(ctx context.Context, entry AuditEntry) error

	// QueryAudit returns entries matching the filter, newest first.
	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)

	// Commit applies the batch atomically. See the package notes above
	// for precondition semantics. An empty batch returns ErrEmptyBatch.
	Commit(ctx context.Context, batch *Batch) error

	// Reset drops all documents in every collection. Demo scenario
	// loading and tests only.
	Reset(ctx context.Context) error
}

// =============================================================================
// FILTERS
// =============================================================================

// InvoiceFilter narrows ListInvoices by field equality. Zero values mean
// "any".
type InvoiceFilter struct {
	CustomerName  string
	Number        string
	PaymentStatus PaymentStatus
	Limit         int
}

// AuditFilter narrows QueryAudit. Nil fields mean "any".
type AuditFilter struct {
	InvoiceID   *InvoiceID
	SessionID   *string
	OperationID *string
	Actions     []AuditAction
	Category    *AuditCategory
	From        *time.Time
	To          *time.Time
	Limit       int
}

// Match reports whether one entry passes the filter. Backends without a
// native query planner (memory, bolt) filter with this.
func (f AuditFilter) Match(e AuditEntry) bool {
	if f.InvoiceID != nil && e.InvoiceID != *f.InvoiceID {
		return false
	}
	if f.SessionID != nil && e.SessionID != *f.SessionID {
		return false
	}
	if f.OperationID != nil && e.OperationID != *f.OperationID {
		return false
	}
	if f.Category != nil && e.Category != *f.Category {
		return false
	}
	if len(f.Actions) > 0 {
		ok := false
		for _, a := range f.Actions {
			if e.Action == a {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Timestamp.After(*f.To) {
		return false
	}
	return true
}
