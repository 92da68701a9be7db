// Package store provides Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gearlock/workshop-engine/invoicing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory holds every collection in maps and simulates batch atomicity
// with a snapshot taken before the first write and restored on failure.
// All handed-out documents are deep copies.
type Memory struct {
	mu         sync.RWMutex
	invoices   map[invoicing.InvoiceID]invoicing.Invoice
	parts      map[invoicing.PartID]invoicing.Part
	mirrors    map[invoicing.InvoiceID]invoicing.CustomerInvoice
	quotations map[invoicing.QuotationID]invoicing.Quotation
	audit      []invoicing.AuditEntry
}

func NewMemory() *Memory {
	m := &Memory{}
	m.reset()
	return m
}

func (m *Memory) reset() {
	m.invoices = make(map[invoicing.InvoiceID]invoicing.Invoice)
	m.parts = make(map[invoicing.PartID]invoicing.Part)
	m.mirrors = make(map[invoicing.InvoiceID]invoicing.CustomerInvoice)
	m.quotations = make(map[invoicing.QuotationID]invoicing.Quotation)
	m.audit = nil
}

// =============================================================================
// INVOICES
// =============================================================================

func (m *Memory) GetInvoice(_ context.Context, id invoicing.InvoiceID) (*invoicing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.invoices[id]
	if !ok {
		return nil, fmt.Errorf("invoice %s: %w", id, invoicing.ErrNotFound)
	}
	out := inv.Clone()
	normalizeVersion(out)
	return out, nil
}

func (m *Memory) PutInvoice(_ context.Context, inv *invoicing.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invoices[inv.ID] = *inv.Clone()
	return nil
}

func (m *Memory) ListInvoices(_ context.Context, filter invoicing.InvoiceFilter) ([]invoicing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []invoicing.Invoice
	for _, inv := range m.invoices {
		if filter.CustomerName != "" && inv.Customer.Name != filter.CustomerName {
			continue
		}
		if filter.Number != "" && inv.Number != filter.Number {
			continue
		}
		if filter.PaymentStatus != "" && inv.PaymentStatus != filter.PaymentStatus {
			continue
		}
		c := inv.Clone()
		normalizeVersion(c)
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// =============================================================================
// PARTS
// =============================================================================

func (m *Memory) GetPart(_ context.Context, id invoicing.PartID) (*invoicing.Part, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.parts[id]
	if !ok {
		return nil, fmt.Errorf("part %s: %w", id, invoicing.ErrNotFound)
	}
	out := copyPart(p)
	return &out, nil
}

func (m *Memory) PutPart(_ context.Context, part *invoicing.Part) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parts[part.ID] = copyPart(*part)
	return nil
}

func (m *Memory) ListParts(_ context.Context) ([]invoicing.Part, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]invoicing.Part, 0, len(m.parts))
	for _, p := range m.parts {
		out = append(out, copyPart(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetPartsSnapshot(_ context.Context, ids []invoicing.PartID) (map[invoicing.PartID]invoicing.Part, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[invoicing.PartID]invoicing.Part, len(ids))
	for _, id := range ids {
		if p, ok := m.parts[id]; ok {
			out[id] = copyPart(p)
		}
	}
	return out, nil
}

// =============================================================================
// CUSTOMER INVOICES
// =============================================================================

func (m *Memory) GetCustomerInvoice(_ context.Context, id invoicing.InvoiceID) (*invoicing.CustomerInvoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ci, ok := m.mirrors[id]
	if !ok {
		return nil, fmt.Errorf("customer invoice %s: %w", id, invoicing.ErrNotFound)
	}
	out := copyMirror(ci)
	return &out, nil
}

func (m *Memory) ListCustomerInvoices(_ context.Context, customerName string) ([]invoicing.CustomerInvoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []invoicing.CustomerInvoice
	for _, ci := range m.mirrors {
		if customerName != "" && ci.CustomerName != customerName {
			continue
		}
		out = append(out, copyMirror(ci))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// =============================================================================
// QUOTATIONS
// =============================================================================

func (m *Memory) GetQuotation(_ context.Context, id invoicing.QuotationID) (*invoicing.Quotation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.quotations[id]
	if !ok {
		return nil, fmt.Errorf("quotation %s: %w", id, invoicing.ErrNotFound)
	}
	out := copyQuotation(q)
	return &out, nil
}

func (m *Memory) PutQuotation(_ context.Context, q *invoicing.Quotation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotations[q.ID] = copyQuotation(*q)
	return nil
}

func (m *Memory) ListQuotations(_ context.Context) ([]invoicing.Quotation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]invoicing.Quotation, 0, len(m.quotations))
	for _, q := range m.quotations {
		out = append(out, copyQuotation(q))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// =============================================================================
// AUDIT - Append-only
// =============================================================================

func (m *Memory) AppendAudit(_ context.Context, entry invoicing.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, copyAudit(entry))
	return nil
}

func (m *Memory) QueryAudit(_ context.Context, filter invoicing.AuditFilter) ([]invoicing.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []invoicing.AuditEntry
	// Entries are appended in commit order; walking backwards yields
	// newest first without a sort.
	for i := len(m.audit) - 1; i >= 0; i-- {
		if !filter.Match(m.audit[i]) {
			continue
		}
		out = append(out, copyAudit(m.audit[i]))
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// =============================================================================
// BATCH COMMIT - Snapshot, apply, restore on failure
// =============================================================================

func (m *Memory) Commit(_ context.Context, batch *invoicing.Batch) error {
	if batch == nil || batch.Empty() {
		return invoicing.ErrEmptyBatch
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	for _, op := range batch.Ops() {
		if err := m.applyLocked(op); err != nil {
			m.restore(snap)
			return err
		}
	}
	return nil
}

func (m *Memory) applyLocked(op invoicing.Op) error {
	switch o := op.(type) {
	case invoicing.OpPutInvoice:
		cur, exists := m.invoices[o.Invoice.ID]
		if o.ExpectVersion == 0 {
			if exists {
				return &invoicing.ConflictError{
					InvoiceID:       o.Invoice.ID,
					ExpectedVersion: 0,
					ActualVersion:   storedVersion(cur),
				}
			}
		} else {
			if !exists {
				return fmt.Errorf("invoice %s vanished: %w", o.Invoice.ID, invoicing.ErrNotFound)
			}
			if storedVersion(cur) != o.ExpectVersion {
				return &invoicing.ConflictError{
					InvoiceID:       o.Invoice.ID,
					ExpectedVersion: o.ExpectVersion,
					ActualVersion:   storedVersion(cur),
				}
			}
		}
		m.invoices[o.Invoice.ID] = *o.Invoice.Clone()
		return nil

	case invoicing.OpDeleteInvoice:
		cur, exists := m.invoices[o.ID]
		if !exists {
			return fmt.Errorf("invoice %s vanished: %w", o.ID, invoicing.ErrNotFound)
		}
		if o.ExpectVersion > 0 && storedVersion(cur) != o.ExpectVersion {
			return &invoicing.ConflictError{
				InvoiceID:       o.ID,
				ExpectedVersion: o.ExpectVersion,
				ActualVersion:   storedVersion(cur),
			}
		}
		delete(m.invoices, o.ID)
		return nil

	case invoicing.OpUpdatePartStock:
		p, exists := m.parts[o.PartID]
		if !exists {
			return fmt.Errorf("part %s vanished: %w", o.PartID, invoicing.ErrNotFound)
		}
		if o.ExpectStock >= 0 && p.UnitStock != o.ExpectStock {
			return &invoicing.StaleStockError{
				PartID:        o.PartID,
				ExpectedStock: o.ExpectStock,
				ActualStock:   p.UnitStock,
			}
		}
		p.UnitStock = o.NewStock
		p.UpdatedAt = o.Stamp.Timestamp
		stamp := o.Stamp
		p.LastStockChange = &stamp
		m.parts[o.PartID] = p
		return nil

	case invoicing.OpPutCustomerInvoice:
		m.mirrors[o.Doc.ID] = copyMirror(o.Doc)
		return nil

	case invoicing.OpDeleteCustomerInvoice:
		delete(m.mirrors, o.ID)
		return nil

	case invoicing.OpAppendAudit:
		m.audit = append(m.audit, copyAudit(o.Entry))
		return nil

	default:
		return fmt.Errorf("unknown batch op %T: %w", op, invoicing.ErrInvariantViolated)
	}
}

func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
	return nil
}

// =============================================================================
// SNAPSHOT / RESTORE
// =============================================================================

type memorySnapshot struct {
	invoices   map[invoicing.InvoiceID]invoicing.Invoice
	parts      map[invoicing.PartID]invoicing.Part
	mirrors    map[invoicing.InvoiceID]invoicing.CustomerInvoice
	quotations map[invoicing.QuotationID]invoicing.Quotation
	auditLen   int
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		invoices:   make(map[invoicing.InvoiceID]invoicing.Invoice, len(m.invoices)),
		parts:      make(map[invoicing.PartID]invoicing.Part, len(m.parts)),
		mirrors:    make(map[invoicing.InvoiceID]invoicing.CustomerInvoice, len(m.mirrors)),
		quotations: make(map[invoicing.QuotationID]invoicing.Quotation, len(m.quotations)),
		auditLen:   len(m.audit),
	}
	for k, v := range m.invoices {
		s.invoices[k] = *v.Clone()
	}
	for k, v := range m.parts {
		s.parts[k] = copyPart(v)
	}
	for k, v := range m.mirrors {
		s.mirrors[k] = copyMirror(v)
	}
	for k, v := range m.quotations {
		s.quotations[k] = copyQuotation(v)
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.invoices = s.invoices
	m.parts = s.parts
	m.mirrors = s.mirrors
	m.quotations = s.quotations
	// Audit is append-only, so truncation is enough.
	m.audit = m.audit[:s.auditLen]
}

// =============================================================================
// COPY HELPERS
// =============================================================================

// storedVersion applies the legacy-document rule: no version reads as 1.
func storedVersion(inv invoicing.Invoice) int64 {
	if inv.Version < 1 {
		return 1
	}
	return inv.Version
}

func normalizeVersion(inv *invoicing.Invoice) {
	if inv.Version < 1 {
		inv.Version = 1
	}
}

func copyPart(p invoicing.Part) invoicing.Part {
	if p.LastStockChange != nil {
		s := *p.LastStockChange
		p.LastStockChange = &s
	}
	return p
}

func copyMirror(ci invoicing.CustomerInvoice) invoicing.CustomerInvoice {
	ci.Payments = append([]invoicing.Payment(nil), ci.Payments...)
	return ci
}

func copyQuotation(q invoicing.Quotation) invoicing.Quotation {
	q.Items = append([]invoicing.LineItem(nil), q.Items...)
	return q
}

func copyAudit(e invoicing.AuditEntry) invoicing.AuditEntry {
	e.StockChanges = append([]invoicing.StockChange(nil), e.StockChanges...)
	if e.Metadata != nil {
		md := make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			md[k] = v
		}
		e.Metadata = md
	}
	return e
}
