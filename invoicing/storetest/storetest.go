/*
Package storetest is the conformance suite for Store implementations.

PURPOSE:
  Every backend (memory, sqlite, boltdb) must present identical
  semantics to the edit core: deep-copied reads, version normalization,
  atomic batches with version and stock preconditions, append-only
  audit. This package encodes those semantics once so each backend's
  _test.go is a one-line Run call.

USAGE:
  func TestConformance(t *testing.T) {
      storetest.Run(t, func(t *testing.T) invoicing.Store {
          return store.NewMemory()
      })
  }

SEE ALSO:
  - invoicing/store.go: The contract under test
*/
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gearlock/workshop-engine/invoicing"
)

// Factory returns a fresh, empty Store for one subtest. Register any
// teardown with t.Cleanup.
type Factory func(t *testing.T) invoicing.Store

// Run executes the full conformance suite against one backend.
func Run(t *testing.T, factory Factory) {
	t.Run("InvoiceRoundTrip", func(t *testing.T) { testInvoiceRoundTrip(t, factory(t)) })
	t.Run("VersionNormalization", func(t *testing.T) { testVersionNormalization(t, factory(t)) })
	t.Run("ListInvoices", func(t *testing.T) { testListInvoices(t, factory(t)) })
	t.Run("Parts", func(t *testing.T) { testParts(t, factory(t)) })
	t.Run("Quotations", func(t *testing.T) { testQuotations(t, factory(t)) })
	t.Run("AuditAppendQuery", func(t *testing.T) { testAuditAppendQuery(t, factory(t)) })
	t.Run("CommitAtomicity", func(t *testing.T) { testCommitAtomicity(t, factory(t)) })
	t.Run("CommitVersionPreconditions", func(t *testing.T) { testCommitVersionPreconditions(t, factory(t)) })
	t.Run("CommitStockPreconditions", func(t *testing.T) { testCommitStockPreconditions(t, factory(t)) })
	t.Run("CommitDeleteInvoice", func(t *testing.T) { testCommitDeleteInvoice(t, factory(t)) })
	t.Run("CommitMirrorAndAudit", func(t *testing.T) { testCommitMirrorAndAudit(t, factory(t)) })
	t.Run("EmptyBatch", func(t *testing.T) { testEmptyBatch(t, factory(t)) })
	t.Run("Reset", func(t *testing.T) { testReset(t, factory(t)) })
}

// =============================================================================
// FIXTURES - Fixed clock so orderings are deterministic
// =============================================================================

var baseTime = time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)

func fixtureInvoice(id string, version int64, at time.Time) *invoicing.Invoice {
	return &invoicing.Invoice{
		ID:     invoicing.InvoiceID(id),
		Number: id,
		Customer: invoicing.Customer{
			Name:    "Priya Raman",
			Contact: "+65 9000 1000",
			Address: "12 Jalan Besar",
		},
		Items: []invoicing.LineItem{
			{
				PartID:    "part_brake_pad",
				PartName:  "Brake Pad",
				Quantity:  2,
				UnitPrice: invoicing.NewMoney(5),
				LineTotal: invoicing.NewMoney(10),
			},
		},
		TotalAmount:   invoicing.NewMoney(10),
		Notes:         "front axle",
		Version:       version,
		PaymentStatus: invoicing.PaymentUnpaid,
		CreatedAt:     at,
		UpdatedAt:     at,
	}
}

func fixturePart(id, name string, stock int) *invoicing.Part {
	return &invoicing.Part{
		ID:        invoicing.PartID(id),
		Name:      name,
		Code:      "C-" + id,
		UnitStock: stock,
		UnitPrice: invoicing.NewMoney(5),
		UpdatedAt: baseTime,
	}
}

func fixtureEntry(id string, action invoicing.AuditAction, cat invoicing.AuditCategory, invID string, at time.Time) invoicing.AuditEntry {
	return invoicing.AuditEntry{
		ID:            id,
		Timestamp:     at,
		SessionID:     "session_1700000000000_abcdefghi",
		OperationID:   "op_1700000000000_abcdefghi",
		Action:        action,
		Category:      cat,
		InvoiceID:     invoicing.InvoiceID(invID),
		InvoiceNumber: invID,
		Details:       "fixture entry",
	}
}

// =============================================================================
// DOCUMENT SEMANTICS
// =============================================================================

func testInvoiceRoundTrip(t *testing.T, s invoicing.Store) {
	ctx := context.Background()

	// Missing id reads as ErrNotFound.
	_, err := s.GetInvoice(ctx, "INV-NOPE")
	require.Error(t, err)
	assert.True(t, invoicing.IsNotFound(err), "missing invoice should be not-found, got %v", err)

	in := fixtureInvoice("INV-1700000000001", 3, baseTime)
	stamp := invoicing.EditStamp{OperationID: "op_1_a", SessionID: "session_1_a", Timestamp: baseTime}
	in.LastEditSession = &stamp
	lastEdited := baseTime.Add(time.Minute)
	in.LastEditedAt = &lastEdited
	require.NoError(t, s.PutInvoice(ctx, in))

	got, err := s.GetInvoice(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, in.Number, got.Number)
	assert.Equal(t, in.Customer, got.Customer)
	assert.Equal(t, int64(3), got.Version)
	assert.Len(t, got.Items, 1)
	assert.True(t, got.TotalAmount.Equal(in.TotalAmount), "total %s != %s", got.TotalAmount, in.TotalAmount)
	assert.True(t, got.CreatedAt.Equal(in.CreatedAt))
	require.NotNil(t, got.LastEditSession)
	assert.Equal(t, "op_1_a", got.LastEditSession.OperationID)
	require.NotNil(t, got.LastEditedAt)
	assert.True(t, got.LastEditedAt.Equal(lastEdited))

	// The returned document is a copy: mutating it must not leak back.
	got.Items[0].Quantity = 99
	got.Notes = "scribbled"
	again, err := s.GetInvoice(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Items[0].Quantity)
	assert.Equal(t, "front axle", again.Notes)

	// PutInvoice is an unconditional overwrite.
	in.Notes = "rear axle"
	require.NoError(t, s.PutInvoice(ctx, in))
	again, err = s.GetInvoice(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, "rear axle", again.Notes)
}

func testVersionNormalization(t *testing.T, s invoicing.Store) {
	// GIVEN: A document persisted by a legacy writer with no version
	// WHEN: It is read back and then edited through a batch
	// THEN: It reads as version 1 and its first edit commits version 2

	ctx := context.Background()
	legacy := fixtureInvoice("INV-1700000000002", 0, baseTime)
	require.NoError(t, s.PutInvoice(ctx, legacy))

	got, err := s.GetInvoice(ctx, legacy.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version, "missing version must read as 1")

	next := got.Clone()
	next.Version = 2
	batch := invoicing.NewBatch().PutInvoice(*next, 1)
	require.NoError(t, s.Commit(ctx, batch))

	got, err = s.GetInvoice(ctx, legacy.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
}

func testListInvoices(t *testing.T, s invoicing.Store) {
	ctx := context.Background()

	a := fixtureInvoice("INV-1700000000010", 1, baseTime)
	b := fixtureInvoice("INV-1700000000011", 1, baseTime.Add(time.Hour))
	b.Customer.Name = "Marcus Webb"
	b.PaymentStatus = invoicing.PaymentPaid
	c := fixtureInvoice("INV-1700000000012", 1, baseTime.Add(2*time.Hour))
	for _, inv := range []*invoicing.Invoice{a, b, c} {
		require.NoError(t, s.PutInvoice(ctx, inv))
	}

	all, err := s.ListInvoices(ctx, invoicing.InvoiceFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, c.ID, all[0].ID, "newest first")
	assert.Equal(t, a.ID, all[2].ID)

	byCustomer, err := s.ListInvoices(ctx, invoicing.InvoiceFilter{CustomerName: "Marcus Webb"})
	require.NoError(t, err)
	require.Len(t, byCustomer, 1)
	assert.Equal(t, b.ID, byCustomer[0].ID)

	byStatus, err := s.ListInvoices(ctx, invoicing.InvoiceFilter{PaymentStatus: invoicing.PaymentPaid})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, b.ID, byStatus[0].ID)

	byNumber, err := s.ListInvoices(ctx, invoicing.InvoiceFilter{Number: string(a.ID)})
	require.NoError(t, err)
	require.Len(t, byNumber, 1)

	limited, err := s.ListInvoices(ctx, invoicing.InvoiceFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func testParts(t *testing.T, s invoicing.Store) {
	ctx := context.Background()

	_, err := s.GetPart(ctx, "part_missing")
	assert.True(t, invoicing.IsNotFound(err))

	require.NoError(t, s.PutPart(ctx, fixturePart("part_oil_filter", "Oil Filter", 4)))
	require.NoError(t, s.PutPart(ctx, fixturePart("part_brake_pad", "Brake Pad", 10)))

	got, err := s.GetPart(ctx, "part_brake_pad")
	require.NoError(t, err)
	assert.Equal(t, "Brake Pad", got.Name)
	assert.Equal(t, 10, got.UnitStock)
	assert.True(t, got.UnitPrice.Equal(invoicing.NewMoney(5)))

	list, err := s.ListParts(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, invoicing.PartID("part_brake_pad"), list[0].ID, "ordered by id")
	assert.Equal(t, invoicing.PartID("part_oil_filter"), list[1].ID)

	snap, err := s.GetPartsSnapshot(ctx, []invoicing.PartID{"part_brake_pad", "part_ghost"})
	require.NoError(t, err)
	require.Len(t, snap, 1, "unknown ids are absent, not errors")
	assert.Equal(t, 10, snap["part_brake_pad"].UnitStock)
}

func testQuotations(t *testing.T, s invoicing.Store) {
	ctx := context.Background()

	_, err := s.GetQuotation(ctx, "QUO-NOPE")
	assert.True(t, invoicing.IsNotFound(err))

	q := &invoicing.Quotation{
		ID:     "QUO-1700000000001",
		Number: "QUO-1700000000001",
		Customer: invoicing.Customer{
			Name: "Priya Raman",
		},
		Items: []invoicing.LineItem{
			{PartID: "part_brake_pad", PartName: "Brake Pad", Quantity: 1, UnitPrice: invoicing.NewMoney(5), LineTotal: invoicing.NewMoney(5)},
		},
		TotalAmount: invoicing.NewMoney(5),
		CreatedAt:   baseTime,
	}
	require.NoError(t, s.PutQuotation(ctx, q))

	got, err := s.GetQuotation(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, q.Number, got.Number)
	require.Len(t, got.Items, 1)
	assert.True(t, got.TotalAmount.Equal(q.TotalAmount))

	list, err := s.ListQuotations(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

// =============================================================================
// AUDIT SEMANTICS
// =============================================================================

func testAuditAppendQuery(t *testing.T, s invoicing.Store) {
	ctx := context.Background()

	e1 := fixtureEntry("audit-1", invoicing.ActionEditStarted, invoicing.CategoryInvoice, "INV-1", baseTime)
	e2 := fixtureEntry("audit-2", invoicing.ActionLineAdded, invoicing.CategoryStock, "INV-1", baseTime.Add(time.Minute))
	e2.StockChanges = []invoicing.StockChange{
		{PartID: "part_brake_pad", PartName: "Brake Pad", QuantityBefore: 10, QuantityAfter: 7, Delta: -3, Reason: invoicing.ReasonAllocate, Timestamp: e2.Timestamp},
	}
	e3 := fixtureEntry("audit-3", invoicing.ActionError, invoicing.CategoryError, "INV-2", baseTime.Add(2*time.Minute))
	for _, e := range []invoicing.AuditEntry{e1, e2, e3} {
		require.NoError(t, s.AppendAudit(ctx, e))
	}

	all, err := s.QueryAudit(ctx, invoicing.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "audit-3", all[0].ID, "newest first")
	assert.Equal(t, "audit-1", all[2].ID)

	invID := invoicing.InvoiceID("INV-1")
	byInvoice, err := s.QueryAudit(ctx, invoicing.AuditFilter{InvoiceID: &invID})
	require.NoError(t, err)
	require.Len(t, byInvoice, 2)

	byAction, err := s.QueryAudit(ctx, invoicing.AuditFilter{Actions: []invoicing.AuditAction{invoicing.ActionLineAdded}})
	require.NoError(t, err)
	require.Len(t, byAction, 1)
	require.Len(t, byAction[0].StockChanges, 1)
	assert.Equal(t, -3, byAction[0].StockChanges[0].Delta)
	assert.Equal(t, invoicing.ReasonAllocate, byAction[0].StockChanges[0].Reason)

	cat := invoicing.CategoryError
	byCat, err := s.QueryAudit(ctx, invoicing.AuditFilter{Category: &cat})
	require.NoError(t, err)
	require.Len(t, byCat, 1)
	assert.Equal(t, "audit-3", byCat[0].ID)

	from := baseTime.Add(30 * time.Second)
	to := baseTime.Add(90 * time.Second)
	windowed, err := s.QueryAudit(ctx, invoicing.AuditFilter{From: &from, To: &to})
	require.NoError(t, err)
	require.Len(t, windowed, 1)
	assert.Equal(t, "audit-2", windowed[0].ID)

	limited, err := s.QueryAudit(ctx, invoicing.AuditFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

// =============================================================================
// BATCH SEMANTICS
// =============================================================================

func testCommitAtomicity(t *testing.T, s invoicing.Store) {
	// GIVEN: A batch whose stock write would succeed but whose invoice
	//        precondition fails
	// WHEN: Commit runs
	// THEN: Nothing is visible afterwards, including the audit entry

	ctx := context.Background()
	require.NoError(t, s.PutPart(ctx, fixturePart("part_brake_pad", "Brake Pad", 10)))
	inv := fixtureInvoice("INV-1700000000020", 1, baseTime)
	require.NoError(t, s.PutInvoice(ctx, inv))

	next := inv.Clone()
	next.Version = 2
	stamp := invoicing.StockStamp{Reason: invoicing.StampInvoiceEdit, InvoiceID: inv.ID, Delta: -3, Timestamp: baseTime, OperationID: "op_x"}
	batch := invoicing.NewBatch().
		UpdatePartStock(invoicing.StockUpdate{PartID: "part_brake_pad", PartName: "Brake Pad", Before: 10, After: 7, Delta: -3}, stamp, 10).
		PutInvoice(*next, 99). // wrong expected version
		AppendAudit(fixtureEntry("audit-rollback", invoicing.ActionEditCompleted, invoicing.CategoryInvoice, string(inv.ID), baseTime))

	err := s.Commit(ctx, batch)
	require.Error(t, err)
	assert.ErrorIs(t, err, invoicing.ErrVersionConflict)

	part, err := s.GetPart(ctx, "part_brake_pad")
	require.NoError(t, err)
	assert.Equal(t, 10, part.UnitStock, "stock write must be rolled back")

	got, err := s.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)

	entries, err := s.QueryAudit(ctx, invoicing.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries, "audit entry must be rolled back with the batch")
}

func testCommitVersionPreconditions(t *testing.T, s invoicing.Store) {
	ctx := context.Background()
	inv := fixtureInvoice("INV-1700000000030", 1, baseTime)

	// ExpectVersion 0 means "must not exist yet".
	require.NoError(t, s.Commit(ctx, invoicing.NewBatch().PutInvoice(*inv, 0)))

	err := s.Commit(ctx, invoicing.NewBatch().PutInvoice(*inv, 0))
	require.Error(t, err)
	var conflict *invoicing.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(0), conflict.ExpectedVersion)
	assert.Equal(t, int64(1), conflict.ActualVersion)

	// Update with a stale expectation fails and reports both versions.
	next := inv.Clone()
	next.Version = 5
	err = s.Commit(ctx, invoicing.NewBatch().PutInvoice(*next, 4))
	require.ErrorAs(t, err, &conflict)
	assert.True(t, invoicing.IsRetryable(err))
	assert.Equal(t, int64(4), conflict.ExpectedVersion)
	assert.Equal(t, int64(1), conflict.ActualVersion)

	// Matching expectation commits.
	next.Version = 2
	require.NoError(t, s.Commit(ctx, invoicing.NewBatch().PutInvoice(*next, 1)))
	got, err := s.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
}

func testCommitStockPreconditions(t *testing.T, s invoicing.Store) {
	ctx := context.Background()
	require.NoError(t, s.PutPart(ctx, fixturePart("part_oil_filter", "Oil Filter", 10)))

	stampAt := baseTime.Add(time.Hour)
	stamp := invoicing.StockStamp{
		Reason:      invoicing.StampInvoiceEdit,
		InvoiceID:   "INV-1",
		Delta:       -3,
		Timestamp:   stampAt,
		OperationID: "op_stamp",
	}

	// Stale expectation aborts with StaleStockError.
	err := s.Commit(ctx, invoicing.NewBatch().
		UpdatePartStock(invoicing.StockUpdate{PartID: "part_oil_filter", Before: 8, After: 5, Delta: -3}, stamp, 8))
	require.Error(t, err)
	assert.ErrorIs(t, err, invoicing.ErrStaleStock)
	var stale *invoicing.StaleStockError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, 8, stale.ExpectedStock)
	assert.Equal(t, 10, stale.ActualStock)

	// Matching expectation writes stock and the change stamp.
	require.NoError(t, s.Commit(ctx, invoicing.NewBatch().
		UpdatePartStock(invoicing.StockUpdate{PartID: "part_oil_filter", Before: 10, After: 7, Delta: -3}, stamp, 10)))

	part, err := s.GetPart(ctx, "part_oil_filter")
	require.NoError(t, err)
	assert.Equal(t, 7, part.UnitStock)
	assert.True(t, part.UpdatedAt.Equal(stampAt))
	require.NotNil(t, part.LastStockChange)
	assert.Equal(t, invoicing.StampInvoiceEdit, part.LastStockChange.Reason)
	assert.Equal(t, -3, part.LastStockChange.Delta)
	assert.Equal(t, "op_stamp", part.LastStockChange.OperationID)

	// ExpectStock -1 skips the check.
	require.NoError(t, s.Commit(ctx, invoicing.NewBatch().
		UpdatePartStock(invoicing.StockUpdate{PartID: "part_oil_filter", Before: 7, After: 9, Delta: 2}, stamp, -1)))
	part, err = s.GetPart(ctx, "part_oil_filter")
	require.NoError(t, err)
	assert.Equal(t, 9, part.UnitStock)
}

func testCommitDeleteInvoice(t *testing.T, s invoicing.Store) {
	ctx := context.Background()
	inv := fixtureInvoice("INV-1700000000040", 2, baseTime)
	require.NoError(t, s.PutInvoice(ctx, inv))

	// Wrong expected version refuses the delete.
	err := s.Commit(ctx, invoicing.NewBatch().DeleteInvoice(inv.ID, 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, invoicing.ErrVersionConflict)

	// Matching version deletes.
	require.NoError(t, s.Commit(ctx, invoicing.NewBatch().DeleteInvoice(inv.ID, 2)))
	_, err = s.GetInvoice(ctx, inv.ID)
	assert.True(t, invoicing.IsNotFound(err))

	// Deleting a missing invoice is an error (the batch expected it).
	err = s.Commit(ctx, invoicing.NewBatch().DeleteInvoice("INV-GONE", 1))
	require.Error(t, err)
	assert.True(t, invoicing.IsNotFound(err))
}

func testCommitMirrorAndAudit(t *testing.T, s invoicing.Store) {
	ctx := context.Background()

	doc := invoicing.CustomerInvoice{
		ID:            "INV-1700000000050",
		Number:        "INV-1700000000050",
		CustomerName:  "Priya Raman",
		TotalAmount:   invoicing.NewMoney(25),
		PaidAmount:    invoicing.NewMoney(10),
		PaymentStatus: invoicing.PaymentPartial,
		Payments: []invoicing.Payment{
			{ID: "pay-1", Amount: invoicing.NewMoney(10), Method: "cash", ReceivedAt: baseTime},
		},
		UpdatedAt: baseTime,
	}
	batch := invoicing.NewBatch().
		PutCustomerInvoice(doc).
		AppendAudit(fixtureEntry("audit-mirror", invoicing.ActionEditCompleted, invoicing.CategoryInvoice, string(doc.ID), baseTime))
	require.NoError(t, s.Commit(ctx, batch))

	got, err := s.GetCustomerInvoice(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "Priya Raman", got.CustomerName)
	assert.Equal(t, invoicing.PaymentPartial, got.PaymentStatus)
	require.Len(t, got.Payments, 1)
	assert.True(t, got.Payments[0].Amount.Equal(invoicing.NewMoney(10)))

	mine, err := s.ListCustomerInvoices(ctx, "Priya Raman")
	require.NoError(t, err)
	assert.Len(t, mine, 1)
	everyone, err := s.ListCustomerInvoices(ctx, "")
	require.NoError(t, err)
	assert.Len(t, everyone, 1)
	nobody, err := s.ListCustomerInvoices(ctx, "Marcus Webb")
	require.NoError(t, err)
	assert.Empty(t, nobody)

	entries, err := s.QueryAudit(ctx, invoicing.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "audit-mirror", entries[0].ID)

	// Deleting a missing mirror is not an error.
	require.NoError(t, s.Commit(ctx, invoicing.NewBatch().DeleteCustomerInvoice("INV-NO-MIRROR")))

	// Deleting an existing one removes it.
	require.NoError(t, s.Commit(ctx, invoicing.NewBatch().DeleteCustomerInvoice(doc.ID)))
	_, err = s.GetCustomerInvoice(ctx, doc.ID)
	assert.True(t, invoicing.IsNotFound(err))
}

func testEmptyBatch(t *testing.T, s invoicing.Store) {
	err := s.Commit(context.Background(), invoicing.NewBatch())
	require.Error(t, err)
	assert.ErrorIs(t, err, invoicing.ErrEmptyBatch)
}

func testReset(t *testing.T, s invoicing.Store) {
	ctx := context.Background()
	require.NoError(t, s.PutInvoice(ctx, fixtureInvoice("INV-1700000000060", 1, baseTime)))
	require.NoError(t, s.PutPart(ctx, fixturePart("part_brake_pad", "Brake Pad", 10)))
	require.NoError(t, s.AppendAudit(ctx, fixtureEntry("audit-reset", invoicing.ActionEditStarted, invoicing.CategoryInvoice, "INV-1700000000060", baseTime)))

	require.NoError(t, s.Reset(ctx))

	invs, err := s.ListInvoices(ctx, invoicing.InvoiceFilter{})
	require.NoError(t, err)
	assert.Empty(t, invs)
	parts, err := s.ListParts(ctx)
	require.NoError(t, err)
	assert.Empty(t, parts)
	entries, err := s.QueryAudit(ctx, invoicing.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}
