/*
batch.go - Atomic multi-document batch builder

PURPOSE:
  A Batch collects the writes one mutation needs (invoice, stock rows,
  mirror document, audit entries) so a backend can apply them inside a
  single transaction. Preconditions ride on the operations themselves:
  the backend re-reads the targeted documents inside the transaction and
  aborts the whole batch when a precondition no longer holds. This closes
  the window between the caller's conflict check and the commit.

USAGE:
  batch := invoicing.NewBatch().
      PutInvoice(*updated, original.Version).
      UpdatePartStock(update, stamp, update.Before).
      AppendAudit(entry)
  err := store.Commit(ctx, batch)

SEE ALSO:
  - store.go: Commit contract and precondition error mapping
  - mutator.go: The only production builder of batches
*/
package invoicing

// Op is one write inside a batch. Backends type-switch over the concrete
// operation structs below.
type Op interface {
	op()
}

// OpPutInvoice writes an invoice. ExpectVersion > 0 requires the stored
// (normalized) version to equal it; ExpectVersion == 0 requires that no
// document with this id exists yet.
type OpPutInvoice struct {
	Invoice       Invoice
	ExpectVersion int64
}

// OpDeleteInvoice removes an invoice, preconditioned on its version.
type OpDeleteInvoice struct {
	ID            InvoiceID
	ExpectVersion int64
}

// OpUpdatePartStock writes a part's unitStock and lastStockChange stamp.
// ExpectStock >= 0 requires the stored stock to equal it; -1 skips the
// check.
type OpUpdatePartStock struct {
	PartID      PartID
	NewStock    int
	ExpectStock int
	Stamp       StockStamp
}

// OpPutCustomerInvoice upserts a mirror document. Mirrors carry no
// version; they are derived state rewritten by the batch that changed
// their source invoice.
type OpPutCustomerInvoice struct {
	Doc CustomerInvoice
}

// OpDeleteCustomerInvoice removes a mirror document. Deleting a missing
// mirror is not an error.
type OpDeleteCustomerInvoice struct {
	ID InvoiceID
}

// OpAppendAudit appends one audit entry. Append-only: there is no batch
// operation that updates or deletes an audit row.
type OpAppendAudit struct {
	Entry AuditEntry
}

func (OpPutInvoice) op()            {}
func (OpDeleteInvoice) op()         {}
func (OpUpdatePartStock) op()       {}
func (OpPutCustomerInvoice) op()    {}
func (OpDeleteCustomerInvoice) op() {}
func (OpAppendAudit) op()           {}

// Batch is an ordered list of operations committed atomically. The ID is
// for logging only.
type Batch struct {
	ID  string
	ops []Op
}

func NewBatch() *Batch {
	return &Batch{ID: NewBatchID()}
}

func (b *Batch) PutInvoice(inv Invoice, expectVersion int64) *Batch {
	b.ops = append(b.ops, OpPutInvoice{Invoice: inv, ExpectVersion: expectVersion})
	return b
}

func (b *Batch) DeleteInvoice(id InvoiceID, expectVersion int64) *Batch {
	b.ops = append(b.ops, OpDeleteInvoice{ID: id, ExpectVersion: expectVersion})
	return b
}

func (b *Batch) UpdatePartStock(u StockUpdate, stamp StockStamp, expectStock int) *Batch {
	b.ops = append(b.ops, OpUpdatePartStock{
		PartID:      u.PartID,
		NewStock:    u.After,
		ExpectStock: expectStock,
		Stamp:       stamp,
	})
	return b
}

func (b *Batch) PutCustomerInvoice(doc CustomerInvoice) *Batch {
	b.ops = append(b.ops, OpPutCustomerInvoice{Doc: doc})
	return b
}

func (b *Batch) DeleteCustomerInvoice(id InvoiceID) *Batch {
	b.ops = append(b.ops, OpDeleteCustomerInvoice{ID: id})
	return b
}

func (b *Batch) AppendAudit(entry AuditEntry) *Batch {
	b.ops = append(b.ops, OpAppendAudit{Entry: entry})
	return b
}

// Ops returns the operations in append order.
func (b *Batch) Ops() []Op {
	return b.ops
}

func (b *Batch) Len() int {
	return len(b.ops)
}

func (b *Batch) Empty() bool {
	return len(b.ops) == 0
}
