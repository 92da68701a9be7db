/*
Package boltdb provides a BoltDB-backed implementation of invoicing.Store.

PURPOSE:
  Persists the edit core's collections in a single embedded file, one
  bucket per collection with JSON values. No external database process
  is required, which suits single-host workshop installations.

ATOMICITY:
  Commit runs the whole batch inside one bolt write transaction.
  Returning an error from the update closure rolls every operation
  back, audit appends included. Precondition reads happen inside the
  same transaction, so they see earlier operations of the batch and
  nothing from concurrent writers.

AUDIT ORDER:
  Audit keys are the bucket's monotonic sequence, big-endian encoded so
  byte order equals append order. Newest-first queries walk the bucket
  backwards with a cursor; filters are applied in Go via
  AuditFilter.Match, the same predicate the memory backend uses.

VERSION NORMALIZATION:
  Documents stored without a version read as version 1; preconditions
  compare against the normalized value.

USAGE:
  store, err := boltdb.New("./data/workshop.bolt")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - invoicing/store.go: Interface and precondition contract
  - invoicing/store/sqlite: SQL-backed sibling
  - invoicing/storetest: Conformance suite this backend passes
*/
package boltdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/gearlock/workshop-engine/invoicing"
)

var (
	bucketInvoices   = []byte("invoices")
	bucketParts      = []byte("parts")
	bucketMirrors    = []byte("customer_invoices")
	bucketQuotations = []byte("quotations")
	bucketAudit      = []byte("audit_trail")
)

var buckets = [][]byte{bucketInvoices, bucketParts, bucketMirrors, bucketQuotations, bucketAudit}

// Store implements invoicing.Store on a single BoltDB file.
type Store struct {
	db *bolt.DB
}

// New opens (or creates) the database file and ensures every collection
// bucket exists.
func New(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// INVOICES
// =============================================================================

// GetInvoice returns the invoice or ErrNotFound.
func (s *Store) GetInvoice(_ context.Context, id invoicing.InvoiceID) (*invoicing.Invoice, error) {
	var inv *invoicing.Invoice
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketInvoices).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("invoice %s: %w", id, invoicing.ErrNotFound)
		}
		decoded, err := decodeInvoice(v)
		if err != nil {
			return err
		}
		inv = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// PutInvoice writes an invoice unconditionally. Seeding and upstream
// collaborators only; the engine mutates invoices through Commit.
func (s *Store) PutInvoice(_ context.Context, inv *invoicing.Invoice) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketInvoices), []byte(inv.ID), inv)
	})
}

// ListInvoices returns invoices matching the filter, newest first.
func (s *Store) ListInvoices(_ context.Context, filter invoicing.InvoiceFilter) ([]invoicing.Invoice, error) {
	var invoices []invoicing.Invoice
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInvoices).ForEach(func(_, v []byte) error {
			inv, err := decodeInvoice(v)
			if err != nil {
				return err
			}
			if !matchInvoice(*inv, filter) {
				return nil
			}
			invoices = append(invoices, *inv)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(invoices, func(i, j int) bool {
		if !invoices[i].CreatedAt.Equal(invoices[j].CreatedAt) {
			return invoices[i].CreatedAt.After(invoices[j].CreatedAt)
		}
		return invoices[i].ID < invoices[j].ID
	})
	if filter.Limit > 0 && len(invoices) > filter.Limit {
		invoices = invoices[:filter.Limit]
	}
	return invoices, nil
}

func matchInvoice(inv invoicing.Invoice, filter invoicing.InvoiceFilter) bool {
	if filter.CustomerName != "" && inv.Customer.Name != filter.CustomerName {
		return false
	}
	if filter.Number != "" && inv.Number != filter.Number {
		return false
	}
	if filter.PaymentStatus != "" && inv.PaymentStatus != filter.PaymentStatus {
		return false
	}
	return true
}

func decodeInvoice(v []byte) (*invoicing.Invoice, error) {
	var inv invoicing.Invoice
	if err := json.Unmarshal(v, &inv); err != nil {
		return nil, fmt.Errorf("failed to decode invoice: %w", err)
	}
	if inv.Version < 1 {
		inv.Version = 1
	}
	return &inv, nil
}

// =============================================================================
// PARTS
// =============================================================================

// GetPart returns the part or ErrNotFound.
func (s *Store) GetPart(_ context.Context, id invoicing.PartID) (*invoicing.Part, error) {
	var part invoicing.Part
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketParts).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("part %s: %w", id, invoicing.ErrNotFound)
		}
		return json.Unmarshal(v, &part)
	})
	if err != nil {
		return nil, err
	}
	return &part, nil
}

// PutPart writes a part unconditionally.
func (s *Store) PutPart(_ context.Context, part *invoicing.Part) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketParts), []byte(part.ID), part)
	})
}

// ListParts returns every part ordered by id. Bucket keys are the part
// ids, so cursor order is already the result order.
func (s *Store) ListParts(_ context.Context) ([]invoicing.Part, error) {
	var parts []invoicing.Part
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketParts).ForEach(func(_, v []byte) error {
			var p invoicing.Part
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			parts = append(parts, p)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return parts, nil
}

// GetPartsSnapshot resolves the given ids into a snapshot map. Unknown
// ids are simply absent from the result.
func (s *Store) GetPartsSnapshot(_ context.Context, ids []invoicing.PartID) (map[invoicing.PartID]invoicing.Part, error) {
	snapshot := make(map[invoicing.PartID]invoicing.Part, len(ids))
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketParts)
		for _, id := range ids {
			v := b.Get([]byte(id))
			if v == nil {
				continue
			}
			var p invoicing.Part
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			snapshot[id] = p
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// =============================================================================
// CUSTOMER INVOICE MIRRORS
// =============================================================================

// GetCustomerInvoice returns the mirror document or ErrNotFound.
func (s *Store) GetCustomerInvoice(_ context.Context, id invoicing.InvoiceID) (*invoicing.CustomerInvoice, error) {
	var doc invoicing.CustomerInvoice
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMirrors).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("customer invoice %s: %w", id, invoicing.ErrNotFound)
		}
		return json.Unmarshal(v, &doc)
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// ListCustomerInvoices returns mirror documents for one customer name,
// newest first. Empty name returns all.
func (s *Store) ListCustomerInvoices(_ context.Context, customerName string) ([]invoicing.CustomerInvoice, error) {
	var docs []invoicing.CustomerInvoice
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMirrors).ForEach(func(_, v []byte) error {
			var doc invoicing.CustomerInvoice
			if err := json.Unmarshal(v, &doc); err != nil {
				return err
			}
			if customerName != "" && doc.CustomerName != customerName {
				return nil
			}
			docs = append(docs, doc)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].UpdatedAt.Equal(docs[j].UpdatedAt) {
			return docs[i].UpdatedAt.After(docs[j].UpdatedAt)
		}
		return docs[i].ID < docs[j].ID
	})
	return docs, nil
}

// =============================================================================
// QUOTATIONS
// =============================================================================

// GetQuotation returns the quotation or ErrNotFound.
func (s *Store) GetQuotation(_ context.Context, id invoicing.QuotationID) (*invoicing.Quotation, error) {
	var q invoicing.Quotation
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketQuotations).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("quotation %s: %w", id, invoicing.ErrNotFound)
		}
		return json.Unmarshal(v, &q)
	})
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// PutQuotation writes a quotation. Seeding only: the engine never
// mutates quotations.
func (s *Store) PutQuotation(_ context.Context, q *invoicing.Quotation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketQuotations), []byte(q.ID), q)
	})
}

// ListQuotations returns every quotation, newest first.
func (s *Store) ListQuotations(_ context.Context) ([]invoicing.Quotation, error) {
	var quotations []invoicing.Quotation
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQuotations).ForEach(func(_, v []byte) error {
			var q invoicing.Quotation
			if err := json.Unmarshal(v, &q); err != nil {
				return err
			}
			quotations = append(quotations, q)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(quotations, func(i, j int) bool {
		if !quotations[i].CreatedAt.Equal(quotations[j].CreatedAt) {
			return quotations[i].CreatedAt.After(quotations[j].CreatedAt)
		}
		return quotations[i].ID < quotations[j].ID
	})
	return quotations, nil
}

// =============================================================================
// AUDIT TRAIL
// =============================================================================

// AppendAudit writes one audit entry outside a batch.
func (s *Store) AppendAudit(_ context.Context, entry invoicing.AuditEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return appendAudit(tx, entry)
	})
}

// QueryAudit returns entries matching the filter, newest first: the
// cursor walks the sequence-keyed bucket backwards.
func (s *Store) QueryAudit(_ context.Context, filter invoicing.AuditFilter) ([]invoicing.AuditEntry, error) {
	var entries []invoicing.AuditEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var entry invoicing.AuditEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("failed to decode audit entry: %w", err)
			}
			if !filter.Match(entry) {
				continue
			}
			entries = append(entries, entry)
			if filter.Limit > 0 && len(entries) >= filter.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func appendAudit(tx *bolt.Tx, entry invoicing.AuditEntry) error {
	b := tx.Bucket(bucketAudit)
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	return putJSON(b, itob(seq), entry)
}

// =============================================================================
// BATCH COMMIT
// =============================================================================

// Commit applies the batch inside one write transaction. An error from
// any operation rolls the whole transaction back.
func (s *Store) Commit(_ context.Context, batch *invoicing.Batch) error {
	if batch == nil || batch.Empty() {
		return invoicing.ErrEmptyBatch
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		for _, op := range batch.Ops() {
			if err := applyOp(tx, op); err != nil {
				return err
			}
		}
		return nil
	})
}

func applyOp(tx *bolt.Tx, op invoicing.Op) error {
	switch o := op.(type) {
	case invoicing.OpPutInvoice:
		b := tx.Bucket(bucketInvoices)
		cur := b.Get([]byte(o.Invoice.ID))
		if o.ExpectVersion == 0 {
			if cur != nil {
				stored, err := decodeInvoice(cur)
				if err != nil {
					return err
				}
				return &invoicing.ConflictError{
					InvoiceID:       o.Invoice.ID,
					ExpectedVersion: 0,
					ActualVersion:   stored.Version,
				}
			}
		} else {
			if cur == nil {
				return fmt.Errorf("invoice %s vanished: %w", o.Invoice.ID, invoicing.ErrNotFound)
			}
			stored, err := decodeInvoice(cur)
			if err != nil {
				return err
			}
			if stored.Version != o.ExpectVersion {
				return &invoicing.ConflictError{
					InvoiceID:       o.Invoice.ID,
					ExpectedVersion: o.ExpectVersion,
					ActualVersion:   stored.Version,
				}
			}
		}
		return putJSON(b, []byte(o.Invoice.ID), o.Invoice)

	case invoicing.OpDeleteInvoice:
		b := tx.Bucket(bucketInvoices)
		cur := b.Get([]byte(o.ID))
		if cur == nil {
			return fmt.Errorf("invoice %s vanished: %w", o.ID, invoicing.ErrNotFound)
		}
		if o.ExpectVersion > 0 {
			stored, err := decodeInvoice(cur)
			if err != nil {
				return err
			}
			if stored.Version != o.ExpectVersion {
				return &invoicing.ConflictError{
					InvoiceID:       o.ID,
					ExpectedVersion: o.ExpectVersion,
					ActualVersion:   stored.Version,
				}
			}
		}
		return b.Delete([]byte(o.ID))

	case invoicing.OpUpdatePartStock:
		b := tx.Bucket(bucketParts)
		cur := b.Get([]byte(o.PartID))
		if cur == nil {
			return fmt.Errorf("part %s vanished: %w", o.PartID, invoicing.ErrNotFound)
		}
		var part invoicing.Part
		if err := json.Unmarshal(cur, &part); err != nil {
			return fmt.Errorf("failed to decode part %s: %w", o.PartID, err)
		}
		if o.ExpectStock >= 0 && part.UnitStock != o.ExpectStock {
			return &invoicing.StaleStockError{
				PartID:        o.PartID,
				ExpectedStock: o.ExpectStock,
				ActualStock:   part.UnitStock,
			}
		}
		stamp := o.Stamp
		part.UnitStock = o.NewStock
		part.UpdatedAt = stamp.Timestamp
		part.LastStockChange = &stamp
		return putJSON(b, []byte(o.PartID), part)

	case invoicing.OpPutCustomerInvoice:
		return putJSON(tx.Bucket(bucketMirrors), []byte(o.Doc.ID), o.Doc)

	case invoicing.OpDeleteCustomerInvoice:
		// Deleting a missing mirror is a no-op in bolt, which is the
		// contract here as well.
		return tx.Bucket(bucketMirrors).Delete([]byte(o.ID))

	case invoicing.OpAppendAudit:
		return appendAudit(tx, o.Entry)

	default:
		return fmt.Errorf("unknown batch operation %T: %w", op, invoicing.ErrInvariantViolated)
	}
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for demo scenario loading and tests).
func (s *Store) Reset(_ context.Context) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range buckets {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// itob encodes a bucket sequence number so byte order equals numeric
// order.
func itob(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}
