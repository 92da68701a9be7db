/*
Package sqlite provides a SQLite-backed implementation of invoicing.Store.

PURPOSE:
  Persists the edit core's collections in a single SQLite file. In
  production the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

STORAGE LAYOUT:
  Documents are stored as JSON in a doc_json column, with the fields the
  store queries or preconditions on (version, unit_stock, customer_name,
  timestamps) extracted into indexed columns. The JSON blob is the
  authoritative round-trip representation; the columns exist for the
  query planner and for the batch precondition reads.

KEY TABLES:
  invoices:          Document under edit, version column for preconditions
  parts:             Inventoried items, unit_stock column for preconditions
  customer_invoices: Denormalized per-customer mirror
  quotations:        Read-only conversion inputs
  audit_trail:       Append-only, seq column preserves commit order

BATCH SEMANTICS:
  Commit runs every operation inside one database transaction. Version
  and stock preconditions are re-read through the transaction; a lost
  precondition rolls the whole batch back, audit rows included, and
  surfaces as ConflictError or StaleStockError.

VERSION NORMALIZATION:
  Rows written without a version (legacy writers) read as version 1;
  preconditions compare against the normalized value.

WAL MODE:
  The database is opened with WAL (Write-Ahead Logging) so readers do
  not block the single writer.

USAGE:
  store, err := sqlite.New("./data/workshop.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - invoicing/store.go: Interface and precondition contract
  - invoicing/store/memory.go: In-memory implementation for testing
  - invoicing/storetest: Conformance suite this backend passes
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gearlock/workshop-engine/invoicing"
)

// Store implements invoicing.Store on SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (or creates) the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; a pooled second connection would also see
	// a distinct database when dbPath is ":memory:".
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Invoices (document under edit)
	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL,
		customer_name TEXT NOT NULL,
		payment_status TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		doc_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_invoices_customer
		ON invoices(customer_name);
	CREATE INDEX IF NOT EXISTS idx_invoices_number
		ON invoices(number);
	CREATE INDEX IF NOT EXISTS idx_invoices_created
		ON invoices(created_at DESC);

	-- Parts (unit_stock is the precondition column)
	CREATE TABLE IF NOT EXISTS parts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		code TEXT,
		unit_stock INTEGER NOT NULL DEFAULT 0,
		unit_price TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		stamp_json TEXT
	);

	-- Customer invoice mirrors (derived, rewritten by batches)
	CREATE TABLE IF NOT EXISTS customer_invoices (
		id TEXT PRIMARY KEY,
		customer_name TEXT NOT NULL,
		doc_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_customer_invoices_name
		ON customer_invoices(customer_name, updated_at DESC);

	-- Quotations (read-only to the engine)
	CREATE TABLE IF NOT EXISTS quotations (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL,
		doc_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Audit trail (append-only; seq preserves commit order)
	CREATE TABLE IF NOT EXISTS audit_trail (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL,
		invoice_id TEXT NOT NULL,
		session_id TEXT,
		operation_id TEXT,
		action TEXT NOT NULL,
		category TEXT NOT NULL,
		ts TEXT NOT NULL,
		entry_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_invoice
		ON audit_trail(invoice_id);
	CREATE INDEX IF NOT EXISTS idx_audit_action
		ON audit_trail(action);
	CREATE INDEX IF NOT EXISTS idx_audit_operation
		ON audit_trail(operation_id);
	CREATE INDEX IF NOT EXISTS idx_audit_ts
		ON audit_trail(ts);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// INVOICES
// =============================================================================

// GetInvoice returns the invoice or ErrNotFound.
func (s *Store) GetInvoice(ctx context.Context, id invoicing.InvoiceID) (*invoicing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var docJSON string
	err := s.db.QueryRowContext(ctx,
		"SELECT doc_json FROM invoices WHERE id = ?", id,
	).Scan(&docJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("invoice %s: %w", id, invoicing.ErrNotFound)
	}
	if err != nil {
		return nil, &invoicing.StoreError{Op: "get invoice", Class: invoicing.ErrStoreUnavailable, Err: err}
	}

	return decodeInvoice(docJSON)
}

// PutInvoice writes an invoice unconditionally. Seeding and upstream
// collaborators only; the engine mutates invoices through Commit.
func (s *Store) PutInvoice(ctx context.Context, inv *invoicing.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return upsertInvoice(ctx, s.db, inv)
}

// ListInvoices returns invoices matching the filter, newest first.
func (s *Store) ListInvoices(ctx context.Context, filter invoicing.InvoiceFilter) ([]invoicing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT doc_json FROM invoices"
	var clauses []string
	var args []any
	if filter.CustomerName != "" {
		clauses = append(clauses, "customer_name = ?")
		args = append(args, filter.CustomerName)
	}
	if filter.Number != "" {
		clauses = append(clauses, "number = ?")
		args = append(args, filter.Number)
	}
	if filter.PaymentStatus != "" {
		clauses = append(clauses, "payment_status = ?")
		args = append(args, string(filter.PaymentStatus))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &invoicing.StoreError{Op: "list invoices", Class: invoicing.ErrStoreUnavailable, Err: err}
	}
	defer rows.Close()

	var invoices []invoicing.Invoice
	for rows.Next() {
		var docJSON string
		if err := rows.Scan(&docJSON); err != nil {
			return nil, err
		}
		inv, err := decodeInvoice(docJSON)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, *inv)
	}
	return invoices, rows.Err()
}

func upsertInvoice(ctx context.Context, db execer, inv *invoicing.Invoice) error {
	docJSON, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("failed to encode invoice %s: %w", inv.ID, err)
	}

	query := `
		INSERT INTO invoices (id, number, customer_name, payment_status, version, doc_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			number = excluded.number,
			customer_name = excluded.customer_name,
			payment_status = excluded.payment_status,
			version = excluded.version,
			doc_json = excluded.doc_json,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
	`

	_, err = db.ExecContext(ctx, query,
		inv.ID,
		inv.Number,
		inv.Customer.Name,
		string(inv.PaymentStatus),
		inv.Version,
		string(docJSON),
		inv.CreatedAt.UTC().Format(time.RFC3339),
		inv.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to write invoice %s: %w", inv.ID, err)
	}
	return nil
}

func decodeInvoice(docJSON string) (*invoicing.Invoice, error) {
	var inv invoicing.Invoice
	if err := json.Unmarshal([]byte(docJSON), &inv); err != nil {
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
func (s *Store) GetPart(ctx context.Context, id invoicing.PartID) (*invoicing.Part, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getPart(ctx, s.db, id)
}

// PutPart writes a part unconditionally.
func (s *Store) PutPart(ctx context.Context, part *invoicing.Part) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return upsertPart(ctx, s.db, part)
}

// ListParts returns every part ordered by id.
func (s *Store) ListParts(ctx context.Context) ([]invoicing.Part, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, code, unit_stock, unit_price, updated_at, stamp_json FROM parts ORDER BY id ASC",
	)
	if err != nil {
		return nil, &invoicing.StoreError{Op: "list parts", Class: invoicing.ErrStoreUnavailable, Err: err}
	}
	defer rows.Close()

	var parts []invoicing.Part
	for rows.Next() {
		p, err := scanPart(rows)
		if err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

// GetPartsSnapshot resolves the given ids into a snapshot map. Unknown
// ids are simply absent from the result.
func (s *Store) GetPartsSnapshot(ctx context.Context, ids []invoicing.PartID) (map[invoicing.PartID]invoicing.Part, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := make(map[invoicing.PartID]invoicing.Part, len(ids))
	for _, id := range ids {
		p, err := getPart(ctx, s.db, id)
		if err != nil {
			if invoicing.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		snapshot[id] = *p
	}
	return snapshot, nil
}

func getPart(ctx context.Context, db queryer, id invoicing.PartID) (*invoicing.Part, error) {
	row := db.QueryRowContext(ctx,
		"SELECT id, name, code, unit_stock, unit_price, updated_at, stamp_json FROM parts WHERE id = ?", id)

	p, err := scanPart(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("part %s: %w", id, invoicing.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func upsertPart(ctx context.Context, db execer, part *invoicing.Part) error {
	var stampJSON sql.NullString
	if part.LastStockChange != nil {
		b, err := json.Marshal(part.LastStockChange)
		if err != nil {
			return fmt.Errorf("failed to encode stock stamp for part %s: %w", part.ID, err)
		}
		stampJSON = sql.NullString{String: string(b), Valid: true}
	}

	query := `
		INSERT INTO parts (id, name, code, unit_stock, unit_price, updated_at, stamp_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			code = excluded.code,
			unit_stock = excluded.unit_stock,
			unit_price = excluded.unit_price,
			updated_at = excluded.updated_at,
			stamp_json = excluded.stamp_json
	`

	_, err := db.ExecContext(ctx, query,
		part.ID,
		part.Name,
		part.Code,
		part.UnitStock,
		part.UnitPrice.String(),
		part.UpdatedAt.UTC().Format(time.RFC3339),
		stampJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to write part %s: %w", part.ID, err)
	}
	return nil
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanPart(row scanner) (invoicing.Part, error) {
	var (
		p         invoicing.Part
		code      sql.NullString
		unitPrice string
		updatedAt string
		stampJSON sql.NullString
	)

	err := row.Scan(&p.ID, &p.Name, &code, &p.UnitStock, &unitPrice, &updatedAt, &stampJSON)
	if err != nil {
		return p, err
	}

	p.Code = code.String
	p.UnitPrice = invoicing.MustParseMoney(unitPrice)
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	if stampJSON.Valid && stampJSON.String != "" {
		var stamp invoicing.StockStamp
		if err := json.Unmarshal([]byte(stampJSON.String), &stamp); err == nil {
			p.LastStockChange = &stamp
		}
	}

	return p, nil
}

// =============================================================================
// CUSTOMER INVOICE MIRRORS
// =============================================================================

// GetCustomerInvoice returns the mirror document or ErrNotFound.
func (s *Store) GetCustomerInvoice(ctx context.Context, id invoicing.InvoiceID) (*invoicing.CustomerInvoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var docJSON string
	err := s.db.QueryRowContext(ctx,
		"SELECT doc_json FROM customer_invoices WHERE id = ?", id,
	).Scan(&docJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("customer invoice %s: %w", id, invoicing.ErrNotFound)
	}
	if err != nil {
		return nil, &invoicing.StoreError{Op: "get customer invoice", Class: invoicing.ErrStoreUnavailable, Err: err}
	}

	var doc invoicing.CustomerInvoice
	if err := json.Unmarshal([]byte(docJSON), &doc); err != nil {
		return nil, fmt.Errorf("failed to decode customer invoice: %w", err)
	}
	return &doc, nil
}

// ListCustomerInvoices returns mirror documents for one customer name,
// newest first. Empty name returns all.
func (s *Store) ListCustomerInvoices(ctx context.Context, customerName string) ([]invoicing.CustomerInvoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT doc_json FROM customer_invoices"
	var args []any
	if customerName != "" {
		query += " WHERE customer_name = ?"
		args = append(args, customerName)
	}
	query += " ORDER BY updated_at DESC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &invoicing.StoreError{Op: "list customer invoices", Class: invoicing.ErrStoreUnavailable, Err: err}
	}
	defer rows.Close()

	var docs []invoicing.CustomerInvoice
	for rows.Next() {
		var docJSON string
		if err := rows.Scan(&docJSON); err != nil {
			return nil, err
		}
		var doc invoicing.CustomerInvoice
		if err := json.Unmarshal([]byte(docJSON), &doc); err != nil {
			return nil, fmt.Errorf("failed to decode customer invoice: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func upsertCustomerInvoice(ctx context.Context, db execer, doc *invoicing.CustomerInvoice) error {
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode customer invoice %s: %w", doc.ID, err)
	}

	query := `
		INSERT INTO customer_invoices (id, customer_name, doc_json, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			customer_name = excluded.customer_name,
			doc_json = excluded.doc_json,
			updated_at = excluded.updated_at
	`

	_, err = db.ExecContext(ctx, query,
		doc.ID,
		doc.CustomerName,
		string(docJSON),
		doc.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to write customer invoice %s: %w", doc.ID, err)
	}
	return nil
}

// =============================================================================
// QUOTATIONS
// =============================================================================

// GetQuotation returns the quotation or ErrNotFound.
func (s *Store) GetQuotation(ctx context.Context, id invoicing.QuotationID) (*invoicing.Quotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var docJSON string
	err := s.db.QueryRowContext(ctx,
		"SELECT doc_json FROM quotations WHERE id = ?", id,
	).Scan(&docJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("quotation %s: %w", id, invoicing.ErrNotFound)
	}
	if err != nil {
		return nil, &invoicing.StoreError{Op: "get quotation", Class: invoicing.ErrStoreUnavailable, Err: err}
	}

	var q invoicing.Quotation
	if err := json.Unmarshal([]byte(docJSON), &q); err != nil {
		return nil, fmt.Errorf("failed to decode quotation: %w", err)
	}
	return &q, nil
}

// PutQuotation writes a quotation. Seeding only: the engine never
// mutates quotations.
func (s *Store) PutQuotation(ctx context.Context, q *invoicing.Quotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	docJSON, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("failed to encode quotation %s: %w", q.ID, err)
	}

	query := `
		INSERT INTO quotations (id, number, doc_json, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			number = excluded.number,
			doc_json = excluded.doc_json,
			created_at = excluded.created_at
	`

	_, err = s.db.ExecContext(ctx, query,
		q.ID,
		q.Number,
		string(docJSON),
		q.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to write quotation %s: %w", q.ID, err)
	}
	return nil
}

// ListQuotations returns every quotation, newest first.
func (s *Store) ListQuotations(ctx context.Context) ([]invoicing.Quotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT doc_json FROM quotations ORDER BY created_at DESC, id ASC",
	)
	if err != nil {
		return nil, &invoicing.StoreError{Op: "list quotations", Class: invoicing.ErrStoreUnavailable, Err: err}
	}
	defer rows.Close()

	var quotations []invoicing.Quotation
	for rows.Next() {
		var docJSON string
		if err := rows.Scan(&docJSON); err != nil {
			return nil, err
		}
		var q invoicing.Quotation
		if err := json.Unmarshal([]byte(docJSON), &q); err != nil {
			return nil, fmt.Errorf("failed to decode quotation: %w", err)
		}
		quotations = append(quotations, q)
	}
	return quotations, rows.Err()
}

// =============================================================================
// AUDIT TRAIL
// =============================================================================

// AppendAudit writes one audit entry outside a batch.
func (s *Store) AppendAudit(ctx context.Context, entry invoicing.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return insertAudit(ctx, s.db, entry)
}

// QueryAudit returns entries matching the filter, newest first. The seq
// column reproduces the memory backend's reverse commit order.
func (s *Store) QueryAudit(ctx context.Context, filter invoicing.AuditFilter) ([]invoicing.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT entry_json FROM audit_trail"
	var clauses []string
	var args []any
	if filter.InvoiceID != nil {
		clauses = append(clauses, "invoice_id = ?")
		args = append(args, *filter.InvoiceID)
	}
	if filter.SessionID != nil {
		clauses = append(clauses, "session_id = ?")
		args = append(args, *filter.SessionID)
	}
	if filter.OperationID != nil {
		clauses = append(clauses, "operation_id = ?")
		args = append(args, *filter.OperationID)
	}
	if filter.Category != nil {
		clauses = append(clauses, "category = ?")
		args = append(args, string(*filter.Category))
	}
	if len(filter.Actions) > 0 {
		placeholders := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			placeholders[i] = "?"
			args = append(args, string(a))
		}
		clauses = append(clauses, "action IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.From != nil {
		clauses = append(clauses, "ts >= ?")
		args = append(args, filter.From.UTC().Format(time.RFC3339))
	}
	if filter.To != nil {
		clauses = append(clauses, "ts <= ?")
		args = append(args, filter.To.UTC().Format(time.RFC3339))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY seq DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &invoicing.StoreError{Op: "query audit", Class: invoicing.ErrStoreUnavailable, Err: err}
	}
	defer rows.Close()

	var entries []invoicing.AuditEntry
	for rows.Next() {
		var entryJSON string
		if err := rows.Scan(&entryJSON); err != nil {
			return nil, err
		}
		var entry invoicing.AuditEntry
		if err := json.Unmarshal([]byte(entryJSON), &entry); err != nil {
			return nil, fmt.Errorf("failed to decode audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func insertAudit(ctx context.Context, db execer, entry invoicing.AuditEntry) error {
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry %s: %w", entry.ID, err)
	}

	query := `
		INSERT INTO audit_trail (id, invoice_id, session_id, operation_id, action, category, ts, entry_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = db.ExecContext(ctx, query,
		entry.ID,
		entry.InvoiceID,
		entry.SessionID,
		entry.OperationID,
		string(entry.Action),
		string(entry.Category),
		entry.Timestamp.UTC().Format(time.RFC3339),
		string(entryJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry %s: %w", entry.ID, err)
	}
	return nil
}

// =============================================================================
// BATCH COMMIT
// =============================================================================

// execer covers *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// queryer covers *sql.DB and *sql.Tx for single-row reads.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Commit applies the batch inside one database transaction. Precondition
// reads go through the transaction so they see earlier operations of the
// same batch.
func (s *Store) Commit(ctx context.Context, batch *invoicing.Batch) error {
	if batch == nil || batch.Empty() {
		return invoicing.ErrEmptyBatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &invoicing.StoreError{Op: "begin batch", Class: invoicing.ErrStoreUnavailable, Err: err}
	}
	defer tx.Rollback()

	for _, op := range batch.Ops() {
		if err := applyOp(ctx, tx, op); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return &invoicing.StoreError{Op: "commit batch", Class: invoicing.ErrStoreUnavailable, Err: err}
	}
	return nil
}

func applyOp(ctx context.Context, tx *sql.Tx, op invoicing.Op) error {
	switch o := op.(type) {
	case invoicing.OpPutInvoice:
		version, exists, err := rowVersion(ctx, tx, o.Invoice.ID)
		if err != nil {
			return err
		}
		if o.ExpectVersion == 0 {
			if exists {
				return &invoicing.ConflictError{
					InvoiceID:       o.Invoice.ID,
					ExpectedVersion: 0,
					ActualVersion:   version,
				}
			}
		} else {
			if !exists {
				return fmt.Errorf("invoice %s vanished: %w", o.Invoice.ID, invoicing.ErrNotFound)
			}
			if version != o.ExpectVersion {
				return &invoicing.ConflictError{
					InvoiceID:       o.Invoice.ID,
					ExpectedVersion: o.ExpectVersion,
					ActualVersion:   version,
				}
			}
		}
		return upsertInvoice(ctx, tx, &o.Invoice)

	case invoicing.OpDeleteInvoice:
		version, exists, err := rowVersion(ctx, tx, o.ID)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("invoice %s vanished: %w", o.ID, invoicing.ErrNotFound)
		}
		if o.ExpectVersion > 0 && version != o.ExpectVersion {
			return &invoicing.ConflictError{
				InvoiceID:       o.ID,
				ExpectedVersion: o.ExpectVersion,
				ActualVersion:   version,
			}
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM invoices WHERE id = ?", o.ID)
		return err

	case invoicing.OpUpdatePartStock:
		var stock int
		err := tx.QueryRowContext(ctx,
			"SELECT unit_stock FROM parts WHERE id = ?", o.PartID,
		).Scan(&stock)
		if err == sql.ErrNoRows {
			return fmt.Errorf("part %s vanished: %w", o.PartID, invoicing.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if o.ExpectStock >= 0 && stock != o.ExpectStock {
			return &invoicing.StaleStockError{
				PartID:        o.PartID,
				ExpectedStock: o.ExpectStock,
				ActualStock:   stock,
			}
		}
		stampJSON, err := json.Marshal(o.Stamp)
		if err != nil {
			return fmt.Errorf("failed to encode stock stamp for part %s: %w", o.PartID, err)
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE parts SET unit_stock = ?, updated_at = ?, stamp_json = ? WHERE id = ?",
			o.NewStock,
			o.Stamp.Timestamp.UTC().Format(time.RFC3339),
			string(stampJSON),
			o.PartID,
		)
		return err

	case invoicing.OpPutCustomerInvoice:
		return upsertCustomerInvoice(ctx, tx, &o.Doc)

	case invoicing.OpDeleteCustomerInvoice:
		// Deleting a missing mirror is not an error.
		_, err := tx.ExecContext(ctx, "DELETE FROM customer_invoices WHERE id = ?", o.ID)
		return err

	case invoicing.OpAppendAudit:
		return insertAudit(ctx, tx, o.Entry)

	default:
		return fmt.Errorf("unknown batch operation %T: %w", op, invoicing.ErrInvariantViolated)
	}
}

// rowVersion reads an invoice's stored version through the transaction,
// normalized so legacy rows without a version read as 1.
func rowVersion(ctx context.Context, tx *sql.Tx, id invoicing.InvoiceID) (int64, bool, error) {
	var version int64
	err := tx.QueryRowContext(ctx,
		"SELECT version FROM invoices WHERE id = ?", id,
	).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if version < 1 {
		version = 1
	}
	return version, true, nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for demo scenario loading and tests).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"invoices", "parts", "customer_invoices", "quotations", "audit_trail"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}
