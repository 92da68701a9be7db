/*
Package factory provides JSON to Go dataset conversion.

PURPOSE:
  Converts JSON dataset definitions into invoicing structs. This enables
  store provisioning without code changes - a workshop can describe its
  parts catalog and open documents in a JSON file, and the factory
  creates the proper Go structs for loading.

JSON SCHEMA:
  {
    "name": "winter-stock",
    "parts": [
      {"id": "P1", "name": "Oil filter", "code": "OF-250",
       "stock": 10, "unit_price": 5.0}
    ],
    "invoices": [
      {
        "number": "INV-1001",
        "customer": {"name": "Sam Rivera"},
        "items": [{"part_id": "P1", "quantity": 2}],
        "payments": [{"amount": 5.0, "method": "cash"}]
      }
    ],
    "quotations": [
      {"number": "Q-3001", "customer": {"name": "Ana Costa"},
       "items": [{"part_id": "P1", "quantity": 1}]}
    ]
  }

KEY FEATURES:
  - Validates structure and cross-references lines against the catalog
  - Sets sensible defaults (line names and prices from the catalog)
  - Recomputes line and invoice totals
  - Derives payment status from the recorded payments
  - Round-trips: ToJSON turns a collected dataset back into the schema

USAGE:
  factory := NewDatasetFactory()

  // From a JSON file
  ds, err := factory.ParseDataset(jsonBytes)
  err = Loader{Store: st}.Load(ctx, ds, true)

  // Back out again
  ds, err := CollectDataset(ctx, st, "backup")
  out, err := json.Marshal(factory.ToJSON(ds))

SEE ALSO:
  - invoicing/types.go: Target struct definitions
  - cmd/workshopctl: import and export commands built on this package
*/
package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gearlock/workshop-engine/invoicing"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// DatasetJSON is the JSON representation of a dataset.
type DatasetJSON struct {
	Name       string          `json:"name,omitempty"`
	Parts      []PartJSON      `json:"parts,omitempty"`
	Invoices   []InvoiceJSON   `json:"invoices,omitempty"`
	Quotations []QuotationJSON `json:"quotations,omitempty"`
}

// PartJSON represents one catalog part.
type PartJSON struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Code      string  `json:"code,omitempty"`
	Stock     int     `json:"stock"`
	UnitPrice float64 `json:"unit_price"`
}

// CustomerJSON represents the customer block on a document.
type CustomerJSON struct {
	Name    string `json:"name"`
	Contact string `json:"contact,omitempty"`
	Address string `json:"address,omitempty"`
}

// LineJSON represents one document line. Name and unit price default to
// the catalog entry for the part; a line for a part outside the catalog
// must carry both explicitly.
type LineJSON struct {
	PartID    string   `json:"part_id"`
	Name      string   `json:"name,omitempty"`
	Quantity  int      `json:"quantity"`
	UnitPrice *float64 `json:"unit_price,omitempty"`
}

// PaymentJSON represents one payment already recorded on an invoice.
type PaymentJSON struct {
	Amount    float64 `json:"amount"`
	Method    string  `json:"method,omitempty"`
	Reference string  `json:"reference,omitempty"`
	At        string  `json:"at,omitempty"` // RFC 3339, defaults to parse time
}

// InvoiceJSON represents one invoice.
type InvoiceJSON struct {
	Number   string        `json:"number"`
	Customer CustomerJSON  `json:"customer"`
	Items    []LineJSON    `json:"items"`
	Notes    string        `json:"notes,omitempty"`
	Payments []PaymentJSON `json:"payments,omitempty"`
}

// QuotationJSON represents one open quotation.
type QuotationJSON struct {
	Number   string       `json:"number"`
	Customer CustomerJSON `json:"customer"`
	Items    []LineJSON   `json:"items"`
}

// =============================================================================
// DATASET FACTORY
// =============================================================================

// Dataset is a parsed dataset ready for loading. Payments are kept per
// invoice because they live on the customer mirror, not the invoice.
type Dataset struct {
	Name       string
	Parts      []invoicing.Part
	Invoices   []invoicing.Invoice
	Payments   map[invoicing.InvoiceID][]invoicing.Payment
	Quotations []invoicing.Quotation
}

// DatasetFactory converts JSON datasets to Go structs and back.
type DatasetFactory struct{}

// NewDatasetFactory creates a new dataset factory.
func NewDatasetFactory() *DatasetFactory {
	return &DatasetFactory{}
}

// ParseDataset parses JSON bytes into a Dataset.
func (f *DatasetFactory) ParseDataset(data []byte) (*Dataset, error) {
	var dj DatasetJSON
	if err := json.Unmarshal(data, &dj); err != nil {
		return nil, fmt.Errorf("failed to parse dataset JSON: %w", err)
	}
	return f.FromJSON(dj)
}

// FromJSON converts DatasetJSON to a Dataset.
func (f *DatasetFactory) FromJSON(dj DatasetJSON) (*Dataset, error) {
	now := time.Now().UTC()
	ds := &Dataset{
		Name:     dj.Name,
		Payments: make(map[invoicing.InvoiceID][]invoicing.Payment),
	}

	catalog := make(map[invoicing.PartID]invoicing.Part, len(dj.Parts))
	for _, pj := range dj.Parts {
		part, err := parsePart(pj, now)
		if err != nil {
			return nil, err
		}
		if _, dup := catalog[part.ID]; dup {
			return nil, fmt.Errorf("duplicate part id %s", part.ID)
		}
		catalog[part.ID] = part
		ds.Parts = append(ds.Parts, part)
	}

	seen := make(map[string]bool, len(dj.Invoices))
	for _, ij := range dj.Invoices {
		inv, payments, err := parseInvoice(ij, catalog, now)
		if err != nil {
			return nil, err
		}
		if seen[inv.Number] {
			return nil, fmt.Errorf("duplicate invoice number %s", inv.Number)
		}
		seen[inv.Number] = true
		ds.Invoices = append(ds.Invoices, *inv)
		if len(payments) > 0 {
			ds.Payments[inv.ID] = payments
		}
	}

	for _, qj := range dj.Quotations {
		q, err := parseQuotation(qj, catalog, now)
		if err != nil {
			return nil, err
		}
		ds.Quotations = append(ds.Quotations, *q)
	}

	return ds, nil
}

// ToJSON converts a Dataset to DatasetJSON. Lines carry their name and
// price explicitly so the output re-imports without a catalog lookup.
func (f *DatasetFactory) ToJSON(ds *Dataset) DatasetJSON {
	dj := DatasetJSON{Name: ds.Name}

	for _, p := range ds.Parts {
		price, _ := p.UnitPrice.Float64()
		dj.Parts = append(dj.Parts, PartJSON{
			ID:        string(p.ID),
			Name:      p.Name,
			Code:      p.Code,
			Stock:     p.UnitStock,
			UnitPrice: price,
		})
	}

	for _, inv := range ds.Invoices {
		ij := InvoiceJSON{
			Number:   inv.Number,
			Customer: customerToJSON(inv.Customer),
			Items:    linesToJSON(inv.Items),
			Notes:    inv.Notes,
		}
		for _, p := range ds.Payments[inv.ID] {
			amount, _ := p.Amount.Float64()
			ij.Payments = append(ij.Payments, PaymentJSON{
				Amount:    amount,
				Method:    p.Method,
				Reference: p.Reference,
				At:        p.ReceivedAt.Format(time.RFC3339),
			})
		}
		dj.Invoices = append(dj.Invoices, ij)
	}

	for _, q := range ds.Quotations {
		dj.Quotations = append(dj.Quotations, QuotationJSON{
			Number:   q.Number,
			Customer: customerToJSON(q.Customer),
			Items:    linesToJSON(q.Items),
		})
	}

	return dj
}

func customerToJSON(c invoicing.Customer) CustomerJSON {
	return CustomerJSON{Name: c.Name, Contact: c.Contact, Address: c.Address}
}

func linesToJSON(items []invoicing.LineItem) []LineJSON {
	out := make([]LineJSON, 0, len(items))
	for _, it := range items {
		price, _ := it.UnitPrice.Float64()
		p := price
		out = append(out, LineJSON{
			PartID:    string(it.PartID),
			Name:      it.PartName,
			Quantity:  it.Quantity,
			UnitPrice: &p,
		})
	}
	return out
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parsePart(pj PartJSON, now time.Time) (invoicing.Part, error) {
	if pj.ID == "" {
		return invoicing.Part{}, fmt.Errorf("part without an id")
	}
	if pj.Name == "" {
		return invoicing.Part{}, fmt.Errorf("part %s has no name", pj.ID)
	}
	if pj.Stock < 0 {
		return invoicing.Part{}, fmt.Errorf("part %s has negative stock %d", pj.ID, pj.Stock)
	}
	if pj.UnitPrice < 0 {
		return invoicing.Part{}, fmt.Errorf("part %s has negative unit price", pj.ID)
	}
	return invoicing.Part{
		ID:        invoicing.PartID(pj.ID),
		Name:      pj.Name,
		Code:      pj.Code,
		UnitStock: pj.Stock,
		UnitPrice: invoicing.NewMoney(pj.UnitPrice),
		UpdatedAt: now,
	}, nil
}

func parseLines(doc string, lines []LineJSON, catalog map[invoicing.PartID]invoicing.Part) ([]invoicing.LineItem, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%s has no items", doc)
	}
	out := make([]invoicing.LineItem, 0, len(lines))
	for _, lj := range lines {
		if lj.PartID == "" {
			return nil, fmt.Errorf("%s has an item without a part_id", doc)
		}
		if lj.Quantity <= 0 {
			return nil, fmt.Errorf("%s item %s has non-positive quantity %d", doc, lj.PartID, lj.Quantity)
		}

		it := invoicing.LineItem{
			PartID:   invoicing.PartID(lj.PartID),
			PartName: lj.Name,
			Quantity: lj.Quantity,
		}
		cat, known := catalog[it.PartID]
		if it.PartName == "" {
			if !known {
				return nil, fmt.Errorf("%s item %s is not in the parts catalog and has no name", doc, lj.PartID)
			}
			it.PartName = cat.Name
		}
		switch {
		case lj.UnitPrice != nil:
			if *lj.UnitPrice < 0 {
				return nil, fmt.Errorf("%s item %s has negative unit price", doc, lj.PartID)
			}
			it.UnitPrice = invoicing.NewMoney(*lj.UnitPrice)
		case known:
			it.UnitPrice = cat.UnitPrice
		default:
			return nil, fmt.Errorf("%s item %s is not in the parts catalog and has no unit_price", doc, lj.PartID)
		}

		it.LineTotal = invoicing.LineTotal(it.Quantity, it.UnitPrice)
		out = append(out, it)
	}
	return out, nil
}

func parseInvoice(ij InvoiceJSON, catalog map[invoicing.PartID]invoicing.Part, now time.Time) (*invoicing.Invoice, []invoicing.Payment, error) {
	if ij.Number == "" {
		return nil, nil, fmt.Errorf("invoice without a number")
	}
	if ij.Customer.Name == "" {
		return nil, nil, fmt.Errorf("invoice %s has no customer name", ij.Number)
	}

	items, err := parseLines(fmt.Sprintf("invoice %s", ij.Number), ij.Items, catalog)
	if err != nil {
		return nil, nil, err
	}

	inv := &invoicing.Invoice{
		ID:            invoicing.InvoiceID(ij.Number),
		Number:        ij.Number,
		Customer:      invoicing.Customer(ij.Customer),
		Items:         items,
		Notes:         ij.Notes,
		Version:       1,
		PaymentStatus: invoicing.PaymentUnpaid,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	inv.RecalculateTotals()

	payments, paid, err := parsePayments(ij, now)
	if err != nil {
		return nil, nil, err
	}
	switch {
	case paid.GreaterThan(inv.TotalAmount):
		return nil, nil, fmt.Errorf("payments on invoice %s exceed its total", ij.Number)
	case paid.Equal(inv.TotalAmount) && paid.IsPositive():
		inv.PaymentStatus = invoicing.PaymentPaid
	case paid.IsPositive():
		inv.PaymentStatus = invoicing.PaymentPartial
	}

	return inv, payments, nil
}

func parsePayments(ij InvoiceJSON, now time.Time) ([]invoicing.Payment, decimal.Decimal, error) {
	paid := decimal.Zero
	var out []invoicing.Payment
	for i, pj := range ij.Payments {
		if pj.Amount <= 0 {
			return nil, paid, fmt.Errorf("payment %d on invoice %s has non-positive amount", i+1, ij.Number)
		}
		at := now
		if pj.At != "" {
			var err error
			at, err = time.Parse(time.RFC3339, pj.At)
			if err != nil {
				return nil, paid, fmt.Errorf("payment %d on invoice %s has invalid time: %w", i+1, ij.Number, err)
			}
		}
		p := invoicing.Payment{
			ID:         invoicing.NewPaymentID(),
			Amount:     invoicing.NewMoney(pj.Amount),
			Method:     pj.Method,
			Reference:  pj.Reference,
			ReceivedAt: at,
		}
		paid = paid.Add(p.Amount)
		out = append(out, p)
	}
	return out, paid, nil
}

func parseQuotation(qj QuotationJSON, catalog map[invoicing.PartID]invoicing.Part, now time.Time) (*invoicing.Quotation, error) {
	if qj.Number == "" {
		return nil, fmt.Errorf("quotation without a number")
	}
	if qj.Customer.Name == "" {
		return nil, fmt.Errorf("quotation %s has no customer name", qj.Number)
	}
	items, err := parseLines(fmt.Sprintf("quotation %s", qj.Number), qj.Items, catalog)
	if err != nil {
		return nil, err
	}

	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.LineTotal)
	}
	return &invoicing.Quotation{
		ID:          invoicing.QuotationID(qj.Number),
		Number:      qj.Number,
		Customer:    invoicing.Customer(qj.Customer),
		Items:       items,
		TotalAmount: invoicing.RoundMoney(total),
		CreatedAt:   now,
	}, nil
}

// =============================================================================
// STORE IO
// =============================================================================

// Loader writes a parsed dataset into a store. Invoices are written
// together with their customer mirrors and without touching part stock:
// a dataset states both sides literally, like a backup does.
type Loader struct {
	Store invoicing.Store
}

// Load writes the dataset. With replace set the store is reset first;
// otherwise the dataset overlays whatever is already there.
func (l Loader) Load(ctx context.Context, ds *Dataset, replace bool) error {
	if replace {
		if err := l.Store.Reset(ctx); err != nil {
			return fmt.Errorf("reset store: %w", err)
		}
	}

	for i := range ds.Parts {
		if err := l.Store.PutPart(ctx, &ds.Parts[i]); err != nil {
			return fmt.Errorf("write part %s: %w", ds.Parts[i].ID, err)
		}
	}

	for i := range ds.Invoices {
		inv := &ds.Invoices[i]
		if err := l.Store.PutInvoice(ctx, inv); err != nil {
			return fmt.Errorf("write invoice %s: %w", inv.ID, err)
		}

		payments := ds.Payments[inv.ID]
		paid := decimal.Zero
		for _, p := range payments {
			paid = paid.Add(p.Amount)
		}
		batch := invoicing.NewBatch().PutCustomerInvoice(invoicing.CustomerInvoice{
			ID:            inv.ID,
			Number:        inv.Number,
			CustomerName:  inv.Customer.Name,
			TotalAmount:   inv.TotalAmount,
			PaidAmount:    paid,
			PaymentStatus: inv.PaymentStatus,
			Payments:      payments,
			UpdatedAt:     inv.UpdatedAt,
		})
		if err := l.Store.Commit(ctx, batch); err != nil {
			return fmt.Errorf("write customer mirror %s: %w", inv.ID, err)
		}
	}

	for i := range ds.Quotations {
		if err := l.Store.PutQuotation(ctx, &ds.Quotations[i]); err != nil {
			return fmt.Errorf("write quotation %s: %w", ds.Quotations[i].ID, err)
		}
	}

	return nil
}

// CollectDataset reads a store's parts, invoices, payments and
// quotations into a Dataset, ready for ToJSON.
func CollectDataset(ctx context.Context, st invoicing.Store, name string) (*Dataset, error) {
	ds := &Dataset{
		Name:     name,
		Payments: make(map[invoicing.InvoiceID][]invoicing.Payment),
	}

	parts, err := st.ListParts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list parts: %w", err)
	}
	ds.Parts = parts

	invoices, err := st.ListInvoices(ctx, invoicing.InvoiceFilter{})
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	ds.Invoices = invoices
	for _, inv := range invoices {
		mirror, err := st.GetCustomerInvoice(ctx, inv.ID)
		if err != nil {
			if invoicing.IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("load customer mirror %s: %w", inv.ID, err)
		}
		if len(mirror.Payments) > 0 {
			ds.Payments[inv.ID] = mirror.Payments
		}
	}

	quotations, err := st.ListQuotations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list quotations: %w", err)
	}
	ds.Quotations = quotations

	return ds, nil
}
