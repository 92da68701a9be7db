/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with known
	data for testing and demos. Each scenario seeds the exact parts and
	invoices its walkthrough needs, so the documented outcomes can be
	reproduced request by request.

AVAILABLE SCENARIOS:

	quantity-increase:  One part, one invoice; raise a line quantity
	add-part:           Add a second part to an existing invoice
	concurrent-edit:    Two editors racing on the same invoice
	delete-restock:     Delete an invoice and watch stock come back
	insufficient-stock: An edit the validator must reject
	remove-line:        Remove a line and restore its units
	workshop-day:       A populated workshop: invoices, payments, quotes

HOW SCENARIOS WORK:
 1. Reset store (clear all data)
 2. Seed parts at their documented stock levels
 3. Seed or create invoices (workshop-day runs real engine traffic so
    mirrors, stamps and audit history look lived-in)
 4. Refresh the parts mirror

USAGE VIA API:

	POST /api/scenarios/quantity-increase/load

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add case to LoadScenario handler

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: writeJSON/writeError helpers
  - server.go: Scenario routes
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gearlock/workshop-engine/invoicing"
)

// seedSession tags audit entries produced while loading a scenario.
const seedSession = "scenario_seed"

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "quantity-increase",
		Name:        "Quantity Increase",
		Description: "Part P1 at stock 10, invoice with 2 of P1. Raise the quantity to 5 and save: stock drops to 7, version to 2.",
		Category:    "editing",
	},
	{
		ID:          "add-part",
		Name:        "Add a Part",
		Description: "Parts P1 (stock 10) and P2 (stock 4), invoice with 2 of P1. Add 3 of P2: total 31.00, P2 stock 1.",
		Category:    "editing",
	},
	{
		ID:          "concurrent-edit",
		Name:        "Concurrent Editors",
		Description: "One invoice at version 1. Open two edit sessions, save from both: the second save gets a conflict report with resolutions.",
		Category:    "conflicts",
	},
	{
		ID:          "delete-restock",
		Name:        "Delete Restores Stock",
		Description: "Invoice holding 3 of P1 and 1 of P2. Delete it: P1 returns to 10, P2 to 5, one deletion audit entry lists both restorations.",
		Category:    "inventory",
	},
	{
		ID:          "insufficient-stock",
		Name:        "Insufficient Stock",
		Description: "Part P1 at stock 2, invoice with 1 of P1. Raise the quantity to 10: the save is rejected with INSUFFICIENT_STOCK and nothing is written.",
		Category:    "editing",
	},
	{
		ID:          "remove-line",
		Name:        "Remove a Line",
		Description: "Invoice holding 2 of P1 and 1 of P2, P2 out of stock. Remove the P2 line: its unit goes back, P2 stock becomes 1.",
		Category:    "inventory",
	},
	{
		ID:          "workshop-day",
		Name:        "A Day at the Workshop",
		Description: "Populated store: parts catalog, paid and partially paid invoices, an edited invoice, a converted quotation and an open one.",
		Category:    "demo",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// ScenarioIDs lists the loadable scenario names.
func ScenarioIDs() []string {
	ids := make([]string, len(scenarios))
	for i, s := range scenarios {
		ids[i] = s.ID
	}
	return ids
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	if h.currentScenario == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}

	for _, s := range scenarios {
		if s.ID == h.currentScenario {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}

	// Scenario ID exists but not in list (shouldn't happen)
	writeJSON(w, http.StatusOK, ScenarioDTO{
		ID:          h.currentScenario,
		Name:        h.currentScenario,
		Description: "Currently loaded scenario",
	})
}

// LoadScenario resets the store and loads the named scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if err := h.SeedScenario(r.Context(), name); err != nil {
		if errors.Is(err, errUnknownScenario) {
			writeError(w, http.StatusNotFound, "Unknown scenario", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": name})
}

var errUnknownScenario = errors.New("unknown scenario")

// SeedScenario resets the store and loads the named scenario dataset.
// Shared by the HTTP handler and the workshopctl seed command.
func (h *Handler) SeedScenario(ctx context.Context, name string) error {
	if err := h.Store.Reset(ctx); err != nil {
		return fmt.Errorf("reset store: %w", err)
	}
	h.currentScenario = ""

	var err error
	switch name {
	case "quantity-increase":
		err = h.loadQuantityIncreaseScenario(ctx)
	case "add-part":
		err = h.loadAddPartScenario(ctx)
	case "concurrent-edit":
		err = h.loadConcurrentEditScenario(ctx)
	case "delete-restock":
		err = h.loadDeleteRestockScenario(ctx)
	case "insufficient-stock":
		err = h.loadInsufficientStockScenario(ctx)
	case "remove-line":
		err = h.loadRemoveLineScenario(ctx)
	case "workshop-day":
		err = h.loadWorkshopDayScenario(ctx)
	default:
		return fmt.Errorf("%w: %s", errUnknownScenario, name)
	}
	if err != nil {
		return err
	}

	// The mirror may still hold parts from the previous dataset.
	if err := h.Mirror.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh parts mirror: %w", err)
	}

	h.currentScenario = name
	h.Log.Info().Str("scenario", name).Msg("scenario loaded")
	return nil
}

// =============================================================================
// SEED HELPERS
// =============================================================================

func seedLine(partID, name string, qty int, price float64) invoicing.LineItem {
	it := invoicing.LineItem{
		PartID:    invoicing.PartID(partID),
		PartName:  name,
		Quantity:  qty,
		UnitPrice: invoicing.NewMoney(price),
	}
	it.LineTotal = invoicing.LineTotal(it.Quantity, it.UnitPrice)
	return it
}

func (h *Handler) seedPart(ctx context.Context, id, name, code string, stock int, price float64) error {
	return h.Store.PutPart(ctx, &invoicing.Part{
		ID:        invoicing.PartID(id),
		Name:      name,
		Code:      code,
		UnitStock: stock,
		UnitPrice: invoicing.NewMoney(price),
		UpdatedAt: time.Now().UTC(),
	})
}

// seedInvoice writes an invoice and its customer mirror exactly as given,
// without touching stock. Used by the walkthrough scenarios whose
// documented preconditions state both sides literally.
func (h *Handler) seedInvoice(ctx context.Context, number, customer string, items ...invoicing.LineItem) error {
	created := time.Now().UTC().Add(-24 * time.Hour)
	inv := &invoicing.Invoice{
		ID:            invoicing.InvoiceID(number),
		Number:        number,
		Customer:      invoicing.Customer{Name: customer},
		Items:         items,
		Version:       1,
		PaymentStatus: invoicing.PaymentUnpaid,
		CreatedAt:     created,
		UpdatedAt:     created,
	}
	inv.RecalculateTotals()
	if err := h.Store.PutInvoice(ctx, inv); err != nil {
		return err
	}

	batch := invoicing.NewBatch().PutCustomerInvoice(invoicing.CustomerInvoice{
		ID:            inv.ID,
		Number:        inv.Number,
		CustomerName:  inv.Customer.Name,
		TotalAmount:   inv.TotalAmount,
		PaymentStatus: invoicing.PaymentUnpaid,
		UpdatedAt:     created,
	})
	return h.Store.Commit(ctx, batch)
}

// createSeedInvoice runs the invoice through the real create path so the
// stock deduction, mirror, stamps and audit entry all happen as they
// would in production.
func (h *Handler) createSeedInvoice(ctx context.Context, number, customer string, items ...invoicing.LineItem) (*invoicing.Invoice, error) {
	ids := make([]invoicing.PartID, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.PartID)
	}
	parts, err := h.Store.GetPartsSnapshot(ctx, ids)
	if err != nil {
		return nil, err
	}

	res, err := h.Mutator.CreateInvoice(ctx, invoicing.CreateRequest{
		Invoice: &invoicing.Invoice{
			ID:       invoicing.InvoiceID(number),
			Number:   number,
			Customer: invoicing.Customer{Name: customer},
			Items:    items,
		},
		CurrentParts: parts,
		SessionID:    seedSession,
	})
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, fmt.Errorf("seed invoice %s rejected", number)
	}
	return res.Invoice, nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadQuantityIncreaseScenario(ctx context.Context) error {
	if err := h.seedPart(ctx, "P1", "Oil filter", "OF-250", 10, 5.00); err != nil {
		return err
	}
	return h.seedInvoice(ctx, "INV-1001", "Sam Rivera",
		seedLine("P1", "Oil filter", 2, 5.00))
}

func (h *Handler) loadAddPartScenario(ctx context.Context) error {
	if err := h.seedPart(ctx, "P1", "Oil filter", "OF-250", 10, 5.00); err != nil {
		return err
	}
	if err := h.seedPart(ctx, "P2", "Air filter", "AF-330", 4, 7.00); err != nil {
		return err
	}
	return h.seedInvoice(ctx, "INV-1002", "Dana Petrov",
		seedLine("P1", "Oil filter", 2, 5.00))
}

func (h *Handler) loadConcurrentEditScenario(ctx context.Context) error {
	if err := h.seedPart(ctx, "P1", "Oil filter", "OF-250", 10, 5.00); err != nil {
		return err
	}
	if err := h.seedPart(ctx, "P2", "Air filter", "AF-330", 6, 7.00); err != nil {
		return err
	}
	return h.seedInvoice(ctx, "INV-1003", "Lee Okafor",
		seedLine("P1", "Oil filter", 2, 5.00))
}

func (h *Handler) loadDeleteRestockScenario(ctx context.Context) error {
	if err := h.seedPart(ctx, "P1", "Oil filter", "OF-250", 7, 5.00); err != nil {
		return err
	}
	if err := h.seedPart(ctx, "P2", "Air filter", "AF-330", 4, 7.00); err != nil {
		return err
	}
	return h.seedInvoice(ctx, "INV-1004", "Sam Rivera",
		seedLine("P1", "Oil filter", 3, 5.00),
		seedLine("P2", "Air filter", 1, 7.00))
}

func (h *Handler) loadInsufficientStockScenario(ctx context.Context) error {
	if err := h.seedPart(ctx, "P1", "Oil filter", "OF-250", 2, 5.00); err != nil {
		return err
	}
	return h.seedInvoice(ctx, "INV-1005", "Dana Petrov",
		seedLine("P1", "Oil filter", 1, 5.00))
}

func (h *Handler) loadRemoveLineScenario(ctx context.Context) error {
	if err := h.seedPart(ctx, "P1", "Oil filter", "OF-250", 8, 5.00); err != nil {
		return err
	}
	if err := h.seedPart(ctx, "P2", "Air filter", "AF-330", 0, 7.00); err != nil {
		return err
	}
	return h.seedInvoice(ctx, "INV-1006", "Lee Okafor",
		seedLine("P1", "Oil filter", 2, 5.00),
		seedLine("P2", "Air filter", 1, 7.00))
}

// loadWorkshopDayScenario builds a lived-in dataset by running real
// traffic through the engine: creates, an edit, payments and a
// quotation conversion, each leaving its audit trail.
func (h *Handler) loadWorkshopDayScenario(ctx context.Context) error {
	parts := []struct {
		id, name, code string
		stock          int
		price          float64
	}{
		{"P1", "Oil filter", "OF-250", 24, 5.00},
		{"P2", "Brake pad set", "BP-114", 12, 34.50},
		{"P3", "Air filter", "AF-330", 18, 9.75},
		{"P4", "Spark plug", "SP-400", 40, 3.20},
		{"P5", "Coolant 1L", "CL-010", 9, 6.80},
		{"P6", "Wiper blade", "WB-550", 6, 11.40},
	}
	for _, p := range parts {
		if err := h.seedPart(ctx, p.id, p.name, p.code, p.stock, p.price); err != nil {
			return err
		}
	}

	// A fully paid brake job.
	brakeJob, err := h.createSeedInvoice(ctx, "INV-2001", "Sam Rivera",
		seedLine("P2", "Brake pad set", 1, 34.50),
		seedLine("P4", "Spark plug", 4, 3.20))
	if err != nil {
		return err
	}
	if _, err := h.Mutator.RecordPayment(ctx, invoicing.PaymentRequest{
		InvoiceID: brakeJob.ID,
		Amount:    brakeJob.TotalAmount,
		Method:    "card",
		Reference: "POS-88121",
		SessionID: seedSession,
	}); err != nil {
		return err
	}

	// A partially paid service.
	service, err := h.createSeedInvoice(ctx, "INV-2002", "Dana Petrov",
		seedLine("P1", "Oil filter", 1, 5.00),
		seedLine("P3", "Air filter", 1, 9.75))
	if err != nil {
		return err
	}
	if _, err := h.Mutator.RecordPayment(ctx, invoicing.PaymentRequest{
		InvoiceID: service.ID,
		Amount:    invoicing.NewMoney(10.00),
		Method:    "cash",
		SessionID: seedSession,
	}); err != nil {
		return err
	}

	// A cooling job whose coolant line was bumped after the fact, so the
	// audit trail has an edit with a stock movement.
	cooling, err := h.createSeedInvoice(ctx, "INV-2003", "Lee Okafor",
		seedLine("P5", "Coolant 1L", 2, 6.80),
		seedLine("P6", "Wiper blade", 1, 11.40))
	if err != nil {
		return err
	}
	modified := cooling.Clone()
	modified.Items[0].Quantity = 3
	modified.RecalculateTotals()
	snapshot, err := h.Store.GetPartsSnapshot(ctx, []invoicing.PartID{"P5", "P6"})
	if err != nil {
		return err
	}
	editRes, err := h.Mutator.EditInvoice(ctx, invoicing.EditRequest{
		Original:     cooling,
		Modified:     modified,
		CurrentParts: snapshot,
		SessionID:    seedSession,
	})
	if err != nil {
		return err
	}
	if !editRes.OK {
		return fmt.Errorf("seed edit on %s rejected", cooling.ID)
	}

	// One quotation converted into an invoice, one still open.
	accepted := &invoicing.Quotation{
		ID:       "Q-3001",
		Number:   "Q-3001",
		Customer: invoicing.Customer{Name: "Ana Costa"},
		Items: []invoicing.LineItem{
			seedLine("P2", "Brake pad set", 1, 34.50),
			seedLine("P4", "Spark plug", 4, 3.20),
		},
		CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
	}
	for _, it := range accepted.Items {
		accepted.TotalAmount = accepted.TotalAmount.Add(it.LineTotal)
	}
	if err := h.Store.PutQuotation(ctx, accepted); err != nil {
		return err
	}
	convRes, err := h.Mutator.ConvertQuotation(ctx, invoicing.ConvertRequest{
		QuotationID: accepted.ID,
		SessionID:   seedSession,
	})
	if err != nil {
		return err
	}
	if !convRes.OK {
		return fmt.Errorf("seed conversion of %s rejected", accepted.ID)
	}

	open := &invoicing.Quotation{
		ID:       "Q-3002",
		Number:   "Q-3002",
		Customer: invoicing.Customer{Name: "Sam Rivera"},
		Items: []invoicing.LineItem{
			seedLine("P6", "Wiper blade", 2, 11.40),
		},
		CreatedAt: time.Now().UTC().Add(-2 * time.Hour),
	}
	for _, it := range open.Items {
		open.TotalAmount = open.TotalAmount.Add(it.LineTotal)
	}
	return h.Store.PutQuotation(ctx, open)
}
