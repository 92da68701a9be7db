/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario correctly sets up the expected state:
	- Parts are seeded at their documented stock levels
	- Invoices carry the documented lines, totals and versions
	- The workshop-day dataset leaves real audit history behind

These tests ensure scenarios work correctly and can be used as integration tests.
*/
package api

import (
	"context"
	"testing"

	"github.com/gearlock/workshop-engine/invoicing"
	"github.com/gearlock/workshop-engine/invoicing/store"
)

func setupTestHandler(t *testing.T) *Handler {
	t.Helper()
	return NewHandler(store.NewMemory())
}

func mustGetPart(t *testing.T, h *Handler, id invoicing.PartID) *invoicing.Part {
	t.Helper()
	p, err := h.Store.GetPart(context.Background(), id)
	if err != nil {
		t.Fatalf("Failed to get part %s: %v", id, err)
	}
	return p
}

func mustGetInvoice(t *testing.T, h *Handler, id invoicing.InvoiceID) *invoicing.Invoice {
	t.Helper()
	inv, err := h.Store.GetInvoice(context.Background(), id)
	if err != nil {
		t.Fatalf("Failed to get invoice %s: %v", id, err)
	}
	return inv
}

func TestScenario_QuantityIncrease(t *testing.T) {
	// GIVEN: The quantity-increase scenario
	// WHEN: Loading it
	// THEN: P1 sits at stock 10 and the invoice holds 2 of P1 at version 1

	h := setupTestHandler(t)
	ctx := context.Background()

	if err := h.loadQuantityIncreaseScenario(ctx); err != nil {
		t.Fatalf("Failed to load quantity-increase scenario: %v", err)
	}

	p1 := mustGetPart(t, h, "P1")
	if p1.UnitStock != 10 {
		t.Errorf("Expected P1 stock 10, got %d", p1.UnitStock)
	}

	inv := mustGetInvoice(t, h, "INV-1001")
	if inv.Version != 1 {
		t.Errorf("Expected version 1, got %d", inv.Version)
	}
	if len(inv.Items) != 1 || inv.Items[0].Quantity != 2 {
		t.Errorf("Expected one line with quantity 2, got %+v", inv.Items)
	}
	if !inv.TotalAmount.Equal(invoicing.NewMoney(10.00)) {
		t.Errorf("Expected total 10.00, got %s", inv.TotalAmount)
	}

	// The customer mirror is seeded alongside the invoice
	mirror, err := h.Store.GetCustomerInvoice(ctx, "INV-1001")
	if err != nil {
		t.Fatalf("Failed to get customer mirror: %v", err)
	}
	if mirror.CustomerName != "Sam Rivera" {
		t.Errorf("Expected mirror for Sam Rivera, got %s", mirror.CustomerName)
	}
}

func TestScenario_DeleteRestock(t *testing.T) {
	// GIVEN: The delete-restock scenario
	// WHEN: Loading it
	// THEN: Stocks are 7 and 4 with the invoice holding 3 of P1 and 1 of P2

	h := setupTestHandler(t)
	ctx := context.Background()

	if err := h.loadDeleteRestockScenario(ctx); err != nil {
		t.Fatalf("Failed to load delete-restock scenario: %v", err)
	}

	if got := mustGetPart(t, h, "P1").UnitStock; got != 7 {
		t.Errorf("Expected P1 stock 7, got %d", got)
	}
	if got := mustGetPart(t, h, "P2").UnitStock; got != 4 {
		t.Errorf("Expected P2 stock 4, got %d", got)
	}

	inv := mustGetInvoice(t, h, "INV-1004")
	if len(inv.Items) != 2 {
		t.Fatalf("Expected 2 lines, got %d", len(inv.Items))
	}
	if inv.Items[0].Quantity != 3 || inv.Items[1].Quantity != 1 {
		t.Errorf("Expected quantities 3 and 1, got %d and %d", inv.Items[0].Quantity, inv.Items[1].Quantity)
	}
}

func TestScenario_InsufficientStock(t *testing.T) {
	// GIVEN: The insufficient-stock scenario
	// WHEN: Loading it
	// THEN: P1 has only 2 units, so the documented quantity bump to 10 must fail

	h := setupTestHandler(t)
	ctx := context.Background()

	if err := h.loadInsufficientStockScenario(ctx); err != nil {
		t.Fatalf("Failed to load insufficient-stock scenario: %v", err)
	}

	if got := mustGetPart(t, h, "P1").UnitStock; got != 2 {
		t.Errorf("Expected P1 stock 2, got %d", got)
	}
	inv := mustGetInvoice(t, h, "INV-1005")
	if inv.Items[0].Quantity != 1 {
		t.Errorf("Expected quantity 1, got %d", inv.Items[0].Quantity)
	}
}

func TestScenario_RemoveLine(t *testing.T) {
	// GIVEN: The remove-line scenario
	// WHEN: Loading it
	// THEN: P2 is out of stock while the invoice still holds one unit of it

	h := setupTestHandler(t)
	ctx := context.Background()

	if err := h.loadRemoveLineScenario(ctx); err != nil {
		t.Fatalf("Failed to load remove-line scenario: %v", err)
	}

	if got := mustGetPart(t, h, "P2").UnitStock; got != 0 {
		t.Errorf("Expected P2 stock 0, got %d", got)
	}
	inv := mustGetInvoice(t, h, "INV-1006")
	if len(inv.Items) != 2 {
		t.Fatalf("Expected 2 lines, got %d", len(inv.Items))
	}
}

func TestScenario_WorkshopDay(t *testing.T) {
	// GIVEN: The workshop-day scenario
	// WHEN: Loading it
	// THEN: Invoices, payments, an edit and a conversion all went through
	//       the engine and left their audit trail

	h := setupTestHandler(t)
	ctx := context.Background()

	if err := h.loadWorkshopDayScenario(ctx); err != nil {
		t.Fatalf("Failed to load workshop-day scenario: %v", err)
	}

	parts, err := h.Store.ListParts(ctx)
	if err != nil {
		t.Fatalf("Failed to list parts: %v", err)
	}
	if len(parts) != 6 {
		t.Errorf("Expected 6 parts, got %d", len(parts))
	}

	invoices, err := h.Store.ListInvoices(ctx, invoicing.InvoiceFilter{})
	if err != nil {
		t.Fatalf("Failed to list invoices: %v", err)
	}
	// Three created invoices plus one converted from Q-3001
	if len(invoices) != 4 {
		t.Errorf("Expected 4 invoices, got %d", len(invoices))
	}

	// The brake job is fully paid
	brakeJob := mustGetInvoice(t, h, "INV-2001")
	if brakeJob.PaymentStatus != invoicing.PaymentPaid {
		t.Errorf("Expected INV-2001 paid, got %s", brakeJob.PaymentStatus)
	}
	mirror, err := h.Store.GetCustomerInvoice(ctx, "INV-2001")
	if err != nil {
		t.Fatalf("Failed to get customer mirror: %v", err)
	}
	if !mirror.PaidAmount.Equal(brakeJob.TotalAmount) {
		t.Errorf("Expected mirror paid %s, got %s", brakeJob.TotalAmount, mirror.PaidAmount)
	}

	// The service is partially paid
	if got := mustGetInvoice(t, h, "INV-2002").PaymentStatus; got != invoicing.PaymentPartial {
		t.Errorf("Expected INV-2002 partial, got %s", got)
	}

	// The cooling job was edited after creation
	cooling := mustGetInvoice(t, h, "INV-2003")
	if cooling.Version != 2 {
		t.Errorf("Expected INV-2003 at version 2, got %d", cooling.Version)
	}
	if cooling.Items[0].Quantity != 3 {
		t.Errorf("Expected coolant quantity 3 after edit, got %d", cooling.Items[0].Quantity)
	}

	// Stock reflects creates, the edit and the conversion
	if got := mustGetPart(t, h, "P5").UnitStock; got != 6 {
		t.Errorf("Expected P5 stock 6, got %d", got)
	}
	if got := mustGetPart(t, h, "P2").UnitStock; got != 10 {
		t.Errorf("Expected P2 stock 10, got %d", got)
	}

	quotes, err := h.Store.ListQuotations(ctx)
	if err != nil {
		t.Fatalf("Failed to list quotations: %v", err)
	}
	if len(quotes) != 2 {
		t.Errorf("Expected 2 quotations, got %d", len(quotes))
	}

	// Payments left their audit entries
	cat := invoicing.CategoryPayment
	entries, err := h.Store.QueryAudit(ctx, invoicing.AuditFilter{Category: &cat})
	if err != nil {
		t.Fatalf("Failed to query audit: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("Expected 2 payment audit entries, got %d", len(entries))
	}
}

func TestLoadScenario_ResetsPreviousData(t *testing.T) {
	// GIVEN: One scenario already loaded
	// WHEN: Loading another
	// THEN: The previous dataset is gone

	h := setupTestHandler(t)
	ctx := context.Background()

	if err := h.loadWorkshopDayScenario(ctx); err != nil {
		t.Fatalf("Failed to load workshop-day scenario: %v", err)
	}

	router := NewRouter(h, nil)
	rec := doJSON(t, router, "POST", "/api/scenarios/quantity-increase/load", nil)
	if rec.Code != 200 {
		t.Fatalf("Expected 200 loading scenario, got %d: %s", rec.Code, rec.Body.String())
	}

	invoices, err := h.Store.ListInvoices(ctx, invoicing.InvoiceFilter{})
	if err != nil {
		t.Fatalf("Failed to list invoices: %v", err)
	}
	if len(invoices) != 1 {
		t.Errorf("Expected only the scenario invoice, got %d", len(invoices))
	}
	if h.currentScenario != "quantity-increase" {
		t.Errorf("Expected current scenario quantity-increase, got %q", h.currentScenario)
	}
}

func TestLoadScenario_UnknownName(t *testing.T) {
	// GIVEN: A scenario name that does not exist
	// WHEN: Loading it
	// THEN: 404, and the store stays empty

	h := setupTestHandler(t)
	router := NewRouter(h, nil)

	rec := doJSON(t, router, "POST", "/api/scenarios/does-not-exist/load", nil)
	if rec.Code != 404 {
		t.Fatalf("Expected 404 for unknown scenario, got %d", rec.Code)
	}
	if h.currentScenario != "" {
		t.Errorf("Expected no current scenario, got %q", h.currentScenario)
	}
}

func TestListScenarios(t *testing.T) {
	// GIVEN: A handler
	// WHEN: Listing scenarios
	// THEN: Every documented scenario is present

	h := setupTestHandler(t)
	router := NewRouter(h, nil)

	rec := doJSON(t, router, "GET", "/api/scenarios", nil)
	if rec.Code != 200 {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var got []ScenarioDTO
	decodeBody(t, rec, &got)
	if len(got) != len(scenarios) {
		t.Errorf("Expected %d scenarios, got %d", len(scenarios), len(got))
	}
}
