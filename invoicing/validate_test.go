package invoicing_test

import (
	"strings"
	"testing"

	"github.com/gearlock/workshop-engine/invoicing"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func draft(total float64, items ...invoicing.LineItem) *invoicing.Invoice {
	return &invoicing.Invoice{
		ID:          "INV-1",
		Number:      "INV-1",
		Items:       items,
		TotalAmount: invoicing.NewMoney(total),
		Version:     1,
	}
}

func snapshot(parts ...invoicing.Part) map[invoicing.PartID]invoicing.Part {
	m := make(map[invoicing.PartID]invoicing.Part, len(parts))
	for _, p := range parts {
		m[p.ID] = p
	}
	return m
}

func validate(modified, original *invoicing.Invoice, parts map[invoicing.PartID]invoicing.Part) invoicing.ValidationResult {
	impact := invoicing.NetStockImpact(invoicing.Diff(original.Items, modified.Items))
	return invoicing.NewValidator().Validate(modified, original, parts, impact)
}

func hasCode(res invoicing.ValidationResult, code invoicing.ValidationCode) bool {
	for _, e := range res.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}

// =============================================================================
// STRUCTURAL CHECKS
// =============================================================================

func TestValidate_EmptyInvoice(t *testing.T) {
	// GIVEN: An edit that removed every line
	// WHEN: Validating
	// THEN: EMPTY_INVOICE blocks the save

	original := draft(10.00, item("p1", 2, 5.00))
	modified := draft(0)

	res := validate(modified, original, snapshot(part("p1", 10, 5.00)))

	if res.Valid {
		t.Error("empty invoice must not validate")
	}
	if !hasCode(res, invoicing.CodeEmptyInvoice) {
		t.Errorf("expected EMPTY_INVOICE, got %s", res.Summary())
	}
}

func TestValidate_InvalidQuantity(t *testing.T) {
	original := draft(10.00, item("p1", 2, 5.00))
	parts := snapshot(part("p1", 10, 5.00))

	for _, qty := range []int{0, -3} {
		modified := draft(0, item("p1", qty, 5.00))
		modified.TotalAmount = invoicing.LineTotal(qty, invoicing.NewMoney(5.00))
		res := validate(modified, original, parts)
		if !hasCode(res, invoicing.CodeInvalidQuantity) {
			t.Errorf("quantity %d: expected INVALID_QUANTITY, got %s", qty, res.Summary())
		}
	}
}

func TestValidate_InvalidPrice_NegativeOnly(t *testing.T) {
	// GIVEN: One line priced below zero and one priced exactly zero
	// THEN: Only the negative price is an error; zero is a giveaway line

	original := draft(10.00, item("p1", 2, 5.00))
	parts := snapshot(part("p1", 10, 5.00), part("p2", 10, 0))

	bad := draft(-10.00, item("p1", 2, -5.00))
	res := validate(bad, original, parts)
	if !hasCode(res, invoicing.CodeInvalidPrice) {
		t.Errorf("expected INVALID_PRICE, got %s", res.Summary())
	}

	free := draft(0, item("p2", 2, 0))
	res = validate(free, original, parts)
	if hasCode(res, invoicing.CodeInvalidPrice) {
		t.Errorf("zero price must be allowed, got %s", res.Summary())
	}
}

func TestValidate_PartNotFound(t *testing.T) {
	original := draft(10.00, item("p1", 2, 5.00))
	modified := draft(14.00, item("p1", 2, 5.00), item("p_ghost", 1, 4.00))

	res := validate(modified, original, snapshot(part("p1", 10, 5.00)))

	if res.Valid {
		t.Error("unknown part must not validate")
	}
	found := false
	for _, e := range res.Errors {
		if e.Code == invoicing.CodePartNotFound && e.PartID == "p_ghost" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected PART_NOT_FOUND for p_ghost, got %+v", res.Errors)
	}
}

// =============================================================================
// STOCK FEASIBILITY - Net, not absolute
// =============================================================================

func TestValidate_InsufficientStock_ReportsRequiredAndAvailable(t *testing.T) {
	// GIVEN: Part with 2 units in stock; edit raises the line quantity by 9
	// WHEN: Validating
	// THEN: INSUFFICIENT_STOCK with required 9 and available 2

	original := draft(5.00, item("p1", 1, 5.00))
	modified := draft(50.00, item("p1", 10, 5.00))

	res := validate(modified, original, snapshot(part("p1", 2, 5.00)))

	if res.Valid {
		t.Fatal("shortage must not validate")
	}
	var shortage *invoicing.ValidationError
	for i := range res.Errors {
		if res.Errors[i].Code == invoicing.CodeInsufficientStock {
			shortage = &res.Errors[i]
		}
	}
	if shortage == nil {
		t.Fatalf("expected INSUFFICIENT_STOCK, got %s", res.Summary())
	}
	if shortage.Required != 9 {
		t.Errorf("expected required 9, got %d", shortage.Required)
	}
	if shortage.Available != 2 {
		t.Errorf("expected available 2, got %d", shortage.Available)
	}
}

func TestValidate_NetIncreaseWithinStock_Valid(t *testing.T) {
	// GIVEN: Stock 3, line raised 2 -> 5 (net need 3, absolute 5)
	// WHEN: Validating
	// THEN: Valid; the check is against the net increase

	original := draft(10.00, item("p1", 2, 5.00))
	modified := draft(25.00, item("p1", 5, 5.00))

	res := validate(modified, original, snapshot(part("p1", 3, 5.00)))

	if !res.Valid {
		t.Errorf("net increase of 3 fits stock of 3, got %s", res.Summary())
	}
}

func TestValidate_ReducedConsumption_AlwaysFeasible(t *testing.T) {
	// Lowering a line restores stock and can never be short.
	original := draft(25.00, item("p1", 5, 5.00))
	modified := draft(10.00, item("p1", 2, 5.00))

	res := validate(modified, original, snapshot(part("p1", 0, 5.00)))

	if !res.Valid {
		t.Errorf("restoring stock must validate even at zero stock, got %s", res.Summary())
	}
}

func TestValidate_LowStockWarning(t *testing.T) {
	// GIVEN: Post-commit stock would land exactly on the threshold
	// THEN: Warning raised, result still valid; one unit above stays quiet

	original := draft(0)
	original.Items = nil

	atThreshold := draft(25.00, item("p1", 5, 5.00))
	res := validate(atThreshold, original, snapshot(part("p1", 15, 5.00)))
	if !res.Valid {
		t.Fatalf("expected valid, got %s", res.Summary())
	}
	if len(res.Warnings) != 1 || res.Warnings[0].Code != invoicing.WarnLowStockAfterCommit {
		t.Fatalf("expected low stock warning, got %+v", res.Warnings)
	}
	if res.Warnings[0].StockAfter != 10 {
		t.Errorf("expected stock after 10, got %d", res.Warnings[0].StockAfter)
	}

	aboveThreshold := draft(25.00, item("p1", 5, 5.00))
	res = validate(aboveThreshold, original, snapshot(part("p1", 16, 5.00)))
	if len(res.Warnings) != 0 {
		t.Errorf("stock landing at 11 must not warn, got %+v", res.Warnings)
	}
}

// =============================================================================
// TOTAL CONSISTENCY
// =============================================================================

func TestValidate_TotalMismatchTolerance(t *testing.T) {
	// GIVEN: Stored total off by one cent vs off by two cents
	// THEN: One cent passes, two cents is TOTAL_MISMATCH

	original := draft(10.00, item("p1", 2, 5.00))
	parts := snapshot(part("p1", 10, 5.00))

	oneCent := draft(10.01, item("p1", 2, 5.00))
	res := validate(oneCent, original, parts)
	if hasCode(res, invoicing.CodeTotalMismatch) {
		t.Errorf("one cent drift is within tolerance, got %s", res.Summary())
	}

	twoCents := draft(10.02, item("p1", 2, 5.00))
	res = validate(twoCents, original, parts)
	if !hasCode(res, invoicing.CodeTotalMismatch) {
		t.Errorf("expected TOTAL_MISMATCH, got %s", res.Summary())
	}
}

func TestValidate_TotalCheckSkippedWhenEmpty(t *testing.T) {
	// An empty invoice reports EMPTY_INVOICE only, not a bogus total error.
	original := draft(10.00, item("p1", 2, 5.00))
	modified := draft(10.00)

	res := validate(modified, original, snapshot(part("p1", 10, 5.00)))

	if hasCode(res, invoicing.CodeTotalMismatch) {
		t.Errorf("total check must be skipped for empty invoices, got %s", res.Summary())
	}
	if !hasCode(res, invoicing.CodeEmptyInvoice) {
		t.Errorf("expected EMPTY_INVOICE, got %s", res.Summary())
	}
}

// =============================================================================
// ACCUMULATION - Never short-circuits
// =============================================================================

func TestValidate_AccumulatesAllErrors(t *testing.T) {
	// GIVEN: An edit with a bad quantity, an unknown part, a shortage and a
	//        wrong total all at once
	// WHEN: Validating
	// THEN: Every problem is reported in one pass

	original := draft(5.00, item("p1", 1, 5.00))
	modified := draft(99.00,
		item("p1", 50, 5.00),  // shortage: needs 49, stock 10
		item("p_ghost", 1, 1), // unknown part
		item("p2", 0, 4.00),   // zero quantity
	)

	res := validate(modified, original, snapshot(part("p1", 10, 5.00), part("p2", 5, 4.00)))

	if res.Valid {
		t.Fatal("expected invalid result")
	}
	for _, code := range []invoicing.ValidationCode{
		invoicing.CodeInvalidQuantity,
		invoicing.CodePartNotFound,
		invoicing.CodeInsufficientStock,
		invoicing.CodeTotalMismatch,
	} {
		if !hasCode(res, code) {
			t.Errorf("expected %s in %s", code, res.Summary())
		}
	}
	if len(res.Errors) < 4 {
		t.Errorf("expected at least 4 accumulated errors, got %d", len(res.Errors))
	}
}

func TestValidationResult_Summary(t *testing.T) {
	res := invoicing.ValidationResult{Valid: true}
	if res.Summary() != "valid" {
		t.Errorf("expected 'valid', got %q", res.Summary())
	}

	res = invoicing.ValidationResult{
		Errors: []invoicing.ValidationError{
			{Code: invoicing.CodeEmptyInvoice},
			{Code: invoicing.CodeTotalMismatch},
		},
	}
	s := res.Summary()
	if !strings.Contains(s, "EMPTY_INVOICE") || !strings.Contains(s, "TOTAL_MISMATCH") {
		t.Errorf("summary should list codes, got %q", s)
	}
}
