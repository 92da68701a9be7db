/*
validate.go - Business-rule validation for invoice edits

PURPOSE:
  Pure structural and feasibility checks over a modified invoice before
  any write is attempted. All problems are accumulated into one result;
  validation never short-circuits, so the caller can render the complete
  list.

CHECKS:
  EMPTY_INVOICE       zero line items at commit time
  INVALID_QUANTITY    quantity <= 0
  INVALID_PRICE       unit price below zero
  PART_NOT_FOUND      line references a part absent from the snapshot
  INSUFFICIENT_STOCK  net allocation would drive unitStock below zero
  TOTAL_MISMATCH      |sum(lineTotal) - totalAmount| > one minor unit

WARNINGS (non-blocking):
  LOW_STOCK_AFTER_COMMIT  post-commit unitStock at or below the threshold

STOCK CHECKS ARE NET:
  Raising a line from 2 to 5 needs 3 units available, not 5. The impact
  map computed by reconcile.go carries exactly that net view.

SEE ALSO:
  - reconcile.go: Produces the impact map consumed here
  - mutator.go: Runs validation on the fixed path before every commit
*/
package invoicing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RESULT TYPES
// =============================================================================

type ValidationCode string

const (
	CodeInsufficientStock ValidationCode = "INSUFFICIENT_STOCK"
	CodePartNotFound      ValidationCode = "PART_NOT_FOUND"
	CodeInvalidQuantity   ValidationCode = "INVALID_QUANTITY"
	CodeInvalidPrice      ValidationCode = "INVALID_PRICE"
	CodeTotalMismatch     ValidationCode = "TOTAL_MISMATCH"
	CodeEmptyInvoice      ValidationCode = "EMPTY_INVOICE"
)

type WarningCode string

const (
	WarnLowStockAfterCommit WarningCode = "LOW_STOCK_AFTER_COMMIT"
)

// ValidationError is one blocking problem with a modified invoice.
// Required and Available are populated for stock shortages.
type ValidationError struct {
	Code      ValidationCode
	PartID    PartID
	Field     string
	Message   string
	Required  int
	Available int
}

// ValidationWarning is advisory only; it never blocks a save.
type ValidationWarning struct {
	Code       WarningCode
	PartID     PartID
	Message    string
	StockAfter int
}

type ValidationResult struct {
	Valid    bool
	Errors   []ValidationError
	Warnings []ValidationWarning
}

// =============================================================================
// VALIDATOR
// =============================================================================

// DefaultLowStockThreshold is the stock level at or below which a
// post-commit warning is raised.
const DefaultLowStockThreshold = 10

// Validator holds the tunables for edit validation. The zero value is not
// usable; construct with NewValidator.
type Validator struct {
	LowStockThreshold int
}

func NewValidator() *Validator {
	return &Validator{LowStockThreshold: DefaultLowStockThreshold}
}

// Validate checks a modified invoice against the original, the current
// parts snapshot and the precomputed net stock impact. It mutates nothing.
// Error order is deterministic: structural problems in item order first,
// then stock feasibility by part id, then the total check.
func (v *Validator) Validate(modified, original *Invoice, currentParts map[PartID]Part, impact map[PartID]int) ValidationResult {
	var res ValidationResult

	if len(modified.Items) == 0 {
		res.Errors = append(res.Errors, ValidationError{
			Code:    CodeEmptyInvoice,
			Field:   "items",
			Message: "invoice has no line items",
		})
	}

	for i, it := range modified.Items {
		if it.Quantity <= 0 {
			res.Errors = append(res.Errors, ValidationError{
				Code:    CodeInvalidQuantity,
				PartID:  it.PartID,
				Field:   fmt.Sprintf("items[%d].quantity", i),
				Message: fmt.Sprintf("quantity must be a positive integer, got %d", it.Quantity),
			})
		}
		if it.UnitPrice.IsNegative() {
			res.Errors = append(res.Errors, ValidationError{
				Code:    CodeInvalidPrice,
				PartID:  it.PartID,
				Field:   fmt.Sprintf("items[%d].unitPrice", i),
				Message: fmt.Sprintf("unit price must not be negative, got %s", it.UnitPrice.StringFixed(2)),
			})
		}
		if _, ok := currentParts[it.PartID]; !ok {
			res.Errors = append(res.Errors, ValidationError{
				Code:    CodePartNotFound,
				PartID:  it.PartID,
				Field:   fmt.Sprintf("items[%d].partId", i),
				Message: fmt.Sprintf("part %s not found in inventory", it.PartID),
			})
		}
	}

	// Feasibility against net impact, deterministic by part id.
	ids := make([]PartID, 0, len(impact))
	for id := range impact {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		delta := impact[id]
		part, ok := currentParts[id]
		if !ok {
			// Already reported as PART_NOT_FOUND above when the part is
			// still referenced; a removed unknown part needs no stock
			// check.
			continue
		}
		after := part.UnitStock + delta
		if after < 0 {
			res.Errors = append(res.Errors, ValidationError{
				Code:      CodeInsufficientStock,
				PartID:    id,
				Field:     "unitStock",
				Message:   fmt.Sprintf("part %s: need %d more, only %d in stock", part.Name, -delta, part.UnitStock),
				Required:  -delta,
				Available: part.UnitStock,
			})
			continue
		}
		if after <= v.LowStockThreshold {
			res.Warnings = append(res.Warnings, ValidationWarning{
				Code:       WarnLowStockAfterCommit,
				PartID:     id,
				Message:    fmt.Sprintf("part %s will be down to %d units after this edit", part.Name, after),
				StockAfter: after,
			})
		}
	}

	if len(modified.Items) > 0 {
		sum := decimal.Zero
		for _, it := range modified.Items {
			sum = sum.Add(LineTotal(it.Quantity, it.UnitPrice))
		}
		if !TotalWithinTolerance(sum, modified.TotalAmount) {
			res.Errors = append(res.Errors, ValidationError{
				Code:    CodeTotalMismatch,
				Field:   "totalAmount",
				Message: fmt.Sprintf("line totals sum to %s but totalAmount is %s", sum.StringFixed(2), modified.TotalAmount.StringFixed(2)),
			})
		}
	}

	res.Valid = len(res.Errors) == 0
	return res
}

// Summary renders the result as one display line, errors first.
func (r ValidationResult) Summary() string {
	if r.Valid {
		if len(r.Warnings) == 0 {
			return "valid"
		}
		return fmt.Sprintf("valid with %d warning(s)", len(r.Warnings))
	}
	codes := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		codes = append(codes, string(e.Code))
	}
	return fmt.Sprintf("invalid: %s", strings.Join(codes, ", "))
}
