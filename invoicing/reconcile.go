/*
reconcile.go - Stock reconciliation between invoice revisions

PURPOSE:
  Computes what an invoice edit means for parts inventory. This is the
  central calculation that answers "which stock rows change, and by how
  much?" when line items are added, removed or modified.

KEY INSIGHT:
  Stock impact is computed against the NET change, not the new absolute
  quantities. Raising a line from 2 to 5 units consumes 3 more units, not
  5. The sign convention follows the inventory's point of view:

    positive impact  = restore to stock   (invoice lowered consumption)
    negative impact  = allocate from stock (invoice raised consumption)

EXAMPLE:
  Original: [{P1 qty:2}]           Modified: [{P1 qty:5}, {P2 qty:3}]

  Diff:       P1 modified (2->5), P2 added
  Impact:     {P1: -3, P2: -3}
  Updates:    P1 stock 10 -> 7, P2 stock 4 -> 1

DETERMINISM:
  All outputs are ordered by part id ascending so that batches and audit
  entries are reproducible. Duplicate lines for the same part id are
  aggregated (quantities summed, last price wins) before comparison.

PURITY:
  Nothing in this file performs I/O. Current stock levels come in as a
  caller-provided snapshot; missing parts are omitted from the updates and
  reported by the validator instead.

SEE ALSO:
  - validate.go: Consumes the impact map for feasibility checks
  - mutator.go: Turns StockUpdates into batch operations
  - audit.go: Completion entries embed the applied StockChanges
*/
package invoicing

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DIFF - Line-level classification between two revisions
// =============================================================================

// LineDelta describes one part whose line survived the edit but changed
// quantity and/or unit price.
type LineDelta struct {
	PartID        PartID
	PartName      string
	OriginalQty   int
	ModifiedQty   int
	OriginalPrice decimal.Decimal
	ModifiedPrice decimal.Decimal
}

// QtyDelta is the net quantity change for a modified line.
func (d LineDelta) QtyDelta() int {
	return d.ModifiedQty - d.OriginalQty
}

// ItemDiff is the classification of every part referenced by either
// revision. Each slice is ordered by part id ascending.
type ItemDiff struct {
	Added     []LineItem
	Removed   []LineItem
	Modified  []LineDelta
	Unchanged []LineItem
}

// Empty reports whether the edit changed no line at all.
func (d ItemDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0
}

// aggregate folds duplicate lines for the same part into one, summing
// quantities. The aggregated line keeps the last name and price seen and
// recomputes its total.
func aggregate(items []LineItem) []LineItem {
	byPart := make(map[PartID]LineItem, len(items))
	for _, it := range items {
		agg, ok := byPart[it.PartID]
		if !ok {
			byPart[it.PartID] = it
			continue
		}
		agg.Quantity += it.Quantity
		agg.PartName = it.PartName
		agg.UnitPrice = it.UnitPrice
		agg.LineTotal = LineTotal(agg.Quantity, agg.UnitPrice)
		byPart[it.PartID] = agg
	}
	out := make([]LineItem, 0, len(byPart))
	for _, it := range byPart {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartID < out[j].PartID })
	return out
}

// Diff classifies every part referenced by either revision as added,
// removed, modified or unchanged. A line is modified when the same part id
// appears on both sides with a different quantity or a unit price that
// differs by more than half a cent. A line whose part id changed shows up
// as one removal plus one addition.
func Diff(original, modified []LineItem) ItemDiff {
	orig := aggregate(original)
	mod := aggregate(modified)

	origBy := make(map[PartID]LineItem, len(orig))
	for _, it := range orig {
		origBy[it.PartID] = it
	}
	modBy := make(map[PartID]LineItem, len(mod))
	for _, it := range mod {
		modBy[it.PartID] = it
	}

	var d ItemDiff
	for _, it := range mod {
		before, ok := origBy[it.PartID]
		if !ok {
			d.Added = append(d.Added, it)
			continue
		}
		if before.Quantity == it.Quantity && PriceEqual(before.UnitPrice, it.UnitPrice) {
			d.Unchanged = append(d.Unchanged, it)
			continue
		}
		d.Modified = append(d.Modified, LineDelta{
			PartID:        it.PartID,
			PartName:      it.PartName,
			OriginalQty:   before.Quantity,
			ModifiedQty:   it.Quantity,
			OriginalPrice: before.UnitPrice,
			ModifiedPrice: it.UnitPrice,
		})
	}
	for _, it := range orig {
		if _, ok := modBy[it.PartID]; !ok {
			d.Removed = append(d.Removed, it)
		}
	}
	return d
}

// =============================================================================
// IMPACT - Net per-part stock deltas
// =============================================================================

// NetStockImpact reduces a diff to the signed stock adjustment per part.
// Positive restores stock, negative allocates from it. Parts whose net
// change is zero (price-only modifications) are dropped.
func NetStockImpact(d ItemDiff) map[PartID]int {
	impact := make(map[PartID]int)
	for _, it := range d.Added {
		impact[it.PartID] -= it.Quantity
	}
	for _, it := range d.Removed {
		impact[it.PartID] += it.Quantity
	}
	for _, m := range d.Modified {
		impact[m.PartID] -= m.QtyDelta()
	}
	for id, delta := range impact {
		if delta == 0 {
			delete(impact, id)
		}
	}
	return impact
}

// RestoreAll returns the impact that hands every consumed unit back to
// inventory. Used by the delete path.
func RestoreAll(inv *Invoice) map[PartID]int {
	impact := make(map[PartID]int)
	for _, it := range aggregate(inv.Items) {
		impact[it.PartID] += it.Quantity
	}
	return impact
}

// =============================================================================
// UPDATES - Concrete stock writes
// =============================================================================

// GeneratePartUpdates turns an impact map into concrete stock writes
// against a caller-provided parts snapshot, ordered by part id ascending.
// A part's new stock never goes below zero; the validator has already
// rejected edits that would need it to. Parts absent from the snapshot are
// omitted here and reported as PART_NOT_FOUND by the validator.
func GeneratePartUpdates(impact map[PartID]int, currentParts map[PartID]Part) []StockUpdate {
	ids := make([]PartID, 0, len(impact))
	for id := range impact {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	updates := make([]StockUpdate, 0, len(ids))
	for _, id := range ids {
		part, ok := currentParts[id]
		if !ok {
			continue
		}
		delta := impact[id]
		after := part.UnitStock + delta
		if after < 0 {
			after = 0
		}
		updates = append(updates, StockUpdate{
			PartID:   id,
			PartName: part.Name,
			Before:   part.UnitStock,
			After:    after,
			Delta:    delta,
		})
	}
	return updates
}

// ApplyStockChanges stamps a slice of StockUpdates into audit-facing
// StockChange records sharing one operation id and timestamp.
func ApplyStockChanges(updates []StockUpdate, operationID string, at time.Time) []StockChange {
	changes := make([]StockChange, 0, len(updates))
	for _, u := range updates {
		reason := ReasonAllocate
		if u.Delta > 0 {
			reason = ReasonRestore
		}
		changes = append(changes, StockChange{
			PartID:         u.PartID,
			PartName:       u.PartName,
			QuantityBefore: u.Before,
			QuantityAfter:  u.After,
			Delta:          u.Delta,
			Reason:         reason,
			OperationID:    operationID,
			Timestamp:      at,
		})
	}
	return changes
}

// =============================================================================
// AUDIT ENTRIES - One per changed line
// =============================================================================

// BuildAuditEntries produces one entry per added, removed and modified
// line, ordered additions, removals, then modifications, each ascending by
// part id. The completion entry summarizing the whole edit is built
// separately by the Recorder.
func BuildAuditEntries(d ItemDiff, invoiceID InvoiceID, invoiceNumber, sessionID, operationID string, at time.Time) []AuditEntry {
	entries := make([]AuditEntry, 0, len(d.Added)+len(d.Removed)+len(d.Modified))
	base := func(action AuditAction, details string, meta map[string]string) AuditEntry {
		return AuditEntry{
			ID:            newAuditID(),
			Timestamp:     at,
			SessionID:     sessionID,
			OperationID:   operationID,
			Action:        action,
			Category:      CategoryInvoice,
			InvoiceID:     invoiceID,
			InvoiceNumber: invoiceNumber,
			Details:       details,
			Metadata:      meta,
		}
	}
	for _, it := range d.Added {
		entries = append(entries, base(ActionLineAdded,
			fmt.Sprintf("added %s x%d @ %s", it.PartName, it.Quantity, it.UnitPrice.StringFixed(2)),
			map[string]string{
				"partId":    string(it.PartID),
				"quantity":  fmt.Sprintf("%d", it.Quantity),
				"unitPrice": it.UnitPrice.StringFixed(2),
			}))
	}
	for _, it := range d.Removed {
		entries = append(entries, base(ActionLineRemoved,
			fmt.Sprintf("removed %s x%d", it.PartName, it.Quantity),
			map[string]string{
				"partId":   string(it.PartID),
				"quantity": fmt.Sprintf("%d", it.Quantity),
			}))
	}
	for _, m := range d.Modified {
		entries = append(entries, base(ActionLineModified,
			fmt.Sprintf("modified %s: qty %d -> %d, price %s -> %s",
				m.PartName, m.OriginalQty, m.ModifiedQty,
				m.OriginalPrice.StringFixed(2), m.ModifiedPrice.StringFixed(2)),
			map[string]string{
				"partId":  string(m.PartID),
				"qtyFrom": fmt.Sprintf("%d", m.OriginalQty),
				"qtyTo":   fmt.Sprintf("%d", m.ModifiedQty),
			}))
	}
	return entries
}
