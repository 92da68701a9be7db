/*
conflict.go - Optimistic concurrency conflict detection and resolution

PURPOSE:
  Detects when another actor committed the invoice after the caller
  loaded it, enumerates exactly which fields diverged, and applies the
  resolution strategy the caller picked.

DETECTION:
  An edit is based on the snapshot the session loaded (the base). Before
  committing, the live document is read; a stored version above the base
  version means someone else won the race. The report lists the fields
  (customer block, notes, totalAmount, every line item by part id) that
  differ between the remote document and the base.

CLASSIFICATION:
  DetectFieldConflicts is a three-way diff against the base:
    local_only    only this editor changed the field
    remote_only   only the other actor changed it
    both_changed  both sides diverged from the base
  Two sides landing on the same value is not a conflict.

RESOLUTIONS:
  abort                        terminate, no mutation
  discard_local_reload_remote  throw away local edits, adopt remote
  force_overwrite              take local wholesale, overwrite remote
  merge                        adopt remote-only changes, keep local on
                               collisions

  force_overwrite and merge rebase the working copy onto the remote
  version so the subsequent commit preconditions on what is stored now.

SEE ALSO:
  - mutator.go: Runs CheckBeforeSave first on every edit
  - session.go: Applies resolutions to a conflicted session
*/
package invoicing

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// REPORT TYPES
// =============================================================================

type ConflictType string

const (
	ConflictLocalOnly   ConflictType = "local_only"
	ConflictRemoteOnly  ConflictType = "remote_only"
	ConflictBothChanged ConflictType = "both_changed"
)

// FieldConflict describes one diverged field with display-ready values.
type FieldConflict struct {
	Field  string
	Type   ConflictType
	Local  string
	Remote string
}

// ConflictReport is the outcome of a pre-save version check.
type ConflictReport struct {
	HasConflicts    bool
	InvoiceID       InvoiceID
	ExpectedVersion int64
	RemoteVersion   int64
	Remote          *Invoice
	Conflicts       []FieldConflict
}

type ResolutionStrategy string

const (
	ResolutionAbort          ResolutionStrategy = "abort"
	ResolutionDiscardLocal   ResolutionStrategy = "discard_local_reload_remote"
	ResolutionForceOverwrite ResolutionStrategy = "force_overwrite"
	ResolutionMerge          ResolutionStrategy = "merge"
)

// KnownResolution reports whether s names a supported strategy.
func KnownResolution(s ResolutionStrategy) bool {
	switch s {
	case ResolutionAbort, ResolutionDiscardLocal, ResolutionForceOverwrite, ResolutionMerge:
		return true
	}
	return false
}

// =============================================================================
// DETECTOR
// =============================================================================

// Detector reads the live invoice to decide whether a commit based on a
// given snapshot is still safe.
type Detector struct {
	Store Store
}

func NewDetector(store Store) *Detector {
	return &Detector{Store: store}
}

// CheckBeforeSave reads the live invoice and compares its version against
// the original snapshot's. No conflict when they match. On conflict the
// report carries the remote document and the fields that diverged from
// the snapshot. A missing live document surfaces as ErrNotFound.
func (d *Detector) CheckBeforeSave(ctx context.Context, original *Invoice) (*ConflictReport, error) {
	remote, err := d.Store.GetInvoice(ctx, original.ID)
	if err != nil {
		return nil, fmt.Errorf("conflict check on invoice %s: %w", original.ID, err)
	}

	report := &ConflictReport{
		InvoiceID:       original.ID,
		ExpectedVersion: original.Version,
		RemoteVersion:   remote.Version,
	}
	if remote.Version <= original.Version {
		return report, nil
	}

	report.HasConflicts = true
	report.Remote = remote
	for _, fd := range diffFields(original, remote) {
		report.Conflicts = append(report.Conflicts, FieldConflict{
			Field:  fd.field,
			Type:   ConflictRemoteOnly,
			Local:  fd.a,
			Remote: fd.b,
		})
	}
	return report, nil
}

// DetectFieldConflicts classifies every field that diverged from the base
// on either side. Fields where both sides landed on the same value are
// dropped.
func DetectFieldConflicts(base, local, remote *Invoice) []FieldConflict {
	localDiffs := make(map[string]fieldDiff)
	for _, fd := range diffFields(base, local) {
		localDiffs[fd.field] = fd
	}
	remoteDiffs := make(map[string]fieldDiff)
	for _, fd := range diffFields(base, remote) {
		remoteDiffs[fd.field] = fd
	}

	fields := make([]string, 0, len(localDiffs)+len(remoteDiffs))
	seen := make(map[string]bool)
	for f := range localDiffs {
		fields = append(fields, f)
		seen[f] = true
	}
	for f := range remoteDiffs {
		if !seen[f] {
			fields = append(fields, f)
		}
	}
	sort.Strings(fields)

	var out []FieldConflict
	for _, f := range fields {
		ld, lOK := localDiffs[f]
		rd, rOK := remoteDiffs[f]
		switch {
		case lOK && rOK:
			if ld.b == rd.b {
				// Convergent edit, nothing to resolve.
				continue
			}
			out = append(out, FieldConflict{Field: f, Type: ConflictBothChanged, Local: ld.b, Remote: rd.b})
		case lOK:
			out = append(out, FieldConflict{Field: f, Type: ConflictLocalOnly, Local: ld.b, Remote: ld.a})
		default:
			out = append(out, FieldConflict{Field: f, Type: ConflictRemoteOnly, Local: rd.a, Remote: rd.b})
		}
	}
	return out
}

// =============================================================================
// RESOLUTION
// =============================================================================

// ApplyResolution produces the working copy an edit session should carry
// after the caller picked a strategy. The result is rebased onto the
// remote's version so the next commit preconditions on current state.
// Abort returns ErrEditAborted and no document.
func ApplyResolution(strategy ResolutionStrategy, base, local, remote *Invoice) (*Invoice, error) {
	switch strategy {
	case ResolutionAbort:
		return nil, ErrEditAborted

	case ResolutionDiscardLocal:
		return remote.Clone(), nil

	case ResolutionForceOverwrite:
		out := local.Clone()
		out.Version = remote.Version
		out.EditCount = remote.EditCount
		return out, nil

	case ResolutionMerge:
		out := local.Clone()
		for _, fc := range DetectFieldConflicts(base, local, remote) {
			if fc.Type != ConflictRemoteOnly {
				continue
			}
			mergeField(out, remote, fc.Field)
		}
		out.Version = remote.Version
		out.EditCount = remote.EditCount
		out.RecalculateTotals()
		return out, nil

	default:
		return nil, fmt.Errorf("unknown resolution strategy %q", strategy)
	}
}

// mergeField copies one remote field onto the working copy. Item fields
// replace, add or drop the line for that part.
func mergeField(out, remote *Invoice, field string) {
	switch field {
	case "customer.name":
		out.Customer.Name = remote.Customer.Name
	case "customer.contact":
		out.Customer.Contact = remote.Customer.Contact
	case "customer.address":
		out.Customer.Address = remote.Customer.Address
	case "notes":
		out.Notes = remote.Notes
	case "totalAmount":
		// Recomputed from items after the merge.
	default:
		partID, ok := strings.CutPrefix(field, "items.")
		if !ok {
			return
		}
		id := PartID(partID)
		remoteLine, inRemote := findLine(remote.Items, id)
		idx := -1
		for i, it := range out.Items {
			if it.PartID == id {
				idx = i
				break
			}
		}
		switch {
		case inRemote && idx >= 0:
			out.Items[idx] = remoteLine
		case inRemote:
			out.Items = append(out.Items, remoteLine)
		case idx >= 0:
			out.Items = append(out.Items[:idx], out.Items[idx+1:]...)
		}
	}
}

func findLine(items []LineItem, id PartID) (LineItem, bool) {
	for _, it := range items {
		if it.PartID == id {
			return it, true
		}
	}
	return LineItem{}, false
}

// =============================================================================
// FIELD DIFFS
// =============================================================================

type fieldDiff struct {
	field string
	a, b  string
}

// diffFields lists the fields where two revisions differ, with formatted
// values, in a fixed order: customer block, notes, totalAmount, then line
// items ascending by part id.
func diffFields(a, b *Invoice) []fieldDiff {
	var out []fieldDiff
	add := func(field, av, bv string) {
		if av != bv {
			out = append(out, fieldDiff{field: field, a: av, b: bv})
		}
	}
	add("customer.name", a.Customer.Name, b.Customer.Name)
	add("customer.contact", a.Customer.Contact, b.Customer.Contact)
	add("customer.address", a.Customer.Address, b.Customer.Address)
	add("notes", a.Notes, b.Notes)
	add("totalAmount", a.TotalAmount.StringFixed(2), b.TotalAmount.StringFixed(2))

	ids := make(map[PartID]bool)
	for _, it := range a.Items {
		ids[it.PartID] = true
	}
	for _, it := range b.Items {
		ids[it.PartID] = true
	}
	sorted := make([]PartID, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	for _, id := range sorted {
		add("items."+string(id), formatLine(a.Items, id), formatLine(b.Items, id))
	}
	return out
}

func formatLine(items []LineItem, id PartID) string {
	it, ok := findLine(items, id)
	if !ok {
		return "(none)"
	}
	return fmt.Sprintf("qty %d @ %s", it.Quantity, it.UnitPrice.StringFixed(2))
}
