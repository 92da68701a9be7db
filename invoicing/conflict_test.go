package invoicing_test

import (
	"context"
	"testing"

	"github.com/gearlock/workshop-engine/invoicing"
	"github.com/gearlock/workshop-engine/invoicing/store"
)

// =============================================================================
// PRE-SAVE VERSION CHECK TESTS
// =============================================================================

func TestCheckBeforeSave_NoConflictWhenVersionsMatch(t *testing.T) {
	// GIVEN: The stored invoice still carries the version the session loaded
	// WHEN: Checking before save
	// THEN: No conflict, no remote document attached

	ctx := context.Background()
	s := store.NewMemory()
	stored := draft(10.00, item("p1", 2, 5.00))
	stored.Version = 2
	if err := s.PutInvoice(ctx, stored); err != nil {
		t.Fatal(err)
	}

	report, err := invoicing.NewDetector(s).CheckBeforeSave(ctx, stored.Clone())
	if err != nil {
		t.Fatal(err)
	}
	if report.HasConflicts {
		t.Errorf("expected no conflict, got %+v", report.Conflicts)
	}
	if report.Remote != nil {
		t.Error("no-conflict report should not carry the remote document")
	}
	if report.ExpectedVersion != 2 || report.RemoteVersion != 2 {
		t.Errorf("expected versions 2/2, got %d/%d", report.ExpectedVersion, report.RemoteVersion)
	}
}

func TestCheckBeforeSave_RemoteNewerWins(t *testing.T) {
	// GIVEN: Another actor committed version 3 while the session holds
	//        version 2 with different notes and a changed line
	// WHEN: Checking before save
	// THEN: Conflict with the diverged fields listed as remote changes

	ctx := context.Background()
	s := store.NewMemory()

	base := draft(10.00, item("p1", 2, 5.00))
	base.Version = 2
	base.Notes = "as quoted"

	remote := base.Clone()
	remote.Version = 3
	remote.Notes = "customer called, added filter"
	remote.Items = []invoicing.LineItem{item("p1", 2, 5.00), item("p2", 1, 4.00)}
	remote.RecalculateTotals()
	if err := s.PutInvoice(ctx, remote); err != nil {
		t.Fatal(err)
	}

	report, err := invoicing.NewDetector(s).CheckBeforeSave(ctx, base)
	if err != nil {
		t.Fatal(err)
	}
	if !report.HasConflicts {
		t.Fatal("expected a conflict")
	}
	if report.RemoteVersion != 3 {
		t.Errorf("expected remote version 3, got %d", report.RemoteVersion)
	}
	if report.Remote == nil {
		t.Fatal("conflict report must carry the remote document")
	}

	byField := map[string]invoicing.FieldConflict{}
	for _, fc := range report.Conflicts {
		byField[fc.Field] = fc
	}
	if _, ok := byField["notes"]; !ok {
		t.Errorf("expected notes conflict, got %+v", report.Conflicts)
	}
	if fc, ok := byField["items.p2"]; !ok || fc.Remote != "qty 1 @ 4.00" || fc.Local != "(none)" {
		t.Errorf("expected items.p2 remote line, got %+v", fc)
	}
	for _, fc := range report.Conflicts {
		if fc.Type != invoicing.ConflictRemoteOnly {
			t.Errorf("pre-save conflicts are remote-side by definition, got %+v", fc)
		}
	}
}

func TestCheckBeforeSave_MissingInvoice(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	orphan := draft(10.00, item("p1", 2, 5.00))

	_, err := invoicing.NewDetector(s).CheckBeforeSave(ctx, orphan)
	if err == nil || !invoicing.IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}
}

// =============================================================================
// THREE-WAY FIELD CLASSIFICATION TESTS
// =============================================================================

func TestDetectFieldConflicts_Classification(t *testing.T) {
	// GIVEN: Local changed notes, remote changed the customer name, both
	//        changed the same line differently
	// WHEN: Classifying against the base
	// THEN: local_only, remote_only and both_changed respectively

	base := draft(10.00, item("p1", 2, 5.00))
	base.Customer.Name = "Priya Raman"
	base.Notes = "as quoted"

	local := base.Clone()
	local.Notes = "rush job"
	local.Items = []invoicing.LineItem{item("p1", 3, 5.00)}

	remote := base.Clone()
	remote.Customer.Name = "Priya R."
	remote.Items = []invoicing.LineItem{item("p1", 5, 5.00)}

	conflicts := invoicing.DetectFieldConflicts(base, local, remote)

	byField := map[string]invoicing.FieldConflict{}
	for _, fc := range conflicts {
		byField[fc.Field] = fc
	}
	if fc := byField["notes"]; fc.Type != invoicing.ConflictLocalOnly {
		t.Errorf("notes should be local_only, got %+v", fc)
	}
	if fc := byField["customer.name"]; fc.Type != invoicing.ConflictRemoteOnly {
		t.Errorf("customer.name should be remote_only, got %+v", fc)
	}
	fc, ok := byField["items.p1"]
	if !ok || fc.Type != invoicing.ConflictBothChanged {
		t.Fatalf("items.p1 should be both_changed, got %+v", fc)
	}
	if fc.Local != "qty 3 @ 5.00" || fc.Remote != "qty 5 @ 5.00" {
		t.Errorf("expected display values for both sides, got %+v", fc)
	}
}

func TestDetectFieldConflicts_ConvergentEditDropped(t *testing.T) {
	// Both sides landing on the same value is not a conflict.
	base := draft(10.00, item("p1", 2, 5.00))
	base.Notes = "old"

	local := base.Clone()
	local.Notes = "new"
	remote := base.Clone()
	remote.Notes = "new"

	conflicts := invoicing.DetectFieldConflicts(base, local, remote)
	for _, fc := range conflicts {
		if fc.Field == "notes" {
			t.Errorf("convergent notes edit must be dropped, got %+v", fc)
		}
	}
}

func TestDetectFieldConflicts_NoChanges(t *testing.T) {
	base := draft(10.00, item("p1", 2, 5.00))
	conflicts := invoicing.DetectFieldConflicts(base, base.Clone(), base.Clone())
	if len(conflicts) != 0 {
		t.Errorf("expected no conflicts, got %+v", conflicts)
	}
}

// =============================================================================
// RESOLUTION TESTS
// =============================================================================

func resolutionFixtures() (base, local, remote *invoicing.Invoice) {
	base = draft(10.00, item("p1", 2, 5.00))
	base.Version = 2
	base.EditCount = 1
	base.Notes = "as quoted"

	local = base.Clone()
	local.Items = []invoicing.LineItem{item("p1", 3, 5.00)}
	local.RecalculateTotals()

	remote = base.Clone()
	remote.Version = 3
	remote.EditCount = 2
	remote.Notes = "customer called"
	remote.Items = []invoicing.LineItem{item("p1", 2, 5.00), item("p2", 1, 4.00)}
	remote.RecalculateTotals()
	return
}

func TestApplyResolution_Abort(t *testing.T) {
	base, local, remote := resolutionFixtures()
	out, err := invoicing.ApplyResolution(invoicing.ResolutionAbort, base, local, remote)
	if out != nil {
		t.Error("abort must not return a document")
	}
	if err != invoicing.ErrEditAborted {
		t.Errorf("expected ErrEditAborted, got %v", err)
	}
}

func TestApplyResolution_DiscardLocal(t *testing.T) {
	// GIVEN: The editor gives up their changes
	// THEN: The working copy becomes a deep copy of the remote document

	base, local, remote := resolutionFixtures()
	out, err := invoicing.ApplyResolution(invoicing.ResolutionDiscardLocal, base, local, remote)
	if err != nil {
		t.Fatal(err)
	}
	if out.Notes != "customer called" || len(out.Items) != 2 {
		t.Errorf("expected remote content, got %+v", out)
	}
	if out.Version != 3 {
		t.Errorf("expected remote version 3, got %d", out.Version)
	}
	out.Items[0].Quantity = 99
	if remote.Items[0].Quantity == 99 {
		t.Error("resolution must hand out a deep copy")
	}
}

func TestApplyResolution_ForceOverwrite(t *testing.T) {
	// GIVEN: The editor insists on their version
	// THEN: Local content survives wholesale, rebased onto the remote
	//       version so the commit preconditions on current state

	base, local, remote := resolutionFixtures()
	out, err := invoicing.ApplyResolution(invoicing.ResolutionForceOverwrite, base, local, remote)
	if err != nil {
		t.Fatal(err)
	}
	if out.Notes != "as quoted" {
		t.Errorf("local notes should survive, got %q", out.Notes)
	}
	if len(out.Items) != 1 || out.Items[0].Quantity != 3 {
		t.Errorf("local items should survive, got %+v", out.Items)
	}
	if out.Version != 3 || out.EditCount != 2 {
		t.Errorf("expected rebase onto version 3 / edit count 2, got %d/%d", out.Version, out.EditCount)
	}
}

func TestApplyResolution_Merge(t *testing.T) {
	// GIVEN: Remote added p2 and changed notes; local changed p1's quantity
	// WHEN: Merging
	// THEN: Remote-only changes are adopted, the collision-free local p1
	//       edit survives, and the total is recomputed

	base, local, remote := resolutionFixtures()
	out, err := invoicing.ApplyResolution(invoicing.ResolutionMerge, base, local, remote)
	if err != nil {
		t.Fatal(err)
	}

	if out.Notes != "customer called" {
		t.Errorf("remote-only notes change should be adopted, got %q", out.Notes)
	}
	p1, ok := findQty(out.Items, "p1")
	if !ok || p1 != 3 {
		t.Errorf("local p1 quantity should survive the merge, got %d", p1)
	}
	p2, ok := findQty(out.Items, "p2")
	if !ok || p2 != 1 {
		t.Errorf("remote-added p2 line should be merged in, got present=%v", ok)
	}
	want := invoicing.NewMoney(19.00) // 3x5.00 + 1x4.00
	if !out.TotalAmount.Equal(want) {
		t.Errorf("expected recomputed total %s, got %s", want, out.TotalAmount)
	}
	if out.Version != 3 {
		t.Errorf("merge must rebase onto remote version, got %d", out.Version)
	}
}

func TestApplyResolution_MergeCollisionKeepsLocal(t *testing.T) {
	// Both sides changed p1; the local value wins the collision.
	base, local, remote := resolutionFixtures()
	remote.Items = []invoicing.LineItem{item("p1", 9, 5.00)}
	remote.RecalculateTotals()

	out, err := invoicing.ApplyResolution(invoicing.ResolutionMerge, base, local, remote)
	if err != nil {
		t.Fatal(err)
	}
	qty, _ := findQty(out.Items, "p1")
	if qty != 3 {
		t.Errorf("collision should keep local qty 3, got %d", qty)
	}
}

func TestApplyResolution_MergeRemoteRemovedLine(t *testing.T) {
	// Remote dropped p1 while local left it alone; the merge drops it too.
	base, _, _ := resolutionFixtures()
	local := base.Clone()
	local.Notes = "rush job"
	remote := base.Clone()
	remote.Version = 3
	remote.Items = nil
	remote.RecalculateTotals()

	out, err := invoicing.ApplyResolution(invoicing.ResolutionMerge, base, local, remote)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := findQty(out.Items, "p1"); ok {
		t.Errorf("remote removal should be adopted, got %+v", out.Items)
	}
	if out.Notes != "rush job" {
		t.Errorf("local-only notes change should survive, got %q", out.Notes)
	}
}

func TestApplyResolution_UnknownStrategy(t *testing.T) {
	base, local, remote := resolutionFixtures()
	_, err := invoicing.ApplyResolution("coin_flip", base, local, remote)
	if err == nil {
		t.Error("unknown strategy must error")
	}
	if invoicing.KnownResolution("coin_flip") {
		t.Error("coin_flip is not a known resolution")
	}
	if !invoicing.KnownResolution(invoicing.ResolutionMerge) {
		t.Error("merge is a known resolution")
	}
}

func findQty(items []invoicing.LineItem, id invoicing.PartID) (int, bool) {
	for _, it := range items {
		if it.PartID == id {
			return it.Quantity, true
		}
	}
	return 0, false
}
