package invoicing_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gearlock/workshop-engine/invoicing"
	"github.com/gearlock/workshop-engine/invoicing/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestSessions(t *testing.T) (*invoicing.SessionManager, *store.Memory) {
	t.Helper()
	m, s := newTestMutator(t)
	sm := invoicing.NewSessionManager(m, m.Log)
	sm.Now = m.Now
	return sm, s
}

func openSession(t *testing.T, sm *invoicing.SessionManager, s *store.Memory) *invoicing.EditSession {
	t.Helper()
	inv := draft(10.00, item("p1", 2, 5.00))
	seed(t, s, inv, part("p1", 10, 5.00))
	es, err := sm.StartEdit(context.Background(), inv.ID, "")
	require.NoError(t, err)
	return es
}

func drainEvents(ch <-chan invoicing.SessionEvent) []invoicing.SessionEvent {
	var out []invoicing.SessionEvent
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func statesOf(events []invoicing.SessionEvent) []invoicing.SessionState {
	out := make([]invoicing.SessionState, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.To)
	}
	return out
}

// =============================================================================
// OPEN / STAGE / CANCEL
// =============================================================================

func TestSession_StartEdit(t *testing.T) {
	// GIVEN: A stored invoice
	// WHEN: An edit session opens on it
	// THEN: The session holds independent copies, sits in editing, and a
	//       best-effort edit-start entry lands in the audit trail

	sm, s := newTestSessions(t)
	es := openSession(t, sm, s)

	assert.Equal(t, invoicing.StateEditing, es.State)
	assert.True(t, strings.HasPrefix(es.ID, "edit_INV-1_"), "session id %q", es.ID)
	assert.NotEmpty(t, es.ActorSessionID)
	assert.False(t, es.Dirty)

	// The working copy must not alias the snapshot.
	es.Current.Items[0].Quantity = 99
	again, err := sm.Get(es.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Current.Items[0].Quantity)

	starts, err := s.QueryAudit(context.Background(), invoicing.AuditFilter{
		Actions: []invoicing.AuditAction{invoicing.ActionEditStarted},
	})
	require.NoError(t, err)
	assert.Len(t, starts, 1)
}

func TestSession_StartEdit_PaidRefused(t *testing.T) {
	sm, s := newTestSessions(t)
	inv := draft(10.00, item("p1", 2, 5.00))
	inv.PaymentStatus = invoicing.PaymentPaid
	seed(t, s, inv, part("p1", 10, 5.00))

	_, err := sm.StartEdit(context.Background(), inv.ID, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, invoicing.ErrImmutableInvoice)
}

func TestSession_UpdateEdit_StagesWithoutWriting(t *testing.T) {
	// GIVEN: An open session
	// WHEN: A patch changes the items and notes
	// THEN: The working copy updates with recomputed totals as the store
	//       keeps the original document

	sm, s := newTestSessions(t)
	es := openSession(t, sm, s)

	notes := "customer asked for premium pads"
	updated, err := sm.UpdateEdit(es.ID, invoicing.EditPatch{
		Notes: &notes,
		Items: []invoicing.LineItem{item("p1", 5, 5.00)},
	})
	require.NoError(t, err)
	assert.True(t, updated.Dirty)
	assert.Equal(t, notes, updated.Current.Notes)
	assert.True(t, updated.Current.TotalAmount.Equal(invoicing.NewMoney(25.00)))

	stored, err := s.GetInvoice(context.Background(), es.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
	assert.Equal(t, 2, stored.Items[0].Quantity, "staging must not write")
}

func TestSession_CancelEdit_DiscardsWithoutWriting(t *testing.T) {
	sm, s := newTestSessions(t)
	es := openSession(t, sm, s)

	notes := "never saved"
	_, err := sm.UpdateEdit(es.ID, invoicing.EditPatch{Notes: &notes})
	require.NoError(t, err)

	require.NoError(t, sm.CancelEdit(es.ID))
	_, err = sm.Get(es.ID)
	assert.ErrorIs(t, err, invoicing.ErrSessionNotFound)

	stored, err := s.GetInvoice(context.Background(), es.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
	assert.Empty(t, stored.Notes)
}

// =============================================================================
// SAVE - The full protocol
// =============================================================================

func TestSession_SaveEdit_WalksTheStateMachine(t *testing.T) {
	// GIVEN: A subscriber watching session events
	// WHEN: A staged edit is saved successfully
	// THEN: The observed transitions are editing, validating,
	//       conflict_check, committing, committed and the session is gone

	sm, s := newTestSessions(t)
	events, cancel := sm.Subscribe()
	defer cancel()

	es := openSession(t, sm, s)
	_, err := sm.UpdateEdit(es.ID, invoicing.EditPatch{
		Items: []invoicing.LineItem{item("p1", 5, 5.00)},
	})
	require.NoError(t, err)

	res, err := sm.SaveEdit(context.Background(), es.ID, liveParts(t, s, "p1"))
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, int64(2), res.Invoice.Version)

	_, err = sm.Get(es.ID)
	assert.ErrorIs(t, err, invoicing.ErrSessionNotFound, "committed is terminal")

	got := statesOf(drainEvents(events))
	want := []invoicing.SessionState{
		invoicing.StateEditing,
		invoicing.StateValidating,
		invoicing.StateConflictCheck,
		invoicing.StateCommitting,
		invoicing.StateCommitted,
	}
	assert.Equal(t, want, got)

	stored, err := s.GetInvoice(context.Background(), es.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, 5, stored.Items[0].Quantity)
	assert.Equal(t, 7, stockOf(t, s, "p1"))
}

func TestSession_SaveEdit_InvalidIsTerminal(t *testing.T) {
	// GIVEN: A staged edit that cannot pass validation
	// WHEN: Saving
	// THEN: The structured rejection comes back, the session is discarded,
	//       and the store is untouched

	sm, s := newTestSessions(t)
	events, cancel := sm.Subscribe()
	defer cancel()

	es := openSession(t, sm, s)
	_, err := sm.UpdateEdit(es.ID, invoicing.EditPatch{
		Items: []invoicing.LineItem{item("p1", 500, 5.00)}, // stock is 10
	})
	require.NoError(t, err)

	res, err := sm.SaveEdit(context.Background(), es.ID, liveParts(t, s, "p1"))
	require.NoError(t, err)
	require.False(t, res.OK)
	require.NotNil(t, res.Validation)
	assert.Equal(t, invoicing.CodeInsufficientStock, res.Validation.Errors[0].Code)

	_, err = sm.Get(es.ID)
	assert.ErrorIs(t, err, invoicing.ErrSessionNotFound, "invalid is terminal")

	got := statesOf(drainEvents(events))
	require.NotEmpty(t, got)
	assert.Equal(t, invoicing.StateInvalid, got[len(got)-1])

	assert.Equal(t, 10, stockOf(t, s, "p1"))
}

func TestSession_SaveEdit_ConflictKeepsSessionAlive(t *testing.T) {
	// GIVEN: Another actor commits version 2 while the session stages its
	//        edit
	// WHEN: Saving
	// THEN: The session parks in conflicted with the result attached
	//       instead of being discarded

	sm, s := newTestSessions(t)
	ctx := context.Background()
	es := openSession(t, sm, s)

	_, err := sm.UpdateEdit(es.ID, invoicing.EditPatch{
		Items: []invoicing.LineItem{item("p1", 5, 5.00)},
	})
	require.NoError(t, err)

	// Out-of-band commit by someone else.
	other, err := s.GetInvoice(ctx, es.InvoiceID)
	require.NoError(t, err)
	other.Version = 2
	other.Notes = "remote won"
	require.NoError(t, s.PutInvoice(ctx, other))

	res, err := sm.SaveEdit(ctx, es.ID, liveParts(t, s, "p1"))
	require.NoError(t, err)
	require.False(t, res.OK)
	require.NotNil(t, res.Conflict)
	assert.Equal(t, int64(2), res.Conflict.RemoteVersion)

	parked, err := sm.Get(es.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicing.StateConflicted, parked.State)
	require.NotNil(t, parked.LastResult)
	require.NotNil(t, parked.LastResult.Conflict)

	// Staging is locked while conflicted.
	n := "nope"
	_, err = sm.UpdateEdit(es.ID, invoicing.EditPatch{Notes: &n})
	var ste *invoicing.StateTransitionError
	assert.ErrorAs(t, err, &ste)
}

func TestSession_ResolveConflicts_MergeThenSave(t *testing.T) {
	// GIVEN: A conflicted session (remote added notes, local changed qty)
	// WHEN: Resolving with merge and saving again
	// THEN: The rebased working copy commits on top of the remote version

	sm, s := newTestSessions(t)
	ctx := context.Background()
	es := openSession(t, sm, s)

	_, err := sm.UpdateEdit(es.ID, invoicing.EditPatch{
		Items: []invoicing.LineItem{item("p1", 5, 5.00)},
	})
	require.NoError(t, err)

	other, err := s.GetInvoice(ctx, es.InvoiceID)
	require.NoError(t, err)
	other.Version = 2
	other.Notes = "remote note"
	require.NoError(t, s.PutInvoice(ctx, other))

	res, err := sm.SaveEdit(ctx, es.ID, liveParts(t, s, "p1"))
	require.NoError(t, err)
	require.NotNil(t, res.Conflict)

	resolved, err := sm.ResolveConflicts(ctx, es.ID, invoicing.ResolutionMerge)
	require.NoError(t, err)
	assert.Equal(t, invoicing.StateEditing, resolved.State)
	assert.Equal(t, "remote note", resolved.Current.Notes, "remote-only field adopted")
	assert.Equal(t, 5, resolved.Current.Items[0].Quantity, "local line edit kept")
	assert.Equal(t, int64(2), resolved.OriginalSnapshot.Version, "rebased onto remote")

	final, err := sm.SaveEdit(ctx, es.ID, liveParts(t, s, "p1"))
	require.NoError(t, err)
	require.True(t, final.OK)
	assert.Equal(t, int64(3), final.Invoice.Version)
	assert.Equal(t, "remote note", final.Invoice.Notes)
	assert.Equal(t, 7, stockOf(t, s, "p1"))
}

func TestSession_ResolveConflicts_AbortEndsSession(t *testing.T) {
	sm, s := newTestSessions(t)
	ctx := context.Background()
	es := openSession(t, sm, s)

	other, err := s.GetInvoice(ctx, es.InvoiceID)
	require.NoError(t, err)
	other.Version = 2
	require.NoError(t, s.PutInvoice(ctx, other))

	_, err = sm.UpdateEdit(es.ID, invoicing.EditPatch{
		Items: []invoicing.LineItem{item("p1", 3, 5.00)},
	})
	require.NoError(t, err)
	res, err := sm.SaveEdit(ctx, es.ID, liveParts(t, s, "p1"))
	require.NoError(t, err)
	require.NotNil(t, res.Conflict)

	_, err = sm.ResolveConflicts(ctx, es.ID, invoicing.ResolutionAbort)
	assert.ErrorIs(t, err, invoicing.ErrEditAborted)
	_, err = sm.Get(es.ID)
	assert.ErrorIs(t, err, invoicing.ErrSessionNotFound)

	stored, err := s.GetInvoice(ctx, es.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Version, "abort writes nothing")
}

func TestSession_ResolveConflicts_OnlyFromConflicted(t *testing.T) {
	sm, s := newTestSessions(t)
	es := openSession(t, sm, s)

	_, err := sm.ResolveConflicts(context.Background(), es.ID, invoicing.ResolutionMerge)
	var ste *invoicing.StateTransitionError
	require.ErrorAs(t, err, &ste)

	_, err = sm.ResolveConflicts(context.Background(), es.ID, "coin_flip")
	require.Error(t, err)
	assert.False(t, errors.As(err, &ste), "unknown strategy is its own error")
}

// =============================================================================
// DELETE THROUGH A SESSION
// =============================================================================

func TestSession_DeleteInvoice(t *testing.T) {
	// The persisted snapshot drives the restoration even when the session
	// staged different quantities first.
	sm, s := newTestSessions(t)
	ctx := context.Background()
	es := openSession(t, sm, s)

	_, err := sm.UpdateEdit(es.ID, invoicing.EditPatch{
		Items: []invoicing.LineItem{item("p1", 9, 5.00)},
	})
	require.NoError(t, err)

	res, err := sm.DeleteInvoice(ctx, es.ID, liveParts(t, s, "p1"))
	require.NoError(t, err)
	require.True(t, res.OK)

	assert.Equal(t, 12, stockOf(t, s, "p1"), "restore the stored qty 2, not the staged 9")
	_, err = s.GetInvoice(ctx, es.InvoiceID)
	assert.True(t, invoicing.IsNotFound(err))
	_, err = sm.Get(es.ID)
	assert.ErrorIs(t, err, invoicing.ErrSessionNotFound)
}

// =============================================================================
// ADVISORY RECHECK AND EXPIRY
// =============================================================================

func TestSession_RecheckConflict_Advisory(t *testing.T) {
	sm, s := newTestSessions(t)
	ctx := context.Background()
	es := openSession(t, sm, s)

	report, err := sm.RecheckConflict(ctx, es.ID)
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.False(t, report.HasConflicts)

	other, err := s.GetInvoice(ctx, es.InvoiceID)
	require.NoError(t, err)
	other.Version = 2
	require.NoError(t, s.PutInvoice(ctx, other))

	report, err = sm.RecheckConflict(ctx, es.ID)
	require.NoError(t, err)
	assert.True(t, report.HasConflicts)

	// Advisory only: the session stays editable.
	view, err := sm.Get(es.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicing.StateEditing, view.State)
	require.NotNil(t, view.Advisory)
	assert.True(t, view.Advisory.HasConflicts)
}

func TestSession_ExpireIdle(t *testing.T) {
	// GIVEN: One touched and one untouched session
	// WHEN: The sweeper runs past the idle timeout
	// THEN: Only the untouched session is discarded

	sm, s := newTestSessions(t)
	ctx := context.Background()

	first := draft(10.00, item("p1", 2, 5.00))
	second := draft(14.00, item("p2", 2, 7.00))
	second.ID, second.Number = "INV-2", "INV-2"
	seed(t, s, first, part("p1", 10, 5.00), part("p2", 10, 7.00))
	require.NoError(t, s.PutInvoice(ctx, second))

	staleSession, err := sm.StartEdit(ctx, first.ID, "")
	require.NoError(t, err)
	freshSession, err := sm.StartEdit(ctx, second.ID, "")
	require.NoError(t, err)

	// Advance the manager's clock past the timeout, keeping the fresh
	// session alive through a heartbeat.
	later := editClock.Add(sm.IdleTimeout + time.Minute)
	sm.Now = func() time.Time { return later }
	require.NoError(t, sm.Heartbeat(freshSession.ID))

	expired := sm.ExpireIdle(later)
	require.Len(t, expired, 1)
	assert.Equal(t, staleSession.ID, expired[0])

	_, err = sm.Get(staleSession.ID)
	assert.ErrorIs(t, err, invoicing.ErrSessionNotFound)
	_, err = sm.Get(freshSession.ID)
	assert.NoError(t, err)
	assert.Len(t, sm.OpenSessions(), 1)
}

func TestSession_SubscribeCancelClosesChannel(t *testing.T) {
	sm, _ := newTestSessions(t)
	events, cancel := sm.Subscribe()
	cancel()
	_, open := <-events
	assert.False(t, open)
}
