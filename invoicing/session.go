/*
session.go - Edit session protocol and state machine

PURPOSE:
  An edit session brackets one editor's changes to one invoice: snapshot
  on open, staged modifications, then a save that runs the mutator's
  fixed path. Sessions live only in caller memory; nothing about them is
  persisted. One session per invoice per caller; other callers open
  their own sessions and conflicts surface at commit.

STATE MACHINE:
  idle -> editing -> validating -> conflict_check -> committing
                                          |               |
                                     conflicted      committed/failed
       validating -> invalid

  committed, invalid and failed are terminal: the session is discarded
  and the outcome returned to the caller. From conflicted the caller
  picks a resolution strategy, which either returns the session to
  editing (force_overwrite, merge, discard_local_reload_remote) or ends
  it (abort).

EVENTS:
  Every transition is published on a subscribable stream so UIs can
  observe session state without sharing mutable state. Slow subscribers
  miss events rather than block the protocol.

EXPIRY:
  Sessions idle past IdleTimeout are swept out; an advisory conflict
  re-check can run on a caller-driven schedule while a session is open.

SEE ALSO:
  - mutator.go: Does the actual committing
  - conflict.go: Resolution strategies applied here
  - api/sweeper.go: Drives expiry and the advisory re-check
*/
package invoicing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// =============================================================================
// STATES AND EVENTS
// =============================================================================

type SessionState string

const (
	StateIdle          SessionState = "idle"
	StateEditing       SessionState = "editing"
	StateValidating    SessionState = "validating"
	StateConflictCheck SessionState = "conflict_check"
	StateCommitting    SessionState = "committing"
	StateCommitted     SessionState = "committed"
	StateConflicted    SessionState = "conflicted"
	StateInvalid       SessionState = "invalid"
	StateFailed        SessionState = "failed"
)

var sessionTransitions = map[SessionState][]SessionState{
	StateIdle:          {StateEditing},
	StateEditing:       {StateEditing, StateValidating, StateCommitting, StateIdle},
	StateValidating:    {StateConflictCheck, StateInvalid},
	StateConflictCheck: {StateCommitting, StateConflicted},
	StateCommitting:    {StateCommitted, StateFailed, StateConflicted},
	StateConflicted:    {StateEditing, StateIdle},
}

func canTransition(from, to SessionState) bool {
	for _, s := range sessionTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a state discards the session.
func (s SessionState) Terminal() bool {
	return s == StateCommitted || s == StateInvalid || s == StateFailed
}

// SessionEvent is one observed state transition.
type SessionEvent struct {
	SessionID string
	InvoiceID InvoiceID
	From      SessionState
	To        SessionState
	Reason    string
	At        time.Time
}

// =============================================================================
// SESSION
// =============================================================================

// EditSession is the in-memory working copy of one invoice under edit.
type EditSession struct {
	ID             string
	InvoiceID      InvoiceID
	ActorSessionID string
	State          SessionState

	// OriginalSnapshot is the base the commit preconditions on; Current
	// is the staged modification.
	OriginalSnapshot *Invoice
	Current          *Invoice

	Dirty          bool
	StartedAt      time.Time
	LastActivityAt time.Time

	// Advisory holds the latest background conflict re-check; it never
	// blocks anything.
	Advisory *ConflictReport

	// LastResult keeps the failed outcome while a session sits in
	// conflicted, so resolutions can reach the remote document.
	LastResult *EditResult
}

// EditPatch stages changes onto a session. Nil fields leave the current
// value untouched; a non-nil empty Items slice clears the lines.
type EditPatch struct {
	Customer *Customer
	Notes    *string
	Items    []LineItem
}

// =============================================================================
// MANAGER
// =============================================================================

// DefaultIdleTimeout is how long a session may sit untouched before the
// sweeper discards it.
const DefaultIdleTimeout = 30 * time.Minute

// SessionManager owns the open edit sessions of this process.
type SessionManager struct {
	Mutator     *Mutator
	Log         zerolog.Logger
	IdleTimeout time.Duration
	Now         func() time.Time

	mu       sync.RWMutex
	sessions map[string]*EditSession
	subs     map[int]chan SessionEvent
	nextSub  int
}

func NewSessionManager(mutator *Mutator, log zerolog.Logger) *SessionManager {
	return &SessionManager{
		Mutator:     mutator,
		Log:         log.With().Str("component", "sessions").Logger(),
		IdleTimeout: DefaultIdleTimeout,
		Now:         time.Now,
		sessions:    make(map[string]*EditSession),
		subs:        make(map[int]chan SessionEvent),
	}
}

// Subscribe returns a channel of session events and a cancel function.
// The channel is buffered; events to a full channel are dropped.
func (sm *SessionManager) Subscribe() (<-chan SessionEvent, func()) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	id := sm.nextSub
	sm.nextSub++
	ch := make(chan SessionEvent, 16)
	sm.subs[id] = ch
	return ch, func() {
		sm.mu.Lock()
		defer sm.mu.Unlock()
		if c, ok := sm.subs[id]; ok {
			delete(sm.subs, id)
			close(c)
		}
	}
}

func (sm *SessionManager) publish(ev SessionEvent) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	for _, ch := range sm.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// transition moves a session between states, enforcing the machine, and
// returns the event to publish after the caller drops the lock.
func (sm *SessionManager) transition(s *EditSession, to SessionState, reason string) (SessionEvent, error) {
	if !canTransition(s.State, to) {
		return SessionEvent{}, &StateTransitionError{SessionID: s.ID, From: s.State, To: to}
	}
	ev := SessionEvent{
		SessionID: s.ID,
		InvoiceID: s.InvoiceID,
		From:      s.State,
		To:        to,
		Reason:    reason,
		At:        sm.Now(),
	}
	s.State = to
	return ev, nil
}

// =============================================================================
// PROTOCOL
// =============================================================================

// StartEdit opens a session on an invoice, snapshotting it as the base
// for the eventual commit. The edit-start audit entry is best-effort.
func (sm *SessionManager) StartEdit(ctx context.Context, invoiceID InvoiceID, actorSessionID string) (*EditSession, error) {
	inv, err := sm.Mutator.Store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("start edit on invoice %s: %w", invoiceID, err)
	}
	if inv.PaymentStatus == PaymentPaid {
		return nil, fmt.Errorf("invoice %s: %w", invoiceID, ErrImmutableInvoice)
	}

	now := sm.Now()
	if actorSessionID == "" {
		actorSessionID = NewActorSessionID()
	}
	s := &EditSession{
		ID:               NewEditSessionID(invoiceID),
		InvoiceID:        invoiceID,
		ActorSessionID:   actorSessionID,
		State:            StateIdle,
		OriginalSnapshot: inv.Clone(),
		Current:          inv.Clone(),
		StartedAt:        now,
		LastActivityAt:   now,
	}

	sm.mu.Lock()
	ev, err := sm.transition(s, StateEditing, "edit started")
	if err != nil {
		sm.mu.Unlock()
		return nil, err
	}
	sm.sessions[s.ID] = s
	view := snapshotSession(s)
	sm.mu.Unlock()

	sm.publish(ev)
	sm.Mutator.Recorder.RecordEditStart(ctx,
		sm.Mutator.Recorder.EditStartEntry(inv, actorSessionID, NewOperationID(), now))
	sm.Log.Info().
		Str("session_id", s.ID).
		Str("invoice_id", string(invoiceID)).
		Int64("version", inv.Version).
		Msg("edit session opened")
	return view, nil
}

// Get returns a copy of a session's current state.
func (sm *SessionManager) Get(sessionID string) (*EditSession, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	s, ok := sm.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return snapshotSession(s), nil
}

// UpdateEdit stages a patch onto the session's working copy and
// recomputes the line and invoice totals.
func (sm *SessionManager) UpdateEdit(sessionID string, patch EditPatch) (*EditSession, error) {
	sm.mu.Lock()
	s, ok := sm.sessions[sessionID]
	if !ok {
		sm.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if s.State != StateEditing {
		sm.mu.Unlock()
		return nil, &StateTransitionError{SessionID: sessionID, From: s.State, To: StateEditing}
	}
	if patch.Customer != nil {
		s.Current.Customer = *patch.Customer
	}
	if patch.Notes != nil {
		s.Current.Notes = *patch.Notes
	}
	if patch.Items != nil {
		s.Current.Items = append([]LineItem(nil), patch.Items...)
	}
	s.Current.RecalculateTotals()
	s.Dirty = true
	s.LastActivityAt = sm.Now()
	view := snapshotSession(s)
	sm.mu.Unlock()
	return view, nil
}

// Heartbeat marks a session as still in use.
func (sm *SessionManager) Heartbeat(sessionID string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	s.LastActivityAt = sm.Now()
	return nil
}

// SaveEdit validates the staged modification, then hands it to the
// mutator. Terminal outcomes discard the session; a conflict keeps it
// alive in conflicted for resolution.
func (sm *SessionManager) SaveEdit(ctx context.Context, sessionID string, currentParts map[PartID]Part) (*EditResult, error) {
	sm.mu.Lock()
	s, ok := sm.sessions[sessionID]
	if !ok {
		sm.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if s.State != StateEditing {
		sm.mu.Unlock()
		return nil, &StateTransitionError{SessionID: sessionID, From: s.State, To: StateValidating}
	}
	s.LastActivityAt = sm.Now()
	evValidating, err := sm.transition(s, StateValidating, "save requested")
	if err != nil {
		sm.mu.Unlock()
		return nil, err
	}
	original := s.OriginalSnapshot.Clone()
	modified := s.Current.Clone()
	actor := s.ActorSessionID
	sm.mu.Unlock()
	sm.publish(evValidating)

	// Pre-validation gates the save before any store round trip; the
	// mutator re-runs the same pure checks on its fixed path.
	d := Diff(original.Items, modified.Items)
	vr := sm.Mutator.Validator.Validate(modified, original, currentParts, NetStockImpact(d))
	if !vr.Valid {
		now := sm.Now()
		opID := NewOperationID()
		sm.Mutator.Recorder.RecordError(ctx, sm.Mutator.Recorder.ErrorEntry(
			ActionEditCompleted, vr.Summary(), original.ID, original.Number, actor, opID, now))
		sm.endSession(sessionID, StateInvalid, vr.Summary())
		return &EditResult{OK: false, Validation: &vr, OperationID: opID}, nil
	}

	if ev := sm.transitionByID(sessionID, StateConflictCheck, "validation passed"); ev != nil {
		sm.publish(*ev)
	}

	result, err := sm.Mutator.EditInvoice(ctx, EditRequest{
		Original:     original,
		Modified:     modified,
		CurrentParts: currentParts,
		SessionID:    actor,
	})
	switch {
	case err != nil:
		sm.endSession(sessionID, StateFailed, err.Error())
		return nil, err
	case result.Conflict != nil:
		sm.mu.Lock()
		if s, ok := sm.sessions[sessionID]; ok {
			s.LastResult = result
			if ev, terr := sm.transition(s, StateConflicted, "remote version ahead"); terr == nil {
				sm.mu.Unlock()
				sm.publish(ev)
				return result, nil
			}
		}
		sm.mu.Unlock()
		return result, nil
	case !result.OK:
		sm.endSession(sessionID, StateInvalid, "rejected by mutator")
		return result, nil
	default:
		if ev := sm.transitionByID(sessionID, StateCommitting, "batch submitted"); ev != nil {
			sm.publish(*ev)
		}
		sm.endSession(sessionID, StateCommitted, "commit succeeded")
		return result, nil
	}
}

// CancelEdit drops a session without writing anything. Free at any point
// before the commit is issued.
func (sm *SessionManager) CancelEdit(sessionID string) error {
	sm.mu.Lock()
	s, ok := sm.sessions[sessionID]
	if !ok {
		sm.mu.Unlock()
		return ErrSessionNotFound
	}
	ev := SessionEvent{
		SessionID: s.ID,
		InvoiceID: s.InvoiceID,
		From:      s.State,
		To:        StateIdle,
		Reason:    "canceled",
		At:        sm.Now(),
	}
	delete(sm.sessions, sessionID)
	sm.mu.Unlock()
	sm.publish(ev)
	sm.Log.Info().Str("session_id", sessionID).Msg("edit session canceled")
	return nil
}

// ResolveConflicts applies the caller's strategy to a conflicted session.
// Abort ends the session; the other strategies rebase the working copy
// onto the remote document and return to editing for another save.
func (sm *SessionManager) ResolveConflicts(ctx context.Context, sessionID string, strategy ResolutionStrategy) (*EditSession, error) {
	if !KnownResolution(strategy) {
		return nil, fmt.Errorf("unknown resolution strategy %q", strategy)
	}

	sm.mu.Lock()
	s, ok := sm.sessions[sessionID]
	if !ok {
		sm.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if s.State != StateConflicted {
		sm.mu.Unlock()
		return nil, &StateTransitionError{SessionID: sessionID, From: s.State, To: StateEditing}
	}
	if s.LastResult == nil || s.LastResult.Conflict == nil || s.LastResult.Conflict.Remote == nil {
		sm.mu.Unlock()
		return nil, fmt.Errorf("session %s has no conflict to resolve: %w", sessionID, ErrInvariantViolated)
	}
	base := s.OriginalSnapshot
	local := s.Current
	remote := s.LastResult.Conflict.Remote
	sm.mu.Unlock()

	if strategy == ResolutionAbort {
		sm.mu.Lock()
		ev := SessionEvent{
			SessionID: sessionID,
			InvoiceID: s.InvoiceID,
			From:      StateConflicted,
			To:        StateIdle,
			Reason:    "aborted",
			At:        sm.Now(),
		}
		delete(sm.sessions, sessionID)
		sm.mu.Unlock()
		sm.publish(ev)
		return nil, ErrEditAborted
	}

	if strategy == ResolutionDiscardLocal {
		// Reload rather than trust the conflicted snapshot; the remote
		// may have moved again since.
		fresh, err := sm.Mutator.Store.GetInvoice(ctx, s.InvoiceID)
		if err != nil {
			return nil, fmt.Errorf("reload invoice %s: %w", s.InvoiceID, err)
		}
		remote = fresh
	}

	resolved, err := ApplyResolution(strategy, base, local, remote)
	if err != nil {
		return nil, err
	}

	sm.mu.Lock()
	s, ok = sm.sessions[sessionID]
	if !ok {
		sm.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	ev, terr := sm.transition(s, StateEditing, "resolution: "+string(strategy))
	if terr != nil {
		sm.mu.Unlock()
		return nil, terr
	}
	s.OriginalSnapshot = remote.Clone()
	s.Current = resolved
	s.Dirty = strategy != ResolutionDiscardLocal
	s.LastResult = nil
	s.Advisory = nil
	s.LastActivityAt = sm.Now()
	view := snapshotSession(s)
	sm.mu.Unlock()
	sm.publish(ev)
	sm.Log.Info().
		Str("session_id", sessionID).
		Str("strategy", string(strategy)).
		Msg("conflict resolved")
	return view, nil
}

// DeleteInvoice deletes the session's invoice, restoring its stock. The
// persisted snapshot drives the restoration, not the staged edits.
func (sm *SessionManager) DeleteInvoice(ctx context.Context, sessionID string, currentParts map[PartID]Part) (*DeleteResult, error) {
	sm.mu.Lock()
	s, ok := sm.sessions[sessionID]
	if !ok {
		sm.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if s.State != StateEditing {
		sm.mu.Unlock()
		return nil, &StateTransitionError{SessionID: sessionID, From: s.State, To: StateCommitting}
	}
	original := s.OriginalSnapshot.Clone()
	actor := s.ActorSessionID
	sm.mu.Unlock()

	if ev := sm.transitionByID(sessionID, StateCommitting, "delete requested"); ev != nil {
		sm.publish(*ev)
	}
	result, err := sm.Mutator.DeleteInvoice(ctx, DeleteRequest{
		Invoice:      original,
		CurrentParts: currentParts,
		SessionID:    actor,
	})
	if err != nil {
		sm.endSession(sessionID, StateFailed, err.Error())
		return nil, err
	}
	sm.endSession(sessionID, StateCommitted, "invoice deleted")
	return result, nil
}

// RecheckConflict runs the advisory background conflict check for an open
// session and caches the report on it.
func (sm *SessionManager) RecheckConflict(ctx context.Context, sessionID string) (*ConflictReport, error) {
	sm.mu.RLock()
	s, ok := sm.sessions[sessionID]
	if !ok {
		sm.mu.RUnlock()
		return nil, ErrSessionNotFound
	}
	if s.State != StateEditing {
		sm.mu.RUnlock()
		return nil, nil
	}
	original := s.OriginalSnapshot.Clone()
	sm.mu.RUnlock()

	report, err := sm.Mutator.Detector.CheckBeforeSave(ctx, original)
	if err != nil {
		return nil, err
	}
	sm.mu.Lock()
	if s, ok := sm.sessions[sessionID]; ok && s.State == StateEditing {
		s.Advisory = report
	}
	sm.mu.Unlock()
	return report, nil
}

// OpenSessions returns copies of every live session.
func (sm *SessionManager) OpenSessions() []*EditSession {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]*EditSession, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		out = append(out, snapshotSession(s))
	}
	return out
}

// ExpireIdle discards sessions idle past the timeout and returns their
// ids.
func (sm *SessionManager) ExpireIdle(now time.Time) []string {
	sm.mu.Lock()
	var expired []string
	var events []SessionEvent
	for id, s := range sm.sessions {
		if now.Sub(s.LastActivityAt) < sm.IdleTimeout {
			continue
		}
		expired = append(expired, id)
		events = append(events, SessionEvent{
			SessionID: id,
			InvoiceID: s.InvoiceID,
			From:      s.State,
			To:        StateIdle,
			Reason:    "expired",
			At:        now,
		})
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()
	for _, ev := range events {
		sm.publish(ev)
	}
	for _, id := range expired {
		sm.Log.Info().Str("session_id", id).Msg("edit session expired")
	}
	return expired
}

// =============================================================================
// INTERNALS
// =============================================================================

// transitionByID is transition for callers that dropped the lock; a
// vanished session returns nil rather than an error.
func (sm *SessionManager) transitionByID(sessionID string, to SessionState, reason string) *SessionEvent {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[sessionID]
	if !ok {
		return nil
	}
	ev, err := sm.transition(s, to, reason)
	if err != nil {
		return nil
	}
	return &ev
}

// endSession moves a session to a terminal state and discards it.
func (sm *SessionManager) endSession(sessionID string, to SessionState, reason string) {
	sm.mu.Lock()
	s, ok := sm.sessions[sessionID]
	if !ok {
		sm.mu.Unlock()
		return
	}
	ev := SessionEvent{
		SessionID: sessionID,
		InvoiceID: s.InvoiceID,
		From:      s.State,
		To:        to,
		Reason:    reason,
		At:        sm.Now(),
	}
	delete(sm.sessions, sessionID)
	sm.mu.Unlock()
	sm.publish(ev)
}

func snapshotSession(s *EditSession) *EditSession {
	out := *s
	out.OriginalSnapshot = s.OriginalSnapshot.Clone()
	out.Current = s.Current.Clone()
	return &out
}
