/*
mirror.go - Read-through parts mirror

PURPOSE:
  Keeps a local copy of the parts collection so snapshot reads survive a
  backend outage. The mirror is strictly read-through: every successful
  backend read refreshes it, no caller can write into it, and a failed
  backend WRITE always surfaces to the caller instead of landing in
  local state.

STALENESS:
  A snapshot served from the mirror may lag the backend. That is safe
  for validation, because the commit batch carries ExpectStock
  preconditions: a decision made on stale numbers loses the commit
  instead of corrupting inventory.

SEE ALSO:
  - store.go: The backend contract the mirror wraps
  - api/sweeper.go: Refreshes the mirror on an interval
*/
package invoicing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// PartsMirror serves parts snapshots, preferring the backend and falling
// back to its last mirrored state when the backend read fails.
type PartsMirror struct {
	Store Store
	Log   zerolog.Logger

	mu       sync.RWMutex
	parts    map[PartID]Part
	lastSync time.Time
}

func NewPartsMirror(store Store, log zerolog.Logger) *PartsMirror {
	return &PartsMirror{
		Store: store,
		Log:   log.With().Str("component", "parts_mirror").Logger(),
		parts: make(map[PartID]Part),
	}
}

// Refresh reloads the whole parts collection from the backend.
func (pm *PartsMirror) Refresh(ctx context.Context) error {
	parts, err := pm.Store.ListParts(ctx)
	if err != nil {
		return fmt.Errorf("refresh parts mirror: %w", err)
	}

	pm.mu.Lock()
	pm.parts = make(map[PartID]Part, len(parts))
	for _, p := range parts {
		pm.parts[p.ID] = p
	}
	pm.lastSync = time.Now()
	pm.mu.Unlock()
	return nil
}

// Snapshot resolves ids against the backend. When the backend read
// fails and the mirror holds anything, the mirrored copies are served
// instead; ids unknown to both sides are absent from the result, which
// the validator reports as PART_NOT_FOUND.
func (pm *PartsMirror) Snapshot(ctx context.Context, ids []PartID) (map[PartID]Part, error) {
	fresh, err := pm.Store.GetPartsSnapshot(ctx, ids)
	if err == nil {
		pm.absorb(fresh)
		return fresh, nil
	}

	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if len(pm.parts) == 0 {
		return nil, err
	}

	out := make(map[PartID]Part, len(ids))
	for _, id := range ids {
		if p, ok := pm.parts[id]; ok {
			out[id] = p
		}
	}
	pm.Log.Warn().
		Err(err).
		Time("last_sync", pm.lastSync).
		Int("parts", len(out)).
		Msg("serving parts snapshot from mirror")
	return out, nil
}

// LastSync reports when the mirror last saw the backend.
func (pm *PartsMirror) LastSync() time.Time {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.lastSync
}

func (pm *PartsMirror) absorb(fresh map[PartID]Part) {
	pm.mu.Lock()
	for id, p := range fresh {
		pm.parts[id] = p
	}
	pm.lastSync = time.Now()
	pm.mu.Unlock()
}
