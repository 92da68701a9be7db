package invoicing_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gearlock/workshop-engine/invoicing"
	"github.com/gearlock/workshop-engine/invoicing/store"
)

func putPart(t *testing.T, s invoicing.Store, p invoicing.Part) {
	t.Helper()
	require.NoError(t, s.PutPart(context.Background(), &p))
}

// flakyParts simulates a backend whose reads start failing.
type flakyParts struct {
	invoicing.Store
	down bool
}

func (f *flakyParts) GetPartsSnapshot(ctx context.Context, ids []invoicing.PartID) (map[invoicing.PartID]invoicing.Part, error) {
	if f.down {
		return nil, &invoicing.StoreError{
			Op:    "parts snapshot",
			Class: invoicing.ErrStoreUnavailable,
			Err:   errors.New("backend down"),
		}
	}
	return f.Store.GetPartsSnapshot(ctx, ids)
}

func (f *flakyParts) ListParts(ctx context.Context) ([]invoicing.Part, error) {
	if f.down {
		return nil, &invoicing.StoreError{
			Op:    "list parts",
			Class: invoicing.ErrStoreUnavailable,
			Err:   errors.New("backend down"),
		}
	}
	return f.Store.ListParts(ctx)
}

func TestPartsMirror_ServesBackendWhenHealthy(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	putPart(t, mem, part("p1", 10, 5.00))

	pm := invoicing.NewPartsMirror(&flakyParts{Store: mem}, zerolog.Nop())
	snap, err := pm.Snapshot(ctx, []invoicing.PartID{"p1", "p_ghost"})
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, 10, snap["p1"].UnitStock)
	assert.False(t, pm.LastSync().IsZero())
}

func TestPartsMirror_FallsBackWhenBackendDown(t *testing.T) {
	// GIVEN: A mirror that has seen the backend once
	// WHEN: The backend starts failing
	// THEN: Snapshots are served from the mirrored state

	ctx := context.Background()
	mem := store.NewMemory()
	putPart(t, mem, part("p1", 10, 5.00))

	backend := &flakyParts{Store: mem}
	pm := invoicing.NewPartsMirror(backend, zerolog.Nop())
	_, err := pm.Snapshot(ctx, []invoicing.PartID{"p1"})
	require.NoError(t, err)

	backend.down = true
	snap, err := pm.Snapshot(ctx, []invoicing.PartID{"p1"})
	require.NoError(t, err)
	assert.Equal(t, 10, snap["p1"].UnitStock)
}

func TestPartsMirror_ConvergesOnRecovery(t *testing.T) {
	// A stale mirrored value is replaced by the next successful backend
	// read, so an outage only ever serves the last known state.
	ctx := context.Background()
	mem := store.NewMemory()
	putPart(t, mem, part("p1", 10, 5.00))

	backend := &flakyParts{Store: mem}
	pm := invoicing.NewPartsMirror(backend, zerolog.Nop())
	_, err := pm.Snapshot(ctx, []invoicing.PartID{"p1"})
	require.NoError(t, err)

	putPart(t, mem, part("p1", 7, 5.00))
	_, err = pm.Snapshot(ctx, []invoicing.PartID{"p1"})
	require.NoError(t, err)

	backend.down = true
	snap, err := pm.Snapshot(ctx, []invoicing.PartID{"p1"})
	require.NoError(t, err)
	assert.Equal(t, 7, snap["p1"].UnitStock, "mirror follows the last good read")
}

func TestPartsMirror_EmptyMirrorSurfacesError(t *testing.T) {
	backend := &flakyParts{Store: store.NewMemory(), down: true}
	pm := invoicing.NewPartsMirror(backend, zerolog.Nop())

	_, err := pm.Snapshot(context.Background(), []invoicing.PartID{"p1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, invoicing.ErrStoreUnavailable)
}

func TestPartsMirror_RefreshLoadsEverything(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	putPart(t, mem, part("p1", 10, 5.00))
	putPart(t, mem, part("p2", 4, 7.00))

	backend := &flakyParts{Store: mem}
	pm := invoicing.NewPartsMirror(backend, zerolog.Nop())
	require.NoError(t, pm.Refresh(ctx))

	backend.down = true
	snap, err := pm.Snapshot(ctx, []invoicing.PartID{"p1", "p2"})
	require.NoError(t, err)
	assert.Len(t, snap, 2)

	require.Error(t, pm.Refresh(ctx), "refresh never hides a backend failure")
}
