package boltdb_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gearlock/workshop-engine/invoicing"
	"github.com/gearlock/workshop-engine/invoicing/store/boltdb"
	"github.com/gearlock/workshop-engine/invoicing/storetest"
)

// TestBoltConformance runs the shared store suite against a fresh file
// per subtest.
func TestBoltConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) invoicing.Store {
		s, err := boltdb.New(filepath.Join(t.TempDir(), "workshop.bolt"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}
