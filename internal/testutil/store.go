package testutil

import (
	"path/filepath"
	"testing"

	"github.com/grenmap/grenmap-node/internal/store"
)

// OpenStore creates a store in a fresh temporary directory and closes it
// when the test ends.
func OpenStore(tb testing.TB, opts ...store.Option) *store.Store {
	tb.Helper()
	s, err := store.Open(filepath.Join(tb.TempDir(), "grenmap.db"), opts...)
	if err != nil {
		tb.Fatalf("open test store: %v", err)
	}
	tb.Cleanup(func() {
		if err := s.Close(); err != nil {
			tb.Errorf("close test store: %v", err)
		}
	})
	return s
}
