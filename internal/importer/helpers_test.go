package importer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/grenmap/grenmap-node/internal/model"
	"github.com/grenmap/grenmap-node/internal/runid"
	"github.com/grenmap/grenmap-node/internal/store"
	"github.com/grenmap/grenmap-node/internal/testutil"
)

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T) *store.Store {
	return testutil.OpenStore(t)
}

func newTestImporter(s *store.Store) *Importer {
	return New(s,
		WithRunIDs(runid.NewSequenceGenerator("import")),
		WithClock(runid.NewSteppingClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Second)),
	)
}

func decodeTree(t *testing.T, doc string) *model.IncomingTopology {
	t.Helper()
	root, err := model.DecodeTree(strings.NewReader(doc))
	require.NoError(t, err)
	return root
}

// importTree decodes doc and imports it, failing the test on a systemic
// error.
func importTree(t *testing.T, im *Importer, doc string) *Report {
	t.Helper()
	report, err := im.Import(context.Background(), decodeTree(t, doc), Options{})
	require.NoError(t, err)
	return report
}

func snapshot(t *testing.T, s *store.Store) store.Snapshot {
	t.Helper()
	snap, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	return snap
}

func findSnapshot(elems []store.ElementSnapshot, id string) []store.ElementSnapshot {
	var out []store.ElementSnapshot
	for _, e := range elems {
		if e.ID == id {
			out = append(out, e)
		}
	}
	return out
}

func problemCodes(report *Report) []DataErrorCode {
	codes := []DataErrorCode{}
	for _, p := range report.Problems {
		codes = append(codes, p.Code)
	}
	return codes
}
