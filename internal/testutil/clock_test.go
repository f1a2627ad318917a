package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grenmap/grenmap-node/internal/model"
	"github.com/grenmap/grenmap-node/internal/store"
)

func TestDeterministic_StartsAtEpoch(t *testing.T) {
	d := NewDeterministic()
	assert.Equal(t, Epoch, d.Clock.Now())
	assert.Equal(t, Epoch.Add(time.Second), d.Clock.Now())
	assert.Equal(t, "import-1", d.Imports.Generate())
	assert.Equal(t, "rules-1", d.Rules.Generate())
	assert.Equal(t, "element-1", d.ElementID())
	assert.Equal(t, "element-2", d.ElementID())
}

func TestDeterministic_Deterministic(t *testing.T) {
	// Two bundles produce the same sequences
	d1 := NewDeterministic()
	d2 := NewDeterministic()

	for i := 0; i < 100; i++ {
		assert.Equal(t, d1.Clock.Now(), d2.Clock.Now())
		assert.Equal(t, d1.Imports.Generate(), d2.Imports.Generate())
	}
}

func TestDeterministic_ThreadSafe(t *testing.T) {
	d := NewDeterministic()
	const numGoroutines = 50
	const callsPerGoroutine = 100

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	results := make([][]string, numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		results[i] = make([]string, callsPerGoroutine)
		go func(idx int) {
			defer wg.Done()
			for j := 0; j < callsPerGoroutine; j++ {
				results[idx][j] = d.ElementID()
			}
		}(i)
	}

	wg.Wait()

	seen := make(map[string]bool)
	for _, ids := range results {
		for _, id := range ids {
			require.False(t, seen[id], "duplicate id %s", id)
			seen[id] = true
		}
	}
	assert.Len(t, seen, numGoroutines*callsPerGoroutine)
}

func TestOpenStore_DefaultIDs(t *testing.T) {
	d := NewDeterministic()
	s := OpenStore(t, store.WithIDGenerator(d.ElementID))
	ctx := context.Background()

	var e model.Element
	err := s.Update(ctx, func(tx *store.Tx) error {
		e = model.Element{Kind: model.KindInstitution, Name: "Anonymous"}
		return tx.CreateElement(ctx, &e)
	})
	require.NoError(t, err)
	assert.Equal(t, "element-1", e.ID)
}
