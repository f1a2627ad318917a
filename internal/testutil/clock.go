package testutil

import (
	"time"

	"github.com/grenmap/grenmap-node/internal/runid"
)

// Epoch is the first reading of every Deterministic clock.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Deterministic bundles the run ID generators and clock a test hands to
// the importer, the rule runner and the store, so the same scenario run
// twice persists byte-identical logs.
//
// Thread-safety: every generator and the clock are safe for concurrent use.
type Deterministic struct {
	Imports  *runid.SequenceGenerator // "import-1", "import-2", ...
	Rules    *runid.SequenceGenerator // "rules-1", ...
	Elements *runid.SequenceGenerator // default IDs of elements created without one
	Clock    *runid.SteppingClock     // advances one second per reading
}

// NewDeterministic creates fresh generators and a clock starting at Epoch.
func NewDeterministic() *Deterministic {
	return &Deterministic{
		Imports:  runid.NewSequenceGenerator("import"),
		Rules:    runid.NewSequenceGenerator("rules"),
		Elements: runid.NewSequenceGenerator("element"),
		Clock:    runid.NewSteppingClock(Epoch, time.Second),
	}
}

// ElementID returns the next default element ID. It has the signature
// store.WithIDGenerator expects.
func (d *Deterministic) ElementID() string {
	return d.Elements.Generate()
}
