// Package runid mints identifiers and timestamps for import and rule runs.
package runid

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Generator mints run identifiers.
type Generator interface {
	Generate() string
}

// Clock supplies run timestamps.
type Clock interface {
	Now() time.Time
}

// UUIDv7Generator generates time-sortable UUIDv7 run IDs.
//
// UUIDv7 embeds a timestamp in the most significant bits, so run IDs
// listed in lexical order are also in start order.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (g UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// SequenceGenerator returns "<prefix>-1", "<prefix>-2", ... for tests and
// golden scenarios.
//
// Thread-safety: SequenceGenerator is safe for concurrent use via internal mutex.
type SequenceGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceGenerator creates a generator counting from 1.
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	if prefix == "" {
		prefix = "run"
	}
	return &SequenceGenerator{prefix: prefix}
}

// Generate returns the next ID in the sequence.
func (g *SequenceGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// SteppingClock starts at a fixed instant and advances by a fixed step on
// every read, so persisted timestamps are reproducible.
type SteppingClock struct {
	mu   sync.Mutex
	next time.Time
	step time.Duration
}

// NewSteppingClock creates a clock whose first reading is start.
func NewSteppingClock(start time.Time, step time.Duration) *SteppingClock {
	return &SteppingClock{next: start.UTC(), step: step}
}

// Now returns the current reading and advances the clock.
func (c *SteppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.next
	c.next = c.next.Add(c.step)
	return now
}
