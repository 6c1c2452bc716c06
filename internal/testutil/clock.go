package testutil

import (
	"fmt"
	"sync"
	"time"
)

// RosterEpoch is the instant FixedClock starts at. Roster rows seeded by
// tests are usually stamped some time before it, so that edits made at the
// clock's current time count as newer than the base.
var RosterEpoch = time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

// StubClock is a roster.Clock that only moves when told to. Lock heartbeats,
// merge-lock ages and modified_at stamps all read it, so a test can step
// across a staleness threshold exactly. Safe for concurrent use.
type StubClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewStubClock(t time.Time) *StubClock {
	return &StubClock{now: t}
}

// FixedClock returns a StubClock set to RosterEpoch.
func FixedClock() *StubClock {
	return NewStubClock(RosterEpoch)
}

func (c *StubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Ago returns the instant d before the clock's current time. It is the usual
// way to write a lock timestamp of a given age or a row edited before the
// last sync.
func (c *StubClock) Ago(d time.Duration) time.Time {
	return c.Now().Add(-d)
}

// Advance moves the clock forward by d.
func (c *StubClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// StubIDGenerator hands out sync_ids, change-set ids and queue ids as
// "id-1", "id-2" and so on. One generator shared by several participants
// keeps ids unique across the whole shared folder.
type StubIDGenerator struct {
	mu      sync.Mutex
	counter int
}

func NewStubIDGenerator() *StubIDGenerator {
	return &StubIDGenerator{}
}

func (g *StubIDGenerator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counter++
	return fmt.Sprintf("id-%d", g.counter)
}

// Issued reports how many ids have been handed out so far.
func (g *StubIDGenerator) Issued() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counter
}
