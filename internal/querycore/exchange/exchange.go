// Package exchange defines the coordinator-side sink that pulls result pages
// from worker output buffers: the "exchange client" boundary the streaming
// protocol depends on. Per spec.md §1, per-worker task execution and the
// wire transport to worker output buffers are external collaborators; this
// package defines only the interface the Streaming Results Protocol
// consumes, plus a fan-in in-process implementation usable by any component
// (real worker transport, local test harness, or DDL synthesis) that wants
// to feed it pages.
package exchange

import (
	"context"
	"sync"
	"time"
)

// TypeSignature names a column's wire type the way the output schema
// reports it (e.g. "bigint", "varchar(10)", "array(bigint)").
type TypeSignature struct {
	RawType   string   `json:"rawType"`
	Arguments []string `json:"typeArguments,omitempty"`
}

// Column is one entry of an output schema.
type Column struct {
	Name          string        `json:"name"`
	Type          string        `json:"type"`
	TypeSignature TypeSignature `json:"typeSignature"`
}

// Page is a columnar batch of rows produced by workers and consumed by the
// streaming protocol. Rows are represented row-major (one []interface{} per
// row) to match the wire shape of the `data` field in the JSON response
// (§6).
type Page struct {
	Rows      [][]interface{}
	SizeBytes int64
}

// TaskLocation names a worker task's output buffer URI.
type TaskLocation struct {
	TaskID string
	URI    string
}

// Client is the coordinator-side sink for one query's output stage. The
// streaming protocol's Advance step wires up locations as tasks finalize
// their output buffers and marks NoMoreLocations once the output stage's
// task set is complete; Poll then drains whatever pages are available up to
// a caller-supplied byte budget.
type Client interface {
	// AddLocation registers a worker task's output buffer as a source of
	// pages. Idempotent: registering the same TaskID twice is a no-op.
	AddLocation(loc TaskLocation)

	// NoMoreLocations signals that every output buffer of every task of the
	// output stage has been finalized; once all registered locations are
	// drained, Finished reports true.
	NoMoreLocations()

	// Poll blocks up to maxWait waiting for at least one page, or returns
	// immediately with whatever is already buffered. desiredBytes caps how
	// much data a single Poll call returns.
	Poll(ctx context.Context, maxWait time.Duration, desiredBytes int64) (*Page, error)

	// Finished reports whether every known location is closed and all
	// buffered data has been drained; once true the streaming protocol may
	// close the client.
	Finished() bool

	// Close releases resources the client holds (worker HTTP connections,
	// buffered pages). Safe to call multiple times.
	Close()
}

// MemoryClient is an in-process fan-in implementation: pages are pushed onto
// it directly (by a local execution harness, a test, or DDL synthesis)
// rather than fetched from a worker HTTP endpoint. It satisfies the same
// Client contract a networked implementation would, so the streaming
// protocol's Advance logic is identical either way.
type MemoryClient struct {
	mu          sync.Mutex
	wake        chan struct{} // closed and replaced on every state change; Poll selects on it
	locations   map[string]bool
	noMoreLocs  bool
	pending     [][]interface{}
	closed      bool
	drainedLocs map[string]bool
}

// NewMemoryClient creates an in-process exchange client. Push feeds it rows;
// FinishLocation marks a location as fully drained.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		locations:   map[string]bool{},
		drainedLocs: map[string]bool{},
		wake:        make(chan struct{}),
	}
}

// broadcastLocked closes the current wake channel (waking every Poll blocked
// on it) and installs a fresh one. Must be called with mu held.
func (c *MemoryClient) broadcastLocked() {
	close(c.wake)
	c.wake = make(chan struct{})
}

func (c *MemoryClient) AddLocation(loc TaskLocation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.locations[loc.TaskID]; !ok {
		c.locations[loc.TaskID] = true
	}
}

func (c *MemoryClient) NoMoreLocations() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noMoreLocs = true
	c.broadcastLocked()
}

// Push appends rows as if they arrived from the named task's output buffer.
// Used by a local execution harness or test to drive the client.
func (c *MemoryClient) Push(taskID string, rows [][]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, rows...)
	c.broadcastLocked()
}

// FinishLocation marks one task's output buffer as finalized (drained and
// will never produce more rows).
func (c *MemoryClient) FinishLocation(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drainedLocs[taskID] = true
	c.broadcastLocked()
}

func (c *MemoryClient) allLocationsDrainedLocked() bool {
	if !c.noMoreLocs {
		return false
	}
	for id := range c.locations {
		if !c.drainedLocs[id] {
			return false
		}
	}
	return true
}

func (c *MemoryClient) Poll(ctx context.Context, maxWait time.Duration, desiredBytes int64) (*Page, error) {
	deadline := time.Now().Add(maxWait)

	c.mu.Lock()
	for len(c.pending) == 0 && !c.allLocationsDrainedLocked() && !c.closed {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		wake := c.wake
		c.mu.Unlock()
		select {
		case <-wake:
		case <-time.After(remaining):
		case <-ctx.Done():
		}
		c.mu.Lock()
	}

	if len(c.pending) == 0 {
		c.mu.Unlock()
		return &Page{}, ctx.Err()
	}

	var size int64
	n := 0
	for n < len(c.pending) {
		size += estimateRowSize(c.pending[n])
		n++
		if size >= desiredBytes {
			break
		}
	}
	rows := c.pending[:n]
	c.pending = c.pending[n:]
	c.mu.Unlock()

	return &Page{Rows: rows, SizeBytes: size}, nil
}

func (c *MemoryClient) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed || (len(c.pending) == 0 && c.allLocationsDrainedLocked())
}

func (c *MemoryClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.broadcastLocked()
}

func estimateRowSize(row []interface{}) int64 {
	// A coarse byte estimate sufficient for desired-result-bytes pacing; the
	// real worker wire format carries a precise page size.
	const perCell = 16
	return int64(len(row)) * perCell
}
