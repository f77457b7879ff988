// Package admission implements the multi-level admission queue: rule-based
// routing of a query's Session to an ordered list of named, shared queues,
// each with bounded queue length and bounded concurrency. The counter/FIFO/
// start-callback shape follows the queue/scheduler idiom surveyed across the
// example pack's queue-shaped files; the dequeue pacing limiter reuses the
// teacher's config-struct-with-defaults-plus-rate.Limiter idiom applied
// directly against golang.org/x/time/rate.
package admission

import (
	"context"
	"regexp"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/queryctl/coordinator/infrastructure/errors"
)

// QueueDefinition is a named queue with bounded length and concurrency. It is
// shared state: multiple rules may reference the same definition.
//
// Three independently bounded counters back the two operations spec.md §4.1
// describes: `admitted` (reserve's gate, capacity MaxQueued+MaxConcurrent —
// the combined "accepted into this queue's bookkeeping, whether waiting or
// running" pool every queue in a rule's chain uses), `queued` (enqueue's
// gate, capacity MaxQueued — only the innermost queue in a chain ever
// enqueues), and `permits` (the actual concurrency semaphore, capacity
// MaxConcurrent, touched only by dequeueOne/finish on the innermost queue).
// Keeping `admitted` and `permits` as separate pools matters: an earlier
// draft reused a single MaxConcurrent-sized channel for both reserve and the
// concurrency gate, which meant a query's own reserve() permanently consumed
// the one slot dequeueOne needed to ever start it when MaxConcurrent was 1.
type QueueDefinition struct {
	Name          string
	MaxQueued     int
	MaxConcurrent int

	admitted atomic.Int64
	queued   atomic.Int64
	permits  chan struct{}

	mu      sync.Mutex
	pending []*waiter
}

type waiter struct {
	dequeued atomic.Bool
	start    func()
}

// NewQueueDefinition constructs a queue with the given capacities.
func NewQueueDefinition(name string, maxQueued, maxConcurrent int) *QueueDefinition {
	return &QueueDefinition{
		Name:          name,
		MaxQueued:     maxQueued,
		MaxConcurrent: maxConcurrent,
		permits:       make(chan struct{}, maxConcurrent),
	}
}

// Queued returns the current queued-but-not-running count.
func (q *QueueDefinition) Queued() int { return int(q.queued.Load()) }

// InFlight returns the current number of outstanding concurrency permits.
func (q *QueueDefinition) InFlight() int { return len(q.permits) }

// reserve succeeds iff the queue has spare admission capacity
// (MaxQueued+MaxConcurrent), per spec.md §4.1. It does not by itself start
// or queue anything — every queue in a rule's chain reserves up front; only
// the innermost additionally enqueues for an actual concurrency permit.
func (q *QueueDefinition) reserve() (func(), bool) {
	if int(q.admitted.Add(1)) > q.MaxQueued+q.MaxConcurrent {
		q.admitted.Add(-1)
		return nil, false
	}
	var once sync.Once
	release := func() {
		once.Do(func() {
			q.admitted.Add(-1)
		})
	}
	return release, true
}

// enqueue appends a wrapper and returns false if max-queued is already hit.
func (q *QueueDefinition) enqueue(w *waiter) bool {
	if int(q.queued.Add(1)) > q.MaxQueued {
		q.queued.Add(-1)
		return false
	}
	q.mu.Lock()
	q.pending = append(q.pending, w)
	q.mu.Unlock()
	return true
}

// dequeueOne starts the next pending wrapper for which a concurrency permit
// is currently free. Idempotent: a wrapper already marked dequeued
// (cancellation before start) is skipped without effect, and the search
// continues.
func (q *QueueDefinition) dequeueOne() {
	for {
		select {
		case q.permits <- struct{}{}:
		default:
			return
		}

		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			<-q.permits
			return
		}
		w := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		if !w.dequeued.CompareAndSwap(false, true) {
			<-q.permits
			continue
		}
		q.queued.Add(-1)
		w.start()
		return
	}
}

// finish is called exactly once when a query that passed through this
// queue's enqueue reaches a done state. If the query never actually started
// (still waiting in pending, e.g. canceled while queued) it is marked
// dequeued so dequeueOne skips it in place and the queued count is
// corrected; otherwise its concurrency permit is released and the next
// pending wrapper, if any, is promoted.
func (q *QueueDefinition) finish(w *waiter) {
	if w.dequeued.CompareAndSwap(false, true) {
		q.queued.Add(-1)
		return
	}
	<-q.permits
	q.dequeueOne()
}

// Rule matches a Session against optional regexes and routes to an ordered,
// non-empty list of queues (outermost first).
type Rule struct {
	UserPattern      *regexp.Regexp
	SourcePattern    *regexp.Regexp
	PropertyPatterns map[string]*regexp.Regexp
	Queues           []*QueueDefinition
}

// Matches reports whether every configured regex matches the given values.
func (r *Rule) Matches(user, source string, properties map[string]string) bool {
	if r.UserPattern != nil && !r.UserPattern.MatchString(user) {
		return false
	}
	if r.SourcePattern != nil && !r.SourcePattern.MatchString(source) {
		return false
	}
	for name, pattern := range r.PropertyPatterns {
		if !pattern.MatchString(properties[name]) {
			return false
		}
	}
	return true
}

// Manager routes queries through rules to queues and admits or rejects them.
type Manager struct {
	rules   atomic.Value // []*Rule
	limiter *rate.Limiter
}

// NewManager builds a Manager from an ordered rule list. dequeueRate bounds
// how fast already-admitted dequeues proceed; zero means unlimited.
func NewManager(rules []*Rule, dequeueRate rate.Limit) *Manager {
	var limiter *rate.Limiter
	if dequeueRate > 0 {
		limiter = rate.NewLimiter(dequeueRate, int(dequeueRate)+1)
	}
	mgr := &Manager{limiter: limiter}
	mgr.rules.Store(rules)
	return mgr
}

// ReplaceRules atomically swaps the rule set in force, for hot-reloading the
// queue-config-file (spec.md §6 "query.queue-config-file") without
// disrupting queries already admitted under the previous rule set: a query
// already past routing keeps the QueueDefinitions it reserved regardless of
// this swap, since those are shared objects reached through the old rule
// list's pointers, not re-looked-up.
func (m *Manager) ReplaceRules(rules []*Rule) {
	m.rules.Store(rules)
}

// route returns the first matching rule's queue list, or nil if none match.
func (m *Manager) route(user, source string, properties map[string]string) []*QueueDefinition {
	rules, _ := m.rules.Load().([]*Rule)
	for _, r := range rules {
		if r.Matches(user, source, properties) {
			return r.Queues
		}
	}
	return nil
}

// Submit attempts to admit a query through its rule's queue chain. Every
// queue in the chain reserves admission capacity up front; start is then
// invoked on its own goroutine once the innermost queue has a free
// concurrency permit, after waiting on the dequeue pacing limiter if one is
// configured. Submit itself never blocks.
//
// On success, Submit returns a complete func that the caller must invoke
// exactly once, when the query reaches any done state, to release every
// permit the query reserved along the chain. On failure it returns
// errors.QueueFull naming the queue that rejected the query (or "unrouted"
// if no rule matched).
func (m *Manager) Submit(ctx context.Context, user, source string, properties map[string]string, start func()) (complete func(), err error) {
	queues := m.route(user, source, properties)
	if len(queues) == 0 {
		return nil, errors.QueueFull("unrouted")
	}

	releases := make([]func(), 0, len(queues))
	rollback := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	for _, q := range queues {
		release, ok := q.reserve()
		if !ok {
			rollback()
			return nil, errors.QueueFull(q.Name)
		}
		releases = append(releases, release)
	}

	innermost := queues[len(queues)-1]
	w := &waiter{start: func() {
		go func() {
			if m.limiter != nil {
				_ = m.limiter.Wait(ctx)
			}
			start()
		}()
	}}
	if !innermost.enqueue(w) {
		rollback()
		return nil, errors.QueueFull(innermost.Name)
	}

	var once sync.Once
	complete = func() {
		once.Do(func() {
			innermost.finish(w)
			rollback()
		})
	}

	// A permit may already be free (e.g. an idle queue): attempt an
	// immediate dequeue so submission doesn't wait on an unrelated release.
	innermost.dequeueOne()
	return complete, nil
}
