// Package state implements the query lifecycle state machine: a monotonic,
// DAG-shaped set of transitions with per-state timestamps and asynchronous
// listener fan-out. The shape (mutex-guarded enum state, atomic transition
// helper, async OnStateChange-style callbacks) is grounded on the teacher's
// infrastructure/resilience circuit breaker, generalized from three states to
// the seven-state query DAG and from a single callback to a listener slice
// plus a one-shot completion signal.
package state

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/queryctl/coordinator/infrastructure/errors"
)

// State is one node in the query lifecycle DAG.
type State int

const (
	Queued State = iota
	Planning
	Starting
	Running
	Finished
	Failed
	Canceled
)

func (s State) String() string {
	switch s {
	case Queued:
		return "QUEUED"
	case Planning:
		return "PLANNING"
	case Starting:
		return "STARTING"
	case Running:
		return "RUNNING"
	case Finished:
		return "FINISHED"
	case Failed:
		return "FAILED"
	case Canceled:
		return "CANCELED"
	default:
		return "UNKNOWN"
	}
}

// Done reports whether s is a terminal (absorbing) state.
func (s State) Done() bool {
	return s == Finished || s == Failed || s == Canceled
}

var allowed = map[State]map[State]bool{
	Queued:   {Planning: true, Starting: true, Running: true, Finished: true, Failed: true, Canceled: true},
	Planning: {Starting: true, Running: true, Finished: true, Failed: true, Canceled: true},
	Starting: {Running: true, Finished: true, Failed: true, Canceled: true},
	Running:  {Finished: true, Failed: true, Canceled: true},
}

// Listener receives the new state on every successful transition.
type Listener func(State)

// Timestamps records when each named state was first entered.
type Timestamps struct {
	Queued         time.Time
	PlanningStart  time.Time
	StartingStart  time.Time
	ExecutionStart time.Time
	End            time.Time
}

// Machine is a single query's lifecycle state machine. The zero value is not
// usable; construct with New.
type Machine struct {
	mu         sync.Mutex
	current    State
	timestamps Timestamps
	listeners  []Listener
	cause      *errors.QueryError
	completed  atomic.Bool
	onComplete []func(State)
}

// New creates a machine starting in QUEUED, recording the queued timestamp.
func New() *Machine {
	return &Machine{
		current:    Queued,
		timestamps: Timestamps{Queued: time.Now()},
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Timestamps returns a copy of the recorded per-state timestamps.
func (m *Machine) Timestamps() Timestamps {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timestamps
}

// Cause returns the recorded failure descriptor, if any.
func (m *Machine) Cause() *errors.QueryError {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cause
}

// Transition attempts to move the machine to next. Returns false if current
// is already terminal or next is not reachable from current; the call is a
// no-op in that case. At most one concurrent caller succeeds for a given
// (current, next) pair.
func (m *Machine) Transition(next State) bool {
	m.mu.Lock()
	if m.current.Done() || !allowed[m.current][next] {
		m.mu.Unlock()
		return false
	}
	m.current = next
	m.stamp(next)
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	m.fanOut(listeners, next)
	if next.Done() {
		m.fireCompletion(next)
	}
	return true
}

// stamp must be called with mu held.
func (m *Machine) stamp(s State) {
	now := time.Now()
	switch s {
	case Planning:
		m.timestamps.PlanningStart = now
	case Starting:
		m.timestamps.StartingStart = now
	case Running:
		m.timestamps.ExecutionStart = now
	case Finished, Failed, Canceled:
		m.timestamps.End = now
	}
}

func (m *Machine) fanOut(listeners []Listener, next State) {
	for _, l := range listeners {
		go l(next)
	}
}

// TransitionToFailed records cause and transitions to FAILED. A second call
// after the machine is already terminal is silently ignored.
func (m *Machine) TransitionToFailed(cause *errors.QueryError) bool {
	m.mu.Lock()
	if m.current.Done() {
		m.mu.Unlock()
		return false
	}
	m.cause = cause
	m.mu.Unlock()
	return m.Transition(Failed)
}

// Cancel transitions to FAILED with a USER_CANCELED error; the protocol
// layer exposes this as CANCELED-equivalent by inspecting the error name.
func (m *Machine) Cancel(queryID string) bool {
	return m.TransitionToFailed(errors.UserCanceled(queryID))
}

// AttachListener registers callback to fire on every future transition.
func (m *Machine) AttachListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// OnCompletion wraps callback so it fires exactly once when the machine
// reaches a terminal state, handling the race where it is already terminal
// at attach time by firing inline rather than waiting for a future
// transition that will never come.
func (m *Machine) OnCompletion(callback func(State)) {
	m.mu.Lock()
	current := m.current
	if current.Done() {
		m.mu.Unlock()
		callback(current)
		return
	}
	m.onComplete = append(m.onComplete, callback)
	m.mu.Unlock()
}

func (m *Machine) fireCompletion(final State) {
	if !m.completed.CompareAndSwap(false, true) {
		return
	}
	m.mu.Lock()
	callbacks := m.onComplete
	m.onComplete = nil
	m.mu.Unlock()
	for _, cb := range callbacks {
		cb(final)
	}
}
