// Package memory implements the Cluster Memory Manager: a versioned set of
// named memory pools that observe per-query reservations, detect
// oversubscription of the general pool, reassign the largest offender to the
// reserved pool, and force-fail queries that cannot be rescued. The
// version-bump-on-transition shape is grounded on the teacher's
// infrastructure/resilience circuit breaker; pool occupancy is exposed via
// the same Prometheus-gauges-per-named-resource idiom as
// infrastructure/metrics.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/queryctl/coordinator/infrastructure/errors"
	"github.com/queryctl/coordinator/infrastructure/logging"
	"github.com/queryctl/coordinator/infrastructure/metrics"
	"github.com/queryctl/coordinator/infrastructure/resilience"
	"github.com/queryctl/coordinator/internal/querycore/session"
)

// PoolId names a memory pool. The two privileged names are General and
// Reserved.
type PoolId string

const (
	General  PoolId = "general"
	Reserved PoolId = "reserved"
)

// Pool is a versioned tuple of (total bytes, free bytes, per-query
// reservations). Version increments whenever the pool's composition is
// broadcast to workers.
type Pool struct {
	ID           PoolId
	TotalBytes   int64
	reservations map[session.QueryId]int64
	version      uint64
}

func newPool(id PoolId, total int64) *Pool {
	return &Pool{ID: id, TotalBytes: total, reservations: map[session.QueryId]int64{}}
}

func (p *Pool) reservedBytes() int64 {
	var sum int64
	for _, v := range p.reservations {
		sum += v
	}
	return sum
}

func (p *Pool) freeBytes() int64 {
	free := p.TotalBytes - p.reservedBytes()
	if free < 0 {
		return 0
	}
	return free
}

// Version returns the pool's current broadcast version.
func (p *Pool) Version() uint64 { return p.version }

// RunningQuery is the per-tick snapshot the Sweeper feeds the manager: a
// currently RUNNING query's id, its reserved bytes, and its currently
// assigned pool.
type RunningQuery struct {
	ID              session.QueryId
	ReservedBytes   int64
	AssignedPool    PoolId
	MaxMemoryBytes  int64 // per-query hard cap configured at submission; 0 = no cap
}

// Assignment describes where the manager decided a query should draw its
// reservation from after a tick, for the caller to apply back onto the
// QueryHandle.
type Assignment struct {
	QueryID        session.QueryId
	Pool           PoolId
	RequestVersion uint64
}

// PoolAssignmentsRequest is the reassignment message dispatched to every
// worker: a single query's target pool, tagged with a monotonically
// increasing request version so workers can ignore stale, reordered
// messages.
type PoolAssignmentsRequest struct {
	QueryID        session.QueryId
	TargetPool     PoolId
	RequestVersion uint64
}

// Dispatcher broadcasts a PoolAssignmentsRequest to every known worker. The
// manager does not wait for acknowledgment (see DESIGN.md Open Question 2);
// workers apply in version order and ignore stale versions on their next
// heartbeat.
type Dispatcher interface {
	Broadcast(ctx context.Context, req PoolAssignmentsRequest) error
}

// NoopDispatcher discards reassignment broadcasts. Used when no worker
// transport is configured (e.g. tests, or a coordinator running without a
// live cluster).
type NoopDispatcher struct{}

func (NoopDispatcher) Broadcast(context.Context, PoolAssignmentsRequest) error { return nil }

// Manager owns the set of MemoryPools and runs the per-tick enforcement
// algorithm described in spec.md §4.4.
type Manager struct {
	mu      sync.Mutex
	pools   map[PoolId]*Pool
	version uint64 // monotonic PoolAssignmentsRequest version counter

	dispatcher Dispatcher
	logger     *logging.Logger
	metrics    *metrics.Metrics
}

// Config configures pool sizing at startup.
type Config struct {
	GeneralPoolBytes  int64
	ReservedPoolBytes int64
}

// NewManager constructs a Manager with a general and reserved pool.
func NewManager(cfg Config, dispatcher Dispatcher, logger *logging.Logger, m *metrics.Metrics) *Manager {
	if dispatcher == nil {
		dispatcher = NoopDispatcher{}
	}
	return &Manager{
		pools: map[PoolId]*Pool{
			General:  newPool(General, cfg.GeneralPoolBytes),
			Reserved: newPool(Reserved, cfg.ReservedPoolBytes),
		},
		dispatcher: dispatcher,
		logger:     logger,
		metrics:    m,
	}
}

// Snapshot returns a copy of a pool's occupancy for reporting.
func (m *Manager) Snapshot(id PoolId) (total, free, reserved int64, version uint64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[id]
	if !ok {
		return 0, 0, 0, 0, false
	}
	return p.TotalBytes, p.freeBytes(), p.reservedBytes(), p.version, true
}

// Outcome reports what the manager decided to do about a single query during
// a tick.
type Outcome struct {
	QueryID   session.QueryId
	Failed    bool
	FailCause *errors.QueryError
	Reassign  *Assignment
}

// Tick runs one enforcement pass: compute pool load, select the largest
// general-pool consumer if oversubscribed, reassign it to the reserved pool
// if unoccupied, force-fail it if the reserved pool is also occupied, and
// fail any query independently exceeding its own per-query cap. All actions
// for this tick apply atomically to the manager's own state.
func (m *Manager) Tick(ctx context.Context, running []RunningQuery) []Outcome {
	m.mu.Lock()

	// Re-derive reservations from the authoritative running set: the
	// manager's pool state always reflects exactly the currently-running
	// queries, never stale entries from queries that have since finished.
	for _, p := range m.pools {
		p.reservations = map[session.QueryId]int64{}
	}
	byID := make(map[session.QueryId]RunningQuery, len(running))
	for _, rq := range running {
		byID[rq.ID] = rq
		pool := rq.AssignedPool
		if pool == "" {
			pool = General
		}
		if p, ok := m.pools[pool]; ok {
			p.reservations[rq.ID] = rq.ReservedBytes
		}
	}

	var outcomes []Outcome

	// 5. Per-query hard cap — independent of global pool state.
	failed := map[session.QueryId]bool{}
	for _, rq := range running {
		if rq.MaxMemoryBytes > 0 && rq.ReservedBytes > rq.MaxMemoryBytes {
			outcomes = append(outcomes, Outcome{
				QueryID:   rq.ID,
				Failed:    true,
				FailCause: errors.ExceededMemoryLimit(string(rq.ID), rq.MaxMemoryBytes),
			})
			failed[rq.ID] = true
			delete(m.pools[generalOr(rq.AssignedPool)].reservations, rq.ID)
		}
	}

	// 1. Compute pool load / declare oversubscription.
	generalPool := m.pools[General]
	reservedPool := m.pools[Reserved]
	if generalPool.reservedBytes() > generalPool.TotalBytes {
		// 2. Select largest consumer among running queries assigned to the
		// general pool (excluding ones already hard-capped this tick).
		var candidates []RunningQuery
		for _, rq := range running {
			if failed[rq.ID] {
				continue
			}
			if generalOr(rq.AssignedPool) == General {
				candidates = append(candidates, rq)
			}
		}
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].ReservedBytes > candidates[j].ReservedBytes
		})

		if len(candidates) > 0 {
			largest := candidates[0]
			if len(reservedPool.reservations) == 0 {
				// 3. Reassign the largest consumer to the reserved pool.
				m.version++
				assignment := Assignment{QueryID: largest.ID, Pool: Reserved, RequestVersion: m.version}
				delete(generalPool.reservations, largest.ID)
				reservedPool.reservations[largest.ID] = largest.ReservedBytes
				reservedPool.version++
				generalPool.version++

				outcomes = append(outcomes, Outcome{QueryID: largest.ID, Reassign: &assignment})
				m.dispatchReassignment(ctx, largest.ID, Reserved, m.version)
				if m.metrics != nil {
					m.metrics.RecordPoolReassignment(string(General))
				}
			} else if !failed[largest.ID] {
				// 4. Reserved pool also occupied: force-fail the largest
				// consumer.
				outcomes = append(outcomes, Outcome{
					QueryID:   largest.ID,
					Failed:    true,
					FailCause: errors.ExceededMemoryLimit(string(largest.ID), generalPool.TotalBytes),
				})
				delete(generalPool.reservations, largest.ID)
				if m.metrics != nil {
					m.metrics.RecordPoolForcedFailure(string(General))
				}
			}
		}
	}

	m.recordOccupancyLocked()
	m.mu.Unlock()

	if m.logger != nil {
		for _, o := range outcomes {
			if o.Failed {
				m.logger.WithFields(map[string]interface{}{
					"query_id": o.QueryID,
					"cause":    o.FailCause.Name,
				}).Warn("memory manager failed query")
			} else if o.Reassign != nil {
				m.logger.WithFields(map[string]interface{}{
					"query_id": o.QueryID,
					"pool":     o.Reassign.Pool,
					"version":  o.Reassign.RequestVersion,
				}).Info("memory manager reassigned query")
			}
		}
	}

	return outcomes
}

func generalOr(p PoolId) PoolId {
	if p == "" {
		return General
	}
	return p
}

// recordOccupancyLocked pushes current occupancy to Prometheus. Must be
// called with mu held.
func (m *Manager) recordOccupancyLocked() {
	if m.metrics == nil {
		return
	}
	for id, p := range m.pools {
		m.metrics.SetPoolOccupancy(string(id), p.TotalBytes, p.freeBytes(), p.reservedBytes(), p.version)
	}
}

// dispatchReassignment broadcasts the PoolAssignmentsRequest to every
// worker, retrying failures with bounded exponential backoff. It runs inside
// the tick, so the tick waits for the broadcast and its retries. A failure
// after the last attempt is logged and does not undo the manager's own state
// change; a worker that never acknowledges keeps operating on its last-known
// version until its next successful heartbeat exchange.
func (m *Manager) dispatchReassignment(ctx context.Context, id session.QueryId, pool PoolId, version uint64) {
	req := PoolAssignmentsRequest{QueryID: id, TargetPool: pool, RequestVersion: version}
	cfg := resilience.DefaultRetryConfig()
	cfg.MaxAttempts = 3
	if err := resilience.Retry(ctx, cfg, func() error {
		return m.dispatcher.Broadcast(ctx, req)
	}); err != nil && m.logger != nil {
		m.logger.WithError(err).WithFields(map[string]interface{}{
			"query_id": id,
			"pool":     pool,
		}).Warn("pool reassignment broadcast failed after retries")
	}
}
