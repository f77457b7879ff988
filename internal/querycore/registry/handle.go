// Package registry implements the Query Registry & Lifecycle Sweeper: the
// concurrent QueryId -> QueryHandle map and the periodic background task
// that enforces abandonment, memory limits, expiration, and history
// pruning. The "each pass individually panic-guarded" shape is grounded on
// the teacher's infrastructure/middleware GracefulShutdown callback runner;
// the ticker-driven background goroutine follows the teacher's
// infrastructure/service "Run" pattern.
package registry

import (
	"sync"
	"time"

	"github.com/queryctl/coordinator/infrastructure/errors"
	"github.com/queryctl/coordinator/internal/querycore/exchange"
	"github.com/queryctl/coordinator/internal/querycore/memory"
	"github.com/queryctl/coordinator/internal/querycore/session"
	"github.com/queryctl/coordinator/internal/querycore/state"
)

// Stats mirrors the timestamps, counters, and sizes spec.md §3 requires a
// QueryHandle to report.
type Stats struct {
	Timestamps     state.Timestamps
	DriverCount    int
	InputBytes     int64
	OutputBytes    int64
	ReservedBytes  int64
	MaxMemoryBytes int64
}

// QueryHandle is the central entity: a query's immutable identity and
// session, its state machine, and the mutable fields (pool assignment,
// reservation, schema, stats, session-property directives) that the
// Streaming Results Protocol, the Cluster Memory Manager, and the Sweeper
// all read and update over the query's lifetime.
type QueryHandle struct {
	ID      session.QueryId
	SQL     string
	Session session.Session
	State   *state.Machine
	URI     string

	mu                     sync.RWMutex
	columns                []exchange.Column
	hasOutputStage         bool
	updateType             string
	exchangeClient         exchange.Client
	pool                   memory.PoolId
	reservedBytes          int64
	maxMemoryBytes         int64
	lastHeartbeat          time.Time
	setSessionProperties   map[string]string
	resetSessionProperties map[string]bool
	prunedDetail           bool
	createdAt              time.Time
}

func newHandle(id session.QueryId, sess session.Session, sql, baseURI string) *QueryHandle {
	now := time.Now()
	return &QueryHandle{
		ID:                     id,
		SQL:                    sql,
		Session:                sess,
		State:                  state.New(),
		URI:                    baseURI + "/v1/query/" + string(id),
		pool:                   memory.General,
		lastHeartbeat:          now,
		createdAt:              now,
		setSessionProperties:   map[string]string{},
		resetSessionProperties: map[string]bool{},
	}
}

// newFailedHandle synthesizes a handle that never leaves QUEUED except to
// transition directly to FAILED, used for parse failures (spec.md §4.3). An
// admission rejection instead fails the already-registered handle in place.
func newFailedHandle(id session.QueryId, sess session.Session, sql, baseURI string, cause *errors.QueryError) *QueryHandle {
	h := newHandle(id, sess, sql, baseURI)
	h.State.TransitionToFailed(cause)
	return h
}

// Heartbeat records a client heartbeat (any poll, regardless of outcome).
func (h *QueryHandle) Heartbeat() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastHeartbeat = time.Now()
}

// LastHeartbeat returns the most recently recorded heartbeat time.
func (h *QueryHandle) LastHeartbeat() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastHeartbeat
}

// SetColumns caches the output schema the first time it becomes known.
func (h *QueryHandle) SetColumns(cols []exchange.Column) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.columns == nil {
		h.columns = cols
	}
}

// Columns returns the cached output schema, or nil if not yet known.
func (h *QueryHandle) Columns() []exchange.Column {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.columns
}

// SetHasOutputStage records whether this query has an output stage at all
// (false for DDL and session-property statements, which synthesize a
// boolean result directly per spec.md §4.5 step 5).
func (h *QueryHandle) SetHasOutputStage(v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hasOutputStage = v
}

// HasOutputStage reports whether the query has an output stage.
func (h *QueryHandle) HasOutputStage() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.hasOutputStage
}

// SetUpdateType records the DDL update type (e.g. "CREATE TABLE").
func (h *QueryHandle) SetUpdateType(t string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updateType = t
}

// UpdateType returns the recorded DDL update type, if any.
func (h *QueryHandle) UpdateType() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.updateType
}

// SetExchangeClient attaches the exchange client wired up for this query's
// output stage.
func (h *QueryHandle) SetExchangeClient(c exchange.Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exchangeClient = c
}

// ExchangeClient returns the attached exchange client, or nil.
func (h *QueryHandle) ExchangeClient() exchange.Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.exchangeClient
}

// SetPool records the query's currently assigned memory pool.
func (h *QueryHandle) SetPool(p memory.PoolId) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pool = p
}

// Pool returns the query's currently assigned memory pool.
func (h *QueryHandle) Pool() memory.PoolId {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.pool
}

// SetReservedBytes records the query's current total memory reservation.
func (h *QueryHandle) SetReservedBytes(n int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reservedBytes = n
}

// ReservedBytes returns the query's current total memory reservation.
func (h *QueryHandle) ReservedBytes() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.reservedBytes
}

// SetMaxMemoryBytes records the per-query hard cap configured at submission.
func (h *QueryHandle) SetMaxMemoryBytes(n int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.maxMemoryBytes = n
}

// MaxMemoryBytes returns the per-query hard cap, or 0 if uncapped.
func (h *QueryHandle) MaxMemoryBytes() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.maxMemoryBytes
}

// ApplySessionDirectives merges a query's produced set/reset session
// property mutations into the handle, for the streaming protocol to surface
// as response side-channel headers.
func (h *QueryHandle) ApplySessionDirectives(set map[string]string, reset []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for k, v := range set {
		h.setSessionProperties[k] = v
		delete(h.resetSessionProperties, k)
	}
	for _, k := range reset {
		h.resetSessionProperties[k] = true
		delete(h.setSessionProperties, k)
	}
}

// SessionDirectives returns the accumulated set/reset session property
// mutations produced by this query so far.
func (h *QueryHandle) SessionDirectives() (set map[string]string, reset []string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set = make(map[string]string, len(h.setSessionProperties))
	for k, v := range h.setSessionProperties {
		set[k] = v
	}
	reset = make([]string, 0, len(h.resetSessionProperties))
	for k := range h.resetSessionProperties {
		reset = append(reset, k)
	}
	return set, reset
}

// Stats returns a snapshot of the handle's recorded stats.
func (h *QueryHandle) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Timestamps:     h.State.Timestamps(),
		ReservedBytes:  h.reservedBytes,
		MaxMemoryBytes: h.maxMemoryBytes,
	}
}

// PruneInfo marks a completed handle as pruned. The handle holds no
// per-stage detail, so nothing is trimmed and its summary stats are left as
// they are. Idempotent.
func (h *QueryHandle) PruneInfo() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prunedDetail = true
}

// Pruned reports whether PruneInfo has been called.
func (h *QueryHandle) Pruned() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.prunedDetail
}
