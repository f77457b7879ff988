package registry

import (
	"context"
	"sync"
	"time"

	"github.com/queryctl/coordinator/infrastructure/errors"
	"github.com/queryctl/coordinator/infrastructure/logging"
	"github.com/queryctl/coordinator/infrastructure/metrics"
	"github.com/queryctl/coordinator/internal/querycore/admission"
	"github.com/queryctl/coordinator/internal/querycore/exchange"
	"github.com/queryctl/coordinator/internal/querycore/parser"
	"github.com/queryctl/coordinator/internal/querycore/session"
	"github.com/queryctl/coordinator/internal/querycore/state"
)

// expirationEntry is one entry of the FIFO appended to exactly once, when a
// handle becomes terminal (spec.md §3 invariant I3).
type expirationEntry struct {
	id  session.QueryId
	end time.Time
}

// Config configures the registry's retention and admission policy.
type Config struct {
	BaseURI       string
	MaxQueryAge   time.Duration
	MaxHistory    int
	ClientTimeout time.Duration

	// MaxMemoryPerQuery is the per-query hard cap applied to every handle
	// created by this registry (spec.md §4.4 "Per-query hard cap", §6
	// "query.max-memory"). Zero means uncapped.
	MaxMemoryPerQuery int64
}

// Registry owns every live QueryHandle and the FIFO of completed queries
// awaiting expiration.
type Registry struct {
	cfg       Config
	idGen     *session.IdGenerator
	admission *admission.Manager
	parser    parser.Parser
	logger    *logging.Logger
	metrics   *metrics.Metrics

	mu      sync.RWMutex
	queries map[session.QueryId]*QueryHandle

	expMu sync.Mutex
	exp   []expirationEntry
}

// New constructs a Registry.
func New(cfg Config, adm *admission.Manager, p parser.Parser, logger *logging.Logger, m *metrics.Metrics) *Registry {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 100
	}
	if cfg.MaxQueryAge <= 0 {
		cfg.MaxQueryAge = 24 * time.Hour
	}
	if cfg.ClientTimeout <= 0 {
		cfg.ClientTimeout = 5 * time.Minute
	}
	return &Registry{
		cfg:       cfg,
		idGen:     session.NewIdGenerator(),
		admission: adm,
		parser:    p,
		logger:    logger,
		metrics:   m,
		queries:   map[session.QueryId]*QueryHandle{},
	}
}

// Create parses sql, admits the resulting query, and returns its handle.
// A parse failure or an admission rejection both produce a terminal FAILED
// handle rather than an error return, per spec.md §4.1/§4.3: the caller
// always gets a handle to report back to the client.
func (r *Registry) Create(ctx context.Context, sess session.Session, sql string) *QueryHandle {
	id := r.idGen.Next()

	stmt, err := r.parser.Parse(sql)
	if err != nil {
		var cause *errors.QueryError
		if se, ok := err.(*parser.SyntaxError); ok {
			cause = errors.SyntaxError(se.Reason)
		} else {
			cause = errors.Internal("parse failed", err)
		}
		h := newFailedHandle(id, sess, sql, r.cfg.BaseURI, cause)
		r.register(h)
		r.enqueueExpiration(h)
		return h
	}

	h := newHandle(id, sess, sql, r.cfg.BaseURI)
	h.SetHasOutputStage(stmt.HasOutputStage)
	h.SetMaxMemoryBytes(r.cfg.MaxMemoryPerQuery)
	r.register(h)

	h.State.OnCompletion(func(state.State) {
		r.enqueueExpiration(h)
	})

	// The query's execution lifetime outlives the submitting request:
	// admission dequeue may fire long after this HTTP call returns, so it
	// must not be tied to the caller's (request-scoped) ctx.
	complete, submitErr := r.admission.Submit(context.Background(), sess.User, sess.Source, sess.Properties, func() {
		r.runStubStatement(h, stmt)
	})
	if submitErr != nil {
		h.State.TransitionToFailed(errors.QueueFull(submitErrQueueName(submitErr)))
		return h
	}
	h.State.OnCompletion(func(state.State) { complete() })

	return h
}

func submitErrQueueName(err error) string {
	if qe, ok := err.(*errors.QueryError); ok {
		if name, ok := qe.Details["queue"].(string); ok {
			return name
		}
	}
	return "unknown"
}

// runStubStatement drives the query through PLANNING/STARTING/RUNNING and
// "executes" it via the parser's already-analyzed Statement. Real fragment
// scheduling and worker execution are external collaborators (spec.md §1);
// this stands in for them so the Streaming Results Protocol has real pages
// and schema to advance over.
func (r *Registry) runStubStatement(h *QueryHandle, stmt *parser.Statement) {
	if !h.State.Transition(state.Planning) {
		return
	}
	if !h.State.Transition(state.Starting) {
		return
	}
	if !h.State.Transition(state.Running) {
		return
	}

	h.ApplySessionDirectives(stmt.SetSessionProperties, stmt.ResetSessionProperties)

	if !stmt.HasOutputStage {
		h.SetUpdateType(stmt.UpdateType)
		h.State.Transition(state.Finished)
		return
	}

	h.SetColumns(stmt.Columns)
	client := exchange.NewMemoryClient()
	h.SetExchangeClient(client)

	const taskID = "stub-task-0"
	client.AddLocation(exchange.TaskLocation{TaskID: taskID})
	client.Push(taskID, stmt.Rows)
	client.FinishLocation(taskID)
	client.NoMoreLocations()

	h.State.Transition(state.Finished)
}

func (r *Registry) register(h *QueryHandle) {
	r.mu.Lock()
	r.queries[h.ID] = h
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.SetRegistrySize(r.Size())
	}
}

// Size returns the current number of tracked queries.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.queries)
}

// Lookup returns the handle for id, if tracked.
func (r *Registry) Lookup(id session.QueryId) (*QueryHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.queries[id]
	return h, ok
}

// ListAll returns a snapshot slice of every tracked handle.
func (r *Registry) ListAll() []*QueryHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*QueryHandle, 0, len(r.queries))
	for _, h := range r.queries {
		out = append(out, h)
	}
	return out
}

// remove deletes id from the registry (called only by the sweeper's
// expiration-removal pass).
func (r *Registry) remove(id session.QueryId) {
	r.mu.Lock()
	delete(r.queries, id)
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.SetRegistrySize(r.Size())
	}
}

// RecordHeartbeat updates id's last-heartbeat timestamp, used by every
// streaming-protocol poll to keep the query from being swept as abandoned.
func (r *Registry) RecordHeartbeat(id session.QueryId) {
	if h, ok := r.Lookup(id); ok {
		h.Heartbeat()
	}
}

// WaitForStateChange blocks until id's state differs from current, or until
// maxWait elapses, whichever comes first; it never blocks longer than
// maxWait. Returns the observed state (which may be unchanged on timeout).
func (r *Registry) WaitForStateChange(ctx context.Context, id session.QueryId, current state.State, maxWait time.Duration) (state.State, error) {
	h, ok := r.Lookup(id)
	if !ok {
		return current, errors.NotFound("query", string(id))
	}
	if observed := h.State.Current(); observed != current {
		return observed, nil
	}

	changed := make(chan state.State, 1)
	h.State.AttachListener(func(s state.State) {
		select {
		case changed <- s:
		default:
		}
	})

	select {
	case s := <-changed:
		return s, nil
	case <-time.After(maxWait):
		return h.State.Current(), nil
	case <-ctx.Done():
		return h.State.Current(), ctx.Err()
	}
}

// Cancel transitions id directly to FAILED with USER_CANCELED and closes its
// exchange client, if any. Returns a not-found error if id is unknown. The
// state of an already-terminal query is left unchanged.
func (r *Registry) Cancel(id session.QueryId) error {
	h, ok := r.Lookup(id)
	if !ok {
		return errors.NotFound("query", string(id))
	}
	h.State.Cancel(string(id))
	if client := h.ExchangeClient(); client != nil {
		client.Close()
	}
	return nil
}

// CancelStage is a best-effort cancellation of a single plan fragment.
// Fragment scheduling onto worker nodes is an external collaborator
// (spec.md §1); the registry can only record the request, it does not track
// stage identities itself.
func (r *Registry) CancelStage(id session.QueryId, stageID string) error {
	if _, ok := r.Lookup(id); !ok {
		return errors.NotFound("query", string(id))
	}
	if r.logger != nil {
		r.logger.WithFields(map[string]interface{}{
			"query_id": id,
			"stage_id": stageID,
		}).Info("stage cancellation requested (delegated to external scheduler)")
	}
	return nil
}

// Shutdown fails every non-terminal query with SERVER_SHUTTING_DOWN, per
// spec.md §4.3.
func (r *Registry) Shutdown() {
	for _, h := range r.ListAll() {
		if !h.State.Current().Done() {
			h.State.TransitionToFailed(errors.ServerShuttingDown())
		}
	}
}

func (r *Registry) enqueueExpiration(h *QueryHandle) {
	r.expMu.Lock()
	r.exp = append(r.exp, expirationEntry{id: h.ID, end: time.Now()})
	r.expMu.Unlock()
}
