// Package stream implements the Streaming Results Protocol: the submit/
// poll/cancel surface clients drive to retrieve a query's results a page at
// a time, with idempotent replay of the last page and a strictly
// monotonically increasing token sequence. The route-table-plus-JSON-
// envelope shape is grounded on the teacher's applications/httpapi handlers
// (see DESIGN.md); the per-query-session mutex protecting poll/cancel/purge
// races follows the teacher's infrastructure/resilience circuit breaker's
// "single mutex owns all mutable fields" idiom.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	infraerrors "github.com/queryctl/coordinator/infrastructure/errors"
	"github.com/queryctl/coordinator/infrastructure/logging"
	"github.com/queryctl/coordinator/infrastructure/metrics"
	"github.com/queryctl/coordinator/internal/querycore/registry"
	"github.com/queryctl/coordinator/internal/querycore/session"
)

// ErrGone is returned by Poll when the requested token has already been
// superseded by a later page (the client fell behind and cannot catch up).
var ErrGone = errors.New("stream: token superseded")

// ErrNotFound is returned by Poll/Cancel when the query id is unknown, or
// the requested path is neither a replay of the last page nor the single
// valid next-page path.
var ErrNotFound = errors.New("stream: unknown query or path")

// Config configures the protocol's pacing limits.
type Config struct {
	BaseURI            string
	ServerMaxWait      time.Duration // clamp on poll's max-wait (default 1s)
	DesiredResultBytes int64         // page-fetch budget (default ~1 MiB)
	PurgeInterval      time.Duration
}

func (c *Config) setDefaults() {
	if c.ServerMaxWait <= 0 {
		c.ServerMaxWait = time.Second
	}
	if c.DesiredResultBytes <= 0 {
		c.DesiredResultBytes = 1 << 20
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = time.Second
	}
}

// Manager owns one streaming Session per live query and the independent
// purger that drops sessions the registry no longer tracks.
type Manager struct {
	cfg      Config
	registry *registry.Registry
	logger   *logging.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	sessions map[session.QueryId]*Session

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager constructs a streaming protocol Manager bound to reg.
func NewManager(cfg Config, reg *registry.Registry, logger *logging.Logger, m *metrics.Metrics) *Manager {
	cfg.setDefaults()
	return &Manager{
		cfg:      cfg,
		registry: reg,
		logger:   logger,
		metrics:  m,
		sessions: map[session.QueryId]*Session{},
		stopCh:   make(chan struct{}),
	}
}

// Submit creates a query via the registry and returns its initial response.
// It never blocks and never itself fails: a parse or admission failure
// surfaces as a terminal response with an error descriptor, per spec.
func (m *Manager) Submit(ctx context.Context, sess session.Session, sql string) *Response {
	h := m.registry.Create(ctx, sess, sql)

	st := newSession(h, m.cfg)
	m.mu.Lock()
	m.sessions[h.ID] = st
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordTokenIssued()
	}
	return st.initialResponse()
}

// Poll retrieves the page at the given request token, advancing, replaying,
// or rejecting it per the token and replay contract (spec.md §4.5).
// maxWait is clamped to the server maximum.
func (m *Manager) Poll(ctx context.Context, id session.QueryId, token uint64, maxWait time.Duration) (*Response, error) {
	if maxWait <= 0 || maxWait > m.cfg.ServerMaxWait {
		maxWait = m.cfg.ServerMaxWait
	}

	st, ok := m.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	return st.poll(ctx, token, maxWait)
}

// Cancel best-effort cancels id, closing its result buffer and transitioning
// the query to FAILED/USER_CANCELED. Returns ErrNotFound if id is unknown;
// the state of an already-terminal query is left unchanged.
func (m *Manager) Cancel(id session.QueryId, token uint64) error {
	_, ok := m.lookup(id)
	if !ok {
		return ErrNotFound
	}
	return m.registry.Cancel(id)
}

func (m *Manager) lookup(id session.QueryId) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[id]
	return st, ok
}

// StartPurger launches the background goroutine that drops streaming-session
// state for queries the registry no longer tracks (spec.md §4.5 "Purge").
func (m *Manager) StartPurger() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.PurgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.purgeOnce()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// StopPurger signals the purger to exit and waits up to grace for it.
func (m *Manager) StopPurger(grace time.Duration) {
	close(m.stopCh)
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
	}
}

func (m *Manager) purgeOnce() {
	m.mu.Lock()
	ids := make([]session.QueryId, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	purged := 0
	for _, id := range ids {
		if _, ok := m.registry.Lookup(id); ok {
			continue
		}
		m.mu.Lock()
		st, tracked := m.sessions[id]
		delete(m.sessions, id)
		m.mu.Unlock()
		if tracked {
			st.closeExchangeIfFailed()
		}
		purged++
	}

	if m.logger != nil && purged > 0 {
		m.logger.WithFields(map[string]interface{}{"purged": purged}).Debug("streaming purger reclaimed sessions")
	}
}

func pathFor(baseURI string, id session.QueryId, token uint64) string {
	return fmt.Sprintf("%s/v1/statement/%s/%d", baseURI, id, token)
}

func errorDescriptor(cause *infraerrors.QueryError) *ErrorDescriptor {
	if cause == nil {
		return nil
	}
	return &ErrorDescriptor{
		Message:   cause.Message,
		ErrorCode: cause.Code,
		ErrorName: string(cause.Name),
		ErrorType: string(cause.Kind),
		Location:  cause.Location,
	}
}
