package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/queryctl/coordinator/infrastructure/errors"
	"github.com/queryctl/coordinator/infrastructure/logging"
	"github.com/queryctl/coordinator/infrastructure/metrics"
	"github.com/queryctl/coordinator/internal/querycore/memory"
	"github.com/queryctl/coordinator/internal/querycore/session"
	"github.com/queryctl/coordinator/internal/querycore/state"
)

var errSweeperPassPanicked = fmt.Errorf("sweeper pass panicked")

// Sweeper runs the four independent periodic passes described in spec.md
// §4.3: abandonment, memory enforcement, expiration removal, and history
// pruning. Each pass is individually recovered so a panic or error in one
// never suppresses the other three, mirroring the teacher's
// infrastructure/middleware.GracefulShutdown "each callback runs under
// recover()" pattern.
type Sweeper struct {
	registry *Registry
	memory   *memory.Manager
	interval time.Duration
	logger   *logging.Logger
	metrics  *metrics.Metrics

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSweeper constructs a Sweeper ticking at interval (default 1s).
func NewSweeper(reg *Registry, mem *memory.Manager, interval time.Duration, logger *logging.Logger, m *metrics.Metrics) *Sweeper {
	if interval <= 0 {
		interval = time.Second
	}
	return &Sweeper{
		registry: reg,
		memory:   mem,
		interval: interval,
		logger:   logger,
		metrics:  m,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the ticker-driven background goroutine.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.tick()
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop signals the background goroutine to exit and waits up to grace for
// it to finish its current tick.
func (s *Sweeper) Stop(grace time.Duration) {
	close(s.stopCh)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
	}
}

// tick runs all four passes. Each is wrapped in its own recover so an
// exception in one pass never stops the others from running this tick.
func (s *Sweeper) tick() {
	s.runPass("abandonment", s.abandonmentPass)
	s.runPass("memory-enforcement", s.memoryEnforcementPass)
	s.runPass("expiration-removal", s.expirationRemovalPass)
	s.runPass("history-pruning", s.historyPruningPass)
}

func (s *Sweeper) runPass(name string, fn func() (examined, affected int)) {
	start := time.Now()
	var affected int
	var passErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				passErr = fmt.Errorf("%w: %v", errSweeperPassPanicked, r)
			}
		}()
		_, affected = fn()
	}()

	if s.metrics != nil {
		s.metrics.RecordSweeperPass(name, time.Since(start))
	}
	if s.logger != nil {
		s.logger.LogSweeperPass(context.Background(), name, affected, passErr)
	}
}

// abandonmentPass fails non-terminal queries whose last heartbeat is older
// than the configured client-timeout.
func (s *Sweeper) abandonmentPass() (examined, affected int) {
	now := time.Now()
	for _, h := range s.registry.ListAll() {
		if h.State.Current().Done() {
			continue
		}
		examined++
		if now.Sub(h.LastHeartbeat()) > s.registry.cfg.ClientTimeout {
			h.State.TransitionToFailed(errors.AbandonedByClient(string(h.ID)))
			if client := h.ExchangeClient(); client != nil {
				client.Close()
			}
			affected++
		}
	}
	return examined, affected
}

// memoryEnforcementPass delegates to the Cluster Memory Manager with the
// set of currently RUNNING handles and applies its decisions back.
func (s *Sweeper) memoryEnforcementPass() (examined, affected int) {
	if s.memory == nil {
		return 0, 0
	}
	var running []memory.RunningQuery
	for _, h := range s.registry.ListAll() {
		if h.State.Current() != state.Running {
			continue
		}
		examined++
		running = append(running, memory.RunningQuery{
			ID:             h.ID,
			ReservedBytes:  h.ReservedBytes(),
			AssignedPool:   h.Pool(),
			MaxMemoryBytes: h.MaxMemoryBytes(),
		})
	}

	outcomes := s.memory.Tick(context.Background(), running)
	for _, o := range outcomes {
		h, ok := s.registry.Lookup(o.QueryID)
		if !ok {
			continue
		}
		switch {
		case o.Failed:
			h.State.TransitionToFailed(o.FailCause)
			if client := h.ExchangeClient(); client != nil {
				client.Close()
			}
			affected++
		case o.Reassign != nil:
			h.SetPool(o.Reassign.Pool)
			affected++
		}
	}
	return examined, affected
}

// expirationRemovalPass pops the FIFO's oldest entries that are older than
// max-query-age while more than max-query-history entries remain (so at
// least max-query-history entries are kept), and removes the corresponding
// handles from the registry.
func (s *Sweeper) expirationRemovalPass() (examined, affected int) {
	cutoff := time.Now().Add(-s.registry.cfg.MaxQueryAge)

	s.registry.expMu.Lock()
	examined = len(s.registry.exp)
	i := 0
	for i < len(s.registry.exp) && len(s.registry.exp)-i > s.registry.cfg.MaxHistory && s.registry.exp[i].end.Before(cutoff) {
		i++
	}
	removed := s.registry.exp[:i]
	s.registry.exp = s.registry.exp[i:]
	s.registry.expMu.Unlock()

	for _, e := range removed {
		s.registry.remove(e.id)
		affected++
	}
	return examined, affected
}

// historyPruningPass calls PruneInfo on the oldest entries still in the
// expiration FIFO once it exceeds max-query-history, without removing them
// from the registry.
func (s *Sweeper) historyPruningPass() (examined, affected int) {
	s.registry.expMu.Lock()
	excess := len(s.registry.exp) - s.registry.cfg.MaxHistory
	var toPrune []session.QueryId
	if excess > 0 {
		toPrune = make([]session.QueryId, excess)
		for i := 0; i < excess; i++ {
			toPrune[i] = s.registry.exp[i].id
		}
	}
	examined = len(s.registry.exp)
	s.registry.expMu.Unlock()

	sort.Slice(toPrune, func(i, j int) bool { return toPrune[i] < toPrune[j] })
	for _, id := range toPrune {
		if h, ok := s.registry.Lookup(id); ok && !h.Pruned() {
			h.PruneInfo()
			affected++
		}
	}
	return examined, affected
}
