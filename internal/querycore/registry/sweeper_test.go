package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queryctl/coordinator/internal/querycore/memory"
	"github.com/queryctl/coordinator/internal/querycore/parser"
	"github.com/queryctl/coordinator/internal/querycore/state"
)

func TestSweeper_AbandonmentPass_FailsStaleHeartbeats(t *testing.T) {
	reg := New(Config{BaseURI: "http://coordinator", ClientTimeout: 10 * time.Millisecond}, unrestrictedAdmission(), parser.NewStubParser(), nil, nil)
	h := newHandle(reg.idGen.Next(), testSession(), "SELECT 1", reg.cfg.BaseURI)
	reg.register(h)

	sw := NewSweeper(reg, nil, time.Hour, nil, nil)

	examined, affected := sw.abandonmentPass()
	assert.Equal(t, 1, examined)
	assert.Equal(t, 0, affected)
	assert.Equal(t, state.Queued, h.State.Current())

	time.Sleep(20 * time.Millisecond)
	examined, affected = sw.abandonmentPass()
	assert.Equal(t, 1, examined)
	assert.Equal(t, 1, affected)
	assert.Equal(t, state.Failed, h.State.Current())
	assert.Equal(t, "ABANDONED_BY_CLIENT", string(h.State.Cause().Name))
}

func TestSweeper_AbandonmentPass_SkipsTerminalHandles(t *testing.T) {
	reg := New(Config{BaseURI: "http://coordinator", ClientTimeout: time.Nanosecond}, unrestrictedAdmission(), parser.NewStubParser(), nil, nil)
	h := reg.Create(context.Background(), testSession(), "NOT SQL")
	require.Equal(t, state.Failed, h.State.Current())

	sw := NewSweeper(reg, nil, time.Hour, nil, nil)
	examined, affected := sw.abandonmentPass()
	assert.Equal(t, 0, examined)
	assert.Equal(t, 0, affected)
}

func TestSweeper_ExpirationRemovalPass_DropsOldEntriesPastHistory(t *testing.T) {
	reg := New(Config{BaseURI: "http://coordinator", MaxQueryAge: time.Millisecond, MaxHistory: 1}, unrestrictedAdmission(), parser.NewStubParser(), nil, nil)

	h1 := newHandle(reg.idGen.Next(), testSession(), "SELECT 1", reg.cfg.BaseURI)
	reg.register(h1)
	reg.enqueueExpiration(h1)

	time.Sleep(5 * time.Millisecond)

	h2 := newHandle(reg.idGen.Next(), testSession(), "SELECT 2", reg.cfg.BaseURI)
	reg.register(h2)
	reg.enqueueExpiration(h2)

	sw := NewSweeper(reg, nil, time.Hour, nil, nil)
	examined, affected := sw.expirationRemovalPass()
	assert.Equal(t, 2, examined)
	assert.Equal(t, 1, affected)

	_, ok := reg.Lookup(h1.ID)
	assert.False(t, ok, "oldest entry past max-query-age should be removed once above max-history")
	_, ok = reg.Lookup(h2.ID)
	assert.True(t, ok, "most recent entry is retained")
}

func TestSweeper_ExpirationRemovalPass_RetainsWithinHistoryBudget(t *testing.T) {
	reg := New(Config{BaseURI: "http://coordinator", MaxQueryAge: time.Millisecond, MaxHistory: 5}, unrestrictedAdmission(), parser.NewStubParser(), nil, nil)

	h := newHandle(reg.idGen.Next(), testSession(), "SELECT 1", reg.cfg.BaseURI)
	reg.register(h)
	reg.enqueueExpiration(h)
	time.Sleep(5 * time.Millisecond)

	sw := NewSweeper(reg, nil, time.Hour, nil, nil)
	_, affected := sw.expirationRemovalPass()
	assert.Equal(t, 0, affected, "below max-history, old entries are retained regardless of age")

	_, ok := reg.Lookup(h.ID)
	assert.True(t, ok)
}

func TestSweeper_HistoryPruningPass_PrunesOldestBeyondBudget(t *testing.T) {
	reg := New(Config{BaseURI: "http://coordinator", MaxHistory: 1}, unrestrictedAdmission(), parser.NewStubParser(), nil, nil)

	h1 := newHandle(reg.idGen.Next(), testSession(), "SELECT 1", reg.cfg.BaseURI)
	reg.register(h1)
	reg.enqueueExpiration(h1)

	h2 := newHandle(reg.idGen.Next(), testSession(), "SELECT 2", reg.cfg.BaseURI)
	reg.register(h2)
	reg.enqueueExpiration(h2)

	sw := NewSweeper(reg, nil, time.Hour, nil, nil)
	_, affected := sw.historyPruningPass()
	assert.Equal(t, 1, affected)
	assert.True(t, h1.Pruned())
	assert.False(t, h2.Pruned())
}

func TestSweeper_MemoryEnforcementPass_AppliesReassignment(t *testing.T) {
	cfg := memory.Config{GeneralPoolBytes: 100, ReservedPoolBytes: 100}
	mem := memory.NewManager(cfg, memory.NoopDispatcher{}, nil, nil)

	reg := New(Config{BaseURI: "http://coordinator"}, unrestrictedAdmission(), parser.NewStubParser(), nil, nil)
	big := newHandle(reg.idGen.Next(), testSession(), "SELECT 1", reg.cfg.BaseURI)
	big.State.Transition(state.Planning)
	big.State.Transition(state.Starting)
	big.State.Transition(state.Running)
	big.SetReservedBytes(80)
	reg.register(big)

	small := newHandle(reg.idGen.Next(), testSession(), "SELECT 2", reg.cfg.BaseURI)
	small.State.Transition(state.Planning)
	small.State.Transition(state.Starting)
	small.State.Transition(state.Running)
	small.SetReservedBytes(40)
	reg.register(small)

	sw := NewSweeper(reg, mem, time.Hour, nil, nil)
	examined, affected := sw.memoryEnforcementPass()
	assert.Equal(t, 2, examined)
	assert.Equal(t, 1, affected)
	assert.Equal(t, memory.Reserved, big.Pool())
}

func TestSweeper_MemoryEnforcementPass_NilManagerIsNoop(t *testing.T) {
	reg := New(Config{BaseURI: "http://coordinator"}, unrestrictedAdmission(), parser.NewStubParser(), nil, nil)
	sw := NewSweeper(reg, nil, time.Hour, nil, nil)
	examined, affected := sw.memoryEnforcementPass()
	assert.Equal(t, 0, examined)
	assert.Equal(t, 0, affected)
}

func TestSweeper_StartStop(t *testing.T) {
	reg := New(Config{BaseURI: "http://coordinator"}, unrestrictedAdmission(), parser.NewStubParser(), nil, nil)
	sw := NewSweeper(reg, nil, time.Millisecond, nil, nil)
	sw.Start()
	time.Sleep(5 * time.Millisecond)
	sw.Stop(time.Second)
}
