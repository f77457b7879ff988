package state

import (
	"sync"
	"testing"
	"time"
)

func TestInitialState(t *testing.T) {
	m := New()
	if m.Current() != Queued {
		t.Errorf("Current() = %v, want QUEUED", m.Current())
	}
	if m.Timestamps().Queued.IsZero() {
		t.Error("queued timestamp should be set on construction")
	}
}

func TestTransitionFollowsDAG(t *testing.T) {
	m := New()
	if !m.Transition(Planning) {
		t.Fatal("QUEUED -> PLANNING should succeed")
	}
	if !m.Transition(Running) {
		t.Fatal("PLANNING -> RUNNING should succeed")
	}
	if !m.Transition(Finished) {
		t.Fatal("RUNNING -> FINISHED should succeed")
	}
	if m.Current() != Finished {
		t.Errorf("Current() = %v, want FINISHED", m.Current())
	}
}

func TestTransitionFromTerminalIsNoOp(t *testing.T) {
	m := New()
	m.Transition(Finished)

	if m.Transition(Running) {
		t.Error("transition from a terminal state should fail")
	}
	if m.Current() != Finished {
		t.Error("state should remain FINISHED")
	}
}

func TestTransitionSkipsIntermediateStates(t *testing.T) {
	m := New()
	if !m.Transition(Running) {
		t.Fatal("QUEUED -> RUNNING should be allowed directly")
	}
}

func TestConcurrentTransitionExactlyOneWins(t *testing.T) {
	m := New()
	m.Transition(Running)

	var wg sync.WaitGroup
	successes := make([]bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			successes[i] = m.Transition(Finished)
		}(i)
	}
	wg.Wait()

	count := 0
	for _, ok := range successes {
		if ok {
			count++
		}
	}
	if count != 1 {
		t.Errorf("exactly one concurrent transition should succeed, got %d", count)
	}
}

func TestTransitionToFailedRecordsCause(t *testing.T) {
	m := New()
	m.TransitionToFailed(nil)
	if m.Current() != Failed {
		t.Errorf("Current() = %v, want FAILED", m.Current())
	}
}

func TestCancelSetsUserCanceled(t *testing.T) {
	m := New()
	m.Cancel("query-1")

	if m.Current() != Failed {
		t.Errorf("Current() = %v, want FAILED", m.Current())
	}
	cause := m.Cause()
	if cause == nil {
		t.Fatal("Cause() should not be nil after Cancel")
	}
	if cause.Name != "USER_CANCELED" {
		t.Errorf("cause.Name = %v, want USER_CANCELED", cause.Name)
	}
}

func TestAttachListenerFiresOnTransition(t *testing.T) {
	m := New()
	done := make(chan State, 1)
	m.AttachListener(func(s State) { done <- s })

	m.Transition(Running)

	select {
	case s := <-done:
		if s != Running {
			t.Errorf("listener received %v, want RUNNING", s)
		}
	case <-time.After(time.Second):
		t.Fatal("listener was not invoked")
	}
}

func TestOnCompletionFiresOnceAtTerminalTransition(t *testing.T) {
	m := New()
	calls := make(chan State, 2)
	m.OnCompletion(func(s State) { calls <- s })

	m.Transition(Running)
	m.Transition(Finished)

	select {
	case s := <-calls:
		if s != Finished {
			t.Errorf("completion callback received %v, want FINISHED", s)
		}
	case <-time.After(time.Second):
		t.Fatal("completion callback was not invoked")
	}

	select {
	case s := <-calls:
		t.Errorf("completion callback fired a second time with %v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOnCompletionFiresInlineIfAlreadyTerminal(t *testing.T) {
	m := New()
	m.Transition(Canceled)

	called := false
	m.OnCompletion(func(s State) {
		called = true
		if s != Canceled {
			t.Errorf("completion callback received %v, want CANCELED", s)
		}
	})

	if !called {
		t.Error("completion callback should fire inline when attached after completion")
	}
}
