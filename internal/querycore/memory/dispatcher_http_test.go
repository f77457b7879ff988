package memory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPDispatcher_BroadcastsToEveryWorker(t *testing.T) {
	var gotA, gotB PoolAssignmentsRequest
	serverA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotA)
		w.WriteHeader(http.StatusOK)
	}))
	defer serverA.Close()
	serverB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotB)
		w.WriteHeader(http.StatusOK)
	}))
	defer serverB.Close()

	d, err := NewHTTPDispatcher([]string{serverA.URL, serverB.URL}, time.Second, nil)
	if err != nil {
		t.Fatalf("NewHTTPDispatcher: %v", err)
	}

	req := PoolAssignmentsRequest{QueryID: "q1", TargetPool: Reserved, RequestVersion: 3}
	if err := d.Broadcast(context.Background(), req); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	if gotA.QueryID != "q1" || gotA.TargetPool != Reserved || gotA.RequestVersion != 3 {
		t.Errorf("worker A got unexpected request: %+v", gotA)
	}
	if gotB.QueryID != "q1" || gotB.TargetPool != Reserved || gotB.RequestVersion != 3 {
		t.Errorf("worker B got unexpected request: %+v", gotB)
	}
}

func TestHTTPDispatcher_NoWorkers_IsNoop(t *testing.T) {
	d, err := NewHTTPDispatcher(nil, time.Second, nil)
	if err != nil {
		t.Fatalf("NewHTTPDispatcher: %v", err)
	}
	if err := d.Broadcast(context.Background(), PoolAssignmentsRequest{}); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestHTTPDispatcher_WorkerFailure_ReturnsErrorButStillBroadcastsToOthers(t *testing.T) {
	var calledB bool
	serverB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calledB = true
		w.WriteHeader(http.StatusOK)
	}))
	defer serverB.Close()

	d, err := NewHTTPDispatcher([]string{"http://127.0.0.1:1", serverB.URL}, 200*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewHTTPDispatcher: %v", err)
	}

	err = d.Broadcast(context.Background(), PoolAssignmentsRequest{QueryID: "q2"})
	if err == nil {
		t.Error("expected a non-nil error from the unreachable worker")
	}
	if !calledB {
		t.Error("expected the reachable worker to still be broadcast to")
	}
}
