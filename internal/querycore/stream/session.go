package stream

import (
	"context"
	"sync"
	"time"

	"github.com/queryctl/coordinator/internal/querycore/exchange"
	"github.com/queryctl/coordinator/internal/querycore/registry"
	"github.com/queryctl/coordinator/internal/querycore/state"
)

// ErrorDescriptor is the wire shape of a failed query's error, matching
// spec.md §6's "error (present iff failed: message, error-code numeric and
// name, error-type enum, optional location, failure info)".
type ErrorDescriptor struct {
	Message   string `json:"message"`
	ErrorCode int    `json:"errorCode"`
	ErrorName string `json:"errorName"`
	ErrorType string `json:"errorType"`
	Location  string `json:"errorLocation,omitempty"`
}

// Stats is the nested execution-progress payload attached to every
// response. The stub execution model here runs a query as a single implicit
// stage, so PerStage carries at most one entry; a real distributed planner
// would populate one entry per plan fragment.
type Stats struct {
	State           string      `json:"state"`
	Nodes           int         `json:"nodes"`
	TotalSplits     int         `json:"totalSplits"`
	CompletedSplits int         `json:"completedSplits"`
	ElapsedMillis   int64       `json:"elapsedTimeMillis"`
	CPUMillis       int64       `json:"cpuTimeMillis"`
	ProcessedRows   int64       `json:"processedRows"`
	ProcessedBytes  int64       `json:"processedBytes"`
	PerStage        []Stats     `json:"subStages,omitempty"`
}

// Response is the streaming protocol's response envelope, matching spec.md
// §6's "Response JSON shape (streaming)".
type Response struct {
	ID               string             `json:"id"`
	InfoURI          string             `json:"infoUri"`
	PartialCancelURI string             `json:"partialCancelUri,omitempty"`
	NextURI          string             `json:"nextUri,omitempty"`
	Columns          []exchange.Column  `json:"columns,omitempty"`
	Data             [][]interface{}    `json:"data,omitempty"`
	Stats            Stats              `json:"stats"`
	Error            *ErrorDescriptor   `json:"error,omitempty"`
	UpdateType       string             `json:"updateType,omitempty"`
	UpdateCount      *int64             `json:"updateCount,omitempty"`

	SetSessionProperties   map[string]string `json:"-"`
	ResetSessionProperties []string          `json:"-"`
}

// Session is one query's streaming state: the cached last page, the path
// that produced it, and the next token a caller may legitimately advance
// to. Every field is protected by mu because poll, cancel, and the purger
// can race (spec.md §5 "Shared-resource policy").
type Session struct {
	id      string
	handle  *registry.QueryHandle
	baseURI string
	cfg     Config

	mu             sync.Mutex
	lastResult     *Response
	lastResultPath string
	nextToken      uint64 // the only token currently valid to advance to, while hasNext is true
	hasNext        bool   // false once a terminal response with no next-URI has been produced
	columns        []exchange.Column
	synthesizedRow bool
}

func newSession(h *registry.QueryHandle, cfg Config) *Session {
	st := &Session{
		id:      string(h.ID),
		handle:  h,
		baseURI: cfg.BaseURI,
		cfg:     cfg,
	}
	// An immediate parse/admission failure is already terminal at submit
	// time: its initial response carries the error and no next-URI, same
	// as any other terminal response.
	st.hasNext = !h.State.Current().Done()
	st.lastResult = st.buildResponse(nil, st.hasNext, 0)
	// lastResultPath deliberately left empty: no GET has produced this
	// response yet, so the first poll(token=0) is an advance, not a replay.
	return st
}

func (st *Session) initialResponse() *Response {
	st.mu.Lock()
	defer st.mu.Unlock()
	r := *st.lastResult
	return &r
}

// poll implements the token and replay contract plus the Advance semantics
// (spec.md §4.5).
func (st *Session) poll(ctx context.Context, token uint64, maxWait time.Duration) (*Response, error) {
	st.mu.Lock()

	reqPath := pathFor(st.baseURI, st.handle.ID, token)
	if reqPath == st.lastResultPath {
		st.handle.Heartbeat()
		r := *st.lastResult
		st.mu.Unlock()
		return &r, nil
	}

	if !st.hasNext {
		// Terminal: no path is valid to advance to any more.
		st.mu.Unlock()
		return nil, ErrNotFound
	}

	if token != st.nextToken {
		gone := token < st.nextToken
		st.mu.Unlock()
		if gone {
			return nil, ErrGone
		}
		return nil, ErrNotFound
	}

	resp := st.advanceLocked(ctx, maxWait)
	st.lastResult = resp
	st.lastResultPath = reqPath
	if resp.NextURI == "" {
		st.hasNext = false
	} else {
		st.nextToken++
	}
	st.mu.Unlock()
	return resp, nil
}

// advanceLocked runs get_next_results steps 1-7. Called with mu held.
func (st *Session) advanceLocked(ctx context.Context, maxWait time.Duration) *Response {
	deadline := time.Now().Add(maxWait)

	// 1. Wait for start.
	cur := st.handle.State.Current()
	for cur == state.Queued || cur == state.Planning || cur == state.Starting {
		st.handle.Heartbeat()
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		changed := make(chan state.State, 1)
		st.handle.State.AttachListener(func(s state.State) {
			select {
			case changed <- s:
			default:
			}
		})
		select {
		case cur = <-changed:
		case <-time.After(remaining):
			cur = st.handle.State.Current()
		case <-ctx.Done():
			cur = st.handle.State.Current()
		}
	}

	// 2. Materialize columns.
	if st.columns == nil {
		if cols := st.handle.Columns(); cols != nil {
			st.columns = cols
		}
	}

	var data [][]interface{}
	terminal := cur.Done()

	if !st.handle.HasOutputStage() {
		// 5 (no-output-stage case). DDL and session-property statements
		// synthesize a single boolean success row once terminal.
		if terminal && !st.synthesizedRow {
			st.synthesizedRow = true
			data = [][]interface{}{{cur == state.Finished}}
		}
	} else {
		// 3. Wire up exchange sources: the stub execution harness
		// (registry.runStubStatement) is the only source of task
		// locations in this module and wires them eagerly; a real
		// fragment scheduler would incrementally call AddLocation/
		// FinishLocation here as tasks complete.
		client := st.handle.ExchangeClient()
		if client != nil {
			// 4. Fetch pages up to the desired byte budget: first Poll
			// call may block up to the remaining max-wait, subsequent
			// calls in this loop are effectively non-blocking.
			remaining := time.Until(deadline)
			if remaining < 0 {
				remaining = 0
			}
			var collected int64
			first := true
			for collected < st.cfg.DesiredResultBytes {
				wait := time.Duration(0)
				if first {
					wait = remaining
					first = false
				}
				page, _ := client.Poll(ctx, wait, st.cfg.DesiredResultBytes-collected)
				if page == nil || len(page.Rows) == 0 {
					break
				}
				data = append(data, page.Rows...)
				collected += page.SizeBytes
			}

			// 5. Finalize if done.
			if terminal && client.Finished() {
				client.Close()
			}
		}
	}

	resp := st.buildResponse(data, !terminal || st.outputStillHasData(), st.nextToken+1)
	return resp
}

// outputStillHasData reports whether the exchange client (if any) still has
// buffered or pending data, used by the next-URI inclusion rule (step 6).
func (st *Session) outputStillHasData() bool {
	client := st.handle.ExchangeClient()
	if client == nil {
		return false
	}
	return !client.Finished()
}

// buildResponse assembles a Response from the handle's current snapshot.
// includeNext selects whether a next-URI is minted at candidateToken.
func (st *Session) buildResponse(data [][]interface{}, includeNext bool, candidateToken uint64) *Response {
	h := st.handle
	cur := h.State.Current()

	resp := &Response{
		ID:      st.id,
		InfoURI: st.baseURI + "/v1/query/" + st.id,
		Columns: st.columns,
		Data:    data,
		Stats:   st.statsSnapshot(cur),
	}
	if cur == state.Queued || cur == state.Planning || cur == state.Starting || cur == state.Running {
		resp.PartialCancelURI = pathFor(st.baseURI, h.ID, 0)
	}

	if cur == state.Failed {
		resp.Error = errorDescriptor(h.State.Cause())
	} else if !h.HasOutputStage() && cur == state.Finished {
		resp.UpdateType = h.UpdateType()
		n := int64(len(data))
		resp.UpdateCount = &n
	}

	if includeNext {
		resp.NextURI = pathFor(st.baseURI, h.ID, candidateToken)
	}

	set, reset := h.SessionDirectives()
	resp.SetSessionProperties = set
	resp.ResetSessionProperties = reset

	return resp
}

func (st *Session) statsSnapshot(cur state.State) Stats {
	ts := st.handle.State.Timestamps()
	elapsed := int64(0)
	if !ts.Queued.IsZero() {
		end := time.Now()
		if !ts.End.IsZero() {
			end = ts.End
		}
		elapsed = end.Sub(ts.Queued).Milliseconds()
	}
	completed := 0
	if cur.Done() {
		completed = 1
	}
	return Stats{
		State:           cur.String(),
		Nodes:           1,
		TotalSplits:     1,
		CompletedSplits: completed,
		ElapsedMillis:   elapsed,
	}
}

// closeExchangeIfFailed is the purger's safety net for queries that failed
// before any poll ever reached Advance step 5 (spec.md §4.5 "Purge"): it
// closes the exchange client directly off the handle the session still
// holds, even after the registry has stopped tracking the query.
func (st *Session) closeExchangeIfFailed() {
	if st.handle.State.Current() != state.Failed {
		return
	}
	if client := st.handle.ExchangeClient(); client != nil {
		client.Close()
	}
}
