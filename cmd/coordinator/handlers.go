package main

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/queryctl/coordinator/infrastructure/httputil"
	"github.com/queryctl/coordinator/internal/querycore/session"
	"github.com/queryctl/coordinator/internal/querycore/stream"
)

const maxStatementBytes = 1 << 20 // 1MiB: a submitted SQL body has no business being larger

// api bundles the handlers' dependencies: the streaming protocol manager and
// the execute-endpoint's overall timeout.
type api struct {
	streaming      *stream.Manager
	executeTimeout time.Duration
}

func sessionFromRequest(r *http.Request) session.Session {
	sess := session.Session{
		User:       r.Header.Get("X-USER"),
		Source:     r.Header.Get("X-SOURCE"),
		Catalog:    r.Header.Get("X-CATALOG"),
		Schema:     r.Header.Get("X-SCHEMA"),
		TimeZone:   r.Header.Get("X-TIME-ZONE"),
		Language:   r.Header.Get("X-LANGUAGE"),
		Properties: map[string]string{},
	}
	for _, raw := range r.Header.Values("X-SESSION") {
		for _, pair := range strings.Split(raw, ",") {
			name, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if ok && name != "" {
				sess.Properties[strings.TrimSpace(name)] = strings.TrimSpace(value)
			}
		}
	}
	return sess
}

func writeSessionDirectiveHeaders(w http.ResponseWriter, resp *stream.Response) {
	for name, value := range resp.SetSessionProperties {
		w.Header().Add("X-SET-SESSION", fmt.Sprintf("%s=%s", name, value))
	}
	for _, name := range resp.ResetSessionProperties {
		w.Header().Add("X-CLEAR-SESSION", name)
	}
}

// handleSubmit implements POST /v1/statement.
func (a *api) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := httputil.ReadAllStrict(r.Body, maxStatementBytes)
	if err != nil {
		httputil.WriteErrorResponse(w, r, http.StatusBadRequest, "INVALID_INPUT", "request body too large or unreadable", nil)
		return
	}

	resp := a.streaming.Submit(r.Context(), sessionFromRequest(r), string(body))
	writeSessionDirectiveHeaders(w, resp)
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// handlePoll implements GET /v1/statement/{queryId}/{token}.
func (a *api) handlePoll(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := session.QueryId(vars["queryId"])
	token, err := strconv.ParseUint(vars["token"], 10, 64)
	if err != nil {
		httputil.WriteErrorResponse(w, r, http.StatusBadRequest, "INVALID_INPUT", "token must be a non-negative integer", nil)
		return
	}

	maxWait := time.Duration(0)
	if raw := r.URL.Query().Get("maxWait"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			maxWait = d
		}
	}

	resp, err := a.streaming.Poll(r.Context(), id, token, maxWait)
	writePollResult(w, r, resp, err)
}

func writePollResult(w http.ResponseWriter, r *http.Request, resp *stream.Response, err error) {
	switch {
	case err == nil:
		writeSessionDirectiveHeaders(w, resp)
		httputil.WriteJSON(w, http.StatusOK, resp)
	case err == stream.ErrGone:
		httputil.WriteErrorResponse(w, r, http.StatusGone, "TOKEN_SUPERSEDED", "requested page has already been superseded", nil)
	case err == stream.ErrNotFound:
		httputil.WriteErrorResponse(w, r, http.StatusNotFound, "NOT_FOUND", "unknown query or result page", nil)
	default:
		httputil.WriteErrorResponse(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
	}
}

// handleCancel implements DELETE /v1/statement/{queryId}/{token}.
func (a *api) handleCancel(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := session.QueryId(vars["queryId"])
	token, _ := strconv.ParseUint(vars["token"], 10, 64)

	err := a.streaming.Cancel(id, token)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case err == stream.ErrNotFound:
		httputil.WriteErrorResponse(w, r, http.StatusNotFound, "NOT_FOUND", "unknown query", nil)
	default:
		httputil.WriteErrorResponse(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
	}
}

// handleExecute implements POST /v1/execute: a synchronous wrapper that
// drives submit/poll to completion internally and returns the accumulated
// result set as one document (SPEC_FULL.md §4.5 "/v1/execute synchronous
// wrapper"), bounded by executeTimeout via the same context-deadline idiom
// as infrastructure/middleware/timeout.go.
func (a *api) handleExecute(w http.ResponseWriter, r *http.Request) {
	body, err := httputil.ReadAllStrict(r.Body, maxStatementBytes)
	if err != nil {
		httputil.WriteErrorResponse(w, r, http.StatusBadRequest, "INVALID_INPUT", "request body too large or unreadable", nil)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.executeTimeout)
	defer cancel()

	sess := sessionFromRequest(r)
	resp := a.streaming.Submit(ctx, sess, string(body))
	id := session.QueryId(resp.ID)

	var columns = resp.Columns
	var rows [][]interface{}
	rows = append(rows, resp.Data...)
	final := resp

	for final.NextURI != "" {
		select {
		case <-ctx.Done():
			httputil.WriteErrorResponse(w, r, http.StatusGatewayTimeout, "TIMEOUT", "execute deadline exceeded before query finished", nil)
			return
		default:
		}

		token := nextURIToken(final.NextURI)
		next, pollErr := a.streaming.Poll(ctx, id, token, 0)
		if pollErr != nil {
			writePollResult(w, r, nil, pollErr)
			return
		}
		final = next
		if len(final.Columns) > 0 && columns == nil {
			columns = final.Columns
		}
		rows = append(rows, final.Data...)
	}

	out := *final
	out.Columns = columns
	out.Data = rows
	writeSessionDirectiveHeaders(w, &out)
	httputil.WriteJSON(w, http.StatusOK, out)
}

func nextURIToken(uri string) uint64 {
	idx := strings.LastIndex(uri, "/")
	if idx < 0 {
		return 0
	}
	n, err := strconv.ParseUint(uri[idx+1:], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
