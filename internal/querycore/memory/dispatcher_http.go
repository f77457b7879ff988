package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/queryctl/coordinator/infrastructure/httputil"
	"github.com/queryctl/coordinator/infrastructure/logging"
)

// assignmentPath is the worker endpoint that accepts a PoolAssignmentsRequest.
const assignmentPath = "/v1/worker/pool-assignments"

// defaultAckBodyBytes bounds how much of a worker's acknowledgment body the
// dispatcher will read; ack bodies carry no data the dispatcher uses, so
// this exists only to stop a misbehaving worker from driving unbounded
// memory use on the response read.
const defaultAckBodyBytes = 4 << 10

// workerClient pairs a worker's normalized base URL with the HTTP client
// built for it via infrastructure/httputil, labeled for logging the way
// ClientConfig.WorkerID documents.
type workerClient struct {
	baseURL  string
	workerID string
	client   *http.Client
}

// HTTPDispatcher broadcasts PoolAssignmentsRequest messages to a fixed set of
// worker base URIs over HTTP, using the same client-construction idiom the
// teacher applies to every other outbound service client
// (infrastructure/httputil.NewClientWithBaseURL plus a TLS-1.2-floor
// transport). Workers are posted to one after another, each request bounded
// by the configured timeout; a per-worker failure is logged and does not
// abort the rest of the broadcast, and the first such failure is the
// returned error (see DESIGN.md Open Question 2, "the manager does not wait
// for ack").
type HTTPDispatcher struct {
	workers []workerClient
	logger  *logging.Logger
}

// NewHTTPDispatcher builds a Dispatcher that POSTs reassignment requests to
// every worker in workerURIs. An empty workerURIs is valid and yields a
// Dispatcher whose Broadcast is a no-op, matching NoopDispatcher's contract
// for a coordinator started without a configured worker set.
func NewHTTPDispatcher(workerURIs []string, timeout time.Duration, logger *logging.Logger) (*HTTPDispatcher, error) {
	transport := httputil.DefaultTransportWithMinTLS12()
	workers := make([]workerClient, 0, len(workerURIs))
	for i, uri := range workerURIs {
		workerID := httputil.ResolveWorkerID(uri)
		if workerID == "" {
			workerID = fmt.Sprintf("worker-%d", i)
		}
		client, normalizedURL, err := httputil.NewClientWithBaseURL(httputil.ClientConfig{
			BaseURL:    uri,
			WorkerID:   workerID,
			Timeout:    timeout,
			HTTPClient: &http.Client{Transport: transport},
		}, httputil.DefaultClientDefaults())
		if err != nil {
			return nil, fmt.Errorf("worker uri %q: %w", uri, err)
		}
		workers = append(workers, workerClient{baseURL: normalizedURL, workerID: workerID, client: client})
	}
	return &HTTPDispatcher{workers: workers, logger: logger}, nil
}

// Broadcast implements Dispatcher.
func (d *HTTPDispatcher) Broadcast(ctx context.Context, req PoolAssignmentsRequest) error {
	if len(d.workers) == 0 {
		return nil
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal pool assignment: %w", err)
	}

	var firstErr error
	for _, w := range d.workers {
		if err := d.post(ctx, w, body); err != nil {
			if d.logger != nil {
				d.logger.WithError(err).WithField("worker", w.workerID).Warn("pool assignment broadcast failed")
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (d *HTTPDispatcher) post(ctx context.Context, w workerClient, body []byte) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+assignmentPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, httputil.ResolveMaxBodyBytes(0, defaultAckBodyBytes)))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("worker responded %s", resp.Status)
	}
	return nil
}
