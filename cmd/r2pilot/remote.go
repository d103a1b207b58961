package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
)

// ============================================================================
// Remote Actions
// ============================================================================
// Remote actions (sound cues, servo enable/disable) are plain HTTP GETs against
// the body controller's command service: baseURL + actionPath.
//
// Every call is best-effort: bounded by a timeout, logged on failure, never
// propagated. The control loop only ever enqueues; a single worker performs
// the requests in order so a press is always sent before its release.
// ============================================================================

// RemoteActions is what the control loop and shutdown procedure need.
type RemoteActions interface {
	// Dispatch queues path for asynchronous invocation and returns immediately.
	Dispatch(path string)
	// Invoke performs path synchronously within the configured timeout.
	// It reports success; failures are logged, not returned.
	Invoke(ctx context.Context, path string) bool
}

// remoteCaller performs a single remote action.
type remoteCaller interface {
	Call(ctx context.Context, path string) error
}

// errRemoteStatus is returned for non-2xx replies.
type errRemoteStatus struct {
	path string
	code int
}

func (e errRemoteStatus) Error() string {
	return fmt.Sprintf("remote action %s: HTTP %d", e.path, e.code)
}

// RemoteClient calls the command service over HTTP.
type RemoteClient struct {
	base   string
	client *http.Client
}

// NewRemoteClient validates baseURL and builds a client bounded by timeout.
func NewRemoteClient(baseURL string, timeout time.Duration) (*RemoteClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid remote base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid remote base URL %q: scheme must be http or https", baseURL)
	}
	if timeout <= 0 {
		timeout = defaultRemoteTimeout
	}
	return &RemoteClient{
		base:   strings.TrimRight(baseURL, "/") + "/",
		client: &http.Client{Timeout: timeout},
	}, nil
}

// URL returns the full request URL for an action path.
func (c *RemoteClient) URL(path string) string {
	return c.base + strings.TrimLeft(path, "/")
}

// Call performs GET baseURL+path. The body is discarded.
func (c *RemoteClient) Call(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(path), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errRemoteStatus{path: path, code: resp.StatusCode}
	}
	return nil
}

// RemoteDispatcher provides best-effort semantics on top of a remoteCaller.
type RemoteDispatcher struct {
	caller  remoteCaller
	queue   chan string
	timeout time.Duration
	logger  *slog.Logger

	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewRemoteDispatcher creates a dispatcher. Call Run(ctx) to start the worker.
func NewRemoteDispatcher(caller remoteCaller, queueSize int, timeout time.Duration, logger *slog.Logger) *RemoteDispatcher {
	if queueSize <= 0 {
		queueSize = defaultRemoteQueue
	}
	if timeout <= 0 {
		timeout = defaultRemoteTimeout
	}
	if logger == nil {
		logger = discardLogger()
	}
	return &RemoteDispatcher{
		caller:  caller,
		queue:   make(chan string, queueSize),
		timeout: timeout,
		logger:  logger,
	}
}

// Dispatch never blocks; if the queue is full the action is dropped.
func (d *RemoteDispatcher) Dispatch(path string) {
	if path == "" {
		return
	}
	select {
	case d.queue <- path:
	default:
		d.dropped.Add(1)
		d.logger.Warn("remote action queue full, dropping action", "path", path)
	}
}

// Invoke calls path synchronously, bounded by the dispatcher timeout.
func (d *RemoteDispatcher) Invoke(ctx context.Context, path string) bool {
	if path == "" {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	if err := d.caller.Call(ctx, path); err != nil {
		d.failed.Add(1)
		d.logger.Warn("remote action failed", "path", path, "error", err, "elapsed", time.Since(start))
		return false
	}
	d.logger.Debug("remote action ok", "path", path, "elapsed", time.Since(start))
	return true
}

// Run performs queued actions in order until ctx is canceled.
func (d *RemoteDispatcher) Run(ctx context.Context) {
	d.logger.Debug("remote action worker starting")
	for {
		select {
		case <-ctx.Done():
			if n := len(d.queue); n > 0 {
				d.logger.Info("remote action worker stopping with pending actions", "pending", n)
			}
			return
		case path := <-d.queue:
			d.Invoke(ctx, path)
		}
	}
}

// Dropped is the number of actions discarded because the queue was full.
func (d *RemoteDispatcher) Dropped() uint64 { return d.dropped.Load() }

// Failed is the number of actions that errored or timed out.
func (d *RemoteDispatcher) Failed() uint64 { return d.failed.Load() }
