package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"dropletd/internal/store"
)

// lineQueue decouples the registry's synchronous fan-out from the SSE write
// path: Append must never block on a slow client. Lines accumulate under the
// queue's own lock and the stream loop drains them in batches on a wake
// signal.
type lineQueue struct {
	mu    sync.Mutex
	lines []string
	wake  chan struct{}
}

func newLineQueue() *lineQueue {
	return &lineQueue{wake: make(chan struct{}, 1)}
}

func (q *lineQueue) push(line string) {
	q.mu.Lock()
	q.lines = append(q.lines, line)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *lineQueue) drain() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.lines
	q.lines = nil
	return out
}

// handleStreamLogs pushes a job's log lines to the caller over SSE: full
// replay first, then live lines in append order, with a comment heartbeat so
// intermediary proxies do not cut the idle connection. Owner mismatch is
// reported as not-found by the resolver, never as a distinct status.
func (a *API) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromContext(r.Context())
	token := chi.URLParam(r, "token")

	d, err := a.store.ResolveJob(r.Context(), token, owner)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, errors.New("streaming unsupported by connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	queue := newLineQueue()

	// Attach snapshots the buffer and subscribes under one registry lock, so
	// nothing appended after the snapshot can be missed or replayed twice.
	replay, unsubscribe := a.registry.Attach(d.DropletID, queue.push)
	defer unsubscribe()

	a.metrics.activeStreams.Inc()
	defer a.metrics.activeStreams.Dec()

	for _, line := range replay {
		writeSSELine(w, line)
	}
	flusher.Flush()

	heartbeat := time.NewTicker(a.config.HeartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-queue.wake:
			for _, line := range queue.drain() {
				writeSSELine(w, line)
			}
			flusher.Flush()
		case <-heartbeat.C:
			// Comment frame; clients ignore it.
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// writeSSELine emits one log line as a discrete SSE data event. A failed
// write is swallowed: the client is already gone and the context cancel path
// tears the stream down consistently.
func writeSSELine(w http.ResponseWriter, line string) {
	payload, err := json.Marshal(map[string]string{"line": line})
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
}
