// Package scheduler holds the per-pool worker registry and priority heaps
// that back cache-aware prefill placement and load-aware decode placement:
// atomic per-worker counters, a shared-mutex-guarded aborted-request set,
// and a min-heap per pool keyed by a real-valued priority, using
// container/heap's heap.Interface + heap.Fix for O(log n) priority
// updates.
package scheduler

import (
	"sync"
	"sync/atomic"
)

// Status is a worker's position in its health/admin lifecycle.
type Status int

const (
	Healthy Status = iota
	Unhealthy
	Draining
	Removed
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	case Draining:
		return "draining"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Worker is one prefill or decode endpoint and its live state.
type Worker struct {
	ID        int
	Host      string
	Port      int
	BaseURL   string
	EngineTag string

	activeTokens   atomic.Int64
	activeKVCache  atomic.Int64
	activeRequests atomic.Int64

	statusMu sync.Mutex
	status   Status
	failures int // consecutive failed health probes

	abortedMu sync.RWMutex
	aborted   map[string]struct{}
}

// NewWorker constructs a worker in the Healthy state with zeroed counters.
func NewWorker(id int, host string, port int, baseURL, engineTag string) *Worker {
	return &Worker{
		ID:        id,
		Host:      host,
		Port:      port,
		BaseURL:   baseURL,
		EngineTag: engineTag,
		status:    Healthy,
		aborted:   make(map[string]struct{}),
	}
}

func (w *Worker) ActiveTokens() int64   { return w.activeTokens.Load() }
func (w *Worker) ActiveKVCache() int64  { return w.activeKVCache.Load() }
func (w *Worker) ActiveRequests() int64 { return w.activeRequests.Load() }

// Status returns the worker's current lifecycle state.
func (w *Worker) Status() Status {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()
	return w.status
}

// Available reports whether the worker may receive new assignments: it
// must be healthy and not draining or removed.
func (w *Worker) Available() bool {
	return w.Status() == Healthy
}

// RecordProbeResult advances the health state machine: N consecutive
// failures (N supplied by the caller, the health prober's configured
// threshold) moves Healthy to Unhealthy; any single success moves
// Unhealthy back to Healthy immediately. Draining/Removed are untouched
// by probe results, since they are admin-driven.
func (w *Worker) RecordProbeResult(ok bool, unhealthyThreshold int) {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()
	if w.status == Draining || w.status == Removed {
		return
	}
	if ok {
		w.failures = 0
		w.status = Healthy
		return
	}
	w.failures++
	if w.failures >= unhealthyThreshold {
		w.status = Unhealthy
	}
}

// Drain marks the worker draining: no new assignments, existing requests
// complete normally.
func (w *Worker) Drain() {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()
	if w.status != Removed {
		w.status = Draining
	}
}

// MaybeRemove transitions Draining -> Removed once no requests remain in
// flight. Returns true if the worker is now Removed.
func (w *Worker) MaybeRemove() bool {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()
	if w.status == Draining && w.activeRequests.Load() == 0 {
		w.status = Removed
	}
	return w.status == Removed
}

// AbortRequest flags requestID for this worker to drop on its next status
// sync. Idempotent: aborting the same ID twice leaves a set of size one.
func (w *Worker) AbortRequest(requestID string) {
	w.abortedMu.Lock()
	defer w.abortedMu.Unlock()
	w.aborted[requestID] = struct{}{}
}

// DrainAborted atomically swaps out the aborted-request set and returns
// it, leaving a fresh empty set behind. Idempotent on an empty set: it
// just returns an empty slice.
func (w *Worker) DrainAborted() []string {
	w.abortedMu.Lock()
	defer w.abortedMu.Unlock()
	if len(w.aborted) == 0 {
		return nil
	}
	out := make([]string, 0, len(w.aborted))
	for id := range w.aborted {
		out = append(out, id)
	}
	w.aborted = make(map[string]struct{})
	return out
}

func (w *Worker) addTokens(delta int64)  { w.activeTokens.Add(delta) }
func (w *Worker) addKVCache(delta int64) { w.activeKVCache.Add(delta) }
func (w *Worker) addRequests(delta int64) {
	w.activeRequests.Add(delta)
}
