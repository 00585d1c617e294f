package scheduler

import (
	"container/heap"
	"sync"
	"sync/atomic"

	"mooncake-conductor/common"
	"mooncake-conductor/conderr"
)

// clampSub subtracts delta from c, clamping at zero: counters are
// monotonic over a request's lifetime and must never go negative.
func clampSub(c *atomic.Int64, delta int64) {
	for {
		cur := c.Load()
		next := cur - delta
		if next < 0 {
			next = 0
		}
		if c.CompareAndSwap(cur, next) {
			return
		}
	}
}

// kvCacheWeight is the prefill priority formula's weight on pinned KV
// cache footprint: priority = active_tokens + kvCacheWeight*active_kv_cache.
const kvCacheWeight = 0.3

// entry is one heap slot: a worker's current priority plus the heap
// package's own bookkeeping (index into the backing slice, maintained by
// Swap so Pool can heap.Fix a specific worker in O(log n)).
type entry struct {
	workerIdx int
	priority  float64
	heapIdx   int
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].priority < h[j].priority }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.heapIdx = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Pool is one worker pool (prefill or decode): the workers it owns plus a
// min-heap over their priorities, guarded by a single mutex per the
// documented priority-update protocol (mutate counters, then heap.Fix
// under this same lock).
type Pool struct {
	kind common.PoolKind

	mu      sync.Mutex
	workers []*Worker
	h       entryHeap
	byIdx   map[int]*entry // workerIdx -> its live heap entry
}

// NewPool constructs an empty pool of the given kind.
func NewPool(kind common.PoolKind) *Pool {
	return &Pool{kind: kind, byIdx: make(map[int]*entry)}
}

// Add registers w in the pool, giving it an initial zero-load priority and
// inserting it into the heap. Every registered worker appears in the heap
// exactly once for the pool's lifetime.
func (p *Pool) Add(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w.ID = len(p.workers)
	p.workers = append(p.workers, w)
	e := &entry{workerIdx: w.ID, priority: p.priority(w)}
	heap.Push(&p.h, e)
	p.byIdx[w.ID] = e
}

func (p *Pool) priority(w *Worker) float64 {
	tokens := float64(w.ActiveTokens())
	if p.kind == common.PoolPrefill {
		return tokens + kvCacheWeight*float64(w.ActiveKVCache())
	}
	return tokens
}

// Worker returns the pool's worker at idx.
func (p *Pool) Worker(idx int) *Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.workers) {
		return nil
	}
	return p.workers[idx]
}

// Len returns the number of workers registered in the pool (including
// unavailable ones).
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// availableHeapMin returns the heap position of the lowest-priority
// worker that is currently Available, or -1. Unlike a pure min-heap pop,
// this must skip unhealthy/draining/removed workers without disturbing
// heap order for the others, so it scans the backing slice — acceptable
// for fleets of tens to low hundreds of workers.
func (p *Pool) availableHeapMin() int {
	best := -1
	for i, e := range p.h {
		if !p.workers[e.workerIdx].Available() {
			continue
		}
		if best == -1 || e.priority < p.h[best].priority {
			best = i
		}
	}
	return best
}

// Select picks the available worker with the lowest priority, adds
// tokenCount (and, for the prefill pool, the same amount to KV cache
// footprint) to its counters, recomputes its priority in place, and
// returns its index. Fails with NoCapacity if no worker is available.
func (p *Pool) Select(tokenCount int64) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos := p.availableHeapMin()
	if pos == -1 {
		return 0, conderr.Wrap(conderr.NoCapacity, "no available worker in "+p.kind.String()+" pool", nil)
	}
	e := p.h[pos]
	w := p.workers[e.workerIdx]

	w.addTokens(tokenCount)
	if p.kind == common.PoolPrefill {
		w.addKVCache(tokenCount)
	}
	w.addRequests(1)

	e.priority = p.priority(w)
	heap.Fix(&p.h, e.heapIdx)
	return w.ID, nil
}

// Release subtracts tokenCount (and, for prefill, KV cache footprint) from
// the worker's counters and fixes its heap position. Counters never go
// negative; a release exceeding the current counter clamps to zero.
func (p *Pool) Release(idx int, tokenCount int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.workers) {
		return
	}
	w := p.workers[idx]
	clampSub(&w.activeTokens, tokenCount)
	if p.kind == common.PoolPrefill {
		clampSub(&w.activeKVCache, tokenCount)
	}
	if w.activeRequests.Load() > 0 {
		w.addRequests(-1)
	}

	e := p.byIdx[idx]
	e.priority = p.priority(w)
	heap.Fix(&p.h, e.heapIdx)

	w.MaybeRemove()
}

// ReserveAt assigns tokenCount directly to the worker at idx, bypassing
// heap-min selection. Used when a caller already picked a specific worker
// by some other means (the prefill planner's cache-aware choice) and only
// needs the counters and heap position brought up to date with that
// reservation. Fails with NoCapacity if idx is out of range or the worker
// is not Available.
func (p *Pool) ReserveAt(idx int, tokenCount int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.workers) {
		return conderr.Wrap(conderr.NoCapacity, "reserve: worker index out of range", nil)
	}
	w := p.workers[idx]
	if !w.Available() {
		return conderr.Wrap(conderr.NoCapacity, "reserve: worker unavailable", nil)
	}

	w.addTokens(tokenCount)
	if p.kind == common.PoolPrefill {
		w.addKVCache(tokenCount)
	}
	w.addRequests(1)

	e := p.byIdx[idx]
	e.priority = p.priority(w)
	heap.Fix(&p.h, e.heapIdx)
	return nil
}

// AnyAvailable returns the index and worker of any currently Available
// worker in the pool, without reserving capacity — used by steps (like
// tokenization) that need a live worker but no slot of their own.
func (p *Pool) AnyAvailable() (int, *Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.Available() {
			return w.ID, w, true
		}
	}
	return 0, nil, false
}

// AbortRequest flags requestID for drop on the worker at idx.
func (p *Pool) AbortRequest(idx int, requestID string) {
	if w := p.Worker(idx); w != nil {
		w.AbortRequest(requestID)
	}
}

// DrainAborted swaps out and returns the aborted-request set for the
// worker at idx.
func (p *Pool) DrainAborted(idx int) []string {
	if w := p.Worker(idx); w != nil {
		return w.DrainAborted()
	}
	return nil
}
