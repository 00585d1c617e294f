package scheduler

import (
	"testing"

	"mooncake-conductor/common"
)

func newTestPool(kind common.PoolKind, n int) *Pool {
	p := NewPool(kind)
	for i := 0; i < n; i++ {
		p.Add(NewWorker(i, "host", 8000+i, "http://host", "vllm"))
	}
	return p
}

func TestSelectTwoPrefillersReturnsDistinctIndices(t *testing.T) {
	p := newTestPool(common.PoolPrefill, 2)
	i1, err := p.Select(100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	i2, err := p.Select(100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if i1 == i2 {
		t.Fatalf("expected distinct indices, got %d and %d", i1, i2)
	}
	for _, idx := range []int{i1, i2} {
		w := p.Worker(idx)
		if w.ActiveTokens() != 100 {
			t.Fatalf("worker %d active_tokens = %d, want 100", idx, w.ActiveTokens())
		}
	}
}

func TestSelectPrefillerAddsKVCache(t *testing.T) {
	p := newTestPool(common.PoolPrefill, 1)
	idx, err := p.Select(50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w := p.Worker(idx)
	if w.ActiveKVCache() != 50 {
		t.Fatalf("active_kv_cache = %d, want 50", w.ActiveKVCache())
	}
}

func TestSelectDecoderDoesNotAddKVCache(t *testing.T) {
	p := newTestPool(common.PoolDecode, 1)
	idx, err := p.Select(50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w := p.Worker(idx)
	if w.ActiveKVCache() != 0 {
		t.Fatalf("active_kv_cache = %d, want 0 for decode pool", w.ActiveKVCache())
	}
}

func TestSelectFailsNoCapacityOnEmptyPool(t *testing.T) {
	p := NewPool(common.PoolPrefill)
	if _, err := p.Select(1); err == nil {
		t.Fatal("expected NoCapacity error, got nil")
	}
}

func TestSelectSkipsUnavailableWorkers(t *testing.T) {
	p := newTestPool(common.PoolPrefill, 2)
	p.Worker(0).Drain()
	idx, err := p.Select(10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if idx != 1 {
		t.Fatalf("Select picked drained worker 0, want 1, got %d", idx)
	}
}

func TestSelectFailsWhenAllWorkersUnavailable(t *testing.T) {
	p := newTestPool(common.PoolPrefill, 2)
	p.Worker(0).Drain()
	p.Worker(1).Drain()
	if _, err := p.Select(1); err == nil {
		t.Fatal("expected NoCapacity error, got nil")
	}
}

func TestReleaseClampsAtZero(t *testing.T) {
	p := newTestPool(common.PoolPrefill, 1)
	idx, err := p.Select(10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.Release(idx, 100)
	w := p.Worker(idx)
	if w.ActiveTokens() != 0 {
		t.Fatalf("active_tokens = %d, want 0 (clamped)", w.ActiveTokens())
	}
	if w.ActiveKVCache() != 0 {
		t.Fatalf("active_kv_cache = %d, want 0 (clamped)", w.ActiveKVCache())
	}
}

func TestReleaseRestoresLowestPriorityOrdering(t *testing.T) {
	p := newTestPool(common.PoolPrefill, 2)
	idx, _ := p.Select(1000)
	// worker idx is now the heaviest; the other worker should be picked next.
	other, err := p.Select(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if other == idx {
		t.Fatalf("Select picked the heavier worker")
	}
	p.Release(idx, 1000)
	// idx is back to zero load, should now be picked over `other` which
	// carries the token it was just given.
	third, err := p.Select(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if third != idx {
		t.Fatalf("Select after release picked %d, want %d (the released worker)", third, idx)
	}
}

func TestAbortRequestIdempotent(t *testing.T) {
	p := newTestPool(common.PoolPrefill, 1)
	p.AbortRequest(0, "req-1")
	p.AbortRequest(0, "req-1")
	got := p.DrainAborted(0)
	if len(got) != 1 || got[0] != "req-1" {
		t.Fatalf("DrainAborted = %v, want [req-1]", got)
	}
}

func TestDrainAbortedIdempotentOnEmpty(t *testing.T) {
	p := newTestPool(common.PoolPrefill, 1)
	got := p.DrainAborted(0)
	if len(got) != 0 {
		t.Fatalf("DrainAborted on empty set = %v, want empty", got)
	}
	got2 := p.DrainAborted(0)
	if len(got2) != 0 {
		t.Fatalf("second DrainAborted = %v, want empty", got2)
	}
}

func TestEveryWorkerAppearsExactlyOnceInHeap(t *testing.T) {
	p := newTestPool(common.PoolPrefill, 5)
	if len(p.h) != 5 {
		t.Fatalf("heap length = %d, want 5", len(p.h))
	}
	seen := make(map[int]bool)
	for _, e := range p.h {
		if seen[e.workerIdx] {
			t.Fatalf("worker %d appears more than once in heap", e.workerIdx)
		}
		seen[e.workerIdx] = true
	}
}

func TestWorkerDrainToRemoved(t *testing.T) {
	w := NewWorker(0, "h", 1, "http://h", "vllm")
	w.addRequests(1)
	w.Drain()
	if w.MaybeRemove() {
		t.Fatal("MaybeRemove returned true while a request is still active")
	}
	w.addRequests(-1)
	if !w.MaybeRemove() {
		t.Fatal("MaybeRemove returned false once active_requests reached zero")
	}
	if w.Status() != Removed {
		t.Fatalf("Status() = %v, want Removed", w.Status())
	}
}

func TestReserveAtAssignsNamedWorker(t *testing.T) {
	p := newTestPool(common.PoolPrefill, 3)
	if err := p.ReserveAt(1, 42); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w := p.Worker(1)
	if w.ActiveTokens() != 42 {
		t.Fatalf("active_tokens = %d, want 42", w.ActiveTokens())
	}
	if w.ActiveKVCache() != 42 {
		t.Fatalf("active_kv_cache = %d, want 42", w.ActiveKVCache())
	}
	for _, idx := range []int{0, 2} {
		if p.Worker(idx).ActiveTokens() != 0 {
			t.Fatalf("worker %d active_tokens = %d, want 0", idx, p.Worker(idx).ActiveTokens())
		}
	}
}

func TestReserveAtFailsOnUnavailableWorker(t *testing.T) {
	p := newTestPool(common.PoolPrefill, 1)
	p.Worker(0).Drain()
	if err := p.ReserveAt(0, 1); err == nil {
		t.Fatal("expected NoCapacity error for draining worker, got nil")
	}
}

func TestReserveAtFailsOutOfRange(t *testing.T) {
	p := newTestPool(common.PoolPrefill, 1)
	if err := p.ReserveAt(5, 1); err == nil {
		t.Fatal("expected NoCapacity error for out-of-range index, got nil")
	}
}

func TestAnyAvailableSkipsDrainedWorkers(t *testing.T) {
	p := newTestPool(common.PoolPrefill, 2)
	p.Worker(0).Drain()
	idx, w, ok := p.AnyAvailable()
	if !ok {
		t.Fatal("expected an available worker")
	}
	if idx != 1 || w.ID != 1 {
		t.Fatalf("AnyAvailable returned worker %d, want 1", idx)
	}
}

func TestAnyAvailableFailsWhenAllDrained(t *testing.T) {
	p := newTestPool(common.PoolPrefill, 2)
	p.Worker(0).Drain()
	p.Worker(1).Drain()
	if _, _, ok := p.AnyAvailable(); ok {
		t.Fatal("expected no available worker")
	}
}

func TestRecordProbeResultStateMachine(t *testing.T) {
	w := NewWorker(0, "h", 1, "http://h", "vllm")
	w.RecordProbeResult(false, 3)
	w.RecordProbeResult(false, 3)
	if w.Status() != Healthy {
		t.Fatalf("Status() = %v after 2 failures, want Healthy", w.Status())
	}
	w.RecordProbeResult(false, 3)
	if w.Status() != Unhealthy {
		t.Fatalf("Status() = %v after 3 failures, want Unhealthy", w.Status())
	}
	w.RecordProbeResult(true, 3)
	if w.Status() != Healthy {
		t.Fatalf("Status() = %v after success, want Healthy", w.Status())
	}
}
