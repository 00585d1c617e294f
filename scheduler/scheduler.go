package scheduler

import "mooncake-conductor/common"

// Scheduler owns the prefill and decode pools. It is the entry point the
// request handler and health prober use; all mutation happens through
// pool methods, each of which is individually mutex-guarded.
type Scheduler struct {
	Prefill *Pool
	Decode  *Pool
}

// New constructs a scheduler with empty prefill and decode pools.
func New() *Scheduler {
	return &Scheduler{
		Prefill: NewPool(common.PoolPrefill),
		Decode:  NewPool(common.PoolDecode),
	}
}

func (s *Scheduler) SelectPrefiller(tokenCount int64) (int, error) { return s.Prefill.Select(tokenCount) }
func (s *Scheduler) ReleasePrefiller(idx int, tokenCount int64)    { s.Prefill.Release(idx, tokenCount) }
func (s *Scheduler) SelectDecoder(tokenCount int64) (int, error)   { return s.Decode.Select(tokenCount) }
func (s *Scheduler) ReleaseDecoder(idx int, tokenCount int64)      { s.Decode.Release(idx, tokenCount) }

// ReservePrefillerAt assigns tokenCount to a specific prefill worker chosen
// by the cache-aware planner rather than by heap-min selection.
func (s *Scheduler) ReservePrefillerAt(idx int, tokenCount int64) error {
	return s.Prefill.ReserveAt(idx, tokenCount)
}

// AnyAvailablePrefiller returns any healthy prefill worker, used for
// one-off calls (tokenization) that need a live worker but no slot.
func (s *Scheduler) AnyAvailablePrefiller() (int, *Worker, bool) { return s.Prefill.AnyAvailable() }

func (s *Scheduler) AbortPrefillerRequest(idx int, requestID string) { s.Prefill.AbortRequest(idx, requestID) }
func (s *Scheduler) DrainAbortedPrefiller(idx int) []string          { return s.Prefill.DrainAborted(idx) }
