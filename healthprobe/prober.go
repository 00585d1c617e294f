// Package healthprobe runs the periodic per-worker health pings: one
// goroutine ticking across every pool, issuing each worker's
// engine-adapter health request with a configurable timeout and
// advancing scheduler.Worker's HEALTHY/UNHEALTHY state machine. An
// unhealthy worker becomes invisible to every selection path.
package healthprobe

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"mooncake-conductor/common"
	"mooncake-conductor/engine"
	"mooncake-conductor/obsmetrics"
	"mooncake-conductor/scheduler"
)

// DefaultTimeout is the health request deadline when neither the caller
// nor MOONCAKE_CONDUCTOR_TIMEOUT override it.
const DefaultTimeout = 500 * time.Millisecond

// DefaultInterval is how often each worker is probed.
const DefaultInterval = 5 * time.Second

// DefaultUnhealthyThreshold is the number of consecutive failed probes
// that move a worker from Healthy to Unhealthy.
const DefaultUnhealthyThreshold = 3

// Prober periodically pings every worker of one or more pools.
type Prober struct {
	registry  *engine.Registry
	client    *http.Client
	timeout   time.Duration
	interval  time.Duration
	threshold int
}

// New constructs a Prober. A non-positive timeout falls back to
// DefaultTimeout; New does not read MOONCAKE_CONDUCTOR_TIMEOUT itself, so
// callers pass TimeoutFromEnv() to apply that override.
func New(registry *engine.Registry, timeout, interval time.Duration, unhealthyThreshold int) *Prober {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if unhealthyThreshold <= 0 {
		unhealthyThreshold = DefaultUnhealthyThreshold
	}
	return &Prober{
		registry:  registry,
		client:    &http.Client{},
		timeout:   timeout,
		interval:  interval,
		threshold: unhealthyThreshold,
	}
}

// TimeoutFromEnv resolves the probe timeout: MOONCAKE_CONDUCTOR_TIMEOUT,
// a positive integer count of seconds, overrides DefaultTimeout;
// anything else falls back to it.
func TimeoutFromEnv() time.Duration {
	return common.LoadPositiveDurationEnv("MOONCAKE_CONDUCTOR_TIMEOUT", DefaultTimeout)
}

// pool is the minimal surface Prober needs from a scheduler.Pool: its
// size, a worker at a given index, and a stable label for observability.
type pool struct {
	kind string
	p    *scheduler.Pool
}

// Run ticks forever (until ctx is cancelled), probing every worker in
// every given pool on each tick.
func (pr *Prober) Run(ctx context.Context, prefill, decode *scheduler.Pool) {
	pools := []pool{{kind: "prefill", p: prefill}, {kind: "decode", p: decode}}

	ticker := time.NewTicker(pr.interval)
	defer ticker.Stop()

	pr.probeAll(ctx, pools)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pr.probeAll(ctx, pools)
		}
	}
}

func (pr *Prober) probeAll(ctx context.Context, pools []pool) {
	var wg sync.WaitGroup
	for _, pl := range pools {
		n := pl.p.Len()
		for i := 0; i < n; i++ {
			w := pl.p.Worker(i)
			if w == nil || w.Status() == scheduler.Removed {
				continue
			}
			wg.Add(1)
			go func(kind string, w *scheduler.Worker) {
				defer wg.Done()
				ok := pr.probeOne(ctx, w)
				w.RecordProbeResult(ok, pr.threshold)
				obsmetrics.SetWorkerHealthy(kind, w.BaseURL, w.Available())
			}(pl.kind, w)
		}
	}
	wg.Wait()
}

func (pr *Prober) probeOne(ctx context.Context, w *scheduler.Worker) bool {
	adapter, err := pr.registry.Create(w.EngineTag)
	if err != nil {
		slog.Warn("health probe: unknown engine tag", "worker", w.BaseURL, "engine", w.EngineTag, "error", err)
		return false
	}

	reqCtx, cancel := context.WithTimeout(ctx, pr.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, adapter.HealthEndpoint(w.BaseURL), nil)
	if err != nil {
		return false
	}
	resp, err := pr.client.Do(httpReq)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false
	}
	result, err := adapter.ParseHealthResponse(body)
	if err != nil {
		return false
	}
	return result.Healthy
}
