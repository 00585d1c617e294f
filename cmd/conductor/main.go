// Command conductor is the cache-aware, load-aware request-routing front
// end for a disaggregated prefill/decode LLM inference fleet: it accepts
// OpenAI-compatible completion requests, picks a prefill worker by KV
// cache locality and a decode worker by load, and returns the result as
// one JSON response (not a token stream).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mooncake-conductor/conderr"
	"mooncake-conductor/engine"
	"mooncake-conductor/handler"
	"mooncake-conductor/healthprobe"
	"mooncake-conductor/locator"
	"mooncake-conductor/scheduler"
)

type options struct {
	host string
	port int

	prefillerHosts string
	prefillerPorts string
	decoderHosts   string
	decoderPorts   string

	maxRetries int
	retryDelay float64

	model         string
	worldSize     int
	engineTag     string
	objectLocator string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "conductor",
		Short:         "Cache-aware, load-aware request router for a disaggregated prefill/decode LLM fleet",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.host, "host", "localhost", "address the conductor listens on")
	flags.IntVar(&opts.port, "port", 8000, "port the conductor listens on")
	flags.StringVar(&opts.prefillerHosts, "prefiller_hosts", "", "comma-separated prefill worker hosts")
	flags.StringVar(&opts.prefillerPorts, "prefiller_ports", "", "comma-separated prefill worker ports")
	flags.StringVar(&opts.decoderHosts, "decoder_hosts", "", "comma-separated decode worker hosts")
	flags.StringVar(&opts.decoderPorts, "decoder_ports", "", "comma-separated decode worker ports")
	flags.IntVar(&opts.maxRetries, "max_retries", 3, "maximum retries for a transient network error")
	flags.Float64Var(&opts.retryDelay, "retry_delay", 0.001, "initial retry backoff delay, in seconds")
	flags.StringVar(&opts.model, "model", "unknown", "default model name used when a request omits one")
	flags.IntVar(&opts.worldSize, "world_size", 1, "tensor/pipeline parallel world size workers report their blocks under")
	flags.StringVar(&opts.engineTag, "engine", "vllm", "engine adapter tag every configured worker uses")
	flags.StringVar(&opts.objectLocator, "object_locator_addr", "tcp://127.0.0.1:50051", "object locator master address")

	return cmd
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := newRootCmd()
	cmd.SetContext(ctx)
	if err := cmd.Execute(); err != nil {
		slog.Error("conductor exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *options) error {
	engine.RegisterBuiltinAdapters(globalRegistry())

	prefillerSpecs, err := parseWorkerSpecs(opts.prefillerHosts, opts.prefillerPorts)
	if err != nil {
		return exitConfigInvalid("prefiller", err)
	}
	decoderSpecs, err := parseWorkerSpecs(opts.decoderHosts, opts.decoderPorts)
	if err != nil {
		return exitConfigInvalid("decoder", err)
	}
	if len(prefillerSpecs) == 0 {
		return exitConfigInvalid("prefiller", fmt.Errorf("at least one prefiller must be configured"))
	}
	if len(decoderSpecs) == 0 {
		return exitConfigInvalid("decoder", fmt.Errorf("at least one decoder must be configured"))
	}

	loc, err := locator.NewClient(opts.objectLocator)
	if err != nil {
		return conderr.Wrap(conderr.ConfigInvalid, "construct object locator client", err)
	}
	defer loc.Close()

	sched := scheduler.New()
	srv := handler.NewServer(globalRegistry(), sched, loc, opts.model, opts.worldSize, opts.maxRetries,
		time.Duration(opts.retryDelay*float64(time.Second)))

	for _, spec := range prefillerSpecs {
		w := scheduler.NewWorker(0, spec.host, spec.port, spec.baseURL(), opts.engineTag)
		sched.Prefill.Add(w)
		srv.RegisterPrefillEndpoint(fmt.Sprintf("%s:%d", spec.host, spec.port), w.ID)
	}
	for _, spec := range decoderSpecs {
		w := scheduler.NewWorker(0, spec.host, spec.port, spec.baseURL(), opts.engineTag)
		sched.Decode.Add(w)
	}

	prober := healthprobe.New(globalRegistry(), healthprobe.TimeoutFromEnv(), healthprobe.DefaultInterval, healthprobe.DefaultUnhealthyThreshold)
	go prober.Run(ctx, sched.Prefill, sched.Decode)

	addr := fmt.Sprintf("%s:%d", opts.host, opts.port)
	if err := srv.Start(ctx, addr); err != nil {
		return err
	}

	<-ctx.Done()
	slog.Info("conductor shutting down")
	srv.Wait()
	return nil
}

func exitConfigInvalid(pool string, cause error) error {
	return conderr.Wrap(conderr.ConfigInvalid, fmt.Sprintf("%s host/port configuration invalid", pool), cause)
}

type workerSpec struct {
	host string
	port int
}

func (w workerSpec) baseURL() string { return fmt.Sprintf("http://%s:%d", w.host, w.port) }

// parseWorkerSpecs splits the comma-separated host and port lists and
// pairs them positionally. Mismatched lengths are a ConfigInvalid error.
// Empty input yields an empty (not erroring) slice; run then rejects a
// pool left with no workers as ConfigInvalid.
func parseWorkerSpecs(hosts, ports string) ([]workerSpec, error) {
	hostList := splitNonEmpty(hosts)
	portList := splitNonEmpty(ports)
	if len(hostList) != len(portList) {
		return nil, fmt.Errorf("host count (%d) does not match port count (%d)", len(hostList), len(portList))
	}
	specs := make([]workerSpec, len(hostList))
	for i := range hostList {
		port, err := strconv.Atoi(strings.TrimSpace(portList[i]))
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", portList[i], err)
		}
		specs[i] = workerSpec{host: strings.TrimSpace(hostList[i]), port: port}
	}
	return specs, nil
}

func splitNonEmpty(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

var sharedRegistry = engine.NewRegistry()

// globalRegistry is the process-wide adapter registry shared by the HTTP
// handler and the health prober.
func globalRegistry() *engine.Registry { return sharedRegistry }
