// Package engine provides the per-inference-engine request/response codec
// ("engine adapter") and the process-wide registry that dispatches by
// string tag: a registration closure per tag plus a mutex-guarded,
// once-per-tag lazy init flag.
package engine

import "mooncake-conductor/common"

// TokenizationResult is the parsed response to a tokenize request.
type TokenizationResult struct {
	TokenIDs     []int64
	TokenCount   int
	ModelName    string
	Truncated    bool
	ErrorMessage string
}

// Config is the parsed response to a models/config request.
type Config struct {
	ModelName         string
	MaxSequenceLength int
	DType             string
	BlockSize         int
}

// LoadMetrics is the parsed response to a metrics request.
type LoadMetrics struct {
	GPUUtilization float64
	IsHealthy      bool
}

// HealthResult is the parsed response to a health request.
type HealthResult struct {
	Healthy bool
}

// Adapter is the capability set one engine family implements: build the
// outbound request for each endpoint kind, and parse that endpoint's
// response. Every method is pure and side-effect-free; callers own
// issuing the actual HTTP round-trip.
type Adapter interface {
	// Tag is the string this adapter is registered under.
	Tag() string

	TokenizeEndpoint(baseURL string) string
	ModelsEndpoint(baseURL string) string
	MetricsEndpoint(baseURL string) string
	HealthEndpoint(baseURL string) string
	CompletionsEndpoint(baseURL string) string
	ChatCompletionsEndpoint(baseURL string) string

	BuildTokenizeRequest(baseURL, text string, addSpecialTokens bool) common.HTTPRequest
	ParseTokenizeResponse(body []byte) (TokenizationResult, error)

	ParseConfigResponse(body []byte) (Config, error)

	// ParseMetricsResponse accepts either Prometheus exposition text or a
	// JSON body ({"gpu_util": ...}). contentType is the response's
	// Content-Type; the vLLM adapter ignores it and tells the two formats
	// apart by whether the body names a vllm: or vllm_ metric.
	ParseMetricsResponse(contentType string, body []byte) (LoadMetrics, error)

	ParseHealthResponse(body []byte) (HealthResult, error)
}
