package engine

import (
	"bytes"
	"encoding/json"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"mooncake-conductor/common"
	"mooncake-conductor/conderr"
)

const vllmTag = "vllm"

// vllmAdapter implements Adapter for the vLLM engine family.
type vllmAdapter struct{}

// NewVLLMAdapter constructs a fresh vLLM adapter value. Registered under
// "vllm" by RegisterBuiltinAdapters.
func NewVLLMAdapter() Adapter { return vllmAdapter{} }

// RegisterBuiltinAdapters registers every adapter this repository ships
// with. Called once at startup before the registry sees its first Create.
func RegisterBuiltinAdapters(r *Registry) {
	r.RegisterFactory(vllmTag, NewVLLMAdapter)
}

func (vllmAdapter) Tag() string { return vllmTag }

func (vllmAdapter) TokenizeEndpoint(baseURL string) string        { return joinURL(baseURL, "/v1/tokenize") }
func (vllmAdapter) ModelsEndpoint(baseURL string) string          { return joinURL(baseURL, "/v1/models") }
func (vllmAdapter) MetricsEndpoint(baseURL string) string         { return joinURL(baseURL, "/metrics") }
func (vllmAdapter) HealthEndpoint(baseURL string) string          { return joinURL(baseURL, "/health") }
func (vllmAdapter) CompletionsEndpoint(baseURL string) string     { return joinURL(baseURL, "/v1/completions") }
func (vllmAdapter) ChatCompletionsEndpoint(baseURL string) string {
	return joinURL(baseURL, "/v1/chat/completions")
}

func (a vllmAdapter) BuildTokenizeRequest(baseURL, text string, addSpecialTokens bool) common.HTTPRequest {
	body, _ := json.Marshal(struct {
		Text             string `json:"text"`
		AddSpecialTokens bool   `json:"add_special_tokens"`
	}{Text: text, AddSpecialTokens: addSpecialTokens})
	return common.HTTPRequest{
		URL:     a.TokenizeEndpoint(baseURL),
		Method:  "POST",
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    string(body),
	}
}

// ParseTokenizeResponse is tolerant: unknown keys are ignored, missing
// keys default, and malformed JSON sets ErrorMessage instead of failing.
func (vllmAdapter) ParseTokenizeResponse(body []byte) (TokenizationResult, error) {
	var raw struct {
		Tokens    []int64 `json:"tokens"`
		Model     string  `json:"model"`
		Truncated bool    `json:"truncated"`
		Error     string  `json:"error"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return TokenizationResult{ErrorMessage: err.Error()}, nil
	}
	model := raw.Model
	if model == "" {
		model = "unknown"
	}
	return TokenizationResult{
		TokenIDs:     raw.Tokens,
		TokenCount:   len(raw.Tokens),
		ModelName:    model,
		Truncated:    raw.Truncated,
		ErrorMessage: raw.Error,
	}, nil
}

func (vllmAdapter) ParseConfigResponse(body []byte) (Config, error) {
	var raw struct {
		Data []struct {
			ID          string `json:"id"`
			MaxModelLen int    `json:"max_model_len"`
			DType       string `json:"dtype"`
			BlockSize   int    `json:"block_size"`
		} `json:"data"`
	}
	cfg := Config{ModelName: "unknown", MaxSequenceLength: 4096, DType: "float16", BlockSize: 16}
	if err := json.Unmarshal(body, &raw); err != nil || len(raw.Data) == 0 {
		return cfg, nil
	}
	d := raw.Data[0]
	if d.ID != "" {
		cfg.ModelName = d.ID
	}
	if d.MaxModelLen != 0 {
		cfg.MaxSequenceLength = d.MaxModelLen
	}
	if d.DType != "" {
		cfg.DType = d.DType
	}
	if d.BlockSize != 0 {
		cfg.BlockSize = d.BlockSize
	}
	return cfg, nil
}

// ParseMetricsResponse recognises Prometheus exposition text (decoded with
// expfmt.TextParser, the same parser Prometheus's own client uses) and a
// JSON {"gpu_util": ...} fallback.
func (vllmAdapter) ParseMetricsResponse(contentType string, body []byte) (LoadMetrics, error) {
	text := string(body)
	if looksLikePrometheusText(text) {
		return parsePrometheusMetrics(text)
	}
	var raw struct {
		GPUUtil float64 `json:"gpu_util"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return LoadMetrics{}, conderr.Wrap(conderr.MalformedResponse, "metrics body not Prometheus text or JSON", err)
	}
	util := raw.GPUUtil / 100
	return LoadMetrics{GPUUtilization: util, IsHealthy: util >= 0 && util <= 1.0}, nil
}

func looksLikePrometheusText(text string) bool {
	return strings.Contains(text, "vllm:") || strings.Contains(text, "vllm_")
}

// parsePrometheusMetrics walks the metric families produced by
// expfmt.TextParser looking for a vLLM gpu_utilization gauge, matching by
// either the "vllm:" or "vllm_" naming convention the engine uses.
func parsePrometheusMetrics(text string) (LoadMetrics, error) {
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(strings.NewReader(text))
	if err != nil {
		return LoadMetrics{}, conderr.Wrap(conderr.MalformedResponse, "invalid prometheus exposition text", err)
	}
	for name, family := range families {
		if !isGPUUtilizationFamily(name) {
			continue
		}
		for _, m := range family.Metric {
			val, ok := sampleValue(m)
			if !ok {
				continue
			}
			util := val / 100
			return LoadMetrics{GPUUtilization: util, IsHealthy: util >= 0 && util <= 1.0}, nil
		}
	}
	return LoadMetrics{}, conderr.Wrap(conderr.MalformedResponse, "no gpu_utilization sample in metrics body", nil)
}

func isGPUUtilizationFamily(name string) bool {
	n := strings.ToLower(name)
	hasPrefix := strings.HasPrefix(n, "vllm:") || strings.HasPrefix(n, "vllm_")
	return hasPrefix && strings.Contains(n, "gpu_utilization")
}

func sampleValue(m *dto.Metric) (float64, bool) {
	if m.Gauge != nil && m.Gauge.Value != nil {
		return *m.Gauge.Value, true
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value, true
	}
	if m.Untyped != nil && m.Untyped.Value != nil {
		return *m.Untyped.Value, true
	}
	return 0, false
}

func (vllmAdapter) ParseHealthResponse(body []byte) (HealthResult, error) {
	var raw map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(body), &raw); err != nil {
		return HealthResult{Healthy: false}, nil
	}
	if status, ok := raw["status"].(string); ok && status == "healthy" {
		return HealthResult{Healthy: true}, nil
	}
	if healthy, ok := raw["healthy"].(bool); ok && healthy {
		return HealthResult{Healthy: true}, nil
	}
	return HealthResult{Healthy: false}, nil
}
