// Package handler implements the end-to-end completion orchestration: the
// Request Handler of the conductor. It wires tokenize -> hash -> key ->
// lookup -> plan -> reserve -> dispatch -> respond over a plain net/http
// server, using an http.ServeMux + http.Server + context-cancellation
// shutdown pattern. Each request gets one JSON response body; results are
// not streamed token by token, and the Stream field is not acted on.
package handler

// ChatMessage is one OpenAI-compatible chat turn.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SLORequirement carries the request's latency targets. Logged and
// carried through but, per the documented open question on decode-side
// scheduling (see DESIGN.md), does not yet feed a distinct placement
// strategy beyond the active_tokens-only decode priority.
type SLORequirement struct {
	MaxTTFTMillis int `json:"max_ttft_ms,omitempty"`
	MaxTBTMillis  int `json:"max_tbt_ms,omitempty"`
	Priority      int `json:"priority,omitempty"`
}

// CompletionRequest is the OpenAI-compatible body accepted by both
// /v1/completions (Prompt) and /v1/chat/completions (Messages).
type CompletionRequest struct {
	RequestID string          `json:"request_id,omitempty"`
	Model     string          `json:"model"`
	Prompt    string          `json:"prompt,omitempty"`
	Messages  []ChatMessage   `json:"messages,omitempty"`
	Stream    bool            `json:"stream,omitempty"`
	SLO       *SLORequirement `json:"slo,omitempty"`
}

// CompletionResult is the single JSON response written back to the client
// on success.
type CompletionResult struct {
	RequestID   string `json:"request_id"`
	Model       string `json:"model"`
	Text        string `json:"text"`
	PrefillHit  bool   `json:"prefill_cache_hit"`
	PrefillNode string `json:"prefill_node"`
	DecodeNode  string `json:"decode_node"`
}

// completionPayload is the body forwarded to a worker's own completions
// endpoint.
type completionPayload struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens,omitempty"`
	Stream    bool   `json:"stream,omitempty"`
}

var jsonHeaders = map[string]string{"Content-Type": "application/json"}
