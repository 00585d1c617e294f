package handler

import (
	"context"
	"encoding/json"
	"log/slog"

	"mooncake-conductor/blockhash"
	"mooncake-conductor/common"
	"mooncake-conductor/conderr"
	"mooncake-conductor/engine"
	"mooncake-conductor/keygen"
	"mooncake-conductor/obsmetrics"
	"mooncake-conductor/prefill"
	"mooncake-conductor/scheduler"
)

// Run executes one completion end to end: tokenize -> hash -> key ->
// lookup -> plan -> reserve -> dispatch. Ordering within
// a request follows that happens-before chain; the blocking steps are the
// outbound HTTP calls doHTTP makes (with their retry waits) and the object
// locator batch lookup.
func (s *Server) Run(ctx context.Context, requestID, model, prompt string, slo *SLORequirement) (CompletionResult, error) {
	if slo != nil {
		slog.Info("request carries an SLO requirement",
			"request_id", requestID,
			"max_ttft_ms", slo.MaxTTFTMillis,
			"max_tbt_ms", slo.MaxTBTMillis,
			"priority", slo.Priority,
		)
	}

	prefillWorker, prefillAdapter, err := s.pickTokenizeWorker()
	if err != nil {
		return CompletionResult{}, err
	}

	tokens, err := s.tokenize(ctx, prefillWorker, prefillAdapter, prompt)
	if err != nil {
		return CompletionResult{}, err
	}

	chain := blockhash.ChainBlocks(tokens.TokenIDs, blockhash.BlockSize)

	plan := prefill.Result{Hit: false}
	var keys []string
	if len(chain) > 0 {
		keys = keygen.BuildPhysicalKeysForRank(model, s.WorldSize, 0, chain, prefillWorker.EngineTag)
		results := s.Locator.BatchGetReplicaList(ctx, keys)
		plan = prefill.Plan(keys, results)
	}
	obsmetrics.ObservePrefillPlan(plan.Hit)

	prefillIdx := -1
	defer func() {
		if ctx.Err() != nil && prefillIdx >= 0 {
			s.Scheduler.AbortPrefillerRequest(prefillIdx, requestID)
		}
	}()

	if plan.Hit {
		if idx, ok := s.endpointToPrefillIdx.Load(plan.NodeID); ok {
			if err := s.Scheduler.ReservePrefillerAt(idx, int64(tokens.TokenCount)); err == nil {
				prefillIdx = idx
			} else {
				slog.Warn("prefill cache hit could not be honored, falling back to load-aware placement",
					"request_id", requestID, "node_id", plan.NodeID, "error", err)
				plan.Hit = false
			}
		} else {
			plan.Hit = false
		}
	}
	if !plan.Hit {
		prefillIdx, err = s.Scheduler.SelectPrefiller(int64(tokens.TokenCount))
		if err != nil {
			return CompletionResult{}, err
		}
	}
	defer s.Scheduler.ReleasePrefiller(prefillIdx, int64(tokens.TokenCount))

	prefillW := s.Scheduler.Prefill.Worker(prefillIdx)
	if prefillW == nil {
		return CompletionResult{}, conderr.Wrap(conderr.NoCapacity, "reserved prefill worker vanished", nil)
	}
	adapterForPrefill, err := s.Registry.Create(prefillW.EngineTag)
	if err != nil {
		return CompletionResult{}, err
	}

	if _, err := s.dispatch(ctx, adapterForPrefill, prefillW.BaseURL, model, prompt, 1); err != nil {
		return CompletionResult{}, err
	}

	decodeIdx, err := s.Scheduler.SelectDecoder(int64(tokens.TokenCount))
	if err != nil {
		return CompletionResult{}, err
	}
	defer s.Scheduler.ReleaseDecoder(decodeIdx, int64(tokens.TokenCount))

	decodeW := s.Scheduler.Decode.Worker(decodeIdx)
	if decodeW == nil {
		return CompletionResult{}, conderr.Wrap(conderr.NoCapacity, "reserved decode worker vanished", nil)
	}
	adapterForDecode, err := s.Registry.Create(decodeW.EngineTag)
	if err != nil {
		return CompletionResult{}, err
	}

	text, err := s.dispatch(ctx, adapterForDecode, decodeW.BaseURL, model, prompt, 0)
	if err != nil {
		return CompletionResult{}, err
	}

	return CompletionResult{
		RequestID:   requestID,
		Model:       model,
		Text:        text,
		PrefillHit:  plan.Hit,
		PrefillNode: prefillW.BaseURL,
		DecodeNode:  decodeW.BaseURL,
	}, nil
}

// pickTokenizeWorker returns any healthy prefill worker to tokenize
// against; tokenization does not reserve capacity of its own.
func (s *Server) pickTokenizeWorker() (*scheduler.Worker, engine.Adapter, error) {
	_, w, ok := s.Scheduler.AnyAvailablePrefiller()
	if !ok {
		return nil, nil, conderr.Wrap(conderr.NoCapacity, "no healthy prefill worker available for tokenization", nil)
	}
	adapter, err := s.Registry.Create(w.EngineTag)
	if err != nil {
		return nil, nil, err
	}
	return w, adapter, nil
}

func (s *Server) tokenize(ctx context.Context, w *scheduler.Worker, adapter engine.Adapter, prompt string) (engine.TokenizationResult, error) {
	req := adapter.BuildTokenizeRequest(w.BaseURL, prompt, false)
	var body []byte
	err := withRetry(ctx, s.MaxRetries, s.RetryDelay, func() error {
		b, e := s.doHTTP(ctx, req)
		body = b
		return e
	})
	if err != nil {
		return engine.TokenizationResult{}, err
	}
	result, err := adapter.ParseTokenizeResponse(body)
	if err != nil {
		return engine.TokenizationResult{}, conderr.Wrap(conderr.MalformedResponse, "parse tokenize response", err)
	}
	return result, nil
}

// dispatch forwards prompt to a worker's completions endpoint and returns
// the first completion's text, if any. maxTokens==1 models a prefill-only
// pass (first token plus KV cache materialization); 0 leaves the worker's
// own default in effect, modeling the full decode pass.
func (s *Server) dispatch(ctx context.Context, adapter engine.Adapter, baseURL, model, prompt string, maxTokens int) (string, error) {
	body, err := json.Marshal(completionPayload{Model: model, Prompt: prompt, MaxTokens: maxTokens})
	if err != nil {
		return "", conderr.Wrap(conderr.SerializationError, "encode completion request", err)
	}
	req := s.buildRequest(adapter, baseURL, body)

	var respBody []byte
	err = withRetry(ctx, s.MaxRetries, s.RetryDelay, func() error {
		b, e := s.doHTTP(ctx, req)
		respBody = b
		return e
	})
	if err != nil {
		return "", err
	}
	return extractText(respBody), nil
}

func (s *Server) buildRequest(adapter engine.Adapter, baseURL string, body []byte) common.HTTPRequest {
	return common.HTTPRequest{
		URL:     adapter.CompletionsEndpoint(baseURL),
		Method:  "POST",
		Headers: jsonHeaders,
		Body:    string(body),
	}
}

// extractText is tolerant of both a bare {"text": ...} body and an
// OpenAI-shaped {"choices":[{"text": ...}]} body; malformed bodies yield
// an empty string rather than failing the request, since the dispatch hop
// already succeeded at the transport level.
func extractText(body []byte) string {
	var direct struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &direct); err == nil && direct.Text != "" {
		return direct.Text
	}
	var openai struct {
		Choices []struct {
			Text string `json:"text"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &openai); err == nil && len(openai.Choices) > 0 {
		return openai.Choices[0].Text
	}
	return ""
}
