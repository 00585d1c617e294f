package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"mooncake-conductor/common"
	"mooncake-conductor/conderr"
)

// doHTTP executes one outbound hop (tokenize, prefill dispatch, decode
// dispatch) and classifies failures by kind: a cancelled context
// surfaces as ClientCancelled, a transport-level failure or 5xx as
// TransientNetworkError (retryable), and a 4xx as MalformedResponse.
func (s *Server) doHTTP(ctx context.Context, req common.HTTPRequest) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, strings.NewReader(req.Body))
	if err != nil {
		return nil, conderr.Wrap(conderr.ConfigInvalid, "build outbound request to "+req.URL, err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := s.HTTPClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, conderr.Wrap(conderr.ClientCancelled, "request context cancelled", ctx.Err())
		}
		return nil, conderr.Wrap(conderr.TransientNetworkError, "outbound request failed: "+req.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, conderr.Wrap(conderr.TransientNetworkError, "read response body from "+req.URL, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, conderr.Wrap(conderr.TransientNetworkError, fmt.Sprintf("worker %s returned %d", req.URL, resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		return nil, conderr.Wrap(conderr.MalformedResponse, fmt.Sprintf("worker %s returned %d", req.URL, resp.StatusCode), nil)
	}
	return body, nil
}
