// Package target delivers dispatch envelopes to targets. Each target kind is
// a distinct transport; Mux selects one by the target's kind.
package target

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/switchboard/internal/core/domain"
	"github.com/tjfontaine/switchboard/internal/telemetry"
)

const maxResponseBytes = 4 << 20

// HTTPTransport posts envelopes as JSON to the target's endpoint.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport creates an HTTPTransport. A nil client gets an
// otelhttp-instrumented default. Deadlines come from the caller's context.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   2 * time.Minute,
		}
	}
	return &HTTPTransport{client: client}
}

// Send delivers req. A response carrying a valid envelope is returned as-is,
// even for non-2xx statuses; anything else becomes a *domain.DispatchError.
func (t *HTTPTransport) Send(ctx context.Context, target *domain.TargetEligibility, req *domain.DispatchRequest) (*domain.DispatchResponse, error) {
	if target.Endpoint == "" {
		return nil, domain.ErrTargetUnavailable(target.Name, "target has no endpoint")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, domain.ErrInternal(fmt.Errorf("encode dispatch request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, domain.ErrValidation("bad endpoint for %s: %v", target.Name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-ID", req.RequestContext.RequestID)
	httpReq.Header.Set("X-Subrequest-ID", req.SubrequestID)
	if tc := req.RequestContext.TraceContext; tc != nil && tc.TraceParent != "" {
		httpReq.Header.Set("traceparent", tc.TraceParent)
		if tc.TraceState != "" {
			httpReq.Header.Set("tracestate", tc.TraceState)
		}
	} else if tp, ts := telemetry.InjectTraceContext(ctx); tp != "" {
		httpReq.Header.Set("traceparent", tp)
		if ts != "" {
			httpReq.Header.Set("tracestate", ts)
		}
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.ErrTimeout("dispatch to %s: %v", target.Name, ctx.Err()).WithTarget(target.Name).WithCause(err)
		}
		return nil, domain.NewDispatchError(domain.ErrorClassInternal, fmt.Sprintf("transport error: %v", err)).
			WithTarget(target.Name).WithRetryable(true).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, domain.NewDispatchError(domain.ErrorClassInternal, fmt.Sprintf("read response: %v", err)).
			WithTarget(target.Name).WithRetryable(true).WithCause(err)
	}

	envelope, decodeErr := domain.DecodeDispatchResponse(raw)
	if decodeErr == nil {
		return envelope, nil
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, domain.ErrOverloaded(fmt.Sprintf("%s is shedding load", target.Name)).WithTarget(target.Name)
	case resp.StatusCode >= 500:
		return nil, domain.NewDispatchError(domain.ErrorClassInternal, fmt.Sprintf("%s returned %s", target.Name, resp.Status)).
			WithTarget(target.Name).WithRetryable(true)
	case resp.StatusCode >= 400:
		return nil, domain.ErrValidation("%s rejected the request: %s", target.Name, resp.Status).WithTarget(target.Name)
	}
	return nil, domain.AsDispatchError(decodeErr).WithTarget(target.Name)
}
