package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EnvelopeVersion is the only dispatch envelope version this build speaks.
const EnvelopeVersion = "switchboard.dispatch/v1"

// DispatchRequest is the envelope sent to a target for one segment.
type DispatchRequest struct {
	Version        string            `json:"version"`
	RequestContext SubrequestContext `json:"request_context"`
	SubrequestID   string            `json:"subrequest_id"`
	SegmentID      string            `json:"segment_id"`
	Target         string            `json:"target"`
	Input          string            `json:"input"`
	Attempt        int               `json:"attempt"`
}

// EnvelopeError is the error body of a DispatchResponse.
type EnvelopeError struct {
	ErrorClass   string `json:"error_class"`
	ErrorMessage string `json:"error_message"`
	Retryable    bool   `json:"retryable"`
}

// Timing reports how long the target spent on the segment.
type Timing struct {
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
}

// DispatchResponse is the envelope returned by a target.
type DispatchResponse struct {
	Version string          `json:"version"`
	Status  string          `json:"status"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *EnvelopeError  `json:"error,omitempty"`
	Timing  *Timing         `json:"timing,omitempty"`
}

// NewDispatchRequest builds a versioned request envelope for seg.
func NewDispatchRequest(rc RequestContext, subrequestID string, seg Segment, attempt int) *DispatchRequest {
	return &DispatchRequest{
		Version:        EnvelopeVersion,
		RequestContext: rc.Subrequest(subrequestID, seg.ID),
		SubrequestID:   subrequestID,
		SegmentID:      seg.ID,
		Target:         seg.Target,
		Input:          seg.Input,
		Attempt:        attempt,
	}
}

// Validate checks the request envelope's version and required fields.
func (r *DispatchRequest) Validate() error {
	if err := checkVersion(r.Version); err != nil {
		return err
	}
	if r.RequestContext.RequestID == "" || r.SegmentID == "" || r.Target == "" {
		return ErrValidation("dispatch request missing request_id, segment_id or target")
	}
	return nil
}

// Validate checks the response envelope's version and shape.
func (r *DispatchResponse) Validate() error {
	if err := checkVersion(r.Version); err != nil {
		return err
	}
	switch r.Status {
	case "ok":
		return nil
	case "error":
		if r.Error == nil {
			return ErrValidation("error response without error body")
		}
		return nil
	default:
		return ErrValidation("unknown response status %q", r.Status)
	}
}

// Err converts an error response into a canonical DispatchError.
func (r *DispatchResponse) Err() *DispatchError {
	if r.Status != "error" || r.Error == nil {
		return nil
	}
	return FromDownstream(r.Error.ErrorClass, r.Error.ErrorMessage, r.Error.Retryable)
}

func checkVersion(v string) error {
	if v == "" {
		return ErrValidation("envelope version marker missing")
	}
	if v != EnvelopeVersion {
		return ErrValidation("unsupported envelope version %q", v)
	}
	return nil
}

// DecodeDispatchResponse parses and validates a response envelope.
func DecodeDispatchResponse(body []byte) (*DispatchResponse, error) {
	var resp DispatchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, ErrValidation("decode dispatch response: %v", err).WithCause(err)
	}
	if err := resp.Validate(); err != nil {
		return nil, fmt.Errorf("dispatch response: %w", err)
	}
	return &resp, nil
}
