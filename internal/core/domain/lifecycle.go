package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// LifecycleState is the per-request processing state.
type LifecycleState string

const (
	StateAccepted   LifecycleState = "accepted"
	StateProcessing LifecycleState = "processing"
	StateParsed     LifecycleState = "parsed"
	StateErrored    LifecycleState = "errored"
)

// Terminal reports whether no further mutation is allowed.
func (s LifecycleState) Terminal() bool {
	return s == StateParsed || s == StateErrored
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to LifecycleState) bool {
	switch from {
	case StateAccepted:
		return to == StateProcessing || to == StateErrored
	case StateProcessing:
		return to == StateParsed || to == StateErrored
	default:
		return false
	}
}

// Signal is a user-visible status notification for interactive channels.
type Signal string

const (
	SignalProgress Signal = "PROGRESS"
	SignalParsed   Signal = "PARSED"
	SignalErrored  Signal = "ERRORED"
)

// IngressRecord is the durable record backing every accepted request.
type IngressRecord struct {
	Context        RequestContext  `json:"context"`
	DedupKey       string          `json:"dedup_key"`
	PolicyTier     PolicyTier      `json:"policy_tier"`
	RawPayload     json.RawMessage `json:"raw_payload,omitempty"`
	NormalizedText string          `json:"normalized_text"`
	State          LifecycleState  `json:"state"`
	Fallback       bool            `json:"fallback"`
	FallbackReason string          `json:"fallback_reason,omitempty"`
	Error          *DispatchError  `json:"error,omitempty"`
	Results        []SegmentResult `json:"results,omitempty"`
	ReplayOf       string          `json:"replay_of,omitempty"`
	Attempt        int             `json:"attempt"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// RequestID is a shorthand for Context.RequestID.
func (r *IngressRecord) RequestID() string {
	return r.Context.RequestID
}

// Unprocessable returns the validation error for a record that has no text
// to route, or nil. Workers and the recovery scanner both apply it, so an
// empty message is errored the same way whichever path picks it up.
func (r *IngressRecord) Unprocessable() *DispatchError {
	if strings.TrimSpace(r.NormalizedText) == "" {
		return ErrValidation("message has no processable content")
	}
	return nil
}

// Finalization carries everything written when a record reaches a terminal state.
type Finalization struct {
	State          LifecycleState
	Fallback       bool
	FallbackReason string
	Error          *DispatchError
	Results        []SegmentResult
}
