package domain

import (
	"encoding/json"
	"time"
)

// TargetState is the liveness state of a dispatch target.
type TargetState string

const (
	TargetActive      TargetState = "active"
	TargetStale       TargetState = "stale"
	TargetQuarantined TargetState = "quarantined"
)

// TargetKind tags how a target is reached.
type TargetKind string

const (
	// TargetKindHTTP targets receive JSON envelopes over HTTP.
	TargetKindHTTP  TargetKind = "http"
	// TargetKindLocal targets are in-process handlers.
	TargetKindLocal TargetKind = "local"
)

// Eligibility transition reasons recorded in the audit log.
const (
	ReasonSelfRegistered     = "self_registered"
	ReasonConfigured         = "configured"
	ReasonReregistered       = "reregistered"
	ReasonHeartbeat          = "heartbeat"
	ReasonHeartbeatRecovered = "heartbeat_recovered"
	ReasonTTLStale           = "ttl_stale"
	ReasonTTLExpired         = "ttl_expired"
	ReasonOperatorQuarantine = "operator_quarantine"
	ReasonOperatorRestore    = "operator_restore"
	ReasonOperatorDeregister = "operator_deregister"
)

// TargetEligibility is the registry's record of one target. Values are
// treated as immutable snapshots; the registry swaps whole records.
type TargetEligibility struct {
	Name             string           `json:"name"`
	Kind             TargetKind       `json:"kind"`
	Endpoint         string           `json:"endpoint,omitempty"`
	Capabilities     []string         `json:"capabilities,omitempty"`
	State            TargetState      `json:"state"`
	LastHeartbeatAt  time.Time        `json:"last_heartbeat_at"`
	QuarantinedAt    *time.Time       `json:"quarantined_at,omitempty"`
	QuarantineReason string           `json:"quarantine_reason,omitempty"`
	Manual           bool             `json:"manual,omitempty"`
	Counters         map[string]int64 `json:"counters,omitempty"`
	Checkpoint       json.RawMessage  `json:"checkpoint,omitempty"`
	RegisteredAt     time.Time        `json:"registered_at"`
	Version          int64            `json:"version"`
}

// Eligible reports whether fan-out may select this target.
func (t *TargetEligibility) Eligible() bool {
	return t != nil && t.State == TargetActive
}

// HasCapability reports whether the target advertises capability c. A target
// with no declared capabilities accepts any segment.
func (t *TargetEligibility) HasCapability(c string) bool {
	if len(t.Capabilities) == 0 || c == "" {
		return true
	}
	for _, have := range t.Capabilities {
		if have == c || have == "*" {
			return true
		}
	}
	return false
}

// Clone returns a copy safe to mutate.
func (t *TargetEligibility) Clone() *TargetEligibility {
	c := *t
	if t.Capabilities != nil {
		c.Capabilities = append([]string(nil), t.Capabilities...)
	}
	if t.Counters != nil {
		c.Counters = make(map[string]int64, len(t.Counters))
		for k, v := range t.Counters {
			c.Counters[k] = v
		}
	}
	if t.QuarantinedAt != nil {
		at := *t.QuarantinedAt
		c.QuarantinedAt = &at
	}
	return &c
}

// EligibilityAudit records one registry transition.
type EligibilityAudit struct {
	Target    string      `json:"target"`
	FromState TargetState `json:"from_state"`
	ToState   TargetState `json:"to_state"`
	Reason    string      `json:"reason"`
	At        time.Time   `json:"at"`
}

// CircuitState is the per-target breaker state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// RoutingAudit records one routing decision.
type RoutingAudit struct {
	RequestID      string    `json:"request_id"`
	Targets        []string  `json:"targets"`
	Confidence     float64   `json:"confidence"`
	Fallback       bool      `json:"fallback"`
	FallbackReason string    `json:"fallback_reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
