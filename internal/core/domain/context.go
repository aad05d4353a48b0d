// Package domain holds the canonical request, target, and error types shared
// by every switchboard component.
package domain

import (
	"encoding/json"
	"time"
)

// Channel identifies the transport an inbound event arrived on.
type Channel string

const (
	ChannelTelegram Channel = "telegram"
	ChannelEmail    Channel = "email"
	ChannelAPI      Channel = "api"
	ChannelMCP      Channel = "mcp"
)

// Interactive reports whether the channel has a human waiting on the other end
// who should receive PROGRESS/PARSED/ERRORED signals.
func (c Channel) Interactive() bool {
	switch c {
	case ChannelTelegram, ChannelEmail:
		return true
	default:
		return false
	}
}

// PolicyTier is the priority class that governs dequeue order.
type PolicyTier string

const (
	TierHighPriority PolicyTier = "high_priority"
	TierInteractive  PolicyTier = "interactive"
	TierDefault      PolicyTier = "default"
)

// Tiers lists the tiers from highest to lowest priority.
var Tiers = []PolicyTier{TierHighPriority, TierInteractive, TierDefault}

// ParseTier maps an arbitrary tier label onto a known tier.
// Unknown or empty labels fall back to TierDefault.
func ParseTier(s string) PolicyTier {
	switch PolicyTier(s) {
	case TierHighPriority:
		return TierHighPriority
	case TierInteractive:
		return TierInteractive
	default:
		return TierDefault
	}
}

// Rank returns the tier's position in Tiers (0 is highest priority).
func (t PolicyTier) Rank() int {
	switch t {
	case TierHighPriority:
		return 0
	case TierInteractive:
		return 1
	default:
		return 2
	}
}

// TraceContext carries W3C trace propagation headers across the request.
type TraceContext struct {
	TraceParent string `json:"traceparent,omitempty"`
	TraceState  string `json:"tracestate,omitempty"`
}

// RequestContext is the canonical identity of one logically distinct inbound
// event. It is immutable once minted.
type RequestContext struct {
	RequestID              string        `json:"request_id"`
	ReceivedAt             time.Time     `json:"received_at"`
	SourceChannel          Channel       `json:"source_channel"`
	SourceEndpointIdentity string        `json:"source_endpoint_identity"`
	SourceSenderIdentity   string        `json:"source_sender_identity"`
	SourceThreadIdentity   string        `json:"source_thread_identity,omitempty"`
	TraceContext           *TraceContext `json:"trace_context,omitempty"`
}

// ThreadKey returns the causal ordering key for the request, or "" when the
// channel supplied no stable thread identity.
func (rc RequestContext) ThreadKey() string {
	if rc.SourceThreadIdentity == "" {
		return ""
	}
	return string(rc.SourceChannel) + "|" + rc.SourceEndpointIdentity + "|" + rc.SourceThreadIdentity
}

// Subrequest derives the context for one fan-out segment. The root fields are
// copied verbatim.
func (rc RequestContext) Subrequest(subrequestID, segmentID string) SubrequestContext {
	return SubrequestContext{
		RequestContext: rc,
		SubrequestID:   subrequestID,
		SegmentID:      segmentID,
	}
}

// SubrequestContext is a RequestContext annotated for a single segment.
type SubrequestContext struct {
	RequestContext
	SubrequestID string `json:"subrequest_id"`
	SegmentID    string `json:"segment_id"`
}

// InboundEvent is what a channel adapter hands to the assigner.
type InboundEvent struct {
	Channel          Channel           `json:"channel"`
	EndpointIdentity string            `json:"endpoint_identity"`
	SenderIdentity   string            `json:"sender_identity"`
	ThreadIdentity   string            `json:"thread_identity,omitempty"`
	PolicyTier       string            `json:"policy_tier,omitempty"`
	Text             string            `json:"text"`
	Payload          json.RawMessage   `json:"payload,omitempty"`
	TransportIDs     map[string]string `json:"transport_ids,omitempty"`
	IdempotencyKey   string            `json:"idempotency_key,omitempty"`
	TraceContext     *TraceContext     `json:"trace_context,omitempty"`
	ReceivedAt       time.Time         `json:"-"`
}

// Transport-native identifier keys read from InboundEvent.TransportIDs.
const (
	TransportUpdateID  = "update_id"
	TransportMessageID = "message_id"
	TransportMailbox   = "mailbox"
)

// BufferedMessage is the in-memory reference to a durable ingress record.
type BufferedMessage struct {
	RequestID  string
	PolicyTier PolicyTier
	EnqueuedAt time.Time
}
