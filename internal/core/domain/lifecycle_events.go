package domain

import (
	"time"
)

// LifecycleEvent is a high-level event emitted as a request moves through the
// control plane. Events are published for decoupled consumers (audit, analytics).
type LifecycleEvent struct {
	Type      LifecycleEventType `json:"type"`
	RequestID string             `json:"request_id"`
	Timestamp time.Time          `json:"timestamp"`
	Data      any                `json:"data,omitempty"`
}

// LifecycleEventType identifies the type of lifecycle event.
type LifecycleEventType string

const (
	LifecycleEventAccepted   LifecycleEventType = "request.accepted"
	LifecycleEventProcessing LifecycleEventType = "request.processing"
	LifecycleEventRouted     LifecycleEventType = "request.routed"
	LifecycleEventParsed     LifecycleEventType = "request.parsed"
	LifecycleEventErrored    LifecycleEventType = "request.errored"
	LifecycleEventRecovered  LifecycleEventType = "request.recovered"
	LifecycleEventReplayed   LifecycleEventType = "request.replayed"
)

// LifecycleRoutedData accompanies request.routed events.
type LifecycleRoutedData struct {
	Targets        []string   `json:"targets"`
	Mode           FanoutMode `json:"mode"`
	Fallback       bool       `json:"fallback"`
	FallbackReason string     `json:"fallback_reason,omitempty"`
	Confidence     float64    `json:"confidence"`
}

// LifecycleFinishedData accompanies request.parsed and request.errored events.
type LifecycleFinishedData struct {
	Duration time.Duration  `json:"duration_ns"`
	Segments int            `json:"segments"`
	Failed   int            `json:"failed"`
	Error    *DispatchError `json:"error,omitempty"`
}

// LifecycleReplayedData accompanies request.replayed events.
type LifecycleReplayedData struct {
	ReplayOf string `json:"replay_of"`
	Attempt  int    `json:"attempt"`
}
