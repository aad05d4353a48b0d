package domain

import (
	"encoding/json"
	"sort"
	"time"
)

// FanoutMode selects how segments of one request are executed.
type FanoutMode string

const (
	ModeParallel    FanoutMode = "parallel"
	ModeOrdered     FanoutMode = "ordered"
	ModeConditional FanoutMode = "conditional"
)

// Valid reports whether m is a known mode.
func (m FanoutMode) Valid() bool {
	return m == ModeParallel || m == ModeOrdered || m == ModeConditional
}

// JoinPolicy decides when a conditional segment's dependencies are satisfied.
type JoinPolicy string

const (
	// JoinAll requires every dependency to succeed.
	JoinAll JoinPolicy = "all"
	// JoinAny requires at least one dependency to succeed.
	JoinAny JoinPolicy = "any"
)

// Span ties a segment back to a half-open byte range of the source text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Segment is one self-contained unit of work for exactly one target.
type Segment struct {
	ID         string   `json:"id"`
	Target     string   `json:"target"`
	Capability string   `json:"capability,omitempty"`
	Input      string   `json:"input"`
	Spans      []Span   `json:"spans,omitempty"`
	Priority   int      `json:"priority,omitempty"`
	Required   bool     `json:"required"`
	DependsOn  []string `json:"depends_on,omitempty"`
}

// Plan is the fan-out work derived from a routing decision.
type Plan struct {
	Mode           FanoutMode `json:"mode"`
	Join           JoinPolicy `json:"join,omitempty"`
	AbortOnFailure bool       `json:"abort_on_failure,omitempty"`
	Segments       []Segment  `json:"segments"`
}

// SegmentStatus is the terminal status of one segment.
type SegmentStatus string

const (
	SegmentOK      SegmentStatus = "ok"
	SegmentError   SegmentStatus = "error"
	SegmentSkipped SegmentStatus = "skipped"
)

// SegmentResult is the recorded outcome of one segment.
type SegmentResult struct {
	SegmentID    string          `json:"segment_id"`
	SubrequestID string          `json:"subrequest_id"`
	Target       string          `json:"target"`
	Priority     int             `json:"priority,omitempty"`
	Required     bool            `json:"required"`
	Status       SegmentStatus   `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        *DispatchError  `json:"error,omitempty"`
	Attempts     int             `json:"attempts"`
	Duration     time.Duration   `json:"duration_ns"`
}

// SortResults orders results by priority (highest first), then target name,
// then segment id.
func SortResults(results []SegmentResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		return a.SegmentID < b.SegmentID
	})
}
