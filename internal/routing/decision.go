package routing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"

	"github.com/tjfontaine/switchboard/internal/core/domain"
	"github.com/tjfontaine/switchboard/internal/fanout"
)

// Fallback reasons recorded on the lifecycle record and routing audit.
const (
	ReasonLowConfidence     = "low_confidence"
	ReasonMalformedOutput   = "malformed_output"
	ReasonTimeout           = "timeout"
	ReasonCollaboratorError = "collaborator_error"
	ReasonIneligibleTarget  = "ineligible_target"
	ReasonNoCollaborator    = "no_collaborator"
)

// Decision is the validated result of routing one request.
type Decision struct {
	Plan           domain.Plan
	Targets        []string
	Confidence     float64
	Fallback       bool
	FallbackReason string
}

type reply struct {
	Targets    []replyTarget `json:"targets"`
	Confidence *float64      `json:"confidence"`
	Mode       string        `json:"mode,omitempty"`
	Join       string        `json:"join,omitempty"`
}

type replyTarget struct {
	Name       string        `json:"name"`
	SubPayload string        `json:"sub_payload"`
	SpanRefs   []domain.Span `json:"span_refs,omitempty"`
	DependsOn  []string      `json:"depends_on,omitempty"`
	Priority   int           `json:"priority,omitempty"`
	Required   *bool         `json:"required,omitempty"`
	Capability string        `json:"capability,omitempty"`
}

// parseReply decodes raw against the reply schema, rejecting unknown fields
// and trailing data, and checks it against the source text.
func parseReply(raw []byte, source string) (*reply, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var r reply
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("trailing data after reply object")
	}
	if err := r.validate(source); err != nil {
		return nil, err
	}
	if _, err := fanout.ValidatePlan(r.plan()); err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	return &r, nil
}

func (r *reply) validate(source string) error {
	if len(r.Targets) == 0 {
		return fmt.Errorf("no targets")
	}
	if r.Confidence == nil {
		return fmt.Errorf("confidence missing")
	}
	if c := *r.Confidence; math.IsNaN(c) || c < 0 || c > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", c)
	}
	if r.Mode != "" && !domain.FanoutMode(r.Mode).Valid() {
		return fmt.Errorf("unknown mode %q", r.Mode)
	}
	if r.Join != "" && r.Join != string(domain.JoinAll) && r.Join != string(domain.JoinAny) {
		return fmt.Errorf("unknown join %q", r.Join)
	}

	names := make(map[string]bool, len(r.Targets))
	for _, t := range r.Targets {
		if t.Name == "" {
			return fmt.Errorf("target without name")
		}
		if names[t.Name] {
			return fmt.Errorf("duplicate target %q", t.Name)
		}
		names[t.Name] = true
		if t.SubPayload == "" {
			return fmt.Errorf("target %q has empty sub_payload", t.Name)
		}
		if len(r.Targets) > 1 && len(t.SpanRefs) == 0 {
			return fmt.Errorf("target %q missing span_refs", t.Name)
		}
		for _, s := range t.SpanRefs {
			if s.Start < 0 || s.End > len(source) || s.Start >= s.End {
				return fmt.Errorf("target %q span [%d,%d) outside source of %d bytes", t.Name, s.Start, s.End, len(source))
			}
		}
	}
	for _, t := range r.Targets {
		for _, dep := range t.DependsOn {
			if !names[dep] {
				return fmt.Errorf("target %q depends on unnamed target %q", t.Name, dep)
			}
			if dep == t.Name {
				return fmt.Errorf("target %q depends on itself", t.Name)
			}
		}
	}
	return nil
}

// plan converts a validated reply into fan-out work. Segment ids follow
// reply order; dependencies are rewritten from target names to segment ids.
func (r *reply) plan() domain.Plan {
	ids := make(map[string]string, len(r.Targets))
	for i, t := range r.Targets {
		ids[t.Name] = fmt.Sprintf("s%d", i+1)
	}

	mode := domain.FanoutMode(r.Mode)
	hasDeps := false
	segs := make([]domain.Segment, 0, len(r.Targets))
	for _, t := range r.Targets {
		required := true
		if t.Required != nil {
			required = *t.Required
		}
		var deps []string
		for _, d := range t.DependsOn {
			deps = append(deps, ids[d])
		}
		hasDeps = hasDeps || len(deps) > 0
		segs = append(segs, domain.Segment{
			ID:         ids[t.Name],
			Target:     t.Name,
			Capability: t.Capability,
			Input:      t.SubPayload,
			Spans:      t.SpanRefs,
			Priority:   t.Priority,
			Required:   required,
			DependsOn:  deps,
		})
	}
	if mode == "" {
		mode = domain.ModeParallel
		if hasDeps {
			mode = domain.ModeConditional
		}
	}
	return domain.Plan{Mode: mode, Join: domain.JoinPolicy(r.Join), Segments: segs}
}

func (r *reply) targetNames() []string {
	out := make([]string, len(r.Targets))
	for i, t := range r.Targets {
		out[i] = t.Name
	}
	return out
}

func catchAllPlan(target, text string) domain.Plan {
	return domain.Plan{
		Mode: domain.ModeParallel,
		Segments: []domain.Segment{{
			ID:       "s1",
			Target:   target,
			Input:    text,
			Spans:    []domain.Span{{Start: 0, End: len(text)}},
			Required: true,
		}},
	}
}
