package fanout

import (
	"slices"

	"github.com/tjfontaine/switchboard/internal/core/domain"
)

// ValidatePlan checks plan structure and, for conditional plans, returns the
// dependency waves in execution order. Routing runs the same check so a plan
// it hands to workers is one the executor accepts.
func ValidatePlan(plan domain.Plan) ([][]domain.Segment, error) {
	if plan.Mode != "" && !plan.Mode.Valid() {
		return nil, domain.ErrValidation("unknown fan-out mode %q", plan.Mode)
	}
	if plan.Join != "" && plan.Join != domain.JoinAll && plan.Join != domain.JoinAny {
		return nil, domain.ErrValidation("unknown join policy %q", plan.Join)
	}
	if len(plan.Segments) == 0 {
		return nil, domain.ErrValidation("plan has no segments")
	}

	seen := make(map[string]bool, len(plan.Segments))
	for _, seg := range plan.Segments {
		if seg.ID == "" || seg.Target == "" {
			return nil, domain.ErrValidation("segment missing id or target")
		}
		if seen[seg.ID] {
			return nil, domain.ErrValidation("duplicate segment id %q", seg.ID)
		}
		seen[seg.ID] = true
	}

	if plan.Mode != domain.ModeConditional {
		return nil, nil
	}
	return waves(plan.Segments)
}

// waves layers segments so each one follows all of its dependencies. Order
// within a wave follows the plan.
func waves(segs []domain.Segment) ([][]domain.Segment, error) {
	index := make(map[string]int, len(segs))
	for i, s := range segs {
		index[s.ID] = i
	}

	indegree := make([]int, len(segs))
	dependents := make([][]int, len(segs))
	for i, s := range segs {
		for _, dep := range s.DependsOn {
			j, ok := index[dep]
			if !ok {
				return nil, domain.ErrValidation("segment %q depends on unknown segment %q", s.ID, dep)
			}
			if j == i {
				return nil, domain.ErrValidation("segment %q depends on itself", s.ID)
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	var out [][]domain.Segment
	var current []int
	for i, d := range indegree {
		if d == 0 {
			current = append(current, i)
		}
	}
	placed := 0
	for len(current) > 0 {
		wave := make([]domain.Segment, 0, len(current))
		var next []int
		for _, i := range current {
			wave = append(wave, segs[i])
			for _, k := range dependents[i] {
				indegree[k]--
				if indegree[k] == 0 {
					next = append(next, k)
				}
			}
		}
		placed += len(current)
		out = append(out, wave)
		slices.Sort(next)
		current = next
	}
	if placed != len(segs) {
		return nil, domain.ErrValidation("segment dependencies form a cycle")
	}
	return out, nil
}
