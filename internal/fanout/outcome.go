package fanout

import (
	"github.com/tjfontaine/switchboard/internal/core/domain"
)

// Outcome aggregates the results of one plan, ordered by priority, then
// target name, then segment id.
type Outcome struct {
	Results []domain.SegmentResult
}

// Errored reports whether any required segment did not succeed.
func (o *Outcome) Errored() bool {
	return o.Err() != nil
}

// Err returns the error of the first required segment that did not succeed.
func (o *Outcome) Err() *domain.DispatchError {
	for i := range o.Results {
		r := &o.Results[i]
		if !r.Required || r.Status == domain.SegmentOK {
			continue
		}
		if r.Error != nil {
			return r.Error
		}
		return domain.NewDispatchError(domain.ErrorClassInternal, "required segment "+r.SegmentID+" did not complete").WithTarget(r.Target)
	}
	return nil
}

// Primary returns the highest-ranked successful result.
func (o *Outcome) Primary() (domain.SegmentResult, bool) {
	for _, r := range o.Results {
		if r.Status == domain.SegmentOK {
			return r, true
		}
	}
	return domain.SegmentResult{}, false
}

// Failed counts results that are not ok.
func (o *Outcome) Failed() int {
	n := 0
	for _, r := range o.Results {
		if r.Status != domain.SegmentOK {
			n++
		}
	}
	return n
}
