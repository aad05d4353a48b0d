package target

import (
	"context"

	"github.com/tjfontaine/switchboard/internal/core/domain"
	"github.com/tjfontaine/switchboard/internal/core/ports"
)

// Mux routes each send to the transport for the target's kind.
type Mux struct {
	HTTP  ports.Transport
	Local *LocalTransport
}

var _ ports.Transport = (*Mux)(nil)

// NewMux wires the default transports.
func NewMux(httpTransport ports.Transport, local *LocalTransport) *Mux {
	if httpTransport == nil {
		httpTransport = NewHTTPTransport(nil)
	}
	if local == nil {
		local = NewLocalTransport()
	}
	return &Mux{HTTP: httpTransport, Local: local}
}

// Supports checks, before any transport call, that t can take seg.
func (m *Mux) Supports(t *domain.TargetEligibility, seg domain.Segment) error {
	switch t.Kind {
	case domain.TargetKindHTTP:
		if t.Endpoint == "" {
			return domain.ErrValidation("http target %s has no endpoint", t.Name).WithTarget(t.Name)
		}
	case domain.TargetKindLocal:
		if m.Local == nil || !m.Local.Has(t.Name) {
			return domain.ErrValidation("local target %s has no handler", t.Name).WithTarget(t.Name)
		}
	default:
		return domain.ErrValidation("target %s has unsupported kind %q", t.Name, t.Kind).WithTarget(t.Name)
	}
	if !t.HasCapability(seg.Capability) {
		return domain.ErrValidation("target %s lacks capability %q", t.Name, seg.Capability).WithTarget(t.Name)
	}
	return nil
}

func (m *Mux) Send(ctx context.Context, t *domain.TargetEligibility, req *domain.DispatchRequest) (*domain.DispatchResponse, error) {
	switch t.Kind {
	case domain.TargetKindHTTP:
		return m.HTTP.Send(ctx, t, req)
	case domain.TargetKindLocal:
		return m.Local.Send(ctx, t, req)
	default:
		return nil, domain.ErrValidation("target %s has unsupported kind %q", t.Name, t.Kind).WithTarget(t.Name)
	}
}
