package ports

import (
	"context"
)

// IsolatedPayload wraps untrusted inbound text as inert data.
type IsolatedPayload struct {
	Kind    string `json:"kind"`
	Content string `json:"content"`
	SHA256  string `json:"sha256"`
	Length  int    `json:"length"`
}

// ContextItem is one prior message on the same thread.
type ContextItem struct {
	RequestID string `json:"request_id"`
	Text      string `json:"text"`
	State     string `json:"state"`
}

// TargetDescriptor tells the collaborator what a target can do.
type TargetDescriptor struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// CollaboratorRequest is the narrow input contract of the routing collaborator.
// Instructions are fixed text; every untrusted byte lives in Payload or
// RecentContext.
type CollaboratorRequest struct {
	Instructions    string             `json:"-"`
	Payload         IsolatedPayload    `json:"isolated_payload"`
	RecentContext   []ContextItem      `json:"recent_context"`
	EligibleTargets []TargetDescriptor `json:"eligible_targets"`
}

// Collaborator is the external decision-making service. It returns the raw
// structured reply; the caller owns validation.
type Collaborator interface {
	Decide(ctx context.Context, req *CollaboratorRequest) ([]byte, error)
}

// CollaboratorFunc adapts a function to Collaborator.
type CollaboratorFunc func(ctx context.Context, req *CollaboratorRequest) ([]byte, error)

func (f CollaboratorFunc) Decide(ctx context.Context, req *CollaboratorRequest) ([]byte, error) {
	return f(ctx, req)
}
