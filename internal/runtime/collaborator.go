package runtime

import (
	"fmt"

	"github.com/tjfontaine/switchboard/internal/collaborator/anthropic"
	"github.com/tjfontaine/switchboard/internal/collaborator/openai"
	"github.com/tjfontaine/switchboard/internal/core/ports"
	"github.com/tjfontaine/switchboard/internal/pkg/config"
)

// newCollaborator builds the routing collaborator named by cfg.Type. A nil
// collaborator is valid: every request then takes the catch-all path.
func newCollaborator(cfg config.CollaboratorConfig) (ports.Collaborator, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "anthropic":
		if cfg.APIKey == "" && cfg.BaseURL == "" {
			return nil, fmt.Errorf("collaborator.api_key is required for anthropic")
		}
		return anthropic.New(cfg), nil
	case "openai":
		if cfg.APIKey == "" && cfg.BaseURL == "" {
			return nil, fmt.Errorf("collaborator.api_key is required for openai")
		}
		return openai.New(cfg), nil
	default:
		return nil, fmt.Errorf("unknown collaborator type: %s", cfg.Type)
	}
}
