// Package anthropic implements the routing collaborator on the Claude
// Messages API.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/tjfontaine/switchboard/internal/collaborator"
	"github.com/tjfontaine/switchboard/internal/core/ports"
	"github.com/tjfontaine/switchboard/internal/pkg/config"
)

const defaultModel = anthropic.ModelClaude3_5Sonnet20241022

// Collaborator asks Claude for a routing decision.
type Collaborator struct {
	client    *anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

var _ ports.Collaborator = (*Collaborator)(nil)

// New creates a Collaborator from configuration. Extra request options are
// appended after the configured ones.
func New(cfg config.CollaboratorConfig, opts ...option.RequestOption) *Collaborator {
	var clientOpts []option.RequestOption
	if cfg.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.BaseURL))
	}
	clientOpts = append(clientOpts, opts...)

	client := anthropic.NewClient(clientOpts...)

	c := &Collaborator{
		client:    &client,
		model:     anthropic.Model(cfg.Model),
		maxTokens: int64(cfg.MaxTokens),
	}
	if c.model == "" {
		c.model = defaultModel
	}
	if c.maxTokens <= 0 {
		c.maxTokens = 1024
	}
	return c
}

func (c *Collaborator) Decide(ctx context.Context, req *ports.CollaboratorRequest) ([]byte, error) {
	user, err := collaborator.UserMessage(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: anthropic.Float(0),
		System:      []anthropic.TextBlockParam{{Text: req.Instructions}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic api error: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}
	return collaborator.ExtractJSON(text.String())
}
