// Package openai implements the routing collaborator on Chat Completions.
package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/tjfontaine/switchboard/internal/collaborator"
	"github.com/tjfontaine/switchboard/internal/core/ports"
	"github.com/tjfontaine/switchboard/internal/pkg/config"
)

const defaultModel = openai.ChatModelGPT4oMini

// Collaborator asks an OpenAI-compatible chat model for a routing decision.
type Collaborator struct {
	client    *openai.Client
	model     openai.ChatModel
	maxTokens int64
}

var _ ports.Collaborator = (*Collaborator)(nil)

// New creates a Collaborator from configuration.
func New(cfg config.CollaboratorConfig, opts ...option.RequestOption) *Collaborator {
	var clientOpts []option.RequestOption
	if cfg.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.BaseURL))
	}
	clientOpts = append(clientOpts, opts...)

	client := openai.NewClient(clientOpts...)

	c := &Collaborator{
		client:    &client,
		model:     openai.ChatModel(cfg.Model),
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

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.Instructions),
			openai.UserMessage(user),
		},
		MaxCompletionTokens: openai.Int(c.maxTokens),
		Temperature:         openai.Float(0),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}
	return collaborator.ExtractJSON(resp.Choices[0].Message.Content)
}
