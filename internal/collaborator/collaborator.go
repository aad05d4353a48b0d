// Package collaborator holds the pieces shared by the LLM-backed routing
// collaborators.
package collaborator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tjfontaine/switchboard/internal/core/ports"
)

// ErrNoJSON is returned when a reply contains no JSON object.
var ErrNoJSON = errors.New("reply contains no JSON object")

// UserMessage renders the data half of a collaborator request. Instructions
// are excluded; they go in the system prompt.
func UserMessage(req *ports.CollaboratorRequest) (string, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode collaborator request: %w", err)
	}
	return string(b), nil
}

// ExtractJSON returns the outermost JSON object in text, tolerating code
// fences and surrounding prose. The object itself is validated by the caller.
func ExtractJSON(text string) ([]byte, error) {
	b := []byte(text)
	start := bytes.IndexByte(b, '{')
	end := bytes.LastIndexByte(b, '}')
	if start < 0 || end < start {
		return nil, ErrNoJSON
	}
	return b[start : end+1], nil
}
