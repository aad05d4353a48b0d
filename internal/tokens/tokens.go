// Package tokens measures and trims text against token budgets.
package tokens

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"
)

// Counter counts tokens and trims text to fit a budget.
type Counter interface {
	Count(text string) int
	// Truncate returns the longest prefix of text within max tokens and
	// whether anything was cut.
	Truncate(text string, max int) (string, bool)
}

// TiktokenCounter uses a BPE encoding.
type TiktokenCounter struct {
	codec    tokenizer.Codec
	fallback *Estimator
}

// NewTiktokenCounter loads the named encoding.
func NewTiktokenCounter(enc tokenizer.Encoding) (*TiktokenCounter, error) {
	codec, err := tokenizer.Get(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
	}
	return &TiktokenCounter{codec: codec, fallback: NewEstimator()}, nil
}

func (c *TiktokenCounter) Count(text string) int {
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return c.fallback.Count(text)
	}
	return len(ids)
}

func (c *TiktokenCounter) Truncate(text string, max int) (string, bool) {
	if max <= 0 {
		return "", text != ""
	}
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return c.fallback.Truncate(text, max)
	}
	if len(ids) <= max {
		return text, false
	}
	out, err := c.codec.Decode(ids[:max])
	if err != nil {
		return c.fallback.Truncate(text, max)
	}
	// A cut can land inside a multi-byte rune.
	return strings.ToValidUTF8(out, ""), true
}

// Estimator approximates token counts from byte length. It is the fallback
// when no encoding is available.
type Estimator struct {
	// CharsPerToken is the average characters per token (default: 4)
	CharsPerToken float64
}

// NewEstimator creates a new token estimator.
func NewEstimator() *Estimator {
	return &Estimator{
		CharsPerToken: 4.0, // Reasonable default for most models
	}
}

func (e *Estimator) Count(text string) int {
	return int(math.Ceil(float64(len(text)) / e.CharsPerToken))
}

func (e *Estimator) Truncate(text string, max int) (string, bool) {
	limit := int(float64(max) * e.CharsPerToken)
	if max <= 0 {
		return "", text != ""
	}
	if len(text) <= limit {
		return text, false
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut], true
}

// Default returns a cl100k_base counter, or the estimator when the encoding
// cannot be loaded.
func Default(logger *slog.Logger) Counter {
	c, err := NewTiktokenCounter(tokenizer.Cl100kBase)
	if err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("tokenizer unavailable, estimating token budgets", slog.String("error", err.Error()))
		return NewEstimator()
	}
	return c
}
