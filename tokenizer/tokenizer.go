// Package tokenizer counts tokens for indexed chunks. Exact counting
// uses tiktoken; when no model is configured or encoding init fails,
// counting falls back to a length-based estimate.
package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter counts tokens in chunk text.
type Counter interface {
	CountTokens(text string) int
	Name() string
}

// modelEncodings maps model names to their tiktoken encoding.
var modelEncodings = map[string]string{
	"gpt-4o":                 "o200k_base",
	"gpt-4o-mini":            "o200k_base",
	"gpt-4-turbo":            "cl100k_base",
	"gpt-4":                  "cl100k_base",
	"gpt-3.5-turbo":          "cl100k_base",
	"text-embedding-3-large": "cl100k_base",
	"text-embedding-3-small": "cl100k_base",
}

// New returns a tiktoken-backed counter for the model, or the estimator
// when model is empty.
func New(model string) Counter {
	if model == "" {
		return Estimator{}
	}
	encoding, ok := modelEncodings[model]
	if !ok {
		// Longest prefix match covers dated model variants; "gpt-4o-..."
		// must not fall back to the "gpt-4" encoding.
		best := ""
		for prefix, enc := range modelEncodings {
			if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
				best = prefix
				encoding = enc
				ok = true
			}
		}
	}
	if !ok {
		encoding = "cl100k_base"
	}
	return &tiktokenCounter{model: model, encoding: encoding}
}

// tiktokenCounter initializes its encoding lazily; the first use may
// download encoding data.
type tiktokenCounter struct {
	model    string
	encoding string
	enc      *tiktoken.Tiktoken
	once     sync.Once
	initErr  error
}

func (t *tiktokenCounter) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

// CountTokens returns the exact token count, estimating when the
// encoding is unavailable.
func (t *tiktokenCounter) CountTokens(text string) int {
	if err := t.init(); err != nil {
		return Estimator{}.CountTokens(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

func (t *tiktokenCounter) Name() string {
	return fmt.Sprintf("tiktoken[%s]", t.encoding)
}

// Estimator approximates one token per four bytes, the usual English
// prose ratio.
type Estimator struct{}

func (Estimator) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}

func (Estimator) Name() string { return "estimator" }
