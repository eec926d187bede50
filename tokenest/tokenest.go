// Package tokenest estimates token counts for prompts the kernel
// itself never sends through a full model-specific tokenizer: the
// orchestrator's validation step needs a budget check before any
// backend call, which should not block on the candidate backends'
// native tokenizers (spec §4.10). The Judge strategy does not use it.
// This is advisory only — never used to alter routing decisions, only
// to bound requests.
package tokenest

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator counts tokens against a fixed encoding, defaulting to
// cl100k_base (the encoding shared by the broadest family of
// providers this kernel fronts).
type Estimator struct {
	encoding string

	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

// New builds an Estimator for the given tiktoken encoding name. An
// empty name defaults to "cl100k_base".
func New(encoding string) *Estimator {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &Estimator{encoding: encoding}
}

func (e *Estimator) init() error {
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding(e.encoding)
		if err != nil {
			e.initErr = fmt.Errorf("tokenest: init encoding %s: %w", e.encoding, err)
			return
		}
		e.enc = enc
	})
	return e.initErr
}

// Count estimates the number of tokens in text.
func (e *Estimator) Count(text string) (int, error) {
	if err := e.init(); err != nil {
		return 0, err
	}
	return len(e.enc.Encode(text, nil, nil)), nil
}

// FitsBudget reports whether text's estimated token count is within
// maxTokens, used by the orchestrator's validation step (spec §4.8)
// to reject prompts before any backend is invoked.
func (e *Estimator) FitsBudget(text string, maxTokens int) (bool, int, error) {
	n, err := e.Count(text)
	if err != nil {
		return false, 0, err
	}
	return n <= maxTokens, n, nil
}
