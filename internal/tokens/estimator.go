// Package tokens estimates prompt sizes for routing and planning. Exact
// billing counts always come from provider responses; these estimates feed
// complexity scoring, plan task budgets, and context-window checks only.
package tokens

import (
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// charsPerToken is the heuristic rate for models without a local tokenizer.
const charsPerToken = 4.0

// Estimator counts tokens with tiktoken where an encoding exists and falls
// back to a character heuristic elsewhere. Safe for concurrent use.
type Estimator struct {
	mu    sync.RWMutex
	cache map[tokenizer.Encoding]tokenizer.Codec
}

// NewEstimator creates an estimator.
func NewEstimator() *Estimator {
	return &Estimator{cache: make(map[tokenizer.Encoding]tokenizer.Codec)}
}

// EstimateText returns the approximate token count of text for model.
func (e *Estimator) EstimateText(model, text string) int {
	if text == "" {
		return 0
	}
	if enc, ok := encodingFor(model); ok {
		if codec := e.codec(enc); codec != nil {
			if ids, _, err := codec.Encode(text); err == nil {
				return len(ids)
			}
		}
	}
	return int(float64(len(text)) / charsPerToken)
}

func (e *Estimator) codec(enc tokenizer.Encoding) tokenizer.Codec {
	e.mu.RLock()
	if c, ok := e.cache[enc]; ok {
		e.mu.RUnlock()
		return c
	}
	e.mu.RUnlock()

	c, err := tokenizer.Get(enc)
	if err != nil {
		return nil
	}

	e.mu.Lock()
	e.cache[enc] = c
	e.mu.Unlock()
	return c
}

// encodingFor maps OpenAI model families to their tiktoken encoding.
// Anthropic and Gemini vocabularies are proprietary; those models use the
// character heuristic instead of a mismatched encoding.
func encodingFor(model string) (tokenizer.Encoding, bool) {
	model = strings.ToLower(model)
	switch {
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "o4"):
		return tokenizer.O200kBase, true
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "gpt-3.5"):
		return tokenizer.Cl100kBase, true
	}
	return "", false
}
