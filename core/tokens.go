package core

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates the encoded token size of text for a given model.
// The session history trimmer uses it to enforce per-model token budgets.
type TokenCounter interface {
	Count(model, text string) int
}

// TokenCounterFunc adapts a plain function to the TokenCounter interface.
type TokenCounterFunc func(model, text string) int

// Count implements TokenCounter.
func (f TokenCounterFunc) Count(model, text string) int { return f(model, text) }

// tiktokenCounter counts with the model's BPE encoding, caching encodings per
// model. When the encoding cannot be resolved it falls back to a bytes/4
// heuristic so history trimming degrades rather than fails.
type tiktokenCounter struct {
	mu    sync.Mutex
	cache map[string]*tiktoken.Tiktoken
}

var defaultCounter TokenCounter = &tiktokenCounter{cache: map[string]*tiktoken.Tiktoken{}}

func (c *tiktokenCounter) Count(model, text string) int {
	c.mu.Lock()
	enc, ok := c.cache[model]
	if !ok {
		var err error
		enc, err = tiktoken.EncodingForModel(model)
		if err != nil {
			enc, err = tiktoken.GetEncoding("cl100k_base")
		}
		if err != nil {
			enc = nil
		}
		c.cache[model] = enc
	}
	c.mu.Unlock()

	if enc == nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}
