// Package tokens estimates token usage for buffered responses. The
// upstream service never reports usage itself, so counts are computed
// locally with tiktoken and marked as approximations.
package tokens

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"
)

// estimatorDivisor is the chars-per-token ratio used when no codec is
// available for a model.
const estimatorDivisor = 4

// Counter counts tokens with a tiktoken codec, falling back to a
// character-based estimate for models tiktoken does not know.
type Counter struct {
	mu     sync.RWMutex
	codecs map[tokenizer.Encoding]tokenizer.Codec
}

// NewCounter creates a Counter.
func NewCounter() *Counter {
	return &Counter{codecs: make(map[tokenizer.Encoding]tokenizer.Codec)}
}

// CountText returns the token count of text under model's encoding.
func (c *Counter) CountText(model, text string) int {
	if text == "" {
		return 0
	}
	codec, err := c.codec(model)
	if err != nil {
		return estimate(text)
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return estimate(text)
	}
	return len(ids)
}

// codec resolves and caches the codec for a model. Proprietary upstream
// models resolve to cl100k_base, which tracks modern vocabularies
// closely enough for accounting purposes.
func (c *Counter) codec(model string) (tokenizer.Codec, error) {
	encoding := modelEncoding(model)

	c.mu.RLock()
	if cached, ok := c.codecs[encoding]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.codecs[encoding] = codec
	c.mu.Unlock()
	return codec, nil
}

func modelEncoding(model string) tokenizer.Encoding {
	model = strings.ToLower(model)
	switch {
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "gpt-5"), strings.HasPrefix(model, "o1"):
		return tokenizer.O200kBase
	default:
		return tokenizer.Cl100kBase
	}
}

// estimate approximates token usage by rune count when no codec applies.
func estimate(text string) int {
	n := utf8.RuneCountInString(text)
	count := n / estimatorDivisor
	if n%estimatorDivisor != 0 {
		count++
	}
	return count
}
