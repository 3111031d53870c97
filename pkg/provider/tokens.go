package provider

import (
	"github.com/pkg/errors"
	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter estimates token usage for persisted turns. Ollama's OpenAI
// surface does not report usage on streams, so counts are computed locally.
type TokenCounter interface {
	Count(text string) int
}

type TiktokenCounter struct {
	codec tokenizer.Codec
}

func NewTiktokenCounter() (*TiktokenCounter, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, errors.Wrap(err, "load cl100k_base codec")
	}
	return &TiktokenCounter{codec: codec}, nil
}

func (c *TiktokenCounter) Count(text string) int {
	if c == nil || text == "" {
		return 0
	}
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return 0
	}
	return len(ids)
}
