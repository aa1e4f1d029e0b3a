// Package tokens estimates token counts for metering. Counts are
// approximations and never affect what the client receives.
package tokens

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"
)

// Counter estimates the number of tokens in a piece of text.
type Counter interface {
	Count(text string) int
	Name() string
}

// CharCounter estimates one token per four characters, rounded down.
type CharCounter struct{}

func (CharCounter) Count(text string) int {
	return utf8.RuneCountInString(text) / 4
}

func (CharCounter) Name() string { return "chars" }

// TiktokenCounter counts tokens with the cl100k_base BPE encoding. Encoding
// failures fall back to the character estimate.
type TiktokenCounter struct {
	once     sync.Once
	codec    tokenizer.Codec
	err      error
	fallback CharCounter
}

func NewTiktokenCounter() (*TiktokenCounter, error) {
	c := &TiktokenCounter{}
	if _, err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *TiktokenCounter) load() (tokenizer.Codec, error) {
	c.once.Do(func() {
		c.codec, c.err = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return c.codec, c.err
}

func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	codec, err := c.load()
	if err != nil {
		return c.fallback.Count(text)
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return c.fallback.Count(text)
	}
	return len(ids)
}

func (c *TiktokenCounter) Name() string { return "tiktoken" }

// New returns the counter registered under name.
func New(name string) (Counter, error) {
	switch name {
	case "", "chars":
		return CharCounter{}, nil
	case "tiktoken":
		return NewTiktokenCounter()
	default:
		return nil, fmt.Errorf("unknown token counter %q", name)
	}
}
