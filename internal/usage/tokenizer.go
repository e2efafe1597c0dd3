package usage

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding covers the whole gpt-5 model family.
const DefaultEncoding = "cl100k_base"

// encodingFor keys tokenizer encodings by logical model family.
var encodingFor = map[string]string{
	"gpt-5.2":    DefaultEncoding,
	"gpt-5.1":    DefaultEncoding,
	"gpt-5-mini": DefaultEncoding,
	"gpt-5-nano": DefaultEncoding,
}

// EncodingForModel resolves the encoding of a logical model, defaulting to
// cl100k_base for anything unmapped.
func EncodingForModel(logicalModel string) string {
	if enc, ok := encodingFor[logicalModel]; ok {
		return enc
	}
	return DefaultEncoding
}

// TiktokenCounter is a Tokenizer backed by tiktoken's BPE tables. The
// underlying encoding loads lazily on first count and is shared across
// requests.
type TiktokenCounter struct {
	encoding string

	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
}

// NewTiktokenCounter constructs a counter for the given encoding name.
func NewTiktokenCounter(encoding string) *TiktokenCounter {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	return &TiktokenCounter{encoding: encoding}
}

// Encoding names the BPE table in use.
func (c *TiktokenCounter) Encoding() string { return c.encoding }

// Count tokenizes text exactly. The first call pays the table load; a load
// failure surfaces as an error on every call so the caller can fall back.
func (c *TiktokenCounter) Count(text string) (int, error) {
	c.once.Do(func() {
		c.enc, c.err = tiktoken.GetEncoding(c.encoding)
	})
	if c.err != nil {
		return 0, fmt.Errorf("usage: load encoding %s: %w", c.encoding, c.err)
	}
	if text == "" {
		return 0, nil
	}
	return len(c.enc.Encode(text, nil, nil)), nil
}
