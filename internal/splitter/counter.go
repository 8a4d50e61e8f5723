package splitter

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// Counter measures text in tokens.
type Counter interface {
	Count(text string) int
	Name() string
}

// WordCounter approximates tokens as whitespace-separated words. It needs no
// network access and is the default for tests and offline runs.
type WordCounter struct{}

func (WordCounter) Count(text string) int { return len(strings.Fields(text)) }

func (WordCounter) Name() string { return "words" }

// TiktokenCounter counts BPE tokens with a tiktoken encoding.
type TiktokenCounter struct {
	enc      *tiktoken.Tiktoken
	encoding string
}

// NewTiktokenCounter loads the named encoding (e.g. "cl100k_base"). The first
// load downloads the BPE ranks unless they are already cached on disk.
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("splitter: load encoding %q: %w", encoding, err)
	}
	return &TiktokenCounter{enc: enc, encoding: encoding}, nil
}

func (c *TiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

func (c *TiktokenCounter) Name() string { return "tiktoken:" + c.encoding }

// NewCounter builds the counter named by kind ("words" or "tiktoken").
func NewCounter(kind, encoding string) (Counter, error) {
	switch kind {
	case "", "words":
		return WordCounter{}, nil
	case "tiktoken":
		if encoding == "" {
			encoding = "cl100k_base"
		}
		return NewTiktokenCounter(encoding)
	default:
		return nil, fmt.Errorf("splitter: unknown tokenizer %q", kind)
	}
}
