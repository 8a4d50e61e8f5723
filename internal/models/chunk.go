package models

import (
	"fmt"
	"time"
)

// Level is the granularity of a chunk.
type Level string

const (
	LevelBase     Level = "base"
	LevelSection  Level = "section"
	LevelDocument Level = "document"
)

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	return l == LevelBase || l == LevelSection || l == LevelDocument
}

// Rank orders levels from leaves (0) up to the document summary (2).
func (l Level) Rank() int {
	switch l {
	case LevelBase:
		return 0
	case LevelSection:
		return 1
	case LevelDocument:
		return 2
	}
	return -1
}

// SummaryKind says what a summary chunk condenses.
type SummaryKind string

const (
	SummaryNone     SummaryKind = ""
	SummarySection  SummaryKind = "section"
	SummaryDocument SummaryKind = "document"
)

// Span is a half-open byte range into a message's original text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of bytes covered.
func (s Span) Len() int { return s.End - s.Start }

// Chunk is text at one granularity level. Content is immutable once stored;
// only the embedding may be replaced, and only wholesale.
type Chunk struct {
	ID             string      `json:"id"`
	MessageID      string      `json:"message_id"`
	Content        string      `json:"content"`
	Level          Level       `json:"level"`
	Sequence       int         `json:"sequence"`
	Span           *Span       `json:"span,omitempty"`
	Paragraph      int         `json:"paragraph"`
	TokenCount     int         `json:"token_count"`
	IsSummary      bool        `json:"is_summary"`
	SummaryKind    SummaryKind `json:"summary_kind,omitempty"`
	Summarizes     []string    `json:"summarizes,omitempty"`
	Embedding      []float32   `json:"-"`
	EmbeddingModel string      `json:"embedding_model,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// HasEmbedding reports whether a vector has been attached.
func (c *Chunk) HasEmbedding() bool { return len(c.Embedding) > 0 }

// Validate checks the leaf/summary shape of a chunk. It does not check that
// summarized chunks exist; the store does that inside its write transaction.
func (c *Chunk) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("chunk: id is required")
	}
	if c.MessageID == "" {
		return fmt.Errorf("chunk %s: message id is required", c.ID)
	}
	if !c.Level.Valid() {
		return fmt.Errorf("chunk %s: unknown level %q", c.ID, c.Level)
	}
	if c.IsSummary {
		if c.Span != nil {
			return fmt.Errorf("chunk %s: summary must not carry a span", c.ID)
		}
		if len(c.Summarizes) == 0 {
			return fmt.Errorf("chunk %s: summary must summarize at least one chunk", c.ID)
		}
		if c.Level == LevelBase {
			return fmt.Errorf("chunk %s: summary cannot be at base level", c.ID)
		}
		switch c.SummaryKind {
		case SummarySection:
			if c.Level != LevelSection {
				return fmt.Errorf("chunk %s: section summary at level %q", c.ID, c.Level)
			}
		case SummaryDocument:
			if c.Level != LevelDocument {
				return fmt.Errorf("chunk %s: document summary at level %q", c.ID, c.Level)
			}
		default:
			return fmt.Errorf("chunk %s: unknown summary kind %q", c.ID, c.SummaryKind)
		}
		seen := make(map[string]struct{}, len(c.Summarizes))
		for _, id := range c.Summarizes {
			if id == c.ID {
				return fmt.Errorf("chunk %s: summary cannot summarize itself", c.ID)
			}
			if _, dup := seen[id]; dup {
				return fmt.Errorf("chunk %s: duplicate child %s", c.ID, id)
			}
			seen[id] = struct{}{}
		}
		return nil
	}
	if c.Level != LevelBase {
		return fmt.Errorf("chunk %s: leaf must be at base level", c.ID)
	}
	if c.Span == nil || c.Span.Start < 0 || c.Span.End <= c.Span.Start {
		return fmt.Errorf("chunk %s: leaf needs a non-empty span", c.ID)
	}
	if len(c.Summarizes) > 0 || c.SummaryKind != SummaryNone {
		return fmt.Errorf("chunk %s: leaf cannot summarize", c.ID)
	}
	return nil
}
