package retrieval

import (
	"context"
	"fmt"

	"github.com/starford/strata/internal/apperr"
	"github.com/starford/strata/internal/models"
)

// Depth selects how much of a message tree GetMessageView loads.
type Depth string

const (
	DepthSummaryOnly Depth = "summary_only"
	DepthSections    Depth = "sections"
	DepthFull        Depth = "full"
)

// ParseDepth accepts a depth name; empty means summary_only.
func ParseDepth(s string) (Depth, error) {
	switch Depth(s) {
	case "", DepthSummaryOnly:
		return DepthSummaryOnly, nil
	case DepthSections, DepthFull:
		return Depth(s), nil
	}
	return "", fmt.Errorf("retrieval: %w: unknown depth %q", apperr.ErrInvalid, s)
}

// SectionView is a section summary, with its leaves at full depth.
type SectionView struct {
	Summary models.Chunk   `json:"summary"`
	Leaves  []models.Chunk `json:"leaves,omitempty"`
}

// MessageView is a message's tree cut at a depth. Complete is false while
// the hierarchy is still being built; Document may then be nil.
type MessageView struct {
	Message  models.Message `json:"message"`
	Depth    Depth          `json:"depth"`
	Complete bool           `json:"complete"`
	Document *models.Chunk  `json:"document,omitempty"`
	Sections []SectionView  `json:"sections,omitempty"`
	Leaves   []models.Chunk `json:"leaves,omitempty"`
}

// GetMessageView reads a message's tree down to depth. Shallower depths
// read fewer rows: summary_only loads only the document summary.
func (e *Engine) GetMessageView(ctx context.Context, messageID string, depth Depth) (*MessageView, error) {
	if _, err := ParseDepth(string(depth)); err != nil {
		return nil, err
	}
	if depth == "" {
		depth = DepthSummaryOnly
	}
	if depth == DepthFull {
		tree, err := e.store.GetMessageTree(ctx, messageID)
		if err != nil {
			return nil, err
		}
		v := &MessageView{
			Message:  tree.Message,
			Depth:    depth,
			Complete: tree.Message.State == models.StateLinked,
			Document: tree.Document,
			Sections: []SectionView{},
			Leaves:   tree.Leaves,
		}
		for _, s := range tree.Sections {
			v.Sections = append(v.Sections, SectionView{Summary: s.Summary, Leaves: s.Leaves})
		}
		return v, nil
	}

	msg, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	v := &MessageView{Message: *msg, Depth: depth, Complete: msg.State == models.StateLinked}
	levels := []models.Level{models.LevelDocument}
	if depth == DepthSections {
		levels = append(levels, models.LevelSection)
		v.Sections = []SectionView{}
	}
	chunks, err := e.store.ListChunks(ctx, messageID, levels...)
	if err != nil {
		return nil, err
	}
	for i := range chunks {
		c := chunks[i]
		switch c.Level {
		case models.LevelDocument:
			v.Document = &c
		case models.LevelSection:
			v.Sections = append(v.Sections, SectionView{Summary: c})
		}
	}
	return v, nil
}
