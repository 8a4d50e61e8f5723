package index

import (
	"context"

	"github.com/starford/strata/internal/models"
)

// Section is one section summary with the leaves it condenses.
type Section struct {
	Summary models.Chunk   `json:"summary"`
	Leaves  []models.Chunk `json:"leaves"`
}

// Tree is a message's chunk hierarchy. In partial states Document may be nil
// and Sections empty; Leaves always lists every leaf in sequence order.
type Tree struct {
	Message  models.Message `json:"message"`
	Document *models.Chunk  `json:"document,omitempty"`
	Sections []Section      `json:"sections"`
	Leaves   []models.Chunk `json:"leaves"`
}

// Ordered flattens the tree document first, then each section followed by
// its leaves. Without sections the leaves follow the document directly.
func (t *Tree) Ordered() []models.Chunk {
	var out []models.Chunk
	if t.Document != nil {
		out = append(out, *t.Document)
	}
	if len(t.Sections) == 0 {
		return append(out, t.Leaves...)
	}
	for _, s := range t.Sections {
		out = append(out, s.Summary)
		out = append(out, s.Leaves...)
	}
	return out
}

// GetMessageTree loads the hierarchy of one message.
func (db *DB) GetMessageTree(ctx context.Context, messageID string) (*Tree, error) {
	msg, err := db.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	chunks, err := db.ListChunks(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return buildTree(*msg, chunks), nil
}

func buildTree(msg models.Message, chunks []models.Chunk) *Tree {
	t := &Tree{Message: msg, Sections: []Section{}, Leaves: []models.Chunk{}}
	leaves := make(map[string]models.Chunk)
	var sections []models.Chunk
	for i := range chunks {
		c := chunks[i]
		switch c.Level {
		case models.LevelDocument:
			t.Document = &c
		case models.LevelSection:
			sections = append(sections, c)
		default:
			t.Leaves = append(t.Leaves, c)
			leaves[c.ID] = c
		}
	}
	for _, s := range sections {
		sec := Section{Summary: s, Leaves: make([]models.Chunk, 0, len(s.Summarizes))}
		for _, id := range s.Summarizes {
			if leaf, ok := leaves[id]; ok {
				sec.Leaves = append(sec.Leaves, leaf)
			}
		}
		t.Sections = append(t.Sections, sec)
	}
	return t
}
