package models

import "time"

// HierarchyState is the position of a message in the hierarchy build.
type HierarchyState string

const (
	StateEmpty                  HierarchyState = "empty"
	StateLeavesCreated          HierarchyState = "leaves_created"
	StateSectionsCreated        HierarchyState = "sections_created"
	StateDocumentSummaryCreated HierarchyState = "document_summary_created"
	StateLinked                 HierarchyState = "linked"
)

var stateRank = map[HierarchyState]int{
	StateEmpty:                  0,
	StateLeavesCreated:          1,
	StateSectionsCreated:        2,
	StateDocumentSummaryCreated: 3,
	StateLinked:                 4,
}

// Rank orders states; unknown states rank below StateEmpty.
func (s HierarchyState) Rank() int {
	if r, ok := stateRank[s]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether s is at or past other.
func (s HierarchyState) AtLeast(other HierarchyState) bool {
	return s.Rank() >= other.Rank()
}

// Next returns the state that follows s, or s itself when s is terminal.
func (s HierarchyState) Next() HierarchyState {
	switch s {
	case StateEmpty:
		return StateLeavesCreated
	case StateLeavesCreated:
		return StateSectionsCreated
	case StateSectionsCreated:
		return StateDocumentSummaryCreated
	case StateDocumentSummaryCreated:
		return StateLinked
	}
	return s
}

// MessageStatus is the user-visible ingestion status of a message.
type MessageStatus string

const (
	StatusPending  MessageStatus = "pending"
	StatusPartial  MessageStatus = "partial"
	StatusComplete MessageStatus = "complete"
	StatusFailed   MessageStatus = "failed"
)

// StatusFor derives the status reported for a message in state s.
func StatusFor(s HierarchyState) MessageStatus {
	switch s {
	case StateEmpty:
		return StatusPending
	case StateLinked:
		return StatusComplete
	}
	return StatusPartial
}

// Message is one unit of authored content within a collection.
type Message struct {
	ID              string         `json:"id"`
	CollectionID    string         `json:"collection_id"`
	Sequence        int            `json:"sequence"`
	Role            string         `json:"role"`
	ParentMessageID string         `json:"parent_message_id,omitempty"`
	Content         string         `json:"content,omitempty"`
	SummaryChunkID  string         `json:"summary_chunk_id,omitempty"`
	State           HierarchyState `json:"state"`
	Status          MessageStatus  `json:"status"`
	LastError       string         `json:"last_error,omitempty"`
	SourceRef       string         `json:"source_ref,omitempty"`
	Metadata        Metadata       `json:"metadata"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}
