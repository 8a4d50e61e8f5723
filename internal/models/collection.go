// Package models defines the domain types of the hierarchical chunk store.
package models

import "time"

// CollectionType tags what a collection was created from.
type CollectionType string

const (
	CollectionConversation CollectionType = "conversation"
	CollectionSession      CollectionType = "session"
	CollectionDocument     CollectionType = "document"
	CollectionArchive      CollectionType = "archive"
)

// Valid reports whether t is a known collection type.
func (t CollectionType) Valid() bool {
	switch t {
	case CollectionConversation, CollectionSession, CollectionDocument, CollectionArchive:
		return true
	}
	return false
}

// Collection is a top-level container of messages.
type Collection struct {
	ID             string         `json:"id"`
	Type           CollectionType `json:"type"`
	Title          string         `json:"title,omitempty"`
	SourcePlatform string         `json:"source_platform,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	MessageCount   int            `json:"message_count"`
	ChunkCount     int            `json:"chunk_count"`
	TokenCount     int            `json:"token_count"`
	CreatedAt      time.Time      `json:"created_at"`
}
