package models

import "time"

// Media is a binary asset linked to a message. Derived text (OCR,
// transcription) lives in ordinary chunks listed in GeneratedChunkIDs.
type Media struct {
	ID                string    `json:"id"`
	CollectionID      string    `json:"collection_id"`
	MessageID         string    `json:"message_id,omitempty"`
	Filename          string    `json:"filename"`
	MimeType          string    `json:"mime_type"`
	Size              int64     `json:"size"`
	Checksum          string    `json:"checksum"`
	BlobPath          string    `json:"-"`
	GeneratedChunkIDs []string  `json:"generated_chunk_ids"`
	CreatedAt         time.Time `json:"created_at"`
}

// BlobInfo describes a stored media blob.
type BlobInfo struct {
	Path      string    `json:"path"`
	Checksum  string    `json:"checksum"`
	Size      int64     `json:"size"`
	UpdatedAt time.Time `json:"updated_at"`
}
