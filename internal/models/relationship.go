package models

import "time"

// RelationKind is the type of a cross-cutting chunk edge.
type RelationKind string

const (
	RelCites          RelationKind = "cites"
	RelRespondsTo     RelationKind = "responds_to"
	RelTransformsInto RelationKind = "transforms_into"
	RelDerivedFrom    RelationKind = "derived_from"
	RelContradicts    RelationKind = "contradicts"
	RelSupports       RelationKind = "supports"
)

// RelationKinds lists every known kind.
var RelationKinds = []RelationKind{
	RelCites, RelRespondsTo, RelTransformsInto, RelDerivedFrom, RelContradicts, RelSupports,
}

// Valid reports whether k is a known relationship kind.
func (k RelationKind) Valid() bool {
	for _, known := range RelationKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ChunkRelationship is a typed, directed, weighted edge between two chunks.
// Unlike summary edges these may cross collections and may form cycles.
type ChunkRelationship struct {
	ID        string       `json:"id"`
	SourceID  string       `json:"source_chunk_id"`
	TargetID  string       `json:"target_chunk_id"`
	Kind      RelationKind `json:"kind"`
	Strength  float64      `json:"strength"`
	Metadata  Metadata     `json:"metadata"`
	CreatedAt time.Time    `json:"created_at"`
}

// Direction restricts relationship traversal.
type Direction string

const (
	DirectionBoth     Direction = "both"
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// Related is one chunk reached by relationship traversal.
type Related struct {
	ChunkID string            `json:"chunk_id"`
	Depth   int               `json:"depth"`
	Via     ChunkRelationship `json:"via"`
}
