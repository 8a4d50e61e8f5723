package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MetadataKind discriminates the Metadata union.
type MetadataKind string

const (
	MetadataNone     MetadataKind = ""
	MetadataBelief   MetadataKind = "belief"
	MetadataToolCall MetadataKind = "tool_call"
	MetadataSource   MetadataKind = "source"
	MetadataOpaque   MetadataKind = "opaque"
)

// BeliefTags carries belief-framework annotations on authored content.
type BeliefTags struct {
	Framework  string   `json:"framework"`
	Tags       []string `json:"tags"`
	Confidence float64  `json:"confidence,omitempty"`
}

// ToolCall records a tool invocation nested inside a conversation turn.
type ToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    string          `json:"result,omitempty"`
}

// SourceFile records where ingested text was read from.
type SourceFile struct {
	Path     string   `json:"path"`
	Checksum string   `json:"checksum"`
	Title    string   `json:"title,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// Metadata is a tagged union of the metadata shapes the store understands.
// Anything else round-trips untouched as MetadataOpaque.
type Metadata struct {
	Kind     MetadataKind
	Belief   *BeliefTags
	ToolCall *ToolCall
	Source   *SourceFile
	Opaque   json.RawMessage
}

// BeliefMetadata wraps b.
func BeliefMetadata(b BeliefTags) Metadata { return Metadata{Kind: MetadataBelief, Belief: &b} }

// ToolCallMetadata wraps t.
func ToolCallMetadata(t ToolCall) Metadata { return Metadata{Kind: MetadataToolCall, ToolCall: &t} }

// SourceMetadata wraps s.
func SourceMetadata(s SourceFile) Metadata { return Metadata{Kind: MetadataSource, Source: &s} }

// OpaqueMetadata keeps raw as-is.
func OpaqueMetadata(raw json.RawMessage) Metadata {
	return Metadata{Kind: MetadataOpaque, Opaque: append(json.RawMessage(nil), raw...)}
}

// IsZero reports whether no metadata is set.
func (m Metadata) IsZero() bool { return m.Kind == MetadataNone }

type metadataEnvelope struct {
	Kind MetadataKind    `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON encodes m as {"kind": ..., "data": ...}; opaque values are
// written back exactly as they were read.
func (m Metadata) MarshalJSON() ([]byte, error) {
	var payload any
	switch m.Kind {
	case MetadataNone:
		return []byte("null"), nil
	case MetadataBelief:
		payload = m.Belief
	case MetadataToolCall:
		payload = m.ToolCall
	case MetadataSource:
		payload = m.Source
	case MetadataOpaque:
		if len(m.Opaque) == 0 {
			return []byte("null"), nil
		}
		return m.Opaque, nil
	default:
		return nil, fmt.Errorf("metadata: unknown kind %q", m.Kind)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(metadataEnvelope{Kind: m.Kind, Data: data})
}

// UnmarshalJSON decodes a known envelope into its typed variant and keeps
// anything unrecognised as opaque.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*m = Metadata{}
		return nil
	}
	var env metadataEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil || len(env.Data) == 0 {
		*m = OpaqueMetadata(trimmed)
		return nil
	}
	switch env.Kind {
	case MetadataBelief:
		var b BeliefTags
		if err := json.Unmarshal(env.Data, &b); err != nil {
			return fmt.Errorf("metadata: belief: %w", err)
		}
		*m = BeliefMetadata(b)
	case MetadataToolCall:
		var t ToolCall
		if err := json.Unmarshal(env.Data, &t); err != nil {
			return fmt.Errorf("metadata: tool_call: %w", err)
		}
		*m = ToolCallMetadata(t)
	case MetadataSource:
		var s SourceFile
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return fmt.Errorf("metadata: source: %w", err)
		}
		*m = SourceMetadata(s)
	default:
		*m = OpaqueMetadata(trimmed)
	}
	return nil
}
