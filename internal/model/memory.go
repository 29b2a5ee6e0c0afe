// Package model defines the core memory data types.
package model

import (
	"fmt"
	"strings"
)

// Kind identifies one of the three record tiers.
type Kind string

const (
	KindMemory   Kind = "memory"
	KindSnapshot Kind = "snapshot"
	KindMeta     Kind = "meta"
)

// Kinds lists every record kind, lowest tier first.
var Kinds = []Kind{KindMemory, KindSnapshot, KindMeta}

// Prefix returns the id prefix for records of this kind.
func (k Kind) Prefix() string {
	switch k {
	case KindMemory:
		return "memory_"
	case KindSnapshot:
		return "snapshot_"
	case KindMeta:
		return "meta_"
	}
	return ""
}

// Namespace returns the storage namespace used in index location tags.
func (k Kind) Namespace() string {
	switch k {
	case KindMemory:
		return "memories"
	case KindSnapshot:
		return "snapshots"
	case KindMeta:
		return "meta_snapshots"
	}
	return ""
}

// RefKind returns the kind referenced by records of this kind, or "" for memories.
func (k Kind) RefKind() Kind {
	switch k {
	case KindSnapshot:
		return KindMemory
	case KindMeta:
		return KindSnapshot
	}
	return ""
}

// RefRel names the relation a record of this kind holds to its references.
func (k Kind) RefRel() string {
	switch k {
	case KindSnapshot:
		return "summarizes"
	case KindMeta:
		return "clusters"
	}
	return ""
}

// ParseKind accepts a kind name or its namespace ("memories", "snapshots", "meta_snapshots").
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "memory", "memories", "base":
		return KindMemory, nil
	case "snapshot", "snapshots":
		return KindSnapshot, nil
	case "meta", "meta_snapshot", "meta_snapshots", "meta-snapshot", "meta-snapshots":
		return KindMeta, nil
	}
	return "", &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", s)}
}

// DefaultCategory labels records that carry no category.
const DefaultCategory = "uncategorized"

// Record is implemented by every persisted tier.
type Record interface {
	RecordID() string
	RecordKind() Kind
	RecordTime() Timestamp
	RecordCategory() string
	// References returns the ids of lower-tier records this record summarizes.
	References() []string
	Validate() error
}

// MemoryContext is the structured metadata attached to a BaseMemory.
type MemoryContext struct {
	UserID       string         `json:"user_id" yaml:"user_id"`
	SessionID    string         `json:"session_id" yaml:"session_id"`
	APICall      *APICall       `json:"api_call,omitempty" yaml:"api_call,omitempty"`
	OtherContext map[string]any `json:"other_context,omitempty" yaml:"other_context,omitempty"`
}

// APICall records an external API interaction performed during a turn.
type APICall struct {
	Name     string         `json:"name" yaml:"name"`
	Request  map[string]any `json:"request,omitempty" yaml:"request,omitempty"`
	Response map[string]any `json:"response,omitempty" yaml:"response,omitempty"`
	Error    string         `json:"error,omitempty" yaml:"error,omitempty"`
}

// CategoryHint returns other_context["category"] when it is a non-empty string.
func (c MemoryContext) CategoryHint() string {
	if c.OtherContext == nil {
		return ""
	}
	s, _ := c.OtherContext["category"].(string)
	return strings.TrimSpace(s)
}

// BaseMemory is an immutable record of one conversational turn.
type BaseMemory struct {
	ID        string        `json:"id" yaml:"id"`
	Content   string        `json:"content" yaml:"content"`
	Timestamp Timestamp     `json:"timestamp" yaml:"timestamp"`
	Context   MemoryContext `json:"context" yaml:"context"`
}

func (m *BaseMemory) RecordID() string      { return m.ID }
func (m *BaseMemory) RecordKind() Kind      { return KindMemory }
func (m *BaseMemory) RecordTime() Timestamp { return m.Timestamp }
func (m *BaseMemory) References() []string  { return nil }

// RecordCategory is the context category hint, or DefaultCategory.
func (m *BaseMemory) RecordCategory() string {
	if c := m.Context.CategoryHint(); c != "" {
		return c
	}
	return DefaultCategory
}

// Validate checks required fields.
func (m *BaseMemory) Validate() error {
	if err := validateID(KindMemory, m.ID); err != nil {
		return err
	}
	if strings.TrimSpace(m.Content) == "" {
		return &ValidationError{Field: "content", Reason: "must not be empty"}
	}
	if m.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "must be set"}
	}
	return nil
}

// MemorySnapshot summarizes a set of BaseMemory records.
type MemorySnapshot struct {
	ID         string    `json:"id" yaml:"id"`
	KeyPoints  []string  `json:"key_points" yaml:"key_points"`
	MemoryRefs []string  `json:"memory_refs" yaml:"memory_refs"`
	Category   string    `json:"category" yaml:"category"`
	Timestamp  Timestamp `json:"timestamp" yaml:"timestamp"`
	Importance float64   `json:"importance" yaml:"importance"`
}

func (s *MemorySnapshot) RecordID() string       { return s.ID }
func (s *MemorySnapshot) RecordKind() Kind       { return KindSnapshot }
func (s *MemorySnapshot) RecordTime() Timestamp  { return s.Timestamp }
func (s *MemorySnapshot) RecordCategory() string { return s.Category }
func (s *MemorySnapshot) References() []string   { return s.MemoryRefs }

// Validate checks required fields and the importance range.
func (s *MemorySnapshot) Validate() error {
	if err := validateID(KindSnapshot, s.ID); err != nil {
		return err
	}
	if len(s.MemoryRefs) == 0 {
		return &ValidationError{Field: "memory_refs", Reason: "must not be empty"}
	}
	if strings.TrimSpace(s.Category) == "" {
		return &ValidationError{Field: "category", Reason: "must not be empty"}
	}
	if s.Importance < 0 || s.Importance > 1 {
		return &ValidationError{Field: "importance", Reason: fmt.Sprintf("%v outside [0,1]", s.Importance)}
	}
	if s.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "must be set"}
	}
	return nil
}

// MetaSnapshot summarizes a set of same-category MemorySnapshots.
type MetaSnapshot struct {
	ID           string    `json:"id" yaml:"id"`
	Category     string    `json:"category" yaml:"category"`
	Keywords     []string  `json:"keywords" yaml:"keywords"`
	SnapshotRefs []string  `json:"snapshot_refs" yaml:"snapshot_refs"`
	Description  string    `json:"description" yaml:"description"`
	Timestamp    Timestamp `json:"timestamp" yaml:"timestamp"`
}

func (m *MetaSnapshot) RecordID() string       { return m.ID }
func (m *MetaSnapshot) RecordKind() Kind       { return KindMeta }
func (m *MetaSnapshot) RecordTime() Timestamp  { return m.Timestamp }
func (m *MetaSnapshot) RecordCategory() string { return m.Category }
func (m *MetaSnapshot) References() []string   { return m.SnapshotRefs }

// Validate checks required fields.
func (m *MetaSnapshot) Validate() error {
	if err := validateID(KindMeta, m.ID); err != nil {
		return err
	}
	if len(m.SnapshotRefs) == 0 {
		return &ValidationError{Field: "snapshot_refs", Reason: "must not be empty"}
	}
	if strings.TrimSpace(m.Category) == "" {
		return &ValidationError{Field: "category", Reason: "must not be empty"}
	}
	if m.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "must be set"}
	}
	return nil
}

// IndexEntry is one row of the record index.
type IndexEntry struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"type"`
	Path      string    `json:"path"`
	Timestamp Timestamp `json:"timestamp"`
	Category  string    `json:"category,omitempty"`
}

// NewRecord returns an empty record of the given kind, ready for decoding.
func NewRecord(k Kind) (Record, error) {
	switch k {
	case KindMemory:
		return &BaseMemory{}, nil
	case KindSnapshot:
		return &MemorySnapshot{}, nil
	case KindMeta:
		return &MetaSnapshot{}, nil
	}
	return nil, &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", k)}
}

// ClampImportance bounds v to [0,1].
func ClampImportance(v float64) float64 {
	if v != v { // NaN
		return 0.5
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func validateID(k Kind, id string) error {
	if !strings.HasPrefix(id, k.Prefix()) || len(id) == len(k.Prefix()) {
		return &ValidationError{Field: "id", Reason: fmt.Sprintf("%q must start with %q", id, k.Prefix())}
	}
	return nil
}
