// Package memorystore implements the Memory Store (spec §4.5): CRUD over
// memory records, soft delete, supersede chains, alternatives, and
// reference-graph traversal.
package memorystore

import (
	"encoding/json"
	"time"
)

// Type enumerates the closed set of memory types (spec §3).
type Type string

const (
	TypeDecision    Type = "decision"
	TypeWorld       Type = "world"
	TypeAnomaly     Type = "anomaly"
	TypeExperience  Type = "experience"
	TypeInteraction Type = "interaction"
	TypeProcedure   Type = "procedure"
)

// ValidTypes is the declared set of memory types.
var ValidTypes = map[Type]bool{
	TypeDecision: true, TypeWorld: true, TypeAnomaly: true,
	TypeExperience: true, TypeInteraction: true, TypeProcedure: true,
}

// Priority bounds: -1 background, 0 normal, 1 important, 2 critical.
const (
	PriorityBackground = -1
	PriorityNormal      = 0
	PriorityImportant    = 1
	PriorityCritical     = 2
)

// ClampPriority clamps p to the closed range [-1, 2] (spec §3, §9).
func ClampPriority(p int) int {
	if p < PriorityBackground {
		return PriorityBackground
	}
	if p > PriorityCritical {
		return PriorityCritical
	}
	return p
}

// RefKind discriminates the Ref sum type (spec §3, design note §9).
type RefKind string

const (
	RefKindID          RefKind = "id"
	RefKindAlternative RefKind = "alternative"
	RefKindOther       RefKind = "other"
)

// Ref is one element of a memory's refs list: either a bare ID edge, a
// typed "alternative" entry (decision records only), or an extensible
// typed object the engine doesn't otherwise interpret.
type Ref struct {
	Kind RefKind

	ID string // set when Kind == RefKindID

	Option      string // set when Kind == RefKindAlternative
	Rejected    bool
	RejectedSet bool // whether "rejected" was present at all

	OtherType string         // set when Kind == RefKindOther
	Other     map[string]any // raw decoded fields, for forward compatibility
}

// NewIDRef constructs a plain ID-edge ref.
func NewIDRef(id string) Ref { return Ref{Kind: RefKindID, ID: id} }

// NewAlternativeRef constructs a decision alternative ref.
func NewAlternativeRef(option string, rejected *bool) Ref {
	r := Ref{Kind: RefKindAlternative, Option: option}
	if rejected != nil {
		r.Rejected = *rejected
		r.RejectedSet = true
	}
	return r
}

func (r Ref) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case RefKindID:
		return json.Marshal(r.ID)
	case RefKindAlternative:
		obj := map[string]any{"type": "alternative", "option": r.Option}
		if r.RejectedSet {
			obj["rejected"] = r.Rejected
		}
		return json.Marshal(obj)
	default:
		if r.Other != nil {
			out := make(map[string]any, len(r.Other))
			for k, v := range r.Other {
				out[k] = v
			}
			out["type"] = r.OtherType
			return json.Marshal(out)
		}
		return json.Marshal(map[string]any{"type": r.OtherType})
	}
}

func (r *Ref) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		*r = Ref{Kind: RefKindID, ID: asString}
		return nil
	}

	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}

	typeName, _ := obj["type"].(string)
	switch typeName {
	case "alternative":
		option, _ := obj["option"].(string)
		rejected, hasRejected := obj["rejected"].(bool)
		*r = Ref{Kind: RefKindAlternative, Option: option, Rejected: rejected, RejectedSet: hasRejected}
	default:
		*r = Ref{Kind: RefKindOther, OtherType: typeName, Other: obj}
	}
	return nil
}

// Memory is an observation record (spec §3).
type Memory struct {
	ID         string
	Type       Type
	T          time.Time
	Summary    string
	Confidence *float64
	Tags       []string
	Refs       []Ref
	Priority   int
	SessionID  string
	ValidFrom  *time.Time

	AccessCount  int
	LastAccessed *time.Time
	DeletedAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time

	// ChainDepth is populated only during ref-chain traversal: 0 for the
	// seed record, incremented per hop (spec §3, "computed" fields).
	ChainDepth int
}

// IsDeleted reports whether the record is soft-deleted.
func (m *Memory) IsDeleted() bool { return m.DeletedAt != nil }

// Alternatives projects refs of kind alternative (spec §4.5 get_alternatives).
func (m *Memory) Alternatives() []Ref {
	var out []Ref
	for _, r := range m.Refs {
		if r.Kind == RefKindAlternative {
			out = append(out, r)
		}
	}
	return out
}

// refIDs returns the ID-edges among refs, in order.
func (m *Memory) refIDs() []string {
	var out []string
	for _, r := range m.Refs {
		if r.Kind == RefKindID {
			out = append(out, r.ID)
		}
	}
	return out
}

// TagsJSON serializes tags to the JSON array stored in the tags column.
func (m *Memory) TagsJSON() string {
	if len(m.Tags) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(m.Tags)
	return string(b)
}

// RefsJSON serializes refs to the JSON array stored in the refs column.
func (m *Memory) RefsJSON() string {
	if len(m.Refs) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(m.Refs)
	return string(b)
}

// ParseTags decodes a tags JSON column back into a string slice.
func ParseTags(raw any) []string {
	switch v := raw.(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		var out []string
		if v == "" {
			return nil
		}
		_ = json.Unmarshal([]byte(v), &out)
		return out
	default:
		return nil
	}
}

// ParseRefs decodes a refs JSON column back into []Ref.
func ParseRefs(raw any) []Ref {
	var b []byte
	switch v := raw.(type) {
	case string:
		if v == "" {
			return nil
		}
		b = []byte(v)
	case []any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		b = encoded
	default:
		return nil
	}
	var out []Ref
	_ = json.Unmarshal(b, &out)
	return out
}
