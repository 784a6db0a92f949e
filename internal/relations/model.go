// Package relations implements the relation (graph) modality of a search node:
// an index of typed, labeled edges between nodes with a single-writer,
// many-reader access contract.
//
// The committed edge set is the single source of truth. Node and type
// vocabularies are derived from it on every commit and never stored on their
// own. Readers always observe a whole commit or none of it.
package relations

import (
	"cmp"
	"slices"

	relerr "github.com/23skdu/relnode/internal/errors"
)

// NodeType labels a node. The vocabulary is open; the constants below are the
// types produced by the ingestion pipeline.
type NodeType string

const (
	NodeTypeEntity   NodeType = "ENTITY"
	NodeTypeLabel    NodeType = "LABEL"
	NodeTypeResource NodeType = "RESOURCE"
	NodeTypeUser     NodeType = "USER"
)

// Node is an edge endpoint. Nodes exist only through the edges that reference them.
type Node struct {
	Value   string   `json:"value" yaml:"value"`
	Type    NodeType `json:"type" yaml:"type"`
	Subtype string   `json:"subtype,omitempty" yaml:"subtype,omitempty"`
}

func (n Node) validate(op, field string) error {
	if n.Value == "" {
		return relerr.NewValidationError(op, field+" value is empty")
	}
	if n.Type == "" {
		return relerr.NewValidationError(op, field+" type is empty").WithContext("value", n.Value)
	}
	return nil
}

func (n Node) member() NodeTypeMember {
	return NodeTypeMember{Type: n.Type, Subtype: n.Subtype}
}

func compareNodes(a, b Node) int {
	if c := cmp.Compare(a.Value, b.Value); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Type, b.Type); c != 0 {
		return c
	}
	return cmp.Compare(a.Subtype, b.Subtype)
}

// EdgeMetadata is optional scalar data carried by an edge. It is not part of
// the edge identity.
type EdgeMetadata struct {
	Weight      float32 `json:"weight,omitempty" yaml:"weight,omitempty" msgpack:"w,omitempty"`
	ResourceID  string  `json:"resource_id,omitempty" yaml:"resource_id,omitempty" msgpack:"r,omitempty"`
	ParagraphID string  `json:"paragraph_id,omitempty" yaml:"paragraph_id,omitempty" msgpack:"p,omitempty"`
}

// EdgeKey is the identity of an edge.
type EdgeKey struct {
	Source   Node
	Relation string
	Target   Node
}

func (k EdgeKey) validate(op string) error {
	if err := k.Source.validate(op, "source"); err != nil {
		return err
	}
	if k.Relation == "" {
		return relerr.NewValidationError(op, "relation is empty").WithContext("source", k.Source.Value)
	}
	return k.Target.validate(op, "target")
}

func (k EdgeKey) touches(n Node) bool {
	return k.Source == n || k.Target == n
}

func compareKeys(a, b EdgeKey) int {
	if c := compareNodes(a.Source, b.Source); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Relation, b.Relation); c != 0 {
		return c
	}
	return compareNodes(a.Target, b.Target)
}

// Edge is a directed relation (source, relation, target) with metadata.
type Edge struct {
	Source   Node         `json:"source" yaml:"source"`
	Relation string       `json:"relation" yaml:"relation"`
	Target   Node         `json:"target" yaml:"target"`
	Metadata EdgeMetadata `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Key returns the identity of e.
func (e Edge) Key() EdgeKey {
	return EdgeKey{Source: e.Source, Relation: e.Relation, Target: e.Target}
}

// EdgeList is a de-duplicated set of edges. Callers must not rely on its order.
type EdgeList []Edge

// Sort puts the list in canonical (source, relation, target) order.
func (l EdgeList) Sort() {
	slices.SortFunc(l, func(a, b Edge) int { return compareKeys(a.Key(), b.Key()) })
}

// Contains reports whether an edge with identity k is in the list.
func (l EdgeList) Contains(k EdgeKey) bool {
	return slices.ContainsFunc(l, func(e Edge) bool { return e.Key() == k })
}

// NodeTypeMember is one entry of the node type vocabulary.
type NodeTypeMember struct {
	Type    NodeType `json:"type" yaml:"type"`
	Subtype string   `json:"subtype,omitempty" yaml:"subtype,omitempty"`
}

func compareMembers(a, b NodeTypeMember) int {
	if c := cmp.Compare(a.Type, b.Type); c != 0 {
		return c
	}
	return cmp.Compare(a.Subtype, b.Subtype)
}

// TypeList is the node and relation type vocabulary in use by the edge set.
type TypeList struct {
	NodeTypes     []NodeTypeMember `json:"node_types" yaml:"node_types"`
	RelationTypes []string         `json:"relation_types" yaml:"relation_types"`
}
