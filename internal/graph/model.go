// Package graph provides the property graph data model for graphmat.
//
// It defines the node and relationship types produced by materializing
// JSON documents, and the deterministic identity helpers that make
// repeated ingestion converge on the same graph.
package graph

import (
	"strings"
)

// NodeLabel represents the type of a graph node.
type NodeLabel string

// RelType represents the type of relationship between graph nodes.
// Relationship types are taken from JSON field names.
type RelType string

// GraphNode represents a node in the property graph.
type GraphNode struct {
	// ID is the unique identity of the node.
	// Format: {label}:{key}
	ID string `json:"id"`

	// Label is the type of the node.
	Label NodeLabel `json:"label"`

	// Key is the identifying value the ID was derived from.
	Key string `json:"key"`

	// Properties holds the scalar and list-of-scalar properties.
	Properties map[string]any `json:"properties,omitempty"`
}

// GraphRelationship represents a directed edge in the property graph.
type GraphRelationship struct {
	// ID is the unique identifier for the relationship.
	// Format: {source}|{type}|{target}
	ID string `json:"id"`

	// Type is the type of relationship.
	Type RelType `json:"type"`

	// Source is the ID of the source node.
	Source string `json:"source"`

	// Target is the ID of the target node.
	Target string `json:"target"`

	// Properties holds additional metadata (e.g. array index).
	Properties map[string]any `json:"properties,omitempty"`
}

// GenerateID creates a deterministic node ID from a label and identifying key.
// Format: {label}:{key}
func GenerateID(label NodeLabel, key string) string {
	return string(label) + ":" + key
}

// RelationshipID creates the deterministic identity of the (source, type, target) triple.
func RelationshipID(source string, relType RelType, target string) string {
	return source + "|" + string(relType) + "|" + target
}

// NewRelationship builds a relationship whose ID is derived from its triple.
func NewRelationship(source string, relType RelType, target string, props map[string]any) *GraphRelationship {
	return &GraphRelationship{
		ID:         RelationshipID(source, relType, target),
		Type:       relType,
		Source:     source,
		Target:     target,
		Properties: props,
	}
}

// LabelFromField derives a node label from a JSON field name.
// "home_address" and "home-address" both become "HomeAddress".
func LabelFromField(field string) NodeLabel {
	parts := strings.FieldsFunc(field, func(r rune) bool {
		return r == '_' || r == '-' || r == ' ' || r == '.'
	})

	var b strings.Builder
	for _, p := range parts {
		r := []rune(p)
		b.WriteString(strings.ToUpper(string(r[0])))
		b.WriteString(string(r[1:]))
	}
	if b.Len() == 0 {
		return NodeLabel(field)
	}
	return NodeLabel(b.String())
}

// MergeProperties copies src into dst, allocating dst if needed.
// Keys present in both take the value from src.
func MergeProperties(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
