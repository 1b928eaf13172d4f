package materializer

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ArrayStrategy governs how JSON arrays map onto the graph.
type ArrayStrategy string

const (
	// FlattenToEdges stores arrays of scalars as one multi-valued property
	// and turns arrays of objects into one unordered edge per element.
	FlattenToEdges ArrayStrategy = "flatten-to-edges"

	// IndexAsProperty stores arrays of scalars as ordered properties
	// (field.0, field.1, ...) and records each element's position as an
	// "index" property on its edge.
	IndexAsProperty ArrayStrategy = "index-as-property"
)

// IdentityFallback selects how a node key is derived when the id field is absent.
type IdentityFallback string

const (
	// FallbackContentHash hashes the object's scalar properties.
	FallbackContentHash IdentityFallback = "content-hash"

	// FallbackDocumentPath keys the object by its document and JSON path.
	FallbackDocumentPath IdentityFallback = "document-path"

	// FallbackNone rejects objects without an id field.
	FallbackNone IdentityFallback = "none"
)

// Policy describes how JSON shape maps to labels, properties and edges.
type Policy struct {
	// IDField names the field used as the unique key.
	IDField string `yaml:"id_field" json:"id_field"`

	// LabelField optionally names the field holding the node type.
	// When empty, or when an object lacks it, the label is derived
	// from the field the object was found under.
	LabelField string `yaml:"label_field" json:"label_field"`

	// ArrayStrategy selects array handling.
	ArrayStrategy ArrayStrategy `yaml:"array_strategy" json:"array_strategy"`

	// IdentityFallback selects key derivation for objects without IDField.
	IdentityFallback IdentityFallback `yaml:"identity_fallback" json:"identity_fallback"`

	// RootLabel labels top-level objects that carry no label field.
	RootLabel string `yaml:"root_label" json:"root_label"`
}

// DefaultPolicy returns the policy used when the caller supplies none.
func DefaultPolicy() Policy {
	return Policy{
		IDField:          "id",
		ArrayStrategy:    FlattenToEdges,
		IdentityFallback: FallbackContentHash,
		RootLabel:        "Document",
	}
}

// WithDefaults fills unset options from DefaultPolicy.
// LabelField is left as is since empty is meaningful.
func (p Policy) WithDefaults() Policy {
	def := DefaultPolicy()
	if p.IDField == "" {
		p.IDField = def.IDField
	}
	if p.ArrayStrategy == "" {
		p.ArrayStrategy = def.ArrayStrategy
	}
	if p.IdentityFallback == "" {
		p.IdentityFallback = def.IdentityFallback
	}
	if p.RootLabel == "" {
		p.RootLabel = def.RootLabel
	}
	return p
}

// Validate checks that every option holds a recognized value.
func (p Policy) Validate() error {
	if p.IDField == "" {
		return fmt.Errorf("policy: id_field must not be empty")
	}
	if p.LabelField != "" && p.LabelField == p.IDField {
		return fmt.Errorf("policy: label_field and id_field must differ (both %q)", p.IDField)
	}

	switch p.ArrayStrategy {
	case FlattenToEdges, IndexAsProperty:
	default:
		return fmt.Errorf("policy: unknown array_strategy %q", p.ArrayStrategy)
	}

	switch p.IdentityFallback {
	case FallbackContentHash, FallbackDocumentPath, FallbackNone:
	default:
		return fmt.Errorf("policy: unknown identity_fallback %q", p.IdentityFallback)
	}

	if p.RootLabel == "" {
		return fmt.Errorf("policy: root_label must not be empty")
	}
	return nil
}

// LoadPolicy reads a YAML policy file. Unset options take their defaults.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("reading policy %s: %w", path, err)
	}

	policy := DefaultPolicy()
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return Policy{}, fmt.Errorf("parsing policy %s: %w", path, err)
	}

	policy = policy.WithDefaults()
	if err := policy.Validate(); err != nil {
		return Policy{}, err
	}
	return policy, nil
}
