package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		label    NodeLabel
		key      string
		expected string
	}{
		{"Person", "Person", "a1", "Person:a1"},
		{"HashKey", "Address", "h:Zm9vYmFy", "Address:h:Zm9vYmFy"},
		{"EmptyKey", "Document", "", "Document:"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, GenerateID(tt.label, tt.key))
		})
	}
}

func TestGenerateID_Deterministic(t *testing.T) {
	t.Parallel()

	id1 := GenerateID("Person", "a1")
	id2 := GenerateID("Person", "a1")
	assert.Equal(t, id1, id2)

	assert.NotEqual(t, GenerateID("Person", "a1"), GenerateID("Address", "a1"))
}

func TestRelationshipID(t *testing.T) {
	t.Parallel()

	id := RelationshipID("Person:a1", "address", "Address:x1")
	assert.Equal(t, "Person:a1|address|Address:x1", id)

	rel := NewRelationship("Person:a1", "address", "Address:x1", nil)
	assert.Equal(t, id, rel.ID)
	assert.Equal(t, RelType("address"), rel.Type)
	assert.Equal(t, "Person:a1", rel.Source)
	assert.Equal(t, "Address:x1", rel.Target)
}

func TestLabelFromField(t *testing.T) {
	t.Parallel()

	tests := []struct {
		field    string
		expected NodeLabel
	}{
		{"address", "Address"},
		{"home_address", "HomeAddress"},
		{"home-address", "HomeAddress"},
		{"Items", "Items"},
		{"über", "Über"},
		{"_", "_"},
	}

	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, LabelFromField(tt.field))
		})
	}
}

func TestMergeProperties(t *testing.T) {
	t.Parallel()

	t.Run("NilDestination", func(t *testing.T) {
		merged := MergeProperties(nil, map[string]any{"a": 1})
		assert.Equal(t, map[string]any{"a": 1}, merged)
	})

	t.Run("SourceWins", func(t *testing.T) {
		dst := map[string]any{"a": 1, "b": 2}
		merged := MergeProperties(dst, map[string]any{"b": 3, "c": 4})
		assert.Equal(t, map[string]any{"a": 1, "b": 3, "c": 4}, merged)
	})
}
