package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/graphmat/internal/graph"
)

func TestTokenizeForFTS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"Simple", "Hello World", []string{"hello", "world"}},
		{"CamelCase", "HomeAddress", []string{"homeaddress", "home", "address"}},
		{"Separators", "home_address=Main-St", []string{"home", "address", "main", "st"}},
		{"ShortTokensDropped", "a b cd", []string{"cd"}},
		{"Unicode", "Über straße", []string{"über", "straße"}},
		{"Empty", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tokenizeForFTS(tt.in))
		})
	}
}

func TestRankNodes(t *testing.T) {
	t.Parallel()

	nodes := []*graph.GraphNode{
		{ID: "Person:a1", Label: "Person", Key: "a1", Properties: map[string]any{"name": "Ann Smith", "city": "Springfield"}},
		{ID: "Person:b2", Label: "Person", Key: "b2", Properties: map[string]any{"name": "Bob Smith"}},
		{ID: "Address:x1", Label: "Address", Key: "x1", Properties: map[string]any{"city": "Shelbyville"}},
	}

	t.Run("ScoresByTokenOverlap", func(t *testing.T) {
		t.Parallel()
		results := rankNodes("ann smith", nodes, 10)
		require.Len(t, results, 2)
		assert.Equal(t, "Person:a1", results[0].NodeID)
		assert.Equal(t, 2.0, results[0].Score)
		assert.Equal(t, "Person:b2", results[1].NodeID)
		assert.Equal(t, 1.0, results[1].Score)
	})

	t.Run("TiesOrderedByID", func(t *testing.T) {
		t.Parallel()
		results := rankNodes("person", nodes, 10)
		require.Len(t, results, 2)
		assert.Equal(t, "Person:a1", results[0].NodeID)
		assert.Equal(t, "Person:b2", results[1].NodeID)
	})

	t.Run("Limit", func(t *testing.T) {
		t.Parallel()
		assert.Len(t, rankNodes("smith", nodes, 1), 1)
	})

	t.Run("NoTokens", func(t *testing.T) {
		t.Parallel()
		assert.Empty(t, rankNodes("!", nodes, 10))
	})

	t.Run("Snippet", func(t *testing.T) {
		t.Parallel()
		results := rankNodes("shelbyville", nodes, 10)
		require.Len(t, results, 1)
		assert.Equal(t, "Address x1 city=Shelbyville", results[0].Snippet)
	})
}
