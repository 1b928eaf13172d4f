package community

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/graphmat/internal/graph"
)

func twoClusters() *graph.KnowledgeGraph {
	g := graph.NewKnowledgeGraph()
	for _, id := range []string{"A", "B", "C", "D", "E", "F"} {
		g.UpsertNode(&graph.GraphNode{ID: id, Label: "N"})
	}
	g.UpsertRelationship(graph.NewRelationship("A", "r", "B", nil))
	g.UpsertRelationship(graph.NewRelationship("B", "r", "C", nil))
	g.UpsertRelationship(graph.NewRelationship("D", "r", "E", nil))
	g.UpsertRelationship(graph.NewRelationship("E", "r", "F", nil))
	return g
}

func TestLouvain(t *testing.T) {
	t.Parallel()

	t.Run("SeparatesClusters", func(t *testing.T) {
		t.Parallel()
		partition := Louvain(twoClusters(), LouvainOptions{Seed: DefaultSeed})

		require.Len(t, partition, 6)
		assert.Equal(t, partition["A"], partition["B"])
		assert.Equal(t, partition["B"], partition["C"])
		assert.Equal(t, partition["D"], partition["E"])
		assert.Equal(t, partition["E"], partition["F"])
		assert.NotEqual(t, partition["A"], partition["D"])
		assert.Equal(t, 2, Count(partition))
	})

	t.Run("Deterministic", func(t *testing.T) {
		t.Parallel()
		first := Louvain(twoClusters(), LouvainOptions{Seed: DefaultSeed})
		second := Louvain(twoClusters(), LouvainOptions{Seed: DefaultSeed})
		assert.Equal(t, first, second)
	})

	t.Run("Clique", func(t *testing.T) {
		t.Parallel()
		g := graph.NewKnowledgeGraph()
		ids := []string{"a", "b", "c", "d", "e"}
		for _, id := range ids {
			g.UpsertNode(&graph.GraphNode{ID: id, Label: "N"})
		}
		for i := range ids {
			for j := i + 1; j < len(ids); j++ {
				g.UpsertRelationship(graph.NewRelationship(ids[i], "r", ids[j], nil))
			}
		}

		assert.Equal(t, 1, Count(Louvain(g, LouvainOptions{})))
	})

	t.Run("IsolatedNodes", func(t *testing.T) {
		t.Parallel()
		g := graph.NewKnowledgeGraph()
		g.UpsertNode(&graph.GraphNode{ID: "x", Label: "N"})
		g.UpsertNode(&graph.GraphNode{ID: "y", Label: "N"})

		partition := Louvain(g, LouvainOptions{})
		assert.Equal(t, map[string]int{"x": 0, "y": 1}, partition)
	})

	t.Run("Empty", func(t *testing.T) {
		t.Parallel()
		assert.Empty(t, Louvain(graph.NewKnowledgeGraph(), LouvainOptions{}))
	})
}

func TestDegree(t *testing.T) {
	t.Parallel()

	degrees := Degree(twoClusters())
	assert.Equal(t, 1, degrees["A"])
	assert.Equal(t, 2, degrees["B"])
	assert.Equal(t, 2, degrees["E"])
}

func TestLookup(t *testing.T) {
	t.Parallel()

	t.Run("Known", func(t *testing.T) {
		t.Parallel()
		for _, name := range []string{"louvain", "gds.leiden", "degree"} {
			p, err := Lookup(name)
			require.NoError(t, err, name)

			out, err := p(t.Context(), twoClusters(), nil)
			require.NoError(t, err)
			assert.Len(t, out, 6)
		}
	})

	t.Run("Unknown", func(t *testing.T) {
		t.Parallel()
		_, err := Lookup("gds.pageRank")
		assert.ErrorIs(t, err, ErrUnknownProcedure)
	})

	t.Run("Params", func(t *testing.T) {
		t.Parallel()
		p, err := Lookup("louvain")
		require.NoError(t, err)

		_, err = p(t.Context(), twoClusters(), map[string]any{"randomSeed": 7, "maxIterations": float64(10)})
		assert.NoError(t, err)

		_, err = p(t.Context(), twoClusters(), map[string]any{"randomSeed": "seven"})
		assert.Error(t, err)
	})

	assert.Contains(t, Procedures(), "gds.leiden")
}

func TestAlgorithm(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		algorithm string
	}{
		{"louvain", "louvain"},
		{"gds.leiden", "louvain"},
		{"gds.louvain", "louvain"},
		{"gds.degree.centrality", "degree"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			alg, ok := Algorithm(tt.name)
			require.True(t, ok)
			assert.Equal(t, tt.algorithm, alg)
		})
	}

	_, ok := Algorithm("gds.pageRank")
	assert.False(t, ok)
}

// fakeStore returns a fixed partition and records property writes.
type fakeStore struct {
	partition map[string]any
	runErr    error
	props     map[string]map[string]any
	calls     []string
}

func newFakeStore(partition map[string]any) *fakeStore {
	return &fakeStore{partition: partition, props: make(map[string]map[string]any)}
}

func (s *fakeStore) RunProcedure(_ context.Context, name string, _ map[string]any) (map[string]any, error) {
	s.calls = append(s.calls, name)
	return s.partition, s.runErr
}

func (s *fakeStore) SetNodeProperty(_ context.Context, nodeID, key string, value any) error {
	if _, ok := s.props[nodeID]; !ok {
		s.props[nodeID] = make(map[string]any)
	}
	s.props[nodeID][key] = value
	return nil
}

func TestRun_RoundTrip(t *testing.T) {
	t.Parallel()

	store := newFakeStore(map[string]any{"Person:a1": 0, "Address:x1": 0})

	result, err := Run(t.Context(), store, Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{DefaultProcedure}, store.calls)
	assert.Equal(t, 0, store.props["Person:a1"][DefaultProperty])
	assert.Equal(t, 0, store.props["Address:x1"][DefaultProperty])
	assert.Equal(t, &Result{
		Procedure:    DefaultProcedure,
		Property:     DefaultProperty,
		NodesWritten: 2,
		Communities:  1,
	}, result)

	// a different partition overwrites rather than appends
	store.partition = map[string]any{"Person:a1": 1, "Address:x1": 2}
	result, err = Run(t.Context(), store, Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, store.props["Person:a1"][DefaultProperty])
	assert.Equal(t, 2, store.props["Address:x1"][DefaultProperty])
	assert.Len(t, store.props["Person:a1"], 1)
	assert.Equal(t, 2, result.Communities)
}

func TestRun_CustomProperty(t *testing.T) {
	t.Parallel()

	store := newFakeStore(map[string]any{"n": int64(4)})

	result, err := Run(t.Context(), store, Options{Procedure: "degree", Property: "degree"})
	require.NoError(t, err)

	assert.Equal(t, "degree", result.Property)
	assert.Equal(t, int64(4), store.props["n"]["degree"])
}

func TestRun_ProcedureError(t *testing.T) {
	t.Parallel()

	store := newFakeStore(nil)
	store.runErr = fmt.Errorf("%w: %q", ErrUnknownProcedure, "nope")

	_, err := Run(t.Context(), store, Options{Procedure: "nope"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownProcedure))
	assert.Empty(t, store.props)
}

func TestRun_Cancelled(t *testing.T) {
	t.Parallel()

	store := newFakeStore(map[string]any{"a": 0})
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := Run(ctx, store, Options{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, store.props)
}
