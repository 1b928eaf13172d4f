package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/Benny93/graphmat/internal/community"
	"github.com/Benny93/graphmat/internal/graph"
)

// MemoryBackend is an in-memory Backend over a KnowledgeGraph.
// It is used by tests and for one-off runs that need no persistence.
type MemoryBackend struct {
	mu sync.RWMutex
	g  *graph.KnowledgeGraph
}

// NewMemoryBackend creates a new in-memory storage backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{g: graph.NewKnowledgeGraph()}
}

func (m *MemoryBackend) loaded() (*graph.KnowledgeGraph, error) {
	if m.g == nil {
		return nil, ErrNotInitialized
	}
	return m.g, nil
}

// UpsertNode implements Backend.
func (m *MemoryBackend) UpsertNode(ctx context.Context, node *graph.GraphNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.loaded()
	if err != nil {
		return err
	}
	g.UpsertNode(node)
	return nil
}

// UpsertRelationship implements Backend.
func (m *MemoryBackend) UpsertRelationship(ctx context.Context, rel *graph.GraphRelationship) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.loaded()
	if err != nil {
		return err
	}
	g.UpsertRelationship(rel)
	return nil
}

// SetNodeProperty implements Backend.
func (m *MemoryBackend) SetNodeProperty(ctx context.Context, nodeID, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.loaded()
	if err != nil {
		return err
	}
	if !g.SetNodeProperty(nodeID, key, value) {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	return nil
}

// RunProcedure implements Backend using the embedded procedures.
func (m *MemoryBackend) RunProcedure(ctx context.Context, name string, params map[string]any) (map[string]any, error) {
	proc, err := community.Lookup(name)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	g, err := m.loaded()
	if err != nil {
		return nil, err
	}
	return proc(ctx, g, params)
}

// GetNode implements Backend.
func (m *MemoryBackend) GetNode(ctx context.Context, nodeID string) (*graph.GraphNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, err := m.loaded()
	if err != nil {
		return nil, err
	}
	return cloneNode(g.GetNode(nodeID)), nil
}

// GetNodesByLabel implements Backend.
func (m *MemoryBackend) GetNodesByLabel(ctx context.Context, label string) ([]*graph.GraphNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, err := m.loaded()
	if err != nil {
		return nil, err
	}

	nodes := g.GetNodesByLabel(graph.NodeLabel(label))
	out := make([]*graph.GraphNode, len(nodes))
	for i, n := range nodes {
		out[i] = cloneNode(n)
	}
	return out, nil
}

// Neighbors implements Backend.
func (m *MemoryBackend) Neighbors(ctx context.Context, nodeID string, dir Direction) ([]Neighbor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, err := m.loaded()
	if err != nil {
		return nil, err
	}

	var out []Neighbor
	if dir != DirectionIncoming {
		for _, rel := range g.GetOutgoing(nodeID) {
			out = append(out, Neighbor{Relationship: rel, Node: cloneNode(g.GetNode(rel.Target))})
		}
	}
	if dir != DirectionOutgoing {
		for _, rel := range g.GetIncoming(nodeID) {
			out = append(out, Neighbor{Relationship: rel, Node: cloneNode(g.GetNode(rel.Source))})
		}
	}
	sortNeighbors(out)
	return out, nil
}

// Search implements Backend.
func (m *MemoryBackend) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, err := m.loaded()
	if err != nil {
		return nil, err
	}

	nodes := make([]*graph.GraphNode, 0, g.NodeCount())
	for node := range g.IterNodes() {
		nodes = append(nodes, node)
	}
	return rankNodes(query, nodes, limit), nil
}

// Stats implements Backend.
func (m *MemoryBackend) Stats(ctx context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, err := m.loaded()
	if err != nil {
		return nil, err
	}
	return &Stats{
		Nodes:         g.NodeCount(),
		Relationships: g.RelationshipCount(),
		Labels:        g.LabelCounts(),
	}, nil
}

// Close implements Backend.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.g = nil
	return nil
}

// NodeCount returns the number of stored nodes.
func (m *MemoryBackend) NodeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.g == nil {
		return 0
	}
	return m.g.NodeCount()
}

// RelationshipCount returns the number of stored relationships.
func (m *MemoryBackend) RelationshipCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.g == nil {
		return 0
	}
	return m.g.RelationshipCount()
}

func cloneNode(node *graph.GraphNode) *graph.GraphNode {
	if node == nil {
		return nil
	}
	c := *node
	c.Properties = graph.MergeProperties(nil, node.Properties)
	return &c
}
