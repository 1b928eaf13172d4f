package graph

import (
	"sort"
	"sync"
)

// KnowledgeGraph is an in-memory directed property graph.
//
// Nodes are keyed by their identity; relationships by their triple ID.
// Upserts are idempotent: re-adding a node merges its properties into the
// existing node and re-adding a relationship replaces it in place.
//
// All query methods are backed by secondary indexes so that lookups by
// label or adjacency are O(result) rather than O(graph).
type KnowledgeGraph struct {
	mu            sync.RWMutex
	nodes         map[string]*GraphNode
	relationships map[string]*GraphRelationship

	// Secondary indexes, kept in sync by the upsert helpers.
	byLabel  map[NodeLabel]map[string]*GraphNode
	outgoing map[string]map[string]*GraphRelationship
	incoming map[string]map[string]*GraphRelationship
}

// NewKnowledgeGraph creates a new empty graph.
func NewKnowledgeGraph() *KnowledgeGraph {
	return &KnowledgeGraph{
		nodes:         make(map[string]*GraphNode),
		relationships: make(map[string]*GraphRelationship),
		byLabel:       make(map[NodeLabel]map[string]*GraphNode),
		outgoing:      make(map[string]map[string]*GraphRelationship),
		incoming:      make(map[string]map[string]*GraphRelationship),
	}
}

// NodeCount returns the number of nodes.
func (g *KnowledgeGraph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// RelationshipCount returns the number of relationships.
func (g *KnowledgeGraph) RelationshipCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.relationships)
}

// CountNodesByLabel returns the count of nodes with the given label.
func (g *KnowledgeGraph) CountNodesByLabel(label NodeLabel) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.byLabel[label])
}

// LabelCounts returns the number of nodes per label.
func (g *KnowledgeGraph) LabelCounts() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	counts := make(map[string]int, len(g.byLabel))
	for label, nodes := range g.byLabel {
		if len(nodes) > 0 {
			counts[string(label)] = len(nodes)
		}
	}
	return counts
}

// IterNodes returns a channel that yields all nodes.
func (g *KnowledgeGraph) IterNodes() <-chan *GraphNode {
	g.mu.RLock()
	ch := make(chan *GraphNode, len(g.nodes))
	for _, node := range g.nodes {
		ch <- node
	}
	close(ch)
	g.mu.RUnlock()
	return ch
}

// IterRelationships returns a channel that yields all relationships.
func (g *KnowledgeGraph) IterRelationships() <-chan *GraphRelationship {
	g.mu.RLock()
	ch := make(chan *GraphRelationship, len(g.relationships))
	for _, rel := range g.relationships {
		ch <- rel
	}
	close(ch)
	g.mu.RUnlock()
	return ch
}

// NodeIDs returns every node ID in sorted order.
func (g *KnowledgeGraph) NodeIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// UpsertNode inserts the node or merges it into the existing node with the same ID.
// The label of an existing node is replaced and its label index updated.
func (g *KnowledgeGraph) UpsertNode(node *GraphNode) {
	g.mu.Lock()
	defer g.mu.Unlock()

	stored, ok := g.nodes[node.ID]
	if !ok {
		stored = &GraphNode{ID: node.ID}
		g.nodes[node.ID] = stored
	}

	if ok && stored.Label != node.Label {
		delete(g.byLabel[stored.Label], node.ID)
	}

	stored.Label = node.Label
	if node.Key != "" {
		stored.Key = node.Key
	}
	stored.Properties = MergeProperties(stored.Properties, node.Properties)

	if g.byLabel[stored.Label] == nil {
		g.byLabel[stored.Label] = make(map[string]*GraphNode)
	}
	g.byLabel[stored.Label][stored.ID] = stored
}

// SetNodeProperty sets a single property on an existing node.
// Returns false if the node does not exist.
func (g *KnowledgeGraph) SetNodeProperty(nodeID, key string, value any) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[nodeID]
	if !ok {
		return false
	}
	if node.Properties == nil {
		node.Properties = make(map[string]any)
	}
	node.Properties[key] = value
	return true
}

// GetNode returns the node with the given ID, or nil if it does not exist.
func (g *KnowledgeGraph) GetNode(nodeID string) *GraphNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[nodeID]
}

// UpsertRelationship adds a relationship or merges its properties into the
// existing relationship with the same ID.
func (g *KnowledgeGraph) UpsertRelationship(rel *GraphRelationship) {
	g.mu.Lock()
	defer g.mu.Unlock()

	stored := *rel
	stored.Properties = nil
	if old, ok := g.relationships[rel.ID]; ok {
		delete(g.outgoing[old.Source], rel.ID)
		delete(g.incoming[old.Target], rel.ID)
		stored.Properties = MergeProperties(nil, old.Properties)
	}
	if len(rel.Properties) > 0 {
		stored.Properties = MergeProperties(stored.Properties, rel.Properties)
	}
	rel = &stored

	g.relationships[rel.ID] = rel

	if g.outgoing[rel.Source] == nil {
		g.outgoing[rel.Source] = make(map[string]*GraphRelationship)
	}
	g.outgoing[rel.Source][rel.ID] = rel

	if g.incoming[rel.Target] == nil {
		g.incoming[rel.Target] = make(map[string]*GraphRelationship)
	}
	g.incoming[rel.Target][rel.ID] = rel
}

// GetRelationship returns the relationship with the given ID, or nil.
func (g *KnowledgeGraph) GetRelationship(relID string) *GraphRelationship {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.relationships[relID]
}

// GetNodesByLabel returns all nodes with the given label.
func (g *KnowledgeGraph) GetNodesByLabel(label NodeLabel) []*GraphNode {
	g.mu.RLock()
	defer g.mu.RUnlock()

	nodes, ok := g.byLabel[label]
	if !ok {
		return nil
	}

	result := make([]*GraphNode, 0, len(nodes))
	for _, node := range nodes {
		result = append(result, node)
	}
	return result
}

// GetOutgoing returns relationships originating from the given node ID.
// If relType is provided, only relationships of that type are returned.
func (g *KnowledgeGraph) GetOutgoing(nodeID string, relType ...RelType) []*GraphRelationship {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return filterRels(g.outgoing[nodeID], relType)
}

// GetIncoming returns relationships targeting the given node ID.
// If relType is provided, only relationships of that type are returned.
func (g *KnowledgeGraph) GetIncoming(nodeID string, relType ...RelType) []*GraphRelationship {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return filterRels(g.incoming[nodeID], relType)
}

// Stats returns a summary of graph size.
func (g *KnowledgeGraph) Stats() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return map[string]int{
		"nodes":         len(g.nodes),
		"relationships": len(g.relationships),
	}
}

// filterRels copies rels into a slice, keeping only relType when given.
// Must be called with the read lock held.
func filterRels(rels map[string]*GraphRelationship, relType []RelType) []*GraphRelationship {
	if len(rels) == 0 {
		return nil
	}

	result := make([]*GraphRelationship, 0, len(rels))
	for _, rel := range rels {
		if len(relType) > 0 && relType[0] != "" && rel.Type != relType[0] {
			continue
		}
		result = append(result, rel)
	}
	return result
}
