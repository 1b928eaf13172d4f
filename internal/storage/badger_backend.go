package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/Benny93/graphmat/internal/community"
	"github.com/Benny93/graphmat/internal/graph"
)

// Key prefixes for different data types
const (
	prefixNode     = "n:"     // node data
	prefixRel      = "r:"     // relationship data
	prefixIncoming = "i:in:"  // incoming relationships
	prefixOutgoing = "i:out:" // outgoing relationships
	prefixLabel    = "l:"     // label index
)

// keySep separates IDs inside index keys. Node IDs contain ':' so it
// cannot be used for prefix scans.
const keySep = "\x00"

// BadgerBackend is a BadgerDB-backed storage implementation.
//
// Every upsert is a read-merge-write in its own optimistic transaction.
// Concurrent writers to the same identity surface ErrWriteConflict.
type BadgerBackend struct {
	mu sync.RWMutex // guards db open/close only
	db *badger.DB
}

// NewBadgerBackend creates a new BadgerDB backend.
func NewBadgerBackend() *BadgerBackend {
	return &BadgerBackend{}
}

// Initialize opens or creates the BadgerDB database at the given path.
func (b *BadgerBackend) Initialize(path string, readOnly bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	opts := badger.DefaultOptions(path).
		WithNumCompactors(2).
		WithNumMemtables(5).
		WithLoggingLevel(badger.ERROR) // Suppress INFO/WARNING logs

	if readOnly {
		opts = opts.WithReadOnly(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("opening badger DB: %w", err)
	}

	b.db = db
	return nil
}

// Close releases all resources held by the backend.
func (b *BadgerBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.db == nil {
		return nil
	}

	err := b.db.Close()
	b.db = nil
	return err
}

// handle returns the open database. Caller must hold b.mu.
func (b *BadgerBackend) handle() (*badger.DB, error) {
	if b.db == nil {
		return nil, ErrNotInitialized
	}
	return b.db, nil
}

// UpsertNode implements Backend.
func (b *BadgerBackend) UpsertNode(ctx context.Context, node *graph.GraphNode) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	db, err := b.handle()
	if err != nil {
		return err
	}

	err = db.Update(func(txn *badger.Txn) error {
		stored, err := getNode(txn, node.ID)
		if err != nil {
			return err
		}

		merged := &graph.GraphNode{ID: node.ID, Label: node.Label, Key: node.Key}
		if stored != nil {
			merged.Properties = stored.Properties
			if merged.Key == "" {
				merged.Key = stored.Key
			}
			if stored.Label != node.Label {
				if err := txn.Delete(labelKey(stored.Label, node.ID)); err != nil {
					return fmt.Errorf("deleting label index: %w", err)
				}
			}
		}
		merged.Properties = graph.MergeProperties(merged.Properties, node.Properties)

		if err := putNode(txn, merged); err != nil {
			return err
		}
		if err := txn.Set(labelKey(merged.Label, merged.ID), nil); err != nil {
			return fmt.Errorf("setting label index: %w", err)
		}
		return nil
	})
	return txnError(err, "upserting node "+node.ID)
}

// UpsertRelationship implements Backend.
func (b *BadgerBackend) UpsertRelationship(ctx context.Context, rel *graph.GraphRelationship) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	db, err := b.handle()
	if err != nil {
		return err
	}

	err = db.Update(func(txn *badger.Txn) error {
		stored, err := getRelationship(txn, rel.ID)
		if err != nil {
			return err
		}

		merged := *rel
		merged.Properties = nil
		if stored != nil {
			merged.Properties = stored.Properties
		}
		merged.Properties = graph.MergeProperties(merged.Properties, rel.Properties)
		if len(merged.Properties) == 0 {
			merged.Properties = nil
		}

		merged.Properties = storedNumbers(merged.Properties)
		data, err := json.Marshal(&merged)
		if err != nil {
			return fmt.Errorf("marshaling relationship: %w", err)
		}
		if err := txn.Set(relKey(rel.ID), data); err != nil {
			return fmt.Errorf("setting relationship: %w", err)
		}

		// Index for adjacency lists
		return indexRelationship(txn, rel)
	})
	return txnError(err, "upserting relationship "+rel.ID)
}

// SetNodeProperty implements Backend.
func (b *BadgerBackend) SetNodeProperty(ctx context.Context, nodeID, key string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	db, err := b.handle()
	if err != nil {
		return err
	}

	err = db.Update(func(txn *badger.Txn) error {
		node, err := getNode(txn, nodeID)
		if err != nil {
			return err
		}
		if node == nil {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
		}
		if node.Properties == nil {
			node.Properties = make(map[string]any)
		}
		node.Properties[key] = value
		return putNode(txn, node)
	})
	return txnError(err, "setting "+key+" on "+nodeID)
}

// RunProcedure implements Backend. The stored graph is loaded into memory
// and the embedded procedure runs over it.
func (b *BadgerBackend) RunProcedure(ctx context.Context, name string, params map[string]any) (map[string]any, error) {
	proc, err := community.Lookup(name)
	if err != nil {
		return nil, err
	}

	g, err := b.LoadGraph(ctx)
	if err != nil {
		return nil, err
	}
	return proc(ctx, g, params)
}

// LoadGraph reads every node and relationship into a KnowledgeGraph.
func (b *BadgerBackend) LoadGraph(ctx context.Context) (*graph.KnowledgeGraph, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	db, err := b.handle()
	if err != nil {
		return nil, err
	}

	g := graph.NewKnowledgeGraph()
	err = db.View(func(txn *badger.Txn) error {
		if err := scanNodes(txn, func(node *graph.GraphNode) error {
			g.UpsertNode(node)
			return ctx.Err()
		}); err != nil {
			return err
		}
		return scanRelationships(txn, func(rel *graph.GraphRelationship) error {
			g.UpsertRelationship(rel)
			return ctx.Err()
		})
	})
	if err != nil {
		return nil, fmt.Errorf("loading graph: %w", err)
	}
	return g, nil
}

// GetNode implements Backend.
func (b *BadgerBackend) GetNode(ctx context.Context, nodeID string) (*graph.GraphNode, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	db, err := b.handle()
	if err != nil {
		return nil, err
	}

	var node *graph.GraphNode
	err = db.View(func(txn *badger.Txn) error {
		node, err = getNode(txn, nodeID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("getting node: %w", err)
	}
	return node, nil
}

// GetNodesByLabel implements Backend.
func (b *BadgerBackend) GetNodesByLabel(ctx context.Context, label string) ([]*graph.GraphNode, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	db, err := b.handle()
	if err != nil {
		return nil, err
	}

	var nodes []*graph.GraphNode
	err = db.View(func(txn *badger.Txn) error {
		prefix := []byte(prefixLabel + label + keySep)

		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			nodeID := string(bytes.TrimPrefix(it.Item().Key(), prefix))
			node, err := getNode(txn, nodeID)
			if err != nil {
				return err
			}
			if node != nil {
				nodes = append(nodes, node)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing label %s: %w", label, err)
	}
	return nodes, nil
}

// Neighbors implements Backend.
func (b *BadgerBackend) Neighbors(ctx context.Context, nodeID string, dir Direction) ([]Neighbor, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	db, err := b.handle()
	if err != nil {
		return nil, err
	}

	var out []Neighbor
	err = db.View(func(txn *badger.Txn) error {
		if dir != DirectionIncoming {
			if err := collectNeighbors(txn, prefixOutgoing+nodeID+keySep, true, &out); err != nil {
				return err
			}
		}
		if dir != DirectionOutgoing {
			if err := collectNeighbors(txn, prefixIncoming+nodeID+keySep, false, &out); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading neighbors of %s: %w", nodeID, err)
	}

	sortNeighbors(out)
	return out, nil
}

// collectNeighbors follows the relationship IDs stored under an adjacency prefix.
func collectNeighbors(txn *badger.Txn, prefix string, outgoing bool, out *[]Neighbor) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		var relID string
		if err := it.Item().Value(func(val []byte) error {
			relID = string(val)
			return nil
		}); err != nil {
			return fmt.Errorf("reading rel ID: %w", err)
		}

		rel, err := getRelationship(txn, relID)
		if err != nil {
			return err
		}
		if rel == nil {
			continue
		}

		otherID := rel.Source
		if outgoing {
			otherID = rel.Target
		}
		other, err := getNode(txn, otherID)
		if err != nil {
			return err
		}
		*out = append(*out, Neighbor{Relationship: rel, Node: other})
	}
	return nil
}

// Search implements Backend.
func (b *BadgerBackend) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	db, err := b.handle()
	if err != nil {
		return nil, err
	}

	var nodes []*graph.GraphNode
	err = db.View(func(txn *badger.Txn) error {
		return scanNodes(txn, func(node *graph.GraphNode) error {
			nodes = append(nodes, node)
			return ctx.Err()
		})
	})
	if err != nil {
		return nil, fmt.Errorf("searching: %w", err)
	}
	return rankNodes(query, nodes, limit), nil
}

// Stats implements Backend.
func (b *BadgerBackend) Stats(ctx context.Context) (*Stats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	db, err := b.handle()
	if err != nil {
		return nil, err
	}

	stats := &Stats{Labels: make(map[string]int)}
	err = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixLabel)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			key := bytes.TrimPrefix(it.Item().Key(), []byte(prefixLabel))
			if i := bytes.Index(key, []byte(keySep)); i >= 0 {
				stats.Labels[string(key[:i])]++
				stats.Nodes++
			}
		}
		it.Close()

		opts.Prefix = []byte(prefixRel)
		it = txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			stats.Relationships++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("counting: %w", err)
	}
	return stats, nil
}

// txnError maps badger transaction failures onto storage errors.
func txnError(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("%s: %w: %w", what, ErrWriteConflict, err)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func getNode(txn *badger.Txn, nodeID string) (*graph.GraphNode, error) {
	item, err := txn.Get(nodeKey(nodeID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting node: %w", err)
	}

	var node graph.GraphNode
	if err := item.Value(func(val []byte) error {
		return decodeStored(val, &node)
	}); err != nil {
		return nil, fmt.Errorf("unmarshaling node: %w", err)
	}
	node.Properties = restoreNumbers(node.Properties)
	return &node, nil
}

func putNode(txn *badger.Txn, node *graph.GraphNode) error {
	stored := *node
	stored.Properties = storedNumbers(node.Properties)
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("marshaling node: %w", err)
	}
	if err := txn.Set(nodeKey(node.ID), data); err != nil {
		return fmt.Errorf("setting node: %w", err)
	}
	return nil
}

func getRelationship(txn *badger.Txn, relID string) (*graph.GraphRelationship, error) {
	item, err := txn.Get(relKey(relID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting relationship: %w", err)
	}

	var rel graph.GraphRelationship
	if err := item.Value(func(val []byte) error {
		return decodeStored(val, &rel)
	}); err != nil {
		return nil, fmt.Errorf("unmarshaling relationship: %w", err)
	}
	rel.Properties = restoreNumbers(rel.Properties)
	return &rel, nil
}

// indexRelationship creates adjacency list indexes for a relationship.
func indexRelationship(txn *badger.Txn, rel *graph.GraphRelationship) error {
	outKey := prefixOutgoing + rel.Source + keySep + rel.ID
	if err := txn.Set([]byte(outKey), []byte(rel.ID)); err != nil {
		return fmt.Errorf("setting outgoing index: %w", err)
	}

	inKey := prefixIncoming + rel.Target + keySep + rel.ID
	if err := txn.Set([]byte(inKey), []byte(rel.ID)); err != nil {
		return fmt.Errorf("setting incoming index: %w", err)
	}

	return nil
}

func scanNodes(txn *badger.Txn, fn func(*graph.GraphNode) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefixNode)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		var node graph.GraphNode
		if err := it.Item().Value(func(val []byte) error {
			return decodeStored(val, &node)
		}); err != nil {
			return fmt.Errorf("unmarshaling node: %w", err)
		}
		node.Properties = restoreNumbers(node.Properties)
		if err := fn(&node); err != nil {
			return err
		}
	}
	return nil
}

func scanRelationships(txn *badger.Txn, fn func(*graph.GraphRelationship) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefixRel)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		var rel graph.GraphRelationship
		if err := it.Item().Value(func(val []byte) error {
			return decodeStored(val, &rel)
		}); err != nil {
			return fmt.Errorf("unmarshaling relationship: %w", err)
		}
		rel.Properties = restoreNumbers(rel.Properties)
		if err := fn(&rel); err != nil {
			return err
		}
	}
	return nil
}

// decodeStored unmarshals a stored value keeping numbers exact.
func decodeStored(val []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(val))
	dec.UseNumber()
	return dec.Decode(v)
}

// storedNumbers copies props for encoding. Integral floats are written with a
// trailing ".0" so they decode as float64 again instead of int64.
func storedNumbers(props map[string]any) map[string]any {
	if props == nil {
		return nil
	}
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = storedNumber(v)
	}
	return out
}

func storedNumber(v any) any {
	switch val := v.(type) {
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return val
		}
		text := strconv.FormatFloat(val, 'g', -1, 64)
		if !strings.ContainsAny(text, ".e") {
			text += ".0"
		}
		return json.Number(text)
	case []any:
		out := make([]any, len(val))
		for i := range val {
			out[i] = storedNumber(val[i])
		}
		return out
	default:
		return v
	}
}

// restoreNumbers turns decoded json.Number values back into int64 or float64.
func restoreNumbers(props map[string]any) map[string]any {
	for k, v := range props {
		props[k] = restoreNumber(v)
	}
	return props
}

func restoreNumber(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case []any:
		for i := range val {
			val[i] = restoreNumber(val[i])
		}
		return val
	default:
		return v
	}
}

// nodeKey returns the BadgerDB key for a node.
func nodeKey(nodeID string) []byte {
	return []byte(prefixNode + nodeID)
}

// relKey returns the BadgerDB key for a relationship.
func relKey(relID string) []byte {
	return []byte(prefixRel + relID)
}

// labelKey returns the label index key for a node.
func labelKey(label graph.NodeLabel, nodeID string) []byte {
	return []byte(prefixLabel + string(label) + keySep + nodeID)
}
