// Package storage provides the graph store backends for graphmat.
//
// It defines the Backend interface every store implements: idempotent
// upserts, property write-back, procedure invocation and a small read API
// used by the CLI and the MCP server.
package storage

import (
	"context"
	"errors"
	"sort"

	"github.com/Benny93/graphmat/internal/community"
	"github.com/Benny93/graphmat/internal/graph"
)

var (
	// ErrWriteConflict is returned when a concurrent write to the same
	// identity made the store reject an upsert. It is never retried here.
	ErrWriteConflict = errors.New("write conflict")

	// ErrNotInitialized is returned when a backend is used before it is opened
	// or after it is closed.
	ErrNotInitialized = errors.New("storage not initialized")

	// ErrNodeNotFound is returned when a property is written to a missing node.
	ErrNodeNotFound = errors.New("node not found")

	// ErrUnknownProcedure is returned for procedures the store cannot run.
	ErrUnknownProcedure = community.ErrUnknownProcedure
)

// Direction selects which relationships Neighbors follows.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
	DirectionBoth     Direction = "both"
)

// ParseDirection validates a direction name. Empty means both.
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case "", DirectionBoth:
		return DirectionBoth, nil
	case DirectionOutgoing, DirectionIncoming:
		return Direction(s), nil
	default:
		return "", errors.New("direction must be outgoing, incoming or both")
	}
}

// Neighbor is a relationship together with the node at its other end.
type Neighbor struct {
	Relationship *graph.GraphRelationship `json:"relationship"`
	Node         *graph.GraphNode         `json:"node"`
}

// SearchResult represents a search result from the storage backend.
type SearchResult struct {
	// NodeID is the ID of the matching node.
	NodeID string `json:"node_id"`

	// Label is the node label.
	Label string `json:"label"`

	// Score is the relevance score (higher is better).
	Score float64 `json:"score"`

	// Snippet is an excerpt of the node's properties.
	Snippet string `json:"snippet"`
}

// Stats summarizes the stored graph.
type Stats struct {
	Nodes         int            `json:"nodes"`
	Relationships int            `json:"relationships"`
	Labels        map[string]int `json:"labels"`
}

// Backend defines the interface for storage implementations.
//
// Implementations must be safe for concurrent use. Upserts are idempotent:
// a node is identified by its ID and a relationship by its
// (source, type, target) triple, and repeated upserts merge properties.
type Backend interface {
	// Writes

	// UpsertNode creates the node or merges its properties into the stored one.
	UpsertNode(ctx context.Context, node *graph.GraphNode) error

	// UpsertRelationship creates the relationship or merges its properties.
	UpsertRelationship(ctx context.Context, rel *graph.GraphRelationship) error

	// SetNodeProperty overwrites one property of an existing node.
	SetNodeProperty(ctx context.Context, nodeID, key string, value any) error

	// Procedures

	// RunProcedure runs a named graph procedure and returns node ID -> result.
	RunProcedure(ctx context.Context, name string, params map[string]any) (map[string]any, error)

	// Reads

	// GetNode returns a single node by ID, or nil if not found.
	GetNode(ctx context.Context, nodeID string) (*graph.GraphNode, error)

	// GetNodesByLabel returns all nodes with the given label.
	GetNodesByLabel(ctx context.Context, label string) ([]*graph.GraphNode, error)

	// Neighbors returns the relationships of a node and the nodes they lead to.
	Neighbors(ctx context.Context, nodeID string, dir Direction) ([]Neighbor, error)

	// Search ranks nodes by token overlap with the query.
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)

	// Stats counts nodes, relationships and labels.
	Stats(ctx context.Context) (*Stats, error)

	// Close releases all resources held by the backend.
	Close() error
}

// sortNeighbors orders neighbors by relationship ID so results are stable.
func sortNeighbors(ns []Neighbor) {
	sort.Slice(ns, func(i, j int) bool {
		return ns[i].Relationship.ID < ns[j].Relationship.ID
	})
}
