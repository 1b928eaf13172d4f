package materializer

import (
	"context"
	"errors"
	"fmt"

	"github.com/Benny93/graphmat/internal/graph"
	"github.com/Benny93/graphmat/internal/storage"
)

// Writer is the narrow store contract the materializer depends on.
// Both operations must be idempotent upserts.
type Writer interface {
	UpsertNode(ctx context.Context, node *graph.GraphNode) error
	UpsertRelationship(ctx context.Context, rel *graph.GraphRelationship) error
}

// Apply writes the plan's nodes and then its relationships.
//
// Store conflicts are reported as ErrWriteConflict and are not retried.
// Upserts performed before a failure stay applied.
func Apply(ctx context.Context, w Writer, plan *Plan) error {
	for _, node := range plan.Nodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.UpsertNode(ctx, node); err != nil {
			return writeError(ctx, plan.DocumentID, node.ID, err)
		}
	}

	for _, rel := range plan.Relationships {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.UpsertRelationship(ctx, rel); err != nil {
			return writeError(ctx, plan.DocumentID, rel.ID, err)
		}
	}
	return nil
}

func writeError(ctx context.Context, docID, identity string, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	if errors.Is(err, storage.ErrWriteConflict) {
		return &Error{
			Kind:       ErrWriteConflict,
			DocumentID: docID,
			Identity:   identity,
			Err:        err,
		}
	}
	return fmt.Errorf("upserting %s: %w", identity, err)
}

// Ingest plans and applies one raw JSON document.
func (m *Materializer) Ingest(ctx context.Context, w Writer, docID string, data []byte) (*Plan, error) {
	plan, err := m.MaterializeJSON(docID, data)
	if err != nil {
		return nil, err
	}

	if err := Apply(ctx, w, plan); err != nil {
		return plan, err
	}

	for _, node := range plan.Nodes {
		m.logger.Debug("upserted node", "id", node.ID, "label", node.Label, "properties", len(node.Properties))
	}
	for _, rel := range plan.Relationships {
		m.logger.Debug("upserted relationship", "id", rel.ID)
	}
	return plan, nil
}
