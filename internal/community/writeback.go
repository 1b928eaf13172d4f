package community

import (
	"context"
	"fmt"
	"sort"

	"github.com/charmbracelet/log"

	"github.com/Benny93/graphmat/internal/logging"
)

// DefaultProperty is the node property community labels are written to.
const DefaultProperty = "communityId"

// DefaultProcedure is the detection procedure used when none is named.
const DefaultProcedure = "gds.leiden"

// Store is the capability the write-back needs from a graph store.
type Store interface {
	// RunProcedure invokes a named detection procedure and returns
	// node identity -> result.
	RunProcedure(ctx context.Context, name string, params map[string]any) (map[string]any, error)

	// SetNodeProperty overwrites a single property on an existing node.
	SetNodeProperty(ctx context.Context, nodeID, key string, value any) error
}

// Options configures Run.
type Options struct {
	// Procedure is the store procedure to invoke. Defaults to DefaultProcedure.
	Procedure string

	// Params are passed to the procedure unchanged.
	Params map[string]any

	// Property receives each node's result. Defaults to DefaultProperty.
	Property string

	Logger *log.Logger
}

// Result summarizes a write-back.
type Result struct {
	Procedure    string `json:"procedure"`
	Property     string `json:"property"`
	NodesWritten int    `json:"nodes_written"`
	Communities  int    `json:"communities"`
}

// Run invokes the detection procedure and copies its output onto the nodes.
// Re-running overwrites the previous labels.
func Run(ctx context.Context, store Store, opts Options) (*Result, error) {
	if opts.Procedure == "" {
		opts.Procedure = DefaultProcedure
	}
	if opts.Property == "" {
		opts.Property = DefaultProperty
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	labels, err := store.RunProcedure(ctx, opts.Procedure, opts.Params)
	if err != nil {
		return nil, fmt.Errorf("running %s: %w", opts.Procedure, err)
	}

	ids := make([]string, 0, len(labels))
	for id := range labels {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	distinct := make(map[string]struct{})
	result := &Result{Procedure: opts.Procedure, Property: opts.Property}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		value := labels[id]
		if err := store.SetNodeProperty(ctx, id, opts.Property, value); err != nil {
			return result, fmt.Errorf("writing %s on %s: %w", opts.Property, id, err)
		}
		result.NodesWritten++
		distinct[fmt.Sprint(value)] = struct{}{}
	}
	result.Communities = len(distinct)

	logger.Info("community labels written",
		"procedure", result.Procedure,
		"property", result.Property,
		"nodes", result.NodesWritten,
		"communities", result.Communities)

	return result, nil
}
