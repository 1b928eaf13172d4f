package community

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/Benny93/graphmat/internal/graph"
)

// ErrUnknownProcedure is returned for procedure names with no implementation.
var ErrUnknownProcedure = errors.New("unknown procedure")

// Procedure computes a per-node result over an in-memory graph.
type Procedure func(ctx context.Context, g *graph.KnowledgeGraph, params map[string]any) (map[string]any, error)

type registered struct {
	// algorithm names what actually runs.
	algorithm string
	run       Procedure
}

// procedures maps a procedure name to its embedded implementation.
//
// The gds.* names come from the Neo4j Graph Data Science library so the same
// name works against every store. Only Neo4j runs the real GDS algorithm.
// Embedded, gds.leiden is a stand-in: it runs the local-moving Louvain below,
// with no refinement or aggregation phase.
var procedures = map[string]registered{
	"louvain": {"louvain", louvainProcedure},
	"degree":  {"degree", degreeProcedure},

	"gds.louvain":           {"louvain", louvainProcedure},
	"gds.leiden":            {"louvain", louvainProcedure},
	"gds.degree":            {"degree", degreeProcedure},
	"gds.degree.centrality": {"degree", degreeProcedure},
}

// Lookup returns the embedded procedure registered under name.
func Lookup(name string) (Procedure, error) {
	p, ok := procedures[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProcedure, name)
	}
	return p.run, nil
}

// Algorithm reports which embedded algorithm runs for name.
func Algorithm(name string) (string, bool) {
	p, ok := procedures[name]
	return p.algorithm, ok
}

// Procedures lists the registered procedure names.
func Procedures() []string {
	names := make([]string, 0, len(procedures))
	for name := range procedures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func louvainProcedure(ctx context.Context, g *graph.KnowledgeGraph, params map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	opts := LouvainOptions{Seed: DefaultSeed, MaxIterations: DefaultMaxIterations}
	if v, ok, err := intParam(params, "randomSeed"); err != nil {
		return nil, err
	} else if ok {
		opts.Seed = v
	}
	if v, ok, err := intParam(params, "maxIterations"); err != nil {
		return nil, err
	} else if ok {
		opts.MaxIterations = int(v)
	}

	partition := Louvain(g, opts)
	out := make(map[string]any, len(partition))
	for id, c := range partition {
		out[id] = int64(c)
	}
	return out, nil
}

func degreeProcedure(ctx context.Context, g *graph.KnowledgeGraph, _ map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	degrees := Degree(g)
	out := make(map[string]any, len(degrees))
	for id, d := range degrees {
		out[id] = int64(d)
	}
	return out, nil
}

// intParam reads an integer parameter that may have been decoded from JSON or YAML.
func intParam(params map[string]any, key string) (int64, bool, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return 0, false, nil
	}

	switch v := raw.(type) {
	case int:
		return int64(v), true, nil
	case int32:
		return int64(v), true, nil
	case int64:
		return v, true, nil
	case float64:
		if v != float64(int64(v)) {
			return 0, false, fmt.Errorf("parameter %s: %v is not an integer", key, v)
		}
		return int64(v), true, nil
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return 0, false, fmt.Errorf("parameter %s: %w", key, err)
		}
		return i, true, nil
	default:
		return 0, false, fmt.Errorf("parameter %s: unsupported type %T", key, raw)
	}
}
