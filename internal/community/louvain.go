// Package community runs community detection and writes the labels back onto nodes.
//
// Detection is delegated to the store through RunProcedure. Stores without
// a native engine run the embedded procedures registered here.
package community

import (
	"math/rand"
	"sort"

	"github.com/Benny93/graphmat/internal/graph"
)

// DefaultSeed makes repeated runs over the same graph produce the same partition.
const DefaultSeed int64 = 19

// DefaultMaxIterations bounds the number of local-move sweeps.
const DefaultMaxIterations = 100

// LouvainOptions configures Louvain.
type LouvainOptions struct {
	Seed          int64
	MaxIterations int
}

// Louvain partitions the undirected projection of every relationship in g
// by greedy modularity optimisation.
//
// Returns node ID -> community ID. Community IDs are consecutive from 0 and
// numbered in node ID order.
func Louvain(g *graph.KnowledgeGraph, opts LouvainOptions) map[string]int {
	ids := g.NodeIDs()
	if len(ids) == 0 {
		return map[string]int{}
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}

	adj := buildAdjacency(g, ids)
	communities := assignCommunities(adj, opts)

	out := make(map[string]int, len(ids))
	for i, id := range ids {
		out[id] = communities[i]
	}
	return out
}

// adjacency is an undirected weighted graph over node indexes.
type adjacency struct {
	weights []map[int]float64
	degrees []float64
	total   float64
}

func buildAdjacency(g *graph.KnowledgeGraph, ids []string) *adjacency {
	index := make(map[string]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}

	adj := &adjacency{
		weights: make([]map[int]float64, len(ids)),
		degrees: make([]float64, len(ids)),
	}
	for i := range adj.weights {
		adj.weights[i] = make(map[int]float64)
	}

	for rel := range g.IterRelationships() {
		src, srcOK := index[rel.Source]
		tgt, tgtOK := index[rel.Target]
		if !srcOK || !tgtOK || src == tgt {
			continue
		}
		adj.weights[src][tgt]++
		adj.weights[tgt][src]++
		adj.degrees[src]++
		adj.degrees[tgt]++
		adj.total += 2
	}
	return adj
}

// assignCommunities moves nodes between neighbouring communities until no
// move improves modularity. Returns community per node index.
func assignCommunities(adj *adjacency, opts LouvainOptions) []int {
	n := len(adj.weights)

	communities := make([]int, n)
	totals := make([]float64, n)
	for i := range communities {
		communities[i] = i
		totals[i] = adj.degrees[i]
	}

	if adj.total > 0 {
		rng := rand.New(rand.NewSource(opts.Seed))

		improved := true
		for iter := 0; improved && iter < opts.MaxIterations; iter++ {
			improved = false

			for _, node := range rng.Perm(n) {
				current := communities[node]
				ki := adj.degrees[node]

				// Weight from node into each neighbouring community.
				links := make(map[int]float64)
				for j, w := range adj.weights[node] {
					links[communities[j]] += w
				}

				totals[current] -= ki

				best := current
				bestGain := modularityGain(links[current], totals[current], ki, adj.total)

				candidates := make([]int, 0, len(links))
				for comm := range links {
					candidates = append(candidates, comm)
				}
				sort.Ints(candidates)

				for _, comm := range candidates {
					if comm == current {
						continue
					}
					gain := modularityGain(links[comm], totals[comm], ki, adj.total)
					if gain > bestGain {
						best = comm
						bestGain = gain
					}
				}

				totals[best] += ki
				if best != current {
					communities[node] = best
					improved = true
				}
			}
		}
	}

	// Renumber communities to be consecutive
	renumber := make(map[int]int)
	for i, comm := range communities {
		id, ok := renumber[comm]
		if !ok {
			id = len(renumber)
			renumber[comm] = id
		}
		communities[i] = id
	}
	return communities
}

// modularityGain is the gain of placing a node with degree ki into a
// community it links to with weight kin and whose degree sum is tot.
// Constant factors are dropped since only comparisons matter.
func modularityGain(kin, tot, ki, total float64) float64 {
	return kin - tot*ki/total
}

// Count returns the number of distinct communities in a partition.
func Count(partition map[string]int) int {
	seen := make(map[int]struct{})
	for _, c := range partition {
		seen[c] = struct{}{}
	}
	return len(seen)
}
