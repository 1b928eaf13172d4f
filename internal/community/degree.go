package community

import "github.com/Benny93/graphmat/internal/graph"

// Degree returns the number of relationships touching each node,
// counting both directions.
func Degree(g *graph.KnowledgeGraph) map[string]int {
	out := make(map[string]int, g.NodeCount())
	for _, id := range g.NodeIDs() {
		out[id] = len(g.GetOutgoing(id)) + len(g.GetIncoming(id))
	}
	return out
}
