package storage

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/Benny93/graphmat/internal/graph"
)

const snippetLength = 200

var camelBoundary = regexp.MustCompile(`([a-z0-9])([A-Z])`)

// tokenizeForFTS splits text into lowercase searchable tokens.
// camelCase words are split as well as kept whole.
func tokenizeForFTS(text string) []string {
	split := camelBoundary.ReplaceAllString(text, "$1 $2")

	seen := make(map[string]bool)
	var tokens []string
	add := func(s string) {
		for _, t := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		}) {
			// Filter out very short tokens
			if len([]rune(t)) < 2 || seen[t] {
				continue
			}
			seen[t] = true
			tokens = append(tokens, t)
		}
	}
	add(text)
	add(split)
	return tokens
}

// nodeText renders the searchable text of a node: label, key and
// properties in key order.
func nodeText(node *graph.GraphNode) string {
	keys := make([]string, 0, len(node.Properties))
	for k := range node.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(string(node.Label))
	b.WriteString(" ")
	b.WriteString(node.Key)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, node.Properties[k])
	}
	return b.String()
}

// scoreNode counts how many query tokens occur in the node's text.
func scoreNode(queryTokens []string, node *graph.GraphNode) (float64, string) {
	text := nodeText(node)

	nodeTokens := make(map[string]bool)
	for _, t := range tokenizeForFTS(text) {
		nodeTokens[t] = true
	}

	score := 0.0
	for _, q := range queryTokens {
		if nodeTokens[q] {
			score++
		}
	}

	snippet := text
	if r := []rune(snippet); len(r) > snippetLength {
		snippet = string(r[:snippetLength])
	}
	return score, snippet
}

// rankNodes scores nodes against a query and keeps the best limit results.
// Ties are broken by node ID.
func rankNodes(query string, nodes []*graph.GraphNode, limit int) []SearchResult {
	queryTokens := tokenizeForFTS(query)
	if len(queryTokens) == 0 {
		return []SearchResult{}
	}

	results := make([]SearchResult, 0)
	for _, node := range nodes {
		score, snippet := scoreNode(queryTokens, node)
		if score == 0 {
			continue
		}
		results = append(results, SearchResult{
			NodeID:  node.ID,
			Label:   string(node.Label),
			Score:   score,
			Snippet: snippet,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].NodeID < results[j].NodeID
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}
