package storage

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/graphmat/internal/graph"
)

func TestQuoteIdentifier(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "`Person`", quoteIdentifier("Person"))
	assert.Equal(t, "`home address`", quoteIdentifier("home address"))
	assert.Equal(t, "`a``b`", quoteIdentifier("a`b"))
}

func TestUpsertQueries(t *testing.T) {
	t.Parallel()

	assert.Equal(t,
		"MERGE (n:Materialized {gm_id: $id}) SET n += $props, n.gm_key = $key, n.gm_label = $label, n:`Person`",
		upsertNodeQuery("Person"))

	assert.Equal(t,
		"MERGE (s:Materialized {gm_id: $source}) MERGE (t:Materialized {gm_id: $target}) "+
			"MERGE (s)-[r:`address`]->(t) SET r += $props",
		upsertRelationshipQuery("address"))
}

func TestStreamQuery(t *testing.T) {
	t.Parallel()

	assert.Equal(t,
		"CALL gds.leiden.stream($graph, $config) YIELD nodeId, communityId AS value "+
			"RETURN gds.util.asNode(nodeId).gm_id AS id, value",
		streamQuery("gds.leiden", "communityId"))
}

func TestValidateProcedure(t *testing.T) {
	t.Parallel()

	for _, ok := range []string{"gds.leiden", "gds.degree", "gds.beta.k1coloring", "louvain"} {
		assert.NoError(t, validateProcedure(ok), ok)
	}
	for _, bad := range []string{"", "gds.leiden(", "x; MATCH (n) DETACH DELETE n", ".gds", "gds..leiden"} {
		assert.ErrorIs(t, validateProcedure(bad), ErrUnknownProcedure, bad)
	}
}

func TestYieldColumn(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "communityId", yieldColumn("gds.leiden", nil))
	assert.Equal(t, "communityId", yieldColumn("gds.louvain", nil))
	assert.Equal(t, "score", yieldColumn("gds.degree", nil))
	assert.Equal(t, "score", yieldColumn("gds.pageRank", nil))
	assert.Equal(t, "componentId", yieldColumn("gds.wcc", map[string]any{"yield": "componentId"}))
	assert.Equal(t, "communityId", yieldColumn("gds.leiden", map[string]any{"yield": "x) RETURN 1 //"}))
}

func TestProcedureConfig(t *testing.T) {
	t.Parallel()

	config := procedureConfig("gds.leiden", map[string]any{
		"graphName":   "g",
		"yield":       "communityId",
		"concurrency": 4,
	})
	assert.Equal(t, map[string]any{"concurrency": 4, "randomSeed": int64(19)}, config)

	config = procedureConfig("gds.leiden", map[string]any{"randomSeed": 7})
	assert.Equal(t, 7, config["randomSeed"])

	config = procedureConfig("gds.degree", nil)
	assert.Empty(t, config)
}

func TestNodeFromProps(t *testing.T) {
	t.Parallel()

	node := nodeFromProps(map[string]any{
		"gm_id":    "Person:a1",
		"gm_key":   "a1",
		"gm_label": "Person",
		"name":     "Ann",
	})

	assert.Equal(t, &graph.GraphNode{
		ID:         "Person:a1",
		Key:        "a1",
		Label:      "Person",
		Properties: map[string]any{"name": "Ann"},
	}, node)
}

func TestStorableProperties(t *testing.T) {
	t.Parallel()

	props := storableProperties(map[string]any{"gm_id": "spoof", "name": "Ann"})
	assert.Equal(t, map[string]any{"name": "Ann"}, props)
	assert.NotNil(t, storableProperties(nil))
}

func TestNeo4jError(t *testing.T) {
	t.Parallel()

	assert.NoError(t, neo4jError(nil, "x"))

	deadlock := &neo4j.Neo4jError{Code: "Neo.TransientError.Transaction.DeadlockDetected", Msg: "deadlock"}
	assert.ErrorIs(t, neo4jError(deadlock, "upserting node Person:a1"), ErrWriteConflict)

	constraint := &neo4j.Neo4jError{Code: "Neo.ClientError.Schema.ConstraintValidationFailed", Msg: "exists"}
	assert.ErrorIs(t, neo4jError(constraint, "x"), ErrWriteConflict)

	missing := &neo4j.Neo4jError{Code: "Neo.ClientError.Procedure.ProcedureNotFound", Msg: "no"}
	assert.ErrorIs(t, neo4jError(missing, "x"), ErrUnknownProcedure)

	syntax := &neo4j.Neo4jError{Code: "Neo.ClientError.Statement.SyntaxError", Msg: "bad"}
	err := neo4jError(syntax, "x")
	assert.NotErrorIs(t, err, ErrWriteConflict)
	var dbErr *neo4j.Neo4jError
	assert.True(t, errors.As(err, &dbErr))
}

func TestNeo4jBackend_RequiresURI(t *testing.T) {
	t.Parallel()

	_, err := NewNeo4jBackend(context.Background(), Neo4jConfig{})
	assert.Error(t, err)
}

func TestNeo4jBackend_Unopened(t *testing.T) {
	t.Parallel()

	b := &Neo4jBackend{}
	err := b.UpsertNode(context.Background(), &graph.GraphNode{ID: "x", Label: "X"})
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.NoError(t, b.Close())
}

// Runs against a live server only when NEO4J_URI is set.
func TestNeo4jBackend_Live(t *testing.T) {
	uri := os.Getenv("NEO4J_URI")
	if uri == "" {
		t.Skip("NEO4J_URI not set")
	}

	ctx := context.Background()
	b, err := NewNeo4jBackend(ctx, Neo4jConfig{
		URI:      uri,
		Username: os.Getenv("NEO4J_USER"),
		Password: os.Getenv("NEO4J_PASSWORD"),
		Database: os.Getenv("NEO4J_DATABASE"),
	})
	require.NoError(t, err)
	defer b.Close()

	node := &graph.GraphNode{ID: "Person:graphmat-test", Label: "Person", Key: "graphmat-test",
		Properties: map[string]any{"name": "Ann"}}
	require.NoError(t, b.UpsertNode(ctx, node))
	require.NoError(t, b.UpsertNode(ctx, node))

	got, err := b.GetNode(ctx, node.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Ann", got.Properties["name"])

	require.NoError(t, b.SetNodeProperty(ctx, node.ID, "communityId", int64(3)))
	got, err = b.GetNode(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Properties["communityId"])
}
