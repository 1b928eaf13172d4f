package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Benny93/graphmat/internal/graph"
)

// Reserved properties on every materialized Neo4j node.
const (
	neo4jBaseLabel = "Materialized"
	propID         = "gm_id"
	propKey        = "gm_key"
	propLabel      = "gm_label"
)

// DefaultGraphName is the GDS in-memory projection used for procedures.
const DefaultGraphName = "graphmat"

// Procedure parameters consumed by the backend instead of being passed to GDS.
const (
	paramGraphName = "graphName"
	paramYield     = "yield"
)

var procedureName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*(\.[A-Za-z][A-Za-z0-9_]*)*$`)

// neo4jConflictCodes are the status codes reported for concurrent writes.
var neo4jConflictCodes = map[string]bool{
	"Neo.TransientError.Transaction.DeadlockDetected":   true,
	"Neo.TransientError.Transaction.LockClientStopped":  true,
	"Neo.TransientError.Transaction.Outdated":           true,
	"Neo.TransientError.Transaction.ConstraintsChanged": true,
	"Neo.ClientError.Schema.ConstraintValidationFailed": true,
}

// Neo4jConfig holds connection settings for a Neo4j server.
type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string

	// GraphName names the GDS projection. Defaults to DefaultGraphName.
	GraphName string
}

// Neo4jBackend stores the graph in Neo4j and delegates procedures to the
// Graph Data Science plugin.
//
// Nodes carry the shared Materialized label plus their own label, and are
// merged on a uniquely constrained gm_id property.
type Neo4jBackend struct {
	driver    neo4j.DriverWithContext
	database  string
	graphName string
}

// Estimate is the memory estimate GDS reports for a write-mode procedure.
type Estimate struct {
	NodeCount         int64  `json:"node_count"`
	RelationshipCount int64  `json:"relationship_count"`
	RequiredMemory    string `json:"required_memory"`
}

// NewNeo4jBackend connects to Neo4j and ensures the identity constraint exists.
func NewNeo4jBackend(ctx context.Context, cfg Neo4jConfig) (*Neo4jBackend, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("neo4j: URI is required")
	}

	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("creating neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("connecting to neo4j at %s: %w", cfg.URI, err)
	}

	graphName := cfg.GraphName
	if graphName == "" {
		graphName = DefaultGraphName
	}

	b := &Neo4jBackend{driver: driver, database: cfg.Database, graphName: graphName}

	constraint := fmt.Sprintf(
		"CREATE CONSTRAINT graphmat_id IF NOT EXISTS FOR (n:%s) REQUIRE n.%s IS UNIQUE",
		neo4jBaseLabel, propID)
	if _, err := b.run(ctx, neo4j.AccessModeWrite, constraint, nil); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("creating identity constraint: %w", err)
	}

	return b, nil
}

// run executes one auto-commit query and collects its records.
func (b *Neo4jBackend) run(ctx context.Context, mode neo4j.AccessMode, query string, params map[string]any) ([]*neo4j.Record, error) {
	if b.driver == nil {
		return nil, ErrNotInitialized
	}

	session := b.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode, DatabaseName: b.database})
	defer session.Close(ctx)

	result, err := session.Run(ctx, query, params)
	if err != nil {
		return nil, err
	}
	return result.Collect(ctx)
}

// UpsertNode implements Backend.
func (b *Neo4jBackend) UpsertNode(ctx context.Context, node *graph.GraphNode) error {
	_, err := b.run(ctx, neo4j.AccessModeWrite, upsertNodeQuery(node.Label), map[string]any{
		"id":    node.ID,
		"key":   node.Key,
		"label": string(node.Label),
		"props": storableProperties(node.Properties),
	})
	return neo4jError(err, "upserting node "+node.ID)
}

// UpsertRelationship implements Backend.
func (b *Neo4jBackend) UpsertRelationship(ctx context.Context, rel *graph.GraphRelationship) error {
	_, err := b.run(ctx, neo4j.AccessModeWrite, upsertRelationshipQuery(rel.Type), map[string]any{
		"source": rel.Source,
		"target": rel.Target,
		"props":  storableProperties(rel.Properties),
	})
	return neo4jError(err, "upserting relationship "+rel.ID)
}

// SetNodeProperty implements Backend.
func (b *Neo4jBackend) SetNodeProperty(ctx context.Context, nodeID, key string, value any) error {
	query := fmt.Sprintf("MATCH (n:%s {%s: $id}) SET n += $props RETURN count(n) AS matched", neo4jBaseLabel, propID)

	records, err := b.run(ctx, neo4j.AccessModeWrite, query, map[string]any{
		"id":    nodeID,
		"props": map[string]any{key: value},
	})
	if err != nil {
		return neo4jError(err, "setting "+key+" on "+nodeID)
	}
	if len(records) == 0 || recordInt(records[0], "matched") == 0 {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	return nil
}

// RunProcedure implements Backend. The materialized graph is projected into
// the GDS catalog, the procedure's stream mode runs over it, and the
// projection is dropped again.
//
// The "graphName" and "yield" parameters are consumed here; everything else
// is passed to the procedure as its configuration.
func (b *Neo4jBackend) RunProcedure(ctx context.Context, name string, params map[string]any) (map[string]any, error) {
	name = strings.TrimSuffix(name, ".stream")
	if err := validateProcedure(name); err != nil {
		return nil, err
	}

	graphName := b.projectionName(params)
	if err := b.project(ctx, graphName); err != nil {
		return nil, err
	}
	defer b.dropProjection(context.WithoutCancel(ctx), graphName)

	records, err := b.run(ctx, neo4j.AccessModeRead, streamQuery(name, yieldColumn(name, params)), map[string]any{
		"graph":  graphName,
		"config": procedureConfig(name, params),
	})
	if err != nil {
		return nil, neo4jError(err, "running "+name)
	}

	out := make(map[string]any, len(records))
	for _, rec := range records {
		id, _ := rec.Get("id")
		value, _ := rec.Get("value")
		if s, ok := id.(string); ok {
			out[s] = value
		}
	}
	return out, nil
}

// EstimateProcedure reports the memory a write-mode run of name would need.
func (b *Neo4jBackend) EstimateProcedure(ctx context.Context, name string, params map[string]any) (*Estimate, error) {
	name = strings.TrimSuffix(name, ".write.estimate")
	if err := validateProcedure(name); err != nil {
		return nil, err
	}

	graphName := b.projectionName(params)
	if err := b.project(ctx, graphName); err != nil {
		return nil, err
	}
	defer b.dropProjection(context.WithoutCancel(ctx), graphName)

	config := procedureConfig(name, params)
	if _, ok := config["writeProperty"]; !ok {
		config["writeProperty"] = "communityId"
	}

	query := fmt.Sprintf(
		"CALL %s.write.estimate($graph, $config) YIELD nodeCount, relationshipCount, requiredMemory "+
			"RETURN nodeCount, relationshipCount, requiredMemory", name)

	records, err := b.run(ctx, neo4j.AccessModeRead, query, map[string]any{"graph": graphName, "config": config})
	if err != nil {
		return nil, neo4jError(err, "estimating "+name)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("estimating %s: no result", name)
	}

	mem, _ := records[0].Get("requiredMemory")
	return &Estimate{
		NodeCount:         recordInt(records[0], "nodeCount"),
		RelationshipCount: recordInt(records[0], "relationshipCount"),
		RequiredMemory:    fmt.Sprint(mem),
	}, nil
}

func (b *Neo4jBackend) projectionName(params map[string]any) string {
	if s, ok := params[paramGraphName].(string); ok && s != "" {
		return s
	}
	return b.graphName
}

// project replaces any existing projection with a fresh undirected one.
func (b *Neo4jBackend) project(ctx context.Context, graphName string) error {
	b.dropProjection(ctx, graphName)

	query := fmt.Sprintf(
		"CALL gds.graph.project($graph, '%s', {ALL: {type: '*', orientation: 'UNDIRECTED'}}) "+
			"YIELD graphName RETURN graphName", neo4jBaseLabel)
	if _, err := b.run(ctx, neo4j.AccessModeWrite, query, map[string]any{"graph": graphName}); err != nil {
		return neo4jError(err, "projecting "+graphName)
	}
	return nil
}

func (b *Neo4jBackend) dropProjection(ctx context.Context, graphName string) {
	// failIfMissing=false; a missing projection is not an error
	_, _ = b.run(ctx, neo4j.AccessModeWrite,
		"CALL gds.graph.drop($graph, false) YIELD graphName RETURN graphName",
		map[string]any{"graph": graphName})
}

// GetNode implements Backend.
func (b *Neo4jBackend) GetNode(ctx context.Context, nodeID string) (*graph.GraphNode, error) {
	query := fmt.Sprintf("MATCH (n:%s {%s: $id}) RETURN n", neo4jBaseLabel, propID)

	records, err := b.run(ctx, neo4j.AccessModeRead, query, map[string]any{"id": nodeID})
	if err != nil {
		return nil, neo4jError(err, "getting node "+nodeID)
	}
	if len(records) == 0 {
		return nil, nil
	}
	return recordNode(records[0], "n"), nil
}

// GetNodesByLabel implements Backend.
func (b *Neo4jBackend) GetNodesByLabel(ctx context.Context, label string) ([]*graph.GraphNode, error) {
	query := fmt.Sprintf("MATCH (n:%s {%s: $label}) RETURN n ORDER BY n.%s", neo4jBaseLabel, propLabel, propID)

	records, err := b.run(ctx, neo4j.AccessModeRead, query, map[string]any{"label": label})
	if err != nil {
		return nil, neo4jError(err, "listing label "+label)
	}

	nodes := make([]*graph.GraphNode, 0, len(records))
	for _, rec := range records {
		if n := recordNode(rec, "n"); n != nil {
			nodes = append(nodes, n)
		}
	}
	return nodes, nil
}

// Neighbors implements Backend.
func (b *Neo4jBackend) Neighbors(ctx context.Context, nodeID string, dir Direction) ([]Neighbor, error) {
	var out []Neighbor

	patterns := map[Direction]string{
		DirectionOutgoing: "(n)-[r]->(m)",
		DirectionIncoming: "(n)<-[r]-(m)",
	}
	for _, d := range []Direction{DirectionOutgoing, DirectionIncoming} {
		if dir != DirectionBoth && dir != d {
			continue
		}

		query := fmt.Sprintf(
			"MATCH (n:%[1]s {%[2]s: $id}) MATCH %[3]s WHERE m:%[1]s "+
				"RETURN type(r) AS type, properties(r) AS props, m",
			neo4jBaseLabel, propID, patterns[d])

		records, err := b.run(ctx, neo4j.AccessModeRead, query, map[string]any{"id": nodeID})
		if err != nil {
			return nil, neo4jError(err, "reading neighbors of "+nodeID)
		}

		for _, rec := range records {
			other := recordNode(rec, "m")
			if other == nil {
				continue
			}
			relType, _ := rec.Get("type")
			props, _ := rec.Get("props")
			propMap, _ := props.(map[string]any)
			if len(propMap) == 0 {
				propMap = nil
			}

			source, target := nodeID, other.ID
			if d == DirectionIncoming {
				source, target = other.ID, nodeID
			}
			out = append(out, Neighbor{
				Relationship: graph.NewRelationship(source, graph.RelType(fmt.Sprint(relType)), target, propMap),
				Node:         other,
			})
		}
	}

	sortNeighbors(out)
	return out, nil
}

// Search implements Backend. Nodes are ranked client-side with the same
// scoring the embedded stores use.
func (b *Neo4jBackend) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	records, err := b.run(ctx, neo4j.AccessModeRead, fmt.Sprintf("MATCH (n:%s) RETURN n", neo4jBaseLabel), nil)
	if err != nil {
		return nil, neo4jError(err, "searching")
	}

	nodes := make([]*graph.GraphNode, 0, len(records))
	for _, rec := range records {
		if n := recordNode(rec, "n"); n != nil {
			nodes = append(nodes, n)
		}
	}
	return rankNodes(query, nodes, limit), nil
}

// Stats implements Backend.
func (b *Neo4jBackend) Stats(ctx context.Context) (*Stats, error) {
	labelQuery := fmt.Sprintf("MATCH (n:%s) RETURN n.%s AS label, count(*) AS count", neo4jBaseLabel, propLabel)
	records, err := b.run(ctx, neo4j.AccessModeRead, labelQuery, nil)
	if err != nil {
		return nil, neo4jError(err, "counting nodes")
	}

	stats := &Stats{Labels: make(map[string]int)}
	for _, rec := range records {
		label, _ := rec.Get("label")
		count := int(recordInt(rec, "count"))
		stats.Labels[fmt.Sprint(label)] += count
		stats.Nodes += count
	}

	relQuery := fmt.Sprintf("MATCH (:%[1]s)-[r]->(:%[1]s) RETURN count(r) AS count", neo4jBaseLabel)
	records, err = b.run(ctx, neo4j.AccessModeRead, relQuery, nil)
	if err != nil {
		return nil, neo4jError(err, "counting relationships")
	}
	if len(records) > 0 {
		stats.Relationships = int(recordInt(records[0], "count"))
	}
	return stats, nil
}

// Close implements Backend.
func (b *Neo4jBackend) Close() error {
	if b.driver == nil {
		return nil
	}
	err := b.driver.Close(context.Background())
	b.driver = nil
	return err
}

// quoteIdentifier escapes a label or relationship type for Cypher.
func quoteIdentifier(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}

func upsertNodeQuery(label graph.NodeLabel) string {
	return fmt.Sprintf(
		"MERGE (n:%s {%s: $id}) SET n += $props, n.%s = $key, n.%s = $label, n:%s",
		neo4jBaseLabel, propID, propKey, propLabel, quoteIdentifier(string(label)))
}

func upsertRelationshipQuery(relType graph.RelType) string {
	return fmt.Sprintf(
		"MERGE (s:%[1]s {%[2]s: $source}) MERGE (t:%[1]s {%[2]s: $target}) "+
			"MERGE (s)-[r:%[3]s]->(t) SET r += $props",
		neo4jBaseLabel, propID, quoteIdentifier(string(relType)))
}

func streamQuery(name, yield string) string {
	return fmt.Sprintf(
		"CALL %s.stream($graph, $config) YIELD nodeId, %s AS value "+
			"RETURN gds.util.asNode(nodeId).%s AS id, value",
		name, yield, propID)
}

// validateProcedure rejects names that are not plain dotted identifiers,
// since the name is interpolated into the query.
func validateProcedure(name string) error {
	if !procedureName.MatchString(name) {
		return fmt.Errorf("%w: invalid procedure name %q", ErrUnknownProcedure, name)
	}
	return nil
}

// yieldColumn picks the stream column holding each node's result.
func yieldColumn(name string, params map[string]any) string {
	if s, ok := params[paramYield].(string); ok && procedureName.MatchString(s) {
		return s
	}
	lower := strings.ToLower(name)
	for _, centrality := range []string{"degree", "pagerank", "betweenness", "closeness", "articlerank", "eigenvector"} {
		if strings.Contains(lower, centrality) {
			return "score"
		}
	}
	return "communityId"
}

// procedureConfig copies params minus the backend's own keys. Community
// detection gets a fixed seed unless one is given.
func procedureConfig(name string, params map[string]any) map[string]any {
	config := make(map[string]any, len(params)+1)
	for k, v := range params {
		if k == paramGraphName || k == paramYield {
			continue
		}
		config[k] = v
	}

	lower := strings.ToLower(name)
	if strings.Contains(lower, "leiden") || strings.Contains(lower, "louvain") {
		if _, ok := config["randomSeed"]; !ok {
			config["randomSeed"] = int64(19)
		}
	}
	return config
}

// storableProperties converts property values into types the driver accepts.
func storableProperties(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		if k == propID || k == propKey || k == propLabel {
			continue
		}
		out[k] = v
	}
	return out
}

func recordNode(rec *neo4j.Record, key string) *graph.GraphNode {
	raw, ok := rec.Get(key)
	if !ok {
		return nil
	}
	n, ok := raw.(neo4j.Node)
	if !ok {
		return nil
	}
	return nodeFromProps(n.Props)
}

// nodeFromProps rebuilds a GraphNode from stored Neo4j properties.
func nodeFromProps(props map[string]any) *graph.GraphNode {
	node := &graph.GraphNode{Properties: make(map[string]any, len(props))}
	for k, v := range props {
		switch k {
		case propID:
			node.ID = fmt.Sprint(v)
		case propKey:
			node.Key = fmt.Sprint(v)
		case propLabel:
			node.Label = graph.NodeLabel(fmt.Sprint(v))
		default:
			node.Properties[k] = v
		}
	}
	if len(node.Properties) == 0 {
		node.Properties = nil
	}
	return node
}

func recordInt(rec *neo4j.Record, key string) int64 {
	raw, ok := rec.Get(key)
	if !ok || raw == nil {
		return 0
	}
	switch v := raw.(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// neo4jError maps driver errors onto storage errors.
func neo4jError(err error, what string) error {
	if err == nil {
		return nil
	}

	var dbErr *neo4j.Neo4jError
	if errors.As(err, &dbErr) {
		if neo4jConflictCodes[dbErr.Code] {
			return fmt.Errorf("%s: %w: %w", what, ErrWriteConflict, err)
		}
		if dbErr.Code == "Neo.ClientError.Procedure.ProcedureNotFound" {
			return fmt.Errorf("%s: %w: %w", what, ErrUnknownProcedure, err)
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}
