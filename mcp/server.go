// Package mcp provides the MCP (Model Context Protocol) server for graphmat.
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Benny93/graphmat/internal/community"
	"github.com/Benny93/graphmat/internal/ingestion"
	"github.com/Benny93/graphmat/internal/logging"
	"github.com/Benny93/graphmat/internal/materializer"
	"github.com/Benny93/graphmat/internal/storage"
)

const (
	serverName      = "graphmat"
	protocolVersion = "2024-11-05"
	defaultLimit    = 20
)

// Version is reported to clients during initialization.
var Version = "0.1.0"

// Server represents the MCP server.
type Server struct {
	store        storage.Backend
	materializer *materializer.Materializer
	logger       *log.Logger
	server       *mcp.Server
}

// Tool represents an MCP tool.
type Tool struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	InputSchema *jsonschema.Schema `json:"inputSchema"`
}

// Resource represents an MCP resource.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MimeType    string `json:"mimeType"`
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. It must not write to the protocol stream.
func WithLogger(l *log.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a new MCP server over store. m is used by the ingest tool.
func NewServer(store storage.Backend, m *materializer.Materializer, opts ...Option) *Server {
	s := &Server{
		store:        store,
		materializer: m,
		logger:       logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.server = mcp.NewServer(&mcp.Implementation{
		Name:    serverName,
		Version: Version,
	}, nil)

	s.registerTools()
	s.registerResources()

	return s
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []Tool {
	object := func(props map[string]*jsonschema.Schema, required ...string) *jsonschema.Schema {
		return &jsonschema.Schema{Type: "object", Properties: props, Required: required}
	}

	return []Tool{
		{
			Name:        "graphmat_stats",
			Description: "Count nodes, relationships and nodes per label in the materialized graph.",
			InputSchema: object(map[string]*jsonschema.Schema{}),
		},
		{
			Name:        "graphmat_node",
			Description: "Get a node by identity ({Label}:{key}) with its properties and relationships.",
			InputSchema: object(map[string]*jsonschema.Schema{
				"id": {Type: "string", Description: "Node identity, e.g. Person:a1"},
			}, "id"),
		},
		{
			Name:        "graphmat_neighbors",
			Description: "List the nodes connected to a node.",
			InputSchema: object(map[string]*jsonschema.Schema{
				"id": {Type: "string", Description: "Node identity"},
				"direction": {
					Type:        "string",
					Enum:        []any{"outgoing", "incoming", "both"},
					Description: "Relationship direction (default both)",
				},
			}, "id"),
		},
		{
			Name:        "graphmat_search",
			Description: "Search node labels, keys and property values. Returns ranked nodes.",
			InputSchema: object(map[string]*jsonschema.Schema{
				"query": {Type: "string", Description: "Search query text"},
				"limit": {Type: "integer", Description: "Maximum number of results"},
			}, "query"),
		},
		{
			Name:        "graphmat_ingest",
			Description: "Materialize JSON into the graph: either an inline document or a file or directory path.",
			InputSchema: object(map[string]*jsonschema.Schema{
				"document":    {Type: "string", Description: "Inline JSON document"},
				"document_id": {Type: "string", Description: "Identifier reported in errors for an inline document"},
				"path":        {Type: "string", Description: "File or directory of .json/.jsonl files"},
				"repair":      {Type: "boolean", Description: "Retry malformed documents after JSON repair"},
			}),
		},
		{
			Name:        "graphmat_communities",
			Description: "Run a community detection procedure and write each node's label back as a property.",
			InputSchema: object(map[string]*jsonschema.Schema{
				"procedure": {Type: "string", Description: "Procedure name (default " + community.DefaultProcedure + ")"},
				"property":  {Type: "string", Description: "Property to write (default " + community.DefaultProperty + ")"},
				"params":    {Type: "object", Description: "Procedure parameters"},
			}),
		},
	}
}

// ListResources returns all registered resources.
func (s *Server) ListResources() []Resource {
	return []Resource{
		{
			URI:         "graphmat://overview",
			Name:        "Graph Overview",
			Description: "Node and relationship counts of the materialized graph",
			MimeType:    "text/plain",
		},
		{
			URI:         "graphmat://schema",
			Name:        "Graph Schema",
			Description: "How JSON documents map onto labels, properties and relationships",
			MimeType:    "text/plain",
		},
	}
}

// CallTool executes a tool with the given arguments.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	switch name {
	case "graphmat_stats":
		return handleStats(ctx, s.store)
	case "graphmat_node":
		id, _ := args["id"].(string)
		return handleNode(ctx, s.store, id)
	case "graphmat_neighbors":
		id, _ := args["id"].(string)
		direction, _ := args["direction"].(string)
		return handleNeighbors(ctx, s.store, id, direction)
	case "graphmat_search":
		query, _ := args["query"].(string)
		limit, _ := args["limit"].(float64)
		if limit <= 0 {
			limit = defaultLimit
		}
		return handleSearch(ctx, s.store, query, int(limit))
	case "graphmat_ingest":
		return s.handleIngest(ctx, args)
	case "graphmat_communities":
		procedure, _ := args["procedure"].(string)
		property, _ := args["property"].(string)
		params, _ := args["params"].(map[string]any)
		return s.handleCommunities(ctx, procedure, property, params)
	default:
		return "", fmt.Errorf("unknown tool: %s", name)
	}
}

// ReadResource reads a resource by URI.
func (s *Server) ReadResource(ctx context.Context, uri string) (string, error) {
	switch uri {
	case "graphmat://overview":
		return getOverview(ctx, s.store)
	case "graphmat://schema":
		return s.getSchema(ctx)
	default:
		return "", fmt.Errorf("unknown resource: %s", uri)
	}
}

// RunStdio serves over the SDK stdio transport. This is the default.
func (s *Server) RunStdio(ctx context.Context) error {
	return s.Serve(ctx, &mcp.StdioTransport{})
}

// Serve runs the SDK server over t until the client disconnects or ctx ends.
func (s *Server) Serve(ctx context.Context, t mcp.Transport) error {
	return s.server.Run(ctx, t)
}

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type textContent struct {
	Type     string `json:"type"`
	URI      string `json:"uri,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text"`
}

// Run serves the built-in loop: one JSON-RPC request per line of stdin,
// one response per line of stdout. Requests without an id are notifications.
func (s *Server) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	if stdin == nil || stdout == nil {
		return fmt.Errorf("stdin and stdout must not be nil")
	}

	reader := bufio.NewReader(stdin)
	encoder := json.NewEncoder(stdout)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) && len(bytes.TrimSpace(line)) == 0 {
			return nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}

		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.logger.Warn("skipping unparseable request", "err", err)
			continue
		}
		if req.ID == nil {
			continue
		}

		resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
		resp.Result, resp.Error = s.dispatch(ctx, req.Method, req.Params)
		if err := encoder.Encode(resp); err != nil {
			return err
		}
	}
}

func (s *Server) dispatch(ctx context.Context, method string, params json.RawMessage) (any, *rpcError) {
	switch method {
	case "initialize":
		return map[string]any{
			"protocolVersion": protocolVersion,
			"serverInfo":      map[string]any{"name": serverName, "version": Version},
			"capabilities": map[string]any{
				"tools":     map[string]any{"listChanged": false},
				"resources": map[string]any{"listChanged": false},
			},
		}, nil

	case "ping":
		return struct{}{}, nil

	case "tools/list":
		return map[string]any{"tools": s.ListTools()}, nil

	case "tools/call":
		var p struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if len(params) == 0 || json.Unmarshal(params, &p) != nil {
			return nil, &rpcError{Code: -32602, Message: "Invalid params"}
		}
		text, err := s.CallTool(ctx, p.Name, p.Arguments)
		if err != nil {
			return nil, &rpcError{Code: -32000, Message: err.Error()}
		}
		return map[string]any{"content": []textContent{{Type: "text", Text: text}}}, nil

	case "resources/list":
		return map[string]any{"resources": s.ListResources()}, nil

	case "resources/read":
		var p struct {
			URI string `json:"uri"`
		}
		if len(params) == 0 || json.Unmarshal(params, &p) != nil {
			return nil, &rpcError{Code: -32602, Message: "Invalid params"}
		}
		text, err := s.ReadResource(ctx, p.URI)
		if err != nil {
			return nil, &rpcError{Code: -32000, Message: err.Error()}
		}
		return map[string]any{
			"contents": []textContent{{URI: p.URI, MimeType: "text/plain", Text: text}},
		}, nil

	default:
		return nil, &rpcError{Code: -32601, Message: "Method not found: " + method}
	}
}

// Tool Handlers

func handleStats(ctx context.Context, store storage.Backend) (string, error) {
	stats, err := store.Stats(ctx)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Nodes: %d\n", stats.Nodes)
	fmt.Fprintf(&sb, "Relationships: %d\n", stats.Relationships)
	if len(stats.Labels) > 0 {
		sb.WriteString("\nLabels:\n")
		for _, label := range sortedKeys(stats.Labels) {
			fmt.Fprintf(&sb, "  %s: %d\n", label, stats.Labels[label])
		}
	}
	return sb.String(), nil
}

func handleNode(ctx context.Context, store storage.Backend, id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("id is required")
	}

	node, err := store.GetNode(ctx, id)
	if err != nil {
		return "", err
	}
	if node == nil {
		return fmt.Sprintf("Node '%s' not found", id), nil
	}

	neighbors, err := store.Neighbors(ctx, id, storage.DirectionBoth)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", node.ID)
	fmt.Fprintf(&sb, "Label: %s\n", node.Label)
	fmt.Fprintf(&sb, "Key: %s\n", node.Key)

	if len(node.Properties) > 0 {
		sb.WriteString("\n## Properties\n\n")
		for _, k := range sortedKeys(node.Properties) {
			fmt.Fprintf(&sb, "- %s: %s\n", k, formatValue(node.Properties[k]))
		}
	}

	if len(neighbors) > 0 {
		sb.WriteString("\n## Relationships\n\n")
		writeNeighbors(&sb, id, neighbors)
	}

	sb.WriteString("\nNext: Use `graphmat_neighbors` to walk further.")
	return sb.String(), nil
}

func handleNeighbors(ctx context.Context, store storage.Backend, id, direction string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("id is required")
	}

	dir, err := storage.ParseDirection(direction)
	if err != nil {
		return "", err
	}

	neighbors, err := store.Neighbors(ctx, id, dir)
	if err != nil {
		return "", err
	}
	if len(neighbors) == 0 {
		return fmt.Sprintf("No %s neighbors of '%s'", dir, id), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d neighbors of '%s':\n\n", len(neighbors), id)
	writeNeighbors(&sb, id, neighbors)
	return sb.String(), nil
}

func writeNeighbors(sb *strings.Builder, id string, neighbors []storage.Neighbor) {
	for _, n := range neighbors {
		rel := n.Relationship
		arrow := fmt.Sprintf("-[%s]-> %s", rel.Type, rel.Target)
		if rel.Source != id {
			arrow = fmt.Sprintf("<-[%s]- %s", rel.Type, rel.Source)
		}
		if idx, ok := rel.Properties["index"]; ok {
			arrow += fmt.Sprintf(" (index %v)", idx)
		}
		fmt.Fprintf(sb, "- %s\n", arrow)
	}
}

func handleSearch(ctx context.Context, store storage.Backend, query string, limit int) (string, error) {
	if query == "" {
		return "No query provided", nil
	}

	results, err := store.Search(ctx, query, limit)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "No results found", nil
	}
	return formatSearchResults(results, query), nil
}

// formatSearchResults formats search results as markdown.
func formatSearchResults(results []storage.SearchResult, query string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d results for '%s':\n\n", len(results), query)

	for i, r := range results {
		fmt.Fprintf(&sb, "%d. **%s** (%s)\n", i+1, r.NodeID, r.Label)
		fmt.Fprintf(&sb, "   Score: %.3f\n", r.Score)
		if r.Snippet != "" {
			fmt.Fprintf(&sb, "   %s\n", r.Snippet)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Next: Use `graphmat_node` on a result for its properties and relationships.")
	return sb.String()
}

func (s *Server) handleIngest(ctx context.Context, args map[string]any) (string, error) {
	if s.materializer == nil {
		return "", fmt.Errorf("ingestion is not enabled on this server")
	}

	document, _ := args["document"].(string)
	path, _ := args["path"].(string)
	repair, _ := args["repair"].(bool)

	var src ingestion.Source
	switch {
	case document != "" && path != "":
		return "", fmt.Errorf("pass either document or path, not both")
	case document != "":
		docID, _ := args["document_id"].(string)
		if docID == "" {
			docID = "inline"
		}
		src = ingestion.NewReaderSource(docID, strings.NewReader(compactJSON(document)))
	case path != "":
		var err error
		if src, err = ingestion.OpenSource(path); err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("document or path is required")
	}

	result, err := ingestion.RunPass(ctx, s.materializer, s.store, src, ingestion.Options{
		ContinueOnError: true,
		Repair:          repair,
		Logger:          s.logger,
	})
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Pass %s\n", result.PassID)
	fmt.Fprintf(&sb, "Documents: %d\n", result.Documents)
	fmt.Fprintf(&sb, "Ingested: %d\n", result.Ingested)
	if result.Repaired > 0 {
		fmt.Fprintf(&sb, "Repaired: %d\n", result.Repaired)
	}
	fmt.Fprintf(&sb, "Node upserts: %d\n", result.Nodes)
	fmt.Fprintf(&sb, "Relationship upserts: %d\n", result.Relationships)
	if result.Failed() {
		fmt.Fprintf(&sb, "\nFailed (%d):\n", len(result.Errors))
		for _, e := range result.Errors {
			fmt.Fprintf(&sb, "- %s\n", e.Error())
		}
	}
	return sb.String(), nil
}

// compactJSON folds a multi-line document onto one line so it reads as a
// single JSON-lines document. Invalid JSON only has its newlines replaced.
func compactJSON(doc string) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(doc)); err != nil {
		return strings.ReplaceAll(doc, "\n", " ")
	}
	return buf.String()
}

func (s *Server) handleCommunities(ctx context.Context, procedure, property string, params map[string]any) (string, error) {
	result, err := community.Run(ctx, s.store, community.Options{
		Procedure: procedure,
		Params:    params,
		Property:  property,
		Logger:    s.logger,
	})
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("Procedure: %s\nProperty: %s\nNodes written: %d\nDistinct values: %d\n",
		result.Procedure, result.Property, result.NodesWritten, result.Communities), nil
}

// Resources

func getOverview(ctx context.Context, store storage.Backend) (string, error) {
	stats, err := store.Stats(ctx)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("# graphmat Graph Overview\n\n")
	fmt.Fprintf(&sb, "**Nodes:** %d\n", stats.Nodes)
	fmt.Fprintf(&sb, "**Relationships:** %d\n", stats.Relationships)
	if len(stats.Labels) > 0 {
		sb.WriteString("\n## Labels\n\n")
		for _, label := range sortedKeys(stats.Labels) {
			fmt.Fprintf(&sb, "- %s: %d\n", label, stats.Labels[label])
		}
	}
	return sb.String(), nil
}

func (s *Server) getSchema(ctx context.Context) (string, error) {
	var sb strings.Builder
	sb.WriteString("# graphmat Graph Schema\n\n")
	sb.WriteString("Every JSON object becomes one node; nested objects become relationships typed by their field name.\n\n")
	sb.WriteString("| Element | Identity | Notes |\n")
	sb.WriteString("|---------|----------|-------|\n")
	sb.WriteString("| Node | `{Label}:{key}` | scalar fields are properties, nulls omitted |\n")
	sb.WriteString("| Relationship | `source|type|target` | one per triple, `index` property under index-as-property |\n")
	sb.WriteString("| Community label | node property | overwritten on every run |\n")

	if s.materializer != nil {
		p := s.materializer.Policy()
		sb.WriteString("\n## Mapping Policy\n\n")
		fmt.Fprintf(&sb, "- id_field: %s\n", p.IDField)
		fmt.Fprintf(&sb, "- label_field: %s\n", p.LabelField)
		fmt.Fprintf(&sb, "- array_strategy: %s\n", p.ArrayStrategy)
		fmt.Fprintf(&sb, "- identity_fallback: %s\n", p.IdentityFallback)
		fmt.Fprintf(&sb, "- root_label: %s\n", p.RootLabel)
	}

	stats, err := s.store.Stats(ctx)
	if err != nil {
		return "", err
	}
	if len(stats.Labels) > 0 {
		sb.WriteString("\n## Labels In Use\n\n")
		for _, label := range sortedKeys(stats.Labels) {
			fmt.Fprintf(&sb, "- `%s`\n", label)
		}
	}
	return sb.String(), nil
}

// Helper functions

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = fmt.Sprint(item)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprint(val)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// registerTools registers the tools with the SDK server. Handlers share
// CallTool with the built-in loop.
func (s *Server) registerTools() {
	for _, tool := range s.ListTools() {
		name := tool.Name
		s.server.AddTool(&mcp.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := map[string]any{}
			if req.Params != nil && len(req.Params.Arguments) > 0 {
				if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
					return nil, fmt.Errorf("decoding arguments: %w", err)
				}
			}

			text, err := s.CallTool(ctx, name, args)
			if err != nil {
				return &mcp.CallToolResult{
					Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
					IsError: true,
				}, nil
			}
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}, nil
		})
	}
}

// registerResources registers the resources with the SDK server.
func (s *Server) registerResources() {
	for _, res := range s.ListResources() {
		s.server.AddResource(&mcp.Resource{
			URI:         res.URI,
			Name:        res.Name,
			Description: res.Description,
			MIMEType:    res.MimeType,
		}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
			text, err := s.ReadResource(ctx, req.Params.URI)
			if err != nil {
				return nil, err
			}
			return &mcp.ReadResourceResult{
				Contents: []*mcp.ResourceContents{{URI: req.Params.URI, MIMEType: res.MimeType, Text: text}},
			}, nil
		})
	}
}
