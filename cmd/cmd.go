// Package cmd provides CLI command implementations for graphmat.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"

	"github.com/Benny93/graphmat/internal/community"
	"github.com/Benny93/graphmat/internal/ingestion"
	"github.com/Benny93/graphmat/internal/storage"
	"github.com/Benny93/graphmat/mcp"
)

// Version is set at build time via ldflags.
var Version = "dev"

// IngestCmd materializes JSON documents into the graph store.
type IngestCmd struct {
	Paths       []string `arg:"" optional:"" help:"Files or directories of .json/.jsonl documents, - for stdin"`
	StopOnError bool     `help:"Abort a pass at the first failing document"`
	Repair      bool     `help:"Retry malformed documents after JSON repair"`
	Communities bool     `help:"Run community detection after ingestion"`
	Procedure   string   `default:"gds.leiden" help:"Community procedure used with --communities"`
	JSON        bool     `help:"Print pass results as JSON"`
}

// Run executes the ingest command.
func (c *IngestCmd) Run(g *Globals) error {
	ctx, cancel := signalContext()
	defer cancel()

	logger := g.logger()
	m, err := g.materializer(logger)
	if err != nil {
		return err
	}

	paths := c.Paths
	if len(paths) == 0 {
		paths = []string{"."}
	}

	passes := make([]ingestion.Pass, 0, len(paths))
	for _, p := range paths {
		src, err := ingestion.OpenSource(p)
		if err != nil {
			return err
		}
		opts := ingestion.Options{
			ContinueOnError: !c.StopOnError,
			Repair:          c.Repair,
			Logger:          logger,
		}
		if !g.Quiet && !c.JSON && len(paths) == 1 {
			opts.Progress = func(done int, docID string) {
				fmt.Fprintf(os.Stderr, "\r\033[K%d documents (%s)", done, docID)
			}
		}
		passes = append(passes, ingestion.Pass{Source: src, Options: opts})
	}

	store, err := g.openStore(ctx, false)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	results, runErr := ingestion.RunPasses(ctx, m, store, passes)
	if len(paths) == 1 && !g.Quiet && !c.JSON {
		fmt.Fprintln(os.Stderr) // newline after progress
	}

	summaries := make([]passSummary, 0, len(results))
	for i, r := range results {
		if r != nil {
			summaries = append(summaries, summarize(paths[i], r))
		}
	}

	if c.JSON {
		out, _ := json.MarshalIndent(summaries, "", "  ")
		fmt.Println(string(out))
	} else {
		printPasses(paths, results)
	}

	if len(summaries) > 0 {
		if err := g.writeMeta(context.WithoutCancel(ctx), store, m.Policy(), summaries); err != nil {
			return err
		}
	}
	if runErr != nil {
		return fmt.Errorf("ingesting: %w", runErr)
	}

	if c.Communities {
		return runCommunities(ctx, g, store, community.Options{Procedure: c.Procedure})
	}
	return nil
}

func printPasses(paths []string, results []*ingestion.PassResult) {
	for i, r := range results {
		if r == nil {
			continue
		}
		if r.Failed() {
			color.Yellow("⚠ %s: %d of %d documents failed", paths[i], len(r.Errors), r.Documents)
			for _, e := range r.Errors {
				fmt.Printf("  - %v\n", e)
			}
		} else {
			color.Green("✓ %s", paths[i])
		}
		fmt.Printf("  Documents:      %d\n", r.Documents)
		fmt.Printf("  Ingested:       %d\n", r.Ingested)
		if r.Repaired > 0 {
			fmt.Printf("  Repaired:       %d\n", r.Repaired)
		}
		fmt.Printf("  Nodes:          %d\n", r.Nodes)
		fmt.Printf("  Relationships:  %d\n", r.Relationships)
		fmt.Printf("  Duration:       %.2fs\n", r.DurationSecs)
	}
}

// CommunitiesCmd runs community detection and writes the labels back.
type CommunitiesCmd struct {
	Procedure string            `default:"gds.leiden" help:"Procedure to run"`
	Property  string            `default:"communityId" help:"Node property receiving the label"`
	Param     map[string]string `short:"p" help:"Procedure parameter as key=value"`
}

// Run executes the communities command.
func (c *CommunitiesCmd) Run(g *Globals) error {
	ctx, cancel := signalContext()
	defer cancel()

	params, err := parseParams(c.Param)
	if err != nil {
		return err
	}

	store, err := g.openStore(ctx, false)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	return runCommunities(ctx, g, store, community.Options{
		Procedure: c.Procedure,
		Property:  c.Property,
		Params:    params,
	})
}

func runCommunities(ctx context.Context, g *Globals, store storage.Backend, opts community.Options) error {
	opts.Logger = g.logger()
	if opts.Procedure == "" {
		opts.Procedure = community.DefaultProcedure
	}

	// Only Neo4j runs GDS itself; other stores substitute an embedded algorithm.
	algorithm := opts.Procedure
	if g.Store != storeNeo4j {
		if alg, ok := community.Algorithm(opts.Procedure); ok {
			algorithm = alg
		}
	}
	if algorithm != opts.Procedure {
		opts.Logger.Info("running embedded algorithm", "procedure", opts.Procedure, "algorithm", algorithm)
	}

	result, err := community.Run(ctx, store, opts)
	if err != nil {
		return err
	}

	color.Green("✓ %s labels written to %s", result.Procedure, result.Property)
	fmt.Printf("  Algorithm:      %s\n", algorithm)
	fmt.Printf("  Nodes:          %d\n", result.NodesWritten)
	fmt.Printf("  Communities:    %d\n", result.Communities)
	return nil
}

// estimator is implemented by stores that can size a procedure run.
type estimator interface {
	EstimateProcedure(ctx context.Context, name string, params map[string]any) (*storage.Estimate, error)
}

// EstimateCmd reports the memory a community run would need.
type EstimateCmd struct {
	Procedure string            `default:"gds.leiden" help:"Procedure to estimate"`
	Param     map[string]string `short:"p" help:"Procedure parameter as key=value"`
}

// Run executes the estimate command.
func (c *EstimateCmd) Run(g *Globals) error {
	ctx, cancel := signalContext()
	defer cancel()

	params, err := parseParams(c.Param)
	if err != nil {
		return err
	}

	store, err := g.openStore(ctx, true)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	est, ok := store.(estimator)
	if !ok {
		return fmt.Errorf("estimate is only supported with --store neo4j (store is %s)", g.Store)
	}

	e, err := est.EstimateProcedure(ctx, c.Procedure, params)
	if err != nil {
		return err
	}

	fmt.Printf("Estimate for %s\n", c.Procedure)
	fmt.Printf("  Nodes:          %d\n", e.NodeCount)
	fmt.Printf("  Relationships:  %d\n", e.RelationshipCount)
	fmt.Printf("  Memory:         %s\n", e.RequiredMemory)
	return nil
}

// NodeCmd shows a node with its properties and relationships.
type NodeCmd struct {
	ID        string `arg:"" help:"Node identity, e.g. Person:a1"`
	Direction string `short:"d" enum:"both,outgoing,incoming" default:"both" help:"Relationships to follow"`
}

// Run executes the node command.
func (c *NodeCmd) Run(g *Globals) error {
	ctx := context.Background()
	store, err := g.openStore(ctx, true)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	node, err := store.GetNode(ctx, c.ID)
	if err != nil {
		return err
	}
	if node == nil {
		fmt.Printf("Node '%s' not found in the graph.\n", c.ID)
		return nil
	}

	dir, err := storage.ParseDirection(c.Direction)
	if err != nil {
		return err
	}
	neighbors, err := store.Neighbors(ctx, c.ID, dir)
	if err != nil {
		return err
	}

	fmt.Printf("## %s\n\n", node.ID)
	fmt.Printf("**Label:** %s\n", node.Label)
	fmt.Printf("**Key:** %s\n\n", node.Key)

	if len(node.Properties) > 0 {
		fmt.Println("### Properties")
		keys := make([]string, 0, len(node.Properties))
		for k := range node.Properties {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("- %s: %v\n", k, node.Properties[k])
		}
		fmt.Println()
	}

	fmt.Printf("### Relationships (%d)\n", len(neighbors))
	if len(neighbors) == 0 {
		fmt.Println("None")
	}
	for _, n := range neighbors {
		rel := n.Relationship
		if rel.Source == node.ID {
			fmt.Printf("- -[%s]-> %s\n", rel.Type, rel.Target)
		} else {
			fmt.Printf("- <-[%s]- %s\n", rel.Type, rel.Source)
		}
	}
	return nil
}

// QueryCmd searches the graph.
type QueryCmd struct {
	Query string `arg:"" help:"Search query"`
	Limit int    `short:"n" default:"20" help:"Maximum results"`
}

// Run executes the query command.
func (c *QueryCmd) Run(g *Globals) error {
	ctx := context.Background()
	store, err := g.openStore(ctx, true)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	results, err := store.Search(ctx, c.Query, c.Limit)
	if err != nil {
		return fmt.Errorf("searching: %w", err)
	}

	if len(results) == 0 {
		fmt.Println("No results found")
		return nil
	}

	for i, r := range results {
		fmt.Printf("\n%d. %s (%s)\n", i+1, r.NodeID, r.Label)
		fmt.Printf("   Score: %.3f\n", r.Score)
		if r.Snippet != "" {
			fmt.Printf("   %s\n", r.Snippet)
		}
	}
	return nil
}

// WatchCmd re-ingests JSON files as they change.
type WatchCmd struct {
	Path        string `arg:"" optional:"" default:"." type:"path" help:"Directory to watch"`
	Initial     bool   `default:"true" negatable:"" help:"Ingest every file before watching"`
	Repair      bool   `help:"Retry malformed documents after JSON repair"`
	Communities bool   `help:"Refresh community labels after each batch"`
	Procedure   string `default:"gds.leiden" help:"Community procedure used with --communities"`
}

// Run executes the watch command.
func (c *WatchCmd) Run(g *Globals) error {
	ctx, cancel := signalContext()
	defer cancel()

	logger := g.logger()
	m, err := g.materializer(logger)
	if err != nil {
		return err
	}

	store, err := g.openStore(ctx, false)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	passOpts := ingestion.Options{ContinueOnError: true, Repair: c.Repair, Logger: logger}

	if c.Initial {
		result, err := ingestion.RunPass(ctx, m, store, ingestion.NewDirSource(c.Path), passOpts)
		if err != nil {
			return fmt.Errorf("initial pass: %w", err)
		}
		if err := g.writeMeta(ctx, store, m.Policy(), []passSummary{summarize(c.Path, result)}); err != nil {
			return err
		}
	}

	opts := ingestion.WatchOptions{Pass: passOpts}
	if c.Communities {
		opts.AfterBatch = func(ctx context.Context) error {
			_, err := community.Run(ctx, store, community.Options{Procedure: c.Procedure, Logger: logger})
			return err
		}
	}

	fmt.Println("## Watch Mode")
	fmt.Printf("Watching %s for changes (Ctrl+C to stop)\n\n", c.Path)

	err = ingestion.Watch(ctx, c.Path, m, store, opts)
	if err != nil && !isCancelled(err) {
		return fmt.Errorf("watch error: %w", err)
	}

	fmt.Println("Watch mode stopped.")
	return nil
}

// MCPCmd starts the MCP server.
type MCPCmd struct {
	Builtin bool `help:"Serve through the built-in line-delimited JSON-RPC loop instead of the MCP SDK transport"`
}

// Run executes the mcp command.
func (c *MCPCmd) Run(g *Globals) error {
	ctx, cancel := signalContext()
	defer cancel()

	// stdout carries JSON-RPC only
	logger := g.logger()
	m, err := g.materializer(logger)
	if err != nil {
		return err
	}

	store, err := g.openStore(ctx, false)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	return serveStdio(ctx, mcp.NewServer(store, m, mcp.WithLogger(logger)), c.Builtin)
}

// serveStdio serves MCP on stdin and stdout. stdout carries protocol only.
func serveStdio(ctx context.Context, server *mcp.Server, builtin bool) error {
	if builtin {
		return ignoreCancel(server.Run(ctx, os.Stdin, os.Stdout))
	}
	return ignoreCancel(server.RunStdio(ctx))
}

// ServeCmd starts the MCP server with optional watch mode.
type ServeCmd struct {
	Watch       bool   `short:"w" help:"Enable file watching"`
	Path        string `default:"." type:"path" help:"Directory to watch"`
	Communities bool   `help:"Refresh community labels after each watched batch"`
	Builtin     bool   `help:"Serve through the built-in line-delimited JSON-RPC loop instead of the MCP SDK transport"`
}

// Run executes the serve command.
func (c *ServeCmd) Run(g *Globals) error {
	ctx, cancel := signalContext()
	defer cancel()

	logger := g.logger()
	m, err := g.materializer(logger)
	if err != nil {
		return err
	}

	store, err := g.openStore(ctx, false)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	server := mcp.NewServer(store, m, mcp.WithLogger(logger))

	if c.Watch {
		logger.Info("starting MCP server with watch mode", "path", c.Path)

		opts := ingestion.WatchOptions{Pass: ingestion.Options{ContinueOnError: true, Logger: logger}}
		if c.Communities {
			opts.AfterBatch = func(ctx context.Context) error {
				_, err := community.Run(ctx, store, community.Options{Logger: logger})
				return err
			}
		}

		go func() {
			err := ingestion.Watch(ctx, c.Path, m, store, opts)
			if err != nil && !isCancelled(err) {
				logger.Error("watch failed", "err", err)
			}
		}()
	} else {
		logger.Info("starting MCP server")
	}

	return serveStdio(ctx, server, c.Builtin)
}

// StatusCmd shows the workspace status.
type StatusCmd struct{}

// Run executes the status command.
func (c *StatusCmd) Run(g *Globals) error {
	meta, err := g.readMeta()
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no graph found at %s. Run 'graphmat ingest' first", g.Dir)
		}
		return fmt.Errorf("reading %s: %w", metaFileName, err)
	}

	fmt.Printf("Graph status for %s\n", g.Dir)
	fmt.Printf("  Version:        %s\n", meta.Version)
	fmt.Printf("  Store:          %s\n", meta.Store)
	fmt.Printf("  Last ingested:  %s\n", meta.IndexedAt)
	fmt.Printf("  Policy:         id_field=%s label_field=%s array_strategy=%s\n",
		meta.Policy.IDField, meta.Policy.LabelField, meta.Policy.ArrayStrategy)
	if meta.Stats != nil {
		fmt.Printf("  Nodes:          %d\n", meta.Stats.Nodes)
		fmt.Printf("  Relationships:  %d\n", meta.Stats.Relationships)
	}
	for _, p := range meta.LastPasses {
		fmt.Printf("  Pass %s:  %s, %d/%d documents, %d failed\n",
			shortID(p.PassID), p.Source, p.Ingested, p.Documents, p.Failed)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// CleanCmd deletes the workspace.
type CleanCmd struct {
	Force bool `short:"f" help:"Skip confirmation"`
}

// Run executes the clean command.
func (c *CleanCmd) Run(g *Globals) error {
	dir := g.workspaceDir()
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("no graph found at %s. Nothing to clean", g.Dir)
	}

	if !c.Force {
		fmt.Printf("Delete graph at %s? [y/N] ", dir)
		var response string
		_, _ = fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted")
			return nil
		}
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("deleting graph: %w", err)
	}

	color.Green("Deleted %s", dir)
	return nil
}

func ignoreCancel(err error) error {
	if isCancelled(err) {
		return nil
	}
	return err
}

// CLI is the root Kong command structure.
type CLI struct {
	Globals

	Version kong.VersionFlag `help:"Show version information"`

	// Commands
	Ingest      IngestCmd      `cmd:"" help:"Materialize JSON documents into the graph"`
	Communities CommunitiesCmd `cmd:"" help:"Detect communities and write labels back to nodes"`
	Estimate    EstimateCmd    `cmd:"" help:"Estimate the memory a community run needs (neo4j)"`
	Node        NodeCmd        `cmd:"" help:"Show a node and its relationships"`
	Query       QueryCmd       `cmd:"" help:"Search the graph"`
	Watch       WatchCmd       `cmd:"" help:"Watch a directory and re-ingest changed files"`
	MCP         MCPCmd         `cmd:"" help:"Start MCP server (stdio transport)"`
	Serve       ServeCmd       `cmd:"" help:"Start MCP server with optional watch mode"`
	Status      StatusCmd      `cmd:"" help:"Show graph status for the workspace"`
	Clean       CleanCmd       `cmd:"" help:"Delete the workspace graph"`
}

// NewCLI creates a new CLI instance.
func NewCLI() *CLI {
	return &CLI{}
}

// Execute parses command-line arguments and executes the selected command.
func (c *CLI) Execute(args []string) error {
	parser, err := kong.New(c,
		kong.Name("graphmat"),
		kong.Description("Materialize JSON documents into a property graph"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact:             true,
			NoExpandSubcommands: true,
		}),
		kong.Vars{
			"version": Version,
		},
	)
	if err != nil {
		return err
	}

	kongCtx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return kongCtx.Run(&c.Globals)
}
