package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"

	"github.com/Benny93/graphmat/internal/ingestion"
	"github.com/Benny93/graphmat/internal/logging"
	"github.com/Benny93/graphmat/internal/materializer"
	"github.com/Benny93/graphmat/internal/storage"
)

const (
	workspaceDirName = ".graphmat"
	metaFileName     = "meta.json"

	storeBadger = "badger"
	storeMemory = "memory"
	storeNeo4j  = "neo4j"
)

// Globals holds the flags shared by every command.
type Globals struct {
	Verbose bool   `short:"v" help:"Enable verbose output"`
	Quiet   bool   `short:"q" help:"Suppress non-essential output"`
	Dir     string `short:"C" default:"." type:"path" help:"Directory holding the .graphmat workspace"`

	Store         string `enum:"badger,memory,neo4j" default:"badger" env:"GRAPHMAT_STORE" help:"Graph store (${enum})"`
	Neo4jURI      string `name:"neo4j-uri" env:"NEO4J_URI" help:"Neo4j connection URI"`
	Neo4jUser     string `name:"neo4j-user" env:"NEO4J_USER" default:"neo4j" help:"Neo4j user"`
	Neo4jPassword string `name:"neo4j-password" env:"NEO4J_PASSWORD" help:"Neo4j password"`
	Neo4jDatabase string `name:"neo4j-database" env:"NEO4J_DATABASE" help:"Neo4j database (server default if empty)"`
	GraphName     string `name:"graph-name" help:"GDS projection name"`

	PolicyFile       string `name:"policy" type:"existingfile" help:"YAML mapping policy file"`
	IDField          string `name:"id-field" help:"Field holding each object's unique key"`
	LabelField       string `name:"label-field" help:"Field holding each object's node label"`
	ArrayStrategy    string `name:"array-strategy" help:"Array mapping: flatten-to-edges or index-as-property"`
	IdentityFallback string `name:"identity-fallback" help:"Key for objects without an id field: content-hash, document-path or none"`
	RootLabel        string `name:"root-label" help:"Label of top-level objects without a label field"`
}

// workspaceMeta is persisted to .graphmat/meta.json after every ingest.
type workspaceMeta struct {
	Version    string              `json:"version"`
	Store      string              `json:"store"`
	Policy     materializer.Policy `json:"policy"`
	Stats      *storage.Stats      `json:"stats,omitempty"`
	LastPasses []passSummary       `json:"last_passes,omitempty"`
	IndexedAt  string              `json:"indexed_at"`
}

type passSummary struct {
	PassID    string  `json:"pass_id"`
	Source    string  `json:"source"`
	Documents int     `json:"documents"`
	Ingested  int     `json:"ingested"`
	Failed    int     `json:"failed"`
	Duration  float64 `json:"duration_secs"`
}

func (g *Globals) logger() *log.Logger {
	return logging.New(logging.Options{Verbose: g.Verbose, Quiet: g.Quiet})
}

func (g *Globals) workspaceDir() string {
	return filepath.Join(g.Dir, workspaceDirName)
}

// policy resolves the mapping policy: file first, then flags on top.
func (g *Globals) policy() (materializer.Policy, error) {
	p := materializer.DefaultPolicy()
	if g.PolicyFile != "" {
		var err error
		if p, err = materializer.LoadPolicy(g.PolicyFile); err != nil {
			return materializer.Policy{}, err
		}
	}

	if g.IDField != "" {
		p.IDField = g.IDField
	}
	if g.LabelField != "" {
		p.LabelField = g.LabelField
	}
	if g.ArrayStrategy != "" {
		p.ArrayStrategy = materializer.ArrayStrategy(g.ArrayStrategy)
	}
	if g.IdentityFallback != "" {
		p.IdentityFallback = materializer.IdentityFallback(g.IdentityFallback)
	}
	if g.RootLabel != "" {
		p.RootLabel = g.RootLabel
	}
	return p, nil
}

func (g *Globals) materializer(logger *log.Logger) (*materializer.Materializer, error) {
	p, err := g.policy()
	if err != nil {
		return nil, err
	}
	m, err := materializer.New(p, materializer.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("invalid mapping policy: %w", err)
	}
	return m, nil
}

// openStore opens the selected store. A read-only Badger store must exist.
func (g *Globals) openStore(ctx context.Context, readOnly bool) (storage.Backend, error) {
	switch g.Store {
	case storeMemory:
		return storage.NewMemoryBackend(), nil

	case storeNeo4j:
		store, err := storage.NewNeo4jBackend(ctx, storage.Neo4jConfig{
			URI:       g.Neo4jURI,
			Username:  g.Neo4jUser,
			Password:  g.Neo4jPassword,
			Database:  g.Neo4jDatabase,
			GraphName: g.GraphName,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to neo4j: %w", err)
		}
		return store, nil

	case storeBadger, "":
		dbPath := filepath.Join(g.workspaceDir(), "badger")
		if readOnly {
			if _, err := os.Stat(dbPath); os.IsNotExist(err) {
				return nil, fmt.Errorf("no graph found at %s. Run 'graphmat ingest' first", g.Dir)
			}
		} else if err := os.MkdirAll(g.workspaceDir(), 0o755); err != nil {
			return nil, fmt.Errorf("creating %s directory: %w", workspaceDirName, err)
		}

		store := storage.NewBadgerBackend()
		if err := store.Initialize(dbPath, readOnly); err != nil {
			return nil, fmt.Errorf("initializing storage: %w", err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown store %q", g.Store)
	}
}

func (g *Globals) readMeta() (*workspaceMeta, error) {
	data, err := os.ReadFile(filepath.Join(g.workspaceDir(), metaFileName))
	if err != nil {
		return nil, err
	}

	var meta workspaceMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", metaFileName, err)
	}
	return &meta, nil
}

func (g *Globals) writeMeta(ctx context.Context, store storage.Backend, policy materializer.Policy, passes []passSummary) error {
	if err := os.MkdirAll(g.workspaceDir(), 0o755); err != nil {
		return fmt.Errorf("creating %s directory: %w", workspaceDirName, err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		return fmt.Errorf("reading stats: %w", err)
	}

	meta := workspaceMeta{
		Version:    Version,
		Store:      g.Store,
		Policy:     policy,
		Stats:      stats,
		LastPasses: passes,
		IndexedAt:  time.Now().UTC().Format(time.RFC3339),
	}

	metaJSON, _ := json.MarshalIndent(meta, "", "  ")
	if err := os.WriteFile(filepath.Join(g.workspaceDir(), metaFileName), metaJSON, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", metaFileName, err)
	}
	return nil
}

func summarize(source string, r *ingestion.PassResult) passSummary {
	return passSummary{
		PassID:    r.PassID,
		Source:    source,
		Documents: r.Documents,
		Ingested:  r.Ingested,
		Failed:    len(r.Errors),
		Duration:  r.DurationSecs,
	}
}

// parseParams decodes key=value procedure parameters. Values are read as
// YAML scalars so "10" becomes an int and "true" a bool.
func parseParams(raw map[string]string) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	params := make(map[string]any, len(raw))
	for k, v := range raw {
		var value any
		if err := yaml.Unmarshal([]byte(v), &value); err != nil {
			return nil, fmt.Errorf("parameter %s: %w", k, err)
		}
		params[k] = value
	}
	return params, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func isCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
