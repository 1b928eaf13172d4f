package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/graphmat/internal/materializer"
	"github.com/Benny93/graphmat/internal/storage"
)

const peopleJSONL = `{"id":"a1","name":"Alice","address":{"id":"x1","city":"Springfield"}}
{"id":"b2","name":"Bob","address":{"id":"x1"}}
`

// setupWorkspace writes the given files under a fresh directory and returns
// globals pointing at it with a Badger store.
func setupWorkspace(t *testing.T, files map[string]string) *Globals {
	t.Helper()
	dir := t.TempDir()
	for path, content := range files {
		fullPath := filepath.Join(dir, path)
		require.NoError(t, os.MkdirAll(filepath.Dir(fullPath), 0o755))
		require.NoError(t, os.WriteFile(fullPath, []byte(content), 0o644))
	}
	return &Globals{Dir: dir, Store: storeBadger, Quiet: true}
}

// openReadOnly opens the workspace store for assertions.
func openReadOnly(t *testing.T, g *Globals) storage.Backend {
	t.Helper()
	store, err := g.openStore(t.Context(), true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestIngestCmd_Run(t *testing.T) {
	t.Parallel()

	t.Run("IngestDirectory", func(t *testing.T) {
		t.Parallel()
		g := setupWorkspace(t, map[string]string{"data/people.jsonl": peopleJSONL})

		cmd := &IngestCmd{Paths: []string{filepath.Join(g.Dir, "data")}}
		require.NoError(t, cmd.Run(g))

		meta, err := g.readMeta()
		require.NoError(t, err)
		assert.Equal(t, storeBadger, meta.Store)
		require.NotNil(t, meta.Stats)
		assert.Equal(t, 3, meta.Stats.Nodes)
		assert.Equal(t, 2, meta.Stats.Relationships)
		require.Len(t, meta.LastPasses, 1)
		assert.Equal(t, 2, meta.LastPasses[0].Ingested)

		store := openReadOnly(t, g)
		node, err := store.GetNode(t.Context(), "Address:x1")
		require.NoError(t, err)
		require.NotNil(t, node)
		assert.Equal(t, "Springfield", node.Properties["city"])
	})

	t.Run("DefaultsToWorkspaceDirectory", func(t *testing.T) {
		t.Parallel()
		g := setupWorkspace(t, map[string]string{"people.jsonl": peopleJSONL})

		cmd := &IngestCmd{Paths: []string{g.Dir}}
		require.NoError(t, cmd.Run(g))

		// the second run also walks .graphmat, which must be skipped
		require.NoError(t, cmd.Run(g))

		meta, err := g.readMeta()
		require.NoError(t, err)
		assert.Equal(t, 3, meta.Stats.Nodes)
		assert.Equal(t, 2, meta.LastPasses[0].Documents)
	})

	t.Run("ContinuesPastMalformedDocument", func(t *testing.T) {
		t.Parallel()
		g := setupWorkspace(t, map[string]string{"data/mixed.jsonl": peopleJSONL + "{oops\n"})

		cmd := &IngestCmd{Paths: []string{filepath.Join(g.Dir, "data")}}
		require.NoError(t, cmd.Run(g))

		meta, err := g.readMeta()
		require.NoError(t, err)
		assert.Equal(t, 1, meta.LastPasses[0].Failed)
		assert.Equal(t, 2, meta.LastPasses[0].Ingested)
	})

	t.Run("StopOnError", func(t *testing.T) {
		t.Parallel()
		g := setupWorkspace(t, map[string]string{"data/mixed.jsonl": "{oops\n" + peopleJSONL})

		cmd := &IngestCmd{Paths: []string{filepath.Join(g.Dir, "data")}, StopOnError: true}
		err := cmd.Run(g)
		require.Error(t, err)
		assert.ErrorIs(t, err, materializer.ErrMalformedInput)
	})

	t.Run("MultiplePathsWithCommunities", func(t *testing.T) {
		t.Parallel()
		g := setupWorkspace(t, map[string]string{
			"a/people.jsonl": peopleJSONL,
			"b/more.json":    `{"id":"c3","address":{"id":"x2"}}`,
		})

		cmd := &IngestCmd{
			Paths:       []string{filepath.Join(g.Dir, "a"), filepath.Join(g.Dir, "b")},
			Communities: true,
			Procedure:   "gds.louvain",
		}
		require.NoError(t, cmd.Run(g))

		meta, err := g.readMeta()
		require.NoError(t, err)
		assert.Len(t, meta.LastPasses, 2)
		assert.Equal(t, 5, meta.Stats.Nodes)

		store := openReadOnly(t, g)
		node, err := store.GetNode(t.Context(), "Document:c3")
		require.NoError(t, err)
		require.NotNil(t, node)
		assert.Contains(t, node.Properties, "communityId")
	})

	t.Run("MemoryStore", func(t *testing.T) {
		t.Parallel()
		g := setupWorkspace(t, map[string]string{"people.jsonl": peopleJSONL})
		g.Store = storeMemory

		cmd := &IngestCmd{Paths: []string{filepath.Join(g.Dir, "people.jsonl")}, JSON: true}
		require.NoError(t, cmd.Run(g))

		_, err := os.Stat(filepath.Join(g.workspaceDir(), "badger"))
		assert.True(t, os.IsNotExist(err))

		meta, err := g.readMeta()
		require.NoError(t, err)
		assert.Equal(t, storeMemory, meta.Store)
		assert.Equal(t, 3, meta.Stats.Nodes)
	})

	t.Run("InvalidPolicy", func(t *testing.T) {
		t.Parallel()
		g := setupWorkspace(t, nil)
		g.ArrayStrategy = "zigzag"

		assert.Error(t, (&IngestCmd{Paths: []string{g.Dir}}).Run(g))
	})

	t.Run("MissingPath", func(t *testing.T) {
		t.Parallel()
		g := setupWorkspace(t, nil)

		assert.Error(t, (&IngestCmd{Paths: []string{filepath.Join(g.Dir, "nope")}}).Run(g))
	})
}

func TestGlobals_Policy(t *testing.T) {
	t.Parallel()

	t.Run("Defaults", func(t *testing.T) {
		t.Parallel()
		p, err := (&Globals{}).policy()
		require.NoError(t, err)
		assert.Equal(t, materializer.DefaultPolicy(), p)
	})

	t.Run("FileThenFlags", func(t *testing.T) {
		t.Parallel()
		g := setupWorkspace(t, map[string]string{
			"policy.yaml": "id_field: key\nlabel_field: type\narray_strategy: index-as-property\n",
		})
		g.PolicyFile = filepath.Join(g.Dir, "policy.yaml")
		g.RootLabel = "Record"
		g.IDField = "uid"

		p, err := g.policy()
		require.NoError(t, err)
		assert.Equal(t, "uid", p.IDField)
		assert.Equal(t, "type", p.LabelField)
		assert.Equal(t, materializer.IndexAsProperty, p.ArrayStrategy)
		assert.Equal(t, "Record", p.RootLabel)
	})

	t.Run("MissingFile", func(t *testing.T) {
		t.Parallel()
		_, err := (&Globals{PolicyFile: filepath.Join(t.TempDir(), "nope.yaml")}).policy()
		assert.Error(t, err)
	})
}

func TestParseParams(t *testing.T) {
	t.Parallel()

	params, err := parseParams(map[string]string{
		"randomSeed":    "42",
		"tolerance":     "0.5",
		"includeLevels": "true",
		"graph":         "people",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"randomSeed":    42,
		"tolerance":     0.5,
		"includeLevels": true,
		"graph":         "people",
	}, params)

	params, err = parseParams(nil)
	require.NoError(t, err)
	assert.Nil(t, params)
}

func TestCommunitiesCmd_Run(t *testing.T) {
	t.Parallel()

	g := setupWorkspace(t, map[string]string{"people.jsonl": peopleJSONL})
	require.NoError(t, (&IngestCmd{Paths: []string{g.Dir}}).Run(g))

	t.Run("WritesLabels", func(t *testing.T) {
		cmd := &CommunitiesCmd{
			Procedure: "gds.degree",
			Property:  "degree",
		}
		require.NoError(t, cmd.Run(g))

		store := openReadOnly(t, g)
		node, err := store.GetNode(t.Context(), "Address:x1")
		require.NoError(t, err)
		assert.EqualValues(t, 2, node.Properties["degree"])
		require.NoError(t, store.Close())
	})

	t.Run("UnknownProcedure", func(t *testing.T) {
		cmd := &CommunitiesCmd{Procedure: "gds.nope", Property: "x"}
		assert.ErrorIs(t, cmd.Run(g), storage.ErrUnknownProcedure)
	})

	t.Run("BadParam", func(t *testing.T) {
		cmd := &CommunitiesCmd{
			Procedure: "gds.louvain",
			Property:  "x",
			Param:     map[string]string{"randomSeed": "[1"},
		}
		assert.Error(t, cmd.Run(g))
	})
}

func TestEstimateCmd_Run(t *testing.T) {
	t.Parallel()

	g := setupWorkspace(t, map[string]string{"people.jsonl": peopleJSONL})
	require.NoError(t, (&IngestCmd{Paths: []string{g.Dir}}).Run(g))

	err := (&EstimateCmd{Procedure: "gds.leiden"}).Run(g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--store neo4j")
}

func TestReadCommands_Run(t *testing.T) {
	t.Parallel()

	t.Run("NoGraph", func(t *testing.T) {
		t.Parallel()
		g := setupWorkspace(t, nil)

		assert.Error(t, (&NodeCmd{ID: "Document:a1", Direction: "both"}).Run(g))
		assert.Error(t, (&QueryCmd{Query: "alice", Limit: 5}).Run(g))
		assert.Error(t, (&StatusCmd{}).Run(g))
	})

	t.Run("WithGraph", func(t *testing.T) {
		t.Parallel()
		g := setupWorkspace(t, map[string]string{"people.jsonl": peopleJSONL})
		require.NoError(t, (&IngestCmd{Paths: []string{g.Dir}}).Run(g))

		assert.NoError(t, (&NodeCmd{ID: "Document:a1", Direction: "both"}).Run(g))
		assert.NoError(t, (&NodeCmd{ID: "Document:zz", Direction: "both"}).Run(g))
		assert.Error(t, (&NodeCmd{ID: "Document:a1", Direction: "sideways"}).Run(g))
		assert.NoError(t, (&QueryCmd{Query: "springfield", Limit: 5}).Run(g))
		assert.NoError(t, (&QueryCmd{Query: "nobody", Limit: 5}).Run(g))
		assert.NoError(t, (&StatusCmd{}).Run(g))
	})
}

func TestCleanCmd_Run(t *testing.T) {
	t.Parallel()

	t.Run("Force", func(t *testing.T) {
		t.Parallel()
		g := setupWorkspace(t, map[string]string{"people.jsonl": peopleJSONL})
		require.NoError(t, (&IngestCmd{Paths: []string{g.Dir}}).Run(g))

		require.NoError(t, (&CleanCmd{Force: true}).Run(g))

		_, err := os.Stat(g.workspaceDir())
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("NothingToClean", func(t *testing.T) {
		t.Parallel()
		g := setupWorkspace(t, nil)
		assert.Error(t, (&CleanCmd{Force: true}).Run(g))
	})
}

func TestCLI_Execute(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "people.jsonl"), []byte(peopleJSONL), 0o644))

	t.Run("Ingest", func(t *testing.T) {
		err := NewCLI().Execute([]string{"-q", "--dir", dir, "--store", "badger", "ingest", dir})
		require.NoError(t, err)

		g := &Globals{Dir: dir}
		meta, err := g.readMeta()
		require.NoError(t, err)
		assert.Equal(t, 3, meta.Stats.Nodes)
	})

	t.Run("UnknownCommand", func(t *testing.T) {
		assert.Error(t, NewCLI().Execute([]string{"nope"}))
	})

	t.Run("InvalidStore", func(t *testing.T) {
		assert.Error(t, NewCLI().Execute([]string{"--store", "sqlite", "status"}))
	})
}
