package materializer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Policy)
		wantErr string
	}{
		{"Default", func(*Policy) {}, ""},
		{"EmptyIDField", func(p *Policy) { p.IDField = "" }, "id_field"},
		{"SameFields", func(p *Policy) { p.LabelField = "id" }, "must differ"},
		{"UnknownStrategy", func(p *Policy) { p.ArrayStrategy = "zip" }, "array_strategy"},
		{"UnknownFallback", func(p *Policy) { p.IdentityFallback = "guess" }, "identity_fallback"},
		{"EmptyRootLabel", func(p *Policy) { p.RootLabel = "" }, "root_label"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := DefaultPolicy()
			tt.mutate(&p)

			err := p.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPolicy_WithDefaults(t *testing.T) {
	t.Parallel()

	p := Policy{LabelField: "kind"}.WithDefaults()

	assert.Equal(t, "id", p.IDField)
	assert.Equal(t, "kind", p.LabelField)
	assert.Equal(t, FlattenToEdges, p.ArrayStrategy)
	assert.Equal(t, FallbackContentHash, p.IdentityFallback)
	assert.Equal(t, "Document", p.RootLabel)
}

func TestLoadPolicy(t *testing.T) {
	t.Parallel()

	t.Run("Partial", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "policy.yaml")
		require.NoError(t, os.WriteFile(path, []byte("label_field: type\narray_strategy: index-as-property\n"), 0o644))

		p, err := LoadPolicy(path)
		require.NoError(t, err)
		assert.Equal(t, "id", p.IDField)
		assert.Equal(t, "type", p.LabelField)
		assert.Equal(t, IndexAsProperty, p.ArrayStrategy)
	})

	t.Run("Invalid", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "policy.yaml")
		require.NoError(t, os.WriteFile(path, []byte("identity_fallback: guess\n"), 0o644))

		_, err := LoadPolicy(path)
		assert.Error(t, err)
	})

	t.Run("Missing", func(t *testing.T) {
		t.Parallel()
		_, err := LoadPolicy(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("BadYAML", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "policy.yaml")
		require.NoError(t, os.WriteFile(path, []byte("id_field: [unclosed\n"), 0o644))

		_, err := LoadPolicy(path)
		assert.Error(t, err)
	})
}
