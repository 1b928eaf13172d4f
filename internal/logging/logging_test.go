package logging

import (
	"bytes"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
)

func TestNew_Levels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts Options
		want log.Level
	}{
		{"Default", Options{}, log.InfoLevel},
		{"Verbose", Options{Verbose: true}, log.DebugLevel},
		{"Quiet", Options{Quiet: true}, log.WarnLevel},
		{"VerboseWins", Options{Verbose: true, Quiet: true}, log.DebugLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			logger := New(tt.opts)
			assert.Equal(t, tt.want, logger.GetLevel())
		})
	}
}

func TestNew_WritesToWriter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := New(Options{Writer: &buf})

	logger.Info("ingested", "documents", 3)
	logger.Debug("hidden")

	out := buf.String()
	assert.Contains(t, out, "ingested")
	assert.Contains(t, out, "documents=3")
	assert.NotContains(t, out, "hidden")
}

func TestDiscard(t *testing.T) {
	t.Parallel()

	logger := Discard()
	assert.NotPanics(t, func() {
		logger.Error("dropped", "key", "value")
	})
}
