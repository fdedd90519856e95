package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlogLogger_LevelsAndAttributes(t *testing.T) {
	var buf bytes.Buffer
	log := NewSlogLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	ctx := context.Background()

	log.Debug(ctx, "form list fetched", "forms", 3)
	log.Info(ctx, "form saved", "instance_id", 7)
	log.Warn(ctx, "flush audit log", "error", "disk full")
	log.Error(ctx, "form save failed", "message", "denied")

	out := buf.String()
	for _, want := range []string{
		`level=DEBUG msg="form list fetched" forms=3`,
		`level=INFO msg="form saved" instance_id=7`,
		`level=WARN msg="flush audit log" error="disk full"`,
		`level=ERROR msg="form save failed" message=denied`,
	} {
		assert.Contains(t, out, want)
	}
}

func TestSlogLogger_WithIsInherited(t *testing.T) {
	var buf bytes.Buffer
	root := NewSlogLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	child := root.With("component", "formsave").With("form_id", "household")
	child.Info(context.Background(), "form saved", "finalized", true)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "formsave", entry["component"])
	assert.Equal(t, "household", entry["form_id"])
	assert.Equal(t, true, entry["finalized"])

	buf.Reset()
	root.Info(context.Background(), "plain")
	assert.NotContains(t, buf.String(), "formsave")
}

func TestSlogLogger_NilUsesDefault(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))

	log := NewSlogLogger(nil)
	log.Debug(context.Background(), "below default level")
	log.With("project", "demo").Info(context.Background(), "instances synced", "added", 2)

	assert.NotContains(t, buf.String(), "below default level")
	assert.Contains(t, buf.String(), `msg="instances synced" project=demo added=2`)
}
