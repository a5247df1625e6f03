package log_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/scania/scanhub/internal/log"
	"github.com/stretchr/testify/require"
)

func TestContextHandler(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(log.NewContextHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := log.JobContext(t.Context(), "job-1")
	ctx = log.ContextAttrs(ctx, slog.String("kind", "network"))
	logger.With("component", "test").InfoContext(ctx, "hello")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "hello", rec["msg"])
	require.Equal(t, "job-1", rec["job_id"])
	require.Equal(t, "network", rec["kind"])
	require.Equal(t, "test", rec["component"])
}

func TestContextAttrsDoNotAlias(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(log.NewContextHandler(slog.NewJSONHandler(&buf, nil)))

	base := log.ContextAttrs(t.Context(), slog.String("a", "1"))
	_ = log.ContextAttrs(base, slog.String("b", "2"))
	logger.InfoContext(base, "base")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.NotContains(t, rec, "b")
}

func TestOpen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "scanhub.log")
	logger, closer, err := log.Open(true, path)
	require.NoError(t, err)
	logger.Debug("to file")
	require.NoError(t, closer.Close())
	require.FileExists(t, path)

	logger, closer, err = log.Open(false, "discard")
	require.NoError(t, err)
	require.NotNil(t, logger)
	require.NoError(t, closer.Close())
}
