package log_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dockhand/dockhand/internal/log"
)

func TestNew(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "dockhand.log")
	logger, closer, err := log.New(false, path)
	require.NoError(t, err)

	ctx := log.ContextAttrs(context.Background(), slog.Int("task_id", 7))
	ctx = log.ContextAttrs(ctx, slog.String("batch_id", "b1"))
	logger.InfoContext(ctx, "task started")
	logger.DebugContext(ctx, "hidden")
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(b), `"msg":"task started","task_id":7,"batch_id":"b1"`)
	require.NotContains(t, string(b), "hidden")
}

func TestNewDestinations(t *testing.T) {
	t.Parallel()
	for _, dest := range []string{"", "stderr", "stdout", "discard"} {
		logger, closer, err := log.New(true, dest)
		require.NoError(t, err)
		require.True(t, logger.Enabled(t.Context(), slog.LevelDebug))
		require.NoError(t, closer.Close())
	}

	_, _, err := log.New(false, filepath.Join(t.TempDir(), "missing", "dockhand.log"))
	require.Error(t, err)
}
