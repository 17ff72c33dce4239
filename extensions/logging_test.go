package extensions

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	spindle "github.com/spindle-fn/spindle-go"
)

// syncBuffer makes a bytes.Buffer safe to read while slog handlers still
// write from task goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLoggingExtension(t *testing.T) {
	var buf syncBuffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	m := spindle.New(spindle.WithExtension(NewLoggingExtension(handler)))
	defer m.Dispose()

	v, err := spindle.RunOnce(context.Background(), m, func(ctx *spindle.TaskContext) (int, error) {
		return 9, nil
	})
	require.NoError(t, err)
	require.Equal(t, 9, v)

	require.Eventually(t, func() bool {
		out := buf.String()
		return strings.Contains(out, "task executed") && strings.Contains(out, "batch settled")
	}, 2*time.Second, 10*time.Millisecond, "expected execution and quiesce log lines")
}

func TestLoggingExtensionError(t *testing.T) {
	var buf syncBuffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	m := spindle.New(spindle.WithExtension(NewLoggingExtension(handler)))
	defer m.Dispose()

	_, err := spindle.RunOnce(context.Background(), m, func(ctx *spindle.TaskContext) (int, error) {
		return 0, context.DeadlineExceeded
	})
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return strings.Contains(buf.String(), "task failed")
	}, 2*time.Second, 10*time.Millisecond)
}
