package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bifrosthq/bifrost/internal/domain/models"
	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedLine struct {
	level   string
	message string
}

type captureSink struct {
	mu    sync.Mutex
	lines []capturedLine
}

func (s *captureSink) Append(_ context.Context, level, message string, _ map[string]interface{}) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, capturedLine{level: level, message: message})
	return int64(len(s.lines)), nil
}

func (s *captureSink) snapshot() []capturedLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]capturedLine(nil), s.lines...)
}

func execErrType(t *testing.T, err error) string {
	t.Helper()
	require.Error(t, err)
	execErr, ok := err.(*ExecError)
	require.True(t, ok, "expected *ExecError, got %T", err)
	return execErr.Type
}

func TestSandboxRunInline(t *testing.T) {
	t.Run("completion value becomes the result", func(t *testing.T) {
		sb := NewSandbox(5*time.Second, nil)
		result, err := sb.RunInline(context.Background(), `params.a + params.b`, map[string]interface{}{
			"a": int64(2),
			"b": int64(3),
		})
		require.NoError(t, err)
		assert.EqualValues(t, 5, result)
	})

	t.Run("undefined result is nil", func(t *testing.T) {
		sb := NewSandbox(5*time.Second, nil)
		result, err := sb.RunInline(context.Background(), `var x = 1;`, nil)
		require.NoError(t, err)
		assert.Nil(t, result)
	})

	t.Run("thrown error is a user failure", func(t *testing.T) {
		sb := NewSandbox(5*time.Second, nil)
		_, err := sb.RunInline(context.Background(), `throw new Error("boom")`, nil)
		assert.Equal(t, models.ErrTypeUserFailure, execErrType(t, err))
		assert.Contains(t, err.Error(), "boom")
	})

	t.Run("eval is removed", func(t *testing.T) {
		sb := NewSandbox(5*time.Second, nil)
		_, err := sb.RunInline(context.Background(), `eval("1+1")`, nil)
		assert.Equal(t, models.ErrTypeUserFailure, execErrType(t, err))
	})
}

func TestSandboxRunModule(t *testing.T) {
	program, err := goja.Compile("mod.js", `
		function handler(params) {
			return { doubled: params.n * 2 };
		}
	`, true)
	require.NoError(t, err)

	t.Run("calls the named function with parameters", func(t *testing.T) {
		sb := NewSandbox(5*time.Second, nil)
		result, err := sb.RunModule(context.Background(), program, "handler", map[string]interface{}{"n": int64(21)})
		require.NoError(t, err)

		m, ok := result.(map[string]interface{})
		require.True(t, ok)
		assert.EqualValues(t, 42, m["doubled"])
	})

	t.Run("missing function is a user failure", func(t *testing.T) {
		sb := NewSandbox(5*time.Second, nil)
		_, err := sb.RunModule(context.Background(), program, "nope", nil)
		assert.Equal(t, models.ErrTypeUserFailure, execErrType(t, err))
		assert.Contains(t, err.Error(), "nope")
	})
}

func TestSandboxBudgetAndCancel(t *testing.T) {
	t.Run("wall-clock budget interrupt classifies as timeout", func(t *testing.T) {
		sb := NewSandbox(50*time.Millisecond, nil)
		_, err := sb.RunInline(context.Background(), `for (;;) {}`, nil)
		assert.Equal(t, models.ErrTypeTimeout, execErrType(t, err))
	})

	t.Run("explicit cancel classifies as cancelled", func(t *testing.T) {
		sb := NewSandbox(5*time.Second, nil)

		go func() {
			time.Sleep(50 * time.Millisecond)
			sb.Cancel()
		}()

		_, err := sb.RunInline(context.Background(), `for (;;) {}`, nil)
		assert.Equal(t, models.ErrTypeCancelled, execErrType(t, err))
	})

	t.Run("context cancellation interrupts the script", func(t *testing.T) {
		sb := NewSandbox(5*time.Second, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := sb.RunInline(ctx, `for (;;) {}`, nil)
		assert.Equal(t, models.ErrTypeCancelled, execErrType(t, err))
	})
}

func TestSandboxConsole(t *testing.T) {
	sink := &captureSink{}
	sb := NewSandbox(5*time.Second, sink)

	_, err := sb.RunInline(context.Background(), `
		console.log("hello", 42);
		console.warn("careful");
		console.error("broken");
		console.info({nested: true});
	`, nil)
	require.NoError(t, err)

	lines := sink.snapshot()
	require.Len(t, lines, 4)
	assert.Equal(t, capturedLine{level: models.LogLevelInfo, message: "hello 42"}, lines[0])
	assert.Equal(t, capturedLine{level: models.LogLevelWarn, message: "careful"}, lines[1])
	assert.Equal(t, capturedLine{level: models.LogLevelError, message: "broken"}, lines[2])
	assert.Equal(t, capturedLine{level: models.LogLevelInfo, message: `{"nested":true}`}, lines[3])
}
