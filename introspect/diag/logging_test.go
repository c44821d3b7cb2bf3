package diag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

//go:noinline
func loggingTestOuter(logger *zap.Logger, ignore ...string) {
	loggingTestHelper(logger, ignore...)
}

//go:noinline
func loggingTestHelper(logger *zap.Logger, ignore ...string) {
	logger.Info("helper invoked", CallerField(0, ignore...))
}

func TestCallerField(t *testing.T) {
	t.Parallel()

	t.Run("attributed", func(t *testing.T) {
		core, logs := observer.New(zap.InfoLevel)
		loggingTestOuter(zap.New(core))

		require.Equal(t, 1, logs.Len())
		fields := logs.All()[0].ContextMap()
		frame, ok := fields["caller_frame"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "loggingTestOuter", frame["member"])
		assert.Equal(t, "github.com/PatchLens/go-introspect/introspect/diag", frame["owner"])
		assert.NotEmpty(t, frame["file"])
		assert.NotZero(t, frame["line"])
	})

	t.Run("filtered", func(t *testing.T) {
		core, logs := observer.New(zap.InfoLevel)
		loggingTestOuter(zap.New(core), "github.com/PatchLens/go-introspect/introspect/diag", "testing", "runtime")

		require.Equal(t, 1, logs.Len())
		frame := logs.All()[0].ContextMap()["caller_frame"].(map[string]any)
		assert.Equal(t, map[string]any{"filtered": true}, frame)
	})
}
