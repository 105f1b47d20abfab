package wasmsnap

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wasmsnap/wasmsnap/internal/engine"
)

func TestRuntimeConfig(t *testing.T) {
	logger := zap.NewExample()
	tests := []struct {
		name     string
		with     func(RuntimeConfig) RuntimeConfig
		expected RuntimeConfig
	}{
		{
			name:     "WithTier",
			with:     func(c RuntimeConfig) RuntimeConfig { return c.WithTier(TierOptimized) },
			expected: &runtimeConfig{engine: engine.Config{Tier: TierOptimized}},
		},
		{
			name:     "WithStackSize",
			with:     func(c RuntimeConfig) RuntimeConfig { return c.WithStackSize(64 << 10) },
			expected: &runtimeConfig{engine: engine.Config{StackSize: 64 << 10}},
		},
		{
			name:     "WithMemoryLimitPages",
			with:     func(c RuntimeConfig) RuntimeConfig { return c.WithMemoryLimitPages(10) },
			expected: &runtimeConfig{engine: engine.Config{MemoryLimitPages: 10}},
		},
		{
			name:     "WithCloseOnContextDone",
			with:     func(c RuntimeConfig) RuntimeConfig { return c.WithCloseOnContextDone(true) },
			expected: &runtimeConfig{engine: engine.Config{CloseOnContextDone: true}},
		},
		{
			name:     "WithBacktraceDepth",
			with:     func(c RuntimeConfig) RuntimeConfig { return c.WithBacktraceDepth(5) },
			expected: &runtimeConfig{engine: engine.Config{BacktraceDepth: 5}},
		},
		{
			name:     "WithCompilationWorkers",
			with:     func(c RuntimeConfig) RuntimeConfig { return c.WithCompilationWorkers(2) },
			expected: &runtimeConfig{engine: engine.Config{CompilationWorkers: 2}},
		},
		{
			name:     "WithLogger",
			with:     func(c RuntimeConfig) RuntimeConfig { return c.WithLogger(logger) },
			expected: &runtimeConfig{logger: logger},
		},
	}

	for _, tt := range tests {
		tc := tt

		t.Run(tc.name, func(t *testing.T) {
			input := &runtimeConfig{}
			rc := tc.with(input)
			require.Equal(t, tc.expected, rc)
			// The source wasn't modified
			require.Equal(t, &runtimeConfig{}, input)
		})
	}
}

func TestNewRuntimeConfigOptimized(t *testing.T) {
	require.Equal(t, &runtimeConfig{engine: engine.Config{Tier: TierOptimized}}, NewRuntimeConfigOptimized())
	require.Equal(t, &runtimeConfig{}, NewRuntimeConfig())
}
