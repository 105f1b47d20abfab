package wasmsnap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"

	"github.com/wasmsnap/wasmsnap/internal/engine"
	"github.com/wasmsnap/wasmsnap/wasm"
)

func TestNewHostModuleBuilder(t *testing.T) {
	i32 := api.ValueTypeI32
	noop := func(context.Context, Instance, []uint64) error { return nil }

	tests := []struct {
		name     string
		input    func(Runtime) HostModuleBuilder
		expected map[string]wasm.FunctionType
	}{
		{
			name: "empty",
			input: func(r Runtime) HostModuleBuilder {
				return r.NewHostModuleBuilder("host")
			},
			expected: map[string]wasm.FunctionType{},
		},
		{
			name: "WithFunc",
			input: func(r Runtime) HostModuleBuilder {
				return r.NewHostModuleBuilder("host").
					NewFunctionBuilder().WithFunc(noop, []api.ValueType{i32}, []api.ValueType{i32}).Export("1")
			},
			expected: map[string]wasm.FunctionType{"1": {Params: []api.ValueType{i32}, Results: []api.ValueType{i32}}},
		},
		{
			name: "WithFunc overwrites existing",
			input: func(r Runtime) HostModuleBuilder {
				return r.NewHostModuleBuilder("host").
					NewFunctionBuilder().WithFunc(noop, []api.ValueType{i32}, nil).Export("1").
					NewFunctionBuilder().WithFunc(noop, nil, nil).Export("1")
			},
			expected: map[string]wasm.FunctionType{"1": {}},
		},
		{
			name: "WithGoFunction",
			input: func(r Runtime) HostModuleBuilder {
				return r.NewHostModuleBuilder("host").
					NewFunctionBuilder().WithGoFunction(api.GoFunc(func(context.Context, []uint64) {}), nil, []api.ValueType{i32}).Export("1").
					NewFunctionBuilder().WithFunc(noop, []api.ValueType{i32}, nil).Export("2")
			},
			expected: map[string]wasm.FunctionType{
				"1": {Results: []api.ValueType{i32}},
				"2": {Params: []api.ValueType{i32}},
			},
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			r := NewRuntime(testCtx).(*runtime)
			require.NoError(t, tc.input(r).Instantiate(testCtx))

			fns := r.hostModules["host"]
			actual := map[string]wasm.FunctionType{}
			for name, fn := range fns {
				actual[name] = fn.Type
			}
			require.Equal(t, tc.expected, actual)
		})
	}
}

func TestNewHostModuleBuilder_Errors(t *testing.T) {
	noop := func(context.Context, Instance, []uint64) error { return nil }
	i32 := api.ValueTypeI32

	tests := []struct {
		name        string
		input       func(Runtime) HostModuleBuilder
		expectedErr string
	}{
		{
			name: "no implementation",
			input: func(r Runtime) HostModuleBuilder {
				return r.NewHostModuleBuilder("host").NewFunctionBuilder().Export("fn")
			},
			expectedErr: "func[host.fn] has no implementation",
		},
		{
			name: "multiple results",
			input: func(r Runtime) HostModuleBuilder {
				return r.NewHostModuleBuilder("host").
					NewFunctionBuilder().WithFunc(noop, nil, []api.ValueType{i32, i32}).Export("fn")
			},
			expectedErr: "func[host.fn] has more than one result",
		},
		{
			name: "first error wins",
			input: func(r Runtime) HostModuleBuilder {
				return r.NewHostModuleBuilder("host").
					NewFunctionBuilder().Export("a").
					NewFunctionBuilder().WithFunc(noop, nil, []api.ValueType{i32, i32}).Export("b")
			},
			expectedErr: "func[host.a] has no implementation",
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			err := tc.input(NewRuntime(testCtx)).Instantiate(testCtx)
			require.EqualError(t, err, tc.expectedErr)
		})
	}

	t.Run("instantiated twice", func(t *testing.T) {
		r := NewRuntime(testCtx)
		require.NoError(t, r.NewHostModuleBuilder("env").Instantiate(testCtx))
		require.EqualError(t, r.NewHostModuleBuilder("env").Instantiate(testCtx), "module[env] has already been instantiated")
	})
}

// Ensure the wrapper hands the calling instance to the host function.
func TestHostFunctionBuilder_WithFunc_caller(t *testing.T) {
	var called Instance
	b := NewRuntime(testCtx).NewHostModuleBuilder("host").NewFunctionBuilder().(*hostFunctionBuilder)
	b.WithFunc(func(_ context.Context, caller Instance, stack []uint64) error {
		called = caller
		stack[0] = 42
		return nil
	}, nil, []api.ValueType{api.ValueTypeI32})

	caller := &engine.Instance{}
	stack := []uint64{0}
	require.NoError(t, b.fn.Func(testCtx, caller, stack))
	require.Equal(t, uint64(42), stack[0])
	require.Equal(t, &instance{i: caller}, called)
}
