package wasmsnap

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"

	"github.com/wasmsnap/wasmsnap/wasm"
)

var testCtx = context.Background()

func section(id wasm.SectionID, payload ...byte) []byte {
	return append([]byte{id, byte(len(payload))}, payload...)
}

// countWasm is a module importing env.tick and exporting count(n), which sums n..1 and calls tick on each iteration.
// It also has one page of memory.
func countWasm() []byte {
	bin := []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00}
	bin = append(bin, section(wasm.SectionIDType, 2, 0x60, 0, 0, 0x60, 1, wasm.ValueTypeI32, 1, wasm.ValueTypeI32)...)
	bin = append(bin, section(wasm.SectionIDImport, 1, 3, 'e', 'n', 'v', 4, 't', 'i', 'c', 'k', wasm.ExternTypeFunc, 0)...)
	bin = append(bin, section(wasm.SectionIDFunction, 1, 1)...)
	bin = append(bin, section(wasm.SectionIDMemory, 1, 0, 1)...)
	bin = append(bin, section(wasm.SectionIDExport, 1, 5, 'c', 'o', 'u', 'n', 't', wasm.ExternTypeFunc, 1)...)
	fn := []byte{
		1, 1, wasm.ValueTypeI32,
		wasm.OpcodeBlock, 0x40,
		wasm.OpcodeLoop, 0x40,
		wasm.OpcodeLocalGet, 0, wasm.OpcodeI32Eqz, wasm.OpcodeBrIf, 1,
		wasm.OpcodeLocalGet, 1, wasm.OpcodeLocalGet, 0, wasm.OpcodeI32Add, wasm.OpcodeLocalSet, 1,
		wasm.OpcodeLocalGet, 0, wasm.OpcodeI32Const, 1, wasm.OpcodeI32Sub, wasm.OpcodeLocalSet, 0,
		wasm.OpcodeCall, 0,
		wasm.OpcodeBr, 0,
		wasm.OpcodeEnd,
		wasm.OpcodeEnd,
		wasm.OpcodeLocalGet, 1,
		wasm.OpcodeEnd,
	}
	bin = append(bin, section(wasm.SectionIDCode, append([]byte{1, byte(len(fn))}, fn...)...)...)
	return bin
}

func TestRuntime_CompileModule(t *testing.T) {
	r := NewRuntime(testCtx)
	compiled, err := r.CompileModule(testCtx, countWasm())
	require.NoError(t, err)
	require.Equal(t, TierBaseline, compiled.Tier())
	require.Equal(t, "", compiled.Name())
	require.Equal(t, [][2]string{{"env", "tick"}}, compiled.ImportedFunctions())
	require.Equal(t, map[string]FunctionDefinition{
		"count": {Name: "count", ParamTypes: []api.ValueType{api.ValueTypeI32}, ResultTypes: []api.ValueType{api.ValueTypeI32}},
	}, compiled.ExportedFunctions())

	_, err = r.CompileModule(testCtx, []byte{0, 1, 2, 3})
	require.Error(t, err)

	// The import isn't defined yet.
	_, err = r.InstantiateModule(testCtx, compiled)
	require.EqualError(t, err, "import[0] env.tick: not found")
}

func TestRuntime_interruptAndResume(t *testing.T) {
	for _, tc := range []struct {
		name     string
		from, to RuntimeConfig
	}{
		{name: "baseline", from: NewRuntimeConfig(), to: NewRuntimeConfig()},
		{name: "baseline to optimized", from: NewRuntimeConfig(), to: NewRuntimeConfigOptimized()},
		{name: "optimized to baseline", from: NewRuntimeConfigOptimized(), to: NewRuntimeConfig()},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			ticks := 0
			tick := func(_ context.Context, caller Instance, _ []uint64) error {
				if ticks++; ticks == 3 {
					caller.Interrupt()
				}
				return nil
			}
			newInstance := func(config RuntimeConfig) Instance {
				r := NewRuntimeWithConfig(testCtx, config)
				err := r.NewHostModuleBuilder("env").
					NewFunctionBuilder().WithFunc(tick, nil, nil).Export("tick").
					Instantiate(testCtx)
				require.NoError(t, err)
				inst, err := r.Instantiate(testCtx, countWasm())
				require.NoError(t, err)
				return inst
			}

			inst := newInstance(tc.from)
			require.True(t, inst.Memory().WriteUint32Le(16, 0xcafe))

			_, err := inst.Call(testCtx, "count", api.EncodeI32(10))
			var interrupted *InterruptedError
			require.True(t, errors.As(err, &interrupted))

			img, err := UnmarshalImage(interrupted.Image.Marshal())
			require.NoError(t, err)

			resumed := newInstance(tc.to)
			res, err := resumed.Resume(testCtx, img)
			require.NoError(t, err)
			require.Equal(t, []uint64{55}, res)
			require.Equal(t, 10, ticks)

			// Memory travels with the image.
			v, ok := resumed.Memory().ReadUint32Le(16)
			require.True(t, ok)
			require.Equal(t, uint32(0xcafe), v)
		})
	}
}

func TestRuntime_WithGoFunction(t *testing.T) {
	r := NewRuntimeWithConfig(testCtx, NewRuntimeConfig().WithCompilationWorkers(1))
	ticks := 0
	err := r.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithGoFunction(api.GoFunc(func(context.Context, []uint64) { ticks++ }), nil, nil).
		Export("tick").
		Instantiate(testCtx)
	require.NoError(t, err)

	inst, err := r.Instantiate(testCtx, countWasm())
	require.NoError(t, err)
	res, err := inst.Call(testCtx, "count", 4)
	require.NoError(t, err)
	require.Equal(t, uint32(10), api.DecodeU32(res[0]))
	require.Equal(t, 4, ticks)

	require.NoError(t, inst.TierUp(testCtx))
	require.Equal(t, TierOptimized, inst.Tier())
	res, err = inst.Call(testCtx, "count", 5)
	require.NoError(t, err)
	require.Equal(t, []uint64{15}, res)

	_, err = inst.Call(testCtx, "missing")
	require.True(t, errors.Is(err, ErrExportNotFound))
	_, err = inst.Resume(testCtx, &Image{})
	require.Equal(t, ErrNoImage, err)
}

func TestRuntime_hostFunctionError(t *testing.T) {
	r := NewRuntime(testCtx)
	errTick := errors.New("tick failed")
	err := r.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(context.Context, Instance, []uint64) error { return errTick }, nil, nil).
		Export("tick").
		Instantiate(testCtx)
	require.NoError(t, err)

	inst, err := r.Instantiate(testCtx, countWasm())
	require.NoError(t, err)
	_, err = inst.Call(testCtx, "count", 1)
	require.True(t, errors.Is(err, errTick))
}

func TestUnmarshalImage(t *testing.T) {
	_, err := UnmarshalImage([]byte("not an image"))
	require.Equal(t, ErrInvalidImage, err)
}
