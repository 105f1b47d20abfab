package state

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func testFrames() []WasmFunctionStateDump {
	return []WasmFunctionStateDump{
		{
			LocalFunctionID: 2,
			WasmInstOffset:  41,
			Stack:           []DumpValue{KnownValue(7), {}},
			Locals:          []DumpValue{KnownValue(1), KnownValue(1 << 63)},
		},
		{LocalFunctionID: 0, WasmInstOffset: HeaderWasmOffset},
	}
}

func TestExecutionStateImage_Output(t *testing.T) {
	img := &ExecutionStateImage{Frames: testFrames()}
	require.Equal(t, `Backtrace:
* Frame 0 @ Local function 2
  Offset: 41
  Locals: [0] = 1, [1] = 9223372036854775808
  Stack: [0] = 7, [1] = ?

* Frame 1 @ Local function 0
  Offset: 18446744073709551615
  Locals: (empty)
  Stack: (empty)

`, img.Output())

	require.Equal(t, "Unknown fault address, cannot read stack.\n", (&ExecutionStateImage{}).Output())
}

func TestExecutionStateImage_PrintBacktraceIfNeeded(t *testing.T) {
	img := &ExecutionStateImage{}

	t.Setenv(BacktraceEnv, "")
	var buf bytes.Buffer
	img.PrintBacktraceIfNeeded(&buf)
	require.Equal(t, "Run with `WASMSNAP_BACKTRACE=1` environment variable to display a backtrace.\n", buf.String())

	t.Setenv(BacktraceEnv, "1")
	buf.Reset()
	img.PrintBacktraceIfNeeded(&buf)
	require.Equal(t, "Unknown fault address, cannot read stack.\n\n", buf.String())
}

func TestInstanceImage_RoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name string
		img  *InstanceImage
	}{
		{name: "empty", img: &InstanceImage{}},
		{name: "empty memory", img: &InstanceImage{Memory: []byte{}}},
		{
			name: "full",
			img: &InstanceImage{
				Memory:         []byte{1, 2, 3, 0, 0, 0xff},
				Globals:        []Global{{Lo: 1}, {Lo: 0xffff_ffff_ffff_ffff, Hi: 2}},
				ExecutionState: ExecutionStateImage{Frames: testFrames()},
			},
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			b := tc.img.Marshal()
			actual, ok := UnmarshalInstanceImage(b)
			require.True(t, ok)
			require.Equal(t, tc.img, actual)
			require.Equal(t, b, actual.Marshal())
		})
	}
}

func TestUnmarshalInstanceImage_Malformed(t *testing.T) {
	valid := (&InstanceImage{
		Memory:         []byte{1, 2},
		Globals:        []Global{{Lo: 3}},
		ExecutionState: ExecutionStateImage{Frames: testFrames()},
	}).Marshal()

	for _, tc := range []struct {
		name  string
		input []byte
	}{
		{name: "empty", input: nil},
		{name: "magic", input: []byte("WASM\x01\x00\x00\x00")},
		{name: "version", input: []byte("WSNP\x02\x00\x00\x00")},
		{name: "memory flag", input: []byte("WSNP\x01\x02\x00\x00")},
		{name: "memory length", input: []byte("WSNP\x01\x01\x10\x00")},
		{name: "global count", input: []byte("WSNP\x01\x00\x01\x00")},
		{name: "frame count", input: []byte("WSNP\x01\x00\x00\x7f")},
		{name: "trailing", input: append(append([]byte(nil), valid...), 0)},
		{name: "truncated", input: valid[:len(valid)-1]},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			img, ok := UnmarshalInstanceImage(tc.input)
			require.False(t, ok)
			require.Nil(t, img)
		})
	}
}
