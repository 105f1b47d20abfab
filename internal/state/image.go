package state

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/wasmsnap/wasmsnap/internal/leb128"
)

// BacktraceEnv enables PrintBacktraceIfNeeded when set to "1".
const BacktraceEnv = "WASMSNAP_BACKTRACE"

// DumpValue is a logical value recovered from a frame, or an unknown one.
type DumpValue struct {
	Value uint64
	Known bool
}

// KnownValue returns a recovered value.
func KnownValue(v uint64) DumpValue { return DumpValue{Value: v, Known: true} }

func (v DumpValue) String() string {
	if !v.Known {
		return "?"
	}
	return fmt.Sprintf("%d", v.Value)
}

// WasmFunctionStateDump is the logical state of one active frame.
type WasmFunctionStateDump struct {
	LocalFunctionID int
	WasmInstOffset  uint64
	Stack           []DumpValue
	Locals          []DumpValue
}

// ExecutionStateImage is the logical state of a call stack, innermost frame first.
type ExecutionStateImage struct {
	Frames []WasmFunctionStateDump
}

// Output renders the backtrace text of e.
func (e *ExecutionStateImage) Output() string {
	var b strings.Builder
	if len(e.Frames) == 0 {
		b.WriteString("Unknown fault address, cannot read stack.\n")
		return b.String()
	}
	b.WriteString("Backtrace:\n")
	for i := range e.Frames {
		f := &e.Frames[i]
		fmt.Fprintf(&b, "* Frame %d @ Local function %d\n", i, f.LocalFunctionID)
		fmt.Fprintf(&b, "  Offset: %d\n", f.WasmInstOffset)
		fmt.Fprintf(&b, "  Locals: %s\n", formatValues(f.Locals))
		fmt.Fprintf(&b, "  Stack: %s\n\n", formatValues(f.Stack))
	}
	return b.String()
}

func formatValues(vs []DumpValue) string {
	if len(vs) == 0 {
		return "(empty)"
	}
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = fmt.Sprintf("[%d] = %s", i, v)
	}
	return strings.Join(parts, ", ")
}

// PrintBacktraceIfNeeded writes the backtrace to w if BacktraceEnv is set to "1", and a hint naming it otherwise.
func (e *ExecutionStateImage) PrintBacktraceIfNeeded(w io.Writer) {
	if os.Getenv(BacktraceEnv) == "1" {
		fmt.Fprintln(w, e.Output())
		return
	}
	fmt.Fprintf(w, "Run with `%s=1` environment variable to display a backtrace.\n", BacktraceEnv)
}

// Global is the raw 128-bit value of a global, low word first.
type Global struct {
	Lo, Hi uint64
}

// InstanceImage is a snapshot of an instance: its linear memory, globals and call stack.
type InstanceImage struct {
	// Memory is nil when the instance has no memory.
	Memory         []byte
	Globals        []Global
	ExecutionState ExecutionStateImage
}

var (
	imageMagic = []byte("WSNP")
	// imageVersion is bumped on any change to the encoding below.
	imageVersion byte = 1
)

// Marshal encodes i. UnmarshalInstanceImage decodes the result to an equal image.
func (i *InstanceImage) Marshal() []byte {
	buf := append([]byte(nil), imageMagic...)
	buf = append(buf, imageVersion)
	if i.Memory == nil {
		buf = append(buf, 0)
	} else {
		buf = append(buf, 1)
		buf = leb128.AppendUint64(buf, uint64(len(i.Memory)))
		buf = append(buf, i.Memory...)
	}

	buf = leb128.AppendUint64(buf, uint64(len(i.Globals)))
	for _, g := range i.Globals {
		buf = binary.LittleEndian.AppendUint64(buf, g.Lo)
		buf = binary.LittleEndian.AppendUint64(buf, g.Hi)
	}

	frames := i.ExecutionState.Frames
	buf = leb128.AppendUint64(buf, uint64(len(frames)))
	for _, f := range frames {
		buf = leb128.AppendUint64(buf, uint64(f.LocalFunctionID))
		buf = leb128.AppendUint64(buf, f.WasmInstOffset)
		buf = appendValues(buf, f.Stack)
		buf = appendValues(buf, f.Locals)
	}
	return buf
}

func appendValues(buf []byte, vs []DumpValue) []byte {
	buf = leb128.AppendUint64(buf, uint64(len(vs)))
	for _, v := range vs {
		if !v.Known {
			buf = append(buf, 0)
			continue
		}
		buf = append(buf, 1)
		buf = binary.LittleEndian.AppendUint64(buf, v.Value)
	}
	return buf
}

// UnmarshalInstanceImage decodes an image encoded by InstanceImage.Marshal. It returns false for any malformed
// input, including trailing bytes.
func UnmarshalInstanceImage(b []byte) (*InstanceImage, bool) {
	img, err := decodeInstanceImage(bytes.NewReader(b))
	if err != nil {
		return nil, false
	}
	return img, true
}

func decodeInstanceImage(r *bytes.Reader) (*InstanceImage, error) {
	magic := make([]byte, len(imageMagic))
	if _, err := io.ReadFull(r, magic); err != nil || !bytes.Equal(magic, imageMagic) {
		return nil, fmt.Errorf("invalid magic")
	}
	if v, err := r.ReadByte(); err != nil || v != imageVersion {
		return nil, fmt.Errorf("invalid version")
	}

	img := &InstanceImage{}
	hasMemory, err := readFlag(r)
	if err != nil {
		return nil, err
	}
	if hasMemory {
		n, err := readLength(r, 1)
		if err != nil {
			return nil, fmt.Errorf("memory: %w", err)
		}
		img.Memory = make([]byte, n)
		if _, err = io.ReadFull(r, img.Memory); err != nil {
			return nil, fmt.Errorf("memory: %w", err)
		}
	}

	n, err := readLength(r, 16)
	if err != nil {
		return nil, fmt.Errorf("globals: %w", err)
	}
	if n > 0 {
		img.Globals = make([]Global, n)
	}
	var word [16]byte
	for i := range img.Globals {
		if _, err = io.ReadFull(r, word[:]); err != nil {
			return nil, fmt.Errorf("global[%d]: %w", i, err)
		}
		img.Globals[i] = Global{Lo: binary.LittleEndian.Uint64(word[:8]), Hi: binary.LittleEndian.Uint64(word[8:])}
	}

	// The smallest frame is four single byte fields.
	if n, err = readLength(r, 4); err != nil {
		return nil, fmt.Errorf("frames: %w", err)
	}
	if n > 0 {
		img.ExecutionState.Frames = make([]WasmFunctionStateDump, n)
	}
	for i := range img.ExecutionState.Frames {
		f := &img.ExecutionState.Frames[i]
		id, _, err := leb128.DecodeUint64(r)
		if err != nil || id > uint64(maxInt) {
			return nil, fmt.Errorf("frame[%d]: invalid function id", i)
		}
		f.LocalFunctionID = int(id)
		if f.WasmInstOffset, _, err = leb128.DecodeUint64(r); err != nil {
			return nil, fmt.Errorf("frame[%d]: %w", i, err)
		}
		if f.Stack, err = readValues(r); err != nil {
			return nil, fmt.Errorf("frame[%d] stack: %w", i, err)
		}
		if f.Locals, err = readValues(r); err != nil {
			return nil, fmt.Errorf("frame[%d] locals: %w", i, err)
		}
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes", r.Len())
	}
	return img, nil
}

const maxInt = int(^uint(0) >> 1)

func readFlag(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, fmt.Errorf("invalid flag %#x", b)
}

// readLength reads a count of elements at least minSize bytes long each, rejecting counts that cannot fit in the
// rest of the input.
func readLength(r *bytes.Reader, minSize uint64) (int, error) {
	n, _, err := leb128.DecodeUint64(r)
	if err != nil {
		return 0, err
	}
	if n > uint64(r.Len())/minSize {
		return 0, fmt.Errorf("length %d exceeds input", n)
	}
	return int(n), nil
}

func readValues(r *bytes.Reader) ([]DumpValue, error) {
	n, err := readLength(r, 1)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	vs := make([]DumpValue, n)
	var word [8]byte
	for i := range vs {
		known, err := readFlag(r)
		if err != nil {
			return nil, err
		}
		if !known {
			continue
		}
		if _, err = io.ReadFull(r, word[:]); err != nil {
			return nil, err
		}
		vs[i] = KnownValue(binary.LittleEndian.Uint64(word[:]))
	}
	return vs, nil
}
