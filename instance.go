package wasmsnap

import (
	"context"
	"encoding/binary"

	"github.com/wasmsnap/wasmsnap/internal/engine"
)

// Instance is an instantiated module.
type Instance interface {
	// Call invokes the function exported as name. Parameters and results are encoded as in api.EncodeI32 and
	// friends.
	//
	// A trap returns a *TrapError. An interrupt, by Interrupt or by the context when configured with
	// RuntimeConfig.WithCloseOnContextDone, returns an *InterruptedError holding the image to resume.
	Call(ctx context.Context, name string, params ...uint64) ([]uint64, error)

	// Resume continues the computation captured in img, replacing the memory and globals of the instance with the
	// image's. The results are those of the function the interrupted call entered.
	//
	// The image may come from another instance of the same module, of either tier.
	Resume(ctx context.Context, img *Image) ([]uint64, error)

	// Interrupt stops the running call at its next loop or function entry. It is safe to call from any goroutine,
	// including host functions.
	Interrupt()

	// TierUp switches the instance to TierOptimized. Frames of the baseline tier that are live keep running.
	TierUp(ctx context.Context) error

	// Tier returns the tier new calls enter.
	Tier() Tier

	// Memory returns the linear memory, or nil if the module has none.
	Memory() Memory
}

// Memory allows restricted access to the linear memory of an instance.
//
// Note: offsets are in bytes, and reads return false when out of range.
type Memory interface {
	// Size returns the size in bytes.
	Size() uint32

	// Read reads n bytes at offset. The slice aliases the memory until the next call into the instance.
	Read(offset, n uint32) ([]byte, bool)

	// ReadUint32Le reads a little-endian uint32 at offset.
	ReadUint32Le(offset uint32) (uint32, bool)

	// Write writes v at offset.
	Write(offset uint32, v []byte) bool

	// WriteUint32Le writes v as a little-endian uint32 at offset.
	WriteUint32Le(offset, v uint32) bool
}

type instance struct {
	i *engine.Instance
}

// Call implements Instance.Call
func (i *instance) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	return i.i.Call(ctx, name, params...)
}

// Resume implements Instance.Resume
func (i *instance) Resume(ctx context.Context, img *Image) ([]uint64, error) {
	return i.i.Resume(ctx, img)
}

// Interrupt implements Instance.Interrupt
func (i *instance) Interrupt() {
	i.i.Interrupt()
}

// TierUp implements Instance.TierUp
func (i *instance) TierUp(ctx context.Context) error {
	return i.i.TierUp(ctx)
}

// Tier implements Instance.Tier
func (i *instance) Tier() Tier {
	return i.i.Tier()
}

// Memory implements Instance.Memory
func (i *instance) Memory() Memory {
	if i.i.Memory() == nil {
		return nil
	}
	return memory{i.i}
}

type memory struct {
	i *engine.Instance
}

// Size implements Memory.Size
func (m memory) Size() uint32 {
	return uint32(len(m.i.Memory()))
}

// Read implements Memory.Read
func (m memory) Read(offset, n uint32) ([]byte, bool) {
	return m.i.ReadMemory(offset, n)
}

// ReadUint32Le implements Memory.ReadUint32Le
func (m memory) ReadUint32Le(offset uint32) (uint32, bool) {
	b, ok := m.i.ReadMemory(offset, 4)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

// Write implements Memory.Write
func (m memory) Write(offset uint32, v []byte) bool {
	return m.i.WriteMemory(offset, v)
}

// WriteUint32Le implements Memory.WriteUint32Le
func (m memory) WriteUint32Le(offset, v uint32) bool {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return m.i.WriteMemory(offset, b[:])
}
