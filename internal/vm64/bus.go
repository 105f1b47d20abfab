package vm64

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Segment is a contiguous range of the address space. Data may grow up to Limit bytes without moving Base.
type Segment struct {
	Name string
	Base uint64
	Data []byte
	// Limit is the reserved size of the segment, at least len(Data).
	Limit uint64
	// Exec marks the segment as holding instructions.
	Exec bool
}

// End returns the first address past the reserved range.
func (s *Segment) End() uint64 {
	return s.Base + s.Limit
}

// Bus is the segmented address space shared by code, stacks and runtime structures.
type Bus struct {
	// segs is sorted by Base.
	segs []*Segment
	// last caches the most recently accessed segment.
	last *Segment
}

// Map adds seg to the address space.
func (b *Bus) Map(seg *Segment) error {
	if seg.Limit < uint64(len(seg.Data)) {
		seg.Limit = uint64(len(seg.Data))
	}
	if seg.Base+seg.Limit < seg.Base {
		return fmt.Errorf("segment %s wraps the address space", seg.Name)
	}
	for _, s := range b.segs {
		if seg.Base < s.End() && s.Base < seg.End() {
			return fmt.Errorf("segment %s [%#x, %#x) overlaps %s [%#x, %#x)",
				seg.Name, seg.Base, seg.End(), s.Name, s.Base, s.End())
		}
	}
	b.segs = append(b.segs, seg)
	sort.Slice(b.segs, func(i, j int) bool { return b.segs[i].Base < b.segs[j].Base })
	return nil
}

// Unmap removes the segment named name, if present.
func (b *Bus) Unmap(name string) {
	for i, s := range b.segs {
		if s.Name == name {
			b.segs = append(b.segs[:i], b.segs[i+1:]...)
			if b.last == s {
				b.last = nil
			}
			return
		}
	}
}

// Segment returns the segment named name.
func (b *Bus) Segment(name string) (*Segment, bool) {
	for _, s := range b.segs {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// Slice returns the n bytes at addr, or false if they are not backed by a single segment.
func (b *Bus) Slice(addr, n uint64) ([]byte, bool) {
	if s := b.last; s != nil && addr >= s.Base && addr-s.Base <= uint64(len(s.Data)) && n <= uint64(len(s.Data))-(addr-s.Base) {
		off := addr - s.Base
		return s.Data[off : off+n], true
	}
	i := sort.Search(len(b.segs), func(i int) bool { return b.segs[i].End() > addr })
	if i == len(b.segs) {
		return nil, false
	}
	s := b.segs[i]
	if addr < s.Base {
		return nil, false
	}
	off := addr - s.Base
	if off > uint64(len(s.Data)) || n > uint64(len(s.Data))-off {
		return nil, false
	}
	b.last = s
	return s.Data[off : off+n], true
}

// Read returns the little-endian value of the given width at addr.
func (b *Bus) Read(addr uint64, w Width) (uint64, bool) {
	buf, ok := b.Slice(addr, WidthBytes(w))
	if !ok {
		return 0, false
	}
	switch w & widthMask {
	case Width8:
		return uint64(buf[0]), true
	case Width16:
		return uint64(binary.LittleEndian.Uint16(buf)), true
	case Width32:
		return uint64(binary.LittleEndian.Uint32(buf)), true
	default:
		return binary.LittleEndian.Uint64(buf), true
	}
}

// Write stores the low bytes of v of the given width at addr.
func (b *Bus) Write(addr uint64, w Width, v uint64) bool {
	buf, ok := b.Slice(addr, WidthBytes(w))
	if !ok {
		return false
	}
	switch w & widthMask {
	case Width8:
		buf[0] = byte(v)
	case Width16:
		binary.LittleEndian.PutUint16(buf, uint16(v))
	case Width32:
		binary.LittleEndian.PutUint32(buf, uint32(v))
	default:
		binary.LittleEndian.PutUint64(buf, v)
	}
	return true
}

// Read64 reads a machine word.
func (b *Bus) Read64(addr uint64) (uint64, bool) {
	return b.Read(addr, Width64)
}

// Write64 writes a machine word.
func (b *Bus) Write64(addr, v uint64) bool {
	return b.Write(addr, Width64, v)
}
