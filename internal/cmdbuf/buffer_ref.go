// Package cmdbuf defines the immutable recorded form of command buffers:
// fixed 64-byte command records grouped into blocks with embedded read-only
// payload, plus the buffer references commands use to name memory.
package cmdbuf

import (
	"encoding/binary"
	"fmt"

	"github.com/aqlrun/aqlrun/internal/mem"
)

// BufferRefType identifies how a buffer reference resolves.
type BufferRefType uint8

const (
	// BufferRefPtr is an absolute device address.
	BufferRefPtr BufferRefType = 0
	// BufferRefHandle is a queue-ordered allocation handle, valid only
	// between the corresponding alloca and dealloca.
	BufferRefHandle BufferRefType = 1
	// BufferRefSlot is an index into the execution's binding table. Only one
	// indirection is allowed; table entries cannot reference other slots.
	BufferRefSlot BufferRefType = 2
)

// BufferRefSize is the wire size of an encoded buffer reference.
const BufferRefSize = 24

// WholeLength marks a reference covering the remainder of its binding.
const WholeLength = ^uint64(0) >> 2

// BufferRef describes a subrange of a buffer. The length and type share one
// word: type in the low 2 bits, length in the upper 62.
type BufferRef struct {
	Offset     uint64
	lengthType uint64
	value      uint64
}

// MakeBufferRef builds a reference. value is a device address, an allocation
// handle ordinal, or a binding slot depending on refType.
func MakeBufferRef(refType BufferRefType, offset, length, value uint64) BufferRef {
	return BufferRef{
		Offset:     offset,
		lengthType: length<<2 | uint64(refType),
		value:      value,
	}
}

// Type returns how the reference resolves.
func (r BufferRef) Type() BufferRefType { return BufferRefType(r.lengthType & 0x3) }

// Length returns the byte length of the referenced range.
func (r BufferRef) Length() uint64 { return r.lengthType >> 2 }

// Value returns the raw value word.
func (r BufferRef) Value() uint64 { return r.value }

// Encode writes the 24-byte wire form.
func (r BufferRef) Encode(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:8], r.Offset)
	binary.LittleEndian.PutUint64(dst[8:16], r.lengthType)
	binary.LittleEndian.PutUint64(dst[16:24], r.value)
}

// DecodeBufferRef reads the 24-byte wire form.
func DecodeBufferRef(src []byte) BufferRef {
	return BufferRef{
		Offset:     binary.LittleEndian.Uint64(src[0:8]),
		lengthType: binary.LittleEndian.Uint64(src[8:16]),
		value:      binary.LittleEndian.Uint64(src[16:24]),
	}
}

// HandleTable resolves allocation handle ordinals carried in buffer refs.
type HandleTable struct {
	handles []*mem.AllocationHandle
}

// NewHandleTable creates an empty table.
func NewHandleTable() *HandleTable {
	return &HandleTable{}
}

// Register adds a handle and returns its ordinal.
func (t *HandleTable) Register(h *mem.AllocationHandle) uint64 {
	t.handles = append(t.handles, h)
	return uint64(len(t.handles) - 1)
}

// Handle returns the handle for an ordinal.
func (t *HandleTable) Handle(ordinal uint64) (*mem.AllocationHandle, error) {
	if ordinal >= uint64(len(t.handles)) {
		return nil, fmt.Errorf("allocation handle ordinal %d out of range", ordinal)
	}
	return t.handles[ordinal], nil
}

// Resolve flattens a reference to an absolute device address. The binding
// table is required only for slot references. Slot references resolve
// through exactly one indirection: the table entry may itself be a pointer or
// handle but never another slot.
func (r BufferRef) Resolve(bindings []BufferRef, handles *HandleTable) (uint64, error) {
	ref := r
	if ref.Type() == BufferRefSlot {
		slot := ref.value
		if slot >= uint64(len(bindings)) {
			return 0, fmt.Errorf("binding table slot %d out of range (table has %d)", slot, len(bindings))
		}
		binding := bindings[slot]
		offset := ref.Offset + binding.Offset
		length := ref.Length()
		if length == WholeLength {
			length = binding.Length() - ref.Offset
		}
		ref = MakeBufferRef(binding.Type(), offset, length, binding.value)
		if ref.Type() == BufferRefSlot {
			return 0, fmt.Errorf("binding table slot %d references another slot", slot)
		}
	}
	if ref.Type() == BufferRefHandle {
		handle, err := handles.Handle(ref.value)
		if err != nil {
			return 0, err
		}
		ptr := handle.Ptr()
		if ptr == 0 {
			return 0, fmt.Errorf("allocation handle %d is not committed", ref.value)
		}
		return ptr + ref.Offset, nil
	}
	if ref.value == 0 {
		return 0, nil
	}
	return ref.value + ref.Offset, nil
}
