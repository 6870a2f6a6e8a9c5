package cmdbuf

import "encoding/binary"

// Commands are fixed 64-byte records so a block can be indexed and issued in
// parallel. Variable-length data (binding refs, constants) lives in the
// block's embedded data region and is referenced by offset.

// CmdSize is the fixed size of every command record.
const CmdSize = 64

// CmdType discriminates command records.
type CmdType uint8

const (
	CmdDebugGroupBegin CmdType = iota
	CmdDebugGroupEnd
	CmdBarrier
	CmdSignalEvent
	CmdResetEvent
	CmdWaitEvents
	CmdFillBuffer
	CmdCopyBuffer
	CmdDispatch
	CmdDispatchIndirectDynamic
	CmdBranch
	CmdReturn
)

// CmdFlags control per-command processing.
type CmdFlags uint8

const (
	// CmdFlagQueueAwaitBarrier sets the AQL barrier bit on the command's
	// first packet, forcing all prior packets in the queue to complete
	// before it launches.
	CmdFlagQueueAwaitBarrier CmdFlags = 1 << 0
	// CmdFlagFenceAcquireSystem widens the packet acquire scope from AGENT
	// to SYSTEM.
	CmdFlagFenceAcquireSystem CmdFlags = 1 << 1
	// CmdFlagFenceReleaseSystem widens the packet release scope from AGENT
	// to SYSTEM.
	CmdFlagFenceReleaseSystem CmdFlags = 1 << 2
)

// CmdHeader is the 4-byte prefix of every command record.
type CmdHeader struct {
	Type CmdType
	Flags CmdFlags
	// PacketOffset is the command's slot offset from the block's base queue
	// index. Multi-packet commands use consecutive slots from here.
	PacketOffset uint16
}

// CmdRecord is the raw 64-byte encoded command.
type CmdRecord [CmdSize]byte

// Header decodes the record prefix.
func (c *CmdRecord) Header() CmdHeader {
	return CmdHeader{
		Type:         CmdType(c[0]),
		Flags:        CmdFlags(c[1]),
		PacketOffset: binary.LittleEndian.Uint16(c[2:4]),
	}
}

func (c *CmdRecord) setHeader(h CmdHeader) {
	c[0] = byte(h.Type)
	c[1] = byte(h.Flags)
	binary.LittleEndian.PutUint16(c[2:4], h.PacketOffset)
}

// EventOrdinal identifies an event within one command buffer. Ordinals do
// not support concurrent reuse across in-flight executions of different
// command buffers; each execution binds them to freshly acquired signals.
type EventOrdinal uint32

// WaitEventInlineCapacity is the number of event ordinals stored inline in a
// wait-events command, matching the barrier-AND packet dependency capacity.
const WaitEventInlineCapacity = 5

// WaitEventsPerPacket is how many events one barrier-AND packet can wait on.
const WaitEventsPerPacket = 5

// DebugGroupBeginCmd pushes a debug group. Pointers are tagged host-space
// addresses passed through to the trace translator.
type DebugGroupBeginCmd struct {
	CmdHeader
	SrcLoc       uint64
	LabelLiteral uint64
	LabelLength  uint32
	Color        uint32
}

func (d *DebugGroupBeginCmd) Encode(c *CmdRecord) {
	d.Type = CmdDebugGroupBegin
	c.setHeader(d.CmdHeader)
	binary.LittleEndian.PutUint64(c[8:16], d.SrcLoc)
	binary.LittleEndian.PutUint64(c[16:24], d.LabelLiteral)
	binary.LittleEndian.PutUint32(c[24:28], d.LabelLength)
	binary.LittleEndian.PutUint32(c[28:32], d.Color)
}

// DecodeDebugGroupBegin decodes the variant body.
func DecodeDebugGroupBegin(c *CmdRecord) DebugGroupBeginCmd {
	return DebugGroupBeginCmd{
		CmdHeader:    c.Header(),
		SrcLoc:       binary.LittleEndian.Uint64(c[8:16]),
		LabelLiteral: binary.LittleEndian.Uint64(c[16:24]),
		LabelLength:  binary.LittleEndian.Uint32(c[24:28]),
		Color:        binary.LittleEndian.Uint32(c[28:32]),
	}
}

// EventCmd is the shared body of signal-event and reset-event commands.
// KernargOffset is used only by reset, whose re-arm runs as a builtin
// dispatch and needs scratch for its arguments.
type EventCmd struct {
	CmdHeader
	Event         EventOrdinal
	KernargOffset uint32
}

func (d *EventCmd) Encode(c *CmdRecord) {
	c.setHeader(d.CmdHeader)
	binary.LittleEndian.PutUint32(c[4:8], uint32(d.Event))
	binary.LittleEndian.PutUint32(c[8:12], d.KernargOffset)
}

// DecodeEvent decodes a signal-event or reset-event body.
func DecodeEvent(c *CmdRecord) EventCmd {
	return EventCmd{
		CmdHeader:     c.Header(),
		Event:         EventOrdinal(binary.LittleEndian.Uint32(c[4:8])),
		KernargOffset: binary.LittleEndian.Uint32(c[8:12]),
	}
}

// WaitEventsCmd waits for events to reach 0. Up to five ordinals are stored
// inline; larger sets spill to the embedded data region.
type WaitEventsCmd struct {
	CmdHeader
	EventCount uint32
	Events     [WaitEventInlineCapacity]EventOrdinal
	// EventsOffset locates the spilled ordinal array in embedded data when
	// EventCount exceeds the inline capacity.
	EventsOffset uint32
}

func (d *WaitEventsCmd) Encode(c *CmdRecord) {
	d.Type = CmdWaitEvents
	c.setHeader(d.CmdHeader)
	binary.LittleEndian.PutUint32(c[4:8], d.EventCount)
	for i, ev := range d.Events {
		binary.LittleEndian.PutUint32(c[8+4*i:], uint32(ev))
	}
	binary.LittleEndian.PutUint32(c[28:32], d.EventsOffset)
}

// DecodeWaitEvents decodes the variant body.
func DecodeWaitEvents(c *CmdRecord) WaitEventsCmd {
	d := WaitEventsCmd{
		CmdHeader:    c.Header(),
		EventCount:   binary.LittleEndian.Uint32(c[4:8]),
		EventsOffset: binary.LittleEndian.Uint32(c[28:32]),
	}
	for i := range d.Events {
		d.Events[i] = EventOrdinal(binary.LittleEndian.Uint32(c[8+4*i:]))
	}
	return d
}

// FillBufferCmd fills a range with a 1/2/4/8-byte pattern via a blit kernel.
type FillBufferCmd struct {
	CmdHeader
	KernargOffset uint32
	TargetRef     BufferRef
	Pattern       uint64
	PatternLength uint8
}

func (d *FillBufferCmd) Encode(c *CmdRecord) {
	d.Type = CmdFillBuffer
	c.setHeader(d.CmdHeader)
	binary.LittleEndian.PutUint32(c[4:8], d.KernargOffset)
	d.TargetRef.Encode(c[8:32])
	binary.LittleEndian.PutUint64(c[32:40], d.Pattern)
	c[40] = d.PatternLength
}

// DecodeFillBuffer decodes the variant body.
func DecodeFillBuffer(c *CmdRecord) FillBufferCmd {
	return FillBufferCmd{
		CmdHeader:     c.Header(),
		KernargOffset: binary.LittleEndian.Uint32(c[4:8]),
		TargetRef:     DecodeBufferRef(c[8:32]),
		Pattern:       binary.LittleEndian.Uint64(c[32:40]),
		PatternLength: c[40],
	}
}

// CopyBufferCmd copies between two ranges via a blit kernel.
type CopyBufferCmd struct {
	CmdHeader
	KernargOffset uint32
	SourceRef     BufferRef
	TargetRef     BufferRef
}

func (d *CopyBufferCmd) Encode(c *CmdRecord) {
	d.Type = CmdCopyBuffer
	c.setHeader(d.CmdHeader)
	binary.LittleEndian.PutUint32(c[4:8], d.KernargOffset)
	d.SourceRef.Encode(c[8:32])
	d.TargetRef.Encode(c[32:56])
}

// DecodeCopyBuffer decodes the variant body.
func DecodeCopyBuffer(c *CmdRecord) CopyBufferCmd {
	return CopyBufferCmd{
		CmdHeader:     c.Header(),
		KernargOffset: binary.LittleEndian.Uint32(c[4:8]),
		SourceRef:     DecodeBufferRef(c[8:32]),
		TargetRef:     DecodeBufferRef(c[32:56]),
	}
}

// DispatchFlags control workgroup count resolution.
type DispatchFlags uint16

const (
	// DispatchFlagIndirectStatic resolves the workgroup count from a buffer
	// once at issue time.
	DispatchFlagIndirectStatic DispatchFlags = 1 << 0
	// DispatchFlagIndirectDynamic resolves the workgroup count immediately
	// before the dispatch executes, via a fixup kernel that patches the
	// still-INVALID dispatch packet.
	DispatchFlagIndirectDynamic DispatchFlags = 1 << 1
)

// WorkgroupCountRef is the size-optimized buffer reference naming a
// uint32[3] workgroup count: type in the low 2 bits of OffsetType, offset in
// the rest. The length is the constant 12.
type WorkgroupCountRef struct {
	OffsetType uint64
	Value      uint64
}

// MakeWorkgroupCountRef builds a workgroup count reference.
func MakeWorkgroupCountRef(refType BufferRefType, offset, value uint64) WorkgroupCountRef {
	return WorkgroupCountRef{OffsetType: offset<<2 | uint64(refType), Value: value}
}

// Ref widens to a regular BufferRef.
func (w WorkgroupCountRef) Ref() BufferRef {
	return MakeBufferRef(BufferRefType(w.OffsetType&0x3), w.OffsetType>>2, 12, w.Value)
}

// WorkgroupCountUpdateKernargSize is the kernarg prefix reserved ahead of a
// dynamic indirect dispatch's own kernargs for the fixup builtin.
const WorkgroupCountUpdateKernargSize = 3 * 8

// DispatchCmd dispatches a kernel directly or indirectly. Everything needed
// to build the AQL packet is in the record; binding refs and constants live
// in embedded data at PayloadOffset.
type DispatchCmd struct {
	CmdHeader
	KernargOffset uint32
	Flags         DispatchFlags
	Setup         uint16
	ConstantCount uint16
	BindingCount  uint16
	// KernelOrdinal indexes the kernel table bound to the execution.
	KernelOrdinal uint32
	// GridSize is used for direct dispatches; indirect dispatches use
	// WorkgroupsRef instead.
	GridSize      [3]uint32
	WorkgroupsRef WorkgroupCountRef
	PayloadOffset uint32
}

func (d *DispatchCmd) Encode(c *CmdRecord) {
	c.setHeader(d.CmdHeader)
	binary.LittleEndian.PutUint32(c[4:8], d.KernargOffset)
	binary.LittleEndian.PutUint16(c[8:10], uint16(d.Flags))
	binary.LittleEndian.PutUint16(c[10:12], d.Setup)
	binary.LittleEndian.PutUint16(c[12:14], d.ConstantCount)
	binary.LittleEndian.PutUint16(c[14:16], d.BindingCount)
	binary.LittleEndian.PutUint32(c[16:20], d.KernelOrdinal)
	binary.LittleEndian.PutUint32(c[20:24], d.GridSize[0])
	binary.LittleEndian.PutUint32(c[24:28], d.GridSize[1])
	binary.LittleEndian.PutUint32(c[28:32], d.GridSize[2])
	binary.LittleEndian.PutUint64(c[32:40], d.WorkgroupsRef.OffsetType)
	binary.LittleEndian.PutUint64(c[40:48], d.WorkgroupsRef.Value)
	binary.LittleEndian.PutUint32(c[48:52], d.PayloadOffset)
}

// DecodeDispatch decodes the variant body.
func DecodeDispatch(c *CmdRecord) DispatchCmd {
	return DispatchCmd{
		CmdHeader:     c.Header(),
		KernargOffset: binary.LittleEndian.Uint32(c[4:8]),
		Flags:         DispatchFlags(binary.LittleEndian.Uint16(c[8:10])),
		Setup:         binary.LittleEndian.Uint16(c[10:12]),
		ConstantCount: binary.LittleEndian.Uint16(c[12:14]),
		BindingCount:  binary.LittleEndian.Uint16(c[14:16]),
		KernelOrdinal: binary.LittleEndian.Uint32(c[16:20]),
		GridSize: [3]uint32{
			binary.LittleEndian.Uint32(c[20:24]),
			binary.LittleEndian.Uint32(c[24:28]),
			binary.LittleEndian.Uint32(c[28:32]),
		},
		WorkgroupsRef: WorkgroupCountRef{
			OffsetType: binary.LittleEndian.Uint64(c[32:40]),
			Value:      binary.LittleEndian.Uint64(c[40:48]),
		},
		PayloadOffset: binary.LittleEndian.Uint32(c[48:52]),
	}
}

// BranchCmd continues execution at another block of the same command buffer.
type BranchCmd struct {
	CmdHeader
	TargetBlock uint32
}

func (d *BranchCmd) Encode(c *CmdRecord) {
	d.Type = CmdBranch
	c.setHeader(d.CmdHeader)
	binary.LittleEndian.PutUint32(c[4:8], d.TargetBlock)
}

// DecodeBranch decodes the variant body.
func DecodeBranch(c *CmdRecord) BranchCmd {
	return BranchCmd{
		CmdHeader:   c.Header(),
		TargetBlock: binary.LittleEndian.Uint32(c[4:8]),
	}
}

// PacketCount returns how many AQL packets the command occupies in its
// block's reserved range.
func PacketCount(c *CmdRecord) uint16 {
	switch h := c.Header(); h.Type {
	case CmdWaitEvents:
		d := DecodeWaitEvents(c)
		return uint16((d.EventCount + WaitEventsPerPacket - 1) / WaitEventsPerPacket)
	case CmdDispatchIndirectDynamic:
		return 2
	default:
		return 1
	}
}
