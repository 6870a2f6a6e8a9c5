package hsa

import "encoding/binary"

// AQL packets are 64 bytes. The first 16 bits are the header:
//
//	type[7:0] | barrier[8] | acquire_scope[10:9] | release_scope[12:11] | reserved[15:13]
//
// The smallest atomic width is 32 bits, so publishing a packet stores the
// header together with the following 16 bits (setup for kernel dispatches,
// type for agent dispatches) in a single release store. A packet whose type
// is PacketTypeInvalid stalls the packet processor; the INVALID->typed
// transition is the publication primitive.

// PacketSize is the wire size of every AQL packet in bytes.
const PacketSize = 64

// PacketType discriminates AQL packets for the packet processor.
type PacketType uint8

const (
	PacketTypeVendor         PacketType = 0
	PacketTypeInvalid        PacketType = 1
	PacketTypeKernelDispatch PacketType = 2
	PacketTypeBarrierAnd     PacketType = 3
	PacketTypeAgentDispatch  PacketType = 4
	PacketTypeBarrierOr      PacketType = 5
)

// FenceScope is the visibility radius of a packet's acquire/release fences.
type FenceScope uint8

const (
	FenceScopeNone   FenceScope = 0
	FenceScopeAgent  FenceScope = 1
	FenceScopeSystem FenceScope = 2
)

// Header bit positions, from the LSB.
const (
	headerTypeShift    = 0
	headerBarrierShift = 8
	headerAcquireShift = 9
	headerReleaseShift = 11
)

// MakeHeader forms a 16-bit packet header.
func MakeHeader(packetType PacketType, barrier bool, acquire, release FenceScope) uint16 {
	header := uint16(packetType) << headerTypeShift
	if barrier {
		header |= 1 << headerBarrierShift
	}
	header |= uint16(acquire) << headerAcquireShift
	header |= uint16(release) << headerReleaseShift
	return header
}

// HeaderType extracts the packet type from a header.
func HeaderType(header uint16) PacketType {
	return PacketType(header & 0xFF)
}

// HeaderBarrier extracts the barrier bit.
func HeaderBarrier(header uint16) bool {
	return header&(1<<headerBarrierShift) != 0
}

// HeaderAcquire extracts the acquire fence scope.
func HeaderAcquire(header uint16) FenceScope {
	return FenceScope((header >> headerAcquireShift) & 0x3)
}

// HeaderRelease extracts the release fence scope.
func HeaderRelease(header uint16) FenceScope {
	return FenceScope((header >> headerReleaseShift) & 0x3)
}

// Packet is one 64-byte queue slot. The first 32-bit word (header plus the
// adjacent 16 bits) is atomic so publication can gate the packet processor;
// the body carries the remaining 60 bytes of the wire layout.
type Packet struct {
	control Atomic32
	body    [PacketSize - 4]byte
}

// Control loads the packed header word.
func (p *Packet) Control(order MemoryOrder) (header uint16, rest uint16) {
	word := p.control.Load(order, ScopeSystem)
	return uint16(word & 0xFFFF), uint16(word >> 16)
}

// Publish atomically stores the header word, transitioning the packet from
// INVALID to its final type. The body must be fully written first.
func (p *Packet) Publish(header uint16, rest uint16, order MemoryOrder, scope MemoryScope) {
	p.control.Store(uint32(header)|uint32(rest)<<16, order, scope)
}

// Invalidate resets the packet so the slot can be reserved again.
func (p *Packet) Invalidate() {
	for i := range p.body {
		p.body[i] = 0
	}
	p.control.Store(uint32(MakeHeader(PacketTypeInvalid, false, FenceScopeNone, FenceScopeNone)), OrderRelease, ScopeSystem)
}

// Bytes renders the full 64-byte wire form of the packet.
func (p *Packet) Bytes() [PacketSize]byte {
	var out [PacketSize]byte
	binary.LittleEndian.PutUint32(out[0:4], p.control.Load(OrderAcquire, ScopeSystem))
	copy(out[4:], p.body[:])
	return out
}

// Body offsets are relative to the packet start per the wire layout; the
// codec below subtracts the 4-byte control word.
func (p *Packet) putU16(offset int, v uint16) {
	binary.LittleEndian.PutUint16(p.body[offset-4:], v)
}
func (p *Packet) putU32(offset int, v uint32) {
	binary.LittleEndian.PutUint32(p.body[offset-4:], v)
}
func (p *Packet) putU64(offset int, v uint64) {
	binary.LittleEndian.PutUint64(p.body[offset-4:], v)
}
func (p *Packet) u16(offset int) uint16 {
	return binary.LittleEndian.Uint16(p.body[offset-4:])
}
func (p *Packet) u32(offset int) uint32 {
	return binary.LittleEndian.Uint32(p.body[offset-4:])
}
func (p *Packet) u64(offset int) uint64 {
	return binary.LittleEndian.Uint64(p.body[offset-4:])
}

// KernelDispatchPacket is the decoded form of an AQL kernel dispatch.
//
// Wire layout (64 B): header:16, setup:16, workgroup_size[3]:u16x3,
// reserved0:u16, grid_size[3]:u32x3, private_segment_size:u32,
// group_segment_size:u32, kernel_object:u64, kernarg_address:u64,
// reserved2:u64, completion_signal:u64.
type KernelDispatchPacket struct {
	Setup              uint16
	WorkgroupSize      [3]uint16
	GridSize           [3]uint32
	PrivateSegmentSize uint32
	GroupSegmentSize   uint32
	KernelObject       uint64
	KernargAddress     uint64
	CompletionSignal   SignalHandle
}

// EmplaceBody writes every field except the header word. The caller publishes
// the header (with Setup as the adjacent 16 bits) once the body is complete.
func (d *KernelDispatchPacket) EmplaceBody(p *Packet) {
	p.putU16(4, d.WorkgroupSize[0])
	p.putU16(6, d.WorkgroupSize[1])
	p.putU16(8, d.WorkgroupSize[2])
	p.putU16(10, 0) // reserved0
	p.putU32(12, d.GridSize[0])
	p.putU32(16, d.GridSize[1])
	p.putU32(20, d.GridSize[2])
	p.putU32(24, d.PrivateSegmentSize)
	p.putU32(28, d.GroupSegmentSize)
	p.putU64(32, d.KernelObject)
	p.putU64(40, d.KernargAddress)
	p.putU64(48, 0) // reserved2
	p.putU64(56, uint64(d.CompletionSignal))
}

// DecodeKernelDispatch reads the body of a published kernel dispatch packet.
func DecodeKernelDispatch(p *Packet) KernelDispatchPacket {
	_, setup := p.Control(OrderAcquire)
	return KernelDispatchPacket{
		Setup:              setup,
		WorkgroupSize:      [3]uint16{p.u16(4), p.u16(6), p.u16(8)},
		GridSize:           [3]uint32{p.u32(12), p.u32(16), p.u32(20)},
		PrivateSegmentSize: p.u32(24),
		GroupSegmentSize:   p.u32(28),
		KernelObject:       p.u64(32),
		KernargAddress:     p.u64(40),
		CompletionSignal:   SignalHandle(p.u64(56)),
	}
}

// SetGridSize overwrites grid_size_{x,y,z} in place. Used by the workgroup
// count update builtin to patch a still-INVALID dispatch packet.
func (p *Packet) SetGridSize(grid [3]uint32) {
	p.putU32(12, grid[0])
	p.putU32(16, grid[1])
	p.putU32(20, grid[2])
}

// AgentDispatchPacket is the decoded form of an AQL agent dispatch.
//
// Wire layout (64 B): header:16, type:u16, reserved0:u32, return_address:u64,
// arg[4]:u64x4, reserved2:u64, completion_signal:u64.
type AgentDispatchPacket struct {
	Type             uint16
	ReturnAddress    uint64
	Args             [4]uint64
	CompletionSignal SignalHandle
}

// EmplaceBody writes every field except the header word and type (which
// travel together in the atomic control word).
func (d *AgentDispatchPacket) EmplaceBody(p *Packet) {
	p.putU32(4, 0) // reserved0
	p.putU64(8, d.ReturnAddress)
	p.putU64(16, d.Args[0])
	p.putU64(24, d.Args[1])
	p.putU64(32, d.Args[2])
	p.putU64(40, d.Args[3])
	p.putU64(48, 0) // reserved2
	p.putU64(56, uint64(d.CompletionSignal))
}

// DecodeAgentDispatch reads the body of a published agent dispatch packet.
func DecodeAgentDispatch(p *Packet) AgentDispatchPacket {
	_, packetType := p.Control(OrderAcquire)
	return AgentDispatchPacket{
		Type:             packetType,
		ReturnAddress:    p.u64(8),
		Args:             [4]uint64{p.u64(16), p.u64(24), p.u64(32), p.u64(40)},
		CompletionSignal: SignalHandle(p.u64(56)),
	}
}

// BarrierPacketDepCapacity is the number of dependent signals a single
// barrier-AND/OR packet can carry.
const BarrierPacketDepCapacity = 5

// BarrierPacket is the decoded form of a barrier-AND or barrier-OR packet.
//
// Wire layout (64 B): header:16, reserved0:u16, reserved1:u32,
// dep_signal[5]:u64x5, reserved2:u64, completion_signal:u64.
type BarrierPacket struct {
	DepSignals       [BarrierPacketDepCapacity]SignalHandle
	CompletionSignal SignalHandle
}

// EmplaceBody writes every field except the header word. reserved0 shares
// the control word with the header and stays 0.
func (d *BarrierPacket) EmplaceBody(p *Packet) {
	p.putU32(4, 0) // reserved1
	for i, dep := range d.DepSignals {
		p.putU64(8+8*i, uint64(dep))
	}
	p.putU64(48, 0) // reserved2
	p.putU64(56, uint64(d.CompletionSignal))
}

// DecodeBarrier reads the body of a published barrier packet.
func DecodeBarrier(p *Packet) BarrierPacket {
	var d BarrierPacket
	for i := range d.DepSignals {
		d.DepSignals[i] = SignalHandle(p.u64(8 + 8*i))
	}
	d.CompletionSignal = SignalHandle(p.u64(56))
	return d
}
