package cmdbuf

import (
	"encoding/binary"
	"fmt"
)

// Recorder builds immutable command buffers. It performs the bookkeeping the
// parallel issuer depends on: per-command packet offsets, kernarg offsets
// into the per-execution scratch, query ID maps, and the per-block maximums.
//
// The recorder is host-side tooling; the device core consumes only the
// resulting CommandBuffer.
type Recorder struct {
	blocks  []*blockRecorder
	current *blockRecorder
	events  uint32
	err     error
}

type blockRecorder struct {
	commands      []CmdRecord
	embedded      []byte
	packetCursor  uint16
	kernargCursor uint32
	queryIDs      []CommandQueryID
	controlCount  uint16
	dispatchCount uint16
	terminated    bool
}

// NewRecorder creates an empty recorder positioned at block 0.
func NewRecorder() *Recorder {
	r := &Recorder{}
	r.openBlock()
	return r
}

func (r *Recorder) openBlock() {
	r.current = &blockRecorder{}
	r.blocks = append(r.blocks, r.current)
}

func (r *Recorder) fail(format string, args ...interface{}) {
	if r.err == nil {
		r.err = fmt.Errorf(format, args...)
	}
}

// block-relative query assignment: control queries go to debug group
// markers, dispatch queries additionally cover dispatches and blits. In
// dispatch mode the control commands still trace, so their dispatch IDs
// come from the same sequence.
func (r *Recorder) assignQuery(control, dispatch bool) CommandQueryID {
	b := r.current
	id := CommandQueryID{ControlID: InvalidQueryID, DispatchID: InvalidQueryID}
	if control {
		id.ControlID = b.controlCount
		b.controlCount++
	}
	if control || dispatch {
		id.DispatchID = b.dispatchCount
		b.dispatchCount++
	}
	return id
}

func (r *Recorder) append(rec CmdRecord, packets uint16, query CommandQueryID) {
	b := r.current
	if b.terminated {
		r.fail("command recorded after block terminator")
		return
	}
	b.commands = append(b.commands, rec)
	b.queryIDs = append(b.queryIDs, query)
	b.packetCursor += packets
}

func (r *Recorder) reserveKernargs(size uint32) uint32 {
	b := r.current
	offset := (b.kernargCursor + 15) &^ 15
	b.kernargCursor = offset + size
	return offset
}

func (r *Recorder) embed(data []byte, align uint32) uint32 {
	b := r.current
	offset := (uint32(len(b.embedded)) + align - 1) &^ (align - 1)
	for uint32(len(b.embedded)) < offset {
		b.embedded = append(b.embedded, 0)
	}
	b.embedded = append(b.embedded, data...)
	return offset
}

// DebugGroupBegin records a debug group push.
func (r *Recorder) DebugGroupBegin(flags CmdFlags, srcLoc, label uint64, labelLength uint32, color uint32) {
	cmd := DebugGroupBeginCmd{
		CmdHeader:    CmdHeader{Flags: flags, PacketOffset: r.current.packetCursor},
		SrcLoc:       srcLoc,
		LabelLiteral: label,
		LabelLength:  labelLength,
		Color:        color,
	}
	var rec CmdRecord
	cmd.Encode(&rec)
	r.append(rec, 1, r.assignQuery(true, false))
}

// DebugGroupEnd records a debug group pop.
func (r *Recorder) DebugGroupEnd(flags CmdFlags) {
	var rec CmdRecord
	rec.setHeader(CmdHeader{Type: CmdDebugGroupEnd, Flags: flags, PacketOffset: r.current.packetCursor})
	r.append(rec, 1, r.assignQuery(true, false))
}

// Barrier records a full queue barrier. The await bit is implied.
func (r *Recorder) Barrier(flags CmdFlags) {
	var rec CmdRecord
	rec.setHeader(CmdHeader{
		Type:         CmdBarrier,
		Flags:        flags | CmdFlagQueueAwaitBarrier,
		PacketOffset: r.current.packetCursor,
	})
	r.append(rec, 1, r.assignQuery(false, false))
}

func (r *Recorder) noteEvent(event EventOrdinal) {
	if uint32(event)+1 > r.events {
		r.events = uint32(event) + 1
	}
}

// SignalEvent records an event signal (1 -> 0) after prior commands.
func (r *Recorder) SignalEvent(flags CmdFlags, event EventOrdinal) {
	r.noteEvent(event)
	cmd := EventCmd{
		CmdHeader: CmdHeader{Type: CmdSignalEvent, Flags: flags | CmdFlagQueueAwaitBarrier, PacketOffset: r.current.packetCursor},
		Event:     event,
	}
	var rec CmdRecord
	cmd.Encode(&rec)
	r.append(rec, 1, r.assignQuery(false, false))
}

// ResetEvent records an event re-arm (value back to 1).
func (r *Recorder) ResetEvent(flags CmdFlags, event EventOrdinal) {
	r.noteEvent(event)
	cmd := EventCmd{
		CmdHeader:     CmdHeader{Type: CmdResetEvent, Flags: flags | CmdFlagQueueAwaitBarrier, PacketOffset: r.current.packetCursor},
		Event:         event,
		KernargOffset: r.reserveKernargs(2 * 8),
	}
	var rec CmdRecord
	cmd.Encode(&rec)
	r.append(rec, 1, r.assignQuery(false, false))
}

// WaitEvents records a wait for all listed events to reach 0. More than five
// events expand to consecutive barrier packets.
func (r *Recorder) WaitEvents(flags CmdFlags, events []EventOrdinal) {
	if len(events) == 0 {
		r.fail("wait-events requires at least one event")
		return
	}
	cmd := WaitEventsCmd{
		CmdHeader:  CmdHeader{Flags: flags, PacketOffset: r.current.packetCursor},
		EventCount: uint32(len(events)),
	}
	for _, ev := range events {
		r.noteEvent(ev)
	}
	if len(events) <= WaitEventInlineCapacity {
		copy(cmd.Events[:], events)
	} else {
		spill := make([]byte, 4*len(events))
		for i, ev := range events {
			binary.LittleEndian.PutUint32(spill[4*i:], uint32(ev))
		}
		cmd.EventsOffset = r.embed(spill, 4)
	}
	var rec CmdRecord
	cmd.Encode(&rec)
	packets := uint16((len(events) + WaitEventsPerPacket - 1) / WaitEventsPerPacket)
	r.append(rec, packets, r.assignQuery(false, false))
}

// FillBuffer records a pattern fill. PatternLength must be 1, 2, 4, or 8.
func (r *Recorder) FillBuffer(flags CmdFlags, target BufferRef, pattern uint64, patternLength uint8) {
	switch patternLength {
	case 1, 2, 4, 8:
	default:
		r.fail("fill pattern length %d is not 1/2/4/8", patternLength)
		return
	}
	cmd := FillBufferCmd{
		CmdHeader:     CmdHeader{Flags: flags, PacketOffset: r.current.packetCursor},
		KernargOffset: r.reserveKernargs(3 * 8),
		TargetRef:     target,
		Pattern:       pattern,
		PatternLength: patternLength,
	}
	var rec CmdRecord
	cmd.Encode(&rec)
	r.append(rec, 1, r.assignQuery(false, true))
}

// CopyBuffer records a copy between buffer ranges.
func (r *Recorder) CopyBuffer(flags CmdFlags, source, target BufferRef) {
	cmd := CopyBufferCmd{
		CmdHeader:     CmdHeader{Flags: flags, PacketOffset: r.current.packetCursor},
		KernargOffset: r.reserveKernargs(3 * 8),
		SourceRef:     source,
		TargetRef:     target,
	}
	var rec CmdRecord
	cmd.Encode(&rec)
	r.append(rec, 1, r.assignQuery(false, true))
}

// DispatchParams collects everything a dispatch command records.
type DispatchParams struct {
	Flags         CmdFlags
	DispatchFlags DispatchFlags
	KernelOrdinal uint32
	Setup         uint16
	GridSize      [3]uint32
	WorkgroupsRef WorkgroupCountRef
	Bindings      []BufferRef
	Constants     []uint32
}

// Dispatch records a kernel dispatch (direct, indirect-static, or
// indirect-dynamic depending on DispatchFlags).
func (r *Recorder) Dispatch(p DispatchParams) {
	payload := make([]byte, BufferRefSize*len(p.Bindings)+4*len(p.Constants))
	for i, b := range p.Bindings {
		b.Encode(payload[BufferRefSize*i:])
	}
	constBase := BufferRefSize * len(p.Bindings)
	for i, c := range p.Constants {
		binary.LittleEndian.PutUint32(payload[constBase+4*i:], c)
	}

	kernargSize := uint32(8*len(p.Bindings) + 4*len(p.Constants))
	kernargSize = (kernargSize + 15) &^ 15
	dynamic := p.DispatchFlags&DispatchFlagIndirectDynamic != 0
	if dynamic {
		kernargSize += WorkgroupCountUpdateKernargSize
	}

	cmdType := CmdDispatch
	packets := uint16(1)
	if dynamic {
		cmdType = CmdDispatchIndirectDynamic
		packets = 2
	}
	cmd := DispatchCmd{
		CmdHeader:     CmdHeader{Type: cmdType, Flags: p.Flags, PacketOffset: r.current.packetCursor},
		KernargOffset: r.reserveKernargs(kernargSize),
		Flags:         p.DispatchFlags,
		Setup:         p.Setup,
		ConstantCount: uint16(len(p.Constants)),
		BindingCount:  uint16(len(p.Bindings)),
		KernelOrdinal: p.KernelOrdinal,
		GridSize:      p.GridSize,
		WorkgroupsRef: p.WorkgroupsRef,
		PayloadOffset: r.embed(payload, 8),
	}
	var rec CmdRecord
	cmd.Encode(&rec)
	r.append(rec, packets, r.assignQuery(false, true))
}

// Branch terminates the current block and opens the next one. The target is
// a block ordinal; forward references are allowed and validated at Finalize.
func (r *Recorder) Branch(targetBlock uint32) {
	cmd := BranchCmd{
		// Block entry always awaits the prior block's packets.
		CmdHeader:   CmdHeader{Flags: CmdFlagQueueAwaitBarrier, PacketOffset: r.current.packetCursor},
		TargetBlock: targetBlock,
	}
	var rec CmdRecord
	cmd.Encode(&rec)
	r.append(rec, 1, r.assignQuery(false, false))
	r.current.terminated = true
	r.openBlock()
}

// Return terminates the current block and the command buffer program path.
func (r *Recorder) Return() {
	var rec CmdRecord
	rec.setHeader(CmdHeader{Type: CmdReturn, Flags: CmdFlagQueueAwaitBarrier, PacketOffset: r.current.packetCursor})
	r.append(rec, 1, r.assignQuery(false, false))
	r.current.terminated = true
}

// NextBlock explicitly opens a new block, for recording branch targets after
// a Return.
func (r *Recorder) NextBlock() uint32 {
	if !r.current.terminated {
		r.fail("NextBlock called on an unterminated block")
	}
	r.openBlock()
	return uint32(len(r.blocks) - 1)
}

// Finalize validates and seals the recording.
func (r *Recorder) Finalize() (*CommandBuffer, error) {
	if r.err != nil {
		return nil, r.err
	}
	// Drop a trailing empty block left by a terminator.
	if len(r.blocks) > 0 && len(r.blocks[len(r.blocks)-1].commands) == 0 {
		r.blocks = r.blocks[:len(r.blocks)-1]
	}
	if len(r.blocks) == 0 {
		return nil, fmt.Errorf("command buffer has no commands")
	}

	cb := &CommandBuffer{EventCount: r.events}
	for ordinal, b := range r.blocks {
		if len(b.commands) == 0 || !b.terminated {
			return nil, fmt.Errorf("block %d does not end with branch or return", ordinal)
		}
		// First command of every block awaits the prior block's packets.
		b.commands[0][1] |= byte(CmdFlagQueueAwaitBarrier)
		block := &Block{
			MaxPacketCount: uint32(b.packetCursor),
			CommandCount:   uint32(len(b.commands)),
			QueryMap: QueryMap{
				MaxControlQueryCount:  b.controlCount,
				MaxDispatchQueryCount: b.dispatchCount,
				QueryIDs:              b.queryIDs,
			},
			Commands:     b.commands,
			EmbeddedData: b.embedded,
		}
		cb.Blocks = append(cb.Blocks, block)
		if b.kernargCursor > cb.MaxKernargCapacity {
			cb.MaxKernargCapacity = b.kernargCursor
		}
	}

	// Validate branch targets and packet offsets.
	for ordinal, block := range cb.Blocks {
		for i := range block.Commands {
			rec := &block.Commands[i]
			h := rec.Header()
			if uint32(h.PacketOffset)+uint32(PacketCount(rec)) > block.MaxPacketCount {
				return nil, fmt.Errorf("block %d command %d packets exceed block reservation", ordinal, i)
			}
			if h.Type == CmdBranch {
				if target := DecodeBranch(rec).TargetBlock; target >= uint32(len(cb.Blocks)) {
					return nil, fmt.Errorf("block %d branches to out-of-range block %d", ordinal, target)
				}
			}
		}
	}
	return cb, nil
}
