package sched

import (
	"sync"

	"github.com/aqlrun/aqlrun/internal/cmdbuf"
	"github.com/aqlrun/aqlrun/internal/host"
	"github.com/aqlrun/aqlrun/internal/hsa"
)

// The block issuer translates recorded commands into AQL packets. It runs
// with one work-item per command; work-items share the immutable block and
// write only to disjoint regions: the reserved packet slots at
// base+packet_offset and the kernarg scratch at each command's offset. The
// recorder guarantees disjointness.
//
// Publication ordering: every issuer writes kernargs and the packet body
// first and flips the header INVALID->typed last, with release order. The
// packet processor stalls on the first INVALID packet it reaches, so no
// ordering is needed between work-items.

// issueBlockKernel is the kernel dispatched on the scheduler queue for each
// block. Kernargs: [state_id, block_ordinal, base_queue_index].
func (s *Scheduler) issueBlockKernel(grid [3]uint32, kernargAddr uint64) {
	state := s.lookupState(s.memory.U64(kernargAddr))
	if state == nil {
		return
	}
	blockOrdinal := uint32(s.memory.U64(kernargAddr + 8))
	baseQueueIndex := s.memory.U64(kernargAddr + 16)
	block := state.commandBuffer.Blocks[blockOrdinal]

	if state.flags.traceControl() && state.traceBuffer != nil {
		state.traceBuffer.ZoneBegin(state.traceBuffer.Literals.Intern("issue_block"))
		state.traceBuffer.ZoneValueI64(int64(blockOrdinal))
		defer state.traceBuffer.ZoneEnd()
	}

	var wg sync.WaitGroup
	wg.Add(int(block.CommandCount))
	for i := uint32(0); i < block.CommandCount; i++ {
		go func(ordinal uint32) {
			defer wg.Done()
			s.issueCommand(state, block, ordinal, baseQueueIndex)
		}(i)
	}
	wg.Wait()
}

// issueCommand is one issuer work-item.
func (s *Scheduler) issueCommand(state *ExecutionState, block *cmdbuf.Block, ordinal uint32, baseQueueIndex uint64) {
	cmd := &block.Commands[ordinal]
	header := cmd.Header()
	queueIndex := baseQueueIndex + uint64(header.PacketOffset)
	queryID := state.queryIDFor(block.QueryMap.QueryIDs[ordinal])

	switch header.Type {
	case cmdbuf.CmdDebugGroupBegin:
		d := cmdbuf.DecodeDebugGroupBegin(cmd)
		completion := hsa.NullSignal
		if queryID != cmdbuf.InvalidQueryID {
			completion = state.traceBuffer.ExecutionZoneBegin(queryID, d.SrcLoc)
		}
		s.emplaceMarker(state, queueIndex, header.Flags, completion, hsa.FenceScopeNone, hsa.FenceScopeNone)
	case cmdbuf.CmdDebugGroupEnd:
		completion := hsa.NullSignal
		if queryID != cmdbuf.InvalidQueryID {
			completion = state.traceBuffer.ExecutionZoneEnd(queryID)
		}
		s.emplaceMarker(state, queueIndex, header.Flags, completion, hsa.FenceScopeNone, hsa.FenceScopeNone)
	case cmdbuf.CmdBarrier:
		acquire, release := packetScopes(header.Flags, state.flags)
		s.emplaceMarker(state, queueIndex, header.Flags|cmdbuf.CmdFlagQueueAwaitBarrier, hsa.NullSignal, acquire, release)
	case cmdbuf.CmdSignalEvent:
		d := cmdbuf.DecodeEvent(cmd)
		s.emplaceMarker(state, queueIndex, header.Flags, state.eventSignal(d.Event), hsa.FenceScopeNone, hsa.FenceScopeNone)
	case cmdbuf.CmdResetEvent:
		s.issueResetEvent(state, cmd, queueIndex)
	case cmdbuf.CmdWaitEvents:
		s.issueWaitEvents(state, block, cmd, queueIndex)
	case cmdbuf.CmdFillBuffer:
		s.issueFillCommand(state, cmd, queueIndex, queryID, ordinal)
	case cmdbuf.CmdCopyBuffer:
		s.issueCopyCommand(state, cmd, queueIndex, queryID, ordinal)
	case cmdbuf.CmdDispatch, cmdbuf.CmdDispatchIndirectDynamic:
		s.issueDispatchCommand(state, block, cmd, queueIndex, queryID, ordinal)
	case cmdbuf.CmdBranch:
		d := cmdbuf.DecodeBranch(cmd)
		s.emplaceMarker(state, queueIndex, header.Flags|cmdbuf.CmdFlagQueueAwaitBarrier, hsa.NullSignal, hsa.FenceScopeNone, hsa.FenceScopeNone)
		// Tail call: the next block issues through the scheduler queue, not
		// inline, preserving the single-control-kernel discipline.
		s.enqueueIssueBlock(state, d.TargetBlock)
	case cmdbuf.CmdReturn:
		s.issueReturn(state, cmd, queueIndex)
	default:
		s.malformedCommand(state, cmd, queueIndex, ordinal)
	}
}

// malformedCommand publishes no-op packets for every slot the command
// reserved (the reserved range must never be left INVALID) and then reports
// the recorder violation.
func (s *Scheduler) malformedCommand(state *ExecutionState, cmd *cmdbuf.CmdRecord, queueIndex uint64, ordinal uint32) {
	header := cmd.Header()
	for i := uint16(0); i < cmdbuf.PacketCount(cmd); i++ {
		s.emplaceMarker(state, queueIndex+uint64(i), 0, hsa.NullSignal, hsa.FenceScopeNone, hsa.FenceScopeNone)
	}
	s.fatal(host.ErrorCodeMalformed, uint64(header.Type), uint64(ordinal))
}

// emplaceMarker publishes a lightweight barrier-AND packet with no
// dependencies: a no-op that still honors the barrier bit and can carry a
// completion signal for timing capture.
func (s *Scheduler) emplaceMarker(state *ExecutionState, queueIndex uint64, flags cmdbuf.CmdFlags, completion hsa.SignalHandle, acquire, release hsa.FenceScope) {
	pkt := state.executionQueue.PacketAt(queueIndex)
	d := hsa.BarrierPacket{CompletionSignal: completion}
	d.EmplaceBody(pkt)
	barrier := barrierBit(flags, state.flags)
	pkt.Publish(hsa.MakeHeader(hsa.PacketTypeBarrierAnd, barrier, acquire, release), 0, hsa.OrderRelease, hsa.ScopeDevice)
}

func (s *Scheduler) issueResetEvent(state *ExecutionState, cmd *cmdbuf.CmdRecord, queueIndex uint64) {
	d := cmdbuf.DecodeEvent(cmd)
	kernargAddr := state.execKernargAddr + uint64(d.KernargOffset)
	s.memory.PutU64(kernargAddr, state.id)
	s.memory.PutU64(kernargAddr+8, uint64(d.Event))

	pkt := state.executionQueue.PacketAt(queueIndex)
	kd := hsa.KernelDispatchPacket{
		Setup:          s.builtins.eventReset.Setup,
		WorkgroupSize:  s.builtins.eventReset.WorkgroupSize,
		GridSize:       [3]uint32{1, 1, 1},
		KernelObject:   s.builtins.eventReset.Object,
		KernargAddress: kernargAddr,
	}
	kd.EmplaceBody(pkt)
	header := hsa.MakeHeader(hsa.PacketTypeKernelDispatch, barrierBit(d.Flags, state.flags), hsa.FenceScopeNone, hsa.FenceScopeNone)
	pkt.Publish(header, s.builtins.eventReset.Setup, hsa.OrderRelease, hsa.ScopeDevice)
}

func (s *Scheduler) issueWaitEvents(state *ExecutionState, block *cmdbuf.Block, cmd *cmdbuf.CmdRecord, queueIndex uint64) {
	d := cmdbuf.DecodeWaitEvents(cmd)

	event := func(i uint32) cmdbuf.EventOrdinal {
		if d.EventCount <= cmdbuf.WaitEventInlineCapacity {
			return d.Events[i]
		}
		spill := block.EmbeddedData[d.EventsOffset:]
		return cmdbuf.EventOrdinal(uint32(spill[4*i]) | uint32(spill[4*i+1])<<8 |
			uint32(spill[4*i+2])<<16 | uint32(spill[4*i+3])<<24)
	}

	// One barrier-AND per five events; the first carries the queue-await
	// bit, the rest chain as plain dependency waits.
	packets := (d.EventCount + cmdbuf.WaitEventsPerPacket - 1) / cmdbuf.WaitEventsPerPacket
	for p := uint32(0); p < packets; p++ {
		var deps [hsa.BarrierPacketDepCapacity]hsa.SignalHandle
		for i := uint32(0); i < cmdbuf.WaitEventsPerPacket; i++ {
			ordinal := p*cmdbuf.WaitEventsPerPacket + i
			if ordinal >= d.EventCount {
				break
			}
			deps[i] = state.eventSignal(event(ordinal))
		}
		pkt := state.executionQueue.PacketAt(queueIndex + uint64(p))
		bd := hsa.BarrierPacket{DepSignals: deps}
		bd.EmplaceBody(pkt)
		flags := d.Flags
		if p > 0 {
			flags &^= cmdbuf.CmdFlagQueueAwaitBarrier
		}
		acquire, release := packetScopes(d.Flags, state.flags)
		pkt.Publish(hsa.MakeHeader(hsa.PacketTypeBarrierAnd, barrierBit(flags, state.flags), acquire, release), 0, hsa.OrderRelease, hsa.ScopeDevice)
	}
}

func (s *Scheduler) issueFillCommand(state *ExecutionState, cmd *cmdbuf.CmdRecord, queueIndex uint64, queryID uint16, ordinal uint32) {
	d := cmdbuf.DecodeFillBuffer(cmd)
	target, err := d.TargetRef.Resolve(state.bindings, s.handles)
	if err != nil {
		s.malformedCommand(state, cmd, queueIndex, ordinal)
		return
	}
	length := d.TargetRef.Length()
	kernargAddr := state.execKernargAddr + uint64(d.KernargOffset)
	s.memory.PutU64(kernargAddr, target)
	s.memory.PutU64(kernargAddr+8, length)
	s.memory.PutU64(kernargAddr+16, d.Pattern)

	kernel := s.builtins.fill[log2Width(d.PatternLength)]
	s.emplaceBlockDispatch(state, queueIndex, queryID, d.Flags, kernel, blitGrid(length, uint64(d.PatternLength)), kernargAddr, ordinal)
}

func (s *Scheduler) issueCopyCommand(state *ExecutionState, cmd *cmdbuf.CmdRecord, queueIndex uint64, queryID uint16, ordinal uint32) {
	d := cmdbuf.DecodeCopyBuffer(cmd)
	source, err := d.SourceRef.Resolve(state.bindings, s.handles)
	if err != nil {
		s.malformedCommand(state, cmd, queueIndex, ordinal)
		return
	}
	target, err := d.TargetRef.Resolve(state.bindings, s.handles)
	if err != nil {
		s.malformedCommand(state, cmd, queueIndex, ordinal)
		return
	}
	length := d.TargetRef.Length()
	kernargAddr := state.execKernargAddr + uint64(d.KernargOffset)
	s.memory.PutU64(kernargAddr, source)
	s.memory.PutU64(kernargAddr+8, target)
	s.memory.PutU64(kernargAddr+16, length)

	width := copyWidth(source, target, length)
	kernel := s.builtins.copy[log2Width(width)]
	s.emplaceBlockDispatch(state, queueIndex, queryID, d.Flags, kernel, blitGrid(length, uint64(width)), kernargAddr, ordinal)
}

// emplaceBlockDispatch publishes one kernel dispatch inside a block,
// attaching the query signal when the command is traced.
func (s *Scheduler) emplaceBlockDispatch(state *ExecutionState, queueIndex uint64, queryID uint16, flags cmdbuf.CmdFlags, kernel hsa.KernelArgs, grid [3]uint32, kernargAddr uint64, ordinal uint32) {
	completion := hsa.NullSignal
	if queryID != cmdbuf.InvalidQueryID {
		completion = state.traceBuffer.ExecutionZoneDispatch(0, queryID, 0, ordinal)
	}
	pkt := state.executionQueue.PacketAt(queueIndex)
	d := hsa.KernelDispatchPacket{
		Setup:              kernel.Setup,
		WorkgroupSize:      kernel.WorkgroupSize,
		GridSize:           grid,
		PrivateSegmentSize: kernel.PrivateSegmentSize,
		GroupSegmentSize:   kernel.GroupSegmentSize,
		KernelObject:       kernel.Object,
		KernargAddress:     kernargAddr,
		CompletionSignal:   completion,
	}
	d.EmplaceBody(pkt)
	acquire, release := packetScopes(flags, state.flags)
	pkt.Publish(hsa.MakeHeader(hsa.PacketTypeKernelDispatch, barrierBit(flags, state.flags), acquire, release), kernel.Setup, hsa.OrderRelease, hsa.ScopeDevice)
}

func (s *Scheduler) issueDispatchCommand(state *ExecutionState, block *cmdbuf.Block, cmd *cmdbuf.CmdRecord, queueIndex uint64, queryID uint16, ordinal uint32) {
	d := cmdbuf.DecodeDispatch(cmd)
	if int(d.KernelOrdinal) >= len(state.kernels) {
		s.malformedCommand(state, cmd, queueIndex, ordinal)
		return
	}
	kernel := state.kernels[d.KernelOrdinal]
	dynamic := d.Flags&cmdbuf.DispatchFlagIndirectDynamic != 0

	kernargBase := state.execKernargAddr + uint64(d.KernargOffset)
	dispatchKernargs := kernargBase
	if dynamic {
		// The fixup builtin's kernargs prefix the dispatch's own.
		dispatchKernargs += cmdbuf.WorkgroupCountUpdateKernargSize
	}

	// Resolve bindings into the kernarg scratch, then append constants.
	data := block.EmbeddedData[d.PayloadOffset:]
	for i := uint16(0); i < d.BindingCount; i++ {
		ref := cmdbuf.DecodeBufferRef(data[cmdbuf.BufferRefSize*int(i):])
		addr, err := ref.Resolve(state.bindings, s.handles)
		if err != nil {
			s.malformedCommand(state, cmd, queueIndex, ordinal)
			return
		}
		s.memory.PutU64(dispatchKernargs+8*uint64(i), addr)
	}
	constData := data[cmdbuf.BufferRefSize*int(d.BindingCount):]
	constBase := dispatchKernargs + 8*uint64(d.BindingCount)
	for i := uint16(0); i < d.ConstantCount; i++ {
		v := uint32(constData[4*i]) | uint32(constData[4*i+1])<<8 |
			uint32(constData[4*i+2])<<16 | uint32(constData[4*i+3])<<24
		s.memory.PutU32(constBase+4*uint64(i), v)
	}

	completion := hsa.NullSignal
	if queryID != cmdbuf.InvalidQueryID {
		completion = state.traceBuffer.ExecutionZoneDispatch(1, queryID, 0, ordinal)
	}

	setup := d.Setup
	if setup == 0 {
		setup = kernel.Setup
	}
	pd := hsa.KernelDispatchPacket{
		Setup:              setup,
		WorkgroupSize:      kernel.WorkgroupSize,
		PrivateSegmentSize: kernel.PrivateSegmentSize,
		GroupSegmentSize:   kernel.GroupSegmentSize,
		KernelObject:       kernel.Object,
		KernargAddress:     dispatchKernargs,
		CompletionSignal:   completion,
	}

	acquire, release := packetScopes(d.CmdHeader.Flags, state.flags)
	switch {
	case dynamic:
		// Two consecutive packets. The dispatch packet body is written
		// first (grid zeroed) and left INVALID; the fixup kernel patches
		// the grid and publishes it. The packet processor reaches it,
		// blocks on INVALID, and proceeds once the fixup runs.
		dispatchIndex := queueIndex + 1
		dispatchPkt := state.executionQueue.PacketAt(dispatchIndex)
		pd.EmplaceBody(dispatchPkt)
		dispatchHeader := hsa.MakeHeader(hsa.PacketTypeKernelDispatch, false, acquire, release)

		workgroupsAddr, err := d.WorkgroupsRef.Ref().Resolve(state.bindings, s.handles)
		if err != nil {
			s.malformedCommand(state, cmd, queueIndex, ordinal)
			return
		}
		s.memory.PutU64(kernargBase, workgroupsAddr)
		s.memory.PutU64(kernargBase+8, dispatchIndex)
		s.memory.PutU64(kernargBase+16, uint64(dispatchHeader)|uint64(setup)<<16)

		fixup := s.builtins.workgroupCountUpdate
		fixupPkt := state.executionQueue.PacketAt(queueIndex)
		fd := hsa.KernelDispatchPacket{
			Setup:          fixup.Setup,
			WorkgroupSize:  fixup.WorkgroupSize,
			GridSize:       [3]uint32{1, 1, 1},
			KernelObject:   fixup.Object,
			KernargAddress: kernargBase,
		}
		fd.EmplaceBody(fixupPkt)
		fixupHeader := hsa.MakeHeader(hsa.PacketTypeKernelDispatch, barrierBit(d.CmdHeader.Flags, state.flags), hsa.FenceScopeNone, hsa.FenceScopeNone)
		fixupPkt.Publish(fixupHeader, fixup.Setup, hsa.OrderRelease, hsa.ScopeDevice)

	case d.Flags&cmdbuf.DispatchFlagIndirectStatic != 0:
		// Workgroup count is indirect but stable: dereference at issue.
		workgroupsAddr, err := d.WorkgroupsRef.Ref().Resolve(state.bindings, s.handles)
		if err != nil {
			s.malformedCommand(state, cmd, queueIndex, ordinal)
			return
		}
		pd.GridSize = [3]uint32{
			s.memory.U32(workgroupsAddr),
			s.memory.U32(workgroupsAddr + 4),
			s.memory.U32(workgroupsAddr + 8),
		}
		pkt := state.executionQueue.PacketAt(queueIndex)
		pd.EmplaceBody(pkt)
		pkt.Publish(hsa.MakeHeader(hsa.PacketTypeKernelDispatch, barrierBit(d.CmdHeader.Flags, state.flags), acquire, release), setup, hsa.OrderRelease, hsa.ScopeDevice)

	default:
		pd.GridSize = d.GridSize
		pkt := state.executionQueue.PacketAt(queueIndex)
		pd.EmplaceBody(pkt)
		pkt.Publish(hsa.MakeHeader(hsa.PacketTypeKernelDispatch, barrierBit(d.CmdHeader.Flags, state.flags), acquire, release), setup, hsa.OrderRelease, hsa.ScopeDevice)
	}
}

// workgroupCountUpdateKernel is the single-work-item fixup dispatched ahead
// of a dynamic indirect dispatch. Kernargs: [workgroups_addr,
// dispatch_queue_index, header_word]. It reads the current uint32[3]
// workgroup count, patches the following packet's grid, and publishes it.
func (s *Scheduler) workgroupCountUpdateKernel(grid [3]uint32, kernargAddr uint64) {
	workgroupsAddr := s.memory.U64(kernargAddr)
	dispatchIndex := s.memory.U64(kernargAddr + 8)
	headerWord := s.memory.U64(kernargAddr + 16)

	pkt := s.executionQueue.PacketAt(dispatchIndex)
	pkt.SetGridSize([3]uint32{
		s.memory.U32(workgroupsAddr),
		s.memory.U32(workgroupsAddr + 4),
		s.memory.U32(workgroupsAddr + 8),
	})
	pkt.Publish(uint16(headerWord), uint16(headerWord>>16), hsa.OrderRelease, hsa.ScopeDevice)
}

// issueReturn publishes the completion barrier and tail-enqueues the
// scheduler with the command-buffer-return reason.
func (s *Scheduler) issueReturn(state *ExecutionState, cmd *cmdbuf.CmdRecord, queueIndex uint64) {
	header := cmd.Header()

	// The final barrier releases at system scope: command buffer completion
	// must be observable across agents.
	pkt := state.executionQueue.PacketAt(queueIndex)
	bd := hsa.BarrierPacket{CompletionSignal: state.completion}
	bd.EmplaceBody(pkt)
	pkt.Publish(hsa.MakeHeader(hsa.PacketTypeBarrierAnd, barrierBit(header.Flags|cmdbuf.CmdFlagQueueAwaitBarrier, state.flags), hsa.FenceScopeNone, hsa.FenceScopeSystem), 0, hsa.OrderRelease, hsa.ScopeSystem)

	// Chain the teardown tick behind the completion signal on the scheduler
	// queue. The tick observes the completed execution, releases resources,
	// and resumes the queue.
	tickKernargs := state.controlKernargAddr + 32
	s.memory.PutU64(tickKernargs, uint64(ReasonCommandBufferReturn))
	s.memory.PutU64(tickKernargs+8, state.id)

	base := s.schedulerQueue.Reserve(2)
	barrier := s.schedulerQueue.PacketAt(base)
	wait := hsa.BarrierPacket{DepSignals: [hsa.BarrierPacketDepCapacity]hsa.SignalHandle{state.completion}}
	wait.EmplaceBody(barrier)
	barrier.Publish(hsa.MakeHeader(hsa.PacketTypeBarrierAnd, false, hsa.FenceScopeNone, hsa.FenceScopeNone), 0, hsa.OrderRelease, hsa.ScopeDevice)

	tick := s.schedulerQueue.PacketAt(base + 1)
	td := hsa.KernelDispatchPacket{
		Setup:          s.builtins.tick.Setup,
		WorkgroupSize:  s.builtins.tick.WorkgroupSize,
		GridSize:       [3]uint32{1, 1, 1},
		KernelObject:   s.builtins.tick.Object,
		KernargAddress: tickKernargs,
	}
	td.EmplaceBody(tick)
	tick.Publish(hsa.MakeHeader(hsa.PacketTypeKernelDispatch, true, hsa.FenceScopeAgent, hsa.FenceScopeAgent), s.builtins.tick.Setup, hsa.OrderRelease, hsa.ScopeDevice)

	s.schedulerQueue.SignalDoorbell(base + 2)
}

// barrierBit derives a packet's barrier bit from command flags and the
// execution mode (serialization forces it everywhere).
func barrierBit(flags cmdbuf.CmdFlags, exec ExecutionFlags) bool {
	return flags&cmdbuf.CmdFlagQueueAwaitBarrier != 0 || exec&ExecutionFlagSerialize != 0
}

// packetScopes derives fence scopes: agent scope is the in-block default,
// promoted to system by command flags or the uncached execution mode.
func packetScopes(flags cmdbuf.CmdFlags, exec ExecutionFlags) (acquire, release hsa.FenceScope) {
	acquire = hsa.FenceScopeAgent
	release = hsa.FenceScopeAgent
	if flags&cmdbuf.CmdFlagFenceAcquireSystem != 0 || exec&ExecutionFlagUncached != 0 {
		acquire = hsa.FenceScopeSystem
	}
	if flags&cmdbuf.CmdFlagFenceReleaseSystem != 0 || exec&ExecutionFlagUncached != 0 {
		release = hsa.FenceScopeSystem
	}
	return acquire, release
}
