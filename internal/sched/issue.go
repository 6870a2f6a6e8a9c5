package sched

import (
	"encoding/binary"

	"github.com/aqlrun/aqlrun/internal/cmdbuf"
	"github.com/aqlrun/aqlrun/internal/host"
	"github.com/aqlrun/aqlrun/internal/hsa"
)

// issue dispatches one ready entry. Issuers may emplace packets on the
// execution queue, chain completion signals, and post to the host; entries
// whose effects are asynchronous retire later through the signal chain.
func (s *Scheduler) issue(entry *QueueEntry) {
	switch entry.Type {
	case EntryInitialize:
		s.issueInitialize(entry)
	case EntryDeinitialize:
		s.retireCommon(entry)
	case EntryAlloca:
		s.issueAlloca(entry)
	case EntryDealloca:
		s.issueDealloca(entry)
	case EntryFill:
		s.issueBlit(entry)
	case EntryCopy:
		s.issueBlit(entry)
	case EntryExecute:
		s.issueExecute(entry)
	case EntryBarrier:
		// All waits already resolved; a barrier only publishes its signal
		// semaphores.
		s.retireCommon(entry)
	default:
		s.fatal(host.ErrorCodeMalformed, uint64(entry.Type), 0)
	}
}

func (s *Scheduler) issueInitialize(entry *QueueEntry) {
	s.signalPool.Initialize(entry.PoolSignals)
	s.retireCommon(entry)
}

func (s *Scheduler) issueAlloca(entry *QueueEntry) {
	align := uint64(entry.MinAlignment)
	addr, err := s.memory.Alloc(entry.Size, align)
	if err != nil {
		// Pool growth is the host's job: post a grow request and spin on
		// its completion signal, then retry once.
		growSignal := s.signalPool.TryAcquire(1)
		if growSignal == hsa.NullSignal {
			s.fatalExhausted(host.ResourceSignalPool, uint64(s.signalPool.Capacity()))
			return
		}
		s.hostChannel.PostPoolGrow(uint64(entry.Pool), entry.Size, entry.MinAlignment, growSignal)
		s.signals.Resolve(growSignal).Wait(hsa.ConditionEQ, 0, hsa.OrderAcquire)
		s.signalPool.Release(growSignal)

		addr, err = s.memory.Alloc(entry.Size, align)
		if err != nil {
			s.fatalExhausted(host.ResourceDeviceMemory, s.memory.Capacity())
			return
		}
	}
	entry.Handle.Commit(addr)
	if s.traceBuffer != nil {
		s.traceBuffer.MemoryAlloc(uint64(entry.Pool), addr, entry.Size)
	}
	s.retireCommon(entry)
}

func (s *Scheduler) issueDealloca(entry *QueueEntry) {
	ptr := entry.Handle.Ptr()
	if s.traceBuffer != nil && ptr != 0 {
		s.traceBuffer.MemoryFree(uint64(entry.Pool), ptr)
	}
	entry.Handle.Discard()
	s.memory.Free(entry.Size)
	s.retireCommon(entry)
}

// issueBlit services queue-level fill and copy entries by emplacing a blit
// dispatch on the execution queue and chaining the retire through its
// completion signal.
func (s *Scheduler) issueBlit(entry *QueueEntry) {
	var (
		kernel      hsa.KernelArgs
		kernargs    [3]uint64
		length      uint64
		elementSize uint64
	)
	switch entry.Type {
	case EntryFill:
		target, err := entry.TargetRef.Resolve(nil, s.handles)
		if err != nil {
			s.fatal(host.ErrorCodeMalformed, uint64(entry.Type), 0)
			return
		}
		length = entry.TargetRef.Length()
		elementSize = uint64(entry.PatternLength)
		kernel = s.builtins.fill[log2Width(entry.PatternLength)]
		kernargs = [3]uint64{target, length, entry.Pattern}
	case EntryCopy:
		source, err := entry.SourceRef.Resolve(nil, s.handles)
		if err != nil {
			s.fatal(host.ErrorCodeMalformed, uint64(entry.Type), 0)
			return
		}
		target, err := entry.TargetRef.Resolve(nil, s.handles)
		if err != nil {
			s.fatal(host.ErrorCodeMalformed, uint64(entry.Type), 0)
			return
		}
		length = entry.TargetRef.Length()
		width := copyWidth(source, target, length)
		elementSize = uint64(width)
		kernel = s.builtins.copy[log2Width(width)]
		kernargs = [3]uint64{source, target, length}
	}

	// Scratch layout: 24 bytes of blit kernargs plus the retire builtin's
	// entry reference.
	kernargAddr, err := s.memory.Alloc(32, 16)
	if err != nil {
		s.fatalExhausted(host.ResourceKernargs, s.memory.Capacity())
		return
	}
	entry.kernargAddr = kernargAddr
	entry.kernargSize = 32
	s.memory.PutU64(kernargAddr, kernargs[0])
	s.memory.PutU64(kernargAddr+8, kernargs[1])
	s.memory.PutU64(kernargAddr+16, kernargs[2])

	completion := s.signalPool.TryAcquire(1)
	if completion == hsa.NullSignal {
		s.fatalExhausted(host.ResourceSignalPool, uint64(s.signalPool.Capacity()))
		return
	}

	index := s.executionQueue.Reserve(1)
	pkt := s.executionQueue.PacketAt(index)
	d := hsa.KernelDispatchPacket{
		Setup:              kernel.Setup,
		WorkgroupSize:      kernel.WorkgroupSize,
		GridSize:           blitGrid(length, elementSize),
		PrivateSegmentSize: kernel.PrivateSegmentSize,
		GroupSegmentSize:   kernel.GroupSegmentSize,
		KernelObject:       kernel.Object,
		KernargAddress:     kernargAddr,
		CompletionSignal:   completion,
	}
	d.EmplaceBody(pkt)
	// Queue-level blits serialize against prior work on the queue.
	header := hsa.MakeHeader(hsa.PacketTypeKernelDispatch, true, hsa.FenceScopeAgent, hsa.FenceScopeAgent)
	pkt.Publish(header, kernel.Setup, hsa.OrderRelease, hsa.ScopeSystem)
	s.executionQueue.SignalDoorbell(index + 1)

	s.chainRetire(entry, completion, kernargAddr+24)
}

// chainRetire emplaces, on the scheduler queue, a barrier on the entry's
// completion signal followed by the retire builtin. The completion of
// asynchronous work tail-enqueues the scheduler instead of the scheduler
// polling for it.
func (s *Scheduler) chainRetire(entry *QueueEntry, completion hsa.SignalHandle, retireKernargAddr uint64) {
	entry.completion = completion
	id := s.registerEntry(entry)
	s.memory.PutU64(retireKernargAddr, id)

	base := s.schedulerQueue.Reserve(2)

	barrier := s.schedulerQueue.PacketAt(base)
	bd := hsa.BarrierPacket{DepSignals: [hsa.BarrierPacketDepCapacity]hsa.SignalHandle{completion}}
	bd.EmplaceBody(barrier)
	barrier.Publish(hsa.MakeHeader(hsa.PacketTypeBarrierAnd, false, hsa.FenceScopeNone, hsa.FenceScopeNone), 0, hsa.OrderRelease, hsa.ScopeSystem)

	retire := s.schedulerQueue.PacketAt(base + 1)
	rd := hsa.KernelDispatchPacket{
		Setup:          s.builtins.retireEntry.Setup,
		WorkgroupSize:  s.builtins.retireEntry.WorkgroupSize,
		GridSize:       [3]uint32{1, 1, 1},
		KernelObject:   s.builtins.retireEntry.Object,
		KernargAddress: retireKernargAddr,
	}
	rd.EmplaceBody(retire)
	retire.Publish(hsa.MakeHeader(hsa.PacketTypeKernelDispatch, true, hsa.FenceScopeAgent, hsa.FenceScopeAgent), s.builtins.retireEntry.Setup, hsa.OrderRelease, hsa.ScopeSystem)

	s.schedulerQueue.SignalDoorbell(base + 2)
}

// issueExecute starts a command buffer, or parks it behind the one already
// in flight so command buffers on the queue execute strictly in order.
func (s *Scheduler) issueExecute(entry *QueueEntry) {
	if s.executing {
		s.executeBacklog.append(entry)
		return
	}
	s.executing = true
	s.startExecute(entry)
}

// startExecute initializes execution state for a command buffer and enqueues
// the issuer for its entry block.
func (s *Scheduler) startExecute(entry *QueueEntry) {
	cb := entry.CommandBuffer
	if cb == nil || len(cb.Blocks) == 0 {
		s.fatal(host.ErrorCodeMalformed, uint64(entry.Type), 0)
		return
	}

	kernargSize := uint64(controlKernargSize) + uint64(cb.MaxKernargCapacity)
	kernargAddr, err := s.memory.Alloc(kernargSize, 64)
	if err != nil {
		s.fatalExhausted(host.ResourceKernargs, s.memory.Capacity())
		return
	}

	state := &ExecutionState{
		flags:              entry.ExecutionFlags,
		commandBuffer:      cb,
		scheduler:          s,
		kernels:            entry.Kernels,
		controlKernargAddr: kernargAddr,
		execKernargAddr:    kernargAddr + controlKernargSize,
		kernargSize:        kernargSize,
		executionQueue:     s.executionQueue,
		traceBuffer:        s.traceBuffer,
		bindings:           append([]cmdbuf.BufferRef(nil), entry.Bindings...),
		entry:              entry,
	}

	// Bind event ordinals to pool signals for the lifetime of the
	// execution. Events are unsignaled at 1 and signaled at 0.
	state.events = make([]hsa.SignalHandle, cb.EventCount)
	for i := range state.events {
		state.events[i] = s.signalPool.TryAcquire(1)
		if state.events[i] == hsa.NullSignal {
			s.fatalExhausted(host.ResourceSignalPool, uint64(s.signalPool.Capacity()))
			return
		}
	}
	state.completion = s.signalPool.TryAcquire(1)
	if state.completion == hsa.NullSignal {
		s.fatalExhausted(host.ResourceSignalPool, uint64(s.signalPool.Capacity()))
		return
	}

	s.registerState(state)
	s.enqueueIssueBlock(state, 0)
}

// enqueueIssueBlock reserves the block's packet range on the execution
// queue, acquires its trace query range, and enqueues the parallel issuer on
// the scheduler queue. Used for the entry block and by branch issuers as a
// tail call.
func (s *Scheduler) enqueueIssueBlock(state *ExecutionState, blockOrdinal uint32) {
	if blockOrdinal >= uint32(len(state.commandBuffer.Blocks)) {
		s.fatal(host.ErrorCodeMalformed, uint64(cmdbuf.CmdBranch), uint64(blockOrdinal))
		return
	}
	block := state.commandBuffer.Blocks[blockOrdinal]

	// Acquire query IDs for the block per the active trace mode.
	var queryCount uint16
	if state.traceBuffer != nil {
		if state.flags.traceDispatch() {
			queryCount = block.QueryMap.MaxDispatchQueryCount
		} else if state.flags.traceControl() {
			queryCount = block.QueryMap.MaxControlQueryCount
		}
	}
	if queryCount > 0 {
		base := state.traceBuffer.Query.Acquire(queryCount)
		state.blockQueryBase = base
		if !state.queriesAcquired {
			state.queriesAcquired = true
			state.queryFirstBase = base
		}
		state.queryTotal += queryCount
	}

	// Reserve all packets the block may need. Slots remain INVALID until
	// the issuer publishes them, stalling the packet processor exactly at
	// the block boundary.
	base := state.executionQueue.Reserve(uint64(block.MaxPacketCount))
	state.baseQueueIndex = base
	state.executionQueue.SignalDoorbell(base + uint64(block.MaxPacketCount))

	ka := state.controlKernargAddr
	s.memory.PutU64(ka, state.id)
	s.memory.PutU64(ka+8, uint64(blockOrdinal))
	s.memory.PutU64(ka+16, base)
	s.emplaceControlDispatch(s.builtins.issueBlock, [3]uint32{block.CommandCount, 1, 1}, ka)
}

// retireExecution tears down a returning command buffer: harvests trace
// queries, returns signals and scratch, then retires the execute entry.
func (s *Scheduler) retireExecution(state *ExecutionState) {
	if state.queriesAcquired && state.traceBuffer != nil {
		ring := state.traceBuffer.Query
		timestamps := make([]hsa.Tick, 0, 2*state.queryTotal)
		for i := uint64(0); i < uint64(state.queryTotal); i++ {
			signal := ring.Signal(ring.QueryID(state.queryFirstBase + i))
			timestamps = append(timestamps, signal.StartTS(), signal.EndTS())
		}
		state.traceBuffer.ExecutionZoneNotifyBatch(ring.QueryID(state.queryFirstBase), timestamps)
		ring.Release(state.queryTotal)
	}

	for _, event := range state.events {
		s.signalPool.Release(event)
	}
	s.signalPool.Release(state.completion)
	s.memory.Free(state.kernargSize)
	s.unregisterState(state)
	s.retireCommon(state.entry)

	// Chain the next queued command buffer, if any.
	s.executing = false
	if next := s.executeBacklog.head; next != nil {
		s.executeBacklog.remove(nil, next)
		s.executing = true
		s.startExecute(next)
	}
}

// eventResetKernel re-arms an event signal in queue order.
func (s *Scheduler) eventResetKernel(grid [3]uint32, kernargAddr uint64) {
	state := s.lookupState(s.memory.U64(kernargAddr))
	if state == nil {
		return
	}
	ordinal := cmdbuf.EventOrdinal(s.memory.U64(kernargAddr + 8))
	if signal := s.signals.Resolve(state.eventSignal(ordinal)); signal != nil {
		signal.Store(1, hsa.OrderRelease)
	}
}

// fillKernel returns the blit filling with a width-byte pattern.
func (s *Scheduler) fillKernel(width uint8) hsa.KernelFunc {
	return func(grid [3]uint32, kernargAddr uint64) {
		target := s.memory.U64(kernargAddr)
		length := s.memory.U64(kernargAddr + 8)
		pattern := s.memory.U64(kernargAddr + 16)
		var patternBytes [8]byte
		binary.LittleEndian.PutUint64(patternBytes[:], pattern)
		dst := s.memory.Bytes(target, length)
		for i := uint64(0); i < length; i += uint64(width) {
			copy(dst[i:i+uint64(width)], patternBytes[:width])
		}
	}
}

// copyKernel returns the blit copying width-aligned elements.
func (s *Scheduler) copyKernel(width uint8) hsa.KernelFunc {
	return func(grid [3]uint32, kernargAddr uint64) {
		source := s.memory.U64(kernargAddr)
		target := s.memory.U64(kernargAddr + 8)
		length := s.memory.U64(kernargAddr + 16)
		copy(s.memory.Bytes(target, length), s.memory.Bytes(source, length))
	}
}

func log2Width(width uint8) int {
	switch width {
	case 2:
		return 1
	case 4:
		return 2
	case 8:
		return 3
	default:
		return 0
	}
}

// copyWidth picks the widest element size all three operands are aligned to.
func copyWidth(source, target, length uint64) uint8 {
	for _, width := range []uint8{8, 4, 2} {
		w := uint64(width)
		if source%w == 0 && target%w == 0 && length%w == 0 {
			return width
		}
	}
	return 1
}

// blitGrid sizes a blit dispatch in elements.
func blitGrid(length, elementSize uint64) [3]uint32 {
	if elementSize == 0 {
		elementSize = 1
	}
	elements := (length + elementSize - 1) / elementSize
	if elements == 0 {
		elements = 1
	}
	return [3]uint32{uint32(elements), 1, 1}
}
