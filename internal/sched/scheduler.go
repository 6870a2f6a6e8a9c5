package sched

import (
	"sync"
	"sync/atomic"

	"github.com/aqlrun/aqlrun/internal/cmdbuf"
	"github.com/aqlrun/aqlrun/internal/host"
	"github.com/aqlrun/aqlrun/internal/hsa"
	"github.com/aqlrun/aqlrun/internal/mem"
	"github.com/aqlrun/aqlrun/internal/trace"
)

// Reason indicates why a scheduler tick was enqueued.
type Reason uint8

const (
	// ReasonWorkAvailable: new work may be available. By the time the tick
	// runs it may all have been processed already.
	ReasonWorkAvailable Reason = 0
	// ReasonCommandBufferReturn: a command buffer finished; the tick arg is
	// the execution state ID to tear down.
	ReasonCommandBufferReturn Reason = 1
)

// builtinKernels holds the dispatch templates of the scheduler's own
// kernels.
type builtinKernels struct {
	tick                 hsa.KernelArgs
	issueBlock           hsa.KernelArgs
	workgroupCountUpdate hsa.KernelArgs
	retireEntry          hsa.KernelArgs
	eventReset           hsa.KernelArgs
	// Blit kernels indexed by log2 of the element width (x1, x2, x4, x8).
	fill [4]hsa.KernelArgs
	copy [4]hsa.KernelArgs
}

// Scheduler drives one logical queue: it drains the incoming mailbox, parks
// entries against semaphore wake lists, and issues ready entries onto the
// execution queue. The tick runs as a single-work-item kernel on the
// scheduler queue; the barrier bit on every control packet keeps at most one
// tick (or block issue) in flight, so the mutable state below is
// single-threaded by construction.
type Scheduler struct {
	hostChannel *host.Channel
	memory      *mem.Memory
	handles     *cmdbuf.HandleTable

	schedulerQueue *hsa.Queue
	executionQueue *hsa.Queue

	signals    *hsa.SignalTable
	signalPool *hsa.SignalPool

	builtins builtinKernels

	traceBuffer   *trace.Buffer
	traceBufferID uint64

	mailbox *mailbox

	// pending coalesces work-available wake requests so bursts collapse
	// into one tick.
	pending atomic.Uint32

	epoch    uint32
	waitList entryList
	runList  entryList
	wakePool WakePool
	wakeSet  WakeSet

	// Command buffers on one execution queue run strictly sequentially:
	// executes arriving while one is in flight queue up here and are chained
	// at retire.
	executing      bool
	executeBacklog entryList

	lost atomic.Bool

	// controlKernargAddr holds the constant [WORK_AVAILABLE, 0] tick args.
	controlKernargAddr uint64

	// Object tables resolving IDs passed through kernargs.
	tableMu     sync.Mutex
	states      map[uint64]*ExecutionState
	nextStateID uint64
	entries     map[uint64]*QueueEntry
	nextEntryID uint64

	// Entries and executions parked by retire builtins until the next tick.
	retiredMu      sync.Mutex
	retiredEntries []*QueueEntry
}

// SchedulerOptions wires a scheduler's collaborators.
type SchedulerOptions struct {
	HostChannel    *host.Channel
	Memory         *mem.Memory
	Handles        *cmdbuf.HandleTable
	SchedulerQueue *hsa.Queue
	ExecutionQueue *hsa.Queue
	Signals        *hsa.SignalTable
	SignalPoolSize uint32
	Registry       *hsa.KernelRegistry
	TraceBuffer    *trace.Buffer
	TraceBufferID  uint64
	MailboxSize    uint32
}

// NewScheduler builds a scheduler and registers its builtin kernels.
func NewScheduler(opts SchedulerOptions) (*Scheduler, error) {
	s := &Scheduler{
		hostChannel:    opts.HostChannel,
		memory:         opts.Memory,
		handles:        opts.Handles,
		schedulerQueue: opts.SchedulerQueue,
		executionQueue: opts.ExecutionQueue,
		signals:        opts.Signals,
		signalPool:     hsa.NewSignalPool(opts.Signals, opts.SignalPoolSize),
		traceBuffer:    opts.TraceBuffer,
		traceBufferID:  opts.TraceBufferID,
		mailbox:        newMailbox(opts.MailboxSize),
		states:         make(map[uint64]*ExecutionState),
		entries:        make(map[uint64]*QueueEntry),
	}
	s.wakePool.Initialize(WakeTarget{Scheduler: s})
	s.wakeSet.Initialize(WakeTarget{Scheduler: s})

	addr, err := s.memory.Alloc(16, 16)
	if err != nil {
		return nil, err
	}
	s.controlKernargAddr = addr
	s.memory.PutU64(addr, uint64(ReasonWorkAvailable))
	s.memory.PutU64(addr+8, 0)

	r := opts.Registry
	s.builtins.tick = r.Register("scheduler_tick", s.tickKernel)
	s.builtins.issueBlock = r.Register("command_buffer_issue_block", s.issueBlockKernel)
	s.builtins.workgroupCountUpdate = r.Register("workgroup_count_update", s.workgroupCountUpdateKernel)
	s.builtins.retireEntry = r.Register("retire_entry", s.retireEntryKernel)
	s.builtins.eventReset = r.Register("event_reset", s.eventResetKernel)
	s.builtins.fill[0] = r.Register("fill_x1", s.fillKernel(1))
	s.builtins.fill[1] = r.Register("fill_x2", s.fillKernel(2))
	s.builtins.fill[2] = r.Register("fill_x4", s.fillKernel(4))
	s.builtins.fill[3] = r.Register("fill_x8", s.fillKernel(8))
	s.builtins.copy[0] = r.Register("copy_x1", s.copyKernel(1))
	s.builtins.copy[1] = r.Register("copy_x2", s.copyKernel(2))
	s.builtins.copy[2] = r.Register("copy_x4", s.copyKernel(4))
	s.builtins.copy[3] = r.Register("copy_x8", s.copyKernel(8))
	return s, nil
}

// Lost reports whether the scheduler latched a fatal error.
func (s *Scheduler) Lost() bool { return s.lost.Load() }

// SignalPool exposes the pool for submission plumbing.
func (s *Scheduler) SignalPool() *hsa.SignalPool { return s.signalPool }

// Enqueue submits an entry to the soft queue and requests a tick. Producers
// may call from any goroutine or agent.
func (s *Scheduler) Enqueue(entry *QueueEntry) {
	s.mailbox.Send(entry)
	s.ScheduleTick(ReasonWorkAvailable, 0)
}

// ScheduleTick enqueues a tick dispatch on the scheduler queue. Work-
// available requests are merged by the pending bit; spurious ticks are
// harmless and expected.
func (s *Scheduler) ScheduleTick(reason Reason, kernargAddr uint64) {
	if s.lost.Load() {
		return
	}
	addr := kernargAddr
	if reason == ReasonWorkAvailable {
		if !s.pending.CompareAndSwap(0, 1) {
			return
		}
		addr = s.controlKernargAddr
	}
	s.emplaceControlDispatch(s.builtins.tick, [3]uint32{1, 1, 1}, addr)
}

// emplaceControlDispatch reserves one scheduler-queue slot and publishes a
// control dispatch over the given grid with the barrier bit set. The barrier
// bit is what serializes all control kernels on the queue.
func (s *Scheduler) emplaceControlDispatch(args hsa.KernelArgs, grid [3]uint32, kernargAddr uint64) {
	index := s.schedulerQueue.Reserve(1)
	pkt := s.schedulerQueue.PacketAt(index)
	d := hsa.KernelDispatchPacket{
		Setup:              args.Setup,
		WorkgroupSize:      args.WorkgroupSize,
		GridSize:           grid,
		PrivateSegmentSize: args.PrivateSegmentSize,
		GroupSegmentSize:   args.GroupSegmentSize,
		KernelObject:       args.Object,
		KernargAddress:     kernargAddr,
	}
	d.EmplaceBody(pkt)
	header := hsa.MakeHeader(hsa.PacketTypeKernelDispatch, true, hsa.FenceScopeAgent, hsa.FenceScopeAgent)
	pkt.Publish(header, args.Setup, hsa.OrderRelease, hsa.ScopeSystem)
	s.schedulerQueue.SignalDoorbell(index + 1)
}

// tickKernel is the single-work-item entry point dispatched on the
// scheduler queue.
func (s *Scheduler) tickKernel(grid [3]uint32, kernargAddr uint64) {
	reason := Reason(s.memory.U64(kernargAddr))
	arg := s.memory.U64(kernargAddr + 8)
	s.Tick(reason, arg)
}

// Tick runs one scheduling pass: retire, drain the mailbox, recheck waits,
// drain the run list, commit trace events, and self re-enqueue if woken.
func (s *Scheduler) Tick(reason Reason, reasonArg uint64) {
	// Clear the pending flag before processing: wakes arriving during the
	// tick must enqueue a fresh one.
	s.pending.Store(0)
	if s.lost.Load() {
		return
	}

	selfWake := false

	// Tear down a returning command buffer before anything else so its
	// resources are available to entries issued this tick.
	if reason == ReasonCommandBufferReturn {
		if state := s.lookupState(reasonArg); state != nil {
			s.retireExecution(state)
			selfWake = s.wakeSet.Flush() || selfWake
		}
	}
	selfWake = s.drainRetiredEntries() || selfWake

	// Accept all incoming entries, assigning epochs in arrival order.
	for {
		entry, ok := s.mailbox.TryRecv()
		if !ok {
			break
		}
		s.epoch++
		entry.Epoch = s.epoch
		if len(entry.Waits) == 0 {
			s.runList.insert(entry)
		} else {
			s.waitList.append(entry)
		}
	}

	s.checkWaitList()
	if s.lost.Load() {
		return
	}

	// Drain the run list in epoch order, flushing wake targets after each
	// issue so downstream schedulers start as early as possible.
	for entry := s.runList.head; entry != nil; {
		next := entry.listNext
		entry.listNext = nil
		s.issue(entry)
		selfWake = s.wakeSet.Flush() || selfWake
		if s.lost.Load() {
			return
		}
		entry = next
	}
	s.runList = entryList{}

	// Publish any trace events emitted during the tick.
	if s.traceBuffer != nil && s.traceBuffer.CommitRange() {
		s.hostChannel.PostTraceFlush(s.traceBufferID, hsa.NullSignal)
	}

	// Re-enqueue through the queue rather than looping inline: it keeps the
	// hardware queue breathing and the tick bounded.
	if selfWake {
		s.ScheduleTick(ReasonWorkAvailable, 0)
	}
}

// checkWaitList re-polls the leading wait of every parked entry. Waits are
// unordered within an entry: the first unsatisfied one is enough to keep it
// parked, and satisfied waits are swap-removed.
func (s *Scheduler) checkWaitList() {
	var prev *QueueEntry
	cursor := s.waitList.head
	for cursor != nil {
		next := cursor.listNext
		blocked := false
		for len(cursor.Waits) > 0 {
			wait := cursor.Waits[0]
			wakeEntry := s.wakePool.Reserve(wait.Semaphore)
			if wakeEntry == nil {
				s.fatalExhausted(host.ResourceWakePool, wakePoolCapacity)
				return
			}
			if wait.Semaphore.UpdateWait(wakeEntry, wait.Payload) {
				// Blocked until the wake resolves; the wake-pool entry
				// stays registered.
				blocked = true
				break
			}
			s.wakePool.Release(wakeEntry)
			last := len(cursor.Waits) - 1
			cursor.Waits[0] = cursor.Waits[last]
			cursor.Waits = cursor.Waits[:last]
		}
		if blocked {
			prev = cursor
		} else {
			s.waitList.remove(prev, cursor)
			s.runList.insert(cursor)
		}
		cursor = next
	}
}

// drainRetiredEntries finishes entries whose asynchronous work completed
// since the last tick.
func (s *Scheduler) drainRetiredEntries() bool {
	s.retiredMu.Lock()
	retired := s.retiredEntries
	s.retiredEntries = nil
	s.retiredMu.Unlock()

	selfWake := false
	for _, entry := range retired {
		if entry.completion != hsa.NullSignal {
			s.signalPool.Release(entry.completion)
			entry.completion = hsa.NullSignal
		}
		if entry.kernargSize != 0 {
			s.memory.Free(entry.kernargSize)
			entry.kernargSize = 0
		}
		s.retireCommon(entry)
		selfWake = s.wakeSet.Flush() || selfWake
	}
	return selfWake
}

// retireCommon publishes an entry's signal semaphores and releases its host
// resources. Used by both the synchronous and asynchronous retire paths.
func (s *Scheduler) retireCommon(entry *QueueEntry) {
	for _, op := range entry.Signals {
		op.Semaphore.SignalPayload(op.Payload, &s.wakeSet)
		if op.Semaphore.HostListener {
			s.hostChannel.PostSignal(op.Semaphore.ID, op.Payload)
		}
	}
	if entry.Resources != [4]uint64{} {
		s.hostChannel.PostRelease(entry.Resources[0], entry.Resources[1], entry.Resources[2], entry.Resources[3], hsa.NullSignal)
	}
}

// fatalExhausted posts the error and latches the lost state. No allocation
// failure is recovered on device; subsequent ticks no-op.
func (s *Scheduler) fatalExhausted(resource uint64, capacity uint64) {
	s.fatal(host.ErrorCodeExhausted, resource, capacity)
}

func (s *Scheduler) fatal(code, arg0, arg1 uint64) {
	if s.lost.Swap(true) {
		return
	}
	s.hostChannel.PostError(code, arg0, arg1)
}

// retireEntryKernel runs on the scheduler queue after an entry's completion
// signal chain resolves. It only parks the entry and requests a tick; the
// tick owns all mutable scheduler state.
func (s *Scheduler) retireEntryKernel(grid [3]uint32, kernargAddr uint64) {
	entry := s.takeEntry(s.memory.U64(kernargAddr))
	if entry == nil {
		return
	}
	s.retiredMu.Lock()
	s.retiredEntries = append(s.retiredEntries, entry)
	s.retiredMu.Unlock()
	s.ScheduleTick(ReasonWorkAvailable, 0)
}

func (s *Scheduler) registerState(state *ExecutionState) uint64 {
	s.tableMu.Lock()
	defer s.tableMu.Unlock()
	s.nextStateID++
	state.id = s.nextStateID
	s.states[state.id] = state
	return state.id
}

func (s *Scheduler) lookupState(id uint64) *ExecutionState {
	s.tableMu.Lock()
	defer s.tableMu.Unlock()
	return s.states[id]
}

func (s *Scheduler) unregisterState(state *ExecutionState) {
	s.tableMu.Lock()
	defer s.tableMu.Unlock()
	delete(s.states, state.id)
}

func (s *Scheduler) registerEntry(entry *QueueEntry) uint64 {
	s.tableMu.Lock()
	defer s.tableMu.Unlock()
	s.nextEntryID++
	s.entries[s.nextEntryID] = entry
	return s.nextEntryID
}

func (s *Scheduler) takeEntry(id uint64) *QueueEntry {
	s.tableMu.Lock()
	defer s.tableMu.Unlock()
	entry := s.entries[id]
	delete(s.entries, id)
	return entry
}
