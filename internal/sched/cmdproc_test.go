package sched

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aqlrun/aqlrun/internal/cmdbuf"
	"github.com/aqlrun/aqlrun/internal/compression"
	"github.com/aqlrun/aqlrun/internal/host"
	"github.com/aqlrun/aqlrun/internal/hsa"
	"github.com/aqlrun/aqlrun/internal/mem"
	"github.com/aqlrun/aqlrun/internal/trace"
)

type syncSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncSink) Reader() *bytes.Reader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.NewReader(append([]byte(nil), s.buf.Bytes()...))
}

func newRunningDevice(t *testing.T, mode string, sink io.Writer) *Device {
	t.Helper()
	cfg := testConfig()
	cfg.TraceMode = mode
	d, err := NewDevice(cfg, sink)
	if err != nil {
		t.Fatal(err)
	}
	d.Start()
	t.Cleanup(d.Stop)
	return d
}

func waitFor(t *testing.T, d *Device, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if err := d.Agent.Err(); err != nil {
			t.Fatalf("device error while waiting for %s: %v", msg, err)
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", msg)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitPayload(t *testing.T, d *Device, sem *Semaphore, want uint64) {
	t.Helper()
	waitFor(t, d, func() bool { return sem.Payload() >= want }, "semaphore payload")
}

// S1: a straight-line block translates to the expected packet type
// sequence, every reserved packet is published, and execution completes.
func TestStraightLineExecution(t *testing.T) {
	cfg := testConfig()
	d, err := NewDevice(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	// Hold the execution processor back so the issued packets can be
	// inspected before the hardware consumes them.
	d.Agent.Start()
	d.schedulerProc.Start()
	t.Cleanup(d.Stop)

	var counter atomic.Int32
	kernel := d.RegisterKernel("count", func(grid [3]uint32, kernargAddr uint64) {
		counter.Add(1)
	})

	r := cmdbuf.NewRecorder()
	r.Dispatch(cmdbuf.DispatchParams{GridSize: [3]uint32{1, 1, 1}})
	r.Barrier(0)
	r.Dispatch(cmdbuf.DispatchParams{GridSize: [3]uint32{1, 1, 1}})
	r.Return()
	cb, err := r.Finalize()
	if err != nil {
		t.Fatal(err)
	}

	done := d.NewSemaphore()
	d.Scheduler.Enqueue(&QueueEntry{
		Type:          EntryExecute,
		CommandBuffer: cb,
		Kernels:       []hsa.KernelArgs{kernel},
		Signals:       []SemaphoreOp{{done, 1}},
	})

	waitFor(t, d, func() bool {
		if d.ExecutionQueue.LoadWriteIndex(hsa.OrderAcquire) < 4 {
			return false
		}
		for i := uint64(0); i < 4; i++ {
			header, _ := d.ExecutionQueue.PacketAt(i).Control(hsa.OrderAcquire)
			if hsa.HeaderType(header) == hsa.PacketTypeInvalid {
				return false
			}
		}
		return true
	}, "all reserved packets published")

	wantTypes := []hsa.PacketType{
		hsa.PacketTypeKernelDispatch,
		hsa.PacketTypeBarrierAnd,
		hsa.PacketTypeKernelDispatch,
		hsa.PacketTypeBarrierAnd,
	}
	for i, want := range wantTypes {
		header, _ := d.ExecutionQueue.PacketAt(uint64(i)).Control(hsa.OrderAcquire)
		if got := hsa.HeaderType(header); got != want {
			t.Errorf("packet %d type = %d, want %d", i, got, want)
		}
	}
	// The barrier command sets the queue-await bit.
	header, _ := d.ExecutionQueue.PacketAt(1).Control(hsa.OrderAcquire)
	if !hsa.HeaderBarrier(header) {
		t.Error("barrier packet missing the barrier bit")
	}
	// The return barrier carries the execution's completion signal.
	if got := hsa.DecodeBarrier(d.ExecutionQueue.PacketAt(3)); got.CompletionSignal == hsa.NullSignal {
		t.Error("return packet has no completion signal")
	}

	d.executionProc.Start()
	waitPayload(t, d, done, 1)
	if got := counter.Load(); got != 2 {
		t.Errorf("kernel ran %d times, want 2", got)
	}
}

// S2: a dynamic indirect dispatch issues a fixup packet followed by an
// INVALID dispatch packet; the fixup publishes it with the workgroup count
// read at fixup execution time.
func TestIndirectDynamicDispatch(t *testing.T) {
	cfg := testConfig()
	d, err := NewDevice(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	d.Agent.Start()
	d.schedulerProc.Start()
	t.Cleanup(d.Stop)

	grids := make(chan [3]uint32, 1)
	kernel := d.RegisterKernel("observe_grid", func(grid [3]uint32, kernargAddr uint64) {
		grids <- grid
	})

	workgroupsAddr, err := d.Memory.Alloc(12, 4)
	if err != nil {
		t.Fatal(err)
	}
	d.Memory.PutU32(workgroupsAddr, 3)
	d.Memory.PutU32(workgroupsAddr+4, 2)
	d.Memory.PutU32(workgroupsAddr+8, 1)

	r := cmdbuf.NewRecorder()
	r.Dispatch(cmdbuf.DispatchParams{
		DispatchFlags: cmdbuf.DispatchFlagIndirectDynamic,
		WorkgroupsRef: cmdbuf.MakeWorkgroupCountRef(cmdbuf.BufferRefPtr, 0, workgroupsAddr),
	})
	r.Return()
	cb, err := r.Finalize()
	if err != nil {
		t.Fatal(err)
	}

	done := d.NewSemaphore()
	d.Scheduler.Enqueue(&QueueEntry{
		Type:          EntryExecute,
		CommandBuffer: cb,
		Kernels:       []hsa.KernelArgs{kernel},
		Signals:       []SemaphoreOp{{done, 1}},
	})

	// Wait for the issuer: packet 0 (fixup) and 2 (return) published,
	// packet 1 (the dispatch) still INVALID.
	waitFor(t, d, func() bool {
		h0, _ := d.ExecutionQueue.PacketAt(0).Control(hsa.OrderAcquire)
		h2, _ := d.ExecutionQueue.PacketAt(2).Control(hsa.OrderAcquire)
		return hsa.HeaderType(h0) != hsa.PacketTypeInvalid && hsa.HeaderType(h2) != hsa.PacketTypeInvalid
	}, "issuer to publish the fixup and return packets")

	h1, _ := d.ExecutionQueue.PacketAt(1).Control(hsa.OrderAcquire)
	if hsa.HeaderType(h1) != hsa.PacketTypeInvalid {
		t.Fatal("dispatch packet published by the issuer; it must be left INVALID")
	}
	fixup := hsa.DecodeKernelDispatch(d.ExecutionQueue.PacketAt(0))
	if fixup.KernelObject != d.Scheduler.builtins.workgroupCountUpdate.Object {
		t.Errorf("packet 0 kernel object = %d, want the fixup builtin", fixup.KernelObject)
	}

	// Change the workgroup count after issue but before execution: the
	// fixup must observe the current value.
	d.Memory.PutU32(workgroupsAddr, 7)

	d.executionProc.Start()
	waitPayload(t, d, done, 1)

	select {
	case grid := <-grids:
		if grid != [3]uint32{7, 2, 1} {
			t.Errorf("dispatch grid = %v, want [7 2 1]", grid)
		}
	default:
		t.Fatal("dispatch kernel never ran")
	}

	// After the fixup ran the dispatch packet carries the patched grid.
	// (The slot has been recycled by the processor, so this is implied by
	// the observed grid.)
}

func TestFillAndCopyEntries(t *testing.T) {
	d := newRunningDevice(t, "off", nil)

	src, err := d.Memory.Alloc(64, 64)
	if err != nil {
		t.Fatal(err)
	}
	dst, err := d.Memory.Alloc(64, 64)
	if err != nil {
		t.Fatal(err)
	}

	filled := d.NewSemaphore()
	copied := d.NewSemaphore()

	d.Scheduler.Enqueue(&QueueEntry{
		Type:          EntryFill,
		TargetRef:     cmdbuf.MakeBufferRef(cmdbuf.BufferRefPtr, 0, 64, src),
		Pattern:       0xAB,
		PatternLength: 1,
		Signals:       []SemaphoreOp{{filled, 1}},
	})
	d.Scheduler.Enqueue(&QueueEntry{
		Type:      EntryCopy,
		SourceRef: cmdbuf.MakeBufferRef(cmdbuf.BufferRefPtr, 0, 64, src),
		TargetRef: cmdbuf.MakeBufferRef(cmdbuf.BufferRefPtr, 0, 64, dst),
		Waits:     []SemaphoreOp{{filled, 1}},
		Signals:   []SemaphoreOp{{copied, 1}},
	})

	waitPayload(t, d, copied, 1)
	for i, b := range d.Memory.Bytes(dst, 64) {
		if b != 0xAB {
			t.Fatalf("dst[%d] = %#x, want 0xAB", i, b)
		}
	}
}

func TestCommandBufferEvents(t *testing.T) {
	d := newRunningDevice(t, "off", nil)

	var counter atomic.Int32
	kernel := d.RegisterKernel("count", func(grid [3]uint32, kernargAddr uint64) {
		counter.Add(1)
	})

	r := cmdbuf.NewRecorder()
	r.Dispatch(cmdbuf.DispatchParams{GridSize: [3]uint32{1, 1, 1}})
	r.SignalEvent(0, 0)
	r.WaitEvents(0, []cmdbuf.EventOrdinal{0})
	r.ResetEvent(0, 0)
	r.Dispatch(cmdbuf.DispatchParams{Flags: cmdbuf.CmdFlagQueueAwaitBarrier, GridSize: [3]uint32{1, 1, 1}})
	r.Return()
	cb, err := r.Finalize()
	if err != nil {
		t.Fatal(err)
	}

	done := d.NewSemaphore()
	d.Scheduler.Enqueue(&QueueEntry{
		Type:          EntryExecute,
		CommandBuffer: cb,
		Kernels:       []hsa.KernelArgs{kernel},
		Signals:       []SemaphoreOp{{done, 1}},
	})
	waitPayload(t, d, done, 1)
	if got := counter.Load(); got != 2 {
		t.Errorf("kernel ran %d times, want 2", got)
	}
}

func TestBranchAcrossBlocks(t *testing.T) {
	d := newRunningDevice(t, "off", nil)

	var counter atomic.Int32
	kernel := d.RegisterKernel("count", func(grid [3]uint32, kernargAddr uint64) {
		counter.Add(1)
	})

	r := cmdbuf.NewRecorder()
	r.Dispatch(cmdbuf.DispatchParams{GridSize: [3]uint32{1, 1, 1}})
	r.Branch(1)
	r.Dispatch(cmdbuf.DispatchParams{GridSize: [3]uint32{1, 1, 1}})
	r.Return()
	cb, err := r.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	if len(cb.Blocks) != 2 {
		t.Fatalf("block count = %d", len(cb.Blocks))
	}

	done := d.NewSemaphore()
	d.Scheduler.Enqueue(&QueueEntry{
		Type:          EntryExecute,
		CommandBuffer: cb,
		Kernels:       []hsa.KernelArgs{kernel},
		Signals:       []SemaphoreOp{{done, 1}},
	})
	waitPayload(t, d, done, 1)
	if got := counter.Load(); got != 2 {
		t.Errorf("kernel ran %d times across blocks, want 2", got)
	}
}

// Command buffers on the same execution queue run strictly sequentially
// even when both are submitted before the first completes.
func TestCommandBuffersExecuteInOrder(t *testing.T) {
	d := newRunningDevice(t, "off", nil)

	var mu sync.Mutex
	var order []int
	slow := d.RegisterKernel("slow", func(grid [3]uint32, kernargAddr uint64) {
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
	})
	fast := d.RegisterKernel("fast", func(grid [3]uint32, kernargAddr uint64) {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
	})

	record := func() *cmdbuf.CommandBuffer {
		r := cmdbuf.NewRecorder()
		r.Dispatch(cmdbuf.DispatchParams{GridSize: [3]uint32{1, 1, 1}})
		r.Return()
		cb, err := r.Finalize()
		if err != nil {
			t.Fatal(err)
		}
		return cb
	}

	done := d.NewSemaphore()
	d.Scheduler.Enqueue(&QueueEntry{
		Type:          EntryExecute,
		CommandBuffer: record(),
		Kernels:       []hsa.KernelArgs{slow},
		Signals:       []SemaphoreOp{{done, 1}},
	})
	d.Scheduler.Enqueue(&QueueEntry{
		Type:          EntryExecute,
		CommandBuffer: record(),
		Kernels:       []hsa.KernelArgs{fast},
		Signals:       []SemaphoreOp{{done, 2}},
	})

	waitPayload(t, d, done, 2)
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("execution order = %v, want [1 2]", order)
	}
}

func TestDispatchKernargsAndConstants(t *testing.T) {
	d := newRunningDevice(t, "off", nil)

	buf, err := d.Memory.Alloc(16, 64)
	if err != nil {
		t.Fatal(err)
	}

	// The kernel reads its binding address and a constant from kernargs.
	kernel := d.RegisterKernel("store_const", func(grid [3]uint32, kernargAddr uint64) {
		target := d.Memory.U64(kernargAddr)
		value := d.Memory.U32(kernargAddr + 8)
		d.Memory.PutU32(target, value)
	})

	r := cmdbuf.NewRecorder()
	r.Dispatch(cmdbuf.DispatchParams{
		GridSize:  [3]uint32{1, 1, 1},
		Bindings:  []cmdbuf.BufferRef{cmdbuf.MakeBufferRef(cmdbuf.BufferRefSlot, 0, 16, 0)},
		Constants: []uint32{0xFEEDC0DE},
	})
	r.Return()
	cb, err := r.Finalize()
	if err != nil {
		t.Fatal(err)
	}

	done := d.NewSemaphore()
	d.Scheduler.Enqueue(&QueueEntry{
		Type:          EntryExecute,
		CommandBuffer: cb,
		Kernels:       []hsa.KernelArgs{kernel},
		Bindings:      []cmdbuf.BufferRef{cmdbuf.MakeBufferRef(cmdbuf.BufferRefPtr, 0, 16, buf)},
		Signals:       []SemaphoreOp{{done, 1}},
	})
	waitPayload(t, d, done, 1)
	if got := d.Memory.U32(buf); got != 0xFEEDC0DE {
		t.Errorf("written value = %#x", got)
	}
}

func TestAllocaGrowsThroughHost(t *testing.T) {
	cfg := testConfig()
	cfg.DeviceMemory = "64KB"
	d, err := NewDevice(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	d.Start()
	t.Cleanup(d.Stop)

	handle := &mem.AllocationHandle{}
	allocated := d.NewSemaphore()
	released := d.NewSemaphore()

	d.Scheduler.Enqueue(&QueueEntry{
		Type:         EntryAlloca,
		Size:         128 * 1024, // larger than the committed slab
		MinAlignment: 64,
		Handle:       handle,
		Signals:      []SemaphoreOp{{allocated, 1}},
	})
	waitPayload(t, d, allocated, 1)
	if handle.Ptr() == 0 {
		t.Fatal("handle not committed after alloca")
	}

	d.Scheduler.Enqueue(&QueueEntry{
		Type:    EntryDealloca,
		Size:    128 * 1024,
		Handle:  handle,
		Waits:   []SemaphoreOp{{allocated, 1}},
		Signals: []SemaphoreOp{{released, 1}},
	})
	waitPayload(t, d, released, 1)
	if handle.Ptr() != 0 {
		t.Error("handle still committed after dealloca")
	}
}

func TestMalformedCommandLatchesError(t *testing.T) {
	d := newRunningDevice(t, "off", nil)

	var bad cmdbuf.CmdRecord
	bad[0] = 99 // unknown command type at packet offset 0
	var ret cmdbuf.CmdRecord
	ret[0] = byte(cmdbuf.CmdReturn)
	ret[1] = byte(cmdbuf.CmdFlagQueueAwaitBarrier)
	ret[2] = 1 // packet offset 1

	cb := &cmdbuf.CommandBuffer{
		Blocks: []*cmdbuf.Block{{
			MaxPacketCount: 2,
			CommandCount:   2,
			QueryMap: cmdbuf.QueryMap{
				QueryIDs: []cmdbuf.CommandQueryID{
					{ControlID: cmdbuf.InvalidQueryID, DispatchID: cmdbuf.InvalidQueryID},
					{ControlID: cmdbuf.InvalidQueryID, DispatchID: cmdbuf.InvalidQueryID},
				},
			},
			Commands: []cmdbuf.CmdRecord{bad, ret},
		}},
	}

	d.Scheduler.Enqueue(&QueueEntry{Type: EntryExecute, CommandBuffer: cb})

	deadline := time.Now().Add(5 * time.Second)
	for d.Agent.Err() == nil {
		if time.Now().After(deadline) {
			t.Fatal("malformed command did not latch an error")
		}
		time.Sleep(time.Millisecond)
	}
	if !errors.Is(d.Agent.Err(), host.ErrDeviceLost) {
		t.Errorf("err = %v", d.Agent.Err())
	}
	if !d.Scheduler.Lost() {
		t.Error("scheduler not lost")
	}
}

// Dispatch-mode tracing captures execution zones for every command and a
// timestamp batch at retire, sized by the block's dispatch query count.
func TestDispatchTraceMode(t *testing.T) {
	sink := &syncSink{}
	d := newRunningDevice(t, "dispatch", sink)

	kernel := d.RegisterKernel("nop", func(grid [3]uint32, kernargAddr uint64) {})

	r := cmdbuf.NewRecorder()
	lit := d.Literals.Intern("group")
	r.DebugGroupBegin(0, 0, lit, 5, 0)
	r.Dispatch(cmdbuf.DispatchParams{GridSize: [3]uint32{1, 1, 1}})
	r.DebugGroupEnd(0)
	r.Return()
	cb, err := r.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	wantQueries := cb.Blocks[0].QueryMap.MaxDispatchQueryCount
	if wantQueries != 3 {
		t.Fatalf("dispatch query count = %d, want 3", wantQueries)
	}

	done := d.NewSemaphore()
	d.Scheduler.Enqueue(&QueueEntry{
		Type:           EntryExecute,
		CommandBuffer:  cb,
		Kernels:        []hsa.KernelArgs{kernel},
		ExecutionFlags: ExecutionFlagTraceDispatch,
		Signals:        []SemaphoreOp{{done, 1}},
	})
	waitPayload(t, d, done, 1)
	d.Stop()

	var sawBegin, sawEnd, sawDispatch bool
	var batch *trace.Event
	reader := sink.Reader()
	for {
		_, data, err := compression.ReadFrame(reader)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		for len(data) > 0 {
			event, n, err := trace.DecodeEvent(data)
			if err != nil {
				t.Fatal(err)
			}
			data = data[n:]
			switch event.Type {
			case trace.EventExecutionZoneBegin:
				sawBegin = true
			case trace.EventExecutionZoneEnd:
				sawEnd = true
			case trace.EventExecutionZoneDispatch:
				sawDispatch = true
			case trace.EventExecutionZoneNotifyBatch:
				e := event
				batch = &e
			}
		}
	}
	if !sawBegin || !sawEnd || !sawDispatch {
		t.Errorf("missing zone events: begin=%v end=%v dispatch=%v", sawBegin, sawEnd, sawDispatch)
	}
	if batch == nil {
		t.Fatal("no timestamp batch at retire")
	}
	if len(batch.Timestamps) != int(wantQueries)*2 {
		t.Errorf("batch carries %d timestamps, want %d", len(batch.Timestamps), wantQueries*2)
	}
}
