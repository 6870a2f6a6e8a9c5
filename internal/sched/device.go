package sched

import (
	"io"
	"sync"

	"github.com/aqlrun/aqlrun/internal/cmdbuf"
	"github.com/aqlrun/aqlrun/internal/config"
	"github.com/aqlrun/aqlrun/internal/host"
	"github.com/aqlrun/aqlrun/internal/hsa"
	"github.com/aqlrun/aqlrun/internal/mem"
	"github.com/aqlrun/aqlrun/internal/trace"
)

// Device assembles one simulated agent: device memory, the signal table,
// the scheduler/execution/host queues with their packet processors, the
// trace ring, and a scheduler. This is the bring-up glue a driver would do
// once per agent.
type Device struct {
	Config config.Config

	Memory   *mem.Memory
	Signals  *hsa.SignalTable
	Registry *hsa.KernelRegistry
	Handles  *cmdbuf.HandleTable
	Literals *trace.LiteralTable

	SchedulerQueue *hsa.Queue
	ExecutionQueue *hsa.Queue
	HostQueue      *hsa.Queue

	Trace *trace.Buffer

	Agent     *host.Agent
	Scheduler *Scheduler

	schedulerProc *hsa.Processor
	executionProc *hsa.Processor

	semMu      sync.Mutex
	semaphores map[uint64]*Semaphore
	nextSemID  uint64
}

// NewDevice builds a device from the config. traceSink receives LZ4-framed
// trace batches; nil drops them.
func NewDevice(cfg config.Config, traceSink io.Writer) (*Device, error) {
	memBytes, err := cfg.DeviceMemoryBytes()
	if err != nil {
		return nil, err
	}
	traceBytes, err := cfg.TraceCapacityBytes()
	if err != nil {
		return nil, err
	}

	d := &Device{
		Config:     cfg,
		Memory:     mem.New(memBytes),
		Registry:   hsa.NewKernelRegistry(),
		Handles:    cmdbuf.NewHandleTable(),
		Literals:   trace.NewLiteralTable(),
		semaphores: make(map[uint64]*Semaphore),
	}

	// Signal table: pool signals first, query signals after.
	d.Signals = hsa.NewSignalTable(int(cfg.SignalPoolSize + cfg.QueryRingSize))
	handles := d.Signals.Handles()
	poolHandles := handles[:cfg.SignalPoolSize]
	queryHandles := handles[cfg.SignalPoolSize:]

	d.SchedulerQueue = hsa.NewQueue(1, cfg.SchedulerQueueSize)
	d.ExecutionQueue = hsa.NewQueue(2, cfg.ExecutionQueueSize)
	d.HostQueue = hsa.NewQueue(3, cfg.HostQueueSize)

	if cfg.TraceMode != "off" {
		query := trace.NewQueryRing(d.Signals, queryHandles)
		d.Trace = trace.NewBuffer(traceBytes, 1, query, d.Literals)
	}

	channel := host.NewChannel(d.HostQueue, d.Signals)
	d.Agent = host.NewAgent(channel, d.Signals, d.Memory, traceSink)
	d.Agent.SetSignalListener(d.onHostSignal)

	var traceBufferID uint64
	if d.Trace != nil {
		traceBufferID = d.Agent.RegisterTraceBuffer(d.Trace)
	}

	d.Scheduler, err = NewScheduler(SchedulerOptions{
		HostChannel:    channel,
		Memory:         d.Memory,
		Handles:        d.Handles,
		SchedulerQueue: d.SchedulerQueue,
		ExecutionQueue: d.ExecutionQueue,
		Signals:        d.Signals,
		SignalPoolSize: cfg.SignalPoolSize,
		Registry:       d.Registry,
		TraceBuffer:    d.Trace,
		TraceBufferID:  traceBufferID,
		MailboxSize:    cfg.MailboxSize,
	})
	if err != nil {
		return nil, err
	}

	d.schedulerProc = hsa.NewProcessor(d.SchedulerQueue, d.Signals, d.Registry, nil)
	d.executionProc = hsa.NewProcessor(d.ExecutionQueue, d.Signals, d.Registry, nil)

	// Seed the signal pool through the queue like any other submission.
	d.Scheduler.Enqueue(&QueueEntry{
		Type:        EntryInitialize,
		PoolSignals: poolHandles,
	})
	return d, nil
}

// Start launches the packet processors and the host agent.
func (d *Device) Start() {
	d.Agent.Start()
	d.schedulerProc.Start()
	d.executionProc.Start()
}

// Stop halts processing. In-flight packets are allowed to finish.
func (d *Device) Stop() {
	d.schedulerProc.Stop()
	d.executionProc.Stop()
	d.Agent.Stop()
}

// RegisterKernel exposes a kernel function as an opaque kernel object for
// dispatch commands.
func (d *Device) RegisterKernel(name string, fn hsa.KernelFunc) hsa.KernelArgs {
	return d.Registry.Register(name, fn)
}

// NewSemaphore creates a device-resident timeline semaphore.
func (d *Device) NewSemaphore() *Semaphore {
	d.semMu.Lock()
	defer d.semMu.Unlock()
	d.nextSemID++
	sem := NewSemaphore(d.nextSemID)
	d.semaphores[sem.ID] = sem
	return sem
}

// SemaphoreByID resolves a host-post semaphore reference.
func (d *Device) SemaphoreByID(id uint64) *Semaphore {
	d.semMu.Lock()
	defer d.semMu.Unlock()
	return d.semaphores[id]
}

func (d *Device) onHostSignal(semID, payload uint64) {
	// Host listener notifications surface through Agent callbacks; nothing
	// further to do in the simulation.
}

// ExecutionFlagsFromMode maps the config trace mode onto execution flags.
func ExecutionFlagsFromMode(mode string) ExecutionFlags {
	switch mode {
	case "control":
		return ExecutionFlagTraceControl
	case "dispatch":
		return ExecutionFlagTraceDispatch
	default:
		return 0
	}
}

// SignalSemaphore advances a semaphore from outside the scheduler (host or
// another agent) and wakes every waiter.
func SignalSemaphore(sem *Semaphore, payload uint64) {
	var ws WakeSet
	ws.Initialize(WakeTarget{})
	sem.SignalPayload(payload, &ws)
	ws.Flush()
}
