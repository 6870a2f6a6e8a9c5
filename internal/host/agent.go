package host

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/aqlrun/aqlrun/internal/compression"
	"github.com/aqlrun/aqlrun/internal/hsa"
	"github.com/aqlrun/aqlrun/internal/mem"
	"github.com/aqlrun/aqlrun/internal/trace"
)

// ErrDeviceLost is wrapped by the error Err reports once the device has
// posted its first PostError. Submissions are not rejected with it: after the
// error the scheduler's ticks no-op and later entries are never issued.
var ErrDeviceLost = fmt.Errorf("device lost")

// SignalListener observes semaphore notifications posted by the device.
type SignalListener func(semaphore uint64, payload uint64)

// ReleaseListener receives resource references the device no longer uses.
type ReleaseListener func(resources [4]uint64)

// Agent is the host service loop behind the device's post channel. It drains
// the soft queue with the same packet discipline as a hardware processor and
// routes agent-dispatch packets to host routines.
type Agent struct {
	channel *Channel
	memory  *mem.Memory
	proc    *hsa.Processor

	codec     compression.Codec
	traceSink io.Writer
	sinkMu    sync.Mutex

	traceMu      sync.Mutex
	traceBuffers []*trace.Buffer

	lost    atomic.Bool
	errMu   sync.Mutex
	err     error
	errOnce sync.Once

	onSignal  SignalListener
	onRelease ReleaseListener
}

// NewAgent builds the service loop over the host soft queue. traceSink may be
// nil to drop flushed batches.
func NewAgent(channel *Channel, signals *hsa.SignalTable, memory *mem.Memory, traceSink io.Writer) *Agent {
	a := &Agent{
		channel:   channel,
		memory:    memory,
		codec:     &compression.LZ4Codec{},
		traceSink: traceSink,
	}
	a.proc = hsa.NewProcessor(channel.Queue(), signals, hsa.NewKernelRegistry(), a.dispatch)
	return a
}

// SetSignalListener installs the semaphore notification callback.
func (a *Agent) SetSignalListener(fn SignalListener) { a.onSignal = fn }

// SetReleaseListener installs the resource release callback.
func (a *Agent) SetReleaseListener(fn ReleaseListener) { a.onRelease = fn }

// RegisterTraceBuffer makes a trace ring flushable and returns the handle
// the device passes in PostTraceFlush.
func (a *Agent) RegisterTraceBuffer(b *trace.Buffer) uint64 {
	a.traceMu.Lock()
	defer a.traceMu.Unlock()
	a.traceBuffers = append(a.traceBuffers, b)
	return uint64(len(a.traceBuffers))
}

// Start launches the service loop.
func (a *Agent) Start() { a.proc.Start() }

// Stop flushes outstanding work and stops the loop.
func (a *Agent) Stop() {
	a.proc.Stop()
	// Final sweep so trailing committed events are not stranded in rings.
	a.traceMu.Lock()
	buffers := append([]*trace.Buffer(nil), a.traceBuffers...)
	a.traceMu.Unlock()
	for _, b := range buffers {
		a.flushTrace(b)
	}
}

// Lost reports whether the device posted a fatal error.
func (a *Agent) Lost() bool { return a.lost.Load() }

// Err returns the latched device error, or nil.
func (a *Agent) Err() error {
	a.errMu.Lock()
	defer a.errMu.Unlock()
	return a.err
}

func (a *Agent) dispatch(pkt hsa.AgentDispatchPacket) {
	switch Call(pkt.Type) {
	case CallPoolGrow:
		a.memory.Grow(pkt.Args[2])
	case CallPoolTrim:
		// The slab allocator has nothing to hand back; trims are accepted
		// and ignored.
	case CallPostRelease:
		if a.onRelease != nil {
			a.onRelease(pkt.Args)
		}
	case CallPostError:
		a.latchError(pkt.Args[1], pkt.Args[2], pkt.Args[3])
	case CallPostSignal:
		if a.onSignal != nil {
			a.onSignal(pkt.Args[0], pkt.Args[1])
		}
	case CallPostTraceFlush:
		a.traceMu.Lock()
		var b *trace.Buffer
		if id := pkt.Args[0]; id >= 1 && id <= uint64(len(a.traceBuffers)) {
			b = a.traceBuffers[id-1]
		}
		a.traceMu.Unlock()
		if b != nil {
			a.flushTrace(b)
		}
	}
}

func (a *Agent) latchError(code, arg0, arg1 uint64) {
	a.errOnce.Do(func() {
		a.lost.Store(true)
		a.errMu.Lock()
		defer a.errMu.Unlock()
		switch code {
		case ErrorCodeExhausted:
			a.err = fmt.Errorf("%w: resource %d exhausted (capacity %d)", ErrDeviceLost, arg0, arg1)
		case ErrorCodeMalformed:
			a.err = fmt.Errorf("%w: malformed command (type %d, ordinal %d)", ErrDeviceLost, arg0, arg1)
		default:
			a.err = fmt.Errorf("%w: code %d (%#x, %#x)", ErrDeviceLost, code, arg0, arg1)
		}
	})
}

// flushTrace drains the committed span of one ring into the sink as an
// LZ4-framed batch and releases the span back to the device.
func (a *Agent) flushTrace(b *trace.Buffer) {
	from, to := b.Committed()
	if to == from {
		return
	}
	raw := b.ReadBytes(from, to)
	b.AdvanceRead(to)
	if a.traceSink == nil {
		return
	}
	a.sinkMu.Lock()
	defer a.sinkMu.Unlock()
	if err := compression.WriteFrame(a.traceSink, a.codec, b.ExecutorID, raw); err != nil {
		a.latchError(ErrorCodeMalformed, uint64(b.ExecutorID), 0)
	}
}
