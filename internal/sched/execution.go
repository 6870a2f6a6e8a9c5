package sched

import (
	"github.com/aqlrun/aqlrun/internal/cmdbuf"
	"github.com/aqlrun/aqlrun/internal/hsa"
	"github.com/aqlrun/aqlrun/internal/trace"
)

// ExecutionFlags control how a command buffer executes.
type ExecutionFlags uint8

const (
	// ExecutionFlagSerialize forces the barrier bit on every command so one
	// command executes at a time.
	ExecutionFlagSerialize ExecutionFlags = 1 << 0
	// ExecutionFlagUncached forces system-scope fences between commands.
	ExecutionFlagUncached ExecutionFlags = 1 << 1
	// ExecutionFlagTraceControl traces command buffer control logic.
	// Implies serialization so zones nest without interference.
	ExecutionFlagTraceControl ExecutionFlags = 1<<2 | ExecutionFlagSerialize
	// ExecutionFlagTraceDispatch additionally traces every dispatch and
	// blit. Implies control tracing.
	ExecutionFlagTraceDispatch ExecutionFlags = 1<<3 | ExecutionFlagTraceControl
)

func (f ExecutionFlags) traceControl() bool {
	return f&ExecutionFlagTraceControl == ExecutionFlagTraceControl
}

func (f ExecutionFlags) traceDispatch() bool {
	return f&ExecutionFlagTraceDispatch == ExecutionFlagTraceDispatch
}

// controlKernargSize is the scratch reserved for issue-block and tick
// control dispatches; reused because only one control dispatch per execution
// is in flight at a time.
const controlKernargSize = 64

// ExecutionState is the mutable per-execution companion of an immutable
// command buffer: kernarg scratch, bound events and kernels, the binding
// table copy, and the resume bookkeeping that makes block-by-block issue a
// continuation.
type ExecutionState struct {
	id    uint64
	flags ExecutionFlags

	commandBuffer *cmdbuf.CommandBuffer
	scheduler     *Scheduler

	// kernels binds the command buffer's kernel ordinals to dispatch
	// templates for this execution.
	kernels []hsa.KernelArgs

	// controlKernargAddr holds scratch for issue-block and return control
	// packets.
	controlKernargAddr uint64
	// execKernargAddr is the per-block kernarg scratch, at least
	// MaxKernargCapacity bytes; blocks overlay it because only one block is
	// in flight per execution.
	execKernargAddr uint64
	kernargSize     uint64

	executionQueue *hsa.Queue
	traceBuffer    *trace.Buffer

	// blockQueryBase is the query ring base index acquired for the current
	// block; queryFirst/queryTotal track the whole execution for harvest at
	// retire.
	blockQueryBase  uint64
	queryFirstBase  uint64
	queryTotal      uint16
	queriesAcquired bool

	// baseQueueIndex is the execution-queue slot range base reserved for
	// the current block.
	baseQueueIndex uint64

	// bindings is the execution's copy of the binding table.
	bindings []cmdbuf.BufferRef

	// events backs the command buffer's event ordinals with pool signals
	// for the duration of this execution.
	events []hsa.SignalHandle

	// completion is decremented by the RETURN barrier packet.
	completion hsa.SignalHandle

	entry *QueueEntry
}

// eventSignal resolves an event ordinal, or the null signal when the
// recording referenced an ordinal it never declared.
func (s *ExecutionState) eventSignal(ordinal cmdbuf.EventOrdinal) hsa.SignalHandle {
	if int(ordinal) >= len(s.events) {
		return hsa.NullSignal
	}
	return s.events[ordinal]
}

// queryIDFor maps a command's block-relative query IDs through the current
// trace mode, returning the ring query ID or invalid.
func (s *ExecutionState) queryIDFor(q cmdbuf.CommandQueryID) uint16 {
	if s.traceBuffer == nil {
		return cmdbuf.InvalidQueryID
	}
	if s.flags.traceDispatch() && q.DispatchID != cmdbuf.InvalidQueryID {
		return s.traceBuffer.Query.QueryID(s.blockQueryBase + uint64(q.DispatchID))
	}
	if s.flags.traceControl() && q.ControlID != cmdbuf.InvalidQueryID {
		return s.traceBuffer.Query.QueryID(s.blockQueryBase + uint64(q.ControlID))
	}
	return cmdbuf.InvalidQueryID
}
