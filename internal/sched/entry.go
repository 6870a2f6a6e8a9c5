// Package sched implements the device-resident queue scheduler: the mailbox
// of incoming queue entries, semaphore wake tracking, the single-work-item
// tick, and the parallel command-buffer issue engine feeding the execution
// queue.
package sched

import (
	"github.com/aqlrun/aqlrun/internal/cmdbuf"
	"github.com/aqlrun/aqlrun/internal/hsa"
	"github.com/aqlrun/aqlrun/internal/mem"
)

// EntryType discriminates queue entries.
type EntryType uint8

const (
	EntryInitialize EntryType = iota
	EntryDeinitialize
	EntryAlloca
	EntryDealloca
	EntryFill
	EntryCopy
	EntryExecute
	EntryBarrier
)

// SemaphoreOp pairs a semaphore with the payload a wait requires or a signal
// publishes.
type SemaphoreOp struct {
	Semaphore *Semaphore
	Payload   uint64
}

// QueueEntry is one queued operation. The variant fields for the entry type
// share the struct the way the recorded forms share a union; only the fields
// for Type are meaningful.
//
// An entry is a member of at most one list at a time via listNext.
type QueueEntry struct {
	Type  EntryType
	Flags uint16

	// Epoch is assigned when the scheduler accepts the entry and preserves
	// FIFO ordering on the run list.
	Epoch uint32

	listNext *QueueEntry

	// Waits must all be satisfied before the entry issues. Resolved waits
	// are swap-removed, so order is not preserved.
	Waits []SemaphoreOp
	// Signals are published when the entry retires.
	Signals []SemaphoreOp

	// EntryInitialize: signals seeding the scheduler's pool.
	PoolSignals []hsa.SignalHandle

	// EntryAlloca / EntryDealloca.
	Pool         uint32
	MinAlignment uint32
	Size         uint64
	Handle       *mem.AllocationHandle

	// EntryFill / EntryCopy.
	SourceRef     cmdbuf.BufferRef
	TargetRef     cmdbuf.BufferRef
	Pattern       uint64
	PatternLength uint8

	// EntryExecute.
	CommandBuffer  *cmdbuf.CommandBuffer
	Bindings       []cmdbuf.BufferRef
	Kernels        []hsa.KernelArgs
	ExecutionFlags ExecutionFlags

	// Resources handed back to the host via POST_RELEASE when the entry
	// retires.
	Resources [4]uint64

	// Issue-time bookkeeping for asynchronous entries.
	completion  hsa.SignalHandle
	kernargAddr uint64
	kernargSize uint64
}

// entryList is a singly-linked intrusive list of queue entries. An entry may
// be in only one list at a time; wait and run lists are owned by a single
// tick so no locking is needed.
type entryList struct {
	head *QueueEntry
	tail *QueueEntry
}

// append adds to the end of the list, treating it as a queue.
func (l *entryList) append(entry *QueueEntry) {
	entry.listNext = nil
	if l.head == nil {
		l.head = entry
		l.tail = entry
	} else {
		l.tail.listNext = entry
		l.tail = entry
	}
}

// insert places the entry immediately before the first entry with a larger
// epoch, keeping the list a FIFO over submission order.
func (l *entryList) insert(entry *QueueEntry) {
	entry.listNext = nil
	if l.head == nil {
		l.head = entry
		l.tail = entry
		return
	}
	var prev *QueueEntry
	for cursor := l.head; cursor != nil; cursor = cursor.listNext {
		if cursor.Epoch > entry.Epoch {
			entry.listNext = cursor
			if prev == nil {
				l.head = entry
			} else {
				prev.listNext = entry
			}
			return
		}
		prev = cursor
	}
	l.tail.listNext = entry
	l.tail = entry
}

// remove unlinks cursor given its predecessor (nil when cursor is the head).
func (l *entryList) remove(prev, cursor *QueueEntry) {
	next := cursor.listNext
	if prev == nil {
		l.head = next
	} else {
		prev.listNext = next
	}
	if next == nil {
		l.tail = prev
	}
	cursor.listNext = nil
}

// empty reports whether the list has no entries.
func (l *entryList) empty() bool { return l.head == nil }

// count walks the list; used by invariant checks and tests only.
func (l *entryList) count() int {
	n := 0
	for cursor := l.head; cursor != nil; cursor = cursor.listNext {
		n++
	}
	return n
}
