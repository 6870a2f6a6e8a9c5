package sched

import (
	"sync/atomic"

	"github.com/aqlrun/aqlrun/internal/hsa"
)

// mailbox is the scheduler's incoming soft queue: multi-producer, drained
// only by the owning tick. Fixed-size, allocation-free, busy-wait with
// yield on overflow.
type mailbox struct {
	head  atomic.Uint32
	tail  atomic.Uint32
	mask  uint32
	slots []atomic.Pointer[QueueEntry]
}

func newMailbox(capacity uint32) *mailbox {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		panic("mailbox capacity must be a power of two")
	}
	return &mailbox{
		mask:  capacity - 1,
		slots: make([]atomic.Pointer[QueueEntry], capacity),
	}
}

// TrySend reserves a slot and publishes the entry, returning false when the
// mailbox is full.
func (mb *mailbox) TrySend(entry *QueueEntry) bool {
	for {
		head := mb.head.Load()
		tail := mb.tail.Load()
		if head-tail > mb.mask {
			return false
		}
		if mb.head.CompareAndSwap(head, head+1) {
			mb.slots[head&mb.mask].Store(entry)
			return true
		}
	}
}

// Send blocks until the entry is enqueued.
func (mb *mailbox) Send(entry *QueueEntry) {
	for !mb.TrySend(entry) {
		hsa.Yield()
	}
}

// TryRecv dequeues one entry. Single consumer. Spins briefly when a producer
// has reserved the head slot but not yet published the pointer.
func (mb *mailbox) TryRecv() (*QueueEntry, bool) {
	tail := mb.tail.Load()
	if tail == mb.head.Load() {
		return nil, false
	}
	slot := &mb.slots[tail&mb.mask]
	for {
		if entry := slot.Load(); entry != nil {
			slot.Store(nil)
			mb.tail.Store(tail + 1)
			return entry, true
		}
		hsa.Yield()
	}
}
