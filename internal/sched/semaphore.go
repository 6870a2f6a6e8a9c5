package sched

import (
	"github.com/aqlrun/aqlrun/internal/hsa"
)

// Semaphore is a timeline semaphore: an HSA-style signal carrying a
// monotonically advancing payload plus an intrusive, sorted wake list of
// schedulers to poke when values are reached.
//
// Waiters register with the minimum payload that unblocks them; signaling
// walks the sorted list, pops every satisfied entry into the caller's wake
// set, and leaves the rest. Registration doubles as the poll: insertion
// fails (returns false) when the payload is already satisfied, so waiters
// never need a separate check-then-wait.
//
// Thread-safe; may be touched by the host and several schedulers at once.
type Semaphore struct {
	// ID names the semaphore in host posts.
	ID uint64

	// HostListener requests a POST_SIGNAL to the host whenever the payload
	// advances, so host-side waiters can be notified. Stale notifications
	// are expected and tolerated there.
	HostListener bool

	signal hsa.Signal

	mutex hsa.SpinMutex

	// lastValue is the highest payload published, cached under the lock so
	// new insertions can be dropped quickly.
	lastValue uint64

	wakeListHead *WakeEntry
	wakeListTail *WakeEntry

	// Wake list membership is not stored per entry; inListLocked scans the
	// list under mutex.
}

// NewSemaphore creates a semaphore with payload 0.
func NewSemaphore(id uint64) *Semaphore {
	return &Semaphore{ID: id}
}

// Payload loads the current value.
func (s *Semaphore) Payload() uint64 {
	return uint64(s.signal.Load(hsa.OrderAcquire))
}

// insertLocked splices the entry into the list in minimum-value order.
func (s *Semaphore) insertLocked(entry *WakeEntry) {
	entry.next = nil
	if s.wakeListHead == nil {
		s.wakeListHead = entry
		s.wakeListTail = entry
		return
	}
	var prev *WakeEntry
	for cursor := s.wakeListHead; cursor != nil; cursor = cursor.next {
		if cursor.minimumValue > entry.minimumValue {
			entry.next = cursor
			if prev == nil {
				s.wakeListHead = entry
			} else {
				prev.next = entry
			}
			return
		}
		prev = cursor
	}
	s.wakeListTail.next = entry
	s.wakeListTail = entry
}

// removeLocked unlinks the entry if present.
func (s *Semaphore) removeLocked(entry *WakeEntry) {
	var prev *WakeEntry
	for cursor := s.wakeListHead; cursor != nil; cursor = cursor.next {
		if cursor == entry {
			if prev == nil {
				s.wakeListHead = cursor.next
			} else {
				prev.next = cursor.next
			}
			if cursor == s.wakeListTail {
				s.wakeListTail = prev
			}
			cursor.next = nil
			return
		}
		prev = cursor
	}
}

// inListLocked reports membership. The lists are short; a scan beats extra
// state that can go stale.
func (s *Semaphore) inListLocked(entry *WakeEntry) bool {
	for cursor := s.wakeListHead; cursor != nil; cursor = cursor.next {
		if cursor == entry {
			return true
		}
	}
	return false
}

// UpdateWait polls the semaphore and enrolls the entry to be woken at
// minimumValue. Returns true if the caller is now (or was already) waiting;
// false means the value is satisfied and the entry was not enrolled. The
// entry's lastValue is refreshed either way.
//
// The same entry must be used for all waits by one scheduler on this
// semaphore; an existing enrollment at a larger value is moved earlier so
// the entry always carries the minimum outstanding requirement.
func (s *Semaphore) UpdateWait(entry *WakeEntry, minimumValue uint64) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	latest := uint64(s.signal.Load(hsa.OrderAcquire))
	s.lastValue = latest
	entry.lastValue = latest

	if s.inListLocked(entry) {
		if entry.minimumValue > minimumValue {
			// The new wait needs an earlier wake; move up in the sorted
			// list.
			entry.minimumValue = minimumValue
			s.removeLocked(entry)
			s.insertLocked(entry)
		}
		return true
	}

	if latest >= minimumValue {
		return false
	}
	entry.minimumValue = minimumValue
	s.insertLocked(entry)
	return true
}

// SignalPayload publishes a new payload and collects every satisfied waiter
// into the wake set. The signal store happens before the list walk so
// concurrent UpdateWait calls observe the value.
func (s *Semaphore) SignalPayload(newValue uint64, wakeSet *WakeSet) {
	s.signal.Store(int64(newValue), hsa.OrderRelease)

	s.mutex.Lock()
	s.lastValue = newValue

	cursor := s.wakeListHead
	for cursor != nil {
		if cursor.minimumValue > newValue {
			break // list is sorted; the rest are unsatisfied
		}
		next := cursor.next
		s.wakeListHead = next
		if next == nil {
			s.wakeListTail = nil
		}
		cursor.next = nil
		cursor.lastValue = newValue
		wakeSet.Insert(cursor.target)
		cursor = next
	}
	s.mutex.Unlock()
}

// waitingCount reports the wake list length; test hook.
func (s *Semaphore) waitingCount() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	n := 0
	for cursor := s.wakeListHead; cursor != nil; cursor = cursor.next {
		n++
	}
	return n
}
