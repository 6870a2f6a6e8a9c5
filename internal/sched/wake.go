package sched

// WakeTarget is the destination of a wake: a scheduler whose tick should be
// enqueued. Targets outlive any wake list they are registered with.
type WakeTarget struct {
	Scheduler *Scheduler
}

func (t WakeTarget) wake() {
	if t.Scheduler != nil {
		t.Scheduler.ScheduleTick(ReasonWorkAvailable, 0)
	}
}

// wakeSetCapacity bounds the distinct non-self targets accumulated per tick.
const wakeSetCapacity = 62

// WakeSet is a deduplicating accumulator of wake targets built up over one
// scheduler tick and flushed after commands retire. Thread-compatible; owned
// by the scheduler performing the wakes.
type WakeSet struct {
	self        WakeTarget
	selfWake    uint32
	targetCount uint32
	targets     [wakeSetCapacity]WakeTarget
}

// Initialize resets the set and records the owner used for self-wake
// detection.
func (s *WakeSet) Initialize(self WakeTarget) {
	s.self = self
	s.selfWake = 0
	s.targetCount = 0
}

// Insert records that the target must be woken. Self-wakes are only counted:
// the owner continues processing instead of posting to itself.
func (s *WakeSet) Insert(target WakeTarget) {
	if target.Scheduler == s.self.Scheduler {
		s.selfWake++
		return
	}
	for i := uint32(0); i < s.targetCount; i++ {
		if s.targets[i].Scheduler == target.Scheduler {
			return
		}
	}
	if s.targetCount == wakeSetCapacity {
		// Set is full; wake immediately instead of deferring to the flush.
		target.wake()
		return
	}
	s.targets[s.targetCount] = target
	s.targetCount++
}

// Flush wakes every accumulated target and clears the set. Returns true if
// the owner itself was requested to wake.
func (s *WakeSet) Flush() bool {
	for i := uint32(0); i < s.targetCount; i++ {
		s.targets[i].wake()
	}
	s.targetCount = 0
	wokeSelf := s.selfWake > 0
	s.selfWake = 0
	return wokeSelf
}

// WakeEntry is a slot in a semaphore's wake list, stored in the waiter's
// wake pool and linked in place. Each records the first (minimum) payload
// that must be reached to wake the target; waiters re-register for later
// values after waking.
type WakeEntry struct {
	semaphore *Semaphore
	next      *WakeEntry

	// minimumValue is the payload that wakes the target.
	minimumValue uint64
	// lastValue is the payload last observed; when it is at least
	// minimumValue the entry is not in any wake list.
	lastValue uint64

	target WakeTarget
}

// wakePoolCapacity bounds the unique semaphores one scheduler can wait on.
const wakePoolCapacity = 64

// WakePool owns the wake entry storage for one scheduler: at most one entry
// per (scheduler, semaphore) pair, found by linear scan. Thread-compatible;
// only the owning scheduler touches it.
type WakePool struct {
	slots [wakePoolCapacity]WakeEntry
}

// Initialize routes all slots to the target.
func (p *WakePool) Initialize(target WakeTarget) {
	for i := range p.slots {
		p.slots[i] = WakeEntry{target: target}
	}
}

// Reserve finds the existing slot for the semaphore or claims a free one.
// Returns nil when the pool is exhausted, which the scheduler treats as
// fatal.
func (p *WakePool) Reserve(semaphore *Semaphore) *WakeEntry {
	firstFree := -1
	for i := range p.slots {
		if p.slots[i].semaphore == semaphore {
			return &p.slots[i]
		}
		if firstFree == -1 && p.slots[i].semaphore == nil {
			firstFree = i
		}
	}
	if firstFree == -1 {
		return nil
	}
	p.slots[firstFree].semaphore = semaphore
	return &p.slots[firstFree]
}

// Release frees a slot that did not end up waiting.
func (p *WakePool) Release(entry *WakeEntry) {
	entry.semaphore = nil
}

// activeCount reports occupied slots; test hook.
func (p *WakePool) activeCount() int {
	n := 0
	for i := range p.slots {
		if p.slots[i].semaphore != nil {
			n++
		}
	}
	return n
}
