package hsa

// SpinMutex is a device spin-lock. Holders are expected to do O(small) work:
// the wake lists it guards are scanned, not traversed at length.
type SpinMutex struct {
	state Atomic32
}

const (
	mutexUnlocked uint32 = 0
	mutexLocked   uint32 = 1
)

// Lock spins until the lock is acquired.
func (m *SpinMutex) Lock() {
	for {
		if m.state.CompareExchange(mutexUnlocked, mutexLocked, OrderAcquire, ScopeSystem) {
			return
		}
		// Wait for the lock to look free before retrying the CAS so the
		// cache line is not hammered with writes.
		for m.state.Load(OrderRelaxed, ScopeSystem) != mutexUnlocked {
			Yield()
		}
	}
}

// Unlock releases the lock. Must be called with the lock held.
func (m *SpinMutex) Unlock() {
	m.state.Store(mutexUnlocked, OrderRelease, ScopeSystem)
}
