package hsa

// SignalPool is a lock-free pool of opaque signal handles. The backing
// signals are allocated up front by the host; device code only recycles them.
// When the pool is exhausted the scheduler aborts - there is no device-side
// growth path.
type SignalPool struct {
	table *SignalTable
	ring  *Uint64Ring
}

// NewSignalPool creates an empty pool over the table. Initialize must be
// called (by the queue INITIALIZE entry) before acquiring.
func NewSignalPool(table *SignalTable, capacity uint32) *SignalPool {
	return &SignalPool{
		table: table,
		ring:  NewUint64Ring(capacity),
	}
}

// Initialize seeds the pool with the given handles.
func (p *SignalPool) Initialize(handles []SignalHandle) {
	for _, h := range handles {
		p.ring.Enqueue(uint64(h))
	}
}

// Capacity returns the pool's fixed capacity.
func (p *SignalPool) Capacity() uint32 { return p.ring.Capacity() }

// TryAcquire takes a signal from the pool and stores the initial value.
// Returns the null handle if the pool is empty; the caller treats that as a
// fatal exhaustion.
func (p *SignalPool) TryAcquire(initial SignalValue) SignalHandle {
	raw, ok := p.ring.TryDequeue()
	if !ok {
		return NullSignal
	}
	handle := SignalHandle(raw)
	p.table.Resolve(handle).Store(initial, OrderRelease)
	return handle
}

// Release puts a signal back without changing its value; in most cases it is
// 0 after serving as a binary semaphore.
func (p *SignalPool) Release(handle SignalHandle) {
	if handle == NullSignal {
		return
	}
	p.ring.Enqueue(uint64(handle))
}
