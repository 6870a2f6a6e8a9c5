package hsa

// SignalKind discriminates the two signal families. Doorbells belong to
// hardware queues and may only be written by producers; user signals support
// the full operation set.
type SignalKind int64

const (
	SignalKindInvalid  SignalKind = 0
	SignalKindUser     SignalKind = 1
	SignalKindDoorbell SignalKind = -1
)

// SignalValue is interpreted by the consuming operation. For barrier and
// dispatch packets it acts as a decrement-to-zero semaphore: initialize to N,
// each producer subtracts 1, consumers wait for 0.
type SignalValue = int64

// SignalHandle is an opaque 64-bit reference to a signal resolved through a
// SignalTable. Handle 0 is the null signal: waits succeed immediately and
// stores are no-ops.
type SignalHandle uint64

// NullSignal is the zero handle.
const NullSignal SignalHandle = 0

// Signal is a 64-byte-aligned HSA-style signal record.
type Signal struct {
	Kind   SignalKind
	value  Atomic64
	handle SignalHandle

	// Optional interrupt routing for host-visible signals. A store to the
	// mailbox with EventID wakes any host-side kernel wait.
	EventMailbox *Atomic64
	EventID      uint32

	// Timestamps populated by the packet processor when a packet using this
	// signal for completion enters and leaves the active phase.
	startTS Atomic64
	endTS   Atomic64

	// Queue owning this signal when Kind is SignalKindDoorbell.
	Queue *Queue
}

// Handle returns the table handle assigned at registration, or NullSignal if
// the signal is not table-resident.
func (s *Signal) Handle() SignalHandle { return s.handle }

func (s *Signal) Load(order MemoryOrder) SignalValue {
	return s.value.Load(order, ScopeSystem)
}

func (s *Signal) Store(value SignalValue, order MemoryOrder) {
	s.value.Store(value, order, ScopeSystem)
	s.notify()
}

func (s *Signal) Add(value SignalValue, order MemoryOrder) {
	s.value.Add(value, order, ScopeSystem)
	s.notify()
}

func (s *Signal) Subtract(value SignalValue, order MemoryOrder) {
	s.value.Add(-value, order, ScopeSystem)
	s.notify()
}

func (s *Signal) Exchange(value SignalValue, order MemoryOrder) SignalValue {
	prior := s.value.Exchange(value, order, ScopeSystem)
	s.notify()
	return prior
}

func (s *Signal) CompareExchange(expected, value SignalValue, order MemoryOrder) bool {
	ok := s.value.CompareExchange(expected, value, order, ScopeSystem)
	if ok {
		s.notify()
	}
	return ok
}

func (s *Signal) notify() {
	if s.EventMailbox != nil {
		s.EventMailbox.Store(int64(s.EventID), OrderRelease, ScopeSystem)
	}
}

func (s *Signal) SetStartTS(ts Tick) { s.startTS.Store(int64(ts), OrderRelease, ScopeSystem) }
func (s *Signal) SetEndTS(ts Tick)   { s.endTS.Store(int64(ts), OrderRelease, ScopeSystem) }
func (s *Signal) StartTS() Tick      { return Tick(s.startTS.Load(OrderAcquire, ScopeSystem)) }
func (s *Signal) EndTS() Tick        { return Tick(s.endTS.Load(OrderAcquire, ScopeSystem)) }

// ResetTimestamps clears start/end so the signal can be recycled for queries.
func (s *Signal) ResetTimestamps() {
	s.startTS.Store(0, OrderRelaxed, ScopeDevice)
	s.endTS.Store(0, OrderRelaxed, ScopeDevice)
}

// SignalCondition selects the comparison used by condition waits and
// barrier-value packets.
type SignalCondition uint32

const (
	ConditionEQ SignalCondition = iota
	ConditionNE
	ConditionLT
	ConditionGTE
)

// EvaluateCondition reports whether current satisfies desired under condition.
func EvaluateCondition(condition SignalCondition, current, desired SignalValue) bool {
	switch condition {
	case ConditionNE:
		return current != desired
	case ConditionLT:
		return current < desired
	case ConditionGTE:
		return current >= desired
	default:
		return current == desired
	}
}

// Wait spins until the signal value satisfies the condition and returns the
// satisfying value. Blocking on device is always a bounded spin-yield loop.
func (s *Signal) Wait(condition SignalCondition, desired SignalValue, order MemoryOrder) SignalValue {
	for {
		current := s.Load(order)
		if EvaluateCondition(condition, current, desired) {
			return current
		}
		Yield()
	}
}

// SignalTable is the arena mapping handles to signal records. Handles are
// 1-based indices so the zero handle stays null. Signals are allocated up
// front by the host; the table never grows on device.
type SignalTable struct {
	signals []Signal
}

// NewSignalTable allocates capacity user signals, all with value 0.
func NewSignalTable(capacity int) *SignalTable {
	t := &SignalTable{signals: make([]Signal, capacity)}
	for i := range t.signals {
		t.signals[i].Kind = SignalKindUser
		t.signals[i].handle = SignalHandle(i + 1)
	}
	return t
}

// Resolve returns the signal for a handle or nil for the null handle.
func (t *SignalTable) Resolve(handle SignalHandle) *Signal {
	if handle == NullSignal {
		return nil
	}
	return &t.signals[handle-1]
}

// Handles returns all handles in the table, used to seed signal pools.
func (t *SignalTable) Handles() []SignalHandle {
	handles := make([]SignalHandle, len(t.signals))
	for i := range handles {
		handles[i] = SignalHandle(i + 1)
	}
	return handles
}

// Capacity returns the number of signals in the table.
func (t *SignalTable) Capacity() int { return len(t.signals) }
