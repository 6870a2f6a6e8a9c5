package trace

import "github.com/aqlrun/aqlrun/internal/hsa"

// QueryRing hands out contiguous ranges of pre-allocated USER signals used
// as completion signals on traced packets. The packet processor stamps
// start/end timestamps on the signal; the scheduler harvests them when the
// range retires and re-arms the signals for reuse.
//
// Acquire/Release are called only from the owning scheduler so the indices
// need no atomics.
type QueryRing struct {
	table      *hsa.SignalTable
	handles    []hsa.SignalHandle
	writeIndex uint64
	readIndex  uint64
}

// NewQueryRing builds a ring over the given signals. The count must be a
// power of two. All signals are armed to 1.
func NewQueryRing(table *hsa.SignalTable, handles []hsa.SignalHandle) *QueryRing {
	if len(handles) == 0 || len(handles)&(len(handles)-1) != 0 {
		panic("query ring size must be a power of two")
	}
	r := &QueryRing{table: table, handles: handles}
	for _, h := range handles {
		table.Resolve(h).Store(1, hsa.OrderRelease)
	}
	return r
}

// Capacity returns the signal count.
func (r *QueryRing) Capacity() int { return len(r.handles) }

func (r *QueryRing) mask() uint64 { return uint64(len(r.handles)) - 1 }

// Acquire slices off count query IDs and returns the base index.
func (r *QueryRing) Acquire(count uint16) uint64 {
	base := r.writeIndex
	r.writeIndex += uint64(count)
	return base
}

// Outstanding returns the number of acquired-but-unreleased queries.
func (r *QueryRing) Outstanding() uint64 { return r.writeIndex - r.readIndex }

// QueryID maps an absolute index to a ring-relative query ID.
func (r *QueryRing) QueryID(index uint64) uint16 {
	return uint16(index & r.mask())
}

// SignalForID returns the signal handle behind a query ID.
func (r *QueryRing) SignalForID(id uint16) hsa.SignalHandle {
	return r.handles[uint64(id)&r.mask()]
}

// Signal resolves the record behind a query ID for timestamp harvesting.
func (r *QueryRing) Signal(id uint16) *hsa.Signal {
	return r.table.Resolve(r.SignalForID(id))
}

// Release re-arms count signals starting at the read index and advances it.
func (r *QueryRing) Release(count uint16) {
	for i := r.readIndex; i < r.readIndex+uint64(count); i++ {
		signal := r.table.Resolve(r.handles[i&r.mask()])
		signal.Store(1, hsa.OrderRelease)
		signal.ResetTimestamps()
	}
	r.readIndex += uint64(count)
}
