package trace

import (
	"github.com/aqlrun/aqlrun/internal/hsa"
)

// Buffer is the per-scheduler trace ring. Only the owning scheduler (and the
// issuers it launches) write; only the host reads. Offsets are monotonic and
// the invariant write_reserve >= write_commit >= read_commit holds, with the
// reserve never outrunning the read commit by more than the capacity.
type Buffer struct {
	capacity uint64
	data     []byte

	writeReserveOffset hsa.Atomic64
	writeCommitOffset  hsa.Atomic64
	readCommitOffset   hsa.Atomic64

	// ExecutorID distinguishes this scheduler's execution zones in the
	// merged host timeline.
	ExecutorID uint32

	// Query holds the pre-allocated signals used to capture dispatch
	// start/end timestamps.
	Query *QueryRing

	Literals *LiteralTable
}

// NewBuffer allocates a trace ring. Capacity must be a power of two and
// larger than the biggest single event.
func NewBuffer(capacity uint64, executorID uint32, query *QueryRing, literals *LiteralTable) *Buffer {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		panic("trace capacity must be a power of two")
	}
	return &Buffer{
		capacity:   capacity,
		data:       make([]byte, capacity),
		ExecutorID: executorID,
		Query:      query,
		Literals:   literals,
	}
}

// Capacity returns the ring capacity in bytes.
func (b *Buffer) Capacity() uint64 { return b.capacity }

func (b *Buffer) mask() uint64 { return b.capacity - 1 }

// ReserveRange reserves length bytes and returns the monotonic write offset.
// Spins while the host has not caught up enough to make room. There is no
// back-pressure mechanism under sustained overrun.
// TODO: pick an overrun policy (drop-oldest vs block vs signal host).
func (b *Buffer) ReserveRange(length uint64) uint64 {
	offset := uint64(b.writeReserveOffset.Add(int64(length), hsa.OrderRelaxed, hsa.ScopeDevice))
	for offset+length-uint64(b.readCommitOffset.Load(hsa.OrderAcquire, hsa.ScopeSystem)) >= b.capacity {
		hsa.Yield()
	}
	return offset
}

// writeAt copies data into the ring at a reserved offset, splitting across
// the wrap point. With a physically mirrored mapping the split would be
// unnecessary; the masked math is identical either way.
func (b *Buffer) writeAt(offset uint64, data []byte) {
	start := offset & b.mask()
	n := copy(b.data[start:], data)
	if n < len(data) {
		copy(b.data, data[n:])
	}
}

// CommitRange publishes all reserved bytes to the host. Returns true when
// the commit advanced and the host should be notified to flush.
func (b *Buffer) CommitRange() bool {
	lastReserve := b.writeReserveOffset.Load(hsa.OrderAcquire, hsa.ScopeDevice)
	lastCommit := b.writeCommitOffset.Exchange(lastReserve, hsa.OrderRelease, hsa.ScopeSystem)
	return lastReserve != lastCommit
}

// Committed returns the host-readable range [from, to).
func (b *Buffer) Committed() (from, to uint64) {
	return uint64(b.readCommitOffset.Load(hsa.OrderAcquire, hsa.ScopeSystem)),
		uint64(b.writeCommitOffset.Load(hsa.OrderAcquire, hsa.ScopeSystem))
}

// ReadBytes copies out [from, to), reconstructing across the wrap point.
// Host-only.
func (b *Buffer) ReadBytes(from, to uint64) []byte {
	out := make([]byte, to-from)
	start := from & b.mask()
	n := copy(out, b.data[start:])
	if uint64(n) < to-from {
		copy(out[n:], b.data)
	}
	return out
}

// AdvanceRead publishes the host's consumption up to offset, releasing ring
// capacity back to the device.
func (b *Buffer) AdvanceRead(offset uint64) {
	b.readCommitOffset.Store(int64(offset), hsa.OrderRelease, hsa.ScopeSystem)
}

// ReserveOffset exposes the current reserve offset for accounting.
func (b *Buffer) ReserveOffset() uint64 {
	return uint64(b.writeReserveOffset.Load(hsa.OrderAcquire, hsa.ScopeDevice))
}

// Emit encodes one event into the ring.
func (b *Buffer) Emit(e *Event) {
	if b == nil {
		return
	}
	size := e.encodedSize()
	scratch := make([]byte, size)
	n := e.encode(scratch)
	offset := b.ReserveRange(uint64(n))
	b.writeAt(offset, scratch[:n])
}

// ZoneBegin opens an instrumentation zone.
func (b *Buffer) ZoneBegin(srcLoc uint64) {
	b.Emit(&Event{Type: EventZoneBegin, Timestamp: hsa.Timestamp(), SrcLoc: srcLoc})
}

// ZoneEnd closes the innermost zone.
func (b *Buffer) ZoneEnd() {
	b.Emit(&Event{Type: EventZoneEnd, Timestamp: hsa.Timestamp()})
}

// ZoneValueI64 attaches a number to the current zone.
func (b *Buffer) ZoneValueI64(value int64) {
	b.Emit(&Event{Type: EventZoneValueI64, Value: value})
}

// ZoneTextLiteral attaches an interned string to the current zone.
func (b *Buffer) ZoneTextLiteral(ptr uint64) {
	b.Emit(&Event{Type: EventZoneValueTextLiteral, Text: ptr})
}

// MessageLiteral logs an interned string.
func (b *Buffer) MessageLiteral(ptr uint64) {
	b.Emit(&Event{Type: EventMessageLiteral, Timestamp: hsa.Timestamp(), Text: ptr})
}

// MessageDynamic logs a transient string by value.
func (b *Buffer) MessageDynamic(msg []byte) {
	b.Emit(&Event{Type: EventMessageDynamic, Timestamp: hsa.Timestamp(), Bytes: msg})
}

// PlotConfig declares a plot series.
func (b *Buffer) PlotConfig(name uint64, plotType, flags uint8, color uint32) {
	b.Emit(&Event{Type: EventPlotConfig, Name: name, PlotType: plotType, PlotFlags: flags, Color: color})
}

// PlotValueI64 appends a plot sample.
func (b *Buffer) PlotValueI64(name uint64, value int64) {
	b.Emit(&Event{Type: EventPlotValueI64, Timestamp: hsa.Timestamp(), Name: name, Value: value})
}

// MemoryAlloc records a pool allocation.
func (b *Buffer) MemoryAlloc(pool uint64, ptr, size uint64) {
	b.Emit(&Event{Type: EventMemoryAlloc, Timestamp: hsa.Timestamp(), Name: pool, Ptr: ptr, Size: size})
}

// MemoryFree records a pool release.
func (b *Buffer) MemoryFree(pool uint64, ptr uint64) {
	b.Emit(&Event{Type: EventMemoryFree, Timestamp: hsa.Timestamp(), Name: pool, Ptr: ptr})
}

// ExecutionZoneBegin opens an executor-side zone tied to a query signal and
// returns the signal to attach as the packet's completion signal.
func (b *Buffer) ExecutionZoneBegin(queryID uint16, srcLoc uint64) hsa.SignalHandle {
	b.Emit(&Event{
		Type:       EventExecutionZoneBegin,
		ExecutorID: b.ExecutorID,
		QueryID:    queryID,
		Timestamp:  hsa.Timestamp(),
		SrcLoc:     srcLoc,
	})
	return b.Query.SignalForID(queryID)
}

// ExecutionZoneEnd closes an executor-side zone.
func (b *Buffer) ExecutionZoneEnd(queryID uint16) hsa.SignalHandle {
	b.Emit(&Event{
		Type:       EventExecutionZoneEnd,
		ExecutorID: b.ExecutorID,
		QueryID:    queryID,
		Timestamp:  hsa.Timestamp(),
	})
	return b.Query.SignalForID(queryID)
}

// ExecutionZoneDispatch records a dispatch zone and returns its query signal.
func (b *Buffer) ExecutionZoneDispatch(zoneType uint8, queryID uint16, exportLoc, ordinal uint32) hsa.SignalHandle {
	b.Emit(&Event{
		Type:       EventExecutionZoneDispatch,
		ZoneType:   zoneType,
		ExecutorID: b.ExecutorID,
		QueryID:    queryID,
		ExportLoc:  exportLoc,
		Ordinal:    ordinal,
	})
	return b.Query.SignalForID(queryID)
}

// ExecutionZoneNotifyBatch publishes the captured start/end timestamps for a
// retired query range.
func (b *Buffer) ExecutionZoneNotifyBatch(queryIDBase uint16, timestamps []hsa.Tick) {
	b.Emit(&Event{
		Type:       EventExecutionZoneNotifyBatch,
		ExecutorID: b.ExecutorID,
		QueryID:    queryIDBase,
		Timestamps: timestamps,
	})
}
