// Package trace implements the device-side trace ring buffer: a
// power-of-two byte ring of variable-length event records reserved with a
// monotonic offset and committed with an exchange, plus the query signal
// ring used to capture dispatch timestamps.
package trace

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/aqlrun/aqlrun/internal/hsa"
)

// EventType is the 8-bit discriminator leading every trace record.
type EventType uint8

const (
	EventZoneBegin EventType = iota
	EventZoneEnd
	EventZoneValueI64
	EventZoneValueTextLiteral
	EventZoneValueTextDynamic
	EventPlotConfig
	EventPlotValueI64
	EventExecutionZoneBegin
	EventExecutionZoneEnd
	EventExecutionZoneNotify
	EventExecutionZoneNotifyBatch
	EventExecutionZoneDispatch
	EventMemoryAlloc
	EventMemoryFree
	EventMessageLiteral
	EventMessageDynamic
)

// Literal pointers are host-space addresses. The translator distinguishes
// them from device pointers by the tag bit.
const literalTag = uint64(1) << 63

// LiteralTable interns process-lifetime strings and hands out tagged
// host-space pointers for them.
type LiteralTable struct {
	mu      sync.Mutex
	strings []string
	index   map[string]uint64
}

// NewLiteralTable creates an empty table.
func NewLiteralTable() *LiteralTable {
	return &LiteralTable{index: make(map[string]uint64)}
}

// Intern returns the tagged pointer for s, adding it if unseen.
func (t *LiteralTable) Intern(s string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ptr, ok := t.index[s]; ok {
		return ptr
	}
	t.strings = append(t.strings, s)
	ptr := literalTag | uint64(len(t.strings))
	t.index[s] = ptr
	return ptr
}

// Lookup resolves a tagged pointer back to its string.
func (t *LiteralTable) Lookup(ptr uint64) (string, bool) {
	if ptr&literalTag == 0 {
		return "", false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	i := ptr &^ literalTag
	if i == 0 || i > uint64(len(t.strings)) {
		return "", false
	}
	return t.strings[i-1], true
}

// Event is a decoded trace record. Only the fields relevant to the event
// type are populated.
type Event struct {
	Type       EventType
	Timestamp  hsa.Tick
	SrcLoc     uint64
	Value      int64
	Text       uint64 // tagged literal pointer
	Bytes      []byte // dynamic text payload
	PlotType   uint8
	PlotFlags  uint8
	Color      uint32
	Name       uint64
	ExecutorID uint32
	QueryID    uint16
	QueryCount uint16
	// Timestamps carries start/end pairs for notify-batch events.
	Timestamps []hsa.Tick
	ZoneType   uint8
	ExportLoc  uint32
	Ordinal    uint32
	Ptr        uint64
	Size       uint64
}

// encodedSize returns the wire size of the event.
func (e *Event) encodedSize() int {
	switch e.Type {
	case EventZoneBegin:
		return 1 + 8 + 8
	case EventZoneEnd:
		return 1 + 8
	case EventZoneValueI64:
		return 1 + 8
	case EventZoneValueTextLiteral:
		return 1 + 8
	case EventZoneValueTextDynamic:
		return 1 + 4 + len(e.Bytes)
	case EventPlotConfig:
		return 1 + 1 + 1 + 4 + 8
	case EventPlotValueI64:
		return 1 + 8 + 8 + 8
	case EventExecutionZoneBegin:
		return 1 + 4 + 2 + 8 + 8
	case EventExecutionZoneEnd, EventExecutionZoneNotify:
		return 1 + 4 + 2 + 8
	case EventExecutionZoneNotifyBatch:
		return 1 + 4 + 2 + 2 + 8*len(e.Timestamps)
	case EventExecutionZoneDispatch:
		return 1 + 1 + 4 + 2 + 4 + 4
	case EventMemoryAlloc:
		return 1 + 8 + 8 + 8 + 8
	case EventMemoryFree:
		return 1 + 8 + 8 + 8
	case EventMessageLiteral:
		return 1 + 8 + 8
	case EventMessageDynamic:
		return 1 + 4 + 8 + len(e.Bytes)
	}
	return 1
}

func (e *Event) encode(dst []byte) int {
	dst[0] = byte(e.Type)
	n := 1
	put64 := func(v uint64) { binary.LittleEndian.PutUint64(dst[n:], v); n += 8 }
	put32 := func(v uint32) { binary.LittleEndian.PutUint32(dst[n:], v); n += 4 }
	put16 := func(v uint16) { binary.LittleEndian.PutUint16(dst[n:], v); n += 2 }
	switch e.Type {
	case EventZoneBegin:
		put64(uint64(e.Timestamp))
		put64(e.SrcLoc)
	case EventZoneEnd:
		put64(uint64(e.Timestamp))
	case EventZoneValueI64:
		put64(uint64(e.Value))
	case EventZoneValueTextLiteral:
		put64(e.Text)
	case EventZoneValueTextDynamic:
		put32(uint32(len(e.Bytes)))
		n += copy(dst[n:], e.Bytes)
	case EventPlotConfig:
		dst[n] = e.PlotType
		dst[n+1] = e.PlotFlags
		n += 2
		put32(e.Color)
		put64(e.Name)
	case EventPlotValueI64:
		put64(uint64(e.Timestamp))
		put64(e.Name)
		put64(uint64(e.Value))
	case EventExecutionZoneBegin:
		put32(e.ExecutorID)
		put16(e.QueryID)
		put64(uint64(e.Timestamp))
		put64(e.SrcLoc)
	case EventExecutionZoneEnd, EventExecutionZoneNotify:
		put32(e.ExecutorID)
		put16(e.QueryID)
		put64(uint64(e.Timestamp))
	case EventExecutionZoneNotifyBatch:
		put32(e.ExecutorID)
		put16(e.QueryID)
		put16(uint16(len(e.Timestamps)))
		for _, ts := range e.Timestamps {
			put64(uint64(ts))
		}
	case EventExecutionZoneDispatch:
		dst[n] = e.ZoneType
		n++
		put32(e.ExecutorID)
		put16(e.QueryID)
		put32(e.ExportLoc)
		put32(e.Ordinal)
	case EventMemoryAlloc:
		put64(uint64(e.Timestamp))
		put64(e.Name)
		put64(e.Ptr)
		put64(e.Size)
	case EventMemoryFree:
		put64(uint64(e.Timestamp))
		put64(e.Name)
		put64(e.Ptr)
	case EventMessageLiteral:
		put64(uint64(e.Timestamp))
		put64(e.Text)
	case EventMessageDynamic:
		put32(uint32(len(e.Bytes)))
		put64(uint64(e.Timestamp))
		n += copy(dst[n:], e.Bytes)
	}
	return n
}

// DecodeEvent reads one event from src, returning it and the bytes consumed.
func DecodeEvent(src []byte) (Event, int, error) {
	if len(src) == 0 {
		return Event{}, 0, fmt.Errorf("empty event stream")
	}
	e := Event{Type: EventType(src[0])}
	n := 1
	need := func(k int) error {
		if len(src) < n+k {
			return fmt.Errorf("truncated %d event", e.Type)
		}
		return nil
	}
	get64 := func() uint64 { v := binary.LittleEndian.Uint64(src[n:]); n += 8; return v }
	get32 := func() uint32 { v := binary.LittleEndian.Uint32(src[n:]); n += 4; return v }
	get16 := func() uint16 { v := binary.LittleEndian.Uint16(src[n:]); n += 2; return v }
	switch e.Type {
	case EventZoneBegin:
		if err := need(16); err != nil {
			return e, 0, err
		}
		e.Timestamp = hsa.Tick(get64())
		e.SrcLoc = get64()
	case EventZoneEnd:
		if err := need(8); err != nil {
			return e, 0, err
		}
		e.Timestamp = hsa.Tick(get64())
	case EventZoneValueI64:
		if err := need(8); err != nil {
			return e, 0, err
		}
		e.Value = int64(get64())
	case EventZoneValueTextLiteral:
		if err := need(8); err != nil {
			return e, 0, err
		}
		e.Text = get64()
	case EventZoneValueTextDynamic:
		if err := need(4); err != nil {
			return e, 0, err
		}
		length := int(get32())
		if err := need(length); err != nil {
			return e, 0, err
		}
		e.Bytes = append([]byte(nil), src[n:n+length]...)
		n += length
	case EventPlotConfig:
		if err := need(14); err != nil {
			return e, 0, err
		}
		e.PlotType = src[n]
		e.PlotFlags = src[n+1]
		n += 2
		e.Color = get32()
		e.Name = get64()
	case EventPlotValueI64:
		if err := need(24); err != nil {
			return e, 0, err
		}
		e.Timestamp = hsa.Tick(get64())
		e.Name = get64()
		e.Value = int64(get64())
	case EventExecutionZoneBegin:
		if err := need(22); err != nil {
			return e, 0, err
		}
		e.ExecutorID = get32()
		e.QueryID = get16()
		e.Timestamp = hsa.Tick(get64())
		e.SrcLoc = get64()
	case EventExecutionZoneEnd, EventExecutionZoneNotify:
		if err := need(14); err != nil {
			return e, 0, err
		}
		e.ExecutorID = get32()
		e.QueryID = get16()
		e.Timestamp = hsa.Tick(get64())
	case EventExecutionZoneNotifyBatch:
		if err := need(8); err != nil {
			return e, 0, err
		}
		e.ExecutorID = get32()
		e.QueryID = get16()
		count := int(get16())
		if err := need(8 * count); err != nil {
			return e, 0, err
		}
		e.Timestamps = make([]hsa.Tick, count)
		for i := range e.Timestamps {
			e.Timestamps[i] = hsa.Tick(get64())
		}
		e.QueryCount = uint16(count / 2)
	case EventExecutionZoneDispatch:
		if err := need(15); err != nil {
			return e, 0, err
		}
		e.ZoneType = src[n]
		n++
		e.ExecutorID = get32()
		e.QueryID = get16()
		e.ExportLoc = get32()
		e.Ordinal = get32()
	case EventMemoryAlloc:
		if err := need(32); err != nil {
			return e, 0, err
		}
		e.Timestamp = hsa.Tick(get64())
		e.Name = get64()
		e.Ptr = get64()
		e.Size = get64()
	case EventMemoryFree:
		if err := need(24); err != nil {
			return e, 0, err
		}
		e.Timestamp = hsa.Tick(get64())
		e.Name = get64()
		e.Ptr = get64()
	case EventMessageLiteral:
		if err := need(16); err != nil {
			return e, 0, err
		}
		e.Timestamp = hsa.Tick(get64())
		e.Text = get64()
	case EventMessageDynamic:
		if err := need(12); err != nil {
			return e, 0, err
		}
		length := int(get32())
		e.Timestamp = hsa.Tick(get64())
		if err := need(length); err != nil {
			return e, 0, err
		}
		e.Bytes = append([]byte(nil), src[n:n+length]...)
		n += length
	default:
		return e, 0, fmt.Errorf("unknown trace event type %d", e.Type)
	}
	return e, n, nil
}
