package trace

import (
	"testing"
	"time"

	"github.com/aqlrun/aqlrun/internal/hsa"
)

func newTestBuffer(capacity uint64, queries int) *Buffer {
	table := hsa.NewSignalTable(queries)
	ring := NewQueryRing(table, table.Handles())
	return NewBuffer(capacity, 1, ring, NewLiteralTable())
}

func TestCommitRangeReportsNewWrites(t *testing.T) {
	b := newTestBuffer(4096, 4)
	if b.CommitRange() {
		t.Fatal("commit on an empty ring reported new writes")
	}
	b.ZoneBegin(0)
	if !b.CommitRange() {
		t.Fatal("commit did not report the reserved event")
	}
	if b.CommitRange() {
		t.Fatal("second commit without new writes reported true")
	}
}

func TestReserveCommitReadInvariant(t *testing.T) {
	b := newTestBuffer(4096, 4)
	for i := 0; i < 10; i++ {
		b.MessageDynamic([]byte("0123456789abcdef"))
		b.CommitRange()
		from, to := b.Committed()
		if from > to {
			t.Fatalf("read commit %d ahead of write commit %d", from, to)
		}
		if b.ReserveOffset() < to {
			t.Fatalf("reserve %d behind commit %d", b.ReserveOffset(), to)
		}
		if b.ReserveOffset()-from > b.Capacity() {
			t.Fatalf("reserve outran read by more than capacity")
		}
		b.AdvanceRead(to)
	}
}

// Events keep decoding correctly after the monotonic offsets wrap the ring
// several times; the host's masked reads reconstruct contiguous payloads.
func TestRingWrapReconstruction(t *testing.T) {
	b := newTestBuffer(512, 4)
	payload := make([]byte, 100)
	for round := 0; round < 13; round++ {
		for i := range payload {
			payload[i] = byte(round)
		}
		b.MessageDynamic(payload)
		if !b.CommitRange() {
			t.Fatalf("round %d: commit reported nothing", round)
		}
		from, to := b.Committed()
		data := b.ReadBytes(from, to)
		b.AdvanceRead(to)

		event, n, err := DecodeEvent(data)
		if err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		if n != len(data) {
			t.Fatalf("round %d: decoded %d of %d bytes", round, n, len(data))
		}
		for i, v := range event.Bytes {
			if v != byte(round) {
				t.Fatalf("round %d byte %d = %d (payload not contiguous across wrap)", round, i, v)
			}
		}
	}
	if b.ReserveOffset() <= b.Capacity() {
		t.Error("test never wrapped the ring")
	}
}

func TestReserveBlocksUntilReadAdvances(t *testing.T) {
	b := newTestBuffer(128, 4)
	b.ReserveRange(100)

	done := make(chan uint64, 1)
	go func() {
		done <- b.ReserveRange(64)
	}()
	select {
	case off := <-done:
		t.Fatalf("reserve returned %d without capacity", off)
	case <-time.After(50 * time.Millisecond):
	}

	b.AdvanceRead(100)
	select {
	case off := <-done:
		if off != 100 {
			t.Errorf("offset = %d, want 100", off)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reserve did not resume")
	}
}

func TestEventStreamDecode(t *testing.T) {
	b := newTestBuffer(4096, 4)
	lit := b.Literals.Intern("hello")
	b.ZoneBegin(lit)
	b.ZoneValueI64(-42)
	b.ZoneTextLiteral(lit)
	b.ZoneEnd()
	b.PlotConfig(lit, 1, 2, 0xFF00FF)
	b.PlotValueI64(lit, 17)
	b.MemoryAlloc(lit, 0x1000, 256)
	b.MemoryFree(lit, 0x1000)
	b.MessageLiteral(lit)
	b.ExecutionZoneNotifyBatch(3, []hsa.Tick{1, 2, 3, 4})
	b.CommitRange()

	from, to := b.Committed()
	data := b.ReadBytes(from, to)

	wantTypes := []EventType{
		EventZoneBegin, EventZoneValueI64, EventZoneValueTextLiteral, EventZoneEnd,
		EventPlotConfig, EventPlotValueI64, EventMemoryAlloc, EventMemoryFree,
		EventMessageLiteral, EventExecutionZoneNotifyBatch,
	}
	for i, want := range wantTypes {
		event, n, err := DecodeEvent(data)
		if err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
		if event.Type != want {
			t.Fatalf("event %d type = %d, want %d", i, event.Type, want)
		}
		data = data[n:]
		switch want {
		case EventZoneValueI64:
			if event.Value != -42 {
				t.Errorf("zone value = %d", event.Value)
			}
		case EventMemoryAlloc:
			if event.Ptr != 0x1000 || event.Size != 256 {
				t.Errorf("alloc = %+v", event)
			}
		case EventExecutionZoneNotifyBatch:
			if event.QueryID != 3 || len(event.Timestamps) != 4 {
				t.Errorf("batch = %+v", event)
			}
		}
	}
	if len(data) != 0 {
		t.Errorf("%d trailing bytes", len(data))
	}
}

func TestLiteralTable(t *testing.T) {
	lt := NewLiteralTable()
	a := lt.Intern("alpha")
	b := lt.Intern("beta")
	if a == b {
		t.Fatal("distinct strings share a pointer")
	}
	if again := lt.Intern("alpha"); again != a {
		t.Fatal("interning is not stable")
	}
	if s, ok := lt.Lookup(a); !ok || s != "alpha" {
		t.Errorf("lookup = %q, %v", s, ok)
	}
	if _, ok := lt.Lookup(0x1234); ok {
		t.Error("untagged pointer resolved")
	}
}

func TestQueryRing(t *testing.T) {
	table := hsa.NewSignalTable(8)
	ring := NewQueryRing(table, table.Handles())

	base := ring.Acquire(6)
	if base != 0 {
		t.Fatalf("first base = %d", base)
	}
	if ring.Outstanding() != 6 {
		t.Fatalf("outstanding = %d", ring.Outstanding())
	}

	// Simulate the packet processor retiring a query.
	sig := ring.Signal(ring.QueryID(base + 2))
	sig.SetStartTS(100)
	sig.SetEndTS(200)
	sig.Subtract(1, hsa.OrderRelease)

	ring.Release(6)
	if ring.Outstanding() != 0 {
		t.Fatalf("outstanding after release = %d", ring.Outstanding())
	}
	// Released signals are re-armed with cleared timestamps.
	if sig.Load(hsa.OrderAcquire) != 1 || sig.StartTS() != 0 || sig.EndTS() != 0 {
		t.Error("released query signal not re-armed")
	}

	// IDs wrap the power-of-two ring.
	base2 := ring.Acquire(4)
	if base2 != 6 {
		t.Fatalf("second base = %d", base2)
	}
	if ring.QueryID(base2+2) != 0 {
		t.Errorf("wrapped query ID = %d, want 0", ring.QueryID(base2+2))
	}
}

func BenchmarkEmitZonePair(b *testing.B) {
	buf := newTestBuffer(1<<20, 4)
	go func() {
		for {
			buf.CommitRange()
			_, to := buf.Committed()
			buf.AdvanceRead(to)
			time.Sleep(time.Millisecond)
		}
	}()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.ZoneBegin(0)
		buf.ZoneEnd()
	}
}
