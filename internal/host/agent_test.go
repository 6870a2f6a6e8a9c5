package host

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aqlrun/aqlrun/internal/compression"
	"github.com/aqlrun/aqlrun/internal/hsa"
	"github.com/aqlrun/aqlrun/internal/mem"
	"github.com/aqlrun/aqlrun/internal/trace"
)

// syncBuffer lets the test read the sink after the agent stops.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

type testHost struct {
	channel *Channel
	agent   *Agent
	signals *hsa.SignalTable
	memory  *mem.Memory
	sink    *syncBuffer
}

func newTestHost(t *testing.T) *testHost {
	t.Helper()
	h := &testHost{
		signals: hsa.NewSignalTable(16),
		memory:  mem.New(4096),
		sink:    &syncBuffer{},
	}
	queue := hsa.NewQueue(9, 32)
	h.channel = NewChannel(queue, h.signals)
	h.agent = NewAgent(h.channel, h.signals, h.memory, h.sink)
	h.agent.Start()
	t.Cleanup(h.agent.Stop)
	return h
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", msg)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPostErrorLatchesDeviceLost(t *testing.T) {
	h := newTestHost(t)
	h.channel.PostError(ErrorCodeExhausted, ResourceWakePool, 64)
	waitFor(t, h.agent.Lost, "device lost latch")
	if err := h.agent.Err(); !errors.Is(err, ErrDeviceLost) {
		t.Errorf("err = %v, want ErrDeviceLost", err)
	}

	// The first error wins; later posts do not replace it.
	h.channel.PostError(ErrorCodeMalformed, 1, 2)
	time.Sleep(20 * time.Millisecond)
	if err := h.agent.Err(); !errors.Is(err, ErrDeviceLost) {
		t.Errorf("err after second post = %v", err)
	}
}

func TestPoolGrowSignalsCompletion(t *testing.T) {
	h := newTestHost(t)
	before := h.memory.Capacity()

	completion := hsa.SignalHandle(1)
	h.signals.Resolve(completion).Store(1, hsa.OrderRelease)
	h.channel.PostPoolGrow(0, 8192, 64, completion)

	waitFor(t, func() bool {
		return h.signals.Resolve(completion).Load(hsa.OrderAcquire) == 0
	}, "pool grow completion")
	if got := h.memory.Capacity(); got < before+8192 {
		t.Errorf("capacity = %d, want at least %d", got, before+8192)
	}
}

func TestPostSignalRoutesToListener(t *testing.T) {
	h := newTestHost(t)
	got := make(chan [2]uint64, 1)
	h.agent.SetSignalListener(func(sem, payload uint64) {
		got <- [2]uint64{sem, payload}
	})
	h.channel.PostSignal(3, 77)
	select {
	case v := <-got:
		if v != [2]uint64{3, 77} {
			t.Errorf("listener got %v", v)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("signal listener not invoked")
	}
}

func TestPostReleaseRoutesResources(t *testing.T) {
	h := newTestHost(t)
	got := make(chan [4]uint64, 1)
	h.agent.SetReleaseListener(func(resources [4]uint64) {
		got <- resources
	})
	h.channel.PostRelease(1, 2, 3, 4, hsa.NullSignal)
	select {
	case v := <-got:
		if v != [4]uint64{1, 2, 3, 4} {
			t.Errorf("release got %v", v)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("release listener not invoked")
	}
}

func TestTraceFlushWritesFrames(t *testing.T) {
	h := newTestHost(t)

	table := hsa.NewSignalTable(4)
	ring := trace.NewQueryRing(table, table.Handles())
	buffer := trace.NewBuffer(4096, 5, ring, trace.NewLiteralTable())
	id := h.agent.RegisterTraceBuffer(buffer)

	buffer.MessageDynamic([]byte("flush me"))
	if !buffer.CommitRange() {
		t.Fatal("commit reported nothing")
	}

	completion := hsa.SignalHandle(2)
	h.signals.Resolve(completion).Store(1, hsa.OrderRelease)
	h.channel.PostTraceFlush(id, completion)
	waitFor(t, func() bool {
		return h.signals.Resolve(completion).Load(hsa.OrderAcquire) == 0
	}, "trace flush completion")

	executorID, data, err := compression.ReadFrame(bytes.NewReader(h.sink.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if executorID != 5 {
		t.Errorf("executor ID = %d, want 5", executorID)
	}
	event, _, err := trace.DecodeEvent(data)
	if err != nil {
		t.Fatal(err)
	}
	if event.Type != trace.EventMessageDynamic || string(event.Bytes) != "flush me" {
		t.Errorf("event = %+v", event)
	}

	// The flushed span is handed back to the device.
	from, to := buffer.Committed()
	if from != to {
		t.Errorf("read commit %d did not catch up to %d", from, to)
	}
}
