package hsa

import (
	"sync"
	"testing"
)

func TestRingFIFOSingleProducer(t *testing.T) {
	r := NewUint64Ring(8)
	for i := uint64(1); i <= 8; i++ {
		if !r.TryEnqueue(i) {
			t.Fatalf("enqueue %d failed", i)
		}
	}
	if r.TryEnqueue(9) {
		t.Fatal("enqueue succeeded on a full ring")
	}
	for i := uint64(1); i <= 8; i++ {
		v, ok := r.TryDequeue()
		if !ok || v != i {
			t.Fatalf("dequeue = %d,%v, want %d", v, ok, i)
		}
	}
	if _, ok := r.TryDequeue(); ok {
		t.Fatal("dequeue succeeded on an empty ring")
	}
}

func TestRingConcurrentProducersConsumers(t *testing.T) {
	const producers = 4
	const perProducer = 1000
	r := NewUint64Ring(64)

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				r.Enqueue(uint64(p*perProducer+i) + 1)
			}
		}(p)
	}

	seen := make(map[uint64]bool, producers*perProducer)
	var mu sync.Mutex
	var cwg sync.WaitGroup
	cwg.Add(2)
	for c := 0; c < 2; c++ {
		go func() {
			defer cwg.Done()
			for {
				mu.Lock()
				if len(seen) == producers*perProducer {
					mu.Unlock()
					return
				}
				mu.Unlock()
				v, ok := r.TryDequeue()
				if !ok {
					Yield()
					continue
				}
				mu.Lock()
				if seen[v] {
					mu.Unlock()
					t.Errorf("value %d dequeued twice", v)
					return
				}
				seen[v] = true
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	cwg.Wait()
	if len(seen) != producers*perProducer {
		t.Fatalf("dequeued %d values, want %d", len(seen), producers*perProducer)
	}
}

func TestSignalPoolAcquireRelease(t *testing.T) {
	table := NewSignalTable(8)
	pool := NewSignalPool(table, 8)
	pool.Initialize(table.Handles())

	handles := make([]SignalHandle, 0, 8)
	for i := 0; i < 8; i++ {
		h := pool.TryAcquire(3)
		if h == NullSignal {
			t.Fatalf("acquire %d returned null with capacity remaining", i)
		}
		if got := table.Resolve(h).Load(OrderAcquire); got != 3 {
			t.Errorf("initial value = %d, want 3", got)
		}
		handles = append(handles, h)
	}
	if h := pool.TryAcquire(0); h != NullSignal {
		t.Fatalf("acquire on empty pool returned %d", h)
	}

	pool.Release(handles[0])
	if h := pool.TryAcquire(1); h != handles[0] {
		t.Errorf("reacquire = %d, want recycled %d", h, handles[0])
	}
}

func TestSignalPoolReleaseNullIsNoop(t *testing.T) {
	table := NewSignalTable(2)
	pool := NewSignalPool(table, 2)
	pool.Initialize(table.Handles())
	pool.Release(NullSignal)
	if pool.TryAcquire(0) == NullSignal || pool.TryAcquire(0) == NullSignal {
		t.Fatal("pool lost capacity")
	}
	if pool.TryAcquire(0) != NullSignal {
		t.Fatal("null release added phantom capacity")
	}
}

func TestSignalWaitCondition(t *testing.T) {
	table := NewSignalTable(1)
	s := table.Resolve(1)
	s.Store(2, OrderRelease)

	done := make(chan SignalValue, 1)
	go func() {
		done <- s.Wait(ConditionEQ, 0, OrderAcquire)
	}()
	s.Subtract(1, OrderRelease)
	s.Subtract(1, OrderRelease)
	if v := <-done; v != 0 {
		t.Errorf("wait returned %d, want 0", v)
	}
}

func BenchmarkRingEnqueueDequeue(b *testing.B) {
	r := NewUint64Ring(1024)
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			r.Enqueue(1)
			r.Dequeue()
		}
	})
}

func BenchmarkSignalPoolCycle(b *testing.B) {
	table := NewSignalTable(256)
	pool := NewSignalPool(table, 256)
	pool.Initialize(table.Handles())
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h := pool.TryAcquire(1)
		pool.Release(h)
	}
}
