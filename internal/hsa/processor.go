package hsa

import "sync/atomic"

// AgentDispatchHandler services agent dispatch packets on queues owned by a
// software agent.
type AgentDispatchHandler func(pkt AgentDispatchPacket)

// Processor emulates the hardware command processor for one queue. It
// launches packets in order, stalls on INVALID headers, honors the barrier
// bit and barrier packets, and decrements completion signals as packets
// retire. Packets may complete out of order; the barrier bit is the only
// in-queue ordering mechanism.
type Processor struct {
	queue   *Queue
	signals *SignalTable
	kernels *KernelRegistry
	agent   AgentDispatchHandler

	profiling bool

	started atomic.Bool
	stopped atomic.Bool
	done    chan struct{}

	// Completion channels of launched-but-unretired packets, scanned when a
	// barrier bit requires all prior work to drain.
	inflight []chan struct{}
}

// NewProcessor creates a processor for the queue. The agent handler may be
// nil for pure hardware queues.
func NewProcessor(queue *Queue, signals *SignalTable, kernels *KernelRegistry, agent AgentDispatchHandler) *Processor {
	return &Processor{
		queue:     queue,
		signals:   signals,
		kernels:   kernels,
		agent:     agent,
		profiling: true,
		done:      make(chan struct{}),
	}
}

// Start launches the processing loop.
func (p *Processor) Start() {
	if p.started.Swap(true) {
		return
	}
	go p.run()
}

// Stop requests shutdown and waits for the loop to exit. Packets already
// launched are allowed to finish.
func (p *Processor) Stop() {
	p.stopped.Store(true)
	if !p.started.Load() {
		return
	}
	<-p.done
	p.drainInflight()
}

func (p *Processor) run() {
	defer close(p.done)
	readIndex := p.queue.LoadReadIndex(OrderRelaxed)
	for {
		// Wait for a packet to be submitted.
		for readIndex == p.queue.LoadWriteIndex(OrderAcquire) {
			if p.stopped.Load() {
				return
			}
			Yield()
		}

		pkt := p.queue.PacketAt(readIndex)

		// Stall on INVALID until the producer (or a fixup kernel) publishes
		// the packet.
		var header, rest uint16
		for {
			header, rest = pkt.Control(OrderAcquire)
			if HeaderType(header) != PacketTypeInvalid {
				break
			}
			if p.stopped.Load() {
				return
			}
			Yield()
		}

		if HeaderBarrier(header) {
			p.drainInflight()
		}

		p.launch(header, rest, pkt)

		// Slot is released once the packet has launched; reset it so the
		// reserve-write-publish contract holds for the next lap of the ring.
		pkt.Invalidate()
		readIndex++
		p.queue.StoreReadIndex(readIndex, OrderRelease)
	}
}

func (p *Processor) launch(header uint16, rest uint16, pkt *Packet) {
	switch HeaderType(header) {
	case PacketTypeKernelDispatch:
		d := DecodeKernelDispatch(pkt)
		d.Setup = rest
		p.launchKernel(d)
	case PacketTypeBarrierAnd:
		d := DecodeBarrier(pkt)
		if p.waitBarrierAnd(d) {
			p.complete(d.CompletionSignal, 0)
		}
	case PacketTypeBarrierOr:
		d := DecodeBarrier(pkt)
		if p.waitBarrierOr(d) {
			p.complete(d.CompletionSignal, 0)
		}
	case PacketTypeAgentDispatch:
		d := DecodeAgentDispatch(pkt)
		d.Type = rest
		if p.agent != nil {
			p.agent(d)
		}
		p.complete(d.CompletionSignal, 0)
	case PacketTypeVendor:
		// Vendor packets are agent-specific; we have none and treat them as
		// retired no-ops.
	}
}

func (p *Processor) launchKernel(d KernelDispatchPacket) {
	fn := p.kernels.Resolve(d.KernelObject)
	done := make(chan struct{})
	p.inflight = append(p.inflight, done)
	go func() {
		defer close(done)
		start := Timestamp()
		if fn != nil {
			fn(d.GridSize, d.KernargAddress)
		}
		p.complete(d.CompletionSignal, start)
	}()
}

// complete decrements the completion signal and, when profiling, stamps the
// active-phase timestamps on it.
func (p *Processor) complete(handle SignalHandle, start Tick) {
	signal := p.signals.Resolve(handle)
	if signal == nil {
		return
	}
	if p.profiling {
		if start != 0 {
			signal.SetStartTS(start)
		}
		signal.SetEndTS(Timestamp())
	}
	signal.Subtract(1, OrderRelease)
}

// waitBarrierAnd blocks until all dependent signals reach 0 at the same
// time. Null handles are ignored. Returns false when shutdown interrupted
// the wait; the completion signal is then left untouched.
func (p *Processor) waitBarrierAnd(d BarrierPacket) bool {
	for {
		satisfied := true
		for _, dep := range d.DepSignals {
			signal := p.signals.Resolve(dep)
			if signal == nil {
				continue
			}
			if signal.Load(OrderAcquire) != 0 {
				satisfied = false
				break
			}
		}
		if satisfied {
			return true
		}
		if p.stopped.Load() {
			return false
		}
		Yield()
	}
}

// waitBarrierOr blocks until any one dependent signal reaches 0. A packet
// with only null handles is treated as satisfied.
func (p *Processor) waitBarrierOr(d BarrierPacket) bool {
	for {
		any := false
		for _, dep := range d.DepSignals {
			signal := p.signals.Resolve(dep)
			if signal == nil {
				continue
			}
			any = true
			if signal.Load(OrderAcquire) == 0 {
				return true
			}
		}
		if !any {
			return true
		}
		if p.stopped.Load() {
			return false
		}
		Yield()
	}
}

func (p *Processor) drainInflight() {
	for _, done := range p.inflight {
		<-done
	}
	p.inflight = p.inflight[:0]
}
