// Package host carries the device->host control plane: a unidirectional
// agent-dispatch soft queue the device posts to and the host-side service
// loop that drains it.
package host

import "github.com/aqlrun/aqlrun/internal/hsa"

// Call is the agent-dispatch type field selecting the host routine.
type Call uint16

const (
	CallPoolGrow Call = iota
	CallPoolTrim
	CallPostRelease
	CallPostError
	CallPostSignal
	CallPostTraceFlush
)

// Device-originated error codes carried by PostError.
const (
	ErrorCodeExhausted uint64 = 1
	ErrorCodeMalformed uint64 = 2
)

// Resource kinds reported with ErrorCodeExhausted.
const (
	ResourceSignalPool uint64 = iota + 1
	ResourceWakePool
	ResourceKernargs
	ResourceDeviceMemory
)

// Channel is the device-side producer half of the host queue. Posts acquire
// and release at system scope so the host observes any prior device writes.
type Channel struct {
	queue   *hsa.Queue
	signals *hsa.SignalTable
}

// NewChannel wraps the host soft queue.
func NewChannel(queue *hsa.Queue, signals *hsa.SignalTable) *Channel {
	return &Channel{queue: queue, signals: signals}
}

// Queue exposes the underlying soft queue for the service loop.
func (c *Channel) Queue() *hsa.Queue { return c.queue }

// Post enqueues one agent-dispatch packet. Reserves a slot, spins while the
// host is behind, populates the payload, then publishes the header with
// release order at system scope and rings the doorbell.
func (c *Channel) Post(call Call, returnAddress uint64, arg0, arg1, arg2, arg3 uint64, completion hsa.SignalHandle) {
	packetID := c.queue.AddWriteIndex(1, hsa.OrderRelaxed)
	for packetID-c.queue.LoadReadIndex(hsa.OrderAcquire) >= c.queue.Size() {
		hsa.Yield()
	}
	pkt := c.queue.PacketAt(packetID)

	d := hsa.AgentDispatchPacket{
		ReturnAddress:    returnAddress,
		Args:             [4]uint64{arg0, arg1, arg2, arg3},
		CompletionSignal: completion,
	}
	d.EmplaceBody(pkt)

	// Barrier bit: posts execute back-to-back on the host thread today.
	header := hsa.MakeHeader(hsa.PacketTypeAgentDispatch, true, hsa.FenceScopeSystem, hsa.FenceScopeSystem)
	pkt.Publish(header, uint16(call), hsa.OrderRelease, hsa.ScopeSystem)

	c.queue.SignalDoorbell(packetID)
}

// PostPoolGrow asks the host to grow the device pool by at least size bytes.
// The completion signal fires once the growth is visible.
func (c *Channel) PostPoolGrow(pool uint64, size uint64, minAlignment uint32, completion hsa.SignalHandle) {
	c.Post(CallPoolGrow, 0, pool, 0, size, uint64(minAlignment), completion)
}

// PostRelease transfers up to four resource references back to the host.
func (c *Channel) PostRelease(resource0, resource1, resource2, resource3 uint64, completion hsa.SignalHandle) {
	c.Post(CallPostRelease, 0, resource0, resource1, resource2, resource3, completion)
}

// PostError reports a device-fatal condition. After this the device is
// considered lost; there is no completion signal to wait on.
func (c *Channel) PostError(code, arg0, arg1 uint64) {
	c.Post(CallPostError, 0, 0, code, arg0, arg1, hsa.NullSignal)
}

// PostSignal notifies host listeners that a semaphore reached a payload.
// Ordering is not guaranteed; the host must tolerate stale notifications.
func (c *Channel) PostSignal(semaphore uint64, payload uint64) {
	c.Post(CallPostSignal, 0, semaphore, payload, 0, 0, hsa.NullSignal)
}

// PostTraceFlush asks the host to drain the committed span of a trace ring.
func (c *Channel) PostTraceFlush(traceBuffer uint64, completion hsa.SignalHandle) {
	c.Post(CallPostTraceFlush, 0, traceBuffer, 0, 0, 0, completion)
}
