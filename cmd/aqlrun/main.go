package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/aqlrun/aqlrun/internal/cmdbuf"
	"github.com/aqlrun/aqlrun/internal/config"
	"github.com/aqlrun/aqlrun/internal/hsa"
	"github.com/aqlrun/aqlrun/internal/sched"
)

func main() {
	configPath := flag.String("config", "", "YAML config path (defaults apply if empty)")
	traceOut := flag.String("trace-out", "", "File to receive LZ4-framed trace batches")
	traceMode := flag.String("trace-mode", "", "Override trace mode: off, control, dispatch")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	if *traceMode != "" {
		cfg.TraceMode = *traceMode
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	var traceSink io.Writer
	if *traceOut != "" {
		f, err := os.Create(*traceOut)
		if err != nil {
			log.Fatalf("Failed to create trace output: %v", err)
		}
		defer f.Close()
		traceSink = f
	}

	dev, err := sched.NewDevice(cfg, traceSink)
	if err != nil {
		log.Fatalf("Failed to bring up device: %v", err)
	}
	dev.Start()
	defer dev.Stop()

	fmt.Printf("aqlrun - AQL queue scheduler demo\n")
	fmt.Printf("Trace mode: %s\n", cfg.TraceMode)

	// A kernel doubling a uint32 buffer in place: kernargs are
	// [buffer_addr, element_count constant].
	double := dev.RegisterKernel("double_u32", func(grid [3]uint32, kernargAddr uint64) {
		buffer := dev.Memory.U64(kernargAddr)
		count := dev.Memory.U32(kernargAddr + 8)
		for i := uint32(0); i < count; i++ {
			addr := buffer + uint64(i)*4
			dev.Memory.PutU32(addr, dev.Memory.U32(addr)*2)
		}
	})
	kernels := []hsa.KernelArgs{double}

	const elements = 1024
	dataAddr, err := dev.Memory.Alloc(elements*4, 64)
	if err != nil {
		log.Fatalf("Failed to allocate data buffer: %v", err)
	}
	workgroupsAddr, err := dev.Memory.Alloc(12, 4)
	if err != nil {
		log.Fatalf("Failed to allocate workgroup count: %v", err)
	}
	dev.Memory.PutU32(workgroupsAddr, elements)
	dev.Memory.PutU32(workgroupsAddr+4, 1)
	dev.Memory.PutU32(workgroupsAddr+8, 1)

	// Record: fill the buffer with 0x01 bytes, double it twice (the second
	// via a dynamic indirect dispatch), then return.
	r := cmdbuf.NewRecorder()
	r.FillBuffer(0, cmdbuf.MakeBufferRef(cmdbuf.BufferRefPtr, 0, elements*4, dataAddr), 0x01010101, 4)
	r.Barrier(0)
	r.Dispatch(cmdbuf.DispatchParams{
		Flags:         cmdbuf.CmdFlagQueueAwaitBarrier,
		KernelOrdinal: 0,
		GridSize:      [3]uint32{elements, 1, 1},
		Bindings:      []cmdbuf.BufferRef{cmdbuf.MakeBufferRef(cmdbuf.BufferRefPtr, 0, elements*4, dataAddr)},
		Constants:     []uint32{elements},
	})
	r.Barrier(0)
	r.Dispatch(cmdbuf.DispatchParams{
		Flags:         cmdbuf.CmdFlagQueueAwaitBarrier,
		DispatchFlags: cmdbuf.DispatchFlagIndirectDynamic,
		KernelOrdinal: 0,
		WorkgroupsRef: cmdbuf.MakeWorkgroupCountRef(cmdbuf.BufferRefPtr, 0, workgroupsAddr),
		Bindings:      []cmdbuf.BufferRef{cmdbuf.MakeBufferRef(cmdbuf.BufferRefPtr, 0, elements*4, dataAddr)},
		Constants:     []uint32{elements},
	})
	r.Return()
	cb, err := r.Finalize()
	if err != nil {
		log.Fatalf("Failed to record command buffer: %v", err)
	}

	done := dev.NewSemaphore()
	dev.Scheduler.Enqueue(&sched.QueueEntry{
		Type:           sched.EntryExecute,
		CommandBuffer:  cb,
		Kernels:        kernels,
		ExecutionFlags: sched.ExecutionFlagsFromMode(cfg.TraceMode),
		Signals:        []sched.SemaphoreOp{{Semaphore: done, Payload: 1}},
	})

	for done.Payload() < 1 {
		if err := dev.Agent.Err(); err != nil {
			log.Fatalf("Device error: %v", err)
		}
		hsa.Yield()
	}

	// Every byte started at 0x01 and was doubled twice.
	expect := uint32(0x04040404)
	mismatches := 0
	for i := uint32(0); i < elements; i++ {
		if got := dev.Memory.U32(dataAddr + uint64(i)*4); got != expect {
			mismatches++
		}
	}
	fmt.Printf("Executed %d commands across %d block(s)\n", cb.Blocks[0].CommandCount, len(cb.Blocks))
	fmt.Printf("Verified %d elements, %d mismatches\n", elements, mismatches)
	if mismatches > 0 {
		os.Exit(1)
	}
}
