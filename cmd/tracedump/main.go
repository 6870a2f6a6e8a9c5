// tracedump decodes LZ4-framed trace batches written by the host agent and
// prints the event stream.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/aqlrun/aqlrun/internal/compression"
	"github.com/aqlrun/aqlrun/internal/trace"
)

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: tracedump <trace-file>\n")
		os.Exit(2)
	}

	f, err := os.Open(flag.Arg(0))
	if err != nil {
		log.Fatalf("Failed to open trace file: %v", err)
	}
	defer f.Close()

	frames := 0
	events := 0
	for {
		executorID, data, err := compression.ReadFrame(f)
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatalf("Frame %d: %v", frames, err)
		}
		frames++
		for len(data) > 0 {
			event, n, err := trace.DecodeEvent(data)
			if err != nil {
				log.Fatalf("Frame %d event %d: %v", frames, events, err)
			}
			data = data[n:]
			events++
			printEvent(executorID, event)
		}
	}
	fmt.Printf("%d frames, %d events\n", frames, events)
}

func printEvent(executorID uint32, e trace.Event) {
	switch e.Type {
	case trace.EventZoneBegin:
		fmt.Printf("[%d] %12d zone_begin src=%#x\n", executorID, e.Timestamp, e.SrcLoc)
	case trace.EventZoneEnd:
		fmt.Printf("[%d] %12d zone_end\n", executorID, e.Timestamp)
	case trace.EventZoneValueI64:
		fmt.Printf("[%d]              zone_value %d\n", executorID, e.Value)
	case trace.EventZoneValueTextLiteral:
		fmt.Printf("[%d]              zone_text ptr=%#x\n", executorID, e.Text)
	case trace.EventZoneValueTextDynamic:
		fmt.Printf("[%d]              zone_text %q\n", executorID, e.Bytes)
	case trace.EventPlotConfig:
		fmt.Printf("[%d]              plot_config name=%#x type=%d\n", executorID, e.Name, e.PlotType)
	case trace.EventPlotValueI64:
		fmt.Printf("[%d] %12d plot name=%#x value=%d\n", executorID, e.Timestamp, e.Name, e.Value)
	case trace.EventExecutionZoneBegin:
		fmt.Printf("[%d] %12d exec_zone_begin executor=%d query=%d\n", executorID, e.Timestamp, e.ExecutorID, e.QueryID)
	case trace.EventExecutionZoneEnd:
		fmt.Printf("[%d] %12d exec_zone_end executor=%d query=%d\n", executorID, e.Timestamp, e.ExecutorID, e.QueryID)
	case trace.EventExecutionZoneNotify:
		fmt.Printf("[%d] %12d exec_zone_notify executor=%d query=%d\n", executorID, e.Timestamp, e.ExecutorID, e.QueryID)
	case trace.EventExecutionZoneNotifyBatch:
		fmt.Printf("[%d]              exec_zone_notify_batch executor=%d base=%d queries=%d\n", executorID, e.ExecutorID, e.QueryID, e.QueryCount)
	case trace.EventExecutionZoneDispatch:
		fmt.Printf("[%d]              exec_zone_dispatch executor=%d query=%d ordinal=%d\n", executorID, e.ExecutorID, e.QueryID, e.Ordinal)
	case trace.EventMemoryAlloc:
		fmt.Printf("[%d] %12d alloc ptr=%#x size=%d\n", executorID, e.Timestamp, e.Ptr, e.Size)
	case trace.EventMemoryFree:
		fmt.Printf("[%d] %12d free ptr=%#x\n", executorID, e.Timestamp, e.Ptr)
	case trace.EventMessageLiteral:
		fmt.Printf("[%d] %12d message ptr=%#x\n", executorID, e.Timestamp, e.Text)
	case trace.EventMessageDynamic:
		fmt.Printf("[%d] %12d message %q\n", executorID, e.Timestamp, e.Bytes)
	default:
		fmt.Printf("[%d]              event type=%d\n", executorID, e.Type)
	}
}
