package cmdbuf

// InvalidQueryID marks a command that does not use a trace query.
const InvalidQueryID uint16 = 0xFFFF

// CommandQueryID holds the block-relative trace query IDs for one command:
// one used in control-trace mode and one in dispatch-trace mode. Both are
// offsets added to the query ring base acquired when the block is issued.
type CommandQueryID struct {
	ControlID  uint16
	DispatchID uint16
}

// QueryMap sizes and maps the query IDs a block consumes per trace mode.
type QueryMap struct {
	MaxControlQueryCount  uint16
	MaxDispatchQueryCount uint16
	// QueryIDs has one entry per command.
	QueryIDs []CommandQueryID
}

// Block is a contiguous immutable span of commands issued as one parallel
// translation. Blocks may execute concurrently and repeatedly because all
// per-execution mutable state lives elsewhere.
type Block struct {
	// MaxPacketCount is the number of queue slots reserved for one execution
	// of the block. The recorder sets it to the sum of the commands' packet
	// counts, so every reserved slot belongs to a command and is published by
	// that command's issue; no padding packets are emitted.
	MaxPacketCount uint32
	CommandCount   uint32
	QueryMap       QueryMap
	Commands       []CmdRecord
	// EmbeddedData holds out-of-band binding refs, constants, and spilled
	// event lists referenced by command offsets.
	EmbeddedData []byte
}

// CommandBuffer is a recorded program of one or more blocks. Execution
// starts at block 0 and follows branch/return commands. The bytes are never
// mutated after recording.
type CommandBuffer struct {
	// MaxKernargCapacity is the kernarg scratch required by the largest
	// block. Only one block executes at a time so the storage is overlaid.
	MaxKernargCapacity uint32
	// EventCount is the number of distinct event ordinals used anywhere in
	// the buffer; each execution binds them to freshly acquired signals.
	EventCount uint32
	Blocks     []*Block
}
