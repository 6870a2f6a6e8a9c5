package hsa

// KernelFunc is the executable behind an opaque kernel object handle. The
// packet processor invokes it with the dispatch grid and the kernarg address
// from the packet. Work-item decomposition is the kernel's own business.
type KernelFunc func(grid [3]uint32, kernargAddress uint64)

// KernelArgs is the dispatch template captured for a kernel object: the
// fields of a kernel dispatch packet that do not vary per dispatch.
type KernelArgs struct {
	Object             uint64
	Setup              uint16
	WorkgroupSize      [3]uint16
	PrivateSegmentSize uint32
	GroupSegmentSize   uint32
}

// KernelRegistry maps opaque kernel object handles to their functions.
// Registration happens during bring-up before any queue is processed; the
// lookup path is read-only and lock-free.
type KernelRegistry struct {
	names   []string
	kernels []KernelFunc
}

// NewKernelRegistry creates an empty registry.
func NewKernelRegistry() *KernelRegistry {
	return &KernelRegistry{}
}

// Register adds a kernel and returns its template with the assigned object
// handle and a 1x1x1 workgroup.
func (r *KernelRegistry) Register(name string, fn KernelFunc) KernelArgs {
	r.names = append(r.names, name)
	r.kernels = append(r.kernels, fn)
	return KernelArgs{
		Object:        uint64(len(r.kernels)),
		Setup:         3, // three grid dimensions
		WorkgroupSize: [3]uint16{1, 1, 1},
	}
}

// Resolve returns the function for a kernel object handle, or nil if the
// handle is unknown.
func (r *KernelRegistry) Resolve(object uint64) KernelFunc {
	if object == 0 || object > uint64(len(r.kernels)) {
		return nil
	}
	return r.kernels[object-1]
}

// Name returns the registered name for diagnostics.
func (r *KernelRegistry) Name(object uint64) string {
	if object == 0 || object > uint64(len(r.names)) {
		return "<invalid>"
	}
	return r.names[object-1]
}
