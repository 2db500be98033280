package layout

// Permission is the access class of a page mapping. It is passed through to
// the platform's mapping service and is otherwise opaque to this package.
type Permission uint32

const (
	PermissionKernelRead Permission = iota
	PermissionKernelReadWrite
	PermissionKernelExecute
)

// MemoryType is the cacheability class of a page mapping.
type MemoryType uint32

const (
	MemoryTypeNormal MemoryType = iota
	MemoryTypeDevice
)

// Shareability is the coherence domain of a page mapping.
type Shareability uint32

const (
	ShareabilityNonShareable Shareability = iota
	ShareabilityOuterShareable
	ShareabilityInnerShareable
)

// MapAttributes bundles the page attributes handed to PageMapper.Map. The
// layout builder only ever passes these through.
type MapAttributes struct {
	Permission   Permission
	MemoryType   MemoryType
	Shareability Shareability
}

// KernelRWDataAttributes is the attribute set used for kernel-private data
// mappings such as the core-local region.
var KernelRWDataAttributes = MapAttributes{
	Permission:   PermissionKernelReadWrite,
	MemoryType:   MemoryTypeNormal,
	Shareability: ShareabilityInnerShareable,
}

// PageAllocator hands out zero-initialized physical pages during boot. It
// aborts rather than failing: page exhaustion at this stage is a
// configuration error with no recovery path.
type PageAllocator interface {
	// Allocate returns the physical address of one zeroed page.
	Allocate() uint64
}

// PageMapper is the platform's page-table mapping service. Its mechanics
// are out of scope here; the layout builder only directs which table maps
// what.
type PageMapper interface {
	// KernelTableRoot returns the physical address of the boot page table's
	// top-level table.
	KernelTableRoot() uint64
	// CloneTableRoot copies the top-level table at source into the zeroed
	// page at destination, giving a secondary core its own table root.
	CloneTableRoot(destination, source uint64)
	// Map maps [virtualAddress, virtualAddress+size) to physicalAddress in
	// the table rooted at tableRoot, taking intermediate table pages from
	// allocator as needed.
	Map(tableRoot, virtualAddress, size, physicalAddress uint64, attributes MapAttributes, allocator PageAllocator)
}

// CoreInitArguments is the per-core bootstrap record consumed by each
// secondary core's early-boot path.
type CoreInitArguments struct {
	// CoreLocalDataAddress is the physical address of the core's local data
	// page.
	CoreLocalDataAddress uint64
	// TableRootAddress is the physical address of the core's top-level page
	// table.
	TableRootAddress uint64
}

// InitArgumentsSink receives the per-core bootstrap records. Store is the
// cache-visibility flush: secondary cores read the records with caches
// disabled, so they must reach memory before any core is released.
type InitArgumentsSink interface {
	SetInitArguments(core int, arguments CoreInitArguments)
	StoreInitArguments()
}
