package layout

import (
	"fmt"

	"github.com/dolthub/swiss"

	"github.com/addrspace/memlayout/memcore"
)

// PageMapping is one page-granular mapping recorded by PageTableRecorder.
type PageMapping struct {
	PhysicalAddress uint64
	Attributes      MapAttributes
}

type recordedTable struct {
	mappings *swiss.Map[uint64, PageMapping]
}

// PageTableRecorder is a PageMapper that records mappings per table root
// instead of editing hardware tables. It backs the boot flow in tests and
// on hosts with no paging hardware of their own.
type PageTableRecorder struct {
	kernelRoot uint64
	tables     *swiss.Map[uint64, *recordedTable]
}

func NewPageTableRecorder(kernelRoot uint64) *PageTableRecorder {
	r := &PageTableRecorder{
		kernelRoot: kernelRoot,
		tables:     swiss.NewMap[uint64, *recordedTable](8),
	}
	r.tables.Put(memcore.AlignDown(kernelRoot, PageSize), &recordedTable{
		mappings: swiss.NewMap[uint64, PageMapping](64),
	})
	return r
}

func (r *PageTableRecorder) KernelTableRoot() uint64 { return r.kernelRoot }

func (r *PageTableRecorder) CloneTableRoot(destination, source uint64) {
	sourceTable, ok := r.tables.Get(source)
	if !ok {
		panic(fmt.Sprintf("cloning from unknown table root %#x", source))
	}

	clone := &recordedTable{mappings: swiss.NewMap[uint64, PageMapping](uint32(sourceTable.mappings.Count()) + 64)}
	sourceTable.mappings.Iter(func(virtualPage uint64, mapping PageMapping) bool {
		clone.mappings.Put(virtualPage, mapping)
		return false
	})
	r.tables.Put(destination, clone)
}

func (r *PageTableRecorder) Map(tableRoot, virtualAddress, size, physicalAddress uint64, attributes MapAttributes, allocator PageAllocator) {
	if !memcore.IsAligned(virtualAddress, PageSize) || !memcore.IsAligned(physicalAddress, PageSize) || !memcore.IsAligned(size, PageSize) {
		panic(fmt.Sprintf("mapping %#x -> %#x with size %#x is not page aligned", virtualAddress, physicalAddress, size))
	}

	table, ok := r.tables.Get(memcore.AlignDown(tableRoot, PageSize))
	if !ok {
		panic(fmt.Sprintf("mapping into unknown table root %#x", tableRoot))
	}

	for offset := uint64(0); offset < size; offset += PageSize {
		table.mappings.Put(virtualAddress+offset, PageMapping{
			PhysicalAddress: physicalAddress + offset,
			Attributes:      attributes,
		})
	}
}

// Lookup returns the mapping recorded for virtualAddress's page in the table
// rooted at tableRoot.
func (r *PageTableRecorder) Lookup(tableRoot, virtualAddress uint64) (PageMapping, bool) {
	table, ok := r.tables.Get(memcore.AlignDown(tableRoot, PageSize))
	if !ok {
		return PageMapping{}, false
	}
	return table.mappings.Get(memcore.AlignDown(virtualAddress, PageSize))
}

// MappingCount returns the number of pages mapped in the table rooted at
// tableRoot.
func (r *PageTableRecorder) MappingCount(tableRoot uint64) int {
	table, ok := r.tables.Get(memcore.AlignDown(tableRoot, PageSize))
	if !ok {
		return 0
	}
	return table.mappings.Count()
}

// SequentialPageAllocator hands out pages from a fixed physical range, low
// to high, and aborts when the range runs out.
type SequentialPageAllocator struct {
	start uint64
	next  uint64
	last  uint64
}

func NewSequentialPageAllocator(rangeStart, rangeSize uint64) *SequentialPageAllocator {
	if !memcore.IsAligned(rangeStart, PageSize) || rangeSize == 0 || !memcore.IsAligned(rangeSize, PageSize) {
		panic(fmt.Sprintf("page allocator range %#x+%#x is not page aligned", rangeStart, rangeSize))
	}
	return &SequentialPageAllocator{start: rangeStart, next: rangeStart, last: rangeStart + rangeSize - 1}
}

func (a *SequentialPageAllocator) Allocate() uint64 {
	if a.next > a.last {
		panic("page allocator range exhausted")
	}
	page := a.next
	a.next += PageSize
	return page
}

// AllocatedBytes returns how much of the range has been handed out.
func (a *SequentialPageAllocator) AllocatedBytes() uint64 {
	return a.next - a.start
}
