package layout

import (
	"fmt"

	"golang.org/x/exp/slog"

	"github.com/addrspace/memlayout/memcore"
	"github.com/addrspace/memlayout/region"
)

// placementMaxAttempts bounds the outer placement loop; the tree's own
// rejection sampling is bounded separately.
const placementMaxAttempts = 1 << 16

// getCoreLocalRegionVirtualAddress draws randomized placements for the
// core-local region until one fits entirely inside a single unassigned
// region without crossing a bounds-alignment boundary. The extra guard page
// on each side of the drawn window is excluded from the returned address.
func (s *State) getCoreLocalRegionVirtualAddress() uint64 {
	sizeWithGuards := coreLocalRegionSizeWithGuards(s.config.NumCores)

	for attempt := 0; attempt < placementMaxAttempts; attempt++ {
		start := s.virtual.GetRandomAlignedRegion(sizeWithGuards, CoreLocalRegionAlign, region.TypeNone, s.random)
		last := start + sizeWithGuards - 1

		containing := s.virtual.FindContaining(start)
		if containing.Type() != region.TypeNone {
			continue
		}
		if memcore.AlignDown(last, CoreLocalRegionBoundsAlign) != memcore.AlignDown(start, CoreLocalRegionBoundsAlign) {
			continue
		}
		if containing.Address() > memcore.AlignDown(start, CoreLocalRegionBoundsAlign) {
			continue
		}
		if memcore.AlignUp(last, CoreLocalRegionBoundsAlign)-1 > containing.LastAddress() {
			continue
		}

		return start + PageSize
	}

	panic(fmt.Sprintf("could not place the core-local region after %d attempts", placementMaxAttempts))
}

// SetupCoreLocalRegionMemoryRegions reserves a randomized virtual window for
// the per-core data pages, gives every core its own table root cloned from
// the kernel's, and maps the window into each root. Core i sees its own
// table root at the first page of the window and core j's root at page j+1,
// so any core can edit any other core's tables through its own window.
func (s *State) SetupCoreLocalRegionMemoryRegions(mapper PageMapper, pages PageAllocator, sink InitArgumentsSink) {
	numCores := s.config.NumCores
	regionSize := CoreLocalRegionSize(numCores)

	start := s.getCoreLocalRegionVirtualAddress()
	if !s.virtual.Insert(start, regionSize, region.TypeCoreLocal, 0, 0) {
		panic(fmt.Sprintf("failed to insert core-local region at virtual %#x with size %#x", start, regionSize))
	}
	s.coreLocalVirtualStart = start

	corePhysical := make([]uint64, numCores)
	for i := range corePhysical {
		corePhysical[i] = pages.Allocate()
	}

	tableRoots := make([]uint64, numCores)
	tableRoots[0] = memcore.AlignDown(mapper.KernelTableRoot(), PageSize)
	for i := 1; i < numCores; i++ {
		tableRoots[i] = pages.Allocate()
		mapper.CloneTableRoot(tableRoots[i], tableRoots[0])
	}

	for i := 0; i < numCores; i++ {
		mapper.Map(tableRoots[i], start, PageSize, tableRoots[i], KernelRWDataAttributes, pages)
		for j := 0; j < numCores; j++ {
			mapper.Map(tableRoots[i], start+uint64(j+1)*PageSize, PageSize, tableRoots[j], KernelRWDataAttributes, pages)
		}

		s.initArguments[i] = CoreInitArguments{
			CoreLocalDataAddress: corePhysical[i],
			TableRootAddress:     tableRoots[i],
		}
		sink.SetInitArguments(i, s.initArguments[i])
	}
	sink.StoreInitArguments()

	s.logger.Debug("placed core-local region",
		slog.String("VirtualStart", fmt.Sprintf("%#x", start)),
		slog.Int("NumCores", numCores))
}
