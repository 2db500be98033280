package layout

import (
	"fmt"

	"golang.org/x/exp/slog"

	"github.com/addrspace/memlayout/region"
)

// PairLinearRegions records that the physical range
// [physicalStart, physicalStart+size) is linearly mapped at virtualStart,
// assigning pair addresses to every physical region inside the range and to
// every virtual region inside its virtual counterpart. Later splits keep the
// pairing consistent on their own; this is the one place pairings originate.
func (s *State) PairLinearRegions(physicalStart, virtualStart, size uint64) {
	if size == 0 || physicalStart+size-1 < physicalStart || virtualStart+size-1 < virtualStart {
		panic(fmt.Sprintf("linear mapping of %#x bytes at physical %#x / virtual %#x is empty or wraps", size, physicalStart, virtualStart))
	}

	physicalLast := physicalStart + size - 1
	virtualLast := virtualStart + size - 1

	_ = s.physical.VisitAllRegions(func(r *region.Region) error {
		if r.Address() >= physicalStart && r.LastAddress() <= physicalLast {
			r.SetPairAddress(r.Address() - physicalStart + virtualStart)
		}
		return nil
	})

	_ = s.virtual.VisitAllRegions(func(r *region.Region) error {
		if r.Address() >= virtualStart && r.LastAddress() <= virtualLast {
			r.SetPairAddress(r.Address() - virtualStart + physicalStart)
		}
		return nil
	})
}

// InitializeLinearMemoryRegionTrees records the constant offsets of the
// linear mapping and snapshots the relevant subsets of both base trees: the
// linear-mapped physical regions and the DRAM-derived virtual regions. The
// base trees must have stabilized; the snapshots are built once and give
// iteration over only the linearly mapped subset without rescanning the
// full trees.
func (s *State) InitializeLinearMemoryRegionTrees(alignedLinearPhysStart, linearVirtualStart uint64) {
	s.linearPhysToVirtDiff = linearVirtualStart - alignedLinearPhysStart
	s.linearVirtToPhysDiff = alignedLinearPhysStart - linearVirtualStart

	_ = s.physical.VisitAllRegions(func(r *region.Region) error {
		if !r.IsLinearMapped() {
			return nil
		}
		s.physicalLinear.InsertDirectly(r.Address(), r.Size(), r.PairAddress(), r.Attributes(), r.Type())
		return nil
	})

	_ = s.virtual.VisitAllRegions(func(r *region.Region) error {
		if !r.IsDerivedFrom(region.TypeDram) {
			return nil
		}
		s.virtualLinear.InsertDirectly(r.Address(), r.Size(), r.PairAddress(), r.Attributes(), r.Type())
		return nil
	})

	s.logger.Debug("initialized linear region trees",
		slog.String("PhysToVirtDiff", fmt.Sprintf("%#x", s.linearPhysToVirtDiff)),
		slog.Int("PhysicalLinearRegions", s.physicalLinear.Count()),
		slog.Int("VirtualLinearRegions", s.virtualLinear.Count()))
}
