package layout

import (
	"fmt"

	"golang.org/x/exp/slog"

	"github.com/addrspace/memlayout/memcore"
	"github.com/addrspace/memlayout/region"
)

// insertPoolPartitionRegionIntoBothTrees inserts one pool into the physical
// tree under the next value of the shared attribute counter, then finds the
// just-inserted physical region and inserts the virtual counterpart at its
// pair address with the same attribute. Going through the pair address,
// rather than recomputing the linear offset, keeps the two trees consistent
// by construction.
func (s *State) insertPoolPartitionRegionIntoBothTrees(start, size uint64, physType, virtType region.Type, attr *uint32) {
	attrValue := *attr
	*attr++

	if !s.physical.Insert(start, size, physType, attrValue, 0) {
		panic(fmt.Sprintf("failed to insert %s pool at physical %#x with size %#x", physType, start, size))
	}

	pairAddress := s.physical.FindFirstRegionByTypeAttr(physType, attrValue).PairAddress()
	if pairAddress == region.NoPairAddress {
		panic(fmt.Sprintf("%s pool at physical %#x is not linearly mapped", physType, start))
	}

	if !s.virtual.Insert(pairAddress, size, virtType, attrValue, 0) {
		panic(fmt.Sprintf("failed to insert %s pool at virtual %#x with size %#x", virtType, pairAddress, size))
	}
}

// SetupPoolPartitionMemoryRegions carves the pool-partition range of DRAM
// into the named pools, from the top of DRAM downward: application, applet,
// unsafe (non-secure) system, metadata, and finally the system pool, which
// absorbs everything left above the partition range's start. Each pool lands
// in both the physical and virtual trees.
func (s *State) SetupPoolPartitionMemoryRegions() {
	dramFirst, dramLast := s.physical.GetDerivedRegionExtents(region.TypeDram)

	applicationPoolSize := s.config.ApplicationPoolSize
	appletPoolSize := s.config.AppletPoolSize
	unsafeSystemPoolMinSize := s.config.MinimumNonSecureSystemPoolSize

	kernelDramStart := s.physical.FindFirstDerivedRegion(region.TypeDramKernel).Address()
	if !memcore.IsAligned(kernelDramStart, CarveoutAlignment) {
		panic(fmt.Sprintf("kernel DRAM starts at %#x, which is not aligned to the carveout alignment %#x", kernelDramStart, CarveoutAlignment))
	}

	poolPartitionsStart := s.physical.FindFirstRegionByTypeAttr(region.TypeDramPoolPartition, 0).Address()

	// Pools stack downward from the end of DRAM.
	applicationPoolStart := dramLast.EndAddress() - applicationPoolSize
	appletPoolStart := applicationPoolStart - appletPoolSize

	// The unsafe system pool must reach its minimum size, but the
	// kernel-owned carveout must never extend past CarveoutSizeMax from the
	// start of kernel DRAM.
	unsafeSystemPoolStart := memcore.AlignDown(appletPoolStart-unsafeSystemPoolMinSize, CarveoutAlignment)
	if carveoutLimit := kernelDramStart + CarveoutSizeMax; carveoutLimit < unsafeSystemPoolStart {
		unsafeSystemPoolStart = carveoutLimit
	}
	unsafeSystemPoolSize := appletPoolStart - unsafeSystemPoolStart

	// The application pool is arranged around the middle of DRAM: a pool
	// straddling the midpoint is split there into two separately accounted
	// sub-pools.
	dramMidpoint := (dramFirst.Address() + dramLast.EndAddress()) / 2

	var curPoolAttr uint32
	var totalOverheadSize uint64

	if dramLast.EndAddress() <= dramMidpoint || dramMidpoint <= applicationPoolStart {
		s.insertPoolPartitionRegionIntoBothTrees(applicationPoolStart, applicationPoolSize,
			region.TypeDramApplicationPool, region.TypeVirtualDramApplicationPool, &curPoolAttr)
		totalOverheadSize += CalculateManagementOverheadSize(applicationPoolSize)
	} else {
		firstApplicationPoolSize := dramMidpoint - applicationPoolStart
		secondApplicationPoolSize := applicationPoolStart + applicationPoolSize - dramMidpoint

		s.insertPoolPartitionRegionIntoBothTrees(applicationPoolStart, firstApplicationPoolSize,
			region.TypeDramApplicationPool, region.TypeVirtualDramApplicationPool, &curPoolAttr)
		s.insertPoolPartitionRegionIntoBothTrees(dramMidpoint, secondApplicationPoolSize,
			region.TypeDramApplicationPool, region.TypeVirtualDramApplicationPool, &curPoolAttr)

		totalOverheadSize += CalculateManagementOverheadSize(firstApplicationPoolSize)
		totalOverheadSize += CalculateManagementOverheadSize(secondApplicationPoolSize)
	}

	s.insertPoolPartitionRegionIntoBothTrees(appletPoolStart, appletPoolSize,
		region.TypeDramAppletPool, region.TypeVirtualDramAppletPool, &curPoolAttr)
	totalOverheadSize += CalculateManagementOverheadSize(appletPoolSize)

	s.insertPoolPartitionRegionIntoBothTrees(unsafeSystemPoolStart, unsafeSystemPoolSize,
		region.TypeDramSystemNonSecurePool, region.TypeVirtualDramSystemNonSecurePool, &curPoolAttr)
	totalOverheadSize += CalculateManagementOverheadSize(unsafeSystemPoolSize)

	// The metadata pool covers the bookkeeping for every pool, including
	// the system pool that will occupy whatever the metadata pool does not.
	totalOverheadSize += CalculateManagementOverheadSize((unsafeSystemPoolStart - poolPartitionsStart) - totalOverheadSize)
	metadataPoolStart := unsafeSystemPoolStart - totalOverheadSize
	metadataPoolSize := totalOverheadSize

	var metadataPoolAttr uint32
	s.insertPoolPartitionRegionIntoBothTrees(metadataPoolStart, metadataPoolSize,
		region.TypeDramMetadataPool, region.TypeVirtualDramMetadataPool, &metadataPoolAttr)

	// The system pool absorbs all remaining partition space.
	systemPoolSize := metadataPoolStart - poolPartitionsStart
	s.insertPoolPartitionRegionIntoBothTrees(poolPartitionsStart, systemPoolSize,
		region.TypeDramSystemPool, region.TypeVirtualDramSystemPool, &curPoolAttr)

	s.logger.Debug("carved pool partitions",
		slog.String("PoolPartitionsStart", fmt.Sprintf("%#x", poolPartitionsStart)),
		slog.String("MetadataPoolSize", fmt.Sprintf("%#x", metadataPoolSize)),
		slog.String("SystemPoolSize", fmt.Sprintf("%#x", systemPoolSize)))
}
