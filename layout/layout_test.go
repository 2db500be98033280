package layout_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/addrspace/memlayout/layout"
	"github.com/addrspace/memlayout/region"
)

// Synthetic board geometry used throughout: 2GiB of DRAM at the top of a
// 32-bit physical space, linearly mapped at the bottom of a 32GiB virtual
// window. The first 256MiB of DRAM belong to the kernel, the rest to the
// pool partitions.
const (
	physFirst uint64 = 0
	physLast  uint64 = 0xffff_ffff
	virtFirst uint64 = 0x10_0000_0000
	virtLast  uint64 = 0x17_ffff_ffff

	dramStart      uint64 = 0x8000_0000
	dramSize       uint64 = 0x8000_0000
	kernelDramSize uint64 = 0x1000_0000

	poolPartitionsStart = dramStart + kernelDramSize
)

// scriptedRandomSource replays a fixed sequence of draws, clamped into the
// requested range, and falls back to low once the script runs out.
type scriptedRandomSource struct {
	values []uint64
	next   int
}

func (s *scriptedRandomSource) GenerateRandomRange(low, high uint64) uint64 {
	if s.next >= len(s.values) {
		return low
	}

	value := s.values[s.next]
	s.next++
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}

type recordingInitSink struct {
	records map[int]layout.CoreInitArguments
	stored  bool
}

func (s *recordingInitSink) SetInitArguments(core int, arguments layout.CoreInitArguments) {
	if s.records == nil {
		s.records = make(map[int]layout.CoreInitArguments)
	}
	s.records[core] = arguments
}

func (s *recordingInitSink) StoreInitArguments() { s.stored = true }

// buildBootState creates layout state with the synthetic geometry carved and
// the linear mapping paired, ready for pool-partition and core-local setup.
func buildBootState(t *testing.T, config layout.BoardConfig, random region.RandomSource) *layout.State {
	t.Helper()

	state, err := layout.NewState(
		layout.AddressRange{First: physFirst, Last: physLast},
		layout.AddressRange{First: virtFirst, Last: virtLast},
		config,
		layout.CreateOptions{Random: random},
	)
	require.NoError(t, err)

	phys := state.PhysicalTree()
	require.True(t, phys.Insert(dramStart, dramSize, region.TypeDram, 0, 0))
	require.True(t, phys.Insert(dramStart, kernelDramSize, region.TypeDramKernel, 0, 0))
	require.True(t, phys.Insert(poolPartitionsStart, dramSize-kernelDramSize, region.TypeDramPoolPartition, 0, 0))

	require.True(t, state.VirtualTree().Insert(virtFirst, dramSize, region.TypeVirtualDram, 0, 0))

	state.PairLinearRegions(dramStart, virtFirst, dramSize)
	return state
}

func requirePool(t *testing.T, tree *region.Tree, poolType region.Type, attr uint32, address, size uint64) *region.Region {
	t.Helper()

	pool := tree.FindFirstRegionByTypeAttr(poolType, attr)
	require.Equal(t, address, pool.Address())
	require.Equal(t, size, pool.Size())
	return pool
}

func TestSetupPoolPartitionRegions(t *testing.T) {
	state := buildBootState(t, layout.BoardConfig{
		ApplicationPoolSize:            0x2000_0000,
		AppletPoolSize:                 0x1000_0000,
		MinimumNonSecureSystemPoolSize: 0x800_0000,
		NumCores:                       4,
	}, &scriptedRandomSource{})

	state.SetupPoolPartitionMemoryRegions()

	phys := state.PhysicalTree()
	require.NoError(t, phys.Validate())

	// Pools stack down from the end of DRAM; the non-secure pool start is
	// clamped by the carveout size limit, the metadata pool covers the
	// management overhead of every pool, and the system pool absorbs the
	// rest of the partition range.
	app := requirePool(t, phys, region.TypeDramApplicationPool, 0, 0xe000_0000, 0x2000_0000)
	requirePool(t, phys, region.TypeDramAppletPool, 1, 0xd000_0000, 0x1000_0000)
	requirePool(t, phys, region.TypeDramSystemNonSecurePool, 2, 0x9ffe_0000, 0x3002_0000)
	requirePool(t, phys, region.TypeDramMetadataPool, 0, 0x9fee_f000, 0xf1000)
	requirePool(t, phys, region.TypeDramSystemPool, 3, 0x9000_0000, 0xfeef000)

	// The virtual tree mirrors each pool at its linear mapping, and the
	// pairing is symmetric.
	virt := state.VirtualTree()
	require.NoError(t, virt.Validate())

	linearOffset := virtFirst - dramStart
	virtApp := requirePool(t, virt, region.TypeVirtualDramApplicationPool, 0, 0xe000_0000+linearOffset, 0x2000_0000)
	requirePool(t, virt, region.TypeVirtualDramAppletPool, 1, 0xd000_0000+linearOffset, 0x1000_0000)
	requirePool(t, virt, region.TypeVirtualDramSystemNonSecurePool, 2, 0x9ffe_0000+linearOffset, 0x3002_0000)
	requirePool(t, virt, region.TypeVirtualDramMetadataPool, 0, 0x9fee_f000+linearOffset, 0xf1000)
	requirePool(t, virt, region.TypeVirtualDramSystemPool, 3, 0x9000_0000+linearOffset, 0xfeef000)

	require.Equal(t, virtApp.Address(), app.PairAddress())
	require.Equal(t, app.Address(), virtApp.PairAddress())
}

func TestSetupPoolPartitionRegionsSplitsAtDramMidpoint(t *testing.T) {
	state := buildBootState(t, layout.BoardConfig{
		ApplicationPoolSize:            0x5000_0000,
		AppletPoolSize:                 0x1000_0000,
		MinimumNonSecureSystemPoolSize: 0x400_0000,
		NumCores:                       4,
	}, &scriptedRandomSource{})

	state.SetupPoolPartitionMemoryRegions()

	phys := state.PhysicalTree()
	require.NoError(t, phys.Validate())

	// The application pool straddles the DRAM midpoint at 0xc000_0000 and
	// splits there into two separately accounted pools.
	requirePool(t, phys, region.TypeDramApplicationPool, 0, 0xb000_0000, 0x1000_0000)
	requirePool(t, phys, region.TypeDramApplicationPool, 1, 0xc000_0000, 0x4000_0000)
	requirePool(t, phys, region.TypeDramAppletPool, 2, 0xa000_0000, 0x1000_0000)

	// The minimum non-secure size now binds instead of the carveout limit.
	requirePool(t, phys, region.TypeDramSystemNonSecurePool, 3, 0x9c00_0000, 0x400_0000)

	// The remaining pools tile the partition range without gaps.
	system := phys.FindFirstRegionByTypeAttr(region.TypeDramSystemPool, 4)
	metadata := phys.FindFirstRegionByTypeAttr(region.TypeDramMetadataPool, 0)
	require.Equal(t, poolPartitionsStart, system.Address())
	require.Equal(t, system.EndAddress(), metadata.Address())
	require.Equal(t, uint64(0x9c00_0000), metadata.EndAddress())
}

func TestSetupCoreLocalRegionMemoryRegions(t *testing.T) {
	// The first draw lands inside the linearly mapped window and is
	// rejected for its type, the second straddles a 1GiB boundary, the
	// third is accepted.
	random := &scriptedRandomSource{values: []uint64{
		0x10_4000_0000,
		0x10_bfff_c000,
		0x11_0000_0000,
	}}

	state := buildBootState(t, layout.BoardConfig{
		ApplicationPoolSize:            0x2000_0000,
		AppletPoolSize:                 0x1000_0000,
		MinimumNonSecureSystemPoolSize: 0x800_0000,
		NumCores:                       4,
	}, random)
	state.SetupPoolPartitionMemoryRegions()

	recorder := layout.NewPageTableRecorder(0x8000_0000)
	pages := layout.NewSequentialPageAllocator(0x8800_0000, 0x10_0000)
	sink := &recordingInitSink{}

	state.SetupCoreLocalRegionMemoryRegions(recorder, pages, sink)

	// The accepted draw starts a guarded window at 0x11_0000_0000; the
	// region itself begins one guard page in.
	start := state.CoreLocalRegionVirtualStart()
	require.Equal(t, uint64(0x11_0000_1000), start)

	coreLocal := state.VirtualTree().FindContaining(start)
	require.Equal(t, region.TypeCoreLocal, coreLocal.Type())
	require.Equal(t, start, coreLocal.Address())
	require.Equal(t, layout.CoreLocalRegionSize(4), coreLocal.Size())

	// Core 0 keeps the kernel's table root; secondary cores get cloned
	// roots from the page allocator, after the four core data pages.
	arguments := state.InitArguments()
	require.Len(t, arguments, 4)

	expectedRoots := []uint64{0x8000_0000, 0x8800_4000, 0x8800_5000, 0x8800_6000}
	for i, expectedRoot := range expectedRoots {
		require.Equal(t, uint64(0x8800_0000)+uint64(i)*layout.PageSize, arguments[i].CoreLocalDataAddress)
		require.Equal(t, expectedRoot, arguments[i].TableRootAddress)
		require.Equal(t, arguments[i], sink.records[i])
	}
	require.True(t, sink.stored)

	// Every core's table maps its own root at the window's first page and
	// core j's root at page j+1.
	for i, root := range expectedRoots {
		require.Equal(t, 5, recorder.MappingCount(root), "core %d", i)

		own, ok := recorder.Lookup(root, start)
		require.True(t, ok)
		require.Equal(t, root, own.PhysicalAddress)
		require.Equal(t, layout.KernelRWDataAttributes, own.Attributes)

		for j, otherRoot := range expectedRoots {
			other, ok := recorder.Lookup(root, start+uint64(j+1)*layout.PageSize)
			require.True(t, ok)
			require.Equal(t, otherRoot, other.PhysicalAddress)
		}
	}
}

func TestFullBootSequenceLayout(t *testing.T) {
	state := buildBootState(t, layout.BoardConfig{
		ApplicationPoolSize:            0x2000_0000,
		AppletPoolSize:                 0x1000_0000,
		MinimumNonSecureSystemPoolSize: 0x800_0000,
		NumCores:                       4,
	}, &scriptedRandomSource{values: []uint64{0x11_0000_0000}})

	state.SetupPoolPartitionMemoryRegions()

	recorder := layout.NewPageTableRecorder(0x8000_0000)
	pages := layout.NewSequentialPageAllocator(0x8800_0000, 0x10_0000)
	state.SetupCoreLocalRegionMemoryRegions(recorder, pages, &recordingInitSink{})

	state.InitializeLinearMemoryRegionTrees(dramStart, virtFirst)

	// Kernel DRAM plus the five pools are linearly mapped.
	physLinear := state.PhysicalLinearTree()
	require.Equal(t, 6, physLinear.Count())
	require.NoError(t, physLinear.Validate())

	// The virtual side keeps the uncarved head of the window as plain
	// linearly mapped DRAM; the core-local region is not part of it.
	virtLinear := state.VirtualLinearTree()
	require.Equal(t, 6, virtLinear.Count())
	require.NoError(t, virtLinear.Validate())

	require.Equal(t, virtFirst, state.GetLinearVirtualAddress(dramStart))
	require.Equal(t, dramStart, state.GetLinearPhysicalAddress(virtFirst))

	dump := state.BuildLayoutString(true)
	require.True(t, json.Valid([]byte(dump)))
	require.Contains(t, dump, "PhysicalLinear")
	require.Contains(t, dump, "VirtualLinear")
	require.Contains(t, dump, "Regions")

	summary := state.BuildLayoutString(false)
	require.True(t, json.Valid([]byte(summary)))
	require.NotContains(t, summary, "Regions")
}

func TestCalculateManagementOverheadSize(t *testing.T) {
	// One page needs two refcount bytes and one bitmap word, rounded up to
	// a page.
	require.Equal(t, uint64(0x1000), layout.CalculateManagementOverheadSize(layout.PageSize))

	// 256MiB: 65536 pages of refcounts plus a three-level bitmap chain.
	require.Equal(t, uint64(0x23000), layout.CalculateManagementOverheadSize(0x1000_0000))

	// 512MiB.
	require.Equal(t, uint64(0x45000), layout.CalculateManagementOverheadSize(0x2000_0000))
}

func TestNewStateRejectsBadConfig(t *testing.T) {
	_, err := layout.NewState(
		layout.AddressRange{First: physFirst, Last: physLast},
		layout.AddressRange{First: virtFirst, Last: virtLast},
		layout.BoardConfig{},
		layout.CreateOptions{},
	)
	require.Error(t, err)
}

func TestSecureRandomSourceStaysInRange(t *testing.T) {
	source := layout.SecureRandomSource{}

	for i := 0; i < 1000; i++ {
		value := source.GenerateRandomRange(100, 107)
		require.GreaterOrEqual(t, value, uint64(100))
		require.LessOrEqual(t, value, uint64(107))
	}

	require.Equal(t, uint64(42), source.GenerateRandomRange(42, 42))
}

func TestSequentialPageAllocator(t *testing.T) {
	pages := layout.NewSequentialPageAllocator(0x1000, 2*layout.PageSize)

	require.Equal(t, uint64(0x1000), pages.Allocate())
	require.Equal(t, uint64(0x2000), pages.Allocate())
	require.Equal(t, 2*layout.PageSize, pages.AllocatedBytes())

	require.Panics(t, func() { pages.Allocate() })
}

func TestPageTableRecorder(t *testing.T) {
	recorder := layout.NewPageTableRecorder(0x8000_0000)
	pages := layout.NewSequentialPageAllocator(0x9000_0000, 0x10_0000)

	recorder.Map(0x8000_0000, 0x10_0000_0000, 2*layout.PageSize, 0x8100_0000, layout.KernelRWDataAttributes, pages)

	mapping, ok := recorder.Lookup(0x8000_0000, 0x10_0000_1000)
	require.True(t, ok)
	require.Equal(t, uint64(0x8100_1000), mapping.PhysicalAddress)

	// A clone sees the source's mappings but diverges afterwards.
	recorder.CloneTableRoot(0x9000_0000, 0x8000_0000)
	cloned, ok := recorder.Lookup(0x9000_0000, 0x10_0000_0000)
	require.True(t, ok)
	require.Equal(t, uint64(0x8100_0000), cloned.PhysicalAddress)

	recorder.Map(0x9000_0000, 0x10_0000_2000, layout.PageSize, 0x8200_0000, layout.KernelRWDataAttributes, pages)
	require.Equal(t, 3, recorder.MappingCount(0x9000_0000))
	require.Equal(t, 2, recorder.MappingCount(0x8000_0000))

	_, ok = recorder.Lookup(0xdead_0000, 0x10_0000_0000)
	require.False(t, ok)

	require.Panics(t, func() {
		recorder.Map(0x8000_0000, 0x10_0000_0100, layout.PageSize, 0x8100_0000, layout.KernelRWDataAttributes, pages)
	})
}
