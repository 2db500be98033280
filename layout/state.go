package layout

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"github.com/addrspace/memlayout/region"
)

// defaultArenaCapacity is the node arena capacity used when CreateOptions
// does not specify one. The boot sequence performs a statically bounded
// number of splits, so this is generous.
const defaultArenaCapacity = 1024

// AddressRange is an inclusive range of addresses.
type AddressRange struct {
	First uint64
	Last  uint64
}

// CreateOptions contains optional settings when creating layout state
type CreateOptions struct {
	// ArenaCapacity overrides the region node arena's fixed capacity.
	ArenaCapacity int
	// Random overrides the source of randomness used for randomized
	// placement. When nil, SecureRandomSource is used.
	Random region.RandomSource
	// Logger receives diagnostics from the layout builder. When nil,
	// slog.Default() is used.
	Logger *slog.Logger
}

// State owns everything the boot-time layout builder works on: the node
// arena, the physical and virtual region trees, the two linear snapshot
// trees, and the linear-mapping offsets. It is constructed once by the boot
// entry point and mutated only by that single control flow; after boot it is
// read-only.
type State struct {
	logger *slog.Logger
	random region.RandomSource
	config BoardConfig

	arena          *region.NodeArena
	physical       *region.Tree
	virtual        *region.Tree
	physicalLinear *region.Tree
	virtualLinear  *region.Tree

	linearPhysToVirtDiff uint64
	linearVirtToPhysDiff uint64

	coreLocalVirtualStart uint64
	initArguments         []CoreInitArguments
}

// NewState creates layout state tracking the given physical and virtual
// address ranges. Both base trees start as a single unassigned region
// covering their whole range; the linear trees stay empty until
// InitializeLinearMemoryRegionTrees is called.
func NewState(physical, virtual AddressRange, config BoardConfig, options CreateOptions) (*State, error) {
	if err := config.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid board config")
	}

	capacity := options.ArenaCapacity
	if capacity == 0 {
		capacity = defaultArenaCapacity
	}

	random := options.Random
	if random == nil {
		random = SecureRandomSource{}
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	arena := region.NewNodeArena(capacity)

	return &State{
		logger: logger,
		random: random,
		config: config,

		arena:          arena,
		physical:       region.NewCoveringTree(arena, physical.First, physical.Last),
		virtual:        region.NewCoveringTree(arena, virtual.First, virtual.Last),
		physicalLinear: region.NewTree(arena),
		virtualLinear:  region.NewTree(arena),

		initArguments: make([]CoreInitArguments, config.NumCores),
	}, nil
}

// PhysicalTree returns the tree tracking physical address space.
func (s *State) PhysicalTree() *region.Tree { return s.physical }

// VirtualTree returns the tree tracking virtual address space.
func (s *State) VirtualTree() *region.Tree { return s.virtual }

// PhysicalLinearTree returns the snapshot tree of linear-mapped physical
// regions. It is empty until InitializeLinearMemoryRegionTrees runs.
func (s *State) PhysicalLinearTree() *region.Tree { return s.physicalLinear }

// VirtualLinearTree returns the snapshot tree of DRAM-derived virtual
// regions. It is empty until InitializeLinearMemoryRegionTrees runs.
func (s *State) VirtualLinearTree() *region.Tree { return s.virtualLinear }

// Arena returns the node arena backing all four trees.
func (s *State) Arena() *region.NodeArena { return s.arena }

// Config returns the board configuration the state was created with.
func (s *State) Config() BoardConfig { return s.config }

// CoreLocalRegionVirtualStart returns the virtual address chosen for the
// core-local region. It is zero until SetupCoreLocalRegionMemoryRegions
// runs.
func (s *State) CoreLocalRegionVirtualStart() uint64 { return s.coreLocalVirtualStart }

// InitArguments returns the per-core bootstrap records produced by
// SetupCoreLocalRegionMemoryRegions.
func (s *State) InitArguments() []CoreInitArguments { return s.initArguments }

// GetLinearVirtualAddress translates a linear-mapped physical address to its
// virtual counterpart. Only valid after InitializeLinearMemoryRegionTrees.
func (s *State) GetLinearVirtualAddress(physicalAddress uint64) uint64 {
	return physicalAddress + s.linearPhysToVirtDiff
}

// GetLinearPhysicalAddress translates a linear-mapped virtual address to its
// physical counterpart. Only valid after InitializeLinearMemoryRegionTrees.
func (s *State) GetLinearPhysicalAddress(virtualAddress uint64) uint64 {
	return virtualAddress + s.linearVirtToPhysDiff
}
