package region

import (
	"fmt"
	"sort"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"

	"github.com/addrspace/memlayout/memcore"
)

// randomPlacementMaxAttempts bounds the rejection-sampling loop in
// GetRandomAlignedRegion. The caller must only request placements that are
// feasible, so hitting the bound indicates a configuration error and aborts.
const randomPlacementMaxAttempts = 1 << 16

// RandomSource supplies the randomness for address-space-layout
// randomization.
type RandomSource interface {
	// GenerateRandomRange returns a uniformly distributed integer in the
	// inclusive range [low, high].
	GenerateRandomRange(low, high uint64) uint64
}

// Tree is an ordered set of Regions keyed by start address. A covering tree
// tracks a full address range: its regions tile the range exactly, with
// unused space held by TypeNone regions rather than gaps. Snapshot trees
// (see NewTree) hold an ordered subset instead and skip the coverage
// requirement.
//
// Trees are built single-threaded during boot and are read-only afterwards,
// so no internal locking is performed.
type Tree struct {
	arena *NodeArena
	nodes []*Region

	fullCoverage bool
	firstAddress uint64
	lastAddress  uint64
}

// NewTree creates an empty snapshot tree. Regions are added with
// InsertDirectly and need not tile a range.
func NewTree(arena *NodeArena) *Tree {
	return &Tree{arena: arena}
}

// NewCoveringTree creates a tree tracking the inclusive address range
// [firstAddress, lastAddress], seeded with a single unassigned region
// covering the whole range.
func NewCoveringTree(arena *NodeArena, firstAddress, lastAddress uint64) *Tree {
	if lastAddress <= firstAddress {
		panic(fmt.Sprintf("covering tree range [%#x, %#x] is empty or inverted", firstAddress, lastAddress))
	}

	t := &Tree{
		arena:        arena,
		fullCoverage: true,
		firstAddress: firstAddress,
		lastAddress:  lastAddress,
	}
	t.InsertDirectly(firstAddress, lastAddress-firstAddress+1, NoPairAddress, 0, TypeNone)
	return t
}

// Count returns the number of regions in the tree.
func (t *Tree) Count() int {
	return len(t.nodes)
}

// InsertDirectly allocates a region from the arena and places it in the
// tree without any splitting or derivation checks. It is used to seed
// covering trees and to build the linear snapshot trees; Insert is the
// operation with the full transformation contract.
func (t *Tree) InsertDirectly(address, size, pairAddress uint64, attributes uint32, regionType Type) *Region {
	if size == 0 {
		panic(fmt.Sprintf("region at %#x must have a positive size", address))
	}
	if address+size-1 < address {
		panic(fmt.Sprintf("region at %#x with size %#x wraps the address space", address, size))
	}

	r := t.arena.Create(address, size, pairAddress, attributes, regionType)
	idx := sort.Search(len(t.nodes), func(i int) bool {
		return t.nodes[i].address > address
	})

	t.nodes = append(t.nodes, nil)
	copy(t.nodes[idx+1:], t.nodes[idx:])
	t.nodes[idx] = r

	memcore.DebugValidate(t)
	return r
}

func (t *Tree) containingIndex(address uint64) int {
	idx := sort.Search(len(t.nodes), func(i int) bool {
		return address <= t.nodes[i].LastAddress()
	})
	if idx >= len(t.nodes) || !t.nodes[idx].Contains(address) {
		panic(fmt.Sprintf("no region in the tree contains address %#x", address))
	}
	return idx
}

// FindContaining returns the unique region whose interval contains address.
// The caller must ensure address lies inside the tracked range; the
// total-coverage invariant then guarantees the region exists.
func (t *Tree) FindContaining(address uint64) *Region {
	return t.nodes[t.containingIndex(address)]
}

// Insert carves the interval [address, address+size) out of its containing
// region, assigning it regionType and newAttr. The call fails, leaving the
// tree unmodified, when the containing region's attributes differ from
// oldAttr, when the interval does not fit inside a single region, or when
// the containing region's type cannot derive regionType.
//
// On success the containing region is replaced by up to three regions: a
// front remainder, the new region, and a back remainder, which together
// reconstitute the original interval exactly. Pair addresses of the new
// region and the back remainder are offset by their distance from the old
// region's start; remainders keep the old type and attributes.
func (t *Tree) Insert(address, size uint64, regionType Type, newAttr, oldAttr uint32) bool {
	if size == 0 {
		panic(fmt.Sprintf("inserted region at %#x must have a positive size", address))
	}
	if address+size-1 < address {
		panic(fmt.Sprintf("inserted region at %#x with size %#x wraps the address space", address, size))
	}

	idx := t.containingIndex(address)
	cur := t.nodes[idx]

	// The old attributes must be exactly what the caller expects.
	if cur.attributes != oldAttr {
		return false
	}

	// The inserted interval must fit entirely inside the containing region.
	insertedEnd := address + size
	insertedLast := insertedEnd - 1
	if cur.LastAddress() < insertedLast {
		return false
	}

	// The type transformation must be a legal refinement.
	if !cur.CanDerive(regionType) {
		return false
	}

	oldAddress := cur.address
	oldEnd := cur.EndAddress()
	oldLast := cur.LastAddress()
	oldPair := cur.pairAddress
	oldAttrValue := cur.attributes
	oldType := cur.regionType

	// The erased region's storage is reused for the first piece; any further
	// pieces come from the arena, which prefers recycled nodes.
	pieces := make([]*Region, 0, 3)
	node := cur

	if oldAddress != address {
		node.assign(oldAddress, address-oldAddress, oldPair, oldAttrValue, oldType)
		pieces = append(pieces, node)
		node = t.arena.Allocate()
	}

	newPair := oldPair
	if oldPair != NoPairAddress {
		newPair = oldPair + (address - oldAddress)
	}
	node.assign(address, size, newPair, newAttr, regionType)
	pieces = append(pieces, node)

	if oldLast != insertedLast {
		afterPair := oldPair
		if oldPair != NoPairAddress {
			afterPair = oldPair + (insertedEnd - oldAddress)
		}
		pieces = append(pieces, t.arena.Create(insertedEnd, oldEnd-insertedEnd, afterPair, oldAttrValue, oldType))
	}

	// Splice the pieces over the erased region. They are constructed in
	// address order, so ordering is preserved.
	if len(pieces) == 1 {
		t.nodes[idx] = pieces[0]
	} else {
		tail := make([]*Region, len(t.nodes)-idx-1)
		copy(tail, t.nodes[idx+1:])
		t.nodes = append(t.nodes[:idx], pieces...)
		t.nodes = append(t.nodes, tail...)
	}

	memcore.DebugValidate(t)
	return true
}

// GetDerivedRegionExtents returns the lowest- and highest-addressed regions
// whose type derives from regionType. It panics when no region does: the
// boot layout description must account for every type it later asks about.
func (t *Tree) GetDerivedRegionExtents(regionType Type) (firstRegion, lastRegion *Region) {
	for _, r := range t.nodes {
		if !r.IsDerivedFrom(regionType) {
			continue
		}
		if firstRegion == nil {
			firstRegion = r
		}
		lastRegion = r
	}

	if firstRegion == nil {
		panic(fmt.Sprintf("no region in the tree derives from type %s", regionType))
	}
	return firstRegion, lastRegion
}

// FindFirstRegionByTypeAttr returns the lowest-addressed region with exactly
// the given type and attributes, and panics when none exists.
func (t *Tree) FindFirstRegionByTypeAttr(regionType Type, attributes uint32) *Region {
	for _, r := range t.nodes {
		if r.regionType == regionType && r.attributes == attributes {
			return r
		}
	}
	panic(fmt.Sprintf("no region in the tree has type %s and attributes %d", regionType, attributes))
}

// FindFirstDerivedRegion returns the lowest-addressed region whose type
// derives from regionType, and panics when none exists.
func (t *Tree) FindFirstDerivedRegion(regionType Type) *Region {
	for _, r := range t.nodes {
		if r.IsDerivedFrom(regionType) {
			return r
		}
	}
	panic(fmt.Sprintf("no region in the tree derives from type %s", regionType))
}

// GetRandomAlignedRegion chooses a uniformly random aligned placement of
// size bytes inside the regions of exactly regionType, by rejection sampling
// over the type's overall extents. The extents' start must already be
// aligned to alignment; this is a boot configuration invariant and a
// violation aborts.
//
// The caller must only ask for placements that exist. The loop is bounded
// and aborts rather than spinning forever when every draw is rejected.
func (t *Tree) GetRandomAlignedRegion(size, alignment uint64, regionType Type, random RandomSource) uint64 {
	firstRegion, lastRegion := t.GetDerivedRegionExtents(regionType)

	if !memcore.IsAligned(firstRegion.Address(), alignment) {
		panic(fmt.Sprintf("extents of type %s start at %#x, which is not aligned to %#x", regionType, firstRegion.Address(), alignment))
	}

	firstAddress := firstRegion.Address()
	lastAddress := lastRegion.LastAddress()

	for attempt := 0; attempt < randomPlacementMaxAttempts; attempt++ {
		candidate := memcore.AlignDown(random.GenerateRandomRange(firstAddress, lastAddress), alignment)

		// The candidate interval must not wrap.
		if candidate+size <= candidate {
			continue
		}

		candidateLast := candidate + size - 1
		if candidateLast > lastAddress {
			continue
		}

		// The span of the type may be fragmented, so the candidate must land
		// in a single region of exactly the requested type.
		candidateRegion := t.FindContaining(candidate)
		if candidateLast > candidateRegion.LastAddress() {
			continue
		}
		if candidateRegion.Type() != regionType {
			continue
		}

		return candidate
	}

	panic(fmt.Sprintf("found no aligned placement of %#x bytes in regions of type %s after %d attempts", size, regionType, randomPlacementMaxAttempts))
}

// VisitAllRegions calls the provided callback once for each region in
// address order, stopping at the first error.
func (t *Tree) VisitAllRegions(handleRegion func(r *Region) error) error {
	for _, r := range t.nodes {
		if err := handleRegion(r); err != nil {
			return err
		}
	}
	return nil
}

// Validate performs internal consistency checks on the tree. When the tree
// is functioning correctly it should not be possible for this method to
// return an error, but it may assist in diagnosing issues.
func (t *Tree) Validate() error {
	for i, r := range t.nodes {
		if r.size == 0 {
			return errors.Errorf("region at index %d has address %#x and zero size", i, r.address)
		}
		if r.LastAddress() < r.address {
			return errors.Errorf("region at index %d has address %#x and size %#x, which wraps the address space", i, r.address, r.size)
		}
		if i == 0 {
			continue
		}

		prev := t.nodes[i-1]
		if r.address <= prev.address {
			return errors.Errorf("region at index %d has address %#x, which is not ordered after the previous region at %#x", i, r.address, prev.address)
		}
		if r.address < prev.EndAddress() {
			return errors.Errorf("region at index %d has address %#x, which overlaps the previous region ending at %#x", i, r.address, prev.EndAddress())
		}
		if t.fullCoverage && r.address != prev.EndAddress() {
			return errors.Errorf("region at index %d has address %#x, leaving a gap after the previous region ending at %#x", i, r.address, prev.EndAddress())
		}
	}

	if t.fullCoverage {
		if len(t.nodes) == 0 {
			return errors.New("covering tree has no regions")
		}
		if first := t.nodes[0]; first.address != t.firstAddress {
			return errors.Errorf("covering tree starts at %#x, but its first region starts at %#x", t.firstAddress, first.address)
		}
		if last := t.nodes[len(t.nodes)-1]; last.LastAddress() != t.lastAddress {
			return errors.Errorf("covering tree ends at %#x, but its last region ends at %#x", t.lastAddress, last.LastAddress())
		}
	}

	return nil
}

// AddStatistics sums this tree's region statistics into the statistics
// currently present in the provided memcore.TreeStatistics object.
func (t *Tree) AddStatistics(stats *memcore.TreeStatistics) {
	for _, r := range t.nodes {
		stats.RegionCount++
		stats.TotalBytes += r.size
		if r.regionType == TypeNone {
			stats.UnassignedBytes += r.size
		} else {
			stats.AssignedBytes += r.size
		}
	}
}

// AddDetailedStatistics sums this tree's region statistics into the
// statistics currently present in the provided
// memcore.DetailedTreeStatistics object.
func (t *Tree) AddDetailedStatistics(stats *memcore.DetailedTreeStatistics) {
	for _, r := range t.nodes {
		stats.AddRegion(r.size, r.regionType != TypeNone)
	}
}

// TreeJsonData populates a json object with the tree's regions.
func (t *Tree) TreeJsonData(json jwriter.ObjectState) {
	json.Name("RegionCount").Int(len(t.nodes))

	arrayState := json.Name("Regions").Array()
	defer arrayState.End()

	for _, r := range t.nodes {
		obj := arrayState.Object()

		obj.Name("Address").String(fmt.Sprintf("%#x", r.address))
		obj.Name("Size").String(fmt.Sprintf("%#x", r.size))
		obj.Name("Type").String(r.regionType.String())
		obj.Name("Attributes").Int(int(r.attributes))
		if r.pairAddress != NoPairAddress {
			obj.Name("PairAddress").String(fmt.Sprintf("%#x", r.pairAddress))
		}

		obj.End()
	}
}
