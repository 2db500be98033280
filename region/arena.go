package region

import "fmt"

// NodeArena is a fixed-capacity pool of Region nodes. The boot sequence
// sizes it from the maximum number of splits it can perform, so running out
// of nodes is a configuration error and aborts immediately. Nodes are never
// returned to a general heap; erased nodes go back on the arena's free list
// and are handed out again before any fresh slot is used.
type NodeArena struct {
	slots    []Region
	freeList []*Region
	nextSlot int
}

// NewNodeArena creates an arena with room for capacity nodes. The capacity
// is fixed for the arena's lifetime.
func NewNodeArena(capacity int) *NodeArena {
	if capacity <= 0 {
		panic(fmt.Sprintf("node arena capacity must be positive, but is %d", capacity))
	}

	return &NodeArena{
		slots:    make([]Region, capacity),
		freeList: make([]*Region, 0, capacity),
	}
}

// Capacity returns the fixed number of nodes the arena can hold.
func (a *NodeArena) Capacity() int {
	return len(a.slots)
}

// OutstandingCount returns the number of nodes currently owned by trees.
func (a *NodeArena) OutstandingCount() int {
	return a.nextSlot - len(a.freeList)
}

// Allocate returns a zeroed, unowned node, preferring recycled nodes over
// fresh slots. It panics when the arena is exhausted.
func (a *NodeArena) Allocate() *Region {
	if freeCount := len(a.freeList); freeCount > 0 {
		r := a.freeList[freeCount-1]
		a.freeList = a.freeList[:freeCount-1]
		*r = Region{}
		return r
	}

	if a.nextSlot >= len(a.slots) {
		panic(fmt.Sprintf("region node arena exhausted: all %d nodes are in use", len(a.slots)))
	}

	r := &a.slots[a.nextSlot]
	a.nextSlot++
	return r
}

// Create allocates a node and constructs it in place.
func (a *NodeArena) Create(address, size, pairAddress uint64, attributes uint32, regionType Type) *Region {
	r := a.Allocate()
	r.assign(address, size, pairAddress, attributes, regionType)
	return r
}

// Recycle returns an erased node to the free list for reuse.
func (a *NodeArena) Recycle(r *Region) {
	a.freeList = append(a.freeList, r)
}
