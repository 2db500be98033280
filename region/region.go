package region

import "math"

// NoPairAddress is the pairAddress value of a region that has no counterpart
// in the other address space.
const NoPairAddress uint64 = math.MaxUint64

// Region is one interval of address space. A Region is exclusively owned by
// at most one Tree at a time; erased regions return to the NodeArena's free
// set and are reused when a split produces a remainder.
type Region struct {
	address     uint64
	size        uint64
	pairAddress uint64
	attributes  uint32
	regionType  Type
}

func (r *Region) assign(address, size, pairAddress uint64, attributes uint32, regionType Type) {
	r.address = address
	r.size = size
	r.pairAddress = pairAddress
	r.attributes = attributes
	r.regionType = regionType
}

// Address returns the first address covered by the region.
func (r *Region) Address() uint64 { return r.address }

// Size returns the region's length in bytes. It is always greater than zero.
func (r *Region) Size() uint64 { return r.size }

// EndAddress returns the first address past the region.
func (r *Region) EndAddress() uint64 { return r.address + r.size }

// LastAddress returns the last address covered by the region.
func (r *Region) LastAddress() uint64 { return r.address + r.size - 1 }

// PairAddress returns the corresponding address in the other address space
// (physical for a virtual region and vice versa), or NoPairAddress when the
// region is not linearly mapped.
func (r *Region) PairAddress() uint64 { return r.pairAddress }

// SetPairAddress assigns the region's counterpart address in the other
// address space. The layout builder calls this while establishing the
// linear mapping; pair addresses afterwards propagate automatically through
// splits.
func (r *Region) SetPairAddress(pairAddress uint64) {
	r.pairAddress = pairAddress
}

// Attributes returns the caller-assigned tag for this region. Insert uses
// attribute equality as its optimistic precondition check.
func (r *Region) Attributes() uint32 { return r.attributes }

// Type returns the region's classification.
func (r *Region) Type() Type { return r.regionType }

// Contains returns true when address falls inside the region.
func (r *Region) Contains(address uint64) bool {
	return r.address <= address && address <= r.LastAddress()
}

// IsDerivedFrom returns true when the region's type derives from ancestor.
func (r *Region) IsDerivedFrom(ancestor Type) bool {
	return r.regionType.IsDerivedFrom(ancestor)
}

// CanDerive reports whether the region's type may legally be transformed
// into newType.
func (r *Region) CanDerive(newType Type) bool {
	return r.regionType.CanDerive(newType)
}

// IsLinearMapped returns true when the region's type participates in the
// linear physical<->virtual mapping.
func (r *Region) IsLinearMapped() bool {
	return r.regionType.IsLinearMapped()
}
