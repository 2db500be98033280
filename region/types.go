package region

// Type classifies the purpose of a region of address space. The set of types
// is closed: every type has a single parent and refinement of a region's
// type is only permitted along parent->child edges (see CanDerive).
type Type uint32

const (
	// TypeNone is the unassigned sentinel. Gaps in an address space are
	// represented as TypeNone regions, never as missing regions, and every
	// other type derives from TypeNone.
	TypeNone Type = iota

	TypeKernel
	TypeKernelCode
	TypeKernelStack
	TypeKernelMisc
	TypeKernelSlab

	TypeCoreLocal

	TypeDram
	TypeDramKernel
	TypeDramKernelCode
	TypeDramKernelSlab
	TypeDramKernelPtHeap
	TypeDramReserved
	TypeDramPoolPartition
	TypeDramApplicationPool
	TypeDramAppletPool
	TypeDramSystemPool
	TypeDramSystemNonSecurePool
	TypeDramMetadataPool

	TypeVirtualDram
	TypeVirtualDramApplicationPool
	TypeVirtualDramAppletPool
	TypeVirtualDramSystemPool
	TypeVirtualDramSystemNonSecurePool
	TypeVirtualDramMetadataPool

	typeCount
)

var typeNameMapping = map[Type]string{
	TypeNone:                           "None",
	TypeKernel:                         "Kernel",
	TypeKernelCode:                     "KernelCode",
	TypeKernelStack:                    "KernelStack",
	TypeKernelMisc:                     "KernelMisc",
	TypeKernelSlab:                     "KernelSlab",
	TypeCoreLocal:                      "CoreLocal",
	TypeDram:                           "Dram",
	TypeDramKernel:                     "DramKernel",
	TypeDramKernelCode:                 "DramKernelCode",
	TypeDramKernelSlab:                 "DramKernelSlab",
	TypeDramKernelPtHeap:               "DramKernelPtHeap",
	TypeDramReserved:                   "DramReserved",
	TypeDramPoolPartition:              "DramPoolPartition",
	TypeDramApplicationPool:            "DramApplicationPool",
	TypeDramAppletPool:                 "DramAppletPool",
	TypeDramSystemPool:                 "DramSystemPool",
	TypeDramSystemNonSecurePool:        "DramSystemNonSecurePool",
	TypeDramMetadataPool:               "DramMetadataPool",
	TypeVirtualDram:                    "VirtualDram",
	TypeVirtualDramApplicationPool:     "VirtualDramApplicationPool",
	TypeVirtualDramAppletPool:          "VirtualDramAppletPool",
	TypeVirtualDramSystemPool:          "VirtualDramSystemPool",
	TypeVirtualDramSystemNonSecurePool: "VirtualDramSystemNonSecurePool",
	TypeVirtualDramMetadataPool:        "VirtualDramMetadataPool",
}

func (t Type) String() string {
	return typeNameMapping[t]
}

// typeParents encodes the single parent of each type. TypeNone is its own
// parent and terminates every chain.
var typeParents = [typeCount]Type{
	TypeNone:                           TypeNone,
	TypeKernel:                         TypeNone,
	TypeKernelCode:                     TypeKernel,
	TypeKernelStack:                    TypeKernel,
	TypeKernelMisc:                     TypeKernel,
	TypeKernelSlab:                     TypeKernel,
	TypeCoreLocal:                      TypeNone,
	TypeDram:                           TypeNone,
	TypeDramKernel:                     TypeDram,
	TypeDramKernelCode:                 TypeDramKernel,
	TypeDramKernelSlab:                 TypeDramKernel,
	TypeDramKernelPtHeap:               TypeDramKernel,
	TypeDramReserved:                   TypeDram,
	TypeDramPoolPartition:              TypeDram,
	TypeDramApplicationPool:            TypeDramPoolPartition,
	TypeDramAppletPool:                 TypeDramPoolPartition,
	TypeDramSystemPool:                 TypeDramPoolPartition,
	TypeDramSystemNonSecurePool:        TypeDramPoolPartition,
	TypeDramMetadataPool:               TypeDramPoolPartition,
	TypeVirtualDram:                    TypeDram,
	TypeVirtualDramApplicationPool:     TypeVirtualDram,
	TypeVirtualDramAppletPool:          TypeVirtualDram,
	TypeVirtualDramSystemPool:          TypeVirtualDram,
	TypeVirtualDramSystemNonSecurePool: TypeVirtualDram,
	TypeVirtualDramMetadataPool:        TypeVirtualDram,
}

// typeLinearMapped marks the types whose physical regions participate in the
// linear physical<->virtual mapping.
var typeLinearMapped = [typeCount]bool{
	TypeDramKernel:              true,
	TypeDramKernelCode:          true,
	TypeDramKernelSlab:          true,
	TypeDramKernelPtHeap:        true,
	TypeDramPoolPartition:       true,
	TypeDramApplicationPool:     true,
	TypeDramAppletPool:          true,
	TypeDramSystemPool:          true,
	TypeDramSystemNonSecurePool: true,
	TypeDramMetadataPool:        true,
}

// derivedFrom[child][ancestor] is the precomputed reflexive reachability
// relation over typeParents.
var derivedFrom [typeCount][typeCount]bool

func init() {
	for child := Type(0); child < typeCount; child++ {
		cur := child
		for {
			derivedFrom[child][cur] = true
			if cur == TypeNone {
				break
			}
			cur = typeParents[cur]
		}
	}
}

// IsDerivedFrom returns true if ancestor is reachable from child via the
// parent relation. The relation is reflexive: every type derives from itself.
func (t Type) IsDerivedFrom(ancestor Type) bool {
	return derivedFrom[t][ancestor]
}

// IsLinearMapped returns true for types whose physical regions are always
// linearly mapped into the virtual address space.
func (t Type) IsLinearMapped() bool {
	return typeLinearMapped[t]
}

// CanDerive reports whether a region of type t may be transformed into a
// region of type newType. A transformation is legal only when newType is a
// refinement of t, so a region can move down the hierarchy but never
// sideways or up. Inserting a region of the same type is always legal.
func (t Type) CanDerive(newType Type) bool {
	return newType.IsDerivedFrom(t)
}
