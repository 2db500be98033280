package region_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/addrspace/memlayout/region"
)

func TestTypeDerivation(t *testing.T) {
	// Reflexive
	require.True(t, region.TypeDram.IsDerivedFrom(region.TypeDram))
	require.True(t, region.TypeNone.IsDerivedFrom(region.TypeNone))

	// Chains
	require.True(t, region.TypeDramApplicationPool.IsDerivedFrom(region.TypeDramPoolPartition))
	require.True(t, region.TypeDramApplicationPool.IsDerivedFrom(region.TypeDram))
	require.True(t, region.TypeDramApplicationPool.IsDerivedFrom(region.TypeNone))
	require.True(t, region.TypeVirtualDramSystemPool.IsDerivedFrom(region.TypeVirtualDram))
	require.True(t, region.TypeVirtualDramSystemPool.IsDerivedFrom(region.TypeDram))

	// Everything derives from the unassigned root
	require.True(t, region.TypeKernelCode.IsDerivedFrom(region.TypeNone))
	require.True(t, region.TypeCoreLocal.IsDerivedFrom(region.TypeNone))

	// Not upward or sideways
	require.False(t, region.TypeDram.IsDerivedFrom(region.TypeDramKernel))
	require.False(t, region.TypeDramAppletPool.IsDerivedFrom(region.TypeDramApplicationPool))
	require.False(t, region.TypeKernel.IsDerivedFrom(region.TypeDram))
	require.False(t, region.TypeNone.IsDerivedFrom(region.TypeDram))
}

func TestTypeCanDerive(t *testing.T) {
	// An unassigned region can become anything.
	require.True(t, region.TypeNone.CanDerive(region.TypeCoreLocal))
	require.True(t, region.TypeNone.CanDerive(region.TypeDram))
	require.True(t, region.TypeNone.CanDerive(region.TypeNone))

	// Refinement down the hierarchy is legal.
	require.True(t, region.TypeDram.CanDerive(region.TypeDramPoolPartition))
	require.True(t, region.TypeDramPoolPartition.CanDerive(region.TypeDramSystemNonSecurePool))

	// Generalizing or crossing branches is not.
	require.False(t, region.TypeDramPoolPartition.CanDerive(region.TypeDram))
	require.False(t, region.TypeDramKernel.CanDerive(region.TypeDramPoolPartition))
	require.False(t, region.TypeCoreLocal.CanDerive(region.TypeNone))
}

func TestTypeLinearMapped(t *testing.T) {
	require.True(t, region.TypeDramKernel.IsLinearMapped())
	require.True(t, region.TypeDramApplicationPool.IsLinearMapped())
	require.True(t, region.TypeDramPoolPartition.IsLinearMapped())

	require.False(t, region.TypeNone.IsLinearMapped())
	require.False(t, region.TypeDram.IsLinearMapped())
	require.False(t, region.TypeDramReserved.IsLinearMapped())
	require.False(t, region.TypeVirtualDram.IsLinearMapped())
	require.False(t, region.TypeKernelCode.IsLinearMapped())
}
