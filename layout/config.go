package layout

import "fmt"

const (
	// PageSize is the granule of every layout decision in this package.
	PageSize uint64 = 0x1000

	// CarveoutAlignment is the alignment of the kernel-owned DRAM carveout
	// and of the unsafe system pool's start.
	CarveoutAlignment uint64 = 0x20000
	// CarveoutSizeMax bounds how far past the start of kernel DRAM the
	// kernel-owned carveout may extend.
	CarveoutSizeMax uint64 = 512*1024*1024 - CarveoutAlignment

	// CoreLocalRegionAlign is the alignment of the core-local region's
	// randomized placement.
	CoreLocalRegionAlign uint64 = PageSize
	// CoreLocalRegionBoundsAlign is the boundary the core-local region must
	// not cross: the region and its guard pages must sit inside a single
	// naturally aligned window of this size.
	CoreLocalRegionBoundsAlign uint64 = 1 << 30
)

// BoardConfig carries the platform-specific sizes that drive pool-partition
// carving and core-local region placement.
type BoardConfig struct {
	// ApplicationPoolSize is the size in bytes of the application pool.
	ApplicationPoolSize uint64
	// AppletPoolSize is the size in bytes of the applet pool.
	AppletPoolSize uint64
	// MinimumNonSecureSystemPoolSize is the smallest acceptable size in
	// bytes for the unsafe (non-secure) system pool.
	MinimumNonSecureSystemPoolSize uint64
	// NumCores is the number of cores the core-local region must serve.
	NumCores int
}

func (c BoardConfig) validate() error {
	if c.NumCores <= 0 {
		return fmt.Errorf("the board must have at least one core, but has %d", c.NumCores)
	}
	return nil
}

// CoreLocalRegionSize returns the size of the core-local region for the
// given core count: one page per core plus the shared header page.
func CoreLocalRegionSize(numCores int) uint64 {
	return PageSize * uint64(numCores+1)
}

func coreLocalRegionSizeWithGuards(numCores int) uint64 {
	return CoreLocalRegionSize(numCores) + 2*PageSize
}

// CalculateManagementOverheadSize returns the bookkeeping bytes needed to
// manage a pool of regionSize bytes: a 16-bit reference count per page plus
// a chain of 64-bit occupancy bitmaps, one level per factor of 64, rounded
// up to whole pages.
func CalculateManagementOverheadSize(regionSize uint64) uint64 {
	pageCount := (regionSize + PageSize - 1) / PageSize

	overhead := pageCount * 2

	for bits := pageCount; bits > 0; {
		words := (bits + 63) / 64
		overhead += words * 8
		if words == 1 {
			break
		}
		bits = words
	}

	return ((overhead + PageSize - 1) / PageSize) * PageSize
}
