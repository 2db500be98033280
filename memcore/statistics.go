package memcore

import "math"

// TreeStatistics summarizes one region tree: how many regions it holds and
// how its covered bytes divide between assigned and unassigned space.
type TreeStatistics struct {
	RegionCount     int
	TotalBytes      uint64
	AssignedBytes   uint64
	UnassignedBytes uint64
}

func (s *TreeStatistics) Clear() {
	s.RegionCount = 0
	s.TotalBytes = 0
	s.AssignedBytes = 0
	s.UnassignedBytes = 0
}

func (s *TreeStatistics) AddTreeStatistics(other *TreeStatistics) {
	s.RegionCount += other.RegionCount
	s.TotalBytes += other.TotalBytes
	s.AssignedBytes += other.AssignedBytes
	s.UnassignedBytes += other.UnassignedBytes
}

type DetailedTreeStatistics struct {
	TreeStatistics
	RegionSizeMin uint64
	RegionSizeMax uint64
}

func (s *DetailedTreeStatistics) Clear() {
	s.TreeStatistics.Clear()
	s.RegionSizeMin = math.MaxUint64
	s.RegionSizeMax = 0
}

// AddRegion folds one region of the given size into the statistics. assigned
// indicates whether the region carries a real type rather than the
// unassigned sentinel.
func (s *DetailedTreeStatistics) AddRegion(size uint64, assigned bool) {
	s.RegionCount++
	s.TotalBytes += size

	if assigned {
		s.AssignedBytes += size
	} else {
		s.UnassignedBytes += size
	}

	if size < s.RegionSizeMin {
		s.RegionSizeMin = size
	}

	if size > s.RegionSizeMax {
		s.RegionSizeMax = size
	}
}

func (s *DetailedTreeStatistics) AddDetailedTreeStatistics(other *DetailedTreeStatistics) {
	s.TreeStatistics.AddTreeStatistics(&other.TreeStatistics)

	if other.RegionSizeMin < s.RegionSizeMin {
		s.RegionSizeMin = other.RegionSizeMin
	}

	if other.RegionSizeMax > s.RegionSizeMax {
		s.RegionSizeMax = other.RegionSizeMax
	}
}
