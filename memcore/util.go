package memcore

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint | ~uint64 | ~uintptr
}

func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp[T Number](value T, alignment T) T {
	return (value + alignment - 1) & ^(alignment - 1)
}

func AlignDown[T Number](value T, alignment T) T {
	return value & ^(alignment - 1)
}

func IsAligned[T Number](value T, alignment T) bool {
	return value&(alignment-1) == 0
}

// FloorPow2 returns the largest power of two that does not exceed value.
func FloorPow2[T Number](value T) T {
	for value&(value-1) != 0 {
		value &= value - 1
	}
	return value
}

// LeastSignificantOneBit returns the lowest set bit of value, or zero when
// value is zero.
func LeastSignificantOneBit[T Number](value T) T {
	return value & -value
}
