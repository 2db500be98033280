package layout

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
)

// SecureRandomSource draws from the platform's cryptographic random source.
// It is the default RandomSource for layout randomization.
type SecureRandomSource struct{}

// GenerateRandomRange returns a uniformly distributed integer in the
// inclusive range [low, high], using rejection sampling to avoid modulo
// bias.
func (SecureRandomSource) GenerateRandomRange(low, high uint64) uint64 {
	span := high - low + 1
	if span == 0 {
		// The full 64-bit range needs no reduction.
		return randomUint64()
	}

	// Draws from the incomplete final cycle of span would bias the low end
	// of the range, so they are rejected.
	discard := (math.MaxUint64 - span + 1) % span
	for {
		value := randomUint64()
		if value <= math.MaxUint64-discard {
			return low + value%span
		}
	}
}

func randomUint64() uint64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("failed to read the platform random source: %+v", err))
	}
	return binary.LittleEndian.Uint64(buf[:])
}
