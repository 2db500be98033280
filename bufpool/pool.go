package bufpool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"github.com/addrspace/memlayout/memcore"
)

// retryWaitDefault is how long an allocation sleeps before retrying when the
// heap cannot currently satisfy it.
const retryWaitDefault = 10 * time.Millisecond

// CreateOptions contains optional settings when creating a Pool
type CreateOptions struct {
	// Logger receives warnings when allocations have to wait. When nil,
	// slog.Default() is used.
	Logger *slog.Logger
	// RetryWait overrides how long a starved allocation sleeps between
	// attempts.
	RetryWait time.Duration
}

// Pool hands out PooledBuffers from a mutex-guarded buddy heap. Starved
// allocations sleep and retry until another buffer is deallocated, so
// buffers must always be deallocated promptly.
type Pool struct {
	logger *slog.Logger

	mutex sync.Mutex
	heap  *BuddyHeap

	start uint64
	size  uint64

	retryWait time.Duration

	retryCount            atomic.Uint64
	reduceAllocationCount atomic.Uint64

	// freeSizePeak is the low-water mark of the heap's free size, guarded
	// by mutex.
	freeSizePeak uint64
}

// NewPool creates a pool over the block-aligned range [start, start+size).
// The range must not start at address zero; zero marks an unallocated
// PooledBuffer.
func NewPool(start, size uint64, options CreateOptions) (*Pool, error) {
	if start == 0 {
		return nil, errors.New("the pool range must not start at address zero")
	}

	heap, err := NewBuddyHeap(start, size)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create the pool's heap")
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retryWait := options.RetryWait
	if retryWait == 0 {
		retryWait = retryWaitDefault
	}

	return &Pool{
		logger:       logger,
		heap:         heap,
		start:        start,
		size:         size,
		retryWait:    retryWait,
		freeSizePeak: size,
	}, nil
}

func allocatableSizeMaxCore(large bool) uint64 {
	if large {
		return AllocatableSizeMaxForLarge
	}
	return AllocatableSizeMax
}

// GetAllocatableSizeMax returns the largest size Allocate accepts as its
// required size.
func (p *Pool) GetAllocatableSizeMax() uint64 { return allocatableSizeMaxCore(false) }

// GetAllocatableParticularlyLargeSizeMax returns the largest size
// AllocateParticularlyLarge accepts as its required size.
func (p *Pool) GetAllocatableParticularlyLargeSizeMax() uint64 { return allocatableSizeMaxCore(true) }

// IsPooledBuffer reports whether address lies inside the pool's range.
func (p *Pool) IsPooledBuffer(address uint64) bool {
	return p.start <= address && address < p.start+p.size
}

// RetriedCount returns how many times an allocation has had to sleep and
// retry since the last ClearPeak.
func (p *Pool) RetriedCount() uint64 { return p.retryCount.Load() }

// ReduceAllocationCount returns how many allocations received less than
// their ideal size since the last ClearPeak.
func (p *Pool) ReduceAllocationCount() uint64 { return p.reduceAllocationCount.Load() }

// FreeSizePeak returns the smallest free size the heap has reached since
// the last ClearPeak.
func (p *Pool) FreeSizePeak() uint64 {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.freeSizePeak
}

// ClearPeak resets the free-size low-water mark and the retry and reduce
// counters.
func (p *Pool) ClearPeak() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.freeSizePeak = p.heap.GetTotalFreeSize()
	p.retryCount.Store(0)
	p.reduceAllocationCount.Store(0)
}

// Allocate returns a buffer of at least requiredSize bytes, ideally
// idealSize, blocking until the heap can satisfy it.
func (p *Pool) Allocate(idealSize, requiredSize uint64) *PooledBuffer {
	return p.allocateCore(idealSize, requiredSize, false)
}

// AllocateParticularlyLarge is Allocate with the large size cap, for the
// rare bulk transfers that need more than the normal maximum.
func (p *Pool) AllocateParticularlyLarge(idealSize, requiredSize uint64) *PooledBuffer {
	return p.allocateCore(idealSize, requiredSize, true)
}

func (p *Pool) allocateCore(idealSize, requiredSize uint64, large bool) *PooledBuffer {
	sizeMax := allocatableSizeMaxCore(large)
	if requiredSize > sizeMax {
		panic(fmt.Sprintf("required size %#x exceeds the allocatable maximum %#x", requiredSize, sizeMax))
	}

	targetSize := idealSize
	if targetSize < requiredSize {
		targetSize = requiredSize
	}
	if targetSize > sizeMax {
		targetSize = sizeMax
	}

	buffer := &PooledBuffer{pool: p}
	for {
		p.mutex.Lock()

		// Never hand out more than half the heap's largest block, so that
		// one caller cannot starve everyone else outright.
		allocatableSize := p.heap.GetAllocatableSizeMax()
		if allocatableSize > BlockSize {
			allocatableSize >>= 1
		}

		if allocatableSize >= requiredSize {
			orderSize := targetSize
			if orderSize > allocatableSize {
				orderSize = allocatableSize
			}

			order := p.heap.GetOrderFromBytes(orderSize)
			if address, ok := p.heap.AllocateByOrder(order); ok {
				buffer.address = address
				buffer.size = p.heap.GetBytesFromOrder(order)
			}
		}
		p.mutex.Unlock()

		if buffer.address != 0 {
			break
		}

		p.logger.Warn("pooled buffer allocation is waiting for the heap",
			slog.String("RequiredSize", fmt.Sprintf("%#x", requiredSize)))
		time.Sleep(p.retryWait)
		p.retryCount.Add(1)
	}

	if buffer.size >= targetSize+AllocatableSizeTrim {
		buffer.Shrink(memcore.AlignUp(targetSize, AllocatableSizeTrim))
	}

	reduceLimit := targetSize
	if reduceLimit > AllocatableSizeMax {
		reduceLimit = AllocatableSizeMax
	}
	if buffer.size < reduceLimit {
		p.reduceAllocationCount.Add(1)
	}

	p.mutex.Lock()
	if freeSize := p.heap.GetTotalFreeSize(); freeSize < p.freeSizePeak {
		p.freeSizePeak = freeSize
	}
	p.mutex.Unlock()

	return buffer
}

// PooledBuffer is one allocation from a Pool. Deallocate must be called when
// the buffer is no longer needed; other callers may be sleeping on the
// space.
type PooledBuffer struct {
	pool    *Pool
	address uint64
	size    uint64
}

// Address returns the buffer's start address. The buffer must be allocated.
func (b *PooledBuffer) Address() uint64 {
	if b.address == 0 {
		panic("the pooled buffer is not allocated")
	}
	return b.address
}

// Size returns the buffer's size in bytes. The buffer must be allocated.
func (b *PooledBuffer) Size() uint64 {
	if b.address == 0 {
		panic("the pooled buffer is not allocated")
	}
	return b.size
}

// IsAllocated reports whether the buffer currently holds pool space.
func (b *PooledBuffer) IsAllocated() bool { return b.address != 0 }

// Shrink frees the tail of the buffer down to idealSize, rounded up to a
// whole block. Shrinking to zero deallocates the buffer entirely.
func (b *PooledBuffer) Shrink(idealSize uint64) {
	if idealSize > allocatableSizeMaxCore(true) {
		panic(fmt.Sprintf("shrink target %#x exceeds the allocatable maximum %#x", idealSize, allocatableSizeMaxCore(true)))
	}
	if b.size <= idealSize {
		return
	}

	newSize := memcore.AlignUp(idealSize, BlockSize)

	// Free the tail in the largest chunks the buddy alignment allows.
	b.pool.mutex.Lock()
	for newSize < b.size {
		tailAlign := memcore.LeastSignificantOneBit(b.size)
		freeSize := memcore.FloorPow2(b.size - newSize)
		if freeSize > tailAlign {
			freeSize = tailAlign
		}

		freeOrder := b.pool.heap.GetOrderFromBytes(freeSize)
		b.pool.heap.Free(b.address+b.size-freeSize, freeOrder)
		b.size -= freeSize
	}
	b.pool.mutex.Unlock()

	if b.size == 0 {
		b.address = 0
	}
}

// Deallocate returns the buffer's space to the pool. It is safe to call on
// a buffer that was never allocated.
func (b *PooledBuffer) Deallocate() {
	b.Shrink(0)
}
