package bufpool

import (
	"fmt"
	"sort"

	"github.com/dolthub/swiss"
	"github.com/pkg/errors"

	"github.com/addrspace/memlayout/memcore"
)

const (
	// BlockSize is the smallest allocatable unit of the heap.
	BlockSize uint64 = 0x1000

	// A heap block is 4KB. An order is a power of two. This gives trim,
	// normal, and large allocations of 32KB, 512KB, and 4MB.
	OrderTrim        = 3
	OrderMax         = 7
	OrderMaxForLarge = OrderMax + 3

	AllocatableSizeTrim        = BlockSize << OrderTrim
	AllocatableSizeMax         = BlockSize << OrderMax
	AllocatableSizeMaxForLarge = BlockSize << OrderMaxForLarge

	orderCount = OrderMaxForLarge + 1
)

// BuddyHeap is a binary buddy allocator over an address range. Blocks are
// handed out in power-of-two multiples of BlockSize; freed blocks coalesce
// with their buddy whenever both halves are free. The heap tracks addresses
// only and never touches the memory itself.
//
// BuddyHeap is not safe for concurrent use; Pool serializes access to it.
type BuddyHeap struct {
	start uint64
	size  uint64

	// freeLists[order] holds the offsets of free blocks of that order;
	// freeIndex maps each free offset to its order for buddy lookups.
	freeLists [orderCount][]uint64
	freeIndex *swiss.Map[uint64, int]

	totalFreeSize uint64
}

// NewBuddyHeap creates a heap over [start, start+size). Both bounds must be
// block-aligned.
func NewBuddyHeap(start, size uint64) (*BuddyHeap, error) {
	if size == 0 {
		return nil, errors.New("cannot create a buddy heap with no space")
	}
	if !memcore.IsAligned(start, BlockSize) || !memcore.IsAligned(size, BlockSize) {
		return nil, errors.Errorf("buddy heap range %#x+%#x is not aligned to the block size %#x", start, size, BlockSize)
	}

	h := &BuddyHeap{
		start:     start,
		size:      size,
		freeIndex: swiss.NewMap[uint64, int](64),
	}

	// Seed the free lists with the largest naturally aligned blocks that
	// fit the range.
	for offset := uint64(0); offset < size; {
		order := OrderMaxForLarge
		for order > 0 && (h.GetBytesFromOrder(order) > size-offset || !memcore.IsAligned(offset, h.GetBytesFromOrder(order))) {
			order--
		}
		h.pushFree(offset, order)
		offset += h.GetBytesFromOrder(order)
	}

	return h, nil
}

func (h *BuddyHeap) pushFree(offset uint64, order int) {
	h.freeLists[order] = append(h.freeLists[order], offset)
	h.freeIndex.Put(offset, order)
	h.totalFreeSize += h.GetBytesFromOrder(order)
}

func (h *BuddyHeap) removeFree(offset uint64, order int) {
	list := h.freeLists[order]
	for i, candidate := range list {
		if candidate == offset {
			list[i] = list[len(list)-1]
			h.freeLists[order] = list[:len(list)-1]
			h.freeIndex.Delete(offset)
			h.totalFreeSize -= h.GetBytesFromOrder(order)
			return
		}
	}
	panic(fmt.Sprintf("free block at offset %#x is missing from its order %d list", offset, order))
}

// GetBlockSize returns the heap's block size.
func (h *BuddyHeap) GetBlockSize() uint64 { return BlockSize }

// GetBytesFromOrder returns the byte size of a block of the given order.
func (h *BuddyHeap) GetBytesFromOrder(order int) uint64 {
	return BlockSize << order
}

// GetOrderFromBytes returns the smallest order whose blocks hold at least
// the given byte count, or -1 when no order is large enough.
func (h *BuddyHeap) GetOrderFromBytes(bytes uint64) int {
	blocks := (bytes + BlockSize - 1) / BlockSize
	for order := 0; order < orderCount; order++ {
		if uint64(1)<<order >= blocks {
			return order
		}
	}
	return -1
}

// GetAllocatableSizeMax returns the byte size of the largest block the heap
// can currently hand out, or zero when the heap is exhausted.
func (h *BuddyHeap) GetAllocatableSizeMax() uint64 {
	for order := orderCount - 1; order >= 0; order-- {
		if len(h.freeLists[order]) > 0 {
			return h.GetBytesFromOrder(order)
		}
	}
	return 0
}

// GetTotalFreeSize returns the total number of free bytes in the heap.
func (h *BuddyHeap) GetTotalFreeSize() uint64 { return h.totalFreeSize }

// AllocateByOrder removes and returns the address of a free block of the
// given order, splitting a larger block when necessary. It returns false
// when no block of the order can be produced.
func (h *BuddyHeap) AllocateByOrder(order int) (uint64, bool) {
	if order < 0 || order >= orderCount {
		panic(fmt.Sprintf("order %d is outside the heap's %d orders", order, orderCount))
	}

	splitFrom := -1
	for candidate := order; candidate < orderCount; candidate++ {
		if len(h.freeLists[candidate]) > 0 {
			splitFrom = candidate
			break
		}
	}
	if splitFrom < 0 {
		return 0, false
	}

	offset := h.freeLists[splitFrom][len(h.freeLists[splitFrom])-1]
	h.removeFree(offset, splitFrom)

	// Split down to the requested order, returning the upper buddy of each
	// split to the free lists.
	for splitFrom > order {
		splitFrom--
		h.pushFree(offset+h.GetBytesFromOrder(splitFrom), splitFrom)
	}

	memcore.DebugValidate(h)
	return h.start + offset, true
}

// Free returns the block at address with the given order to the heap,
// coalescing it with its buddy as far as possible.
func (h *BuddyHeap) Free(address uint64, order int) {
	blockBytes := h.GetBytesFromOrder(order)
	if address < h.start || address+blockBytes > h.start+h.size {
		panic(fmt.Sprintf("freed block %#x+%#x is outside the heap range %#x+%#x", address, blockBytes, h.start, h.size))
	}

	offset := address - h.start
	if !memcore.IsAligned(offset, blockBytes) {
		panic(fmt.Sprintf("freed block at offset %#x is not aligned to its order %d size %#x", offset, order, blockBytes))
	}

	for order < orderCount-1 {
		buddyOffset := offset ^ h.GetBytesFromOrder(order)
		buddyOrder, free := h.freeIndex.Get(buddyOffset)
		if !free || buddyOrder != order {
			break
		}

		h.removeFree(buddyOffset, order)
		if buddyOffset < offset {
			offset = buddyOffset
		}
		order++
	}

	h.pushFree(offset, order)
	memcore.DebugValidate(h)
}

// Validate performs internal consistency checks on the heap. When the heap
// is functioning correctly it should not be possible for this method to
// return an error, but it may assist in diagnosing issues.
func (h *BuddyHeap) Validate() error {
	type freeBlock struct {
		offset uint64
		bytes  uint64
	}

	var blocks []freeBlock
	var listedCount int
	var listedBytes uint64

	for order, list := range h.freeLists {
		for _, offset := range list {
			blockBytes := h.GetBytesFromOrder(order)
			if !memcore.IsAligned(offset, blockBytes) {
				return errors.Errorf("free block at offset %#x is not aligned to its order %d size %#x", offset, order, blockBytes)
			}
			if offset+blockBytes > h.size {
				return errors.Errorf("free block %#x+%#x extends past the heap size %#x", offset, blockBytes, h.size)
			}

			indexedOrder, present := h.freeIndex.Get(offset)
			if !present || indexedOrder != order {
				return errors.Errorf("free block at offset %#x is listed at order %d but indexed at order %d", offset, order, indexedOrder)
			}

			blocks = append(blocks, freeBlock{offset: offset, bytes: blockBytes})
			listedCount++
			listedBytes += blockBytes
		}
	}

	if listedCount != h.freeIndex.Count() {
		return errors.Errorf("the free lists hold %d blocks but the index holds %d", listedCount, h.freeIndex.Count())
	}
	if listedBytes != h.totalFreeSize {
		return errors.Errorf("the free lists hold %#x bytes but the heap accounts %#x", listedBytes, h.totalFreeSize)
	}

	sort.Slice(blocks, func(i, j int) bool { return blocks[i].offset < blocks[j].offset })
	for i := 1; i < len(blocks); i++ {
		if blocks[i].offset < blocks[i-1].offset+blocks[i-1].bytes {
			return errors.Errorf("free blocks at offsets %#x and %#x overlap", blocks[i-1].offset, blocks[i].offset)
		}
	}

	return nil
}
