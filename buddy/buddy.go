// Package buddy implements a binary buddy allocator over a fixed
// power-of-two arena.
//
// The allocator hands out offsets only. It never touches the memory it
// describes, so the arena can be a GPU buffer, a heap or anything else the
// caller sub-allocates from.
package buddy

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/gogpu/gpures/internal/logging"
)

// Allocator errors.
var (
	// ErrInvalidConfig is returned by New for a non-power-of-two size or
	// minimum block size, or when size < minBlockSize.
	ErrInvalidConfig = errors.New("buddy: invalid allocator configuration")

	// ErrTooLarge is returned when a request exceeds the whole arena.
	ErrTooLarge = errors.New("buddy: allocation larger than arena")

	// ErrOutOfMemory is returned when no free block can satisfy a request.
	ErrOutOfMemory = errors.New("buddy: out of memory")
)

// Allocation is a reserved byte range of the arena.
type Allocation struct {
	// Offset is the first byte of the block.
	Offset uint64

	// Size is the rounded block size, a power of two.
	Size uint64
}

// Stats contains allocator usage statistics.
type Stats struct {
	TotalSize       uint64
	AllocatedBlocks int
	FreeBlocks      int
	AllocatedBytes  uint64
	FreeBytes       uint64

	// Fragmentation is FreeBytes / TotalSize.
	Fragmentation float64
}

// String returns a human-readable string of allocator stats.
func (s Stats) String() string {
	return fmt.Sprintf("Buddy[%d/%d bytes used, %d allocated, %d free blocks]",
		s.AllocatedBytes, s.TotalSize, s.AllocatedBlocks, s.FreeBlocks)
}

// Allocator sub-allocates offsets within one arena.
//
// Every block at order k is minBlockSize<<k bytes long and starts at a
// multiple of its own size. The buddy of offset o at order k is
// o ^ (minBlockSize << k).
//
// Allocator is safe for concurrent use.
type Allocator struct {
	mu sync.Mutex

	size         uint64
	minBlockSize uint64
	maxOrder     uint32

	// freeLists[order] holds free block offsets, popped LIFO.
	freeLists [][]uint64

	// allocated maps live block offsets to their order.
	allocated map[uint64]uint32

	allocatedBytes uint64
}

// New creates an allocator for an arena of size bytes whose smallest block
// is minBlockSize bytes. Both must be powers of two and size >= minBlockSize.
func New(size, minBlockSize uint64) (*Allocator, error) {
	if !isPowerOfTwo(size) {
		return nil, fmt.Errorf("%w: size %d is not a power of two", ErrInvalidConfig, size)
	}
	if !isPowerOfTwo(minBlockSize) {
		return nil, fmt.Errorf("%w: min block size %d is not a power of two", ErrInvalidConfig, minBlockSize)
	}
	if size < minBlockSize {
		return nil, fmt.Errorf("%w: size %d below min block size %d", ErrInvalidConfig, size, minBlockSize)
	}

	//nolint:gosec // G115: trailing zeros of a uint64 is at most 64
	maxOrder := uint32(bits.TrailingZeros64(size / minBlockSize))
	freeLists := make([][]uint64, maxOrder+1)
	freeLists[maxOrder] = []uint64{0}

	return &Allocator{
		size:         size,
		minBlockSize: minBlockSize,
		maxOrder:     maxOrder,
		freeLists:    freeLists,
		allocated:    make(map[uint64]uint32),
	}, nil
}

// Size returns the arena size in bytes.
func (a *Allocator) Size() uint64 { return a.size }

// MinBlockSize returns the smallest allocatable block size.
func (a *Allocator) MinBlockSize() uint64 { return a.minBlockSize }

// MaxOrder returns log2(Size/MinBlockSize).
func (a *Allocator) MaxOrder() uint32 { return a.maxOrder }

// BlockSize returns the size of a block at the given order.
func (a *Allocator) BlockSize(order uint32) uint64 {
	return a.minBlockSize << order
}

// Allocate reserves a block of at least size bytes and returns its offset.
// The request is rounded up to the next power of two, and never below the
// minimum block size.
func (a *Allocator) Allocate(size uint64) (uint64, error) {
	alloc, err := a.AllocateBlock(size)
	if err != nil {
		return 0, err
	}
	return alloc.Offset, nil
}

// AllocateBlock is like Allocate but also reports the rounded block size.
func (a *Allocator) AllocateBlock(size uint64) (Allocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	order, ok := a.orderFor(size)
	if !ok {
		return Allocation{}, fmt.Errorf("%w: requested %d bytes, arena is %d bytes",
			ErrTooLarge, size, a.size)
	}

	offset, ok := a.allocateOrderLocked(order)
	if !ok {
		return Allocation{}, fmt.Errorf("%w: no free block of %d bytes (%d of %d bytes in use)",
			ErrOutOfMemory, a.BlockSize(order), a.allocatedBytes, a.size)
	}

	a.allocated[offset] = order
	a.allocatedBytes += a.BlockSize(order)
	return Allocation{Offset: offset, Size: a.BlockSize(order)}, nil
}

// orderFor returns the order of the block that serves a size-byte request.
func (a *Allocator) orderFor(size uint64) (uint32, bool) {
	if size > a.size {
		return 0, false
	}
	size = max(size, a.minBlockSize)
	blocks := (size + a.minBlockSize - 1) / a.minBlockSize
	//nolint:gosec // G115: bits.Len64 is at most 64
	order := uint32(bits.Len64(blocks - 1))
	return order, order <= a.maxOrder
}

// allocateOrderLocked pops a free block at order, splitting larger blocks
// as needed. Caller must hold mu.
func (a *Allocator) allocateOrderLocked(order uint32) (uint64, bool) {
	if list := a.freeLists[order]; len(list) > 0 {
		offset := list[len(list)-1]
		a.freeLists[order] = list[:len(list)-1]
		return offset, true
	}

	if order >= a.maxOrder {
		return 0, false
	}

	offset, ok := a.allocateOrderLocked(order + 1)
	if !ok {
		return 0, false
	}

	// Keep the lower half, free the upper half.
	upper := offset + a.BlockSize(order)
	a.freeLists[order] = append(a.freeLists[order], upper)
	logging.Logger().Debug("buddy: split block",
		"offset", offset, "order", order+1, "upper", upper)
	return offset, true
}

// Free releases the block starting at offset. It returns false if offset is
// not a live allocation.
func (a *Allocator) Free(offset uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	order, ok := a.allocated[offset]
	if !ok {
		return false
	}
	delete(a.allocated, offset)
	a.allocatedBytes -= a.BlockSize(order)

	a.freeOrderLocked(offset, order)
	return true
}

// freeOrderLocked returns a block to the free lists, merging it with its
// buddy for as long as the buddy is free. Caller must hold mu.
func (a *Allocator) freeOrderLocked(offset uint64, order uint32) {
	for order < a.maxOrder {
		buddy := offset ^ a.BlockSize(order)
		if !a.removeFreeLocked(order, buddy) {
			break
		}
		logging.Logger().Debug("buddy: merge blocks",
			"offset", offset, "buddy", buddy, "order", order)
		offset = min(offset, buddy)
		order++
	}
	a.freeLists[order] = append(a.freeLists[order], offset)
}

// removeFreeLocked removes offset from the free list of order.
// Caller must hold mu.
func (a *Allocator) removeFreeLocked(order uint32, offset uint64) bool {
	list := a.freeLists[order]
	for i, o := range list {
		if o == offset {
			last := len(list) - 1
			list[i] = list[last]
			a.freeLists[order] = list[:last]
			return true
		}
	}
	return false
}

// Stats returns current allocator statistics.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	freeBlocks := 0
	for _, list := range a.freeLists {
		freeBlocks += len(list)
	}

	freeBytes := a.size - a.allocatedBytes
	return Stats{
		TotalSize:       a.size,
		AllocatedBlocks: len(a.allocated),
		FreeBlocks:      freeBlocks,
		AllocatedBytes:  a.allocatedBytes,
		FreeBytes:       freeBytes,
		Fragmentation:   float64(freeBytes) / float64(a.size),
	}
}

// FreeBlocksAt returns a copy of the free offsets at order.
func (a *Allocator) FreeBlocksAt(order uint32) []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if order > a.maxOrder {
		return nil
	}
	return append([]uint64(nil), a.freeLists[order]...)
}

func isPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}
