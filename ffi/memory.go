package ffi

import (
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpures"
	"github.com/gogpu/gpures/align"
	"github.com/gogpu/gpures/bufpool"
)

// PoolConfigure replaces the buffer pool limits.
func (b *Bridge) PoolConfigure(cfg PoolConfig) {
	b.ctx.Pool().Configure(cfg.pool())
}

// PoolConfig returns the buffer pool limits.
func (b *Bridge) PoolConfig() PoolConfig {
	return poolConfigOf(b.ctx.Pool().Config())
}

// PoolAcquire returns an idle buffer of at least size bytes with the given
// usage. StatusNotFound means the host should create a buffer and register
// it with PoolAddAcquired.
func (b *Bridge) PoolAcquire(size uint64, usage uint32) (uint64, Status) {
	h, err := b.ctx.Pool().Acquire(size, gputypes.BufferUsage(usage))
	if err != nil {
		return 0, b.fail(err)
	}
	return h, StatusOK
}

// PoolRelease returns a buffer to the pool.
func (b *Bridge) PoolRelease(handle uint64) Bool {
	return boolOf(b.ctx.Pool().Release(handle))
}

// PoolAdd registers a host-created buffer.
func (b *Bridge) PoolAdd(handle, size uint64, usage uint32) Status {
	if err := b.ctx.Pool().Add(handle, size, gputypes.BufferUsage(usage)); err != nil {
		return b.fail(err)
	}
	return StatusOK
}

// PoolAddAcquired registers a buffer the host created after a PoolAcquire
// miss. The buffer starts in use; return it with PoolRelease.
func (b *Bridge) PoolAddAcquired(handle, size uint64, usage uint32) Status {
	if err := b.ctx.Pool().AddAcquired(handle, size, gputypes.BufferUsage(usage)); err != nil {
		return b.fail(err)
	}
	return StatusOK
}

// PoolRemove unregisters a buffer.
func (b *Bridge) PoolRemove(handle uint64) Bool {
	return boolOf(b.ctx.Pool().Remove(handle))
}

// PoolEvict evicts idle buffers and returns their handles, oldest first.
// The host must destroy them.
func (b *Bridge) PoolEvict() []uint64 {
	return evictedHandles(b.ctx.Pool().EvictOldBuffers())
}

// PoolClear unregisters every buffer and returns their handles.
func (b *Bridge) PoolClear() []uint64 {
	return evictedHandles(b.ctx.Pool().Clear())
}

// PoolStats returns buffer pool statistics.
func (b *Bridge) PoolStats() PoolStats {
	return poolStatsOf(b.ctx.Pool().Stats())
}

func evictedHandles(ev []bufpool.Evicted) []uint64 {
	out := make([]uint64, len(ev))
	for i, e := range ev {
		out[i] = e.Handle
	}
	return out
}

// AllocatorCreate creates a buddy allocator.
func (b *Bridge) AllocatorCreate(size, minBlockSize uint64) (uint64, Status) {
	h, err := b.ctx.CreateAllocator(size, minBlockSize)
	if err != nil {
		return 0, b.fail(err)
	}
	return uint64(h), StatusOK
}

// AllocatorAllocate reserves size bytes and returns the block offset.
// Offset 0 is a valid result; check the status.
func (b *Bridge) AllocatorAllocate(allocator, size uint64) (uint64, Status) {
	off, err := b.ctx.Allocate(gpures.Handle(allocator), size)
	if err != nil {
		return 0, b.fail(err)
	}
	return off, StatusOK
}

// AllocatorFree releases the block at offset.
func (b *Bridge) AllocatorFree(allocator, offset uint64) Status {
	if err := b.ctx.Free(gpures.Handle(allocator), offset); err != nil {
		return b.fail(err)
	}
	return StatusOK
}

// AllocatorStats returns allocator statistics.
func (b *Bridge) AllocatorStats(allocator uint64) (AllocatorStats, Status) {
	a, err := b.ctx.Allocator(gpures.Handle(allocator))
	if err != nil {
		return AllocatorStats{}, b.fail(err)
	}
	return allocatorStatsOf(allocator, a.Stats()), StatusOK
}

// AllocatorDestroy destroys an allocator.
func (b *Bridge) AllocatorDestroy(allocator uint64) Status {
	if err := b.ctx.DestroyAllocator(gpures.Handle(allocator)); err != nil {
		return b.fail(err)
	}
	return StatusOK
}

// BeltCreate creates a staging belt.
func (b *Bridge) BeltCreate(chunkSize uint64) (uint64, Status) {
	h, err := b.ctx.CreateBelt(chunkSize)
	if err != nil {
		return 0, b.fail(err)
	}
	return uint64(h), StatusOK
}

// BeltWrite reserves size bytes in a staging chunk.
func (b *Bridge) BeltWrite(belt, size uint64) (StagingWrite, Status) {
	bl, err := b.ctx.Belt(gpures.Handle(belt))
	if err != nil {
		return StagingWrite{}, b.fail(err)
	}
	w, err := bl.Write(size)
	if err != nil {
		return StagingWrite{}, b.fail(fmt.Errorf("belt %d: %w", belt, err))
	}
	return StagingWrite{BufferHandle: w.BufferHandle, Offset: w.Offset, Size: w.Size}, StatusOK
}

// BeltFinish ends the frame and returns its submission index.
func (b *Bridge) BeltFinish(belt uint64) (uint64, Status) {
	bl, err := b.ctx.Belt(gpures.Handle(belt))
	if err != nil {
		return 0, b.fail(err)
	}
	return bl.Finish(), StatusOK
}

// BeltStats returns belt statistics.
func (b *Bridge) BeltStats(belt uint64) (BeltStats, Status) {
	bl, err := b.ctx.Belt(gpures.Handle(belt))
	if err != nil {
		return BeltStats{}, b.fail(err)
	}
	return beltStatsOf(belt, bl.Stats()), StatusOK
}

// BeltDestroy destroys a belt and returns the chunk handles the host must
// release.
func (b *Bridge) BeltDestroy(belt uint64) ([]uint64, Status) {
	chunks, err := b.ctx.DestroyBelt(gpures.Handle(belt))
	if err != nil {
		return nil, b.fail(err)
	}
	return chunks, StatusOK
}

// AlignedSize rounds size up to alignment. alignment must be a power of two.
func AlignedSize(size, alignment uint64) uint64 { return align.Size(size, alignment) }

// BufferAlignment returns the alignment a buffer with usage flags needs.
func BufferAlignment(usage uint32) uint64 { return align.ForUsage(gputypes.BufferUsage(usage)) }

// RowPadding returns the padding after a texture copy row.
func RowPadding(rowSize uint64) uint64 { return align.RowPadding(rowSize) }

// PaddedRowSize returns a texture copy row size rounded up to 256 bytes.
func PaddedRowSize(rowSize uint64) uint64 { return align.PaddedRowSize(rowSize) }

// TextureBufferSize returns the padded buffer size of a texture copy.
func TextureBufferSize(width, height, bytesPerPixel uint32) uint64 {
	return align.TextureBufferSize(width, height, bytesPerPixel)
}
