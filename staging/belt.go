// Package staging implements a staging belt: a set of fixed-size upload
// chunks that are filled linearly during a frame and recycled afterwards.
//
// A belt hands out write regions as (chunk handle, offset, size). Chunk
// handles are small integers assigned by the belt; the caller backs each one
// with a real mappable buffer (see halbridge.StagingChunks).
//
// Chunks submitted by Finish are reused only once their submission is
// complete. Without a Fence, completion is immediate.
package staging

import (
	"errors"
	"fmt"
	"sync"

	"github.com/eapache/queue"

	"github.com/gogpu/gpures/internal/logging"
)

// Belt errors.
var (
	// ErrInvalidChunkSize is returned by New for a zero chunk size.
	ErrInvalidChunkSize = errors.New("staging: invalid chunk size")

	// ErrWriteTooLarge is returned when a single write exceeds the chunk
	// size. Writes are never split across chunks.
	ErrWriteTooLarge = errors.New("staging: write larger than chunk size")

	// ErrZeroSize is returned for an empty write.
	ErrZeroSize = errors.New("staging: zero-sized write")

	// ErrDestroyed is returned when operating on a destroyed belt.
	ErrDestroyed = errors.New("staging: belt destroyed")
)

// Write is a region of a chunk reserved for one upload.
type Write struct {
	BufferHandle uint64
	Offset       uint64
	Size         uint64
}

// Stats contains belt statistics.
type Stats struct {
	ActiveChunks   int
	InFlightChunks int
	FreeChunks     int
	ChunkSize      uint64

	// TotalAllocated is the byte size of every chunk the belt owns.
	TotalAllocated uint64
}

// String returns a human-readable string of belt stats.
func (s Stats) String() string {
	return fmt.Sprintf("Belt[%d active, %d in flight, %d free, chunk %d bytes, %d bytes total]",
		s.ActiveChunks, s.InFlightChunks, s.FreeChunks, s.ChunkSize, s.TotalAllocated)
}

type chunk struct {
	handle   uint64
	capacity uint64
	offset   uint64
}

// batch is the set of chunks submitted by one Finish call.
type batch struct {
	submission uint64
	chunks     []*chunk
}

// Option configures a Belt.
type Option func(*Belt)

// WithFence gates chunk reuse on fence completion.
func WithFence(f Fence) Option {
	return func(b *Belt) {
		b.fence = f
	}
}

// Belt is a chunked linear allocator for per-frame uploads.
//
// Belt is safe for concurrent use.
type Belt struct {
	mu sync.Mutex

	chunkSize uint64
	fence     Fence

	active []*chunk
	free   []*chunk

	// inFlight holds *batch values in submission order.
	inFlight       *queue.Queue
	inFlightChunks int

	nextHandle uint64
	submission uint64
	destroyed  bool
}

// New creates a belt whose chunks are chunkSize bytes long.
func New(chunkSize uint64, opts ...Option) (*Belt, error) {
	if chunkSize == 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChunkSize, chunkSize)
	}

	b := &Belt{
		chunkSize:  chunkSize,
		inFlight:   queue.New(),
		nextHandle: 1,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// ChunkSize returns the capacity of every chunk.
func (b *Belt) ChunkSize() uint64 { return b.chunkSize }

// Write reserves size bytes in a chunk with room for them.
func (b *Belt) Write(size uint64) (Write, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.destroyed {
		return Write{}, ErrDestroyed
	}
	if size == 0 {
		return Write{}, ErrZeroSize
	}
	if size > b.chunkSize {
		logging.Logger().Warn("staging: oversized write", "size", size, "chunkSize", b.chunkSize)
		return Write{}, fmt.Errorf("%w: %d bytes, chunk size %d", ErrWriteTooLarge, size, b.chunkSize)
	}

	c := b.chunkWithSpaceLocked(size)
	w := Write{BufferHandle: c.handle, Offset: c.offset, Size: size}
	c.offset += size
	return w, nil
}

// chunkWithSpaceLocked returns an active chunk that can hold size more
// bytes, activating a free or new chunk if none can. Caller must hold mu.
func (b *Belt) chunkWithSpaceLocked(size uint64) *chunk {
	for _, c := range b.active {
		if c.offset+size <= c.capacity {
			return c
		}
	}

	var c *chunk
	if n := len(b.free); n > 0 {
		c = b.free[n-1]
		b.free = b.free[:n-1]
		c.offset = 0
	} else {
		c = &chunk{handle: b.nextHandle, capacity: b.chunkSize}
		b.nextHandle++
		logging.Logger().Debug("staging: new chunk", "handle", c.handle, "size", c.capacity)
	}
	b.active = append(b.active, c)
	return c
}

// Finish ends the current frame: every active chunk is submitted under a
// new submission index and completed submissions are recalled. It returns
// the submission index to signal on the Fence once the GPU is done.
func (b *Belt) Finish() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.destroyed {
		return 0
	}

	b.submission++
	if len(b.active) > 0 {
		for _, c := range b.active {
			c.offset = 0
		}
		b.inFlight.Add(&batch{submission: b.submission, chunks: b.active})
		b.inFlightChunks += len(b.active)
		b.active = nil
	}

	b.recallLocked()
	return b.submission
}

// Recall moves chunks of completed submissions to the free list and returns
// how many were recovered. Finish calls it; call it directly to pick up
// completions between frames.
func (b *Belt) Recall() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.destroyed {
		return 0
	}
	return b.recallLocked()
}

// recallLocked implements Recall. Caller must hold mu.
func (b *Belt) recallLocked() int {
	recovered := 0
	for b.inFlight.Length() > 0 {
		bt := b.inFlight.Peek().(*batch) //nolint:forcetypeassert // queue holds only *batch
		if b.fence != nil && !b.fence.Completed(bt.submission) {
			break
		}
		b.inFlight.Remove()
		b.free = append(b.free, bt.chunks...)
		b.inFlightChunks -= len(bt.chunks)
		recovered += len(bt.chunks)
	}
	return recovered
}

// Submission returns the index of the last Finish call.
func (b *Belt) Submission() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.submission
}

// Stats returns current belt statistics.
func (b *Belt) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	owned := len(b.active) + b.inFlightChunks + len(b.free)
	return Stats{
		ActiveChunks:   len(b.active),
		InFlightChunks: b.inFlightChunks,
		FreeChunks:     len(b.free),
		ChunkSize:      b.chunkSize,
		TotalAllocated: uint64(owned) * b.chunkSize, //nolint:gosec // G115: chunk count is non-negative
	}
}

// ChunkHandles returns the handle of every chunk the belt owns, whether
// active, in flight or free.
func (b *Belt) ChunkHandles() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]uint64, 0, len(b.active)+b.inFlightChunks+len(b.free))
	for _, c := range b.active {
		out = append(out, c.handle)
	}
	for i := range b.inFlight.Length() {
		bt := b.inFlight.Get(i).(*batch) //nolint:forcetypeassert // queue holds only *batch
		for _, c := range bt.chunks {
			out = append(out, c.handle)
		}
	}
	for _, c := range b.free {
		out = append(out, c.handle)
	}
	return out
}

// Destroy drops every chunk. The belt cannot be used afterwards.
func (b *Belt) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.destroyed {
		return
	}
	b.active = nil
	b.free = nil
	b.inFlight = queue.New()
	b.inFlightChunks = 0
	b.destroyed = true
}

// Destroyed reports whether Destroy has been called.
func (b *Belt) Destroyed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroyed
}
