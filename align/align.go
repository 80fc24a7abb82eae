// Package align computes the size and row alignment WebGPU requires of
// buffers and buffer-texture copies.
package align

import "github.com/gogpu/gputypes"

const (
	// BindingAlignment is the offset and size alignment of uniform and
	// storage buffers.
	BindingAlignment = 256

	// CopyAlignment is the size alignment of all other buffers.
	CopyAlignment = 4

	// BytesPerRow is the row pitch alignment of buffer-texture copies.
	BytesPerRow = 256
)

// Size rounds size up to a multiple of alignment, which must be a power of two.
func Size(size, alignment uint64) uint64 {
	mask := alignment - 1
	return (size + mask) &^ mask
}

// ForUsage returns the alignment a buffer with the given usage needs.
func ForUsage(usage gputypes.BufferUsage) uint64 {
	if usage&(gputypes.BufferUsageUniform|gputypes.BufferUsageStorage) != 0 {
		return BindingAlignment
	}
	return CopyAlignment
}

// RowPadding returns the bytes needed after a row of rowSize bytes to reach
// BytesPerRow alignment.
func RowPadding(rowSize uint64) uint64 {
	return PaddedRowSize(rowSize) - rowSize
}

// PaddedRowSize rounds rowSize up to BytesPerRow.
func PaddedRowSize(rowSize uint64) uint64 {
	return Size(rowSize, BytesPerRow)
}

// TextureBufferSize returns the size of a buffer holding a width x height
// texture with padded rows.
func TextureBufferSize(width, height, bytesPerPixel uint32) uint64 {
	row := uint64(width) * uint64(bytesPerPixel)
	return PaddedRowSize(row) * uint64(height)
}

// Descriptor is a buffer description whose Size is already aligned for its
// Usage.
type Descriptor struct {
	Label            string
	Size             uint64
	Usage            gputypes.BufferUsage
	MappedAtCreation bool
}

// New returns a descriptor with size rounded up to ForUsage(usage).
func New(size uint64, usage gputypes.BufferUsage) Descriptor {
	return Descriptor{
		Size:  Size(size, ForUsage(usage)),
		Usage: usage,
	}
}

// NewMapped is New with MappedAtCreation set.
func NewMapped(size uint64, usage gputypes.BufferUsage) Descriptor {
	d := New(size, usage)
	d.MappedAtCreation = true
	return d
}

// Uniform describes a uniform buffer the CPU writes into.
func Uniform(size uint64) Descriptor {
	return New(size, gputypes.BufferUsageUniform|gputypes.BufferUsageCopyDst)
}

// Storage describes a storage buffer. A writable buffer can also be copied
// out, so results can be read back.
func Storage(size uint64, writable bool) Descriptor {
	usage := gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst
	if writable {
		usage |= gputypes.BufferUsageCopySrc
	}
	return New(size, usage)
}

// Vertex describes a vertex buffer.
func Vertex(size uint64) Descriptor {
	return New(size, gputypes.BufferUsageVertex|gputypes.BufferUsageCopyDst)
}

// Index describes an index buffer.
func Index(size uint64) Descriptor {
	return New(size, gputypes.BufferUsageIndex|gputypes.BufferUsageCopyDst)
}

// Alignment returns the alignment d's usage requires.
func (d Descriptor) Alignment() uint64 {
	return ForUsage(d.Usage)
}
