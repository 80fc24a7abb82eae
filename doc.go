// Package gpures provides the bookkeeping core for GPU resources.
//
// # Overview
//
// gpures tracks GPU memory and objects by opaque integer handles. It never
// creates or destroys a real GPU object itself: the caller owns every
// buffer and pipeline and tells gpures about them. The core consists of:
//
//   - buddy: a power-of-two buddy allocator over a byte range
//   - bufpool: a reuse pool of caller-created buffers with idle eviction
//   - staging: a chunked linear allocator for per-frame uploads
//   - pipecache: a descriptor-hash cache of pipeline handles
//   - align: buffer and texture-copy alignment helpers
//
// # Quick Start
//
//	ctx := gpures.NewContext(gpures.DefaultConfig())
//	defer ctx.Close()
//
//	// Sub-allocate a 64 MB arena
//	h, _ := ctx.CreateAllocator(64<<20, 256)
//	off, _ := ctx.Allocate(h, 4096)
//	defer ctx.Free(h, off)
//
//	// Per-frame uploads
//	belt, _ := ctx.CreateBelt(1 << 20)
//	b, _ := ctx.Belt(belt)
//	w, _ := b.Write(256)
//	_ = w // copy into chunk w.BufferHandle at w.Offset
//	b.Finish()
//
// # Architecture
//
// Context owns a table of allocators, a table of staging belts, one buffer
// pool and one pipeline cache. Allocators and belts are addressed by
// generational handles: destroying one makes its handle stale, and a stale
// handle is reported with ErrStaleHandle rather than silently resolving to
// whatever took its slot.
//
// Every component guards its state with its own mutex and does bounded work
// per call. There are no background goroutines; idle eviction runs only when
// the caller asks for it.
//
// The ffi package flattens this API into primitive values and status codes
// for a scripting host. The halbridge package realizes handles as
// gogpu/wgpu HAL buffers.
package gpures

// Version information
const (
	// Version is the current version of the library
	Version = "0.1.0"

	// VersionMajor is the major version
	VersionMajor = 0

	// VersionMinor is the minor version
	VersionMinor = 1

	// VersionPatch is the patch version
	VersionPatch = 0
)
