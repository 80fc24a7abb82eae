package pipecache

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
)

// HashDescriptor computes an FNV-1a hash of a serialized descriptor.
// The result is stable across processes.
func HashDescriptor(descriptor string) uint64 {
	return hashBytes([]byte(descriptor))
}

// ShaderFingerprint compiles WGSL source with naga and hashes the SPIR-V,
// so the fingerprint identifies the compiled module. Invalid source is
// rejected before any pipeline is looked up.
func ShaderFingerprint(wgsl string) (uint64, error) {
	spirv, err := naga.Compile(wgsl)
	if err != nil {
		return 0, fmt.Errorf("pipecache: compile shader: %w", err)
	}
	return hashBytes(spirv), nil
}

// ShaderStage names a shader entry point. Module is a ShaderFingerprint or
// any other stable id of the compiled module.
type ShaderStage struct {
	Module     uint64
	EntryPoint string
}

// RenderDescriptor is the render pipeline state that selects a cached
// pipeline. Label is a debug name and is not hashed.
type RenderDescriptor struct {
	Label string

	Vertex   ShaderStage
	Fragment ShaderStage

	Buffers   []gputypes.VertexBufferLayout
	Primitive gputypes.PrimitiveState
	Targets   []gputypes.ColorTargetState

	// SampleCount of 0 means single-sampled.
	SampleCount uint32
}

// ComputeDescriptor is the compute pipeline state that selects a cached
// pipeline. Label is a debug name and is not hashed.
type ComputeDescriptor struct {
	Label   string
	Compute ShaderStage
}

// HashRenderDescriptor fingerprints every field of desc except Label.
func HashRenderDescriptor(desc *RenderDescriptor) uint64 {
	var k key
	k.stage(desc.Vertex)
	k.stage(desc.Fragment)

	k.count(len(desc.Buffers))
	for _, b := range desc.Buffers {
		k.u64(b.ArrayStride)
		k.u32(uint32(b.StepMode))
		k.count(len(b.Attributes))
		for _, a := range b.Attributes {
			k.u32(a.ShaderLocation)
			k.u32(uint32(a.Format))
			k.u64(a.Offset)
		}
	}

	p := desc.Primitive
	k.u32(uint32(p.Topology))
	k.flag(p.StripIndexFormat != nil)
	if p.StripIndexFormat != nil {
		k.u32(uint32(*p.StripIndexFormat))
	}
	k.u32(uint32(p.FrontFace))
	k.u32(uint32(p.CullMode))
	k.flag(p.UnclippedDepth)

	k.count(len(desc.Targets))
	for _, t := range desc.Targets {
		k.u32(uint32(t.Format))
		k.u32(uint32(t.WriteMask))
		k.flag(t.Blend != nil)
		if t.Blend != nil {
			for _, c := range [2]gputypes.BlendComponent{t.Blend.Color, t.Blend.Alpha} {
				k.u32(uint32(c.SrcFactor))
				k.u32(uint32(c.DstFactor))
				k.u32(uint32(c.Operation))
			}
		}
	}

	k.u32(max(desc.SampleCount, 1))
	return k.sum()
}

// HashComputeDescriptor fingerprints every field of desc except Label.
func HashComputeDescriptor(desc *ComputeDescriptor) uint64 {
	var k key
	k.stage(desc.Compute)
	return k.sum()
}

func hashBytes(data []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(data) // fnv.Write never returns an error
	return h.Sum64()
}

// key accumulates a little-endian encoding of descriptor fields.
// Variable-length values are length-prefixed.
type key struct {
	buf []byte
}

func (k *key) u32(v uint32) { k.buf = binary.LittleEndian.AppendUint32(k.buf, v) }
func (k *key) u64(v uint64) { k.buf = binary.LittleEndian.AppendUint64(k.buf, v) }

func (k *key) count(n int) { k.u64(uint64(n)) } //nolint:gosec // G115: lengths are non-negative

func (k *key) flag(v bool) {
	if v {
		k.buf = append(k.buf, 1)
	} else {
		k.buf = append(k.buf, 0)
	}
}

func (k *key) stage(s ShaderStage) {
	k.u64(s.Module)
	k.count(len(s.EntryPoint))
	k.buf = append(k.buf, s.EntryPoint...)
}

func (k *key) sum() uint64 { return hashBytes(k.buf) }
