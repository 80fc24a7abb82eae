package ffi

import "github.com/gogpu/gpures/pipecache"

// PipelineHash hashes a serialized pipeline descriptor.
func PipelineHash(descriptor string) uint64 {
	return pipecache.HashDescriptor(descriptor)
}

// ShaderFingerprint compiles WGSL and returns its fingerprint.
func (b *Bridge) ShaderFingerprint(wgsl string) (uint64, Status) {
	fp, err := pipecache.ShaderFingerprint(wgsl)
	if err != nil {
		b.fail(err)
		return 0, StatusInvalidConfig
	}
	return fp, StatusOK
}

// PipelineLookupRender returns the render pipeline cached under hash.
func (b *Bridge) PipelineLookupRender(hash uint64) (uint64, Bool) {
	h, ok := b.ctx.Pipelines().LookupRender(hash)
	return h, boolOf(ok)
}

// PipelineLookupCompute returns the compute pipeline cached under hash.
func (b *Bridge) PipelineLookupCompute(hash uint64) (uint64, Bool) {
	h, ok := b.ctx.Pipelines().LookupCompute(hash)
	return h, boolOf(ok)
}

// PipelineInsertRender caches a render pipeline.
func (b *Bridge) PipelineInsertRender(hash, handle uint64) {
	b.ctx.Pipelines().InsertRender(hash, handle)
}

// PipelineInsertCompute caches a compute pipeline.
func (b *Bridge) PipelineInsertCompute(hash, handle uint64) {
	b.ctx.Pipelines().InsertCompute(hash, handle)
}

// PipelineRemoveRender drops a cached render pipeline.
func (b *Bridge) PipelineRemoveRender(hash uint64) Bool {
	return boolOf(b.ctx.Pipelines().RemoveRender(hash))
}

// PipelineRemoveCompute drops a cached compute pipeline.
func (b *Bridge) PipelineRemoveCompute(hash uint64) Bool {
	return boolOf(b.ctx.Pipelines().RemoveCompute(hash))
}

// PipelineClear drops every cached pipeline.
func (b *Bridge) PipelineClear() {
	b.ctx.Pipelines().Clear()
}

// PipelineStats returns cache statistics.
func (b *Bridge) PipelineStats() PipelineStats {
	return pipelineStatsOf(b.ctx.Pipelines().Stats())
}

// PipelineTopHits returns up to n cached pipelines, most hit first.
func (b *Bridge) PipelineTopHits(n uint32) []PipelineHit {
	top := b.ctx.Pipelines().TopHits(int(n))
	out := make([]PipelineHit, len(top))
	for i, h := range top {
		out[i] = PipelineHit{
			Hash:     h.Hash,
			Handle:   h.Handle,
			HitCount: h.HitCount,
			Kind:     uint32(h.Kind), //nolint:gosec // G115: Kind is 0 or 1
		}
	}
	return out
}
