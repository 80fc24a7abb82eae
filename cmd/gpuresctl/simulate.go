package main

import (
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/spf13/cobra"

	"github.com/gogpu/gpures"
	"github.com/gogpu/gpures/align"
	"github.com/gogpu/gpures/buddy"
	"github.com/gogpu/gpures/bufpool"
	"github.com/gogpu/gpures/ffi"
	"github.com/gogpu/gpures/pipecache"
	"github.com/gogpu/gpures/staging"
)

// frameTime is the simulated frame interval (60 Hz).
const frameTime = 16667 * time.Microsecond

type simOptions struct {
	frames    int
	latency   uint64
	seed      uint64
	pipelines int
}

func newSimulateCmd(opts *options, load func() (gpures.Config, error)) *cobra.Command {
	sim := simOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a synthetic frame loop",
		Long: `The simulate command drives every component through a synthetic
frame loop: transient uploads on a staging belt, pooled buffer reuse with
idle eviction, buddy sub-allocation and pipeline cache lookups. The GPU is
modelled as finishing each frame --latency frames late.

Example:
  gpuresctl simulate --frames 600
  gpuresctl simulate --frames 120 --latency 3 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if sim.frames <= 0 {
				return fmt.Errorf("--frames must be positive, got %d", sim.frames)
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			snap, err := runSimulation(cfg, sim)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), snap)
			}
			printSnapshot(cmd.OutOrStdout(), sim.frames, snap)
			return nil
		},
	}
	cmd.Flags().IntVarP(&sim.frames, "frames", "n", 60, "Number of frames to simulate")
	cmd.Flags().Uint64Var(&sim.latency, "latency", 2, "Frames the GPU lags behind the CPU")
	cmd.Flags().Uint64Var(&sim.seed, "seed", 1, "Random seed")
	cmd.Flags().IntVar(&sim.pipelines, "pipelines", 16, "Number of distinct pipeline descriptors")
	return cmd
}

// simulator holds the per-run state of a frame loop.
type simulator struct {
	ctx   *gpures.Context
	fence *staging.ManualFence
	rng   *rand.Rand
	now   time.Time
	opts  simOptions

	belt      *staging.Belt
	allocator gpures.Handle
	live      []uint64

	nextBuffer   uint64
	nextPipeline uint64
}

var simUsages = []gputypes.BufferUsage{
	gputypes.BufferUsageVertex | gputypes.BufferUsageCopyDst,
	gputypes.BufferUsageIndex | gputypes.BufferUsageCopyDst,
	gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
}

func runSimulation(cfg gpures.Config, opts simOptions) (ffi.Snapshot, error) {
	s := &simulator{
		fence: &staging.ManualFence{},
		rng:   rand.New(rand.NewPCG(opts.seed, opts.seed^0x9e3779b97f4a7c15)), //nolint:gosec // simulation only
		now:   time.Unix(0, 0),
		opts:  opts,
	}
	s.ctx = gpures.NewContext(cfg,
		gpures.WithClock(func() time.Time { return s.now }),
		gpures.WithFence(s.fence))
	defer s.ctx.Close()

	var err error
	if s.allocator, err = s.ctx.CreateAllocator(0, 0); err != nil {
		return ffi.Snapshot{}, err
	}
	beltHandle, err := s.ctx.CreateBelt(0)
	if err != nil {
		return ffi.Snapshot{}, err
	}
	if s.belt, err = s.ctx.Belt(beltHandle); err != nil {
		return ffi.Snapshot{}, err
	}

	for range opts.frames {
		if err := s.frame(); err != nil {
			return ffi.Snapshot{}, err
		}
	}
	return ffi.New(s.ctx).Snapshot(), nil
}

func (s *simulator) frame() error {
	s.now = s.now.Add(frameTime)

	if err := s.uploads(); err != nil {
		return err
	}
	if err := s.buffers(); err != nil {
		return err
	}
	if err := s.suballocate(); err != nil {
		return err
	}
	if err := s.pipelines(); err != nil {
		return err
	}

	sub := s.belt.Finish()
	if sub > s.opts.latency {
		s.fence.Signal(sub - s.opts.latency)
	}
	return nil
}

// uploads stages a handful of uniform-sized writes.
func (s *simulator) uploads() error {
	chunk := s.belt.ChunkSize()
	for range 1 + s.rng.IntN(8) {
		size := min(align.Uniform(uint64(64)<<s.rng.IntN(10)).Size, chunk)
		if _, err := s.belt.Write(size); err != nil {
			return fmt.Errorf("stage %d bytes: %w", size, err)
		}
	}
	return nil
}

// buffers acquires per-frame buffers from the pool, creating on a miss.
func (s *simulator) buffers() error {
	pool := s.ctx.Pool()
	var held []uint64
	for range 4 {
		desc := align.New(uint64(256)<<s.rng.IntN(6), simUsages[s.rng.IntN(len(simUsages))])
		h, err := pool.Acquire(desc.Size, desc.Usage)
		switch {
		case err == nil:
		case errors.Is(err, bufpool.ErrMiss):
			s.nextBuffer++
			h = s.nextBuffer
			if err := pool.AddAcquired(h, desc.Size, desc.Usage); err != nil {
				return err
			}
		case errors.Is(err, bufpool.ErrExhausted):
			continue
		default:
			return err
		}
		held = append(held, h)
	}
	for _, h := range held {
		pool.Release(h)
	}
	pool.EvictOldBuffers()
	return nil
}

// suballocate keeps a rolling window of buddy allocations.
func (s *simulator) suballocate() error {
	for range 1 + s.rng.IntN(3) {
		off, err := s.ctx.Allocate(s.allocator, uint64(256)<<s.rng.IntN(10))
		if errors.Is(err, buddy.ErrOutOfMemory) {
			if err := s.freeAll(); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		s.live = append(s.live, off)
	}
	for len(s.live) > 32 {
		if err := s.ctx.Free(s.allocator, s.live[0]); err != nil {
			return err
		}
		s.live = s.live[1:]
	}
	return nil
}

func (s *simulator) freeAll() error {
	for _, off := range s.live {
		if err := s.ctx.Free(s.allocator, off); err != nil {
			return err
		}
	}
	s.live = s.live[:0]
	return nil
}

// pipelines looks up a random descriptor and creates it on a miss.
func (s *simulator) pipelines() error {
	// Variants differ in vertex module and blending.
	variant := s.rng.IntN(max(s.opts.pipelines, 1))
	target := gputypes.ColorTargetState{
		Format:    gputypes.TextureFormatBGRA8Unorm,
		WriteMask: gputypes.ColorWriteMaskAll,
	}
	if variant%2 == 1 {
		blend := gputypes.BlendStateAlpha()
		target.Blend = &blend
	}
	desc := pipecache.RenderDescriptor{
		Vertex:    pipecache.ShaderStage{Module: uint64(variant / 2), EntryPoint: "vs_main"}, //nolint:gosec // G115: variant is non-negative
		Fragment:  pipecache.ShaderStage{Module: 1, EntryPoint: "fs_main"},
		Primitive: gputypes.PrimitiveState{Topology: gputypes.PrimitiveTopologyTriangleList},
		Targets:   []gputypes.ColorTargetState{target},
	}
	_, err := s.ctx.Pipelines().GetOrCreateRender(pipecache.HashRenderDescriptor(&desc), func() (uint64, error) {
		s.nextPipeline++
		return s.nextPipeline, nil
	})
	return err
}

func printSnapshot(w io.Writer, frames int, snap ffi.Snapshot) {
	fmt.Fprintf(w, "gpures %s: %d frames\n", snap.Version, frames)
	for _, a := range snap.Allocators {
		fmt.Fprintf(w, "  allocator %d: %d/%d bytes used, %d allocated, %d free blocks\n",
			a.Handle, a.AllocatedBytes, a.TotalSize, a.AllocatedBlocks, a.FreeBlocks)
	}
	for _, b := range snap.Belts {
		fmt.Fprintf(w, "  belt %d: %d active, %d in flight, %d free, %d bytes\n",
			b.Handle, b.ActiveChunks, b.InFlightChunks, b.FreeChunks, b.TotalAllocated)
	}
	p := snap.Pool
	fmt.Fprintf(w, "  pool: %d buffers, %d bytes, %.1f%% hits, %d evictions\n",
		p.TotalBuffers, p.TotalSizeBytes, p.HitRate*100, p.Evictions)
	c := snap.Pipelines
	fmt.Fprintf(w, "  pipelines: %d render, %d hits, %d misses, %.1f%% hit rate\n",
		c.RenderPipelines, c.TotalHits, c.TotalMisses, c.HitRate*100)
}
