package gpures

import (
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpures/buddy"
	"github.com/gogpu/gpures/bufpool"
	"github.com/gogpu/gpures/staging"
)

func newTestContext(t *testing.T, opts ...Option) *Context {
	t.Helper()
	c := NewContext(DefaultConfig(), opts...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// mustCreateAllocator creates an allocator and fails the test on error.
func mustCreateAllocator(t *testing.T, c *Context, size, minBlockSize uint64) Handle {
	t.Helper()
	h, err := c.CreateAllocator(size, minBlockSize)
	if err != nil {
		t.Fatalf("CreateAllocator(%d, %d): %v", size, minBlockSize, err)
	}
	return h
}

// mustBelt creates a belt and returns it with its handle.
func mustBelt(t *testing.T, c *Context, chunkSize uint64) (Handle, *staging.Belt) {
	t.Helper()
	h, err := c.CreateBelt(chunkSize)
	if err != nil {
		t.Fatalf("CreateBelt(%d): %v", chunkSize, err)
	}
	b, err := c.Belt(h)
	if err != nil {
		t.Fatalf("Belt(%v): %v", h, err)
	}
	return h, b
}

func TestAllocatorLifecycle(t *testing.T) {
	c := newTestContext(t)

	h := mustCreateAllocator(t, c, 1024, 64)
	if n := c.Allocators(); n != 1 {
		t.Errorf("Allocators = %d, want 1", n)
	}

	off, err := c.Allocate(h, 100)
	if err != nil || off != 0 {
		t.Fatalf("Allocate = (%d, %v), want (0, nil)", off, err)
	}
	if err := c.Free(h, off); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if err := c.Free(h, off); !errors.Is(err, ErrNotFound) {
		t.Errorf("double Free error = %v, want ErrNotFound", err)
	}

	if err := c.DestroyAllocator(h); err != nil {
		t.Fatalf("DestroyAllocator: %v", err)
	}
	if n := c.Allocators(); n != 0 {
		t.Errorf("Allocators after destroy = %d, want 0", n)
	}

	if _, err := c.Allocate(h, 100); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("Allocate on destroyed handle error = %v, want ErrStaleHandle", err)
	}
	if err := c.DestroyAllocator(h); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("second DestroyAllocator error = %v, want ErrStaleHandle", err)
	}
}

func TestAllocatorDefaults(t *testing.T) {
	c := newTestContext(t)
	h := mustCreateAllocator(t, c, 0, 0)

	a, err := c.Allocator(h)
	if err != nil {
		t.Fatalf("Allocator: %v", err)
	}
	if a.Size() != DefaultAllocatorSize || a.MinBlockSize() != DefaultMinBlockSize {
		t.Errorf("size %d / min %d, want %d / %d", a.Size(), a.MinBlockSize(), DefaultAllocatorSize, DefaultMinBlockSize)
	}
}

func TestCreateAllocatorInvalid(t *testing.T) {
	c := newTestContext(t)
	if _, err := c.CreateAllocator(1000, 64); !errors.Is(err, buddy.ErrInvalidConfig) {
		t.Errorf("error = %v, want buddy.ErrInvalidConfig", err)
	}
	if n := c.Allocators(); n != 0 {
		t.Errorf("Allocators = %d, want 0", n)
	}
}

func TestStaleHandleAfterSlotReuse(t *testing.T) {
	c := newTestContext(t)

	h1 := mustCreateAllocator(t, c, 1024, 64)
	if err := c.DestroyAllocator(h1); err != nil {
		t.Fatalf("DestroyAllocator: %v", err)
	}

	h2 := mustCreateAllocator(t, c, 2048, 64)
	if h1.Index() != h2.Index() || h1 == h2 {
		t.Errorf("h1=%v h2=%v, want the same slot with a new generation", h1, h2)
	}

	if _, err := c.Allocator(h1); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("Allocator(h1) error = %v, want ErrStaleHandle", err)
	}
	a, err := c.Allocator(h2)
	if err != nil {
		t.Fatalf("Allocator(h2): %v", err)
	}
	if a.Size() != 2048 {
		t.Errorf("Size = %d, want 2048", a.Size())
	}
}

func TestInvalidHandle(t *testing.T) {
	c := newTestContext(t)

	if _, err := c.Allocator(0); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("Allocator(0) error = %v, want ErrInvalidHandle", err)
	}
	if _, err := c.Belt(Handle(42)); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("Belt(42) error = %v, want ErrInvalidHandle", err)
	}
}

func TestBeltLifecycle(t *testing.T) {
	c := newTestContext(t)

	h, b := mustBelt(t, c, 0)
	if b.ChunkSize() != DefaultChunkSize {
		t.Errorf("ChunkSize = %d, want %d", b.ChunkSize(), DefaultChunkSize)
	}
	if _, err := b.Write(16); err != nil {
		t.Fatalf("Write: %v", err)
	}

	chunks, err := c.DestroyBelt(h)
	if err != nil {
		t.Fatalf("DestroyBelt: %v", err)
	}
	if want := []uint64{1}; !reflect.DeepEqual(chunks, want) {
		t.Errorf("released chunks = %v, want %v", chunks, want)
	}
	if !b.Destroyed() {
		t.Error("belt not destroyed")
	}

	if _, err := c.Belt(h); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("Belt after destroy error = %v, want ErrStaleHandle", err)
	}
	if _, err := c.DestroyBelt(h); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("second DestroyBelt error = %v, want ErrStaleHandle", err)
	}
}

func TestBeltsShareContextFence(t *testing.T) {
	fence := &staging.ManualFence{}
	c := newTestContext(t, WithFence(fence))

	_, b := mustBelt(t, c, 64)
	if _, err := b.Write(64); err != nil {
		t.Fatalf("Write: %v", err)
	}
	sub := b.Finish()
	if n := b.Stats().InFlightChunks; n != 1 {
		t.Errorf("InFlightChunks = %d, want 1", n)
	}

	fence.Signal(sub)
	if n := b.Recall(); n != 1 {
		t.Errorf("Recall = %d, want 1", n)
	}
}

func TestCreateBeltInvalid(t *testing.T) {
	c := NewContext(Config{})
	if _, err := c.CreateBelt(0); err != nil {
		t.Fatalf("zero chunk size should take the default: %v", err)
	}

	c.config.Staging.ChunkSize = 0
	if _, err := c.CreateBelt(0); !errors.Is(err, staging.ErrInvalidChunkSize) {
		t.Errorf("error = %v, want staging.ErrInvalidChunkSize", err)
	}
}

func TestPoolUsesContextClock(t *testing.T) {
	now := time.Unix(1000, 0)
	cfg := DefaultConfig()
	cfg.Pool.EvictionTimeout = time.Second
	c := NewContext(cfg, WithClock(func() time.Time { return now }))
	t.Cleanup(func() { _ = c.Close() })

	p := c.Pool()
	if err := p.Add(7, 64, gputypes.BufferUsageVertex); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if ev := p.EvictOldBuffers(); len(ev) != 0 {
		t.Errorf("fresh buffer evicted: %+v", ev)
	}

	now = now.Add(2 * time.Second)
	want := []bufpool.Evicted{{Handle: 7, Size: 64, Usage: gputypes.BufferUsageVertex}}
	if ev := p.EvictOldBuffers(); !reflect.DeepEqual(ev, want) {
		t.Errorf("EvictOldBuffers = %+v, want %+v", ev, want)
	}
}

func TestStatsSnapshot(t *testing.T) {
	c := newTestContext(t)

	ah := mustCreateAllocator(t, c, 1024, 64)
	if _, err := c.Allocate(ah, 64); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	bh, _ := mustBelt(t, c, 128)
	c.Pipelines().InsertRender(1, 1)

	s := c.Stats()
	if st, ok := s.Allocators[ah]; !ok || st.AllocatedBlocks != 1 {
		t.Errorf("allocator stats = (%+v, %v), want one allocated block", st, ok)
	}
	if st, ok := s.Belts[bh]; !ok || st.ChunkSize != 128 {
		t.Errorf("belt stats = (%+v, %v), want chunk size 128", st, ok)
	}
	if n := s.Pipelines.RenderPipelines; n != 1 {
		t.Errorf("RenderPipelines = %d, want 1", n)
	}
}

func TestClose(t *testing.T) {
	c := NewContext(DefaultConfig())

	ah := mustCreateAllocator(t, c, 1024, 64)
	_, b := mustBelt(t, c, 64)
	if err := c.Pool().Add(1, 64, gputypes.BufferUsageVertex); err != nil {
		t.Fatalf("Add: %v", err)
	}
	c.Pipelines().InsertCompute(1, 1)

	for i := range 2 {
		if err := c.Close(); err != nil {
			t.Fatalf("Close #%d: %v", i, err)
		}
	}

	if !b.Destroyed() {
		t.Error("belt not destroyed on Close")
	}
	if n := c.Pool().Len(); n != 0 {
		t.Errorf("pool Len = %d, want 0", n)
	}
	if n := c.Pipelines().Stats().ComputePipelines; n != 0 {
		t.Errorf("ComputePipelines = %d, want 0", n)
	}

	if _, err := c.Allocator(ah); !errors.Is(err, ErrClosed) {
		t.Errorf("Allocator error = %v, want ErrClosed", err)
	}
	if _, err := c.CreateBelt(64); !errors.Is(err, ErrClosed) {
		t.Errorf("CreateBelt error = %v, want ErrClosed", err)
	}
	if err := c.DestroyAllocator(ah); !errors.Is(err, ErrClosed) {
		t.Errorf("DestroyAllocator error = %v, want ErrClosed", err)
	}
}

func TestConcurrentAllocators(t *testing.T) {
	c := newTestContext(t)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := c.CreateAllocator(4096, 64)
			if err != nil {
				t.Errorf("CreateAllocator: %v", err)
				return
			}
			off, err := c.Allocate(h, 64)
			if err != nil {
				t.Errorf("Allocate: %v", err)
				return
			}
			if err := c.Free(h, off); err != nil {
				t.Errorf("Free: %v", err)
			}
			if err := c.DestroyAllocator(h); err != nil {
				t.Errorf("DestroyAllocator: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := c.Allocators(); n != 0 {
		t.Errorf("Allocators = %d, want 0", n)
	}
}
