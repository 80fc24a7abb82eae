package halbridge

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/gpures/align"
	"github.com/gogpu/gpures/bufpool"
	"github.com/gogpu/gpures/staging"
)

// countingDevice wraps a noop device and counts buffer lifecycle calls.
type countingDevice struct {
	hal.Device

	createErr error
	created   atomic.Int32
	destroyed atomic.Int32
}

func (d *countingDevice) CreateBuffer(desc *hal.BufferDescriptor) (hal.Buffer, error) {
	if d.createErr != nil {
		return nil, d.createErr
	}
	d.created.Add(1)
	return d.Device.CreateBuffer(desc)
}

func (d *countingDevice) DestroyBuffer(buf hal.Buffer) {
	d.destroyed.Add(1)
	d.Device.DestroyBuffer(buf)
}

func createNoopDevice(t *testing.T) (*countingDevice, hal.Queue) {
	t.Helper()
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	require.NoError(t, err)
	adapters := instance.EnumerateAdapters(nil)
	require.NotEmpty(t, adapters)
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		openDev.Device.Destroy()
		instance.Destroy()
	})
	return &countingDevice{Device: openDev.Device}, openDev.Queue
}

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func TestBuffersCreateOnMissThenReuse(t *testing.T) {
	dev, _ := createNoopDevice(t)
	pool := bufpool.New(bufpool.DefaultConfig())
	bufs := NewBuffers(dev, pool)

	id, raw, err := bufs.Acquire(align.Uniform(100))
	require.NoError(t, err)
	require.NotNil(t, raw)
	assert.Equal(t, int32(1), dev.created.Load())
	assert.True(t, pool.Contains(id))

	// Held buffers are not handed out twice.
	id2, _, err := bufs.Acquire(align.Uniform(100))
	require.NoError(t, err)
	assert.NotEqual(t, id, id2)
	assert.Equal(t, int32(2), dev.created.Load())

	require.True(t, bufs.Release(id))
	id3, raw3, err := bufs.Acquire(align.Uniform(64))
	require.NoError(t, err)
	assert.Equal(t, id, id3)
	assert.Equal(t, raw, raw3)
	assert.Equal(t, int32(2), dev.created.Load())

	got, ok := bufs.Lookup(id)
	assert.True(t, ok)
	assert.Equal(t, raw, got)
}

func TestBuffersCollectDestroysEvicted(t *testing.T) {
	dev, _ := createNoopDevice(t)
	clock := &testClock{now: time.Unix(100, 0)}
	cfg := bufpool.DefaultConfig()
	cfg.EvictionTimeout = time.Second
	bufs := NewBuffers(dev, bufpool.New(cfg, bufpool.WithClock(clock.Now)))

	id, _, err := bufs.Acquire(align.Vertex(256))
	require.NoError(t, err)
	require.True(t, bufs.Release(id))
	assert.Zero(t, bufs.Collect())

	clock.now = clock.now.Add(2 * time.Second)
	assert.Equal(t, 1, bufs.Collect())
	assert.Equal(t, int32(1), dev.destroyed.Load())
	assert.Zero(t, bufs.Len())
	_, ok := bufs.Lookup(id)
	assert.False(t, ok)
}

func TestBuffersEvictToMakeRoom(t *testing.T) {
	dev, _ := createNoopDevice(t)
	clock := &testClock{now: time.Unix(100, 0)}
	cfg := bufpool.Config{MaxBuffers: 1, MaxTotalSize: 1 << 20, EvictionTimeout: time.Second}
	bufs := NewBuffers(dev, bufpool.New(cfg, bufpool.WithClock(clock.Now)))

	id, _, err := bufs.Acquire(align.Vertex(256))
	require.NoError(t, err)

	_, _, err = bufs.Acquire(align.Index(256))
	assert.ErrorIs(t, err, bufpool.ErrExhausted)

	require.True(t, bufs.Release(id))
	clock.now = clock.now.Add(2 * time.Second)

	id2, _, err := bufs.Acquire(align.Index(256))
	require.NoError(t, err)
	assert.NotEqual(t, id, id2)
	assert.Equal(t, int32(1), dev.destroyed.Load(), "evicted buffer is destroyed")
	assert.Equal(t, 1, bufs.Len())
}

func TestBuffersErrors(t *testing.T) {
	dev, _ := createNoopDevice(t)
	bufs := NewBuffers(dev, bufpool.New(bufpool.DefaultConfig()))

	_, _, err := bufs.Acquire(align.Descriptor{})
	assert.ErrorIs(t, err, ErrInvalidBufferSize)

	boom := errors.New("device lost")
	dev.createErr = boom
	_, _, err = bufs.Acquire(align.Vertex(64))
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, bufs.Len())
}

func TestBuffersDestroyAndClose(t *testing.T) {
	dev, _ := createNoopDevice(t)
	pool := bufpool.New(bufpool.DefaultConfig())
	bufs := NewBuffers(dev, pool)

	id1, _, err := bufs.Acquire(align.Vertex(64))
	require.NoError(t, err)
	_, _, err = bufs.Acquire(align.Vertex(64))
	require.NoError(t, err)

	assert.True(t, bufs.Destroy(id1))
	assert.False(t, bufs.Destroy(id1))
	assert.Equal(t, int32(1), dev.destroyed.Load())

	bufs.Close()
	assert.Equal(t, int32(2), dev.destroyed.Load())
	assert.Zero(t, pool.Len())
	assert.Zero(t, bufs.Len())
}

func TestStagingChunksUpload(t *testing.T) {
	dev, queue := createNoopDevice(t)
	belt, err := staging.New(1024)
	require.NoError(t, err)
	chunks := NewStagingChunks(dev, queue, belt)

	w1, buf1, err := chunks.Upload(make([]byte, 600))
	require.NoError(t, err)
	require.NotNil(t, buf1)
	assert.Equal(t, staging.Write{BufferHandle: 1, Offset: 0, Size: 600}, w1)

	w2, _, err := chunks.Upload(make([]byte, 600))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), w2.BufferHandle)
	assert.Equal(t, 2, chunks.Len())

	// Recycled chunks keep their buffers.
	belt.Finish()
	w3, buf3, err := chunks.Upload(make([]byte, 16))
	require.NoError(t, err)
	got, ok := chunks.Buffer(w3.BufferHandle)
	require.True(t, ok)
	assert.Equal(t, got, buf3)
	assert.Equal(t, int32(2), dev.created.Load())

	_, _, err = chunks.Upload(make([]byte, 2048))
	assert.ErrorIs(t, err, staging.ErrWriteTooLarge)

	chunks.Destroy()
	assert.Equal(t, int32(2), dev.destroyed.Load())
	assert.True(t, belt.Destroyed())
	assert.Zero(t, chunks.Len())
}
