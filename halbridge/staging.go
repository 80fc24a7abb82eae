package halbridge

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpures/align"
	"github.com/gogpu/gpures/internal/logging"
	"github.com/gogpu/gpures/staging"
)

// chunkUsage is the usage of staging chunk buffers: written by the queue,
// then copied into their destination.
const chunkUsage = gputypes.BufferUsageCopyDst | gputypes.BufferUsageCopySrc

// StagingChunks backs the chunks of a staging.Belt with HAL buffers,
// created the first time the belt hands out each chunk.
//
// StagingChunks is safe for concurrent use.
type StagingChunks struct {
	device hal.Device
	queue  hal.Queue
	belt   *staging.Belt

	mu     sync.Mutex
	chunks map[uint64]hal.Buffer
}

// NewStagingChunks creates chunk storage for belt.
func NewStagingChunks(device hal.Device, queue hal.Queue, belt *staging.Belt) *StagingChunks {
	return &StagingChunks{
		device: device,
		queue:  queue,
		belt:   belt,
		chunks: make(map[uint64]hal.Buffer),
	}
}

// Upload reserves room for data on the belt and writes data into the chunk.
// The returned buffer and write region are the copy source for the frame.
func (s *StagingChunks) Upload(data []byte) (staging.Write, hal.Buffer, error) {
	w, err := s.belt.Write(uint64(len(data)))
	if err != nil {
		return staging.Write{}, nil, err
	}
	buf, err := s.chunkBuffer(w.BufferHandle)
	if err != nil {
		return staging.Write{}, nil, err
	}
	s.queue.WriteBuffer(buf, w.Offset, data)
	return w, buf, nil
}

// chunkBuffer returns the buffer of a chunk, creating it if needed.
func (s *StagingChunks) chunkBuffer(handle uint64) (hal.Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if buf, ok := s.chunks[handle]; ok {
		return buf, nil
	}

	desc := align.New(s.belt.ChunkSize(), chunkUsage)
	buf, err := s.device.CreateBuffer(&hal.BufferDescriptor{
		Label: fmt.Sprintf("staging-chunk-%d", handle),
		Size:  desc.Size,
		Usage: desc.Usage,
	})
	if err != nil {
		return nil, fmt.Errorf("halbridge: create staging chunk %d: %w", handle, err)
	}
	s.chunks[handle] = buf
	logging.Logger().Debug("halbridge: staging chunk created", "handle", handle, "size", desc.Size)
	return buf, nil
}

// Buffer returns the buffer behind a chunk handle.
func (s *StagingChunks) Buffer(handle uint64) (hal.Buffer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.chunks[handle]
	return buf, ok
}

// Len returns the number of chunk buffers created.
func (s *StagingChunks) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

// Destroy destroys the belt and every chunk buffer.
func (s *StagingChunks) Destroy() {
	s.belt.Destroy()

	s.mu.Lock()
	chunks := s.chunks
	s.chunks = make(map[uint64]hal.Buffer)
	s.mu.Unlock()

	for _, buf := range chunks {
		s.device.DestroyBuffer(buf)
	}
}
