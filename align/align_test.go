package align

import (
	"testing"

	"github.com/gogpu/gputypes"
)

func TestSize(t *testing.T) {
	tests := []struct {
		size, alignment, want uint64
	}{
		{100, 4, 100},
		{101, 4, 104},
		{103, 4, 104},
		{104, 4, 104},
		{105, 4, 108},
		{0, 256, 0},
		{100, 256, 256},
		{256, 256, 256},
		{257, 256, 512},
	}
	for _, tt := range tests {
		if got := Size(tt.size, tt.alignment); got != tt.want {
			t.Errorf("Size(%d, %d) = %d, want %d", tt.size, tt.alignment, got, tt.want)
		}
	}
}

func TestForUsage(t *testing.T) {
	tests := []struct {
		name  string
		usage gputypes.BufferUsage
		want  uint64
	}{
		{"uniform", gputypes.BufferUsageUniform, 256},
		{"storage", gputypes.BufferUsageStorage, 256},
		{"uniform storage", gputypes.BufferUsageUniform | gputypes.BufferUsageStorage, 256},
		{"vertex", gputypes.BufferUsageVertex, 4},
		{"readback", gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst, 4},
	}
	for _, tt := range tests {
		if got := ForUsage(tt.usage); got != tt.want {
			t.Errorf("ForUsage(%s) = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestRowPadding(t *testing.T) {
	tests := []struct {
		row, padding, padded uint64
	}{
		{100, 156, 256},
		{256, 0, 256},
		{300, 212, 512},
	}
	for _, tt := range tests {
		if got := RowPadding(tt.row); got != tt.padding {
			t.Errorf("RowPadding(%d) = %d, want %d", tt.row, got, tt.padding)
		}
		if got := PaddedRowSize(tt.row); got != tt.padded {
			t.Errorf("PaddedRowSize(%d) = %d, want %d", tt.row, got, tt.padded)
		}
	}
}

func TestTextureBufferSize(t *testing.T) {
	tests := []struct {
		width, height, bpp uint32
		want               uint64
	}{
		{100, 100, 4, 51200}, // 400 byte rows pad to 512
		{64, 64, 4, 16384},
		{64, 0, 4, 0},
	}
	for _, tt := range tests {
		if got := TextureBufferSize(tt.width, tt.height, tt.bpp); got != tt.want {
			t.Errorf("TextureBufferSize(%d, %d, %d) = %d, want %d", tt.width, tt.height, tt.bpp, got, tt.want)
		}
	}
}

func TestDescriptors(t *testing.T) {
	if u := Uniform(100); u.Size != 256 || u.Alignment() != 256 || u.MappedAtCreation {
		t.Errorf("Uniform(100) = %+v, want 256 bytes aligned to 256", u)
	}

	if s := Storage(100, true); s.Size != 256 || s.Usage&gputypes.BufferUsageCopySrc == 0 {
		t.Errorf("Storage(100, true) = %+v, want 256 bytes with CopySrc", s)
	}
	if s := Storage(100, false); s.Usage&gputypes.BufferUsageCopySrc != 0 {
		t.Errorf("Storage(100, false) has CopySrc: %+v", s)
	}

	if v := Vertex(100); v.Size != 100 || v.Alignment() != 4 {
		t.Errorf("Vertex(100) = %+v, want 100 bytes aligned to 4", v)
	}
	if n := Index(102).Size; n != 104 {
		t.Errorf("Index(102).Size = %d, want 104", n)
	}

	m := NewMapped(10, gputypes.BufferUsageMapWrite|gputypes.BufferUsageCopySrc)
	if !m.MappedAtCreation || m.Size != 12 {
		t.Errorf("NewMapped(10) = %+v, want 12 bytes mapped at creation", m)
	}
}
