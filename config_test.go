package gpures

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gogpu/gpures/bufpool"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if !reflect.DeepEqual(cfg.Pool, bufpool.DefaultConfig()) {
		t.Errorf("Pool = %+v, want bufpool defaults", cfg.Pool)
	}
	if cfg.Staging.ChunkSize != DefaultChunkSize {
		t.Errorf("ChunkSize = %d, want %d", cfg.Staging.ChunkSize, DefaultChunkSize)
	}
	if cfg.Allocator.Size != DefaultAllocatorSize || cfg.Allocator.MinBlockSize != DefaultMinBlockSize {
		t.Errorf("Allocator = %+v, want %d / %d", cfg.Allocator, DefaultAllocatorSize, DefaultMinBlockSize)
	}
}

func TestZeroConfigTakesDefaults(t *testing.T) {
	got := NewContext(Config{}).Config()
	want := DefaultConfig()
	want.Pool.EnableSizeClasses = false
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Config = %+v\nwant %+v", got, want)
	}
}

func TestDecodeConfig(t *testing.T) {
	src := `
[pool]
max_buffers = 200
eviction_timeout = "30s"
enable_size_classes = false

[staging]
chunk_size = 4096
`
	cfg, err := DecodeConfig(strings.NewReader(src))
	if err != nil {
		t.Fatalf("DecodeConfig: %v", err)
	}

	want := DefaultConfig()
	want.Pool.MaxBuffers = 200
	want.Pool.EvictionTimeout = 30 * time.Second
	want.Pool.EnableSizeClasses = false
	want.Staging.ChunkSize = 4096
	if !reflect.DeepEqual(cfg, want) {
		t.Errorf("DecodeConfig = %+v\nwant %+v", cfg, want)
	}
}

func TestDecodeConfigEmpty(t *testing.T) {
	cfg, err := DecodeConfig(strings.NewReader(""))
	if err != nil {
		t.Fatalf("DecodeConfig: %v", err)
	}
	if !reflect.DeepEqual(cfg, DefaultConfig()) {
		t.Errorf("DecodeConfig(\"\") = %+v, want defaults", cfg)
	}
}

func TestDecodeConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"syntax", "[pool\n"},
		{"unknown key", "[pool]\nmax_bufers = 1\n"},
		{"bad duration", "[pool]\neviction_timeout = \"soon\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeConfig(strings.NewReader(tt.src)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestConfigRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pool.MaxBuffers = 7
	cfg.Pool.EvictionTimeout = 1500 * time.Millisecond
	cfg.Allocator.MinBlockSize = 512

	data, err := cfg.MarshalTOML()
	if err != nil {
		t.Fatalf("MarshalTOML: %v", err)
	}
	path := filepath.Join(t.TempDir(), "gpures.toml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !reflect.DeepEqual(got, cfg) {
		t.Errorf("LoadConfig = %+v\nwant %+v", got, cfg)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("error = %v, want os.ErrNotExist", err)
	}
}
