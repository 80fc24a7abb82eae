// Package ffi flattens the gpures API for a scripting host.
//
// Every operation takes and returns primitive values or flat records. A
// failure is reported as an explicit Status, never as a zero sentinel, and
// its message is kept for LastError. Booleans cross as Bool (0 or 1).
// Records carry json tags so a host can also receive them as JSON.
package ffi

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gpures"
	"github.com/gogpu/gpures/bufpool"
	"github.com/gogpu/gpures/buddy"
	"github.com/gogpu/gpures/staging"
)

// Status is the result code of a bridge operation.
type Status int32

// Status codes.
const (
	StatusOK Status = iota
	StatusNotFound
	StatusOutOfMemory
	StatusTooLarge
	StatusInvalidConfig
	StatusInvalidHandle
	StatusStaleHandle
	StatusExhausted
	StatusDestroyed
	StatusAlreadyExists
	StatusInternal
)

var statusNames = [...]string{
	StatusOK:            "OK",
	StatusNotFound:      "NotFound",
	StatusOutOfMemory:   "OutOfMemory",
	StatusTooLarge:      "TooLarge",
	StatusInvalidConfig: "InvalidConfig",
	StatusInvalidHandle: "InvalidHandle",
	StatusStaleHandle:   "StaleHandle",
	StatusExhausted:     "Exhausted",
	StatusDestroyed:     "Destroyed",
	StatusAlreadyExists: "AlreadyExists",
	StatusInternal:      "Internal",
}

// String returns the status name.
func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", int32(s))
}

// Bool is a boolean as a host sees it: 0 or 1.
type Bool uint8

// Bool values.
const (
	False Bool = 0
	True  Bool = 1
)

func boolOf(v bool) Bool {
	if v {
		return True
	}
	return False
}

// StatusOf classifies an error returned by any gpures package.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, gpures.ErrNotFound), errors.Is(err, bufpool.ErrMiss):
		return StatusNotFound
	case errors.Is(err, buddy.ErrOutOfMemory):
		return StatusOutOfMemory
	case errors.Is(err, buddy.ErrTooLarge):
		return StatusTooLarge
	case errors.Is(err, buddy.ErrInvalidConfig), errors.Is(err, staging.ErrInvalidChunkSize):
		return StatusInvalidConfig
	case errors.Is(err, gpures.ErrInvalidHandle),
		errors.Is(err, staging.ErrWriteTooLarge),
		errors.Is(err, staging.ErrZeroSize):
		return StatusInvalidHandle
	case errors.Is(err, gpures.ErrStaleHandle):
		return StatusStaleHandle
	case errors.Is(err, bufpool.ErrExhausted):
		return StatusExhausted
	case errors.Is(err, staging.ErrDestroyed), errors.Is(err, gpures.ErrClosed):
		return StatusDestroyed
	case errors.Is(err, bufpool.ErrDuplicateHandle):
		return StatusAlreadyExists
	default:
		return StatusInternal
	}
}

// Bridge exposes a Context through primitive-typed operations.
//
// Bridge is safe for concurrent use. LastError is shared by all callers of
// one Bridge.
type Bridge struct {
	ctx *gpures.Context

	mu      sync.Mutex
	lastErr string
}

// New creates a bridge over ctx.
func New(ctx *gpures.Context) *Bridge {
	return &Bridge{ctx: ctx}
}

// Context returns the underlying Context.
func (b *Bridge) Context() *gpures.Context { return b.ctx }

// fail records err for LastError and returns its status.
func (b *Bridge) fail(err error) Status {
	st := StatusOf(err)
	if st == StatusOK {
		return st
	}
	b.mu.Lock()
	b.lastErr = err.Error()
	b.mu.Unlock()
	return st
}

// LastError returns the message of the most recent failure and clears it.
// It returns "" when nothing failed since the previous call.
func (b *Bridge) LastError() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg := b.lastErr
	b.lastErr = ""
	return msg
}

// Version returns the library version.
func Version() string { return gpures.Version }

// Snapshot is the JSON document returned by StatsJSON.
type Snapshot struct {
	Version    string           `json:"version"`
	Allocators []AllocatorStats `json:"allocators"`
	Belts      []BeltStats      `json:"belts"`
	Pool       PoolStats        `json:"pool"`
	Pipelines  PipelineStats    `json:"pipelines"`
}

// Snapshot returns the statistics of every component. Allocators and belts
// are ordered by handle.
func (b *Bridge) Snapshot() Snapshot {
	s := b.ctx.Stats()
	snap := Snapshot{
		Version:    gpures.Version,
		Allocators: make([]AllocatorStats, 0, len(s.Allocators)),
		Belts:      make([]BeltStats, 0, len(s.Belts)),
		Pool:       poolStatsOf(s.Pool),
		Pipelines:  pipelineStatsOf(s.Pipelines),
	}
	for h, st := range s.Allocators {
		snap.Allocators = append(snap.Allocators, allocatorStatsOf(uint64(h), st))
	}
	for h, st := range s.Belts {
		snap.Belts = append(snap.Belts, beltStatsOf(uint64(h), st))
	}
	sortByHandle(snap.Allocators, func(a AllocatorStats) uint64 { return a.Handle })
	sortByHandle(snap.Belts, func(s BeltStats) uint64 { return s.Handle })
	return snap
}

// StatsJSON returns Snapshot encoded as JSON.
func (b *Bridge) StatsJSON() (string, Status) {
	data, err := json.Marshal(b.Snapshot())
	if err != nil {
		return "", b.fail(fmt.Errorf("ffi: encode stats: %w", err))
	}
	return string(data), StatusOK
}
