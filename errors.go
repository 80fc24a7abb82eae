package gpures

import (
	"errors"
	"fmt"

	"github.com/gogpu/gpures/internal/handle"
)

// Context errors.
var (
	// ErrNotFound is returned when an offset, buffer or pipeline is not
	// tracked by the component it was passed to.
	ErrNotFound = errors.New("gpures: not found")

	// ErrInvalidHandle is returned for the zero handle or a handle that was
	// never issued.
	ErrInvalidHandle = errors.New("gpures: invalid handle")

	// ErrStaleHandle is returned for a handle whose object was destroyed.
	ErrStaleHandle = errors.New("gpures: stale handle")

	// ErrClosed is returned by every Context method after Close.
	ErrClosed = errors.New("gpures: context closed")
)

// Handle identifies an allocator or belt owned by a Context.
// The zero Handle is never issued.
type Handle = handle.Handle

// handleError maps handle table errors to the exported sentinels.
func handleError(kind string, h Handle, err error) error {
	switch {
	case errors.Is(err, handle.ErrStale):
		return fmt.Errorf("%w: %s %s", ErrStaleHandle, kind, h)
	case errors.Is(err, handle.ErrInvalid):
		return fmt.Errorf("%w: %s %s", ErrInvalidHandle, kind, h)
	default:
		return err
	}
}
