package stem

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidGeometry is returned when the radii cannot describe a disk
	// and an annulus, or the scan grid is negative. No image is produced.
	ErrInvalidGeometry = errors.New("invalid geometry")

	// ErrOutOfBounds marks a frame whose scan position falls outside the grid.
	ErrOutOfBounds = errors.New("scan position out of bounds")

	// ErrCollision marks a frame claiming a position already written by
	// another frame.
	ErrCollision = errors.New("scan position already written")

	// ErrFrameBounds marks a frame that does not fit in its block buffer.
	ErrFrameBounds = errors.New("frame exceeds block buffer")

	// ErrMissingImageNumber marks a frame with neither an image number nor an
	// explicit position.
	ErrMissingImageNumber = errors.New("frame has no image number")
)

// FrameError reports a frame that was rejected during assembly. The frame
// leaves its scan position untouched.
type FrameError struct {
	Block       int
	Frame       int
	ImageNumber ImageNumber
	Err         error
}

func (e *FrameError) Error() string {
	if n, ok := e.ImageNumber.Get(); ok {
		return fmt.Sprintf("block %d frame %d (image %d): %v", e.Block, e.Frame, n, e.Err)
	}
	return fmt.Sprintf("block %d frame %d: %v", e.Block, e.Frame, e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}
