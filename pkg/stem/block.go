package stem

import "fmt"

// Geometry is the pixel layout of a detector frame.
type Geometry struct {
	Width  int
	Height int
}

// Pixels returns the number of pixels in one frame.
func (g Geometry) Pixels() int {
	return g.Width * g.Height
}

func (g Geometry) String() string {
	return fmt.Sprintf("%dx%d", g.Width, g.Height)
}

// Position is an explicit location on the scan grid.
type Position struct {
	Row    int
	Column int
}

// Header describes the frames carried by a Block.
type Header struct {
	// FrameWidth and FrameHeight give the detector geometry shared by
	// every frame of the block.
	FrameWidth  int
	FrameHeight int

	// ImagesInBlock is the number of frames stored back to back in Data.
	ImagesInBlock int

	// ImageNumbers holds the identifying index of each frame. An entry equal
	// to UnsetImageNumber marks a frame of unknown origin.
	ImageNumbers []uint32

	// Positions optionally gives the scan location of each frame. When set it
	// takes precedence over ImageNumbers for placing the frame.
	Positions []Position
}

// Geometry returns the frame geometry described by the header.
func (h Header) Geometry() Geometry {
	return Geometry{Width: h.FrameWidth, Height: h.FrameHeight}
}

// Block is a batch of raw detector frames produced by the ingestion layer.
// Frame i occupies Data[i*pixels : (i+1)*pixels].
type Block struct {
	Header Header
	Data   []uint16
}

// Frame is a view of one diffraction pattern inside a block buffer.
type Frame struct {
	Data           []uint16
	Offset         int
	NumberOfPixels int
	ImageNumber    ImageNumber
	Position       *Position
	Geometry       Geometry
}

// Len returns the number of frames in the block.
func (b *Block) Len() int {
	return b.Header.ImagesInBlock
}

// Frame returns the i-th frame of the block. It does not check that the
// block buffer is large enough; see Validate.
func (b *Block) Frame(i int) Frame {
	geometry := b.Header.Geometry()
	f := Frame{
		Data:           b.Data,
		Offset:         i * geometry.Pixels(),
		NumberOfPixels: geometry.Pixels(),
		Geometry:       geometry,
	}
	if i < len(b.Header.ImageNumbers) {
		f.ImageNumber = ImageNumberFromRaw(b.Header.ImageNumbers[i])
	}
	if i < len(b.Header.Positions) {
		p := b.Header.Positions[i]
		f.Position = &p
	}
	return f
}

// Validate checks that frame i lies entirely inside the block buffer.
func (b *Block) Validate(i int) error {
	pixels := b.Header.Geometry().Pixels()
	if b.Header.FrameWidth <= 0 || b.Header.FrameHeight <= 0 {
		return fmt.Errorf("%w: frame geometry %s", ErrFrameBounds, b.Header.Geometry())
	}
	if end := (i + 1) * pixels; end > len(b.Data) {
		return fmt.Errorf("%w: frame %d needs %d samples, block holds %d", ErrFrameBounds, i, end, len(b.Data))
	}
	return nil
}
