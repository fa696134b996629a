// Package stem computes virtual STEM images from raw detector frames.
//
// Every diffraction pattern of a scan is reduced to two scalars: the summed
// intensity inside a central bright-field disk and the summed intensity inside
// an annular dark-field ring. The scalars are scattered into two images indexed
// by scan position.
package stem

import "math"

// UnsetImageNumber is the raw sentinel used by acquisition formats for a frame
// whose index is unknown.
const UnsetImageNumber = math.MaxUint32

// Image is a 2D canvas of unsigned 64-bit samples stored in row-major order.
//
// The Data slice is owned by the Image. Assigning an Image shares the buffer,
// so callers that need an independent copy must use Clone.
type Image struct {
	Width  uint32
	Height uint32
	Data   []uint64
}

// NewImage allocates a zeroed image of the given dimensions.
func NewImage(width, height uint32) Image {
	return Image{
		Width:  width,
		Height: height,
		Data:   make([]uint64, int(width)*int(height)),
	}
}

// Len returns the number of samples, width*height.
func (im Image) Len() int {
	return len(im.Data)
}

// At returns the sample at column x, row y.
func (im Image) At(x, y int) uint64 {
	return im.Data[y*int(im.Width)+x]
}

// Set stores v at column x, row y.
func (im Image) Set(x, y int, v uint64) {
	im.Data[y*int(im.Width)+x] = v
}

// Clone returns a deep copy of the image.
func (im Image) Clone() Image {
	c := Image{Width: im.Width, Height: im.Height, Data: make([]uint64, len(im.Data))}
	copy(c.Data, im.Data)
	return c
}

// Equal reports whether both images have the same dimensions and samples.
func (im Image) Equal(other Image) bool {
	if im.Width != other.Width || im.Height != other.Height || len(im.Data) != len(other.Data) {
		return false
	}
	for i, v := range im.Data {
		if other.Data[i] != v {
			return false
		}
	}
	return true
}

// STEMImage pairs the bright-field and dark-field images of one scan. Both
// images always have identical dimensions.
type STEMImage struct {
	Bright Image
	Dark   Image
}

// NewSTEMImage allocates both images with width columns and height rows.
func NewSTEMImage(width, height uint32) STEMImage {
	return STEMImage{
		Bright: NewImage(width, height),
		Dark:   NewImage(width, height),
	}
}

// Width is the number of scan columns.
func (s STEMImage) Width() uint32 { return s.Bright.Width }

// Height is the number of scan rows.
func (s STEMImage) Height() uint32 { return s.Bright.Height }

// Clone returns a deep copy of both images.
func (s STEMImage) Clone() STEMImage {
	return STEMImage{Bright: s.Bright.Clone(), Dark: s.Dark.Clone()}
}

// Equal reports whether both bright and dark images match.
func (s STEMImage) Equal(other STEMImage) bool {
	return s.Bright.Equal(other.Bright) && s.Dark.Equal(other.Dark)
}

// ImageNumber is the identifying index of a frame. The zero value is unset.
type ImageNumber struct {
	value uint32
	set   bool
}

// NumberOf returns an ImageNumber holding n.
func NumberOf(n uint32) ImageNumber {
	return ImageNumber{value: n, set: true}
}

// ImageNumberFromRaw converts a raw acquisition index, mapping UnsetImageNumber
// to the unset value.
func ImageNumberFromRaw(raw uint32) ImageNumber {
	if raw == UnsetImageNumber {
		return ImageNumber{}
	}
	return NumberOf(raw)
}

// Get returns the index and whether it is set.
func (n ImageNumber) Get() (uint32, bool) {
	return n.value, n.set
}

// IsSet reports whether the index is known.
func (n ImageNumber) IsSet() bool {
	return n.set
}

// Raw returns the index, or UnsetImageNumber when unset.
func (n ImageNumber) Raw() uint32 {
	if !n.set {
		return UnsetImageNumber
	}
	return n.value
}

// STEMValues is the reduction of a single frame.
type STEMValues struct {
	Bright      uint64
	Dark        uint64
	ImageNumber ImageNumber
}
