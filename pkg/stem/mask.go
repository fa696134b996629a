package stem

import "image"

// Mask selects pixels of a frame. A non-zero entry marks membership.
type Mask []uint16

// Contains reports whether pixel i is part of the mask.
func (m Mask) Contains(i int) bool {
	return m[i] != 0
}

// Count returns the number of selected pixels.
func (m Mask) Count() int {
	n := 0
	for _, v := range m {
		if v != 0 {
			n++
		}
	}
	return n
}

// Masks holds the bright-field and dark-field masks for one detector
// geometry. They are read-only once built and shared by every frame.
type Masks struct {
	Geometry Geometry
	Bright   Mask
	Dark     Mask
}

// DefaultCenter returns the pixel used as the centre of the diffraction
// pattern when none is configured.
func DefaultCenter(g Geometry) image.Point {
	return image.Pt(g.Width/2, g.Height/2)
}

// CreateAnnularMask selects the pixels whose distance d from center satisfies
// inner <= d < outer. Pixels are stored row-major.
func CreateAnnularMask(g Geometry, center image.Point, inner, outer int) Mask {
	mask := make(Mask, g.Pixels())
	inner2 := inner * inner
	outer2 := outer * outer
	for y := 0; y < g.Height; y++ {
		dy := y - center.Y
		for x := 0; x < g.Width; x++ {
			dx := x - center.X
			d2 := dx*dx + dy*dy
			if d2 >= inner2 && d2 < outer2 {
				mask[y*g.Width+x] = 1
			}
		}
	}
	return mask
}

// NewMasks derives the bright-field disk (d < inner) and dark-field annulus
// (inner <= d < outer) for a geometry. A nil center selects DefaultCenter.
func NewMasks(g Geometry, center *image.Point, inner, outer int) *Masks {
	c := DefaultCenter(g)
	if center != nil {
		c = *center
	}
	return &Masks{
		Geometry: g,
		Bright:   CreateAnnularMask(g, c, 0, inner),
		Dark:     CreateAnnularMask(g, c, inner, outer),
	}
}
