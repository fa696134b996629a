package stem

// CalculateSTEMValues reduces one frame to its bright-field and dark-field
// sums.
//
// The frame occupies data[offset : offset+numberOfPixels]; bright and dark
// are indexed from the start of the frame and must hold at least
// numberOfPixels entries. A pixel adds to each sum whose mask entry is
// non-zero, so it may count towards both, either or neither. imageNumber is
// copied to the result unchanged.
//
// Out of range arguments panic through Go's bounds checks rather than read
// foreign memory.
func CalculateSTEMValues(data []uint16, offset, numberOfPixels int, bright, dark Mask, imageNumber ImageNumber) STEMValues {
	values := STEMValues{ImageNumber: imageNumber}

	frame := data[offset : offset+numberOfPixels]
	bright = bright[:numberOfPixels]
	dark = dark[:numberOfPixels]

	for i, pixel := range frame {
		if bright[i] != 0 {
			values.Bright += uint64(pixel)
		}
		if dark[i] != 0 {
			values.Dark += uint64(pixel)
		}
	}

	return values
}

// Reduce applies CalculateSTEMValues to a frame view.
func (f Frame) Reduce(masks *Masks) STEMValues {
	return CalculateSTEMValues(f.Data, f.Offset, f.NumberOfPixels, masks.Bright, masks.Dark, f.ImageNumber)
}
