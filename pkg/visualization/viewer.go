package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"golang.org/x/image/tiff"

	"stemimage/pkg/stem"
)

// Field names accepted by the viewer.
const (
	Bright = "bright"
	Dark   = "dark"
)

// Viewer exports the bright-field and dark-field images of a scan as 16-bit
// grayscale pictures.
type Viewer struct {
	// image holds the virtual STEM result
	image stem.STEMImage
}

// NewViewer creates a viewer for img
func NewViewer(img stem.STEMImage) *Viewer {
	return &Viewer{image: img}
}

// field selects one of the two images
func (v *Viewer) field(name string) (stem.Image, error) {
	switch name {
	case Bright:
		return v.image.Bright, nil
	case Dark:
		return v.image.Dark, nil
	default:
		return stem.Image{}, fmt.Errorf("invalid field: %s (must be %s or %s)", name, Bright, Dark)
	}
}

// ExtractField renders a field as a Gray16 image. Samples are stretched
// linearly so that the minimum maps to black and the maximum to white; a
// constant image renders black.
func (v *Viewer) ExtractField(name string) (*image.Gray16, error) {
	src, err := v.field(name)
	if err != nil {
		return nil, err
	}

	img := image.NewGray16(image.Rect(0, 0, int(src.Width), int(src.Height)))
	if src.Len() == 0 {
		return img, nil
	}

	lo, hi := uint64(math.MaxUint64), uint64(0)
	for _, s := range src.Data {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	span := float64(hi - lo)

	for y := 0; y < int(src.Height); y++ {
		for x := 0; x < int(src.Width); x++ {
			var value uint16
			if span > 0 {
				value = uint16(math.Round(float64(src.At(x, y)-lo) / span * math.MaxUint16))
			}
			img.SetGray16(x, y, color.Gray16{Y: value})
		}
	}
	return img, nil
}

// ExtractRegion copies a rectangle of raw samples out of a field
func (v *Viewer) ExtractRegion(name string, startX, startY, sizeX, sizeY int) ([]uint64, error) {
	src, err := v.field(name)
	if err != nil {
		return nil, err
	}

	// Validate parameters
	if startX < 0 || startY < 0 {
		return nil, fmt.Errorf("start coordinates must be non-negative")
	}
	if sizeX <= 0 || sizeY <= 0 {
		return nil, fmt.Errorf("size dimensions must be positive")
	}
	if startX+sizeX > int(src.Width) || startY+sizeY > int(src.Height) {
		return nil, fmt.Errorf("region extends beyond image boundaries")
	}

	region := make([]uint64, 0, sizeX*sizeY)
	for y := startY; y < startY+sizeY; y++ {
		region = append(region, src.Data[y*int(src.Width)+startX:y*int(src.Width)+startX+sizeX]...)
	}
	return region, nil
}

// SaveImage writes img to filename as PNG or TIFF
func (v *Viewer) SaveImage(img image.Image, filename, format string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	switch format {
	case "png":
		return png.Encode(file, img)
	case "tiff":
		return tiff.Encode(file, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

// SaveAll writes both fields in every requested format and returns the
// written paths
func (v *Viewer) SaveAll(outputDir string, formats []string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	var written []string
	for _, name := range []string{Bright, Dark} {
		img, err := v.ExtractField(name)
		if err != nil {
			return written, err
		}
		for _, format := range formats {
			filename := filepath.Join(outputDir, fmt.Sprintf("%s_field.%s", name, format))
			if err := v.SaveImage(img, filename, format); err != nil {
				return written, fmt.Errorf("failed to save %s: %w", filename, err)
			}
			written = append(written, filename)
		}
	}
	return written, nil
}
