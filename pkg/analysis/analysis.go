// Package analysis computes summary statistics over virtual STEM images.
package analysis

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"stemimage/pkg/stem"
)

// Summary holds basic statistics of an image.
type Summary struct {
	Min    float64
	Max    float64
	Mean   float64
	StdDev float64
	Total  float64
}

// Floats converts the image samples to float64 in row-major order.
func Floats(im stem.Image) []float64 {
	out := make([]float64, len(im.Data))
	for i, v := range im.Data {
		out[i] = float64(v)
	}
	return out
}

// Summarize returns the statistics of im. An empty image yields a zero
// Summary.
func Summarize(im stem.Image) Summary {
	if im.Len() == 0 {
		return Summary{}
	}
	x := Floats(im)
	mean, std := stat.MeanStdDev(x, nil)
	return Summary{
		Min:    floats.Min(x),
		Max:    floats.Max(x),
		Mean:   mean,
		StdDev: std,
		Total:  floats.Sum(x),
	}
}

// ToDense returns the image as a Height x Width matrix. It returns nil for an
// empty image, which gonum cannot represent.
func ToDense(im stem.Image) *mat.Dense {
	if im.Len() == 0 {
		return nil
	}
	return mat.NewDense(int(im.Height), int(im.Width), Floats(im))
}

// RowProfile returns the mean of every scan row.
func RowProfile(im stem.Image) []float64 {
	m := ToDense(im)
	if m == nil {
		return nil
	}
	rows, _ := m.Dims()
	out := make([]float64, rows)
	for r := range out {
		out[r] = stat.Mean(m.RawRowView(r), nil)
	}
	return out
}

// ColumnProfile returns the mean of every scan column.
func ColumnProfile(im stem.Image) []float64 {
	m := ToDense(im)
	if m == nil {
		return nil
	}
	_, cols := m.Dims()
	out := make([]float64, cols)
	col := make([]float64, int(im.Height))
	for c := range out {
		mat.Col(col, c, m)
		out[c] = stat.Mean(col, nil)
	}
	return out
}

// Correlation returns the Pearson correlation between the bright-field and
// dark-field images. It is NaN when either image is constant.
func Correlation(s stem.STEMImage) float64 {
	return stat.Correlation(Floats(s.Bright), Floats(s.Dark), nil)
}
