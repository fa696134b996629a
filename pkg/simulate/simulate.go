// Package simulate produces synthetic 4D-STEM acquisitions.
//
// Each scan position yields a diffraction pattern with a bright direct beam
// and a diffuse scattered halo. A specimen thickness map moves intensity from
// the beam into the halo, so the virtual bright-field and dark-field images
// show the specimen with opposite contrast. Counts follow Poisson statistics.
package simulate

import (
	"context"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"stemimage/pkg/stem"
)

// Options configures a simulated acquisition.
type Options struct {
	Rows, Columns  int
	Geometry       stem.Geometry
	FramesPerBlock int

	// BeamRadius is the radius of the direct beam around the frame centre.
	BeamRadius int

	// BeamIntensity and ScatterIntensity are the mean counts per pixel
	// inside and outside the beam for an empty specimen.
	BeamIntensity    float64
	ScatterIntensity float64

	Seed uint64

	// Shuffle delivers blocks in random order, as a multi-threaded reader
	// would.
	Shuffle bool
}

// Simulator generates blocks for one scan.
type Simulator struct {
	opts Options
	rng  *rand.Rand
}

// New returns a Simulator. FramesPerBlock below one is treated as one.
func New(opts Options) *Simulator {
	if opts.FramesPerBlock < 1 {
		opts.FramesPerBlock = 1
	}
	return &Simulator{
		opts: opts,
		rng:  rand.New(rand.NewSource(opts.Seed)),
	}
}

// Thickness returns the specimen thickness in [0, 1] at a scan position: two
// round particles on a thin support film.
func Thickness(row, column, rows, columns int) float64 {
	if rows == 0 || columns == 0 {
		return 0
	}
	y := (float64(row) + 0.5) / float64(rows)
	x := (float64(column) + 0.5) / float64(columns)

	t := 0.1
	for _, p := range []struct{ x, y, r float64 }{{0.3, 0.35, 0.15}, {0.7, 0.65, 0.2}} {
		d := math.Hypot(x-p.x, y-p.y)
		if d < p.r {
			t += 0.8 * math.Sqrt(1-(d*d)/(p.r*p.r))
		}
	}
	return math.Min(t, 1)
}

// Blocks generates the whole scan. Frames are numbered in raster order and
// batched FramesPerBlock at a time.
func (s *Simulator) Blocks() []stem.Block {
	total := s.opts.Rows * s.opts.Columns
	var blocks []stem.Block
	for start := 0; start < total; start += s.opts.FramesPerBlock {
		end := start + s.opts.FramesPerBlock
		if end > total {
			end = total
		}
		blocks = append(blocks, s.block(start, end))
	}
	if s.opts.Shuffle {
		s.rng.Shuffle(len(blocks), func(i, j int) {
			blocks[i], blocks[j] = blocks[j], blocks[i]
		})
	}
	return blocks
}

// Stream sends the scan on out and closes it. It stops early, returning
// ctx.Err(), when ctx is cancelled.
func (s *Simulator) Stream(ctx context.Context, out chan<- stem.Block) error {
	defer close(out)
	for _, b := range s.Blocks() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- b:
		}
	}
	return nil
}

func (s *Simulator) block(start, end int) stem.Block {
	g := s.opts.Geometry
	pixels := g.Pixels()
	b := stem.Block{
		Header: stem.Header{
			FrameWidth:    g.Width,
			FrameHeight:   g.Height,
			ImagesInBlock: end - start,
			ImageNumbers:  make([]uint32, 0, end-start),
		},
		Data: make([]uint16, (end-start)*pixels),
	}
	for n := start; n < end; n++ {
		b.Header.ImageNumbers = append(b.Header.ImageNumbers, uint32(n))
		s.pattern(b.Data[(n-start)*pixels:(n-start+1)*pixels], n)
	}
	return b
}

// pattern fills frame with the diffraction pattern of image n.
func (s *Simulator) pattern(frame []uint16, n int) {
	g := s.opts.Geometry
	row, column := n/s.opts.Columns, n%s.opts.Columns
	t := Thickness(row, column, s.opts.Rows, s.opts.Columns)

	beam := s.opts.BeamIntensity * (1 - 0.6*t)
	scatter := s.opts.ScatterIntensity * (1 + 3*t)

	center := stem.DefaultCenter(g)
	r2 := s.opts.BeamRadius * s.opts.BeamRadius
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			dx, dy := x-center.X, y-center.Y
			lambda := scatter
			if dx*dx+dy*dy < r2 {
				lambda = beam
			}
			frame[y*g.Width+x] = s.count(lambda)
		}
	}
}

func (s *Simulator) count(lambda float64) uint16 {
	if lambda <= 0 {
		return 0
	}
	v := distuv.Poisson{Lambda: lambda, Src: s.rng}.Rand()
	if v > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v)
}
