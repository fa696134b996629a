package stem

import (
	"context"
	"fmt"
	"image"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Params holds the assembly parameters.
type Params struct {
	// Rows and Columns give the shape of the scan grid, and therefore of
	// both output images (width = Columns, height = Rows).
	Rows    int
	Columns int

	// InnerRadius bounds the bright-field disk; the dark-field annulus spans
	// [InnerRadius, OuterRadius). Units are detector pixels.
	InnerRadius int
	OuterRadius int

	// Center overrides the centre of the diffraction pattern. When nil the
	// middle pixel of each frame geometry is used.
	Center *image.Point

	// Workers is the number of goroutines reducing blocks. Zero or less
	// selects runtime.NumCPU().
	Workers int

	// Logger receives rejected frames and per-block progress. Nil disables
	// logging.
	Logger *zap.Logger

	// Progress, if set, is called from the collecting goroutine after each
	// block. total is zero when the number of blocks is not known up front.
	Progress func(done, total int)
}

// Validate checks the radii and the scan grid.
func (p Params) Validate() error {
	if p.InnerRadius < 0 || p.OuterRadius < 0 {
		return fmt.Errorf("%w: radii must be non-negative (inner %d, outer %d)", ErrInvalidGeometry, p.InnerRadius, p.OuterRadius)
	}
	if p.InnerRadius > p.OuterRadius {
		return fmt.Errorf("%w: inner radius %d exceeds outer radius %d", ErrInvalidGeometry, p.InnerRadius, p.OuterRadius)
	}
	if p.Rows < 0 || p.Columns < 0 {
		return fmt.Errorf("%w: scan grid %dx%d", ErrInvalidGeometry, p.Columns, p.Rows)
	}
	return nil
}

// Report summarises one assembly run.
type Report struct {
	Blocks   int // blocks reduced
	Frames   int // frames written to the image
	Rejected int // frames rejected with a FrameError
}

// Result is the outcome of an assembly run.
type Result struct {
	Image  STEMImage
	Report Report
}

// Assembler reduces blocks of frames into a STEMImage.
//
// Blocks are independent units of work and are spread over a pool of
// goroutines. Each scan position is claimed once through an atomic table, so
// image writes never overlap and need no lock.
type Assembler struct {
	params Params
	logger *zap.Logger
	masks  *maskCache
}

// NewAssembler validates params and returns an Assembler. Geometry errors are
// reported here, before any block is looked at.
func NewAssembler(params Params) (*Assembler, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if params.Workers <= 0 {
		params.Workers = runtime.NumCPU()
	}
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{
		params: params,
		logger: logger,
		masks:  newMaskCache(params.Center, params.InnerRadius, params.OuterRadius),
	}, nil
}

// CreateSTEMImage builds the bright-field and dark-field images of a scan of
// rows x columns positions from blocks, reducing one block at a time.
//
// A geometry error yields no image. Rejected frames leave their position at
// zero and are returned as a combined error next to the usable image; use
// multierr.Errors or errors.As with *FrameError to inspect them.
func CreateSTEMImage(blocks []Block, rows, columns, innerRadius, outerRadius int) (STEMImage, error) {
	a, err := NewAssembler(Params{
		Rows:        rows,
		Columns:     columns,
		InnerRadius: innerRadius,
		OuterRadius: outerRadius,
		Workers:     1,
	})
	if err != nil {
		return STEMImage{}, err
	}
	res, err := a.Process(context.Background(), blocks)
	return res.Image, err
}

type indexedBlock struct {
	index int
	block *Block
}

type blockResult struct {
	index    int
	frames   int
	rejected []error
}

// Process reduces every block into a new STEMImage.
//
// Cancelling ctx stops dispatching further blocks. Blocks already being
// reduced are finished, positions that were never reached stay zero, and the
// partial result is returned together with ctx.Err().
func (a *Assembler) Process(ctx context.Context, blocks []Block) (*Result, error) {
	src := make(chan indexedBlock)
	go func() {
		defer close(src)
		for i := range blocks {
			select {
			case <-ctx.Done():
				return
			case src <- indexedBlock{index: i, block: &blocks[i]}:
			}
		}
	}()
	return a.run(ctx, src, len(blocks))
}

// ProcessStream is Process for blocks arriving on a channel, as produced by a
// live acquisition. It returns once blocks is closed or ctx is cancelled.
func (a *Assembler) ProcessStream(ctx context.Context, blocks <-chan Block) (*Result, error) {
	src := make(chan indexedBlock)
	go func() {
		defer close(src)
		i := 0
		for {
			select {
			case <-ctx.Done():
				return
			case b, ok := <-blocks:
				if !ok {
					return
				}
				select {
				case <-ctx.Done():
					return
				case src <- indexedBlock{index: i, block: &b}:
				}
				i++
			}
		}
	}()
	return a.run(ctx, src, 0)
}

func (a *Assembler) run(ctx context.Context, src <-chan indexedBlock, total int) (*Result, error) {
	rows, columns := a.params.Rows, a.params.Columns
	res := &Result{Image: NewSTEMImage(uint32(columns), uint32(rows))}

	// Nothing can be placed on an empty grid; the source is drained so the
	// feeding goroutine exits.
	if rows*columns == 0 {
		for range src {
		}
		return res, ctx.Err()
	}

	claims := make([]uint32, rows*columns)
	results := make(chan blockResult, a.params.Workers)

	var wg sync.WaitGroup
	for w := 0; w < a.params.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range src {
				if ctx.Err() != nil {
					continue
				}
				results <- a.reduceBlock(job, res.Image, claims)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var errs error
	for r := range results {
		res.Report.Blocks++
		res.Report.Frames += r.frames
		res.Report.Rejected += len(r.rejected)
		errs = multierr.Append(errs, multierr.Combine(r.rejected...))

		a.logger.Debug("block reduced",
			zap.Int("block", r.index),
			zap.Int("frames", r.frames),
			zap.Int("rejected", len(r.rejected)))
		if a.params.Progress != nil {
			a.params.Progress(res.Report.Blocks, total)
		}
	}

	if err := ctx.Err(); err != nil {
		a.logger.Warn("assembly cancelled", zap.Int("blocks", res.Report.Blocks), zap.Error(err))
		errs = multierr.Append(err, errs)
	}
	return res, errs
}

// reduceBlock reduces every frame of one block and writes the values into
// img. Frames that cannot be placed are returned as *FrameError.
func (a *Assembler) reduceBlock(job indexedBlock, img STEMImage, claims []uint32) blockResult {
	out := blockResult{index: job.index}
	b := job.block

	reject := func(frame int, number ImageNumber, err error) {
		fe := &FrameError{Block: job.index, Frame: frame, ImageNumber: number, Err: err}
		a.logger.Warn("frame rejected",
			zap.Int("block", fe.Block),
			zap.Int("frame", fe.Frame),
			zap.Uint32("image_number", number.Raw()),
			zap.Error(err))
		out.rejected = append(out.rejected, fe)
	}

	var masks *Masks
	for i := 0; i < b.Len(); i++ {
		if err := b.Validate(i); err != nil {
			reject(i, b.Frame(i).ImageNumber, err)
			continue
		}
		f := b.Frame(i)
		pos, err := a.position(f)
		if err != nil {
			reject(i, f.ImageNumber, err)
			continue
		}
		if !atomic.CompareAndSwapUint32(&claims[pos], 0, 1) {
			reject(i, f.ImageNumber, fmt.Errorf("%w: position %d", ErrCollision, pos))
			continue
		}
		if masks == nil {
			masks = a.masks.get(f.Geometry)
		}

		values := f.Reduce(masks)
		img.Bright.Data[pos] = values.Bright
		img.Dark.Data[pos] = values.Dark
		out.frames++
	}
	return out
}

// position maps a frame onto the row-major scan grid. An explicit position
// wins over the image number.
func (a *Assembler) position(f Frame) (int, error) {
	rows, columns := a.params.Rows, a.params.Columns
	if p := f.Position; p != nil {
		if p.Row < 0 || p.Row >= rows || p.Column < 0 || p.Column >= columns {
			return 0, fmt.Errorf("%w: row %d column %d on a %dx%d grid", ErrOutOfBounds, p.Row, p.Column, columns, rows)
		}
		return p.Row*columns + p.Column, nil
	}
	n, ok := f.ImageNumber.Get()
	if !ok {
		return 0, ErrMissingImageNumber
	}
	if uint64(n) >= uint64(rows*columns) {
		return 0, fmt.Errorf("%w: image %d on a grid of %d positions", ErrOutOfBounds, n, rows*columns)
	}
	return int(n), nil
}

// maskCache builds the masks of each distinct frame geometry once and shares
// them between workers.
type maskCache struct {
	center       *image.Point
	inner, outer int

	mu sync.Mutex
	m  map[Geometry]*Masks
}

func newMaskCache(center *image.Point, inner, outer int) *maskCache {
	return &maskCache{center: center, inner: inner, outer: outer, m: make(map[Geometry]*Masks)}
}

func (c *maskCache) get(g Geometry) *Masks {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.m[g]; ok {
		return m
	}
	m := NewMasks(g, c.center, c.inner, c.outer)
	c.m[g] = m
	return m
}
