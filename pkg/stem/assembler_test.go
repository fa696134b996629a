package stem

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// makeBlock creates a block of frames with the given image numbers. Pixel p
// of frame i is set to value(number, p).
func makeBlock(g Geometry, numbers []uint32, value func(number uint32, p int) uint16) Block {
	pixels := g.Pixels()
	b := Block{
		Header: Header{
			FrameWidth:    g.Width,
			FrameHeight:   g.Height,
			ImagesInBlock: len(numbers),
			ImageNumbers:  numbers,
		},
		Data: make([]uint16, len(numbers)*pixels),
	}
	for i, n := range numbers {
		for p := 0; p < pixels; p++ {
			b.Data[i*pixels+p] = value(n, p)
		}
	}
	return b
}

// makeScan splits a rows x columns raster scan into blocks of perBlock frames.
func makeScan(g Geometry, rows, columns, perBlock int) []Block {
	var blocks []Block
	for start := 0; start < rows*columns; start += perBlock {
		var numbers []uint32
		for n := start; n < start+perBlock && n < rows*columns; n++ {
			numbers = append(numbers, uint32(n))
		}
		blocks = append(blocks, makeBlock(g, numbers, func(n uint32, p int) uint16 {
			return uint16((int(n)*31 + p*7) % 4096)
		}))
	}
	return blocks
}

func allZero(im Image) bool {
	for _, v := range im.Data {
		if v != 0 {
			return false
		}
	}
	return true
}

// TestCreateSTEMImageSingleFrame places one 2x2 frame on a 1x1 grid. With the
// centre at (1, 1), pixel 3 is the bright disk and pixels 0-2 the annulus.
func TestCreateSTEMImageSingleFrame(t *testing.T) {
	g := Geometry{Width: 2, Height: 2}
	block := makeBlock(g, []uint32{0}, func(_ uint32, p int) uint16 {
		return []uint16{10, 20, 30, 40}[p]
	})

	img, err := CreateSTEMImage([]Block{block}, 1, 1, 1, 2)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if img.Bright.Data[0] != 40 {
		t.Errorf("Expected bright 40, got %d", img.Bright.Data[0])
	}
	if img.Dark.Data[0] != 60 {
		t.Errorf("Expected dark 60, got %d", img.Dark.Data[0])
	}
}

// TestCreateSTEMImageMatchesReducer checks every pixel against a direct
// reduction of its frame.
func TestCreateSTEMImageMatchesReducer(t *testing.T) {
	g := Geometry{Width: 16, Height: 16}
	rows, columns := 4, 5
	blocks := makeScan(g, rows, columns, 3)

	img, err := CreateSTEMImage(blocks, rows, columns, 3, 7)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if img.Width() != uint32(columns) || img.Height() != uint32(rows) {
		t.Fatalf("Expected %dx%d image, got %dx%d", columns, rows, img.Width(), img.Height())
	}

	masks := NewMasks(g, nil, 3, 7)
	for _, b := range blocks {
		for i := 0; i < b.Len(); i++ {
			f := b.Frame(i)
			want := f.Reduce(masks)
			n, _ := f.ImageNumber.Get()
			if img.Bright.Data[n] != want.Bright || img.Dark.Data[n] != want.Dark {
				t.Errorf("Position %d: expected (%d, %d), got (%d, %d)",
					n, want.Bright, want.Dark, img.Bright.Data[n], img.Dark.Data[n])
			}
		}
	}
}

func TestCreateSTEMImageEmptyBlocks(t *testing.T) {
	img, err := CreateSTEMImage(nil, 3, 4, 2, 5)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if img.Width() != 4 || img.Height() != 3 {
		t.Errorf("Expected 4x3, got %dx%d", img.Width(), img.Height())
	}
	if img.Bright.Len() != 12 || !allZero(img.Bright) || !allZero(img.Dark) {
		t.Error("Expected fully zeroed images")
	}
}

func TestCreateSTEMImageEqualRadii(t *testing.T) {
	g := Geometry{Width: 12, Height: 12}
	img, err := CreateSTEMImage(makeScan(g, 3, 3, 2), 3, 3, 4, 4)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !allZero(img.Dark) {
		t.Error("Expected all-zero dark field for equal radii")
	}
	if allZero(img.Bright) {
		t.Error("Expected non-zero bright field")
	}
}

func TestCreateSTEMImageDegenerateGrid(t *testing.T) {
	g := Geometry{Width: 4, Height: 4}
	img, err := CreateSTEMImage(makeScan(g, 2, 2, 1), 0, 5, 1, 2)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if img.Bright.Len() != 0 || img.Dark.Len() != 0 {
		t.Errorf("Expected empty images, got %d and %d samples", img.Bright.Len(), img.Dark.Len())
	}
}

func TestCreateSTEMImageInvalidGeometry(t *testing.T) {
	tests := []struct {
		name                        string
		rows, columns, inner, outer int
	}{
		{"inner exceeds outer", 2, 2, 5, 3},
		{"negative inner", 2, 2, -1, 3},
		{"negative outer", 2, 2, 0, -3},
		{"negative rows", -1, 2, 1, 3},
	}
	g := Geometry{Width: 4, Height: 4}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := CreateSTEMImage(makeScan(g, 2, 2, 1), tt.rows, tt.columns, tt.inner, tt.outer)
			if !errors.Is(err, ErrInvalidGeometry) {
				t.Fatalf("Expected ErrInvalidGeometry, got %v", err)
			}
			if img.Bright.Data != nil || img.Dark.Data != nil {
				t.Error("Expected no image on geometry error")
			}
		})
	}
}

// TestCreateSTEMImageOutOfBounds rejects a frame numbered past the grid and
// leaves every position at zero.
func TestCreateSTEMImageOutOfBounds(t *testing.T) {
	g := Geometry{Width: 4, Height: 4}
	block := makeBlock(g, []uint32{4}, func(uint32, int) uint16 { return 100 })

	img, err := CreateSTEMImage([]Block{block}, 2, 2, 1, 3)
	if !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("Expected ErrOutOfBounds, got %v", err)
	}
	var fe *FrameError
	if !errors.As(err, &fe) {
		t.Fatalf("Expected *FrameError, got %T", err)
	}
	if n, _ := fe.ImageNumber.Get(); n != 4 || fe.Block != 0 || fe.Frame != 0 {
		t.Errorf("Unexpected frame error details: %+v", fe)
	}
	if !allZero(img.Bright) || !allZero(img.Dark) {
		t.Error("Expected untouched images")
	}
	if img.Bright.Len() != 4 {
		t.Errorf("Expected 4 positions, got %d", img.Bright.Len())
	}
}

// TestCreateSTEMImagePartialFailure keeps valid frames when others are
// rejected.
func TestCreateSTEMImagePartialFailure(t *testing.T) {
	g := Geometry{Width: 4, Height: 4}
	block := makeBlock(g, []uint32{0, 9, UnsetImageNumber, 3}, func(uint32, int) uint16 { return 1 })

	img, err := CreateSTEMImage([]Block{block}, 2, 2, 1, 3)
	if err == nil {
		t.Fatal("Expected frame errors")
	}
	errs := multierr.Errors(err)
	if len(errs) != 2 {
		t.Fatalf("Expected 2 frame errors, got %d: %v", len(errs), err)
	}
	if !errors.Is(errs[0], ErrOutOfBounds) {
		t.Errorf("Expected first error to be out of bounds, got %v", errs[0])
	}
	if !errors.Is(errs[1], ErrMissingImageNumber) {
		t.Errorf("Expected second error to be a missing image number, got %v", errs[1])
	}

	masks := NewMasks(g, nil, 1, 3)
	wantBright := uint64(masks.Bright.Count())
	for _, pos := range []int{0, 3} {
		if img.Bright.Data[pos] != wantBright {
			t.Errorf("Position %d: expected bright %d, got %d", pos, wantBright, img.Bright.Data[pos])
		}
	}
	for _, pos := range []int{1, 2} {
		if img.Bright.Data[pos] != 0 || img.Dark.Data[pos] != 0 {
			t.Errorf("Position %d: expected zero", pos)
		}
	}
}

// TestCreateSTEMImageCollision keeps the first frame written to a position
// and reports the second.
func TestCreateSTEMImageCollision(t *testing.T) {
	g := Geometry{Width: 4, Height: 4}
	first := makeBlock(g, []uint32{1}, func(uint32, int) uint16 { return 2 })
	second := makeBlock(g, []uint32{1}, func(uint32, int) uint16 { return 50 })

	a, err := NewAssembler(Params{Rows: 1, Columns: 2, InnerRadius: 1, OuterRadius: 3, Workers: 1})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	res, err := a.Process(context.Background(), []Block{first, second})
	if !errors.Is(err, ErrCollision) {
		t.Fatalf("Expected ErrCollision, got %v", err)
	}
	var fe *FrameError
	if !errors.As(err, &fe) || fe.Block != 1 {
		t.Errorf("Expected collision reported for block 1, got %v", err)
	}

	masks := NewMasks(g, nil, 1, 3)
	want := CalculateSTEMValues(first.Data, 0, g.Pixels(), masks.Bright, masks.Dark, ImageNumber{})
	if res.Image.Bright.Data[1] != want.Bright || res.Image.Dark.Data[1] != want.Dark {
		t.Errorf("Expected first frame kept (%d, %d), got (%d, %d)",
			want.Bright, want.Dark, res.Image.Bright.Data[1], res.Image.Dark.Data[1])
	}
	if res.Report != (Report{Blocks: 2, Frames: 1, Rejected: 1}) {
		t.Errorf("Unexpected report: %+v", res.Report)
	}
}

func TestCreateSTEMImageShortBlock(t *testing.T) {
	g := Geometry{Width: 4, Height: 4}
	block := makeBlock(g, []uint32{0, 1}, func(uint32, int) uint16 { return 1 })
	block.Data = block.Data[:g.Pixels()+3]

	img, err := CreateSTEMImage([]Block{block}, 1, 2, 1, 3)
	if !errors.Is(err, ErrFrameBounds) {
		t.Fatalf("Expected ErrFrameBounds, got %v", err)
	}
	if img.Bright.Data[0] == 0 {
		t.Error("Expected first frame to be written")
	}
	if img.Bright.Data[1] != 0 || img.Dark.Data[1] != 0 {
		t.Error("Expected truncated frame to be skipped")
	}
}

func TestProcessExplicitPositions(t *testing.T) {
	g := Geometry{Width: 4, Height: 4}
	block := makeBlock(g, []uint32{0, 1}, func(n uint32, _ int) uint16 { return uint16(n + 1) })
	block.Header.Positions = []Position{{Row: 1, Column: 2}, {Row: 0, Column: 0}}

	a, err := NewAssembler(Params{Rows: 2, Columns: 3, InnerRadius: 2, OuterRadius: 2})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	res, err := a.Process(context.Background(), []Block{block})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	disk := uint64(NewMasks(g, nil, 2, 2).Bright.Count())
	if got := res.Image.Bright.At(2, 1); got != disk*1 {
		t.Errorf("Expected frame 0 at (2, 1) with %d, got %d", disk, got)
	}
	if got := res.Image.Bright.At(0, 0); got != disk*2 {
		t.Errorf("Expected frame 1 at (0, 0) with %d, got %d", disk*2, got)
	}
	if got := res.Image.Bright.At(1, 0); got != 0 {
		t.Errorf("Expected position of image 1 to stay empty, got %d", got)
	}

	block.Header.Positions = []Position{{Row: 2, Column: 0}}
	block.Header.ImagesInBlock = 1
	if _, err := a.Process(context.Background(), []Block{block}); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("Expected ErrOutOfBounds for row 2, got %v", err)
	}
}

// TestProcessConcurrentMatchesSequential shuffles blocks and reduces them on
// several workers.
func TestProcessConcurrentMatchesSequential(t *testing.T) {
	g := Geometry{Width: 24, Height: 24}
	rows, columns := 12, 10
	blocks := makeScan(g, rows, columns, 7)

	sequential, err := CreateSTEMImage(blocks, rows, columns, 4, 10)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	shuffled := append([]Block(nil), blocks...)
	rand.New(rand.NewSource(1)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	a, err := NewAssembler(Params{Rows: rows, Columns: columns, InnerRadius: 4, OuterRadius: 10, Workers: 4})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	res, err := a.Process(context.Background(), shuffled)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !res.Image.Equal(sequential) {
		t.Error("Expected concurrent result to equal sequential result")
	}
	if res.Report.Frames != rows*columns || res.Report.Blocks != len(blocks) {
		t.Errorf("Unexpected report: %+v", res.Report)
	}
}

func TestCreateSTEMImageIdempotent(t *testing.T) {
	g := Geometry{Width: 10, Height: 10}
	blocks := makeScan(g, 3, 4, 5)

	first, err := CreateSTEMImage(blocks, 3, 4, 2, 4)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	second, err := CreateSTEMImage(blocks, 3, 4, 2, 4)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !first.Equal(second) {
		t.Error("Expected identical results for identical input")
	}
}

func TestProcessCancelled(t *testing.T) {
	g := Geometry{Width: 8, Height: 8}
	a, err := NewAssembler(Params{Rows: 4, Columns: 4, InnerRadius: 1, OuterRadius: 3, Workers: 2})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := a.Process(ctx, makeScan(g, 4, 4, 2))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if !allZero(res.Image.Bright) || !allZero(res.Image.Dark) {
		t.Error("Expected untouched images after cancellation")
	}
	if res.Image.Bright.Len() != 16 {
		t.Errorf("Expected 16 positions, got %d", res.Image.Bright.Len())
	}
}

func TestProcessStream(t *testing.T) {
	g := Geometry{Width: 8, Height: 8}
	blocks := makeScan(g, 3, 3, 2)

	want, err := CreateSTEMImage(blocks, 3, 3, 2, 4)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	ch := make(chan Block)
	go func() {
		defer close(ch)
		for _, b := range blocks {
			ch <- b
		}
	}()

	var calls int
	a, err := NewAssembler(Params{
		Rows: 3, Columns: 3, InnerRadius: 2, OuterRadius: 4, Workers: 3,
		Progress: func(done, total int) {
			calls++
			if total != 0 {
				t.Errorf("Expected unknown total for a stream, got %d", total)
			}
		},
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	res, err := a.ProcessStream(context.Background(), ch)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !res.Image.Equal(want) {
		t.Error("Expected streamed result to equal batch result")
	}
	if calls != len(blocks) {
		t.Errorf("Expected %d progress calls, got %d", len(blocks), calls)
	}
}

// TestProcessLogsRejectedFrames checks that rejections reach the logger with
// the frame's image number.
func TestProcessLogsRejectedFrames(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	a, err := NewAssembler(Params{Rows: 1, Columns: 1, InnerRadius: 1, OuterRadius: 2, Logger: zap.New(core)})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	g := Geometry{Width: 2, Height: 2}
	block := makeBlock(g, []uint32{7}, func(uint32, int) uint16 { return 1 })
	if _, err := a.Process(context.Background(), []Block{block}); err == nil {
		t.Fatal("Expected an error for image 7")
	}

	entries := logs.FilterMessage("frame rejected").All()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 rejection log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["image_number"] != uint32(7) {
		t.Errorf("Expected image_number 7, got %v", fields["image_number"])
	}
}

func BenchmarkProcess(b *testing.B) {
	g := Geometry{Width: 128, Height: 128}
	blocks := makeScan(g, 32, 32, 32)
	a, err := NewAssembler(Params{Rows: 32, Columns: 32, InnerRadius: 20, OuterRadius: 60})
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := a.Process(context.Background(), blocks); err != nil {
			b.Fatal(err)
		}
	}
}
