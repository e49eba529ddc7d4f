package vision

import (
	"errors"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/thyrook/fenscan/internal/board"
)

func TestDefaultDetectOptions(t *testing.T) {
	opts := DefaultDetectOptions()

	if opts.TargetSize != 1024 {
		t.Errorf("Expected target size 1024, got %d", opts.TargetSize)
	}

	if opts.CropPixels() != 30 {
		t.Errorf("Expected 30 crop pixels, got %d", opts.CropPixels())
	}

	if opts.CanonicalSide() != 964 {
		t.Errorf("Expected canonical side 964, got %d", opts.CanonicalSide())
	}

	if err := opts.Validate(); err != nil {
		t.Errorf("Default options validation failed: %v", err)
	}
}

func TestDetectOptionsValidation(t *testing.T) {
	tests := []struct {
		name      string
		modifyFn  func(*DetectOptions)
		expectErr bool
	}{
		{
			name:      "Valid options",
			modifyFn:  func(o *DetectOptions) {},
			expectErr: false,
		},
		{
			name:      "Target size too small",
			modifyFn:  func(o *DetectOptions) { o.TargetSize = 10 },
			expectErr: true,
		},
		{
			name:      "Degenerate pattern",
			modifyFn:  func(o *DetectOptions) { o.PatternSize = image.Pt(1, 7) },
			expectErr: true,
		},
		{
			name:      "Crop too large",
			modifyFn:  func(o *DetectOptions) { o.BorderCropPercent = 0.3 },
			expectErr: true,
		},
		{
			name:      "Zero min area",
			modifyFn:  func(o *DetectOptions) { o.MinAreaFraction = 0 },
			expectErr: true,
		},
		{
			name:      "Cell size too small",
			modifyFn:  func(o *DetectOptions) { o.CellSize = 2 },
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultDetectOptions()
			tt.modifyFn(&opts)

			err := opts.Validate()
			if tt.expectErr && err == nil {
				t.Error("Expected validation error, got nil")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("Unexpected validation error: %v", err)
			}
		})
	}
}

func TestDetectOptionsSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "detect.json")

	opts := DefaultDetectOptions()
	opts.TargetSize = 512
	opts.Sharpen = false
	require.NoError(t, opts.Save(path))

	loaded, err := LoadDetectOptions(path)
	require.NoError(t, err)
	assert.Equal(t, 512, loaded.TargetSize)
	assert.False(t, loaded.Sharpen)
	assert.Equal(t, image.Pt(7, 7), loaded.PatternSize)
	assert.Len(t, loaded.Palettes, len(DefaultPalettes()))
}

func TestOrderCornersAnyPermutation(t *testing.T) {
	want := Quad{{10, 12}, {200, 8}, {210, 190}, {5, 205}}
	perms := [][4]int{
		{0, 1, 2, 3}, {3, 2, 1, 0}, {1, 3, 0, 2}, {2, 0, 3, 1}, {1, 0, 2, 3}, {3, 0, 2, 1},
	}

	for _, perm := range perms {
		pts := []Point{want[perm[0]], want[perm[1]], want[perm[2]], want[perm[3]]}
		got, err := OrderCorners(pts)
		require.NoError(t, err)
		assert.Equal(t, want, got, "permutation %v", perm)
	}

	_, err := OrderCorners(want[:3])
	assert.Error(t, err)
}

func TestConvexityAndArea(t *testing.T) {
	square := SquareQuad(100)
	assert.True(t, square.IsConvex())
	assert.InDelta(t, 10000, square.Area(), 1e-9)

	// bow-tie: BR and BL swapped
	bowtie := Quad{{0, 0}, {100, 0}, {0, 100}, {100, 100}}
	assert.False(t, bowtie.IsConvex())

	// one vertex pushed inside the hull
	dented := Quad{{0, 0}, {100, 0}, {40, 40}, {0, 100}}
	assert.False(t, dented.IsConvex())

	collinear := Quad{{0, 0}, {50, 0}, {100, 0}, {0, 100}}
	assert.False(t, collinear.IsConvex())
}

func TestHomographyMapsQuadOntoSquare(t *testing.T) {
	src := Quad{{120, 80}, {610, 140}, {580, 590}, {90, 530}}
	dst := SquareQuad(800)

	h, err := ComputeHomography(src, dst)
	require.NoError(t, err)

	for i := range src {
		p := h.Project(src[i])
		assert.InDelta(t, dst[i].X, p.X, 1e-6)
		assert.InDelta(t, dst[i].Y, p.Y, 1e-6)
	}

	_, err = ComputeHomography(Quad{{0, 0}, {0, 0}, {0, 0}, {0, 0}}, dst)
	assert.Error(t, err)
}

func TestGridRectsCoverBoard(t *testing.T) {
	for _, side := range []int{8, 64, 100, 964, 1023} {
		rects := GridRects(side)
		require.Len(t, rects, 64)

		area := 0
		for i, r := range rects {
			area += r.Dx() * r.Dy()
			assert.True(t, r.Dx() > 0 && r.Dy() > 0, "side %d rect %d empty", side, i)
		}
		assert.Equal(t, side*side, area, "side %d", side)
		assert.Equal(t, image.Rect(0, 0, side/8, side/8), rects[0])
		assert.Equal(t, side, rects[63].Max.X)
		assert.Equal(t, side, rects[63].Max.Y)
	}

	// remainder goes to the last row and column
	rects := GridRects(100)
	assert.Equal(t, 12, rects[0].Dx())
	assert.Equal(t, 16, rects[7].Dx())
	assert.Equal(t, 16, rects[63].Dy())
}

func TestExtractOrderAndContent(t *testing.T) {
	state, err := board.ParsePlacement("8/8/8/8/8/8/8/8")
	require.NoError(t, err)

	opts := DefaultRenderOptions()
	opts.Margin = 0
	img := RenderBoard(state, opts)
	defer img.Close()

	canonical, err := NewCanonicalBoard(img, 8*opts.SquareSize)
	require.NoError(t, err)
	defer canonical.Close()

	cells, err := NewSquareExtractor(32).Extract(canonical)
	require.NoError(t, err)
	defer cells.Close()

	require.Len(t, cells, 64)
	order := board.TraversalOrder()
	for i, c := range cells {
		assert.Equal(t, order[i], c.Square)
		assert.Equal(t, 32, c.Image.Rows())
		assert.Equal(t, 32, c.Image.Cols())

		// a1 is dark, so light squares have odd file+rank sums
		light := (c.Square.File()+c.Square.Rank())%2 == 1
		mean := c.Image.Mean()
		if light {
			assert.InDelta(t, 181, mean.Val1, 6, "square %s", c.Square)
		} else {
			assert.InDelta(t, 99, mean.Val1, 6, "square %s", c.Square)
		}
	}
}

func TestExtractIgnoresContent(t *testing.T) {
	opts := DefaultRenderOptions()
	opts.Margin = 0

	full, err := board.ParsePlacement("PPPPPPPP/PPPPPPPP/PPPPPPPP/PPPPPPPP/PPPPPPPP/PPPPPPPP/PPPPPPPP/PPPPPPPP")
	require.NoError(t, err)

	for _, state := range []board.State{board.NewState(), full} {
		img := RenderBoard(state, opts)
		canonical, err := NewCanonicalBoard(img, 500)
		require.NoError(t, err)

		cells, err := NewSquareExtractor(16).Extract(canonical)
		require.NoError(t, err)
		assert.Len(t, cells, 64)

		cells.Close()
		canonical.Close()
		img.Close()
	}
}

func TestExtractRejectsEmptyBoard(t *testing.T) {
	_, err := NewSquareExtractor(32).Extract(nil)
	assert.Error(t, err)

	_, err = NewSquareExtractor(32).Extract(&CanonicalBoard{Image: gocv.NewMat()})
	assert.Error(t, err)
}

func newTestDetector(t *testing.T) *BoardDetector {
	t.Helper()
	opts := DefaultDetectOptions()
	opts.TargetSize = 512
	d, err := NewBoardDetector(opts, nil)
	require.NoError(t, err)
	return d
}

func TestDetectEmptyInput(t *testing.T) {
	d := newTestDetector(t)

	empty := gocv.NewMat()
	defer empty.Close()

	_, err := d.Detect(empty)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoBoardFound))

	var failure *DetectionFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, NoBoardFound, failure.Reason)
}

func TestDetectBlankImage(t *testing.T) {
	d := newTestDetector(t)

	blank := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 255, 255, 0), 400, 400, gocv.MatTypeCV8UC3)
	defer blank.Close()

	_, err := d.Detect(blank)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoBoardFound), "got %v", err)
	assert.False(t, errors.Is(err, ErrBoardTooSmall))
}

func solidPatch(canvas, patch int) gocv.Mat {
	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 255, 255, 0), canvas, canvas, gocv.MatTypeCV8UC3)
	off := (canvas - patch) / 2
	gocv.Rectangle(&img, image.Rect(off, off, off+patch, off+patch), color.RGBA{181, 136, 99, 255}, -1)
	return img
}

func TestDetectSmallPatchTooSmall(t *testing.T) {
	d := newTestDetector(t)

	img := solidPatch(800, 100)
	defer img.Close()

	_, err := d.Detect(img)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBoardTooSmall), "got %v", err)
}

func TestDetectTinyPatchTooSmall(t *testing.T) {
	d := newTestDetector(t)

	// 0.16% of the image, under the noise floor but clearly a board outline
	img := solidPatch(1000, 40)
	defer img.Close()

	_, err := d.Detect(img)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBoardTooSmall), "got %v", err)
}

func TestDetectColorPatch(t *testing.T) {
	d := newTestDetector(t)

	img := solidPatch(800, 500)
	defer img.Close()
	before := img.Clone()
	defer before.Close()

	cb, err := d.Detect(img)
	require.NoError(t, err)
	defer cb.Close()

	assert.Equal(t, d.Options().CanonicalSide(), cb.Side())
	assert.Equal(t, cb.Side(), cb.Image.Rows())

	want := Quad{{150, 150}, {650, 150}, {650, 650}, {150, 650}}
	for i := range want {
		assert.InDelta(t, 0, want[i].Distance(cb.Quad[i]), 8, "corner %d: %v", i, cb.Quad[i])
	}

	// raw image is never modified
	diff := gocv.NewMat()
	defer diff.Close()
	gocv.AbsDiff(img, before, &diff)
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(diff, &gray, gocv.ColorBGRToGray)
	assert.Equal(t, 0, gocv.CountNonZero(gray))
}

func TestDetectCalibrationPattern(t *testing.T) {
	d := newTestDetector(t)

	opts := RenderOptions{
		SquareSize: 50,
		Margin:     60,
		Background: color.RGBA{255, 255, 255, 255},
		Light:      color.RGBA{255, 255, 255, 255},
		Dark:       color.RGBA{0, 0, 0, 255},
	}
	img := RenderBoard(board.NewState(), opts)
	defer img.Close()

	cb, err := d.Detect(img)
	require.NoError(t, err)
	defer cb.Close()

	assert.Equal(t, MethodLattice, cb.Method)

	r := opts.BoardRect()
	want := Quad{Pt(r.Min), {float64(r.Max.X), float64(r.Min.Y)}, Pt(r.Max), {float64(r.Min.X), float64(r.Max.Y)}}
	for i := range want {
		assert.InDelta(t, 0, want[i].Distance(cb.Quad[i]), 8, "corner %d: %v", i, cb.Quad[i])
	}
}

func TestDetectWithQuad(t *testing.T) {
	d := newTestDetector(t)

	img := solidPatch(400, 300)
	defer img.Close()

	t.Run("too small", func(t *testing.T) {
		_, err := d.DetectWithQuad(img, []Point{{10, 10}, {40, 10}, {40, 40}, {10, 40}})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrBoardTooSmall))
	})

	t.Run("not convex", func(t *testing.T) {
		_, err := d.DetectWithQuad(img, []Point{{0, 0}, {300, 0}, {150, 20}, {0, 300}})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNoBoardFound))
	})

	t.Run("accepted in any order", func(t *testing.T) {
		cb, err := d.DetectWithQuad(img, []Point{{350, 350}, {50, 50}, {50, 350}, {350, 50}})
		require.NoError(t, err)
		defer cb.Close()

		assert.Equal(t, MethodManual, cb.Method)
		assert.Equal(t, Quad{{50, 50}, {350, 50}, {350, 350}, {50, 350}}, cb.Quad)
		assert.Equal(t, d.Options().CanonicalSide(), cb.Side())
	})
}

func TestDiagnosticsWritten(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultDetectOptions()
	opts.TargetSize = 256
	opts.DiagnosticsDir = dir
	d, err := NewBoardDetector(opts, nil)
	require.NoError(t, err)

	img := solidPatch(400, 300)
	defer img.Close()

	cb, err := d.Detect(img)
	require.NoError(t, err)
	cb.Close()

	for _, name := range []string{"warped_grid", "source_grid", "contour_" + string(cb.Method)} {
		_, err := os.Stat(filepath.Join(dir, "debug_"+name+".png"))
		assert.NoError(t, err, name)
	}
}

func TestSaveCellsWritesEverySquare(t *testing.T) {
	state, err := board.ParsePlacement("8/8/8/8/8/8/8/8")
	require.NoError(t, err)

	opts := DefaultRenderOptions()
	opts.Margin = 0
	img := RenderBoard(state, opts)
	defer img.Close()

	canonical, err := NewCanonicalBoard(img, 8*opts.SquareSize)
	require.NoError(t, err)
	defer canonical.Close()

	cells, err := NewSquareExtractor(32).Extract(canonical)
	require.NoError(t, err)
	defer cells.Close()

	dir := filepath.Join(t.TempDir(), "run")
	NewDiagnostics(dir, nil).SaveCells(cells)

	files, err := filepath.Glob(filepath.Join(dir, "square_*.png"))
	require.NoError(t, err)
	assert.Len(t, files, 64)
	for _, name := range []string{"a8", "h8", "e4", "a1", "h1"} {
		saved := gocv.IMRead(filepath.Join(dir, "square_"+name+".png"), gocv.IMReadColor)
		assert.Equal(t, 32, saved.Rows(), name)
		saved.Close()
	}

	encoded, err := cells.EncodePNG()
	require.NoError(t, err)
	assert.Len(t, encoded, 64)
	assert.Contains(t, encoded, "h1")

	// a disabled writer touches nothing
	var off *Diagnostics
	off.SaveCells(cells)
	assert.Empty(t, off.Dir())
}

func TestDecodeImage(t *testing.T) {
	img := solidPatch(64, 32)
	defer img.Close()

	buf, err := gocv.IMEncode(gocv.PNGFileExt, img)
	require.NoError(t, err)
	defer buf.Close()

	path := filepath.Join(t.TempDir(), "board.png")
	require.NoError(t, os.WriteFile(path, buf.GetBytes(), 0644))

	loaded, err := LoadImage(path)
	require.NoError(t, err)
	defer loaded.Close()
	assert.Equal(t, 64, loaded.Rows())
	assert.Equal(t, 3, loaded.Channels())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	decoded, err := DecodeImage(f)
	require.NoError(t, err)
	defer decoded.Close()

	// center pixel keeps BGR order
	assert.Equal(t, uint8(99), decoded.GetVecbAt(32, 32)[0])
	assert.Equal(t, uint8(181), decoded.GetVecbAt(32, 32)[2])

	_, err = LoadImage(filepath.Join(t.TempDir(), "missing.png"))
	assert.Error(t, err)

	var src Source = FileSource{Path: path}
	again, err := src.Read()
	require.NoError(t, err)
	defer again.Close()
	assert.Equal(t, 32, again.Cols())
	assert.NoError(t, src.Close())
}

func TestVideoSourceMissingFile(t *testing.T) {
	_, err := NewVideoSource(filepath.Join(t.TempDir(), "missing.avi"))
	assert.Error(t, err)
}

func TestPointImageRounds(t *testing.T) {
	assert.Equal(t, image.Pt(3, 5), Point{2.6, 4.5}.Image())
	assert.InDelta(t, 5, Point{0, 0}.Distance(Point{3, 4}), 1e-9)
	assert.True(t, math.IsInf(Homography{}.Project(Point{1, 1}).X, 1))
}

func TestParseCorners(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    []Point
		wantErr bool
	}{
		{"spaces", "0,0 10,0 10,10 0,10", []Point{{0, 0}, {10, 0}, {10, 10}, {0, 10}}, false},
		{"semicolons", "1.5,2;3,4; 5,6 ;7,8", []Point{{1.5, 2}, {3, 4}, {5, 6}, {7, 8}}, false},
		{"too few", "0,0 1,1 2,2", nil, true},
		{"missing comma", "0,0 1 2,2 3,3", nil, true},
		{"not a number", "0,0 a,1 2,2 3,3", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCorners(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
