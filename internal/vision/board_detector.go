package vision

import (
	"fmt"
	"image"
	"math"
	"strings"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// Method names the strategy that located the board
type Method string

const (
	MethodLattice   Method = "lattice"
	MethodColor     Method = "color"
	MethodEdges     Method = "edges"
	MethodThreshold Method = "threshold"
	MethodManual    Method = "manual"
)

// Palette is an HSV range used to segment a board by color
type Palette struct {
	Name  string     `json:"name"`
	Lower [3]float64 `json:"lower"`
	Upper [3]float64 `json:"upper"`
}

// DefaultPalettes returns the board colors tried by the color fallback
func DefaultPalettes() []Palette {
	return []Palette{
		{Name: "brown", Lower: [3]float64{10, 50, 50}, Upper: [3]float64{30, 255, 255}},
		{Name: "dark brown", Lower: [3]float64{0, 50, 50}, Upper: [3]float64{20, 255, 255}},
		{Name: "light brown", Lower: [3]float64{15, 30, 100}, Upper: [3]float64{35, 255, 255}},
		{Name: "gray", Lower: [3]float64{0, 0, 50}, Upper: [3]float64{180, 255, 150}},
	}
}

const (
	// contours below this fraction of the image are treated as noise
	noiseAreaFraction = 0.002
	// noise outlines at least this wide still count as a board too small to read
	minBoardSide  = 16
	minAspect     = 0.7
	maxAspect     = 1.3
	approxEpsilon = 0.02
)

// CanonicalBoard is a rectified, square, top-down view of the board
type CanonicalBoard struct {
	Image      gocv.Mat
	Quad       Quad
	Method     Method
	SourceSize image.Point
}

// Side returns the side length of the canonical image
func (b *CanonicalBoard) Side() int {
	return b.Image.Cols()
}

// Close releases the canonical image
func (b *CanonicalBoard) Close() error {
	return b.Image.Close()
}

// NewCanonicalBoard wraps an image that is already a top-down board view,
// such as a cropped screenshot of a digital board. The image is resized to a
// square of the given side; the caller keeps ownership of img.
func NewCanonicalBoard(img gocv.Mat, side int) (*CanonicalBoard, error) {
	if img.Empty() {
		return nil, noBoard("empty image")
	}
	if side < 8 {
		return nil, fmt.Errorf("canonical side %d too small", side)
	}

	bgr := toBGR(img)
	defer bgr.Close()

	out := gocv.NewMat()
	gocv.Resize(bgr, &out, image.Pt(side, side), 0, 0, gocv.InterpolationLanczos4)

	return &CanonicalBoard{
		Image:      out,
		Quad:       SquareQuad(img.Cols()),
		Method:     MethodManual,
		SourceSize: image.Pt(img.Cols(), img.Rows()),
	}, nil
}

// candidate is a scored board outline
type candidate struct {
	quad  Quad
	area  float64
	score float64
}

// BoardDetector locates the board quadrilateral in a raw image and produces
// a canonical board
type BoardDetector struct {
	opts   DetectOptions
	logger *zap.Logger
	diag   *Diagnostics
}

// NewBoardDetector creates a new board detector
func NewBoardDetector(opts DetectOptions, logger *zap.Logger) (*BoardDetector, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid detect options: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(opts.Palettes) == 0 {
		opts.Palettes = DefaultPalettes()
	}

	return &BoardDetector{
		opts:   opts,
		logger: logger,
		diag:   NewDiagnostics(opts.DiagnosticsDir, logger),
	}, nil
}

// WithDiagnostics returns a copy of the detector that writes debug images
// through diag
func (d *BoardDetector) WithDiagnostics(diag *Diagnostics) *BoardDetector {
	cp := *d
	cp.diag = diag
	return &cp
}

// Options returns the detector options
func (d *BoardDetector) Options() DetectOptions {
	return d.opts
}

// Detect finds the board in raw and returns its canonical view. raw is never
// modified. Failures are *DetectionFailure values.
func (d *BoardDetector) Detect(raw gocv.Mat) (*CanonicalBoard, error) {
	quad, method, err := d.Locate(raw)
	if err != nil {
		return nil, err
	}
	return d.rectify(raw, quad, method)
}

// DetectWithQuad rectifies raw using a caller supplied outline, skipping the
// search. The outline goes through the same ordering, convexity and area
// checks as a detected one.
func (d *BoardDetector) DetectWithQuad(raw gocv.Mat, corners []Point) (*CanonicalBoard, error) {
	if raw.Empty() {
		return nil, noBoard("empty image")
	}

	quad, err := OrderCorners(corners)
	if err != nil {
		return nil, noBoard("%v", err)
	}
	if !quad.IsConvex() {
		return nil, noBoard("outline is not convex")
	}
	if err := d.checkArea(quad, raw); err != nil {
		return nil, err
	}

	return d.rectify(raw, quad, MethodManual)
}

// Locate runs the detection strategies in order and returns the first
// outline that is large enough
func (d *BoardDetector) Locate(raw gocv.Mat) (Quad, Method, error) {
	if raw.Empty() {
		return Quad{}, "", noBoard("empty image")
	}

	bgr := toBGR(raw)
	defer bgr.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(bgr, &gray, gocv.ColorBGRToGray)

	imgArea := float64(raw.Rows() * raw.Cols())
	largest := 0.0

	if quad, ok := d.findLattice(bgr, gray); ok {
		if quad.Area() >= d.opts.MinAreaFraction*imgArea {
			d.logger.Debug("Board found", zap.String("method", string(MethodLattice)))
			return quad, MethodLattice, nil
		}
		largest = quad.Area()
	}

	strategies := []struct {
		method Method
		find   func(bgr, gray gocv.Mat) ([]candidate, float64)
	}{
		{MethodColor, d.findByColor},
		{MethodEdges, d.findByEdges},
		{MethodThreshold, d.findByThreshold},
	}

	for _, s := range strategies {
		cands, dropped := s.find(bgr, gray)
		largest = math.Max(largest, dropped)

		best, ok := bestCandidate(cands)
		if !ok {
			d.logger.Debug("No candidate", zap.String("method", string(s.method)))
			continue
		}
		if best.area >= d.opts.MinAreaFraction*imgArea {
			d.logger.Debug("Board found",
				zap.String("method", string(s.method)),
				zap.Float64("area_fraction", best.area/imgArea))
			d.diag.SaveContour(bgr, best.quad, string(s.method))
			return best.quad, s.method, nil
		}
		largest = math.Max(largest, best.area)
	}

	if largest > 0 {
		return Quad{}, "", tooSmall("largest outline covers %.1f%% of the image (minimum %.1f%%)",
			100*largest/imgArea, 100*d.opts.MinAreaFraction)
	}
	return Quad{}, "", noBoard("no strategy produced a board outline")
}

func (d *BoardDetector) checkArea(quad Quad, raw gocv.Mat) error {
	imgArea := float64(raw.Rows() * raw.Cols())
	if quad.Area() < d.opts.MinAreaFraction*imgArea {
		return tooSmall("outline covers %.1f%% of the image (minimum %.1f%%)",
			100*quad.Area()/imgArea, 100*d.opts.MinAreaFraction)
	}
	return nil
}

// findLattice locates the inner corner lattice and extrapolates one square
// outward on every side to reach the board edge
func (d *BoardDetector) findLattice(bgr, gray gocv.Mat) (Quad, bool) {
	corners := gocv.NewMat()
	defer corners.Close()

	pattern := d.opts.PatternSize
	flags := gocv.CalibCBAdaptiveThresh | gocv.CalibCBNormalizeImage
	found := gocv.FindChessboardCorners(gray, pattern, &corners, flags)
	if !found || corners.Rows()*corners.Cols() < pattern.X*pattern.Y {
		return Quad{}, false
	}

	if d.diag.Enabled() {
		overlay := bgr.Clone()
		gocv.DrawChessboardCorners(&overlay, pattern, corners, found)
		d.diag.Save("corners", overlay)
		overlay.Close()
	}

	at := func(row, col int) Point {
		v := corners.GetVecfAt(row*pattern.X+col, 0)
		return Point{X: float64(v[0]), Y: float64(v[1])}
	}

	w, h := float64(pattern.X), float64(pattern.Y)
	lattice := Quad{
		at(0, 0),
		at(0, pattern.X-1),
		at(pattern.Y-1, pattern.X-1),
		at(pattern.Y-1, 0),
	}
	// lattice corners sit at (1,1)..(w,h) in square units
	ideal := Quad{{1, 1}, {w, 1}, {w, h}, {1, h}}

	hm, err := ComputeHomography(ideal, lattice)
	if err != nil {
		d.logger.Debug("Lattice homography failed", zap.Error(err))
		return Quad{}, false
	}

	outer := []Point{
		hm.Project(Point{0, 0}),
		hm.Project(Point{w + 1, 0}),
		hm.Project(Point{w + 1, h + 1}),
		hm.Project(Point{0, h + 1}),
	}

	quad, err := OrderCorners(outer)
	if err != nil || !quad.IsConvex() {
		d.logger.Debug("Extrapolated lattice rejected")
		return Quad{}, false
	}
	return quad, true
}

func (d *BoardDetector) findByColor(bgr, _ gocv.Mat) ([]candidate, float64) {
	hsv := gocv.NewMat()
	defer hsv.Close()
	gocv.CvtColor(bgr, &hsv, gocv.ColorBGRToHSV)

	closeKernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(5, 5))
	defer closeKernel.Close()
	openKernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(3, 3))
	defer openKernel.Close()

	var (
		all     []candidate
		dropped float64
	)
	for _, p := range d.opts.Palettes {
		mask := gocv.NewMat()
		lower := gocv.NewScalar(p.Lower[0], p.Lower[1], p.Lower[2], 0)
		upper := gocv.NewScalar(p.Upper[0], p.Upper[1], p.Upper[2], 0)
		gocv.InRangeWithScalar(hsv, lower, upper, &mask)
		gocv.MorphologyEx(mask, &mask, gocv.MorphClose, closeKernel)
		gocv.MorphologyEx(mask, &mask, gocv.MorphOpen, openKernel)

		d.diag.Save("mask_"+strings.ReplaceAll(p.Name, " ", "_"), mask)
		cands, small := contourCandidates(mask)
		all = append(all, cands...)
		dropped = math.Max(dropped, small)
		mask.Close()
	}
	return all, dropped
}

func (d *BoardDetector) findByEdges(_, gray gocv.Mat) ([]candidate, float64) {
	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(gray, &blurred, image.Pt(5, 5), 0, 0, gocv.BorderDefault)

	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(blurred, &edges, 50, 150)

	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(3, 3))
	defer kernel.Close()
	gocv.Dilate(edges, &edges, kernel)

	d.diag.Save("edges", edges)
	return contourCandidates(edges)
}

func (d *BoardDetector) findByThreshold(_, gray gocv.Mat) ([]candidate, float64) {
	thresh := gocv.NewMat()
	defer thresh.Close()
	gocv.AdaptiveThreshold(gray, &thresh, 255, gocv.AdaptiveThresholdGaussian, gocv.ThresholdBinaryInv, 11, 2)

	d.diag.Save("threshold", thresh)
	return contourCandidates(thresh)
}

// contourCandidates keeps external contours that simplify to a convex,
// roughly square four-sided polygon. It also returns the area of the largest
// such outline dropped as noise, so a tiny board is reported as too small.
func contourCandidates(mask gocv.Mat) ([]candidate, float64) {
	contours := gocv.FindContours(mask, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	imgW, imgH := mask.Cols(), mask.Rows()
	floor := noiseAreaFraction * float64(imgW*imgH)

	var (
		out     []candidate
		dropped float64
	)
	for i := 0; i < contours.Size(); i++ {
		contour := contours.At(i)
		peri := gocv.ArcLength(contour, true)
		approx := gocv.ApproxPolyDP(contour, approxEpsilon*peri, true)
		pts := approx.ToPoints()
		approx.Close()

		if len(pts) != 4 {
			continue
		}

		corners := make([]Point, 4)
		for j, p := range pts {
			corners[j] = Pt(p)
		}
		quad, err := OrderCorners(corners)
		if err != nil || !quad.IsConvex() {
			continue
		}

		bounds := quad.Bounds()
		// a frame-filling outline is the image border, not a board
		if bounds.Dx() >= imgW-2 && bounds.Dy() >= imgH-2 {
			continue
		}

		aspect := float64(bounds.Dx()) / math.Max(1, float64(bounds.Dy()))
		if aspect <= minAspect || aspect >= maxAspect {
			continue
		}

		area := quad.Area()
		if area < floor {
			if bounds.Dx() >= minBoardSide && bounds.Dy() >= minBoardSide {
				dropped = math.Max(dropped, area)
			}
			continue
		}

		squareness := 1 - math.Abs(1-aspect)
		out = append(out, candidate{quad: quad, area: area, score: area * squareness})
	}
	return out, dropped
}

func bestCandidate(cands []candidate) (candidate, bool) {
	if len(cands) == 0 {
		return candidate{}, false
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if c.score > best.score {
			best = c
		}
	}
	return best, true
}

// rectify warps the outline to a square canvas, upsamples it to TargetSize,
// optionally sharpens and crops the border
func (d *BoardDetector) rectify(raw gocv.Mat, quad Quad, method Method) (*CanonicalBoard, error) {
	bgr := toBGR(raw)
	defer bgr.Close()

	native := 0.0
	for i := range quad {
		native = math.Max(native, quad[i].Distance(quad[(i+1)%4]))
	}
	nativeSide := int(math.Max(8, math.Round(native)))

	src := quad.points2f()
	defer src.Close()
	dst := SquareQuad(nativeSide).points2f()
	defer dst.Close()

	transform := gocv.GetPerspectiveTransform2f(src, dst)
	defer transform.Close()

	warped := gocv.NewMat()
	defer warped.Close()
	gocv.WarpPerspective(bgr, &warped, transform, image.Pt(nativeSide, nativeSide))

	target := d.opts.TargetSize
	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(warped, &resized, image.Pt(target, target), 0, 0, gocv.InterpolationLanczos4)

	if d.opts.Sharpen {
		sharpen(resized, &resized)
	}

	crop := d.opts.CropPixels()
	region := resized.Region(image.Rect(crop, crop, target-crop, target-crop))
	canonical := region.Clone()
	region.Close()

	board := &CanonicalBoard{
		Image:      canonical,
		Quad:       quad,
		Method:     method,
		SourceSize: image.Pt(raw.Cols(), raw.Rows()),
	}

	if d.diag.Enabled() {
		d.diag.SaveWarpedGrid(board)
		d.diag.SaveSourceGrid(bgr, quad)
	}

	d.logger.Debug("Board rectified",
		zap.String("method", string(method)),
		zap.Int("side", board.Side()))

	return board, nil
}

func sharpen(src gocv.Mat, dst *gocv.Mat) {
	kernel := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV32F)
	defer kernel.Close()
	weights := [3][3]float32{{0, -1, 0}, {-1, 5, -1}, {0, -1, 0}}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			kernel.SetFloatAt(r, c, weights[r][c])
		}
	}
	gocv.Filter2D(src, dst, -1, kernel, image.Pt(-1, -1), 0, gocv.BorderDefault)
}

// toBGR returns a 3-channel copy of img that the caller must close
func toBGR(img gocv.Mat) gocv.Mat {
	out := gocv.NewMat()
	switch img.Channels() {
	case 1:
		gocv.CvtColor(img, &out, gocv.ColorGrayToBGR)
	case 4:
		gocv.CvtColor(img, &out, gocv.ColorBGRAToBGR)
	default:
		img.CopyTo(&out)
	}
	return out
}
