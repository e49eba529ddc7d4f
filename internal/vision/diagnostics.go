package vision

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

var (
	gridColor    = color.RGBA{0, 255, 0, 0}
	outlineColor = color.RGBA{0, 0, 255, 0}
	labelColor   = color.RGBA{255, 0, 0, 0}
)

// Diagnostics writes debug images for a detection run. A zero directory
// disables every write.
type Diagnostics struct {
	dir    string
	logger *zap.Logger
}

// NewDiagnostics creates a diagnostics writer for dir
func NewDiagnostics(dir string, logger *zap.Logger) *Diagnostics {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Diagnostics{dir: dir, logger: logger}
}

// Enabled reports whether images are written
func (d *Diagnostics) Enabled() bool {
	return d != nil && d.dir != ""
}

// Dir returns the directory images are written to
func (d *Diagnostics) Dir() string {
	if d == nil {
		return ""
	}
	return d.dir
}

// Path returns where an image with the given name is written
func (d *Diagnostics) Path(name string) string {
	return filepath.Join(d.dir, "debug_"+name+".png")
}

// Save writes img as debug_<name>.png
func (d *Diagnostics) Save(name string, img gocv.Mat) {
	if !d.Enabled() || img.Empty() {
		return
	}
	if err := os.MkdirAll(d.dir, 0755); err != nil {
		d.logger.Warn("Failed to create diagnostics dir", zap.String("dir", d.dir), zap.Error(err))
		return
	}
	path := d.Path(name)
	if ok := gocv.IMWrite(path, img); !ok {
		d.logger.Warn("Failed to write diagnostic image", zap.String("path", path))
	}
}

// SaveCells writes every cell as square_<square>.png, e.g. square_e4.png
func (d *Diagnostics) SaveCells(cells Cells) {
	if !d.Enabled() {
		return
	}
	if err := os.MkdirAll(d.dir, 0755); err != nil {
		d.logger.Warn("Failed to create diagnostics dir", zap.String("dir", d.dir), zap.Error(err))
		return
	}
	for _, c := range cells {
		if c.Image.Empty() {
			continue
		}
		path := filepath.Join(d.dir, "square_"+c.Square.String()+".png")
		if ok := gocv.IMWrite(path, c.Image); !ok {
			d.logger.Warn("Failed to write cell image", zap.String("path", path))
		}
	}
}

// SaveContour draws the chosen outline over the source image
func (d *Diagnostics) SaveContour(src gocv.Mat, quad Quad, method string) {
	if !d.Enabled() {
		return
	}
	overlay := src.Clone()
	defer overlay.Close()

	drawQuad(&overlay, quad, outlineColor, 3)
	d.Save("contour_"+method, overlay)
}

// SaveWarpedGrid draws the 8x8 slicing grid on the canonical board
func (d *Diagnostics) SaveWarpedGrid(board *CanonicalBoard) {
	if !d.Enabled() {
		return
	}
	overlay := board.Image.Clone()
	defer overlay.Close()

	for i, r := range GridRects(board.Side()) {
		gocv.Rectangle(&overlay, r, gridColor, 1)
		row, col := i/8, i%8
		label := fmt.Sprintf("%c%d", 'a'+col, 8-row)
		gocv.PutText(&overlay, label, image.Pt(r.Min.X+3, r.Min.Y+14), gocv.FontHersheyPlain, 0.9, labelColor, 1)
	}
	d.Save("warped_grid", overlay)
}

// SaveSourceGrid projects the cell grid back onto the source image
func (d *Diagnostics) SaveSourceGrid(src gocv.Mat, quad Quad) {
	if !d.Enabled() {
		return
	}

	hm, err := ComputeHomography(SquareQuad(8), quad)
	if err != nil {
		d.logger.Warn("Failed to project grid", zap.Error(err))
		return
	}

	overlay := src.Clone()
	defer overlay.Close()

	for i := 0; i <= 8; i++ {
		f := float64(i)
		gocv.Line(&overlay, hm.Project(Point{f, 0}).Image(), hm.Project(Point{f, 8}).Image(), gridColor, 1)
		gocv.Line(&overlay, hm.Project(Point{0, f}).Image(), hm.Project(Point{8, f}).Image(), gridColor, 1)
	}
	drawQuad(&overlay, quad, outlineColor, 2)
	d.Save("source_grid", overlay)
}

func drawQuad(img *gocv.Mat, quad Quad, c color.RGBA, thickness int) {
	for i := range quad {
		gocv.Line(img, quad[i].Image(), quad[(i+1)%4].Image(), c, thickness)
		gocv.Circle(img, quad[i].Image(), 6, c, -1)
	}
}
