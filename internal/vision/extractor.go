package vision

import (
	"errors"
	"fmt"
	"image"

	"github.com/thyrook/fenscan/internal/board"
	"gocv.io/x/gocv"
)

// Cell is one square of the canonical board
type Cell struct {
	Square board.Square
	Image  gocv.Mat
}

// Cells is an ordered set of cells in traversal order
type Cells []Cell

// Close releases every cell image
func (cs Cells) Close() {
	for i := range cs {
		cs[i].Image.Close()
	}
}

// EncodePNG encodes every cell image, keyed by square name
func (cs Cells) EncodePNG() (map[string][]byte, error) {
	out := make(map[string][]byte, len(cs))
	for _, c := range cs {
		buf, err := gocv.IMEncode(gocv.PNGFileExt, c.Image)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", c.Square, err)
		}
		out[c.Square.String()] = append([]byte(nil), buf.GetBytes()...)
		buf.Close()
	}
	return out, nil
}

// GridRects returns the 64 tile rectangles of a side x side board in
// traversal order. Tiles are side/8 wide; the last row and column absorb
// the remainder so the grid always covers the whole image.
func GridRects(side int) []image.Rectangle {
	step := side / 8
	rects := make([]image.Rectangle, 0, board.NumSquares)
	for row := 0; row < 8; row++ {
		y0, y1 := row*step, (row+1)*step
		if row == 7 {
			y1 = side
		}
		for col := 0; col < 8; col++ {
			x0, x1 := col*step, (col+1)*step
			if col == 7 {
				x1 = side
			}
			rects = append(rects, image.Rect(x0, y0, x1, y1))
		}
	}
	return rects
}

// SquareExtractor slices a canonical board into 64 cells
type SquareExtractor struct {
	cellSize int
}

// NewSquareExtractor creates an extractor producing cellSize x cellSize cells
func NewSquareExtractor(cellSize int) *SquareExtractor {
	return &SquareExtractor{cellSize: cellSize}
}

// Extract returns exactly 64 cells ordered rank 8 to rank 1, file a to h.
// The result depends only on geometry, never on cell content.
func (e *SquareExtractor) Extract(b *CanonicalBoard) (Cells, error) {
	if b == nil || b.Image.Empty() {
		return nil, errors.New("empty canonical board")
	}

	side := b.Side()
	if b.Image.Rows() != side {
		return nil, fmt.Errorf("canonical board is not square: %dx%d", b.Image.Cols(), b.Image.Rows())
	}
	if side < 8 {
		return nil, fmt.Errorf("canonical board too small: %d", side)
	}

	rects := GridRects(side)
	cells := make(Cells, 0, len(rects))
	for i, r := range rects {
		tile := b.Image.Region(r)
		img := gocv.NewMat()
		gocv.Resize(tile, &img, image.Pt(e.cellSize, e.cellSize), 0, 0, gocv.InterpolationArea)
		tile.Close()

		row, col := i/8, i%8
		cells = append(cells, Cell{
			Square: board.SquareAtGrid(row, col),
			Image:  img,
		})
	}

	return cells, nil
}
