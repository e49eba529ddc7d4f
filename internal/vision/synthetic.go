package vision

import (
	"image"
	"image/color"

	"github.com/thyrook/fenscan/internal/board"
	"gocv.io/x/gocv"
)

// RenderOptions controls synthetic board rendering
type RenderOptions struct {
	SquareSize int
	// Margin of background around the board, in pixels
	Margin     int
	Background color.RGBA
	Light      color.RGBA
	Dark       color.RGBA
	WhitePiece color.RGBA
	BlackPiece color.RGBA
}

// DefaultRenderOptions returns a wooden palette on a white background
func DefaultRenderOptions() RenderOptions {
	return RenderOptions{
		SquareSize: 64,
		Margin:     48,
		Background: color.RGBA{255, 255, 255, 255},
		Light:      color.RGBA{240, 217, 181, 255},
		Dark:       color.RGBA{181, 136, 99, 255},
		WhitePiece: color.RGBA{255, 255, 255, 255},
		BlackPiece: color.RGBA{30, 30, 30, 255},
	}
}

// BoardRect returns where the board is drawn inside the rendered image
func (o RenderOptions) BoardRect() image.Rectangle {
	side := 8 * o.SquareSize
	return image.Rect(o.Margin, o.Margin, o.Margin+side, o.Margin+side)
}

// RenderBoard draws a flat top-down board for the given position with white
// at the bottom. Pieces are discs; the caller owns the returned Mat.
func RenderBoard(state board.State, opts RenderOptions) gocv.Mat {
	sq := opts.SquareSize
	total := 8*sq + 2*opts.Margin

	img := gocv.NewMatWithSizeFromScalar(rgbaScalar(opts.Background), total, total, gocv.MatTypeCV8UC3)

	for row := 0; row < 8; row++ {
		for col := 0; col < 8; col++ {
			x0 := opts.Margin + col*sq
			y0 := opts.Margin + row*sq
			rect := image.Rect(x0, y0, x0+sq, y0+sq)

			squareColor := opts.Light
			if (row+col)%2 == 1 {
				squareColor = opts.Dark
			}
			gocv.Rectangle(&img, rect, squareColor, -1)

			p := state.Get(board.SquareAtGrid(row, col))
			if p == board.NoPiece {
				continue
			}

			fill, outline := opts.WhitePiece, opts.BlackPiece
			if p.Color() == board.Black {
				fill, outline = opts.BlackPiece, opts.WhitePiece
			}
			center := image.Pt(x0+sq/2, y0+sq/2)
			radius := sq * 35 / 100
			gocv.Circle(&img, center, radius, fill, -1)
			gocv.Circle(&img, center, radius, outline, 2)
		}
	}

	return img
}

func rgbaScalar(c color.RGBA) gocv.Scalar {
	return gocv.NewScalar(float64(c.B), float64(c.G), float64(c.R), float64(c.A))
}
