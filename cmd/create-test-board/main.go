package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"gocv.io/x/gocv"

	"github.com/thyrook/fenscan/internal/board"
	"github.com/thyrook/fenscan/internal/vision"
)

const startFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

func main() {
	fen := flag.String("fen", startFEN, "Position to draw (FEN or bare placement)")
	outFile := flag.String("out", "testdata/chess_board.png", "Output image path")
	squareSize := flag.Int("square", 64, "Square size in pixels")
	margin := flag.Int("margin", 48, "Background margin around the board in pixels")
	flag.Parse()

	state, err := board.ParseFEN(*fen)
	if err != nil {
		fmt.Printf("Invalid position: %v\n", err)
		os.Exit(1)
	}

	opts := vision.DefaultRenderOptions()
	opts.SquareSize = *squareSize
	opts.Margin = *margin

	img := vision.RenderBoard(state, opts)
	defer img.Close()

	if err := os.MkdirAll(filepath.Dir(*outFile), 0755); err != nil {
		fmt.Printf("Failed to create output directory: %v\n", err)
		os.Exit(1)
	}
	if ok := gocv.IMWrite(*outFile, img); !ok {
		fmt.Printf("Failed to save image to %s\n", *outFile)
		os.Exit(1)
	}

	r := opts.BoardRect()
	fmt.Printf("Created test chess board image: %s\n", *outFile)
	fmt.Printf("Image size: %dx%d\n", img.Cols(), img.Rows())
	fmt.Printf("Position: %s\n", state.FEN())
	fmt.Printf("Corners: \"%d,%d %d,%d %d,%d %d,%d\"\n",
		r.Min.X, r.Min.Y, r.Max.X, r.Min.Y, r.Max.X, r.Max.Y, r.Min.X, r.Max.Y)
}
