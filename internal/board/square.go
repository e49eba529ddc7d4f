package board

import (
	"fmt"
)

// Square identifies one of the 64 board squares.
// Index layout is rank-major from a1: a1=0, b1=1, ..., h1=7, a2=8, ..., h8=63.
type Square int

// NumSquares is the number of squares on the board
const NumSquares = 64

const files = "abcdefgh"

// NewSquare builds a square from zero-based file (0=a) and rank (0=rank 1)
func NewSquare(file, rank int) Square {
	return Square(rank*8 + file)
}

// File returns the zero-based file (0=a, 7=h)
func (s Square) File() int {
	return int(s) % 8
}

// Rank returns the zero-based rank (0=rank 1, 7=rank 8)
func (s Square) Rank() int {
	return int(s) / 8
}

// Valid reports whether the square is on the board
func (s Square) Valid() bool {
	return s >= 0 && s < NumSquares
}

// String returns algebraic notation (e.g., "e4")
func (s Square) String() string {
	if !s.Valid() {
		return fmt.Sprintf("Square(%d)", int(s))
	}
	return fmt.Sprintf("%c%d", files[s.File()], s.Rank()+1)
}

// ParseSquare parses algebraic notation such as "a1" or "H8"
func ParseSquare(name string) (Square, error) {
	if len(name) != 2 {
		return 0, fmt.Errorf("invalid square %q", name)
	}

	file := int(name[0]|0x20) - 'a'
	rank := int(name[1]) - '1'
	if file < 0 || file > 7 || rank < 0 || rank > 7 {
		return 0, fmt.Errorf("invalid square %q", name)
	}

	return NewSquare(file, rank), nil
}

// TraversalOrder returns all squares in the pipeline's fixed traversal order:
// rank 8 down to rank 1, and within each rank file a to h. Position i in the
// returned slice corresponds to the i-th cell cut from the canonical board,
// scanning image rows top to bottom and columns left to right.
func TraversalOrder() []Square {
	order := make([]Square, 0, NumSquares)
	for row := 0; row < 8; row++ {
		for col := 0; col < 8; col++ {
			order = append(order, SquareAtGrid(row, col))
		}
	}
	return order
}

// SquareAtGrid maps a canonical image grid position to its square.
// Row 0 is rank 8 and column 0 is file a (white at the bottom of the image).
func SquareAtGrid(row, col int) Square {
	return NewSquare(col, 7-row)
}

// GridPosition is the inverse of SquareAtGrid
func (s Square) GridPosition() (row, col int) {
	return 7 - s.Rank(), s.File()
}
