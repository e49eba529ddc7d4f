package board

import (
	"fmt"
)

// Piece represents the content of a square
type Piece int

const (
	NoPiece Piece = iota
	WhitePawn
	WhiteKnight
	WhiteBishop
	WhiteRook
	WhiteQueen
	WhiteKing
	BlackPawn
	BlackKnight
	BlackBishop
	BlackRook
	BlackQueen
	BlackKing
)

// Color is the side a piece belongs to
type Color int

const (
	NoColor Color = iota
	White
	Black
)

func (c Color) String() string {
	switch c {
	case White:
		return "white"
	case Black:
		return "black"
	default:
		return "none"
	}
}

// symbols is indexed by Piece; uppercase is white, lowercase is black
const symbols = ".PNBRQKpnbrqk"

// AllPieces lists the twelve piece values (NoPiece excluded)
var AllPieces = []Piece{
	WhitePawn, WhiteKnight, WhiteBishop, WhiteRook, WhiteQueen, WhiteKing,
	BlackPawn, BlackKnight, BlackBishop, BlackRook, BlackQueen, BlackKing,
}

// Valid reports whether p is NoPiece or one of the twelve pieces
func (p Piece) Valid() bool {
	return p >= NoPiece && p <= BlackKing
}

// Color returns which side owns the piece
func (p Piece) Color() Color {
	switch {
	case p >= WhitePawn && p <= WhiteKing:
		return White
	case p >= BlackPawn && p <= BlackKing:
		return Black
	default:
		return NoColor
	}
}

// Symbol returns the FEN symbol, or '.' for an empty square
func (p Piece) Symbol() byte {
	if !p.Valid() {
		return '?'
	}
	return symbols[p]
}

func (p Piece) String() string {
	return string(p.Symbol())
}

// PieceFromSymbol converts a FEN piece letter (or '.' for empty) to a Piece
func PieceFromSymbol(c byte) (Piece, error) {
	for i := 0; i < len(symbols); i++ {
		if symbols[i] == c {
			return Piece(i), nil
		}
	}
	return NoPiece, fmt.Errorf("invalid piece symbol %q", c)
}

// ParsePiece accepts a single FEN letter, ".", "-" or "empty"
func ParsePiece(s string) (Piece, error) {
	switch s {
	case ".", "-", "empty", "":
		return NoPiece, nil
	}
	if len(s) != 1 {
		return NoPiece, fmt.Errorf("invalid piece %q", s)
	}
	return PieceFromSymbol(s[0])
}
