package board

import (
	"fmt"
	"strings"
)

// State is an 8x8 mapping from square to piece. The array form guarantees
// exactly one entry per square; edits replace entries and never add or remove
// coordinates.
type State struct {
	squares [NumSquares]Piece
}

// NewState returns an empty board
func NewState() State {
	return State{}
}

// Get returns the piece on a square
func (s *State) Get(sq Square) Piece {
	if !sq.Valid() {
		return NoPiece
	}
	return s.squares[sq]
}

// Set places a piece (or NoPiece) on a square
func (s *State) Set(sq Square, p Piece) error {
	if !sq.Valid() {
		return fmt.Errorf("square out of range: %d", int(sq))
	}
	if !p.Valid() {
		return fmt.Errorf("invalid piece value: %d", int(p))
	}
	s.squares[sq] = p
	return nil
}

// Squares returns a copy of the underlying array
func (s *State) Squares() [NumSquares]Piece {
	return s.squares
}

// Occupied returns the number of non-empty squares
func (s *State) Occupied() int {
	n := 0
	for _, p := range s.squares {
		if p != NoPiece {
			n++
		}
	}
	return n
}

// CountBy returns the number of pieces owned by a side
func (s *State) CountBy(c Color) int {
	n := 0
	for _, p := range s.squares {
		if p.Color() == c {
			n++
		}
	}
	return n
}

// Count returns how many times a given piece appears
func (s *State) Count(piece Piece) int {
	n := 0
	for _, p := range s.squares {
		if p == piece {
			n++
		}
	}
	return n
}

// Diff returns the squares whose contents differ between two states
func Diff(a, b State) []Square {
	var changed []Square
	for i := 0; i < NumSquares; i++ {
		if a.squares[i] != b.squares[i] {
			changed = append(changed, Square(i))
		}
	}
	return changed
}

// String renders the board as text, rank 8 at the top
func (s State) String() string {
	var sb strings.Builder
	sb.WriteString("  a b c d e f g h\n")
	for rank := 7; rank >= 0; rank-- {
		fmt.Fprintf(&sb, "%d ", rank+1)
		for file := 0; file < 8; file++ {
			sb.WriteByte(s.squares[NewSquare(file, rank)].Symbol())
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%d\n", rank+1)
	}
	sb.WriteString("  a b c d e f g h\n")
	return sb.String()
}

// Warning is a soft validation finding. Warnings never reject a state since
// source images can be partial or adversarial.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (w Warning) String() string {
	return w.Code + ": " + w.Message
}

// Warning codes
const (
	WarnTooManyPieces  = "too_many_pieces"
	WarnTooManyForSide = "too_many_for_side"
	WarnKingCount      = "king_count"
	WarnPawnOnBackRank = "pawn_on_back_rank"
)

// Check runs soft plausibility checks on the position
func (s *State) Check() []Warning {
	var warnings []Warning

	if n := s.Occupied(); n > 32 {
		warnings = append(warnings, Warning{
			Code:    WarnTooManyPieces,
			Message: fmt.Sprintf("%d occupied squares (max 32)", n),
		})
	}

	for _, c := range []Color{White, Black} {
		if n := s.CountBy(c); n > 16 {
			warnings = append(warnings, Warning{
				Code:    WarnTooManyForSide,
				Message: fmt.Sprintf("%d %s pieces (max 16)", n, c),
			})
		}
	}

	for _, k := range []Piece{WhiteKing, BlackKing} {
		if n := s.Count(k); n != 1 {
			warnings = append(warnings, Warning{
				Code:    WarnKingCount,
				Message: fmt.Sprintf("%d %s kings (expected 1)", n, k.Color()),
			})
		}
	}

	for file := 0; file < 8; file++ {
		for _, rank := range []int{0, 7} {
			sq := NewSquare(file, rank)
			if p := s.squares[sq]; p == WhitePawn || p == BlackPawn {
				warnings = append(warnings, Warning{
					Code:    WarnPawnOnBackRank,
					Message: fmt.Sprintf("pawn on %s", sq),
				})
			}
		}
	}

	return warnings
}
