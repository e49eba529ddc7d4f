package board

import (
	"errors"
	"fmt"
	"strings"

	"github.com/notnil/chess"
)

// DefaultFields are the non-placement FEN fields appended to every scanned
// position. Side to move, castling rights and counters cannot be read from a
// still image.
const DefaultFields = "w KQkq - 0 1"

// ErrInvalidPlacement is wrapped by every placement grammar failure
var ErrInvalidPlacement = errors.New("invalid piece placement")

// ErrInvalidFEN is wrapped by every full-FEN failure
var ErrInvalidFEN = errors.New("invalid FEN")

// Placement returns the FEN piece-placement field. Ranks are emitted 8 to 1,
// files a to h, with each run of empty squares collapsed into a single digit.
func (s *State) Placement() string {
	var sb strings.Builder
	for rank := 7; rank >= 0; rank-- {
		empty := 0
		for file := 0; file < 8; file++ {
			p := s.squares[NewSquare(file, rank)]
			if p == NoPiece {
				empty++
				continue
			}
			if empty > 0 {
				sb.WriteByte(byte('0' + empty))
				empty = 0
			}
			sb.WriteByte(p.Symbol())
		}
		if empty > 0 {
			sb.WriteByte(byte('0' + empty))
		}
		if rank > 0 {
			sb.WriteByte('/')
		}
	}
	return sb.String()
}

// FEN returns the placement followed by DefaultFields
func (s *State) FEN() string {
	return s.Placement() + " " + DefaultFields
}

// ValidatePlacement checks the placement grammar: eight '/'-separated ranks,
// each summing to eight files, using only digits 1-8 and piece letters, with
// no two digits adjacent.
func ValidatePlacement(placement string) error {
	ranks := strings.Split(placement, "/")
	if len(ranks) != 8 {
		return fmt.Errorf("%w: expected 8 ranks, got %d", ErrInvalidPlacement, len(ranks))
	}

	for i, rank := range ranks {
		if rank == "" {
			return fmt.Errorf("%w: rank %d is empty", ErrInvalidPlacement, 8-i)
		}
		width := 0
		prevDigit := false
		for j := 0; j < len(rank); j++ {
			c := rank[j]
			switch {
			case c >= '1' && c <= '8':
				if prevDigit {
					return fmt.Errorf("%w: adjacent digits in rank %d", ErrInvalidPlacement, 8-i)
				}
				width += int(c - '0')
				prevDigit = true
			case strings.IndexByte("pnbrqkPNBRQK", c) >= 0:
				width++
				prevDigit = false
			default:
				return fmt.Errorf("%w: unexpected %q in rank %d", ErrInvalidPlacement, c, 8-i)
			}
		}
		if width != 8 {
			return fmt.Errorf("%w: rank %d spans %d files", ErrInvalidPlacement, 8-i, width)
		}
	}

	return nil
}

// ValidateFEN checks a full FEN string: a valid placement plus side to move,
// castling, en passant, halfmove and fullmove fields. The string is also
// decoded by the chess library as a structural cross-check.
func ValidateFEN(fen string) error {
	fields := strings.Fields(fen)
	if len(fields) != 6 {
		return fmt.Errorf("%w: expected 6 fields, got %d", ErrInvalidFEN, len(fields))
	}
	if err := ValidatePlacement(fields[0]); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFEN, err)
	}
	if fields[1] != "w" && fields[1] != "b" {
		return fmt.Errorf("%w: bad side to move %q", ErrInvalidFEN, fields[1])
	}
	if !validCastling(fields[2]) {
		return fmt.Errorf("%w: bad castling field %q", ErrInvalidFEN, fields[2])
	}
	if fields[3] != "-" {
		if _, err := ParseSquare(fields[3]); err != nil {
			return fmt.Errorf("%w: bad en passant field %q", ErrInvalidFEN, fields[3])
		}
	}
	for _, f := range fields[4:] {
		for j := 0; j < len(f); j++ {
			if f[j] < '0' || f[j] > '9' {
				return fmt.Errorf("%w: bad move counter %q", ErrInvalidFEN, f)
			}
		}
	}

	if _, err := chess.FEN(fen); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFEN, err)
	}
	return nil
}

// validCastling accepts "-" or each of KQkq at most once, in that order
func validCastling(field string) bool {
	if field == "-" {
		return true
	}
	if field == "" {
		return false
	}
	const order = "KQkq"
	next := 0
	for i := 0; i < len(field); i++ {
		j := strings.IndexByte(order[next:], field[i])
		if j < 0 {
			return false
		}
		next += j + 1
	}
	return true
}

// ParsePlacement rebuilds a State from a placement field
func ParsePlacement(placement string) (State, error) {
	var s State
	if err := ValidatePlacement(placement); err != nil {
		return s, err
	}

	for i, rank := range strings.Split(placement, "/") {
		r := 7 - i
		file := 0
		for j := 0; j < len(rank); j++ {
			c := rank[j]
			if c >= '1' && c <= '8' {
				file += int(c - '0')
				continue
			}
			p, err := PieceFromSymbol(c)
			if err != nil {
				return State{}, fmt.Errorf("%w: %v", ErrInvalidPlacement, err)
			}
			s.squares[NewSquare(file, r)] = p
			file++
		}
	}

	return s, nil
}

// ParseFEN accepts either a bare placement or a full FEN string and returns
// the board. Fields after the placement are validated but otherwise ignored.
func ParseFEN(fen string) (State, error) {
	fen = strings.TrimSpace(fen)
	if !strings.Contains(fen, " ") {
		return ParsePlacement(fen)
	}
	if err := ValidateFEN(fen); err != nil {
		return State{}, err
	}
	return ParsePlacement(strings.Fields(fen)[0])
}
