package classify

import (
	"math"
	"strings"

	"github.com/thyrook/fenscan/internal/board"
)

// Label is a normalized classification result
type Label string

const (
	LabelEmpty    Label = "empty"
	LabelOccupied Label = "occupied"
	LabelUnknown  Label = "unknown"
)

var synonyms = map[string]Label{
	"empty":    LabelEmpty,
	"rejected": LabelEmpty,
	"none":     LabelEmpty,
	"blank":    LabelEmpty,
	".":        LabelEmpty,
	"-":        LabelEmpty,
	"occupied": LabelOccupied,
	"accepted": LabelOccupied,
	"piece":    LabelOccupied,
	"unknown":  LabelUnknown,
	"error":    LabelUnknown,
}

// Piece returns the piece named by a single-letter label
func (l Label) Piece() (board.Piece, bool) {
	if len(l) != 1 || l == "." || l == "-" {
		return board.NoPiece, false
	}
	p, err := board.PieceFromSymbol(l[0])
	if err != nil || p == board.NoPiece {
		return board.NoPiece, false
	}
	return p, true
}

// Valid reports whether l belongs to the closed vocabulary
func (l Label) Valid() bool {
	if _, ok := l.Piece(); ok {
		return true
	}
	return l == LabelEmpty || l == LabelOccupied || l == LabelUnknown
}

// PieceLabel returns the label for a piece; NoPiece maps to empty
func PieceLabel(p board.Piece) Label {
	if p == board.NoPiece || !p.Valid() {
		return LabelEmpty
	}
	return Label(p.String())
}

// NormalizeLabel maps a raw classifier label into the vocabulary. Single
// piece letters keep their case since case carries colour; everything else
// is matched case-insensitively and unrecognized labels become unknown.
func NormalizeLabel(raw string) Label {
	s := strings.TrimSpace(raw)
	if len(s) == 1 {
		if l := Label(s); l.Valid() {
			return l
		}
	}
	if l, ok := synonyms[strings.ToLower(s)]; ok {
		return l
	}
	return LabelUnknown
}

// NormalizeScore clamps a confidence into [0, 1]; NaN becomes 0
func NormalizeScore(score float64) float64 {
	if math.IsNaN(score) {
		return 0
	}
	return math.Max(0, math.Min(1, score))
}
