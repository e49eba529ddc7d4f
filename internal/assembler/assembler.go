package assembler

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/thyrook/fenscan/internal/board"
	"github.com/thyrook/fenscan/internal/classify"
)

// ErrIncompleteGrid is matched by every AssemblyError
var ErrIncompleteGrid = errors.New("incomplete grid")

// AssemblyError reports that the labels do not cover the board exactly once
type AssemblyError struct {
	Reason string
}

func (e *AssemblyError) Error() string {
	return "incomplete grid: " + e.Reason
}

func (e *AssemblyError) Is(target error) bool {
	return target == ErrIncompleteGrid
}

// Pair is a coordinate with its classification
type Pair struct {
	Square board.Square
	Label  classify.Label
	Score  float64
}

// PairsFrom converts adapter results into pairs
func PairsFrom(results []classify.Classification) []Pair {
	pairs := make([]Pair, len(results))
	for i, r := range results {
		pairs[i] = Pair{Square: r.Square, Label: r.Label, Score: r.Score}
	}
	return pairs
}

// Assembler turns 64 labels into a board state
type Assembler struct {
	// Piece used for cells that are known to be occupied but whose piece
	// is not identified
	OccupiedPiece board.Piece
	logger        *zap.Logger
}

// New creates an assembler using a white pawn for bare occupancy
func New(logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{OccupiedPiece: board.WhitePawn, logger: logger}
}

// Assemble builds a state from exactly 64 pairs covering every square once.
// Empty and unknown labels become empty squares. Warnings are soft and never
// reject the state.
func (a *Assembler) Assemble(pairs []Pair) (*board.State, []board.Warning, error) {
	if len(pairs) != board.NumSquares {
		return nil, nil, &AssemblyError{Reason: fmt.Sprintf("expected %d labels, got %d", board.NumSquares, len(pairs))}
	}

	var seen [board.NumSquares]bool
	state := board.NewState()
	unknown := 0

	for _, p := range pairs {
		if !p.Square.Valid() {
			return nil, nil, &AssemblyError{Reason: fmt.Sprintf("square %d out of range", int(p.Square))}
		}
		if seen[p.Square] {
			return nil, nil, &AssemblyError{Reason: fmt.Sprintf("duplicate square %s", p.Square)}
		}
		seen[p.Square] = true

		piece, err := a.pieceFor(p.Label)
		if err != nil {
			return nil, nil, err
		}
		if p.Label == classify.LabelUnknown {
			unknown++
		}
		if err := state.Set(p.Square, piece); err != nil {
			return nil, nil, fmt.Errorf("failed to set %s: %w", p.Square, err)
		}
	}

	warnings := state.Check()
	if unknown > 0 {
		a.logger.Debug("Unknown cells assembled as empty", zap.Int("count", unknown))
	}
	for _, w := range warnings {
		a.logger.Debug("Board warning", zap.String("code", w.Code), zap.String("message", w.Message))
	}

	return &state, warnings, nil
}

func (a *Assembler) pieceFor(l classify.Label) (board.Piece, error) {
	switch l {
	case classify.LabelEmpty, classify.LabelUnknown:
		return board.NoPiece, nil
	case classify.LabelOccupied:
		return a.OccupiedPiece, nil
	}
	if p, ok := l.Piece(); ok {
		return p, nil
	}
	return board.NoPiece, fmt.Errorf("label %q outside vocabulary", l)
}

// Serialize returns the FEN for a state with the fixed default fields
func Serialize(state *board.State) string {
	return state.FEN()
}
