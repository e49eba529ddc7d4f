package assembler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thyrook/fenscan/internal/board"
	"github.com/thyrook/fenscan/internal/classify"
)

func pairsFor(t *testing.T, placement string) []Pair {
	t.Helper()
	state, err := board.ParsePlacement(placement)
	require.NoError(t, err)

	pairs := make([]Pair, 0, board.NumSquares)
	for _, sq := range board.TraversalOrder() {
		pairs = append(pairs, Pair{Square: sq, Label: classify.PieceLabel(state.Get(sq)), Score: 1})
	}
	return pairs
}

func TestAssembleRoundTrip(t *testing.T) {
	a := New(nil)

	for _, placement := range []string{
		"rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR",
		"8/8/8/8/8/8/8/8",
		"4k3/8/8/3pP3/8/8/8/4K3",
	} {
		state, _, err := a.Assemble(pairsFor(t, placement))
		require.NoError(t, err)

		fen := Serialize(state)
		assert.Equal(t, placement+" w KQkq - 0 1", fen)
		assert.NoError(t, board.ValidateFEN(fen))
	}
}

func TestAssembleAllEmpty(t *testing.T) {
	pairs := make([]Pair, 0, 64)
	for _, sq := range board.TraversalOrder() {
		pairs = append(pairs, Pair{Square: sq, Label: classify.LabelEmpty})
	}

	state, warnings, err := New(nil).Assemble(pairs)
	require.NoError(t, err)
	assert.Equal(t, "8/8/8/8/8/8/8/8 w KQkq - 0 1", Serialize(state))

	// no kings, but still a state
	require.NotEmpty(t, warnings)
	assert.Equal(t, board.WarnKingCount, warnings[0].Code)
}

func TestAssembleUnknownAndOccupied(t *testing.T) {
	pairs := pairsFor(t, "8/8/8/8/8/8/8/8")
	for i := range pairs {
		switch pairs[i].Square.String() {
		case "e4":
			pairs[i].Label = classify.LabelOccupied
		case "d5":
			pairs[i].Label = classify.LabelUnknown
		}
	}

	a := New(nil)
	state, _, err := a.Assemble(pairs)
	require.NoError(t, err)
	assert.Equal(t, "8/8/8/8/4P3/8/8/8", state.Placement())

	a.OccupiedPiece = board.BlackQueen
	state, _, err = a.Assemble(pairs)
	require.NoError(t, err)
	assert.Equal(t, "8/8/8/8/4q3/8/8/8", state.Placement())
}

func TestAssembleOrderIndependent(t *testing.T) {
	pairs := pairsFor(t, "r3k2r/8/8/8/8/8/8/R3K2R")
	reversed := make([]Pair, len(pairs))
	for i, p := range pairs {
		reversed[len(pairs)-1-i] = p
	}

	a := New(nil)
	s1, _, err := a.Assemble(pairs)
	require.NoError(t, err)
	s2, _, err := a.Assemble(reversed)
	require.NoError(t, err)
	assert.Equal(t, *s1, *s2)
}

func TestAssembleIncompleteGrid(t *testing.T) {
	full := pairsFor(t, "8/8/8/8/8/8/8/8")

	dup := append([]Pair(nil), full...)
	dup[10] = dup[11]

	outOfRange := append([]Pair(nil), full...)
	outOfRange[5].Square = board.Square(64)

	tests := []struct {
		name  string
		pairs []Pair
	}{
		{"sixty-three labels", full[:63]},
		{"sixty-five labels", append(append([]Pair(nil), full...), full[0])},
		{"no labels", nil},
		{"duplicate square", dup},
		{"out of range square", outOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, _, err := New(nil).Assemble(tt.pairs)
			require.Error(t, err)
			assert.Nil(t, state)
			assert.True(t, errors.Is(err, ErrIncompleteGrid))

			var ae *AssemblyError
			assert.True(t, errors.As(err, &ae))
		})
	}
}

func TestAssembleRejectsForeignLabel(t *testing.T) {
	pairs := pairsFor(t, "8/8/8/8/8/8/8/8")
	pairs[0].Label = "dragon"

	_, _, err := New(nil).Assemble(pairs)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrIncompleteGrid))
}

func TestAssembleWarningsAreSoft(t *testing.T) {
	placement := "PPPPPPPP/PPPPPPPP/PPPPPPPP/PPPPPPPP/PPPPPPPP/PPPPPPPP/PPPPPPPP/PPPPPPPP"
	state, warnings, err := New(nil).Assemble(pairsFor(t, placement))
	require.NoError(t, err)
	assert.Equal(t, placement, state.Placement())
	assert.NotEmpty(t, warnings)
}

func TestPairsFrom(t *testing.T) {
	results := []classify.Classification{
		{Square: board.NewSquare(0, 7), Label: "r", Score: 0.9},
		{Square: board.NewSquare(1, 7), Label: classify.LabelEmpty, Score: 0.8},
	}
	pairs := PairsFrom(results)
	require.Len(t, pairs, 2)
	assert.Equal(t, classify.Label("r"), pairs[0].Label)
	assert.Equal(t, 0.8, pairs[1].Score)
}
