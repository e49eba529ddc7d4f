package classify

import (
	"context"

	"gocv.io/x/gocv"

	"github.com/thyrook/fenscan/internal/board"
)

// Stub returns fixed labels per square. It reads the square from the
// context set by the adapter and ignores the image.
type Stub struct {
	labels  map[board.Square]string
	Default string
	Score   float64
}

// NewStub creates a stub from explicit labels
func NewStub(labels map[board.Square]string) *Stub {
	return &Stub{labels: labels, Default: string(LabelEmpty), Score: 0.99}
}

// NewStubFromState creates a stub that reproduces a known position
func NewStubFromState(state board.State) *Stub {
	labels := make(map[board.Square]string, board.NumSquares)
	for _, sq := range board.TraversalOrder() {
		labels[sq] = string(PieceLabel(state.Get(sq)))
	}
	return NewStub(labels)
}

func (s *Stub) Classify(ctx context.Context, _ gocv.Mat) (string, float64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	sq, ok := SquareFromContext(ctx)
	if !ok {
		return s.Default, s.Score, nil
	}
	if l, ok := s.labels[sq]; ok {
		return l, s.Score, nil
	}
	return s.Default, s.Score, nil
}
