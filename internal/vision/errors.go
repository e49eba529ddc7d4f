package vision

import (
	"errors"
	"fmt"
)

// FailureReason says why a board could not be located
type FailureReason string

const (
	NoBoardFound  FailureReason = "no_board_found"
	BoardTooSmall FailureReason = "board_too_small"
)

var (
	ErrNoBoardFound  = errors.New("no board found")
	ErrBoardTooSmall = errors.New("board too small")
)

// DetectionFailure is returned when no acceptable board quadrilateral exists.
// It is never retried automatically and no substitute board is produced.
type DetectionFailure struct {
	Reason FailureReason
	Detail string
}

func (e *DetectionFailure) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("detection failed: %s", e.Reason)
	}
	return fmt.Sprintf("detection failed: %s: %s", e.Reason, e.Detail)
}

// Is matches the sentinel errors for the failure reason
func (e *DetectionFailure) Is(target error) bool {
	switch e.Reason {
	case NoBoardFound:
		return target == ErrNoBoardFound
	case BoardTooSmall:
		return target == ErrBoardTooSmall
	}
	return false
}

func noBoard(format string, args ...interface{}) error {
	return &DetectionFailure{Reason: NoBoardFound, Detail: fmt.Sprintf(format, args...)}
}

func tooSmall(format string, args ...interface{}) error {
	return &DetectionFailure{Reason: BoardTooSmall, Detail: fmt.Sprintf(format, args...)}
}
