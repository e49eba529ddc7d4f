package correction

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/thyrook/fenscan/internal/assembler"
	"github.com/thyrook/fenscan/internal/board"
	"github.com/thyrook/fenscan/internal/classify"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrSessionClosed     = errors.New("session closed")
	ErrNothingToUndo     = errors.New("nothing to undo")
)

// Status is the session lifecycle state
type Status int

const (
	Reviewing Status = iota
	Editing
	Finalized
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Reviewing:
		return "reviewing"
	case Editing:
		return "editing"
	case Finalized:
		return "finalized"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Terminal reports whether no further operations are accepted
func (s Status) Terminal() bool {
	return s == Finalized || s == Cancelled
}

// Edit records one applied correction
type Edit struct {
	Square   board.Square `json:"square"`
	Previous board.Piece  `json:"previous"`
	Next     board.Piece  `json:"next"`
	At       time.Time    `json:"at"`
}

func (e Edit) String() string {
	return fmt.Sprintf("%s: %s -> %s", e.Square, e.Previous, e.Next)
}

// Session lets a human correct an assembled board before finalizing it.
// All operations are serialized; only one edit is in progress at a time.
type Session struct {
	mu sync.Mutex

	original board.State
	state    board.State
	edits    []Edit
	status   Status
	selected board.Square
	report   classify.Report
	result   string

	now    func() time.Time
	logger *zap.Logger
}

// NewSession starts a session in Reviewing over a copy of state
func NewSession(state board.State, report classify.Report, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		original: state,
		state:    state,
		status:   Reviewing,
		report:   report,
		now:      time.Now,
		logger:   logger,
	}
}

// Status returns the current lifecycle state
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Selected returns the square being edited, if any
func (s *Session) Selected() (board.Square, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected, s.status == Editing
}

// State returns a copy of the current board
func (s *Session) State() board.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Edits returns a copy of the edit log, oldest first
func (s *Session) Edits() []Edit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Edit, len(s.edits))
	copy(out, s.edits)
	return out
}

// Report returns the classification report the session was seeded with
func (s *Session) Report() classify.Report {
	return s.report
}

// FEN serializes the current board
func (s *Session) FEN() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return assembler.Serialize(&s.state)
}

// Result returns the finalized FEN; empty unless Finalized
func (s *Session) Result() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

func (s *Session) require(want Status, op string) error {
	if s.status.Terminal() {
		return fmt.Errorf("%s: %w", op, ErrSessionClosed)
	}
	if s.status != want {
		return fmt.Errorf("%s while %s: %w", op, s.status, ErrInvalidTransition)
	}
	return nil
}

// Select starts editing a square
func (s *Session) Select(sq board.Square) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.require(Reviewing, "select"); err != nil {
		return err
	}
	if !sq.Valid() {
		return fmt.Errorf("select: square %d out of range", int(sq))
	}

	s.selected = sq
	s.status = Editing
	return nil
}

// Submit replaces the selected square's piece and returns to Reviewing.
// Submitting the current piece is a no-op on the board but is still logged.
func (s *Session) Submit(p board.Piece) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.require(Editing, "submit"); err != nil {
		return err
	}
	if !p.Valid() {
		return fmt.Errorf("submit: invalid piece %d", int(p))
	}

	edit := Edit{
		Square:   s.selected,
		Previous: s.state.Get(s.selected),
		Next:     p,
		At:       s.now(),
	}
	if err := s.state.Set(s.selected, p); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	s.edits = append(s.edits, edit)
	s.status = Reviewing

	s.logger.Debug("Square corrected",
		zap.String("square", edit.Square.String()),
		zap.String("previous", edit.Previous.String()),
		zap.String("next", edit.Next.String()))
	return nil
}

// Abort leaves Editing without changing the board
func (s *Session) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.require(Editing, "abort"); err != nil {
		return err
	}
	s.status = Reviewing
	return nil
}

// Undo reverts the most recent edit
func (s *Session) Undo() (Edit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.require(Reviewing, "undo"); err != nil {
		return Edit{}, err
	}
	if len(s.edits) == 0 {
		return Edit{}, ErrNothingToUndo
	}

	last := s.edits[len(s.edits)-1]
	if err := s.state.Set(last.Square, last.Previous); err != nil {
		return Edit{}, fmt.Errorf("undo: %w", err)
	}
	s.edits = s.edits[:len(s.edits)-1]
	return last, nil
}

// Confirm finalizes the session and returns the FEN
func (s *Session) Confirm() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.require(Reviewing, "confirm"); err != nil {
		return "", err
	}
	s.result = assembler.Serialize(&s.state)
	s.status = Finalized

	s.logger.Info("Session finalized",
		zap.Int("edits", len(s.edits)),
		zap.String("fen", s.result))
	return s.result, nil
}

// Cancel discards every edit and closes the session
func (s *Session) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		return fmt.Errorf("cancel: %w", ErrSessionClosed)
	}
	s.state = s.original
	s.edits = nil
	s.status = Cancelled
	return nil
}
