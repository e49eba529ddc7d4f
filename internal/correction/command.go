package correction

import (
	"errors"
	"fmt"
	"strings"

	"github.com/thyrook/fenscan/internal/board"
)

// CommandKind identifies a correction command
type CommandKind int

const (
	CmdSet CommandKind = iota
	CmdUndo
	CmdShow
	CmdDone
	CmdCancel
)

// Command is a parsed correction instruction
type Command struct {
	Kind   CommandKind
	Square board.Square
	Piece  board.Piece
}

// ErrUnknownCommand is returned for unparseable input
var ErrUnknownCommand = errors.New("unknown command")

// ParseCommand parses "e4=Q", "e4=." (clear), "undo", "show", "done" or
// "cancel"
func ParseCommand(line string) (Command, error) {
	s := strings.TrimSpace(line)

	switch strings.ToLower(s) {
	case "undo", "u":
		return Command{Kind: CmdUndo}, nil
	case "show", "s", "":
		return Command{Kind: CmdShow}, nil
	case "done", "confirm", "d":
		return Command{Kind: CmdDone}, nil
	case "cancel", "quit", "q":
		return Command{Kind: CmdCancel}, nil
	}

	name, value, ok := strings.Cut(s, "=")
	if !ok {
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, s)
	}

	sq, err := board.ParseSquare(strings.TrimSpace(name))
	if err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrUnknownCommand, err)
	}
	p, err := board.ParsePiece(strings.TrimSpace(value))
	if err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrUnknownCommand, err)
	}

	return Command{Kind: CmdSet, Square: sq, Piece: p}, nil
}

// Outcome is the session's response to a command
type Outcome struct {
	FEN      string `json:"fen"`
	Status   string `json:"status"`
	Edits    int    `json:"edits"`
	Message  string `json:"message,omitempty"`
	Terminal bool   `json:"terminal"`
}

// Apply runs a command against the session. A set command is a complete
// select and submit pair.
func (s *Session) Apply(cmd Command) (Outcome, error) {
	var msg string

	switch cmd.Kind {
	case CmdSet:
		if err := s.Select(cmd.Square); err != nil {
			return s.outcome(""), err
		}
		if err := s.Submit(cmd.Piece); err != nil {
			_ = s.Abort()
			return s.outcome(""), err
		}
		msg = fmt.Sprintf("%s set to %s", cmd.Square, cmd.Piece)

	case CmdUndo:
		edit, err := s.Undo()
		if err != nil {
			return s.outcome(""), err
		}
		msg = "undid " + edit.String()

	case CmdShow:
		if s.Status().Terminal() {
			return s.outcome(""), fmt.Errorf("show: %w", ErrSessionClosed)
		}
		state := s.State()
		msg = state.String()

	case CmdDone:
		if _, err := s.Confirm(); err != nil {
			return s.outcome(""), err
		}
		msg = "finalized"

	case CmdCancel:
		if err := s.Cancel(); err != nil {
			return s.outcome(""), err
		}
		msg = "cancelled"

	default:
		return s.outcome(""), ErrUnknownCommand
	}

	return s.outcome(msg), nil
}

// ApplyLine parses and applies one line of input
func (s *Session) ApplyLine(line string) (Outcome, error) {
	cmd, err := ParseCommand(line)
	if err != nil {
		return s.outcome(""), err
	}
	return s.Apply(cmd)
}

func (s *Session) outcome(msg string) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	fen := s.result
	if fen == "" {
		fen = s.state.FEN()
	}
	return Outcome{
		FEN:      fen,
		Status:   s.status.String(),
		Edits:    len(s.edits),
		Message:  msg,
		Terminal: s.status.Terminal(),
	}
}
