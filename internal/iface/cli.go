package iface

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/thyrook/fenscan/internal/board"
	"github.com/thyrook/fenscan/internal/classify"
	"github.com/thyrook/fenscan/internal/correction"
	"github.com/thyrook/fenscan/internal/pipeline"
)

// ErrCorrectionCancelled is returned when the user cancels a correction
var ErrCorrectionCancelled = errors.New("correction cancelled")

// Color codes for terminal output
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorBold   = "\033[1m"
	ColorDim    = "\033[2m"
)

// CLI renders scan results and drives interactive correction on a terminal
type CLI struct {
	in    *bufio.Scanner
	out   io.Writer
	quiet bool
	color bool
	mu    sync.Mutex
}

// NewCLI creates a CLI reading commands from in and writing to out. Colors
// are used unless quiet or NO_COLOR is set.
func NewCLI(in io.Reader, out io.Writer, quiet bool) *CLI {
	return &CLI{
		in:    bufio.NewScanner(in),
		out:   out,
		quiet: quiet,
		color: !quiet && os.Getenv("NO_COLOR") == "",
	}
}

// SetColor enables or disables ANSI colors
func (c *CLI) SetColor(enabled bool) {
	c.color = enabled
}

// Colorize applies color to text if enabled
func (c *CLI) Colorize(text string, color string) string {
	if !c.color {
		return text
	}
	return color + text + ColorReset
}

func (c *CLI) printf(format string, args ...interface{}) {
	fmt.Fprintf(c.out, format, args...)
}

// PrintStatus prints a status message. Quiet mode keeps only errors.
func (c *CLI) PrintStatus(message string, level string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.quiet && level != "error" {
		return
	}

	switch level {
	case "success":
		c.printf("%s\n", c.Colorize("✓ "+message, ColorGreen))
	case "warning":
		c.printf("%s\n", c.Colorize("! "+message, ColorYellow))
	case "error":
		c.printf("%s\n", c.Colorize("✗ "+message, ColorRed))
	default:
		c.printf("%s\n", c.Colorize("• "+message, ColorBlue))
	}
}

// PrintError prints an error message
func (c *CLI) PrintError(err error) {
	c.PrintStatus(err.Error(), "error")
}

// PrintFEN prints a bare FEN line; it is the only output in quiet mode
func (c *CLI) PrintFEN(fen string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.printf("%s\n", fen)
}

// PrintResult prints a scan summary followed by the FEN
func (c *CLI) PrintResult(result *pipeline.Result) {
	if !c.quiet {
		c.mu.Lock()
		c.printf("\n%s\n", c.Colorize("Board detected", ColorBold))
		c.printf("  Method:      %s\n", result.Method)
		c.printf("  Duration:    %s\n", result.Duration.Round(time.Millisecond))
		c.printf("  Cells:       %d (%d low confidence, %d failed)\n",
			len(result.Report.Cells), result.Report.LowConfidence, result.Report.Failed)
		c.mu.Unlock()

		for _, w := range result.Warnings {
			c.PrintStatus(w.String(), "warning")
		}
		c.PrintBoard(result.State, flaggedSet(result.Report))
	}
	c.PrintFEN(result.FEN)
}

func flaggedSet(report classify.Report) map[string]bool {
	flagged := make(map[string]bool)
	for _, sq := range report.Flagged() {
		flagged[sq] = true
	}
	return flagged
}

// PrintBoard prints an ASCII board with white at the bottom. Squares in
// highlight are colored.
func (c *CLI) PrintBoard(state board.State, highlight map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.quiet {
		return
	}

	c.printf("\n    a b c d e f g h\n")
	c.printf("  ┌─────────────────┐\n")
	for rank := 7; rank >= 0; rank-- {
		c.printf("%d │ ", rank+1)
		for file := 0; file < 8; file++ {
			sq := board.NewSquare(file, rank)
			cell := state.Get(sq).String()
			if highlight[sq.String()] {
				cell = c.Colorize(cell, ColorYellow)
			}
			c.printf("%s ", cell)
		}
		c.printf("│ %d\n", rank+1)
	}
	c.printf("  └─────────────────┘\n")
	c.printf("    a b c d e f g h\n\n")
}

// PrintTable prints data in a formatted table
func (c *CLI) PrintTable(headers []string, rows [][]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.quiet {
		return
	}

	colWidths := make([]int, len(headers))
	for i, h := range headers {
		colWidths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(colWidths) && len(cell) > colWidths[i] {
				colWidths[i] = len(cell)
			}
		}
	}

	for i, h := range headers {
		c.printf("%-*s  ", colWidths[i], h)
	}
	c.printf("\n")

	for _, w := range colWidths {
		c.printf("%s", strings.Repeat("─", w+2))
	}
	c.printf("\n")

	for _, row := range rows {
		for i, cell := range row {
			if i < len(colWidths) {
				c.printf("%-*s  ", colWidths[i], cell)
			}
		}
		c.printf("\n")
	}
	c.printf("\n")
}

// PrintReport prints the flagged and failed cells of a classification report
func (c *CLI) PrintReport(report classify.Report) {
	var rows [][]string
	for _, cell := range report.Cells {
		if !cell.LowConfidence && cell.Error == "" {
			continue
		}
		note := "low confidence"
		if cell.Error != "" {
			note = cell.Error
		}
		rows = append(rows, []string{cell.Square, string(cell.Label), fmt.Sprintf("%.2f", cell.Score), note})
	}

	if len(rows) == 0 {
		c.PrintStatus("All cells above confidence threshold", "success")
		return
	}
	c.PrintTable([]string{"Square", "Label", "Score", "Note"}, rows)
}

// PrintCorrectionHelp lists the correction commands
func (c *CLI) PrintCorrectionHelp() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.quiet {
		return
	}
	c.printf("Commands:\n")
	c.printf("  e4=Q     put a piece on a square (PNBRQK white, pnbrqk black)\n")
	c.printf("  e4=.     clear a square\n")
	c.printf("  undo     revert the last edit\n")
	c.printf("  show     print the board\n")
	c.printf("  done     accept the board\n")
	c.printf("  cancel   discard all edits\n\n")
}

// RunCorrection reads commands until the session is finalized or
// cancelled and returns the final FEN. End of input cancels the session.
func (c *CLI) RunCorrection(session *correction.Session) (string, error) {
	c.PrintCorrectionHelp()
	c.PrintBoard(session.State(), flaggedSet(session.Report()))

	for {
		c.mu.Lock()
		if !c.quiet {
			c.printf("%s ", c.Colorize(">", ColorBold))
		}
		c.mu.Unlock()

		if !c.in.Scan() {
			if err := c.in.Err(); err != nil {
				return "", fmt.Errorf("failed to read command: %w", err)
			}
			if !session.Status().Terminal() {
				_ = session.Cancel()
			}
			return "", ErrCorrectionCancelled
		}

		line := strings.TrimSpace(c.in.Text())
		if line == "" {
			continue
		}

		out, err := session.ApplyLine(line)
		if err != nil {
			c.PrintError(err)
			continue
		}

		cmd, _ := correction.ParseCommand(line)
		switch {
		case out.Status == correction.Finalized.String():
			c.PrintStatus(fmt.Sprintf("Finalized after %d edits", out.Edits), "success")
			return out.FEN, nil
		case out.Status == correction.Cancelled.String():
			c.PrintStatus("Edits discarded", "warning")
			return "", ErrCorrectionCancelled
		case cmd.Kind == correction.CmdShow:
			c.PrintBoard(session.State(), flaggedSet(session.Report()))
			c.PrintStatus(out.FEN, "info")
		default:
			c.PrintStatus(out.Message, "info")
		}
	}
}
