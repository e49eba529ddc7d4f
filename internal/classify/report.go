package classify

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// CellReport is the per-cell diagnostic entry
type CellReport struct {
	Square        string  `json:"square"`
	Label         Label   `json:"label"`
	Score         float64 `json:"score"`
	LowConfidence bool    `json:"low_confidence"`
	Error         string  `json:"error,omitempty"`
}

// Report summarizes a classification pass
type Report struct {
	Threshold     float64      `json:"threshold"`
	LowConfidence int          `json:"low_confidence"`
	Failed        int          `json:"failed"`
	Cells         []CellReport `json:"cells"`
}

// NewReport builds a report; cells scoring below threshold are flagged
func NewReport(results []Classification, threshold float64) Report {
	r := Report{
		Threshold: threshold,
		Cells:     make([]CellReport, 0, len(results)),
	}

	for _, c := range results {
		entry := CellReport{
			Square:        c.Square.String(),
			Label:         c.Label,
			Score:         c.Score,
			LowConfidence: c.Score < threshold,
		}
		if c.Err != nil {
			entry.Error = c.Err.Error()
			r.Failed++
		}
		if entry.LowConfidence {
			r.LowConfidence++
		}
		r.Cells = append(r.Cells, entry)
	}

	return r
}

// Report builds a report using the adapter's confidence threshold
func (a *Adapter) Report(results []Classification) Report {
	return NewReport(results, a.threshold)
}

// Flagged returns the squares marked low confidence
func (r Report) Flagged() []string {
	var out []string
	for _, c := range r.Cells {
		if c.LowConfidence {
			out = append(out, c.Square)
		}
	}
	return out
}

// WriteJSON writes the report as indented JSON
func (r Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return nil
}

// String renders a compact table of flagged cells
func (r Report) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d cells, %d low confidence (< %.2f), %d failed\n",
		len(r.Cells), r.LowConfidence, r.Threshold, r.Failed)
	for _, c := range r.Cells {
		if !c.LowConfidence {
			continue
		}
		fmt.Fprintf(&sb, "  %-3s %-9s %.2f\n", c.Square, c.Label, c.Score)
	}
	return sb.String()
}
