package vision

import (
	"encoding/json"
	"fmt"
	"image"
	"os"
)

// DetectOptions holds board detection and extraction settings
type DetectOptions struct {
	// Canonical canvas side in pixels before the border crop
	TargetSize int `json:"target_size"`

	// Inner corner lattice of an 8x8 board
	PatternSize image.Point `json:"pattern_size"`

	// Fraction of TargetSize removed from each side after warping
	BorderCropPercent float64 `json:"border_crop_percent"`

	// Smallest accepted board area as a fraction of the image area
	MinAreaFraction float64 `json:"min_area_fraction"`

	Sharpen  bool `json:"sharpen"`
	CellSize int  `json:"cell_size"`

	// Optional directory for debug images; empty disables diagnostics
	DiagnosticsDir string `json:"diagnostics_dir,omitempty"`

	// Palettes used by the color fallback, in order
	Palettes []Palette `json:"palettes,omitempty"`
}

// DefaultDetectOptions returns default detection options
func DefaultDetectOptions() DetectOptions {
	return DetectOptions{
		TargetSize:        1024,
		PatternSize:       image.Pt(7, 7),
		BorderCropPercent: 0.03,
		MinAreaFraction:   0.05,
		Sharpen:           true,
		CellSize:          96,
		Palettes:          DefaultPalettes(),
	}
}

// LoadDetectOptions loads options from a JSON file
func LoadDetectOptions(path string) (DetectOptions, error) {
	opts := DefaultDetectOptions()

	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("failed to read options file: %w", err)
	}

	if err := json.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("failed to parse options: %w", err)
	}

	if err := opts.Validate(); err != nil {
		return opts, fmt.Errorf("invalid options: %w", err)
	}

	return opts, nil
}

// Save writes options to a JSON file
func (o DetectOptions) Save(path string) error {
	data, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write options file: %w", err)
	}

	return nil
}

// Validate checks if the options are usable
func (o DetectOptions) Validate() error {
	if o.TargetSize < 64 || o.TargetSize > 8192 {
		return fmt.Errorf("invalid target size: %d (must be 64-8192)", o.TargetSize)
	}

	if o.PatternSize.X < 2 || o.PatternSize.Y < 2 {
		return fmt.Errorf("invalid pattern size: %v", o.PatternSize)
	}

	if o.BorderCropPercent < 0 || o.BorderCropPercent >= 0.25 {
		return fmt.Errorf("invalid border crop: %f (must be 0-0.25)", o.BorderCropPercent)
	}

	if o.MinAreaFraction <= 0 || o.MinAreaFraction > 1 {
		return fmt.Errorf("invalid min area fraction: %f (must be 0-1)", o.MinAreaFraction)
	}

	if o.CellSize < 8 || o.CellSize > 512 {
		return fmt.Errorf("invalid cell size: %d (must be 8-512)", o.CellSize)
	}

	// each cell must keep at least one pixel after slicing
	if o.CanonicalSide() < 8 {
		return fmt.Errorf("canonical side %d too small for an 8x8 grid", o.CanonicalSide())
	}

	return nil
}

// CropPixels is the number of pixels removed from each side after warping
func (o DetectOptions) CropPixels() int {
	return int(float64(o.TargetSize) * o.BorderCropPercent)
}

// CanonicalSide is the side of the canonical board after the border crop
func (o DetectOptions) CanonicalSide() int {
	return o.TargetSize - 2*o.CropPixels()
}

// String returns a string representation of the options
func (o DetectOptions) String() string {
	return fmt.Sprintf(
		"Detect Options:\n"+
			"  Target Size: %dpx\n"+
			"  Pattern: %dx%d\n"+
			"  Border Crop: %.1f%%\n"+
			"  Min Area: %.1f%%\n"+
			"  Sharpen: %v\n"+
			"  Cell Size: %dpx\n",
		o.TargetSize,
		o.PatternSize.X, o.PatternSize.Y,
		o.BorderCropPercent*100,
		o.MinAreaFraction*100,
		o.Sharpen,
		o.CellSize,
	)
}
