package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/thyrook/fenscan/internal/assembler"
	"github.com/thyrook/fenscan/internal/board"
	"github.com/thyrook/fenscan/internal/classify"
	"github.com/thyrook/fenscan/internal/vision"
)

// Stage names the step a run failed in
type Stage string

const (
	StageDetect   Stage = "detect"
	StageExtract  Stage = "extract"
	StageClassify Stage = "classify"
	StageAssemble Stage = "assemble"
)

// StageError attributes a run failure to a stage
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// StageOf returns the stage a run error came from, or "" if unknown
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// Recorder observes finished runs
type Recorder interface {
	ObserveRun(method string, elapsed time.Duration, err error)
}

// Options configures a Pipeline
type Options struct {
	Detect              vision.DetectOptions
	Workers             int
	ConfidenceThreshold float64
	// Piece used for cells classified as bare occupancy
	OccupiedPiece board.Piece
	// Keep PNG encoded cells on the result for storing with corrections
	KeepCells    bool
	Logger       *zap.Logger
	Recorder     Recorder
	CellRecorder classify.Recorder
}

// DefaultOptions returns options with default detection settings
func DefaultOptions() Options {
	return Options{
		Detect:              vision.DefaultDetectOptions(),
		ConfidenceThreshold: 0.5,
		OccupiedPiece:       board.WhitePawn,
	}
}

// Result is the outcome of one run
type Result struct {
	ID        string          `json:"id"`
	FEN       string          `json:"fen"`
	State     board.State     `json:"-"`
	Report    classify.Report `json:"report"`
	Warnings  []board.Warning `json:"warnings,omitempty"`
	Quad      vision.Quad     `json:"quad"`
	Method    vision.Method   `json:"method"`
	Duration  time.Duration   `json:"duration"`
	CreatedAt time.Time       `json:"created_at"`
	// Per-run directory holding debug images, report and FEN
	DiagnosticsDir string `json:"diagnostics_dir,omitempty"`
	// PNG cell images keyed by square, set when KeepCells is on
	Cells map[string][]byte `json:"-"`
}

// Pipeline runs detect, extract, classify and assemble for one image at a
// time. It holds no per-run state and may be shared between goroutines as
// long as the classifier is safe for concurrent use.
type Pipeline struct {
	detector  *vision.BoardDetector
	extractor *vision.SquareExtractor
	adapter   *classify.Adapter
	assembler *assembler.Assembler
	diagDir   string
	keepCells bool
	logger    *zap.Logger
	recorder  Recorder
}

// New creates a pipeline around a classifier
func New(c classify.Classifier, opts Options) (*Pipeline, error) {
	if c == nil {
		return nil, errors.New("classifier is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	// debug images go to a directory per run, see process
	detectOpts := opts.Detect
	detectOpts.DiagnosticsDir = ""
	detector, err := vision.NewBoardDetector(detectOpts, logger.Named("detector"))
	if err != nil {
		return nil, err
	}

	asm := assembler.New(logger.Named("assembler"))
	if opts.OccupiedPiece != board.NoPiece {
		asm.OccupiedPiece = opts.OccupiedPiece
	}

	return &Pipeline{
		detector:  detector,
		extractor: vision.NewSquareExtractor(opts.Detect.CellSize),
		adapter: classify.NewAdapter(c, classify.AdapterOptions{
			Workers:             opts.Workers,
			ConfidenceThreshold: opts.ConfidenceThreshold,
			Logger:              logger.Named("classify"),
			Recorder:            opts.CellRecorder,
		}),
		assembler: asm,
		diagDir:   opts.Detect.DiagnosticsDir,
		keepCells: opts.KeepCells,
		logger:    logger,
		recorder:  opts.Recorder,
	}, nil
}

// Detector returns the board detector
func (p *Pipeline) Detector() *vision.BoardDetector {
	return p.detector
}

// Run processes a raw image. raw is read only and stays owned by the caller.
func (p *Pipeline) Run(ctx context.Context, raw gocv.Mat) (*Result, error) {
	return p.run(ctx, uuid.NewString(), raw, nil)
}

// RunWithQuad processes a raw image using caller supplied board corners
func (p *Pipeline) RunWithQuad(ctx context.Context, raw gocv.Mat, corners []vision.Point) (*Result, error) {
	if len(corners) == 0 {
		return nil, errors.New("corners are required")
	}
	return p.run(ctx, uuid.NewString(), raw, corners)
}

func (p *Pipeline) run(ctx context.Context, id string, raw gocv.Mat, corners []vision.Point) (*Result, error) {
	start := time.Now()
	logger := p.logger.With(zap.String("scan", id))

	result, err := p.process(ctx, id, raw, corners, logger)
	elapsed := time.Since(start)

	method := ""
	if result != nil {
		method = string(result.Method)
		result.Duration = elapsed
	}
	if p.recorder != nil {
		p.recorder.ObserveRun(method, elapsed, err)
	}

	if err != nil {
		logger.Warn("Scan failed",
			zap.String("stage", string(StageOf(err))),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return nil, err
	}

	logger.Info("Scan complete",
		zap.String("fen", result.FEN),
		zap.String("method", method),
		zap.Int("low_confidence", result.Report.LowConfidence),
		zap.Int("warnings", len(result.Warnings)),
		zap.Duration("elapsed", elapsed))
	return result, nil
}

func (p *Pipeline) process(ctx context.Context, id string, raw gocv.Mat, corners []vision.Point, logger *zap.Logger) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	detector := p.detector
	var diag *vision.Diagnostics
	if p.diagDir != "" {
		diag = vision.NewDiagnostics(filepath.Join(p.diagDir, id), logger)
		detector = p.detector.WithDiagnostics(diag)
	}

	var (
		canonical *vision.CanonicalBoard
		err       error
	)
	if corners != nil {
		canonical, err = detector.DetectWithQuad(raw, corners)
	} else {
		canonical, err = detector.Detect(raw)
	}
	if err != nil {
		return nil, &StageError{Stage: StageDetect, Err: err}
	}
	defer canonical.Close()

	cells, err := p.extractor.Extract(canonical)
	if err != nil {
		return nil, &StageError{Stage: StageExtract, Err: err}
	}
	defer cells.Close()
	diag.SaveCells(cells)

	var encoded map[string][]byte
	if p.keepCells {
		encoded, err = cells.EncodePNG()
		if err != nil {
			logger.Warn("Failed to encode cells", zap.Error(err))
		}
	}

	results := p.adapter.ClassifyAll(ctx, cells)
	if err := ctx.Err(); err != nil {
		return nil, &StageError{Stage: StageClassify, Err: err}
	}
	report := p.adapter.Report(results)
	saveReport(diag, report, logger)

	state, warnings, err := p.assembler.Assemble(assembler.PairsFrom(results))
	if err != nil {
		return nil, &StageError{Stage: StageAssemble, Err: err}
	}

	fen := assembler.Serialize(state)
	saveFEN(diag, fen, logger)

	return &Result{
		ID:             id,
		FEN:            fen,
		State:          *state,
		Report:         report,
		Warnings:       warnings,
		Quad:           canonical.Quad,
		Method:         canonical.Method,
		CreatedAt:      time.Now(),
		DiagnosticsDir: diag.Dir(),
		Cells:          encoded,
	}, nil
}

// saveReport writes the per-cell report next to the run's debug images
func saveReport(diag *vision.Diagnostics, report classify.Report, logger *zap.Logger) {
	if !diag.Enabled() {
		return
	}
	if err := os.MkdirAll(diag.Dir(), 0755); err != nil {
		logger.Warn("Failed to create diagnostics dir", zap.String("dir", diag.Dir()), zap.Error(err))
		return
	}
	path := filepath.Join(diag.Dir(), "debug_report.json")
	f, err := os.Create(path)
	if err != nil {
		logger.Warn("Failed to write report", zap.String("path", path), zap.Error(err))
		return
	}
	defer f.Close()

	if err := report.WriteJSON(f); err != nil {
		logger.Warn("Failed to write report", zap.String("path", path), zap.Error(err))
	}
}

func saveFEN(diag *vision.Diagnostics, fen string, logger *zap.Logger) {
	if !diag.Enabled() {
		return
	}
	path := filepath.Join(diag.Dir(), "board.fen")
	if err := os.WriteFile(path, []byte(fen+"\n"), 0644); err != nil {
		logger.Warn("Failed to write FEN", zap.String("path", path), zap.Error(err))
	}
}
