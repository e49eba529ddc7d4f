package classify

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
	"golang.org/x/sync/semaphore"

	"github.com/thyrook/fenscan/internal/board"
	"github.com/thyrook/fenscan/internal/vision"
)

// Classifier is the external per-cell capability. Implementations must be
// safe for concurrent use when the adapter runs with more than one worker.
type Classifier interface {
	Classify(ctx context.Context, cell gocv.Mat) (label string, score float64, err error)
}

// ClassifierFunc adapts a function to the Classifier interface
type ClassifierFunc func(ctx context.Context, cell gocv.Mat) (string, float64, error)

func (f ClassifierFunc) Classify(ctx context.Context, cell gocv.Mat) (string, float64, error) {
	return f(ctx, cell)
}

type squareKey struct{}

// WithSquare attaches the coordinate of the cell being classified
func WithSquare(ctx context.Context, sq board.Square) context.Context {
	return context.WithValue(ctx, squareKey{}, sq)
}

// SquareFromContext returns the coordinate set by WithSquare
func SquareFromContext(ctx context.Context) (board.Square, bool) {
	sq, ok := ctx.Value(squareKey{}).(board.Square)
	return sq, ok
}

// Classification is the normalized result for one cell
type Classification struct {
	Square board.Square `json:"square"`
	Label  Label        `json:"label"`
	Score  float64      `json:"score"`
	// Err is the absorbed classifier failure, if any
	Err error `json:"-"`
}

// Recorder receives per-cell outcomes, typically for metrics
type Recorder interface {
	ObserveCell(label string, score float64, failed bool, elapsed time.Duration)
}

// AdapterOptions configures an Adapter
type AdapterOptions struct {
	// Maximum concurrent classifier calls; 0 uses GOMAXPROCS
	Workers int
	// Scores below this are flagged in reports; never alters assembly
	ConfidenceThreshold float64
	Logger              *zap.Logger
	Recorder            Recorder
}

// Adapter invokes a Classifier per cell and normalizes its output
type Adapter struct {
	classifier Classifier
	workers    int
	threshold  float64
	logger     *zap.Logger
	recorder   Recorder
}

// NewAdapter wraps a classifier
func NewAdapter(c Classifier, opts AdapterOptions) *Adapter {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Adapter{
		classifier: c,
		workers:    workers,
		threshold:  opts.ConfidenceThreshold,
		logger:     logger,
		recorder:   opts.Recorder,
	}
}

// Workers returns the parallelism bound
func (a *Adapter) Workers() int {
	return a.workers
}

// Classify classifies one cell. Classifier errors and panics are absorbed:
// the cell becomes unknown with score 0.
func (a *Adapter) Classify(ctx context.Context, cell vision.Cell) Classification {
	start := time.Now()
	raw, score, err := a.invoke(WithSquare(ctx, cell.Square), cell.Image)

	result := Classification{Square: cell.Square}
	if err != nil {
		a.logger.Warn("Cell classification failed",
			zap.String("square", cell.Square.String()),
			zap.Error(err))
		result.Label = LabelUnknown
		result.Err = err
	} else {
		result.Label = NormalizeLabel(raw)
		result.Score = NormalizeScore(score)
	}

	if a.recorder != nil {
		a.recorder.ObserveCell(string(result.Label), result.Score, err != nil, time.Since(start))
	}
	return result
}

func (a *Adapter) invoke(ctx context.Context, img gocv.Mat) (label string, score float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("classifier panic: %v", r)
		}
	}()
	return a.classifier.Classify(ctx, img)
}

// ClassifyAll classifies cells with bounded parallelism. The result has the
// same order as cells. Once ctx is done no new cells are dispatched; calls
// already running keep an uncancelled context and are waited for, and
// undispatched cells stay unknown.
func (a *Adapter) ClassifyAll(ctx context.Context, cells []vision.Cell) []Classification {
	results := make([]Classification, len(cells))
	for i, c := range cells {
		results[i] = Classification{Square: c.Square, Label: LabelUnknown}
	}

	sem := semaphore.NewWeighted(int64(a.workers))
	var wg sync.WaitGroup
	callCtx := context.WithoutCancel(ctx)

	dispatched := 0
	for i := range cells {
		if ctx.Err() != nil {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		dispatched++

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = a.Classify(callCtx, cells[i])
		}(i)
	}

	wg.Wait()

	if dispatched < len(cells) {
		a.logger.Info("Classification interrupted",
			zap.Int("dispatched", dispatched),
			zap.Int("total", len(cells)))
	}
	return results
}
