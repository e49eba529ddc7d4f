package classify

import (
	"fmt"
	"io"

	"github.com/thyrook/fenscan/internal/board"
)

// Backend names a classifier implementation
type Backend string

const (
	BackendStub      Backend = "stub"
	BackendHeuristic Backend = "heuristic"
	BackendCNN       Backend = "cnn"
	BackendTFLite    Backend = "tflite"
)

// Backends lists the supported backends
var Backends = []Backend{BackendStub, BackendHeuristic, BackendCNN, BackendTFLite}

// BackendOptions selects and configures a classifier
type BackendOptions struct {
	Backend   Backend
	ModelPath string
	InputSize int
	Hidden    int
	Threads   int
	Threshold float64
	// Position reproduced by the stub backend
	StubFEN string
}

// New builds the classifier named by opts. The returned closer releases
// model resources and is never nil.
func New(opts BackendOptions) (Classifier, io.Closer, error) {
	switch opts.Backend {
	case BackendStub:
		state := board.NewState()
		if opts.StubFEN != "" {
			var err error
			state, err = board.ParseFEN(opts.StubFEN)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid stub position: %w", err)
			}
		}
		return NewStubFromState(state), nopCloser{}, nil

	case BackendHeuristic, "":
		return NewHeuristic(), nopCloser{}, nil

	case BackendCNN:
		size := opts.InputSize
		if size == 0 {
			size = DefaultCNNInputSize
		}
		hidden := opts.Hidden
		if hidden == 0 {
			hidden = 64
		}
		if opts.ModelPath == "" {
			return nil, nil, fmt.Errorf("cnn backend requires a model path")
		}
		net, err := LoadCNN(opts.ModelPath, size, hidden)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load cnn: %w", err)
		}
		return net, net, nil

	case BackendTFLite:
		tfOpts := DefaultTFLiteOptions(opts.ModelPath)
		if opts.InputSize > 0 {
			tfOpts.InputSize = opts.InputSize
		}
		if opts.Threads > 0 {
			tfOpts.Threads = opts.Threads
		}
		if opts.Threshold > 0 {
			tfOpts.Threshold = opts.Threshold
		}
		model, err := NewTFLite(tfOpts)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load tflite model: %w", err)
		}
		return model, model, nil
	}

	return nil, nil, fmt.Errorf("unknown classifier backend %q", opts.Backend)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
