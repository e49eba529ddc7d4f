package classify

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"sync"

	"gocv.io/x/gocv"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// CNNClasses is the output layout of the CNN: empty followed by the twelve
// piece symbols
var CNNClasses = []Label{
	LabelEmpty,
	"P", "N", "B", "R", "Q", "K",
	"p", "n", "b", "r", "q", "k",
}

// DefaultCNNInputSize is the side of the grayscale input patch
const DefaultCNNInputSize = 32

// CNN is a small convolutional square classifier evaluated with gorgonia.
// A single tape machine is shared, so inference is serialized.
type CNN struct {
	g *gorgonia.ExprGraph

	input *gorgonia.Node

	conv1W *gorgonia.Node
	conv1B *gorgonia.Node
	conv2W *gorgonia.Node
	conv2B *gorgonia.Node

	fc1W *gorgonia.Node
	fc1B *gorgonia.Node
	fc2W *gorgonia.Node
	fc2B *gorgonia.Node

	output *gorgonia.Node

	vm gorgonia.VM
	mu sync.Mutex

	inputSize  int
	hiddenSize int
}

// NewCNN builds the network with randomly initialized weights. inputSize
// must be divisible by 4.
func NewCNN(inputSize, hiddenSize int) (*CNN, error) {
	if inputSize < 4 || inputSize%4 != 0 {
		return nil, fmt.Errorf("input size must be a positive multiple of 4, got %d", inputSize)
	}
	if hiddenSize < 1 {
		return nil, fmt.Errorf("invalid hidden size: %d", hiddenSize)
	}

	g := gorgonia.NewGraph()

	input := gorgonia.NewTensor(g, tensor.Float64, 4, gorgonia.WithShape(1, 1, inputSize, inputSize), gorgonia.WithName("input"))

	// Conv1: 1 -> 8 channels, 3x3 kernel
	conv1W := gorgonia.NewTensor(g, tensor.Float64, 4, gorgonia.WithShape(8, 1, 3, 3), gorgonia.WithName("conv1_w"), gorgonia.WithInit(gorgonia.GlorotU(1.0)))
	conv1B := gorgonia.NewTensor(g, tensor.Float64, 1, gorgonia.WithShape(8), gorgonia.WithName("conv1_b"), gorgonia.WithInit(gorgonia.Zeroes()))

	// Conv2: 8 -> 16 channels, 3x3 kernel
	conv2W := gorgonia.NewTensor(g, tensor.Float64, 4, gorgonia.WithShape(16, 8, 3, 3), gorgonia.WithName("conv2_w"), gorgonia.WithInit(gorgonia.GlorotU(1.0)))
	conv2B := gorgonia.NewTensor(g, tensor.Float64, 1, gorgonia.WithShape(16), gorgonia.WithName("conv2_b"), gorgonia.WithInit(gorgonia.Zeroes()))

	conv1, err := gorgonia.Conv2d(input, conv1W, tensor.Shape{3, 3}, []int{1, 1}, []int{1, 1}, []int{1, 1})
	if err != nil {
		return nil, fmt.Errorf("conv1 failed: %w", err)
	}
	conv1 = gorgonia.Must(gorgonia.BroadcastAdd(conv1, conv1B, nil, []byte{0, 2, 3}))
	conv1 = gorgonia.Must(gorgonia.Rectify(conv1))
	pool1, err := gorgonia.MaxPool2D(conv1, tensor.Shape{2, 2}, []int{0, 0}, []int{2, 2})
	if err != nil {
		return nil, fmt.Errorf("pool1 failed: %w", err)
	}

	conv2, err := gorgonia.Conv2d(pool1, conv2W, tensor.Shape{3, 3}, []int{1, 1}, []int{1, 1}, []int{1, 1})
	if err != nil {
		return nil, fmt.Errorf("conv2 failed: %w", err)
	}
	conv2 = gorgonia.Must(gorgonia.BroadcastAdd(conv2, conv2B, nil, []byte{0, 2, 3}))
	conv2 = gorgonia.Must(gorgonia.Rectify(conv2))
	pool2, err := gorgonia.MaxPool2D(conv2, tensor.Shape{2, 2}, []int{0, 0}, []int{2, 2})
	if err != nil {
		return nil, fmt.Errorf("pool2 failed: %w", err)
	}

	flat := gorgonia.Must(gorgonia.Reshape(pool2, tensor.Shape{1, -1}))

	// two 2x2 pools quarter each spatial side
	spatial := inputSize / 4
	flatSize := 16 * spatial * spatial

	fc1W := gorgonia.NewMatrix(g, tensor.Float64, gorgonia.WithShape(flatSize, hiddenSize), gorgonia.WithName("fc1_w"), gorgonia.WithInit(gorgonia.GlorotU(1.0)))
	fc1B := gorgonia.NewVector(g, tensor.Float64, gorgonia.WithShape(hiddenSize), gorgonia.WithName("fc1_b"), gorgonia.WithInit(gorgonia.Zeroes()))

	fc1 := gorgonia.Must(gorgonia.Mul(flat, fc1W))
	fc1 = gorgonia.Must(gorgonia.BroadcastAdd(fc1, fc1B, nil, []byte{0}))
	fc1 = gorgonia.Must(gorgonia.Rectify(fc1))

	classes := len(CNNClasses)
	fc2W := gorgonia.NewMatrix(g, tensor.Float64, gorgonia.WithShape(hiddenSize, classes), gorgonia.WithName("fc2_w"), gorgonia.WithInit(gorgonia.GlorotU(1.0)))
	fc2B := gorgonia.NewVector(g, tensor.Float64, gorgonia.WithShape(classes), gorgonia.WithName("fc2_b"), gorgonia.WithInit(gorgonia.Zeroes()))

	fc2 := gorgonia.Must(gorgonia.Mul(fc1, fc2W))
	output := gorgonia.Must(gorgonia.BroadcastAdd(fc2, fc2B, nil, []byte{0}))
	output = gorgonia.Must(gorgonia.SoftMax(output))

	return &CNN{
		g:          g,
		input:      input,
		conv1W:     conv1W,
		conv1B:     conv1B,
		conv2W:     conv2W,
		conv2B:     conv2B,
		fc1W:       fc1W,
		fc1B:       fc1B,
		fc2W:       fc2W,
		fc2B:       fc2B,
		output:     output,
		vm:         gorgonia.NewTapeMachine(g),
		inputSize:  inputSize,
		hiddenSize: hiddenSize,
	}, nil
}

// LoadCNN builds a network and loads weights saved by Save
func LoadCNN(path string, inputSize, hiddenSize int) (*CNN, error) {
	net, err := NewCNN(inputSize, hiddenSize)
	if err != nil {
		return nil, err
	}
	if err := net.Load(path); err != nil {
		net.Close()
		return nil, err
	}
	return net, nil
}

// InputSize returns the side of the input patch
func (n *CNN) InputSize() int {
	return n.inputSize
}

// Predict returns class probabilities in CNNClasses order
func (n *CNN) Predict(features []float64) ([]float64, error) {
	if len(features) != n.inputSize*n.inputSize {
		return nil, fmt.Errorf("invalid input size: expected %d, got %d", n.inputSize*n.inputSize, len(features))
	}

	backing := make([]float64, len(features))
	copy(backing, features)
	inputTensor := tensor.New(
		tensor.WithShape(1, 1, n.inputSize, n.inputSize),
		tensor.WithBacking(backing),
	)

	n.mu.Lock()
	defer n.mu.Unlock()
	defer n.vm.Reset()

	if err := gorgonia.Let(n.input, inputTensor); err != nil {
		return nil, fmt.Errorf("failed to set input: %w", err)
	}

	if err := n.vm.RunAll(); err != nil {
		return nil, fmt.Errorf("failed to run inference: %w", err)
	}

	value := n.output.Value()
	if value == nil {
		return nil, errors.New("output is nil")
	}

	data, ok := value.Data().([]float64)
	if !ok {
		return nil, fmt.Errorf("unexpected output type %T", value.Data())
	}

	probs := make([]float64, len(data))
	copy(probs, data)
	return probs, nil
}

func (n *CNN) Classify(ctx context.Context, cell gocv.Mat) (string, float64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}

	features, err := Features(cell, n.inputSize)
	if err != nil {
		return "", 0, err
	}

	probs, err := n.Predict(features)
	if err != nil {
		return "", 0, err
	}

	best := 0
	for i, p := range probs {
		if p > probs[best] {
			best = i
		}
	}
	return string(CNNClasses[best]), probs[best], nil
}

func (n *CNN) learnables() []*gorgonia.Node {
	return []*gorgonia.Node{
		n.conv1W, n.conv1B,
		n.conv2W, n.conv2B,
		n.fc1W, n.fc1B,
		n.fc2W, n.fc2B,
	}
}

// Save writes the weights as a sequence of gob encoded shape/data pairs
func (n *CNN) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	n.mu.Lock()
	defer n.mu.Unlock()

	encoder := gob.NewEncoder(f)
	for _, w := range n.learnables() {
		val := w.Value()
		if val == nil {
			return fmt.Errorf("weight %s has no value", w.Name())
		}

		data, ok := val.Data().([]float64)
		if !ok {
			return fmt.Errorf("weight %s has unexpected type %T", w.Name(), val.Data())
		}

		if err := encoder.Encode(val.Shape()); err != nil {
			return fmt.Errorf("failed to encode %s shape: %w", w.Name(), err)
		}
		if err := encoder.Encode(data); err != nil {
			return fmt.Errorf("failed to encode %s data: %w", w.Name(), err)
		}
	}

	return nil
}

// Load reads weights written by Save
func (n *CNN) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	n.mu.Lock()
	defer n.mu.Unlock()

	decoder := gob.NewDecoder(f)
	for _, w := range n.learnables() {
		var shape tensor.Shape
		var data []float64

		if err := decoder.Decode(&shape); err != nil {
			return fmt.Errorf("failed to decode %s shape: %w", w.Name(), err)
		}
		if err := decoder.Decode(&data); err != nil {
			return fmt.Errorf("failed to decode %s data: %w", w.Name(), err)
		}
		if !shape.Eq(w.Shape()) {
			return fmt.Errorf("weight %s shape mismatch: file %v, model %v", w.Name(), shape, w.Shape())
		}

		t := tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
		if err := gorgonia.Let(w, t); err != nil {
			return fmt.Errorf("failed to set weight %s: %w", w.Name(), err)
		}
	}

	return nil
}

// Close releases the tape machine
func (n *CNN) Close() error {
	return n.vm.Close()
}
