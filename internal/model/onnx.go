package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/Brownie44l1/retina-api/internal/autograd"
	"github.com/Brownie44l1/retina-api/internal/tensor"
	ort "github.com/yalue/onnxruntime_go"
)

var (
	ortMu    sync.Mutex
	ortUsers int
)

// acquireRuntime initializes the shared ONNX Runtime environment on first
// use. libPath may be empty to use the library's default search.
func acquireRuntime(libPath string) error {
	ortMu.Lock()
	defer ortMu.Unlock()
	if ortUsers == 0 && !ort.IsInitialized() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}
	ortUsers++
	return nil
}

func releaseRuntime() error {
	ortMu.Lock()
	defer ortMu.Unlock()
	if ortUsers == 0 {
		return nil
	}
	ortUsers--
	if ortUsers == 0 && ort.IsInitialized() {
		return ort.DestroyEnvironment()
	}
	return nil
}

// ONNXClassifier runs a convolutional backbone through ONNX Runtime and the
// classification head in Go, so gradients of class scores are available
// with respect to the backbone's feature output.
type ONNXClassifier struct {
	meta    Metadata
	session *ort.DynamicAdvancedSession
	outputs []string
	shapes  map[string][]int
	input   []int
	kernel  *tensor.Tensor
	bias    *tensor.Tensor
}

// LoadONNX opens modelPath with the metadata stored at metadataPath.
func LoadONNX(modelPath, metadataPath, libPath string) (*ONNXClassifier, error) {
	metaFile, err := os.ReadFile(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(metaFile, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if len(meta.Classes) == 0 {
		meta.Classes = DefaultClasses
	}
	if _, _, err := loadHead(meta.Head, len(meta.Classes)); err != nil {
		return nil, err
	}

	if err := acquireRuntime(libPath); err != nil {
		return nil, err
	}
	c, err := newONNXClassifier(modelPath, meta)
	if err != nil {
		releaseRuntime()
		return nil, err
	}
	return c, nil
}

func newONNXClassifier(modelPath string, meta Metadata) (*ONNXClassifier, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect model: %w", err)
	}
	if len(inputs) != 1 {
		return nil, fmt.Errorf("model has %d inputs, want 1", len(inputs))
	}
	if meta.InputName == "" {
		meta.InputName = inputs[0].Name
	}

	c := &ONNXClassifier{meta: meta, shapes: make(map[string][]int, len(outputs))}
	c.input = toInts(inputs[0].Dimensions)
	if len(c.input) == 4 && c.input[0] < 1 {
		c.input[0] = 1
	}
	if meta.ImageSize == 0 && len(c.input) == 4 {
		c.meta.ImageSize = c.input[1]
	}
	for _, o := range outputs {
		c.outputs = append(c.outputs, o.Name)
		c.shapes[o.Name] = toInts(o.Dimensions)
	}
	if meta.FeatureOutput == "" {
		meta.FeatureOutput = lastRank4(c.Layers())
		c.meta.FeatureOutput = meta.FeatureOutput
	}
	if _, ok := c.shapes[meta.FeatureOutput]; !ok {
		return nil, fmt.Errorf("%w: feature output %q", ErrUnknownLayer, meta.FeatureOutput)
	}

	if c.kernel, c.bias, err = loadHead(meta.Head, len(c.meta.Classes)); err != nil {
		return nil, err
	}
	c.meta.OutputShape = []int64{1, int64(len(c.meta.Classes))}

	c.session, err = ort.NewDynamicAdvancedSession(modelPath, []string{meta.InputName}, c.outputs, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	return c, nil
}

// loadHead checks that spec maps pooled features onto classes outputs.
func loadHead(spec *HeadSpec, classes int) (kernel, bias *tensor.Tensor, err error) {
	if spec == nil {
		return nil, nil, errors.New("metadata has no classification head")
	}
	if kernel, err = spec.Kernel.Tensor(); err != nil {
		return nil, nil, fmt.Errorf("head kernel: %w", err)
	}
	if kernel.Rank() != 2 || kernel.Shape[1] != classes {
		return nil, nil, fmt.Errorf("head kernel shape %v does not map to %d classes", kernel.Shape, classes)
	}
	if spec.Bias != nil {
		if bias, err = spec.Bias.Tensor(); err != nil {
			return nil, nil, fmt.Errorf("head bias: %w", err)
		}
		if bias.Rank() != 1 || bias.Shape[0] != classes {
			return nil, nil, fmt.Errorf("head bias shape %v does not map to %d classes", bias.Shape, classes)
		}
	}
	return kernel, bias, nil
}

func toInts(s ort.Shape) []int {
	out := make([]int, len(s))
	for i, d := range s {
		out[i] = int(d)
	}
	return out
}

// Metadata returns the model metadata.
func (c *ONNXClassifier) Metadata() Metadata { return c.meta }

// LayerShape reports the static shape of a graph output. Dynamic dimensions
// are -1.
func (c *ONNXClassifier) LayerShape(name string) ([]int, error) {
	s, ok := c.shapes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLayer, name)
	}
	return append([]int(nil), s...), nil
}

// Layers lists the graph outputs in declaration order.
func (c *ONNXClassifier) Layers() []LayerInfo {
	out := make([]LayerInfo, len(c.outputs))
	for i, name := range c.outputs {
		out[i] = LayerInfo{Name: name, Shape: append([]int(nil), c.shapes[name]...)}
	}
	return out
}

// run executes the backbone and copies every output into Go tensors.
func (c *ONNXClassifier) run(input *tensor.Tensor) (map[string]*tensor.Tensor, error) {
	shape := make(ort.Shape, len(input.Shape))
	for i, d := range input.Shape {
		shape[i] = int64(d)
	}
	in, err := ort.NewTensor(shape, input.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer in.Destroy()

	outs := make([]ort.ArbitraryTensor, len(c.outputs))
	defer func() {
		for _, o := range outs {
			if o != nil {
				o.Destroy()
			}
		}
	}()
	if err := c.session.Run([]ort.ArbitraryTensor{in}, outs); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	result := make(map[string]*tensor.Tensor, len(outs))
	for i, o := range outs {
		ft, ok := o.(*ort.Tensor[float32])
		if !ok {
			continue
		}
		t, err := tensor.FromData(append([]float32(nil), ft.GetData()...), toInts(ft.GetShape())...)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", c.outputs[i], err)
		}
		result[c.outputs[i]] = t
	}
	return result, nil
}

// Forward runs the backbone once, watches the named output and applies the
// head to the feature output. Only the feature output is connected to the
// predictions; other layers yield activations without a gradient path.
func (c *ONNXClassifier) Forward(ctx context.Context, tape *autograd.Tape, input *tensor.Tensor, layer string) (*autograd.Var, *autograd.Var, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if layer != "" {
		if _, ok := c.shapes[layer]; !ok {
			return nil, nil, fmt.Errorf("%w: %q", ErrUnknownLayer, layer)
		}
	}
	values, err := c.run(input)
	if err != nil {
		return nil, nil, err
	}
	feat, ok := values[c.meta.FeatureOutput]
	if !ok {
		return nil, nil, fmt.Errorf("feature output %q is not float32", c.meta.FeatureOutput)
	}

	var act, features *autograd.Var
	switch layer {
	case "":
		features = tape.Constant(feat)
	case c.meta.FeatureOutput:
		act = tape.Watch(feat)
		features = act
	default:
		v, ok := values[layer]
		if !ok {
			return nil, nil, fmt.Errorf("layer %q is not float32", layer)
		}
		act = tape.Watch(v)
		features = tape.Constant(feat)
	}

	preds, err := c.head(tape, features)
	if err != nil {
		return nil, nil, err
	}
	return act, preds, nil
}

func (c *ONNXClassifier) head(tape *autograd.Tape, features *autograd.Var) (*autograd.Var, error) {
	x := features
	var err error
	if x.Value.Rank() == 4 {
		if x, err = tape.GlobalAvgPool(x); err != nil {
			return nil, fmt.Errorf("head: %w", err)
		}
	}
	var bias *autograd.Var
	if c.bias != nil {
		bias = tape.Constant(c.bias)
	}
	if x, err = tape.Dense(x, tape.Constant(c.kernel), bias); err != nil {
		return nil, fmt.Errorf("head: %w", err)
	}
	if c.meta.Head.Softmax {
		if x, err = tape.Softmax(x); err != nil {
			return nil, fmt.Errorf("head: %w", err)
		}
	}
	return x, nil
}

// Predict returns the class scores for input.
func (c *ONNXClassifier) Predict(ctx context.Context, input *tensor.Tensor) ([]float32, error) {
	var out []float32
	err := autograd.Record(func(tape *autograd.Tape) error {
		_, preds, err := c.Forward(ctx, tape, input, "")
		if err != nil {
			return err
		}
		out = append([]float32(nil), preds.Value.Data...)
		return nil
	})
	return out, err
}

// Close destroys the session and releases the runtime.
func (c *ONNXClassifier) Close() error {
	var errs []error
	if c.session != nil {
		errs = append(errs, c.session.Destroy())
		c.session = nil
	}
	errs = append(errs, releaseRuntime())
	return errors.Join(errs...)
}
