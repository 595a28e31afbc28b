package model

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/Brownie44l1/retina-api/internal/autograd"
	"github.com/Brownie44l1/retina-api/internal/tensor"
)

// Layer types understood by ConvNet checkpoints.
const (
	LayerConv2D        = "conv2d"
	LayerReLU          = "relu"
	LayerGlobalAvgPool = "global_avg_pool"
	LayerDense         = "dense"
	LayerSoftmax       = "softmax"
)

// Checkpoint is the on-disk form of a ConvNet: a layer list plus named
// weights, stored as JSON.
type Checkpoint struct {
	Metadata Metadata       `json:"metadata"`
	Layers   []LayerSpec    `json:"layers"`
	Weights  []WeightTensor `json:"weights"`
}

// LayerSpec describes one layer. Kernel and Bias name entries in
// Checkpoint.Weights.
type LayerSpec struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Stride int    `json:"stride,omitempty"`
	Kernel string `json:"kernel,omitempty"`
	Bias   string `json:"bias,omitempty"`
}

type layer struct {
	spec   LayerSpec
	kernel *tensor.Tensor
	bias   *tensor.Tensor
	shape  []int
}

// ConvNet is a small sequential convolutional classifier evaluated in Go.
type ConvNet struct {
	meta   Metadata
	input  []int
	layers []layer
	index  map[string]int
}

// LoadCheckpoint reads a ConvNet checkpoint from path.
func LoadCheckpoint(path string) (*ConvNet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	var ckpt Checkpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint %s: %w", path, err)
	}
	return NewConvNet(ckpt)
}

// NewConvNet validates ckpt and infers every layer's output shape.
func NewConvNet(ckpt Checkpoint) (*ConvNet, error) {
	meta := ckpt.Metadata
	if len(meta.InputShape) != 4 {
		return nil, fmt.Errorf("checkpoint input shape %v is not [N,H,W,C]", meta.InputShape)
	}
	if len(ckpt.Layers) == 0 {
		return nil, fmt.Errorf("checkpoint has no layers")
	}
	input := make([]int, 4)
	for i, d := range meta.InputShape {
		input[i] = int(d)
	}
	if meta.ImageSize == 0 {
		meta.ImageSize = input[1]
	}

	weights := make(map[string]*tensor.Tensor, len(ckpt.Weights))
	for _, w := range ckpt.Weights {
		t, err := w.Tensor()
		if err != nil {
			return nil, fmt.Errorf("weight %q: %w", w.Name, err)
		}
		weights[w.Name] = t
	}
	lookup := func(name string, required bool) (*tensor.Tensor, error) {
		if name == "" {
			if required {
				return nil, fmt.Errorf("missing weight reference")
			}
			return nil, nil
		}
		t, ok := weights[name]
		if !ok {
			return nil, fmt.Errorf("weight %q not in checkpoint", name)
		}
		return t, nil
	}

	n := &ConvNet{meta: meta, input: input, index: make(map[string]int, len(ckpt.Layers))}
	shape := input
	for i, spec := range ckpt.Layers {
		if spec.Name == "" {
			return nil, fmt.Errorf("layer %d has no name", i)
		}
		if _, dup := n.index[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate layer name %q", spec.Name)
		}
		l := layer{spec: spec}
		var err error
		switch spec.Type {
		case LayerConv2D:
			if l.kernel, err = lookup(spec.Kernel, true); err != nil {
				break
			}
			if l.bias, err = lookup(spec.Bias, false); err != nil {
				break
			}
			if l.spec.Stride == 0 {
				l.spec.Stride = 1
			}
			ks := l.kernel.Shape
			if len(shape) != 4 || len(ks) != 4 || ks[2] != shape[3] {
				err = fmt.Errorf("kernel %v does not fit input %v", ks, shape)
				break
			}
			s := l.spec.Stride
			shape = []int{shape[0], (shape[1] + s - 1) / s, (shape[2] + s - 1) / s, ks[3]}
		case LayerReLU:
		case LayerSoftmax:
			if len(shape) != 2 {
				err = fmt.Errorf("softmax expects rank-2 input, got %v", shape)
			}
		case LayerGlobalAvgPool:
			if len(shape) != 4 {
				err = fmt.Errorf("pooling expects rank-4 input, got %v", shape)
				break
			}
			shape = []int{shape[0], shape[3]}
		case LayerDense:
			if l.kernel, err = lookup(spec.Kernel, true); err != nil {
				break
			}
			if l.bias, err = lookup(spec.Bias, false); err != nil {
				break
			}
			ks := l.kernel.Shape
			if len(shape) != 2 || len(ks) != 2 || ks[0] != shape[1] {
				err = fmt.Errorf("kernel %v does not fit input %v", ks, shape)
				break
			}
			shape = []int{shape[0], ks[1]}
		default:
			err = fmt.Errorf("unsupported layer type %q", spec.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("layer %q: %w", spec.Name, err)
		}
		l.shape = shape
		n.index[spec.Name] = i
		n.layers = append(n.layers, l)
	}

	if len(shape) != 2 {
		return nil, fmt.Errorf("network output shape %v is not [N,classes]", shape)
	}
	if len(meta.Classes) == 0 {
		meta.Classes = DefaultClasses
	}
	if len(meta.Classes) != shape[1] {
		return nil, fmt.Errorf("network has %d outputs but %d classes", shape[1], len(meta.Classes))
	}
	meta.OutputShape = []int64{int64(shape[0]), int64(shape[1])}
	n.meta = meta
	return n, nil
}

// Metadata returns the checkpoint metadata.
func (n *ConvNet) Metadata() Metadata { return n.meta }

// LayerShape returns the output shape of the named layer.
func (n *ConvNet) LayerShape(name string) ([]int, error) {
	i, ok := n.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLayer, name)
	}
	return append([]int(nil), n.layers[i].shape...), nil
}

// Layers lists every layer in execution order.
func (n *ConvNet) Layers() []LayerInfo {
	out := make([]LayerInfo, len(n.layers))
	for i, l := range n.layers {
		out[i] = LayerInfo{Name: l.spec.Name, Shape: append([]int(nil), l.shape...)}
	}
	return out
}

// Forward evaluates the network. The output of the named layer is re-watched
// so gradients stop there; an empty layer watches nothing.
func (n *ConvNet) Forward(ctx context.Context, tape *autograd.Tape, input *tensor.Tensor, layerName string) (*autograd.Var, *autograd.Var, error) {
	if !tensor.ShapesEqual(input.Shape, n.input) {
		return nil, nil, fmt.Errorf("input shape %v, want %v", input.Shape, n.input)
	}
	if layerName != "" {
		if _, ok := n.index[layerName]; !ok {
			return nil, nil, fmt.Errorf("%w: %q", ErrUnknownLayer, layerName)
		}
	}

	var act *autograd.Var
	x := tape.Constant(input)
	for _, l := range n.layers {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		var err error
		if x, err = l.apply(tape, x); err != nil {
			return nil, nil, fmt.Errorf("layer %q: %w", l.spec.Name, err)
		}
		if l.spec.Name == layerName {
			x = tape.Watch(x.Value)
			act = x
		}
	}
	return act, x, nil
}

// Predict returns the flattened network output for input.
func (n *ConvNet) Predict(ctx context.Context, input *tensor.Tensor) ([]float32, error) {
	var out []float32
	err := autograd.Record(func(tape *autograd.Tape) error {
		_, preds, err := n.Forward(ctx, tape, input, "")
		if err != nil {
			return err
		}
		out = append([]float32(nil), preds.Value.Data...)
		return nil
	})
	return out, err
}

// Close is a no-op; a ConvNet holds no native resources.
func (n *ConvNet) Close() error { return nil }

func (l layer) apply(tape *autograd.Tape, x *autograd.Var) (*autograd.Var, error) {
	var bias *autograd.Var
	if l.bias != nil {
		bias = tape.Constant(l.bias)
	}
	switch l.spec.Type {
	case LayerConv2D:
		return tape.Conv2D(x, tape.Constant(l.kernel), bias, l.spec.Stride)
	case LayerReLU:
		return tape.ReLU(x)
	case LayerGlobalAvgPool:
		return tape.GlobalAvgPool(x)
	case LayerDense:
		return tape.Dense(x, tape.Constant(l.kernel), bias)
	case LayerSoftmax:
		return tape.Softmax(x)
	}
	return nil, fmt.Errorf("unsupported layer type %q", l.spec.Type)
}
