package model

import (
	"context"
	"errors"

	"github.com/Brownie44l1/retina-api/internal/autograd"
	"github.com/Brownie44l1/retina-api/internal/tensor"
)

var (
	// ErrModelUnavailable is returned by a Server running without a model.
	ErrModelUnavailable = errors.New("model not loaded")
	// ErrModelNotFound means no candidate model path exists.
	ErrModelNotFound = errors.New("model file not found")
	// ErrUnknownLayer is returned for layer names absent from the network.
	ErrUnknownLayer = errors.New("unknown layer")
)

// DefaultClasses are the fundus conditions the classifier was trained on,
// in output order.
var DefaultClasses = []string{"AMD", "DR", "Glaucoma", "Normal"}

// FallbackLayers are tried when no rank-4 layer can be discovered.
var FallbackLayers = []string{"top_conv", "block7a_project_conv", "block6e_project_conv"}

// Metadata describes a model's inputs, outputs and labels.
type Metadata struct {
	InputShape    []int64  `json:"input_shape"`
	OutputShape   []int64  `json:"output_shape"`
	Classes       []string `json:"classes"`
	ImageSize     int      `json:"image_size"`
	Normalization string   `json:"normalization,omitempty"`

	// ONNX only.
	InputName     string    `json:"input_name,omitempty"`
	FeatureOutput string    `json:"feature_output,omitempty"`
	Head          *HeadSpec `json:"head,omitempty"`
}

// HeadSpec is the classification head applied in Go on top of an ONNX
// backbone: global average pooling, a dense layer and optional softmax.
type HeadSpec struct {
	Kernel  WeightTensor  `json:"kernel"`
	Bias    *WeightTensor `json:"bias,omitempty"`
	Softmax bool          `json:"softmax"`
}

// WeightTensor is a named parameter with its data.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// Tensor converts w into a tensor, checking the data length.
func (w WeightTensor) Tensor() (*tensor.Tensor, error) {
	return tensor.FromData(w.Data, w.Shape...)
}

// LayerInfo names a layer and its output shape.
type LayerInfo struct {
	Name  string
	Shape []int
}

// Classifier is a loaded, differentiable fundus classifier. Weights are
// never modified after loading, so one Classifier may serve many requests.
type Classifier interface {
	LayerShape(name string) ([]int, error)
	Forward(ctx context.Context, tape *autograd.Tape, input *tensor.Tensor, layer string) (activation, predictions *autograd.Var, err error)
	Predict(ctx context.Context, input *tensor.Tensor) ([]float32, error)
	Layers() []LayerInfo
	Metadata() Metadata
	Close() error
}

// Prediction is the classification of one image.
type Prediction struct {
	Label      string             `json:"prediction"`
	Index      int                `json:"-"`
	Confidence float32            `json:"top_confidence"`
	Probs      map[string]float32 `json:"probs"`
}
