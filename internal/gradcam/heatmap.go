// Package gradcam computes gradient-weighted class activation maps and
// turns them into colour overlays for fundus images.
package gradcam

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/Brownie44l1/retina-api/internal/autograd"
	"github.com/Brownie44l1/retina-api/internal/tensor"
	"gonum.org/v1/gonum/mat"
)

// Model is the differentiable classifier the explanation engine consumes.
type Model interface {
	// LayerShape reports the output shape of the named layer without
	// running the network. Dynamic dimensions may be reported as -1.
	LayerShape(name string) ([]int, error)

	// Forward runs the network on input while recording onto tape. It
	// returns the named layer's activations, watched so gradients can be
	// taken with respect to them, and the prediction vector.
	Forward(ctx context.Context, tape *autograd.Tape, input *tensor.Tensor, layer string) (activation, predictions *autograd.Var, err error)
}

// ComputeHeatmap returns the rectified Grad-CAM map of input for the named
// layer. A nil classIndex explains the top-scoring class.
func ComputeHeatmap(ctx context.Context, input *tensor.Tensor, m Model, layer string, classIndex *int) (*mat.Dense, error) {
	raw, _, err := computeHeatmap(ctx, input, m, layer, classIndex)
	return raw, err
}

func computeHeatmap(ctx context.Context, input *tensor.Tensor, m Model, layer string, classIndex *int) (*mat.Dense, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	shape, err := m.LayerShape(layer)
	if err != nil {
		return nil, 0, &LayerNotFoundError{Layer: layer, Err: err}
	}
	if len(shape) != 4 {
		return nil, 0, &LayerNotFoundError{Layer: layer, Shape: shape}
	}

	var (
		raw   *mat.Dense
		class int
	)
	err = autograd.Record(func(tape *autograd.Tape) error {
		act, preds, err := m.Forward(ctx, tape, input, layer)
		if err != nil {
			return fmt.Errorf("forward pass: %w", err)
		}
		if act.Value.Rank() != 4 {
			return &LayerNotFoundError{Layer: layer, Shape: act.Value.Shape}
		}
		if preds.Value.Len() == 0 {
			return &GradientComputationError{Layer: layer, Class: -1, Err: errors.New("empty prediction vector")}
		}

		class = preds.Value.ArgMax()
		if classIndex != nil {
			class = *classIndex
		}
		score, err := tape.Index(preds, class)
		if err != nil {
			return &GradientComputationError{Layer: layer, Class: class, Err: err}
		}
		grads, err := tape.Gradient(score, act)
		if err != nil {
			return &GradientComputationError{Layer: layer, Class: class, Err: err}
		}
		if !grads.Finite() {
			return &GradientComputationError{Layer: layer, Class: class, Err: errors.New("non-finite gradient")}
		}

		raw, err = weightedActivations(act.Value, grads)
		if err != nil {
			return &GradientComputationError{Layer: layer, Class: class, Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return raw, class, nil
}

// weightedActivations pools grads over the spatial axes into one weight per
// channel and returns ReLU(sum_c w_c * A[:,:,c]) for the first batch item.
func weightedActivations(act, grads *tensor.Tensor) (*mat.Dense, error) {
	if !tensor.SameShape(act, grads) {
		return nil, fmt.Errorf("gradient shape %v does not match activation shape %v", grads.Shape, act.Shape)
	}
	n, h, w, c := act.Shape[0], act.Shape[1], act.Shape[2], act.Shape[3]
	if n < 1 || h < 1 || w < 1 || c < 1 {
		return nil, fmt.Errorf("activation shape %v has an empty dimension", act.Shape)
	}

	hw := h * w
	weights := channelWeights(grads.Data[:hw*c], hw, c)

	a := mat.NewDense(hw, c, toFloat64(act.Data[:hw*c]))
	var cam mat.VecDense
	cam.MulVec(a, weights)

	raw := mat.NewDense(h, w, nil)
	for i := 0; i < hw; i++ {
		raw.Set(i/w, i%w, math.Max(cam.AtVec(i), 0))
	}
	return raw, nil
}

// channelWeights averages an (hw x c) gradient block over its rows, i.e.
// over height and width but never across channels.
func channelWeights(grads []float32, hw, c int) *mat.VecDense {
	g := mat.NewDense(hw, c, toFloat64(grads))
	ones := mat.NewVecDense(hw, nil)
	for i := 0; i < hw; i++ {
		ones.SetVec(i, 1)
	}
	weights := mat.NewVecDense(c, nil)
	weights.MulVec(g.T(), ones)
	weights.ScaleVec(1/float64(hw), weights)
	return weights
}

func toFloat64(src []float32) []float64 {
	dst := make([]float64, len(src))
	for i, v := range src {
		dst[i] = float64(v)
	}
	return dst
}
