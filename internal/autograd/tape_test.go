package autograd

import (
	"errors"
	"math"
	"testing"

	"github.com/Brownie44l1/retina-api/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seq(shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	for i := range t.Data {
		// Deterministic values with mixed signs.
		t.Data[i] = float32(math.Sin(float64(i)*0.7)) * 0.5
	}
	return t
}

// smallNet is conv -> gap -> dense -> softmax -> index, the same shape of
// graph a classifier head produces. ReLU is left out so finite differences
// never straddle a kink.
func smallNet(tp *Tape, act *Var, w1, w2 *tensor.Tensor, class int) (*Var, error) {
	k, err := tp.Conv2D(act, tp.Constant(w1), nil, 1)
	if err != nil {
		return nil, err
	}
	p, err := tp.GlobalAvgPool(k)
	if err != nil {
		return nil, err
	}
	d, err := tp.Dense(p, tp.Constant(w2), nil)
	if err != nil {
		return nil, err
	}
	s, err := tp.Softmax(d)
	if err != nil {
		return nil, err
	}
	return tp.Index(s, class)
}

func TestGradientMatchesFiniteDifferences(t *testing.T) {
	x := seq(1, 5, 5, 2)
	w1 := seq(3, 3, 2, 3)
	w2 := seq(3, 4)
	const class = 2

	var analytic *tensor.Tensor
	err := Record(func(tp *Tape) error {
		act := tp.Watch(x)
		out, err := smallNet(tp, act, w1, w2, class)
		if err != nil {
			return err
		}
		analytic, err = tp.Gradient(out, act)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, x.Shape, analytic.Shape)

	eval := func(in *tensor.Tensor) float64 {
		var v float64
		require.NoError(t, Record(func(tp *Tape) error {
			out, err := smallNet(tp, tp.Constant(in), w1, w2, class)
			if err != nil {
				return err
			}
			v = float64(out.Value.Data[0])
			return nil
		}))
		return v
	}

	const eps = 1e-2
	for _, i := range []int{0, 7, 13, 24, 49} {
		plus, minus := x.Clone(), x.Clone()
		plus.Data[i] += eps
		minus.Data[i] -= eps
		numeric := (eval(plus) - eval(minus)) / (2 * eps)
		assert.InDelta(t, numeric, float64(analytic.Data[i]), 2e-4, "element %d", i)
	}
}

func TestReLUGradientMasksNonPositive(t *testing.T) {
	x := tensor.New(4)
	copy(x.Data, []float32{-1, 0, 2, 3})
	require.NoError(t, Record(func(tp *Tape) error {
		a := tp.Watch(x)
		r, err := tp.ReLU(a)
		require.NoError(t, err)
		assert.Equal(t, []float32{0, 0, 2, 3}, r.Value.Data)
		out, err := tp.Index(r, 2)
		require.NoError(t, err)
		g, err := tp.Gradient(out, a)
		require.NoError(t, err)
		assert.Equal(t, []float32{0, 0, 1, 0}, g.Data)
		return nil
	}))
}

func TestStridedConvShape(t *testing.T) {
	err := Record(func(tp *Tape) error {
		out, err := tp.Conv2D(tp.Watch(tensor.New(1, 7, 7, 1)), tp.Constant(tensor.New(3, 3, 1, 4)), tp.Constant(tensor.New(4)), 2)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 4, 4, 4}, out.Value.Shape)
		return nil
	})
	require.NoError(t, err)
}

func TestGradientNotConnected(t *testing.T) {
	err := Record(func(tp *Tape) error {
		a := tp.Watch(seq(1, 2, 2, 1))
		b := tp.Watch(seq(1, 3))
		s, err := tp.Softmax(b)
		require.NoError(t, err)
		out, err := tp.Index(s, 0)
		require.NoError(t, err)
		_, err = tp.Gradient(out, a)
		return err
	})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConstantsAreNotRecorded(t *testing.T) {
	require.NoError(t, Record(func(tp *Tape) error {
		_, err := tp.ReLU(tp.Constant(seq(4)))
		require.NoError(t, err)
		assert.Equal(t, 0, tp.Len())
		_, err = tp.ReLU(tp.Watch(seq(4)))
		require.NoError(t, err)
		assert.Equal(t, 1, tp.Len())
		return nil
	}))
}

func TestRecordReleasesTapeOnError(t *testing.T) {
	var leaked *Tape
	sentinel := errors.New("boom")
	err := Record(func(tp *Tape) error {
		leaked = tp
		_, err := tp.ReLU(tp.Watch(seq(3)))
		require.NoError(t, err)
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 0, leaked.Len())

	_, err = leaked.ReLU(leaked.Watch(seq(3)))
	assert.ErrorIs(t, err, ErrReleased)
}

func TestShapeErrors(t *testing.T) {
	require.NoError(t, Record(func(tp *Tape) error {
		_, err := tp.Dense(tp.Watch(seq(1, 3)), tp.Constant(seq(4, 2)), nil)
		assert.Error(t, err)
		_, err = tp.Conv2D(tp.Watch(seq(1, 3, 3, 2)), tp.Constant(seq(3, 3, 1, 2)), nil, 1)
		assert.Error(t, err)
		_, err = tp.Index(tp.Watch(seq(2)), 5)
		assert.Error(t, err)
		return nil
	}))
}
