// Package tensor holds the dense float32 tensors passed between the image
// preprocessing, the classifier and the explanation engine. Layout is
// row-major; image tensors are NHWC.
package tensor

import (
	"fmt"
	"math"
)

// Tensor is a dense row-major float32 array.
type Tensor struct {
	Shape   []int
	Strides []int
	Data    []float32
}

// New allocates a zero tensor of the given shape.
func New(shape ...int) *Tensor {
	n := NumElems(shape)
	return &Tensor{
		Shape:   append([]int(nil), shape...),
		Strides: calculateStrides(shape),
		Data:    make([]float32, n),
	}
}

// FromData wraps data without copying. The length must match the shape.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	if n := NumElems(shape); n != len(data) {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)", len(data), shape, n)
	}
	return &Tensor{
		Shape:   append([]int(nil), shape...),
		Strides: calculateStrides(shape),
		Data:    data,
	}, nil
}

// Full returns a tensor with every element set to v.
func Full(v float32, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

// NumElems is the product of the dimensions of shape.
func NumElems(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func calculateStrides(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, len(t.Data))
}

// Rank is the number of dimensions.
func (t *Tensor) Rank() int { return len(t.Shape) }

// Len is the number of elements.
func (t *Tensor) Len() int { return len(t.Data) }

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.Shape) {
		panic(fmt.Sprintf("tensor: index rank %d does not match tensor rank %d", len(idx), len(t.Shape)))
	}
	off := 0
	for i, v := range idx {
		off += v * t.Strides[i]
	}
	return off
}

// At returns the element at idx.
func (t *Tensor) At(idx ...int) float32 { return t.Data[t.offset(idx)] }

// Set stores v at idx.
func (t *Tensor) Set(v float32, idx ...int) { t.Data[t.offset(idx)] = v }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	c := New(t.Shape...)
	copy(c.Data, t.Data)
	return c
}

// Reshape returns a view sharing data with t.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	return FromData(t.Data, shape...)
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	return ShapesEqual(a.Shape, b.Shape)
}

// ShapesEqual compares two shapes element-wise.
func ShapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ArgMax returns the index of the largest element. Ties go to the lowest index.
func (t *Tensor) ArgMax() int {
	best := 0
	for i, v := range t.Data {
		if v > t.Data[best] {
			best = i
		}
	}
	return best
}

// Finite reports whether every element is a finite number.
func (t *Tensor) Finite() bool {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
