package gradcam

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// stretchEpsilon keeps ContrastStretch finite on uniform maps.
const stretchEpsilon = 1e-8

// Normalize scales a non-negative map by its maximum. A map whose maximum is
// zero is returned unchanged (all zeros).
func Normalize(raw *mat.Dense) *mat.Dense {
	out := mat.DenseCopyOf(raw)
	peak := mat.Max(out)
	if peak <= 0 || math.IsNaN(peak) || math.IsInf(peak, 0) {
		return out
	}
	out.Scale(1/peak, out)
	return out
}

// IsZero reports whether every element of m is zero.
func IsZero(m *mat.Dense) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if m.At(i, j) != 0 {
				return false
			}
		}
	}
	return true
}

// Resize samples m onto a rows x cols grid with bilinear interpolation,
// aligning pixel centres and clamping at the borders.
func Resize(m *mat.Dense, rows, cols int) (*mat.Dense, error) {
	if rows < 1 || cols < 1 {
		return nil, fmt.Errorf("resize: invalid target size %dx%d", rows, cols)
	}
	sr, sc := m.Dims()
	out := mat.NewDense(rows, cols, nil)
	ys := samplePositions(sr, rows)
	xs := samplePositions(sc, cols)
	for i, y := range ys {
		for j, x := range xs {
			top := m.At(y.lo, x.lo)*(1-x.frac) + m.At(y.lo, x.hi)*x.frac
			bottom := m.At(y.hi, x.lo)*(1-x.frac) + m.At(y.hi, x.hi)*x.frac
			out.Set(i, j, top*(1-y.frac)+bottom*y.frac)
		}
	}
	return out, nil
}

type samplePos struct {
	lo, hi int
	frac   float64
}

func samplePositions(src, dst int) []samplePos {
	scale := float64(src) / float64(dst)
	pos := make([]samplePos, dst)
	for i := range pos {
		s := (float64(i)+0.5)*scale - 0.5
		if s < 0 {
			s = 0
		}
		lo := int(math.Floor(s))
		if lo > src-1 {
			lo = src - 1
		}
		hi := min(lo+1, src-1)
		pos[i] = samplePos{lo: lo, hi: hi, frac: s - float64(lo)}
		if lo == hi {
			pos[i].frac = 0
		}
	}
	return pos
}

// GaussianKernel returns a normalized 1-D kernel of odd size. A sigma <= 0
// is derived from the size as 0.3*((size-1)/2 - 1) + 0.8.
func GaussianKernel(size int, sigma float64) ([]float64, error) {
	if size < 1 || size%2 == 0 {
		return nil, fmt.Errorf("gaussian kernel size must be odd and positive, got %d", size)
	}
	if sigma <= 0 {
		sigma = 0.3*(float64(size-1)*0.5-1) + 0.8
	}
	k := make([]float64, size)
	c := size / 2
	var sum float64
	for i := range k {
		d := float64(i - c)
		k[i] = math.Exp(-d * d / (2 * sigma * sigma))
		sum += k[i]
	}
	for i := range k {
		k[i] /= sum
	}
	return k, nil
}

// GaussianBlur applies a separable size x size Gaussian with automatic
// sigma. Borders reflect without repeating the edge sample.
func GaussianBlur(m *mat.Dense, size int) (*mat.Dense, error) {
	k, err := GaussianKernel(size, 0)
	if err != nil {
		return nil, err
	}
	r, c := m.Dims()
	half := size / 2

	tmp := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			var s float64
			for t, w := range k {
				s += w * m.At(i, reflect101(j+t-half, c))
			}
			tmp.Set(i, j, s)
		}
	}
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			var s float64
			for t, w := range k {
				s += w * tmp.At(reflect101(i+t-half, r), j)
			}
			out.Set(i, j, s)
		}
	}
	return out, nil
}

// reflect101 maps i into [0,n) mirroring around the edge samples
// (dcb|abcd|cba).
func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*n - 2 - i
		}
	}
	return i
}

// ContrastStretch rescales m to [0,1] as (x-min)/(max-min+1e-8), clipped.
// A uniform map becomes all zeros.
func ContrastStretch(m *mat.Dense) *mat.Dense {
	lo, hi := mat.Min(m), mat.Max(m)
	span := hi - lo + stretchEpsilon
	out := mat.DenseCopyOf(m)
	out.Apply(func(_, _ int, v float64) float64 {
		return clamp01((v - lo) / span)
	}, out)
	return out
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
