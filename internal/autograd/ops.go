package autograd

import (
	"fmt"
	"math"

	"github.com/Brownie44l1/retina-api/internal/tensor"
)

// Conv2D convolves x [N,H,W,Cin] with w [KH,KW,Cin,Cout] using "same"
// padding. b [Cout] may be nil.
func (t *Tape) Conv2D(x, w, b *Var, stride int) (*Var, error) {
	xs, ws := x.Value.Shape, w.Value.Shape
	if len(xs) != 4 || len(ws) != 4 {
		return nil, fmt.Errorf("conv2d: expected rank-4 input and kernel, got %v and %v", xs, ws)
	}
	if xs[3] != ws[2] {
		return nil, fmt.Errorf("conv2d: input channels %d do not match kernel %v", xs[3], ws)
	}
	if stride < 1 {
		return nil, fmt.Errorf("conv2d: stride must be positive, got %d", stride)
	}
	if b != nil && (b.Value.Rank() != 1 || b.Value.Shape[0] != ws[3]) {
		return nil, fmt.Errorf("conv2d: bias shape %v does not match %d filters", b.Value.Shape, ws[3])
	}

	n, h, wd, cin := xs[0], xs[1], xs[2], xs[3]
	kh, kw, cout := ws[0], ws[1], ws[3]
	oh := (h + stride - 1) / stride
	ow := (wd + stride - 1) / stride
	padTop := max((oh-1)*stride+kh-h, 0) / 2
	padLeft := max((ow-1)*stride+kw-wd, 0) / 2

	out := tensor.New(n, oh, ow, cout)
	xd, wdat, od := x.Value.Data, w.Value.Data, out.Data
	for bi := 0; bi < n; bi++ {
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				obase := ((bi*oh+oy)*ow + ox) * cout
				if b != nil {
					copy(od[obase:obase+cout], b.Value.Data)
				}
				for ky := 0; ky < kh; ky++ {
					iy := oy*stride + ky - padTop
					if iy < 0 || iy >= h {
						continue
					}
					for kx := 0; kx < kw; kx++ {
						ix := ox*stride + kx - padLeft
						if ix < 0 || ix >= wd {
							continue
						}
						xbase := ((bi*h+iy)*wd + ix) * cin
						wbase := (ky*kw + kx) * cin * cout
						for ci := 0; ci < cin; ci++ {
							xv := xd[xbase+ci]
							if xv == 0 {
								continue
							}
							wrow := wdat[wbase+ci*cout : wbase+(ci+1)*cout]
							for co, wv := range wrow {
								od[obase+co] += xv * wv
							}
						}
					}
				}
			}
		}
	}

	backward := func(g *tensor.Tensor) []*tensor.Tensor {
		var gx, gw, gb *tensor.Tensor
		if x.requiresGrad {
			gx = tensor.New(xs...)
		}
		if w.requiresGrad {
			gw = tensor.New(ws...)
		}
		if b != nil && b.requiresGrad {
			gb = tensor.New(cout)
		}
		gd := g.Data
		for bi := 0; bi < n; bi++ {
			for oy := 0; oy < oh; oy++ {
				for ox := 0; ox < ow; ox++ {
					obase := ((bi*oh+oy)*ow + ox) * cout
					grow := gd[obase : obase+cout]
					if gb != nil {
						for co, gv := range grow {
							gb.Data[co] += gv
						}
					}
					for ky := 0; ky < kh; ky++ {
						iy := oy*stride + ky - padTop
						if iy < 0 || iy >= h {
							continue
						}
						for kx := 0; kx < kw; kx++ {
							ix := ox*stride + kx - padLeft
							if ix < 0 || ix >= wd {
								continue
							}
							xbase := ((bi*h+iy)*wd + ix) * cin
							wbase := (ky*kw + kx) * cin * cout
							for ci := 0; ci < cin; ci++ {
								woff := wbase + ci*cout
								if gx != nil {
									var s float32
									for co, gv := range grow {
										s += gv * wdat[woff+co]
									}
									gx.Data[xbase+ci] += s
								}
								if gw != nil {
									xv := xd[xbase+ci]
									for co, gv := range grow {
										gw.Data[woff+co] += gv * xv
									}
								}
							}
						}
					}
				}
			}
		}
		return []*tensor.Tensor{gx, gw, gb}
	}

	inputs := []*Var{x, w}
	if b != nil {
		inputs = append(inputs, b)
	}
	return t.record(out, backward, inputs...)
}

// ReLU clamps negative values to zero.
func (t *Tape) ReLU(x *Var) (*Var, error) {
	out := x.Value.Clone()
	for i, v := range out.Data {
		if v < 0 {
			out.Data[i] = 0
		}
	}
	backward := func(g *tensor.Tensor) []*tensor.Tensor {
		gx := g.Clone()
		for i, v := range x.Value.Data {
			if v <= 0 {
				gx.Data[i] = 0
			}
		}
		return []*tensor.Tensor{gx}
	}
	return t.record(out, backward, x)
}

// GlobalAvgPool averages [N,H,W,C] over H and W, giving [N,C].
func (t *Tape) GlobalAvgPool(x *Var) (*Var, error) {
	xs := x.Value.Shape
	if len(xs) != 4 {
		return nil, fmt.Errorf("global average pool: expected rank-4 input, got %v", xs)
	}
	n, h, w, c := xs[0], xs[1], xs[2], xs[3]
	area := float32(h * w)
	out := tensor.New(n, c)
	for bi := 0; bi < n; bi++ {
		for p := 0; p < h*w; p++ {
			base := (bi*h*w + p) * c
			for ci := 0; ci < c; ci++ {
				out.Data[bi*c+ci] += x.Value.Data[base+ci]
			}
		}
		for ci := 0; ci < c; ci++ {
			out.Data[bi*c+ci] /= area
		}
	}
	backward := func(g *tensor.Tensor) []*tensor.Tensor {
		gx := tensor.New(xs...)
		for bi := 0; bi < n; bi++ {
			for p := 0; p < h*w; p++ {
				base := (bi*h*w + p) * c
				for ci := 0; ci < c; ci++ {
					gx.Data[base+ci] = g.Data[bi*c+ci] / area
				}
			}
		}
		return []*tensor.Tensor{gx}
	}
	return t.record(out, backward, x)
}

// Dense computes x·w + b for x [N,In], w [In,Out], b [Out] (b may be nil).
func (t *Tape) Dense(x, w, b *Var) (*Var, error) {
	xs, ws := x.Value.Shape, w.Value.Shape
	if len(xs) != 2 || len(ws) != 2 || xs[1] != ws[0] {
		return nil, fmt.Errorf("dense: incompatible shapes %v and %v", xs, ws)
	}
	if b != nil && (b.Value.Rank() != 1 || b.Value.Shape[0] != ws[1]) {
		return nil, fmt.Errorf("dense: bias shape %v does not match %d units", b.Value.Shape, ws[1])
	}
	n, in, units := xs[0], xs[1], ws[1]
	out := tensor.New(n, units)
	for r := 0; r < n; r++ {
		orow := out.Data[r*units : (r+1)*units]
		if b != nil {
			copy(orow, b.Value.Data)
		}
		for k := 0; k < in; k++ {
			xv := x.Value.Data[r*in+k]
			wrow := w.Value.Data[k*units : (k+1)*units]
			for u, wv := range wrow {
				orow[u] += xv * wv
			}
		}
	}
	backward := func(g *tensor.Tensor) []*tensor.Tensor {
		var gx, gw, gb *tensor.Tensor
		if x.requiresGrad {
			gx = tensor.New(xs...)
			for r := 0; r < n; r++ {
				for k := 0; k < in; k++ {
					var s float32
					for u := 0; u < units; u++ {
						s += g.Data[r*units+u] * w.Value.Data[k*units+u]
					}
					gx.Data[r*in+k] = s
				}
			}
		}
		if w.requiresGrad {
			gw = tensor.New(ws...)
			for r := 0; r < n; r++ {
				for k := 0; k < in; k++ {
					xv := x.Value.Data[r*in+k]
					for u := 0; u < units; u++ {
						gw.Data[k*units+u] += xv * g.Data[r*units+u]
					}
				}
			}
		}
		if b != nil && b.requiresGrad {
			gb = tensor.New(units)
			for r := 0; r < n; r++ {
				for u := 0; u < units; u++ {
					gb.Data[u] += g.Data[r*units+u]
				}
			}
		}
		return []*tensor.Tensor{gx, gw, gb}
	}
	inputs := []*Var{x, w}
	if b != nil {
		inputs = append(inputs, b)
	}
	return t.record(out, backward, inputs...)
}

// Softmax normalizes each row of x [N,K].
func (t *Tape) Softmax(x *Var) (*Var, error) {
	xs := x.Value.Shape
	if len(xs) != 2 {
		return nil, fmt.Errorf("softmax: expected rank-2 input, got %v", xs)
	}
	n, k := xs[0], xs[1]
	out := tensor.New(xs...)
	for r := 0; r < n; r++ {
		row := x.Value.Data[r*k : (r+1)*k]
		m := row[0]
		for _, v := range row {
			m = max(m, v)
		}
		var sum float64
		for i, v := range row {
			e := math.Exp(float64(v - m))
			out.Data[r*k+i] = float32(e)
			sum += e
		}
		for i := 0; i < k; i++ {
			out.Data[r*k+i] = float32(float64(out.Data[r*k+i]) / sum)
		}
	}
	backward := func(g *tensor.Tensor) []*tensor.Tensor {
		gx := tensor.New(xs...)
		for r := 0; r < n; r++ {
			var dot float32
			for i := 0; i < k; i++ {
				dot += g.Data[r*k+i] * out.Data[r*k+i]
			}
			for i := 0; i < k; i++ {
				y := out.Data[r*k+i]
				gx.Data[r*k+i] = y * (g.Data[r*k+i] - dot)
			}
		}
		return []*tensor.Tensor{gx}
	}
	return t.record(out, backward, x)
}

// Index selects the flat element i of x as a one-element tensor.
func (t *Tape) Index(x *Var, i int) (*Var, error) {
	if i < 0 || i >= x.Value.Len() {
		return nil, fmt.Errorf("index %d out of range for shape %v", i, x.Value.Shape)
	}
	out := tensor.New(1)
	out.Data[0] = x.Value.Data[i]
	backward := func(g *tensor.Tensor) []*tensor.Tensor {
		gx := tensor.New(x.Value.Shape...)
		gx.Data[i] = g.Data[0]
		return []*tensor.Tensor{gx}
	}
	return t.record(out, backward, x)
}
