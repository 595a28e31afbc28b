package gradcam

import (
	"image"
	"image/color"
	"math"
	"sort"

	"github.com/lucasb-eyer/go-colorful"
	"gonum.org/v1/gonum/mat"
)

// ColorStop is a position on a colour ramp.
type ColorStop struct {
	Col colorful.Color
	Pos float64
}

// Ramp is a piecewise-linear RGB colour ramp over [0,1].
type Ramp []ColorStop

// At interpolates the ramp at t, clamping outside the first and last stop.
func (r Ramp) At(t float64) colorful.Color {
	if t <= r[0].Pos {
		return r[0].Col
	}
	for i := 0; i < len(r)-1; i++ {
		c1, c2 := r[i], r[i+1]
		if c1.Pos <= t && t <= c2.Pos {
			f := (t - c1.Pos) / (c2.Pos - c1.Pos)
			return c1.Col.BlendRgb(c2.Col, f).Clamped()
		}
	}
	return r[len(r)-1].Col
}

func mustHex(s string) colorful.Color {
	c, err := colorful.Hex(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Jet runs cold to hot: dark blue, blue, cyan, yellow, red, dark red.
var Jet = Ramp{
	{mustHex("#000080"), 0},
	{mustHex("#0000ff"), 0.125},
	{mustHex("#00ffff"), 0.375},
	{mustHex("#ffff00"), 0.625},
	{mustHex("#ff0000"), 0.875},
	{mustHex("#800000"), 1},
}

// LUT is a 256-entry lookup table in red, green, blue order.
type LUT [256]color.RGBA

// NewLUT samples ramp at 256 evenly spaced points.
func NewLUT(ramp Ramp) *LUT {
	stops := append(Ramp(nil), ramp...)
	sort.SliceStable(stops, func(i, j int) bool { return stops[i].Pos < stops[j].Pos })
	var lut LUT
	for i := range lut {
		r, g, b := stops.At(float64(i) / 255).RGB255()
		lut[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return &lut
}

var jetLUT = NewLUT(Jet)

// Colorize maps a [0,1] map through the jet ramp. Values are quantized to
// 8 bits by truncation before the lookup. The result is RGB with opaque
// alpha; there is no blue-first intermediate to convert.
func Colorize(m *mat.Dense) *image.RGBA {
	return ColorizeWith(m, jetLUT)
}

// ColorizeWith maps m through lut.
func ColorizeWith(m *mat.Dense, lut *LUT) *image.RGBA {
	r, c := m.Dims()
	img := image.NewRGBA(image.Rect(0, 0, c, r))
	for y := 0; y < r; y++ {
		for x := 0; x < c; x++ {
			img.SetRGBA(x, y, lut[quantize(m.At(y, x))])
		}
	}
	return img
}

func quantize(v float64) uint8 {
	v = clamp01(v)
	return uint8(math.Floor(255 * v))
}
