package gradcam

import (
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
)

func TestColorizeEndpointsAreRGB(t *testing.T) {
	m := mat.NewDense(1, 2, []float64{0, 1})
	img := Colorize(m)

	cold := img.RGBAAt(0, 0)
	hot := img.RGBAAt(1, 0)
	assert.Equal(t, color.RGBA{R: 0, G: 0, B: 128, A: 255}, cold)
	assert.Equal(t, color.RGBA{R: 128, G: 0, B: 0, A: 255}, hot)

	// Low values are blue in the blue channel, high values red in the red one.
	assert.Greater(t, cold.B, cold.R)
	assert.Greater(t, hot.R, hot.B)
}

func TestColorizeMidpoint(t *testing.T) {
	img := Colorize(mat.NewDense(1, 1, []float64{0.5}))
	px := img.RGBAAt(0, 0)
	assert.Equal(t, uint8(255), px.G)
	assert.InDelta(t, 128, px.R, 8)
	assert.InDelta(t, 128, px.B, 8)
}

func TestColorizeDimensions(t *testing.T) {
	img := Colorize(mat.NewDense(3, 5, nil))
	assert.Equal(t, image.Rect(0, 0, 5, 3), img.Bounds())
	for y := 0; y < 3; y++ {
		for x := 0; x < 5; x++ {
			assert.Equal(t, color.RGBA{B: 128, A: 255}, img.RGBAAt(x, y))
		}
	}
}

func TestQuantize(t *testing.T) {
	tests := []struct {
		in   float64
		want uint8
	}{
		{0, 0},
		{1, 255},
		{0.999, 254},
		{0.5, 127},
		{-0.2, 0},
		{1.7, 255},
		{math.NaN(), 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, quantize(tt.in), "quantize(%v)", tt.in)
	}
}

func TestNewLUTSortsStops(t *testing.T) {
	reversed := make(Ramp, len(Jet))
	for i, s := range Jet {
		reversed[len(Jet)-1-i] = s
	}
	assert.Equal(t, *jetLUT, *NewLUT(reversed))
}

func TestColorizeWithCustomRamp(t *testing.T) {
	gray := NewLUT(Ramp{
		{mustHex("#000000"), 0},
		{mustHex("#ffffff"), 1},
	})
	img := ColorizeWith(mat.NewDense(1, 2, []float64{0, 1}), gray)
	assert.Equal(t, color.RGBA{A: 255}, img.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{R: 255, G: 255, B: 255, A: 255}, img.RGBAAt(1, 0))
}
