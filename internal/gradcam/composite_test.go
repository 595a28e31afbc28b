package gradcam

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func filled(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x * 2), G: uint8(y * 2), B: uint8(x + y), A: 255})
		}
	}
	return img
}

func TestCompositeAlphaExtremes(t *testing.T) {
	original := gradient(40, 30)
	heat := filled(40, 30, color.RGBA{R: 200, G: 10, B: 60, A: 255})

	zero, err := Composite(original, heat, 0, false, 0)
	require.NoError(t, err)
	assert.Equal(t, original.Pix, zero.Overlay.Pix)

	one, err := Composite(original, heat, 1, false, 0)
	require.NoError(t, err)
	assert.Equal(t, heat.Pix, one.Overlay.Pix)
}

func TestBlendRounds(t *testing.T) {
	a := filled(2, 2, color.RGBA{R: 10, G: 0, B: 255, A: 255})
	b := filled(2, 2, color.RGBA{R: 21, G: 255, B: 0, A: 255})
	got := Blend(a, b, 0.5).RGBAAt(1, 1)
	// 15.5 and 127.5 round half away from zero.
	assert.Equal(t, color.RGBA{R: 16, G: 128, B: 128, A: 255}, got)

	got = Blend(a, b, DefaultAlpha).RGBAAt(0, 0)
	assert.Equal(t, uint8(14), got.R) // 10*0.6 + 21*0.4 = 14.4
}

func TestCompositeRejectsBadAlpha(t *testing.T) {
	img := filled(4, 4, color.RGBA{A: 255})
	for _, alpha := range []float64{-0.1, 1.5} {
		_, err := Composite(img, img, alpha, false, 0)
		assert.Error(t, err, "alpha %v", alpha)
	}
}

func TestCompositeResamplesHeatmap(t *testing.T) {
	original := gradient(60, 40)
	small := filled(7, 7, color.RGBA{R: 255, A: 255})
	comp, err := Composite(original, small, DefaultAlpha, false, 0)
	require.NoError(t, err)
	assert.Equal(t, original.Bounds(), comp.Overlay.Bounds())
	assert.Equal(t, original.Bounds(), comp.Heatmap.Bounds())
	assert.Equal(t, original.Bounds(), comp.Original.Bounds())
	assert.Equal(t, color.RGBA{R: 255, A: 255}, comp.Heatmap.RGBAAt(30, 20))
}

func TestCircularMask(t *testing.T) {
	original := filled(100, 100, color.RGBA{R: 90, G: 120, B: 150, A: 255})
	heat := filled(100, 100, color.RGBA{R: 10, G: 20, B: 30, A: 255})

	comp, err := Composite(original, heat, DefaultAlpha, true, DefaultMaskMargin)
	require.NoError(t, err)

	assert.Equal(t, color.RGBA{A: 255}, comp.Overlay.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{A: 255}, comp.Original.RGBAAt(0, 0))

	blended := Blend(original, heat, DefaultAlpha).RGBAAt(50, 50)
	assert.Equal(t, blended, comp.Overlay.RGBAAt(50, 50))
	assert.Equal(t, original.RGBAAt(50, 50), comp.Original.RGBAAt(50, 50))

	// Radius is 100/2 - 5 = 45.
	assert.Equal(t, blended, comp.Overlay.RGBAAt(95, 50))
	assert.Equal(t, color.RGBA{A: 255}, comp.Overlay.RGBAAt(96, 50))

	// The caller's image is not modified.
	assert.Equal(t, color.RGBA{R: 90, G: 120, B: 150, A: 255}, original.RGBAAt(0, 0))
}

func TestMaskRadius(t *testing.T) {
	assert.Equal(t, 45, MaskRadius(100, 100, 5))
	assert.Equal(t, 15, MaskRadius(60, 40, 5))
	assert.Equal(t, 0, MaskRadius(6, 6, 5))
	assert.Equal(t, 0, MaskRadius(4, 4, 5))

	// A zero radius keeps only the centre pixel.
	img := filled(4, 4, color.RGBA{R: 9, G: 9, B: 9, A: 255})
	CircularMask(img, 5)
	assert.Equal(t, color.RGBA{R: 9, G: 9, B: 9, A: 255}, img.RGBAAt(2, 2))
	assert.Equal(t, color.RGBA{A: 255}, img.RGBAAt(1, 1))
}
