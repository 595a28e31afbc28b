package gradcam

import (
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"
)

// DefaultAlpha is the heatmap weight in the overlay blend.
const DefaultAlpha = 0.4

// DefaultMaskMargin is how far inside the inscribed circle the fundus mask sits.
const DefaultMaskMargin = 5

// Composition is the output of Composite. All three images share the
// original's dimensions.
type Composition struct {
	Overlay  *image.RGBA
	Heatmap  *image.RGBA
	Original *image.RGBA // masked copy when the circular mask is on
}

// Composite blends colorized over original as original*(1-alpha) +
// colorized*alpha. colorized is resampled first if its size differs. With
// mask set, pixels outside the fundus disc are zeroed in both the overlay
// and a copy of the original.
func Composite(original, colorized *image.RGBA, alpha float64, mask bool, margin int) (*Composition, error) {
	if alpha < 0 || alpha > 1 || math.IsNaN(alpha) {
		return nil, fmt.Errorf("alpha %v outside [0,1]", alpha)
	}
	ob := original.Bounds()
	if ob.Empty() {
		return nil, fmt.Errorf("original image is empty")
	}

	heat := AlignTo(colorized, ob.Dx(), ob.Dy())
	overlay := Blend(original, heat, alpha)
	orig := cloneRGBA(original)
	if mask {
		CircularMask(overlay, margin)
		CircularMask(orig, margin)
	}
	return &Composition{Overlay: overlay, Heatmap: heat, Original: orig}, nil
}

// AlignTo returns img unchanged when it is already width x height at the
// origin, otherwise a bilinear resample.
func AlignTo(img *image.RGBA, width, height int) *image.RGBA {
	b := img.Bounds()
	if b.Min == (image.Point{}) && b.Dx() == width && b.Dy() == height {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// Blend mixes two same-sized images in floating point and rounds back to
// 8 bits. The result is opaque.
func Blend(a, b *image.RGBA, alpha float64) *image.RGBA {
	ab, bb := a.Bounds(), b.Bounds()
	w, h := ab.Dx(), ab.Dy()
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		ai := a.PixOffset(ab.Min.X, ab.Min.Y+y)
		bi := b.PixOffset(bb.Min.X, bb.Min.Y+y)
		oi := out.PixOffset(0, y)
		for x := 0; x < w; x++ {
			for ch := 0; ch < 3; ch++ {
				v := float64(a.Pix[ai+ch])*(1-alpha) + float64(b.Pix[bi+ch])*alpha
				out.Pix[oi+ch] = clampByte(v)
			}
			out.Pix[oi+3] = 255
			ai += 4
			bi += 4
			oi += 4
		}
	}
	return out
}

func clampByte(v float64) uint8 {
	v = math.Round(v)
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	}
	return uint8(v)
}

// MaskRadius is min(height,width)/2 - margin, never negative.
func MaskRadius(width, height, margin int) int {
	return max(min(width, height)/2-margin, 0)
}

// CircularMask zeroes the colour channels of every pixel outside the disc
// centred at (width/2, height/2) with radius MaskRadius. Alpha is kept.
func CircularMask(img *image.RGBA, margin int) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	cx, cy := w/2, h/2
	r := MaskRadius(w, h, margin)
	r2 := r * r
	for y := 0; y < h; y++ {
		dy := y - cy
		for x := 0; x < w; x++ {
			dx := x - cx
			if dx*dx+dy*dy <= r2 {
				continue
			}
			i := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			img.Pix[i], img.Pix[i+1], img.Pix[i+2] = 0, 0, 0
		}
	}
}

func cloneRGBA(src *image.RGBA) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}
