package imaging

import (
	"fmt"
	"image"
	"strings"

	"github.com/Brownie44l1/retina-api/internal/tensor"
	"github.com/nfnt/resize"
)

// Scheme is the channel normalization a classifier expects.
type Scheme string

const (
	// SchemeRaw keeps 0..255 values. EfficientNet-style models normalize
	// internally.
	SchemeRaw Scheme = "raw"
	// SchemeUnit scales to 0..1.
	SchemeUnit Scheme = "unit"
	// SchemeImageNet scales to 0..1 then standardizes per channel.
	SchemeImageNet Scheme = "imagenet"
)

var (
	imageNetMean = [3]float32{0.485, 0.456, 0.406}
	imageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// ParseScheme accepts the names above, case-insensitively.
func ParseScheme(s string) (Scheme, error) {
	switch Scheme(strings.ToLower(strings.TrimSpace(s))) {
	case "", SchemeRaw:
		return SchemeRaw, nil
	case SchemeUnit:
		return SchemeUnit, nil
	case SchemeImageNet:
		return SchemeImageNet, nil
	}
	return "", fmt.Errorf("unknown normalization scheme %q", s)
}

// Preprocess resizes img to size x size and returns an NHWC tensor of shape
// [1,size,size,3] in RGB order, normalized per scheme.
func Preprocess(img image.Image, size int, scheme Scheme) (*tensor.Tensor, error) {
	if size < 1 {
		return nil, fmt.Errorf("invalid target size %d", size)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("image has empty bounds %v", img.Bounds())
	}

	resized := resize.Resize(uint(size), uint(size), img, resize.Bicubic)
	b := resized.Bounds()

	t := tensor.New(1, size, size, 3)
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := resized.At(x, y).RGBA()
			px := [3]float32{float32(r >> 8), float32(g >> 8), float32(bl >> 8)}
			for c, v := range px {
				switch scheme {
				case SchemeUnit:
					v /= 255
				case SchemeImageNet:
					v = (v/255 - imageNetMean[c]) / imageNetStd[c]
				}
				t.Data[i+c] = v
			}
			i += 3
		}
	}
	return t, nil
}

// Thumbnail shrinks img to fit within maxSize x maxSize, keeping aspect.
// Smaller images are returned unchanged.
func Thumbnail(img image.Image, maxSize int) image.Image {
	return resize.Thumbnail(uint(maxSize), uint(maxSize), img, resize.Lanczos3)
}
