package imaging

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, _, err := Decode([]byte("definitely not an image"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecode)

	var decodeErr *DecodeError
	assert.ErrorAs(t, err, &decodeErr)

	_, _, err = Decode(nil)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestPNGRoundTripKeepsChannelOrder(t *testing.T) {
	red := color.RGBA{R: 255, A: 255}
	data, err := EncodePNG(solid(8, 6, red))
	require.NoError(t, err)

	img, format, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, image.Rect(0, 0, 8, 6), img.Bounds())
	assert.Equal(t, red, img.RGBAAt(3, 3))
}

func TestJPEGRoundTripKeepsChannelOrder(t *testing.T) {
	data, err := EncodeJPEG(solid(16, 16, color.RGBA{R: 250, G: 10, B: 10, A: 255}), 0)
	require.NoError(t, err)

	img, format, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	px := img.RGBAAt(8, 8)
	assert.Greater(t, px.R, uint8(200))
	assert.Less(t, px.B, uint8(60))
}

func TestToRGBAMovesBoundsToOrigin(t *testing.T) {
	src := image.NewRGBA(image.Rect(10, 20, 14, 23))
	src.SetRGBA(10, 20, color.RGBA{G: 255, A: 255})
	out, err := ToRGBA(src)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 3), out.Bounds())
	assert.Equal(t, color.RGBA{G: 255, A: 255}, out.RGBAAt(0, 0))
	// Transparent pixels are flattened onto black.
	assert.Equal(t, color.RGBA{A: 255}, out.RGBAAt(1, 1))

	_, err = ToRGBA(image.NewRGBA(image.Rect(0, 0, 0, 5)))
	assert.Error(t, err)
}

func TestDecodeBase64(t *testing.T) {
	payload := []byte("fundus1")
	plain := Base64(payload)

	tests := []struct {
		name  string
		input string
	}{
		{"plain", plain},
		{"data uri", DataURI("image/jpeg", payload)},
		{"media type without scheme", "image/jpeg;base64," + plain},
		{"bare comma prefix", "," + plain},
		{"missing padding", "ZnVuZHVzMQ"},
		{"surrounding space", "  " + plain + "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeBase64(tt.input)
			require.NoError(t, err)
			assert.Equal(t, payload, got)
		})
	}

	_, err := DecodeBase64("***")
	assert.ErrorIs(t, err, ErrDecode)
}

func TestPreprocess(t *testing.T) {
	gray := solid(300, 200, color.RGBA{R: 128, G: 128, B: 128, A: 255})

	raw, err := Preprocess(gray, 224, SchemeRaw)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 224, 224, 3}, raw.Shape)
	assert.InDelta(t, 128, raw.At(0, 100, 100, 1), 1)

	unit, err := Preprocess(gray, 32, SchemeUnit)
	require.NoError(t, err)
	assert.InDelta(t, 128.0/255, unit.At(0, 5, 5, 0), 0.01)

	std, err := Preprocess(gray, 32, SchemeImageNet)
	require.NoError(t, err)
	assert.InDelta(t, (128.0/255-0.485)/0.229, std.At(0, 5, 5, 0), 0.05)

	_, err = Preprocess(gray, 0, SchemeRaw)
	assert.Error(t, err)
}

func TestPreprocessKeepsRGBOrder(t *testing.T) {
	blue := solid(40, 40, color.RGBA{B: 255, A: 255})
	in, err := Preprocess(blue, 8, SchemeRaw)
	require.NoError(t, err)
	assert.InDelta(t, 0, in.At(0, 4, 4, 0), 1)
	assert.InDelta(t, 255, in.At(0, 4, 4, 2), 1)
}

func TestParseScheme(t *testing.T) {
	s, err := ParseScheme("ImageNet")
	require.NoError(t, err)
	assert.Equal(t, SchemeImageNet, s)

	s, err = ParseScheme("")
	require.NoError(t, err)
	assert.Equal(t, SchemeRaw, s)

	_, err = ParseScheme("bgr")
	assert.Error(t, err)
}

func TestThumbnail(t *testing.T) {
	big := solid(800, 600, color.RGBA{A: 255})
	th := Thumbnail(big, 400)
	assert.Equal(t, 400, th.Bounds().Dx())
	assert.Equal(t, 300, th.Bounds().Dy())
}
