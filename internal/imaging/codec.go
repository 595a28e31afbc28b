// Package imaging decodes uploads, prepares classifier inputs and encodes
// result images for transport. Everything leaving this package is RGB(A).
package imaging

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"strings"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrDecode marks malformed or unsupported image input.
var ErrDecode = errors.New("image decode failed")

// DecodeError is returned for input bytes that are not a supported image.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string        { return fmt.Sprintf("invalid image: %v", e.Err) }
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }
func (e *DecodeError) Unwrap() error        { return e.Err }

// DefaultJPEGQuality matches common web encoders.
const DefaultJPEGQuality = 95

// Decode reads JPEG, PNG, GIF, BMP, TIFF or WebP bytes into an opaque
// RGBA image anchored at the origin.
func Decode(data []byte) (*image.RGBA, string, error) {
	if len(data) == 0 {
		return nil, "", &DecodeError{Err: errors.New("empty input")}
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", &DecodeError{Err: err}
	}
	rgba, err := ToRGBA(img)
	if err != nil {
		return nil, format, &DecodeError{Err: err}
	}
	return rgba, format, nil
}

// ToRGBA flattens img onto an opaque black background in a new RGBA
// image whose bounds start at (0,0). An *image.RGBA that already is
// opaque and at the origin is returned as is.
func ToRGBA(img image.Image) (*image.RGBA, error) {
	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("image has empty bounds %v", b)
	}
	if rgba, ok := img.(*image.RGBA); ok && b.Min == (image.Point{}) && rgba.Opaque() {
		return rgba, nil
	}
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst, nil
}

// EncodeJPEG encodes img as baseline JPEG.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 {
		quality = DefaultJPEGQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodePNG encodes img losslessly.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// Base64 encodes data with standard padding.
func Base64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DataURI wraps data as an inline data URI.
func DataURI(mime string, data []byte) string {
	return "data:" + mime + ";base64," + Base64(data)
}

// DecodeBase64 accepts plain base64 or a data URI, tolerating missing
// padding. Anything up to the first comma is treated as a media-type
// prefix, with or without the "data:" scheme.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, ','); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimRight(s, "=")
	data, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("invalid base64: %w", err)}
	}
	return data, nil
}
