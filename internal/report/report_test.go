package report

import (
	"bytes"
	"image"
	"image/color"
	"regexp"
	"testing"
	"time"

	"github.com/Brownie44l1/retina-api/internal/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jpegOf(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	data, err := imaging.EncodeJPEG(img, 0)
	require.NoError(t, err)
	return data
}

func imageCount(pdf []byte) int {
	return bytes.Count(pdf, []byte("/Subtype /Image"))
}

func assertPDF(t *testing.T, data []byte) {
	t.Helper()
	require.True(t, bytes.HasPrefix(data, []byte("%PDF-")), "missing PDF header")
	assert.Contains(t, string(bytes.TrimSpace(data[len(data)-16:])), "%%EOF")
}

func TestGenerateWithImages(t *testing.T) {
	heat := jpegOf(t, 224, 224)
	data, err := Generate(Request{
		Original:   jpegOf(t, 900, 600),
		Heatmap:    imaging.DataURI("image/jpeg", heat),
		Filename:   "fundus_left_eye_2026_visit_01.jpg",
		Prediction: "DR",
		Confidence: 0.873,
		Time:       time.Date(2026, 1, 15, 14, 30, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assertPDF(t, data)
	assert.Equal(t, 2, imageCount(data))
}

func TestGeneratePlaceholders(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"no images", Request{Prediction: "Normal", Confidence: 0.5}},
		{"unreadable original", Request{Original: []byte("garbage"), Prediction: "AMD"}},
		{"bad base64 heatmap", Request{Heatmap: "%%%", Prediction: "Glaucoma"}},
		{"heatmap not an image", Request{Heatmap: imaging.Base64([]byte("text")), Prediction: "Cataract"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Generate(tt.req)
			require.NoError(t, err)
			assertPDF(t, data)
			assert.Equal(t, 0, imageCount(data))
		})
	}
}

func TestNewID(t *testing.T) {
	id := NewID(time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC))
	assert.Regexp(t, regexp.MustCompile(`^VXR-20260304-[0-9A-F]{8}$`), id)
	assert.NotEqual(t, id, NewID(time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)))
}

func TestFilename(t *testing.T) {
	assert.Equal(t, "VisionXaid_Report_eye.jpg.pdf", Filename("eye.jpg"))
	assert.Equal(t, "VisionXaid_Report_report.pdf", Filename(""))
}

func TestConditionFor(t *testing.T) {
	for _, label := range []string{"AMD", "DR", "Glaucoma", "Normal"} {
		c := ConditionFor(label)
		assert.NotEmpty(t, c.FullName, label)
		assert.Len(t, c.Recommendations, 6, label)
	}
	assert.Equal(t, "Normal Retina", ConditionFor("unknown").FullName)
	assert.Equal(t, "Diabetic Retinopathy", ConditionFor("DR").FullName)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 25))
	assert.Equal(t, "ab", truncate("abc", 2))
	assert.Equal(t, "né", truncate("néo", 2))
}
