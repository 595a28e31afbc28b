package gradcam_test

import (
	"context"
	"image"
	"image/color"
	"testing"

	"github.com/Brownie44l1/retina-api/internal/gradcam"
	"github.com/Brownie44l1/retina-api/internal/model"
	"github.com/Brownie44l1/retina-api/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// uniformNet has a 1x1, stride-32 "top_conv", so a uniform image yields a
// uniform 7x7 activation.
func uniformNet(t *testing.T) *model.ConvNet {
	t.Helper()
	net, err := model.NewConvNet(model.Checkpoint{
		Metadata: model.Metadata{InputShape: []int64{1, 224, 224, 3}},
		Layers: []model.LayerSpec{
			{Name: "top_conv", Type: model.LayerConv2D, Stride: 32, Kernel: "top_conv/kernel", Bias: "top_conv/bias"},
			{Name: "top_activation", Type: model.LayerReLU},
			{Name: "avg_pool", Type: model.LayerGlobalAvgPool},
			{Name: "predictions", Type: model.LayerDense, Kernel: "predictions/kernel"},
			{Name: "probs", Type: model.LayerSoftmax},
		},
		Weights: []model.WeightTensor{
			{Name: "top_conv/kernel", Shape: []int{1, 1, 3, 4}, Data: []float32{
				0.01, -0.02, 0.03, 0.00,
				0.02, 0.01, -0.01, 0.01,
				-0.01, 0.02, 0.01, 0.02,
			}},
			{Name: "top_conv/bias", Shape: []int{4}, Data: []float32{0.1, -0.2, 0.3, 0}},
			{Name: "predictions/kernel", Shape: []int{4, 4}, Data: []float32{
				0.5, -0.5, 0.1, 0,
				-0.3, 0.2, 0.4, 0.1,
				0.2, 0.1, -0.6, 0.3,
				0, 0.3, 0.2, -0.4,
			}},
		},
	})
	require.NoError(t, err)
	return net
}

func midGray(size int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 128, 128, 128, 255
	}
	return img
}

func TestUniformActivationGivesNeutralOverlay(t *testing.T) {
	net := uniformNet(t)
	shape, err := net.LayerShape("top_conv")
	require.NoError(t, err)
	require.Equal(t, []int{1, 7, 7, 4}, shape)

	input := tensor.Full(128, 1, 224, 224, 3)
	raw, err := gradcam.ComputeHeatmap(context.Background(), input, net, "top_conv", nil)
	require.NoError(t, err)
	r, c := raw.Dims()
	assert.Equal(t, 7, r)
	assert.Equal(t, 7, c)
	assert.InDelta(t, mat.Max(raw), mat.Min(raw), 1e-6)

	res, err := gradcam.NewPipeline(net, "top_conv", gradcam.DefaultOptions()).
		Run(context.Background(), gradcam.Request{Original: midGray(224), Input: input})
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 224, 224), res.Overlay.Bounds())

	// A uniform map stretches to all zeros, the cold end of the ramp.
	cold := color.RGBA{B: 128, A: 255}
	for y := 0; y < 224; y++ {
		for x := 0; x < 224; x++ {
			require.Equal(t, cold, res.Heatmap.RGBAAt(x, y), "pixel (%d,%d)", x, y)
		}
	}
	// 128*0.6 + 0*0.4 = 76.8 and 128*0.6 + 128*0.4 = 128.
	assert.Equal(t, color.RGBA{R: 77, G: 77, B: 128, A: 255}, res.Overlay.RGBAAt(112, 112))
	assert.Equal(t, color.RGBA{A: 255}, res.Overlay.RGBAAt(0, 0))
}

func TestConvNetIntermediateLayerHasGradientPath(t *testing.T) {
	net := uniformNet(t)
	input := tensor.New(1, 224, 224, 3)
	for i := range input.Data {
		input.Data[i] = float32(i % 251)
	}
	raw, err := gradcam.ComputeHeatmap(context.Background(), input, net, "top_activation", nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, mat.Min(raw), 0.0)

	_, err = gradcam.ComputeHeatmap(context.Background(), input, net, "avg_pool", nil)
	assert.ErrorIs(t, err, gradcam.ErrLayerNotFound)
}
