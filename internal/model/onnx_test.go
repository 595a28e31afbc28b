package model

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/Brownie44l1/retina-api/internal/autograd"
	"github.com/Brownie44l1/retina-api/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadHead(t *testing.T) {
	bias := WeightTensor{Name: "b", Shape: []int{4}, Data: make([]float32, 4)}
	shortBias := WeightTensor{Name: "b", Shape: []int{3}, Data: make([]float32, 3)}
	tests := []struct {
		name    string
		spec    *HeadSpec
		wantErr string
	}{
		{"valid", &HeadSpec{Kernel: pattern("k", 5, 4), Bias: &bias}, ""},
		{"no bias", &HeadSpec{Kernel: pattern("k", 5, 4)}, ""},
		{"missing", nil, "no classification head"},
		{"wrong classes", &HeadSpec{Kernel: pattern("k", 5, 3)}, "does not map to 4 classes"},
		{"rank 1 kernel", &HeadSpec{Kernel: pattern("k", 20)}, "does not map to 4 classes"},
		{"data length", &HeadSpec{Kernel: WeightTensor{Name: "k", Shape: []int{5, 4}, Data: make([]float32, 3)}}, "head kernel"},
		{"bias length", &HeadSpec{Kernel: pattern("k", 5, 4), Bias: &shortBias}, "head bias"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kernel, _, err := loadHead(tt.spec, 4)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []int{5, 4}, kernel.Shape)
		})
	}
}

func TestLoadONNXRejectsMetadataWithoutHead(t *testing.T) {
	dir := t.TempDir()
	metaPath := filepath.Join(dir, "model_metadata.json")
	data, err := json.Marshal(Metadata{InputShape: []int64{1, 224, 224, 3}, Classes: DefaultClasses})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(metaPath, data, 0o644))

	_, err = LoadONNX(filepath.Join(dir, "model.onnx"), metaPath, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no classification head")

	_, err = LoadONNX(filepath.Join(dir, "model.onnx"), filepath.Join(dir, "missing.json"), "")
	assert.ErrorContains(t, err, "failed to read metadata")
}

func TestONNXHead(t *testing.T) {
	kernel, bias, err := loadHead(&HeadSpec{
		Kernel:  WeightTensor{Name: "k", Shape: []int{2, 2}, Data: []float32{1, 0, 0, 1}},
		Bias:    &WeightTensor{Name: "b", Shape: []int{2}, Data: []float32{0.5, 0}},
		Softmax: false,
	}, 2)
	require.NoError(t, err)
	c := &ONNXClassifier{meta: Metadata{Classes: []string{"a", "b"}, Head: &HeadSpec{}}, kernel: kernel, bias: bias}

	feat, err := tensor.FromData([]float32{1, 3, 3, 5}, 1, 2, 1, 2)
	require.NoError(t, err)
	err = autograd.Record(func(tape *autograd.Tape) error {
		act := tape.Watch(feat)
		preds, err := c.head(tape, act)
		if err != nil {
			return err
		}
		// pooled features are (2, 4)
		assert.InDeltaSlice(t, []float32{2.5, 4}, preds.Value.Data, 1e-6)

		score, err := tape.Index(preds, 1)
		if err != nil {
			return err
		}
		grad, err := tape.Gradient(score, act)
		if err != nil {
			return err
		}
		assert.InDeltaSlice(t, []float32{0, 0.5, 0, 0.5}, grad.Data, 1e-6)
		return nil
	})
	require.NoError(t, err)
}
