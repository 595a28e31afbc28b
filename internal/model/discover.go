package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FindModel returns the first candidate path that is an existing regular
// file.
func FindModel(candidates []string) (string, error) {
	for _, p := range candidates {
		if p == "" {
			continue
		}
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: tried %s", ErrModelNotFound, strings.Join(candidates, ", "))
}

// DefaultCandidates lists the usual model locations under each base
// directory: the ONNX export first, then a native checkpoint.
func DefaultCandidates(bases ...string) []string {
	var out []string
	for _, b := range bases {
		out = append(out,
			filepath.Join(b, "models", "model.onnx"),
			filepath.Join(b, "models", "model_embedded.onnx"),
			filepath.Join(b, "models", "model.json"),
		)
	}
	return out
}

// MetadataPath finds the metadata file accompanying an ONNX model:
// <name>.json beside it, else model_metadata.json in the same directory.
func MetadataPath(modelPath string) (string, error) {
	dir := filepath.Dir(modelPath)
	base := strings.TrimSuffix(filepath.Base(modelPath), filepath.Ext(modelPath))
	candidates := []string{
		filepath.Join(dir, base+".json"),
		filepath.Join(dir, "model_metadata.json"),
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no metadata for %s, tried %s", modelPath, strings.Join(candidates, ", "))
}

// Open loads a classifier, choosing the backend by file extension: .onnx
// for ONNX Runtime, .json for a native checkpoint.
func Open(path, libPath string) (Classifier, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".onnx":
		meta, err := MetadataPath(path)
		if err != nil {
			return nil, err
		}
		return LoadONNX(path, meta, libPath)
	case ".json":
		return LoadCheckpoint(path)
	}
	return nil, fmt.Errorf("unsupported model format %q", filepath.Ext(path))
}

// DetectLayer picks the explanation layer for c. A preferred layer with a
// rank-4 output wins; otherwise the last rank-4 layer; otherwise the first
// FallbackLayers entry the model has.
func DetectLayer(c Classifier, preferred string) (string, error) {
	if preferred != "" {
		if shape, err := c.LayerShape(preferred); err == nil && len(shape) == 4 {
			return preferred, nil
		}
	}
	if name := lastRank4(c.Layers()); name != "" {
		return name, nil
	}
	for _, name := range FallbackLayers {
		if _, err := c.LayerShape(name); err == nil {
			return name, nil
		}
	}
	return "", errors.New("no convolutional layer found")
}

func lastRank4(layers []LayerInfo) string {
	for i := len(layers) - 1; i >= 0; i-- {
		if len(layers[i].Shape) == 4 {
			return layers[i].Name
		}
	}
	return ""
}
