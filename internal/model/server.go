package model

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/Brownie44l1/retina-api/internal/ctxlog"
	"github.com/Brownie44l1/retina-api/internal/tensor"
)

// LoadOptions select and configure the model a Server loads.
type LoadOptions struct {
	Candidates  []string
	Layer       string // preferred explanation layer, empty to detect
	LibraryPath string // ONNX Runtime shared library, empty for default
}

// Status is a snapshot of the Server for health reporting.
type Status struct {
	Loaded bool
	Path   string
	Layer  string
	Meta   Metadata
}

// Server owns the process-wide classifier. It is created empty and stays
// usable in a degraded mode when no model could be loaded.
type Server struct {
	mu         sync.RWMutex
	classifier Classifier
	path       string
	layer      string
}

// NewServer returns a Server with no model.
func NewServer() *Server {
	return &Server{}
}

// NewServerWith wraps an already loaded classifier.
func NewServerWith(c Classifier, path, layer string) *Server {
	return &Server{classifier: c, path: path, layer: layer}
}

// Load opens the first existing candidate and makes it active, closing any
// previous classifier. On error the Server keeps its current state.
func (s *Server) Load(ctx context.Context, opts LoadOptions) error {
	logger := ctxlog.FromContext(ctx)

	path, err := FindModel(opts.Candidates)
	if err != nil {
		return err
	}
	logger.Info("Loading model.", "path", path)

	c, err := Open(path, opts.LibraryPath)
	if err != nil {
		return fmt.Errorf("failed to load model %s: %w", path, err)
	}
	layer, err := DetectLayer(c, opts.Layer)
	if err != nil {
		c.Close()
		return fmt.Errorf("model %s: %w", path, err)
	}
	if opts.Layer != "" && layer != opts.Layer {
		logger.Warn("Configured Grad-CAM layer unusable, using detected layer.", "configured", opts.Layer, "layer", layer)
	}

	s.mu.Lock()
	old := s.classifier
	s.classifier, s.path, s.layer = c, path, layer
	s.mu.Unlock()
	if old != nil {
		if err := old.Close(); err != nil {
			logger.Warn("Failed to close previous model.", "error", err)
		}
	}

	meta := c.Metadata()
	logger.Info("Model loaded.", "path", path, "layer", layer, "classes", meta.Classes, "image_size", meta.ImageSize)
	return nil
}

// Classifier returns the active classifier and its explanation layer.
func (s *Server) Classifier() (Classifier, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.classifier == nil {
		return nil, "", ErrModelUnavailable
	}
	return s.classifier, s.layer, nil
}

// Status reports whether a model is loaded and which.
func (s *Server) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{Loaded: s.classifier != nil, Path: s.path, Layer: s.layer}
	if s.classifier != nil {
		st.Meta = s.classifier.Metadata()
	}
	return st
}

// Predict classifies a preprocessed input.
func (s *Server) Predict(ctx context.Context, input *tensor.Tensor) (*Prediction, error) {
	c, _, err := s.Classifier()
	if err != nil {
		return nil, err
	}
	scores, err := c.Predict(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	return Interpret(scores, c.Metadata().Classes)
}

// Close releases the active classifier.
func (s *Server) Close() error {
	s.mu.Lock()
	c := s.classifier
	s.classifier, s.path, s.layer = nil, "", ""
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

// Interpret turns raw scores into a Prediction. Scores outside [0,1] are
// treated as logits and passed through softmax first. Ties resolve to the
// lowest index.
func Interpret(scores []float32, classes []string) (*Prediction, error) {
	if len(scores) == 0 {
		return nil, fmt.Errorf("empty prediction vector")
	}
	if len(classes) != len(scores) {
		return nil, fmt.Errorf("got %d scores for %d classes", len(scores), len(classes))
	}
	probs := append([]float32(nil), scores...)
	if !isProbability(probs) {
		softmax(probs)
	}

	best := 0
	predictions := make(map[string]float32, len(probs))
	for i, p := range probs {
		predictions[classes[i]] = p
		if p > probs[best] {
			best = i
		}
	}
	return &Prediction{
		Label:      classes[best],
		Index:      best,
		Confidence: probs[best],
		Probs:      predictions,
	}, nil
}

func isProbability(v []float32) bool {
	for _, x := range v {
		if x < 0 || x > 1 || math.IsNaN(float64(x)) {
			return false
		}
	}
	return true
}

func softmax(v []float32) {
	m := v[0]
	for _, x := range v {
		m = max(m, x)
	}
	var sum float64
	for i, x := range v {
		e := math.Exp(float64(x - m))
		v[i] = float32(e)
		sum += e
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / sum)
	}
}
