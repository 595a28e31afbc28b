// Package service runs one analysis per uploaded fundus image: decode,
// classify and, when enabled, explain the prediction with Grad-CAM.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/Brownie44l1/retina-api/internal/ctxlog"
	"github.com/Brownie44l1/retina-api/internal/gradcam"
	"github.com/Brownie44l1/retina-api/internal/imaging"
	"github.com/Brownie44l1/retina-api/internal/model"
)

// DefaultImageSize is used when a model does not declare its input size.
const DefaultImageSize = 224

// Options configure an Analyzer.
type Options struct {
	EnableGradCAM bool
	Scheme        imaging.Scheme // used when the model metadata names none
	GradCAM       gradcam.Options
	Workers       int
	JPEGQuality   int
}

// Analysis is the outcome of one request.
type Analysis struct {
	Prediction *model.Prediction
	Heatmap    []byte // JPEG overlay, nil when Grad-CAM is disabled
	Warnings   []error
	Layer      string
	Format     string
	Width      int
	Height     int
}

// Analyzer bounds concurrent inference with a slot queue.
type Analyzer struct {
	models *model.Server
	opts   Options
	slots  chan struct{}
}

// NewAnalyzer creates an Analyzer over models.
func NewAnalyzer(models *model.Server, opts Options) *Analyzer {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Scheme == "" {
		opts.Scheme = imaging.SchemeRaw
	}
	return &Analyzer{models: models, opts: opts, slots: make(chan struct{}, opts.Workers)}
}

// GradCAMEnabled reports whether predictions carry heatmaps.
func (a *Analyzer) GradCAMEnabled() bool { return a.opts.EnableGradCAM }

func (a *Analyzer) acquire(ctx context.Context) error {
	select {
	case a.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for inference slot: %w", ctx.Err())
	}
}

func (a *Analyzer) release() { <-a.slots }

// Analyze decodes data, classifies it and, when enabled, renders the
// explanation. A Grad-CAM failure fails the whole analysis.
func (a *Analyzer) Analyze(ctx context.Context, data []byte) (*Analysis, error) {
	logger := ctxlog.FromContext(ctx)

	img, format, err := imaging.Decode(data)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	logger.Debug("Image decoded.", "format", format, "width", b.Dx(), "height", b.Dy())

	c, layer, err := a.models.Classifier()
	if err != nil {
		return nil, err
	}
	meta := c.Metadata()
	size := meta.ImageSize
	if size <= 0 {
		size = DefaultImageSize
	}
	scheme := a.opts.Scheme
	if meta.Normalization != "" {
		if scheme, err = imaging.ParseScheme(meta.Normalization); err != nil {
			return nil, fmt.Errorf("model metadata: %w", err)
		}
	}
	input, err := imaging.Preprocess(img, size, scheme)
	if err != nil {
		return nil, fmt.Errorf("failed to preprocess image: %w", err)
	}

	if err := a.acquire(ctx); err != nil {
		return nil, err
	}
	defer a.release()

	start := time.Now()
	scores, err := c.Predict(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	pred, err := model.Interpret(scores, meta.Classes)
	if err != nil {
		return nil, err
	}
	logger.Info("Prediction complete.", "prediction", pred.Label, "confidence", pred.Confidence, "elapsed", time.Since(start))

	res := &Analysis{Prediction: pred, Layer: layer, Format: format, Width: b.Dx(), Height: b.Dy()}
	if !a.opts.EnableGradCAM {
		return res, nil
	}

	start = time.Now()
	class := pred.Index
	out, err := gradcam.NewPipeline(c, layer, a.opts.GradCAM).Run(ctx, gradcam.Request{Original: img, Input: input, ClassIndex: &class})
	if err != nil {
		return nil, fmt.Errorf("grad-cam on layer %q: %w", layer, err)
	}
	res.Warnings = out.Warnings
	if res.Heatmap, err = imaging.EncodeJPEG(out.Overlay, a.opts.JPEGQuality); err != nil {
		return nil, fmt.Errorf("failed to encode heatmap: %w", err)
	}
	logger.Info("Grad-CAM complete.", "layer", layer, "class", class, "elapsed", time.Since(start))
	return res, nil
}
