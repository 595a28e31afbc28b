package gradcam

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/Brownie44l1/retina-api/internal/ctxlog"
	"github.com/Brownie44l1/retina-api/internal/imaging"
	"github.com/Brownie44l1/retina-api/internal/tensor"
	"gonum.org/v1/gonum/mat"
)

// Stage names a state of the explanation pipeline.
type Stage string

const (
	StageStart           Stage = "start"
	StageHeatmapComputed Stage = "heatmap_computed"
	StageImageLoaded     Stage = "image_loaded"
	StageResized         Stage = "resized"
	StageSmoothed        Stage = "smoothed"
	StageContrasted      Stage = "contrasted"
	StageColorized       Stage = "colorized"
	StageComposited      Stage = "composited"
	StageDone            Stage = "done"
	StageFailed          Stage = "failed"
)

// Options tune the pipeline. A zero KernelSize means 11; every other field
// is used as given, so start from DefaultOptions.
type Options struct {
	Alpha        float64
	KernelSize   int
	CircularMask bool
	MaskMargin   int
}

// DefaultOptions returns alpha 0.4, an 11x11 blur and a circular mask
// 5 px inside the inscribed circle.
func DefaultOptions() Options {
	return Options{
		Alpha:        DefaultAlpha,
		KernelSize:   11,
		CircularMask: true,
		MaskMargin:   DefaultMaskMargin,
	}
}

// Request is one explanation job.
type Request struct {
	Original   image.Image    // image the overlay is drawn on, any size
	Input      *tensor.Tensor // preprocessed classifier input, [1,H,W,3]
	ClassIndex *int           // nil explains the top class
}

// Result holds the pipeline outputs.
type Result struct {
	Overlay    *image.RGBA
	Heatmap    *image.RGBA
	Original   *image.RGBA
	ClassIndex int
	RawRows    int
	RawCols    int
	Warnings   []error
	Trail      []Stage
}

// Pipeline turns a classifier input into a Grad-CAM overlay.
type Pipeline struct {
	model Model
	layer string
	opts  Options
}

// NewPipeline explains predictions of m using the activations of layer.
func NewPipeline(m Model, layer string, opts Options) *Pipeline {
	if opts.KernelSize == 0 {
		opts.KernelSize = 11
	}
	return &Pipeline{model: m, layer: layer, opts: opts}
}

// Layer is the target layer name.
func (p *Pipeline) Layer() string { return p.layer }

type run struct {
	ctx   context.Context
	res   *Result
	stage Stage
}

func (r *run) advance(s Stage) {
	r.stage = s
	r.res.Trail = append(r.res.Trail, s)
	ctxlog.FromContext(r.ctx).Debug("Grad-CAM stage reached.", "stage", s)
}

// fail logs the failing transition with whatever shapes are known and
// returns a StageError. No partial result escapes.
func (r *run) fail(next Stage, err error, attrs ...any) (*Result, error) {
	r.res.Trail = append(r.res.Trail, StageFailed)
	args := append([]any{"stage", next, "from", r.stage, "error", err}, attrs...)
	ctxlog.FromContext(r.ctx).Error("Grad-CAM stage failed.", args...)
	return nil, &StageError{Stage: next, Err: err}
}

// Run executes every stage in order. On any failure it returns a
// *StageError and no images.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	r := &run{ctx: ctx, res: &Result{}}
	r.advance(StageStart)
	logger := ctxlog.FromContext(ctx)

	if req.Input == nil {
		return r.fail(StageHeatmapComputed, errors.New("missing input tensor"))
	}
	raw, class, err := computeHeatmap(ctx, req.Input, p.model, p.layer, req.ClassIndex)
	if err != nil {
		return r.fail(StageHeatmapComputed, err, "layer", p.layer, "input_shape", req.Input.Shape)
	}
	rows, cols := raw.Dims()
	r.res.ClassIndex, r.res.RawRows, r.res.RawCols = class, rows, cols
	logger.Info("Raw heatmap computed.", "layer", p.layer, "class", class, "rows", rows, "cols", cols, "min", mat.Min(raw), "max", mat.Max(raw))
	if IsZero(raw) {
		w := &DegenerateHeatmapWarning{Rows: rows, Cols: cols}
		r.res.Warnings = append(r.res.Warnings, w)
		logger.Warn("Grad-CAM produced no positive evidence, rendering a neutral map.", "warning", w)
	}
	heat := Normalize(raw)
	r.advance(StageHeatmapComputed)

	if req.Original == nil {
		return r.fail(StageImageLoaded, errors.New("missing original image"))
	}
	original, err := imaging.ToRGBA(req.Original)
	if err != nil {
		return r.fail(StageImageLoaded, err)
	}
	width, height := original.Bounds().Dx(), original.Bounds().Dy()
	r.advance(StageImageLoaded)

	heat, err = Resize(heat, height, width)
	if err != nil {
		return r.fail(StageResized, err, "heatmap_rows", rows, "heatmap_cols", cols, "width", width, "height", height)
	}
	r.advance(StageResized)

	heat, err = GaussianBlur(heat, p.opts.KernelSize)
	if err != nil {
		return r.fail(StageSmoothed, err, "kernel", p.opts.KernelSize)
	}
	r.advance(StageSmoothed)

	heat = ContrastStretch(heat)
	r.advance(StageContrasted)

	colorized := Colorize(heat)
	r.advance(StageColorized)

	comp, err := Composite(original, colorized, p.opts.Alpha, p.opts.CircularMask, p.opts.MaskMargin)
	if err != nil {
		return r.fail(StageComposited, err, "alpha", p.opts.Alpha, "width", width, "height", height)
	}
	r.advance(StageComposited)

	r.res.Overlay, r.res.Heatmap, r.res.Original = comp.Overlay, comp.Heatmap, comp.Original
	r.advance(StageDone)
	logger.Debug("Grad-CAM overlay ready.", "width", width, "height", height, "trail", fmt.Sprint(r.res.Trail))
	return r.res, nil
}
