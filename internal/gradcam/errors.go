package gradcam

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is; the concrete types below carry context.
var (
	ErrLayerNotFound     = errors.New("layer not found")
	ErrGradient          = errors.New("gradient computation failed")
	ErrDegenerateHeatmap = errors.New("degenerate heatmap")
)

// LayerNotFoundError means the requested layer is missing from the model
// or does not produce a rank-4 (batch, height, width, channels) output.
type LayerNotFoundError struct {
	Layer string
	Shape []int // nil when the layer does not exist
	Err   error
}

func (e *LayerNotFoundError) Error() string {
	if e.Shape != nil {
		return fmt.Sprintf("layer %q has output shape %v, want rank 4", e.Layer, e.Shape)
	}
	if e.Err != nil {
		return fmt.Sprintf("layer %q not found: %v", e.Layer, e.Err)
	}
	return fmt.Sprintf("layer %q not found", e.Layer)
}

func (e *LayerNotFoundError) Is(target error) bool { return target == ErrLayerNotFound }
func (e *LayerNotFoundError) Unwrap() error        { return e.Err }

// GradientComputationError means the class score could not be
// differentiated with respect to the layer activations.
type GradientComputationError struct {
	Layer string
	Class int
	Err   error
}

func (e *GradientComputationError) Error() string {
	return fmt.Sprintf("gradient of class %d w.r.t. layer %q: %v", e.Class, e.Layer, e.Err)
}

func (e *GradientComputationError) Is(target error) bool { return target == ErrGradient }
func (e *GradientComputationError) Unwrap() error        { return e.Err }

// DegenerateHeatmapWarning is attached to a Result when the raw map carries
// no positive evidence. It is never returned as an error.
type DegenerateHeatmapWarning struct {
	Rows, Cols int
}

func (w *DegenerateHeatmapWarning) Error() string {
	return fmt.Sprintf("raw heatmap %dx%d has no positive activation", w.Rows, w.Cols)
}

func (w *DegenerateHeatmapWarning) Is(target error) bool { return target == ErrDegenerateHeatmap }

// StageError records the pipeline stage that failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("gradcam %s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }
