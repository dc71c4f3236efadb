// Package quantizer holds the stateful quantizer cells that wrap the fake
// quantization core: running min/max observers, learned step size and the
// SLB codebook quantizer for low-bit weights.
//
// Every cell starts in inference mode. Training mode is switched on by the
// caller for the duration of a training run.
package quantizer

import (
	"errors"
	"math"
	"slices"

	"github.com/samcharles93/squeeze/internal/fakequant"
	"github.com/samcharles93/squeeze/internal/tensor"
)

// InitMin and InitMax bound the range a fresh observer starts from.
const (
	InitMin float32 = -6
	InitMax float32 = 6
)

var ErrInvalidTemperature = errors.New("temperature must be positive")

// FakeQuantizer is the capability shared by every quantizer cell.
type FakeQuantizer interface {
	// Forward returns the fake-quantized x. In training mode it first folds
	// the batch into the cell state.
	Forward(x *tensor.Tensor) *tensor.Tensor
	// UpdateState folds x into the running state without quantizing.
	UpdateState(x *tensor.Tensor)
	// ExtractParams derives the deployable quantization parameters from the
	// frozen state. It never mutates the cell.
	ExtractParams() Params
	SetTraining(training bool)
	Training() bool
}

// Params are per-channel (or single-element, per-layer) quantization
// parameters.
type Params struct {
	Min       []float32
	Max       []float32
	Scale     []float32
	ZeroPoint []float32
}

// Channels returns the number of parameter sets.
func (p Params) Channels() int { return len(p.Scale) }

// At returns the parameters for channel c, broadcasting per-layer params.
func (p Params) At(c int) (scale, zeroPoint float32) {
	if len(p.Scale) == 1 {
		return p.Scale[0], p.ZeroPoint[0]
	}
	return p.Scale[c], p.ZeroPoint[c]
}

// Nudged rebuilds the numeric-core range for channel c so integer codes can
// be derived from the extracted parameters alone.
func (p Params) Nudged(c int) fakequant.Nudged {
	if len(p.Scale) == 1 {
		c = 0
	}
	n := fakequant.Nudged{Min: p.Min[c], Max: p.Max[c], Scale: p.Scale[c], ZeroPoint: p.ZeroPoint[c]}
	n.QMin = float32(math.Round(float64(n.ZeroPoint + n.Min/n.Scale)))
	n.QMax = float32(math.Round(float64(n.ZeroPoint + n.Max/n.Scale)))
	return n
}

// paramsFromRange nudges each [min, max] pair with the numeric core formula.
func paramsFromRange(mins, maxs []float32, cfg fakequant.Config) Params {
	p := Params{
		Min:       make([]float32, len(mins)),
		Max:       make([]float32, len(mins)),
		Scale:     make([]float32, len(mins)),
		ZeroPoint: make([]float32, len(mins)),
	}
	for i := range mins {
		n := fakequant.Nudge(mins[i], maxs[i], cfg)
		p.Min[i], p.Max[i] = n.Min, n.Max
		p.Scale[i], p.ZeroPoint[i] = n.Scale, n.ZeroPoint
	}
	return p
}

func filled(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func copyRange(mins, maxs []float32) ([]float32, []float32) {
	return slices.Clone(mins), slices.Clone(maxs)
}
