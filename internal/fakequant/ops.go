package fakequant

import (
	"github.com/samcharles93/squeeze/internal/tensor"
)

// delay tracks training steps for quant_delay. In inference mode the op is
// always active.
type delay struct {
	quantDelay int
	training   bool
	step       int
	active     bool
}

func (d *delay) advance() bool {
	if !d.training {
		d.active = true
		return true
	}
	d.active = d.step >= d.quantDelay
	d.step++
	return d.active
}

// Step returns the number of training-mode forward calls seen so far.
func (d *delay) Step() int { return d.step }

// SetTraining switches between training (delay counting) and inference.
func (d *delay) SetTraining(training bool) { d.training = training }

// PerLayer simulates quantize/dequantize with one range for the whole tensor.
type PerLayer struct {
	cfg Config
	delay
}

// NewPerLayer validates cfg and returns the op.
func NewPerLayer(cfg Config, training bool) (*PerLayer, error) {
	if err := cfg.Validate("FakeQuantPerLayer"); err != nil {
		return nil, err
	}
	return &PerLayer{cfg: cfg, delay: delay{quantDelay: cfg.QuantDelay, training: training}}, nil
}

// Config returns the op attributes.
func (op *PerLayer) Config() Config { return op.cfg }

// Forward returns fake-quantized x, or a copy of x while the delay runs.
func (op *PerLayer) Forward(x *tensor.Tensor, min, max float32) *tensor.Tensor {
	if !op.advance() {
		return x.Clone()
	}
	y, _, _ := Quantize(x, min, max, op.cfg)
	return y
}

// Backward is the straight-through estimator: dout passes where x lies in
// the nudged range and is zero elsewhere. The range itself receives a zero
// gradient; it is driven by the min/max update rule.
func (op *PerLayer) Backward(dout, x *tensor.Tensor, min, max float32) (dx *tensor.Tensor, dmin, dmax float32) {
	if !op.active {
		return dout.Clone(), 0, 0
	}
	n := Nudge(min, max, op.cfg)
	dx = tensor.New(x.Shape...)
	for i, v := range x.Data {
		if n.Contains(v) {
			dx.Data[i] = dout.Data[i]
		}
	}
	return dx, 0, 0
}

// PerChannel simulates quantize/dequantize with one range per channel.
type PerChannel struct {
	cfg  Config
	axis int
	delay
}

// NewPerChannel validates cfg and returns the op quantizing along axis.
func NewPerChannel(cfg Config, axis int, training bool) (*PerChannel, error) {
	if err := cfg.Validate("FakeQuantPerChannel"); err != nil {
		return nil, err
	}
	return &PerChannel{cfg: cfg, axis: axis, delay: delay{quantDelay: cfg.QuantDelay, training: training}}, nil
}

// Forward returns fake-quantized x, or a copy of x while the delay runs.
func (op *PerChannel) Forward(x *tensor.Tensor, mins, maxs []float32) *tensor.Tensor {
	if !op.advance() {
		return x.Clone()
	}
	y, _, _ := QuantizePerChannel(x, op.axis, mins, maxs, op.cfg)
	return y
}

// Backward applies the per-channel straight-through estimator.
func (op *PerChannel) Backward(dout, x *tensor.Tensor, mins, maxs []float32) (dx *tensor.Tensor, dmin, dmax []float32) {
	dmin = make([]float32, len(mins))
	dmax = make([]float32, len(maxs))
	if !op.active {
		return dout.Clone(), dmin, dmax
	}
	nudged := nudgeAll(mins, maxs, op.cfg)
	dx = tensor.New(x.Shape...)
	x.ForEachChannel(op.axis, func(c, idx int) {
		if nudged[c].Contains(x.Data[idx]) {
			dx.Data[idx] = dout.Data[idx]
		}
	})
	return dx, dmin, dmax
}
