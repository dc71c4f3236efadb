package quantizer

import (
	"fmt"

	"github.com/samcharles93/squeeze/internal/fakequant"
	"github.com/samcharles93/squeeze/internal/tensor"
)

// MinMaxConfig configures a running-range observer.
type MinMaxConfig struct {
	fakequant.Config
	PerChannel  bool
	ChannelAxis int
	// NumChannels is required for per-channel observers.
	NumChannels int
	EMA         bool
	EMADecay    float32
}

// DefaultMinMaxConfig is per-layer, 8-bit, EMA with decay 0.999.
func DefaultMinMaxConfig() MinMaxConfig {
	return MinMaxConfig{Config: fakequant.DefaultConfig(), EMA: true, EMADecay: 0.999}
}

// MinMax tracks a running [min, max] range per layer or per channel and
// fake-quantizes with it.
type MinMax struct {
	cfg      MinMaxConfig
	update   fakequant.MinMaxUpdate
	layer    *fakequant.PerLayer
	channel  *fakequant.PerChannel
	mins     []float32
	maxs     []float32
	training bool
}

var _ FakeQuantizer = (*MinMax)(nil)

// NewMinMax validates cfg and returns an observer in inference mode with the
// initial range [-6, 6].
func NewMinMax(cfg MinMaxConfig) (*MinMax, error) {
	upd, err := fakequant.NewMinMaxUpdate(cfg.EMA, cfg.EMADecay, cfg.Device, cfg.PerChannel)
	if err != nil {
		return nil, err
	}
	q := &MinMax{cfg: cfg, update: upd}
	n := 1
	if cfg.PerChannel {
		if cfg.NumChannels <= 0 {
			return nil, fmt.Errorf("per-channel quantizer needs num_channels > 0: %w", fakequant.ErrInvalidConfig)
		}
		n = cfg.NumChannels
		q.channel, err = fakequant.NewPerChannel(cfg.Config, cfg.ChannelAxis, false)
	} else {
		q.layer, err = fakequant.NewPerLayer(cfg.Config, false)
	}
	if err != nil {
		return nil, err
	}
	q.mins = filled(n, InitMin)
	q.maxs = filled(n, InitMax)
	return q, nil
}

// Config returns the observer configuration.
func (q *MinMax) Config() MinMaxConfig { return q.cfg }

// Range returns a copy of the current running range.
func (q *MinMax) Range() (mins, maxs []float32) { return copyRange(q.mins, q.maxs) }

// SetRange overwrites the running range, e.g. when restoring a checkpoint.
func (q *MinMax) SetRange(mins, maxs []float32) error {
	if len(mins) != len(q.mins) || len(maxs) != len(q.maxs) {
		return fmt.Errorf("range has %d/%d entries, quantizer has %d: %w", len(mins), len(maxs), len(q.mins), fakequant.ErrInvalidConfig)
	}
	q.mins, q.maxs = copyRange(mins, maxs)
	return nil
}

func (q *MinMax) SetTraining(training bool) {
	q.training = training
	if q.layer != nil {
		q.layer.SetTraining(training)
	} else {
		q.channel.SetTraining(training)
	}
}

func (q *MinMax) Training() bool { return q.training }

// UpdateState folds the batch range of x into the running range. It is a
// no-op in inference mode.
func (q *MinMax) UpdateState(x *tensor.Tensor) {
	if !q.training {
		return
	}
	if q.cfg.PerChannel {
		q.mins, q.maxs = q.update.PerChannel(x, q.cfg.ChannelAxis, q.mins, q.maxs)
		return
	}
	lo, hi := q.update.PerLayer(x, q.mins[0], q.maxs[0])
	q.mins[0], q.maxs[0] = lo, hi
}

func (q *MinMax) Forward(x *tensor.Tensor) *tensor.Tensor {
	q.UpdateState(x)
	if q.cfg.PerChannel {
		return q.channel.Forward(x, q.mins, q.maxs)
	}
	return q.layer.Forward(x, q.mins[0], q.maxs[0])
}

// Backward returns the straight-through gradient for the last Forward call.
func (q *MinMax) Backward(dout, x *tensor.Tensor) *tensor.Tensor {
	if q.cfg.PerChannel {
		dx, _, _ := q.channel.Backward(dout, x, q.mins, q.maxs)
		return dx
	}
	dx, _, _ := q.layer.Backward(dout, x, q.mins[0], q.maxs[0])
	return dx
}

func (q *MinMax) ExtractParams() Params {
	return paramsFromRange(q.mins, q.maxs, q.cfg.Config)
}

// Step reports how many training forwards the delay counter has seen.
func (q *MinMax) Step() int {
	if q.layer != nil {
		return q.layer.Step()
	}
	return q.channel.Step()
}

// SLBActivationDelay is the number of training steps an SLB activation
// quantizer stays transparent.
const SLBActivationDelay = 900

// SLBActivationConfig returns the per-layer observer config used for
// activations next to SLB weights.
func SLBActivationConfig(numBits int) MinMaxConfig {
	cfg := DefaultMinMaxConfig()
	cfg.NumBits = numBits
	cfg.QuantDelay = SLBActivationDelay
	return cfg
}

// NewSLBActivation returns the per-layer activation quantizer paired with
// SLB weight quantization. Per-channel settings in cfg are ignored.
func NewSLBActivation(cfg MinMaxConfig) (*MinMax, error) {
	cfg.PerChannel = false
	cfg.NumChannels = 0
	return NewMinMax(cfg)
}
