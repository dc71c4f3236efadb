// Package fusion provides composite layers that pair a float op with
// quantizer cells, their reconstruction from existing float layers, and the
// conversion to deployable integer-weight form. It also holds the
// physically pruned conv+bn template.
package fusion

import (
	"errors"

	"github.com/samcharles93/squeeze/internal/fakequant"
	"github.com/samcharles93/squeeze/internal/quantizer"
)

var ErrNoQuantizer = errors.New("quant config has no quantizer for this role")

// QuantizerFactory builds a fresh quantizer cell. numChannels is zero for
// per-layer use; weight factories receive the output-channel count with
// channel axis 0.
type QuantizerFactory func(channelAxis, numChannels int) (quantizer.FakeQuantizer, error)

// QuantConfig selects the quantizer cells attached by FromFloat.
type QuantConfig struct {
	Weight     QuantizerFactory
	Activation QuantizerFactory
}

// DefaultQuantConfig quantizes weights per output channel from their
// instantaneous range and activations per layer with an EMA observer.
func DefaultQuantConfig() QuantConfig {
	w := quantizer.DefaultMinMaxConfig()
	w.EMA = false
	w.PerChannel = true
	return QuantConfig{
		Weight:     MinMaxFactory(w),
		Activation: MinMaxFactory(quantizer.DefaultMinMaxConfig()),
	}
}

// MinMaxFactory returns a factory for MinMax observers. When per-channel is
// requested the axis and channel count come from the call site.
func MinMaxFactory(cfg quantizer.MinMaxConfig) QuantizerFactory {
	return func(axis, channels int) (quantizer.FakeQuantizer, error) {
		c := cfg
		if c.PerChannel {
			if channels == 0 {
				c.PerChannel = false
			} else {
				c.ChannelAxis, c.NumChannels = axis, channels
			}
		}
		return quantizer.NewMinMax(c)
	}
}

// LSQFactory returns a factory for learned step size quantizers; they are
// per-channel whenever the call site provides a channel count.
func LSQFactory(cfg fakequant.Config) QuantizerFactory {
	return func(axis, channels int) (quantizer.FakeQuantizer, error) {
		return quantizer.NewLSQ(cfg, axis, channels)
	}
}

func (c QuantConfig) weight(channels int) (quantizer.FakeQuantizer, error) {
	if c.Weight == nil {
		return nil, ErrNoQuantizer
	}
	return c.Weight(0, channels)
}

func (c QuantConfig) activation() (quantizer.FakeQuantizer, error) {
	if c.Activation == nil {
		return nil, ErrNoQuantizer
	}
	return c.Activation(0, 0)
}
