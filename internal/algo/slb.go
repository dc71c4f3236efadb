package algo

import (
	"context"
	"fmt"
	"math"

	"github.com/samcharles93/squeeze/internal/fusion"
	"github.com/samcharles93/squeeze/internal/graph"
	"github.com/samcharles93/squeeze/internal/logger"
	"github.com/samcharles93/squeeze/internal/nn"
	"github.com/samcharles93/squeeze/internal/quantizer"
)

// SLBConfig configures searched low-bit weight quantization.
type SLBConfig struct {
	WeightBits int  `yaml:"weight_bits"`
	ActBits    int  `yaml:"act_bits"`
	ActQuant   bool `yaml:"enable_act_quant"`
	// The temperature is StartValue * Factor^(epoch-StartEpoch) from
	// StartEpoch through EndEpoch; afterwards selection turns hard.
	StartValue float32 `yaml:"t_start_val"`
	StartEpoch int     `yaml:"t_start_time"`
	EndEpoch   int     `yaml:"t_end_time"`
	Factor     float32 `yaml:"t_factor"`
}

func DefaultSLBConfig() SLBConfig {
	return SLBConfig{
		WeightBits: 1,
		ActBits:    8,
		StartValue: 1,
		StartEpoch: 1,
		EndEpoch:   100,
		Factor:     1.2,
	}
}

func (c SLBConfig) Validate() error {
	if c.WeightBits < 1 || c.WeightBits > quantizer.MaxSLBBits {
		return fmt.Errorf("%w: weight_bits %d outside [1,%d]", ErrInvalidConfig, c.WeightBits, quantizer.MaxSLBBits)
	}
	if c.ActQuant && c.ActBits != 8 {
		return fmt.Errorf("%w: activation quantization only supports 8 bits, got %d", ErrInvalidConfig, c.ActBits)
	}
	if c.StartValue <= 0 || c.Factor <= 0 {
		return fmt.Errorf("%w: t_start_val and t_factor must be positive", ErrInvalidConfig)
	}
	if c.StartEpoch < 1 || c.EndEpoch < c.StartEpoch {
		return fmt.Errorf("%w: need 1 <= t_start_time <= t_end_time, got %d and %d", ErrInvalidConfig, c.StartEpoch, c.EndEpoch)
	}
	return nil
}

// SLB replaces convolutions with codebook-selecting SLB layers.
type SLB struct {
	cfg   SLBConfig
	cells []*quantizer.SLBWeight
}

func NewSLB(cfg SLBConfig) (*SLB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &SLB{cfg: cfg}, nil
}

// Apply swaps every float convolution for an SLB convolution and records
// its weight quantizer for the temperature schedule.
func (s *SLB) Apply(ctx context.Context, net *graph.Network) (*graph.Network, error) {
	for _, node := range net.Nodes() {
		conv, ok := node.Module.(*nn.Conv2d)
		if !ok {
			continue
		}
		var act quantizer.FakeQuantizer
		if s.cfg.ActQuant {
			mm, err := quantizer.NewSLBActivation(quantizer.SLBActivationConfig(s.cfg.ActBits))
			if err != nil {
				return nil, fmt.Errorf("slb %s: %w", node.Name, err)
			}
			act = mm
		}
		m, err := fusion.SLBConv2dFromFloat(conv, s.cfg.WeightBits, act)
		if err != nil {
			return nil, fmt.Errorf("slb %s: %w", node.Name, err)
		}
		if err := net.Replace(node.ID, m); err != nil {
			return nil, err
		}
		s.cells = append(s.cells, m.WeightQuant)
	}
	logger.FromContext(ctx).Info("applied slb", "layers", len(s.cells), "weight_bits", s.cfg.WeightBits)
	return net, nil
}

// Scheduler returns the temperature callback for the applied layers.
func (s *SLB) Scheduler() *SLBScheduler {
	return &SLBScheduler{cfg: s.cfg, cells: s.cells}
}

// SLBScheduler raises the selection temperature every epoch and ends the
// soft phase after EndEpoch.
type SLBScheduler struct {
	cfg   SLBConfig
	cells []*quantizer.SLBWeight
	ended bool
}

// Temperature is the temperature in effect during epoch.
func (s *SLBScheduler) Temperature(epoch int) float32 {
	e := min(max(epoch, s.cfg.StartEpoch), s.cfg.EndEpoch) - s.cfg.StartEpoch
	return s.cfg.StartValue * float32(math.Pow(float64(s.cfg.Factor), float64(e)))
}

func (s *SLBScheduler) OnEpochBegin(ctx context.Context, run Run) error {
	if run.Epoch > s.cfg.EndEpoch {
		if !s.ended {
			for _, c := range s.cells {
				c.SetTemperatureEnd()
			}
			s.ended = true
			logger.FromContext(ctx).Info("slb temperature fixed, selection is hard", "epoch", run.Epoch)
		}
		return nil
	}
	if run.Epoch < s.cfg.StartEpoch {
		return nil
	}
	t := s.Temperature(run.Epoch)
	for _, c := range s.cells {
		if err := c.SetTemperature(t); err != nil {
			return err
		}
	}
	logger.FromContext(ctx).Debug("slb temperature", "epoch", run.Epoch, "temperature", t)
	return nil
}

func (s *SLBScheduler) OnEpochEnd(context.Context, Run) error { return nil }
