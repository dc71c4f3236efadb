package algo

import (
	"context"
	"fmt"
	"slices"

	"github.com/samcharles93/squeeze/internal/device"
	"github.com/samcharles93/squeeze/internal/fakequant"
	"github.com/samcharles93/squeeze/internal/fusion"
	"github.com/samcharles93/squeeze/internal/graph"
	"github.com/samcharles93/squeeze/internal/logger"
	"github.com/samcharles93/squeeze/internal/nn"
	"github.com/samcharles93/squeeze/internal/quantizer"
	"github.com/samcharles93/squeeze/internal/tensor"
)

// QuantSide configures either the activation or the weight quantizers.
type QuantSide struct {
	NumBits     int  `yaml:"num_bits"`
	QuantDelay  int  `yaml:"quant_delay"`
	PerChannel  bool `yaml:"per_channel"`
	Symmetric   bool `yaml:"symmetric"`
	NarrowRange bool `yaml:"narrow_range"`
}

func (s QuantSide) fakequant(target string) fakequant.Config {
	return fakequant.Config{
		NumBits:     s.NumBits,
		Symmetric:   s.Symmetric,
		NarrowRange: s.NarrowRange,
		QuantDelay:  s.QuantDelay,
		Device:      target,
	}
}

// QATConfig holds the quantization-aware training settings.
type QATConfig struct {
	Activation QuantSide `yaml:"activation"`
	Weight     QuantSide `yaml:"weight"`
	// FreezeBN is the step after which batchnorm statistics stop updating.
	// It only matters for folded templates.
	FreezeBN    int    `yaml:"freeze_bn"`
	BNFold      bool   `yaml:"bn_fold"`
	OneConvFold bool   `yaml:"one_conv_fold"`
	Device      string `yaml:"device"`
}

// DefaultSimQATConfig quantizes activations per layer asymmetrically and
// weights per channel symmetrically, both 8-bit without delay.
func DefaultSimQATConfig() QATConfig {
	return QATConfig{
		Activation:  QuantSide{NumBits: 8},
		Weight:      QuantSide{NumBits: 8, PerChannel: true, Symmetric: true},
		FreezeBN:    10000000,
		OneConvFold: true,
		Device:      device.CPU,
	}
}

// DefaultLSQConfig is the only setting learned step size quantization
// supports: symmetric narrow-range grids, no delay, no batchnorm freezing.
func DefaultLSQConfig() QATConfig {
	return QATConfig{
		Activation: QuantSide{NumBits: 8, Symmetric: true, NarrowRange: true},
		Weight:     QuantSide{NumBits: 8, PerChannel: true, Symmetric: true, NarrowRange: true},
		Device:     device.CPU,
	}
}

// Validate rejects values no quantizer accepts.
func (c *QATConfig) Validate() error {
	target, err := device.Normalize(c.Device)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	c.Device = target
	for name, s := range map[string]QuantSide{"activation": c.Activation, "weight": c.Weight} {
		if !slices.Contains(fakequant.SupportedBits, s.NumBits) {
			return fmt.Errorf("%w: %s num_bits %d not in %v", ErrInvalidConfig, name, s.NumBits, fakequant.SupportedBits)
		}
		if s.QuantDelay < 0 {
			return fmt.Errorf("%w: %s quant_delay must be >= 0, got %d", ErrInvalidConfig, name, s.QuantDelay)
		}
	}
	if c.Activation.PerChannel {
		return fmt.Errorf("%w: activations can only be quantized per layer", ErrInvalidConfig)
	}
	if c.FreezeBN < 0 {
		return fmt.Errorf("%w: freeze_bn must be >= 0, got %d", ErrInvalidConfig, c.FreezeBN)
	}
	if c.BNFold {
		return fmt.Errorf("%w: folded batchnorm templates", ErrNotImplemented)
	}
	return nil
}

// QAT rewrites a float network into its quantization-aware form and later
// into the deployable integer-weight form.
type QAT struct {
	cfg QATConfig
	lsq bool
	qc  fusion.QuantConfig
}

// NewSimQAT uses min/max observers: per-channel weights track the current
// range, activations an EMA of it.
func NewSimQAT(cfg QATConfig) (*QAT, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w := quantizer.DefaultMinMaxConfig()
	w.Config = cfg.Weight.fakequant(cfg.Device)
	w.PerChannel = cfg.Weight.PerChannel
	w.EMA, w.EMADecay = false, 0
	a := quantizer.DefaultMinMaxConfig()
	a.Config = cfg.Activation.fakequant(cfg.Device)
	qc := fusion.QuantConfig{Weight: fusion.MinMaxFactory(w), Activation: fusion.MinMaxFactory(a)}
	return &QAT{cfg: cfg, qc: qc}, nil
}

// NewLSQ uses learned step size quantizers. Settings outside the supported
// grid return ErrNotImplemented.
func NewLSQ(cfg QATConfig) (*QAT, error) {
	for name, s := range map[string]QuantSide{"activation": cfg.Activation, "weight": cfg.Weight} {
		switch {
		case !s.Symmetric:
			return nil, fmt.Errorf("%w: learned step size needs %s symmetric", ErrNotImplemented, name)
		case !s.NarrowRange:
			return nil, fmt.Errorf("%w: learned step size needs %s narrow_range", ErrNotImplemented, name)
		case s.QuantDelay != 0:
			return nil, fmt.Errorf("%w: learned step size needs %s quant_delay 0", ErrNotImplemented, name)
		}
	}
	if cfg.FreezeBN != 0 {
		return nil, fmt.Errorf("%w: learned step size needs freeze_bn 0", ErrNotImplemented)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	weight := fusion.LSQFactory(cfg.Weight.fakequant(cfg.Device))
	if !cfg.Weight.PerChannel {
		perLayer := weight
		weight = func(axis, _ int) (quantizer.FakeQuantizer, error) { return perLayer(axis, 0) }
	}
	qc := fusion.QuantConfig{Weight: weight, Activation: fusion.LSQFactory(cfg.Activation.fakequant(cfg.Device))}
	return &QAT{cfg: cfg, lsq: true, qc: qc}, nil
}

func (q *QAT) Config() QATConfig { return q.cfg }

// QuantConfig returns the quantizer factories used by Apply.
func (q *QAT) QuantConfig() fusion.QuantConfig { return q.qc }

type weightSeeder interface{ InitFromWeight(w *tensor.Tensor) }

// Apply replaces conv+bn pairs with unfolded quantized pairs, lone convs
// and dense layers with their weight-quantized forms, activations with
// ActQuant and residual adds with TensorAddQuant. Parameter handles are
// shared with the float layers.
func (q *QAT) Apply(ctx context.Context, net *graph.Network) (*graph.Network, error) {
	consumers := net.Consumers()
	counts := map[string]int{}
	for _, node := range net.Nodes() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var (
			repl nn.Module
			wq   quantizer.FakeQuantizer
			w    *tensor.Tensor
			err  error
		)
		switch m := node.Module.(type) {
		case *nn.Conv2d:
			if bnNode, bn := soleBatchNorm(net, consumers[node.ID]); bn != nil {
				var fused *fusion.Conv2dBnWithoutFoldQuant
				if fused, err = fusion.FromFloat(&nn.Conv2dBn{Conv: m, BN: bn}, q.qc); err == nil {
					repl, wq, w = fused, fused.WeightQuant, fused.Weight.Data
					err = net.Replace(bnNode, &nn.Identity{})
				}
				counts["conv_bn"]++
				break
			}
			var cq *fusion.Conv2dQuant
			if cq, err = fusion.Conv2dQuantFromFloat(m, q.qc); err == nil {
				repl, wq, w = cq, cq.WeightQuant, cq.Weight.Data
			}
			counts["conv"]++
		case *nn.Dense:
			var dq *fusion.DenseQuant
			if dq, err = fusion.DenseQuantFromFloat(m, q.qc); err == nil {
				repl, wq, w = dq, dq.WeightQuant, dq.Weight.Data
			}
			counts["dense"]++
		case *nn.ReLU, *nn.ReLU6:
			repl, err = fusion.NewActQuant(m, q.qc, false)
			counts["act"]++
		case nil:
			if node.Kind == graph.KindAdd {
				var add *fusion.TensorAddQuant
				if add, err = fusion.NewTensorAddQuant(q.qc); err == nil {
					err = net.ReplaceAdder(node.ID, add)
				}
				counts["add"]++
			}
		}
		if err != nil {
			return nil, fmt.Errorf("quantize %s: %w", node.Name, err)
		}
		if repl == nil {
			continue
		}
		if s, ok := wq.(weightSeeder); ok && q.lsq {
			s.InitFromWeight(w)
		}
		if err := net.Replace(node.ID, repl); err != nil {
			return nil, err
		}
	}
	logger.FromContext(ctx).Info("applied quantization-aware training",
		"lsq", q.lsq,
		"conv_bn", counts["conv_bn"],
		"conv", counts["conv"],
		"dense", counts["dense"],
		"act", counts["act"],
		"add", counts["add"],
	)
	return net, nil
}

func soleBatchNorm(net *graph.Network, consumers []int) (int, *nn.BatchNorm2d) {
	if len(consumers) != 1 {
		return -1, nil
	}
	node := net.Node(consumers[0])
	if node.Kind != graph.KindBatchNorm {
		return -1, nil
	}
	bn, _ := node.Module.(*nn.BatchNorm2d)
	return node.ID, bn
}

type convConverter interface {
	Convert() (*fusion.DeployConv2d, error)
}

type denseConverter interface {
	Convert() (*fusion.DeployDense, error)
}

// Convert swaps every quantized layer for its deployable form and switches
// the network to inference. It only reads the frozen quantizer state.
func (q *QAT) Convert(ctx context.Context, net *graph.Network) error {
	net.SetTraining(false)
	converted := 0
	for _, node := range net.Nodes() {
		var (
			repl nn.Module
			err  error
		)
		switch m := node.Module.(type) {
		case convConverter:
			repl, err = m.Convert()
		case denseConverter:
			repl, err = m.Convert()
		default:
			continue
		}
		if err != nil {
			return fmt.Errorf("convert %s: %w", node.Name, err)
		}
		if err := net.Replace(node.ID, repl); err != nil {
			return err
		}
		converted++
	}
	logger.FromContext(ctx).Info("converted network", "layers", converted)
	return nil
}
