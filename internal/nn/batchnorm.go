package nn

import (
	"fmt"
	"math"

	"github.com/samcharles93/squeeze/internal/tensor"
)

// BatchNorm defaults.
const (
	DefaultBNEps      float32 = 1e-5
	DefaultBNMomentum float32 = 0.9
)

// BatchNorm2d normalizes NCHW activations per channel. In training mode it
// uses batch statistics and folds them into the moving statistics as
// moving = momentum*moving + (1-momentum)*batch; in inference mode it uses
// the moving statistics.
type BatchNorm2d struct {
	NumFeatures    int
	Eps            float32
	Momentum       float32
	Gamma          *Parameter
	Beta           *Parameter
	MovingMean     *Parameter
	MovingVariance *Parameter
	mode
}

// NewBatchNorm2d creates a batchnorm with gamma=1, beta=0, mean=0, var=1.
func NewBatchNorm2d(name string, features int) (*BatchNorm2d, error) {
	if features <= 0 {
		return nil, fmt.Errorf("batchnorm2d: num_features must be positive, got %d", features)
	}
	return &BatchNorm2d{
		NumFeatures:    features,
		Eps:            DefaultBNEps,
		Momentum:       DefaultBNMomentum,
		Gamma:          NewParameter(name+".gamma", tensor.Ones(features)),
		Beta:           NewParameter(name+".beta", tensor.New(features)),
		MovingMean:     NewBuffer(name+".moving_mean", tensor.New(features)),
		MovingVariance: NewBuffer(name+".moving_variance", tensor.Ones(features)),
	}, nil
}

func (b *BatchNorm2d) Parameters() []*Parameter {
	return []*Parameter{b.Gamma, b.Beta, b.MovingMean, b.MovingVariance}
}

func (b *BatchNorm2d) Forward(x *tensor.Tensor) *tensor.Tensor {
	if x.Dim(1) != b.Gamma.Data.Numel() {
		panic(fmt.Sprintf("batchnorm2d: input has %d channels, layer has %d", x.Dim(1), b.Gamma.Data.Numel()))
	}
	if !b.training {
		return b.normalize(x, b.MovingMean.Data.Data, b.MovingVariance.Data.Data)
	}
	mean, variance, count := channelMoments(x)
	y := b.normalize(x, mean, variance)
	mm, mv := b.MovingMean.Data.Data, b.MovingVariance.Data.Data
	for c := range mean {
		unbiased := variance[c]
		if count > 1 {
			unbiased *= float32(count) / float32(count-1)
		}
		mm[c] = b.Momentum*mm[c] + (1-b.Momentum)*mean[c]
		mv[c] = b.Momentum*mv[c] + (1-b.Momentum)*unbiased
	}
	return y
}

// Affine returns the per-channel scale and shift equivalent to inference
// normalization: y = scale*x + shift.
func (b *BatchNorm2d) Affine() (scale, shift []float32) {
	n := b.Gamma.Data.Numel()
	scale = make([]float32, n)
	shift = make([]float32, n)
	g, be := b.Gamma.Data.Data, b.Beta.Data.Data
	m, v := b.MovingMean.Data.Data, b.MovingVariance.Data.Data
	for c := 0; c < n; c++ {
		scale[c] = g[c] / float32(math.Sqrt(float64(v[c]+b.Eps)))
		shift[c] = be[c] - m[c]*scale[c]
	}
	return scale, shift
}

func (b *BatchNorm2d) normalize(x *tensor.Tensor, mean, variance []float32) *tensor.Tensor {
	g, be := b.Gamma.Data.Data, b.Beta.Data.Data
	inv := make([]float32, len(mean))
	for c := range inv {
		inv[c] = 1 / float32(math.Sqrt(float64(variance[c]+b.Eps)))
	}
	out := x.Clone()
	out.ForEachChannel(1, func(c, idx int) {
		out.Data[idx] = g[c]*(out.Data[idx]-mean[c])*inv[c] + be[c]
	})
	return out
}

// channelMoments returns the per-channel mean and biased variance over the
// N, H and W axes.
func channelMoments(x *tensor.Tensor) (mean, variance []float32, count int) {
	c := x.Dim(1)
	count = x.Numel() / max(c, 1)
	sum := make([]float64, c)
	sq := make([]float64, c)
	x.ForEachChannel(1, func(ch, idx int) {
		v := float64(x.Data[idx])
		sum[ch] += v
		sq[ch] += v * v
	})
	mean = make([]float32, c)
	variance = make([]float32, c)
	for ch := range mean {
		m := sum[ch] / float64(count)
		mean[ch] = float32(m)
		variance[ch] = float32(max(sq[ch]/float64(count)-m*m, 0))
	}
	return mean, variance, count
}

// Conv2dBn is an unfused convolution followed by batchnorm. It is the float
// source for the conv+bn fusion templates.
type Conv2dBn struct {
	Conv *Conv2d
	BN   *BatchNorm2d
}

// NewConv2dBn creates the pair with names "<name>.conv" and "<name>.bn".
func NewConv2dBn(name string, cfg Conv2dConfig, seed int64) (*Conv2dBn, error) {
	conv, err := NewConv2d(name+".conv", cfg, seed)
	if err != nil {
		return nil, err
	}
	bn, err := NewBatchNorm2d(name+".bn", cfg.OutChannels)
	if err != nil {
		return nil, err
	}
	return &Conv2dBn{Conv: conv, BN: bn}, nil
}

func (p *Conv2dBn) Forward(x *tensor.Tensor) *tensor.Tensor {
	return p.BN.Forward(p.Conv.Forward(x))
}

func (p *Conv2dBn) SetTraining(training bool) {
	p.Conv.SetTraining(training)
	p.BN.SetTraining(training)
}

func (p *Conv2dBn) Parameters() []*Parameter {
	return append(p.Conv.Parameters(), p.BN.Parameters()...)
}
