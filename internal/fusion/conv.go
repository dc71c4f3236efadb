package fusion

import (
	"github.com/samcharles93/squeeze/internal/nn"
	"github.com/samcharles93/squeeze/internal/quantizer"
	"github.com/samcharles93/squeeze/internal/tensor"
)

// Conv2dBnWithoutFoldQuant is a convolution with fake-quantized weights
// followed by an unfolded batchnorm:
//
//	y = bn(conv(x, quant(w)) + b)
type Conv2dBnWithoutFoldQuant struct {
	Conv        nn.Conv2dConfig
	Weight      *nn.Parameter
	Bias        *nn.Parameter
	BN          *nn.BatchNorm2d
	WeightQuant quantizer.FakeQuantizer
	training    bool
}

// FromFloat builds the fused layer over the parameter handles of pair. The
// weight, bias, gamma, beta and moving statistics are shared, not copied.
func FromFloat(pair *nn.Conv2dBn, qc QuantConfig) (*Conv2dBnWithoutFoldQuant, error) {
	wq, err := qc.weight(pair.Conv.Config.OutChannels)
	if err != nil {
		return nil, err
	}
	src := pair.BN
	return &Conv2dBnWithoutFoldQuant{
		Conv:   pair.Conv.Config,
		Weight: pair.Conv.Weight,
		Bias:   pair.Conv.Bias,
		BN: &nn.BatchNorm2d{
			NumFeatures:    src.NumFeatures,
			Eps:            src.Eps,
			Momentum:       src.Momentum,
			Gamma:          src.Gamma,
			Beta:           src.Beta,
			MovingMean:     src.MovingMean,
			MovingVariance: src.MovingVariance,
		},
		WeightQuant: wq,
	}, nil
}

func (m *Conv2dBnWithoutFoldQuant) Forward(x *tensor.Tensor) *tensor.Tensor {
	w := m.WeightQuant.Forward(m.Weight.Data)
	return m.BN.Forward(nn.ConvForward(x, w, m.Bias, m.Conv))
}

func (m *Conv2dBnWithoutFoldQuant) SetTraining(training bool) {
	m.training = training
	m.WeightQuant.SetTraining(training)
	m.BN.SetTraining(training)
}

func (m *Conv2dBnWithoutFoldQuant) Parameters() []*nn.Parameter {
	ps := []*nn.Parameter{m.Weight}
	if m.Bias != nil {
		ps = append(ps, m.Bias)
	}
	return append(ps, m.BN.Parameters()...)
}

// Convert folds the batchnorm into a per-channel output affine and replaces
// the weight by integer codes.
func (m *Conv2dBnWithoutFoldQuant) Convert() (*DeployConv2d, error) {
	scale, shift := m.BN.Affine()
	bias := make([]float32, len(shift))
	for c := range shift {
		bias[c] = shift[c]
		if m.Bias != nil {
			bias[c] += scale[c] * m.Bias.Data.Data[c]
		}
	}
	return newDeployConv2d(m.Conv, m.Weight.Data, m.WeightQuant.ExtractParams(), scale, bias)
}

// Conv2dQuant is a convolution with fake-quantized weights and no
// batchnorm.
type Conv2dQuant struct {
	Conv        nn.Conv2dConfig
	Weight      *nn.Parameter
	Bias        *nn.Parameter
	WeightQuant quantizer.FakeQuantizer
	training    bool
}

// Conv2dQuantFromFloat wraps the parameter handles of conv.
func Conv2dQuantFromFloat(conv *nn.Conv2d, qc QuantConfig) (*Conv2dQuant, error) {
	wq, err := qc.weight(conv.Config.OutChannels)
	if err != nil {
		return nil, err
	}
	return &Conv2dQuant{Conv: conv.Config, Weight: conv.Weight, Bias: conv.Bias, WeightQuant: wq}, nil
}

func (m *Conv2dQuant) Forward(x *tensor.Tensor) *tensor.Tensor {
	return nn.ConvForward(x, m.WeightQuant.Forward(m.Weight.Data), m.Bias, m.Conv)
}

func (m *Conv2dQuant) SetTraining(training bool) {
	m.training = training
	m.WeightQuant.SetTraining(training)
}

func (m *Conv2dQuant) Parameters() []*nn.Parameter {
	if m.Bias != nil {
		return []*nn.Parameter{m.Weight, m.Bias}
	}
	return []*nn.Parameter{m.Weight}
}

// Convert returns the deployable convolution.
func (m *Conv2dQuant) Convert() (*DeployConv2d, error) {
	out := m.Conv.OutChannels
	bias := make([]float32, out)
	if m.Bias != nil {
		copy(bias, m.Bias.Data.Data)
	}
	return newDeployConv2d(m.Conv, m.Weight.Data, m.WeightQuant.ExtractParams(), ones(out), bias)
}

func ones(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 1
	}
	return out
}
