package fusion

import (
	"math"

	"github.com/samcharles93/squeeze/internal/nn"
	"github.com/samcharles93/squeeze/internal/quantizer"
	"github.com/samcharles93/squeeze/internal/tensor"
)

// SLBConv2d is a convolution whose weights are chosen from an SLB codebook.
// Coefficients has the weight shape with an extra trailing levels axis.
type SLBConv2d struct {
	Conv         nn.Conv2dConfig
	Coefficients *nn.Parameter
	Bias         *nn.Parameter
	WeightQuant  *quantizer.SLBWeight
	ActQuant     quantizer.FakeQuantizer
}

// SLBConv2dFromFloat seeds the coefficients so that hard selection picks
// the codebook level closest to each max-normalized float weight. actQuant
// may be nil.
func SLBConv2dFromFloat(conv *nn.Conv2d, numBits int, actQuant quantizer.FakeQuantizer) (*SLBConv2d, error) {
	wq, err := quantizer.NewSLBWeight(numBits)
	if err != nil {
		return nil, err
	}
	w := conv.Weight.Data
	cb := wq.Codebook()
	levels := len(cb)
	var peak float32
	for _, v := range w.Data {
		peak = max(peak, float32(math.Abs(float64(v))))
	}
	if peak == 0 {
		peak = 1
	}
	shape := append(append([]int(nil), w.Shape...), levels)
	a := tensor.New(shape...)
	for i, v := range w.Data {
		v /= peak
		for k, level := range cb {
			d := v - level
			a.Data[i*levels+k] = -d * d
		}
	}
	return &SLBConv2d{
		Conv:         conv.Config,
		Coefficients: nn.NewParameter(conv.Weight.Name+".slb", a),
		Bias:         conv.Bias,
		WeightQuant:  wq,
		ActQuant:     actQuant,
	}, nil
}

// Weight returns the effective weight for the current selection mode.
func (m *SLBConv2d) Weight() *tensor.Tensor {
	return m.WeightQuant.Forward(m.Coefficients.Data)
}

func (m *SLBConv2d) Forward(x *tensor.Tensor) *tensor.Tensor {
	y := nn.ConvForward(x, m.Weight(), m.Bias, m.Conv)
	if m.ActQuant != nil {
		y = m.ActQuant.Forward(y)
	}
	return y
}

func (m *SLBConv2d) SetTraining(training bool) {
	m.WeightQuant.SetTraining(training)
	if m.ActQuant != nil {
		m.ActQuant.SetTraining(training)
	}
}

func (m *SLBConv2d) Parameters() []*nn.Parameter {
	if m.Bias != nil {
		return []*nn.Parameter{m.Coefficients, m.Bias}
	}
	return []*nn.Parameter{m.Coefficients}
}

// Convert emits the selected level index of every weight as its code.
func (m *SLBConv2d) Convert() (*DeployConv2d, error) {
	a := m.Coefficients.Data
	shape := a.Shape[:a.Rank()-1]
	idx := tensor.ArgmaxLast(a)
	codes := make([]int32, len(idx))
	for i, k := range idx {
		codes[i] = int32(k)
	}
	p := m.WeightQuant.ExtractParams()
	outC := shape[0]
	scale := make([]float32, outC)
	zp := make([]float32, outC)
	for c := range scale {
		scale[c], zp[c] = p.At(c)
	}
	bias := make([]float32, outC)
	if m.Bias != nil {
		copy(bias, m.Bias.Data.Data)
	}
	return &DeployConv2d{
		Conv:        m.Conv,
		WeightShape: append([]int(nil), shape...),
		Codes:       codes,
		Scale:       scale,
		ZeroPoint:   zp,
		OutScale:    ones(outC),
		OutBias:     bias,
	}, nil
}
