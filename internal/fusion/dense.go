package fusion

import (
	"fmt"

	"github.com/samcharles93/squeeze/internal/nn"
	"github.com/samcharles93/squeeze/internal/quantizer"
	"github.com/samcharles93/squeeze/internal/tensor"
)

// DenseQuant is a dense layer with fake-quantized weights.
type DenseQuant struct {
	Weight      *nn.Parameter
	Bias        *nn.Parameter
	WeightQuant quantizer.FakeQuantizer
	training    bool
}

// DenseQuantFromFloat wraps the parameter handles of d.
func DenseQuantFromFloat(d *nn.Dense, qc QuantConfig) (*DenseQuant, error) {
	wq, err := qc.weight(d.OutChannels)
	if err != nil {
		return nil, err
	}
	return &DenseQuant{Weight: d.Weight, Bias: d.Bias, WeightQuant: wq}, nil
}

func (m *DenseQuant) Forward(x *tensor.Tensor) *tensor.Tensor {
	return nn.DenseForward(x, m.WeightQuant.Forward(m.Weight.Data), m.Bias)
}

func (m *DenseQuant) SetTraining(training bool) {
	m.training = training
	m.WeightQuant.SetTraining(training)
}

func (m *DenseQuant) Parameters() []*nn.Parameter {
	if m.Bias != nil {
		return []*nn.Parameter{m.Weight, m.Bias}
	}
	return []*nn.Parameter{m.Weight}
}

// Convert returns the deployable dense layer.
func (m *DenseQuant) Convert() (*DeployDense, error) {
	w := m.Weight.Data
	p := m.WeightQuant.ExtractParams()
	if p.Channels() != 1 && p.Channels() != w.Dim(0) {
		return nil, fmt.Errorf("convert: %d quantization channels for %d outputs", p.Channels(), w.Dim(0))
	}
	codes, scale, zp := encode(w, p)
	d := &DeployDense{WeightShape: append([]int(nil), w.Shape...), Codes: codes, Scale: scale, ZeroPoint: zp}
	if m.Bias != nil {
		d.Bias = append([]float32(nil), m.Bias.Data.Data...)
	}
	return d, nil
}
