package fusion

import (
	"fmt"

	"github.com/samcharles93/squeeze/internal/nn"
	"github.com/samcharles93/squeeze/internal/quantizer"
	"github.com/samcharles93/squeeze/internal/tensor"
)

// ActQuant quantizes the output of an activation and, optionally, its
// input as well.
type ActQuant struct {
	Act    nn.Module
	Before quantizer.FakeQuantizer
	Output quantizer.FakeQuantizer
}

type negTruncator interface{ SetNegTrunc(bool) }

// NewActQuant wraps act. A learned step size output quantizer after ReLU or
// ReLU6 clips negatives to zero.
func NewActQuant(act nn.Module, qc QuantConfig, fakeBefore bool) (*ActQuant, error) {
	if act == nil {
		return nil, fmt.Errorf("act quant: nil activation")
	}
	out, err := qc.activation()
	if err != nil {
		return nil, err
	}
	if nt, ok := out.(negTruncator); ok && nn.Activation(act) {
		nt.SetNegTrunc(true)
	}
	a := &ActQuant{Act: act, Output: out}
	if fakeBefore {
		if a.Before, err = qc.activation(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *ActQuant) Forward(x *tensor.Tensor) *tensor.Tensor {
	if a.Before != nil {
		x = a.Before.Forward(x)
	}
	return a.Output.Forward(a.Act.Forward(x))
}

func (a *ActQuant) SetTraining(training bool) {
	a.Act.SetTraining(training)
	a.Output.SetTraining(training)
	if a.Before != nil {
		a.Before.SetTraining(training)
	}
}

func (a *ActQuant) Parameters() []*nn.Parameter { return a.Act.Parameters() }

// Origin returns the wrapped float activation.
func (a *ActQuant) Origin() nn.Module { return a.Act }

// TensorAddQuant adds two branches and fake-quantizes the sum.
type TensorAddQuant struct {
	Output quantizer.FakeQuantizer
}

var _ nn.Adder = (*TensorAddQuant)(nil)

// NewTensorAddQuant attaches an activation quantizer to the sum.
func NewTensorAddQuant(qc QuantConfig) (*TensorAddQuant, error) {
	out, err := qc.activation()
	if err != nil {
		return nil, err
	}
	return &TensorAddQuant{Output: out}, nil
}

func (m *TensorAddQuant) Add(a, b *tensor.Tensor) *tensor.Tensor {
	return m.Output.Forward(tensor.Add(a, b))
}

func (m *TensorAddQuant) SetTraining(training bool) { m.Output.SetTraining(training) }
