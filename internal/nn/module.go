package nn

import "github.com/samcharles93/squeeze/internal/tensor"

// Module is a layer that can run forward and exposes its parameters.
type Module interface {
	Forward(x *tensor.Tensor) *tensor.Tensor
	SetTraining(training bool)
	Parameters() []*Parameter
}

// mode carries the training flag shared by every layer.
type mode struct{ training bool }

func (m *mode) SetTraining(training bool) { m.training = training }
func (m *mode) Training() bool            { return m.training }

// stateless is embedded by layers without parameters.
type stateless struct{ mode }

func (*stateless) Parameters() []*Parameter { return nil }

// ReLU is max(x, 0).
type ReLU struct{ stateless }

func (*ReLU) Forward(x *tensor.Tensor) *tensor.Tensor { return tensor.ReLU(x) }

// ReLU6 is min(max(x, 0), 6).
type ReLU6 struct{ stateless }

func (*ReLU6) Forward(x *tensor.Tensor) *tensor.Tensor { return tensor.ReLU6(x) }

// Identity returns its input unchanged.
type Identity struct{ stateless }

func (*Identity) Forward(x *tensor.Tensor) *tensor.Tensor { return x }

// Flatten reshapes (N, ...) to (N, prod(...)).
type Flatten struct{ stateless }

func (*Flatten) Forward(x *tensor.Tensor) *tensor.Tensor { return tensor.Flatten(x) }

// MaxPool2d is a valid max pool over square windows.
type MaxPool2d struct {
	stateless
	Kernel int
	Stride int
}

func NewMaxPool2d(kernel, stride int) *MaxPool2d {
	return &MaxPool2d{Kernel: kernel, Stride: stride}
}

func (m *MaxPool2d) Forward(x *tensor.Tensor) *tensor.Tensor {
	return tensor.MaxPool2D(x, m.Kernel, m.Stride)
}

// Activation reports whether m is one of the element-wise activations that
// quantization wrappers may fuse with.
func Activation(m Module) bool {
	switch m.(type) {
	case *ReLU, *ReLU6:
		return true
	}
	return false
}

// Adder merges two equally shaped branches. Residual joins use it so that
// quantized variants can observe the sum.
type Adder interface {
	Add(a, b *tensor.Tensor) *tensor.Tensor
	SetTraining(training bool)
}

// TensorAdd is the float element-wise sum.
type TensorAdd struct{ mode }

func (*TensorAdd) Add(a, b *tensor.Tensor) *tensor.Tensor { return tensor.Add(a, b) }
