package tensor

import (
	"fmt"
	"math/rand"
	"slices"
)

// Tensor is a dense row-major N-dimensional array of float32 values.
//
// Shape lists the extent of every axis, outermost first. Data holds the
// flattened values and always has exactly Numel() elements. Convolution
// tensors use NCHW layout for activations and OIHW layout for weights.
//
// Tensor does not guard against misuse beyond slice bounds checks: shape
// mismatches between operands are programmer errors and panic.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zero-initialised tensor with the given shape.
func New(shape ...int) *Tensor {
	n := numel(shape)
	return &Tensor{
		Shape: slices.Clone(shape),
		Data:  make([]float32, n),
	}
}

// FromData wraps data in a tensor of the given shape. The slice is not copied.
func FromData(shape []int, data []float32) *Tensor {
	if numel(shape) != len(data) {
		panic(fmt.Sprintf("tensor: data length %d does not match shape %v", len(data), shape))
	}
	return &Tensor{Shape: slices.Clone(shape), Data: data}
}

// Full returns a tensor of the given shape with every element set to v.
func Full(v float32, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

// Ones returns a tensor of the given shape filled with ones.
func Ones(shape ...int) *Tensor {
	return Full(1, shape...)
}

// Scalar returns a one-element tensor holding v.
func Scalar(v float32) *Tensor {
	return FromData([]int{1}, []float32{v})
}

// FillNormal fills t with reproducible values drawn from N(0, std^2).
func FillNormal(t *Tensor, std float32, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64()) * std
	}
}

// Clone returns a deep copy of t.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}
}

// Numel returns the number of elements.
func (t *Tensor) Numel() int {
	return len(t.Data)
}

// Rank returns the number of axes.
func (t *Tensor) Rank() int {
	return len(t.Shape)
}

// Dim returns the extent of the given axis. Negative axes count from the end.
func (t *Tensor) Dim(axis int) int {
	return t.Shape[t.normAxis(axis)]
}

// Reshape returns a view of t with a new shape. The element count must match.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	if numel(shape) != len(t.Data) {
		panic(fmt.Sprintf("tensor: cannot reshape %v to %v", t.Shape, shape))
	}
	return &Tensor{Shape: slices.Clone(shape), Data: t.Data}
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	return slices.Equal(a.Shape, b.Shape)
}

func (t *Tensor) normAxis(axis int) int {
	if axis < 0 {
		axis += len(t.Shape)
	}
	if axis < 0 || axis >= len(t.Shape) {
		panic(fmt.Sprintf("tensor: axis %d out of range for shape %v", axis, t.Shape))
	}
	return axis
}

// axisLayout splits the shape around axis into (outer, n, inner) so that
// element (o, c, i) lives at o*n*inner + c*inner + i.
func (t *Tensor) axisLayout(axis int) (outer, n, inner int) {
	axis = t.normAxis(axis)
	outer, inner = 1, 1
	for i := 0; i < axis; i++ {
		outer *= t.Shape[i]
	}
	for i := axis + 1; i < len(t.Shape); i++ {
		inner *= t.Shape[i]
	}
	return outer, t.Shape[axis], inner
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic("tensor: negative dimension")
		}
		n *= d
	}
	return n
}
