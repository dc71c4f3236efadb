package tensor

import (
	"math"
)

// Softmax applies the softmax function to x in place.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// SoftmaxLast returns softmax of t over its last axis.
func SoftmaxLast(t *Tensor) *Tensor {
	out := t.Clone()
	n := t.Dim(-1)
	for i := 0; i < len(out.Data); i += n {
		Softmax(out.Data[i : i+n])
	}
	return out
}

// ArgmaxLast returns the index of the largest value over the last axis. The
// result has the shape of t without its last axis. On ties the first index
// wins.
func ArgmaxLast(t *Tensor) []int {
	n := t.Dim(-1)
	out := make([]int, 0, len(t.Data)/max(n, 1))
	for i := 0; i < len(t.Data); i += n {
		row := t.Data[i : i+n]
		best := 0
		for j := 1; j < n; j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		out = append(out, best)
	}
	return out
}

// OneHot expands indices into a tensor of shape (shape..., depth) holding on
// at the selected position and off elsewhere.
func OneHot(indices []int, shape []int, depth int, on, off float32) *Tensor {
	full := append(append([]int(nil), shape...), depth)
	out := Full(off, full...)
	for i, idx := range indices {
		out.Data[i*depth+idx] = on
	}
	return out
}

// SumLast reduces t over its last axis.
func SumLast(t *Tensor) *Tensor {
	n := t.Dim(-1)
	out := New(t.Shape[:len(t.Shape)-1]...)
	for i := range out.Data {
		var sum float32
		for _, v := range t.Data[i*n : (i+1)*n] {
			sum += v
		}
		out.Data[i] = sum
	}
	return out
}

// MulLastBroadcast multiplies every last-axis row of t element-wise by row.
func MulLastBroadcast(t *Tensor, row []float32) *Tensor {
	n := t.Dim(-1)
	if len(row) != n {
		panic("tensor: broadcast row length mismatch")
	}
	out := t.Clone()
	for i := range out.Data {
		out.Data[i] *= row[i%n]
	}
	return out
}

// Add returns a + b element-wise.
func Add(a, b *Tensor) *Tensor {
	if !SameShape(a, b) {
		panic("tensor: add shape mismatch")
	}
	out := a.Clone()
	for i := range out.Data {
		out.Data[i] += b.Data[i]
	}
	return out
}

// Scale returns t multiplied by s.
func Scale(t *Tensor, s float32) *Tensor {
	out := t.Clone()
	for i := range out.Data {
		out.Data[i] *= s
	}
	return out
}

// ReLU returns max(t, 0).
func ReLU(t *Tensor) *Tensor {
	out := t.Clone()
	for i, v := range out.Data {
		if v < 0 {
			out.Data[i] = 0
		}
	}
	return out
}

// ReLU6 returns min(max(t, 0), 6).
func ReLU6(t *Tensor) *Tensor {
	out := t.Clone()
	for i, v := range out.Data {
		out.Data[i] = min(max(v, 0), 6)
	}
	return out
}

// Dense computes x @ w^T + b for x of shape (N, in) and w of shape (out, in).
// b may be nil.
func Dense(x, w *Tensor, b []float32) *Tensor {
	n, in := x.Shape[0], x.Shape[1]
	outC := w.Shape[0]
	if w.Shape[1] != in {
		panic("tensor: dense input width mismatch")
	}
	out := New(n, outC)
	parallelRows(n*outC, in, func(rs, re int) {
		for r := rs; r < re; r++ {
			i, o := r/outC, r%outC
			sum := Dot(x.Data[i*in:(i+1)*in], w.Data[o*in:(o+1)*in])
			if b != nil {
				sum += b[o]
			}
			out.Data[r] = sum
		}
	})
	return out
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Flatten reshapes (N, ...) to (N, prod(...)).
func Flatten(t *Tensor) *Tensor {
	n := t.Shape[0]
	return t.Reshape(n, len(t.Data)/max(n, 1))
}
