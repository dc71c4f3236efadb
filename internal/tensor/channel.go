package tensor

import "fmt"

// ChannelValues returns a copy of every element whose index along axis is c.
func (t *Tensor) ChannelValues(axis, c int) []float32 {
	outer, n, inner := t.axisLayout(axis)
	if c < 0 || c >= n {
		panic("tensor: channel index out of range")
	}
	out := make([]float32, 0, outer*inner)
	for o := 0; o < outer; o++ {
		base := o*n*inner + c*inner
		out = append(out, t.Data[base:base+inner]...)
	}
	return out
}

// ForEachChannel calls fn with the flat data index of every element along
// with its channel index on axis.
func (t *Tensor) ForEachChannel(axis int, fn func(c, idx int)) {
	outer, n, inner := t.axisLayout(axis)
	for o := 0; o < outer; o++ {
		for c := 0; c < n; c++ {
			base := o*n*inner + c*inner
			for i := 0; i < inner; i++ {
				fn(c, base+i)
			}
		}
	}
}

// ChannelMinMax returns the per-channel minimum and maximum along axis.
func (t *Tensor) ChannelMinMax(axis int) (mins, maxs []float32) {
	_, n, _ := t.axisLayout(axis)
	mins = make([]float32, n)
	maxs = make([]float32, n)
	seen := make([]bool, n)
	t.ForEachChannel(axis, func(c, idx int) {
		v := t.Data[idx]
		if !seen[c] {
			mins[c], maxs[c] = v, v
			seen[c] = true
			return
		}
		if v < mins[c] {
			mins[c] = v
		}
		if v > maxs[c] {
			maxs[c] = v
		}
	})
	return mins, maxs
}

// MinMax returns the global minimum and maximum of t. Empty tensors yield 0, 0.
func (t *Tensor) MinMax() (float32, float32) {
	if len(t.Data) == 0 {
		return 0, 0
	}
	lo, hi := t.Data[0], t.Data[0]
	for _, v := range t.Data[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// Gather returns a new tensor holding the slices of t selected by index along
// axis, in index order.
func Gather(t *Tensor, axis int, index []int) (*Tensor, error) {
	outer, n, inner := t.axisLayout(axis)
	for _, c := range index {
		if c < 0 || c >= n {
			return nil, fmt.Errorf("gather: index %d out of range [0,%d)", c, n)
		}
	}
	shape := append([]int(nil), t.Shape...)
	shape[t.normAxis(axis)] = len(index)
	out := New(shape...)
	k := len(index)
	for o := 0; o < outer; o++ {
		for j, c := range index {
			src := o*n*inner + c*inner
			dst := o*k*inner + j*inner
			copy(out.Data[dst:dst+inner], t.Data[src:src+inner])
		}
	}
	return out, nil
}

// ScatterZeros places the slices of t along axis at positions index of a
// zero tensor whose axis extent is size. It is the inverse of Gather for the
// surviving positions.
func ScatterZeros(t *Tensor, axis int, index []int, size int) (*Tensor, error) {
	outer, k, inner := t.axisLayout(axis)
	if len(index) != k {
		return nil, fmt.Errorf("scatter: %d indices for axis of length %d", len(index), k)
	}
	for _, c := range index {
		if c < 0 || c >= size {
			return nil, fmt.Errorf("scatter: index %d out of range [0,%d)", c, size)
		}
	}
	shape := append([]int(nil), t.Shape...)
	shape[t.normAxis(axis)] = size
	out := New(shape...)
	for o := 0; o < outer; o++ {
		for j, c := range index {
			src := o*k*inner + j*inner
			dst := o*size*inner + c*inner
			copy(out.Data[dst:dst+inner], t.Data[src:src+inner])
		}
	}
	return out, nil
}

// ZeroChannels sets every element of the listed channels along axis to zero
// in place.
func ZeroChannels(t *Tensor, axis int, index []int) error {
	outer, n, inner := t.axisLayout(axis)
	for _, c := range index {
		if c < 0 || c >= n {
			return fmt.Errorf("zero channels: index %d out of range [0,%d)", c, n)
		}
	}
	for o := 0; o < outer; o++ {
		for _, c := range index {
			base := o*n*inner + c*inner
			clear(t.Data[base : base+inner])
		}
	}
	return nil
}
