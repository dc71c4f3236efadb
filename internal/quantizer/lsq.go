package quantizer

import (
	"fmt"
	"math"

	"github.com/samcharles93/squeeze/internal/fakequant"
	"github.com/samcharles93/squeeze/internal/tensor"
)

// LSQ is a learned step size quantizer. The clipping bound alpha is a
// trainable value; the integer grid is always symmetric with narrow range.
type LSQ struct {
	cfg      fakequant.Config
	axis     int
	alpha    []float32
	qmax     float32
	negTrunc bool
	training bool
}

var _ FakeQuantizer = (*LSQ)(nil)

// NewLSQ returns a per-layer LSQ quantizer when channels is 0, otherwise one
// alpha per index of axis. Symmetric and narrow range are forced on and
// quant delay is forced to zero.
func NewLSQ(cfg fakequant.Config, axis, channels int) (*LSQ, error) {
	cfg.Symmetric = true
	cfg.NarrowRange = true
	cfg.QuantDelay = 0
	if err := cfg.Validate("LSQFakeQuant"); err != nil {
		return nil, err
	}
	n := max(channels, 1)
	_, qmax := fakequant.QuantRange(cfg)
	return &LSQ{cfg: cfg, axis: axis, alpha: filled(n, InitMax), qmax: qmax}, nil
}

// Alpha returns the clipping bounds.
func (q *LSQ) Alpha() []float32 { return append([]float32(nil), q.alpha...) }

// SetAlpha replaces the clipping bounds, typically after an optimizer step.
func (q *LSQ) SetAlpha(alpha []float32) error {
	if len(alpha) != len(q.alpha) {
		return fmt.Errorf("lsq: %d alpha values, want %d: %w", len(alpha), len(q.alpha), fakequant.ErrInvalidConfig)
	}
	for _, a := range alpha {
		if a <= 0 {
			return fmt.Errorf("lsq: alpha must be positive, got %v: %w", a, fakequant.ErrInvalidConfig)
		}
	}
	copy(q.alpha, alpha)
	return nil
}

// InitFromWeight seeds alpha from the weight statistics:
// 2*mean|w|*sqrt(qmax), capped at max|w|.
func (q *LSQ) InitFromWeight(w *tensor.Tensor) {
	sums := make([]float64, len(q.alpha))
	peaks := make([]float32, len(q.alpha))
	counts := make([]int, len(q.alpha))
	visit := func(c, idx int) {
		v := float32(math.Abs(float64(w.Data[idx])))
		sums[c] += float64(v)
		peaks[c] = max(peaks[c], v)
		counts[c]++
	}
	if len(q.alpha) == 1 {
		for i := range w.Data {
			visit(0, i)
		}
	} else {
		w.ForEachChannel(q.axis, visit)
	}
	for c := range q.alpha {
		if counts[c] == 0 {
			continue
		}
		mean := sums[c] / float64(counts[c])
		a := float32(2 * mean * math.Sqrt(float64(q.qmax)))
		if peaks[c] > 0 {
			a = min(a, peaks[c])
		}
		if a > 0 {
			q.alpha[c] = a
		}
	}
}

// SetNegTrunc clips negative inputs to zero, for use after ReLU-like
// activations.
func (q *LSQ) SetNegTrunc(on bool) { q.negTrunc = on }

func (q *LSQ) SetTraining(training bool) { q.training = training }
func (q *LSQ) Training() bool            { return q.training }

// UpdateState is a no-op: alpha is driven by its gradient, not by batch
// statistics.
func (q *LSQ) UpdateState(*tensor.Tensor) {}

func (q *LSQ) channelOf(x *tensor.Tensor) func(idx int) int {
	if len(q.alpha) == 1 {
		return func(int) int { return 0 }
	}
	_, n, inner := axisShape(x, q.axis)
	return func(idx int) int { return (idx / inner) % n }
}

func (q *LSQ) quant(v, alpha float32) (xq, xdiv float32) {
	xdiv = v / alpha
	c := min(max(xdiv, q.lower()), 1)
	xq = float32(math.Floor(float64(c*q.qmax)+0.5)) / q.qmax
	return xq, xdiv
}

func (q *LSQ) Forward(x *tensor.Tensor) *tensor.Tensor {
	out := tensor.New(x.Shape...)
	ch := q.channelOf(x)
	for i, v := range x.Data {
		a := q.alpha[ch(i)]
		xq, _ := q.quant(v, a)
		out.Data[i] = xq * a
	}
	return out
}

// Backward returns the input gradient (straight-through inside [-alpha,
// alpha]) and the LSQ gradient of alpha scaled by 1/sqrt(N*qmax).
func (q *LSQ) Backward(dout, x *tensor.Tensor) (dx *tensor.Tensor, dalpha []float32) {
	dx = tensor.New(x.Shape...)
	dalpha = make([]float32, len(q.alpha))
	counts := make([]int, len(q.alpha))
	ch := q.channelOf(x)
	for i, v := range x.Data {
		c := ch(i)
		counts[c]++
		xq, xdiv := q.quant(v, q.alpha[c])
		switch {
		case xdiv < q.lower():
			if !q.negTrunc {
				dalpha[c] -= dout.Data[i]
			}
		case xdiv > 1:
			dalpha[c] += dout.Data[i]
		default:
			dx.Data[i] = dout.Data[i]
			dalpha[c] += dout.Data[i] * (xq - xdiv)
		}
	}
	for c := range dalpha {
		if counts[c] > 0 {
			dalpha[c] *= float32(1 / math.Sqrt(float64(counts[c])*float64(q.qmax)))
		}
	}
	return dx, dalpha
}

// ExtractParams maps alpha onto the symmetric narrow grid.
func (q *LSQ) ExtractParams() Params {
	mins := make([]float32, len(q.alpha))
	for i, a := range q.alpha {
		mins[i] = -a
	}
	return paramsFromRange(mins, q.alpha, q.cfg)
}

func (q *LSQ) lower() float32 {
	if q.negTrunc {
		return 0
	}
	return -1
}

func axisShape(x *tensor.Tensor, axis int) (outer, n, inner int) {
	if axis < 0 {
		axis += x.Rank()
	}
	outer, inner = 1, 1
	for i := 0; i < axis; i++ {
		outer *= x.Shape[i]
	}
	for i := axis + 1; i < x.Rank(); i++ {
		inner *= x.Shape[i]
	}
	return outer, x.Shape[axis], inner
}
