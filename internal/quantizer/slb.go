package quantizer

import (
	"fmt"

	"github.com/samcharles93/squeeze/internal/fakequant"
	"github.com/samcharles93/squeeze/internal/tensor"
)

// MaxSLBBits bounds the codebook size of an SLB weight quantizer.
const MaxSLBBits = 8

// SLBWeight selects, for every weight, one of a fixed set of levels. The
// cell input is the coefficient tensor A of shape (..., levels). While
// training and before the temperature schedule ends, selection is the soft
// assignment softmax(A*T); afterwards it is a one-hot of argmax(A).
type SLBWeight struct {
	numBits     int
	codebook    []float32
	temperature float32
	ended       bool
	training    bool
}

var _ FakeQuantizer = (*SLBWeight)(nil)

// NewSLBWeight builds the codebook for numBits: {-1, 1} for one bit and
// 2^bits evenly spaced levels on [-1, 1] otherwise. Temperature starts at 1.
func NewSLBWeight(numBits int) (*SLBWeight, error) {
	if numBits < 1 || numBits > MaxSLBBits {
		return nil, fmt.Errorf("slb: num_bits %d outside [1,%d]: %w", numBits, MaxSLBBits, fakequant.ErrUnsupportedBits)
	}
	return &SLBWeight{numBits: numBits, codebook: Codebook(numBits), temperature: 1}, nil
}

// Codebook returns the SLB level values for numBits.
func Codebook(numBits int) []float32 {
	if numBits == 1 {
		return []float32{-1, 1}
	}
	levels := 1 << numBits
	out := make([]float32, levels)
	step := 2 / float64(levels-1)
	for i := range out {
		out[i] = float32(-1 + float64(i)*step)
	}
	out[levels-1] = 1
	return out
}

// Levels returns the codebook size, i.e. the required last axis of A.
func (q *SLBWeight) Levels() int { return len(q.codebook) }

// Codebook returns a copy of the level values.
func (q *SLBWeight) Codebook() []float32 { return append([]float32(nil), q.codebook...) }

func (q *SLBWeight) NumBits() int { return q.numBits }

// SetTemperature sets the softmax sharpening factor.
func (q *SLBWeight) SetTemperature(t float32) error {
	if t <= 0 {
		return fmt.Errorf("slb: %w, got %v", ErrInvalidTemperature, t)
	}
	q.temperature = t
	return nil
}

func (q *SLBWeight) Temperature() float32 { return q.temperature }

// SetTemperatureEnd switches selection to the hard one-hot form for the
// remainder of training.
func (q *SLBWeight) SetTemperatureEnd() { q.ended = true }

func (q *SLBWeight) TemperatureEnded() bool { return q.ended }

func (q *SLBWeight) SetTraining(training bool) { q.training = training }
func (q *SLBWeight) Training() bool            { return q.training }

// UpdateState is a no-op: the temperature is driven by the scheduler.
func (q *SLBWeight) UpdateState(*tensor.Tensor) {}

// Selection returns the per-level assignment weights for coefficients a.
func (q *SLBWeight) Selection(a *tensor.Tensor) *tensor.Tensor {
	if a.Dim(-1) != len(q.codebook) {
		panic(fmt.Sprintf("slb: coefficient last axis %d, codebook has %d levels", a.Dim(-1), len(q.codebook)))
	}
	if q.training && !q.ended {
		return tensor.SoftmaxLast(tensor.Scale(a, q.temperature))
	}
	outer := a.Shape[:a.Rank()-1]
	return tensor.OneHot(tensor.ArgmaxLast(a), outer, len(q.codebook), 1, 0)
}

// Forward returns the codebook-weighted sum over the last axis of a.
func (q *SLBWeight) Forward(a *tensor.Tensor) *tensor.Tensor {
	return tensor.SumLast(tensor.MulLastBroadcast(q.Selection(a), q.codebook))
}

// ExtractParams describes the codebook as a uniform grid on [-1, 1].
func (q *SLBWeight) ExtractParams() Params {
	steps := float32(len(q.codebook) - 1)
	return Params{
		Min:       []float32{-1},
		Max:       []float32{1},
		Scale:     []float32{2 / steps},
		ZeroPoint: []float32{steps / 2},
	}
}
