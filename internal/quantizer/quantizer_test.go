package quantizer

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/squeeze/internal/fakequant"
	"github.com/samcharles93/squeeze/internal/tensor"
)

func TestMinMaxInferenceIsFrozen(t *testing.T) {
	t.Parallel()
	q, err := NewMinMax(DefaultMinMaxConfig())
	require.NoError(t, err)
	require.False(t, q.Training())

	x := tensor.FromData([]int{4}, []float32{-20, 0.5, 1, 30})
	got := q.Forward(x)
	want, _, _ := fakequant.Quantize(x, InitMin, InitMax, fakequant.DefaultConfig())
	require.Equal(t, want.Data, got.Data)

	mins, maxs := q.Range()
	require.Equal(t, []float32{InitMin}, mins)
	require.Equal(t, []float32{InitMax}, maxs)
}

func TestMinMaxTrainingUpdatesBeforeQuantizing(t *testing.T) {
	t.Parallel()
	cfg := DefaultMinMaxConfig()
	cfg.EMA = false
	q, err := NewMinMax(cfg)
	require.NoError(t, err)
	q.SetTraining(true)

	x := tensor.FromData([]int{3}, []float32{0.5, 1, 2})
	y := q.Forward(x)
	mins, maxs := q.Range()
	require.Equal(t, []float32{0}, mins)
	require.Equal(t, []float32{2}, maxs)
	require.InDelta(t, 2, y.Data[2], 1e-6)
	require.Equal(t, 1, q.Step())

	q.SetTraining(false)
	q.Forward(tensor.Full(100, 3))
	mins2, maxs2 := q.Range()
	if diff := cmp.Diff(mins, mins2); diff != "" {
		t.Fatalf("inference forward mutated min (-want +got):\n%s", diff)
	}
	require.Equal(t, maxs, maxs2)
}

func TestExtractParamsIsIdempotent(t *testing.T) {
	t.Parallel()
	cfg := DefaultMinMaxConfig()
	cfg.PerChannel = true
	cfg.NumChannels = 2
	q, err := NewMinMax(cfg)
	require.NoError(t, err)
	require.NoError(t, q.SetRange([]float32{-1, -0.5}, []float32{3, 0.5}))

	first := q.ExtractParams()
	second := q.ExtractParams()
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("ExtractParams changed between calls (-first +second):\n%s", diff)
	}
	require.Equal(t, 2, first.Channels())
	n := fakequant.Nudge(-1, 3, cfg.Config)
	require.Equal(t, n.Scale, first.Scale[0])
	require.Equal(t, n.ZeroPoint, first.ZeroPoint[0])

	mins, _ := q.Range()
	require.Equal(t, []float32{-1, -0.5}, mins)
}

func TestMinMaxPerChannelNeedsChannels(t *testing.T) {
	t.Parallel()
	cfg := DefaultMinMaxConfig()
	cfg.PerChannel = true
	_, err := NewMinMax(cfg)
	require.ErrorIs(t, err, fakequant.ErrInvalidConfig)

	cfg = DefaultMinMaxConfig()
	cfg.EMADecay = 0
	_, err = NewMinMax(cfg)
	require.ErrorIs(t, err, fakequant.ErrInvalidConfig)
}

func TestMinMaxPerChannelForward(t *testing.T) {
	t.Parallel()
	cfg := DefaultMinMaxConfig()
	cfg.EMA = false
	cfg.PerChannel = true
	cfg.ChannelAxis = 1
	cfg.NumChannels = 2
	q, err := NewMinMax(cfg)
	require.NoError(t, err)
	q.SetTraining(true)

	x := tensor.FromData([]int{2, 2}, []float32{1, -4, 0.25, 8})
	y := q.Forward(x)
	mins, maxs := q.Range()
	require.Equal(t, []float32{0, -4}, mins)
	require.Equal(t, []float32{1, 8}, maxs)
	require.InDelta(t, 1, y.Data[0], 1e-6)
	require.InDelta(t, 8, y.Data[3], 1e-5)

	dx := q.Backward(tensor.Ones(2, 2), tensor.FromData([]int{2, 2}, []float32{2, 0, 0.5, 9}))
	require.Equal(t, []float32{0, 1, 1, 0}, dx.Data)
}

func TestSLBActivationDelay(t *testing.T) {
	t.Parallel()
	q, err := NewSLBActivation(SLBActivationConfig(8))
	require.NoError(t, err)
	require.Equal(t, SLBActivationDelay, q.Config().QuantDelay)
	q.SetTraining(true)

	x := tensor.FromData([]int{2}, []float32{0.123, 0.77})
	y := q.Forward(x)
	require.Equal(t, x.Data, y.Data)
}

func TestLSQForcesSymmetricNarrow(t *testing.T) {
	t.Parallel()
	cfg := fakequant.DefaultConfig()
	cfg.QuantDelay = 10
	q, err := NewLSQ(cfg, 0, 0)
	require.NoError(t, err)
	require.True(t, q.cfg.Symmetric)
	require.True(t, q.cfg.NarrowRange)
	require.Zero(t, q.cfg.QuantDelay)

	p := q.ExtractParams()
	require.Equal(t, float32(0), p.ZeroPoint[0])
	require.InDelta(t, 6.0/127.0, p.Scale[0], 1e-7)
}

func TestLSQForwardBackward(t *testing.T) {
	t.Parallel()
	q, err := NewLSQ(fakequant.DefaultConfig(), 0, 0)
	require.NoError(t, err)

	x := tensor.FromData([]int{3}, []float32{10, -10, 3})
	y := q.Forward(x)
	require.InDelta(t, 6, y.Data[0], 1e-6)
	require.InDelta(t, -6, y.Data[1], 1e-6)
	require.InDelta(t, 3, y.Data[2], 6.0/127)

	dx, dalpha := q.Backward(tensor.Ones(3), x)
	require.Equal(t, []float32{0, 0, 1}, dx.Data)
	xq := float32(math.Floor(0.5*127+0.5)) / 127
	want := (xq - 0.5) / float32(math.Sqrt(3*127))
	require.InDelta(t, want, dalpha[0], 1e-6)
}

func TestLSQNegTrunc(t *testing.T) {
	t.Parallel()
	q, err := NewLSQ(fakequant.DefaultConfig(), 0, 0)
	require.NoError(t, err)
	q.SetNegTrunc(true)
	x := tensor.FromData([]int{2}, []float32{-3, 3})
	y := q.Forward(x)
	require.Equal(t, float32(0), y.Data[0])
	dx, _ := q.Backward(tensor.Ones(2), x)
	require.Equal(t, []float32{0, 1}, dx.Data)
}

func TestLSQInitFromWeight(t *testing.T) {
	t.Parallel()
	q, err := NewLSQ(fakequant.DefaultConfig(), 0, 2)
	require.NoError(t, err)
	w := tensor.FromData([]int{2, 2}, []float32{1, -1, 0.001, -0.002})
	q.InitFromWeight(w)
	alpha := q.Alpha()
	require.InDelta(t, 1, alpha[0], 1e-6)
	require.InDelta(t, 0.002, alpha[1], 1e-6)

	require.ErrorIs(t, q.SetAlpha([]float32{1}), fakequant.ErrInvalidConfig)
	require.ErrorIs(t, q.SetAlpha([]float32{1, 0}), fakequant.ErrInvalidConfig)
}

func TestSLBCodebook(t *testing.T) {
	t.Parallel()
	require.Equal(t, []float32{-1, 1}, Codebook(1))
	cb := Codebook(2)
	require.Len(t, cb, 4)
	require.InDelta(t, -1.0/3, cb[1], 1e-6)
	require.InDelta(t, 1.0/3, cb[2], 1e-6)
	require.Equal(t, float32(1), cb[3])

	_, err := NewSLBWeight(0)
	require.True(t, errors.Is(err, fakequant.ErrUnsupportedBits))
}

func TestSLBSoftAssignment(t *testing.T) {
	t.Parallel()
	q, err := NewSLBWeight(1)
	require.NoError(t, err)
	q.SetTraining(true)
	require.NoError(t, q.SetTemperature(1))

	a := tensor.FromData([]int{1, 2}, []float32{0, 0})
	sel := q.Selection(a)
	require.Equal(t, []float32{0.5, 0.5}, sel.Data)
	out := q.Forward(a)
	require.Equal(t, []int{1}, out.Shape)
	require.Equal(t, float32(0), out.Data[0])
}

func TestSLBHardSelection(t *testing.T) {
	t.Parallel()
	q, err := NewSLBWeight(2)
	require.NoError(t, err)
	a := tensor.FromData([]int{2, 4}, []float32{
		0.1, 3, 0.2, 0.3,
		5, 1, 1, 5,
	})

	// inference: one-hot argmax, first index on ties
	out := q.Forward(a)
	require.InDelta(t, -1.0/3, out.Data[0], 1e-6)
	require.Equal(t, float32(-1), out.Data[1])

	q.SetTraining(true)
	soft := q.Forward(a)
	require.NotEqual(t, out.Data[0], soft.Data[0])

	q.SetTemperatureEnd()
	require.True(t, q.TemperatureEnded())
	require.Equal(t, out.Data, q.Forward(a).Data)
}

func TestSLBTemperatureSharpens(t *testing.T) {
	t.Parallel()
	q, err := NewSLBWeight(1)
	require.NoError(t, err)
	q.SetTraining(true)
	a := tensor.FromData([]int{1, 2}, []float32{0, 1})

	require.NoError(t, q.SetTemperature(1))
	lo := q.Forward(a).Data[0]
	require.NoError(t, q.SetTemperature(50))
	hi := q.Forward(a).Data[0]
	require.Greater(t, hi, lo)
	require.InDelta(t, 1, hi, 1e-6)

	require.ErrorIs(t, q.SetTemperature(0), ErrInvalidTemperature)
	require.Equal(t, float32(50), q.Temperature())
}

func TestSLBExtractParams(t *testing.T) {
	t.Parallel()
	q, err := NewSLBWeight(2)
	require.NoError(t, err)
	p := q.ExtractParams()
	cb := q.Codebook()
	for k, v := range cb {
		require.InDelta(t, v, (float32(k)-p.ZeroPoint[0])*p.Scale[0], 1e-6)
	}
}
