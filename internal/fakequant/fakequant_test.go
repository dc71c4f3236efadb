package fakequant

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/squeeze/internal/device"
	"github.com/samcharles93/squeeze/internal/tensor"
)

func allConfigs() []Config {
	var out []Config
	for _, bits := range SupportedBits {
		for _, sym := range []bool{false, true} {
			for _, narrow := range []bool{false, true} {
				out = append(out, Config{NumBits: bits, Symmetric: sym, NarrowRange: narrow, Device: device.CPU})
			}
		}
	}
	return out
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate("FakeQuantPerLayer"))

	cfg.NumBits = 6
	require.ErrorIs(t, cfg.Validate("FakeQuantPerLayer"), ErrUnsupportedBits)

	cfg = DefaultConfig()
	cfg.QuantDelay = -1
	require.ErrorIs(t, cfg.Validate("FakeQuantPerLayer"), ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.Device = device.GPU
	_, err := NewPerLayer(cfg, true)
	require.ErrorIs(t, err, device.ErrUnsupportedDevice)
}

func TestQuantRange(t *testing.T) {
	t.Parallel()
	cases := []struct {
		cfg        Config
		qmin, qmax float32
	}{
		{Config{NumBits: 8}, 0, 255},
		{Config{NumBits: 8, NarrowRange: true}, 1, 255},
		{Config{NumBits: 8, Symmetric: true}, -128, 127},
		{Config{NumBits: 8, Symmetric: true, NarrowRange: true}, -127, 127},
		{Config{NumBits: 4}, 0, 15},
		{Config{NumBits: 7, Symmetric: true}, -64, 63},
	}
	for _, tc := range cases {
		qmin, qmax := QuantRange(tc.cfg)
		require.Equal(t, tc.qmin, qmin, "%+v", tc.cfg)
		require.Equal(t, tc.qmax, qmax, "%+v", tc.cfg)
	}
}

func TestNudgeMakesZeroRepresentable(t *testing.T) {
	t.Parallel()
	for _, cfg := range allConfigs() {
		n := Nudge(-0.37, 2.9, cfg)
		require.InDelta(t, 0, n.Apply(0), 1e-6, "%+v", cfg)
	}
}

func TestQuantizeKnownValues(t *testing.T) {
	t.Parallel()
	x := tensor.FromData([]int{2, 3}, []float32{1, 2, 1, -2, 0, -1})
	y, scale, zp := Quantize(tensor.Add(x, tensor.Ones(2, 3)), -6, 6, DefaultConfig())
	want := []float32{1.9764705, 3.011765, 1.9764705, -0.9882355, 0.9882355, 0}
	for i := range want {
		require.InDelta(t, want[i], y.Data[i], 1e-3)
	}
	require.InDelta(t, 12.0/255.0, scale, 1e-7)
	require.Equal(t, float32(128), zp)
}

func TestRoundTripOnGrid(t *testing.T) {
	t.Parallel()
	for _, cfg := range allConfigs() {
		t.Run(fmt.Sprintf("b%d_s%v_n%v", cfg.NumBits, cfg.Symmetric, cfg.NarrowRange), func(t *testing.T) {
			t.Parallel()
			n := Nudge(-1.5, 3.25, cfg)
			steps := int(n.QMax - n.QMin)
			for k := 0; k <= steps; k++ {
				v := n.Min + float32(k)*n.Scale
				got := n.Apply(v)
				require.InDelta(t, v, got, float64(n.Scale)*1e-3)
				require.InDelta(t, got, n.Apply(got), 1e-6)
			}
		})
	}
}

func TestOutputWithinNudgedRange(t *testing.T) {
	t.Parallel()
	x := tensor.New(1, 257)
	for i := range x.Data {
		x.Data[i] = float32(i-128) * 0.11
	}
	for _, cfg := range allConfigs() {
		n := Nudge(-4, 7, cfg)
		y, _, _ := Quantize(x, -4, 7, cfg)
		for _, v := range y.Data {
			require.GreaterOrEqual(t, v, n.Min-1e-5)
			require.LessOrEqual(t, v, n.Max+1e-5)
		}
	}
}

func TestDegenerateRange(t *testing.T) {
	t.Parallel()
	n := Nudge(0, 0, DefaultConfig())
	require.Equal(t, MinScale, n.Scale)
	require.False(t, math.IsNaN(float64(n.Apply(3))))
}

func TestCodeMatchesDequantized(t *testing.T) {
	t.Parallel()
	for _, cfg := range allConfigs() {
		n := Nudge(-2, 5, cfg)
		for _, v := range []float32{-3, -1.1, 0, 0.4, 2.2, 9} {
			code := n.Code(v)
			require.GreaterOrEqual(t, float32(code), n.QMin)
			require.LessOrEqual(t, float32(code), n.QMax)
			require.InDelta(t, n.Apply(v), (float32(code)-n.ZeroPoint)*n.Scale, 1e-5)
		}
	}
}

func TestPerLayerQuantDelay(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.QuantDelay = 2
	op, err := NewPerLayer(cfg, true)
	require.NoError(t, err)

	x := tensor.FromData([]int{2}, []float32{1, 0.3})
	for step := 0; step < 2; step++ {
		y := op.Forward(x, -6, 6)
		require.Equal(t, x.Data, y.Data, "step %d should be identity", step)
		dx, _, _ := op.Backward(tensor.Full(2, 2), tensor.Full(100, 2), -6, 6)
		require.Equal(t, []float32{2, 2}, dx.Data)
	}
	y := op.Forward(x, -6, 6)
	require.InDelta(t, 0.9882355, y.Data[0], 1e-5)
	require.Equal(t, 3, op.Step())
}

func TestPerLayerStraightThrough(t *testing.T) {
	t.Parallel()
	op, err := NewPerLayer(DefaultConfig(), false)
	require.NoError(t, err)
	x := tensor.FromData([]int{4}, []float32{-7, -1, 2, 6.5})
	_ = op.Forward(x, -6, 6)
	dx, dmin, dmax := op.Backward(tensor.Ones(4), x, -6, 6)
	require.Equal(t, []float32{0, 1, 1, 0}, dx.Data)
	require.Zero(t, dmin)
	require.Zero(t, dmax)
}

func TestPerChannel(t *testing.T) {
	t.Parallel()
	op, err := NewPerChannel(DefaultConfig(), 0, false)
	require.NoError(t, err)
	x := tensor.FromData([]int{2, 2}, []float32{0.5, 3, 0.5, 3})
	mins := []float32{0, 0}
	maxs := []float32{1, 2}
	y := op.Forward(x, mins, maxs)
	require.InDelta(t, 0.5, y.Data[0], 1.0/255)
	require.InDelta(t, 1, y.Data[1], 1e-6)
	require.InDelta(t, 0.5, y.Data[2], 2.0/255)
	require.InDelta(t, 2, y.Data[3], 1e-6)

	dx, dmin, dmax := op.Backward(tensor.Ones(2, 2), x, mins, maxs)
	require.Equal(t, []float32{1, 0, 1, 0}, dx.Data)
	require.Equal(t, []float32{0, 0}, dmin)
	require.Equal(t, []float32{0, 0}, dmax)
}

func TestMinMaxUpdateConfigErrors(t *testing.T) {
	t.Parallel()
	_, err := NewMinMaxUpdate(true, 0, device.CPU, false)
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewMinMaxUpdate(false, 1.5, device.CPU, true)
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewMinMaxUpdate(false, 0.999, device.Ascend, true)
	require.True(t, errors.Is(err, device.ErrUnsupportedDevice))
}

func TestMinMaxUpdateReplaceIncludesZero(t *testing.T) {
	t.Parallel()
	u, err := NewMinMaxUpdate(false, 0.999, device.CPU, false)
	require.NoError(t, err)
	lo, hi := u.PerLayer(tensor.Ones(3), -6, 6)
	require.Equal(t, float32(0), lo)
	require.Equal(t, float32(1), hi)
}

func TestMinMaxUpdateEMAConverges(t *testing.T) {
	t.Parallel()
	u, err := NewMinMaxUpdate(true, 0.9, device.CPU, false)
	require.NoError(t, err)
	x := tensor.FromData([]int{3}, []float32{-0.5, 0.2, 2})
	lo, hi := float32(-6), float32(6)
	prevGap := float32(math.Inf(1))
	for range 300 {
		lo, hi = u.PerLayer(x, lo, hi)
		gap := (hi - 2) + (-0.5 - lo)
		require.LessOrEqual(t, gap, prevGap+1e-6)
		prevGap = gap
	}
	require.InDelta(t, -0.5, lo, 1e-4)
	require.InDelta(t, 2, hi, 1e-4)
}

func TestMinMaxUpdatePerChannel(t *testing.T) {
	t.Parallel()
	u, err := NewMinMaxUpdate(false, 0.999, device.CPU, true)
	require.NoError(t, err)
	x := tensor.FromData([]int{2, 2}, []float32{-1, 3, 2, 4})
	lo, hi := u.PerChannel(x, 1, []float32{-6, -6}, []float32{6, 6})
	require.Equal(t, []float32{-1, 0}, lo)
	require.Equal(t, []float32{2, 4}, hi)
}
