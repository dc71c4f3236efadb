// Package fakequant implements the numeric core of simulated quantization:
// nudged quantize/dequantize, its straight-through gradient and the min/max
// range update rules that drive it.
package fakequant

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/samcharles93/squeeze/internal/device"
	"github.com/samcharles93/squeeze/internal/tensor"
)

// SupportedBits lists the accepted quantization widths.
var SupportedBits = []int{4, 7, 8}

// MinScale replaces the quantization step when min == max.
const MinScale float32 = 1e-8

var (
	ErrUnsupportedBits = errors.New("unsupported num_bits")
	ErrInvalidConfig   = errors.New("invalid fake quant config")
)

// Config holds the attributes shared by every fake quant op.
type Config struct {
	NumBits     int
	Symmetric   bool
	NarrowRange bool
	// QuantDelay is the number of training steps during which the op is the
	// identity.
	QuantDelay int
	Device     string
}

// DefaultConfig is 8-bit asymmetric full range without delay.
func DefaultConfig() Config {
	return Config{NumBits: 8, Device: device.CPU}
}

// Validate checks cfg for op and fails on configuration errors.
func (c Config) Validate(op string) error {
	if !slices.Contains(SupportedBits, c.NumBits) {
		return fmt.Errorf("%s: num_bits %d not in %v: %w", op, c.NumBits, SupportedBits, ErrUnsupportedBits)
	}
	if c.QuantDelay < 0 {
		return fmt.Errorf("%s: quant_delay must be >= 0, got %d: %w", op, c.QuantDelay, ErrInvalidConfig)
	}
	return device.CheckKernel(op, c.Device)
}

// QuantRange returns the integer code range for cfg.
func QuantRange(cfg Config) (qmin, qmax float32) {
	if cfg.Symmetric {
		qmin = -float32(int64(1) << (cfg.NumBits - 1))
		qmax = float32(int64(1)<<(cfg.NumBits-1)) - 1
	} else {
		qmin = 0
		qmax = float32(int64(1)<<cfg.NumBits) - 1
	}
	if cfg.NarrowRange {
		qmin++
	}
	return qmin, qmax
}

// Nudged is a float range adjusted so that zero lands exactly on the grid.
type Nudged struct {
	Min, Max  float32
	Scale     float32
	ZeroPoint float32
	QMin      float32
	QMax      float32
}

// Nudge derives the representable range, step and zero point for [min, max].
func Nudge(min, max float32, cfg Config) Nudged {
	qmin, qmax := QuantRange(cfg)
	if cfg.Symmetric {
		m := float32(math.Max(math.Abs(float64(min)), math.Abs(float64(max))))
		min, max = -m, m
	}
	scale := (max - min) / (qmax - qmin)
	if scale < MinScale {
		scale = MinScale
	}
	zpFromMin := qmin - min/scale
	var zp float32
	switch {
	case zpFromMin < qmin:
		zp = qmin
	case zpFromMin > qmax:
		zp = qmax
	default:
		zp = float32(math.Round(float64(zpFromMin)))
	}
	return Nudged{
		Min:       (qmin - zp) * scale,
		Max:       (qmax - zp) * scale,
		Scale:     scale,
		ZeroPoint: zp,
		QMin:      qmin,
		QMax:      qmax,
	}
}

// Apply fake-quantizes a single value.
func (n Nudged) Apply(v float32) float32 {
	c := min(max(v, n.Min), n.Max)
	q := float32(math.Floor(float64((c-n.Min)/n.Scale) + 0.5))
	return q*n.Scale + n.Min
}

// Code returns the integer code for v such that (code-ZeroPoint)*Scale
// equals Apply(v).
func (n Nudged) Code(v float32) int32 {
	c := min(max(v, n.Min), n.Max)
	q := math.Floor(float64((c-n.Min)/n.Scale) + 0.5)
	return int32(q + float64(n.QMin))
}

// Contains reports whether v lies inside the nudged range. It defines where
// the straight-through gradient passes.
func (n Nudged) Contains(v float32) bool {
	return v >= n.Min && v <= n.Max
}

// Quantize fake-quantizes x with a per-layer range and returns the result
// together with the step and zero point that were used.
func Quantize(x *tensor.Tensor, min, max float32, cfg Config) (*tensor.Tensor, float32, float32) {
	n := Nudge(min, max, cfg)
	out := x.Clone()
	for i, v := range out.Data {
		out.Data[i] = n.Apply(v)
	}
	return out, n.Scale, n.ZeroPoint
}

// QuantizePerChannel fake-quantizes x with one range per index of axis.
func QuantizePerChannel(x *tensor.Tensor, axis int, mins, maxs []float32, cfg Config) (*tensor.Tensor, []float32, []float32) {
	nudged := nudgeAll(mins, maxs, cfg)
	if len(nudged) != x.Dim(axis) {
		panic(fmt.Sprintf("fakequant: %d channel ranges for axis of length %d", len(nudged), x.Dim(axis)))
	}
	out := x.Clone()
	out.ForEachChannel(axis, func(c, idx int) {
		out.Data[idx] = nudged[c].Apply(out.Data[idx])
	})
	scales := make([]float32, len(nudged))
	zps := make([]float32, len(nudged))
	for i, n := range nudged {
		scales[i], zps[i] = n.Scale, n.ZeroPoint
	}
	return out, scales, zps
}

func nudgeAll(mins, maxs []float32, cfg Config) []Nudged {
	if len(mins) != len(maxs) {
		panic("fakequant: min/max length mismatch")
	}
	out := make([]Nudged, len(mins))
	for i := range mins {
		out[i] = Nudge(mins[i], maxs[i], cfg)
	}
	return out
}
