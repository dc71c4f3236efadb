package fakequant

import (
	"fmt"

	"github.com/samcharles93/squeeze/internal/device"
	"github.com/samcharles93/squeeze/internal/tensor"
)

// MinMaxUpdate maintains an observed range from batch statistics, either as
// an exponential moving average or by replacing it with the latest batch.
// The updated range always contains zero.
type MinMaxUpdate struct {
	EMA      bool
	EMADecay float32
}

// NewMinMaxUpdate validates the ema/decay pairing and the device.
func NewMinMaxUpdate(ema bool, decay float32, target string, perChannel bool) (MinMaxUpdate, error) {
	op := "MinMaxUpdatePerLayer"
	if perChannel {
		op = "MinMaxUpdatePerChannel"
	}
	if ema && decay == 0 {
		return MinMaxUpdate{}, fmt.Errorf("%s: ema and ema_decay must be set together: %w", op, ErrInvalidConfig)
	}
	if decay < 0 || decay > 1 {
		return MinMaxUpdate{}, fmt.Errorf("%s: ema_decay %v outside [0, 1]: %w", op, decay, ErrInvalidConfig)
	}
	if err := device.CheckKernel(op, target); err != nil {
		return MinMaxUpdate{}, err
	}
	return MinMaxUpdate{EMA: ema, EMADecay: decay}, nil
}

func (u MinMaxUpdate) blend(prev, batch float32) float32 {
	if !u.EMA {
		return batch
	}
	return u.EMADecay*prev + (1-u.EMADecay)*batch
}

// PerLayer returns the updated range given the current batch x.
func (u MinMaxUpdate) PerLayer(x *tensor.Tensor, curMin, curMax float32) (float32, float32) {
	bmin, bmax := x.MinMax()
	lo := min(u.blend(curMin, bmin), 0)
	hi := max(u.blend(curMax, bmax), 0)
	return lo, hi
}

// PerChannel returns updated per-channel ranges along axis.
func (u MinMaxUpdate) PerChannel(x *tensor.Tensor, axis int, curMin, curMax []float32) ([]float32, []float32) {
	bmin, bmax := x.ChannelMinMax(axis)
	if len(bmin) != len(curMin) || len(bmax) != len(curMax) {
		panic(fmt.Sprintf("fakequant: %d channels in batch, %d in state", len(bmin), len(curMin)))
	}
	lo := make([]float32, len(bmin))
	hi := make([]float32, len(bmax))
	for c := range bmin {
		lo[c] = min(u.blend(curMin[c], bmin[c]), 0)
		hi[c] = max(u.blend(curMax[c], bmax[c]), 0)
	}
	return lo, hi
}
