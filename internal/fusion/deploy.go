package fusion

import (
	"fmt"

	"github.com/samcharles93/squeeze/internal/nn"
	"github.com/samcharles93/squeeze/internal/quantizer"
	"github.com/samcharles93/squeeze/internal/tensor"
)

// DeployConv2d is the export form of a quantized convolution: integer
// weight codes with per-output-channel scale and zero point, followed by a
// per-channel affine y = OutScale*conv + OutBias.
type DeployConv2d struct {
	Conv        nn.Conv2dConfig
	WeightShape []int
	Codes       []int32
	Scale       []float32
	ZeroPoint   []float32
	OutScale    []float32
	OutBias     []float32
}

func newDeployConv2d(cfg nn.Conv2dConfig, w *tensor.Tensor, p quantizer.Params, outScale, outBias []float32) (*DeployConv2d, error) {
	outC := w.Dim(0)
	if p.Channels() != 1 && p.Channels() != outC {
		return nil, fmt.Errorf("convert: %d quantization channels for %d output channels", p.Channels(), outC)
	}
	codes, scale, zp := encode(w, p)
	return &DeployConv2d{
		Conv:        cfg,
		WeightShape: append([]int(nil), w.Shape...),
		Codes:       codes,
		Scale:       scale,
		ZeroPoint:   zp,
		OutScale:    outScale,
		OutBias:     outBias,
	}, nil
}

// encode quantizes w along axis 0 with the extracted parameters and
// broadcasts per-layer parameters to every output channel.
func encode(w *tensor.Tensor, p quantizer.Params) (codes []int32, scale, zp []float32) {
	outC := w.Dim(0)
	codes = make([]int32, w.Numel())
	scale = make([]float32, outC)
	zp = make([]float32, outC)
	for c := 0; c < outC; c++ {
		scale[c], zp[c] = p.At(c)
	}
	w.ForEachChannel(0, func(c, idx int) {
		codes[idx] = p.Nudged(c).Code(w.Data[idx])
	})
	return codes, scale, zp
}

// Dequantize reconstructs the float weight from the codes.
func (d *DeployConv2d) Dequantize() *tensor.Tensor {
	return decode(d.WeightShape, d.Codes, d.Scale, d.ZeroPoint)
}

func decode(shape []int, codes []int32, scale, zp []float32) *tensor.Tensor {
	w := tensor.New(shape...)
	w.ForEachChannel(0, func(c, idx int) {
		w.Data[idx] = (float32(codes[idx]) - zp[c]) * scale[c]
	})
	return w
}

func (d *DeployConv2d) Forward(x *tensor.Tensor) *tensor.Tensor {
	y := tensor.Conv2D(x, d.Dequantize(), d.Conv.Options())
	y.ForEachChannel(1, func(c, idx int) {
		y.Data[idx] = d.OutScale[c]*y.Data[idx] + d.OutBias[c]
	})
	return y
}

func (d *DeployConv2d) SetTraining(bool)            {}
func (d *DeployConv2d) Parameters() []*nn.Parameter { return nil }

// DeployDense is the export form of a quantized dense layer.
type DeployDense struct {
	WeightShape []int
	Codes       []int32
	Scale       []float32
	ZeroPoint   []float32
	Bias        []float32
}

func (d *DeployDense) Forward(x *tensor.Tensor) *tensor.Tensor {
	w := decode(d.WeightShape, d.Codes, d.Scale, d.ZeroPoint)
	if x.Rank() != 2 {
		x = tensor.Flatten(x)
	}
	return tensor.Dense(x, w, d.Bias)
}

func (d *DeployDense) SetTraining(bool)            {}
func (d *DeployDense) Parameters() []*nn.Parameter { return nil }
