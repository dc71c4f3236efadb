package nn

import (
	"fmt"

	"github.com/samcharles93/squeeze/internal/tensor"
)

// Conv2dConfig describes a 2D convolution. Zero values pick the defaults:
// stride 1, dilation 1, one group, valid padding, normal weight init.
type Conv2dConfig struct {
	InChannels  int
	OutChannels int
	KernelSize  [2]int
	Stride      [2]int
	Dilation    [2]int
	Padding     [4]int
	PadMode     string
	Groups      int
	HasBias     bool
	WeightInit  string
	BiasInit    string
}

// Options returns the tensor-level convolution geometry.
func (c Conv2dConfig) Options() tensor.Conv2DOptions {
	return tensor.Conv2DOptions{
		Stride:   c.Stride,
		Dilation: c.Dilation,
		Padding:  c.Padding,
		PadMode:  c.PadMode,
		Groups:   c.Groups,
	}
}

// GroupCount returns the number of groups, treating zero as one.
func (c Conv2dConfig) GroupCount() int { return max(c.Groups, 1) }

func (c Conv2dConfig) validate() error {
	if c.InChannels <= 0 || c.OutChannels <= 0 {
		return fmt.Errorf("conv2d: channels must be positive, got in=%d out=%d", c.InChannels, c.OutChannels)
	}
	if c.KernelSize[0] <= 0 || c.KernelSize[1] <= 0 {
		return fmt.Errorf("conv2d: kernel size must be positive, got %v", c.KernelSize)
	}
	g := c.GroupCount()
	if c.InChannels%g != 0 || c.OutChannels%g != 0 {
		return fmt.Errorf("conv2d: channels (%d, %d) not divisible by %d groups", c.InChannels, c.OutChannels, g)
	}
	if c.PadMode != "" {
		return tensor.ValidatePadMode(c.PadMode)
	}
	return nil
}

// Conv2d is a float convolution with optional bias.
type Conv2d struct {
	Config Conv2dConfig
	Weight *Parameter
	Bias   *Parameter
	mode
}

// NewConv2d creates a convolution whose parameters are named
// "<name>.weight" and "<name>.bias".
func NewConv2d(name string, cfg Conv2dConfig, seed int64) (*Conv2d, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.WeightInit == "" {
		cfg.WeightInit = InitNormal
	}
	cPerG := cfg.InChannels / cfg.GroupCount()
	fanIn := cPerG * cfg.KernelSize[0] * cfg.KernelSize[1]
	w, err := Init(cfg.WeightInit, fanIn, seed, cfg.OutChannels, cPerG, cfg.KernelSize[0], cfg.KernelSize[1])
	if err != nil {
		return nil, err
	}
	c := &Conv2d{Config: cfg, Weight: NewParameter(name+".weight", w)}
	if cfg.HasBias {
		b, err := Init(cfg.BiasInit, fanIn, seed+1, cfg.OutChannels)
		if err != nil {
			return nil, err
		}
		c.Bias = NewParameter(name+".bias", b)
	}
	return c, nil
}

func (c *Conv2d) Forward(x *tensor.Tensor) *tensor.Tensor {
	return ConvForward(x, c.Weight.Data, c.Bias, c.Config)
}

func (c *Conv2d) Parameters() []*Parameter {
	if c.Bias != nil {
		return []*Parameter{c.Weight, c.Bias}
	}
	return []*Parameter{c.Weight}
}

// ConvForward convolves x with w using cfg's geometry and adds the bias when
// present. Quantized wrappers call it with a fake-quantized weight.
func ConvForward(x, w *tensor.Tensor, bias *Parameter, cfg Conv2dConfig) *tensor.Tensor {
	y := tensor.Conv2D(x, w, cfg.Options())
	if bias != nil {
		y = tensor.AddChannelBias(y, bias.Data.Data)
	}
	return y
}

// Dense is a fully connected layer over (N, in) inputs.
type Dense struct {
	InChannels  int
	OutChannels int
	Weight      *Parameter
	Bias        *Parameter
	mode
}

// NewDense creates a dense layer with "<name>.weight" of shape (out, in).
func NewDense(name string, in, out int, hasBias bool, seed int64) (*Dense, error) {
	if in <= 0 || out <= 0 {
		return nil, fmt.Errorf("dense: channels must be positive, got in=%d out=%d", in, out)
	}
	w, err := Init(InitNormal, in, seed, out, in)
	if err != nil {
		return nil, err
	}
	d := &Dense{InChannels: in, OutChannels: out, Weight: NewParameter(name+".weight", w)}
	if hasBias {
		d.Bias = NewParameter(name+".bias", tensor.New(out))
	}
	return d, nil
}

func (d *Dense) Forward(x *tensor.Tensor) *tensor.Tensor {
	return DenseForward(x, d.Weight.Data, d.Bias)
}

func (d *Dense) Parameters() []*Parameter {
	if d.Bias != nil {
		return []*Parameter{d.Weight, d.Bias}
	}
	return []*Parameter{d.Weight}
}

// DenseForward computes x @ w^T (+ bias), flattening x first when needed.
func DenseForward(x, w *tensor.Tensor, bias *Parameter) *tensor.Tensor {
	if x.Rank() != 2 {
		x = tensor.Flatten(x)
	}
	var b []float32
	if bias != nil {
		b = bias.Data.Data
	}
	return tensor.Dense(x, w, b)
}
