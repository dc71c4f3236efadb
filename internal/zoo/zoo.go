// Package zoo builds small reference networks on the graph builder. Every
// constructor is deterministic in its seed.
package zoo

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/samcharles93/squeeze/internal/graph"
	"github.com/samcharles93/squeeze/internal/nn"
	"github.com/samcharles93/squeeze/internal/tensor"
)

var ErrUnknownModel = errors.New("unknown model")

// Model is a built network together with the input shape it expects.
type Model struct {
	Name       string
	Network    *graph.Network
	InputShape []int
}

type constructor func(classes int, seed int64) (*Model, error)

var registry = map[string]constructor{
	"lenet5": func(classes int, seed int64) (*Model, error) {
		return LeNet5(classes, seed)
	},
	"vgg": func(classes int, seed int64) (*Model, error) {
		cfg := DefaultVGGConfig()
		cfg.Classes = classes
		return VGG(cfg, seed)
	},
	"resnet": func(classes int, seed int64) (*Model, error) {
		cfg := DefaultResNetConfig()
		cfg.Classes = classes
		return ResNet(cfg, seed)
	},
}

// Names lists the registered models.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// New builds a registered model with its default configuration.
func New(name string, classes int, seed int64) (*Model, error) {
	build, ok := registry[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w %q (known: %s)", ErrUnknownModel, name, strings.Join(Names(), ", "))
	}
	if classes <= 0 {
		return nil, fmt.Errorf("zoo: classes must be positive, got %d", classes)
	}
	return build(classes, seed)
}

// builder wraps graph.Builder with layer constructors. The first error
// sticks and every later call is a no-op.
type builder struct {
	*graph.Builder
	seed  int64
	layer int64
	err   error
}

func newBuilder(seed int64) *builder {
	return &builder{Builder: graph.NewBuilder(), seed: seed}
}

func (b *builder) nextSeed() int64 {
	b.layer++
	return b.seed*1000 + b.layer
}

func (b *builder) convBn(name string, in, out, kernel, stride, x int) int {
	if b.err != nil {
		return -1
	}
	cfg := nn.Conv2dConfig{
		InChannels:  in,
		OutChannels: out,
		KernelSize:  [2]int{kernel, kernel},
		Stride:      [2]int{stride, stride},
		PadMode:     tensor.PadSame,
	}
	pair, err := nn.NewConv2dBn(name, cfg, b.nextSeed())
	if err != nil {
		b.err = fmt.Errorf("%s: %w", name, err)
		return -1
	}
	return b.ConvBn(name, pair, x)
}

func (b *builder) validConvBn(name string, in, out, kernel, x int) int {
	if b.err != nil {
		return -1
	}
	cfg := nn.Conv2dConfig{InChannels: in, OutChannels: out, KernelSize: [2]int{kernel, kernel}, PadMode: tensor.PadValid}
	pair, err := nn.NewConv2dBn(name, cfg, b.nextSeed())
	if err != nil {
		b.err = fmt.Errorf("%s: %w", name, err)
		return -1
	}
	return b.ConvBn(name, pair, x)
}

func (b *builder) dense(name string, in, out, x int) int {
	if b.err != nil {
		return -1
	}
	d, err := nn.NewDense(name, in, out, true, b.nextSeed())
	if err != nil {
		b.err = fmt.Errorf("%s: %w", name, err)
		return -1
	}
	return b.Opaque(name, d, x)
}

func (b *builder) relu(name string, x int) int {
	return b.Fusable(name, &nn.ReLU{}, x)
}

func (b *builder) build(name string, inputShape []int) (*Model, error) {
	if b.err != nil {
		return nil, fmt.Errorf("zoo: %s: %w", name, b.err)
	}
	net, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("zoo: %s: %w", name, err)
	}
	return &Model{Name: name, Network: net, InputShape: inputShape}, nil
}

// LeNet5 takes (N, 1, 32, 32) inputs.
func LeNet5(classes int, seed int64) (*Model, error) {
	b := newBuilder(seed)
	x := b.Input("input")
	x = b.relu("conv1.relu", b.validConvBn("conv1", 1, 6, 5, x))
	x = b.Fusable("pool1", nn.NewMaxPool2d(2, 2), x)
	x = b.relu("conv2.relu", b.validConvBn("conv2", 6, 16, 5, x))
	x = b.Fusable("pool2", nn.NewMaxPool2d(2, 2), x)
	x = b.Opaque("flatten", &nn.Flatten{}, x)
	x = b.relu("fc1.relu", b.dense("fc1", 16*5*5, 120, x))
	x = b.relu("fc2.relu", b.dense("fc2", 120, 84, x))
	b.dense("fc3", 84, classes, x)
	return b.build("lenet5", []int{1, 1, 32, 32})
}

// VGGConfig describes a plain conv stack. Each stage is a list of conv
// widths followed by a 2x2 max pool.
type VGGConfig struct {
	InChannels int
	InputSize  int
	Stages     [][]int
	Classes    int
}

func DefaultVGGConfig() VGGConfig {
	return VGGConfig{
		InChannels: 3,
		InputSize:  32,
		Stages:     [][]int{{16, 16}, {32, 32}, {64, 64}},
		Classes:    10,
	}
}

func (c VGGConfig) validate() error {
	if c.InChannels <= 0 || c.Classes <= 0 || len(c.Stages) == 0 {
		return fmt.Errorf("vgg: channels, classes and stages must be positive")
	}
	if c.InputSize <= 0 || c.InputSize%(1<<len(c.Stages)) != 0 {
		return fmt.Errorf("vgg: input size %d not divisible by 2^%d", c.InputSize, len(c.Stages))
	}
	for i, s := range c.Stages {
		if len(s) == 0 {
			return fmt.Errorf("vgg: stage %d is empty", i)
		}
	}
	return nil
}

func VGG(cfg VGGConfig, seed int64) (*Model, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	b := newBuilder(seed)
	x := b.Input("input")
	in := cfg.InChannels
	for s, widths := range cfg.Stages {
		for i, w := range widths {
			name := fmt.Sprintf("stage%d.conv%d", s+1, i+1)
			x = b.relu(name+".relu", b.convBn(name, in, w, 3, 1, x))
			in = w
		}
		x = b.Fusable(fmt.Sprintf("stage%d.pool", s+1), nn.NewMaxPool2d(2, 2), x)
	}
	side := cfg.InputSize >> len(cfg.Stages)
	x = b.Opaque("flatten", &nn.Flatten{}, x)
	b.dense("classifier", in*side*side, cfg.Classes, x)
	return b.build("vgg", []int{1, cfg.InChannels, cfg.InputSize, cfg.InputSize})
}

// ResNetConfig describes a residual network of basic blocks. Stages after
// the first halve the resolution; a block whose shape changes uses a 1x1
// projection shortcut.
type ResNetConfig struct {
	InChannels int
	InputSize  int
	StemWidth  int
	Stages     []int
	Blocks     int
	Classes    int
}

func DefaultResNetConfig() ResNetConfig {
	return ResNetConfig{
		InChannels: 3,
		InputSize:  16,
		StemWidth:  16,
		Stages:     []int{16, 32, 64},
		Blocks:     2,
		Classes:    10,
	}
}

func (c ResNetConfig) validate() error {
	if c.InChannels <= 0 || c.StemWidth <= 0 || c.Classes <= 0 || c.Blocks <= 0 || len(c.Stages) == 0 {
		return fmt.Errorf("resnet: channels, widths, blocks and classes must be positive")
	}
	if c.InputSize <= 0 || c.InputSize%(1<<(len(c.Stages)-1)) != 0 {
		return fmt.Errorf("resnet: input size %d not divisible by 2^%d", c.InputSize, len(c.Stages)-1)
	}
	return nil
}

func ResNet(cfg ResNetConfig, seed int64) (*Model, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	b := newBuilder(seed)
	x := b.Input("input")
	x = b.relu("stem.relu", b.convBn("stem", cfg.InChannels, cfg.StemWidth, 3, 1, x))
	in := cfg.StemWidth
	for s, width := range cfg.Stages {
		for i := range cfg.Blocks {
			stride := 1
			if s > 0 && i == 0 {
				stride = 2
			}
			x = b.basicBlock(fmt.Sprintf("layer%d.%d", s+1, i), in, width, stride, x)
			in = width
		}
	}
	side := cfg.InputSize >> (len(cfg.Stages) - 1)
	x = b.Opaque("flatten", &nn.Flatten{}, x)
	b.dense("fc", in*side*side, cfg.Classes, x)
	return b.build("resnet", []int{1, cfg.InChannels, cfg.InputSize, cfg.InputSize})
}

func (b *builder) basicBlock(name string, in, out, stride, x int) int {
	y := b.relu(name+".relu1", b.convBn(name+".conv1", in, out, 3, stride, x))
	y = b.convBn(name+".conv2", out, out, 3, 1, y)
	shortcut := x
	if stride != 1 || in != out {
		shortcut = b.convBn(name+".downsample", in, out, 1, stride, x)
	}
	return b.relu(name+".relu2", b.Add(name+".add", y, shortcut))
}
