package fusion

import (
	"errors"
	"fmt"
	"slices"

	"github.com/samcharles93/squeeze/internal/nn"
	"github.com/samcharles93/squeeze/internal/tensor"
)

var ErrRoleMismatch = errors.New("pruned layer role does not match its indices")

// Role is the structural position of a pruned conv+bn layer.
type Role int

const (
	// RoleFirst has no pruned producer: only output channels are gathered.
	RoleFirst Role = iota
	// RoleMiddle consumes a pruned producer: both axes are gathered.
	RoleMiddle
	// RoleResidual feeds a shape-fixed join such as a residual add; its
	// reduced output is zero-scattered back to the original width.
	RoleResidual
)

func (r Role) String() string {
	switch r {
	case RoleFirst:
		return "first"
	case RoleMiddle:
		return "middle"
	case RoleResidual:
		return "residual"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// PrunedConv2dBn is a physically smaller conv(+bn) rebuilt from surviving
// channel indices.
type PrunedConv2dBn struct {
	Role           Role
	Conv           nn.Conv2dConfig
	Weight         *nn.Parameter
	Bias           *nn.Parameter
	BN             *nn.BatchNorm2d
	OutIndex       []int
	InIndex        []int
	OriOutChannels int
	training       bool
}

// NewPrunedConv2dBn gathers the surviving slices of conv and bn. The
// parameter handles are kept and receive the smaller tensors, so names and
// external bindings survive the rebuild. bn may be nil. inIndex is nil when
// the input is not pruned.
func NewPrunedConv2dBn(conv *nn.Conv2d, bn *nn.BatchNorm2d, role Role, outIndex, inIndex []int) (*PrunedConv2dBn, error) {
	switch {
	case role == RoleFirst && inIndex != nil:
		return nil, fmt.Errorf("%w: %s layer %s has an input index", ErrRoleMismatch, role, conv.Weight.Name)
	case role == RoleMiddle && inIndex == nil:
		return nil, fmt.Errorf("%w: %s layer %s has no input index", ErrRoleMismatch, role, conv.Weight.Name)
	}
	if conv.Config.GroupCount() != 1 {
		return nil, fmt.Errorf("prune %s: grouped convolution", conv.Weight.Name)
	}

	w, err := tensor.Gather(conv.Weight.Data, 0, outIndex)
	if err != nil {
		return nil, fmt.Errorf("prune %s: %w", conv.Weight.Name, err)
	}
	if inIndex != nil {
		if w, err = tensor.Gather(w, 1, inIndex); err != nil {
			return nil, fmt.Errorf("prune %s: %w", conv.Weight.Name, err)
		}
	}
	targets := []*nn.Parameter{}
	if conv.Bias != nil {
		targets = append(targets, conv.Bias)
	}
	if bn != nil {
		targets = append(targets, bn.Parameters()...)
	}
	gathered := make([]*tensor.Tensor, len(targets))
	for i, p := range targets {
		if gathered[i], err = tensor.Gather(p.Data, 0, outIndex); err != nil {
			return nil, fmt.Errorf("prune %s: %w", p.Name, err)
		}
	}

	// Only mutate once every gather has succeeded.
	conv.Weight.Assign(w)
	for i, p := range targets {
		p.Assign(gathered[i])
	}

	cfg := conv.Config
	cfg.OutChannels = len(outIndex)
	if inIndex != nil {
		cfg.InChannels = len(inIndex)
	}
	m := &PrunedConv2dBn{
		Role:           role,
		Conv:           cfg,
		Weight:         conv.Weight,
		Bias:           conv.Bias,
		OutIndex:       slices.Clone(outIndex),
		InIndex:        slices.Clone(inIndex),
		OriOutChannels: conv.Config.OutChannels,
	}
	if bn != nil {
		m.BN = &nn.BatchNorm2d{
			NumFeatures:    len(outIndex),
			Eps:            bn.Eps,
			Momentum:       bn.Momentum,
			Gamma:          bn.Gamma,
			Beta:           bn.Beta,
			MovingMean:     bn.MovingMean,
			MovingVariance: bn.MovingVariance,
		}
	}
	return m, nil
}

func (m *PrunedConv2dBn) Forward(x *tensor.Tensor) *tensor.Tensor {
	y := nn.ConvForward(x, m.Weight.Data, m.Bias, m.Conv)
	if m.BN != nil {
		y = m.BN.Forward(y)
	}
	if m.Role != RoleResidual {
		return y
	}
	out, err := tensor.ScatterZeros(y, 1, m.OutIndex, m.OriOutChannels)
	if err != nil {
		panic(err)
	}
	return out
}

// OutputChannels is the channel count seen by consumers.
func (m *PrunedConv2dBn) OutputChannels() int {
	if m.Role == RoleResidual {
		return m.OriOutChannels
	}
	return len(m.OutIndex)
}

func (m *PrunedConv2dBn) SetTraining(training bool) {
	m.training = training
	if m.BN != nil {
		m.BN.SetTraining(training)
	}
}

func (m *PrunedConv2dBn) Parameters() []*nn.Parameter {
	ps := []*nn.Parameter{m.Weight}
	if m.Bias != nil {
		ps = append(ps, m.Bias)
	}
	if m.BN != nil {
		ps = append(ps, m.BN.Parameters()...)
	}
	return ps
}
