package prune

import (
	"context"
	"fmt"

	"github.com/samcharles93/squeeze/internal/fusion"
	"github.com/samcharles93/squeeze/internal/graph"
	"github.com/samcharles93/squeeze/internal/logger"
	"github.com/samcharles93/squeeze/internal/nn"
	"github.com/samcharles93/squeeze/internal/tensor"
)

// ApplyMask sets the masked output channels of every group to zero in place:
// the conv weight and bias slices together with the batchnorm gamma and
// beta when the group has one. Shapes are unchanged.
func ApplyMask(a *graph.Analysis, m Mask) error {
	if err := m.Validate(a); err != nil {
		return err
	}
	for _, g := range a.List() {
		idx := m[g.Name]
		if len(idx) == 0 {
			continue
		}
		targets := []*nn.Parameter{g.Conv.Weight}
		if g.BN != nil {
			targets = append(targets, g.BN.Gamma, g.BN.Beta)
		}
		if g.Conv.Bias != nil {
			targets = append(targets, g.Conv.Bias)
		}
		for _, p := range targets {
			if err := tensor.ZeroChannels(p.Data, 0, idx); err != nil {
				return fmt.Errorf("zero %s: %w", p.Name, err)
			}
		}
	}
	return nil
}

// PruneNetwork rebuilds every affected group as a physically smaller layer.
// Each conv node is replaced by a pruned conv+bn and its batchnorm node by
// an identity. Consumers of a pruned producer have their input channels
// gathered to the producer's survivors. The analysis records the indices
// used and rejects every later mask.
func PruneNetwork(ctx context.Context, a *graph.Analysis, m Mask) error {
	if err := m.Validate(a); err != nil {
		return err
	}
	a.MarkMaterialized()
	groups := a.List()
	for _, g := range groups {
		g.OutIndex = m.Keep(g.Name, g.OutChannels)
		g.InIndex = nil
	}
	for _, g := range groups {
		if g.Producer != nil {
			g.InIndex = g.Producer.OutIndex
		}
	}

	rebuilt := 0
	for _, g := range groups {
		if len(m[g.Name]) == 0 && g.InIndex == nil {
			continue
		}
		role := g.Role
		if role == fusion.RoleFirst && g.InIndex != nil {
			role = fusion.RoleMiddle
		}
		pruned, err := fusion.NewPrunedConv2dBn(g.Conv, g.BN, role, g.OutIndex, g.InIndex)
		if err != nil {
			return fmt.Errorf("materialize %s: %w", g.Name, err)
		}
		if err := a.Network.Replace(g.ConvNode, pruned); err != nil {
			return err
		}
		if g.BNNode >= 0 {
			if err := a.Network.Replace(g.BNNode, &nn.Identity{}); err != nil {
				return err
			}
		}
		rebuilt++
	}
	logger.FromContext(ctx).Info("materialized pruning mask",
		"groups", len(groups),
		"rebuilt", rebuilt,
		"removed", m.Count(),
	)
	return nil
}
