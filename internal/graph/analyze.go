package graph

import (
	"context"
	"fmt"

	"github.com/emirpasic/gods/v2/lists/arraylist"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/samcharles93/squeeze/internal/fusion"
	"github.com/samcharles93/squeeze/internal/logger"
	"github.com/samcharles93/squeeze/internal/nn"
)

// LayerGroup is a convolution together with the batchnorm that solely
// consumes it, when there is one.
type LayerGroup struct {
	Name     string
	Conv     *nn.Conv2d
	BN       *nn.BatchNorm2d
	ConvNode int
	// BNNode is -1 when the group has no batchnorm.
	BNNode int

	// Producer is the group whose pruned output feeds this group, or nil
	// when the input keeps its full width.
	Producer  *LayerGroup
	Consumers []*LayerGroup
	// Pinned groups feed a join whose shape is fixed, such as a residual
	// add, an opaque op or the network output.
	Pinned bool
	Role   fusion.Role

	OutChannels int
	InChannels  int
	OutputShape []int

	// OutIndex and InIndex hold the surviving channels once a mask has been
	// materialized. InIndex stays nil when the input keeps its full width.
	OutIndex []int
	InIndex  []int
}

// OutNode is the node whose value carries the group's channels.
func (g *LayerGroup) OutNode() int {
	if g.BNNode >= 0 {
		return g.BNNode
	}
	return g.ConvNode
}

// Prunable reports whether the group can lose output channels. Every
// group that keeps at least one channel after losing one qualifies.
func (g *LayerGroup) Prunable() bool { return g.OutChannels > 1 }

// Analysis is the cached result of Analyze.
type Analysis struct {
	Network *Network
	// Groups maps conv node names to groups in network order.
	Groups *orderedmap.OrderedMap[string, *LayerGroup]
	Shapes [][]int

	materialized bool
}

// Materialized reports whether a mask has been physically applied. The
// group channel counts then describe the original network, not the
// tensors behind the shared handles.
func (a *Analysis) Materialized() bool { return a.materialized }

// MarkMaterialized records that the network has been rebuilt.
func (a *Analysis) MarkMaterialized() { a.materialized = true }

// List returns the groups in network order.
func (a *Analysis) List() []*LayerGroup {
	out := make([]*LayerGroup, 0, a.Groups.Len())
	for p := a.Groups.Oldest(); p != nil; p = p.Next() {
		out = append(out, p.Value)
	}
	return out
}

// Group returns the group for a conv node name.
func (a *Analysis) Group(name string) (*LayerGroup, bool) {
	return a.Groups.Get(name)
}

// Analyze traces net with a ones tensor of inputShape, merges every conv
// with its sole-consumer batchnorm and links groups through fusable nodes.
func Analyze(ctx context.Context, net *Network, inputShape []int) (*Analysis, error) {
	shapes, err := net.Trace(ctx, inputShape)
	if err != nil {
		return nil, err
	}
	consumers := net.Consumers()

	byOut := make(map[int]*LayerGroup)
	groups := orderedmap.New[string, *LayerGroup]()
	for _, node := range net.nodes {
		switch node.Kind {
		case KindConv:
			g, err := newGroup(net, node, consumers, shapes)
			if err != nil {
				return nil, err
			}
			groups.Set(node.Name, g)
			byOut[g.OutNode()] = g
		case KindBatchNorm:
			in := net.nodes[node.Inputs[0]]
			if in.Kind != KindConv {
				return nil, &TopologyError{Node: node.Name, Reason: fmt.Sprintf("batchnorm fed by %s node %q", in.Kind, in.Name)}
			}
			if len(consumers[in.ID]) != 1 {
				return nil, &TopologyError{Node: node.Name, Reason: fmt.Sprintf("conv %q output is shared with other nodes", in.Name)}
			}
		}
	}

	for p := groups.Oldest(); p != nil; p = p.Next() {
		p.Value.Pinned = reachesJoin(net, p.Value.OutNode(), consumers)
	}

	for p := groups.Oldest(); p != nil; p = p.Next() {
		g := p.Value
		src, err := resolveProducer(net, g.ConvNode)
		if err != nil {
			return nil, err
		}
		if prod, ok := byOut[src]; ok && !prod.Pinned {
			g.Producer = prod
			prod.Consumers = append(prod.Consumers, g)
		}
	}

	pinned := 0
	for p := groups.Oldest(); p != nil; p = p.Next() {
		g := p.Value
		switch {
		case g.Pinned:
			g.Role = fusion.RoleResidual
			pinned++
		case g.Producer == nil:
			g.Role = fusion.RoleFirst
		default:
			g.Role = fusion.RoleMiddle
		}
	}

	logger.FromContext(ctx).Debug("analyzed network",
		"nodes", net.Len(),
		"groups", groups.Len(),
		"pinned", pinned,
	)
	return &Analysis{Network: net, Groups: groups, Shapes: shapes}, nil
}

func newGroup(net *Network, node *Node, consumers [][]int, shapes [][]int) (*LayerGroup, error) {
	conv, ok := node.Module.(*nn.Conv2d)
	if !ok {
		return nil, &TopologyError{Node: node.Name, Reason: fmt.Sprintf("conv node holds %T", node.Module)}
	}
	if conv.Config.GroupCount() != 1 {
		return nil, &TopologyError{Node: node.Name, Reason: fmt.Sprintf("grouped convolution (%d groups)", conv.Config.GroupCount())}
	}
	g := &LayerGroup{
		Name:        node.Name,
		Conv:        conv,
		ConvNode:    node.ID,
		BNNode:      -1,
		OutChannels: conv.Config.OutChannels,
		InChannels:  conv.Config.InChannels,
	}
	if cs := consumers[node.ID]; len(cs) == 1 {
		next := net.nodes[cs[0]]
		if next.Kind == KindBatchNorm {
			bn, ok := next.Module.(*nn.BatchNorm2d)
			if !ok {
				return nil, &TopologyError{Node: next.Name, Reason: fmt.Sprintf("batchnorm node holds %T", next.Module)}
			}
			if bn.NumFeatures != conv.Config.OutChannels {
				return nil, &TopologyError{Node: next.Name, Reason: fmt.Sprintf("batchnorm has %d features, conv has %d outputs", bn.NumFeatures, conv.Config.OutChannels)}
			}
			g.BN, g.BNNode = bn, next.ID
		}
	}
	g.OutputShape = shapes[g.OutNode()]
	return g, nil
}

// reachesJoin walks forward from id through fusable nodes and reports
// whether the channels reach an add, an opaque node or the network output.
func reachesJoin(net *Network, id int, consumers [][]int) bool {
	work := arraylist.New[int](id)
	seen := map[int]bool{id: true}
	for !work.Empty() {
		cur, _ := work.Get(0)
		work.Remove(0)
		if cur == net.Output() {
			return true
		}
		for _, c := range consumers[cur] {
			switch net.nodes[c].Kind {
			case KindAdd, KindOpaque:
				return true
			case KindFusable:
				if !seen[c] {
					seen[c] = true
					work.Add(c)
				}
			}
		}
	}
	return false
}

// resolveProducer walks backward from a conv through fusable nodes and
// returns the id of the first non-fusable ancestor.
func resolveProducer(net *Network, convID int) (int, error) {
	cur := net.nodes[convID].Inputs[0]
	for {
		node := net.nodes[cur]
		switch node.Kind {
		case KindFusable:
			cur = node.Inputs[0]
		case KindOpaque:
			return -1, &TopologyError{Node: net.nodes[convID].Name, Reason: fmt.Sprintf("input reaches opaque node %q", node.Name)}
		default:
			return cur, nil
		}
	}
}
