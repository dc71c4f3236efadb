// Package graph holds the typed network representation that compression
// passes analyze and rewrite, and the analyzer that groups convolutions with
// their batchnorms and links producers to consumers.
package graph

import (
	"context"
	"fmt"
	"slices"

	"github.com/samcharles93/squeeze/internal/nn"
	"github.com/samcharles93/squeeze/internal/tensor"
)

// Kind tags a node with the structural role the analyzer cares about.
type Kind int

const (
	KindInput Kind = iota
	KindConv
	KindBatchNorm
	// KindFusable is a single-input op that preserves the channel axis,
	// e.g. an activation or a pool.
	KindFusable
	KindAdd
	// KindOpaque is any op whose channel semantics are unknown.
	KindOpaque
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindConv:
		return "conv"
	case KindBatchNorm:
		return "batchnorm"
	case KindFusable:
		return "fusable"
	case KindAdd:
		return "add"
	case KindOpaque:
		return "opaque"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Node is one operation in the arena. Inputs are ids of earlier nodes.
type Node struct {
	ID     int
	Name   string
	Kind   Kind
	Module nn.Module
	Adder  nn.Adder
	Inputs []int
}

// Network is an arena of nodes in topological order. The last node is the
// output.
type Network struct {
	nodes  []*Node
	byName map[string]int
}

// Len returns the number of nodes.
func (n *Network) Len() int { return len(n.nodes) }

// Node returns the node with the given id.
func (n *Network) Node(id int) *Node { return n.nodes[id] }

// Nodes returns the nodes in execution order.
func (n *Network) Nodes() []*Node { return slices.Clone(n.nodes) }

// Lookup finds a node by name.
func (n *Network) Lookup(name string) (*Node, bool) {
	id, ok := n.byName[name]
	if !ok {
		return nil, false
	}
	return n.nodes[id], true
}

// Output returns the id of the output node.
func (n *Network) Output() int { return len(n.nodes) - 1 }

// Consumers returns, for every node id, the ids of nodes reading it.
func (n *Network) Consumers() [][]int {
	out := make([][]int, len(n.nodes))
	for _, node := range n.nodes {
		for _, in := range node.Inputs {
			out[in] = append(out[in], node.ID)
		}
	}
	return out
}

// Replace swaps the module of node id. It is the only structural mutation
// and does not change edges.
func (n *Network) Replace(id int, m nn.Module) error {
	if id < 0 || id >= len(n.nodes) {
		return fmt.Errorf("replace: node %d out of range", id)
	}
	node := n.nodes[id]
	if node.Kind == KindInput || node.Kind == KindAdd {
		return fmt.Errorf("replace: %s node %q has no module", node.Kind, node.Name)
	}
	node.Module = m
	return nil
}

// ReplaceAdder swaps the merge op of an add node.
func (n *Network) ReplaceAdder(id int, a nn.Adder) error {
	if id < 0 || id >= len(n.nodes) || n.nodes[id].Kind != KindAdd {
		return fmt.Errorf("replace adder: node %d is not an add", id)
	}
	n.nodes[id].Adder = a
	return nil
}

// SetTraining switches every module in the network.
func (n *Network) SetTraining(training bool) {
	for _, node := range n.nodes {
		switch {
		case node.Module != nil:
			node.Module.SetTraining(training)
		case node.Adder != nil:
			node.Adder.SetTraining(training)
		}
	}
}

// Parameters returns every distinct parameter handle in node order.
func (n *Network) Parameters() []*nn.Parameter {
	seen := make(map[*nn.Parameter]bool)
	var out []*nn.Parameter
	for _, node := range n.nodes {
		if node.Module == nil {
			continue
		}
		for _, p := range node.Module.Parameters() {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}

// Forward runs the network on x and returns the output node's value.
func (n *Network) Forward(x *tensor.Tensor) *tensor.Tensor {
	vals, err := n.run(context.Background(), x)
	if err != nil {
		panic(err)
	}
	return vals[n.Output()]
}

// Trace runs the network on a ones tensor of the given shape and returns
// the output shape of every node.
func (n *Network) Trace(ctx context.Context, shape []int) ([][]int, error) {
	vals, err := n.run(ctx, tensor.Ones(shape...))
	if err != nil {
		return nil, err
	}
	shapes := make([][]int, len(vals))
	for i, v := range vals {
		shapes[i] = slices.Clone(v.Shape)
	}
	return shapes, nil
}

func (n *Network) run(ctx context.Context, x *tensor.Tensor) ([]*tensor.Tensor, error) {
	vals := make([]*tensor.Tensor, len(n.nodes))
	for _, node := range n.nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch node.Kind {
		case KindInput:
			vals[node.ID] = x
		case KindAdd:
			a, b := vals[node.Inputs[0]], vals[node.Inputs[1]]
			if !tensor.SameShape(a, b) {
				return nil, &TopologyError{Node: node.Name, Reason: fmt.Sprintf("add of shapes %v and %v", a.Shape, b.Shape)}
			}
			vals[node.ID] = node.Adder.Add(a, b)
		default:
			vals[node.ID] = node.Module.Forward(vals[node.Inputs[0]])
		}
	}
	return vals, nil
}

// Builder assembles a Network. The first error is kept and reported by
// Build; later calls become no-ops.
type Builder struct {
	nodes  []*Node
	byName map[string]int
	err    error
}

func NewBuilder() *Builder {
	return &Builder{byName: make(map[string]int)}
}

func (b *Builder) add(name string, kind Kind, m nn.Module, inputs ...int) int {
	if b.err != nil {
		return -1
	}
	if _, dup := b.byName[name]; dup {
		b.err = fmt.Errorf("graph: duplicate node name %q", name)
		return -1
	}
	for _, in := range inputs {
		if in < 0 || in >= len(b.nodes) {
			b.err = fmt.Errorf("graph: node %q reads unknown node %d", name, in)
			return -1
		}
	}
	id := len(b.nodes)
	b.nodes = append(b.nodes, &Node{ID: id, Name: name, Kind: kind, Module: m, Inputs: slices.Clone(inputs)})
	b.byName[name] = id
	return id
}

// Input adds the network input. Exactly one is allowed.
func (b *Builder) Input(name string) int {
	for _, node := range b.nodes {
		if node.Kind == KindInput && b.err == nil {
			b.err = fmt.Errorf("graph: second input %q", name)
		}
	}
	return b.add(name, KindInput, nil)
}

// Conv adds a convolution node.
func (b *Builder) Conv(name string, conv *nn.Conv2d, input int) int {
	return b.add(name, KindConv, conv, input)
}

// BatchNorm adds a batchnorm node.
func (b *Builder) BatchNorm(name string, bn *nn.BatchNorm2d, input int) int {
	return b.add(name, KindBatchNorm, bn, input)
}

// Fusable adds a channel-preserving single-input op.
func (b *Builder) Fusable(name string, m nn.Module, input int) int {
	return b.add(name, KindFusable, m, input)
}

// Opaque adds an op the analyzer treats as a barrier.
func (b *Builder) Opaque(name string, m nn.Module, input int) int {
	return b.add(name, KindOpaque, m, input)
}

// Add adds an element-wise sum of two nodes.
func (b *Builder) Add(name string, x, y int) int {
	id := b.add(name, KindAdd, nil, x, y)
	if id >= 0 {
		b.nodes[id].Adder = &nn.TensorAdd{}
	}
	return id
}

// ConvBn adds a conv followed by its batchnorm and returns the bn node.
func (b *Builder) ConvBn(name string, pair *nn.Conv2dBn, input int) int {
	return b.BatchNorm(name+".bn", pair.BN, b.Conv(name+".conv", pair.Conv, input))
}

// Build returns the network. The last node added is the output.
func (b *Builder) Build() (*Network, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.nodes) == 0 || b.nodes[0].Kind != KindInput {
		return nil, fmt.Errorf("graph: network must start with an input node")
	}
	for _, node := range b.nodes {
		if node.Kind != KindInput && node.Kind != KindAdd && node.Module == nil {
			return nil, fmt.Errorf("graph: node %q has no module", node.Name)
		}
	}
	return &Network{nodes: b.nodes, byName: b.byName}, nil
}
