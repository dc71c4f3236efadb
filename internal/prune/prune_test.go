package prune

import (
	"bytes"
	"context"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/squeeze/internal/fusion"
	"github.com/samcharles93/squeeze/internal/graph"
	"github.com/samcharles93/squeeze/internal/nn"
	"github.com/samcharles93/squeeze/internal/tensor"
)

func pair(t *testing.T, name string, in, out int, seed int64) *nn.Conv2dBn {
	t.Helper()
	cfg := nn.Conv2dConfig{InChannels: in, OutChannels: out, KernelSize: [2]int{3, 3}, PadMode: tensor.PadSame, HasBias: true, BiasInit: nn.InitNormal}
	p, err := nn.NewConv2dBn(name, cfg, seed)
	require.NoError(t, err)
	bn := p.BN
	for c := range out {
		bn.Gamma.Data.Data[c] = 0.5 + float32((c*7+int(seed))%5)*0.3
		bn.Beta.Data.Data[c] = float32(c%3) * 0.1
		bn.MovingMean.Data.Data[c] = float32(c%2) * 0.05
		bn.MovingVariance.Data.Data[c] = 1 + float32(c%4)*0.25
	}
	return p
}

func chainNet(t *testing.T) *graph.Network {
	t.Helper()
	b := graph.NewBuilder()
	x := b.Input("x")
	x = b.Fusable("relu1", &nn.ReLU{}, b.ConvBn("l1", pair(t, "l1", 1, 8, 1), x))
	x = b.Fusable("relu2", &nn.ReLU{}, b.ConvBn("l2", pair(t, "l2", 8, 8, 2), x))
	x = b.Fusable("pool", nn.NewMaxPool2d(2, 2), x)
	x = b.ConvBn("l3", pair(t, "l3", 8, 6, 3), x)
	x = b.Opaque("flatten", &nn.Flatten{}, x)
	fc, err := nn.NewDense("fc", 6*2*2, 3, true, 4)
	require.NoError(t, err)
	b.Opaque("fc", fc, x)
	net, err := b.Build()
	require.NoError(t, err)
	return net
}

func residualNet(t *testing.T) *graph.Network {
	t.Helper()
	b := graph.NewBuilder()
	x := b.Input("x")
	a := b.Fusable("relu1", &nn.ReLU{}, b.ConvBn("stem", pair(t, "stem", 2, 8, 1), x))
	y := b.Fusable("relu2", &nn.ReLU{}, b.ConvBn("b1", pair(t, "b1", 8, 8, 2), a))
	y = b.ConvBn("b2", pair(t, "b2", 8, 8, 3), y)
	b.Fusable("out", &nn.ReLU{}, b.Add("add", y, a))
	net, err := b.Build()
	require.NoError(t, err)
	return net
}

func convOnlyNet(t *testing.T) *graph.Network {
	t.Helper()
	conv := func(name string, in, out int, seed int64) *nn.Conv2d {
		cfg := nn.Conv2dConfig{InChannels: in, OutChannels: out, KernelSize: [2]int{3, 3}, PadMode: tensor.PadSame, HasBias: true, BiasInit: nn.InitNormal}
		c, err := nn.NewConv2d(name, cfg, seed)
		require.NoError(t, err)
		return c
	}
	b := graph.NewBuilder()
	x := b.Input("x")
	x = b.Fusable("relu1", &nn.ReLU{}, b.Conv("c1", conv("c1", 1, 8, 1), x))
	x = b.Fusable("relu2", &nn.ReLU{}, b.Conv("c2", conv("c2", 8, 8, 2), x))
	b.Conv("c3", conv("c3", 8, 4, 3), x)
	net, err := b.Build()
	require.NoError(t, err)
	return net
}

func analyze(t *testing.T, net *graph.Network, shape []int) *graph.Analysis {
	t.Helper()
	an, err := graph.Analyze(context.Background(), net, shape)
	require.NoError(t, err)
	return an
}

func synthetic(name string, channels int) *graph.LayerGroup {
	return &graph.LayerGroup{Name: name, BN: &nn.BatchNorm2d{}, OutChannels: channels, BNNode: -1}
}

func TestOptionsValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, Options{Step: 2, FilterLowerThreshold: 0, TargetSparsity: 0.3}.Validate())
	for _, o := range []Options{
		{Step: 0, TargetSparsity: 0.3},
		{Step: 2, FilterLowerThreshold: -1, TargetSparsity: 0.3},
		{Step: 2, TargetSparsity: 0},
		{Step: 2, TargetSparsity: 1},
	} {
		require.ErrorIs(t, o.Validate(), ErrInvalidOptions, "%+v", o)
	}
}

func TestImportances(t *testing.T) {
	t.Parallel()
	b := graph.NewBuilder()
	p, err := nn.NewConv2dBn("c", nn.Conv2dConfig{InChannels: 1, OutChannels: 2, KernelSize: [2]int{1, 1}}, 1)
	require.NoError(t, err)
	p.Conv.Weight.Data.Data = []float32{3, -4}
	p.BN.Gamma.Data.Data = []float32{2, -0.5}
	small, err := nn.NewConv2dBn("s", nn.Conv2dConfig{InChannels: 2, OutChannels: 1, KernelSize: [2]int{1, 1}}, 2)
	require.NoError(t, err)
	b.ConvBn("s", small, b.ConvBn("c", p, b.Input("x")))
	net, err := b.Build()
	require.NoError(t, err)
	an := analyze(t, net, []int{1, 1, 2, 2})

	imps := Importances(an.List(), 1)
	require.Len(t, imps, 1, "groups at the threshold are exempt")
	require.Equal(t, "c.conv", imps[0].Group)
	require.InDeltaSlice(t, []float64{6, 2}, imps[0].Scores, 1e-6)
}

func TestImportancesWithoutBatchNorm(t *testing.T) {
	t.Parallel()
	an := analyze(t, convOnlyNet(t), []int{1, 1, 4, 4})
	imps := Importances(an.List(), 0)
	require.Len(t, imps, 3)

	c1, _ := an.Group("c1")
	require.Nil(t, c1.BN)
	require.True(t, c1.Prunable())
	for c, got := range imps[0].Scores {
		var sum float64
		for _, v := range c1.Conv.Weight.Data.ChannelValues(0, c) {
			sum += float64(v) * float64(v)
		}
		require.InDelta(t, math.Sqrt(sum), got, 1e-6)
	}
}

func TestConvOnlyChainPrunes(t *testing.T) {
	t.Parallel()
	zeroed := convOnlyNet(t)
	za := analyze(t, zeroed, []int{1, 1, 4, 4})
	groups := za.List()
	mask, st, err := ComputeMask(groups, Importances(groups, 0), Options{Step: 1, TargetSparsity: 0.5})
	require.NoError(t, err)
	require.Equal(t, Stats{Selected: 10, Total: 20}, st)
	for _, g := range groups {
		require.Less(t, len(mask[g.Name]), g.OutChannels, g.Name)
	}
	require.NoError(t, ApplyMask(za, mask))
	for name, idx := range mask {
		g, _ := za.Group(name)
		for _, c := range idx {
			for _, v := range g.Conv.Weight.Data.ChannelValues(0, c) {
				require.Zero(t, v)
			}
			require.Zero(t, g.Conv.Bias.Data.Data[c])
		}
	}

	pruned := convOnlyNet(t)
	pa := analyze(t, pruned, []int{1, 1, 4, 4})
	require.NoError(t, PruneNetwork(context.Background(), pa, mask))

	x := tensor.New(1, 1, 4, 4)
	tensor.FillNormal(x, 1, 11)
	want := zeroed.Forward(x)
	got := pruned.Forward(x)
	require.Equal(t, want.Shape, got.Shape)
	for i := range want.Data {
		require.InDelta(t, want.Data[i], got.Data[i], 1e-4)
	}
}

func TestComputeMaskKeepsOneChannel(t *testing.T) {
	t.Parallel()
	groups := []*graph.LayerGroup{synthetic("a", 2), synthetic("b", 4)}
	imps := []Importance{
		{Group: "a", Scores: []float64{0, 0}},
		{Group: "b", Scores: []float64{1, 1, 4, 4}},
	}
	mask, _, err := ComputeMask(groups, imps, Options{Step: 2, TargetSparsity: 0.9})
	require.NoError(t, err)
	require.Empty(t, mask["a"])
	require.Equal(t, []int{0, 1}, mask["b"])
}

func TestComputeMaskGreedy(t *testing.T) {
	t.Parallel()
	groups := []*graph.LayerGroup{synthetic("a", 8), synthetic("b", 4)}
	imps := []Importance{
		{Group: "a", Scores: []float64{1, 1, 5, 5, 9, 9, 9, 9}},
		{Group: "b", Scores: []float64{2, 2, 8, 8}},
	}
	opts := Options{Step: 2, FilterLowerThreshold: 2, TargetSparsity: 0.5}
	mask, st, err := ComputeMask(groups, imps, opts)
	require.NoError(t, err)
	want := Mask{"a": {0, 1, 2, 3}, "b": {0, 1}}
	if diff := cmp.Diff(want, mask); diff != "" {
		t.Fatalf("mask (-want +got):\n%s", diff)
	}
	require.Equal(t, Stats{Selected: 6, Total: 12}, st)
	require.InDelta(t, 0.5, st.Sparsity(), 1e-9)
}

func TestComputeMaskRespectsLayerFloor(t *testing.T) {
	t.Parallel()
	groups := []*graph.LayerGroup{synthetic("a", 8), synthetic("b", 4)}
	imps := []Importance{
		{Group: "a", Scores: []float64{1, 1, 5, 5, 9, 9, 9, 9}},
		{Group: "b", Scores: []float64{2, 2, 8, 8}},
	}
	mask, st, err := ComputeMask(groups, imps, Options{Step: 2, FilterLowerThreshold: 2, TargetSparsity: 0.9})
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2, 3, 4, 5}, mask["a"])
	require.Equal(t, []int{0, 1}, mask["b"])
	require.Equal(t, 8, st.Selected, "target unreachable, largest admissible mask")
	for _, g := range groups {
		require.GreaterOrEqual(t, g.OutChannels-len(mask[g.Name]), 2)
	}
}

func TestComputeMaskZeroMedianFirst(t *testing.T) {
	t.Parallel()
	groups := []*graph.LayerGroup{synthetic("a", 4), synthetic("b", 4)}
	imps := []Importance{
		{Group: "a", Scores: []float64{4, 4, 1, 1}},
		{Group: "b", Scores: []float64{3, 3, 0, 0}},
	}
	mask, _, err := ComputeMask(groups, imps, Options{Step: 2, TargetSparsity: 0.25})
	require.NoError(t, err)
	require.Equal(t, Mask{"b": {2, 3}}, mask)
}

func TestComputeMaskStableTies(t *testing.T) {
	t.Parallel()
	groups := []*graph.LayerGroup{synthetic("a", 4), synthetic("b", 4)}
	imps := []Importance{
		{Group: "a", Scores: []float64{2, 2, 1, 1}},
		{Group: "b", Scores: []float64{4, 4, 2, 2}},
	}
	mask, _, err := ComputeMask(groups, imps, Options{Step: 2, TargetSparsity: 0.25})
	require.NoError(t, err)
	require.Equal(t, Mask{"a": {2, 3}}, mask, "equal criteria resolve in encounter order")
}

func TestMaskValidate(t *testing.T) {
	t.Parallel()
	an := analyze(t, chainNet(t), []int{1, 1, 4, 4})
	require.NoError(t, Mask{"l1.conv": {0, 3}}.Validate(an))
	require.InDelta(t, 2.0/22, Mask{"l1.conv": {0, 3}}.Sparsity(an), 1e-9)
	for name, m := range map[string]Mask{
		"unknown":   {"nope": {0}},
		"range":     {"l1.conv": {8}},
		"unsorted":  {"l1.conv": {3, 1}},
		"duplicate": {"l1.conv": {1, 1}},
		"all":       {"l1.conv": {0, 1, 2, 3, 4, 5, 6, 7}},
	} {
		require.ErrorIs(t, m.Validate(an), ErrMaskMismatch, name)
	}
}

func TestMaskJSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, WriteMask(&buf, Mask{"l2.conv": {1, 4}, "l1.conv": {0}}))
	got, err := ReadMask(&buf)
	require.NoError(t, err)
	require.Equal(t, Mask{"l1.conv": {0}, "l2.conv": {1, 4}}, got)

	got, err = ReadMask(bytes.NewBufferString(`{"a":[5,2]}`))
	require.NoError(t, err)
	require.Equal(t, []int{2, 5}, got["a"])

	_, err = ReadMask(bytes.NewBufferString(`[`))
	require.Error(t, err)
}

func TestApplyMaskKeepsShapes(t *testing.T) {
	t.Parallel()
	net := chainNet(t)
	an := analyze(t, net, []int{1, 1, 4, 4})
	l2, _ := an.Group("l2.conv")
	require.NoError(t, ApplyMask(an, Mask{"l2.conv": {1, 6}}))
	require.Equal(t, []int{8, 8, 3, 3}, l2.Conv.Weight.Data.Shape)
	for _, c := range []int{1, 6} {
		for _, v := range l2.Conv.Weight.Data.ChannelValues(0, c) {
			require.Zero(t, v)
		}
		require.Zero(t, l2.Conv.Bias.Data.Data[c])
		require.Zero(t, l2.BN.Gamma.Data.Data[c])
		require.Zero(t, l2.BN.Beta.Data.Data[c])
	}
	require.NotZero(t, l2.BN.Gamma.Data.Data[0])
}

// Zeroing and physical removal describe the same function.
func TestPruneNetworkMatchesZeroed(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		build func(t *testing.T) *graph.Network
		shape []int
	}{
		{"chain", chainNet, []int{1, 1, 4, 4}},
		{"residual", residualNet, []int{1, 2, 5, 5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			zeroed := tc.build(t)
			za := analyze(t, zeroed, tc.shape)
			mask, _, err := ComputeMask(za.List(), Importances(za.List(), 2), Options{Step: 2, FilterLowerThreshold: 2, TargetSparsity: 0.4})
			require.NoError(t, err)
			require.NotZero(t, mask.Count())
			require.NoError(t, ApplyMask(za, mask))

			pruned := tc.build(t)
			pa := analyze(t, pruned, tc.shape)
			require.NoError(t, PruneNetwork(context.Background(), pa, mask))

			x := tensor.New(tc.shape...)
			tensor.FillNormal(x, 1, 7)
			want := zeroed.Forward(x)
			got := pruned.Forward(x)
			require.Equal(t, want.Shape, got.Shape)
			for i := range want.Data {
				require.InDelta(t, want.Data[i], got.Data[i], 1e-4)
			}
		})
	}
}

func TestPruneNetworkShapes(t *testing.T) {
	t.Parallel()
	net := chainNet(t)
	an := analyze(t, net, []int{1, 1, 4, 4})
	mask := Mask{"l1.conv": {0, 1}, "l2.conv": {2, 3, 4}, "l3.conv": {5}}
	require.NoError(t, PruneNetwork(context.Background(), an, mask))

	l1, _ := an.Group("l1.conv")
	l2, _ := an.Group("l2.conv")
	l3, _ := an.Group("l3.conv")
	require.Equal(t, []int{6, 1, 3, 3}, l1.Conv.Weight.Data.Shape)
	require.Equal(t, []int{5, 6, 3, 3}, l2.Conv.Weight.Data.Shape)
	require.Equal(t, []int{5, 5, 3, 3}, l3.Conv.Weight.Data.Shape)
	require.Equal(t, l1.OutIndex, l2.InIndex)
	require.Nil(t, l1.InIndex)

	node, ok := net.Lookup("l3.conv")
	require.True(t, ok)
	m, ok := node.Module.(*fusion.PrunedConv2dBn)
	require.True(t, ok)
	require.Equal(t, fusion.RoleResidual, m.Role)
	require.Equal(t, 6, m.OutputChannels())
	bnNode, _ := net.Lookup("l3.bn")
	require.IsType(t, &nn.Identity{}, bnNode.Module)

	out := net.Forward(tensor.Ones(1, 1, 4, 4))
	require.Equal(t, []int{1, 3}, out.Shape)
	for _, v := range out.Data {
		require.False(t, math.IsNaN(float64(v)))
	}
}

func TestPrunedAnalysisRejectsReuse(t *testing.T) {
	t.Parallel()
	an := analyze(t, chainNet(t), []int{1, 1, 4, 4})
	require.NoError(t, PruneNetwork(context.Background(), an, Mask{"l2.conv": {0, 1}}))
	require.True(t, an.Materialized())

	require.ErrorIs(t, Mask{}.Validate(an), ErrMaskMismatch)
	require.ErrorIs(t, ApplyMask(an, Mask{"l1.conv": {0}}), ErrMaskMismatch)
	require.ErrorIs(t, PruneNetwork(context.Background(), an, Mask{"l1.conv": {0}}), ErrMaskMismatch)

	l2, _ := an.Group("l2.conv")
	require.Equal(t, []int{6, 8, 3, 3}, l2.Conv.Weight.Data.Shape)
}
