package zoo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/squeeze/internal/fusion"
	"github.com/samcharles93/squeeze/internal/graph"
	"github.com/samcharles93/squeeze/internal/tensor"
)

func forward(t *testing.T, m *Model) *tensor.Tensor {
	t.Helper()
	x := tensor.Ones(m.InputShape...)
	return m.Network.Forward(x)
}

func TestNames(t *testing.T) {
	t.Parallel()
	require.Equal(t, []string{"lenet5", "resnet", "vgg"}, Names())
	_, err := New("alexnet", 10, 1)
	require.ErrorIs(t, err, ErrUnknownModel)
	_, err = New("vgg", 0, 1)
	require.Error(t, err)
}

func TestLeNet5(t *testing.T) {
	t.Parallel()
	m, err := New("LeNet5", 10, 1)
	require.NoError(t, err)
	require.Equal(t, []int{1, 10}, forward(t, m).Shape)

	an, err := graph.Analyze(context.Background(), m.Network, m.InputShape)
	require.NoError(t, err)
	require.Equal(t, 2, an.Groups.Len())
	conv2, ok := an.Group("conv2.conv")
	require.True(t, ok)
	require.True(t, conv2.Pinned)
	require.Equal(t, "conv1.conv", conv2.Producer.Name)
}

func TestVGG(t *testing.T) {
	t.Parallel()
	cfg := DefaultVGGConfig()
	cfg.Stages = [][]int{{4}, {8, 6}}
	cfg.InputSize = 8
	cfg.Classes = 3
	m, err := VGG(cfg, 2)
	require.NoError(t, err)
	require.Equal(t, []int{1, 3}, forward(t, m).Shape)

	an, err := graph.Analyze(context.Background(), m.Network, m.InputShape)
	require.NoError(t, err)
	var roles []fusion.Role
	for _, g := range an.List() {
		roles = append(roles, g.Role)
	}
	require.Equal(t, []fusion.Role{fusion.RoleFirst, fusion.RoleMiddle, fusion.RoleResidual}, roles)

	cfg.InputSize = 6
	_, err = VGG(cfg, 2)
	require.Error(t, err)
}

func TestResNet(t *testing.T) {
	t.Parallel()
	cfg := ResNetConfig{InChannels: 2, InputSize: 8, StemWidth: 4, Stages: []int{4, 8}, Blocks: 1, Classes: 5}
	m, err := ResNet(cfg, 3)
	require.NoError(t, err)
	require.Equal(t, []int{1, 5}, forward(t, m).Shape)

	_, ok := m.Network.Lookup("layer1.0.downsample.conv")
	require.False(t, ok, "identity shortcut when the shape is unchanged")
	_, ok = m.Network.Lookup("layer2.0.downsample.conv")
	require.True(t, ok)

	an, err := graph.Analyze(context.Background(), m.Network, m.InputShape)
	require.NoError(t, err)
	for _, name := range []string{"stem.conv", "layer1.0.conv2.conv", "layer2.0.conv2.conv", "layer2.0.downsample.conv"} {
		g, ok := an.Group(name)
		require.True(t, ok, name)
		require.True(t, g.Pinned, name)
	}
	for _, name := range []string{"layer1.0.conv1.conv", "layer2.0.conv1.conv"} {
		g, ok := an.Group(name)
		require.True(t, ok, name)
		require.False(t, g.Pinned, name)
		require.Nil(t, g.Producer, name)
		require.Len(t, g.Consumers, 1, name)
	}
	g, _ := an.Group("layer2.0.conv1.conv")
	require.Equal(t, []int{1, 8, 4, 4}, g.OutputShape)
}

func TestSeedDeterminism(t *testing.T) {
	t.Parallel()
	a, err := New("resnet", 10, 7)
	require.NoError(t, err)
	b, err := New("resnet", 10, 7)
	require.NoError(t, err)
	c, err := New("resnet", 10, 8)
	require.NoError(t, err)

	pa, pb, pc := a.Network.Parameters(), b.Network.Parameters(), c.Network.Parameters()
	require.Len(t, pb, len(pa))
	require.Equal(t, pa[0].Name, pb[0].Name)
	require.Equal(t, pa[0].Data.Data, pb[0].Data.Data)
	require.NotEqual(t, pa[0].Data.Data, pc[0].Data.Data)
}
