package tensor

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestGatherScatterRoundTrip(t *testing.T) {
	t.Parallel()
	x := FromData([]int{2, 3, 2}, []float32{
		0, 1, 2, 3, 4, 5,
		6, 7, 8, 9, 10, 11,
	})

	g, err := Gather(x, 1, []int{0, 2})
	require.NoError(t, err)
	if diff := cmp.Diff([]int{2, 2, 2}, g.Shape); diff != "" {
		t.Fatalf("gather shape (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{0, 1, 4, 5, 6, 7, 10, 11}, g.Data); diff != "" {
		t.Fatalf("gather data (-want +got):\n%s", diff)
	}

	s, err := ScatterZeros(g, 1, []int{0, 2}, 3)
	require.NoError(t, err)
	want := []float32{0, 1, 0, 0, 4, 5, 6, 7, 0, 0, 10, 11}
	if diff := cmp.Diff(want, s.Data); diff != "" {
		t.Fatalf("scatter data (-want +got):\n%s", diff)
	}
}

func TestGatherOutOfRange(t *testing.T) {
	t.Parallel()
	x := New(4, 2)
	_, err := Gather(x, 0, []int{4})
	require.Error(t, err)
}

func TestZeroChannels(t *testing.T) {
	t.Parallel()
	x := Ones(2, 3)
	require.NoError(t, ZeroChannels(x, 1, []int{1}))
	if diff := cmp.Diff([]float32{1, 0, 1, 1, 0, 1}, x.Data); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	require.Error(t, ZeroChannels(x, 1, []int{3}))
}

func TestChannelMinMax(t *testing.T) {
	t.Parallel()
	x := FromData([]int{2, 2}, []float32{-1, 4, 3, -2})
	mins, maxs := x.ChannelMinMax(1)
	if diff := cmp.Diff([]float32{-1, -2}, mins); diff != "" {
		t.Fatalf("mins (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{3, 4}, maxs); diff != "" {
		t.Fatalf("maxs (-want +got):\n%s", diff)
	}
}

func TestConv2DValid(t *testing.T) {
	t.Parallel()
	x := FromData([]int{1, 1, 3, 3}, []float32{1, 0, 3, 1, 4, 7, 2, 5, 2})
	w := Ones(1, 1, 2, 2)
	out := Conv2D(x, w, Conv2DOptions{PadMode: PadValid})
	if diff := cmp.Diff([]int{1, 1, 2, 2}, out.Shape); diff != "" {
		t.Fatalf("shape (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{6, 14, 12, 18}, out.Data); diff != "" {
		t.Fatalf("data (-want +got):\n%s", diff)
	}
}

func TestConv2DSamePreservesSpatial(t *testing.T) {
	t.Parallel()
	x := Ones(1, 2, 5, 5)
	w := Ones(3, 2, 3, 3)
	out := Conv2D(x, w, Conv2DOptions{PadMode: PadSame})
	if diff := cmp.Diff([]int{1, 3, 5, 5}, out.Shape); diff != "" {
		t.Fatalf("shape (-want +got):\n%s", diff)
	}
	// Centre pixel sees the full 3x3x2 window, the corner only 2x2x2.
	require.InDelta(t, 18, out.Data[12], 1e-6)
	require.InDelta(t, 8, out.Data[0], 1e-6)
}

func TestSoftmaxArgmaxOneHot(t *testing.T) {
	t.Parallel()
	x := FromData([]int{2, 2}, []float32{0, 0, 1, 3})
	sm := SoftmaxLast(x)
	require.InDelta(t, 0.5, sm.Data[0], 1e-7)
	require.InDelta(t, 0.5, sm.Data[1], 1e-7)

	idx := ArgmaxLast(x)
	if diff := cmp.Diff([]int{0, 1}, idx); diff != "" {
		t.Fatalf("argmax (-want +got):\n%s", diff)
	}
	oh := OneHot(idx, []int{2}, 2, 1, 0)
	if diff := cmp.Diff([]float32{1, 0, 0, 1}, oh.Data); diff != "" {
		t.Fatalf("one hot (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{1, 1}, SumLast(oh).Data); diff != "" {
		t.Fatalf("sum (-want +got):\n%s", diff)
	}
}

func TestMaxPoolAndDense(t *testing.T) {
	t.Parallel()
	x := FromData([]int{1, 1, 2, 2}, []float32{1, 5, 3, 2})
	p := MaxPool2D(x, 2, 2)
	require.Equal(t, []float32{5}, p.Data)

	in := FromData([]int{1, 2}, []float32{1, 2})
	w := FromData([]int{2, 2}, []float32{1, 1, 2, -1})
	out := Dense(in, w, []float32{0.5, 0})
	if diff := cmp.Diff([]float32{3.5, 0}, out.Data); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}
