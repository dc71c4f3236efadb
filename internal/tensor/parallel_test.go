package tensor

import (
	"sync/atomic"
	"testing"
)

func TestParallelRowsVisitsEveryRowOnce(t *testing.T) {
	t.Parallel()
	for _, rows := range []int{0, 1, 7, 64, 1001} {
		hits := make([]atomic.Int32, rows)
		parallelRows(rows, minParallelWork, func(rs, re int) {
			for i := rs; i < re; i++ {
				hits[i].Add(1)
			}
		})
		for i := range hits {
			if got := hits[i].Load(); got != 1 {
				t.Fatalf("rows=%d: row %d visited %d times", rows, i, got)
			}
		}
	}
}

func TestRowPoolStartsOnDemand(t *testing.T) {
	t.Parallel()
	p := newRowPool(4)
	var calls atomic.Int32
	p.run(8, 1, func(rs, re int) { calls.Add(1) })
	if p.started.Load() {
		t.Fatal("pool started for a kernel below the parallel threshold")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected one serial call, got %d", got)
	}

	calls.Store(0)
	p.run(8, minParallelWork, func(rs, re int) { calls.Add(1) })
	if !p.started.Load() {
		t.Fatal("pool did not start for a large kernel")
	}
	if got := calls.Load(); got != 4 {
		t.Fatalf("expected 4 row ranges, got %d", got)
	}
}

func TestConvMatchesSerialOnLargeInput(t *testing.T) {
	t.Parallel()
	x := New(2, 8, 16, 16)
	for i := range x.Data {
		x.Data[i] = float32(i%13) - 6
	}
	w := New(16, 8, 3, 3)
	for i := range w.Data {
		w.Data[i] = float32(i%7)*0.25 - 0.75
	}
	opts := Conv2DOptions{PadMode: PadSame}
	got := Conv2D(x, w, opts)

	serial := New(got.Shape...)
	conv2DPlanes(serial, x, w, opts.normalized(), 0, 2*16)
	for i := range got.Data {
		if got.Data[i] != serial.Data[i] {
			t.Fatalf("element %d: parallel %v, serial %v", i, got.Data[i], serial.Data[i])
		}
	}
}
