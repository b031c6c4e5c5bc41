package native

import (
	"errors"
	"testing"

	"github.com/dotviz/dotdb"
)

func TestConvertSegments(t *testing.T) {
	segs := []dotdb.BinSegment{
		{X0: 1, Y0: 2, X1: 3, Y1: 4, Strand: dotdb.Forward},
		{X0: 5, Y0: 9, X1: 9, Y1: 5, Strand: dotdb.Reverse},
	}
	gpu := convertSegments(segs)
	if len(gpu) != 2 {
		t.Fatalf("got %d segments, want 2", len(gpu))
	}
	if gpu[0].StrandDelta != 1 {
		t.Errorf("forward delta = %d, want 1", gpu[0].StrandDelta)
	}
	if gpu[1].StrandDelta != -1 {
		t.Errorf("reverse delta = %d, want -1", gpu[1].StrandDelta)
	}
	if gpu[1].X0 != 5 || gpu[1].Y0 != 9 || gpu[1].X1 != 9 || gpu[1].Y1 != 5 {
		t.Errorf("coordinates not preserved: %+v", gpu[1])
	}
}

func TestDispatchCPUDiagonal(t *testing.T) {
	b := &Binner{}
	segs := []GPUBinSegment{
		{X0: 0, Y0: 0, X1: 3, Y1: 3, StrandDelta: 1},
	}
	counts, balances := b.dispatchCPU(segs, GPUBinConfig{GridSize: 4, SegmentCount: 1})

	// A perfect diagonal visits exactly the four diagonal bins.
	for i := 0; i < 4; i++ {
		bin := i*4 + i
		if counts[bin] != 1 {
			t.Errorf("diagonal bin (%d,%d) count = %d, want 1", i, i, counts[bin])
		}
		if balances[bin] != 1 {
			t.Errorf("diagonal bin (%d,%d) balance = %d, want 1", i, i, balances[bin])
		}
	}
	total := uint32(0)
	for _, c := range counts {
		total += c
	}
	if total != 4 {
		t.Errorf("total increments = %d, want 4", total)
	}
}

func TestDispatchCPUSingleBin(t *testing.T) {
	b := &Binner{}
	segs := []GPUBinSegment{
		{X0: 2, Y0: 1, X1: 2, Y1: 1, StrandDelta: -1},
		{X0: 2, Y0: 1, X1: 2, Y1: 1, StrandDelta: 1},
	}
	counts, balances := b.dispatchCPU(segs, GPUBinConfig{GridSize: 4, SegmentCount: 2})

	bin := 1*4 + 2
	if counts[bin] != 2 {
		t.Errorf("count = %d, want 2", counts[bin])
	}
	if balances[bin] != 0 {
		t.Errorf("balance = %d, want 0 (strands cancel)", balances[bin])
	}
}

func TestCollectCellsOrder(t *testing.T) {
	counts := make([]uint32, 16)
	balances := make([]int32, 16)
	// Scattered cells, deliberately out of (y, x) insertion order.
	counts[3*4+1] = 5
	counts[0*4+2] = 1
	counts[1*4+0] = 2
	balances[1*4+0] = -2

	cells := collectCells(counts, balances, 4)
	if len(cells) != 3 {
		t.Fatalf("got %d cells, want 3", len(cells))
	}
	want := []dotdb.BinCell{
		{X: 2, Y: 0, Count: 1},
		{X: 0, Y: 1, Count: 2, StrandBalance: -2},
		{X: 1, Y: 3, Count: 5},
	}
	for i, c := range cells {
		if c != want[i] {
			t.Errorf("cell %d = %+v, want %+v", i, c, want[i])
		}
	}
}

func TestBinSegmentsRequiresDevice(t *testing.T) {
	b := &Binner{}
	_, err := b.BinSegments([]dotdb.BinSegment{{X1: 1, Y1: 1}}, 16)
	if !errors.Is(err, dotdb.ErrFallbackToCPU) {
		t.Fatalf("err = %v, want ErrFallbackToCPU", err)
	}
}

func TestNewBinnerNilDevice(t *testing.T) {
	if _, err := NewBinner(nil, nil); err == nil {
		t.Fatal("expected error for nil device")
	}
}
