package dotdb

import (
	"errors"
	"sync"
)

// ErrFallbackToCPU indicates the binning accelerator cannot handle this
// workload. The builder transparently falls back to CPU binning.
var ErrFallbackToCPU = errors.New("dotdb: falling back to CPU binning")

// BinSegment is one anchor converted to finest-level grid coordinates:
// a line from (X0, Y0) to (X1, Y1) in bin space. Reverse-strand anchors
// arrive with Y0 > Y1.
type BinSegment struct {
	X0, Y0 uint32
	X1, Y1 uint32
	Strand Strand
}

// BinCell is one accumulated finest-level bin.
type BinCell struct {
	X, Y          uint32
	Count         uint32
	StrandBalance int32
}

// BinAccelerator is an optional accelerated implementation of
// finest-level anchor binning, typically GPU compute.
//
// Implementations must honor the builder's determinism contract:
// BinSegments is a pure function of its input, every bin a segment's
// line traversal crosses receives exactly one increment, and the
// returned cells are sorted by (Y, X). A result that satisfies the
// contract is byte-for-byte interchangeable with the CPU path.
//
// Return ErrFallbackToCPU (possibly wrapped) to decline a workload;
// the builder then bins on the CPU without surfacing an error.
//
// Implementations are provided by backend packages (backend/native/).
// Users opt in via RegisterBinAccelerator, normally from a blank
// import's init.
type BinAccelerator interface {
	// Name identifies the accelerator in log output.
	Name() string

	// BinSegments rasterizes segments into a gridSize x gridSize bin
	// grid and returns the non-empty cells sorted by (Y, X).
	BinSegments(segments []BinSegment, gridSize uint32) ([]BinCell, error)
}

var (
	binAccelMu sync.RWMutex
	binAccel   BinAccelerator
)

// RegisterBinAccelerator installs a binning accelerator for subsequent
// pyramid builds. Passing nil removes the current accelerator.
//
// Registration must not race with an in-progress build; register once
// during startup.
func RegisterBinAccelerator(a BinAccelerator) error {
	binAccelMu.Lock()
	defer binAccelMu.Unlock()
	if binAccel != nil && a != nil {
		return errors.New("dotdb: bin accelerator already registered")
	}
	binAccel = a
	if a != nil {
		Logger().Info("bin accelerator registered", "name", a.Name())
	}
	return nil
}

// ActiveBinAccelerator returns the registered accelerator, or nil.
func ActiveBinAccelerator() BinAccelerator {
	binAccelMu.RLock()
	defer binAccelMu.RUnlock()
	return binAccel
}
