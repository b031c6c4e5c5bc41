package dotdb

import (
	"errors"
	"fmt"
	"sort"

	"github.com/dotviz/dotdb/internal/parallel"
)

// maxPyramidLevels keeps the finest grid resolution inside the 28 bits
// the tile identifier reserves per axis.
const maxPyramidLevels = 18

// binAccum is the running aggregate for one finest-level bin.
type binAccum struct {
	count   uint32
	balance int32
}

// binGrid maps world positions to bin coordinates at one level.
type binGrid struct {
	res   uint32
	spanX float64
	spanY float64
}

func (g binGrid) binX(pos uint64) uint32 { return g.bin(float64(pos), g.spanX) }
func (g binGrid) binY(pos uint64) uint32 { return g.bin(float64(pos), g.spanY) }

func (g binGrid) bin(pos, span float64) uint32 {
	if span <= 0 {
		return 0
	}
	b := uint32(pos / span * float64(g.res))
	if b >= g.res {
		b = g.res - 1
	}
	return b
}

// BuildPyramid constructs the density pyramid for an anchor set.
// Anchors may arrive in any order; the builder sorts a copy into the
// canonical container order so traversal and summation order are fixed
// and repeated builds are byte-identical.
//
// Anchors whose coordinates extend past their contig's declared length
// are not representable in the concatenated grid. With cfg.Strict they
// abort the build with a BuildError; otherwise they are skipped and
// counted in a single warning log line.
func BuildPyramid(anchors []Anchor, meta *Metadata, cfg PyramidConfig) (*TilePyramid, error) {
	if cfg.Levels <= 0 || cfg.Levels > maxPyramidLevels {
		return nil, fmt.Errorf("dotdb: pyramid levels must be in 1..%d, got %d", maxPyramidLevels, cfg.Levels)
	}
	if cfg.BaseResolution == 0 {
		return nil, errors.New("dotdb: pyramid base resolution must be positive")
	}
	if meta == nil || len(meta.QueryContigs) == 0 || len(meta.TargetContigs) == 0 {
		return nil, errors.New("dotdb: metadata must declare query and target contigs")
	}

	qOffsets, qTotal := axisOffsets(meta.QueryContigs)
	tOffsets, tTotal := axisOffsets(meta.TargetContigs)

	p := &TilePyramid{
		Config:     cfg,
		TargetSpan: tTotal,
		QuerySpan:  qTotal,
	}
	if len(anchors) == 0 {
		p.Levels = emptyLevelRanges(cfg.Levels)
		return p, nil
	}

	sorted := make([]Anchor, len(anchors))
	copy(sorted, anchors)
	SortAnchors(sorted)

	finest := uint8(cfg.Levels - 1)
	grid := binGrid{
		res:   cfg.BaseResolution << finest,
		spanX: float64(tTotal),
		spanY: float64(qTotal),
	}

	segments := make([]BinSegment, 0, len(sorted))
	skipped := 0
	for i := range sorted {
		seg, err := anchorSegment(&sorted[i], i, grid, qOffsets, tOffsets, meta)
		if err != nil {
			if cfg.Strict {
				return nil, err
			}
			skipped++
			continue
		}
		segments = append(segments, seg)
	}
	if skipped > 0 {
		Logger().Warn("skipped unrepresentable anchors", "count", skipped, "total", len(sorted))
	}

	leaves := binAllSegments(segments, grid.res, cfg.Workers)

	levels := buildCoarserLevels(leaves, finest)
	p.Cells, p.Levels = flattenLevels(levels, cfg.Levels)

	Logger().Debug("pyramid built",
		"anchors", len(sorted), "levels", cfg.Levels,
		"finestRes", grid.res, "cells", len(p.Cells))
	return p, nil
}

// anchorSegment converts one anchor to a finest-level bin segment in
// concatenated world coordinates.
func anchorSegment(a *Anchor, idx int, grid binGrid, qOffsets, tOffsets []uint64, meta *Metadata) (BinSegment, error) {
	if int(a.QueryID) >= len(meta.QueryContigs) || int(a.TargetID) >= len(meta.TargetContigs) {
		return BinSegment{}, &BuildError{AnchorIndex: idx, Reason: "contig reference out of range"}
	}
	if a.QueryEnd <= a.QueryStart || a.TargetEnd <= a.TargetStart {
		return BinSegment{}, &BuildError{AnchorIndex: idx, Reason: "empty interval"}
	}
	if a.QueryEnd > meta.QueryContigs[a.QueryID].Length || a.TargetEnd > meta.TargetContigs[a.TargetID].Length {
		return BinSegment{}, &BuildError{AnchorIndex: idx, Reason: "crosses contig boundary"}
	}

	// Half-open ends: the last base of the interval is End-1, which
	// keeps a span that fits one bin from spilling into the next.
	tx0 := grid.binX(tOffsets[a.TargetID] + a.TargetStart)
	tx1 := grid.binX(tOffsets[a.TargetID] + a.TargetEnd - 1)
	qy0 := grid.binY(qOffsets[a.QueryID] + a.QueryStart)
	qy1 := grid.binY(qOffsets[a.QueryID] + a.QueryEnd - 1)

	seg := BinSegment{X0: tx0, X1: tx1, Strand: a.Strand}
	if a.Strand == Reverse {
		// Reverse matches run down the anti-diagonal.
		seg.Y0, seg.Y1 = qy1, qy0
	} else {
		seg.Y0, seg.Y1 = qy0, qy1
	}
	return seg, nil
}

// binAllSegments rasterizes segments into finest-level bins, using the
// registered accelerator when one accepts the workload.
func binAllSegments(segments []BinSegment, res uint32, workers int) map[uint64]binAccum {
	if a := ActiveBinAccelerator(); a != nil {
		cells, err := a.BinSegments(segments, res)
		if err == nil {
			leaves := make(map[uint64]binAccum, len(cells))
			for _, c := range cells {
				leaves[binKey(c.X, c.Y)] = binAccum{count: c.Count, balance: c.StrandBalance}
			}
			return leaves
		}
		if !errors.Is(err, ErrFallbackToCPU) {
			Logger().Warn("bin accelerator failed, using CPU", "name", a.Name(), "error", err)
		}
	}
	return cpuBinSegments(segments, res, workers)
}

// cpuBinSegments is the reference CPU binning path. Segments are
// sharded into contiguous chunks; each worker accumulates a private
// grid and partials merge in chunk order. Counts are integer sums, so
// the result is independent of worker count.
func cpuBinSegments(segments []BinSegment, res uint32, workers int) map[uint64]binAccum {
	partials := parallel.MapChunks(len(segments), workers, func(c parallel.Chunk) map[uint64]binAccum {
		part := make(map[uint64]binAccum)
		for _, seg := range segments[c.Start:c.End] {
			rasterizeSegment(seg, part)
		}
		return part
	})

	if len(partials) == 1 {
		return partials[0]
	}
	merged := make(map[uint64]binAccum)
	for _, part := range partials {
		for k, v := range part {
			acc := merged[k]
			acc.count += v.count
			acc.balance += v.balance
			merged[k] = acc
		}
	}
	return merged
}

// rasterizeSegment walks the segment's bin line with integer error
// stepping (Bresenham) and increments every bin it crosses. A segment
// collapsed to one bin contributes exactly one increment.
func rasterizeSegment(seg BinSegment, into map[uint64]binAccum) {
	delta := int32(1)
	if seg.Strand == Reverse {
		delta = -1
	}

	x, y := int64(seg.X0), int64(seg.Y0)
	x1, y1 := int64(seg.X1), int64(seg.Y1)

	dx := absInt64(x1 - x)
	sx := int64(1)
	if x > x1 {
		sx = -1
	}
	dy := -absInt64(y1 - y)
	sy := int64(1)
	if y > y1 {
		sy = -1
	}
	e := dx + dy

	for {
		k := binKey(uint32(x), uint32(y))
		acc := into[k]
		acc.count++
		acc.balance += delta
		into[k] = acc

		if x == x1 && y == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x += sx
		}
		if e2 <= dx {
			e += dx
			y += sy
		}
	}
}

// buildCoarserLevels derives every coarser level from the finest one by
// summing each cell into its parent. Count and strand balance both
// conserve mass: a parent equals the sum of its four children.
func buildCoarserLevels(leaves map[uint64]binAccum, finest uint8) []map[uint64]binAccum {
	levels := make([]map[uint64]binAccum, finest+1)
	levels[finest] = leaves
	for l := int(finest) - 1; l >= 0; l-- {
		child := levels[l+1]
		parent := make(map[uint64]binAccum, (len(child)+3)/4)
		for k, v := range child {
			x, y := binKeyXY(k)
			pk := binKey(x>>1, y>>1)
			acc := parent[pk]
			acc.count += v.count
			acc.balance += v.balance
			parent[pk] = acc
		}
		levels[l] = parent
	}
	return levels
}

// flattenLevels produces the flat cell array, coarsest level first,
// cells within a level sorted by (y, x), densities normalized by each
// level's maximum count.
func flattenLevels(levels []map[uint64]binAccum, levelCount int) ([]DensityCell, []LevelRange) {
	total := 0
	for _, m := range levels {
		total += len(m)
	}

	cells := make([]DensityCell, 0, total)
	ranges := make([]LevelRange, 0, levelCount)
	for l, m := range levels {
		start := uint32(len(cells))

		keys := make([]uint64, 0, len(m))
		maxCount := uint32(1)
		for k, v := range m {
			keys = append(keys, k)
			if v.count > maxCount {
				maxCount = v.count
			}
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

		for _, k := range keys {
			x, y := binKeyXY(k)
			v := m[k]
			cells = append(cells, DensityCell{
				Level:         uint8(l),
				X:             x,
				Y:             y,
				Count:         v.count,
				Density:       float32(v.count) / float32(maxCount),
				StrandBalance: v.balance,
			})
		}
		ranges = append(ranges, LevelRange{
			Level: uint8(l),
			Start: start,
			Count: uint32(len(cells)) - start,
		})
	}
	return cells, ranges
}

func emptyLevelRanges(levels int) []LevelRange {
	ranges := make([]LevelRange, levels)
	for i := range ranges {
		ranges[i] = LevelRange{Level: uint8(i)}
	}
	return ranges
}

// binKey packs (x, y) bin coordinates so that ascending key order is
// (y, x) order.
func binKey(x, y uint32) uint64 { return uint64(y)<<32 | uint64(x) }

func binKeyXY(k uint64) (x, y uint32) { return uint32(k), uint32(k >> 32) }

// axisOffsets returns each contig's starting offset on the concatenated
// axis plus the total axis length.
func axisOffsets(contigs []ContigInfo) ([]uint64, uint64) {
	offsets := make([]uint64, len(contigs))
	var total uint64
	for i, c := range contigs {
		offsets[i] = total
		total += c.Length
	}
	return offsets, total
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
