package dotdb

// TileKey identifies one cell of the density pyramid.
// Level 0 is the coarsest grid; each finer level doubles the grid
// resolution on both axes. Parent/child relationships are arithmetic
// (coordinate shifts), never stored.
type TileKey struct {
	Level uint8
	X, Y  uint32
}

// Parent returns the key of the covering cell one level coarser.
// The second result is false at level 0.
func (k TileKey) Parent() (TileKey, bool) {
	if k.Level == 0 {
		return TileKey{}, false
	}
	return TileKey{Level: k.Level - 1, X: k.X >> 1, Y: k.Y >> 1}, true
}

// Children returns the four keys covering this cell at the next finer
// level.
func (k TileKey) Children() [4]TileKey {
	l, x, y := k.Level+1, k.X<<1, k.Y<<1
	return [4]TileKey{
		{l, x, y}, {l, x + 1, y},
		{l, x, y + 1}, {l, x + 1, y + 1},
	}
}

// ID packs the key into the 64-bit tile identifier used by the Verify
// section: level in the top byte, then 28 bits each for x and y.
func (k TileKey) ID() uint64 {
	return uint64(k.Level)<<56 | uint64(k.X&0xFFFFFFF)<<28 | uint64(k.Y&0xFFFFFFF)
}

// KeyFromID unpacks a 64-bit tile identifier.
func KeyFromID(id uint64) TileKey {
	return TileKey{
		Level: uint8(id >> 56),
		X:     uint32(id >> 28 & 0xFFFFFFF),
		Y:     uint32(id & 0xFFFFFFF),
	}
}

// DensityCell is one non-empty cell of the pyramid: the aggregate of
// every anchor bin increment inside its world rectangle.
type DensityCell struct {
	Level uint8
	X, Y  uint32

	// Count is the number of bin increments. For every non-leaf cell,
	// Count equals the sum of its four children's counts.
	Count uint32

	// Density is Count normalized by the level's maximum count, giving
	// a stable [0,1] intensity for exports. Footprint-relative
	// normalization for a specific viewport happens at render time.
	Density float32

	// StrandBalance sums +1 per forward increment and -1 per reverse
	// increment; the sign drives colormap blending.
	StrandBalance int32
}

// Key returns the cell's pyramid key.
func (c *DensityCell) Key() TileKey { return TileKey{Level: c.Level, X: c.X, Y: c.Y} }

// LevelRange locates one level's cells inside the flat, coarsest-first
// cell array. Recorded in the container metadata so an overview-only
// reader can stop after the levels it needs.
type LevelRange struct {
	Level uint8
	Start uint32
	Count uint32
}

// PyramidConfig controls pyramid construction.
type PyramidConfig struct {
	// Levels is the number of pyramid levels. Level 0 has
	// BaseResolution bins per axis; level Levels-1 has
	// BaseResolution << (Levels-1).
	Levels int

	// BaseResolution is the level-0 grid resolution per axis.
	BaseResolution uint32

	// Strict aborts the build on the first unrepresentable anchor
	// instead of skipping it.
	Strict bool

	// Workers caps build parallelism; 0 means GOMAXPROCS. Worker count
	// never affects output bytes.
	Workers int
}

// DefaultPyramidConfig returns the configuration used by the CLI:
// six levels over a 512-bin base grid, lenient, full parallelism.
func DefaultPyramidConfig() PyramidConfig {
	return PyramidConfig{Levels: 6, BaseResolution: 512}
}

// TilePyramid is the complete density pyramid for one anchor set,
// stored as a flat array of non-empty cells, coarsest level first,
// cells within a level ordered by (y, x).
type TilePyramid struct {
	Config PyramidConfig

	// TargetSpan, QuerySpan are the world extents the grid covers:
	// the concatenated contig lengths of each axis.
	TargetSpan uint64
	QuerySpan  uint64

	Cells  []DensityCell
	Levels []LevelRange
}

// resolution returns the grid resolution per axis at the given level.
func (p *TilePyramid) resolution(level uint8) uint32 {
	return p.Config.BaseResolution << level
}

// BinSize returns the world-space size of one bin at the given level,
// per axis. Non-square worlds have non-square bins.
func (p *TilePyramid) BinSize(level uint8) (bx, by float64) {
	res := float64(p.resolution(level))
	return float64(p.TargetSpan) / res, float64(p.QuerySpan) / res
}

// CellBounds returns the world rectangle covered by a cell. Bounds are
// derived from the integer grid coordinates in float64 so every
// consumer sees identical values.
func (p *TilePyramid) CellBounds(k TileKey) TileBounds {
	bx, by := p.BinSize(k.Level)
	return TileBounds{
		XMin: float64(k.X) * bx,
		XMax: float64(k.X+1) * bx,
		YMin: float64(k.Y) * by,
		YMax: float64(k.Y+1) * by,
	}
}

// LevelCells returns the slice of cells belonging to one level, or nil
// if the level is out of range.
func (p *TilePyramid) LevelCells(level uint8) []DensityCell {
	for _, r := range p.Levels {
		if r.Level == level {
			return p.Cells[r.Start : r.Start+r.Count]
		}
	}
	return nil
}

// cellAt returns the key of the cell containing a world position at
// the given level, clamping positions on the outer edge into the grid.
func (p *TilePyramid) cellAt(level uint8, x, y float64) TileKey {
	bx, by := p.BinSize(level)
	res := p.resolution(level)
	cx, cy := uint32(0), uint32(0)
	if bx > 0 {
		cx = uint32(min(max(x/bx, 0), float64(res-1)))
	}
	if by > 0 {
		cy = uint32(min(max(y/by, 0), float64(res-1)))
	}
	return TileKey{Level: level, X: cx, Y: cy}
}

// FinestLevel returns the index of the finest level.
func (p *TilePyramid) FinestLevel() uint8 {
	if p.Config.Levels == 0 {
		return 0
	}
	return uint8(p.Config.Levels - 1)
}
