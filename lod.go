package dotdb

import "math"

// Viewport describes the world-space window being rendered and its
// pixel dimensions. World bounds stay float64 end to end; see
// Projection for how they reach the screen.
type Viewport struct {
	World    TileBounds
	WidthPx  int
	HeightPx int
}

// Zoom returns log2 of the horizontal pixels-per-world-unit ratio.
// Negative at genome-wide framing, around zero near base-pair scale.
func (v Viewport) Zoom() float64 {
	w := v.World.Width()
	if w <= 0 || v.WidthPx <= 0 {
		return 0
	}
	return math.Log2(float64(v.WidthPx) / w)
}

func (v Viewport) pixels() float64 {
	px := float64(v.WidthPx) * float64(v.HeightPx)
	if px <= 0 {
		return 1
	}
	return px
}

// Style holds the presentation flags the preparer applies while
// assembling a payload. Strand filtering and axis swapping happen here,
// as remaps over the read-only decoded data, never in the storage
// layer.
type Style struct {
	ShowForward bool
	ShowReverse bool

	// SwapAxes transposes the plot: target on the vertical axis, query
	// on the horizontal.
	SwapAxes bool

	// IdentityAlpha modulates point opacity linearly by the anchor's
	// identity value when one is present. Anchors without identity use
	// BaseAlpha either way.
	IdentityAlpha bool
	BaseAlpha     float32
}

// DefaultStyle shows both strands at full opacity with identity
// modulation on.
func DefaultStyle() Style {
	return Style{
		ShowForward:   true,
		ShowReverse:   true,
		IdentityAlpha: true,
		BaseAlpha:     1,
	}
}

func (s Style) showsStrand(st Strand) bool {
	if st == Reverse {
		return s.ShowReverse
	}
	return s.ShowForward
}

func (s Style) alphaFor(a *Anchor) float32 {
	if s.IdentityAlpha && a.HasIdentity {
		return s.BaseAlpha * a.Identity
	}
	return s.BaseAlpha
}

// Tier is the rendering strategy chosen for a viewport.
type Tier uint8

const (
	// TierOverview renders per-cell density heatmap tiles.
	TierOverview Tier = iota
	// TierMid renders chain polylines clipped to the viewport.
	TierMid
	// TierDeep renders one instanced point per visible anchor.
	TierDeep
)

func (t Tier) String() string {
	switch t {
	case TierOverview:
		return "overview"
	case TierMid:
		return "mid"
	case TierDeep:
		return "deep"
	default:
		return "unknown"
	}
}

// LODConfig sets the anchors-per-pixel cutoffs between tiers. The
// estimate comes from the pyramid's coarsest level, so selection never
// forces an anchor decode.
type LODConfig struct {
	// OverviewCutoff: at or above this many estimated anchors per
	// pixel, individual marks cannot resolve and the heatmap tier
	// applies.
	OverviewCutoff float64

	// DeepCutoff: at or below this many estimated anchors per pixel,
	// individual points are distinguishable.
	DeepCutoff float64

	// BinsPerPixel bounds the overview level choice: the coarsest
	// level whose bins are at most this many pixels wide is used.
	BinsPerPixel float64
}

// DefaultLODConfig returns the standard cutoffs.
func DefaultLODConfig() LODConfig {
	return LODConfig{
		OverviewCutoff: 1.0,
		DeepCutoff:     0.05,
		BinsPerPixel:   4.0,
	}
}

func (c LODConfig) normalized() LODConfig {
	d := DefaultLODConfig()
	if c.OverviewCutoff <= 0 {
		c.OverviewCutoff = d.OverviewCutoff
	}
	if c.DeepCutoff <= 0 {
		c.DeepCutoff = d.DeepCutoff
	}
	if c.DeepCutoff > c.OverviewCutoff {
		c.DeepCutoff = c.OverviewCutoff
	}
	if c.BinsPerPixel <= 0 {
		c.BinsPerPixel = d.BinsPerPixel
	}
	return c
}

// SelectTier picks the rendering tier for a viewport. It is a pure
// function of the viewport and config: no hysteresis, no stored state,
// so rapid zooming always reflects the current viewport.
func SelectTier(p *TilePyramid, v Viewport, cfg LODConfig) Tier {
	cfg = cfg.normalized()
	app := anchorsPerPixel(p, v)
	switch {
	case app >= cfg.OverviewCutoff:
		return TierOverview
	case app <= cfg.DeepCutoff:
		return TierDeep
	default:
		return TierMid
	}
}

// anchorsPerPixel estimates visible anchor density from the coarsest
// pyramid level: counts of level-0 cells overlapping the viewport,
// scaled by the overlap fraction of each cell and divided by the pixel
// area.
func anchorsPerPixel(p *TilePyramid, v Viewport) float64 {
	if p == nil || v.World.Width() <= 0 || v.World.Height() <= 0 {
		return 0
	}
	var est float64
	for _, cell := range p.LevelCells(0) {
		b := p.CellBounds(cell.Key())
		ox := math.Min(b.XMax, v.World.XMax) - math.Max(b.XMin, v.World.XMin)
		oy := math.Min(b.YMax, v.World.YMax) - math.Max(b.YMin, v.World.YMin)
		if ox <= 0 || oy <= 0 {
			continue
		}
		frac := (ox * oy) / (b.Width() * b.Height())
		est += float64(cell.Count) * frac
	}
	return est / v.pixels()
}

// overviewLevel picks the coarsest level whose bins are no wider than
// cfg.BinsPerPixel pixels on screen, falling back to the finest stored
// level when even that is too coarse.
func overviewLevel(p *TilePyramid, v Viewport, cfg LODConfig) uint8 {
	if v.WidthPx <= 0 || v.World.Width() <= 0 {
		return 0
	}
	worldPerPx := v.World.Width() / float64(v.WidthPx)
	budget := worldPerPx * cfg.BinsPerPixel
	for _, lr := range p.Levels {
		bx, _ := p.BinSize(lr.Level)
		if bx <= budget {
			return lr.Level
		}
	}
	return p.FinestLevel()
}

// levelIndex is a cached lookup structure over one pyramid level's
// cells, built on first use by the preparer and held in the
// container's sharded cache.
type levelIndex struct {
	level uint8
	cells []DensityCell
	byKey map[uint64]int

	// maxCount at this level, for renormalizing density against the
	// visible subset if a renderer wants local contrast.
	maxCount uint32
}

func newLevelIndex(p *TilePyramid, level uint8) *levelIndex {
	cells := p.LevelCells(level)
	idx := &levelIndex{
		level: level,
		cells: cells,
		byKey: make(map[uint64]int, len(cells)),
	}
	for i := range cells {
		idx.byKey[binKey(cells[i].X, cells[i].Y)] = i
		if cells[i].Count > idx.maxCount {
			idx.maxCount = cells[i].Count
		}
	}
	return idx
}

// visible appends the indexes of cells whose bounds intersect the
// world rectangle, in stored (y, x) order.
func (idx *levelIndex) visible(p *TilePyramid, world TileBounds, out []int) []int {
	for i := range idx.cells {
		if p.CellBounds(idx.cells[i].Key()).Intersects(world) {
			out = append(out, i)
		}
	}
	return out
}
