package dotdb

import (
	"context"
	"math"

	"github.com/gogpu/gputypes"
)

// RenderData is the package handed to the external renderer for one
// viewport request. Exactly one of Overview, Mid, Deep is populated,
// matching Tier. All slices are freshly allocated per request; the
// preparer only borrows the container's decoded sections and discards
// partial output on cancellation, so an abandoned request leaves no
// state behind.
type RenderData struct {
	Tier       Tier
	Viewport   Viewport
	Projection Projection

	Overview *OverviewPayload
	Mid      *MidPayload
	Deep     *DeepPayload
}

// DensityTexture is an upload-ready single-channel image of normalized
// density for the visible bin range of one pyramid level. Texels are
// row-major, 8-bit, ready for a [0,1] colormap ramp; the per-cell
// records alongside keep the exact float values.
type DensityTexture struct {
	Size      gputypes.Extent3D
	Dimension gputypes.TextureDimension
	Format    gputypes.TextureFormat
	Usage     gputypes.TextureUsage

	// World is the rectangle the texture spans, aligned to bin edges.
	World TileBounds

	Texels []uint8
}

// OverviewCell is one visible pyramid cell with its exact aggregates.
type OverviewCell struct {
	Bounds        TileBounds
	Count         uint32
	Density       float32
	StrandBalance int32
	Alpha         float32
}

// OverviewPayload is the heatmap tier: a density texture plus the
// per-cell records it was rasterized from.
type OverviewPayload struct {
	Level   uint8
	Texture DensityTexture
	Cells   []OverviewCell
}

// PolyVertex is a screen-space polyline vertex. Screen coordinates are
// viewport-relative, so float32 is safe here.
type PolyVertex struct {
	X, Y float32
}

// Polyline is one chain's vertex stream clipped to the viewport. A
// chain crossing the viewport edge multiple times yields multiple
// polylines with the same ChainID.
type Polyline struct {
	ChainID  uint32
	Strand   Strand
	Score    float32
	Alpha    float32
	Vertices []PolyVertex
}

// MidPayload is the polyline tier.
type MidPayload struct {
	Polylines []Polyline
}

// PointInstance is one anchor as an instanced point. Position is
// 16-bit tile-local; Tile indexes DeepPayload.Bounds for the bounds
// needed to reach world and then screen space.
type PointInstance struct {
	X, Y     uint16
	Tile     uint32
	Strand   Strand
	MapQ     uint8
	HasMapQ  bool
	Alpha    float32
	AnchorID uint32
}

// DeepPayload is the point tier. Bounds holds the distinct
// finest-level tile rectangles referenced by the instances.
type DeepPayload struct {
	Bounds []TileBounds
	Points []PointInstance
}

// PrepareOption configures PrepareRenderData.
type PrepareOption func(*prepareConfig)

type prepareConfig struct {
	lod       LODConfig
	forceTier Tier
	forced    bool
}

// WithLODConfig overrides the tier selection cutoffs.
func WithLODConfig(cfg LODConfig) PrepareOption {
	return func(p *prepareConfig) { p.lod = cfg }
}

// WithTier bypasses selection and prepares the given tier.
func WithTier(t Tier) PrepareOption {
	return func(p *prepareConfig) {
		p.forceTier = t
		p.forced = true
	}
}

// PrepareRenderData selects the tier for the viewport and assembles
// its payload from the container's decoded sections. The context
// cancels mid-assembly: a superseded viewport request returns ctx.Err
// and its partial output is discarded.
func PrepareRenderData(ctx context.Context, c *Container, v Viewport, style Style, opts ...PrepareOption) (*RenderData, error) {
	cfg := prepareConfig{lod: DefaultLODConfig()}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.lod = cfg.lod.normalized()

	pyramid, err := c.Pyramid()
	if err != nil {
		return nil, err
	}

	// The storage query runs in unswapped space; the swap is applied
	// to emitted geometry only.
	storageView := v
	if style.SwapAxes {
		storageView.World = swapBounds(v.World)
		storageView.WidthPx, storageView.HeightPx = v.HeightPx, v.WidthPx
	}

	tier := cfg.forceTier
	if !cfg.forced {
		tier = SelectTier(pyramid, storageView, cfg.lod)
	}

	rd := &RenderData{
		Tier:       tier,
		Viewport:   v,
		Projection: NewProjection(v),
	}
	switch tier {
	case TierOverview:
		rd.Overview, err = prepareOverview(ctx, c, pyramid, storageView, style, cfg.lod)
	case TierMid:
		rd.Mid, err = prepareMid(ctx, c, v, style)
	case TierDeep:
		rd.Deep, err = prepareDeep(ctx, c, pyramid, storageView, style)
	}
	if err != nil {
		return nil, err
	}
	Logger().Debug("render data prepared",
		"tier", tier.String(),
		"zoom", v.Zoom())
	return rd, nil
}

func swapBounds(b TileBounds) TileBounds {
	return TileBounds{XMin: b.YMin, XMax: b.YMax, YMin: b.XMin, YMax: b.XMax}
}

func (s Style) emitBounds(b TileBounds) TileBounds {
	if s.SwapAxes {
		return swapBounds(b)
	}
	return b
}

func prepareOverview(ctx context.Context, c *Container, p *TilePyramid, v Viewport, style Style, cfg LODConfig) (*OverviewPayload, error) {
	level := overviewLevel(p, v, cfg)
	idx := c.levelIdx.GetOrCreate(uint64(level), func() *levelIndex {
		return newLevelIndex(p, level)
	})

	visible := idx.visible(p, v.World, nil)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Cells carry identity through their verification records, when the
	// tile has been verified. An unreadable Verify section degrades to
	// constant alpha rather than blocking the heatmap.
	var verified map[uint64]VerifyRecord
	if style.IdentityAlpha {
		var err error
		verified, err = c.VerifyByTile()
		if err != nil {
			Logger().Warn("verify records unavailable", "err", err)
		}
	}

	// Bin range covered by the visible cells, aligned to bin edges.
	bx, by := p.BinSize(level)
	x0, y0 := uint32(math.MaxUint32), uint32(math.MaxUint32)
	var x1, y1 uint32
	for _, i := range visible {
		cell := &idx.cells[i]
		x0 = min(x0, cell.X)
		y0 = min(y0, cell.Y)
		x1 = max(x1, cell.X)
		y1 = max(y1, cell.Y)
	}

	payload := &OverviewPayload{Level: level}
	if len(visible) == 0 {
		return payload, nil
	}

	w := int(x1-x0) + 1
	h := int(y1-y0) + 1
	texW, texH := w, h
	if style.SwapAxes {
		texW, texH = h, w
	}
	texels := make([]uint8, texW*texH)
	cells := make([]OverviewCell, 0, len(visible))

	for n, i := range visible {
		if n&4095 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		cell := &idx.cells[i]
		bounds := p.CellBounds(cell.Key())

		alpha := style.BaseAlpha
		if rec, ok := verified[cell.Key().ID()]; style.IdentityAlpha && ok {
			alpha = style.BaseAlpha * rec.MeanIdentity
		}
		cells = append(cells, OverviewCell{
			Bounds:        style.emitBounds(bounds),
			Count:         cell.Count,
			Density:       cell.Density,
			StrandBalance: cell.StrandBalance,
			Alpha:         alpha,
		})

		tx, ty := int(cell.X-x0), int(cell.Y-y0)
		if style.SwapAxes {
			tx, ty = ty, tx
		}
		texels[ty*texW+tx] = uint8(math.Round(float64(cell.Density) * 255))
	}

	world := TileBounds{
		XMin: float64(x0) * bx,
		XMax: float64(x1+1) * bx,
		YMin: float64(y0) * by,
		YMax: float64(y1+1) * by,
	}
	payload.Texture = DensityTexture{
		Size: gputypes.Extent3D{
			Width:              uint32(texW),
			Height:             uint32(texH),
			DepthOrArrayLayers: 1,
		},
		Dimension: gputypes.TextureDimension2D,
		Format:    gputypes.TextureFormatR8Unorm,
		Usage:     gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst,
		World:     style.emitBounds(world),
		Texels:    texels,
	}
	payload.Cells = cells
	return payload, nil
}

func prepareMid(ctx context.Context, c *Container, v Viewport, style Style) (*MidPayload, error) {
	chains, err := c.Chains()
	if err != nil {
		return nil, err
	}
	proj := NewProjection(v)
	payload := &MidPayload{}

	// The clip window is the displayed viewport; chain vertices are
	// remapped into display space first.
	for n := range chains {
		if n&255 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		ch := &chains[n]
		if !style.showsStrand(ch.Strand) {
			continue
		}

		alpha := style.BaseAlpha
		var run []PolyVertex
		flush := func() {
			if len(run) >= 2 {
				payload.Polylines = append(payload.Polylines, Polyline{
					ChainID:  ch.ID,
					Strand:   ch.Strand,
					Score:    ch.Score,
					Alpha:    alpha,
					Vertices: run,
				})
			}
			run = nil
		}

		for i := 1; i < len(ch.Vertices); i++ {
			x0, y0 := chainVertexWorld(ch.Vertices[i-1], style)
			x1, y1 := chainVertexWorld(ch.Vertices[i], style)
			cx0, cy0, cx1, cy1, visible, clippedStart := clipSegment(x0, y0, x1, y1, v.World)
			if !visible {
				flush()
				continue
			}
			sx0, sy0 := proj.WorldToScreen(cx0, cy0)
			sx1, sy1 := proj.WorldToScreen(cx1, cy1)
			if len(run) == 0 || clippedStart {
				flush()
				run = append(run, PolyVertex{sx0, sy0})
			}
			run = append(run, PolyVertex{sx1, sy1})
		}
		flush()
	}
	return payload, nil
}

func chainVertexWorld(cv ChainVertex, style Style) (x, y float64) {
	x, y = float64(cv.TargetPos), float64(cv.QueryPos)
	if style.SwapAxes {
		x, y = y, x
	}
	return x, y
}

// Cohen-Sutherland outcodes.
const (
	clipLeft = 1 << iota
	clipRight
	clipBottom
	clipTop
)

func outcode(x, y float64, w TileBounds) int {
	code := 0
	switch {
	case x < w.XMin:
		code |= clipLeft
	case x > w.XMax:
		code |= clipRight
	}
	switch {
	case y < w.YMin:
		code |= clipBottom
	case y > w.YMax:
		code |= clipTop
	}
	return code
}

// clipSegment clips the segment to the window. clippedStart reports
// that the first endpoint moved, which starts a new polyline run.
func clipSegment(x0, y0, x1, y1 float64, w TileBounds) (cx0, cy0, cx1, cy1 float64, visible, clippedStart bool) {
	c0, c1 := outcode(x0, y0, w), outcode(x1, y1, w)
	origC0 := c0
	for {
		switch {
		case c0|c1 == 0:
			return x0, y0, x1, y1, true, origC0 != 0
		case c0&c1 != 0:
			return 0, 0, 0, 0, false, false
		}

		c := c0
		if c == 0 {
			c = c1
		}
		var x, y float64
		switch {
		case c&clipTop != 0:
			x = x0 + (x1-x0)*(w.YMax-y0)/(y1-y0)
			y = w.YMax
		case c&clipBottom != 0:
			x = x0 + (x1-x0)*(w.YMin-y0)/(y1-y0)
			y = w.YMin
		case c&clipRight != 0:
			y = y0 + (y1-y0)*(w.XMax-x0)/(x1-x0)
			x = w.XMax
		default:
			y = y0 + (y1-y0)*(w.XMin-x0)/(x1-x0)
			x = w.XMin
		}
		if c == c0 {
			x0, y0 = x, y
			c0 = outcode(x0, y0, w)
		} else {
			x1, y1 = x, y
			c1 = outcode(x1, y1, w)
		}
	}
}

func prepareDeep(ctx context.Context, c *Container, p *TilePyramid, v Viewport, style Style) (*DeepPayload, error) {
	anchors, err := c.Anchors()
	if err != nil {
		return nil, err
	}
	meta := c.Metadata()
	qOffsets, _ := axisOffsets(meta.QueryContigs)
	tOffsets, _ := axisOffsets(meta.TargetContigs)

	level := p.FinestLevel()
	payload := &DeepPayload{}
	tileSlot := make(map[TileKey]uint32)

	for i := range anchors {
		if i&8191 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		a := &anchors[i]
		if !style.showsStrand(a.Strand) {
			continue
		}
		if int(a.TargetID) >= len(tOffsets) || int(a.QueryID) >= len(qOffsets) {
			continue
		}

		// Midpoint of the matched interval pair, in unswapped world
		// space: x along the target axis, y along the query axis.
		x := float64(tOffsets[a.TargetID]) + (float64(a.TargetStart)+float64(a.TargetEnd))/2
		y := float64(qOffsets[a.QueryID]) + (float64(a.QueryStart)+float64(a.QueryEnd))/2
		if !v.World.Contains(x, y) {
			continue
		}

		key := p.cellAt(level, x, y)
		slot, ok := tileSlot[key]
		if !ok {
			slot = uint32(len(payload.Bounds))
			tileSlot[key] = slot
			payload.Bounds = append(payload.Bounds, style.emitBounds(p.CellBounds(key)))
		}

		bounds := p.CellBounds(key)
		ex, ey := x, y
		eb := bounds
		if style.SwapAxes {
			ex, ey = ey, ex
			eb = swapBounds(bounds)
		}
		lx, ly := eb.EncodeLocal(ex, ey)

		payload.Points = append(payload.Points, PointInstance{
			X:        lx,
			Y:        ly,
			Tile:     slot,
			Strand:   a.Strand,
			MapQ:     a.MapQ,
			HasMapQ:  a.HasMapQ,
			Alpha:    style.alphaFor(a),
			AnchorID: uint32(i),
		})
	}
	return payload, nil
}
