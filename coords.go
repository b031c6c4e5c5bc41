package dotdb

import "math"

// LocalMax is the largest tile-local coordinate value. Positions inside
// a tile are uint16 fractions of the tile's extent: 0 maps to the tile
// minimum, LocalMax to the tile maximum.
const LocalMax = 65535

// TileBounds is a tile's rectangle in world coordinates. Bounds are
// always float64; they are the precision anchor for everything drawn
// inside the tile and must never be narrowed to float32.
type TileBounds struct {
	XMin, XMax float64
	YMin, YMax float64
}

// Width returns the X extent of the bounds.
func (b TileBounds) Width() float64 { return b.XMax - b.XMin }

// Height returns the Y extent of the bounds.
func (b TileBounds) Height() float64 { return b.YMax - b.YMin }

// Intersects reports whether two rectangles overlap.
func (b TileBounds) Intersects(o TileBounds) bool {
	return b.XMin < o.XMax && b.XMax > o.XMin &&
		b.YMin < o.YMax && b.YMax > o.YMin
}

// Contains reports whether the point (x, y) lies inside the bounds.
func (b TileBounds) Contains(x, y float64) bool {
	return x >= b.XMin && x < b.XMax && y >= b.YMin && y < b.YMax
}

// EncodeLocal converts a world position to the tile-local 16-bit
// coordinate pair for these bounds. Positions outside the bounds clamp
// to the nearest edge.
func (b TileBounds) EncodeLocal(x, y float64) (lx, ly uint16) {
	return encodeAxis(x, b.XMin, b.Width()), encodeAxis(y, b.YMin, b.Height())
}

// DecodeLocal converts a tile-local coordinate pair back to world
// coordinates, computed entirely in float64.
func (b TileBounds) DecodeLocal(lx, ly uint16) (x, y float64) {
	x = b.XMin + float64(lx)/LocalMax*b.Width()
	y = b.YMin + float64(ly)/LocalMax*b.Height()
	return x, y
}

func encodeAxis(v, min, span float64) uint16 {
	if span <= 0 {
		return 0
	}
	n := math.Round((v - min) / span * LocalMax)
	if n < 0 {
		return 0
	}
	if n > LocalMax {
		return LocalMax
	}
	return uint16(n)
}

// Projection maps world coordinates to screen pixels without losing
// precision far from the origin. The viewport offset is subtracted in
// float64 first; only the small viewport-relative remainder is cast to
// float32 for the renderer.
//
// Applying a float32 world-to-screen matrix directly to raw world
// coordinates loses sub-unit precision beyond ~10^7, which at genome
// scale (10^11) shows up as multi-kilobase jitter. The two-stage order
// here is the correctness property, not an optimization.
type Projection struct {
	// OffsetX, OffsetY is the world position of the viewport's top-left
	// corner.
	OffsetX, OffsetY float64

	// ScaleX, ScaleY convert world units to pixels.
	ScaleX, ScaleY float64
}

// NewProjection builds the projection for a viewport.
func NewProjection(v Viewport) Projection {
	w := v.World.Width()
	h := v.World.Height()
	if w <= 0 {
		w = 1
	}
	if h <= 0 {
		h = 1
	}
	return Projection{
		OffsetX: v.World.XMin,
		OffsetY: v.World.YMin,
		ScaleX:  float64(v.WidthPx) / w,
		ScaleY:  float64(v.HeightPx) / h,
	}
}

// WorldToScreen projects a world position to screen pixels. The
// subtraction happens in float64; the result is viewport-relative and
// safe to narrow.
func (p Projection) WorldToScreen(x, y float64) (sx, sy float32) {
	return float32((x - p.OffsetX) * p.ScaleX), float32((y - p.OffsetY) * p.ScaleY)
}

// TileToScreen projects a tile-local coordinate to screen pixels using
// the tile's declared bounds. This is the only sanctioned path from
// stored 16-bit positions to the screen: local -> world in float64,
// then the viewport-relative projection.
func (p Projection) TileToScreen(b TileBounds, lx, ly uint16) (sx, sy float32) {
	x, y := b.DecodeLocal(lx, ly)
	return p.WorldToScreen(x, y)
}
