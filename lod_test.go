package dotdb

import (
	"testing"
)

// densePyramid builds a pyramid whose level-0 cell counts are known, so
// anchors-per-pixel estimates are easy to reason about.
func densePyramid(t *testing.T, anchorCount int) (*TilePyramid, *Metadata) {
	t.Helper()
	meta := testMeta(1_000_000, 1_000_000)
	anchors := make([]Anchor, anchorCount)
	state := uint64(1)
	for i := range anchors {
		state = state*6364136223846793005 + 1
		qs := (state >> 20) % 990_000
		anchors[i] = Anchor{
			QueryStart: qs, QueryEnd: qs + 10,
			TargetStart: qs, TargetEnd: qs + 10,
		}
	}
	p, err := BuildPyramid(anchors, meta, PyramidConfig{Levels: 4, BaseResolution: 64})
	if err != nil {
		t.Fatal(err)
	}
	return p, meta
}

func TestSelectTierBoundaries(t *testing.T) {
	p, _ := densePyramid(t, 5000)
	full := TileBounds{XMin: 0, XMax: 1_000_000, YMin: 0, YMax: 1_000_000}
	cfg := DefaultLODConfig()

	tests := []struct {
		name string
		v    Viewport
		want Tier
	}{
		{
			// 5000 anchors over a 10x10 pixel window: far past the
			// overview cutoff.
			"tiny window", Viewport{World: full, WidthPx: 10, HeightPx: 10}, TierOverview,
		},
		{
			// Same world in 4 megapixels: ~0.001 anchors per pixel.
			"huge window", Viewport{World: full, WidthPx: 2000, HeightPx: 2000}, TierDeep,
		},
		{
			// A window framing no data at all.
			"empty region", Viewport{
				World:   TileBounds{XMin: 2_000_000, XMax: 3_000_000, YMin: 2_000_000, YMax: 3_000_000},
				WidthPx: 100, HeightPx: 100,
			}, TierDeep,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SelectTier(p, tt.v, cfg); got != tt.want {
				t.Errorf("SelectTier = %v, want %v (app = %g)",
					got, tt.want, anchorsPerPixel(p, tt.v))
			}
		})
	}
}

func TestSelectTierIsStateless(t *testing.T) {
	p, _ := densePyramid(t, 1000)
	v := Viewport{
		World:   TileBounds{XMin: 0, XMax: 1_000_000, YMin: 0, YMax: 1_000_000},
		WidthPx: 100, HeightPx: 100,
	}
	first := SelectTier(p, v, DefaultLODConfig())
	for i := 0; i < 10; i++ {
		if got := SelectTier(p, v, DefaultLODConfig()); got != first {
			t.Fatalf("iteration %d: tier flipped from %v to %v", i, first, got)
		}
	}
}

func TestLODConfigNormalized(t *testing.T) {
	cfg := LODConfig{OverviewCutoff: 0.1, DeepCutoff: 5}.normalized()
	if cfg.DeepCutoff > cfg.OverviewCutoff {
		t.Errorf("normalized cutoffs inverted: %+v", cfg)
	}
	zero := LODConfig{}.normalized()
	if zero != DefaultLODConfig() {
		t.Errorf("zero config normalized to %+v", zero)
	}
}

func TestOverviewLevelPicksCoarsestThatResolves(t *testing.T) {
	p, _ := densePyramid(t, 100)
	cfg := DefaultLODConfig()
	full := TileBounds{XMin: 0, XMax: 1_000_000, YMin: 0, YMax: 1_000_000}

	// A tiny output: the coarsest level is already finer than needed.
	coarse := overviewLevel(p, Viewport{World: full, WidthPx: 16, HeightPx: 16}, cfg)
	if coarse != 0 {
		t.Errorf("coarse viewport picked level %d, want 0", coarse)
	}

	// A large output needs a finer level.
	fine := overviewLevel(p, Viewport{World: full, WidthPx: 400, HeightPx: 400}, cfg)
	if fine == 0 {
		t.Error("large viewport still picked level 0")
	}

	// Zooming never selects past the finest stored level.
	deep := overviewLevel(p, Viewport{
		World:   TileBounds{XMin: 0, XMax: 100, YMin: 0, YMax: 100},
		WidthPx: 1000, HeightPx: 1000,
	}, cfg)
	if deep != p.FinestLevel() {
		t.Errorf("over-zoomed viewport picked level %d, want %d", deep, p.FinestLevel())
	}
}

func TestStyleAlpha(t *testing.T) {
	style := DefaultStyle()

	withID := &Anchor{Identity: 0.5, HasIdentity: true}
	if got := style.alphaFor(withID); got != 0.5 {
		t.Errorf("identity alpha = %g, want 0.5", got)
	}

	noID := &Anchor{}
	if got := style.alphaFor(noID); got != 1 {
		t.Errorf("missing identity alpha = %g, want BaseAlpha 1", got)
	}

	style.IdentityAlpha = false
	if got := style.alphaFor(withID); got != 1 {
		t.Errorf("alpha with modulation off = %g, want 1", got)
	}

	style.BaseAlpha = 0.8
	style.IdentityAlpha = true
	if got := style.alphaFor(withID); got != 0.4 {
		t.Errorf("scaled alpha = %g, want 0.4", got)
	}
}

func TestStyleStrandFilter(t *testing.T) {
	s := Style{ShowForward: true}
	if !s.showsStrand(Forward) || s.showsStrand(Reverse) {
		t.Error("forward-only filter wrong")
	}
	s = Style{ShowReverse: true}
	if s.showsStrand(Forward) || !s.showsStrand(Reverse) {
		t.Error("reverse-only filter wrong")
	}
}

func TestClipSegment(t *testing.T) {
	w := TileBounds{XMin: 0, XMax: 100, YMin: 0, YMax: 100}

	tests := []struct {
		name                 string
		x0, y0, x1, y1       float64
		visible, clippedFrom bool
	}{
		{"inside", 10, 10, 90, 90, true, false},
		{"outside", 200, 200, 300, 300, false, false},
		{"entering", -50, 50, 50, 50, true, true},
		{"through", -50, 50, 150, 50, true, true},
		{"exiting", 50, 50, 150, 50, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cx0, cy0, cx1, cy1, visible, clippedStart := clipSegment(tt.x0, tt.y0, tt.x1, tt.y1, w)
			if visible != tt.visible {
				t.Fatalf("visible = %v, want %v", visible, tt.visible)
			}
			if !visible {
				return
			}
			if clippedStart != tt.clippedFrom {
				t.Errorf("clippedStart = %v, want %v", clippedStart, tt.clippedFrom)
			}
			for _, v := range []float64{cx0, cy0, cx1, cy1} {
				if v < -1e-9 || v > 100+1e-9 {
					t.Errorf("clipped coordinate %g outside window", v)
				}
			}
		})
	}
}

func TestViewportZoom(t *testing.T) {
	v := Viewport{
		World:   TileBounds{XMin: 0, XMax: 1024, YMin: 0, YMax: 1024},
		WidthPx: 1024, HeightPx: 1024,
	}
	if z := v.Zoom(); z != 0 {
		t.Errorf("1:1 zoom = %g, want 0", z)
	}
	v.World.XMax = 4096
	if z := v.Zoom(); z != -2 {
		t.Errorf("zoomed-out = %g, want -2", z)
	}
}
