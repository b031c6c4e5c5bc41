// Package dotdb stores genome-scale dot-plot alignment data in a sparse
// multiresolution tile pyramid and prepares level-of-detail render data
// for GPU-style instanced renderers.
//
// # Overview
//
// A dot plot places one sequence set on the X axis (target) and one on
// the Y axis (query); every matched region ("anchor") is a point or a
// short diagonal line. At chromosome and genome scale this means tens of
// millions of anchors over a coordinate space of up to ~10^11 base
// pairs per axis, far beyond what 32-bit floats or naive point lists can
// handle. dotdb solves this with three pieces:
//
//   - A binary container format (.dpdb) that persists anchors, a
//     precomputed density pyramid, chain polylines, and verification
//     results in independently compressed, independently seekable
//     sections.
//   - A quadtree density pyramid built from the anchor set with a
//     deterministic line-traversal rasterizer, so the whole-genome
//     overview renders from aggregates instead of raw points.
//   - A coordinate model that keeps all tile bounds in float64 and
//     expresses positions inside a tile as 16-bit normalized integers,
//     so the renderer never applies single-precision math to raw world
//     coordinates.
//
// # Quick Start
//
//	parsed, err := dotdb.ParsePAFFile("aln.paf.gz")
//	meta := &dotdb.Metadata{
//		QueryContigs:  parsed.QueryContigs,
//		TargetContigs: parsed.TargetContigs,
//	}
//	pyramid, err := dotdb.BuildPyramid(parsed.Anchors, meta, dotdb.DefaultPyramidConfig())
//	err = dotdb.WriteContainer("out.dpdb", meta, parsed.Anchors, pyramid, dotdb.WriteOptions{})
//
//	c, err := dotdb.OpenContainer("out.dpdb")
//	defer c.Close()
//	data, err := dotdb.PrepareRenderData(ctx, c, viewport, style)
//	switch data.Tier {
//	case dotdb.TierOverview: // density texture
//	case dotdb.TierMid:      // clipped chain polylines
//	case dotdb.TierDeep:     // per-anchor point instances
//	}
//
// # Architecture
//
// The library is organized into:
//   - Public API: Anchor, Container, TilePyramid, PrepareRenderData
//   - cache/: sharded LRU used for per-level tile indexes
//   - backend/native/: optional wgpu compute binning accelerator
//   - cmd/dotdb/: import, info, preview and merge command line tool
//
// # Coordinate System
//
// World coordinates are concatenated contig offsets in base pairs,
// target on X, query on Y, origin at the first base of the first
// contig. Tile-local coordinates are uint16 in [0, 65535] relative to
// the tile's float64 bounds.
//
// # Determinism
//
// Building the same anchors with the same configuration produces
// byte-identical Anchors and Tiles sections, regardless of worker count
// or binning backend. Reproducible exports depend on this.
package dotdb

// Version information
const (
	// Version is the current version of the library
	Version = "0.2.0"

	// FormatVersion is the on-disk container format version.
	// Readers reject files with a newer version.
	FormatVersion = 1
)
