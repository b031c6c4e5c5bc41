package dotdb

import "sort"

// Position is a 0-based genomic offset in base pairs.
type Position = uint64

// Strand is the orientation of a match.
type Strand uint8

const (
	// Forward matches run in the same direction on query and target.
	Forward Strand = iota
	// Reverse matches run against the query's reverse complement.
	Reverse
)

// String returns "+" for Forward and "-" for Reverse.
func (s Strand) String() string {
	if s == Reverse {
		return "-"
	}
	return "+"
}

// ParseStrand converts the conventional "+"/"-" notation.
// Anything other than "-" is treated as Forward.
func ParseStrand(s string) Strand {
	if s == "-" {
		return Reverse
	}
	return Forward
}

// Anchor is a matched interval pair between a query and a target
// contig. Coordinates are 0-based, half-open, with End > Start.
//
// Anchors are immutable once written to a container, except for the
// Identity field which MergeIdentity updates in place.
type Anchor struct {
	// QueryID and TargetID index into the container metadata's contig
	// lists.
	QueryID  uint32
	TargetID uint32

	QueryStart  Position
	QueryEnd    Position
	TargetStart Position
	TargetEnd   Position

	Strand Strand

	// MapQ is the mapping quality; valid only when HasMapQ is set.
	MapQ    uint8
	HasMapQ bool

	// Identity in [0,1]; valid only when HasIdentity is set. Populated
	// by the verification pass, absent until then.
	Identity    float32
	HasIdentity bool

	// EngineTag records which producer created the anchor
	// ("minimap2", "syncmer", ...).
	EngineTag string
}

// ContigInfo describes one named sequence on either axis.
type ContigInfo struct {
	Name     string
	Length   uint64
	Checksum string // optional, empty when absent
}

// SortAnchors sorts anchors into the canonical container order:
// (TargetID, TargetStart, QueryID, QueryStart). Delta encoding and the
// pyramid builder both assume this order; WriteContainer applies it
// itself, so callers only need SortAnchors when they want stable anchor
// indexes up front (for example before batching identity updates).
func SortAnchors(anchors []Anchor) {
	sort.SliceStable(anchors, func(i, j int) bool {
		a, b := &anchors[i], &anchors[j]
		if a.TargetID != b.TargetID {
			return a.TargetID < b.TargetID
		}
		if a.TargetStart != b.TargetStart {
			return a.TargetStart < b.TargetStart
		}
		if a.QueryID != b.QueryID {
			return a.QueryID < b.QueryID
		}
		return a.QueryStart < b.QueryStart
	})
}

// ChainVertex is one point of a chain polyline in world coordinates.
type ChainVertex struct {
	TargetPos Position
	QueryPos  Position
}

// Chain is an externally computed alignment path: an ordered polyline
// over anchors. dotdb stores and serves chains but never computes them.
type Chain struct {
	ID       uint32
	QueryID  uint32
	TargetID uint32
	Strand   Strand
	Score    float32
	Vertices []ChainVertex
}

// VerifyRecord holds the result of an exact re-alignment pass over one
// tile's region. Records are replaced wholesale per TileID, never
// partially updated.
type VerifyRecord struct {
	TileID        uint64
	MeanIdentity  float32
	Insertions    uint32
	Deletions     uint32
	Substitutions uint32
	VerifiedCount uint32
}

// SortVerifyRecords sorts records by TileID, the order the Verify
// section is stored in.
func SortVerifyRecords(records []VerifyRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].TileID < records[j].TileID
	})
}
