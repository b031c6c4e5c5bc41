package dotdb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

// buildTestContainer writes a small but fully populated container and
// returns its path plus the exact inputs used.
func buildTestContainer(t *testing.T, opts WriteOptions) (string, *Metadata, []Anchor, *TilePyramid) {
	t.Helper()

	meta := &Metadata{
		QueryContigs:  []ContigInfo{{Name: "chrA", Length: 1_000_000}, {Name: "chrB", Length: 500_000}},
		TargetContigs: []ContigInfo{{Name: "chr1", Length: 2_000_000}},
	}
	anchors := []Anchor{
		{QueryID: 0, TargetID: 0, QueryStart: 100, QueryEnd: 600, TargetStart: 1000, TargetEnd: 1500, EngineTag: "minimap2"},
		{QueryID: 1, TargetID: 0, QueryStart: 5000, QueryEnd: 5100, TargetStart: 900_000, TargetEnd: 900_100, Strand: Reverse, MapQ: 60, HasMapQ: true},
		{QueryID: 0, TargetID: 0, QueryStart: 400_000, QueryEnd: 400_050, TargetStart: 1_500_000, TargetEnd: 1_500_050, Identity: 0.93, HasIdentity: true},
	}
	pyramid, err := BuildPyramid(anchors, meta, PyramidConfig{Levels: 4, BaseResolution: 128})
	if err != nil {
		t.Fatalf("BuildPyramid: %v", err)
	}

	path := filepath.Join(t.TempDir(), "test.dpdb")
	if err := WriteContainer(path, meta, anchors, pyramid, opts); err != nil {
		t.Fatalf("WriteContainer: %v", err)
	}
	return path, meta, anchors, pyramid
}

func TestWriteOpenRoundTrip(t *testing.T) {
	verify := []VerifyRecord{
		{TileID: TileKey{Level: 3, X: 1, Y: 1}.ID(), MeanIdentity: 0.99, VerifiedCount: 10},
	}
	chains := []Chain{
		{ID: 1, Score: 50, Vertices: []ChainVertex{{TargetPos: 1000, QueryPos: 100}, {TargetPos: 1500, QueryPos: 600}}},
	}
	path, meta, anchors, pyramid := buildTestContainer(t, WriteOptions{
		BuildMeta: "test build",
		Chains:    chains,
		Verify:    verify,
	})

	c, err := OpenContainer(path)
	if err != nil {
		t.Fatalf("OpenContainer: %v", err)
	}
	defer c.Close()

	if c.Header().Version != FormatVersion {
		t.Errorf("version = %d, want %d", c.Header().Version, FormatVersion)
	}
	if c.Header().BuildMeta != "test build" {
		t.Errorf("build meta = %q", c.Header().BuildMeta)
	}
	if !reflect.DeepEqual(c.Metadata().QueryContigs, meta.QueryContigs) {
		t.Errorf("query contigs = %+v", c.Metadata().QueryContigs)
	}

	got, err := c.Anchors()
	if err != nil {
		t.Fatalf("Anchors: %v", err)
	}
	want := make([]Anchor, len(anchors))
	copy(want, anchors)
	SortAnchors(want)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("anchors:\ngot  %+v\nwant %+v", got, want)
	}

	gotChains, err := c.Chains()
	if err != nil {
		t.Fatalf("Chains: %v", err)
	}
	if !reflect.DeepEqual(gotChains, chains) {
		t.Errorf("chains = %+v", gotChains)
	}

	p, err := c.Pyramid()
	if err != nil {
		t.Fatalf("Pyramid: %v", err)
	}
	if !reflect.DeepEqual(p.Cells, pyramid.Cells) {
		t.Error("pyramid cells differ after round trip")
	}
	if !reflect.DeepEqual(p.Levels, pyramid.Levels) {
		t.Errorf("level ranges = %+v, want %+v", p.Levels, pyramid.Levels)
	}
	if p.TargetSpan != pyramid.TargetSpan || p.QuerySpan != pyramid.QuerySpan {
		t.Errorf("spans (%d, %d), want (%d, %d)", p.TargetSpan, p.QuerySpan, pyramid.TargetSpan, pyramid.QuerySpan)
	}

	gotVerify, err := c.Verify()
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !reflect.DeepEqual(gotVerify, verify) {
		t.Errorf("verify = %+v", gotVerify)
	}
}

// A fragmented assembly can push the contig tables well past the
// initial preamble read; opening must still succeed.
func TestOpenLargeMetadata(t *testing.T) {
	meta := &Metadata{}
	for i := 0; i < 2500; i++ {
		meta.QueryContigs = append(meta.QueryContigs, ContigInfo{
			Name:   fmt.Sprintf("query-scaffold-%06d", i),
			Length: 10_000,
		})
		meta.TargetContigs = append(meta.TargetContigs, ContigInfo{
			Name:   fmt.Sprintf("target-scaffold-%06d", i),
			Length: 10_000,
		})
	}
	if len(encodeMetadata(meta)) <= 64*1024 {
		t.Fatal("fixture metadata fits the initial read; grow the contig table")
	}

	anchors := []Anchor{
		{QueryStart: 100, QueryEnd: 200, TargetStart: 100, TargetEnd: 200},
	}
	pyramid, err := BuildPyramid(anchors, meta, PyramidConfig{Levels: 2, BaseResolution: 64})
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "big-meta.dpdb")
	if err := WriteContainer(path, meta, anchors, pyramid, WriteOptions{}); err != nil {
		t.Fatal(err)
	}

	c, err := OpenContainer(path)
	if err != nil {
		t.Fatalf("OpenContainer: %v", err)
	}
	defer c.Close()
	if got := len(c.Metadata().QueryContigs); got != 2500 {
		t.Errorf("query contigs = %d, want 2500", got)
	}
	if got, err := c.Anchors(); err != nil || len(got) != 1 {
		t.Errorf("anchors = %d (%v), want 1", len(got), err)
	}
}

func TestOpenRejectsNonContainer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not.dpdb")
	if err := os.WriteFile(path, []byte("PNG\x0dsomething else entirely"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := OpenContainer(path)
	if !errors.Is(err, ErrNotAContainer) {
		t.Fatalf("err = %v, want ErrNotAContainer", err)
	}
}

func TestOpenRejectsFutureVersion(t *testing.T) {
	path, _, _, _ := buildTestContainer(t, WriteOptions{})
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	// Bump the version field just past what the library supports.
	data[4] = byte(FormatVersion + 1)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	_, err = OpenContainer(path)
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("err = %v, want ErrUnsupportedVersion", err)
	}
}

func TestOpenMissingFile(t *testing.T) {
	_, err := OpenContainer(filepath.Join(t.TempDir(), "missing.dpdb"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	var fe *FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %T, want *FormatError", err)
	}
}

// A corrupt Verify section must fail only Verify; Anchors and Tiles
// decode independently.
func TestCorruptVerifyDoesNotBlockOtherSections(t *testing.T) {
	verify := []VerifyRecord{{TileID: 1, MeanIdentity: 0.9, VerifiedCount: 2}}
	path, _, _, _ := buildTestContainer(t, WriteOptions{Verify: verify})

	// Open once to find the verify section's location.
	c, err := OpenContainer(path)
	if err != nil {
		t.Fatal(err)
	}
	loc := c.Metadata().sections[sectionIdxVerify]
	c.Close()
	if loc.Size == 0 {
		t.Fatal("verify section missing from fixture")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := loc.Offset + 8; i < loc.Offset+loc.Size; i++ {
		data[i] ^= 0xFF
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	c, err = OpenContainer(path)
	if err != nil {
		t.Fatalf("OpenContainer after corruption: %v", err)
	}
	defer c.Close()

	if _, err := c.Verify(); !errors.Is(err, ErrCorruptSection) {
		t.Errorf("Verify err = %v, want ErrCorruptSection", err)
	}
	if _, err := c.Anchors(); err != nil {
		t.Errorf("Anchors should survive verify corruption: %v", err)
	}
	if _, err := c.Pyramid(); err != nil {
		t.Errorf("Pyramid should survive verify corruption: %v", err)
	}
}

func TestTruncatedSection(t *testing.T) {
	path, _, _, _ := buildTestContainer(t, WriteOptions{})
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	c, err := OpenContainer(path)
	if err != nil {
		t.Fatal(err)
	}
	anchorLoc := c.Metadata().sections[sectionIdxAnchors]
	c.Close()

	// Cut the file in the middle of the anchors section.
	if err := os.WriteFile(path, data[:anchorLoc.Offset+anchorLoc.Size/2], 0o644); err != nil {
		t.Fatal(err)
	}
	c, err = OpenContainer(path)
	if err != nil {
		t.Fatalf("OpenContainer: %v", err)
	}
	defer c.Close()
	if _, err := c.Anchors(); !errors.Is(err, ErrTruncated) {
		t.Errorf("err = %v, want ErrTruncated", err)
	}
}

func TestWriterSortsAnchors(t *testing.T) {
	meta := testMeta(1_000_000, 1_000_000)
	unsorted := []Anchor{
		{QueryStart: 900, QueryEnd: 950, TargetStart: 5000, TargetEnd: 5050},
		{QueryStart: 100, QueryEnd: 150, TargetStart: 100, TargetEnd: 150},
	}
	pyramid, err := BuildPyramid(unsorted, meta, PyramidConfig{Levels: 2, BaseResolution: 64})
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	pathA := filepath.Join(dir, "a.dpdb")
	pathB := filepath.Join(dir, "b.dpdb")
	if err := WriteContainer(pathA, meta, unsorted, pyramid, WriteOptions{}); err != nil {
		t.Fatal(err)
	}
	reversed := []Anchor{unsorted[1], unsorted[0]}
	if err := WriteContainer(pathB, meta, reversed, pyramid, WriteOptions{}); err != nil {
		t.Fatal(err)
	}

	c, err := OpenContainer(pathA)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	got, err := c.Anchors()
	if err != nil {
		t.Fatal(err)
	}
	if got[0].TargetStart != 100 {
		t.Errorf("anchors not stored in canonical order: first TargetStart = %d", got[0].TargetStart)
	}
}

func TestWriteAtomicNoPartialFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.dpdb")

	// nil pyramid must fail before anything reaches the target path.
	if err := WriteContainer(path, testMeta(100, 100), nil, nil, WriteOptions{}); err == nil {
		t.Fatal("expected error for nil pyramid")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("failed write left a file behind: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

func TestCloseThenRead(t *testing.T) {
	path, _, _, _ := buildTestContainer(t, WriteOptions{})
	c, err := OpenContainer(path)
	if err != nil {
		t.Fatal(err)
	}

	// Decoded before close stays readable after.
	if _, err := c.Anchors(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Anchors(); err != nil {
		t.Errorf("cached anchors unavailable after close: %v", err)
	}

	// Undecoded sections cannot load once the file is closed.
	if _, err := c.Pyramid(); err == nil {
		t.Error("expected error decoding tiles after close")
	}
}
