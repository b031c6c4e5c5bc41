package dotdb

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestMergeVerifyRecordsReplaceAndAppend(t *testing.T) {
	existing := []VerifyRecord{
		{TileID: 10, MeanIdentity: 0.5, VerifiedCount: 1},
		{TileID: 20, MeanIdentity: 0.6, VerifiedCount: 2},
	}
	incoming := []VerifyRecord{
		{TileID: 20, MeanIdentity: 0.95, VerifiedCount: 50}, // replaces
		{TileID: 5, MeanIdentity: 0.8, VerifiedCount: 3},    // appends
	}

	merged := MergeVerifyRecords(existing, incoming)
	want := []VerifyRecord{
		{TileID: 5, MeanIdentity: 0.8, VerifiedCount: 3},
		{TileID: 10, MeanIdentity: 0.5, VerifiedCount: 1},
		{TileID: 20, MeanIdentity: 0.95, VerifiedCount: 50},
	}
	if !reflect.DeepEqual(merged, want) {
		t.Errorf("merged = %+v\nwant %+v", merged, want)
	}

	// Inputs untouched.
	if existing[1].MeanIdentity != 0.6 {
		t.Error("existing slice was mutated")
	}
}

func TestMergeVerifyRecordsIdempotent(t *testing.T) {
	existing := []VerifyRecord{{TileID: 1, MeanIdentity: 0.4, VerifiedCount: 4}}
	incoming := []VerifyRecord{
		{TileID: 1, MeanIdentity: 0.9, VerifiedCount: 9},
		{TileID: 2, MeanIdentity: 0.7, VerifiedCount: 7},
	}
	once := MergeVerifyRecords(existing, incoming)
	twice := MergeVerifyRecords(once, incoming)
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("merge is not idempotent:\nonce  %+v\ntwice %+v", once, twice)
	}
}

func TestMergeVerifyRewritesContainer(t *testing.T) {
	initial := []VerifyRecord{{TileID: 100, MeanIdentity: 0.5, VerifiedCount: 1}}
	path, _, anchors, pyramid := buildTestContainer(t, WriteOptions{Verify: initial})

	c, err := OpenContainer(path)
	if err != nil {
		t.Fatal(err)
	}
	incoming := []VerifyRecord{
		{TileID: 100, MeanIdentity: 0.99, VerifiedCount: 30},
		{TileID: 7, MeanIdentity: 0.8, VerifiedCount: 5},
	}
	if err := c.MergeVerify(incoming); err != nil {
		t.Fatalf("MergeVerify: %v", err)
	}
	c.Close()

	// Reopen from disk: verify updated, anchors and tiles untouched.
	c, err = OpenContainer(path)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	gotVerify, err := c.Verify()
	if err != nil {
		t.Fatal(err)
	}
	want := []VerifyRecord{
		{TileID: 7, MeanIdentity: 0.8, VerifiedCount: 5},
		{TileID: 100, MeanIdentity: 0.99, VerifiedCount: 30},
	}
	if !reflect.DeepEqual(gotVerify, want) {
		t.Errorf("verify = %+v\nwant %+v", gotVerify, want)
	}

	gotAnchors, err := c.Anchors()
	if err != nil {
		t.Fatal(err)
	}
	sorted := make([]Anchor, len(anchors))
	copy(sorted, anchors)
	SortAnchors(sorted)
	if !reflect.DeepEqual(gotAnchors, sorted) {
		t.Error("anchors changed across a verify-only merge")
	}

	p, err := c.Pyramid()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(p.Cells, pyramid.Cells) {
		t.Error("tiles changed across a verify-only merge")
	}
}

func TestMergeVerifyTwiceSameBytes(t *testing.T) {
	path, _, _, _ := buildTestContainer(t, WriteOptions{})
	incoming := []VerifyRecord{{TileID: 9, MeanIdentity: 0.9, VerifiedCount: 9}}

	c, err := OpenContainer(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.MergeVerify(incoming); err != nil {
		t.Fatal(err)
	}
	first, err := c.Verify()
	if err != nil {
		t.Fatal(err)
	}
	if err := c.MergeVerify(incoming); err != nil {
		t.Fatal(err)
	}
	second, err := c.Verify()
	if err != nil {
		t.Fatal(err)
	}
	c.Close()
	if !reflect.DeepEqual(first, second) {
		t.Error("replayed merge changed the record set")
	}
}

func TestMergeIdentity(t *testing.T) {
	path, _, _, _ := buildTestContainer(t, WriteOptions{})

	c, err := OpenContainer(path)
	if err != nil {
		t.Fatal(err)
	}
	updates := []IdentityUpdate{
		{AnchorID: 0, Identity: 0.91},
		{AnchorID: 2, Identity: 0.97},
	}
	if err := c.MergeIdentity(updates); err != nil {
		t.Fatalf("MergeIdentity: %v", err)
	}
	c.Close()

	c, err = OpenContainer(path)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	anchors, err := c.Anchors()
	if err != nil {
		t.Fatal(err)
	}
	if !anchors[0].HasIdentity || anchors[0].Identity != 0.91 {
		t.Errorf("anchor 0 identity = (%v, %g)", anchors[0].HasIdentity, anchors[0].Identity)
	}
	if !anchors[2].HasIdentity || anchors[2].Identity != 0.97 {
		t.Errorf("anchor 2 identity = (%v, %g)", anchors[2].HasIdentity, anchors[2].Identity)
	}
	if anchors[1].HasIdentity && anchors[1].Identity == 0.91 {
		t.Error("untouched anchor picked up an update")
	}
}

// Verification records describe anchors; merging into a container that
// stores none is fatal rather than a silent no-op rewrite.
func TestMergeVerifyRequiresAnchors(t *testing.T) {
	meta := testMeta(1_000_000, 1_000_000)
	pyramid, err := BuildPyramid(nil, meta, PyramidConfig{Levels: 2, BaseResolution: 64})
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "empty.dpdb")
	if err := WriteContainer(path, meta, nil, pyramid, WriteOptions{}); err != nil {
		t.Fatal(err)
	}
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	c, err := OpenContainer(path)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	var mergeErr *MergeError
	err = c.MergeVerify([]VerifyRecord{{TileID: 1, MeanIdentity: 0.9, VerifiedCount: 1}})
	if !errors.As(err, &mergeErr) {
		t.Fatalf("err = %v, want MergeError", err)
	}
	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Error("rejected merge rewrote the container")
	}
}

func TestMergeIdentityValidation(t *testing.T) {
	path, _, _, _ := buildTestContainer(t, WriteOptions{})
	c, err := OpenContainer(path)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	var mergeErr *MergeError
	err = c.MergeIdentity([]IdentityUpdate{{AnchorID: 999, Identity: 0.5}})
	if !errors.As(err, &mergeErr) {
		t.Errorf("out-of-range id: err = %v, want MergeError", err)
	}
	err = c.MergeIdentity([]IdentityUpdate{{AnchorID: 0, Identity: 1.5}})
	if !errors.As(err, &mergeErr) {
		t.Errorf("identity > 1: err = %v, want MergeError", err)
	}
}
