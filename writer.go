package dotdb

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// WriteOptions configures WriteContainer. The zero value writes all
// sections that have data.
type WriteOptions struct {
	// BuildMeta is recorded in the header verbatim, typically the
	// aligner name and parameters the anchors came from.
	BuildMeta string

	// Chains and Verify are optional side sections.
	Chains []Chain
	Verify []VerifyRecord
}

// WriteContainer encodes anchors plus a built pyramid into a new
// container file at path. Anchors are re-sorted into canonical order
// before encoding, so the same anchor set always produces the same
// section bytes regardless of input order. The file is written to a
// temporary sibling and renamed into place, so a crash mid-write never
// leaves a partial container at path.
func WriteContainer(path string, meta *Metadata, anchors []Anchor, pyramid *TilePyramid, opts WriteOptions) error {
	if meta == nil {
		return fmt.Errorf("dotdb: nil metadata")
	}
	if pyramid == nil {
		return fmt.Errorf("dotdb: nil pyramid")
	}

	sorted := make([]Anchor, len(anchors))
	copy(sorted, anchors)
	SortAnchors(sorted)

	verify := make([]VerifyRecord, len(opts.Verify))
	copy(verify, opts.Verify)
	SortVerifyRecords(verify)

	// The encoders return ready compressed blocks.
	sections := [sectionCount][]byte{}
	if len(sorted) > 0 {
		sections[sectionIdxAnchors] = encodeAnchors(sorted)
	}
	if len(opts.Chains) > 0 {
		sections[sectionIdxChains] = encodeChains(opts.Chains)
	}
	if len(pyramid.Cells) > 0 {
		sections[sectionIdxTiles] = encodeTiles(pyramid.Cells)
	}
	if len(verify) > 0 {
		sections[sectionIdxVerify] = encodeVerify(verify)
	}

	out := *meta
	out.TileBaseResolution = pyramid.Config.BaseResolution
	out.TileLevels = pyramid.Levels

	header := &Header{
		Version:        FormatVersion,
		BuildTimestamp: uint64(time.Now().Unix()),
		BuildMeta:      opts.BuildMeta,
	}

	return writeSections(path, header, &out, sections)
}

// writeSections lays the file out as header, metadata, then sections in
// index order, filling the metadata's offset table. The metadata's
// encoded length does not depend on the offset values, so the layout is
// computed in one pass.
func writeSections(path string, header *Header, meta *Metadata, sections [sectionCount][]byte) error {
	headerBytes := encodeHeader(header)

	meta.sections = [sectionCount]sectionLoc{}
	offset := uint64(len(headerBytes) + len(encodeMetadata(meta)))
	for i, s := range sections {
		if len(s) == 0 {
			continue
		}
		meta.sections[i] = sectionLoc{Offset: offset, Size: uint64(len(s))}
		offset += uint64(len(s))
	}
	metaBytes := encodeMetadata(meta)

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".dpdb-*")
	if err != nil {
		return &FormatError{Path: path, Err: err}
	}
	tmpPath := tmp.Name()
	cleanup := func(err error) error {
		tmp.Close()
		os.Remove(tmpPath)
		return &FormatError{Path: path, Err: err}
	}

	if _, err := tmp.Write(headerBytes); err != nil {
		return cleanup(err)
	}
	if _, err := tmp.Write(metaBytes); err != nil {
		return cleanup(err)
	}
	for _, s := range sections {
		if len(s) == 0 {
			continue
		}
		if _, err := tmp.Write(s); err != nil {
			return cleanup(err)
		}
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return &FormatError{Path: path, Err: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return &FormatError{Path: path, Err: err}
	}

	Logger().Info("container written",
		"path", path,
		"bytes", offset,
		"anchors", len(sections[sectionIdxAnchors]) > 0,
		"chains", len(sections[sectionIdxChains]) > 0,
		"tiles", len(sections[sectionIdxTiles]) > 0,
		"verify", len(sections[sectionIdxVerify]) > 0)
	return nil
}
