package dotdb

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/dotviz/dotdb/cache"
)

// Container is an opened .dpdb file. Opening reads only the header and
// metadata; the Anchors, Chains, Tiles and Verify sections decode
// lazily on first access and stay cached for the container's lifetime.
//
// Reads are safe for concurrent use. Decoded sections are shared
// read-only across concurrent render-data preparations; only the merge
// operations take the writer side of the lock, so a Container behaves
// as single-writer, many-reader. Mutating an open container's file from
// outside is not supported.
type Container struct {
	path   string
	f      *os.File
	header *Header
	meta   *Metadata

	mu      sync.RWMutex
	anchors []Anchor
	chains  []Chain
	pyramid *TilePyramid
	verify  []VerifyRecord

	anchorsLoaded bool
	chainsLoaded  bool
	tilesLoaded   bool
	verifyLoaded  bool

	// levelIdx caches per-level cell lookup tables for the LOD
	// preparer, keyed by pyramid level.
	levelIdx *cache.Sharded[uint64, *levelIndex]
}

// OpenContainer opens a container file, validating the magic token and
// format version. Section payloads are not touched until first access.
func OpenContainer(path string) (*Container, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &FormatError{Path: path, Err: err}
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &FormatError{Path: path, Err: err}
	}

	// Header and metadata live at the front of the file. They are
	// usually small, but the contig tables of a fragmented assembly can
	// run to hundreds of kilobytes, so a short first read grows until
	// the decoders have the whole preamble.
	var (
		header *Header
		meta   *Metadata
	)
	readLen := int64(64 * 1024)
	for {
		if readLen > fi.Size() {
			readLen = fi.Size()
		}
		head := make([]byte, readLen)
		n, err := f.ReadAt(head, 0)
		if err != nil && err != io.EOF {
			f.Close()
			return nil, &FormatError{Path: path, Err: err}
		}
		r := &binReader{buf: head[:n]}

		header, err = decodeHeader(r, path)
		if err == nil {
			meta, err = decodeMetadata(r, path)
		}
		if err == nil {
			break
		}
		if errors.Is(err, ErrTruncated) && readLen < fi.Size() {
			readLen *= 2
			continue
		}
		f.Close()
		return nil, err
	}

	c := &Container{
		path:     path,
		f:        f,
		header:   header,
		meta:     meta,
		levelIdx: cache.NewSharded[uint64, *levelIndex](cache.DefaultCapacity, cache.Uint64Hasher),
	}
	Logger().Info("container opened",
		"path", path,
		"version", header.Version,
		"queryContigs", len(meta.QueryContigs),
		"targetContigs", len(meta.TargetContigs))
	return c, nil
}

// Close releases the underlying file. Decoded sections remain usable.
func (c *Container) Close() error {
	if c.f == nil {
		return nil
	}
	err := c.f.Close()
	c.f = nil
	return err
}

// Path returns the file path the container was opened from.
func (c *Container) Path() string { return c.path }

// Header returns the container header.
func (c *Container) Header() *Header { return c.header }

// Metadata returns the contig lists and section directory.
func (c *Container) Metadata() *Metadata { return c.meta }

// readSection reads one section's raw block from disk. A zero-size
// section returns nil with no error.
func (c *Container) readSection(idx int, name string) ([]byte, error) {
	loc := c.meta.sections[idx]
	if loc.Size == 0 {
		return nil, nil
	}
	if c.f == nil {
		return nil, formatErr(ErrTruncated, c.path, name, fmt.Errorf("container closed"))
	}
	block := make([]byte, loc.Size)
	if _, err := c.f.ReadAt(block, int64(loc.Offset)); err != nil {
		return nil, formatErr(ErrTruncated, c.path, name, err)
	}
	return block, nil
}

// Anchors returns the decoded anchor array in canonical sort order,
// reading and decompressing the section on first call. The returned
// slice is owned by the container; callers must treat it as read-only.
func (c *Container) Anchors() ([]Anchor, error) {
	c.mu.RLock()
	if c.anchorsLoaded {
		defer c.mu.RUnlock()
		return c.anchors, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.anchorsLoaded {
		return c.anchors, nil
	}

	block, err := c.readSection(sectionIdxAnchors, SectionAnchors)
	if err != nil {
		return nil, err
	}
	if block == nil {
		c.anchorsLoaded = true
		return nil, nil
	}
	payload, err := decompressBlock(block, c.path, SectionAnchors)
	if err != nil {
		return nil, err
	}
	anchors, err := decodeAnchors(payload, c.path)
	if err != nil {
		return nil, err
	}
	c.anchors = anchors
	c.anchorsLoaded = true
	Logger().Debug("anchors decoded", "count", len(anchors))
	return anchors, nil
}

// Chains returns the stored chain polylines, if any.
func (c *Container) Chains() ([]Chain, error) {
	c.mu.RLock()
	if c.chainsLoaded {
		defer c.mu.RUnlock()
		return c.chains, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainsLoaded {
		return c.chains, nil
	}

	block, err := c.readSection(sectionIdxChains, SectionChains)
	if err != nil {
		return nil, err
	}
	if block == nil {
		c.chainsLoaded = true
		return nil, nil
	}
	payload, err := decompressBlock(block, c.path, SectionChains)
	if err != nil {
		return nil, err
	}
	chains, err := decodeChains(payload, c.path)
	if err != nil {
		return nil, err
	}
	c.chains = chains
	c.chainsLoaded = true
	return chains, nil
}

// Pyramid returns the decoded tile pyramid. The pyramid geometry
// (levels, base resolution, axis spans) is reconstructed from the
// metadata; the cell array comes from the Tiles section.
func (c *Container) Pyramid() (*TilePyramid, error) {
	c.mu.RLock()
	if c.tilesLoaded {
		defer c.mu.RUnlock()
		return c.pyramid, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tilesLoaded {
		return c.pyramid, nil
	}

	p := &TilePyramid{
		Config: PyramidConfig{
			Levels:         len(c.meta.TileLevels),
			BaseResolution: c.meta.TileBaseResolution,
		},
		TargetSpan: c.meta.TargetSpan(),
		QuerySpan:  c.meta.QuerySpan(),
		Levels:     c.meta.TileLevels,
	}

	block, err := c.readSection(sectionIdxTiles, SectionTiles)
	if err != nil {
		return nil, err
	}
	if block != nil {
		payload, err := decompressBlock(block, c.path, SectionTiles)
		if err != nil {
			return nil, err
		}
		cells, err := decodeTiles(payload, c.path)
		if err != nil {
			return nil, err
		}
		p.Cells = cells
	}
	c.pyramid = p
	c.tilesLoaded = true
	Logger().Debug("tiles decoded", "cells", len(p.Cells), "levels", p.Config.Levels)
	return p, nil
}

// Verify returns the verification records, or nil when the section is
// absent. A corrupt Verify section fails here but does not affect
// Anchors, Chains or Tiles: the sections decode independently.
func (c *Container) Verify() ([]VerifyRecord, error) {
	c.mu.RLock()
	if c.verifyLoaded {
		defer c.mu.RUnlock()
		return c.verify, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.verifyLoaded {
		return c.verify, nil
	}

	block, err := c.readSection(sectionIdxVerify, SectionVerify)
	if err != nil {
		return nil, err
	}
	if block == nil {
		c.verifyLoaded = true
		return nil, nil
	}
	payload, err := decompressBlock(block, c.path, SectionVerify)
	if err != nil {
		return nil, err
	}
	records, err := decodeVerify(payload, c.path)
	if err != nil {
		return nil, err
	}
	c.verify = records
	c.verifyLoaded = true
	return records, nil
}

// VerifyByTile returns a tile-id lookup over the verification records.
func (c *Container) VerifyByTile() (map[uint64]VerifyRecord, error) {
	records, err := c.Verify()
	if err != nil {
		return nil, err
	}
	byTile := make(map[uint64]VerifyRecord, len(records))
	for _, r := range records {
		byTile[r.TileID] = r
	}
	return byTile, nil
}

// rawSection returns a section's raw on-disk block without decoding,
// for rewrites that leave the section untouched.
func (c *Container) rawSection(idx int, name string) ([]byte, error) {
	return c.readSection(idx, name)
}
