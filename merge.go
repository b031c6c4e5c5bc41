package dotdb

import (
	"fmt"
	"os"
)

// MergeVerifyRecords combines a new batch of verification results into
// an existing record set: a record with a TileID already present
// replaces the old record wholesale, anything else appends. The result
// is sorted by TileID. Both inputs are left untouched. Applying the
// same batch twice yields the same result, so replayed merges are
// harmless.
func MergeVerifyRecords(existing, incoming []VerifyRecord) []VerifyRecord {
	merged := make([]VerifyRecord, len(existing))
	copy(merged, existing)

	slot := make(map[uint64]int, len(merged))
	for i := range merged {
		slot[merged[i].TileID] = i
	}
	for _, r := range incoming {
		if i, ok := slot[r.TileID]; ok {
			merged[i] = r
		} else {
			slot[r.TileID] = len(merged)
			merged = append(merged, r)
		}
	}
	SortVerifyRecords(merged)
	return merged
}

// MergeVerify merges verification records into the container and
// rewrites the file. The Anchors, Chains and Tiles sections are copied
// byte for byte from the open file; only Verify is re-encoded. The
// rewrite goes through a temporary file and rename, so a crash leaves
// the previous container intact.
//
// The container must not be shared with concurrent readers of the same
// handle during the rewrite; readers of the previous file are safe.
func (c *Container) MergeVerify(incoming []VerifyRecord) error {
	// Verification results describe anchors; a container with none has
	// nothing the records could refer to.
	anchors, err := c.Anchors()
	if err != nil {
		return &MergeError{Reason: fmt.Sprintf("reading anchors section: %v", err)}
	}
	if len(anchors) == 0 {
		return &MergeError{Reason: "container has no anchors section"}
	}

	existing, err := c.Verify()
	if err != nil {
		return &MergeError{Reason: fmt.Sprintf("reading verify section: %v", err)}
	}
	merged := MergeVerifyRecords(existing, incoming)

	c.mu.Lock()
	defer c.mu.Unlock()

	sections, err := c.rawSectionsLocked()
	if err != nil {
		return &MergeError{Reason: err.Error()}
	}
	sections[sectionIdxVerify] = encodeVerify(merged)

	if err := c.rewriteLocked(sections); err != nil {
		return err
	}
	c.verify = merged
	c.verifyLoaded = true
	Logger().Info("verify records merged",
		"path", c.path,
		"incoming", len(incoming),
		"total", len(merged))
	return nil
}

// IdentityUpdate assigns a verified identity to one anchor, addressed
// by its index in canonical sort order.
type IdentityUpdate struct {
	AnchorID uint32
	Identity float32
}

// MergeIdentity applies identity values to the decoded anchor array in
// place and rewrites the container. Identities live inside each
// anchor's delta-encoded record, not in a side table, so the whole
// Anchors section is re-encoded regardless of how many anchors
// changed. Callers should batch updates rather than call this per
// anchor.
func (c *Container) MergeIdentity(updates []IdentityUpdate) error {
	anchors, err := c.Anchors()
	if err != nil {
		return &MergeError{Reason: fmt.Sprintf("reading anchors section: %v", err)}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, u := range updates {
		if int(u.AnchorID) >= len(anchors) {
			return &MergeError{Reason: fmt.Sprintf("anchor id %d out of range (%d anchors)", u.AnchorID, len(anchors))}
		}
		if u.Identity < 0 || u.Identity > 1 {
			return &MergeError{Reason: fmt.Sprintf("identity %g for anchor %d outside [0, 1]", u.Identity, u.AnchorID)}
		}
	}
	for _, u := range updates {
		anchors[u.AnchorID].Identity = u.Identity
		anchors[u.AnchorID].HasIdentity = true
	}

	sections, err := c.rawSectionsLocked()
	if err != nil {
		return &MergeError{Reason: err.Error()}
	}
	sections[sectionIdxAnchors] = encodeAnchors(anchors)

	if err := c.rewriteLocked(sections); err != nil {
		return err
	}
	Logger().Info("anchor identities merged",
		"path", c.path,
		"updated", len(updates),
		"anchors", len(anchors))
	return nil
}

// rawSectionsLocked reads every present section's raw block from the
// open file. Caller holds the write lock.
func (c *Container) rawSectionsLocked() ([sectionCount][]byte, error) {
	var sections [sectionCount][]byte
	names := [sectionCount]string{SectionAnchors, SectionChains, SectionTiles, SectionVerify}
	for i := range sections {
		raw, err := c.readSection(i, names[i])
		if err != nil {
			return sections, err
		}
		sections[i] = raw
	}
	return sections, nil
}

// rewriteLocked writes the container back to its path with the given
// section blocks and swaps the open handle to the new file. Caller
// holds the write lock.
func (c *Container) rewriteLocked(sections [sectionCount][]byte) error {
	meta := *c.meta
	if err := writeSections(c.path, c.header, &meta, sections); err != nil {
		return err
	}

	f, err := os.Open(c.path)
	if err != nil {
		return &FormatError{Path: c.path, Err: err}
	}
	if c.f != nil {
		c.f.Close()
	}
	c.f = f
	c.meta = &meta
	return nil
}
