package dotdb

import (
	"errors"
	"fmt"
)

// Sentinel errors for the container format. FormatError wraps one of
// these so callers can match with errors.Is while still seeing the
// offending path and section.
var (
	// ErrNotAContainer indicates the file does not start with the
	// container magic token.
	ErrNotAContainer = errors.New("dotdb: not a dotdb container")

	// ErrUnsupportedVersion indicates the file was written by a newer
	// format version than this library supports.
	ErrUnsupportedVersion = errors.New("dotdb: unsupported format version")

	// ErrTruncated indicates a read ran past the end of the file or of
	// a declared section.
	ErrTruncated = errors.New("dotdb: truncated container")

	// ErrCorruptSection indicates a section failed to decompress or
	// decode.
	ErrCorruptSection = errors.New("dotdb: corrupt section")
)

// Section names used in errors and log output.
const (
	SectionAnchors = "anchors"
	SectionChains  = "chains"
	SectionTiles   = "tiles"
	SectionVerify  = "verify"
)

// FormatError describes a fatal failure while opening or reading a
// container. It wraps one of the sentinel errors above.
type FormatError struct {
	Path    string // file path, if known
	Section string // section name, empty for header/metadata failures
	Err     error
}

func (e *FormatError) Error() string {
	switch {
	case e.Section != "" && e.Path != "":
		return fmt.Sprintf("%v (section %s in %s)", e.Err, e.Section, e.Path)
	case e.Section != "":
		return fmt.Sprintf("%v (section %s)", e.Err, e.Section)
	case e.Path != "":
		return fmt.Sprintf("%v (%s)", e.Err, e.Path)
	default:
		return e.Err.Error()
	}
}

func (e *FormatError) Unwrap() error { return e.Err }

// formatErr builds a FormatError wrapping sentinel with optional detail.
func formatErr(sentinel error, path, section string, detail error) *FormatError {
	err := sentinel
	if detail != nil {
		err = fmt.Errorf("%w: %v", sentinel, detail)
	}
	return &FormatError{Path: path, Section: section, Err: err}
}

// BuildError reports an anchor that cannot be represented in the tile
// grid. AnchorIndex locates the offending record in the sorted input.
type BuildError struct {
	AnchorIndex int
	Reason      string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("dotdb: cannot rasterize anchor %d: %s", e.AnchorIndex, e.Reason)
}

// MergeError reports an attempt to merge verification data into a
// container that cannot accept it.
type MergeError struct {
	Reason string
}

func (e *MergeError) Error() string {
	return "dotdb: merge failed: " + e.Reason
}
