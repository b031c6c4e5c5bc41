package dotdb

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// ImportResult is a parsed alignment file: the anchor stream plus the
// contig tables interned from the names seen, in first-appearance
// order. The contig tables become the container metadata; anchor
// QueryID/TargetID index into them.
type ImportResult struct {
	Anchors       []Anchor
	QueryContigs  []ContigInfo
	TargetContigs []ContigInfo
}

// ParsePAFFile parses a PAF file, transparently decompressing a .gz
// suffix.
func ParsePAFFile(path string) (*ImportResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("dotdb: %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}
	res, err := ParsePAF(r)
	if err != nil {
		return nil, fmt.Errorf("dotdb: %s: %w", path, err)
	}
	return res, nil
}

// ParsePAF parses PAF records from a reader. Empty lines and lines
// starting with '#' are skipped; any malformed record aborts the parse
// with its line number.
func ParsePAF(r io.Reader) (*ImportResult, error) {
	res := &ImportResult{}
	queryIDs := map[string]uint32{}
	targetIDs := map[string]uint32{}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := parsePAFLine(line, res, queryIDs, targetIDs); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// The twelve mandatory PAF columns.
const pafMinFields = 12

func parsePAFLine(line string, res *ImportResult, queryIDs, targetIDs map[string]uint32) error {
	fields := strings.Split(line, "\t")
	if len(fields) < pafMinFields {
		return fmt.Errorf("expected at least %d fields, got %d", pafMinFields, len(fields))
	}

	queryLen, err := parsePos(fields[1])
	if err != nil {
		return err
	}
	queryStart, err := parsePos(fields[2])
	if err != nil {
		return err
	}
	queryEnd, err := parsePos(fields[3])
	if err != nil {
		return err
	}

	var strand Strand
	switch fields[4] {
	case "+":
		strand = Forward
	case "-":
		strand = Reverse
	default:
		return fmt.Errorf("invalid strand %q", fields[4])
	}

	targetLen, err := parsePos(fields[6])
	if err != nil {
		return err
	}
	targetStart, err := parsePos(fields[7])
	if err != nil {
		return err
	}
	targetEnd, err := parsePos(fields[8])
	if err != nil {
		return err
	}

	if queryEnd <= queryStart || targetEnd <= targetStart {
		return fmt.Errorf("empty interval (query %d-%d, target %d-%d)", queryStart, queryEnd, targetStart, targetEnd)
	}

	a := Anchor{
		QueryID:     internContig(queryIDs, &res.QueryContigs, fields[0], queryLen),
		TargetID:    internContig(targetIDs, &res.TargetContigs, fields[5], targetLen),
		QueryStart:  queryStart,
		QueryEnd:    queryEnd,
		TargetStart: targetStart,
		TargetEnd:   targetEnd,
		Strand:      strand,
		EngineTag:   "paf",
	}

	// Column 12 is mapping quality; 255 and * mean missing.
	if mq := fields[11]; mq != "255" && mq != "*" {
		v, err := strconv.ParseUint(mq, 10, 8)
		if err != nil {
			return fmt.Errorf("invalid mapping quality %q", mq)
		}
		a.MapQ = uint8(v)
		a.HasMapQ = true
	}

	// Gap-compressed divergence tag, when the aligner emitted one.
	for _, tag := range fields[pafMinFields:] {
		if v, ok := strings.CutPrefix(tag, "de:f:"); ok {
			de, err := strconv.ParseFloat(v, 32)
			if err == nil && de >= 0 && de <= 1 {
				a.Identity = float32(1 - de)
				a.HasIdentity = true
			}
			break
		}
	}

	res.Anchors = append(res.Anchors, a)
	return nil
}

func parsePos(s string) (Position, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid position %q", s)
	}
	return v, nil
}

// internContig returns the id for a contig name, registering it with
// the declared length on first sight. A longer length seen later wins,
// so truncated self-alignment headers do not shrink the axis.
func internContig(ids map[string]uint32, contigs *[]ContigInfo, name string, length Position) uint32 {
	if id, ok := ids[name]; ok {
		if (*contigs)[id].Length < length {
			(*contigs)[id].Length = length
		}
		return id
	}
	id := uint32(len(*contigs))
	ids[name] = id
	*contigs = append(*contigs, ContigInfo{Name: name, Length: length})
	return id
}
