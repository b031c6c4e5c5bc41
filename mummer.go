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

// ParseMUMmerFile parses MUMmer alignment output, transparently
// decompressing a .gz suffix. Delta files (nucmer, promer) and
// show-coords output are told apart by extension, falling back to
// sniffing the first line.
func ParseMUMmerFile(path string) (*ImportResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	name := strings.TrimSuffix(path, ".gz")
	if name != path {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("dotdb: %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	var res *ImportResult
	switch {
	case strings.HasSuffix(name, ".delta"):
		res, err = ParseDelta(r)
	case strings.HasSuffix(name, ".coords"):
		res, err = ParseCoords(r)
	default:
		res, err = parseMUMmerSniff(r)
	}
	if err != nil {
		return nil, fmt.Errorf("dotdb: %s: %w", path, err)
	}
	return res, nil
}

// parseMUMmerSniff buffers the input and decides the format from the
// first line: delta files open with the two aligned file paths.
func parseMUMmerSniff(r io.Reader) (*ImportResult, error) {
	br := bufio.NewReader(r)
	first, err := br.Peek(512)
	if err != nil && err != io.EOF {
		return nil, err
	}
	line, _, _ := strings.Cut(string(first), "\n")
	if len(strings.Fields(line)) == 2 && !strings.HasPrefix(line, "#") {
		return ParseDelta(br)
	}
	return ParseCoords(br)
}

// ParseDelta parses nucmer/promer delta output. Each sequence-pair
// header carries the contig names and lengths; each alignment line is
// six-plus counters followed by indel deltas terminated by a zero.
// Coordinates in the file are 1-based inclusive and convert to the
// half-open convention here; a query interval listed end-before-start
// marks the reverse strand.
func ParseDelta(r io.Reader) (*ImportResult, error) {
	res := &ImportResult{}
	queryIDs := map[string]uint32{}
	targetIDs := map[string]uint32{}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	next := func() (string, bool) {
		for sc.Scan() {
			lineNo++
			line := strings.TrimSpace(sc.Text())
			if line != "" {
				return line, true
			}
		}
		return "", false
	}

	// File paths line, then the program line (NUCMER or PROMER).
	if _, ok := next(); !ok {
		return nil, fmt.Errorf("missing delta header")
	}
	prog, ok := next()
	if !ok {
		return nil, fmt.Errorf("missing delta program line")
	}
	if prog != "NUCMER" && prog != "PROMER" && !strings.HasPrefix(prog, ">") {
		return nil, fmt.Errorf("line %d: unrecognized delta program %q", lineNo, prog)
	}

	var haveHeader bool
	var targetID, queryID uint32
	line := prog
	if !strings.HasPrefix(line, ">") {
		line, ok = next()
	}
	for ok {
		if name, found := strings.CutPrefix(line, ">"); found {
			fields := strings.Fields(name)
			if len(fields) < 4 {
				return nil, fmt.Errorf("line %d: malformed sequence header", lineNo)
			}
			tLen, err1 := parsePos(fields[2])
			qLen, err2 := parsePos(fields[3])
			if err1 != nil || err2 != nil {
				return nil, fmt.Errorf("line %d: bad sequence lengths", lineNo)
			}
			targetID = internContig(targetIDs, &res.TargetContigs, fields[0], tLen)
			queryID = internContig(queryIDs, &res.QueryContigs, fields[1], qLen)
			haveHeader = true
			line, ok = next()
			continue
		}

		if !haveHeader {
			return nil, fmt.Errorf("line %d: alignment before sequence header", lineNo)
		}
		fields := strings.Fields(line)
		if len(fields) < 7 {
			return nil, fmt.Errorf("line %d: expected 7 alignment fields, got %d", lineNo, len(fields))
		}
		var nums [7]uint64
		for i := range nums {
			v, err := strconv.ParseUint(fields[i], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid value %q", lineNo, fields[i])
			}
			nums[i] = v
		}
		a, err := mummerAnchor(queryID, targetID, nums[2], nums[3], nums[0], nums[1])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}

		// errors / alignment length gives the identity estimate the
		// delta format carries.
		span := max(a.TargetEnd-a.TargetStart, a.QueryEnd-a.QueryStart)
		if errs := nums[4]; span > 0 && errs <= span {
			a.Identity = float32(span-errs) / float32(span)
			a.HasIdentity = true
		}
		res.Anchors = append(res.Anchors, a)

		// Consume indel deltas up to the zero terminator. Only the
		// aligned interval matters here, not the per-indel offsets.
		for {
			line, ok = next()
			if !ok {
				return nil, fmt.Errorf("line %d: unterminated delta block", lineNo)
			}
			if strings.HasPrefix(line, ">") {
				return nil, fmt.Errorf("line %d: unterminated delta block", lineNo)
			}
			v, err := strconv.ParseInt(strings.Fields(line)[0], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid delta value %q", lineNo, line)
			}
			if v == 0 {
				break
			}
		}
		line, ok = next()
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// The nine columns of show-coords output this reader needs.
const coordsMinFields = 9

// ParseCoords parses show-coords output:
// refStart refEnd qryStart qryEnd refLen qryLen identity% refName qryName.
// Banner and column-header lines are skipped; data lines parse
// strictly.
func ParseCoords(r io.Reader) (*ImportResult, error) {
	res := &ImportResult{}
	queryIDs := map[string]uint32{}
	targetIDs := map[string]uint32{}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if coordsHeaderLine(line) {
			continue
		}
		if err := parseCoordsLine(line, res, queryIDs, targetIDs); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// coordsHeaderLine reports lines from the show-coords banner: the
// aligned file paths, the program name, column headers and rules.
func coordsHeaderLine(line string) bool {
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "/") ||
		strings.HasPrefix(line, "[") || line == "NUCMER" || line == "PROMER" {
		return true
	}
	if strings.Contains(line, "REF") && strings.Contains(line, "QUERY") {
		return true
	}
	for _, r := range line {
		if r != '=' && r != '-' && r != ' ' && r != '\t' && r != '|' {
			return false
		}
	}
	return true
}

func parseCoordsLine(line string, res *ImportResult, queryIDs, targetIDs map[string]uint32) error {
	fields := strings.Fields(line)
	if len(fields) < coordsMinFields {
		return fmt.Errorf("expected at least %d fields, got %d", coordsMinFields, len(fields))
	}

	var nums [6]uint64
	for i := range nums {
		v, err := parsePos(fields[i])
		if err != nil {
			return err
		}
		nums[i] = v
	}
	identity, err := strconv.ParseFloat(fields[6], 32)
	if err != nil || identity < 0 || identity > 100 {
		return fmt.Errorf("invalid identity %q", fields[6])
	}

	a, err := mummerAnchor(0, 0, nums[2], nums[3], nums[0], nums[1])
	if err != nil {
		return err
	}

	// Coords output has no sequence lengths; the aligned interval ends
	// approximate them, and a longer sighting later wins the table.
	a.TargetID = internContig(targetIDs, &res.TargetContigs, fields[7], max(a.TargetEnd, nums[4]))
	a.QueryID = internContig(queryIDs, &res.QueryContigs, fields[8], max(a.QueryEnd, nums[5]))
	a.Identity = float32(identity / 100)
	a.HasIdentity = true
	res.Anchors = append(res.Anchors, a)
	return nil
}

// mummerAnchor converts one MUMmer coordinate pair to an anchor:
// 1-based inclusive intervals become 0-based half-open, and a reversed
// query interval sets the reverse strand.
func mummerAnchor(queryID, targetID uint32, qs, qe, ts, te uint64) (Anchor, error) {
	a := Anchor{
		QueryID:   queryID,
		TargetID:  targetID,
		Strand:    Forward,
		EngineTag: "mummer",
	}
	if qs > qe {
		qs, qe = qe, qs
		a.Strand = Reverse
	}
	if qs == 0 || ts == 0 || ts > te {
		return Anchor{}, fmt.Errorf("invalid interval (query %d-%d, target %d-%d)", qs, qe, ts, te)
	}
	a.QueryStart, a.QueryEnd = qs-1, qe
	a.TargetStart, a.TargetEnd = ts-1, te
	return a, nil
}
