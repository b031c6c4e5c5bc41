package dotdb

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"
)

// containerMagic opens every .dpdb file.
var containerMagic = [4]byte{'D', 'P', 'D', 'B'}

// Section order inside the metadata's offset table.
const (
	sectionIdxAnchors = iota
	sectionIdxChains
	sectionIdxTiles
	sectionIdxVerify
	sectionCount
)

// sectionLoc locates one compressed section in the file.
// Size is the full on-disk footprint including the length prefix;
// zero size means the section is absent.
type sectionLoc struct {
	Offset uint64
	Size   uint64
}

// Header is the fixed preamble of a container.
type Header struct {
	Version        uint32
	BuildTimestamp uint64
	BuildMeta      string
	Flags          uint32
}

// Metadata describes the sequences on both axes and locates the
// sections. It is small and always resident; the sections decode
// lazily.
type Metadata struct {
	QueryContigs  []ContigInfo
	TargetContigs []ContigInfo

	// TileBaseResolution and TileLevels reconstruct the pyramid
	// geometry without decoding the Tiles section. TileLevels is
	// ordered coarsest first so an overview-only reader can stop after
	// the levels it needs.
	TileBaseResolution uint32
	TileLevels         []LevelRange

	sections [sectionCount]sectionLoc
}

// TargetSpan returns the concatenated target-axis length.
func (m *Metadata) TargetSpan() uint64 {
	_, total := axisOffsets(m.TargetContigs)
	return total
}

// QuerySpan returns the concatenated query-axis length.
func (m *Metadata) QuerySpan() uint64 {
	_, total := axisOffsets(m.QueryContigs)
	return total
}

// Shared zstd coders. EncodeAll/DecodeAll on a nil-stream coder are
// safe for concurrent use.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

func compressBlock(payload []byte) []byte {
	compressed := zstdEncoder.EncodeAll(payload, nil)
	block := make([]byte, 8, 8+len(compressed))
	binary.LittleEndian.PutUint64(block, uint64(len(compressed)))
	return append(block, compressed...)
}

func decompressBlock(block []byte, path, section string) ([]byte, error) {
	if len(block) < 8 {
		return nil, formatErr(ErrTruncated, path, section, nil)
	}
	n := binary.LittleEndian.Uint64(block)
	if n > uint64(len(block)-8) {
		return nil, formatErr(ErrTruncated, path, section, nil)
	}
	payload, err := zstdDecoder.DecodeAll(block[8:8+n], nil)
	if err != nil {
		return nil, formatErr(ErrCorruptSection, path, section, err)
	}
	return payload, nil
}

// binWriter accumulates little-endian encoded output.
type binWriter struct {
	buf []byte
}

func (w *binWriter) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *binWriter) u16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *binWriter) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *binWriter) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *binWriter) i32(v int32)  { w.u32(uint32(v)) }
func (w *binWriter) f32(v float32) {
	w.u32(math.Float32bits(v))
}
func (w *binWriter) uvarint(v uint64) { w.buf = binary.AppendUvarint(w.buf, v) }
func (w *binWriter) varint(v int64)   { w.buf = binary.AppendVarint(w.buf, v) }

func (w *binWriter) str16(s string) {
	if len(s) > math.MaxUint16 {
		s = s[:math.MaxUint16]
	}
	w.u16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *binWriter) str32(s string) {
	w.u32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// binReader consumes little-endian encoded input. The first short read
// latches errTruncated; callers check err once at a convenient point.
type binReader struct {
	buf []byte
	off int
	err error
}

func (r *binReader) fail() {
	if r.err == nil {
		r.err = ErrTruncated
	}
}

func (r *binReader) take(n int) []byte {
	if r.err != nil || r.off+n > len(r.buf) {
		r.fail()
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *binReader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *binReader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *binReader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *binReader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *binReader) i32() int32   { return int32(r.u32()) }
func (r *binReader) f32() float32 { return math.Float32frombits(r.u32()) }

func (r *binReader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		r.fail()
		return 0
	}
	r.off += n
	return v
}

func (r *binReader) varint() int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.buf[r.off:])
	if n <= 0 {
		r.fail()
		return 0
	}
	r.off += n
	return v
}

func (r *binReader) str16() string {
	n := int(r.u16())
	b := r.take(n)
	return string(b)
}

func (r *binReader) str32() string {
	n := int(r.u32())
	if r.err == nil && n > len(r.buf)-r.off {
		r.fail()
		return ""
	}
	return string(r.take(n))
}

// --- Header ---

func encodeHeader(h *Header) []byte {
	var w binWriter
	w.buf = append(w.buf, containerMagic[:]...)
	w.u32(h.Version)
	w.u64(h.BuildTimestamp)
	w.str32(h.BuildMeta)
	w.u32(h.Flags)
	return w.buf
}

func decodeHeader(r *binReader, path string) (*Header, error) {
	magic := r.take(4)
	if r.err != nil {
		return nil, formatErr(ErrTruncated, path, "", nil)
	}
	if [4]byte(magic) != containerMagic {
		return nil, formatErr(ErrNotAContainer, path, "", nil)
	}

	h := &Header{Version: r.u32()}
	if r.err == nil && h.Version > FormatVersion {
		return nil, formatErr(ErrUnsupportedVersion, path, "",
			fmt.Errorf("file version %d, library supports up to %d", h.Version, FormatVersion))
	}
	h.BuildTimestamp = r.u64()
	h.BuildMeta = r.str32()
	h.Flags = r.u32()
	if r.err != nil {
		return nil, formatErr(ErrTruncated, path, "", nil)
	}
	return h, nil
}

// --- Metadata ---

func encodeContigs(w *binWriter, contigs []ContigInfo) {
	w.u32(uint32(len(contigs)))
	for _, c := range contigs {
		w.str16(c.Name)
		w.u64(c.Length)
		if c.Checksum != "" {
			w.u8(1)
			w.str16(c.Checksum)
		} else {
			w.u8(0)
		}
	}
}

func decodeContigs(r *binReader) []ContigInfo {
	n := int(r.u32())
	if r.err != nil || n > len(r.buf)-r.off {
		r.fail()
		return nil
	}
	contigs := make([]ContigInfo, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		c := ContigInfo{Name: r.str16(), Length: r.u64()}
		if r.u8() != 0 {
			c.Checksum = r.str16()
		}
		contigs = append(contigs, c)
	}
	return contigs
}

func encodeMetadata(m *Metadata) []byte {
	var w binWriter
	encodeContigs(&w, m.QueryContigs)
	encodeContigs(&w, m.TargetContigs)

	w.u32(m.TileBaseResolution)
	w.u32(uint32(len(m.TileLevels)))
	for _, lr := range m.TileLevels {
		w.u8(lr.Level)
		w.u32(lr.Start)
		w.u32(lr.Count)
	}

	for _, s := range m.sections {
		w.u64(s.Offset)
		w.u64(s.Size)
	}
	return w.buf
}

func decodeMetadata(r *binReader, path string) (*Metadata, error) {
	m := &Metadata{
		QueryContigs:  decodeContigs(r),
		TargetContigs: decodeContigs(r),
	}

	m.TileBaseResolution = r.u32()
	levelCount := int(r.u32())
	if r.err == nil && levelCount <= len(r.buf)-r.off {
		m.TileLevels = make([]LevelRange, 0, levelCount)
		for i := 0; i < levelCount && r.err == nil; i++ {
			m.TileLevels = append(m.TileLevels, LevelRange{
				Level: r.u8(),
				Start: r.u32(),
				Count: r.u32(),
			})
		}
	} else {
		r.fail()
	}

	for i := range m.sections {
		m.sections[i].Offset = r.u64()
		m.sections[i].Size = r.u64()
	}
	if r.err != nil {
		return nil, formatErr(ErrTruncated, path, "", nil)
	}
	return m, nil
}

// --- Anchors section ---

// encodeAnchors encodes anchors already in canonical sort order.
// Coordinates are zigzag-varint deltas against the previous record;
// the (TargetID, TargetStart) sort keeps most deltas small and
// non-negative, which is what makes the section compress well.
func encodeAnchors(anchors []Anchor) []byte {
	var w binWriter
	w.u32(uint32(len(anchors)))

	var prevQS, prevQE, prevTS, prevTE uint64
	for i := range anchors {
		a := &anchors[i]
		w.uvarint(uint64(a.QueryID))
		w.uvarint(uint64(a.TargetID))
		w.varint(int64(a.QueryStart) - int64(prevQS))
		w.varint(int64(a.QueryEnd) - int64(prevQE))
		w.varint(int64(a.TargetStart) - int64(prevTS))
		w.varint(int64(a.TargetEnd) - int64(prevTE))

		var flags uint8
		if a.Strand == Reverse {
			flags |= 1 << 0
		}
		if a.HasMapQ {
			flags |= 1 << 1
		}
		if a.HasIdentity {
			flags |= 1 << 2
		}
		w.u8(flags)
		if a.HasMapQ {
			w.u8(a.MapQ)
		}
		if a.HasIdentity {
			w.f32(a.Identity)
		}
		w.str16(a.EngineTag)

		prevQS, prevQE = a.QueryStart, a.QueryEnd
		prevTS, prevTE = a.TargetStart, a.TargetEnd
	}
	return compressBlock(w.buf)
}

func decodeAnchors(payload []byte, path string) ([]Anchor, error) {
	r := &binReader{buf: payload}
	count := int(r.u32())
	if r.err != nil {
		return nil, formatErr(ErrTruncated, path, SectionAnchors, nil)
	}
	if count > len(payload) {
		return nil, formatErr(ErrCorruptSection, path, SectionAnchors,
			fmt.Errorf("implausible record count %d", count))
	}

	anchors := make([]Anchor, 0, count)
	var prevQS, prevQE, prevTS, prevTE uint64
	for i := 0; i < count; i++ {
		var a Anchor
		a.QueryID = uint32(r.uvarint())
		a.TargetID = uint32(r.uvarint())
		a.QueryStart = uint64(int64(prevQS) + r.varint())
		a.QueryEnd = uint64(int64(prevQE) + r.varint())
		a.TargetStart = uint64(int64(prevTS) + r.varint())
		a.TargetEnd = uint64(int64(prevTE) + r.varint())

		flags := r.u8()
		if flags&(1<<0) != 0 {
			a.Strand = Reverse
		}
		if flags&(1<<1) != 0 {
			a.MapQ = r.u8()
			a.HasMapQ = true
		}
		if flags&(1<<2) != 0 {
			a.Identity = r.f32()
			a.HasIdentity = true
		}
		a.EngineTag = r.str16()

		if r.err != nil {
			return nil, formatErr(ErrCorruptSection, path, SectionAnchors,
				fmt.Errorf("record %d of %d", i, count))
		}
		prevQS, prevQE = a.QueryStart, a.QueryEnd
		prevTS, prevTE = a.TargetStart, a.TargetEnd
		anchors = append(anchors, a)
	}
	return anchors, nil
}

// --- Chains section ---

func encodeChains(chains []Chain) []byte {
	var w binWriter
	w.u32(uint32(len(chains)))
	for i := range chains {
		ch := &chains[i]
		w.u32(ch.ID)
		w.uvarint(uint64(ch.QueryID))
		w.uvarint(uint64(ch.TargetID))
		var strand uint8
		if ch.Strand == Reverse {
			strand = 1
		}
		w.u8(strand)
		w.f32(ch.Score)
		w.uvarint(uint64(len(ch.Vertices)))

		var prevT, prevQ uint64
		for _, v := range ch.Vertices {
			w.varint(int64(v.TargetPos) - int64(prevT))
			w.varint(int64(v.QueryPos) - int64(prevQ))
			prevT, prevQ = v.TargetPos, v.QueryPos
		}
	}
	return compressBlock(w.buf)
}

func decodeChains(payload []byte, path string) ([]Chain, error) {
	r := &binReader{buf: payload}
	count := int(r.u32())
	if r.err != nil {
		return nil, formatErr(ErrTruncated, path, SectionChains, nil)
	}
	if count > len(payload) {
		return nil, formatErr(ErrCorruptSection, path, SectionChains,
			fmt.Errorf("implausible record count %d", count))
	}

	chains := make([]Chain, 0, count)
	for i := 0; i < count; i++ {
		ch := Chain{ID: r.u32()}
		ch.QueryID = uint32(r.uvarint())
		ch.TargetID = uint32(r.uvarint())
		if r.u8() != 0 {
			ch.Strand = Reverse
		}
		ch.Score = r.f32()
		nv := int(r.uvarint())
		if r.err != nil || nv > len(r.buf)-r.off {
			return nil, formatErr(ErrCorruptSection, path, SectionChains,
				fmt.Errorf("chain %d of %d", i, count))
		}

		ch.Vertices = make([]ChainVertex, 0, nv)
		var prevT, prevQ uint64
		for j := 0; j < nv; j++ {
			v := ChainVertex{
				TargetPos: uint64(int64(prevT) + r.varint()),
				QueryPos:  uint64(int64(prevQ) + r.varint()),
			}
			prevT, prevQ = v.TargetPos, v.QueryPos
			ch.Vertices = append(ch.Vertices, v)
		}
		if r.err != nil {
			return nil, formatErr(ErrCorruptSection, path, SectionChains,
				fmt.Errorf("chain %d of %d", i, count))
		}
		chains = append(chains, ch)
	}
	return chains, nil
}

// --- Tiles section ---

func encodeTiles(cells []DensityCell) []byte {
	var w binWriter
	w.u32(uint32(len(cells)))
	for i := range cells {
		c := &cells[i]
		w.u8(c.Level)
		w.u32(c.X)
		w.u32(c.Y)
		w.u32(c.Count)
		w.f32(c.Density)
		w.i32(c.StrandBalance)
	}
	return compressBlock(w.buf)
}

func decodeTiles(payload []byte, path string) ([]DensityCell, error) {
	r := &binReader{buf: payload}
	count := int(r.u32())
	if r.err != nil {
		return nil, formatErr(ErrTruncated, path, SectionTiles, nil)
	}
	if count > len(payload) {
		return nil, formatErr(ErrCorruptSection, path, SectionTiles,
			fmt.Errorf("implausible record count %d", count))
	}

	cells := make([]DensityCell, 0, count)
	for i := 0; i < count; i++ {
		c := DensityCell{
			Level:         r.u8(),
			X:             r.u32(),
			Y:             r.u32(),
			Count:         r.u32(),
			Density:       r.f32(),
			StrandBalance: r.i32(),
		}
		if r.err != nil {
			return nil, formatErr(ErrCorruptSection, path, SectionTiles,
				fmt.Errorf("record %d of %d", i, count))
		}
		cells = append(cells, c)
	}
	return cells, nil
}

// --- Verify section ---

func encodeVerify(records []VerifyRecord) []byte {
	var w binWriter
	w.u32(uint32(len(records)))
	for i := range records {
		v := &records[i]
		w.u64(v.TileID)
		w.f32(v.MeanIdentity)
		w.u32(v.Insertions)
		w.u32(v.Deletions)
		w.u32(v.Substitutions)
		w.u32(v.VerifiedCount)
	}
	return compressBlock(w.buf)
}

func decodeVerify(payload []byte, path string) ([]VerifyRecord, error) {
	r := &binReader{buf: payload}
	count := int(r.u32())
	if r.err != nil {
		return nil, formatErr(ErrTruncated, path, SectionVerify, nil)
	}
	if count > len(payload) {
		return nil, formatErr(ErrCorruptSection, path, SectionVerify,
			fmt.Errorf("implausible record count %d", count))
	}

	records := make([]VerifyRecord, 0, count)
	for i := 0; i < count; i++ {
		v := VerifyRecord{
			TileID:        r.u64(),
			MeanIdentity:  r.f32(),
			Insertions:    r.u32(),
			Deletions:     r.u32(),
			Substitutions: r.u32(),
			VerifiedCount: r.u32(),
		}
		if r.err != nil {
			return nil, formatErr(ErrCorruptSection, path, SectionVerify,
				fmt.Errorf("record %d of %d", i, count))
		}
		records = append(records, v)
	}
	return records, nil
}
