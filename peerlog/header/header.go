// Package header implements the log entry header codec of spec.md §4.4:
// a variable-length header whose flag byte says which optional fields
// follow, in two flavours (primary carries full routing, secondary
// strips it), plus in-place primary-to-secondary conversion during
// flush. Grounded on util/buffer_writer.go and util/buffer_reader.go's
// cursor-based little-endian codec (itself trimmed from the teacher's
// MySQL wire-protocol buffer helpers down to the fixed-width and varint
// primitives this header needs), with checksums computed through
// hash/crc32 per spec.md §4.4 ("CRC32 over the payload").
package header

import (
	"hash/crc32"

	jerrors "github.com/juju/errors"

	"github.com/zhukovaskychina/peerlog/peerlog"
	"github.com/zhukovaskychina/peerlog/util"
)

// Flavor distinguishes a primary header (carries owner + range_id for
// routing before the entry has landed in its secondary log) from a
// secondary header (those fields are implicit in which log file the
// entry lives in, so they're dropped).
type Flavor byte

const (
	Primary Flavor = iota
	Secondary
)

// MaxSize is the largest any header's encoded form can be: every
// optional field present, the length field at its widest varint
// encoding, and a checksum slot. Callers that must read an unknown
// header out of a byte stream before they know its real size (the sort
// stage walking the ring, the primary log's crash scan) probe this many
// bytes first and then call IsReadable to learn the true size.
const MaxSize = 1 + 8 + 2 + 2 + 2 + 8 + 1 + 1 + 9 + 2 + 4 + 4

// Flag bits of the header's leading type byte. flagValid is set on
// every real header; a raw zero byte is the segment-end sentinel
// (spec.md §6), so it must never collide with a legitimate flags value.
const (
	flagValid         byte = 1 << 7
	flagSecondary     byte = 1 << 6
	flagChecksum      byte = 1 << 5
	flagChaining      byte = 1 << 4
	flagTimestamp     byte = 1 << 3
	flagOriginalOwner byte = 1 << 2
	flagOwner         byte = 1 << 1
	flagRangeID       byte = 1 << 0
)

// Header is the decoded, in-memory form of one log entry's header.
// ChunkID is always present: spec.md §3 lists it among the optional
// fields in the abstract entry grammar, but every header this codec
// creates carries it (is_readable does not special-case its absence).
type Header struct {
	Flavor        Flavor
	ChunkID       peerlog.ChunkId
	RangeID       uint16 // primary only
	Owner         uint16 // primary only
	OriginalOwner uint16 // present only if != Owner
	Timestamp     uint64 // present only if non-zero at creation
	ChainID       byte
	ChainCount    byte
	Length        uint32
	Version       peerlog.Version
	Checksum      uint32
}

func (h Header) flags() byte {
	f := flagValid
	if h.Flavor == Secondary {
		f |= flagSecondary
	} else {
		f |= flagRangeID | flagOwner
	}
	if h.OriginalOwner != h.Owner {
		f |= flagOriginalOwner
	}
	if h.Timestamp != 0 {
		f |= flagTimestamp
	}
	if h.ChainCount > 0 {
		f |= flagChaining
	}
	if h.Checksum != 0 {
		f |= flagChecksum
	}
	return f
}

// New builds a primary header. original_owner equal to owner is the
// common case and costs nothing extra on the wire.
func New(cid peerlog.ChunkId, length uint32, v peerlog.Version, rangeID, owner, originalOwner uint16, ts uint64) Header {
	return Header{
		Flavor:        Primary,
		ChunkID:       cid,
		RangeID:       rangeID,
		Owner:         owner,
		OriginalOwner: originalOwner,
		Timestamp:     ts,
		Length:        length,
		Version:       v,
	}
}

// AddChaining marks this header as part index idx of a count-part chain.
func (h *Header) AddChaining(idx, count byte) {
	h.ChainID = idx
	h.ChainCount = count
}

// AdjustLength overwrites the payload length field, used when a
// caller must shrink an already-built header (e.g. the last chained
// sub-entry carrying a remainder shorter than max_entry_size).
func (h *Header) AdjustLength(newLen uint32) {
	h.Length = newLen
}

// Encode appends the header's wire bytes to buf and returns the
// extended slice. If reserveChecksum is true, a zeroed CRC slot is
// written even though h.Checksum is 0; AddChecksum patches it in place
// once the payload is known.
func (h Header) Encode(buf []byte, reserveChecksum bool) []byte {
	flags := h.flags()
	if reserveChecksum {
		flags |= flagChecksum
	}
	buf = util.WriteByte(buf, flags)
	buf = util.WriteUB8(buf, uint64(h.ChunkID))
	if flags&flagRangeID != 0 {
		buf = util.WriteUB2(buf, h.RangeID)
	}
	if flags&flagOwner != 0 {
		buf = util.WriteUB2(buf, h.Owner)
	}
	if flags&flagOriginalOwner != 0 {
		buf = util.WriteUB2(buf, h.OriginalOwner)
	}
	if flags&flagTimestamp != 0 {
		buf = util.WriteUB8(buf, h.Timestamp)
	}
	if flags&flagChaining != 0 {
		buf = util.WriteByte(buf, h.ChainID)
		buf = util.WriteByte(buf, h.ChainCount)
	}
	buf = util.WriteLength(buf, int64(h.Length))
	buf = util.WriteUB2(buf, h.Version.Epoch)
	buf = util.WriteUB4(buf, h.Version.Version)
	if flags&flagChecksum != 0 {
		buf = util.WriteUB4(buf, h.Checksum)
	}
	return buf
}

// varintWidth returns the number of bytes WriteLength used to encode
// the length field, given its first (marker) byte.
func varintWidth(marker byte) int {
	switch marker {
	case 252:
		return 3
	case 253:
		return 4
	case 254:
		return 9
	default:
		return 1
	}
}

// IsReadable reports whether buf contains enough bytes to decode a
// complete header starting at offset 0, without requiring the payload
// to be present. It returns the header's total byte size when true.
func IsReadable(buf []byte) (size int, ok bool) {
	if len(buf) == 0 {
		return 0, false
	}
	flags := buf[0]
	if flags == 0 {
		return 0, false // segment-end sentinel, not a header
	}
	cursor := 1 + 8 // flags + chunk id
	if flags&flagRangeID != 0 {
		cursor += 2
	}
	if flags&flagOwner != 0 {
		cursor += 2
	}
	if flags&flagOriginalOwner != 0 {
		cursor += 2
	}
	if flags&flagTimestamp != 0 {
		cursor += 8
	}
	if flags&flagChaining != 0 {
		cursor += 2
	}
	if cursor >= len(buf) {
		return 0, false
	}
	cursor += varintWidth(buf[cursor])
	cursor += 2 + 4 // version epoch + version
	if flags&flagChecksum != 0 {
		cursor += 4
	}
	if cursor > len(buf) {
		return 0, false
	}
	return cursor, true
}

// Decode parses a header starting at offset 0 of buf. Callers must have
// already confirmed IsReadable(buf) to avoid a short-buffer panic.
func Decode(buf []byte) (Header, int, error) {
	if len(buf) == 0 {
		return Header{}, 0, jerrors.New("header: empty buffer")
	}
	flags := buf[0]
	if flags == 0 {
		return Header{}, 0, jerrors.New("header: zero flags byte is the segment-end sentinel")
	}
	h := Header{}
	if flags&flagSecondary != 0 {
		h.Flavor = Secondary
	} else {
		h.Flavor = Primary
	}
	cursor := 1
	var cid uint64
	cursor, cid = util.ReadUB8(buf, cursor)
	h.ChunkID = peerlog.ChunkId(cid)
	if flags&flagRangeID != 0 {
		cursor, h.RangeID = util.ReadUB2(buf, cursor)
	}
	if flags&flagOwner != 0 {
		cursor, h.Owner = util.ReadUB2(buf, cursor)
	}
	if flags&flagOriginalOwner != 0 {
		cursor, h.OriginalOwner = util.ReadUB2(buf, cursor)
	} else {
		// For a secondary header h.Owner is always 0 here (the flavor never
		// carries it on the wire), so OriginalOwner decodes as 0 as well
		// when this flag is absent.
		h.OriginalOwner = h.Owner
	}
	if flags&flagTimestamp != 0 {
		cursor, h.Timestamp = util.ReadUB8(buf, cursor)
	}
	if flags&flagChaining != 0 {
		cursor, h.ChainID = util.ReadByte(buf, cursor)
		cursor, h.ChainCount = util.ReadByte(buf, cursor)
	}
	var length uint64
	cursor, length = util.ReadLength(buf, cursor)
	h.Length = uint32(length)
	cursor, h.Version.Epoch = util.ReadUB2(buf, cursor)
	cursor, h.Version.Version = util.ReadUB4(buf, cursor)
	if flags&flagChecksum != 0 {
		cursor, h.Checksum = util.ReadUB4(buf, cursor)
	}
	return h, cursor, nil
}

// AddChecksum computes CRC32 (IEEE) over payload and patches it into
// header bytes previously written by Encode(..., reserveChecksum=true)
// at headerBuf[headerOffset:]. The header must have been encoded with
// the checksum slot reserved; callers get that slot's absolute offset
// from this same call on the first (reservation) pass if needed, but in
// the common case the header is encoded once, the payload follows
// immediately, and AddChecksum is called right after with the same
// buffer and offset.
func AddChecksum(headerBuf []byte, headerOffset int, payload []byte) error {
	size, ok := IsReadable(headerBuf[headerOffset:])
	if !ok {
		return jerrors.New("header: AddChecksum on unreadable header")
	}
	flags := headerBuf[headerOffset]
	if flags&flagChecksum == 0 {
		return jerrors.New("header: AddChecksum called but no checksum slot reserved")
	}
	crc := crc32.ChecksumIEEE(payload)
	slot := headerOffset + size - 4
	headerBuf[slot+0] = byte(crc)
	headerBuf[slot+1] = byte(crc >> 8)
	headerBuf[slot+2] = byte(crc >> 16)
	headerBuf[slot+3] = byte(crc >> 24)
	return nil
}

// VerifyChecksum reports whether h's stored CRC matches payload. Headers
// without a reserved checksum slot always verify (use_checksum=false).
func VerifyChecksum(h Header, hasChecksum bool, payload []byte) bool {
	if !hasChecksum {
		return true
	}
	return crc32.ChecksumIEEE(payload) == h.Checksum
}

// ConvertAndPut rewrites a decoded primary header as a secondary header,
// written right-aligned into buf so it ends exactly at
// headerOffset+primarySize (i.e. immediately before the payload). It
// returns conversionOffset, the start of the now-valid secondary entry;
// buf[headerOffset:conversionOffset] is leftover primary-header bytes
// the caller must discard (e.g. by starting the write at
// conversionOffset instead of headerOffset).
func ConvertAndPut(primary Header, primarySize int, buf []byte, headerOffset int) (conversionOffset int, secondarySize int, err error) {
	if primary.Flavor != Primary {
		return 0, 0, jerrors.New("header: ConvertAndPut called on a non-primary header")
	}
	secondary := primary
	secondary.Flavor = Secondary
	secondary.RangeID = 0
	// Owner is left as-is (never serialized for a secondary header
	// regardless of its value — flags() only sets flagOwner for Primary)
	// so the OriginalOwner-equals-Owner comparison below still omits the
	// field on the wire in the common case instead of comparing against
	// a zeroed Owner and always looking unequal.

	encoded := secondary.Encode(nil, primary.Checksum != 0 || hasChecksumFlag(buf, headerOffset))
	secondarySize = len(encoded)
	if secondarySize > primarySize {
		return 0, 0, jerrors.Errorf("header: secondary header (%d bytes) larger than primary (%d bytes)", secondarySize, primarySize)
	}
	conversionOffset = headerOffset + (primarySize - secondarySize)
	copy(buf[conversionOffset:conversionOffset+secondarySize], encoded)
	return conversionOffset, secondarySize, nil
}

// ConvertRunToSecondary walks a run of whole, primary-framed entries
// and rewrites it as a tightly-packed run of secondary-framed entries,
// used when bytes that were buffered under primary headers (because
// they might still have gone to the primary log) finally leave memory
// for a secondary log. Unlike ConvertAndPut, this builds a fresh
// output rather than shrinking in place, since a multi-entry run's
// later entries would otherwise need to shift for every entry ahead of
// them that shrank.
func ConvertRunToSecondary(run []byte) ([]byte, error) {
	out := make([]byte, 0, len(run))
	cursor := 0
	for cursor < len(run) {
		size, ok := IsReadable(run[cursor:])
		if !ok {
			break
		}
		h, hsize, err := Decode(run[cursor : cursor+size])
		if err != nil {
			return nil, jerrors.Annotatef(err, "header: ConvertRunToSecondary at offset %d", cursor)
		}
		payloadEnd := cursor + size + int(h.Length)
		if payloadEnd > len(run) {
			return nil, jerrors.Errorf("header: ConvertRunToSecondary truncated entry at offset %d", cursor)
		}
		payload := run[cursor+hsize : payloadEnd]

		secondary := h
		secondary.Flavor = Secondary
		secondary.RangeID = 0
		// Owner stays as decoded; see the matching comment in ConvertAndPut.
		out = append(out, secondary.Encode(nil, h.Checksum != 0)...)
		out = append(out, payload...)
		cursor = payloadEnd
	}
	return out, nil
}

func hasChecksumFlag(buf []byte, offset int) bool {
	if offset >= len(buf) {
		return false
	}
	return buf[offset]&flagChecksum != 0
}
