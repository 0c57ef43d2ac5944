package version

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"os"

	jerrors "github.com/juju/errors"

	"github.com/zhukovaskychina/peerlog/peerlog"
)

// Version snapshot on-disk format (spec.md §6):
//
//	[magic:4 "DXVS"][count:4][(cid:8, epoch:2, version:4) x count][crc:4]
//
// Every multi-byte field is big-endian, matching the
// redo_log_manager.go framing this is grounded on.
const snapshotMagic = "DXVS"

// Save writes a full snapshot of s to path, replacing any existing file.
func (s *Store) Save(path string) error {
	s.mu.Lock()
	entries := make([]slot, 0, s.count)
	for _, sl := range s.slots {
		if sl.used {
			entries = append(entries, sl)
		}
	}
	s.mu.Unlock()

	var buf bytes.Buffer
	buf.WriteString(snapshotMagic)
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(entries)))
	for _, e := range entries {
		_ = binary.Write(&buf, binary.BigEndian, uint64(e.chunkID))
		_ = binary.Write(&buf, binary.BigEndian, e.version.Epoch)
		_ = binary.Write(&buf, binary.BigEndian, e.version.Version)
	}
	crc := crc32.ChecksumIEEE(buf.Bytes())
	_ = binary.Write(&buf, binary.BigEndian, crc)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0640); err != nil {
		return jerrors.Annotatef(err, "write version snapshot %q", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return jerrors.Annotatef(err, "rename version snapshot %q -> %q", tmp, path)
	}
	return nil
}

// Load replaces s's contents with the snapshot at path. A corrupt or
// truncated snapshot is treated as empty (spec.md §7: "A corrupt version
// snapshot is treated as empty... causing a full scan on next
// recovery"), so callers should fall back to a secondary-log scan
// whenever Load returns an error.
func (s *Store) Load(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.Clear()
			return nil
		}
		return jerrors.Annotatef(err, "read version snapshot %q", path)
	}
	if err := s.loadBytes(raw); err != nil {
		s.Clear()
		return jerrors.Trace(err)
	}
	return nil
}

func (s *Store) loadBytes(raw []byte) error {
	if len(raw) < len(snapshotMagic)+4+4 {
		return jerrors.New("version snapshot: truncated header")
	}
	if string(raw[0:4]) != snapshotMagic {
		return jerrors.New("version snapshot: bad magic")
	}
	body := raw[:len(raw)-4]
	wantCRC := binary.BigEndian.Uint32(raw[len(raw)-4:])
	if gotCRC := crc32.ChecksumIEEE(body); gotCRC != wantCRC {
		return jerrors.Errorf("version snapshot: checksum mismatch (got %x want %x)", gotCRC, wantCRC)
	}

	r := bytes.NewReader(raw[4:])
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return jerrors.Trace(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n := initialCapacity
	for n < int(count) {
		n *= 2
	}
	s.slots = make([]slot, n)
	s.count = 0

	for i := uint32(0); i < count; i++ {
		var cid uint64
		var epoch uint16
		var ver uint32
		if err := binary.Read(r, binary.BigEndian, &cid); err != nil {
			return jerrors.Trace(err)
		}
		if err := binary.Read(r, binary.BigEndian, &epoch); err != nil {
			return jerrors.Trace(err)
		}
		if err := binary.Read(r, binary.BigEndian, &ver); err != nil {
			return jerrors.Trace(err)
		}
		s.insertLocked(peerlog.ChunkId(cid), peerlog.Version{Epoch: epoch, Version: ver})
	}
	if r.Len() != 0 {
		return jerrors.New("version snapshot: trailing bytes after declared entries")
	}
	return nil
}
