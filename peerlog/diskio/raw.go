package diskio

import (
	"encoding/binary"
	"os"
	"sync"

	jerrors "github.com/juju/errors"
)

// Raw treats a whole block device (or a preallocated flat file standing
// in for one in tests) as a slab of named, fixed-size "files" described
// by a small on-disk directory kept inside the header block:
//
//	[header:4KiB = magic "DXRW" | entry count:4 | dir_entry x N][slab_1][slab_2]...
//
// dir_entry is [file_id:4][name:64][offset:8][length:8]; the header
// holds at most rawMaxDirEntries (48) of them, and the first slab starts
// at offset 4096. A RawDevice is
// shared by every secondary log and the primary log that were configured
// with harddrive_access_mode=raw; each gets back a Raw handle scoped to
// its own slab.
const (
	rawMagic          = "DXRW"
	rawHeaderSize     = 4096
	rawDirEntrySize   = 4 + 64 + 8 + 8
	rawMaxDirEntries  = (rawHeaderSize - len(rawMagic) - 4) / rawDirEntrySize
	rawNameFieldWidth = 64
)

type rawDirEntry struct {
	fileID uint32
	name   string
	offset int64
	length int64
}

// RawDevice owns the shared file handle and directory for one block
// device / slab file.
type RawDevice struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	entries []rawDirEntry
	nextOff int64
	nextID  uint32
}

// OpenRawDevice opens (and, if empty, formats) the slab device at path.
func OpenRawDevice(path string) (*RawDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0640)
	if err != nil {
		return nil, jerrors.Annotatef(err, "open raw device %q", path)
	}
	d := &RawDevice{file: f, path: path, nextOff: rawHeaderSize, nextID: 1}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, jerrors.Trace(err)
	}
	if fi.Size() < rawHeaderSize {
		if err := d.writeHeader(); err != nil {
			f.Close()
			return nil, jerrors.Trace(err)
		}
		return d, nil
	}
	if err := d.readHeader(); err != nil {
		f.Close()
		return nil, jerrors.Trace(err)
	}
	return d, nil
}

func (d *RawDevice) writeHeader() error {
	buf := make([]byte, rawHeaderSize)
	copy(buf[0:4], rawMagic)
	binary.LittleEndian.PutUint32(buf[4:8], 0) // entry count
	_, err := d.file.WriteAt(buf, 0)
	return jerrors.Trace(err)
}

func (d *RawDevice) readHeader() error {
	buf := make([]byte, rawHeaderSize)
	if _, err := d.file.ReadAt(buf, 0); err != nil {
		return jerrors.Trace(err)
	}
	if string(buf[0:4]) != rawMagic {
		return jerrors.Errorf("raw device %q: bad magic", d.path)
	}
	count := binary.LittleEndian.Uint32(buf[4:8])
	cursor := 8
	for i := uint32(0); i < count; i++ {
		e := rawDirEntry{}
		e.fileID = binary.LittleEndian.Uint32(buf[cursor : cursor+4])
		cursor += 4
		nameBytes := buf[cursor : cursor+rawNameFieldWidth]
		cursor += rawNameFieldWidth
		end := 0
		for end < len(nameBytes) && nameBytes[end] != 0 {
			end++
		}
		e.name = string(nameBytes[:end])
		e.offset = int64(binary.LittleEndian.Uint64(buf[cursor : cursor+8]))
		cursor += 8
		e.length = int64(binary.LittleEndian.Uint64(buf[cursor : cursor+8]))
		cursor += 8

		d.entries = append(d.entries, e)
		if e.fileID >= d.nextID {
			d.nextID = e.fileID + 1
		}
		if e.offset+e.length > d.nextOff {
			d.nextOff = e.offset + e.length
		}
	}
	return nil
}

func (d *RawDevice) persistDirectory() error {
	buf := make([]byte, rawHeaderSize)
	copy(buf[0:4], rawMagic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(d.entries)))
	cursor := 8
	for _, e := range d.entries {
		if cursor+rawDirEntrySize > rawHeaderSize {
			return jerrors.Errorf("raw device %q: directory full (max %d entries)", d.path, rawMaxDirEntries)
		}
		binary.LittleEndian.PutUint32(buf[cursor:cursor+4], e.fileID)
		cursor += 4
		copy(buf[cursor:cursor+rawNameFieldWidth], e.name)
		cursor += rawNameFieldWidth
		binary.LittleEndian.PutUint64(buf[cursor:cursor+8], uint64(e.offset))
		cursor += 8
		binary.LittleEndian.PutUint64(buf[cursor:cursor+8], uint64(e.length))
		cursor += 8
	}
	_, err := d.file.WriteAt(buf, 0)
	return jerrors.Trace(err)
}

// Open returns the Backend for the named slab, allocating a fresh one of
// size `size` at the end of the device if it does not already exist.
func (d *RawDevice) Open(name string, size int64) (*Raw, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, e := range d.entries {
		if e.name == name {
			return &Raw{dev: d, entry: e}, nil
		}
	}
	if len(name) > rawNameFieldWidth {
		return nil, jerrors.Errorf("raw slab name %q exceeds %d bytes", name, rawNameFieldWidth)
	}
	e := rawDirEntry{fileID: d.nextID, name: name, offset: d.nextOff, length: size}
	d.nextID++
	d.nextOff += size
	d.entries = append(d.entries, e)
	if err := d.persistDirectory(); err != nil {
		return nil, jerrors.Trace(err)
	}
	return &Raw{dev: d, entry: e}, nil
}

func (d *RawDevice) remove(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, e := range d.entries {
		if e.name == name {
			d.entries = append(d.entries[:i], d.entries[i+1:]...)
			return jerrors.Trace(d.persistDirectory())
		}
	}
	return nil
}

// Raw is one slab's Backend handle within a RawDevice.
type Raw struct {
	dev   *RawDevice
	entry rawDirEntry
}

func (r *Raw) Length() (int64, error) {
	return r.entry.length, nil
}

func (r *Raw) ReadAt(dst []byte, off int64) (int, error) {
	if off+int64(len(dst)) > r.entry.length {
		return 0, jerrors.Errorf("raw read out of slab bounds: off=%d len=%d slab=%d", off, len(dst), r.entry.length)
	}
	n, err := r.dev.file.ReadAt(dst, r.entry.offset+off)
	if n < 0 {
		return 0, jerrors.Trace(ErrNegativeReturn)
	}
	return n, jerrors.Trace(err)
}

func (r *Raw) WriteAt(src []byte, srcOff int, off int64, length int, padByte byte) (int, error) {
	if off+int64(length) > r.entry.length {
		return 0, jerrors.Errorf("raw write out of slab bounds: off=%d len=%d slab=%d", off, length, r.entry.length)
	}
	n, err := r.dev.file.WriteAt(src[srcOff:srcOff+length], r.entry.offset+off)
	if n < 0 {
		return 0, jerrors.Trace(ErrNegativeReturn)
	}
	return n, jerrors.Trace(err)
}

func (r *Raw) Close() error { return nil }

// SlabInfo describes one named slab in a RawDevice's on-disk directory, for
// an inspection tool that has no business touching the unexported entry
// type directly.
type SlabInfo struct {
	Name   string
	Offset int64
	Length int64
}

// ListSlabs returns every slab currently registered in the device's
// directory, in allocation order.
func (d *RawDevice) ListSlabs() []SlabInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]SlabInfo, len(d.entries))
	for i, e := range d.entries {
		out[i] = SlabInfo{Name: e.name, Offset: e.offset, Length: e.length}
	}
	return out
}

func (r *Raw) CloseAndRemove() error {
	return jerrors.Trace(r.dev.remove(r.entry.name))
}
