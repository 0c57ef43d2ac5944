package diskio

import (
	"os"
	"sync"

	jerrors "github.com/juju/errors"
	"golang.org/x/sys/unix"
)

// Direct opens its backing file with O_DIRECT: every read and write must
// go through a page-aligned buffer (sourced from the segment buffer
// pool), start at a page-aligned offset, and cover a whole number of
// pages. Callers writing a short tail pad the buffer with padByte up to
// the next page boundary; this backend requires that padding have
// already happened in the caller's buffer (it only validates alignment).
type Direct struct {
	mu       sync.RWMutex
	file     *os.File
	path     string
	pageSize int
}

// OpenDirect opens path with O_DIRECT, creating and sizing it if needed.
// pageSize must match flash_page_size; all offsets and lengths passed to
// ReadAt/WriteAt are validated against it.
func OpenDirect(path string, size int64, pageSize int) (*Direct, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|unix.O_DIRECT, 0640)
	if err != nil {
		return nil, jerrors.Annotatef(err, "open direct file %q", path)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, jerrors.Annotatef(err, "stat direct file %q", path)
	}
	if fi.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, jerrors.Annotatef(err, "truncate direct file %q to %d", path, size)
		}
	}
	return &Direct{file: f, path: path, pageSize: pageSize}, nil
}

func (d *Direct) Length() (int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fi, err := d.file.Stat()
	if err != nil {
		return 0, jerrors.Trace(err)
	}
	return fi.Size(), nil
}

func (d *Direct) checkAlignment(off int64, length int) error {
	if off%int64(d.pageSize) != 0 {
		return jerrors.Errorf("direct io offset %d not aligned to page size %d", off, d.pageSize)
	}
	if length%d.pageSize != 0 {
		return jerrors.Errorf("direct io length %d not a multiple of page size %d", length, d.pageSize)
	}
	return nil
}

func (d *Direct) ReadAt(dst []byte, off int64) (int, error) {
	if err := d.checkAlignment(off, len(dst)); err != nil {
		return 0, jerrors.Trace(err)
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, err := d.file.ReadAt(dst, off)
	if n < 0 {
		return 0, jerrors.Trace(ErrNegativeReturn)
	}
	if err != nil {
		return n, jerrors.Annotatef(err, "direct read at %d len %d", off, len(dst))
	}
	return n, nil
}

// WriteAt requires length to already be page-aligned in the caller's
// buffer; any bytes past the logical payload within [srcOff,
// srcOff+length) must already have been zero- or padByte-filled by the
// segment buffer pool before this is called (see bufpool.Pool.Return).
func (d *Direct) WriteAt(src []byte, srcOff int, off int64, length int, padByte byte) (int, error) {
	if err := d.checkAlignment(off, length); err != nil {
		return 0, jerrors.Trace(err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.file.WriteAt(src[srcOff:srcOff+length], off)
	if n < 0 {
		return 0, jerrors.Trace(ErrNegativeReturn)
	}
	if err != nil {
		return n, jerrors.Annotatef(err, "direct write at %d len %d", off, length)
	}
	return n, nil
}

func (d *Direct) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return jerrors.Trace(d.file.Close())
}

func (d *Direct) CloseAndRemove() error {
	d.mu.Lock()
	path := d.path
	err := d.file.Close()
	d.mu.Unlock()
	if err != nil {
		return jerrors.Trace(err)
	}
	return jerrors.Trace(os.Remove(path))
}
