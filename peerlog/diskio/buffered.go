package diskio

import (
	"os"
	"sync"

	jerrors "github.com/juju/errors"
)

// Buffered serves reads and writes through the ordinary page cache.
// Grounded on IBD_File's os.File-backed positioned I/O, widened to an
// arbitrary file size (rather than a fixed InnoDB tablespace layout) and
// wrapped in the Backend interface so the sort/dispatch and reorg stages
// never see the concrete file type.
type Buffered struct {
	mu   sync.RWMutex
	file *os.File
	path string
}

// OpenBuffered opens (creating if necessary) a file of the given size at
// path. If the file already exists and is smaller than size, it is
// extended; an existing larger file is left untouched (recovery reopens
// an already-sized secondary log).
func OpenBuffered(path string, size int64) (*Buffered, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0640)
	if err != nil {
		return nil, jerrors.Annotatef(err, "open buffered file %q", path)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, jerrors.Annotatef(err, "stat buffered file %q", path)
	}
	if fi.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, jerrors.Annotatef(err, "truncate buffered file %q to %d", path, size)
		}
	}
	return &Buffered{file: f, path: path}, nil
}

func (b *Buffered) Length() (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	fi, err := b.file.Stat()
	if err != nil {
		return 0, jerrors.Trace(err)
	}
	return fi.Size(), nil
}

func (b *Buffered) ReadAt(dst []byte, off int64) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n, err := b.file.ReadAt(dst, off)
	if n < 0 {
		return 0, jerrors.Trace(ErrNegativeReturn)
	}
	if err != nil {
		return n, jerrors.Annotatef(err, "read at %d len %d", off, len(dst))
	}
	return n, nil
}

func (b *Buffered) WriteAt(src []byte, srcOff int, off int64, length int, padByte byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.file.WriteAt(src[srcOff:srcOff+length], off)
	if n < 0 {
		return 0, jerrors.Trace(ErrNegativeReturn)
	}
	if err != nil {
		return n, jerrors.Annotatef(err, "write at %d len %d", off, length)
	}
	return n, nil
}

func (b *Buffered) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return jerrors.Trace(b.file.Close())
}

func (b *Buffered) CloseAndRemove() error {
	b.mu.Lock()
	path := b.path
	err := b.file.Close()
	b.mu.Unlock()
	if err != nil {
		return jerrors.Trace(err)
	}
	return jerrors.Trace(os.Remove(path))
}
