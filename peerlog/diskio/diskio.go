// Package diskio provides the three interchangeable disk backends that
// back a secondary log, the primary log, and the version snapshot file:
// Buffered (page-cache), Direct (O_DIRECT, page-aligned), and Raw (a
// preallocated slab on a whole block device). Grounded on the positioned
// file I/O of the teacher's IBD_File (server/innodb/storage/store/ibd in
// the reference corpus), generalised from fixed 16 KiB InnoDB pages to an
// arbitrary page size and three selectable backends.
package diskio

import jerrors "github.com/juju/errors"

// Backend is the capability set every disk I/O variant exposes. All
// three make a 1-byte terminator write observable as atomic with respect
// to page boundaries: Buffered because a single positioned write of one
// byte cannot straddle a page on a POSIX filesystem, Direct and Raw
// because callers writing through them are required to submit
// page-aligned buffers whose tail padding absorbs any partial-page write.
type Backend interface {
	// Length returns the current usable size of the backing file/slab.
	Length() (int64, error)

	// ReadAt reads len(dst) bytes starting at off.
	ReadAt(dst []byte, off int64) (int, error)

	// WriteAt writes src[srcOff:srcOff+length] to off. No backend writes
	// padByte: Direct takes a caller-padded, page-aligned buffer as is,
	// and Buffered and Raw ignore it.
	WriteAt(src []byte, srcOff int, off int64, length int, padByte byte) (int, error)

	// Close releases the backend without removing backing storage.
	Close() error

	// CloseAndRemove releases the backend and deletes the backing
	// file/slab entry.
	CloseAndRemove() error
}

// ErrNegativeReturn is returned, traced, for any negative-length return
// from the underlying syscall layer. It is a sentinel of its own and
// does not wrap peerlog.ErrIoFailure.
var ErrNegativeReturn = jerrors.New("diskio: negative return from backend")
