// Package seclogbuf implements the secondary log buffer of spec.md §4.6:
// a bounded per-range byte buffer that accumulates a tentative-primary
// range's entries in memory, still under primary headers, and converts
// them to tightly-packed secondary headers only once they actually
// leave for disk, the way the teacher's manager.BufferPoolManager
// coalesces dirty pages before a flush
// (server/innodb/manager/buffer_pool_manager.go), generalised here from
// fixed-size pages to a variable-length run of whole log entries.
package seclogbuf

import (
	"sync"

	jerrors "github.com/juju/errors"
	"github.com/sirupsen/logrus"

	"github.com/zhukovaskychina/peerlog/peerlog"
	"github.com/zhukovaskychina/peerlog/peerlog/header"
	"github.com/zhukovaskychina/peerlog/peerlog/seclog"
)

// Target is the capability this buffer flushes into: exactly the write
// side of a SecondaryLog.
type Target interface {
	SegmentForInsert(length int64) (int, error)
	AppendSegment(segIdx int, buf []byte, writePos int64, length int, accessedByReorg bool) error
	UsedBytes(segIdx int) int64
}

var _ Target = (*seclog.SecondaryLog)(nil)

// Buffer is one range's accumulation buffer. Only ever touched by the
// processing thread, so no internal locking is strictly required, but a
// mutex is kept since a writer-pool consumer may call Flush concurrently
// with the processing thread still accumulating into the next batch.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	data     []byte
	target   Target
	key      peerlog.RangeKey
	log      *logrus.Logger
	stats    peerlog.Stats
}

// New creates an empty buffer bounded by capacity bytes
// (secondary_log_buffer_size).
func New(capacity int, target Target, key peerlog.RangeKey, log *logrus.Logger, stats peerlog.Stats) *Buffer {
	return &Buffer{
		capacity: capacity,
		data:     make([]byte, 0, capacity),
		target:   target,
		key:      key,
		log:      log,
		stats:    stats,
	}
}

// BufferData appends wrapper — a whole number of entries, still under
// primary headers, since a tentative-primary range's bytes may yet be
// written to the primary log (spec.md §4.9 step 2) — if the result
// still fits capacity. If it does not fit, it returns the combined
// existing-prefix || wrapper bytes, converted to tightly-packed
// secondary headers, for the caller to write straight to the secondary
// log; this is the one point spec.md §4.6's "buffer contains only
// secondary-log-framed bytes" invariant actually bites, since this is
// where bytes stop being "tentative" and become a real secondary-log
// write. The buffer is emptied only when it spills; when the result
// fits, the buffer keeps the appended bytes.
func (b *Buffer) BufferData(wrapper []byte) (combined []byte, spilled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.data)+len(wrapper) <= b.capacity {
		b.data = append(b.data, wrapper...)
		return nil, false
	}

	run := make([]byte, 0, len(b.data)+len(wrapper))
	run = append(run, b.data...)
	run = append(run, wrapper...)
	b.data = b.data[:0]

	converted, err := header.ConvertRunToSecondary(run)
	if err != nil {
		// Corrupt in-memory run: surface the original bytes rather than
		// silently dropping them; the secondary log's own decode loop
		// will record the corruption when it gets to the bad entry.
		b.log.WithError(err).WithField("range", b.key.String()).Error("seclogbuf: convert run to secondary failed")
		return run, true
	}
	return converted, true
}

// Flush drains whatever prefix is currently buffered straight to the
// secondary log (converting it to secondary headers first) and empties
// the buffer. A no-op when the buffer is empty, since the caller cannot
// distinguish "nothing to flush" from "flushed zero bytes" otherwise.
func (b *Buffer) Flush() error {
	b.mu.Lock()
	pending := b.data
	b.data = nil
	b.mu.Unlock()

	if len(pending) == 0 {
		b.data = make([]byte, 0, b.capacity)
		return nil
	}

	converted, err := header.ConvertRunToSecondary(pending)
	if err != nil {
		b.mu.Lock()
		b.data = append(pending, b.data...)
		b.mu.Unlock()
		return jerrors.Annotatef(err, "seclogbuf %s: flush: convert run", b.key)
	}

	segIdx, err := b.target.SegmentForInsert(int64(len(converted)))
	if err != nil {
		// Put the original (unconverted) bytes back so a retry (after
		// reorg frees room) doesn't lose them.
		b.mu.Lock()
		b.data = append(pending, b.data...)
		b.mu.Unlock()
		return jerrors.Annotatef(err, "seclogbuf %s: flush", b.key)
	}
	writePos := b.target.UsedBytes(segIdx)
	if err := b.target.AppendSegment(segIdx, converted, writePos, len(converted), true); err != nil {
		return jerrors.Annotatef(err, "seclogbuf %s: flush", b.key)
	}
	b.data = make([]byte, 0, b.capacity)
	return nil
}

// Len reports how many bytes are currently buffered.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Registry maps every initialised range to its secondary log buffer, so
// the sort stage can look one up per range key without each
// init_backup_range/remove_backup_range call touching the sort stage
// directly.
type Registry struct {
	mu      sync.RWMutex
	buffers map[peerlog.RangeKey]*Buffer
}

func NewRegistry() *Registry {
	return &Registry{buffers: make(map[peerlog.RangeKey]*Buffer)}
}

func (r *Registry) Set(key peerlog.RangeKey, buf *Buffer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffers[key] = buf
}

func (r *Registry) Get(key peerlog.RangeKey) (*Buffer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.buffers[key]
	return b, ok
}

func (r *Registry) Delete(key peerlog.RangeKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.buffers, key)
}
