// Package seclog implements the segmented secondary log of spec.md
// §4.5: one append-structured file per (owner, range), split into
// fixed-size segments, each tracked by the state machine in segment.go.
// Grounded on the teacher's segment/extent storage layer
// (server/innodb/storage/store/segs/segment.go in the reference corpus)
// for the segment-as-unit-of-allocation idea, generalised from InnoDB's
// fixed-purpose segment types to one homogeneous append log.
package seclog

import (
	"sync"

	"github.com/sirupsen/logrus"

	jerrors "github.com/juju/errors"

	"github.com/zhukovaskychina/peerlog/peerlog"
	"github.com/zhukovaskychina/peerlog/peerlog/diskio"
	"github.com/zhukovaskychina/peerlog/peerlog/header"
	"github.com/zhukovaskychina/peerlog/peerlog/reslock"
	"github.com/zhukovaskychina/peerlog/peerlog/version"
)

type location struct {
	segIdx  int
	offset  int64
	size    int64
	version peerlog.Version
}

// SecondaryLog is the durable per-range store. Safe for concurrent use:
// the latch arbitrates writer-vs-reorg access to the backing file, and
// mu guards the in-memory segment/location bookkeeping.
type SecondaryLog struct {
	mu        sync.Mutex
	latch     *reslock.Latch
	backend   diskio.Backend
	key       peerlog.RangeKey
	segSize   int64
	segments  []meta
	versions  *version.Store
	locations map[peerlog.ChunkId]location
	useChecksum bool
	log       *logrus.Logger
	stats     peerlog.Stats
}

// Open wraps an already-sized backend (usable size == numSegments *
// segSize, i.e. 2 x backup_range_size per spec.md §3) as a secondary
// log. versions must be an empty or already-recovered store for this
// range.
func Open(backend diskio.Backend, key peerlog.RangeKey, segSize int64, numSegments int, versions *version.Store, useChecksum bool, log *logrus.Logger, stats peerlog.Stats) *SecondaryLog {
	return &SecondaryLog{
		latch:       reslock.New(),
		backend:     backend,
		key:         key,
		segSize:     segSize,
		segments:    make([]meta, numSegments),
		versions:    versions,
		locations:   make(map[peerlog.ChunkId]location),
		useChecksum: useChecksum,
		log:         log,
		stats:       stats,
	}
}

func (l *SecondaryLog) NumSegments() int   { return len(l.segments) }
func (l *SecondaryLog) Key() peerlog.RangeKey { return l.key }

// LockForReorg and UnlockForReorg expose the log's access latch write
// side to the reorganisation thread (spec.md §4.11 step 1: "acquire the
// per-log access lock for write"). ReorganiseSegment itself does not
// take the latch, since the caller holds it for the whole reorg pass,
// potentially across several segments.
func (l *SecondaryLog) LockForReorg()   { l.latch.LockForReorg() }
func (l *SecondaryLog) UnlockForReorg() { l.latch.UnlockForReorg() }

// NextVersion delegates to this log's version store, the contract the
// primary write buffer calls before building an entry's header
// (spec.md §4.8 step 1).
func (l *SecondaryLog) NextVersion(cid peerlog.ChunkId) peerlog.Version {
	return l.versions.NextVersion(cid)
}
func (l *SecondaryLog) SegmentSize() int64 { return l.segSize }

// SegmentForInsert picks the segment with the fewest used bytes that
// still has room for length bytes; ties broken by lowest index. If none
// fits, it marks the most-invalidated segment Invalidating (a reorg
// candidate) and returns an error naming that segment; the index
// returned alongside that error is 0 and is not a write target.
func (l *SecondaryLog) SegmentForInsert(length int64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	best := -1
	for i := range l.segments {
		s := &l.segments[i]
		if s.state == Reorganising {
			continue
		}
		if s.usedBytes+length > l.segSize {
			continue
		}
		if best == -1 || s.usedBytes < l.segments[best].usedBytes {
			best = i
		}
	}
	if best != -1 {
		return best, nil
	}

	worst := -1
	for i := range l.segments {
		s := &l.segments[i]
		if s.state == Reorganising {
			continue
		}
		if worst == -1 || s.utilisation() > l.segments[worst].utilisation() {
			worst = i
		}
	}
	if worst == -1 {
		return 0, jerrors.Errorf("seclog %s: no segment available for %d bytes", l.key, length)
	}
	l.segments[worst].state = Invalidating
	return 0, jerrors.Errorf("seclog %s: no segment fits %d bytes, segment %d scheduled for reorg", l.key, length, worst)
}

// AppendSegment writes buf[:length] at byte offset writePos within
// segment segIdx, parses the entries it just wrote to update the
// location index and version-free byte accounting, and transitions the
// segment's state. accessedByReorg is true for ordinary writer-pool
// traffic, which must coordinate with a concurrently running
// reorganiser by taking the latch's read side; the reorganiser itself
// already holds the write side while rewriting a fresh segment and
// passes false to skip re-acquiring it.
func (l *SecondaryLog) AppendSegment(segIdx int, buf []byte, writePos int64, length int, accessedByReorg bool) error {
	if accessedByReorg {
		l.latch.LockForWrite()
		defer l.latch.UnlockForWrite()
	}
	if segIdx < 0 || segIdx >= len(l.segments) {
		return jerrors.Errorf("seclog %s: segment index %d out of range", l.key, segIdx)
	}
	off := int64(segIdx)*l.segSize + writePos
	if _, err := l.backend.WriteAt(buf, 0, off, length, 0); err != nil {
		return jerrors.Annotatef(err, "seclog %s: append segment %d at %d", l.key, segIdx, writePos)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	s := &l.segments[segIdx]
	if s.state == Empty {
		s.state = Open
	}
	cursor := 0
	for cursor < length {
		size, ok := header.IsReadable(buf[cursor:length])
		if !ok {
			break
		}
		h, _, err := header.Decode(buf[cursor : cursor+size])
		if err != nil {
			break
		}
		entrySize := int64(size) + int64(h.Length)
		loc := location{segIdx: segIdx, offset: writePos + int64(cursor), size: entrySize, version: h.Version}
		if prev, ok := l.locations[h.ChunkID]; ok {
			l.segments[prev.segIdx].invalidBytes += prev.size
		}
		l.locations[h.ChunkID] = loc
		cursor += int(entrySize)
	}
	s.usedBytes = writePos + int64(cursor)
	if s.usedBytes >= l.segSize {
		s.state = Full
	}
	l.stats.IncSecondaryWrites(1)
	return nil
}

// Invalidate marks cid's current entry dead: its containing segment's
// invalidBytes grows by the entry size and the version store records a
// tombstone. A second Invalidate of the same cid is a no-op against
// disk state (spec.md §8), since the location is already gone from the
// index after the first call.
func (l *SecondaryLog) Invalidate(cid peerlog.ChunkId) {
	l.mu.Lock()
	defer l.mu.Unlock()
	loc, ok := l.locations[cid]
	if !ok {
		return
	}
	l.segments[loc.segIdx].invalidBytes += loc.size
	delete(l.locations, cid)
	l.versions.Tombstone(cid)
}

// UsedBytes returns segIdx's current write position, i.e. the offset a
// caller should pass to AppendSegment as writePos for its next write.
func (l *SecondaryLog) UsedBytes(segIdx int) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.segments[segIdx].usedBytes
}

// Utilisation returns segIdx's invalidBytes/usedBytes ratio.
func (l *SecondaryLog) Utilisation(segIdx int) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.segments[segIdx].utilisation()
}

// State returns segIdx's current lifecycle state.
func (l *SecondaryLog) State(segIdx int) State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.segments[segIdx].state
}

// MostInvalidatedSegment returns the segment index with the highest
// utilisation ratio at or above threshold, or -1 if none qualifies.
func (l *SecondaryLog) MostInvalidatedSegment(threshold float64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	best, bestRatio := -1, threshold
	for i := range l.segments {
		s := &l.segments[i]
		if s.state == Reorganising || s.state == Empty {
			continue
		}
		if r := s.utilisation(); r >= bestRatio {
			best, bestRatio = i, r
		}
	}
	return best
}
