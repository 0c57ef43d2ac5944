// Package version is the per-(owner,range) version store of spec.md
// §4.3: an open-addressed ChunkId -> Version table with a compact
// on-disk snapshot, used by the secondary log to hand out monotonic
// versions and by the reorganiser to decide which entries in a segment
// are still live.
package version

import (
	"sync"

	"github.com/zhukovaskychina/peerlog/peerlog"
	"github.com/zhukovaskychina/peerlog/util"
)

const (
	initialCapacity = 64
	maxLoadFactor   = 0.7
)

type slot struct {
	used    bool
	chunkID peerlog.ChunkId
	version peerlog.Version
}

// Store is an open-addressed ChunkId -> Version map, guarded by a
// single mutex that stands in for spec.md's "per-range spin lock" — one
// Store already belongs to exactly one (owner, range), so there is
// never cross-range contention on it.
type Store struct {
	mu    sync.Mutex
	slots []slot
	count int
}

// New returns an empty version store.
func New() *Store {
	return &Store{slots: make([]slot, initialCapacity)}
}

func hashChunkID(cid peerlog.ChunkId) uint64 {
	var b [8]byte
	v := uint64(cid)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return util.HashCode(b[:])
}

func (s *Store) probe(cid peerlog.ChunkId) int {
	mask := uint64(len(s.slots) - 1)
	idx := hashChunkID(cid) & mask
	for {
		sl := &s.slots[idx]
		if !sl.used || sl.chunkID == cid {
			return int(idx)
		}
		idx = (idx + 1) & mask
	}
}

func (s *Store) growIfNeeded() {
	if float64(s.count+1) <= float64(len(s.slots))*maxLoadFactor {
		return
	}
	old := s.slots
	s.slots = make([]slot, len(old)*2)
	s.count = 0
	for _, sl := range old {
		if sl.used {
			s.insertLocked(sl.chunkID, sl.version)
		}
	}
}

func (s *Store) insertLocked(cid peerlog.ChunkId, v peerlog.Version) {
	idx := s.probe(cid)
	if !s.slots[idx].used {
		s.count++
	}
	s.slots[idx] = slot{used: true, chunkID: cid, version: v}
}

// Get returns the current version for cid, or InvalidVersion if unknown.
func (s *Store) Get(cid peerlog.ChunkId) peerlog.Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.probe(cid)
	if !s.slots[idx].used {
		return peerlog.InvalidVersion
	}
	return s.slots[idx].version
}

// Set unconditionally installs v for cid, used by recovery and reorg
// when rebuilding the table from a disk scan.
func (s *Store) Set(cid peerlog.ChunkId, v peerlog.Version) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.growIfNeeded()
	s.insertLocked(cid, v)
}

// NextVersion advances cid's stored version by one within the current
// epoch and returns it as the version to stamp on a newly appended
// entry, so the store holds the version of the latest entry. A chunk id
// seen for the first time starts at version 0 of epoch 0.
func (s *Store) NextVersion(cid peerlog.ChunkId) peerlog.Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.probe(cid)
	if !s.slots[idx].used {
		s.growIfNeeded()
		idx = s.probe(cid)
		s.count++
		s.slots[idx] = slot{used: true, chunkID: cid, version: peerlog.Version{Epoch: 0, Version: 0}}
		return s.slots[idx].version
	}
	cur := s.slots[idx].version
	next := peerlog.Version{Epoch: cur.Epoch, Version: cur.Version + 1}
	s.slots[idx].version = next
	return next
}

// Tombstone marks cid removed: future recovery/reorg scans treat any
// entry at a version below the stored one (including this one) as dead.
func (s *Store) Tombstone(cid peerlog.ChunkId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.probe(cid)
	epoch := uint16(0)
	if s.slots[idx].used {
		epoch = s.slots[idx].version.Epoch
	} else {
		s.growIfNeeded()
		idx = s.probe(cid)
		s.count++
	}
	s.slots[idx] = slot{used: true, chunkID: cid, version: peerlog.Version{Epoch: epoch, Version: peerlog.InvalidVersion.Version}}
}

// ForAll invokes cb for every live entry. cb must not mutate the store.
func (s *Store) ForAll(cb func(cid peerlog.ChunkId, v peerlog.Version)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sl := range s.slots {
		if sl.used {
			cb(sl.chunkID, sl.version)
		}
	}
}

// Len returns the number of distinct chunk ids tracked.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Clear empties the store in place, reusing its backing array. Load
// uses it to drop the contents when a snapshot is missing or rejected.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.slots {
		s.slots[i] = slot{}
	}
	s.count = 0
}

// Reset resizes the store to at least capacity slots (rounded up to a
// power of two) and clears it. Nothing in this module calls it: the
// reorganiser reads the log's own version store and keeps no temporary
// one.
func (s *Store) Reset(capacity int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := initialCapacity
	for n < capacity {
		n *= 2
	}
	s.slots = make([]slot, n)
	s.count = 0
}
