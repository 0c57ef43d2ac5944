package seclog

import (
	jerrors "github.com/juju/errors"

	"github.com/zhukovaskychina/peerlog/peerlog"
	"github.com/zhukovaskychina/peerlog/peerlog/header"
)

type survivor struct {
	chunkID peerlog.ChunkId
	offset  int64 // offset within the survivors buffer
	size    int64
	version peerlog.Version
}

// ReorganiseSegment implements spec.md §4.5's reorganise_segment: read
// segIdx, discard tombstones and entries whose version is no longer the
// live one for their chunk id (per l.versions, the current-state version
// store — not a reorg-local snapshot, since a live writer may still be
// appending to other segments of this same log concurrently), and
// rewrite survivors densely. If another segment has room for the
// survivors they are merged into it and segIdx is freed; otherwise
// segIdx is compacted in place (the fixed segment count in this layout
// has no literal spare slot to swap into, so "rewrite into a fresh
// segment" is realised as a full rewrite of segIdx starting from offset
// zero). Callers must hold the log's latch write side before calling
// this (the reorganisation thread does, per spec.md §4.11 step 1).
func (l *SecondaryLog) ReorganiseSegment(segIdx int) (reclaimedBytes int64, err error) {
	l.mu.Lock()
	usedBytes := l.segments[segIdx].usedBytes
	l.segments[segIdx].state = Reorganising
	l.mu.Unlock()

	raw := make([]byte, usedBytes)
	srcOff := int64(segIdx) * l.segSize
	if usedBytes > 0 {
		if _, err := l.backend.ReadAt(raw, srcOff); err != nil {
			return 0, jerrors.Annotatef(err, "seclog %s: read segment %d for reorg", l.key, segIdx)
		}
	}

	survivors := make([]byte, 0, usedBytes)
	var kept []survivor
	cursor := 0
	for cursor < len(raw) {
		size, ok := header.IsReadable(raw[cursor:])
		if !ok {
			break
		}
		h, _, derr := header.Decode(raw[cursor : cursor+size])
		if derr != nil {
			break
		}
		entryEnd := cursor + size + int(h.Length)
		if entryEnd > len(raw) {
			break
		}
		current := l.versions.Get(h.ChunkID)
		if !current.IsTombstone() && current == h.Version {
			kept = append(kept, survivor{chunkID: h.ChunkID, offset: int64(len(survivors)), size: int64(entryEnd - cursor), version: h.Version})
			survivors = append(survivors, raw[cursor:entryEnd]...)
		}
		cursor = entryEnd
	}
	reclaimedBytes = usedBytes - int64(len(survivors))

	l.mu.Lock()
	dest := -1
	for i := range l.segments {
		if i == segIdx || l.segments[i].state == Reorganising {
			continue
		}
		if l.segments[i].usedBytes+int64(len(survivors)) <= l.segSize {
			if dest == -1 || l.segments[i].usedBytes < l.segments[dest].usedBytes {
				dest = i
			}
		}
	}
	mergeInPlace := dest == -1
	if mergeInPlace {
		dest = segIdx
	}
	destBase := l.segments[dest].usedBytes
	if mergeInPlace {
		destBase = 0
	}
	l.mu.Unlock()

	destOff := int64(dest)*l.segSize + destBase
	if mergeInPlace {
		zeros := make([]byte, l.segSize-destBase)
		if _, err := l.backend.WriteAt(zeros, 0, destOff, len(zeros), 0); err != nil {
			return 0, jerrors.Annotatef(err, "seclog %s: zero segment %d before in-place reorg", l.key, dest)
		}
	}
	if len(survivors) > 0 {
		if _, err := l.backend.WriteAt(survivors, 0, destOff, len(survivors), 0); err != nil {
			return 0, jerrors.Annotatef(err, "seclog %s: rewrite survivors into segment %d", l.key, dest)
		}
	}

	l.mu.Lock()
	for _, k := range kept {
		l.locations[k.chunkID] = location{segIdx: dest, offset: destBase + k.offset, size: k.size, version: k.version}
	}
	if mergeInPlace {
		l.segments[dest].usedBytes = int64(len(survivors))
		l.segments[dest].invalidBytes = 0
		if l.segments[dest].usedBytes == 0 {
			l.segments[dest].state = Empty
		} else {
			l.segments[dest].state = Open
		}
	} else {
		l.segments[dest].usedBytes += int64(len(survivors))
		l.segments[segIdx] = meta{state: Empty}
	}
	l.mu.Unlock()

	l.stats.IncReorgRuns()
	l.stats.IncReorgReclaimedBytes(uint64(reclaimedBytes))
	l.log.WithFields(logFields(l.key, segIdx, dest, reclaimedBytes)).Debug("reorganised segment")
	return reclaimedBytes, nil
}

func logFields(key peerlog.RangeKey, src, dest int, reclaimed int64) map[string]interface{} {
	return map[string]interface{}{
		"range":     key.String(),
		"segment":   src,
		"dest":      dest,
		"reclaimed": reclaimed,
	}
}
