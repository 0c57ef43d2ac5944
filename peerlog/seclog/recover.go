package seclog

import (
	jerrors "github.com/juju/errors"

	"github.com/zhukovaskychina/peerlog/peerlog"
	"github.com/zhukovaskychina/peerlog/peerlog/header"
)

// Recover streams every segment, decoding entries and delivering the
// highest version seen for each chunk id to sink. It rebuilds the
// version store and location index from scratch, as happens after a
// crash when no version snapshot survived (spec.md §7: "a corrupt
// version snapshot is treated as empty... causing a full scan on next
// recovery").
func (l *SecondaryLog) Recover(sink func(peerlog.Chunk)) (peerlog.RecoveryMetadata, error) {
	l.latch.LockForReorg()
	defer l.latch.UnlockForReorg()

	meta := peerlog.RecoveryMetadata{}
	best := make(map[peerlog.ChunkId]peerlog.Chunk)
	// Tracks an in-progress chain (spec.md §6: "up to 127 chained
	// sub-entries... the receiver concatenates payloads in chain_id
	// order") for a chunk id until every part has been seen, keyed by
	// chunk id since one chunk has at most one chain in flight at a
	// time in a single log.
	pending := make(map[peerlog.ChunkId]*chainAssembly)
	locs := make(map[peerlog.ChunkId]location)

	finalize := func(cid peerlog.ChunkId, v peerlog.Version, payload []byte) {
		existing, seen := best[cid]
		if !seen || existing.Version.Less(v) {
			payloadCopy := make([]byte, len(payload))
			copy(payloadCopy, payload)
			best[cid] = peerlog.Chunk{ID: cid, Version: v, Payload: payloadCopy}
		}
	}

	segBuf := make([]byte, l.segSize)
	for segIdx := range l.segments {
		off := int64(segIdx) * l.segSize
		if _, err := l.backend.ReadAt(segBuf, off); err != nil {
			meta.Errors = append(meta.Errors, jerrors.Annotatef(err, "seclog %s: read segment %d", l.key, segIdx))
			continue
		}
		cursor := 0
		for cursor < len(segBuf) {
			size, ok := header.IsReadable(segBuf[cursor:])
			if !ok {
				break
			}
			h, _, err := header.Decode(segBuf[cursor : cursor+size])
			if err != nil {
				meta.Errors = append(meta.Errors, jerrors.Annotatef(err, "seclog %s: decode header at segment %d offset %d", l.key, segIdx, cursor))
				break
			}
			payloadStart := cursor + size
			payloadEnd := payloadStart + int(h.Length)
			if payloadEnd > len(segBuf) {
				meta.Errors = append(meta.Errors, jerrors.Errorf("seclog %s: truncated payload at segment %d offset %d", l.key, segIdx, cursor))
				break
			}
			payload := segBuf[payloadStart:payloadEnd]
			if !header.VerifyChecksum(h, l.useChecksum && h.Checksum != 0, payload) {
				meta.Errors = append(meta.Errors, jerrors.Errorf("seclog %s: checksum mismatch for chunk %x", l.key, uint64(h.ChunkID)))
				l.stats.IncCorruption()
				cursor = payloadEnd
				continue
			}
			if prev, ok := locs[h.ChunkID]; !ok || !h.Version.Less(prev.version) {
				locs[h.ChunkID] = location{segIdx: segIdx, offset: int64(cursor), size: int64(payloadEnd - cursor), version: h.Version}
			}

			if h.ChainCount <= 1 {
				finalize(h.ChunkID, h.Version, payload)
				cursor = payloadEnd
				continue
			}

			asm, ok := pending[h.ChunkID]
			if !ok || asm.version != h.Version || asm.count != h.ChainCount {
				asm = &chainAssembly{version: h.Version, count: h.ChainCount, parts: make([][]byte, h.ChainCount)}
				pending[h.ChunkID] = asm
			}
			if int(h.ChainID) >= len(asm.parts) {
				meta.Errors = append(meta.Errors, jerrors.Errorf("seclog %s: chain id %d out of range (count %d) for chunk %x", l.key, h.ChainID, h.ChainCount, uint64(h.ChunkID)))
				cursor = payloadEnd
				continue
			}
			if asm.parts[h.ChainID] == nil {
				asm.received++
			}
			partCopy := make([]byte, len(payload))
			copy(partCopy, payload)
			asm.parts[h.ChainID] = partCopy

			if asm.received == int(asm.count) {
				full := make([]byte, 0, asm.totalLen())
				for _, part := range asm.parts {
					full = append(full, part...)
				}
				finalize(h.ChunkID, asm.version, full)
				delete(pending, h.ChunkID)
			}
			cursor = payloadEnd
		}
	}
	for cid := range pending {
		meta.Errors = append(meta.Errors, jerrors.Errorf("seclog %s: incomplete chain for chunk %x, dropping", l.key, uint64(cid)))
	}

	l.mu.Lock()
	l.locations = locs
	l.mu.Unlock()

	for cid, c := range best {
		if c.Version.IsTombstone() {
			meta.NumTombstone++
			l.versions.Tombstone(cid)
			continue
		}
		l.versions.Set(cid, c.Version)
		meta.NumChunks++
		meta.Bytes += int64(len(c.Payload))
		sink(c)
	}
	return meta, nil
}

// chainAssembly accumulates the parts of one oversized payload's chain
// (spec.md §4.8) until all of them have been seen, so Recover can hand
// sink the reassembled payload instead of just its first chain_id part.
type chainAssembly struct {
	version  peerlog.Version
	count    byte
	parts    [][]byte
	received int
}

func (a *chainAssembly) totalLen() int {
	n := 0
	for _, p := range a.parts {
		n += len(p)
	}
	return n
}
