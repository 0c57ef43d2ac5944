package ring_test

import (
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/peerlog/peerlog"
	"github.com/zhukovaskychina/peerlog/peerlog/header"
	"github.com/zhukovaskychina/peerlog/peerlog/ring"
)

type fakeSecLog struct {
	mu  sync.Mutex
	ver map[peerlog.ChunkId]uint32
}

func newFakeSecLog() *fakeSecLog {
	return &fakeSecLog{ver: make(map[peerlog.ChunkId]uint32)}
}

func (f *fakeSecLog) NextVersion(cid peerlog.ChunkId) peerlog.Version {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ver[cid]++
	return peerlog.Version{Epoch: 1, Version: f.ver[cid]}
}

type noopStats struct{}

func (noopStats) IncPuts(uint64)                {}
func (noopStats) IncBytesIngested(uint64)       {}
func (noopStats) IncPriorityFlush()             {}
func (noopStats) IncTimerFlush()                {}
func (noopStats) IncThresholdFlush()            {}
func (noopStats) SetRingFillBytes(uint64)       {}
func (noopStats) IncSecondaryWrites(uint64)     {}
func (noopStats) IncPrimaryWrites(uint64)       {}
func (noopStats) IncReorgRuns()                 {}
func (noopStats) IncReorgReclaimedBytes(uint64) {}
func (noopStats) IncCorruption()                {}

func newTestRing(t *testing.T, capacity, maxEntrySize uint32, useChecksum bool) *ring.Ring {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return ring.New(capacity, maxEntrySize, 64, useChecksum, log, noopStats{})
}

func TestPutLogDataSingleEntryRoundTrips(t *testing.T) {
	r := newTestRing(t, 4096, 512, true)
	sec := newFakeSecLog()
	cid := peerlog.NewChunkId(1, 42)
	payload := []byte("hello world")

	require.NoError(t, r.PutLogData(cid, payload, 2, 1, 1, 1000, sec))

	buf := make([]byte, r.BytesPending())
	r.ReadAt(0, buf)

	size, ok := header.IsReadable(buf)
	require.True(t, ok)
	h, _, err := header.Decode(buf[:size])
	require.NoError(t, err)
	assert.Equal(t, cid, h.ChunkID)
	assert.Equal(t, uint32(len(payload)), h.Length)
	gotPayload := buf[size : size+int(h.Length)]
	assert.Equal(t, payload, gotPayload)
	assert.True(t, header.VerifyChecksum(h, true, gotPayload))
}

func TestPutLogDataChainsOversizePayload(t *testing.T) {
	r := newTestRing(t, 1<<16, 256, false)
	sec := newFakeSecLog()
	cid := peerlog.NewChunkId(1, 7)
	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i)
	}

	require.NoError(t, r.PutLogData(cid, payload, 2, 1, 1, 0, sec))

	buf := make([]byte, r.BytesPending())
	r.ReadAt(0, buf)

	cursor := 0
	var parts int
	var reassembled []byte
	for cursor < len(buf) {
		size, ok := header.IsReadable(buf[cursor:])
		if !ok {
			break
		}
		h, _, err := header.Decode(buf[cursor : cursor+size])
		require.NoError(t, err)
		start := cursor + size
		end := start + int(h.Length)
		reassembled = append(reassembled, buf[start:end]...)
		parts++
		cursor = end
	}
	assert.Greater(t, parts, 1, "1000-byte payload with 256-byte entries should chain")
	assert.Equal(t, payload, reassembled)
}

func TestPutLogDataRejectsEmptyPayload(t *testing.T) {
	r := newTestRing(t, 4096, 512, false)
	err := r.PutLogData(peerlog.NewChunkId(1, 1), nil, 1, 1, 1, 0, newFakeSecLog())
	assert.Error(t, err)
}

func TestPutLogDataRejectsChainOver127Parts(t *testing.T) {
	r := newTestRing(t, 1<<20, 64, false)
	payload := make([]byte, 200*32) // far more than 127*maxPayloadPerPart
	err := r.PutLogData(peerlog.NewChunkId(1, 1), payload, 1, 1, 1, 0, newFakeSecLog())
	assert.Error(t, err)
}

func TestAdvanceReadPointerFreesRoomForWrap(t *testing.T) {
	r := newTestRing(t, 512, 128, false)
	sec := newFakeSecLog()
	cid := peerlog.NewChunkId(1, 1)
	payload := make([]byte, 60)

	require.NoError(t, r.PutLogData(cid, payload, 1, 1, 1, 0, sec))
	pending := r.BytesPending()
	assert.Greater(t, pending, uint32(0))

	r.AdvanceReadPointer(pending)
	assert.Equal(t, uint32(0), r.BytesPending())

	require.NoError(t, r.PutLogData(cid, payload, 1, 1, 1, 0, sec))
	assert.Greater(t, r.BytesPending(), uint32(0))
}

func TestStealRangeSizeMapResetsAccounting(t *testing.T) {
	r := newTestRing(t, 4096, 512, false)
	sec := newFakeSecLog()
	key := peerlog.RangeKey{OwnerID: 1, RangeID: 2}

	require.NoError(t, r.PutLogData(peerlog.NewChunkId(1, 1), []byte("a"), key.RangeID, key.OwnerID, key.OwnerID, 0, sec))
	require.NoError(t, r.PutLogData(peerlog.NewChunkId(1, 2), []byte("bb"), key.RangeID, key.OwnerID, key.OwnerID, 0, sec))

	stolen := r.StealRangeSizeMap()
	assert.Greater(t, stolen[key], int64(0))

	again := r.StealRangeSizeMap()
	assert.Equal(t, int64(0), again[key])
}

func TestPriorityFlushFlagClearsOnRead(t *testing.T) {
	r := newTestRing(t, 4096, 512, false)
	assert.False(t, r.PriorityFlush())
}

func TestConcurrentPutLogDataPreservesAllPayloads(t *testing.T) {
	r := newTestRing(t, 1<<20, 256, false)
	sec := newFakeSecLog()

	const n = 64
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			cid := peerlog.NewChunkId(1, uint64(i))
			payload := []byte{byte(i), byte(i), byte(i)}
			assert.NoError(t, r.PutLogData(cid, payload, 1, 1, 1, 0, sec))
		}(i)
	}
	wg.Wait()

	buf := make([]byte, r.BytesPending())
	r.ReadAt(0, buf)

	seen := make(map[peerlog.ChunkId]bool)
	cursor := 0
	for cursor < len(buf) {
		size, ok := header.IsReadable(buf[cursor:])
		if !ok {
			break
		}
		h, _, err := header.Decode(buf[cursor : cursor+size])
		require.NoError(t, err)
		seen[h.ChunkID] = true
		cursor += size + int(h.Length)
	}
	assert.Len(t, seen, n, "every concurrent PutLogData call must land a distinct, readable entry")
}
