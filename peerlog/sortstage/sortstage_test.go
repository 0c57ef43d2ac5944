package sortstage_test

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/peerlog/peerlog"
	"github.com/zhukovaskychina/peerlog/peerlog/bufpool"
	"github.com/zhukovaskychina/peerlog/peerlog/header"
	"github.com/zhukovaskychina/peerlog/peerlog/seclogbuf"
	"github.com/zhukovaskychina/peerlog/peerlog/sortstage"
	"github.com/zhukovaskychina/peerlog/peerlog/writerpool"
)

type fakeRing struct {
	buf      []byte
	pending  map[peerlog.RangeKey]int64
	priority bool
	advanced uint32
	wake     chan struct{}
}

func (f *fakeRing) Wake() <-chan struct{}                             { return f.wake }
func (f *fakeRing) BytesPending() uint32                              { return uint32(len(f.buf)) }
func (f *fakeRing) PriorityFlush() bool                                { return f.priority }
func (f *fakeRing) StealRangeSizeMap() map[peerlog.RangeKey]int64     { return f.pending }
func (f *fakeRing) ReadAt(offset uint32, dst []byte)                  { copy(dst, f.buf[offset:]) }
func (f *fakeRing) AdvanceReadPointer(n uint32)                       { f.advanced += n }

type fakeReorg struct {
	mu     sync.Mutex
	grants int
}

func (f *fakeReorg) GrantAccessToCurrentLog() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grants++
}

func (f *fakeReorg) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.grants
}

// fakeSecTarget satisfies both writerpool.SecondaryTarget and
// seclogbuf.Target: the two interfaces are structurally identical, so one
// fake serves as both a writer-pool WriteSecondary destination and a
// buffer's spill destination.
type fakeSecTarget struct {
	mu       sync.Mutex
	appended [][]byte
}

func (f *fakeSecTarget) SegmentForInsert(length int64) (int, error) { return 0, nil }

func (f *fakeSecTarget) AppendSegment(segIdx int, buf []byte, writePos int64, length int, accessedByReorg bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, length)
	copy(cp, buf[:length])
	f.appended = append(f.appended, cp)
	return nil
}

func (f *fakeSecTarget) UsedBytes(segIdx int) int64 { return 0 }

func (f *fakeSecTarget) appendedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.appended)
}

func (f *fakeSecTarget) last() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appended[len(f.appended)-1]
}

type fakePrimaryTarget struct {
	mu      sync.Mutex
	batches [][]byte
	ranges  [][]peerlog.RangeKey
}

func (f *fakePrimaryTarget) AppendBatch(data []byte, ranges []peerlog.RangeKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.batches = append(f.batches, cp)
	f.ranges = append(f.ranges, ranges)
	return nil
}

func (f *fakePrimaryTarget) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func newTestLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func encodeEntry(cid peerlog.ChunkId, v peerlog.Version, rangeID, owner uint16, payload []byte) []byte {
	h := header.New(cid, uint32(len(payload)), v, rangeID, owner, owner, 0)
	return append(h.Encode(nil, false), payload...)
}

func newStage(t *testing.T, ring sortstage.Ring, secBuf *seclogbuf.Registry, writer *writerpool.Pool, reorg sortstage.ReorgNotifiee, cfg sortstage.Config) *sortstage.Stage {
	t.Helper()
	pool := bufpool.New(bufpool.DefaultConfig())
	return sortstage.New(ring, pool, secBuf, writer, reorg, cfg, newTestLogger(), peerlog.NewAtomicStats())
}

func TestDrainOnceNoOpWhenRingEmpty(t *testing.T) {
	ring := &fakeRing{}
	reorg := &fakeReorg{}
	writer, err := writerpool.New(2, nil, &fakePrimaryTarget{}, bufpool.New(bufpool.DefaultConfig()), newTestLogger(), peerlog.NewAtomicStats())
	require.NoError(t, err)
	defer writer.Close()

	stage := newStage(t, ring, seclogbuf.NewRegistry(), writer, reorg, sortstage.Config{Timeout: time.Hour})
	stage.DrainOnce()

	assert.Equal(t, 0, reorg.count())
	assert.Equal(t, uint32(0), ring.advanced)
}

func TestDrainOnceSecondaryDirectConvertsHeaderAndWrites(t *testing.T) {
	key := peerlog.RangeKey{OwnerID: 1, RangeID: 1}
	entry := encodeEntry(peerlog.NewChunkId(1, 1), peerlog.Version{Epoch: 1, Version: 1}, key.RangeID, key.OwnerID, []byte("hello"))

	ring := &fakeRing{buf: entry, pending: map[peerlog.RangeKey]int64{key: 1 << 30}}
	secTarget := &fakeSecTarget{}
	reorg := &fakeReorg{}
	writer, err := writerpool.New(2, map[peerlog.RangeKey]writerpool.SecondaryTarget{key: secTarget}, &fakePrimaryTarget{}, bufpool.New(bufpool.DefaultConfig()), newTestLogger(), peerlog.NewAtomicStats())
	require.NoError(t, err)
	defer writer.Close()

	stage := newStage(t, ring, seclogbuf.NewRegistry(), writer, reorg, sortstage.Config{
		SecondaryLogBufferSize: 1024,
		TwoLevelLogging:        true,
		Timeout:                time.Hour,
	})
	stage.DrainOnce()

	require.Eventually(t, func() bool { return secTarget.appendedCount() == 1 }, time.Second, time.Millisecond)

	got := secTarget.last()
	size, ok := header.IsReadable(got)
	require.True(t, ok)
	h, _, err := header.Decode(got[:size])
	require.NoError(t, err)
	assert.Equal(t, header.Secondary, h.Flavor)
	assert.Equal(t, uint32(len(entry)), ring.advanced)
	assert.Equal(t, 1, reorg.count())
}

func TestDrainOnceTentativePrimaryBuffersWithoutTwoLevelLogging(t *testing.T) {
	key := peerlog.RangeKey{OwnerID: 2, RangeID: 5}
	entry := encodeEntry(peerlog.NewChunkId(2, 5), peerlog.Version{Epoch: 1, Version: 1}, key.RangeID, key.OwnerID, []byte("payload"))

	ring := &fakeRing{buf: entry, pending: map[peerlog.RangeKey]int64{key: 10}}
	secTarget := &fakeSecTarget{}
	primaryTarget := &fakePrimaryTarget{}
	buf := seclogbuf.New(4096, secTarget, key, newTestLogger(), peerlog.NewAtomicStats())
	secBuf := seclogbuf.NewRegistry()
	secBuf.Set(key, buf)

	writer, err := writerpool.New(2, map[peerlog.RangeKey]writerpool.SecondaryTarget{key: secTarget}, primaryTarget, bufpool.New(bufpool.DefaultConfig()), newTestLogger(), peerlog.NewAtomicStats())
	require.NoError(t, err)
	defer writer.Close()

	stage := newStage(t, ring, secBuf, writer, &fakeReorg{}, sortstage.Config{
		SecondaryLogBufferSize: 1024,
		TwoLevelLogging:        false,
		Timeout:                time.Hour,
	})
	stage.DrainOnce()

	assert.Equal(t, len(entry), buf.Len())
	assert.Equal(t, 0, secTarget.appendedCount())
	assert.Equal(t, 0, primaryTarget.batchCount())
}

func TestDrainOnceTwoLevelLoggingSubmitsSinglePrimaryBatch(t *testing.T) {
	keyA := peerlog.RangeKey{OwnerID: 1, RangeID: 1}
	keyB := peerlog.RangeKey{OwnerID: 1, RangeID: 2}
	entryA := encodeEntry(peerlog.NewChunkId(1, 1), peerlog.Version{Epoch: 1, Version: 1}, keyA.RangeID, keyA.OwnerID, []byte("aaa"))
	entryB := encodeEntry(peerlog.NewChunkId(1, 2), peerlog.Version{Epoch: 1, Version: 1}, keyB.RangeID, keyB.OwnerID, []byte("bbb"))

	var combined []byte
	combined = append(combined, entryA...)
	combined = append(combined, entryB...)

	ring := &fakeRing{buf: combined, pending: map[peerlog.RangeKey]int64{keyA: 10, keyB: 10}}
	secTargetA := &fakeSecTarget{}
	secTargetB := &fakeSecTarget{}
	primaryTarget := &fakePrimaryTarget{}

	secBuf := seclogbuf.NewRegistry()
	secBuf.Set(keyA, seclogbuf.New(4096, secTargetA, keyA, newTestLogger(), peerlog.NewAtomicStats()))
	secBuf.Set(keyB, seclogbuf.New(4096, secTargetB, keyB, newTestLogger(), peerlog.NewAtomicStats()))

	writer, err := writerpool.New(2, map[peerlog.RangeKey]writerpool.SecondaryTarget{keyA: secTargetA, keyB: secTargetB}, primaryTarget, bufpool.New(bufpool.DefaultConfig()), newTestLogger(), peerlog.NewAtomicStats())
	require.NoError(t, err)
	defer writer.Close()

	stage := newStage(t, ring, secBuf, writer, &fakeReorg{}, sortstage.Config{
		SecondaryLogBufferSize: 1024,
		TwoLevelLogging:        true,
		Timeout:                time.Hour,
	})
	stage.DrainOnce()

	require.Eventually(t, func() bool { return primaryTarget.batchCount() == 1 }, time.Second, time.Millisecond)

	primaryTarget.mu.Lock()
	gotRanges := primaryTarget.ranges[0]
	gotBatch := primaryTarget.batches[0]
	primaryTarget.mu.Unlock()

	assert.ElementsMatch(t, []peerlog.RangeKey{keyA, keyB}, gotRanges)
	assert.Equal(t, len(entryA)+len(entryB), len(gotBatch))
	assert.Equal(t, 0, secTargetA.appendedCount())
	assert.Equal(t, 0, secTargetB.appendedCount())
}

func TestDrainOnceTentativePrimarySpillsToSecondaryLog(t *testing.T) {
	key := peerlog.RangeKey{OwnerID: 3, RangeID: 1}
	entry := encodeEntry(peerlog.NewChunkId(3, 1), peerlog.Version{Epoch: 1, Version: 1}, key.RangeID, key.OwnerID, []byte("overflow"))

	ring := &fakeRing{buf: entry, pending: map[peerlog.RangeKey]int64{key: 10}}
	secTarget := &fakeSecTarget{}
	primaryTarget := &fakePrimaryTarget{}

	secBuf := seclogbuf.NewRegistry()
	// Capacity of 1 guarantees the very first wrapper already overflows,
	// so BufferData spills immediately instead of absorbing it.
	secBuf.Set(key, seclogbuf.New(1, secTarget, key, newTestLogger(), peerlog.NewAtomicStats()))

	writer, err := writerpool.New(2, map[peerlog.RangeKey]writerpool.SecondaryTarget{key: secTarget}, primaryTarget, bufpool.New(bufpool.DefaultConfig()), newTestLogger(), peerlog.NewAtomicStats())
	require.NoError(t, err)
	defer writer.Close()

	stage := newStage(t, ring, secBuf, writer, &fakeReorg{}, sortstage.Config{
		SecondaryLogBufferSize: 1024,
		TwoLevelLogging:        true,
		Timeout:                time.Hour,
	})
	stage.DrainOnce()

	require.Eventually(t, func() bool { return secTarget.appendedCount() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, primaryTarget.batchCount())
}
