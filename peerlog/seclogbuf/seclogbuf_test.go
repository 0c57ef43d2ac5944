package seclogbuf_test

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/peerlog/peerlog"
	"github.com/zhukovaskychina/peerlog/peerlog/diskio"
	"github.com/zhukovaskychina/peerlog/peerlog/header"
	"github.com/zhukovaskychina/peerlog/peerlog/seclog"
	"github.com/zhukovaskychina/peerlog/peerlog/seclogbuf"
	"github.com/zhukovaskychina/peerlog/peerlog/version"
)

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

func newTestTarget(t *testing.T) (*seclog.SecondaryLog, *version.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "range.seclog")
	backend, err := diskio.OpenBuffered(path, 4096*4)
	require.NoError(t, err)
	vs := version.New()
	key := peerlog.RangeKey{OwnerID: 1, RangeID: 2}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return seclog.Open(backend, key, 4096, 4, vs, false, log, noopStats{}), vs
}

func encodeEntry(t *testing.T, cid peerlog.ChunkId, v peerlog.Version, payload []byte) []byte {
	t.Helper()
	h := header.New(cid, uint32(len(payload)), v, 2, 1, 1, 0)
	buf := h.Encode(nil, false)
	return append(buf, payload...)
}

func TestBufferDataAccumulatesUntilCapacity(t *testing.T) {
	target, vs := newTestTarget(t)
	key := peerlog.RangeKey{OwnerID: 1, RangeID: 2}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	buf := seclogbuf.New(256, target, key, log, noopStats{})

	cid := peerlog.NewChunkId(1, 1)
	entry := encodeEntry(t, cid, vs.NextVersion(cid), make([]byte, 50))

	combined, spilled := buf.BufferData(entry)
	assert.False(t, spilled)
	assert.Nil(t, combined)
	assert.Equal(t, len(entry), buf.Len())
}

func TestBufferDataSpillsCombinedWrapperWhenFull(t *testing.T) {
	target, vs := newTestTarget(t)
	key := peerlog.RangeKey{OwnerID: 1, RangeID: 2}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	buf := seclogbuf.New(100, target, key, log, noopStats{})

	cid1 := peerlog.NewChunkId(1, 1)
	first := encodeEntry(t, cid1, vs.NextVersion(cid1), make([]byte, 60))
	combined, spilled := buf.BufferData(first)
	require.False(t, spilled)
	require.Nil(t, combined)

	cid2 := peerlog.NewChunkId(1, 2)
	second := encodeEntry(t, cid2, vs.NextVersion(cid2), make([]byte, 60))
	combined, spilled = buf.BufferData(second)
	require.True(t, spilled)
	// Spilling converts both entries from primary to secondary headers,
	// which drop range_id and owner (4 bytes each, since
	// original_owner == owner here too), so combined is shorter than
	// the raw primary-framed concatenation despite carrying the same
	// two payloads.
	assert.Less(t, len(combined), len(first)+len(second))
	size, ok := header.IsReadable(combined)
	require.True(t, ok)
	h, _, err := header.Decode(combined[:size])
	require.NoError(t, err)
	assert.Equal(t, header.Secondary, h.Flavor)
	assert.Equal(t, 0, buf.Len(), "buffer empties once it spills")
}

func TestFlushDrainsBufferToSecondaryLog(t *testing.T) {
	target, vs := newTestTarget(t)
	key := peerlog.RangeKey{OwnerID: 1, RangeID: 2}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	buf := seclogbuf.New(4096, target, key, log, noopStats{})

	cid := peerlog.NewChunkId(1, 9)
	entry := encodeEntry(t, cid, vs.NextVersion(cid), []byte("payload"))
	_, spilled := buf.BufferData(entry)
	require.False(t, spilled)

	require.NoError(t, buf.Flush())
	assert.Equal(t, 0, buf.Len())

	var recovered []peerlog.Chunk
	_, err := target.Recover(func(c peerlog.Chunk) { recovered = append(recovered, c) })
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, "payload", string(recovered[0].Payload))
}

func TestFlushIsNoOpWhenEmpty(t *testing.T) {
	target, _ := newTestTarget(t)
	key := peerlog.RangeKey{OwnerID: 1, RangeID: 2}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	buf := seclogbuf.New(4096, target, key, log, noopStats{})
	assert.NoError(t, buf.Flush())
}
