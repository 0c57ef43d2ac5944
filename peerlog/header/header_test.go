package header_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/peerlog/peerlog"
	"github.com/zhukovaskychina/peerlog/peerlog/header"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cid := peerlog.NewChunkId(2, 42)
	h := header.New(cid, 100, peerlog.Version{Epoch: 1, Version: 7}, 5, 2, 2, 123456789)

	buf := h.Encode(nil, false)
	size, ok := header.IsReadable(buf)
	require.True(t, ok)
	assert.Equal(t, len(buf), size)

	got, consumed, err := header.Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), consumed)
	assert.Equal(t, cid, got.ChunkID)
	assert.Equal(t, uint32(100), got.Length)
	assert.Equal(t, peerlog.Version{Epoch: 1, Version: 7}, got.Version)
	assert.Equal(t, uint16(5), got.RangeID)
	assert.Equal(t, uint16(2), got.Owner)
	assert.Equal(t, uint16(2), got.OriginalOwner)
	assert.Equal(t, uint64(123456789), got.Timestamp)
}

func TestOriginalOwnerOmittedWhenEqualToOwner(t *testing.T) {
	h := header.New(peerlog.NewChunkId(1, 1), 10, peerlog.Version{}, 1, 9, 9, 0)
	withSame := h.Encode(nil, false)

	h.OriginalOwner = 77
	withDiff := h.Encode(nil, false)

	assert.Less(t, len(withSame), len(withDiff), "omitting original_owner saves 2 bytes")
}

func TestIsReadableFalseOnTruncatedBuffer(t *testing.T) {
	h := header.New(peerlog.NewChunkId(1, 1), 10, peerlog.Version{}, 1, 9, 9, 42)
	buf := h.Encode(nil, false)

	_, ok := header.IsReadable(buf[:3])
	assert.False(t, ok)
}

func TestZeroByteIsNotReadableSentinel(t *testing.T) {
	_, ok := header.IsReadable([]byte{0, 1, 2, 3})
	assert.False(t, ok)
}

func TestAddChecksumAndVerify(t *testing.T) {
	h := header.New(peerlog.NewChunkId(1, 1), 5, peerlog.Version{}, 1, 1, 1, 0)
	buf := h.Encode(nil, true)
	payload := []byte("hello")
	buf = append(buf, payload...)

	require.NoError(t, header.AddChecksum(buf, 0, payload))

	got, _, err := header.Decode(buf)
	require.NoError(t, err)
	assert.True(t, header.VerifyChecksum(got, true, payload))
	assert.False(t, header.VerifyChecksum(got, true, []byte("tampered")))
}

func TestConvertAndPutProducesShorterSecondaryHeader(t *testing.T) {
	primary := header.New(peerlog.NewChunkId(1, 1), 50, peerlog.Version{Epoch: 2, Version: 9}, 3, 4, 4, 0)
	buf := primary.Encode(nil, false)
	primarySize := len(buf)
	buf = append(buf, make([]byte, 50)...) // payload placeholder

	convOffset, secSize, err := header.ConvertAndPut(primary, primarySize, buf, 0)
	require.NoError(t, err)
	assert.Less(t, secSize, primarySize)
	assert.Equal(t, primarySize-secSize, convOffset)

	got, consumed, err := header.Decode(buf[convOffset:])
	require.NoError(t, err)
	assert.Equal(t, secSize, consumed)
	assert.Equal(t, header.Secondary, got.Flavor)
	assert.Equal(t, primary.ChunkID, got.ChunkID)
	assert.Equal(t, primary.Version, got.Version)
}

func TestConvertAndPutOmitsOriginalOwnerWhenEqualToOwner(t *testing.T) {
	primary := header.New(peerlog.NewChunkId(1, 1), 50, peerlog.Version{Epoch: 2, Version: 9}, 3, 4, 4, 0)
	buf := primary.Encode(nil, false)
	primarySize := len(buf)
	buf = append(buf, make([]byte, 50)...)

	convOffset, secSize, err := header.ConvertAndPut(primary, primarySize, buf, 0)
	require.NoError(t, err)

	withOriginalOwner := header.New(peerlog.NewChunkId(1, 1), 50, peerlog.Version{Epoch: 2, Version: 9}, 3, 4, 9, 0)
	withOriginalOwner.Flavor = header.Secondary
	distinctOwnerSize := len(withOriginalOwner.Encode(nil, false))

	// original_owner equal to owner must still be omitted on the
	// primary-to-secondary conversion path, not just on the direct New
	// path TestOriginalOwnerOmittedWhenEqualToOwner covers.
	assert.Less(t, secSize, distinctOwnerSize)

	got, _, err := header.Decode(buf[convOffset : convOffset+secSize])
	require.NoError(t, err)
	// A secondary header carries no owner field, so with original_owner
	// omitted Decode reports 0 for it.
	assert.Equal(t, uint16(0), got.OriginalOwner)
}

func TestConvertRunToSecondaryOmitsOriginalOwnerWhenEqualToOwner(t *testing.T) {
	h := header.New(peerlog.NewChunkId(2, 2), 3, peerlog.Version{Epoch: 1, Version: 1}, 1, 7, 7, 0)
	payload := []byte("abc")
	run := append(h.Encode(nil, false), payload...)

	out, err := header.ConvertRunToSecondary(run)
	require.NoError(t, err)

	got, size, err := header.Decode(out)
	require.NoError(t, err)
	assert.Equal(t, header.Secondary, got.Flavor)
	// No owner field on the wire and original_owner omitted: decodes as 0.
	assert.Equal(t, uint16(0), got.OriginalOwner)
	assert.Equal(t, payload, out[size:])
}

func TestChainingRoundTrip(t *testing.T) {
	h := header.New(peerlog.NewChunkId(3, 0x2A), 100, peerlog.Version{}, 1, 1, 1, 0)
	h.AddChaining(1, 3)
	buf := h.Encode(nil, false)

	got, _, err := header.Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, byte(1), got.ChainID)
	assert.Equal(t, byte(3), got.ChainCount)
}
