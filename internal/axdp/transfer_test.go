package axdp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Scenario 3: a 2048-byte file at paclen 128 completes in 16 chunks.
func TestOutboundTransferFullFlow(t *testing.T) {
	data := make([]byte, 2048)
	for i := range data {
		data[i] = byte(i)
	}
	out := NewOutboundTransfer("t1", "large.bin", data, "N1CALL", 128, CompressionNone, 1)
	assert.Equal(t, StatusAwaitingAcceptance, out.Status)
	assert.Equal(t, uint32(16), out.totalChunks)

	meta := out.FileMetaMessage()
	assert.Equal(t, uint32(16), meta.TotalChunks)

	out.HandleAck(0, time.Unix(0, 0))
	assert.Equal(t, StatusSending, out.Status)

	var allChunks []Message
	for {
		chunks := out.NextChunks(4)
		if len(chunks) == 0 {
			break
		}
		allChunks = append(allChunks, chunks...)
	}
	require.Len(t, allChunks, 16)
	assert.Equal(t, StatusAwaitingCompletion, out.Status)
	for i, m := range allChunks {
		assert.Equal(t, uint32(i), m.ChunkIndex)
		require.NotNil(t, m.PayloadCRC32)
		assert.Equal(t, CRC32(m.Payload), *m.PayloadCRC32)
	}

	now := time.Unix(100, 0)
	out.HandleAck(MessageIDTransferComplete, now)
	assert.Equal(t, StatusCompleted, out.Status)
	require.NotNil(t, out.CompletedAt)
	assert.Equal(t, now, *out.CompletedAt)
}

func TestOutboundTransferFileMetaRejectionFails(t *testing.T) {
	out := NewOutboundTransfer("t2", "x.bin", []byte("data"), "N1CALL", 4, CompressionNone, 1)
	out.HandleNack(0, nil)
	assert.Equal(t, StatusFailed, out.Status)
}

// spec.md §4.4.5 / §8: a completion NACK with a SACK bitmap retransmits
// exactly the listed chunks and never fails the transfer.
func TestOutboundTransferCompletionNackWithSACKRetransmits(t *testing.T) {
	data := make([]byte, 64)
	out := NewOutboundTransfer("t3", "x.bin", data, "N1CALL", 16, CompressionNone, 1)
	out.HandleAck(0, time.Unix(0, 0))
	out.NextChunks(4) // sends all 4 chunks, enters awaitingCompletion

	sack := NewSACKBitmap(0, 4, map[uint32]bool{1: true}) // chunk 1 missing
	retransmit := out.HandleNack(MessageIDTransferComplete, &sack)
	require.Len(t, retransmit, 1)
	assert.Equal(t, uint32(1), retransmit[0].ChunkIndex)
	assert.Equal(t, StatusAwaitingCompletion, out.Status)
	assert.NotEqual(t, StatusFailed, out.Status)
}

func TestOutboundTransferCompletionNackWithoutSACKNoChange(t *testing.T) {
	out := NewOutboundTransfer("t4", "x.bin", []byte("data"), "N1CALL", 4, CompressionNone, 1)
	out.HandleAck(0, time.Unix(0, 0))
	out.NextChunks(10)
	before := out.Status
	retransmit := out.HandleNack(MessageIDTransferComplete, nil)
	assert.Nil(t, retransmit)
	assert.Equal(t, before, out.Status)
}

func TestInboundTransferCompletesExactlyWhenAllChunksReceived(t *testing.T) {
	data := []byte("0123456789abcdef")
	meta := FileMeta{Filename: "f.bin", FileSize: uint64(len(data)), ChunkSize: 8}
	in := NewInboundTransfer(meta, 2, 1, "N0CALL", time.Unix(0, 0))

	assert.False(t, in.IsComplete())
	in.AddChunk(1, data[8:16], nil)
	assert.False(t, in.IsComplete())
	in.AddChunk(0, data[0:8], nil)
	assert.True(t, in.IsComplete())
	assert.Equal(t, data, in.Reassemble())
}

func TestInboundTransferCRCMismatchDiscardsChunk(t *testing.T) {
	meta := FileMeta{Filename: "f.bin", FileSize: 8, ChunkSize: 8}
	in := NewInboundTransfer(meta, 1, 1, "N0CALL", time.Unix(0, 0))

	badCRC := uint32(0xDEADBEEF)
	accepted := in.AddChunk(0, []byte("12345678"), &badCRC)
	assert.False(t, accepted)
	assert.False(t, in.IsComplete())
}

func TestInboundTransferHashMismatchFailsWithZeroLengthSACK(t *testing.T) {
	data := []byte("hello world12345")
	meta := FileMeta{Filename: "f.bin", FileSize: uint64(len(data)), ChunkSize: uint16(len(data))}
	meta.SHA256[0] = 0xFF // deliberately wrong hash
	in := NewInboundTransfer(meta, 1, 1, "N0CALL", time.Unix(0, 0))
	in.AddChunk(0, data, nil)
	require.True(t, in.IsComplete())

	ok, sack := in.VerifyAndComplete(time.Unix(5, 0))
	assert.False(t, ok)
	require.NotNil(t, sack)
	assert.Equal(t, uint16(0), sack.WindowSize)
	assert.True(t, in.Failed)
}
