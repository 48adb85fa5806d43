package axdp

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"time"
)

// TransferDirection distinguishes which side of a BulkTransfer we are.
type TransferDirection int

const (
	DirectionOutbound TransferDirection = iota
	DirectionInbound
)

// TransferStatus is BulkTransfer's lifecycle, per spec.md §3.
type TransferStatus int

const (
	StatusAwaitingAcceptance TransferStatus = iota
	StatusSending
	StatusPaused
	StatusAwaitingCompletion
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s TransferStatus) String() string {
	switch s {
	case StatusAwaitingAcceptance:
		return "awaitingAcceptance"
	case StatusSending:
		return "sending"
	case StatusPaused:
		return "paused"
	case StatusAwaitingCompletion:
		return "awaitingCompletion"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// InboundTransfer tracks a file being received, per spec.md §3's "Inbound
// transfer state". Invariant: IsComplete() iff Received == {0..expectedChunks-1}.
type InboundTransfer struct {
	AXDPSessionID  uint16
	SourceCallsign string
	FileName       string
	FileSize       uint64
	ExpectedChunks uint32
	ChunkSize      uint16
	SHA256         [32]byte
	Compression    CompressionAlgorithm

	Received map[uint32]bool
	buffer   map[uint32][]byte

	StartTime time.Time
	EndTime   *time.Time
	Failed    bool
}

// NewInboundTransfer starts tracking a transfer announced by a fileMeta
// message.
func NewInboundTransfer(meta FileMeta, totalChunks uint32, axdpSessionID uint16, source string, now time.Time) *InboundTransfer {
	return &InboundTransfer{
		AXDPSessionID:  axdpSessionID,
		SourceCallsign: source,
		FileName:       meta.Filename,
		FileSize:       meta.FileSize,
		ExpectedChunks: totalChunks,
		ChunkSize:      meta.ChunkSize,
		SHA256:         meta.SHA256,
		Compression:    meta.Compression,
		Received:       make(map[uint32]bool),
		buffer:         make(map[uint32][]byte),
		StartTime:      now,
	}
}

// AddChunk records one received fileChunk. A CRC mismatch discards the
// chunk (spec.md §7: "CRC mismatch on a file chunk discards the chunk and
// leaves the receiver expecting retransmission") without marking the
// transfer failed.
func (t *InboundTransfer) AddChunk(index uint32, payload []byte, crc *uint32) (accepted bool) {
	if crc != nil && CRC32(payload) != *crc {
		return false
	}
	t.buffer[index] = append([]byte(nil), payload...)
	t.Received[index] = true
	return true
}

// IsComplete reports whether every chunk 0..expectedChunks-1 has arrived.
func (t *InboundTransfer) IsComplete() bool {
	if t.ExpectedChunks == 0 {
		return false
	}
	for i := uint32(0); i < t.ExpectedChunks; i++ {
		if !t.Received[i] {
			return false
		}
	}
	return true
}

// Missing returns the sorted set of chunk indices not yet received.
func (t *InboundTransfer) Missing() []uint32 {
	var out []uint32
	for i := uint32(0); i < t.ExpectedChunks; i++ {
		if !t.Received[i] {
			out = append(out, i)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Reassemble concatenates all chunks in order. Caller must check
// IsComplete first.
func (t *InboundTransfer) Reassemble() []byte {
	out := make([]byte, 0, t.FileSize)
	for i := uint32(0); i < t.ExpectedChunks; i++ {
		out = append(out, t.buffer[i]...)
	}
	return out
}

// VerifyAndComplete checks the reassembled payload's SHA-256 against
// fileMeta and marks completion state. On mismatch it marks the transfer
// failed and returns a zero-length SACK bitmap for the caller to send back
// as a completion NACK, per spec.md §4.4.
func (t *InboundTransfer) VerifyAndComplete(now time.Time) (ok bool, mismatchSACK *SACKBitmap) {
	sum := sha256.Sum256(t.Reassemble())
	if sum != t.SHA256 {
		t.Failed = true
		zero := SACKBitmap{BaseChunk: 0, WindowSize: 0}
		return false, &zero
	}
	t.EndTime = &now
	return true, nil
}

// OutboundTransfer drives a sender-side file transfer through spec.md
// §4.4's numbered flow.
type OutboundTransfer struct {
	ID            string
	FileName      string
	Data          []byte
	SHA256        [32]byte
	Destination   string
	ChunkSize     uint16
	Compression   CompressionAlgorithm
	Status        TransferStatus
	AXDPSessionID uint16
	CompletedAt   *time.Time

	totalChunks uint32
	nextChunk   uint32
	sentChunks  map[uint32][]byte
}

// NewOutboundTransfer hashes data and computes the chunk count, entering
// StatusAwaitingAcceptance.
func NewOutboundTransfer(id, fileName string, data []byte, destination string, chunkSize uint16, compression CompressionAlgorithm, axdpSessionID uint16) *OutboundTransfer {
	if chunkSize == 0 {
		chunkSize = 1
	}
	total := uint32((len(data) + int(chunkSize) - 1) / int(chunkSize))
	return &OutboundTransfer{
		ID:            id,
		FileName:      fileName,
		Data:          data,
		SHA256:        sha256.Sum256(data),
		Destination:   destination,
		ChunkSize:     chunkSize,
		Compression:   compression,
		Status:        StatusAwaitingAcceptance,
		AXDPSessionID: axdpSessionID,
		totalChunks:   total,
		sentChunks:    make(map[uint32][]byte),
	}
}

// FileMetaMessage builds the announcing fileMeta message.
func (t *OutboundTransfer) FileMetaMessage() Message {
	return Message{
		Type:        MessageFileMeta,
		SessionID:   t.AXDPSessionID,
		TotalChunks: t.totalChunks,
		FileMeta: &FileMeta{
			Filename:    t.FileName,
			FileSize:    uint64(len(t.Data)),
			SHA256:      t.SHA256,
			ChunkSize:   t.ChunkSize,
			Compression: t.Compression,
		},
	}
}

func (t *OutboundTransfer) chunkPayload(index uint32) []byte {
	start := int(index) * int(t.ChunkSize)
	end := start + int(t.ChunkSize)
	if end > len(t.Data) {
		end = len(t.Data)
	}
	if start >= len(t.Data) {
		return nil
	}
	return t.Data[start:end]
}

// HandleAck processes an ack(messageId). messageId 0 is fileMeta
// acceptance; MessageIDTransferComplete is final completion, which
// succeeds "even if the transfer had not yet entered awaitingCompletion"
// per spec.md §4.4.6.
func (t *OutboundTransfer) HandleAck(messageID uint32, now time.Time) {
	switch messageID {
	case 0:
		if t.Status == StatusAwaitingAcceptance {
			t.Status = StatusSending
		}
	case MessageIDTransferComplete:
		t.Status = StatusCompleted
		completedAt := now
		t.CompletedAt = &completedAt
	}
}

// HandleNack processes a nack(messageId). A fileMeta-level rejection
// (messageId 0) fails the transfer. A completion-level NACK carrying a
// SACK bitmap requests retransmission of exactly the listed chunks and
// must never fail the transfer; one with no bitmap, or for an unrecognized
// messageId, changes nothing, per spec.md §4.4.5.
func (t *OutboundTransfer) HandleNack(messageID uint32, sack *SACKBitmap) []Message {
	switch messageID {
	case 0:
		t.Status = StatusFailed
		return nil
	case MessageIDTransferComplete:
		if sack == nil {
			return nil
		}
		var retransmit []Message
		for i := sack.BaseChunk; i < sack.BaseChunk+uint32(sack.WindowSize); i++ {
			if sack.Missing(i) {
				retransmit = append(retransmit, t.chunkMessage(i))
			}
		}
		t.Status = StatusAwaitingCompletion
		return retransmit
	default:
		return nil
	}
}

func (t *OutboundTransfer) chunkMessage(index uint32) Message {
	payload := t.chunkPayload(index)
	crc := CRC32(payload)
	t.sentChunks[index] = payload
	return Message{
		Type:         MessageFileChunk,
		SessionID:    t.AXDPSessionID,
		ChunkIndex:   index,
		Payload:      payload,
		PayloadCRC32: &crc,
	}
}

// NextChunks emits up to window not-yet-sent chunk messages, in order,
// respecting the session's flow-control window. When the last chunk has
// been emitted the transfer moves to awaitingCompletion.
func (t *OutboundTransfer) NextChunks(window int) []Message {
	if t.Status != StatusSending {
		return nil
	}
	var out []Message
	for len(out) < window && t.nextChunk < t.totalChunks {
		out = append(out, t.chunkMessage(t.nextChunk))
		t.nextChunk++
	}
	if t.nextChunk >= t.totalChunks {
		t.Status = StatusAwaitingCompletion
	}
	return out
}

// Cancel marks the transfer cancelled; callers must also drain any queued
// fragments from the scheduler (spec.md §5).
func (t *OutboundTransfer) Cancel() {
	t.Status = StatusCancelled
}

// BytesSent reports how many bytes' worth of chunks have been emitted via
// NextChunks so far, for progress reporting.
func (t *OutboundTransfer) BytesSent() uint64 {
	sent := uint64(t.nextChunk) * uint64(t.ChunkSize)
	total := uint64(len(t.Data))
	if sent > total {
		return total
	}
	return sent
}

func (t *OutboundTransfer) String() string {
	return fmt.Sprintf("transfer(%s %s->%s %s)", t.ID, t.FileName, t.Destination, t.Status)
}
