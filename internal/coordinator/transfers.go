package coordinator

import (
	"fmt"
	"time"

	"github.com/axterm-go/engine/internal/axdp"
)

// transferManager owns the coordinator's inbound and outbound bulk
// transfer tables, per spec.md §5's "Lifecycle ownership" (transfer maps
// are interior coordinator state, observed only via EventSink). It
// produces the AXDP messages a transfer's next step requires; the
// coordinator is responsible for actually sending them.
type transferManager struct {
	inbound  map[uint16]*axdp.InboundTransfer // keyed by the AXDP session ID that announced them
	outbound map[string]*axdp.OutboundTransfer
}

func newTransferManager() *transferManager {
	return &transferManager{
		inbound:  make(map[uint16]*axdp.InboundTransfer),
		outbound: make(map[string]*axdp.OutboundTransfer),
	}
}

// BeginOutbound starts tracking a new outbound transfer and returns it
// plus the fileMeta message announcing it.
func (m *transferManager) BeginOutbound(id, fileName string, data []byte, destination string, chunkSize uint16, compression axdp.CompressionAlgorithm, axdpSessionID uint16) (*axdp.OutboundTransfer, axdp.Message) {
	t := axdp.NewOutboundTransfer(id, fileName, data, destination, chunkSize, compression, axdpSessionID)
	m.outbound[id] = t
	return t, t.FileMetaMessage()
}

// Outbound returns the tracked outbound transfer by id.
func (m *transferManager) Outbound(id string) (*axdp.OutboundTransfer, bool) {
	t, ok := m.outbound[id]
	return t, ok
}

// HandleFileMeta begins tracking an inbound transfer announced by msg and
// returns the request to surface via OnIncomingTransferRequest.
func (m *transferManager) HandleFileMeta(msg axdp.Message, source string, now time.Time) (*axdp.InboundTransfer, axdp.IncomingTransferRequest, error) {
	if msg.FileMeta == nil {
		return nil, axdp.IncomingTransferRequest{}, fmt.Errorf("coordinator: fileMeta message missing metadata")
	}
	t := axdp.NewInboundTransfer(*msg.FileMeta, msg.TotalChunks, msg.SessionID, source, now)
	m.inbound[msg.SessionID] = t
	req := axdp.IncomingTransferRequest{
		From:      source,
		FileName:  msg.FileMeta.Filename,
		FileSize:  msg.FileMeta.FileSize,
		SHA256:    msg.FileMeta.SHA256,
		ChunkSize: msg.FileMeta.ChunkSize,
	}
	return t, req, nil
}

// Inbound returns the tracked inbound transfer by its AXDP session ID.
func (m *transferManager) Inbound(axdpSessionID uint16) (*axdp.InboundTransfer, bool) {
	t, ok := m.inbound[axdpSessionID]
	return t, ok
}

// HandleFileChunk records one received chunk, returning the completion
// ack/nack to send back once every chunk has arrived (nil until then).
func (m *transferManager) HandleFileChunk(msg axdp.Message, now time.Time) (*axdp.InboundTransfer, *axdp.Message, bool) {
	t, ok := m.inbound[msg.SessionID]
	if !ok {
		return nil, nil, false
	}
	t.AddChunk(msg.ChunkIndex, msg.Payload, msg.PayloadCRC32)
	if !t.IsComplete() {
		return t, nil, true
	}

	ok2, mismatchSACK := t.VerifyAndComplete(now)
	if ok2 {
		reply := axdp.Message{Type: axdp.MessageAck, SessionID: msg.SessionID, MessageID: axdp.MessageIDTransferComplete}
		return t, &reply, true
	}
	reply := axdp.Message{Type: axdp.MessageNack, SessionID: msg.SessionID, MessageID: axdp.MessageIDTransferComplete, SACK: mismatchSACK}
	return t, &reply, true
}

// RemoveInbound stops tracking an inbound transfer, e.g. once it has
// completed or failed and been reported to the sink.
func (m *transferManager) RemoveInbound(axdpSessionID uint16) {
	delete(m.inbound, axdpSessionID)
}

// CancelOutbound marks an outbound transfer cancelled and stops tracking
// it; the caller (coordinator) is responsible for draining its queued
// fragments from the scheduler, per spec.md §5.
func (m *transferManager) CancelOutbound(id string) bool {
	t, ok := m.outbound[id]
	if !ok {
		return false
	}
	t.Cancel()
	delete(m.outbound, id)
	return true
}
