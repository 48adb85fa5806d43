package session

import "github.com/axterm-go/engine/internal/ax25"

// Action is a side effect the state machine asks its caller to perform.
// The session engine never does I/O or invokes callbacks directly: it
// returns a slice of Actions from each entry point, which the coordinator
// (the single "protocol loop" owner) executes and, where relevant,
// forwards to the event sink.
type Action interface {
	isAction()
}

// SendFrame asks the caller to transmit an AX.25 frame to the peer.
type SendFrame struct {
	Packet *ax25.Packet
}

// DataDelivered carries application bytes extracted from an in-sequence
// I-frame, ready for AXDP reassembly.
type DataDelivered struct {
	Data []byte
}

// StateChanged reports a lifecycle transition.
type StateChanged struct {
	Old, New State
}

// Connected reports successful handshake completion (delivered once, in
// addition to the corresponding StateChanged).
type Connected struct{}

// Rejected reports that a connect attempt received DM.
type Rejected struct{}

// Disconnected reports that the session returned to Disconnected
// following an orderly release.
type Disconnected struct{}

// TimedOut reports that the max retry count was exhausted.
type TimedOut struct{}

// DataFailed reports application bytes that were queued or sent but never
// confirmed delivered before the session tore down.
type DataFailed struct {
	Data []byte
}

func (SendFrame) isAction()     {}
func (DataDelivered) isAction() {}
func (StateChanged) isAction()  {}
func (Connected) isAction()     {}
func (Rejected) isAction()      {}
func (Disconnected) isAction()  {}
func (TimedOut) isAction()      {}
func (DataFailed) isAction()    {}
