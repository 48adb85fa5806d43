package coordinator

import (
	"github.com/axterm-go/engine/internal/ax25"
	"github.com/axterm-go/engine/internal/axdp"
	"github.com/axterm-go/engine/internal/session"
)

// EventSink receives every externally observable consequence of the
// coordinator's packet processing, per SPEC_FULL.md §11's concrete form
// of spec.md §6's callback list. The coordinator never blocks on a sink
// method: callers that need to do I/O in response should hand the
// notification to their own queue.
type EventSink interface {
	OnAXDPChatReceived(from ax25.Address, text string)
	OnPeerAXDPEnabled(from ax25.Address)
	OnPeerAXDPDisabled(from ax25.Address)
	OnSessionStateChanged(key session.Key, old, new session.State)
	OnDataReceived(key session.Key, data []byte)
	OnIncomingTransferRequest(req axdp.IncomingTransferRequest)
	OnTransferProgress(id string, bytesSent, bytesTotal uint64)
	OnTransferCompleted(id string)
	OnTransferFailed(id string, reason error)
}

// NopEventSink implements EventSink with no-ops, for callers that only
// want the coordinator's protocol-level side effects (sent frames,
// persistence) and not its notifications.
type NopEventSink struct{}

func (NopEventSink) OnAXDPChatReceived(ax25.Address, string)               {}
func (NopEventSink) OnPeerAXDPEnabled(ax25.Address)                        {}
func (NopEventSink) OnPeerAXDPDisabled(ax25.Address)                       {}
func (NopEventSink) OnSessionStateChanged(session.Key, session.State, session.State) {}
func (NopEventSink) OnDataReceived(session.Key, []byte)                    {}
func (NopEventSink) OnIncomingTransferRequest(axdp.IncomingTransferRequest) {}
func (NopEventSink) OnTransferProgress(string, uint64, uint64)             {}
func (NopEventSink) OnTransferCompleted(string)                            {}
func (NopEventSink) OnTransferFailed(string, error)                        {}

var _ EventSink = NopEventSink{}
