// Package classify tags every observed AX.25 frame with a coarse
// classification consumed by the routing and link-quality layers, per
// spec.md §2's L3 "Packet classifier" row.
package classify

import "github.com/axterm-go/engine/internal/ax25"

// Classification is spec.md §2's enumerated tag set.
type Classification int

const (
	Unknown Classification = iota
	DataProgress
	RoutingBroadcast
	UIBeacon
	AckOnly
	RetryOrDuplicate
	SessionControl
)

func (c Classification) String() string {
	switch c {
	case DataProgress:
		return "dataProgress"
	case RoutingBroadcast:
		return "routingBroadcast"
	case UIBeacon:
		return "uiBeacon"
	case AckOnly:
		return "ackOnly"
	case RetryOrDuplicate:
		return "retryOrDuplicate"
	case SessionControl:
		return "sessionControl"
	default:
		return "unknown"
	}
}

// nodesCallsign is the well-known NET/ROM broadcast destination, per
// spec.md §6.
const nodesCallsign = "NODES"

// Classify tags pkt. isDuplicate reflects the session/reassembly layer's
// own duplicate detection (e.g. a repeated N(S), or a retransmitted
// U-frame already acted on) and takes priority over frame-type-based
// classification, since a retransmission of app data is still a
// retransmission for link-quality purposes.
func Classify(pkt *ax25.Packet, isDuplicate bool) Classification {
	if isDuplicate {
		return RetryOrDuplicate
	}

	switch pkt.FrameType {
	case ax25.FrameTypeU:
		return SessionControl

	case ax25.FrameTypeS:
		return AckOnly

	case ax25.FrameTypeUI:
		if pkt.PID != nil && *pkt.PID == ax25.PIDNetRom && pkt.To.Callsign == nodesCallsign {
			return RoutingBroadcast
		}
		return UIBeacon

	case ax25.FrameTypeI:
		if len(pkt.Info) > 0 {
			return DataProgress
		}
		return AckOnly
	}

	return Unknown
}

// ForwardWeight is the classification-derived forward-delivery weight
// spec.md §4.6 mandates for link-quality EWMA updates. sessionControl
// isn't in the spec's weight table; it's treated like ackOnly (no
// application payload, but evidence the link is alive) rather than
// ignored outright.
func ForwardWeight(c Classification) float64 {
	switch c {
	case DataProgress:
		return 1.0
	case RoutingBroadcast:
		return 0.8
	case UIBeacon:
		return 0.4
	case AckOnly, SessionControl:
		return 0.1
	case RetryOrDuplicate:
		return 0.0
	default:
		return 0.0
	}
}
