package ax25

import (
	"errors"
	"fmt"
	"time"
)

// FrameType is the coarse AX.25 frame classification carried in the data
// model's Packet.frameType field.
type FrameType int

const (
	FrameTypeI FrameType = iota
	FrameTypeUI
	FrameTypeS
	FrameTypeU
)

func (t FrameType) String() string {
	switch t {
	case FrameTypeI:
		return "I"
	case FrameTypeUI:
		return "UI"
	case FrameTypeS:
		return "S"
	case FrameTypeU:
		return "U"
	default:
		return "?"
	}
}

// ErrFrameTooShort is returned when a raw frame is shorter than two address
// fields plus a control byte.
var ErrFrameTooShort = errors.New("ax25: frame shorter than two addresses + control")

// Packet is a fully decoded AX.25 frame, matching spec.md's data model.
type Packet struct {
	Timestamp time.Time
	From      Address
	To        Address
	Via       DigiPath
	FrameType FrameType
	Control   byte
	Control2  *byte // Always nil: modulo-128 extended operation is out of scope.
	PID       *byte
	Info      []byte
	Raw       []byte
	Channel   int // KISS TNC port this frame arrived on or is destined for.
}

// InfoText heuristically decodes Info as printable ASCII. It returns nil
// unless at least 75% of the bytes are printable (0x20..0x7E, tab, CR, or
// LF).
func (p *Packet) InfoText() *string {
	if len(p.Info) == 0 {
		return nil
	}
	printable := 0
	for _, b := range p.Info {
		if (b >= 0x20 && b <= 0x7E) || b == '\t' || b == '\r' || b == '\n' {
			printable++
		}
	}
	if float64(printable)/float64(len(p.Info)) < 0.75 {
		return nil
	}
	s := string(p.Info)
	return &s
}

// NS returns N(S) for an I-frame; only meaningful when FrameType == FrameTypeI.
func (p *Packet) NS() int {
	ns, _, _ := DecodeIControl(p.Control)
	return ns
}

// NR returns N(R) for an I- or S-frame.
func (p *Packet) NR() int {
	switch p.FrameType {
	case FrameTypeI:
		_, nr, _ := DecodeIControl(p.Control)
		return nr
	case FrameTypeS:
		_, nr, _ := DecodeSControl(p.Control)
		return nr
	}
	return 0
}

// PF returns the poll/final bit for I, S, and U frames.
func (p *Packet) PF() bool {
	switch p.FrameType {
	case FrameTypeI:
		_, _, pf := DecodeIControl(p.Control)
		return pf
	case FrameTypeS:
		_, _, pf := DecodeSControl(p.Control)
		return pf
	default:
		_, pf, _ := DecodeUControl(p.Control)
		return pf
	}
}

// SType returns the supervisory subtype; ok is false unless FrameType == FrameTypeS.
func (p *Packet) SType() (SFrameType, bool) {
	if p.FrameType != FrameTypeS {
		return 0, false
	}
	t, _, _ := DecodeSControl(p.Control)
	return t, true
}

// UType returns the unnumbered subtype; ok is false unless FrameType is
// FrameTypeU or FrameTypeUI.
func (p *Packet) UType() (UFrameType, bool) {
	if p.FrameType != FrameTypeU && p.FrameType != FrameTypeUI {
		return 0, false
	}
	t, _, ok := DecodeUControl(p.Control)
	return t, ok
}

// DecodeFrame decodes a raw AX.25 frame (destination, source, up to 8
// digipeaters, control, optional PID, info). channel records which KISS
// port it arrived on; ts is the observation time to stamp on the packet.
func DecodeFrame(channel int, raw []byte, ts time.Time) (*Packet, error) {
	if len(raw) < 2*addressFieldLen+1 {
		return nil, ErrFrameTooShort
	}

	to, _, err := DecodeAddress(raw[0:addressFieldLen])
	if err != nil {
		return nil, fmt.Errorf("ax25: decoding destination: %w", err)
	}
	from, lastAfterSource, err := DecodeAddress(raw[addressFieldLen : 2*addressFieldLen])
	if err != nil {
		return nil, fmt.Errorf("ax25: decoding source: %w", err)
	}

	offset := 2 * addressFieldLen
	var via DigiPath
	last := lastAfterSource
	for !last {
		if len(via) >= MaxDigiPathLen {
			return nil, fmt.Errorf("ax25: digipeater path exceeds %d entries", MaxDigiPathLen)
		}
		if len(raw) < offset+addressFieldLen {
			return nil, ErrFrameTooShort
		}
		addr, isLast, err := DecodeAddress(raw[offset : offset+addressFieldLen])
		if err != nil {
			return nil, fmt.Errorf("ax25: decoding digipeater %d: %w", len(via)+1, err)
		}
		via = append(via, addr)
		offset += addressFieldLen
		last = isLast
	}

	if len(raw) < offset+1 {
		return nil, ErrFrameTooShort
	}
	control := raw[offset]
	offset++

	pkt := &Packet{
		Timestamp: ts,
		From:      from,
		To:        to,
		Via:       via,
		Control:   control,
		Raw:       raw,
		Channel:   channel,
	}

	switch classifyControl(control) {
	case controlKindI:
		pkt.FrameType = FrameTypeI
		if len(raw) < offset+1 {
			return nil, fmt.Errorf("ax25: I-frame missing PID")
		}
		pid := raw[offset]
		pkt.PID = &pid
		pkt.Info = raw[offset+1:]

	case controlKindS:
		pkt.FrameType = FrameTypeS

	case controlKindU:
		ut, _, ok := DecodeUControl(control)
		if !ok {
			return nil, fmt.Errorf("ax25: unrecognized U-frame control 0x%02x", control)
		}
		if ut == UIType {
			pkt.FrameType = FrameTypeUI
			if len(raw) < offset+1 {
				return nil, fmt.Errorf("ax25: UI-frame missing PID")
			}
			pid := raw[offset]
			pkt.PID = &pid
			pkt.Info = raw[offset+1:]
		} else {
			pkt.FrameType = FrameTypeU
		}
	}

	return pkt, nil
}

// EncodeFrame re-serializes a Packet to raw AX.25 bytes.
func EncodeFrame(p *Packet) []byte {
	var out []byte
	out = append(out, EncodeAddress(p.To, false)...)

	sourceIsLast := len(p.Via) == 0
	out = append(out, EncodeAddress(p.From, sourceIsLast)...)

	for i, addr := range p.Via {
		out = append(out, EncodeAddress(addr, i == len(p.Via)-1)...)
	}

	out = append(out, p.Control)

	if p.FrameType == FrameTypeI || p.FrameType == FrameTypeUI {
		if p.PID != nil {
			out = append(out, *p.PID)
		} else {
			out = append(out, PIDNoLayer3)
		}
		out = append(out, p.Info...)
	}

	return out
}

// NewSABM builds a SABM command frame from local to remote, optionally via
// a digipeater path.
func NewSABM(from, to Address, via DigiPath, pf bool) *Packet {
	return &Packet{From: from, To: to, Via: via, FrameType: FrameTypeU, Control: EncodeUControl(SABM, pf)}
}

// NewUA builds a UA response frame.
func NewUA(from, to Address, via DigiPath, pf bool) *Packet {
	return &Packet{From: from, To: to, Via: via, FrameType: FrameTypeU, Control: EncodeUControl(UA, pf)}
}

// NewDISC builds a DISC command frame.
func NewDISC(from, to Address, via DigiPath, pf bool) *Packet {
	return &Packet{From: from, To: to, Via: via, FrameType: FrameTypeU, Control: EncodeUControl(DISC, pf)}
}

// NewDM builds a DM response frame.
func NewDM(from, to Address, via DigiPath, pf bool) *Packet {
	return &Packet{From: from, To: to, Via: via, FrameType: FrameTypeU, Control: EncodeUControl(DM, pf)}
}

// NewI builds an I-frame carrying info bytes.
func NewI(from, to Address, via DigiPath, ns, nr int, pf bool, pid byte, info []byte) *Packet {
	return &Packet{
		From: from, To: to, Via: via,
		FrameType: FrameTypeI,
		Control:   EncodeIControl(ns, nr, pf),
		PID:       &pid,
		Info:      info,
	}
}

// NewS builds a supervisory frame (RR/RNR/REJ/SREJ).
func NewS(from, to Address, via DigiPath, t SFrameType, nr int, pf bool) *Packet {
	return &Packet{From: from, To: to, Via: via, FrameType: FrameTypeS, Control: EncodeSControl(t, nr, pf)}
}

// NewUI builds an unnumbered information frame.
func NewUI(from, to Address, via DigiPath, pf bool, pid byte, info []byte) *Packet {
	return &Packet{
		From: from, To: to, Via: via,
		FrameType: FrameTypeUI,
		Control:   EncodeUControl(UIType, pf),
		PID:       &pid,
		Info:      info,
	}
}
