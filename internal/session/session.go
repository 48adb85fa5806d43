package session

import (
	"time"

	"github.com/axterm-go/engine/internal/ax25"
)

func mod8(x int) int {
	return ((x % 8) + 8) % 8
}

// outstandingFrame is a sent-but-not-yet-acknowledged I-frame.
type outstandingFrame struct {
	ns      int
	payload []byte
}

// Session is one (local, remote, path, channel) connected-mode state
// machine. It owns no goroutines and does no I/O: every entry point
// returns the Actions the caller must carry out. This lets the whole
// engine run on a single cooperative loop, per spec.md §5.
type Session struct {
	Key    Key
	Via    ax25.DigiPath
	Config Config
	State  State

	vs, vr, va int
	peerBusy   bool

	outstanding []outstandingFrame // ordered by ns, oldest (= va) first
	sendQueue   [][]byte

	rejSent    bool      // REJ already sent for the current gap; suppress repeats.
	srejSent   map[int]bool
	srejBuffer map[int][]byte

	t1Active   bool
	t1Deadline time.Time
	t1Attempts int

	t2Active   bool
	t2Deadline time.Time

	t3Active   bool
	t3Deadline time.Time
}

// New constructs a session in the Disconnected state. cfg is frozen for
// the life of the session.
func New(key Key, via ax25.DigiPath, cfg Config) *Session {
	return &Session{
		Key:        key,
		Via:        via,
		Config:     cfg,
		State:      Disconnected,
		srejSent:   make(map[int]bool),
		srejBuffer: make(map[int][]byte),
	}
}

func (s *Session) transition(now time.Time, to State) []Action {
	old := s.State
	s.State = to
	return []Action{StateChanged{Old: old, New: to}}
}

func (s *Session) buildU(t ax25.UFrameType, pf bool) *ax25.Packet {
	switch t {
	case ax25.SABM:
		return ax25.NewSABM(s.Key.Local, s.Key.Remote, s.Via, pf)
	case ax25.UA:
		return ax25.NewUA(s.Key.Local, s.Key.Remote, s.Via, pf)
	case ax25.DISC:
		return ax25.NewDISC(s.Key.Local, s.Key.Remote, s.Via, pf)
	case ax25.DM:
		return ax25.NewDM(s.Key.Local, s.Key.Remote, s.Via, pf)
	default:
		return nil
	}
}

func (s *Session) buildS(t ax25.SFrameType, nr int, pf bool) *ax25.Packet {
	return ax25.NewS(s.Key.Local, s.Key.Remote, s.Via, t, nr, pf)
}

func (s *Session) buildI(ns, nr int, pf bool, payload []byte) *ax25.Packet {
	return ax25.NewI(s.Key.Local, s.Key.Remote, s.Via, ns, nr, pf, ax25.PIDNoLayer3, payload)
}

func (s *Session) startT1(now time.Time) {
	s.t1Active = true
	s.t1Deadline = now.Add(s.Config.initialT1())
}

func (s *Session) stopT1() {
	s.t1Active = false
	s.t1Attempts = 0
}

func (s *Session) startT2(now time.Time) {
	if !s.t2Active {
		s.t2Active = true
		s.t2Deadline = now.Add(s.Config.AckTimer)
	}
}

func (s *Session) stopT2() {
	s.t2Active = false
}

func (s *Session) startT3(now time.Time) {
	s.t3Active = true
	s.t3Deadline = now.Add(defaultIdleProbe)
}

// Connect initiates an outbound connection: send SABM(P=1), start T1.
func (s *Session) Connect(now time.Time) []Action {
	if s.State != Disconnected {
		return nil
	}
	var actions []Action
	actions = append(actions, SendFrame{Packet: s.buildU(ax25.SABM, true)})
	s.startT1(now)
	s.t1Attempts = 1
	actions = append(actions, s.transition(now, AwaitingConnection)...)
	return actions
}

// Disconnect initiates an orderly release: send DISC(P=1), start T1.
func (s *Session) Disconnect(now time.Time) []Action {
	if s.State != Connected && s.State != TimerRecovery {
		return nil
	}
	var actions []Action
	actions = append(actions, SendFrame{Packet: s.buildU(ax25.DISC, true)})
	s.startT1(now)
	s.t1Attempts = 1
	actions = append(actions, s.transition(now, AwaitingRelease)...)
	return actions
}

// Send enqueues application bytes for transmission as a single I-frame.
// Caller (AXDP layer) must already have chunked data to <= Config.Paclen.
func (s *Session) Send(data []byte, now time.Time) []Action {
	if s.State != Connected {
		return nil
	}
	s.sendQueue = append(s.sendQueue, data)
	return s.pump(now)
}

// pump transmits queued data while the send window is open and the peer
// isn't busy, (re)starting T1 against now when a frame newly becomes
// outstanding.
func (s *Session) pump(now time.Time) []Action {
	var actions []Action
	for len(s.sendQueue) > 0 && !s.peerBusy && len(s.outstanding) < s.Config.WindowSize {
		payload := s.sendQueue[0]
		s.sendQueue = s.sendQueue[1:]

		ns := s.vs
		pkt := s.buildI(ns, s.vr, false, payload)
		s.outstanding = append(s.outstanding, outstandingFrame{ns: ns, payload: payload})
		s.vs = mod8(s.vs + 1)
		s.stopT2() // piggybacked ack

		actions = append(actions, SendFrame{Packet: pkt})
		if !s.t1Active {
			s.startT1(now)
		}
	}
	return actions
}

// Tick checks timer expiry and must be called periodically (e.g. every
// 100ms) by the coordinator's loop with the current time.
func (s *Session) Tick(now time.Time) []Action {
	var actions []Action

	if s.t2Active && !now.Before(s.t2Deadline) {
		s.stopT2()
		actions = append(actions, SendFrame{Packet: s.buildS(ax25.RR, s.vr, false)})
	}

	if s.t1Active && !now.Before(s.t1Deadline) {
		actions = append(actions, s.handleT1Expiry(now)...)
	}

	if s.t3Active && !now.Before(s.t3Deadline) && s.State == Connected {
		actions = append(actions, SendFrame{Packet: s.buildS(ax25.RR, s.vr, true)})
		s.startT3(now)
	}

	return actions
}

func (s *Session) handleT1Expiry(now time.Time) []Action {
	var actions []Action

	switch s.State {
	case AwaitingConnection:
		if s.t1Attempts < s.Config.MaxRetries {
			s.t1Attempts++
			actions = append(actions, SendFrame{Packet: s.buildU(ax25.SABM, true)})
			s.startT1(now)
		} else {
			s.stopT1()
			actions = append(actions, s.transition(now, Disconnected)...)
			actions = append(actions, TimedOut{})
		}

	case Connected:
		s.t1Attempts = 1
		actions = append(actions, SendFrame{Packet: s.buildS(ax25.RR, s.vr, true)})
		s.startT1(now)
		actions = append(actions, s.transition(now, TimerRecovery)...)

	case TimerRecovery:
		if s.t1Attempts < s.Config.MaxRetries {
			s.t1Attempts++
			actions = append(actions, SendFrame{Packet: s.buildS(ax25.RR, s.vr, true)})
			s.startT1(now)
		} else {
			actions = append(actions, s.failOutstanding()...)
			s.stopT1()
			actions = append(actions, s.transition(now, Disconnected)...)
			actions = append(actions, TimedOut{})
		}

	case AwaitingRelease:
		if s.t1Attempts < s.Config.MaxRetries {
			s.t1Attempts++
			actions = append(actions, SendFrame{Packet: s.buildU(ax25.DISC, true)})
			s.startT1(now)
		} else {
			s.stopT1()
			actions = append(actions, s.transition(now, Disconnected)...)
			actions = append(actions, Disconnected{})
		}
	}

	return actions
}

func (s *Session) failOutstanding() []Action {
	var actions []Action
	for _, f := range s.outstanding {
		actions = append(actions, DataFailed{Data: f.payload})
	}
	for _, d := range s.sendQueue {
		actions = append(actions, DataFailed{Data: d})
	}
	s.outstanding = nil
	s.sendQueue = nil
	return actions
}

// HandleFrame feeds one inbound frame addressed to this session key into
// the state machine.
func (s *Session) HandleFrame(pkt *ax25.Packet, now time.Time) []Action {
	switch pkt.FrameType {
	case ax25.FrameTypeU:
		return s.handleU(pkt, now)
	case ax25.FrameTypeS:
		return s.handleS(pkt, now)
	case ax25.FrameTypeI:
		return s.handleI(pkt, now)
	}
	return nil
}

func (s *Session) handleU(pkt *ax25.Packet, now time.Time) []Action {
	ut, ok := pkt.UType()
	if !ok {
		return nil
	}

	switch s.State {
	case Disconnected:
		switch ut {
		case ax25.SABM:
			s.vs, s.vr, s.va = 0, 0, 0
			s.outstanding = nil
			s.sendQueue = nil
			s.rejSent = false
			clear(s.srejSent)
			clear(s.srejBuffer)
			var actions []Action
			actions = append(actions, SendFrame{Packet: s.buildU(ax25.UA, true)})
			actions = append(actions, s.transition(now, Connected)...)
			s.startT3(now)
			return actions
		case ax25.DISC:
			return []Action{SendFrame{Packet: s.buildU(ax25.DM, true)}}
		}

	case AwaitingConnection:
		switch ut {
		case ax25.UA:
			s.stopT1()
			s.vs, s.vr, s.va = 0, 0, 0
			var actions []Action
			actions = append(actions, s.transition(now, Connected)...)
			actions = append(actions, Connected{})
			s.startT3(now)
			return actions
		case ax25.DM:
			s.stopT1()
			var actions []Action
			actions = append(actions, s.transition(now, Disconnected)...)
			actions = append(actions, Rejected{})
			return actions
		}

	case Connected, TimerRecovery:
		if ut == ax25.DISC {
			var actions []Action
			actions = append(actions, SendFrame{Packet: s.buildU(ax25.UA, true)})
			actions = append(actions, s.failOutstanding()...)
			s.stopT1()
			s.stopT2()
			actions = append(actions, s.transition(now, Disconnected)...)
			actions = append(actions, Disconnected{})
			return actions
		}

	case AwaitingRelease:
		if ut == ax25.UA || ut == ax25.DM {
			s.stopT1()
			var actions []Action
			actions = append(actions, s.transition(now, Disconnected)...)
			actions = append(actions, Disconnected{})
			return actions
		}
	}

	return nil
}

func (s *Session) handleS(pkt *ax25.Packet, now time.Time) []Action {
	st, ok := pkt.SType()
	if !ok {
		return nil
	}
	nr := pkt.NR()
	pf := pkt.PF()

	switch s.State {
	case Connected:
		return s.applyAck(st, nr, now)

	case TimerRecovery:
		if !pf {
			// Only a final response resumes from timer-recovery; other S
			// frames are ignored here (spec's table only defines F=1).
			return nil
		}
		advanced := nrAdvances(s.va, nr, len(s.outstanding))
		if advanced {
			var actions []Action
			actions = append(actions, s.applyAck(st, nr, now)...)
			actions = append(actions, s.transition(now, Connected)...)
			return actions
		}
		s.t1Attempts++
		if s.t1Attempts >= s.Config.MaxRetries {
			var actions []Action
			actions = append(actions, s.failOutstanding()...)
			s.stopT1()
			actions = append(actions, s.transition(now, Disconnected)...)
			actions = append(actions, TimedOut{})
			return actions
		}
		return nil

	case Disconnected:
		// Same rule as handleI: an RR/REJ/RNR/SREJ for a session that no
		// longer exists here still gets a DM, not silence.
		return []Action{SendFrame{Packet: s.buildU(ax25.DM, true)}}
	}

	return nil
}

// nrAdvances reports whether nr acknowledges at least one more frame than
// va already covers, given outstanding holds count frames starting at va.
func nrAdvances(va, nr, outstandingCount int) bool {
	if outstandingCount == 0 {
		return false
	}
	return mod8(nr-va) > 0 && mod8(nr-va) <= outstandingCount
}

func (s *Session) applyAck(st ax25.SFrameType, nr int, now time.Time) []Action {
	var actions []Action

	switch st {
	case ax25.RNR:
		s.peerBusy = true
	case ax25.RR, ax25.SREJ:
		s.peerBusy = false
	}

	if st != ax25.SREJ {
		acked := mod8(nr - s.va)
		if acked > len(s.outstanding) {
			acked = len(s.outstanding)
		}
		s.outstanding = s.outstanding[acked:]
		s.va = nr
	}

	switch st {
	case ax25.REJ:
		s.va = nr
		// Go-back-N: resend everything from va onward.
		for _, f := range s.outstanding {
			actions = append(actions, SendFrame{Packet: s.buildI(f.ns, s.vr, false, f.payload)})
		}
		s.startT1(now)

	case ax25.SREJ:
		for i := range s.outstanding {
			if s.outstanding[i].ns == nr {
				actions = append(actions, SendFrame{Packet: s.buildI(nr, s.vr, false, s.outstanding[i].payload)})
				break
			}
		}
	}

	if len(s.outstanding) == 0 {
		s.stopT1()
	} else {
		s.startT1(now)
	}

	actions = append(actions, s.pump(now)...)
	return actions
}

func (s *Session) handleI(pkt *ax25.Packet, now time.Time) []Action {
	if s.State != Connected && s.State != TimerRecovery {
		// Not connected: a disconnected peer still gets a DM so it knows
		// not to keep retrying against a session that no longer exists here.
		if s.State == Disconnected {
			return []Action{SendFrame{Packet: s.buildU(ax25.DM, true)}}
		}
		return nil
	}

	ns := pkt.NS()
	s.startT3(now)

	if ns == s.vr {
		var actions []Action
		s.vr = mod8(s.vr + 1)
		s.rejSent = false
		actions = append(actions, DataDelivered{Data: pkt.Info})

		// Deliver any contiguous SREJ-buffered frames now in order.
		for {
			buf, ok := s.srejBuffer[s.vr]
			if !ok {
				break
			}
			delete(s.srejBuffer, s.vr)
			delete(s.srejSent, s.vr)
			actions = append(actions, DataDelivered{Data: buf})
			s.vr = mod8(s.vr + 1)
		}

		if pkt.PF() {
			actions = append(actions, SendFrame{Packet: s.buildS(ax25.RR, s.vr, true)})
			s.stopT2()
		} else {
			s.startT2(now)
		}
		return actions
	}

	// Out of sequence.
	if s.Config.SREJEnabled {
		if _, buffered := s.srejBuffer[ns]; buffered {
			return nil // duplicate, ignore idempotently
		}
		s.srejBuffer[ns] = pkt.Info
		if !s.srejSent[s.vr] {
			s.srejSent[s.vr] = true
			return []Action{SendFrame{Packet: s.buildS(ax25.SREJ, s.vr, false)}}
		}
		return nil
	}

	if s.rejSent {
		return nil // suppressed until recovery, per spec.md
	}
	s.rejSent = true
	return []Action{SendFrame{Packet: s.buildS(ax25.REJ, s.vr, false)}}
}

// Outstanding reports the number of sent-but-unacknowledged I-frames.
func (s *Session) Outstanding() int {
	return len(s.outstanding)
}

// Sequence exposes V(S), V(R), V(A) for tests and diagnostics.
func (s *Session) Sequence() (vs, vr, va int) {
	return s.vs, s.vr, s.va
}
