package session

import (
	"testing"
	"time"

	"github.com/axterm-go/engine/internal/ax25"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testKey(t *testing.T) Key {
	t.Helper()
	local, err := ax25.NewAddress("N0CALL", 0)
	require.NoError(t, err)
	remote, err := ax25.NewAddress("N1CALL", 0)
	require.NoError(t, err)
	return Key{Local: local, Remote: remote}
}

func findStateChanged(actions []Action) (StateChanged, bool) {
	for _, a := range actions {
		if sc, ok := a.(StateChanged); ok {
			return sc, true
		}
	}
	return StateChanged{}, false
}

func hasAction[T Action](actions []Action) bool {
	for _, a := range actions {
		if _, ok := a.(T); ok {
			return true
		}
	}
	return false
}

// Scenario 1: SABM/UA handshake, then a single I-frame/RR exchange.
func TestScenarioHandshakeAndDataExchange(t *testing.T) {
	now := time.Unix(0, 0)
	key := testKey(t)
	s := New(key, nil, DefaultConfig())

	actions := s.Connect(now)
	require.Len(t, actions, 2)
	sendFrame := actions[0].(SendFrame)
	assert.Equal(t, ax25.SABM, mustUType(t, sendFrame.Packet))
	sc, ok := findStateChanged(actions)
	require.True(t, ok)
	assert.Equal(t, AwaitingConnection, sc.New)

	ua := ax25.NewUA(key.Remote, key.Local, nil, true)
	actions = s.HandleFrame(ua, now.Add(time.Millisecond))
	require.True(t, hasAction[Connected](actions))
	assert.Equal(t, Connected, s.State)

	actions = s.Send([]byte("hello"), now.Add(3*time.Millisecond))
	require.Len(t, actions, 1)
	iFrame := actions[0].(SendFrame).Packet
	assert.Equal(t, ax25.FrameTypeI, iFrame.FrameType)
	assert.Equal(t, 0, iFrame.NS())
	assert.Equal(t, 1, s.Outstanding())

	rr := ax25.NewS(key.Remote, key.Local, nil, ax25.RR, 1, false)
	actions = s.HandleFrame(rr, now.Add(2*time.Millisecond))
	assert.Equal(t, 0, s.Outstanding())
	vs, _, va := s.Sequence()
	assert.Equal(t, 1, vs)
	assert.Equal(t, 1, va)
	_ = actions
}

// Scenario 4: a dropped frame triggers REJ-driven go-back-N retransmission.
func TestScenarioREJRetransmitsFromVA(t *testing.T) {
	now := time.Unix(0, 0)
	key := testKey(t)
	s := New(key, nil, DefaultConfig())
	connectSession(t, s, now)

	s.Send([]byte("one"), now)
	s.Send([]byte("two"), now)
	s.Send([]byte("three"), now)
	require.Equal(t, 3, s.Outstanding())

	rej := ax25.NewS(key.Remote, key.Local, nil, ax25.REJ, 0, false)
	actions := s.HandleFrame(rej, now.Add(time.Second))

	var resent [][]byte
	for _, a := range actions {
		if sf, ok := a.(SendFrame); ok && sf.Packet.FrameType == ax25.FrameTypeI {
			resent = append(resent, sf.Packet.Info)
		}
	}
	require.Len(t, resent, 3)
	assert.Equal(t, []byte("one"), resent[0])
	assert.Equal(t, []byte("two"), resent[1])
	assert.Equal(t, []byte("three"), resent[2])
}

func TestDuplicateIFrameIgnoredIdempotently(t *testing.T) {
	now := time.Unix(0, 0)
	key := testKey(t)
	s := New(key, nil, DefaultConfig())
	connectSession(t, s, now)

	i0 := ax25.NewI(key.Remote, key.Local, nil, 0, 0, false, ax25.PIDNoLayer3, []byte("x"))
	actions := s.HandleFrame(i0, now)
	require.True(t, hasAction[DataDelivered](actions))
	_, vr, _ := s.Sequence()
	assert.Equal(t, 1, vr)

	// Replay the same frame: vr must not advance, and no second delivery.
	actions = s.HandleFrame(i0, now)
	_, vr2, _ := s.Sequence()
	assert.Equal(t, 1, vr2)
	for _, a := range actions {
		if _, ok := a.(DataDelivered); ok {
			t.Fatalf("duplicate I-frame delivered twice")
		}
	}
}

func TestUnexpectedNSTriggersSingleREJUntilRecovery(t *testing.T) {
	now := time.Unix(0, 0)
	key := testKey(t)
	s := New(key, nil, DefaultConfig())
	connectSession(t, s, now)

	gap := ax25.NewI(key.Remote, key.Local, nil, 3, 0, false, ax25.PIDNoLayer3, []byte("x"))
	actions := s.HandleFrame(gap, now)
	require.Len(t, actions, 1)
	rejPkt := actions[0].(SendFrame).Packet
	rt, ok := rejPkt.SType()
	require.True(t, ok)
	assert.Equal(t, ax25.REJ, rt)

	// A second out-of-sequence frame must not generate a second REJ.
	gap2 := ax25.NewI(key.Remote, key.Local, nil, 4, 0, false, ax25.PIDNoLayer3, []byte("y"))
	actions = s.HandleFrame(gap2, now)
	assert.Empty(t, actions)

	// The expected frame arriving clears suppression and resumes normal flow.
	expected := ax25.NewI(key.Remote, key.Local, nil, 0, 0, false, ax25.PIDNoLayer3, []byte("z"))
	actions = s.HandleFrame(expected, now)
	require.True(t, hasAction[DataDelivered](actions))
}

func TestSFrameToDisconnectedSessionElicitsDM(t *testing.T) {
	now := time.Unix(0, 0)
	key := testKey(t)
	s := New(key, nil, DefaultConfig())
	require.Equal(t, Disconnected, s.State)

	rr := ax25.NewS(key.Remote, key.Local, nil, ax25.RR, 0, false)
	actions := s.HandleFrame(rr, now)
	require.Len(t, actions, 1)
	dm := actions[0].(SendFrame).Packet
	assert.Equal(t, ax25.DM, mustUType(t, dm))
	assert.Equal(t, Disconnected, s.State)
}

func TestHandshakeResetsCountersToZero(t *testing.T) {
	now := time.Unix(0, 0)
	key := testKey(t)
	s := New(key, nil, DefaultConfig())
	s.vs, s.vr, s.va = 5, 5, 5 // simulate leftover state from a prior session
	s.Connect(now)
	ua := ax25.NewUA(key.Remote, key.Local, nil, true)
	s.HandleFrame(ua, now)
	vs, vr, va := s.Sequence()
	assert.Equal(t, 0, vs)
	assert.Equal(t, 0, vr)
	assert.Equal(t, 0, va)
}

func TestDisconnectFailsOutstandingAndQueued(t *testing.T) {
	now := time.Unix(0, 0)
	key := testKey(t)
	cfg := DefaultConfig()
	cfg.WindowSize = 1
	s := New(key, nil, cfg)
	connectSession(t, s, now)

	s.Send([]byte("sent"), now)
	s.Send([]byte("queued"), now)
	require.Equal(t, 1, s.Outstanding())
	require.Len(t, s.sendQueue, 1)

	disc := ax25.NewDISC(key.Remote, key.Local, nil, true)
	actions := s.HandleFrame(disc, now)

	var failed [][]byte
	for _, a := range actions {
		if df, ok := a.(DataFailed); ok {
			failed = append(failed, df.Data)
		}
	}
	require.Len(t, failed, 2)
	assert.Equal(t, Disconnected, s.State)
}

func TestT1ExpiryDuringAwaitingConnectionRetriesThenTimesOut(t *testing.T) {
	now := time.Unix(0, 0)
	key := testKey(t)
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	s := New(key, nil, cfg)
	s.Connect(now)

	t1 := s.t1Deadline
	actions := s.Tick(t1.Add(time.Millisecond))
	require.True(t, hasAction[SendFrame](actions))
	assert.Equal(t, AwaitingConnection, s.State)

	actions = s.Tick(s.t1Deadline.Add(time.Millisecond))
	require.True(t, hasAction[TimedOut](actions))
	assert.Equal(t, Disconnected, s.State)
}

func connectSession(t *testing.T, s *Session, now time.Time) {
	t.Helper()
	s.Connect(now)
	ua := ax25.NewUA(s.Key.Remote, s.Key.Local, nil, true)
	s.HandleFrame(ua, now)
	require.Equal(t, Connected, s.State)
}

func mustUType(t *testing.T, p *ax25.Packet) ax25.UFrameType {
	t.Helper()
	ut, ok := p.UType()
	require.True(t, ok)
	return ut
}

// Property: after sending N frames within the window, V(S) == N mod 8, and
// V(A) always stays within the window of V(S); sequence numbers never leave
// 0..7.
func TestSequenceInvariantsProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		now := time.Unix(0, 0)
		key := Key{
			Local:  ax25.Address{Callsign: "N0CALL"},
			Remote: ax25.Address{Callsign: "N1CALL"},
		}
		cfg := DefaultConfig()
		cfg.WindowSize = rapid.IntRange(1, 7).Draw(t, "window")
		s := New(key, nil, cfg)
		s.Connect(now)
		ua := ax25.NewUA(key.Remote, key.Local, nil, true)
		s.HandleFrame(ua, now)

		n := rapid.IntRange(0, 20).Draw(t, "nSends")
		for i := 0; i < n; i++ {
			s.Send([]byte{byte(i)}, now)

			vs, vr, va := s.Sequence()
			if vs < 0 || vs > 7 || vr < 0 || vr > 7 || va < 0 || va > 7 {
				t.Fatalf("sequence number escaped 0..7: vs=%d vr=%d va=%d", vs, vr, va)
			}
			if s.Outstanding() > cfg.WindowSize {
				t.Fatalf("outstanding frames %d exceeded window %d", s.Outstanding(), cfg.WindowSize)
			}
		}
	})
}
