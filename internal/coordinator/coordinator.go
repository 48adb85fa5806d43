// Package coordinator implements spec.md §4.10's session coordinator: the
// top-level orchestrator that owns the session map, the NET/ROM router, and
// the transfer tables, dispatching every decoded packet to the right
// subsystem and surfacing the result through an EventSink.
package coordinator

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/axterm-go/engine/internal/adaptive"
	"github.com/axterm-go/engine/internal/ax25"
	"github.com/axterm-go/engine/internal/axdp"
	"github.com/axterm-go/engine/internal/classify"
	"github.com/axterm-go/engine/internal/linkquality"
	"github.com/axterm-go/engine/internal/netrom"
	"github.com/axterm-go/engine/internal/scheduler"
	"github.com/axterm-go/engine/internal/session"
)

// Config parameterizes a Coordinator.
type Config struct {
	Local                ax25.Address
	RouterMode           netrom.Mode
	RouterConfig         netrom.Config
	LinkQualityConfig    linkquality.Config
	DefaultSessionConfig session.Config
	AdaptiveCacheSize    int
	CapabilityCacheSize  int
	HeardLogSize         int
	SchedulerRateHz      float64
	SchedulerBurst       int
	MutualTrafficWindow  time.Duration // how recently we must have sent to N for a direct observation of N to count as "mutual".

	AutoNegotiate        bool          // ping peers with local capabilities on every initiated session we connect.
	PeerDiscoveryTimeout time.Duration // how long a pending capability probe waits for a pong before CapabilityUnsupported.
}

// DefaultConfig returns SPEC_FULL.md's stated defaults for every
// subsystem, for local.
func DefaultConfig(local ax25.Address) Config {
	return Config{
		Local:                local,
		RouterMode:           netrom.ModeHybrid,
		RouterConfig:         netrom.DefaultConfig(),
		LinkQualityConfig:    linkquality.DefaultConfig(),
		DefaultSessionConfig: session.DefaultConfig(),
		AdaptiveCacheSize:    256,
		CapabilityCacheSize:  256,
		HeardLogSize:         1000,
		SchedulerRateHz:      4,
		SchedulerBurst:       8,
		MutualTrafficWindow:  10 * time.Minute,
		AutoNegotiate:        true,
		PeerDiscoveryTimeout: 30 * time.Second,
	}
}

// Coordinator is spec.md §4.10's single-threaded protocol-state owner.
// Every exported method is meant to be called from one goroutine (the
// "protocol thread" of spec.md §5); transport and persistence I/O happen
// elsewhere and are marshalled back in before touching this state.
type Coordinator struct {
	cfg    Config
	sink   EventSink
	logger *log.Logger

	sessions            map[session.Key]*session.Session
	sessionReassemblers map[session.Key]*axdp.Reassembler
	uiReassemblers      map[string]*axdp.Reassembler

	router         *netrom.Router
	estimator      *linkquality.Estimator
	adaptiveEngine *adaptive.Engine
	capabilities   *axdp.CapabilityCache
	scheduler      *scheduler.Scheduler
	heard          *HeardLog
	transfers      *transferManager

	recentOutbound map[string]time.Time       // last time we sent directly to this callsign, for the mutual-traffic boost.
	sendPriorities map[session.Key][]priorityTag
	bulkFrames     map[string]string // scheduler TxFrame ID -> outbound transfer ID, so CancelTransfer can cancel a transfer's queued fragments.
	initiators     map[session.Key]bool // sessions this side opened with Connect, vs. accepted via an inbound SABM.

	nextAXDPSessionID uint16
}

type priorityTag struct {
	priority    scheduler.Priority
	transferID  string // "" unless this payload is a tracked bulk-transfer fragment.
}

// New constructs a Coordinator. sink receives every externally observable
// event; logger defaults to log.Default() if nil, per this module's
// "every package takes a *log.Logger" convention.
func New(cfg Config, sink EventSink, logger *log.Logger) (*Coordinator, error) {
	if sink == nil {
		sink = NopEventSink{}
	}
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.With("component", "coordinator")

	adaptiveEngine, err := adaptive.NewEngine(cfg.AdaptiveCacheSize)
	if err != nil {
		return nil, fmt.Errorf("coordinator: new adaptive engine: %w", err)
	}
	capabilities, err := axdp.NewCapabilityCache(cfg.CapabilityCacheSize)
	if err != nil {
		return nil, fmt.Errorf("coordinator: new capability cache: %w", err)
	}

	return &Coordinator{
		cfg:                 cfg,
		sink:                sink,
		logger:              logger,
		sessions:            make(map[session.Key]*session.Session),
		sessionReassemblers: make(map[session.Key]*axdp.Reassembler),
		uiReassemblers:      make(map[string]*axdp.Reassembler),
		router:              netrom.NewRouter(cfg.Local.Callsign, cfg.RouterMode, cfg.RouterConfig),
		estimator:           linkquality.NewEstimator(cfg.LinkQualityConfig),
		adaptiveEngine:      adaptiveEngine,
		capabilities:        capabilities,
		scheduler:           scheduler.NewScheduler(cfg.SchedulerRateHz, cfg.SchedulerBurst),
		heard:               NewHeardLog(cfg.HeardLogSize),
		transfers:           newTransferManager(),
		recentOutbound:      make(map[string]time.Time),
		sendPriorities:      make(map[session.Key][]priorityTag),
		bulkFrames:          make(map[string]string),
		initiators:          make(map[session.Key]bool),
	}, nil
}

func normalize(callsign string) string {
	return strings.ToUpper(strings.TrimSpace(callsign))
}

func sessionKeyFor(local, remote ax25.Address, via ax25.DigiPath, channel int) session.Key {
	return session.Key{Local: local, Remote: remote, Path: via.Signature(), Channel: channel}
}

// Router exposes the coordinator's NET/ROM router for display
// (Neighbors/Routes/BestRouteTo) and for loading persisted neighbors and
// routes back in at startup (RestoreNeighbor/RestoreRoute).
func (c *Coordinator) Router() *netrom.Router { return c.router }

// Heard exposes the mheard-style station log.
func (c *Coordinator) Heard() *HeardLog { return c.heard }

// Scheduler exposes the tx scheduler so a transport worker can Dequeue and
// report MarkSent/MarkFailed.
func (c *Coordinator) Scheduler() *scheduler.Scheduler { return c.scheduler }

// LinkQuality exposes the per-directed-link estimator for periodic
// snapshot persistence and for restoring persisted link stats at startup.
func (c *Coordinator) LinkQuality() *linkquality.Estimator { return c.estimator }

// Session returns the session for key, if one exists.
func (c *Coordinator) Session(key session.Key) (*session.Session, bool) {
	s, ok := c.sessions[key]
	return s, ok
}

// Connect opens a new outbound session to remote over via/channel as the
// local initiator, enqueues its SABM, and returns the session's key. A
// session opened this way is the one side that capability
// auto-negotiation pings on connect (see onSessionConnected); a session
// accepted from an inbound SABM in handleUFrame never is.
func (c *Coordinator) Connect(remote ax25.Address, via ax25.DigiPath, channel int, now time.Time) session.Key {
	key := sessionKeyFor(c.cfg.Local, remote, via, channel)
	sess := c.newSession(key, via, now)
	c.initiators[key] = true
	actions := sess.Connect(now)
	c.dispatchSessionActions(key, actions, now)
	return key
}

// HandleFrame implements spec.md §4.10's five-step inbound dispatch for
// one decoded packet. Packets must be delivered in transport order; this
// method is not safe to call concurrently.
func (c *Coordinator) HandleFrame(pkt *ax25.Packet, now time.Time) error {
	c.heard.Observe(pkt.From.Callsign, pkt.Channel, len(usedDigipeaters(pkt.Via)), now)

	isDup := c.classifyDuplicate(pkt, now)
	cls := classify.Classify(pkt, isDup)

	c.updateLinkQuality(pkt, cls, now)
	c.updateRouter(pkt, cls, now)

	switch pkt.FrameType {
	case ax25.FrameTypeU:
		return c.handleUFrame(pkt, now)
	case ax25.FrameTypeI:
		return c.handleIFrame(pkt, now)
	case ax25.FrameTypeS:
		return c.handleSFrame(pkt, now)
	case ax25.FrameTypeUI:
		return c.handleUIFrame(pkt, now)
	}
	return nil
}

// usedDigipeaters counts via-path entries already marked Repeated, for
// the mheard hop count.
func usedDigipeaters(via ax25.DigiPath) []ax25.Address {
	var out []ax25.Address
	for _, a := range via {
		if a.Repeated {
			out = append(out, a)
		}
	}
	return out
}

// classifyDuplicate reports whether pkt is a retransmission already acted
// on: a SABM received while a session with that key is already Connected,
// or an I-frame whose N(S) duplicates the frame most recently delivered
// in sequence. This is a best-effort signal for link-quality weighting
// only (classify.RetryOrDuplicate), not a correctness mechanism — the
// session state machine's own REJ/SREJ handling is what actually protects
// delivery.
func (c *Coordinator) classifyDuplicate(pkt *ax25.Packet, now time.Time) bool {
	key := sessionKeyFor(c.cfg.Local, pkt.From, pkt.Via, pkt.Channel)
	sess, ok := c.sessions[key]
	if !ok {
		return false
	}
	if pkt.FrameType == ax25.FrameTypeU {
		if ut, ok := pkt.UType(); ok && ut == ax25.SABM && sess.State == session.Connected {
			return true
		}
		return false
	}
	if pkt.FrameType == ax25.FrameTypeI {
		_, vr, _ := sess.Sequence()
		prevDelivered := ((vr-1)%8 + 8) % 8
		return pkt.NS() == prevDelivered
	}
	return false
}

func (c *Coordinator) updateLinkQuality(pkt *ax25.Packet, cls classify.Classification, now time.Time) {
	ls := c.estimator.Observe(linkquality.Observation{
		From:          pkt.From.Callsign,
		To:            c.cfg.Local.Callsign,
		Timestamp:     now,
		ForwardWeight: classify.ForwardWeight(cls),
		IsDuplicate:   cls == classify.RetryOrDuplicate,
	})

	rk := adaptive.RouteAdaptiveKey{Destination: normalize(pkt.From.Callsign), PathSignature: pkt.Via.Signature()}
	lossRate := 0.0
	if ls.DFEstimate != nil {
		lossRate = 1 - *ls.DFEstimate
	}
	c.adaptiveEngine.ApplyLinkQualitySample(lossRate, etxFromQuality(ls.Quality), 0, adaptive.SourceLinkQuality, &rk, now)
}

// etxFromQuality converts a 0..255 link quality figure into an
// approximate expected-transmission-count: a perfect link (255) costs one
// transmission; a dead one approaches the adaptive engine's own worst-case
// ceiling. This is this module's resolution for feeding linkquality's
// output into adaptive's etx-shaped input, since spec.md does not define
// a quality->etx conversion.
func etxFromQuality(quality int) float64 {
	if quality <= 0 {
		return 8.0
	}
	return 255.0 / float64(quality)
}

func (c *Coordinator) updateRouter(pkt *ax25.Packet, cls classify.Classification, now time.Time) {
	if cls == classify.RoutingBroadcast && netrom.IsNodesBroadcast(pkt) {
		if b, ok := netrom.DecodeBroadcast(pkt.Info); ok {
			c.router.ObserveBroadcast(pkt.From.Callsign, b, now)
		}
		return
	}

	direct := len(usedDigipeaters(pkt.Via)) == 0
	addressedToLocal := normalize(pkt.To.Callsign) == normalize(c.cfg.Local.Callsign)
	hasPayload := cls == classify.DataProgress || cls == classify.UIBeacon

	if direct && addressedToLocal && hasPayload {
		ls, _ := c.estimator.Get(pkt.From.Callsign, c.cfg.Local.Callsign)
		observedQuality := 0
		if ls != nil {
			observedQuality = ls.Quality
		}
		mutual := false
		if t, ok := c.recentOutbound[normalize(pkt.From.Callsign)]; ok {
			mutual = now.Sub(t) <= c.cfg.MutualTrafficWindow
		}
		c.router.ObserveDirect(pkt.From.Callsign, observedQuality, mutual, now)
		return
	}

	if !addressedToLocal && len(pkt.Via) > 0 {
		via := make([]string, 0, len(pkt.Via))
		for _, a := range pkt.Via {
			via = append(via, a.Callsign)
		}
		c.router.ObserveThirdParty(pkt.From.Callsign, pkt.To.Callsign, via, now)
	}
}

func (c *Coordinator) handleUFrame(pkt *ax25.Packet, now time.Time) error {
	key := sessionKeyFor(c.cfg.Local, pkt.From, pkt.Via, pkt.Channel)
	sess, existed := c.sessions[key]
	ut, ok := pkt.UType()
	if ok && ut == ax25.SABM && !existed {
		sess = c.newSession(key, pkt.Via, now)
	}
	if sess == nil {
		return nil
	}
	actions := sess.HandleFrame(pkt, now)
	c.dispatchSessionActions(key, actions, now)
	return nil
}

func (c *Coordinator) handleSFrame(pkt *ax25.Packet, now time.Time) error {
	key := sessionKeyFor(c.cfg.Local, pkt.From, pkt.Via, pkt.Channel)
	sess, ok := c.sessions[key]
	if !ok {
		return nil
	}
	actions := sess.HandleFrame(pkt, now)
	c.dispatchSessionActions(key, actions, now)
	return nil
}

func (c *Coordinator) handleIFrame(pkt *ax25.Packet, now time.Time) error {
	key := sessionKeyFor(c.cfg.Local, pkt.From, pkt.Via, pkt.Channel)
	sess, ok := c.sessions[key]
	if !ok {
		return nil
	}
	actions := sess.HandleFrame(pkt, now)
	c.dispatchSessionActions(key, actions, now)
	return nil
}

func (c *Coordinator) handleUIFrame(pkt *ax25.Packet, now time.Time) error {
	if pkt.PID != nil && *pkt.PID == ax25.PIDNetRom {
		// NODES broadcast, already fed to the router by updateRouter.
		return nil
	}

	source := normalize(pkt.From.Callsign)
	r, ok := c.uiReassemblers[source]
	if !ok {
		r = &axdp.Reassembler{}
		c.uiReassemblers[source] = r
	}
	msgs, _ := r.Feed(pkt.Info)
	for _, msg := range msgs {
		// UI-delivered AXDP is valid only for chat and peer-badge
		// messages, per spec.md §4.10 point 3; everything else requires
		// an established session and is silently ignored here.
		switch msg.Type {
		case axdp.MessageChat, axdp.MessagePeerAXDPEnabled, axdp.MessagePeerAXDPDisabled:
			c.dispatchAXDPMessage(msg, nil, pkt.From, now)
		}
	}
	return nil
}

func (c *Coordinator) newSession(key session.Key, via ax25.DigiPath, now time.Time) *session.Session {
	cfg := c.adaptiveEngine.GetConfig(key.Remote.Callsign, key.Path)
	sess := session.New(key, via, cfg)
	c.sessions[key] = sess
	c.sessionReassemblers[key] = &axdp.Reassembler{}
	return sess
}

// dispatchSessionActions executes a session's returned Actions: outbound
// frames are paced through the scheduler, data is fed to AXDP reassembly,
// and lifecycle events reach the EventSink.
func (c *Coordinator) dispatchSessionActions(key session.Key, actions []session.Action, now time.Time) {
	for _, a := range actions {
		switch act := a.(type) {
		case session.SendFrame:
			c.enqueueOutbound(key, act.Packet, now)

		case session.StateChanged:
			c.sink.OnSessionStateChanged(key, act.Old, act.New)

		case session.DataDelivered:
			c.feedSessionData(key, act.Data, now)

		case session.DataFailed:
			c.failScheduledFramesFor(key.Remote.Callsign)

		case session.TimedOut:
			c.failScheduledFramesFor(key.Remote.Callsign)

		case session.Connected:
			c.onSessionConnected(key, now)

		case session.Disconnected, session.Rejected:
			// No further action beyond the StateChanged already reported;
			// these markers exist for callers that want a plain event
			// without inspecting old/new state.
		}
	}
}

// enqueueOutbound hands pkt to the scheduler. Session-control frames
// (U/S) are Interactive; I-frames default to Normal unless they carry a
// tracked bulk-transfer fragment, tagged via sendPriorities at the time
// the transfer queued its data, in which case they are Bulk.
func (c *Coordinator) enqueueOutbound(key session.Key, pkt *ax25.Packet, now time.Time) {
	priority := scheduler.PriorityInteractive
	transferID := ""
	if pkt.FrameType == ax25.FrameTypeI {
		priority, transferID = c.popSendPriority(key)
	}

	payload := ax25.EncodeFrame(pkt)
	frame := c.scheduler.Enqueue(normalize(key.Remote.Callsign), normalize(c.cfg.Local.Callsign), payload, priority)
	c.recentOutbound[normalize(key.Remote.Callsign)] = now

	if transferID != "" {
		c.bulkFrames[frame.ID] = transferID
	}
	// The transport worker drains the queue with Dequeue/MarkSent (spec.md
	// §5's suspension point between scheduling and the wire). The
	// coordinator never marks a scheduler frame acked or failed, bulk
	// fragments included: delivery rests on the session's own RR/REJ/SREJ
	// ARQ, and bulkFrames only lets CancelTransfer cancel a transfer's
	// still-queued fragments until handleOutboundAck/handleOutboundNack
	// see the transfer complete or fail and drop its entries.
}

func (c *Coordinator) popSendPriority(key session.Key) (scheduler.Priority, string) {
	q := c.sendPriorities[key]
	if len(q) == 0 {
		return scheduler.PriorityNormal, ""
	}
	next := q[0]
	c.sendPriorities[key] = q[1:]
	return next.priority, next.transferID
}

func (c *Coordinator) pushSendPriority(key session.Key, priority scheduler.Priority, transferID string) {
	c.sendPriorities[key] = append(c.sendPriorities[key], priorityTag{priority: priority, transferID: transferID})
}

func (c *Coordinator) failScheduledFramesFor(callsign string) {
	// The scheduler itself has no per-destination "fail all queued"
	// bookkeeping beyond Cancel(frameID); since session teardown already
	// reports DataFailed for every affected payload via the session's own
	// failOutstanding, there is nothing further this coordinator can
	// attribute to specific scheduler frame IDs without the scheduler
	// exposing its queue contents — logged for operator visibility only.
	c.logger.Debug("session data failed, scheduler frames for destination may still be in flight", "destination", normalize(callsign))
}

func (c *Coordinator) feedSessionData(key session.Key, data []byte, now time.Time) {
	c.sink.OnDataReceived(key, data)

	r, ok := c.sessionReassemblers[key]
	if !ok {
		r = &axdp.Reassembler{}
		c.sessionReassemblers[key] = r
	}
	msgs, err := r.Feed(data)
	if err != nil {
		c.logger.Warn("axdp decode error", "session", key.Remote.Callsign, "err", err)
	}
	for _, msg := range msgs {
		c.dispatchAXDPMessage(msg, &key, key.Remote, now)
	}
}

// dispatchAXDPMessage implements spec.md §4.10 point 2's per-type
// handling. key is nil for UI-delivered messages (no session context).
func (c *Coordinator) dispatchAXDPMessage(msg axdp.Message, key *session.Key, from ax25.Address, now time.Time) {
	switch msg.Type {
	case axdp.MessageChat:
		c.sink.OnAXDPChatReceived(from, msg.Text)

	case axdp.MessageFileMeta:
		_, req, err := c.transfers.HandleFileMeta(msg, from.Callsign, now)
		if err != nil {
			c.logger.Warn("malformed fileMeta", "from", from, "err", err)
			return
		}
		c.sink.OnIncomingTransferRequest(req)

	case axdp.MessageFileChunk:
		t, reply, ok := c.transfers.HandleFileChunk(msg, now)
		if !ok {
			return
		}
		if reply != nil && key != nil {
			c.sendAXDP(*key, *reply, scheduler.PriorityInteractive, "", now)
			if reply.Type == axdp.MessageAck {
				c.sink.OnTransferCompleted(fmt.Sprintf("in-%d", msg.SessionID))
				c.transfers.RemoveInbound(msg.SessionID)
			} else {
				c.sink.OnTransferFailed(fmt.Sprintf("in-%d", msg.SessionID), fmt.Errorf("coordinator: sha256 mismatch on completed transfer"))
				c.transfers.RemoveInbound(msg.SessionID)
			}
		} else if t != nil {
			c.sink.OnTransferProgress(fmt.Sprintf("in-%d", msg.SessionID), uint64(len(t.Received))*uint64(t.ChunkSize), t.FileSize)
		}

	case axdp.MessageAck:
		c.handleOutboundAck(msg, key, now)

	case axdp.MessageNack:
		c.handleOutboundNack(msg, key, now)

	case axdp.MessagePing:
		c.handlePing(msg, key, from, now)

	case axdp.MessagePong:
		c.handlePong(msg, from, now)

	case axdp.MessagePeerAXDPEnabled:
		c.sink.OnPeerAXDPEnabled(from)

	case axdp.MessagePeerAXDPDisabled:
		c.sink.OnPeerAXDPDisabled(from)

	case axdp.MessageError:
		c.logger.Warn("peer reported AXDP error", "from", from, "reason", msg.ErrorReason)
	}
}

func (c *Coordinator) findOutboundTransferByAXDPSession(sessionID uint16) (*axdp.OutboundTransfer, string, bool) {
	for id, t := range c.transfers.outbound {
		if t.AXDPSessionID == sessionID {
			return t, id, true
		}
	}
	return nil, "", false
}

// pruneBulkFrames drops this transfer's scheduler frame-ID bookkeeping
// once it has reached a terminal state, so bulkFrames does not grow
// without bound across a long-running daemon's transfer history.
func (c *Coordinator) pruneBulkFrames(transferID string) {
	for frameID, tid := range c.bulkFrames {
		if tid == transferID {
			delete(c.bulkFrames, frameID)
		}
	}
}

func (c *Coordinator) handleOutboundAck(msg axdp.Message, key *session.Key, now time.Time) {
	t, id, ok := c.findOutboundTransferByAXDPSession(msg.SessionID)
	if !ok || key == nil {
		return
	}
	t.HandleAck(msg.MessageID, now)
	if msg.MessageID == axdp.MessageIDTransferComplete {
		c.sink.OnTransferCompleted(id)
		delete(c.transfers.outbound, id)
		c.pruneBulkFrames(id)
		return
	}
	for _, chunk := range t.NextChunks(2) {
		c.sendAXDP(*key, chunk, scheduler.PriorityBulk, id, now)
	}
	c.sink.OnTransferProgress(id, t.BytesSent(), uint64(len(t.Data)))
}

func (c *Coordinator) handleOutboundNack(msg axdp.Message, key *session.Key, now time.Time) {
	t, id, ok := c.findOutboundTransferByAXDPSession(msg.SessionID)
	if !ok {
		return
	}
	retransmits := t.HandleNack(msg.MessageID, msg.SACK)
	if t.Status == axdp.StatusFailed {
		c.sink.OnTransferFailed(id, fmt.Errorf("coordinator: peer rejected transfer %s", id))
		delete(c.transfers.outbound, id)
		c.pruneBulkFrames(id)
		return
	}
	if key != nil {
		for _, chunk := range retransmits {
			c.sendAXDP(*key, chunk, scheduler.PriorityBulk, id, now)
		}
	}
}

func (c *Coordinator) handlePing(msg axdp.Message, key *session.Key, from ax25.Address, now time.Time) {
	if msg.Capabilities == nil {
		return
	}
	_, existed := c.capabilities.Get(from.Callsign)
	c.capabilities.Confirm(from.Callsign, *msg.Capabilities, now)
	if !existed {
		c.sink.OnPeerAXDPEnabled(from)
	}
	if key != nil {
		c.sendAXDP(*key, axdp.Message{Type: axdp.MessagePong, Capabilities: msg.Capabilities}, scheduler.PriorityInteractive, "", now)
	}
}

func (c *Coordinator) handlePong(msg axdp.Message, from ax25.Address, now time.Time) {
	if msg.Capabilities == nil {
		return
	}
	_, existed := c.capabilities.Get(from.Callsign)
	c.capabilities.Confirm(from.Callsign, *msg.Capabilities, now)
	if !existed {
		c.sink.OnPeerAXDPEnabled(from)
	}
}

// onSessionConnected starts capability auto-negotiation for sessions this
// side initiated: a ping carrying local capabilities goes out and the
// peer's entry is marked pending until a pong arrives or Tick's
// peer-discovery timeout check gives up on it. Sessions we merely accepted
// never probe here; a peer that wants our capabilities pings us itself.
func (c *Coordinator) onSessionConnected(key session.Key, now time.Time) {
	if !c.cfg.AutoNegotiate || !c.initiators[key] {
		return
	}
	c.probeCapabilities(key, now)
}

func (c *Coordinator) probeCapabilities(key session.Key, now time.Time) {
	sess, ok := c.sessions[key]
	if !ok {
		return
	}
	c.capabilities.MarkPending(key.Remote.Callsign, now)
	caps := axdp.LocalCapabilities(sess.Config.Paclen)
	c.sendAXDP(key, axdp.Message{Type: axdp.MessagePing, Capabilities: &caps}, scheduler.PriorityInteractive, "", now)
}

// SetAutoNegotiate toggles capability auto-negotiation. Turning it on
// immediately probes every currently-connected session this side
// initiated, mirroring what a freshly-connected session would have
// triggered had auto-negotiation already been on.
func (c *Coordinator) SetAutoNegotiate(enabled bool, now time.Time) {
	turningOn := enabled && !c.cfg.AutoNegotiate
	c.cfg.AutoNegotiate = enabled
	if !turningOn {
		return
	}
	for key, sess := range c.sessions {
		if sess.State == session.Connected && c.initiators[key] {
			c.probeCapabilities(key, now)
		}
	}
}

// sendAXDP encodes msg, fragments it to the session's configured paclen,
// and sends each fragment through the session (so it rides the session's
// own ARQ and sequencing), tagging each resulting I-frame's priority
// ahead of time so enqueueOutbound can recover it.
func (c *Coordinator) sendAXDP(key session.Key, msg axdp.Message, priority scheduler.Priority, transferID string, now time.Time) {
	sess, ok := c.sessions[key]
	if !ok {
		return
	}
	framed := axdp.FrameForWire(axdp.Encode(msg))
	fragments := axdp.Fragment(framed, sess.Config.Paclen)
	for _, frag := range fragments {
		c.pushSendPriority(key, priority, transferID)
		actions := sess.Send(frag, now)
		c.dispatchSessionActions(key, actions, now)
	}
}

// SendChat sends a chat message to an already-connected session.
func (c *Coordinator) SendChat(key session.Key, text string, now time.Time) error {
	if _, ok := c.sessions[key]; !ok {
		return fmt.Errorf("coordinator: no session for %s", key.Remote)
	}
	c.sendAXDP(key, axdp.Message{Type: axdp.MessageChat, Text: text}, scheduler.PriorityInteractive, "", now)
	return nil
}

// StartFileTransfer begins an outbound bulk transfer over an established
// session, announcing it with fileMeta and returning its transfer id.
func (c *Coordinator) StartFileTransfer(key session.Key, fileName string, data []byte, chunkSize uint16, compression axdp.CompressionAlgorithm, now time.Time) (string, error) {
	if _, ok := c.sessions[key]; !ok {
		return "", fmt.Errorf("coordinator: no session for %s", key.Remote)
	}
	c.nextAXDPSessionID++
	id := fmt.Sprintf("xfer-%s-%d", normalize(key.Remote.Callsign), c.nextAXDPSessionID)
	_, meta := c.transfers.BeginOutbound(id, fileName, data, key.Remote.Callsign, chunkSize, compression, c.nextAXDPSessionID)
	c.sendAXDP(key, meta, scheduler.PriorityNormal, id, now)
	return id, nil
}

// CancelTransfer cancels a tracked outbound transfer and drains its
// not-yet-sent scheduler fragments, per spec.md §5.
func (c *Coordinator) CancelTransfer(id string) bool {
	for frameID, tid := range c.bulkFrames {
		if tid == id {
			c.scheduler.Cancel(frameID)
		}
	}
	c.pruneBulkFrames(id)
	return c.transfers.CancelOutbound(id)
}

// Tick advances every session's timers and must be called periodically
// (e.g. every 100ms) with the current time, per session.Session.Tick's
// contract.
func (c *Coordinator) Tick(now time.Time) {
	for key, sess := range c.sessions {
		actions := sess.Tick(now)
		c.dispatchSessionActions(key, actions, now)
	}
	c.estimator.Expire(now)
	c.capabilities.ExpirePending(c.cfg.PeerDiscoveryTimeout, now)
}
