package axdp

import (
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CapabilityStatus is a peer's AXDP capability negotiation state, per
// spec.md §3's "AXDP capability cache entry".
type CapabilityStatus int

const (
	CapabilityUnknown CapabilityStatus = iota
	CapabilityPending
	CapabilityConfirmed
	CapabilityUnsupported
)

func (s CapabilityStatus) String() string {
	switch s {
	case CapabilityPending:
		return "pending"
	case CapabilityConfirmed:
		return "confirmed"
	case CapabilityUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// CapabilityCacheEntry is one peer's negotiated (or pending) capabilities.
type CapabilityCacheEntry struct {
	ProtoMax    byte
	MaxFrameLen uint16
	MaxPaclen   uint16
	Features    uint32
	LastSeen    time.Time
	Status      CapabilityStatus
}

// CapabilityCache is a bounded, callsign-keyed cache of peer AXDP
// capabilities. Bounded-keyed-by-callsign is exactly what
// hashicorp/golang-lru is for; a hand-rolled bounded map would duplicate
// it for no reason (see DESIGN.md).
type CapabilityCache struct {
	cache *lru.Cache[string, *CapabilityCacheEntry]
}

// NewCapabilityCache builds a cache holding at most size entries,
// evicting least-recently-used peers beyond that.
func NewCapabilityCache(size int) (*CapabilityCache, error) {
	c, err := lru.New[string, *CapabilityCacheEntry](size)
	if err != nil {
		return nil, err
	}
	return &CapabilityCache{cache: c}, nil
}

func normalizeKey(callsign string) string {
	return strings.ToUpper(strings.TrimSpace(callsign))
}

// Get returns the cached entry for callsign, if any.
func (c *CapabilityCache) Get(callsign string) (*CapabilityCacheEntry, bool) {
	return c.cache.Get(normalizeKey(callsign))
}

// MarkPending records that a ping was just sent to callsign and a pong is
// awaited, per spec.md §4.4.
func (c *CapabilityCache) MarkPending(callsign string, now time.Time) {
	c.cache.Add(normalizeKey(callsign), &CapabilityCacheEntry{Status: CapabilityPending, LastSeen: now})
}

// Confirm records a peer's capabilities received via pong.
func (c *CapabilityCache) Confirm(callsign string, caps Capabilities, now time.Time) {
	c.cache.Add(normalizeKey(callsign), &CapabilityCacheEntry{
		ProtoMax:    caps.ProtoMax,
		MaxFrameLen: caps.MaxFrameLen,
		MaxPaclen:   caps.MaxPaclen,
		Features:    caps.Features,
		LastSeen:    now,
		Status:      CapabilityConfirmed,
	})
}

// MarkUnsupported records that no pong arrived within the discovery
// timeout.
func (c *CapabilityCache) MarkUnsupported(callsign string, now time.Time) {
	c.cache.Add(normalizeKey(callsign), &CapabilityCacheEntry{Status: CapabilityUnsupported, LastSeen: now})
}

// ExpirePending marks CapabilityUnsupported every entry still Pending
// whose LastSeen is older than timeout, and returns their callsigns. Peek
// is used throughout so a full sweep never perturbs the cache's
// least-recently-used order.
func (c *CapabilityCache) ExpirePending(timeout time.Duration, now time.Time) []string {
	var expired []string
	for _, callsign := range c.cache.Keys() {
		entry, ok := c.cache.Peek(callsign)
		if !ok || entry.Status != CapabilityPending || now.Sub(entry.LastSeen) < timeout {
			continue
		}
		c.cache.Add(callsign, &CapabilityCacheEntry{Status: CapabilityUnsupported, LastSeen: now})
		expired = append(expired, callsign)
	}
	return expired
}

// LocalCapabilities builds the capability set this engine advertises in a
// ping or pong. paclen is the session's configured AXDP fragment size;
// frame length tracks it 1:1 since this engine has no separate wire-frame
// cap below the session's own paclen.
func LocalCapabilities(paclen int) Capabilities {
	return Capabilities{
		ProtoMax:    ProtoVersion,
		MaxFrameLen: uint16(paclen),
		MaxPaclen:   uint16(paclen),
	}
}

// IncomingTransferRequest is surfaced to the coordinator's EventSink when a
// fileMeta announces an inbound transfer, per SPEC_FULL.md §11.
type IncomingTransferRequest struct {
	From      string
	FileName  string
	FileSize  uint64
	SHA256    [32]byte
	ChunkSize uint16
}
