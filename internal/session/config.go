// Package session implements the per-peer AX.25 connected-mode state
// machine (SABM/UA/DISC/DM, I/RR/REJ/RNR/SREJ, modulo-8 sequencing).
package session

import (
	"time"

	"github.com/axterm-go/engine/internal/ax25"
)

// Key identifies a session: (local, remote, path, channel). Sessions are
// keyed by value so they can be used as map keys directly.
type Key struct {
	Local   ax25.Address
	Remote  ax25.Address
	Path    string // DigiPath.Signature(); "" means direct.
	Channel int
}

// Config is a session's configuration, frozen at session creation per
// spec.md §4.3 ("Session config is frozen at creation"). Samples that
// arrive mid-session must update only the adaptive cache, never a running
// session's Config.
type Config struct {
	WindowSize         int // 1..7
	Paclen             int
	MaxRetries         int
	AckTimer           time.Duration // T2: delayed-ack timer, default 250ms.
	RTOMin             time.Duration
	RTOMax             time.Duration
	SREJEnabled        bool
	Layer3InitialRetry bool
}

// DefaultConfig matches spec.md §3's stated defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:         4,
		Paclen:             128,
		MaxRetries:         10,
		AckTimer:           250 * time.Millisecond,
		RTOMin:             1 * time.Second,
		RTOMax:             60 * time.Second,
		SREJEnabled:        false,
		Layer3InitialRetry: false,
	}
}

// initialT1 is T1's starting value, clamped into the config's RTO bounds.
func (c Config) initialT1() time.Duration {
	t1 := 3 * time.Second
	if t1 < c.RTOMin {
		return c.RTOMin
	}
	if t1 > c.RTOMax {
		return c.RTOMax
	}
	return t1
}

// idleProbe (T3) defaults to 300s, per spec.md §4.3; zero disables it.
const defaultIdleProbe = 300 * time.Second
