// Package config loads the daemon's run-time configuration from a YAML
// document, mirroring the teacher's use of gopkg.in/yaml.v3 for
// tocalls.yaml.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/axterm-go/engine/internal/ax25"
	"github.com/axterm-go/engine/internal/linkquality"
	"github.com/axterm-go/engine/internal/netrom"
	"github.com/axterm-go/engine/internal/session"
)

// KISSConfig describes how to reach the TNC: a KISS-over-TCP endpoint
// (host:port, e.g. a Direwolf or soundmodem instance) and which KISS
// channel number to use.
type KISSConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	Channel     int           `yaml:"channel"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
}

// SessionConfig mirrors session.Config's fields for YAML loading; zero
// values are filled from session.DefaultConfig() by SessionDefaults.
type SessionConfig struct {
	WindowSize         int           `yaml:"windowSize"`
	Paclen             int           `yaml:"paclen"`
	MaxRetries         int           `yaml:"maxRetries"`
	AckTimer           time.Duration `yaml:"ackTimer"`
	RTOMin             time.Duration `yaml:"rtoMin"`
	RTOMax             time.Duration `yaml:"rtoMax"`
	SREJEnabled        bool          `yaml:"srejEnabled"`
	Layer3InitialRetry bool          `yaml:"layer3InitialRetry"`
}

func (s SessionConfig) toSession(base session.Config) session.Config {
	out := base
	if s.WindowSize != 0 {
		out.WindowSize = s.WindowSize
	}
	if s.Paclen != 0 {
		out.Paclen = s.Paclen
	}
	if s.MaxRetries != 0 {
		out.MaxRetries = s.MaxRetries
	}
	if s.AckTimer != 0 {
		out.AckTimer = s.AckTimer
	}
	if s.RTOMin != 0 {
		out.RTOMin = s.RTOMin
	}
	if s.RTOMax != 0 {
		out.RTOMax = s.RTOMax
	}
	out.SREJEnabled = s.SREJEnabled
	out.Layer3InitialRetry = s.Layer3InitialRetry
	return out
}

// LinkQualityConfig mirrors linkquality.Config for YAML loading.
type LinkQualityConfig struct {
	ForwardHalfLife time.Duration `yaml:"forwardHalfLife"`
	ReverseHalfLife time.Duration `yaml:"reverseHalfLife"`
}

func (l LinkQualityConfig) toLinkQuality(base linkquality.Config) linkquality.Config {
	out := base
	if l.ForwardHalfLife != 0 {
		out.ForwardHalfLife = l.ForwardHalfLife
	}
	if l.ReverseHalfLife != 0 {
		out.ReverseHalfLife = l.ReverseHalfLife
	}
	return out
}

// RouterConfig mirrors netrom.Config plus the Mode selector, for YAML
// loading.
type RouterConfig struct {
	Mode                    string        `yaml:"mode"` // "classic", "inference", or "hybrid"
	MaxRoutesPerDestination int           `yaml:"maxRoutesPerDestination"`
	MinimumRouteQuality     int           `yaml:"minimumRouteQuality"`
	HysteresisMargin        float64       `yaml:"hysteresisMargin"`
	HysteresisHoldSeconds   time.Duration `yaml:"hysteresisHold"`
	InferenceHalfLife       time.Duration `yaml:"inferenceHalfLife"`
	RouteTTL                time.Duration `yaml:"routeTTL"`
	NeighborTTL             time.Duration `yaml:"neighborTTL"`
}

func (r RouterConfig) mode() netrom.Mode {
	switch r.Mode {
	case "classic":
		return netrom.ModeClassic
	case "inference":
		return netrom.ModeInference
	default:
		return netrom.ModeHybrid
	}
}

func (r RouterConfig) toNetrom(base netrom.Config) netrom.Config {
	out := base
	if r.MaxRoutesPerDestination != 0 {
		out.MaxRoutesPerDestination = r.MaxRoutesPerDestination
	}
	if r.MinimumRouteQuality != 0 {
		out.MinimumRouteQuality = r.MinimumRouteQuality
	}
	if r.HysteresisMargin != 0 {
		out.HysteresisMargin = r.HysteresisMargin
	}
	if r.HysteresisHoldSeconds != 0 {
		out.HysteresisHoldSeconds = r.HysteresisHoldSeconds
	}
	if r.InferenceHalfLife != 0 {
		out.InferenceHalfLife = r.InferenceHalfLife
	}
	if r.RouteTTL != 0 {
		out.RouteTTL = r.RouteTTL
	}
	if r.NeighborTTL != 0 {
		out.NeighborTTL = r.NeighborTTL
	}
	return out
}

// SchedulerConfig tunes the tx scheduler's per-destination token bucket.
type SchedulerConfig struct {
	RateHz float64 `yaml:"rateHz"`
	Burst  int     `yaml:"burst"`
}

// PersistenceConfig points at the SQLite snapshot store.
type PersistenceConfig struct {
	Path          string        `yaml:"path"`
	MaxAge        time.Duration `yaml:"maxAge"`
	RetentionDays int           `yaml:"retentionDays"`
}

// Config is the top-level document loaded from YAML. A field left at its
// zero value is filled from the matching package's own defaults, so an
// empty or partial config file always loads; the KISS host and port have
// no defaults and stay empty and 0 when unset.
type Config struct {
	Callsign string `yaml:"callsign"`
	SSID     int    `yaml:"ssid"`

	KISS        KISSConfig        `yaml:"kiss"`
	Session     SessionConfig     `yaml:"session"`
	LinkQuality LinkQualityConfig `yaml:"linkQuality"`
	Router      RouterConfig      `yaml:"router"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Persistence PersistenceConfig `yaml:"persistence"`
}

// Load reads and parses the YAML document at path. A file that cannot be
// read is an error; an empty or partial document is not: every unset
// field falls back to its own package's defaults, matching how the rest
// of this module treats a zero Config.
func Load(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// LocalAddress builds the local station address from Callsign/SSID.
func (c Config) LocalAddress() (ax25.Address, error) {
	return ax25.NewAddress(c.Callsign, c.SSID)
}

// SessionDefaults projects the YAML session overrides onto
// session.DefaultConfig().
func (c Config) SessionDefaults() session.Config {
	return c.Session.toSession(session.DefaultConfig())
}

// LinkQualityDefaults projects the YAML link-quality overrides onto
// linkquality.DefaultConfig().
func (c Config) LinkQualityDefaults() linkquality.Config {
	return c.LinkQuality.toLinkQuality(linkquality.DefaultConfig())
}

// RouterDefaults projects the YAML router overrides onto
// netrom.DefaultConfig(), alongside the selected Mode.
func (c Config) RouterDefaults() (netrom.Mode, netrom.Config) {
	return c.Router.mode(), c.Router.toNetrom(netrom.DefaultConfig())
}

// SchedulerDefaults returns the configured scheduler rate/burst, falling
// back to coordinator.DefaultConfig's 4Hz/burst-8 when unset.
func (c Config) SchedulerDefaults() (rateHz float64, burst int) {
	rateHz, burst = c.Scheduler.RateHz, c.Scheduler.Burst
	if rateHz == 0 {
		rateHz = 4
	}
	if burst == 0 {
		burst = 8
	}
	return rateHz, burst
}

// KISSAddr returns the "host:port" dial target for the configured KISS
// endpoint.
func (c Config) KISSAddr() string {
	return fmt.Sprintf("%s:%d", c.KISS.Host, c.KISS.Port)
}
