// Command axtermd is the AXTERM daemon: it attaches to a KISS TNC over
// TCP, runs the session/AXDP protocol stack, and persists routing and
// link-quality state to SQLite between runs.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/axterm-go/engine/internal/ax25"
	"github.com/axterm-go/engine/internal/axdp"
	"github.com/axterm-go/engine/internal/config"
	"github.com/axterm-go/engine/internal/coordinator"
	"github.com/axterm-go/engine/internal/linkquality"
	"github.com/axterm-go/engine/internal/netrom"
	"github.com/axterm-go/engine/internal/persistence"
	"github.com/axterm-go/engine/internal/session"
	"github.com/axterm-go/engine/internal/transport"
)

func main() {
	var (
		configPath   = pflag.StringP("config-file", "c", "axtermd.yaml", "Configuration file name.")
		callsignFlag = pflag.StringP("callsign", "s", "", "Override the configured station callsign.")
		kissAddr     = pflag.StringP("kiss-addr", "k", "", "Override the configured KISS TNC address (host:port).")
		logLevel     = pflag.StringP("log-level", "l", "info", "Log level: debug, info, warn, error.")
		help         = pflag.BoolP("help", "h", false, "Display help text.")
	)

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "axtermd - a packet-radio TNC session daemon.\n\n")
		fmt.Fprintf(os.Stderr, "Usage: axtermd [options]\n\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *help {
		pflag.Usage()
		os.Exit(0)
	}

	logger := log.New(os.Stderr)
	logger.SetLevel(parseLevel(*logLevel))

	if err := run(*configPath, *callsignFlag, *kissAddr, logger); err != nil {
		logger.Error("exiting", "err", err)
		os.Exit(1)
	}
}

func parseLevel(s string) log.Level {
	switch s {
	case "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

func run(configPath, callsignOverride, kissAddrOverride string, logger *log.Logger) error {
	appCfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("axtermd: %w", err)
	}
	if callsignOverride != "" {
		appCfg.Callsign = callsignOverride
	}
	if kissAddrOverride != "" {
		appCfg.KISS.Host, appCfg.KISS.Port = splitHostPort(kissAddrOverride)
	}

	local, err := appCfg.LocalAddress()
	if err != nil {
		return fmt.Errorf("axtermd: invalid callsign: %w", err)
	}

	routerMode, routerCfg := appCfg.RouterDefaults()
	rateHz, burst := appCfg.SchedulerDefaults()
	coordCfg := coordinator.DefaultConfig(local)
	coordCfg.RouterMode = routerMode
	coordCfg.RouterConfig = routerCfg
	coordCfg.LinkQualityConfig = appCfg.LinkQualityDefaults()
	coordCfg.DefaultSessionConfig = appCfg.SessionDefaults()
	coordCfg.SchedulerRateHz = rateHz
	coordCfg.SchedulerBurst = burst

	sink := &logEventSink{logger: logger.With("component", "events")}
	coord, err := coordinator.New(coordCfg, sink, logger)
	if err != nil {
		return fmt.Errorf("axtermd: constructing coordinator: %w", err)
	}

	var store *persistence.Store
	if appCfg.Persistence.Path != "" {
		store, err = persistence.Open(appCfg.Persistence.Path)
		if err != nil {
			return fmt.Errorf("axtermd: opening persistence store: %w", err)
		}
		defer store.Close()
		restoreSnapshot(context.Background(), store, coord, appCfg, logger)
	}

	kissCfg := transport.DefaultConfig(appCfg.KISSAddr())
	kissCfg.Channel = appCfg.KISS.Channel
	if appCfg.KISS.DialTimeout != 0 {
		kissCfg.DialTimeout = appCfg.KISS.DialTimeout
	}
	client := transport.New(kissCfg, coord, coord.Scheduler(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return client.Run(egCtx) })
	eg.Go(func() error { return tickLoop(egCtx, coord) })
	if store != nil {
		eg.Go(func() error { return persistLoop(egCtx, store, coord, appCfg, logger) })
	}

	if err := eg.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func splitHostPort(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return addr, 0
	}
	return host, port
}

// tickLoop drives the coordinator's timer sweep (T1/T2/T3 expiry across
// every session) at a fixed cadence, independent of frame arrival.
func tickLoop(ctx context.Context, coord *coordinator.Coordinator) error {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			coord.Tick(now)
		}
	}
}

// persistLoop snapshots router/link-quality state once a minute and, when
// a retention period is configured, prunes retention-expired rows after
// each successful save.
func persistLoop(ctx context.Context, store *persistence.Store, coord *coordinator.Coordinator, appCfg config.Config, logger *log.Logger) error {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if err := saveSnapshot(ctx, store, coord, appCfg, now); err != nil {
				logger.Warn("snapshot save failed", "err", err)
				continue
			}
			if appCfg.Persistence.RetentionDays > 0 {
				if _, err := store.PruneOldEntries(ctx, appCfg.Persistence.RetentionDays, now); err != nil {
					logger.Warn("retention prune failed", "err", err)
				}
			}
		}
	}
}

func configHash(appCfg config.Config) string {
	b, _ := json.Marshal(appCfg)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func saveSnapshot(ctx context.Context, store *persistence.Store, coord *coordinator.Coordinator, appCfg config.Config, now time.Time) error {
	router := coord.Router()

	neighbors := make([]netrom.Neighbor, 0)
	for _, n := range router.Neighbors() {
		neighbors = append(neighbors, *n)
	}

	routes := make([]netrom.Route, 0)
	for _, r := range router.Routes() {
		routes = append(routes, *r)
	}

	linkStats := make([]persistence.LinkStatRecord, 0)
	for _, ls := range coord.LinkQuality().All() {
		linkStats = append(linkStats, persistence.LinkStatRecord{
			FromCall:         ls.FromCall,
			ToCall:           ls.ToCall,
			Quality:          ls.Quality,
			LastUpdated:      ls.LastUpdated,
			DFEstimate:       ls.DFEstimate,
			DREstimate:       ls.DREstimate,
			DuplicateCount:   ls.DuplicateCount,
			ObservationCount: ls.ObservationCount,
			EWMAQuality:      ls.EWMAQuality,
		})
	}

	return store.SaveSnapshot(ctx, persistence.Snapshot{
		Neighbors:         neighbors,
		Routes:            routes,
		LinkStats:         linkStats,
		ConfigHash:        configHash(appCfg),
		SnapshotTimestamp: now,
	})
}

// restoreSnapshot loads the last persisted snapshot into the router, if
// one exists and its config hash still matches — a hash mismatch means
// the running configuration changed since the last save, which
// LoadSnapshot treats the same as no snapshot at all.
func restoreSnapshot(ctx context.Context, store *persistence.Store, coord *coordinator.Coordinator, appCfg config.Config, logger *log.Logger) {
	maxAge := appCfg.Persistence.MaxAge
	if maxAge == 0 {
		maxAge = 24 * time.Hour
	}
	snap, err := store.LoadSnapshot(ctx, configHash(appCfg), maxAge, time.Now())
	if err != nil {
		logger.Warn("snapshot load failed", "err", err)
		return
	}
	if snap == nil {
		logger.Info("no usable snapshot, starting cold")
		return
	}

	router := coord.Router()
	for _, n := range snap.Neighbors {
		router.RestoreNeighbor(n)
	}
	for _, r := range snap.Routes {
		router.RestoreRoute(r)
	}
	estimator := coord.LinkQuality()
	for _, ls := range snap.LinkStats {
		estimator.Restore(linkquality.LinkStat{
			FromCall:         ls.FromCall,
			ToCall:           ls.ToCall,
			Quality:          ls.Quality,
			LastUpdated:      ls.LastUpdated,
			DFEstimate:       ls.DFEstimate,
			DREstimate:       ls.DREstimate,
			DuplicateCount:   ls.DuplicateCount,
			ObservationCount: ls.ObservationCount,
			EWMAQuality:      ls.EWMAQuality,
		})
	}
	logger.Info("restored snapshot", "neighbors", len(snap.Neighbors), "routes", len(snap.Routes), "linkStats", len(snap.LinkStats))
}

// logEventSink adapts coordinator.EventSink onto structured log lines —
// the daemon's default observer until a richer UI layer subscribes.
type logEventSink struct {
	logger *log.Logger
}

func (s *logEventSink) OnAXDPChatReceived(from ax25.Address, text string) {
	s.logger.Info("chat", "from", from.String(), "text", text)
}

func (s *logEventSink) OnPeerAXDPEnabled(from ax25.Address) {
	s.logger.Info("peer AXDP enabled", "station", from.String())
}

func (s *logEventSink) OnPeerAXDPDisabled(from ax25.Address) {
	s.logger.Info("peer AXDP disabled", "station", from.String())
}

func (s *logEventSink) OnSessionStateChanged(key session.Key, old, new session.State) {
	s.logger.Debug("session state changed", "remote", key.Remote.String(), "old", old, "new", new)
}

func (s *logEventSink) OnDataReceived(key session.Key, data []byte) {
	s.logger.Debug("data received", "remote", key.Remote.String(), "bytes", len(data))
}

func (s *logEventSink) OnIncomingTransferRequest(req axdp.IncomingTransferRequest) {
	s.logger.Info("incoming file transfer", "from", req.From, "file", req.FileName, "size", req.FileSize)
}

func (s *logEventSink) OnTransferProgress(id string, bytesSent, bytesTotal uint64) {
	s.logger.Debug("transfer progress", "id", id, "sent", bytesSent, "total", bytesTotal)
}

func (s *logEventSink) OnTransferCompleted(id string) {
	s.logger.Info("transfer completed", "id", id)
}

func (s *logEventSink) OnTransferFailed(id string, reason error) {
	s.logger.Warn("transfer failed", "id", id, "reason", reason)
}

var _ coordinator.EventSink = (*logEventSink)(nil)
