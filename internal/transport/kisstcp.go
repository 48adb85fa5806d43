// Package transport implements the external-collaborator side of the
// daemon: a KISS-over-TCP client dialing out to a TNC (Direwolf,
// soundmodem, or similar), grounded on the teacher's own kissnet.go
// framing but inverted from server to client since this module is the
// application attaching to someone else's TNC, not the TNC itself.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/axterm-go/engine/internal/ax25"
	"github.com/axterm-go/engine/internal/scheduler"
)

// FrameHandler is the single method transport needs from the
// coordinator: hand it a decoded packet plus the time it arrived. A
// narrow interface here keeps this package independent of
// internal/coordinator's other state.
type FrameHandler interface {
	HandleFrame(pkt *ax25.Packet, now time.Time) error
}

// Config parameterizes the KISS-TCP client.
type Config struct {
	Addr         string        // "host:port" of the KISS TNC.
	Channel      int           // KISS port/channel number, per kissnet.go's per-radio-channel convention.
	DialTimeout  time.Duration
	ReadBufSize  int
	PollInterval time.Duration // how often the writer checks the scheduler for a frame to dequeue.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// DefaultConfig returns reasonable client defaults.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:         addr,
		Channel:      0,
		DialTimeout:  10 * time.Second,
		ReadBufSize:  4096,
		PollInterval: 50 * time.Millisecond,
		ReconnectMin: 1 * time.Second,
		ReconnectMax: 30 * time.Second,
	}
}

// Client owns one TCP connection to a KISS TNC: a reader goroutine that
// decodes inbound KISS frames into ax25.Packet and hands them to the
// coordinator, and a writer goroutine that drains the scheduler's queue
// onto the wire. Run supervises both with an errgroup so either
// goroutine's failure tears down the other instead of leaking it.
type Client struct {
	cfg       Config
	handler   FrameHandler
	scheduler *scheduler.Scheduler
	logger    *log.Logger
}

// New constructs a KISS-TCP client. logger defaults to log.Default() if
// nil.
func New(cfg Config, handler FrameHandler, sched *scheduler.Scheduler, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		cfg:       cfg,
		handler:   handler,
		scheduler: sched,
		logger:    logger.With("component", "transport.kisstcp"),
	}
}

// Run dials cfg.Addr and serves until ctx is cancelled, reconnecting
// with exponential backoff (bounded by ReconnectMin/ReconnectMax) on any
// connection failure. It returns only when ctx is done; every dial or
// connection error is logged and retried.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.ReconnectMin
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			c.logger.Error("connection lost, reconnecting", "addr", c.cfg.Addr, "err", err, "backoff", backoff)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.ReconnectMax {
			backoff = c.cfg.ReconnectMax
		}
	}
}

// runOnce dials once and serves the connection until it fails or ctx is
// cancelled.
func (c *Client) runOnce(ctx context.Context) error {
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("transport: dialing %s: %w", c.cfg.Addr, err)
	}
	defer conn.Close()
	c.logger.Info("connected to KISS TNC", "addr", c.cfg.Addr, "channel", c.cfg.Channel)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return c.readLoop(egCtx, conn) })
	eg.Go(func() error { return c.writeLoop(egCtx, conn) })

	go func() {
		<-egCtx.Done()
		conn.Close() // unblocks any in-flight Read.
	}()

	return eg.Wait()
}

// readLoop decodes inbound KISS frames and hands AX.25 data frames to the
// coordinator.
func (c *Client) readLoop(ctx context.Context, conn net.Conn) error {
	decoder := ax25.NewKISSDecoder()
	buf := make([]byte, c.cfg.ReadBufSize)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n, err := conn.Read(buf)
		if err != nil {
			return fmt.Errorf("transport: read: %w", err)
		}

		now := time.Now()
		for _, frame := range decoder.Feed(buf[:n]) {
			if frame.Command != ax25.KISSCmdDataFrame {
				continue // TNC hardware-config echoes are not protocol traffic.
			}
			pkt, decodeErr := ax25.DecodeFrame(frame.Port, frame.Payload, now)
			if decodeErr != nil {
				c.logger.Warn("dropping undecodable frame", "err", decodeErr)
				continue
			}
			if handleErr := c.handler.HandleFrame(pkt, now); handleErr != nil {
				c.logger.Warn("coordinator rejected frame", "err", handleErr)
			}
		}
	}
}

// writeLoop drains the scheduler's queue onto the wire at PollInterval,
// marking each frame sent once the write succeeds. This is the only
// place MarkSent is ever called — the coordinator only enqueues.
func (c *Client) writeLoop(ctx context.Context, conn net.Conn) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := time.Now()
			for {
				frame, ok := c.scheduler.Dequeue(now)
				if !ok {
					break
				}
				wire := ax25.EncodeKISS(c.cfg.Channel, ax25.KISSCmdDataFrame, frame.Payload)
				if _, err := conn.Write(wire); err != nil {
					c.scheduler.RequeueForRetry(frame.ID)
					return fmt.Errorf("transport: write: %w", err)
				}
				c.scheduler.MarkSent(frame.ID, now)
			}
		}
	}
}
