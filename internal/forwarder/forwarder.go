package forwarder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/tinytelemetry/relayd/internal/graphite"
	"github.com/tinytelemetry/relayd/internal/model"
)

// Source is the queue side the forwarder drains.
type Source interface {
	Get(ctx context.Context) (model.ReceivedMeasurement, error)
	Ack(m model.ReceivedMeasurement) error
}

// Dialer opens the outbound connection. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// State is the forwarder's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Config holds tunable parameters for the forwarder.
type Config struct {
	Addr          string
	RetryInterval time.Duration
	DialTimeout   time.Duration
	WriteTimeout  time.Duration
}

// Stats is a snapshot of forwarder counters.
type Stats struct {
	State         string `json:"state"`
	Forwarded     uint64 `json:"forwarded"`
	Unsuitable    uint64 `json:"unsuitable"`
	WriteFailures uint64 `json:"write_failures"`
	DialAttempts  uint64 `json:"dial_attempts"`
	Connects      uint64 `json:"connects"`
}

// errConnLost ends one connected session so Run dials again.
var errConnLost = errors.New("forwarder: sink connection lost")

// Forwarder keeps one outbound connection to the carbon receiver and writes
// every queued measurement to it in FIFO order.
type Forwarder struct {
	source  Source
	dialer  Dialer
	encoder graphite.Encoder
	logger  *zap.Logger
	cfg     Config

	sleep func(ctx context.Context, d time.Duration) error

	state         atomic.Int32
	forwarded     atomic.Uint64
	unsuitable    atomic.Uint64
	writeFailures atomic.Uint64
	dialAttempts  atomic.Uint64
	connects      atomic.Uint64
}

// New creates a forwarder. A nil dialer uses net.Dialer.
func New(source Source, dialer Dialer, encoder graphite.Encoder, logger *zap.Logger, cfg Config) *Forwarder {
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = model.DefaultRetryInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = model.DefaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = model.DefaultWriteTimeout
	}
	return &Forwarder{
		source:  source,
		dialer:  dialer,
		encoder: encoder,
		logger:  logger,
		cfg:     cfg,
		sleep:   sleepCtx,
	}
}

// Run drives the forwarder until ctx is cancelled or the source reports an
// error other than a lost connection. It never gives up on the sink.
func (f *Forwarder) Run(ctx context.Context) error {
	defer f.state.Store(int32(StateDisconnected))
	for {
		conn, err := f.connect(ctx)
		if err != nil {
			return err
		}
		err = f.pump(ctx, conn)
		_ = conn.Close()
		f.state.Store(int32(StateDisconnected))

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, errConnLost) {
			return err
		}
		f.logger.Warn("sink connection lost, reconnecting", zap.String("addr", f.cfg.Addr))
	}
}

// State returns the current connection state.
func (f *Forwarder) State() State { return State(f.state.Load()) }

// Stats returns a snapshot of the counters.
func (f *Forwarder) Stats() Stats {
	return Stats{
		State:         f.State().String(),
		Forwarded:     f.forwarded.Load(),
		Unsuitable:    f.unsuitable.Load(),
		WriteFailures: f.writeFailures.Load(),
		DialAttempts:  f.dialAttempts.Load(),
		Connects:      f.connects.Load(),
	}
}

func (f *Forwarder) connect(ctx context.Context) (net.Conn, error) {
	f.logger.Info("connecting to sink", zap.String("addr", f.cfg.Addr), zap.String("protocol", f.encoder.Name()))

	// Factor 1 keeps the interval constant; retry state does not grow.
	retry := &backoff.Backoff{Min: f.cfg.RetryInterval, Max: f.cfg.RetryInterval, Factor: 1}
	for {
		f.state.Store(int32(StateConnecting))
		f.dialAttempts.Add(1)

		dialCtx, cancel := context.WithTimeout(ctx, f.cfg.DialTimeout)
		conn, err := f.dialer.DialContext(dialCtx, "tcp", f.cfg.Addr)
		cancel()
		if err == nil {
			f.connects.Add(1)
			f.logger.Info("connected to sink", zap.String("addr", f.cfg.Addr))
			f.state.Store(int32(StateConnected))
			return conn, nil
		}
		f.state.Store(int32(StateDisconnected))
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		wait := retry.Duration()
		if errors.Is(err, syscall.ECONNREFUSED) {
			f.logger.Info("sink refused connection, retrying", zap.String("addr", f.cfg.Addr), zap.Duration("in", wait))
		} else {
			f.logger.Warn("sink dial failed, retrying", zap.String("addr", f.cfg.Addr), zap.Duration("in", wait), zap.Error(err))
		}
		if err := f.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// pump moves measurements from the source to conn until the connection is
// lost, ctx ends, or the source fails.
func (f *Forwarder) pump(ctx context.Context, conn net.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go watchClose(conn, cancel)

	for {
		m, err := f.source.Get(connCtx)
		if err != nil {
			if ctx.Err() == nil && connCtx.Err() != nil {
				return errConnLost
			}
			return err
		}
		if err := f.forward(conn, m); err != nil {
			return err
		}
	}
}

// forward writes one measurement. Only a write failure is returned; the
// measurement is acknowledged either way (at-most-once delivery).
func (f *Forwarder) forward(conn net.Conn, m model.ReceivedMeasurement) error {
	defer func() {
		if err := f.source.Ack(m); err != nil {
			f.logger.Warn("acknowledging measurement failed", zap.Error(err))
		}
	}()

	out := m.Measurement
	if out.SentAt.IsZero() {
		out.SentAt = m.ReceivedAt
	}
	data, err := f.encoder.Encode(out)
	if err != nil {
		f.unsuitable.Add(1)
		f.logger.Error("cannot convert measurement", zap.String("source", m.Source), zap.String("peer", m.Peer), zap.Error(err))
		return nil
	}

	f.logger.Debug("to sink", zap.String("source", m.Source), zap.Int("bytes", len(data)))
	if err := conn.SetWriteDeadline(time.Now().Add(f.cfg.WriteTimeout)); err != nil {
		f.writeFailures.Add(1)
		return fmt.Errorf("%w: %v", errConnLost, err)
	}
	if _, err := conn.Write(data); err != nil {
		f.writeFailures.Add(1)
		f.logger.Warn("write to sink failed, measurement dropped", zap.String("source", m.Source), zap.Error(err))
		return fmt.Errorf("%w: %v", errConnLost, err)
	}
	f.forwarded.Add(1)
	return nil
}

// watchClose cancels the session when the sink closes the connection.
// Carbon receivers never reply, so anything read is discarded.
func watchClose(conn net.Conn, cancel context.CancelFunc) {
	defer cancel()
	buf := make([]byte, 512)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
