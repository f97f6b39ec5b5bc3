// Package relay wires the acceptor, the queue and the forwarder into one
// supervised process.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/relayd/internal/forwarder"
	"github.com/tinytelemetry/relayd/internal/graphite"
	"github.com/tinytelemetry/relayd/internal/journal"
	"github.com/tinytelemetry/relayd/internal/queue"
	"github.com/tinytelemetry/relayd/internal/supervise"
	"github.com/tinytelemetry/relayd/internal/tcpserver"
)

// ErrAlreadyRan is returned by a second call to Run.
var ErrAlreadyRan = errors.New("relay: already ran")

// Config holds everything needed to build a Relay.
type Config struct {
	ListenAddr string
	Server     tcpserver.ServerConfig

	QueueCapacity  int
	OverflowPolicy queue.Policy
	// JournalPath enables the queue journal when non-empty.
	JournalPath string

	Forwarder forwarder.Config
	Encoder   graphite.Encoder
	// Dialer overrides the outbound dialer. Nil uses net.Dialer.
	Dialer forwarder.Dialer

	RestartInterval time.Duration
}

// Stats is a point-in-time view of the whole relay.
type Stats struct {
	ListenAddr    string          `json:"listen_addr"`
	SinkAddr      string          `json:"sink_addr"`
	SinkProtocol  string          `json:"sink_protocol"`
	StartedAt     time.Time       `json:"started_at"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	QueueLength   int             `json:"queue_length"`
	QueueCapacity int             `json:"queue_capacity"`
	QueueDropped  uint64          `json:"queue_dropped"`
	Restarts      uint64          `json:"task_restarts"`
	Acceptor      tcpserver.Stats `json:"acceptor"`
	Forwarder     forwarder.Stats `json:"forwarder"`
	// Journal is nil when the queue is not journaled.
	Journal *journal.Stats `json:"journal,omitempty"`
}

type task struct {
	name string
	fn   supervise.Task
}

// Relay owns the queue, the connection acceptor and the forwarder.
type Relay struct {
	cfg     Config
	logger  *zap.Logger
	queue   *queue.Queue
	journal *journal.Journal
	server  *tcpserver.Server
	fwd     *forwarder.Forwarder

	mu      sync.Mutex
	tasks   []task
	started time.Time
	ran     bool

	restarts atomic.Uint64
}

// New builds a relay. The listener is not bound until Run.
func New(cfg Config, logger *zap.Logger) (*Relay, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Encoder == nil {
		return nil, errors.New("relay: no sink encoder")
	}

	r := &Relay{cfg: cfg, logger: logger}

	var j queue.Journal
	if cfg.JournalPath != "" {
		jr, err := journal.Open(cfg.JournalPath, journal.Options{Logger: logger.Named("journal")})
		if err != nil {
			return nil, fmt.Errorf("relay: open journal: %w", err)
		}
		r.journal = jr
		j = jr
	}

	q, err := queue.New(queue.Config{
		Capacity: cfg.QueueCapacity,
		Policy:   cfg.OverflowPolicy,
		Journal:  j,
		Logger:   logger.Named("queue"),
	})
	if err != nil {
		if r.journal != nil {
			_ = r.journal.Close()
		}
		return nil, err
	}
	r.queue = q

	r.server = tcpserver.NewServer(cfg.ListenAddr, q, logger.Named("acceptor"), cfg.Server)
	r.fwd = forwarder.New(q, cfg.Dialer, cfg.Encoder, logger.Named("forwarder"), cfg.Forwarder)

	r.SubmitTask("forwarder", func(ctx context.Context) error {
		err := r.fwd.Run(ctx)
		if errors.Is(err, queue.ErrClosed) {
			return nil
		}
		return err
	})
	return r, nil
}

// SubmitTask registers a long-lived task to run under supervision. Tasks
// submitted after Run has started are ignored.
func (r *Relay) SubmitTask(name string, fn supervise.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ran {
		r.logger.Warn("task submitted after start, ignored", zap.String("task", name))
		return
	}
	r.tasks = append(r.tasks, task{name: name, fn: fn})
}

// Run binds the acceptor and runs every submitted task until ctx is done.
// On return the acceptor is stopped, the queue is closed and the journal,
// if any, is flushed.
func (r *Relay) Run(ctx context.Context) (err error) {
	r.mu.Lock()
	if r.ran {
		r.mu.Unlock()
		return ErrAlreadyRan
	}
	r.ran = true
	tasks := append([]task(nil), r.tasks...)
	r.mu.Unlock()

	defer func() {
		r.queue.Close()
		if r.journal != nil {
			err = multierr.Append(err, r.journal.Close())
		}
	}()

	if err := r.server.Start(); err != nil {
		return fmt.Errorf("relay: start acceptor: %w", err)
	}

	r.mu.Lock()
	r.started = time.Now()
	r.mu.Unlock()

	opts := supervise.Options{
		RestartInterval: r.cfg.RestartInterval,
		OnRestart: func(string, error) {
			r.restarts.Add(1)
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.server.Serve(gctx)
	})
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			return supervise.Run(gctx, t.name, t.fn, r.logger, opts)
		})
	}

	err = g.Wait()
	return multierr.Append(err, r.server.Stop())
}

// Addr returns the acceptor's listen address.
func (r *Relay) Addr() string { return r.server.Addr() }

// Stats returns a snapshot of every relay counter.
func (r *Relay) Stats() Stats {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()

	st := Stats{
		ListenAddr:    r.server.Addr(),
		SinkAddr:      r.cfg.Forwarder.Addr,
		SinkProtocol:  r.cfg.Encoder.Name(),
		StartedAt:     started,
		QueueLength:   r.queue.Len(),
		QueueCapacity: r.queue.Capacity(),
		QueueDropped:  r.queue.Dropped(),
		Restarts:      r.restarts.Load(),
		Acceptor:      r.server.Stats(),
		Forwarder:     r.fwd.Stats(),
	}
	if r.journal != nil {
		js := r.journal.Stats()
		st.Journal = &js
	}
	if !started.IsZero() {
		st.UptimeSeconds = int64(time.Since(started) / time.Second)
	}
	return st
}
