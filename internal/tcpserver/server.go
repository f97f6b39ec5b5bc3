package tcpserver

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/tinytelemetry/relayd/internal/model"
	"github.com/tinytelemetry/relayd/internal/queue"
	"github.com/tinytelemetry/relayd/internal/wire"
)

// Enqueuer receives every decoded measurement.
type Enqueuer interface {
	Put(ctx context.Context, m model.ReceivedMeasurement) error
}

// ServerConfig holds tunable parameters for the TCP server.
type ServerConfig struct {
	// MaxFrameSize is the largest accepted frame payload in bytes.
	MaxFrameSize int
	// ReadTimeout closes a connection that sends nothing for this long.
	// Zero disables the timeout.
	ReadTimeout time.Duration
	Codec       wire.Codec
}

// Stats is a snapshot of acceptor counters.
type Stats struct {
	Connections int64  `json:"connections"`
	Accepted    uint64 `json:"accepted"`
	Received    uint64 `json:"received"`
	Malformed   uint64 `json:"malformed"`
	Dropped     uint64 `json:"dropped"`
	// Failed counts measurements the queue rejected with an error, such as
	// a failed journal write.
	Failed uint64 `json:"enqueue_failed"`
}

// Server accepts agent connections and decodes framed measurements into an
// Enqueuer.
type Server struct {
	listener     net.Listener
	addr         string
	sink         Enqueuer
	logger       *zap.Logger
	codec        wire.Codec
	maxFrameSize int
	readTimeout  time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	stopOnce     sync.Once
	stopErr      error

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	active    atomic.Int64
	accepted  atomic.Uint64
	received  atomic.Uint64
	malformed atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewServer creates a new TCP server. Default addr is "127.0.0.1:7999".
func NewServer(addr string, sink Enqueuer, logger *zap.Logger, conf ...ServerConfig) *Server {
	if addr == "" {
		addr = net.JoinHostPort(model.DefaultBindHost, strconv.Itoa(model.DefaultDataPort))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	maxFrameSize := model.DefaultChunkSize
	readTimeout := model.DefaultReadTimeout
	codec := wire.DefaultCodec()
	if len(conf) > 0 {
		if conf[0].MaxFrameSize > 0 {
			maxFrameSize = conf[0].MaxFrameSize
		}
		if conf[0].ReadTimeout >= 0 {
			readTimeout = conf[0].ReadTimeout
		}
		if conf[0].Codec != nil {
			codec = conf[0].Codec
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:         addr,
		sink:         sink,
		logger:       logger,
		codec:        codec,
		maxFrameSize: maxFrameSize,
		readTimeout:  readTimeout,
		ctx:          ctx,
		cancel:       cancel,
		conns:        make(map[net.Conn]struct{}),
	}
}

// Start binds the listen address and begins accepting TCP connections.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.logger.Info("serving on", zap.String("addr", listener.Addr().String()),
		zap.String("codec", s.codec.Name()))

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Serve blocks until ctx is done, then stops the server.
func (s *Server) Serve(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-s.ctx.Done():
	}
	return s.Stop()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	retry := &backoff.Backoff{Min: 5 * time.Millisecond, Max: time.Second}
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			wait := retry.Duration()
			s.logger.Warn("accept failed", zap.Error(err), zap.Duration("retry_in", wait))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		retry.Reset()
		if !s.track(conn) {
			conn.Close()
			return
		}
		s.accepted.Add(1)
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns[conn] = struct{}{}
	s.active.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.active.Add(-1)
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	peer := conn.RemoteAddr().String()
	log := s.logger.With(zap.String("conn", uuid.NewString()), zap.String("peer", peer))
	log.Debug("agent connected")

	r := wire.NewReader(conn, s.codec, s.maxFrameSize)
	for {
		if s.readTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		}
		m, err := r.Next()
		if err != nil {
			var nerr net.Error
			switch {
			case errors.Is(err, io.EOF):
				log.Debug("agent disconnected")
				return
			case s.ctx.Err() != nil:
				return
			case wire.Recoverable(err):
				s.malformed.Add(1)
				log.Warn("dropping malformed measurement", zap.Error(err))
				continue
			case errors.As(err, &nerr) && nerr.Timeout():
				log.Info("agent connection idle, closing", zap.Duration("timeout", s.readTimeout))
				return
			default:
				log.Warn("agent connection read failed", zap.Error(err))
				return
			}
		}

		s.received.Add(1)
		log.Debug("measurement received", zap.String("source", m.Source), zap.Int("values", len(m.Values)))

		item := model.ReceivedMeasurement{
			Measurement: m,
			Peer:        peer,
			ReceivedAt:  time.Now().UTC(),
		}
		if err := s.sink.Put(s.ctx, item); err != nil {
			switch {
			case errors.Is(err, queue.ErrFull):
				s.dropped.Add(1)
				log.Warn("queue full, measurement dropped", zap.String("source", m.Source))
			case errors.Is(err, queue.ErrClosed) || s.ctx.Err() != nil:
				return
			default:
				// The failure belongs to this measurement, not the connection.
				s.failed.Add(1)
				log.Error("enqueue failed, measurement dropped", zap.String("source", m.Source), zap.Error(err))
			}
		}
	}
}

// Stop closes the listener and every open connection, then waits for the
// connection handlers to exit. It is safe to call more than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.cancel()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()

		if s.listener != nil {
			if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				s.stopErr = err
			}
		}
		s.wg.Wait()
	})
	return s.stopErr
}

// Stats returns a snapshot of the acceptor counters.
func (s *Server) Stats() Stats {
	return Stats{
		Connections: s.active.Load(),
		Accepted:    s.accepted.Load(),
		Received:    s.received.Load(),
		Malformed:   s.malformed.Load(),
		Dropped:     s.dropped.Load(),
		Failed:      s.failed.Load(),
	}
}

// Addr returns the active listen address.
// Before Start, it returns the configured address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}
