package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tinytelemetry/relayd/internal/model"
)

var (
	// ErrClosed is returned by Put after Close, and by Get once a closed
	// queue is drained.
	ErrClosed = errors.New("queue: closed")
	// ErrFull is returned by Put when a bounded queue with the drop-newest
	// policy is at capacity. The measurement is not enqueued.
	ErrFull = errors.New("queue: full")
)

// Policy decides what Put does when a bounded queue is full.
type Policy string

const (
	DropNewest Policy = "drop-newest"
	DropOldest Policy = "drop-oldest"
	Block      Policy = "block"
)

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case DropNewest, DropOldest, Block:
		return p, nil
	case "":
		return DropNewest, nil
	default:
		return "", fmt.Errorf("queue: unknown overflow policy %q", s)
	}
}

// Journal is the durable log a queue can write through.
type Journal interface {
	Append(m *model.ReceivedMeasurement) (uint64, error)
	Commit(seq uint64) error
	Replay(fn func(seq uint64, m *model.ReceivedMeasurement) error) error
}

// Config holds tunable parameters for the queue.
type Config struct {
	// Capacity bounds the number of queued measurements. Zero means unbounded.
	Capacity int
	Policy   Policy
	Journal  Journal
	Logger   *zap.Logger
}

// Queue is a FIFO of received measurements shared by every agent connection
// (producers) and the forwarder (single consumer).
type Queue struct {
	mu       sync.Mutex
	items    []model.ReceivedMeasurement
	capacity int
	policy   Policy
	journal  Journal
	logger   *zap.Logger

	// changed is closed and replaced on every state change; waiters select
	// on the channel they saw while holding mu.
	changed chan struct{}
	closed  bool
	dropped uint64
}

// New creates a queue. With a journal, uncommitted entries are replayed into
// the queue in their original order.
func New(cfg Config) (*Queue, error) {
	if cfg.Capacity < 0 {
		return nil, fmt.Errorf("queue: negative capacity %d", cfg.Capacity)
	}
	policy, err := ParsePolicy(string(cfg.Policy))
	if err != nil {
		return nil, err
	}
	if policy == Block && cfg.Capacity == 0 {
		return nil, errors.New("queue: block policy requires a capacity")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	q := &Queue{
		capacity: cfg.Capacity,
		policy:   policy,
		journal:  cfg.Journal,
		logger:   logger,
		changed:  make(chan struct{}),
	}

	if q.journal != nil {
		err := q.journal.Replay(func(seq uint64, m *model.ReceivedMeasurement) error {
			item := *m
			item.Seq = seq
			q.items = append(q.items, item)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("queue: replay journal: %w", err)
		}
		if n := len(q.items); n > 0 {
			q.logger.Info("restored measurements from journal", zap.Int("count", n))
		}
	}
	return q, nil
}

// Put appends m. When the queue is full the configured policy applies.
func (q *Queue) Put(ctx context.Context, m model.ReceivedMeasurement) error {
	q.mu.Lock()
	for !q.closed && q.full() {
		switch q.policy {
		case DropNewest:
			q.dropped++
			q.mu.Unlock()
			return ErrFull
		case DropOldest:
			evicted := q.popLocked()
			q.dropped++
			q.commitLocked(evicted)
		case Block:
			wait := q.changed
			q.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-wait:
			}
			q.mu.Lock()
		}
	}
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	m.Measurement = m.Measurement.Clone()
	if q.journal != nil {
		seq, err := q.journal.Append(&m)
		if err != nil {
			return fmt.Errorf("queue: journal append: %w", err)
		}
		m.Seq = seq
	}
	q.items = append(q.items, m)
	q.broadcastLocked()
	return nil
}

// Get removes and returns the oldest measurement, waiting while the queue is
// empty.
func (q *Queue) Get(ctx context.Context) (model.ReceivedMeasurement, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			m := q.popLocked()
			q.broadcastLocked()
			q.mu.Unlock()
			return m, nil
		}
		if q.closed {
			q.mu.Unlock()
			return model.ReceivedMeasurement{}, ErrClosed
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return model.ReceivedMeasurement{}, ctx.Err()
		case <-wait:
		}
	}
}

// Ack marks m as handled so a journaled queue will not replay it. Call it
// once the forwarder is done with m, whether it was written or skipped.
func (q *Queue) Ack(m model.ReceivedMeasurement) error {
	if q.journal == nil || m.Seq == 0 {
		return nil
	}
	if err := q.journal.Commit(m.Seq); err != nil {
		return fmt.Errorf("queue: journal commit: %w", err)
	}
	return nil
}

// Len returns the number of queued measurements.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many measurements the overflow policy discarded.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Capacity returns the configured bound, zero for unbounded.
func (q *Queue) Capacity() int { return q.capacity }

// Close rejects further Puts and wakes every waiter. Queued measurements can
// still be drained with Get.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}

func (q *Queue) full() bool {
	return q.capacity > 0 && len(q.items) >= q.capacity
}

func (q *Queue) popLocked() model.ReceivedMeasurement {
	m := q.items[0]
	q.items[0] = model.ReceivedMeasurement{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return m
}

func (q *Queue) commitLocked(m model.ReceivedMeasurement) {
	if q.journal == nil || m.Seq == 0 {
		return
	}
	if err := q.journal.Commit(m.Seq); err != nil {
		q.logger.Warn("journal commit of evicted measurement failed", zap.Uint64("seq", m.Seq), zap.Error(err))
	}
}

func (q *Queue) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}
