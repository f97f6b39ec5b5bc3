package tcpserver

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tinytelemetry/relayd/internal/model"
	"github.com/tinytelemetry/relayd/internal/queue"
	"github.com/tinytelemetry/relayd/internal/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu    sync.Mutex
	items []model.ReceivedMeasurement
	err   error
}

func (r *recorder) Put(_ context.Context, m model.ReceivedMeasurement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.items = append(r.items, m)
	return nil
}

func (r *recorder) snapshot() []model.ReceivedMeasurement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.ReceivedMeasurement(nil), r.items...)
}

func sample(source string, v float64) model.Measurement {
	return model.Measurement{
		Source: source,
		SentAt: time.Unix(1700000000, 0).UTC(),
		Values: map[string]float64{"load": v},
	}
}

func startServer(t *testing.T, sink Enqueuer, conf ServerConfig) *Server {
	t.Helper()
	s := NewServer("127.0.0.1:0", sink, nil, conf)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func frame(t *testing.T, m model.Measurement) []byte {
	t.Helper()
	b, err := wire.AppendFrame(nil, wire.DefaultCodec(), m)
	require.NoError(t, err)
	return b
}

func TestNewServer_DefaultLocalhostAddress(t *testing.T) {
	t.Parallel()

	s := NewServer("", &recorder{}, nil)
	if got := s.Addr(); got != "127.0.0.1:7999" {
		t.Fatalf("Addr() = %q, want %q", got, "127.0.0.1:7999")
	}
}

func TestNewServer_UsesConfiguredAddressAndLimits(t *testing.T) {
	t.Parallel()

	s := NewServer("0.0.0.0:5000", &recorder{}, nil, ServerConfig{
		MaxFrameSize: 2048,
		ReadTimeout:  time.Second,
		Codec:        mustCodec(t, wire.CodecMsgpack),
	})

	if got := s.Addr(); got != "0.0.0.0:5000" {
		t.Fatalf("Addr() = %q, want %q", got, "0.0.0.0:5000")
	}
	if got := s.maxFrameSize; got != 2048 {
		t.Fatalf("max frame size = %d, want %d", got, 2048)
	}
	if got := s.codec.Name(); got != wire.CodecMsgpack {
		t.Fatalf("codec = %q, want %q", got, wire.CodecMsgpack)
	}
}

func mustCodec(t *testing.T, name string) wire.Codec {
	t.Helper()
	c, err := wire.CodecByName(name)
	require.NoError(t, err)
	return c
}

func TestMalformedFrameDroppedConnectionStaysOpen(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	s := startServer(t, rec, ServerConfig{ReadTimeout: 5 * time.Second})

	conn, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	defer conn.Close()

	var buf []byte
	buf = wire.AppendRaw(buf, []byte("definitely not cbor \xff\xfe"))
	buf = append(buf, frame(t, sample("node01", 1))...)
	_, err = conn.Write(buf)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err = conn.Write(frame(t, sample("node02", 2)))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)

	items := rec.snapshot()
	assert.Equal(t, "node01", items[0].Source)
	assert.Equal(t, "node02", items[1].Source)
	assert.Equal(t, conn.LocalAddr().String(), items[0].Peer)
	assert.False(t, items[0].ReceivedAt.IsZero())

	st := s.Stats()
	assert.EqualValues(t, 1, st.Malformed)
	assert.EqualValues(t, 2, st.Received)
	assert.EqualValues(t, 1, st.Accepted)
}

func TestOversizedFrameDiscarded(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	s := startServer(t, rec, ServerConfig{MaxFrameSize: 256})

	conn, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	defer conn.Close()

	var buf []byte
	buf = wire.AppendRaw(buf, make([]byte, 1000))
	buf = append(buf, frame(t, sample("after", 3))...)
	_, err = conn.Write(buf)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "after", rec.snapshot()[0].Source)
	assert.EqualValues(t, 1, s.Stats().Malformed)
}

func TestPeerCloseEndsConnection(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	s := startServer(t, rec, ServerConfig{})

	conn, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	_, err = conn.Write(frame(t, sample("node01", 1)))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1 && s.Stats().Connections == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestIdleConnectionTimesOut(t *testing.T) {
	t.Parallel()

	s := startServer(t, &recorder{}, ServerConfig{ReadTimeout: 50 * time.Millisecond})

	conn, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	require.Eventually(t, func() bool { return s.Stats().Connections == 0 }, time.Second, 5*time.Millisecond)
}

func TestFullQueueCountsDrops(t *testing.T) {
	t.Parallel()

	rec := &recorder{err: queue.ErrFull}
	s := startServer(t, rec, ServerConfig{})

	conn, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	defer conn.Close()

	var buf []byte
	buf = append(buf, frame(t, sample("a", 1))...)
	buf = append(buf, frame(t, sample("b", 2))...)
	_, err = conn.Write(buf)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.Stats().Dropped == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 2, s.Stats().Received)
}

// flakySink fails the first Put and accepts the rest.
type flakySink struct {
	recorder
	calls int
}

func (f *flakySink) Put(ctx context.Context, m model.ReceivedMeasurement) error {
	f.mu.Lock()
	f.calls++
	first := f.calls == 1
	f.mu.Unlock()
	if first {
		return errors.New("queue: journal append: disk full")
	}
	return f.recorder.Put(ctx, m)
}

func TestEnqueueErrorDropsOnlyThatMeasurement(t *testing.T) {
	t.Parallel()

	sink := &flakySink{}
	s := startServer(t, sink, ServerConfig{})

	conn, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(frame(t, sample("lost", 1)))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Stats().Failed == 1 }, 2*time.Second, 5*time.Millisecond)

	// Same connection keeps delivering.
	_, err = conn.Write(frame(t, sample("kept", 2)))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, "kept", sink.snapshot()[0].Source)
	st := s.Stats()
	assert.EqualValues(t, 2, st.Received)
	assert.EqualValues(t, 1, st.Connections)
}

func TestStopClosesOpenConnections(t *testing.T) {
	t.Parallel()

	s := NewServer("127.0.0.1:0", &recorder{}, nil, ServerConfig{ReadTimeout: time.Hour})
	require.NoError(t, s.Start())

	conn, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.Stats().Connections == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
	require.NoError(t, s.Stop())

	_, err = net.DialTimeout("tcp", s.Addr(), 200*time.Millisecond)
	assert.Error(t, err)
}
