package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tinytelemetry/relayd/internal/journal"
	"github.com/tinytelemetry/relayd/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func item(source string) model.ReceivedMeasurement {
	return model.ReceivedMeasurement{
		Measurement: model.Measurement{
			Source: source,
			Values: map[string]float64{"v": 1},
		},
	}
}

func mustNew(t *testing.T, cfg Config) *Queue {
	t.Helper()
	q, err := New(cfg)
	require.NoError(t, err)
	return q
}

func TestFIFOOrder(t *testing.T) {
	t.Parallel()

	q := mustNew(t, Config{})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Put(ctx, item(fmt.Sprint(i))))
	}
	require.Equal(t, 5, q.Len())

	for i := 0; i < 5; i++ {
		m, err := q.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(i), m.Source)
	}
	assert.Equal(t, 0, q.Len())
}

func TestPutCopiesValues(t *testing.T) {
	t.Parallel()

	q := mustNew(t, Config{})
	ctx := context.Background()
	m := item("node01")
	require.NoError(t, q.Put(ctx, m))

	m.Values["v"] = 99
	m.Values["extra"] = 1

	got, err := q.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"v": 1}, got.Values)
}

func TestGetSuspendsUntilPut(t *testing.T) {
	t.Parallel()

	q := mustNew(t, Config{})
	got := make(chan model.ReceivedMeasurement, 1)
	go func() {
		m, err := q.Get(context.Background())
		if err == nil {
			got <- m
		}
	}()

	select {
	case m := <-got:
		t.Fatalf("Get returned %+v from an empty queue", m)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, q.Put(context.Background(), item("late")))
	select {
	case m := <-got:
		assert.Equal(t, "late", m.Source)
	case <-time.After(2 * time.Second):
		t.Fatal("Get did not wake after Put")
	}
}

func TestGetHonoursContext(t *testing.T) {
	t.Parallel()

	q := mustNew(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseDrainsThenReportsClosed(t *testing.T) {
	t.Parallel()

	q := mustNew(t, Config{})
	ctx := context.Background()
	require.NoError(t, q.Put(ctx, item("a")))
	q.Close()
	q.Close()

	assert.ErrorIs(t, q.Put(ctx, item("b")), ErrClosed)

	m, err := q.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", m.Source)

	_, err = q.Get(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseWakesWaitingGet(t *testing.T) {
	t.Parallel()

	q := mustNew(t, Config{})
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Get(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not wake Get")
	}
}

func TestOverflowPolicies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		policy      Policy
		wantPutErr  error
		wantSources []string
	}{
		{
			name:        "drop newest rejects the incoming measurement",
			policy:      DropNewest,
			wantPutErr:  ErrFull,
			wantSources: []string{"a", "b"},
		},
		{
			name:        "drop oldest evicts the head",
			policy:      DropOldest,
			wantSources: []string{"b", "c"},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			q := mustNew(t, Config{Capacity: 2, Policy: tt.policy})
			ctx := context.Background()
			require.NoError(t, q.Put(ctx, item("a")))
			require.NoError(t, q.Put(ctx, item("b")))

			err := q.Put(ctx, item("c"))
			if tt.wantPutErr != nil {
				assert.ErrorIs(t, err, tt.wantPutErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, uint64(1), q.Dropped())

			var sources []string
			for q.Len() > 0 {
				m, err := q.Get(ctx)
				require.NoError(t, err)
				sources = append(sources, m.Source)
			}
			assert.Equal(t, tt.wantSources, sources)
		})
	}
}

func TestBlockPolicyWaitsForRoom(t *testing.T) {
	t.Parallel()

	q := mustNew(t, Config{Capacity: 1, Policy: Block})
	ctx := context.Background()
	require.NoError(t, q.Put(ctx, item("a")))

	done := make(chan error, 1)
	go func() { done <- q.Put(ctx, item("b")) }()

	select {
	case err := <-done:
		t.Fatalf("Put on a full blocking queue returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	m, err := q.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", m.Source)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked Put did not resume")
	}
	assert.Equal(t, uint64(0), q.Dropped())
}

func TestBlockPolicyHonoursContext(t *testing.T) {
	t.Parallel()

	q := mustNew(t, Config{Capacity: 1, Policy: Block})
	require.NoError(t, q.Put(context.Background(), item("a")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Put(ctx, item("b")), context.DeadlineExceeded)
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Capacity: -1})
	assert.Error(t, err)

	_, err = New(Config{Policy: Block})
	assert.Error(t, err)

	_, err = New(Config{Policy: "drop-random"})
	assert.Error(t, err)
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()

	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, DropNewest, p)

	p, err = ParsePolicy("drop-oldest")
	require.NoError(t, err)
	assert.Equal(t, DropOldest, p)
}

func TestConcurrentProducersEachItemDeliveredOnce(t *testing.T) {
	t.Parallel()

	const producers, perProducer = 8, 250
	q := mustNew(t, Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_ = q.Put(ctx, item(fmt.Sprintf("%d-%d", p, i)))
			}
		}(p)
	}

	seen := make(map[string]int)
	lastPerProducer := make(map[string]int)
	for n := 0; n < producers*perProducer; n++ {
		m, err := q.Get(ctx)
		require.NoError(t, err)
		seen[m.Source]++

		var p, i int
		_, err = fmt.Sscanf(m.Source, "%d-%d", &p, &i)
		require.NoError(t, err)
		key := fmt.Sprint(p)
		if last, ok := lastPerProducer[key]; ok {
			require.Greater(t, i, last, "producer %d order", p)
		}
		lastPerProducer[key] = i
	}
	wg.Wait()

	assert.Len(t, seen, producers*perProducer)
	for src, n := range seen {
		assert.Equal(t, 1, n, "measurement %s", src)
	}
}

func TestJournaledQueueReplaysUnacked(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "queue.journal")
	ctx := context.Background()

	j, err := journal.Open(path, journal.Options{})
	require.NoError(t, err)
	q := mustNew(t, Config{Journal: j})
	for _, src := range []string{"a", "b", "c"} {
		require.NoError(t, q.Put(ctx, item(src)))
	}
	m, err := q.Get(ctx)
	require.NoError(t, err)
	require.NotZero(t, m.Seq)
	require.NoError(t, q.Ack(m))
	require.NoError(t, j.Close())

	j2, err := journal.Open(path, journal.Options{})
	require.NoError(t, err)
	defer func() { _ = j2.Close() }()

	q2 := mustNew(t, Config{Journal: j2})
	require.Equal(t, 2, q2.Len())
	for _, want := range []string{"b", "c"} {
		m, err := q2.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, m.Source)
	}
}

type failingJournal struct{}

func (failingJournal) Append(*model.ReceivedMeasurement) (uint64, error) {
	return 0, errors.New("disk full")
}
func (failingJournal) Commit(uint64) error { return nil }
func (failingJournal) Replay(func(uint64, *model.ReceivedMeasurement) error) error {
	return nil
}

func TestPutReportsJournalFailure(t *testing.T) {
	t.Parallel()

	q := mustNew(t, Config{Journal: failingJournal{}})
	err := q.Put(context.Background(), item("a"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 0, q.Len())
}
