package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkmd/internal/logging"
	"pkmd/internal/visit"
)

type recordingAnalyzer struct {
	mu    sync.Mutex
	seen  []string
	fail  map[string]bool
	done  chan string
	delay time.Duration
}

func newRecordingAnalyzer() *recordingAnalyzer {
	return &recordingAnalyzer{fail: map[string]bool{}, done: make(chan string, 64)}
}

func (a *recordingAnalyzer) Analyze(_ context.Context, v visit.Visit) error {
	if a.delay > 0 {
		time.Sleep(a.delay)
	}
	a.mu.Lock()
	a.seen = append(a.seen, v.URL)
	shouldFail := a.fail[v.URL]
	a.mu.Unlock()
	a.done <- v.URL
	if shouldFail {
		return fmt.Errorf("analysis blew up for %s", v.URL)
	}
	return nil
}

func (a *recordingAnalyzer) order() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.seen...)
}

func waitFor(t *testing.T, a *recordingAnalyzer, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-a.done:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for item %d of %d", i+1, n)
		}
	}
}

func testVisit(url string) visit.Visit {
	return visit.Visit{ID: visit.ID(url, "2024-01-15T10:00:00Z"), URL: url}
}

func TestEnqueueOrderIsAnalysisOrder(t *testing.T) {
	a := newRecordingAnalyzer()
	q := New(a, Config{BatchSize: 3, BatchTimeout: 50 * time.Millisecond}, logging.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Run(ctx) }()

	var want []string
	for i := 0; i < 7; i++ {
		url := fmt.Sprintf("https://example.com/%d", i)
		want = append(want, url)
		pos, err := q.Enqueue(testVisit(url))
		require.NoError(t, err)
		assert.Greater(t, pos, 0)
	}

	waitFor(t, a, 7)
	assert.Equal(t, want, a.order())
}

func TestFirstEnqueueReportsPositionOne(t *testing.T) {
	a := newRecordingAnalyzer()
	q := New(a, DefaultConfig(), logging.Nop(), nil)

	pos, err := q.Enqueue(testVisit("https://example.com"))
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
}

func TestBatchItemFailureDoesNotStopBatch(t *testing.T) {
	a := newRecordingAnalyzer()
	a.fail["https://bad"] = true
	q := New(a, Config{BatchSize: 3, BatchTimeout: 50 * time.Millisecond}, logging.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Run(ctx) }()

	for _, url := range []string{"https://ok1", "https://bad", "https://ok2"} {
		_, err := q.Enqueue(testVisit(url))
		require.NoError(t, err)
	}

	waitFor(t, a, 3)
	assert.Equal(t, []string{"https://ok1", "https://bad", "https://ok2"}, a.order())
}

func TestEnqueueAfterShutdownFails(t *testing.T) {
	a := newRecordingAnalyzer()
	q := New(a, DefaultConfig(), logging.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- q.Run(ctx) }()

	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	_, err := q.Enqueue(testVisit("https://late"))
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestOrphanTickRuns(t *testing.T) {
	a := newRecordingAnalyzer()
	ticks := make(chan struct{}, 8)
	q := New(a, DefaultConfig(), logging.Nop(), func(context.Context) {
		select {
		case ticks <- struct{}{}:
		default:
		}
	})
	q.tickEvery = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Run(ctx) }()

	select {
	case <-ticks:
	case <-time.After(2 * time.Second):
		t.Fatal("retry tick never fired")
	}
}

func TestDepth(t *testing.T) {
	a := newRecordingAnalyzer()
	q := New(a, DefaultConfig(), logging.Nop(), nil)

	_, _ = q.Enqueue(testVisit("https://a"))
	_, _ = q.Enqueue(testVisit("https://b"))
	assert.Equal(t, 2, q.Depth())
}
