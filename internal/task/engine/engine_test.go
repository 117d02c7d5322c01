package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"nagbot/internal/eventbus"
	logx "nagbot/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestKeyGatingSkipsBusyKey(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 2, QueueSize: 8})
	release := make(chan struct{})
	started := make(chan struct{})
	err := s.Enqueue(Task{Name: "fire", Key: "r1", Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}})
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	<-started

	if err := s.Enqueue(Task{Name: "fire", Key: "r1", Run: func(ctx context.Context) error { return nil }}); !errors.Is(err, ErrKeyBusy) {
		t.Fatalf("second Enqueue err = %v, want ErrKeyBusy", err)
	}
	var other atomic.Bool
	if err := s.Enqueue(Task{Name: "fire", Key: "r2", Run: func(ctx context.Context) error { other.Store(true); return nil }}); err != nil {
		t.Fatalf("other key Enqueue error: %v", err)
	}
	waitFor(t, other.Load)

	close(release)
	waitFor(t, func() bool { return !s.Busy("r1") })
	if err := s.Enqueue(Task{Name: "fire", Key: "r1", Run: func(ctx context.Context) error { return nil }}); err != nil {
		t.Fatalf("Enqueue after release error: %v", err)
	}
	if s.Snapshot().Skipped != 1 {
		t.Fatalf("Skipped = %d, want 1", s.Snapshot().Skipped)
	}
}

func TestTimeoutCancelsTask(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 4, DefaultTimeout: 20 * time.Millisecond})
	done := make(chan error, 1)
	_ = s.Enqueue(Task{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		done <- ctx.Err()
		return ctx.Err()
	}})
	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("ctx err = %v, want DeadlineExceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task was not cancelled by timeout")
	}
}

func TestPanicIsRecorded(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 4, RetryMax: 3})
	var runs atomic.Int32
	_ = s.Enqueue(Task{Name: "bad", Run: func(ctx context.Context) error {
		runs.Add(1)
		panic("boom")
	}})
	waitFor(t, func() bool { return len(s.Snapshot().History) == 1 })
	h := s.Snapshot().History[0]
	if h.Error == "" || runs.Load() != 1 {
		t.Fatalf("history = %+v, runs = %d; want one failed run", h, runs.Load())
	}
	// The worker survives the panic.
	var ok atomic.Bool
	_ = s.Enqueue(Task{Name: "good", Run: func(ctx context.Context) error { ok.Store(true); return nil }})
	waitFor(t, ok.Load)
}

func TestRetryThenNoRetry(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 4})
	var runs atomic.Int32
	_ = s.Enqueue(Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond},
		Run: func(ctx context.Context) error {
			if runs.Add(1) == 2 {
				return NoRetry(errors.New("permanent"))
			}
			return errors.New("transient")
		},
	})
	waitFor(t, func() bool { return len(s.Snapshot().History) == 1 })
	if runs.Load() != 2 {
		t.Fatalf("runs = %d, want 2", runs.Load())
	}
	if got := s.Snapshot().History[0].Attempts; got != 2 {
		t.Fatalf("Attempts = %d, want 2", got)
	}
}

func TestEnqueueAfterStop(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x", Run: func(ctx context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue before Start = %v, want ErrStopped", err)
	}
	if err := s.Enqueue(Task{Name: "x"}); err == nil {
		t.Fatal("nil Run should be rejected")
	}
}

func TestQueueFullReleasesKey(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 1})
	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})
	_ = s.Enqueue(Task{Name: "hold", Key: "a", Run: func(ctx context.Context) error { close(started); <-block; return nil }})
	<-started
	if err := s.Enqueue(Task{Name: "q", Key: "b", Run: func(ctx context.Context) error { return nil }}); err != nil {
		t.Fatalf("fill queue: %v", err)
	}
	if err := s.Enqueue(Task{Name: "q", Key: "c", Run: func(ctx context.Context) error { return nil }}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if s.Busy("c") {
		t.Fatal("key c should be released after queue-full drop")
	}
}

func TestBreaker(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker(BreakerConfig{TripFailures: 3, BaseDelay: time.Minute, MaxDelay: 4 * time.Minute, ResetAfter: 10 * time.Minute})
	fail := errors.New("down")

	for i := 0; i < 2; i++ {
		b.Record(now, fail)
	}
	if ok, _ := b.Allow(now); !ok {
		t.Fatal("breaker opened before trip threshold")
	}
	b.Record(now, fail)
	ok, until := b.Allow(now)
	if ok || !until.Equal(now.Add(time.Minute)) {
		t.Fatalf("Allow = %v until %v, want open for 1m", ok, until)
	}
	if ok, _ := b.Allow(now.Add(61 * time.Second)); !ok {
		t.Fatal("breaker should half-open after cooldown")
	}
	b.Record(now.Add(61*time.Second), fail)
	if st := b.State(now.Add(61 * time.Second)); !st.Open || !st.OpenUntil.Equal(now.Add(61*time.Second+2*time.Minute)) {
		t.Fatalf("state = %+v, want doubled cooldown", st)
	}
	b.Record(now.Add(5*time.Minute), nil)
	if st := b.State(now.Add(5 * time.Minute)); st.Open || st.Fails != 0 {
		t.Fatalf("state after success = %+v", st)
	}

	off := NewBreaker(BreakerConfig{TripFailures: -1})
	for i := 0; i < 10; i++ {
		off.Record(now, fail)
	}
	if ok, _ := off.Allow(now); !ok {
		t.Fatal("disabled breaker must always allow")
	}
}
