package producer

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/pslog"

	"github.com/Nach0t/siss/internal/clock"
	"github.com/Nach0t/siss/internal/frame"
	"github.com/Nach0t/siss/internal/queue"
)

type stubSource struct {
	clk     *clock.Manual
	overrun time.Duration
	err     error
	calls   atomic.Int64
}

func (s *stubSource) Generate(ctx context.Context) (*frame.Frame, error) {
	n := s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	if s.overrun > 0 && n == 1 {
		s.clk.Advance(s.overrun)
	}
	return &frame.Frame{
		Width:      2,
		Height:     2,
		Pix:        make([]byte, 16),
		CapturedAt: s.clk.Now(),
	}, nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewValidatesConfig(t *testing.T) {
	q := queue.NewDropping[*frame.Frame](4)
	clk := clock.NewManual(time.Unix(1000, 0))
	src := &stubSource{clk: clk}

	if _, err := New(Config{Source: src, Rate: 10}); err == nil {
		t.Fatal("expected error for missing queue")
	}
	if _, err := New(Config{Queue: q, Rate: 10}); err == nil {
		t.Fatal("expected error for missing source")
	}
	if _, err := New(Config{Queue: q, Source: src}); err == nil {
		t.Fatal("expected error for non-positive rate")
	}
}

func TestRunPacesAtConfiguredRate(t *testing.T) {
	q := queue.NewDropping[*frame.Frame](10)
	clk := clock.NewManual(time.Unix(1000, 0))
	src := &stubSource{clk: clk}
	generated := new(atomic.Int64)

	p, err := New(Config{Queue: q, Source: src, Rate: 10, Clock: clk, Generated: generated})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	for i := 0; i < 5; i++ {
		waitFor(t, "producer parked", func() bool { return clk.Pending() == 1 })
		clk.Advance(100 * time.Millisecond)
	}
	waitFor(t, "producer parked after last cycle", func() bool { return clk.Pending() == 1 })

	if got := generated.Load(); got != 6 {
		t.Fatalf("expected 6 frames after 5 advances, got %d", got)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	for i := 0; i < 6; i++ {
		if _, err := q.Pop(context.Background()); err != nil {
			t.Fatalf("pop %d: %v", i, err)
		}
	}
	if _, err := q.Pop(context.Background()); !errors.Is(err, queue.ErrClosed) {
		t.Fatalf("expected ErrClosed after drain, got %v", err)
	}
}

func TestRunOverrunDoesNotShiftNextDeadline(t *testing.T) {
	q := queue.NewDropping[*frame.Frame](10)
	start := time.Unix(1000, 0)
	clk := clock.NewManual(start)
	src := &stubSource{clk: clk, overrun: 150 * time.Millisecond}
	generated := new(atomic.Int64)

	p, err := New(Config{Queue: q, Source: src, Rate: 10, Clock: clk, Generated: generated})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	// Cycle one overruns its 100ms slot by 50ms, so cycle two starts
	// immediately and anchors its own deadline 100ms later.
	waitFor(t, "producer parked after overrun", func() bool { return clk.Pending() == 1 })
	if got := generated.Load(); got != 2 {
		t.Fatalf("expected 2 frames after overrun cycle, got %d", got)
	}

	clk.Advance(50 * time.Millisecond)
	time.Sleep(25 * time.Millisecond)
	if got := generated.Load(); got != 2 {
		t.Fatalf("deadline shifted: expected 2 frames at +200ms, got %d", got)
	}

	clk.Advance(50 * time.Millisecond)
	waitFor(t, "third frame", func() bool { return generated.Load() == 3 })

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunEmitsRateSamples(t *testing.T) {
	q := queue.NewDropping[*frame.Frame](10)
	clk := clock.NewManual(time.Unix(1000, 0))
	src := &stubSource{clk: clk}

	var logBuf bytes.Buffer
	logger := pslog.NewWithOptions(context.Background(), &logBuf, pslog.Options{
		Mode:             pslog.ModeStructured,
		DisableTimestamp: true,
		NoColor:          true,
		MinLevel:         pslog.DebugLevel,
	})

	p, err := New(Config{Queue: q, Source: src, Rate: 1, Clock: clk, Logger: logger})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	waitFor(t, "producer parked", func() bool { return clk.Pending() == 1 })
	clk.Advance(time.Second)
	waitFor(t, "second cycle parked", func() bool { return clk.Pending() == 1 })

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(logBuf.String(), "rate sample") {
		t.Fatalf("expected rate sample log, got: %s", logBuf.String())
	}
}

func TestRunReturnsGenerationError(t *testing.T) {
	q := queue.NewDropping[*frame.Frame](4)
	clk := clock.NewManual(time.Unix(1000, 0))
	src := &stubSource{clk: clk, err: errors.New("sensor offline")}

	p, err := New(Config{Queue: q, Source: src, Rate: 10, Clock: clk})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := p.Run(context.Background()); err == nil || !strings.Contains(err.Error(), "sensor offline") {
		t.Fatalf("expected generation error, got %v", err)
	}
	if _, err := q.Pop(context.Background()); !errors.Is(err, queue.ErrClosed) {
		t.Fatalf("expected closed queue after fatal exit, got %v", err)
	}
}

func TestRunStopsCleanlyWhenAlreadyCancelled(t *testing.T) {
	q := queue.NewDropping[*frame.Frame](4)
	clk := clock.NewManual(time.Unix(1000, 0))
	src := &stubSource{clk: clk}

	p, err := New(Config{Queue: q, Source: src, Rate: 10, Clock: clk})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := q.Pop(context.Background()); !errors.Is(err, queue.ErrClosed) {
		t.Fatalf("expected closed queue, got %v", err)
	}
}
