// Package producer drives frame generation at a fixed target rate and
// feeds the shared queue.
package producer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"github.com/Nach0t/siss/internal/clock"
	"github.com/Nach0t/siss/internal/frame"
	"github.com/Nach0t/siss/internal/queue"
)

// FrameSource produces one frame per call. Generate must return promptly
// once ctx is done.
type FrameSource interface {
	Generate(ctx context.Context) (*frame.Frame, error)
}

// Config captures the producer collaborators and tunables.
type Config struct {
	Queue  *queue.Dropping[*frame.Frame]
	Source FrameSource
	// Rate is the target number of frames per second.
	Rate      int
	Clock     clock.Clock
	Logger    pslog.Logger
	Generated *atomic.Int64
}

// Producer emits frames into the queue at the configured rate. Each cycle
// anchors its deadline at the cycle start, so a slow generation does not
// shift subsequent cycles.
type Producer struct {
	queue     *queue.Dropping[*frame.Frame]
	source    FrameSource
	interval  time.Duration
	clock     clock.Clock
	logger    pslog.Logger
	generated *atomic.Int64
}

// New validates cfg and returns a Producer.
func New(cfg Config) (*Producer, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("producer: queue is required")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("producer: source is required")
	}
	if cfg.Rate <= 0 {
		return nil, fmt.Errorf("producer: rate must be positive, got %d", cfg.Rate)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	if cfg.Generated == nil {
		cfg.Generated = new(atomic.Int64)
	}
	return &Producer{
		queue:     cfg.Queue,
		source:    cfg.Source,
		interval:  time.Second / time.Duration(cfg.Rate),
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		generated: cfg.Generated,
	}, nil
}

// Generated reports the number of frames produced so far.
func (p *Producer) Generated() int64 {
	return p.generated.Load()
}

// Run generates frames until ctx is done. The queue is closed on every
// exit path so blocked consumers observe shutdown. A generation error is
// fatal and returned; ctx cancellation is a clean stop.
func (p *Producer) Run(ctx context.Context) error {
	defer p.queue.Close()

	windowStart := p.clock.Now()
	windowCount := 0

	for {
		if ctx.Err() != nil {
			return nil
		}
		cycleStart := p.clock.Now()

		f, err := p.source.Generate(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("producer: generate frame: %w", err)
		}
		p.queue.Push(f)
		p.generated.Add(1)
		windowCount++

		now := p.clock.Now()
		if elapsed := now.Sub(windowStart); elapsed >= time.Second {
			p.logger.Info("rate sample",
				"fps", windowCount,
				"window", elapsed.Round(time.Millisecond),
				"queued", p.queue.Len(),
				"dropped", p.queue.Dropped(),
			)
			windowStart = now
			windowCount = 0
		}

		deadline := cycleStart.Add(p.interval)
		if wait := deadline.Sub(now); wait > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-p.clock.After(wait):
			}
		}
	}
}
