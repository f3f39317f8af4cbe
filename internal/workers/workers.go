// Package workers drains the frame queue, encodes frames to JPEG, and
// persists them through a storage.Sink.
package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"

	"github.com/Nach0t/siss/internal/frame"
	"github.com/Nach0t/siss/internal/queue"
	"github.com/Nach0t/siss/internal/storage"
)

// Metrics carries optional OTel instruments updated per persisted frame.
// Nil instruments are skipped.
type Metrics struct {
	FramesSaved  metric.Int64Counter
	BytesWritten metric.Int64Counter
	SaveFailures metric.Int64Counter
}

// Config captures the pool collaborators and tunables.
type Config struct {
	Queue   *queue.Dropping[*frame.Frame]
	Sink    storage.Sink
	Workers int
	// Quality is the JPEG quality, 1..100.
	Quality int
	Logger  pslog.Logger
	// Next issues globally unique, monotonically increasing sequence
	// numbers across all workers. The first assigned sequence is 0.
	Next    *atomic.Int64
	Saved   *atomic.Int64
	Bytes   *atomic.Int64
	Metrics *Metrics
}

// Pool runs N workers against the shared queue. A persist failure is
// logged and skipped; it never terminates the worker.
type Pool struct {
	queue   *queue.Dropping[*frame.Frame]
	sink    storage.Sink
	workers int
	quality int
	logger  pslog.Logger
	next    *atomic.Int64
	saved   *atomic.Int64
	bytes   *atomic.Int64
	metrics *Metrics
}

// New validates cfg and returns a Pool.
func New(cfg Config) (*Pool, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("workers: queue is required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("workers: sink is required")
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("workers: worker count must be positive, got %d", cfg.Workers)
	}
	if cfg.Quality < 1 || cfg.Quality > 100 {
		return nil, fmt.Errorf("workers: jpeg quality must be within 1..100, got %d", cfg.Quality)
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	if cfg.Next == nil {
		cfg.Next = new(atomic.Int64)
	}
	if cfg.Saved == nil {
		cfg.Saved = new(atomic.Int64)
	}
	if cfg.Bytes == nil {
		cfg.Bytes = new(atomic.Int64)
	}
	return &Pool{
		queue:   cfg.Queue,
		sink:    cfg.Sink,
		workers: cfg.Workers,
		quality: cfg.Quality,
		logger:  cfg.Logger,
		next:    cfg.Next,
		saved:   cfg.Saved,
		bytes:   cfg.Bytes,
		metrics: cfg.Metrics,
	}, nil
}

// Saved reports the number of frames persisted so far.
func (p *Pool) Saved() int64 { return p.saved.Load() }

// Bytes reports the total payload bytes written so far.
func (p *Pool) Bytes() int64 { return p.bytes.Load() }

// Run starts the workers and blocks until every one of them has exited.
// Workers exit when the queue is closed and drained, or when ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.worker(ctx, id)
		}(i)
	}
	wg.Wait()
	return nil
}

func (p *Pool) worker(ctx context.Context, id int) {
	logger := p.logger.With("worker", id)
	logger.Debug("worker start")
	for {
		f, err := p.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				logger.Debug("worker exit", "reason", "queue_closed")
			} else {
				logger.Debug("worker exit", "reason", "context", "error", err)
			}
			return
		}

		seq := p.next.Add(1) - 1
		key := fmt.Sprintf("img_%d.jpg", seq)

		payload, err := frame.EncodeJPEG(f, p.quality)
		if err != nil {
			logger.Warn("save failed", "key", key, "stage", "encode", "error", err)
			p.countFailure(ctx)
			continue
		}
		n, err := p.sink.Put(ctx, key, payload, storage.ContentTypeJPEG)
		if err != nil {
			logger.Warn("save failed", "key", key, "stage", "put", "error", err)
			p.countFailure(ctx)
			continue
		}
		p.saved.Add(1)
		p.bytes.Add(n)
		if p.metrics != nil {
			if p.metrics.FramesSaved != nil {
				p.metrics.FramesSaved.Add(ctx, 1)
			}
			if p.metrics.BytesWritten != nil {
				p.metrics.BytesWritten.Add(ctx, n)
			}
		}
		logger.Trace("frame saved", "key", key, "bytes", n)
	}
}

func (p *Pool) countFailure(ctx context.Context) {
	if p.metrics != nil && p.metrics.SaveFailures != nil {
		p.metrics.SaveFailures.Add(ctx, 1)
	}
}
