package siss

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"

	"github.com/Nach0t/siss/internal/clock"
	"github.com/Nach0t/siss/internal/frame"
	"github.com/Nach0t/siss/internal/producer"
	"github.com/Nach0t/siss/internal/queue"
	"github.com/Nach0t/siss/internal/storage"
	storagelogging "github.com/Nach0t/siss/internal/storage/logging"
	"github.com/Nach0t/siss/internal/svcfields"
	"github.com/Nach0t/siss/internal/synth"
	"github.com/Nach0t/siss/internal/sysmon"
	"github.com/Nach0t/siss/internal/uuidv7"
	"github.com/Nach0t/siss/internal/workers"
)

// ManifestKey is the sink key the run manifest is written under.
const ManifestKey = "manifest.json"

// Option customizes pipeline construction.
type Option func(*options)

type options struct {
	logger       pslog.Logger
	clk          clock.Clock
	sink         storage.Sink
	source       producer.FrameSource
	otlpEndpoint string
}

// WithLogger attaches a structured logger. Defaults to a no-op logger.
func WithLogger(logger pslog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock substitutes the time source driving pacing and the run duration.
// Defaults to the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		o.clk = clk
	}
}

// WithSink bypasses the Output URL factory and persists frames into the
// given sink. The pipeline prepares it but the caller retains ownership;
// Close is not forwarded.
func WithSink(sink storage.Sink) Option {
	return func(o *options) {
		o.sink = sink
	}
}

// WithSource substitutes the frame generator. Defaults to the synthetic
// pseudo-random source sized by the configured frame dimensions.
func WithSource(source producer.FrameSource) Option {
	return func(o *options) {
		o.source = source
	}
}

// WithOTLPEndpoint overrides Config.OTLPEndpoint.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.otlpEndpoint = endpoint
	}
}

// Report summarizes a completed (or aborted) run.
type Report struct {
	RunID         string
	Instance      string
	Generated     int64
	Saved         int64
	BytesWritten  int64
	Dropped       int64
	QueueResidual int
	Elapsed       time.Duration
	// AvgRate is the observed generation rate in frames per second,
	// generated*1000/elapsedMs.
	AvgRate float64
}

// Pipeline drives one bounded frame-generation run: it prepares the sink,
// paces a producer against a dropping queue, fans frames out to a worker
// pool, and aggregates the final counters into a Report.
//
// A Pipeline is single-use: construct with NewPipeline, execute with Run.
type Pipeline struct {
	cfg       Config
	logger    pslog.Logger
	clk       clock.Clock
	sink      storage.Sink
	ownedSink bool
	source    producer.FrameSource
	queue     *queue.Dropping[*frame.Frame]
	tel       *telemetry
	sys       *sysmon.Observer
	instance  xid.ID

	generated atomic.Int64
	saved     atomic.Int64
	bytes     atomic.Int64
	next      atomic.Int64

	poolMetrics workers.Metrics
	metricsReg  metric.Registration

	started   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewPipeline validates cfg, opens the sink and any configured telemetry
// listeners, and returns a pipeline ready to Run. Call Close to release
// resources if Run is never reached.
func NewPipeline(cfg Config, opts ...Option) (*Pipeline, error) {
	cfgCopy := cfg
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if strings.TrimSpace(o.otlpEndpoint) != "" {
		cfgCopy.OTLPEndpoint = o.otlpEndpoint
	}
	if err := cfgCopy.Validate(); err != nil {
		return nil, err
	}

	logger := o.logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}

	tel, err := setupTelemetry(context.Background(), cfgCopy, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	abort := func() {
		if tel == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}

	sink := o.sink
	ownedSink := false
	if sink == nil {
		opened, creds, err := openSink(cfgCopy)
		if err != nil {
			abort()
			return nil, err
		}
		sink = opened
		ownedSink = true
		logger.Info("sink.selected", "output", cfgCopy.Output, "credentials", creds.Source)
	}
	sink = storagelogging.Wrap(sink, logger, "sink")

	clk := o.clk
	if clk == nil {
		clk = clock.Real{}
	}
	source := o.source
	if source == nil {
		source = synth.New(cfgCopy.FrameWidth, cfgCopy.FrameHeight)
	}

	p := &Pipeline{
		cfg:       cfgCopy,
		logger:    logger,
		clk:       clk,
		sink:      sink,
		ownedSink: ownedSink,
		source:    source,
		queue:     queue.NewDropping[*frame.Frame](cfgCopy.QueueCapacity),
		tel:       tel,
		instance:  xid.New(),
	}
	p.sys = sysmon.NewObserver(sysmon.Config{
		Enabled:        !cfgCopy.DisableSysmon,
		SampleInterval: cfgCopy.SysmonSampleInterval,
		LogInterval:    cfgCopy.SysmonLogInterval,
	}, svcfields.WithSubsystem(logger, "sysmon"))

	if err := p.initMetrics(); err != nil {
		abort()
		if ownedSink {
			_ = sink.Close()
		}
		return nil, err
	}
	return p, nil
}

// initMetrics registers the pipeline instruments on the global meter
// provider. With no metrics listener configured the provider is a no-op.
func (p *Pipeline) initMetrics() error {
	meter := otel.Meter("github.com/Nach0t/siss")
	var errs []error
	var err error
	p.poolMetrics.FramesSaved, err = meter.Int64Counter("siss.frames.saved",
		metric.WithDescription("Frames persisted to the sink."))
	errs = append(errs, err)
	p.poolMetrics.BytesWritten, err = meter.Int64Counter("siss.frames.bytes_written",
		metric.WithUnit("By"),
		metric.WithDescription("Encoded JPEG bytes persisted."))
	errs = append(errs, err)
	p.poolMetrics.SaveFailures, err = meter.Int64Counter("siss.frames.save_failures",
		metric.WithDescription("Frames skipped after encode or persist errors."))
	errs = append(errs, err)
	queueDepth, err := meter.Int64ObservableGauge("siss.queue.depth",
		metric.WithDescription("Frames waiting in the queue."))
	errs = append(errs, err)
	queueDropped, err := meter.Int64ObservableCounter("siss.queue.dropped",
		metric.WithDescription("Frames evicted by queue backpressure."))
	errs = append(errs, err)
	framesGenerated, err := meter.Int64ObservableCounter("siss.frames.generated",
		metric.WithDescription("Frames produced."))
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("pipeline: register metrics: %w", err)
	}
	reg, err := meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(queueDepth, int64(p.queue.Len()))
		obs.ObserveInt64(queueDropped, p.queue.Dropped())
		obs.ObserveInt64(framesGenerated, p.generated.Load())
		return nil
	}, queueDepth, queueDropped, framesGenerated)
	if err != nil {
		return fmt.Errorf("pipeline: register metrics callback: %w", err)
	}
	p.metricsReg = reg
	return nil
}

// Run executes the pipeline until the configured duration elapses or ctx is
// cancelled, then joins every actor and reports the final counters. Early
// cancellation returns the partial Report together with ctx.Err().
func (p *Pipeline) Run(ctx context.Context) (Report, error) {
	if !p.started.CompareAndSwap(false, true) {
		return Report{}, fmt.Errorf("pipeline: already run")
	}
	defer func() {
		if err := p.Close(); err != nil {
			p.logger.Warn("pipeline.close_error", "error", err)
		}
	}()

	runID := uuidv7.NewString()
	logger := p.logger.With("run", runID)
	plLogger := svcfields.WithSubsystem(logger, "pipeline")

	plLogger.Info("pipeline.start",
		"instance", p.instance.String(),
		"duration", p.cfg.Duration,
		"rate", p.cfg.Rate,
		"workers", p.cfg.Workers,
		"queue_capacity", p.cfg.QueueCapacity,
		"frame_width", p.cfg.FrameWidth,
		"frame_height", p.cfg.FrameHeight,
		"jpeg_quality", p.cfg.JPEGQuality,
		"output", p.cfg.Output,
	)

	if err := p.sink.Prepare(ctx); err != nil {
		return Report{}, fmt.Errorf("pipeline: prepare sink: %w", err)
	}

	prod, err := producer.New(producer.Config{
		Queue:     p.queue,
		Source:    p.source,
		Rate:      p.cfg.Rate,
		Clock:     p.clk,
		Logger:    svcfields.WithSubsystem(logger, "producer"),
		Generated: &p.generated,
	})
	if err != nil {
		return Report{}, err
	}
	pool, err := workers.New(workers.Config{
		Queue:   p.queue,
		Sink:    p.sink,
		Workers: p.cfg.Workers,
		Quality: p.cfg.JPEGQuality,
		Logger:  svcfields.WithSubsystem(logger, "workers"),
		Next:    &p.next,
		Saved:   &p.saved,
		Bytes:   &p.bytes,
		Metrics: &p.poolMetrics,
	})
	if err != nil {
		return Report{}, err
	}

	sysCtx, stopSys := context.WithCancel(ctx)
	p.sys.Start(sysCtx)
	defer p.sys.Wait()
	defer stopSys()

	start := p.clk.Now()
	prodCtx, stopProducer := context.WithCancel(ctx)
	defer stopProducer()

	prodDone := make(chan error, 1)
	go func() { prodDone <- prod.Run(prodCtx) }()
	poolDone := make(chan error, 1)
	go func() { poolDone <- pool.Run(ctx) }()

	var prodErr error
	prodExited := false
	select {
	case <-p.clk.After(p.cfg.Duration):
		plLogger.Debug("pipeline.duration_elapsed")
	case <-ctx.Done():
		plLogger.Info("pipeline.aborted", "reason", ctx.Err())
	case prodErr = <-prodDone:
		prodExited = true
		if prodErr != nil {
			plLogger.Error("pipeline.producer_failed", "error", prodErr)
		}
	}

	stopProducer()
	if !prodExited {
		prodErr = <-prodDone
	}
	p.queue.Close()
	poolErr := <-poolDone

	elapsed := p.clk.Now().Sub(start)
	report := p.snapshot(runID, elapsed)

	plLogger.Info("pipeline.summary",
		"generated", report.Generated,
		"saved", report.Saved,
		"dropped", report.Dropped,
		"residual", report.QueueResidual,
		"bytes_written", report.BytesWritten,
		"avg_fps", report.AvgRate,
		"elapsed", report.Elapsed,
	)

	p.writeManifest(plLogger, start, report)

	if err := ctx.Err(); err != nil {
		return report, err
	}
	if prodErr != nil && !errors.Is(prodErr, context.Canceled) {
		return report, prodErr
	}
	if poolErr != nil {
		return report, poolErr
	}
	return report, nil
}

// Close releases the sink, metric registration, and telemetry listeners.
// Run calls it on exit; calling Close on a pipeline that never ran is safe.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		var errs []error
		if p.metricsReg != nil {
			if err := p.metricsReg.Unregister(); err != nil {
				errs = append(errs, fmt.Errorf("pipeline: unregister metrics: %w", err))
			}
		}
		if p.ownedSink {
			if err := p.sink.Close(); err != nil {
				errs = append(errs, fmt.Errorf("pipeline: close sink: %w", err))
			}
		}
		if p.tel != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := p.tel.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}

func (p *Pipeline) snapshot(runID string, elapsed time.Duration) Report {
	generated := p.generated.Load()
	report := Report{
		RunID:         runID,
		Instance:      p.instance.String(),
		Generated:     generated,
		Saved:         p.saved.Load(),
		BytesWritten:  p.bytes.Load(),
		Dropped:       p.queue.Dropped(),
		QueueResidual: p.queue.Len(),
		Elapsed:       elapsed,
	}
	if ms := elapsed.Milliseconds(); ms > 0 {
		report.AvgRate = float64(generated) * 1000 / float64(ms)
	}
	return report
}

type runManifest struct {
	RunID         string         `json:"run_id"`
	Instance      string         `json:"instance"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    time.Time      `json:"finished_at"`
	ElapsedMS     int64          `json:"elapsed_ms"`
	Config        manifestConfig `json:"config"`
	Generated     int64          `json:"generated"`
	Saved         int64          `json:"saved"`
	Dropped       int64          `json:"dropped"`
	QueueResidual int            `json:"queue_residual"`
	BytesWritten  int64          `json:"bytes_written"`
	AvgRate       float64        `json:"avg_fps"`
}

type manifestConfig struct {
	Duration      string `json:"duration"`
	Rate          int    `json:"rate"`
	Workers       int    `json:"workers"`
	QueueCapacity int    `json:"queue_capacity"`
	FrameWidth    int    `json:"frame_width"`
	FrameHeight   int    `json:"frame_height"`
	JPEGQuality   int    `json:"jpeg_quality"`
	Output        string `json:"output"`
}

// writeManifest records the run outcome next to the frames. Failures follow
// the drop-and-continue policy: log and move on. A background context keeps
// the manifest writable after an aborted run.
func (p *Pipeline) writeManifest(logger pslog.Logger, start time.Time, report Report) {
	m := runManifest{
		RunID:      report.RunID,
		Instance:   report.Instance,
		StartedAt:  start,
		FinishedAt: start.Add(report.Elapsed),
		ElapsedMS:  report.Elapsed.Milliseconds(),
		Config: manifestConfig{
			Duration:      p.cfg.Duration.String(),
			Rate:          p.cfg.Rate,
			Workers:       p.cfg.Workers,
			QueueCapacity: p.cfg.QueueCapacity,
			FrameWidth:    p.cfg.FrameWidth,
			FrameHeight:   p.cfg.FrameHeight,
			JPEGQuality:   p.cfg.JPEGQuality,
			Output:        p.cfg.Output,
		},
		Generated:     report.Generated,
		Saved:         report.Saved,
		Dropped:       report.Dropped,
		QueueResidual: report.QueueResidual,
		BytesWritten:  report.BytesWritten,
		AvgRate:       report.AvgRate,
	}
	payload, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		logger.Warn("manifest write failed", "key", ManifestKey, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := p.sink.Put(ctx, ManifestKey, payload, storage.ContentTypeJSON); err != nil {
		logger.Warn("manifest write failed", "key", ManifestKey, "error", err)
	}
}
