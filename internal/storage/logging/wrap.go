// Package logging decorates a storage.Sink with trace spans and verbose
// logging.
package logging

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"github.com/Nach0t/siss/internal/storage"
)

type sink struct {
	inner  storage.Sink
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with trace/debug logging.
func Wrap(inner storage.Sink, logger pslog.Logger, sys string) storage.Sink {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &sink{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("github.com/Nach0t/siss/storage"),
		sys:    sys,
	}
}

func (s *sink) start(ctx context.Context, op string) (context.Context, trace.Span, pslog.Logger, time.Time, func(string, error)) {
	begin := time.Now()
	ctx, span := s.tracer.Start(ctx, "siss.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("siss.storage.operation", op),
		attribute.String("siss.sys", s.sys),
	)
	span.AddEvent("siss.storage.begin")

	logger := s.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	ctx = pslog.ContextWithLogger(ctx, logger)
	return ctx, span, logger, begin, func(result string, err error) {
		duration := time.Since(begin).Milliseconds()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.AddEvent("siss.storage.end", trace.WithAttributes(
			attribute.String("siss.storage.result", result),
			attribute.Int64("siss.storage.duration_ms", duration),
		))
	}
}

func (s *sink) Prepare(ctx context.Context) error {
	ctx, span, logger, begin, finish := s.start(ctx, "prepare")
	defer span.End()

	logger.Trace("storage.prepare.begin")
	err := s.inner.Prepare(ctx)
	if err != nil {
		finish("error", err)
		logger.Debug("storage.prepare.error", "error", err, "elapsed", time.Since(begin))
		return err
	}
	finish("ok", nil)
	logger.Debug("storage.prepare.end", "elapsed", time.Since(begin))
	return nil
}

func (s *sink) Put(ctx context.Context, key string, payload []byte, contentType string) (int64, error) {
	ctx, span, logger, begin, finish := s.start(ctx, "put")
	defer span.End()

	span.SetAttributes(
		attribute.String("siss.storage.key", key),
		attribute.Int("siss.storage.size", len(payload)),
	)
	logger.Trace("storage.put.begin", "key", key, "size", len(payload))
	n, err := s.inner.Put(ctx, key, payload, contentType)
	if err != nil {
		finish("error", err)
		logger.Debug("storage.put.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return n, err
	}
	finish("ok", nil)
	logger.Trace("storage.put.end", "key", key, "written", n, "elapsed", time.Since(begin))
	return n, nil
}

func (s *sink) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, span, logger, begin, finish := s.start(ctx, "get")
	defer span.End()

	span.SetAttributes(attribute.String("siss.storage.key", key))
	logger.Trace("storage.get.begin", "key", key)
	payload, err := s.inner.Get(ctx, key)
	if err != nil {
		finish("error", err)
		logger.Debug("storage.get.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return nil, err
	}
	finish("ok", nil)
	logger.Trace("storage.get.end", "key", key, "size", len(payload), "elapsed", time.Since(begin))
	return payload, nil
}

func (s *sink) List(ctx context.Context, prefix string) ([]string, error) {
	ctx, span, logger, begin, finish := s.start(ctx, "list")
	defer span.End()

	span.SetAttributes(attribute.String("siss.storage.prefix", prefix))
	logger.Trace("storage.list.begin", "prefix", prefix)
	keys, err := s.inner.List(ctx, prefix)
	if err != nil {
		finish("error", err)
		logger.Debug("storage.list.error", "prefix", prefix, "error", err, "elapsed", time.Since(begin))
		return nil, err
	}
	finish("ok", nil)
	logger.Trace("storage.list.end", "prefix", prefix, "count", len(keys), "elapsed", time.Since(begin))
	return keys, nil
}

func (s *sink) Close() error {
	err := s.inner.Close()
	if err != nil {
		s.logger.Debug("storage.close.error", "error", err)
	}
	return err
}
