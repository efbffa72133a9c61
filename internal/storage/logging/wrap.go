package logging

import (
	"context"
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/gtxd/internal/storage"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with tracing spans and trace/debug logging.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string) storage.Backend {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/gtxd/storage"),
		sys:    sys,
	}
}

func (b *backend) start(ctx context.Context, op, key string) (context.Context, trace.Span, pslog.Logger, func(string, error)) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "gtxd.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("gtxd.storage.operation", op),
		attribute.String("gtxd.sys", b.sys),
		attribute.Bool("gtxd.storage.has_key", key != ""),
	)
	logger := b.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	ctx = pslog.ContextWithLogger(ctx, logger)
	return ctx, span, logger, func(result string, err error) {
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.AddEvent("gtxd.storage.end", trace.WithAttributes(
			attribute.String("gtxd.storage.result", result),
			attribute.Int64("gtxd.storage.duration_ms", time.Since(begin).Milliseconds()),
		))
	}
}

func (b *backend) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	begin := time.Now()
	ctx, span, logger, finish := b.start(ctx, "get_object", key)
	defer span.End()

	logger.Trace("storage.get_object.begin", "key", key)
	result, err := b.inner.GetObject(ctx, key)
	if err != nil {
		finish("error", err)
		logger.Debug("storage.get_object.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return result, err
	}
	etag := ""
	size := int64(0)
	if result.Info != nil {
		etag = result.Info.ETag
		size = result.Info.Size
	}
	span.SetAttributes(attribute.Int64("gtxd.storage.object_size", size))
	finish("ok", nil)
	logger.Debug("storage.get_object.success", "key", key, "etag", etag, "size", size, "elapsed", time.Since(begin))
	return result, nil
}

func (b *backend) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	begin := time.Now()
	ctx, span, logger, finish := b.start(ctx, "put_object", key)
	defer span.End()

	span.SetAttributes(
		attribute.Bool("gtxd.storage.cas", opts.ExpectedETag != ""),
		attribute.Bool("gtxd.storage.if_not_exists", opts.IfNotExists),
	)
	logger.Trace("storage.put_object.begin", "key", key, "expected_etag", opts.ExpectedETag, "if_not_exists", opts.IfNotExists)
	info, err := b.inner.PutObject(ctx, key, body, opts)
	if err != nil {
		finish("error", err)
		logger.Debug("storage.put_object.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return info, err
	}
	finish("ok", nil)
	if info != nil {
		logger.Debug("storage.put_object.success", "key", key, "etag", info.ETag, "size", info.Size, "elapsed", time.Since(begin))
	}
	return info, nil
}

func (b *backend) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	begin := time.Now()
	ctx, span, logger, finish := b.start(ctx, "delete_object", key)
	defer span.End()

	logger.Trace("storage.delete_object.begin", "key", key, "expected_etag", opts.ExpectedETag)
	if err := b.inner.DeleteObject(ctx, key, opts); err != nil {
		finish("error", err)
		logger.Debug("storage.delete_object.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return err
	}
	finish("ok", nil)
	logger.Debug("storage.delete_object.success", "key", key, "elapsed", time.Since(begin))
	return nil
}

func (b *backend) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	begin := time.Now()
	ctx, span, logger, finish := b.start(ctx, "list_objects", opts.Prefix)
	defer span.End()

	span.SetAttributes(attribute.String("gtxd.storage.prefix", opts.Prefix))
	logger.Trace("storage.list_objects.begin", "prefix", opts.Prefix, "start_after", opts.StartAfter, "limit", opts.Limit)
	res, err := b.inner.ListObjects(ctx, opts)
	if err != nil {
		finish("error", err)
		logger.Debug("storage.list_objects.error", "prefix", opts.Prefix, "error", err, "elapsed", time.Since(begin))
		return res, err
	}
	count := 0
	truncated := false
	if res != nil {
		count = len(res.Objects)
		truncated = res.Truncated
	}
	span.SetAttributes(attribute.Int("gtxd.storage.object_count", count))
	finish("ok", nil)
	logger.Debug("storage.list_objects.success", "prefix", opts.Prefix, "count", count, "truncated", truncated, "elapsed", time.Since(begin))
	return res, nil
}

func (b *backend) Close() error {
	b.logger.Trace("storage.close.begin")
	err := b.inner.Close()
	if err != nil {
		b.logger.Debug("storage.close.error", "error", err)
		return err
	}
	b.logger.Trace("storage.close.success")
	return nil
}

func (b *backend) SubscribeChanges(prefix string) (storage.ChangeSubscription, error) {
	if feed, ok := b.inner.(storage.ChangeFeed); ok {
		return feed.SubscribeChanges(prefix)
	}
	return nil, storage.ErrNotImplemented
}
