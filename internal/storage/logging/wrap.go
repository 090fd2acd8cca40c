// Package logging decorates a storage.Backend with OpenTelemetry spans and
// trace/debug log lines. When the context carries a commit ID it is attached
// to both, so every object touched by one commit cycle can be found.
package logging

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/lakecommit/internal/correlation"
	"pkt.systems/lakecommit/internal/loggingutil"
	"pkt.systems/lakecommit/internal/storage"
)

const (
	tracerName = "pkt.systems/lakecommit/storage"
	attrPrefix = "lakecommit.storage."
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Option customises the wrapper.
type Option func(*backend)

// WithTracerProvider records spans on tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(b *backend) {
		if tp != nil {
			b.tracer = tp.Tracer(tracerName)
		}
	}
}

// Wrap decorates inner. sys is recorded on every span as lakecommit.sys.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string, opts ...Option) storage.Backend {
	b := &backend{
		inner:  inner,
		logger: loggingutil.EnsureLogger(logger),
		tracer: otel.Tracer(tracerName),
		sys:    sys,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// scope is one in-flight backend call.
type scope struct {
	op    string
	span  trace.Span
	log   pslog.Logger
	begin time.Time
}

func (b *backend) begin(ctx context.Context, op, namespace string, attrs ...attribute.KeyValue) (context.Context, *scope) {
	ctx, span := b.tracer.Start(ctx, attrPrefix+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(attrPrefix+"operation", op),
			attribute.String(attrPrefix+"namespace", namespace),
			attribute.String("lakecommit.sys", b.sys),
		),
		trace.WithAttributes(attrs...),
	)
	logger := b.logger
	if fromCtx := pslog.LoggerFromContext(ctx); fromCtx != nil {
		logger = fromCtx
	}
	log := logger.With("namespace", namespace)
	if id := correlation.ID(ctx); id != "" {
		span.SetAttributes(attribute.String("lakecommit.commit_id", id))
		log = log.With("commit_id", id)
	}
	return pslog.ContextWithLogger(ctx, logger), &scope{op: op, span: span, log: log, begin: time.Now()}
}

// end closes the span and logs <op>.success or <op>.error with kv.
func (s *scope) end(err error, kv ...any) {
	elapsed := time.Since(s.begin)
	result := "ok"
	if err != nil {
		result = "error"
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, "storage_error")
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.SetAttributes(
		attribute.String(attrPrefix+"result", result),
		attribute.Int64(attrPrefix+"duration_ms", elapsed.Milliseconds()),
	)
	s.span.End()
	kv = append(kv, "elapsed", elapsed)
	if err != nil {
		s.log.Debug("storage."+s.op+".error", append(kv, "error", err)...)
		return
	}
	s.log.Debug("storage."+s.op+".success", kv...)
}

func (b *backend) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	ctx, sc := b.begin(ctx, "list_objects", namespace,
		attribute.String(attrPrefix+"prefix", opts.Prefix),
		attribute.String(attrPrefix+"start_after", opts.StartAfter),
		attribute.Int(attrPrefix+"limit", opts.Limit),
	)
	sc.log.Trace("storage.list_objects.begin", "prefix", opts.Prefix, "start_after", opts.StartAfter, "limit", opts.Limit)
	res, err := b.inner.ListObjects(ctx, namespace, opts)
	if err != nil {
		sc.end(err, "prefix", opts.Prefix)
		return res, err
	}
	sc.span.SetAttributes(attribute.Int(attrPrefix+"object_count", len(res.Objects)))
	sc.end(nil, "prefix", opts.Prefix, "count", len(res.Objects), "truncated", res.Truncated)
	return res, nil
}

func (b *backend) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	ctx, sc := b.begin(ctx, "get_object", namespace, attribute.String(attrPrefix+"key", key))
	sc.log.Trace("storage.get_object.begin", "key", key)
	res, err := b.inner.GetObject(ctx, namespace, key)
	if err != nil || res.Info == nil {
		sc.end(err, "key", key)
		return res, err
	}
	sc.span.SetAttributes(attribute.Int64(attrPrefix+"object_size", res.Info.Size))
	sc.end(nil, "key", key, "etag", res.Info.ETag, "size", res.Info.Size)
	return res, nil
}

func (b *backend) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	ctx, sc := b.begin(ctx, "put_object", namespace,
		attribute.String(attrPrefix+"key", key),
		attribute.Bool(attrPrefix+"expected_etag", opts.ExpectedETag != ""),
		attribute.Bool(attrPrefix+"if_not_exists", opts.IfNotExists),
	)
	sc.log.Trace("storage.put_object.begin", "key", key, "expected_etag", opts.ExpectedETag, "if_not_exists", opts.IfNotExists, "content_type", opts.ContentType)
	info, err := b.inner.PutObject(ctx, namespace, key, body, opts)
	if err != nil || info == nil {
		sc.end(err, "key", key)
		return info, err
	}
	sc.end(nil, "key", key, "etag", info.ETag, "size", info.Size)
	return info, nil
}

func (b *backend) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	ctx, sc := b.begin(ctx, "delete_object", namespace,
		attribute.String(attrPrefix+"key", key),
		attribute.Bool(attrPrefix+"expected_etag", opts.ExpectedETag != ""),
		attribute.Bool(attrPrefix+"ignore_not_found", opts.IgnoreNotFound),
	)
	sc.log.Trace("storage.delete_object.begin", "key", key, "expected_etag", opts.ExpectedETag, "ignore_not_found", opts.IgnoreNotFound)
	err := b.inner.DeleteObject(ctx, namespace, key, opts)
	sc.end(err, "key", key)
	return err
}

func (b *backend) SubscribeChanges(namespace, prefix string) (storage.ChangeSubscription, error) {
	feed, ok := b.inner.(storage.ChangeFeed)
	if !ok {
		return nil, storage.ErrNotImplemented
	}
	sub, err := feed.SubscribeChanges(namespace, prefix)
	if err != nil {
		b.logger.Debug("storage.subscribe_changes.error", "namespace", namespace, "prefix", prefix, "error", err)
		return nil, err
	}
	b.logger.Debug("storage.subscribe_changes.success", "namespace", namespace, "prefix", prefix)
	return sub, nil
}

func (b *backend) Close() error {
	_, sc := b.begin(context.Background(), "close", "")
	err := b.inner.Close()
	sc.end(err)
	return err
}
