// Package retry wraps a storage.Backend so that errors marked transient by
// the backend are retried with capped exponential backoff. Everything else,
// CAS mismatches included, is returned on the first attempt.
package retry

import (
	"context"
	"fmt"
	"io"
	"time"

	"pkt.systems/lakecommit/internal/clock"
	"pkt.systems/lakecommit/internal/loggingutil"
	"pkt.systems/lakecommit/internal/storage"
	"pkt.systems/pslog"
)

// Config controls the backoff schedule. Zero fields take defaults; a
// MaxAttempts of one disables retries.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 50 * time.Millisecond
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Second
	}
	return c
}

// delay returns the pause before attempt n+1, for n >= 1.
func (c Config) delay(n int) time.Duration {
	d := float64(c.BaseDelay)
	for i := 1; i < n; i++ {
		d *= c.Multiplier
		if d >= float64(c.MaxDelay) {
			return c.MaxDelay
		}
	}
	return min(time.Duration(d), c.MaxDelay)
}

// Wrap returns inner decorated with retries. A nil inner stays nil.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	return &backend{
		inner:  inner,
		logger: loggingutil.WithSubsystem(logger, "storage.retry"),
		clock:  clock.OrReal(clk),
		cfg:    cfg.withDefaults(),
	}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

type call struct {
	op, namespace, key string
	// rewind runs before every attempt after the first.
	rewind func() error
}

func attempt[T any](ctx context.Context, b *backend, c call, fn func() (T, error)) (T, error) {
	for n := 1; ; n++ {
		v, err := fn()
		if err == nil || !storage.IsTransient(err) || n >= b.cfg.MaxAttempts {
			return v, err
		}
		wait := b.cfg.delay(n)
		b.logger.Warn("storage.transient_error",
			"operation", c.op,
			"namespace", c.namespace,
			"key", c.key,
			"attempt", n,
			"max_attempts", b.cfg.MaxAttempts,
			"backoff", wait,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return v, ctx.Err()
		case <-b.clock.After(wait):
		}
		if c.rewind != nil {
			if rerr := c.rewind(); rerr != nil {
				return v, fmt.Errorf("%w (retry aborted: %v)", err, rerr)
			}
		}
	}
}

func (b *backend) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	return attempt(ctx, b, call{op: "list_objects", namespace: namespace, key: opts.Prefix}, func() (*storage.ListResult, error) {
		return b.inner.ListObjects(ctx, namespace, opts)
	})
}

func (b *backend) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	return attempt(ctx, b, call{op: "get_object", namespace: namespace, key: key}, func() (storage.GetObjectResult, error) {
		return b.inner.GetObject(ctx, namespace, key)
	})
}

// PutObject replays the body only when it can seek back to where it started.
func (b *backend) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	c := call{op: "put_object", namespace: namespace, key: key}
	seeker, ok := body.(io.Seeker)
	var start int64
	if ok {
		var err error
		if start, err = seeker.Seek(0, io.SeekCurrent); err != nil {
			ok = false
		}
	}
	c.rewind = func() error {
		if !ok {
			return fmt.Errorf("storage retry: body for %s is not seekable", key)
		}
		_, err := seeker.Seek(start, io.SeekStart)
		return err
	}
	return attempt(ctx, b, c, func() (*storage.ObjectInfo, error) {
		return b.inner.PutObject(ctx, namespace, key, body, opts)
	})
}

func (b *backend) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	_, err := attempt(ctx, b, call{op: "delete_object", namespace: namespace, key: key}, func() (struct{}, error) {
		return struct{}{}, b.inner.DeleteObject(ctx, namespace, key, opts)
	})
	return err
}

// SubscribeChanges forwards to the wrapped backend when it has a change feed.
func (b *backend) SubscribeChanges(namespace, prefix string) (storage.ChangeSubscription, error) {
	if feed, ok := b.inner.(storage.ChangeFeed); ok {
		return feed.SubscribeChanges(namespace, prefix)
	}
	return nil, storage.ErrNotImplemented
}

func (b *backend) Close() error {
	return b.inner.Close()
}
