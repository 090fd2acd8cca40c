// Package objectstore holds the pieces shared by the remote blob backends
// (minio, AWS SDK and Azure): key layout, listing pages, upload sizing and
// transient error classification.
package objectstore

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"syscall"
	"time"

	"pkt.systems/lakecommit/internal/storage"
)

// Layout maps (namespace, key) pairs onto object names below an optional
// bucket prefix.
type Layout struct {
	Prefix string
}

// NewLayout trims slashes off prefix.
func NewLayout(prefix string) Layout {
	return Layout{Prefix: strings.Trim(prefix, "/")}
}

// Object returns the physical object name for key in namespace.
func (l Layout) Object(namespace, key string) string {
	name := strings.TrimPrefix(path.Join(namespace, strings.TrimPrefix(key, "/")), "/")
	if name == "." {
		name = ""
	}
	if l.Prefix == "" {
		return name
	}
	return path.Join(l.Prefix, name)
}

// Root is the listing prefix of namespace, always ending in a slash.
func (l Layout) Root(namespace string) string {
	return strings.TrimSuffix(l.Object(namespace, ""), "/") + "/"
}

// Logical strips root from an object name. ok is false for names outside it.
func Logical(name, root string) (string, bool) {
	if !strings.HasPrefix(name, root) {
		return "", false
	}
	key := strings.TrimPrefix(name, root)
	return key, key != ""
}

// Page accumulates one ListObjects page honouring ListOptions. Backends that
// cannot filter server side feed every candidate through Add.
type Page struct {
	opts   storage.ListOptions
	result storage.ListResult
}

// NewPage starts a page for opts.
func NewPage(opts storage.ListOptions) *Page {
	opts.Prefix = strings.TrimPrefix(opts.Prefix, "/")
	opts.StartAfter = strings.TrimPrefix(opts.StartAfter, "/")
	return &Page{opts: opts}
}

// Add offers info to the page. It returns false once the page is full, after
// which the caller stops listing.
func (p *Page) Add(info storage.ObjectInfo) bool {
	if p.opts.Prefix != "" && !strings.HasPrefix(info.Key, p.opts.Prefix) {
		return true
	}
	if p.opts.StartAfter != "" && info.Key <= p.opts.StartAfter {
		return true
	}
	if p.opts.Limit > 0 && len(p.result.Objects) >= p.opts.Limit {
		p.result.Truncated = true
		return false
	}
	p.result.Objects = append(p.result.Objects, info)
	return true
}

// Result finalises the page.
func (p *Page) Result() *storage.ListResult {
	res := p.result
	if res.Truncated && len(res.Objects) > 0 {
		res.NextStartAfter = res.Objects[len(res.Objects)-1].Key
	}
	return &res
}

// Measure reports how many bytes remain in body. Seekable bodies are measured
// in place; others are buffered up to limit. A body longer than limit yields
// -1 and a reader that replays the buffered head before the rest.
func Measure(body io.Reader, limit int64) (int64, io.Reader, error) {
	if seeker, ok := body.(io.Seeker); ok {
		if cur, err := seeker.Seek(0, io.SeekCurrent); err == nil {
			if end, err := seeker.Seek(0, io.SeekEnd); err == nil {
				if _, err := seeker.Seek(cur, io.SeekStart); err != nil {
					return 0, nil, err
				}
				return end - cur, body, nil
			}
		}
	}
	head, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return 0, nil, err
	}
	if int64(len(head)) > limit {
		return -1, io.MultiReader(bytes.NewReader(head), body), nil
	}
	return int64(len(head)), bytes.NewReader(head), nil
}

// StripETag removes the quotes S3 wraps around ETags.
func StripETag(etag string) string {
	return strings.Trim(etag, "\"")
}

// Transport clones the default transport with pool sizes suited to many
// small metadata reads.
func Transport(insecureTLS bool) http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	t := base.Clone()
	t.MaxIdleConns = max(t.MaxIdleConns, 256)
	t.MaxIdleConnsPerHost = max(t.MaxIdleConnsPerHost, 64)
	if t.IdleConnTimeout == 0 {
		t.IdleConnTimeout = 90 * time.Second
	}
	if t.TLSHandshakeTimeout == 0 {
		t.TLSHandshakeTimeout = 10 * time.Second
	}
	if insecureTLS {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return t
}

// StatusFunc extracts an HTTP status from a provider error.
type StatusFunc func(error) (int, bool)

// Wrap annotates err with op and marks it transient when Retryable says so.
func Wrap(err error, op string, status StatusFunc) error {
	if err == nil {
		return nil
	}
	retryable := Retryable(err, status)
	err = fmt.Errorf("%s: %w", op, err)
	if retryable {
		return storage.NewTransientError(err)
	}
	return err
}

// Retryable reports whether err is a timeout, a dropped connection or a
// throttling/server-side HTTP status.
func Retryable(err error, status StatusFunc) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || connectionLost(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
		return true
	}
	if status == nil {
		return false
	}
	code, ok := status(err)
	if !ok {
		return false
	}
	return code >= http.StatusInternalServerError || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

func connectionLost(err error) bool {
	for _, target := range []error{
		net.ErrClosed, io.ErrUnexpectedEOF, io.EOF,
		syscall.ECONNRESET, syscall.ECONNABORTED, syscall.ECONNREFUSED,
		syscall.EPIPE, syscall.EHOSTUNREACH, syscall.ENETUNREACH,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// CancelOnClose returns rc with cancel attached to Close.
func CancelOnClose(rc io.ReadCloser, cancel context.CancelFunc) io.ReadCloser {
	if cancel == nil {
		return rc
	}
	return &cancelReadCloser{ReadCloser: rc, cancel: cancel}
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
