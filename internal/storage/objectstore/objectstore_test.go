package objectstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"testing"

	"pkt.systems/lakecommit/internal/storage"
)

func TestLayoutObject(t *testing.T) {
	l := NewLayout("/warehouse/")
	if got := l.Object("tables", "/db/events/metadata.json"); got != "warehouse/tables/db/events/metadata.json" {
		t.Fatalf("unexpected object %q", got)
	}
	if got := l.Root("log"); got != "warehouse/log/" {
		t.Fatalf("unexpected root %q", got)
	}
	bare := NewLayout("")
	if got := bare.Object("log", "ctl/0"); got != "log/ctl/0" {
		t.Fatalf("unexpected bare object %q", got)
	}
	if key, ok := Logical("warehouse/log/ctl/0", "warehouse/log/"); !ok || key != "ctl/0" {
		t.Fatalf("unexpected logical %q %v", key, ok)
	}
	if _, ok := Logical("other/ctl/0", "warehouse/log/"); ok {
		t.Fatal("expected name outside root to be rejected")
	}
}

func TestPageHonoursOptions(t *testing.T) {
	page := NewPage(storage.ListOptions{Prefix: "a/", StartAfter: "a/1", Limit: 2})
	for _, key := range []string{"a/1", "a/2", "b/1", "a/3", "a/4"} {
		if !page.Add(storage.ObjectInfo{Key: key}) {
			break
		}
	}
	res := page.Result()
	if len(res.Objects) != 2 || res.Objects[0].Key != "a/2" || res.Objects[1].Key != "a/3" {
		t.Fatalf("unexpected objects %+v", res.Objects)
	}
	if !res.Truncated || res.NextStartAfter != "a/3" {
		t.Fatalf("expected truncation after a/3, got %+v", res)
	}
	open := NewPage(storage.ListOptions{})
	open.Add(storage.ObjectInfo{Key: "x"})
	if res := open.Result(); res.Truncated || res.NextStartAfter != "" {
		t.Fatalf("unexpected unbounded page %+v", res)
	}
}

func TestMeasure(t *testing.T) {
	length, body, err := Measure(io.MultiReader(strings.NewReader("abc"), strings.NewReader("def")), 16)
	if err != nil || length != 6 {
		t.Fatalf("expected 6 buffered bytes, got %d (%v)", length, err)
	}
	if data, _ := io.ReadAll(body); string(data) != "abcdef" {
		t.Fatalf("unexpected body %q", data)
	}
	seekable := bytes.NewReader([]byte("0123456789"))
	_, _ = seekable.Seek(4, io.SeekStart)
	if length, _, err := Measure(seekable, 1); err != nil || length != 6 {
		t.Fatalf("expected remaining length 6, got %d (%v)", length, err)
	}
	length, body, err = Measure(io.MultiReader(strings.NewReader("hello "), strings.NewReader("world")), 4)
	if err != nil || length != -1 {
		t.Fatalf("expected unknown length, got %d (%v)", length, err)
	}
	if data, _ := io.ReadAll(body); string(data) != "hello world" {
		t.Fatalf("replayed body lost bytes: %q", data)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

type statusErr int

func (s statusErr) Error() string { return http.StatusText(int(s)) }

func statusOf(err error) (int, bool) {
	var s statusErr
	if errors.As(err, &s) {
		return int(s), true
	}
	return 0, false
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"timeout", timeoutErr{}, true},
		{"op timeout", &net.OpError{Err: timeoutErr{}}, true},
		{"dns temporary", &net.DNSError{IsTemporary: true}, true},
		{"reset", syscall.ECONNRESET, true},
		{"refused", &net.OpError{Err: syscall.ECONNREFUSED}, true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"503", statusErr(http.StatusServiceUnavailable), true},
		{"429", statusErr(http.StatusTooManyRequests), true},
		{"412", statusErr(http.StatusPreconditionFailed), false},
		{"plain", errors.New("access denied"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Retryable(tc.err, statusOf); got != tc.want {
				t.Fatalf("Retryable(%v)=%v want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestWrapMarksTransient(t *testing.T) {
	err := Wrap(syscall.ECONNRESET, "s3: get object", nil)
	if !storage.IsTransient(err) || !errors.Is(err, syscall.ECONNRESET) {
		t.Fatalf("expected transient wrapped reset, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "s3: get object: ") {
		t.Fatalf("missing op prefix: %v", err)
	}
	if plain := Wrap(errors.New("denied"), "s3: get object", statusOf); storage.IsTransient(plain) {
		t.Fatalf("expected permanent error, got %v", plain)
	}
	if Wrap(nil, "x", nil) != nil {
		t.Fatal("nil must stay nil")
	}
}

type closeRecorder struct {
	io.Reader
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

func TestCancelOnClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inner := &closeRecorder{Reader: strings.NewReader("x")}
	rc := CancelOnClose(inner, cancel)
	if err := rc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !inner.closed || ctx.Err() == nil {
		t.Fatal("expected close to reach the reader and cancel the context")
	}
}
