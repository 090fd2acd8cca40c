// Package storage defines the object store contract the table catalog and
// the object-log channel are written against, plus the sentinel errors every
// backend maps its native failures onto.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// Content types written by lakecommit.
const (
	ContentTypeJSON        = "application/json"
	ContentTypeAvro        = "application/avro"
	ContentTypeOctetStream = "application/octet-stream"
)

var (
	// ErrNotFound is returned for a missing key, or a conditional write
	// against a key that does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrCASMismatch is returned when a precondition (ETag or create-only)
	// does not hold.
	ErrCASMismatch = errors.New("storage: cas mismatch")
	// ErrNotImplemented is returned by optional capabilities a backend lacks.
	ErrNotImplemented = errors.New("storage: not implemented")
)

// Backend stores opaque blobs under (namespace, key).
//
// Listing is lexical and paged: Limit caps a page, StartAfter resumes after
// the last key of the previous one. A PutObject with ExpectedETag replaces
// only that exact revision; with IfNotExists it only creates. Readers
// returned by GetObject must be closed.
type Backend interface {
	ListObjects(ctx context.Context, namespace string, opts ListOptions) (*ListResult, error)
	GetObject(ctx context.Context, namespace, key string) (GetObjectResult, error)
	PutObject(ctx context.Context, namespace, key string, body io.Reader, opts PutObjectOptions) (*ObjectInfo, error)
	DeleteObject(ctx context.Context, namespace, key string, opts DeleteObjectOptions) error
	Close() error
}

// ChangeFeed is the optional push side of a backend. Subscribers get a
// coalesced wake-up after any write under the prefix and are expected to
// re-list.
type ChangeFeed interface {
	SubscribeChanges(namespace, prefix string) (ChangeSubscription, error)
}

// ChangeSubscription is one ChangeFeed registration. Events is closed when the
// subscription or its backend is closed.
type ChangeSubscription interface {
	Events() <-chan struct{}
	Close() error
}

type transientError struct{ cause error }

func (e transientError) Error() string { return e.cause.Error() }
func (e transientError) Unwrap() error { return e.cause }

// NewTransientError tags err so the retry wrapper will try the call again.
// nil stays nil.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{cause: err}
}

// IsTransient reports whether err, or anything it wraps, was tagged with
// NewTransientError.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

// ObjectInfo is what a backend knows about one stored object.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// PutObjectOptions are the write preconditions. ExpectedETag wins over
// IfNotExists when both are set.
type PutObjectOptions struct {
	ExpectedETag string
	IfNotExists  bool
	ContentType  string
}

// DeleteObjectOptions are the delete preconditions.
type DeleteObjectOptions struct {
	ExpectedETag   string
	IgnoreNotFound bool
}

// ListOptions selects one page of keys.
type ListOptions struct {
	Prefix     string
	StartAfter string
	Limit      int
}

// ListResult is one page. NextStartAfter is set when Truncated.
type ListResult struct {
	Objects        []ObjectInfo
	NextStartAfter string
	Truncated      bool
}

// GetObjectResult pairs the payload stream with its metadata.
type GetObjectResult struct {
	Reader io.ReadCloser
	Info   *ObjectInfo
}
