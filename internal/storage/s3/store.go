// Package s3 stores warehouse objects in S3-compatible services (MinIO,
// Ceph RGW, localstack) through minio-go.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/encrypt"

	"pkt.systems/lakecommit/internal/loggingutil"
	"pkt.systems/lakecommit/internal/storage"
	"pkt.systems/lakecommit/internal/storage/objectstore"
	"pkt.systems/lakecommit/internal/version"
	"pkt.systems/pslog"
)

// maxBufferedPut bounds how much of a non-seekable body is held in memory to
// learn its length.
const maxBufferedPut = 16 << 20

// Config selects the endpoint, bucket and credentials.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	ServerSideEnc  string
	KMSKeyID       string
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
}

// Store implements storage.Backend on a minio client.
type Store struct {
	client *minio.Client
	cfg    Config
	layout objectstore.Layout
	sse    encrypt.ServerSide
}

// New builds the client. Without CustomCreds the usual AWS and MinIO
// environment variables, the shared credentials file and IAM are consulted.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
		if cfg.Region != "" {
			endpoint = "s3." + cfg.Region + ".amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = objectstore.Transport(false)
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	client.SetAppInfo(version.Name(), version.Current())
	sse, err := serverSide(cfg.ServerSideEnc, cfg.KMSKeyID)
	if err != nil {
		return nil, err
	}
	layout := objectstore.NewLayout(cfg.Prefix)
	cfg.Prefix = layout.Prefix
	return &Store{client: client, cfg: cfg, layout: layout, sse: sse}, nil
}

func serverSide(mode, kmsKeyID string) (encrypt.ServerSide, error) {
	switch strings.ToUpper(strings.TrimSpace(mode)) {
	case "":
		return nil, nil
	case "AES256":
		return encrypt.NewSSE(), nil
	case "AWS:KMS", "KMS":
		if kmsKeyID == "" {
			return nil, fmt.Errorf("s3: kms encryption requires a key id")
		}
		sse, err := encrypt.NewSSEKMS(kmsKeyID, nil)
		if err != nil {
			return nil, fmt.Errorf("s3: kms encryption: %w", err)
		}
		return sse, nil
	default:
		return nil, fmt.Errorf("s3: unsupported server side encryption %q", mode)
	}
}

// Close is a no-op for the minio client.
func (s *Store) Close() error { return nil }

// Config returns the configuration the store was built with.
func (s *Store) Config() Config { return s.cfg }

// BucketExists reports whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	return s.client.BucketExists(ctx, s.cfg.Bucket)
}

func logger(ctx context.Context) pslog.Logger {
	return loggingutil.EnsureLogger(pslog.LoggerFromContext(ctx))
}

// ListObjects walks the namespace recursively, stopping once the page holds
// opts.Limit entries.
func (s *Store) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	root := s.layout.Root(namespace)
	listOpts := minio.ListObjectsOptions{
		Prefix:    root + strings.TrimPrefix(opts.Prefix, "/"),
		Recursive: true,
	}
	if opts.StartAfter != "" {
		listOpts.StartAfter = root + strings.TrimPrefix(opts.StartAfter, "/")
	}
	if opts.Limit > 0 {
		listOpts.MaxKeys = opts.Limit + 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	page := objectstore.NewPage(opts)
	for obj := range s.client.ListObjects(ctx, s.cfg.Bucket, listOpts) {
		if obj.Err != nil {
			logger(ctx).Debug("s3.list.error", "namespace", namespace, "prefix", opts.Prefix, "error", obj.Err)
			return nil, objectstore.Wrap(obj.Err, "s3: list objects", httpStatus)
		}
		key, ok := objectstore.Logical(obj.Key, root)
		if !ok {
			continue
		}
		if !page.Add(storage.ObjectInfo{
			Key:          key,
			ETag:         objectstore.StripETag(obj.ETag),
			Size:         obj.Size,
			LastModified: obj.LastModified,
			ContentType:  obj.ContentType,
		}) {
			break
		}
	}
	return page.Result(), nil
}

// GetObject stats then streams key. minio defers request errors to the first
// read, so a 404 surfacing there is mapped to storage.ErrNotFound as well.
func (s *Store) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	name := s.layout.Object(namespace, key)
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return storage.GetObjectResult{}, objectstore.Wrap(err, "s3: get object", httpStatus)
	}
	stat, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		if isNotFound(err) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		logger(ctx).Debug("s3.get.error", "object", name, "error", err)
		return storage.GetObjectResult{}, objectstore.Wrap(err, "s3: stat object", httpStatus)
	}
	return storage.GetObjectResult{
		Reader: notFoundReader{obj},
		Info: &storage.ObjectInfo{
			Key:          key,
			ETag:         objectstore.StripETag(stat.ETag),
			Size:         stat.Size,
			LastModified: stat.LastModified,
			ContentType:  stat.ContentType,
		},
	}, nil
}

// PutObject uploads body with If-Match / If-None-Match preconditions.
func (s *Store) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	name := s.layout.Object(namespace, key)
	putOpts := minio.PutObjectOptions{ContentType: opts.ContentType, ServerSideEncryption: s.sse}
	if putOpts.ContentType == "" {
		putOpts.ContentType = storage.ContentTypeOctetStream
	}
	switch {
	case opts.ExpectedETag != "":
		putOpts.SetMatchETag(opts.ExpectedETag)
	case opts.IfNotExists:
		putOpts.SetMatchETagExcept("*")
	}
	length, body, err := objectstore.Measure(body, maxBufferedPut)
	if err != nil {
		return nil, fmt.Errorf("s3: buffer object: %w", err)
	}
	info, err := s.client.PutObject(ctx, s.cfg.Bucket, name, body, length, putOpts)
	if err != nil {
		if cas := classifyConditional(err, opts.ExpectedETag != ""); cas != nil {
			logger(ctx).Debug("s3.put.conditional_failed", "object", name, "expected_etag", opts.ExpectedETag, "result", cas)
			return nil, cas
		}
		logger(ctx).Debug("s3.put.error", "object", name, "error", err)
		return nil, objectstore.Wrap(err, "s3: put object", httpStatus)
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         objectstore.StripETag(info.ETag),
		Size:         info.Size,
		LastModified: time.Now().UTC(),
		ContentType:  putOpts.ContentType,
	}, nil
}

// DeleteObject removes key. RemoveObject has no precondition support, so an
// expected ETag (or a required existing object) is checked with a stat first.
func (s *Store) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	name := s.layout.Object(namespace, key)
	if opts.ExpectedETag != "" || !opts.IgnoreNotFound {
		stat, err := s.client.StatObject(ctx, s.cfg.Bucket, name, minio.StatObjectOptions{})
		switch {
		case err == nil:
		case isNotFound(err) && opts.IgnoreNotFound:
			return nil
		case isNotFound(err):
			return storage.ErrNotFound
		default:
			return objectstore.Wrap(err, "s3: stat object", httpStatus)
		}
		if opts.ExpectedETag != "" && objectstore.StripETag(stat.ETag) != opts.ExpectedETag {
			return storage.ErrCASMismatch
		}
	}
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, name, minio.RemoveObjectOptions{}); err != nil {
		if isNotFound(err) && opts.IgnoreNotFound {
			return nil
		}
		logger(ctx).Debug("s3.delete.error", "object", name, "error", err)
		return objectstore.Wrap(err, "s3: delete object", httpStatus)
	}
	return nil
}

func classifyConditional(err error, expectedETag bool) error {
	switch {
	case isPreconditionFailed(err):
		return storage.ErrCASMismatch
	case expectedETag && isNotFound(err):
		return storage.ErrNotFound
	default:
		return nil
	}
}

type notFoundReader struct {
	io.ReadCloser
}

func (r notFoundReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	if err != nil && isNotFound(err) {
		err = storage.ErrNotFound
	}
	return n, err
}

func httpStatus(err error) (int, bool) {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) && resp.StatusCode != 0 {
		return resp.StatusCode, true
	}
	return 0, false
}

func isNotFound(err error) bool {
	code, ok := httpStatus(err)
	return ok && code == http.StatusNotFound
}

func isPreconditionFailed(err error) bool {
	var resp minio.ErrorResponse
	if !errors.As(err, &resp) {
		return false
	}
	switch resp.StatusCode {
	case http.StatusPreconditionFailed:
		return true
	case http.StatusConflict:
		return resp.Code == "ConditionalRequestConflict" || resp.Code == "OperationAborted"
	}
	return false
}
