// Package aws stores warehouse objects in S3 through the AWS SDK v2. It is
// the aws:// store; s3:// targets S3-compatible services through minio.
package aws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"

	"pkt.systems/lakecommit/internal/loggingutil"
	"pkt.systems/lakecommit/internal/storage"
	"pkt.systems/lakecommit/internal/storage/objectstore"
	"pkt.systems/pslog"
)

const (
	opTimeout      = 5 * time.Minute
	maxBufferedPut = 4 << 20
)

// Config selects the bucket and optional custom endpoint.
type Config struct {
	Endpoint      string
	Region        string
	Bucket        string
	Prefix        string
	Insecure      bool
	ServerSideEnc string
	KMSKeyID      string
}

// Store implements storage.Backend on an AWS SDK S3 client.
type Store struct {
	client *s3.Client
	cfg    Config
	layout objectstore.Layout
}

// New loads the default AWS credential chain for cfg.Region.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("aws: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws: region is required")
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(&http.Client{Transport: objectstore.Transport(cfg.Insecure)}),
	)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint == "" {
			return
		}
		o.BaseEndpoint = aws.String(endpointURL(cfg.Endpoint, cfg.Insecure))
		o.UsePathStyle = true
	})
	layout := objectstore.NewLayout(cfg.Prefix)
	cfg.Prefix = layout.Prefix
	return &Store{client: client, cfg: cfg, layout: layout}, nil
}

func endpointURL(endpoint string, insecure bool) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	if insecure {
		return "http://" + endpoint
	}
	return "https://" + endpoint
}

// Close is a no-op; the SDK client holds no resources of its own.
func (s *Store) Close() error { return nil }

// Config returns the configuration the store was built with.
func (s *Store) Config() Config { return s.cfg }

func logger(ctx context.Context) pslog.Logger {
	return loggingutil.EnsureLogger(pslog.LoggerFromContext(ctx))
}

// bounded applies opTimeout unless ctx already expires sooner.
func bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= opTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, opTimeout)
}

// BucketExists probes the bucket with HeadBucket.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	ctx, cancel := bounded(ctx)
	defer cancel()
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	switch {
	case err == nil:
		return true, nil
	case isNotFound(err):
		return false, nil
	default:
		return false, err
	}
}

// ListObjects pages through ListObjectsV2 until the requested page is full.
func (s *Store) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	ctx, cancel := bounded(ctx)
	defer cancel()
	root := s.layout.Root(namespace)
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(root + strings.TrimPrefix(opts.Prefix, "/")),
	}
	if opts.StartAfter != "" {
		input.StartAfter = aws.String(root + strings.TrimPrefix(opts.StartAfter, "/"))
	}
	if opts.Limit > 0 {
		input.MaxKeys = aws.Int32(int32(opts.Limit + 1))
	}
	page := objectstore.NewPage(opts)
	for more := true; more; {
		resp, err := s.client.ListObjectsV2(ctx, input)
		if err != nil {
			logger(ctx).Debug("aws.list.error", "namespace", namespace, "prefix", opts.Prefix, "error", err)
			return nil, objectstore.Wrap(err, "aws: list objects", httpStatus)
		}
		for _, obj := range resp.Contents {
			key, ok := objectstore.Logical(aws.ToString(obj.Key), root)
			if !ok {
				continue
			}
			more = page.Add(storage.ObjectInfo{
				Key:          key,
				ETag:         objectstore.StripETag(aws.ToString(obj.ETag)),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
			if !more {
				break
			}
		}
		more = more && aws.ToBool(resp.IsTruncated)
		input.ContinuationToken = resp.NextContinuationToken
	}
	return page.Result(), nil
}

// GetObject streams key. The operation timeout stays armed until the reader
// is closed.
func (s *Store) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	ctx, cancel := bounded(ctx)
	name := s.layout.Object(namespace, key)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(name)})
	if err != nil {
		cancel()
		if isNotFound(err) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		logger(ctx).Debug("aws.get.error", "object", name, "error", err)
		return storage.GetObjectResult{}, objectstore.Wrap(err, "aws: get object", httpStatus)
	}
	return storage.GetObjectResult{
		Reader: objectstore.CancelOnClose(resp.Body, cancel),
		Info: &storage.ObjectInfo{
			Key:          key,
			ETag:         objectstore.StripETag(aws.ToString(resp.ETag)),
			Size:         aws.ToInt64(resp.ContentLength),
			LastModified: aws.ToTime(resp.LastModified),
			ContentType:  aws.ToString(resp.ContentType),
		},
	}, nil
}

// PutObject uploads body using If-Match / If-None-Match for conditional
// writes.
func (s *Store) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	ctx, cancel := bounded(ctx)
	defer cancel()
	name := s.layout.Object(namespace, key)
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	length, body, err := objectstore.Measure(body, maxBufferedPut)
	if err != nil {
		return nil, fmt.Errorf("aws: buffer object: %w", err)
	}
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(name),
		Body:        body,
		ContentType: aws.String(contentType),
	}
	if length >= 0 {
		input.ContentLength = aws.Int64(length)
	}
	switch {
	case opts.ExpectedETag != "":
		input.IfMatch = aws.String(opts.ExpectedETag)
	case opts.IfNotExists:
		input.IfNoneMatch = aws.String("*")
	}
	s.encrypt(input)
	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		if cas := classifyConditional(err, opts.ExpectedETag != ""); cas != nil {
			logger(ctx).Debug("aws.put.conditional_failed", "object", name, "expected_etag", opts.ExpectedETag, "result", cas)
			return nil, cas
		}
		logger(ctx).Debug("aws.put.error", "object", name, "error", err)
		return nil, objectstore.Wrap(err, "aws: put object", httpStatus)
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         objectstore.StripETag(aws.ToString(out.ETag)),
		Size:         max(length, 0),
		LastModified: time.Now().UTC(),
		ContentType:  contentType,
	}, nil
}

// DeleteObject removes key, sending If-Match when an ETag is expected.
func (s *Store) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	ctx, cancel := bounded(ctx)
	defer cancel()
	name := s.layout.Object(namespace, key)
	input := &s3.DeleteObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(name)}
	if opts.ExpectedETag != "" {
		input.IfMatch = aws.String(opts.ExpectedETag)
	}
	_, err := s.client.DeleteObject(ctx, input)
	switch {
	case err == nil:
		return nil
	case isNotFound(err):
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	case isPreconditionFailed(err):
		return storage.ErrCASMismatch
	default:
		logger(ctx).Debug("aws.delete.error", "object", name, "error", err)
		return objectstore.Wrap(err, "aws: delete object", httpStatus)
	}
}

func (s *Store) encrypt(input *s3.PutObjectInput) {
	switch strings.ToUpper(s.cfg.ServerSideEnc) {
	case "AES256":
		input.ServerSideEncryption = types.ServerSideEncryptionAes256
	case "AWS:KMS", "KMS":
		input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		if s.cfg.KMSKeyID != "" {
			input.SSEKMSKeyId = aws.String(s.cfg.KMSKeyID)
		}
	}
}

// classifyConditional maps a failed conditional write onto the storage
// sentinels, or returns nil for other failures.
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

func httpStatus(err error) (int, bool) {
	var withStatus interface{ HTTPStatusCode() int }
	if errors.As(err, &withStatus) {
		return withStatus.HTTPStatusCode(), true
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	return 0, false
}

func apiCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func isNotFound(err error) bool {
	switch apiCode(err) {
	case "NoSuchKey", "NotFound", "NoSuchBucket":
		return true
	}
	code, ok := httpStatus(err)
	return ok && code == http.StatusNotFound
}

func isPreconditionFailed(err error) bool {
	switch apiCode(err) {
	case "PreconditionFailed", "ConditionalRequestConflict", "OperationAborted":
		return true
	}
	code, ok := httpStatus(err)
	return ok && (code == http.StatusPreconditionFailed || code == http.StatusConflict)
}
