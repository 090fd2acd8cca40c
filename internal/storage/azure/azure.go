// Package azure stores warehouse objects as block blobs in one Azure
// Storage container.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"pkt.systems/lakecommit/internal/storage"
	"pkt.systems/lakecommit/internal/storage/objectstore"
)

// Config selects the account, credentials and container. Either AccountKey
// or SASToken is required.
type Config struct {
	Account    string
	AccountKey string
	Endpoint   string
	SASToken   string
	Container  string
	Prefix     string
}

// Store implements storage.Backend on an azblob client.
type Store struct {
	client    *azblob.Client
	container string
	prefix    string
}

// New connects and creates the container when it does not exist yet.
func New(cfg Config) (*Store, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("azure: account is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure: container is required")
	}
	if cfg.SASToken == "" && cfg.AccountKey == "" {
		return nil, fmt.Errorf("azure: account key or SAS token required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "https://" + cfg.Account + ".blob.core.windows.net"
	}
	client, err := newClient(endpoint, cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := client.CreateContainer(ctx, cfg.Container, nil); err != nil && !isContainerExists(err) {
		return nil, objectstore.Wrap(err, "azure: create container", httpStatus)
	}
	return &Store{
		client:    client,
		container: cfg.Container,
		prefix:    strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func newClient(endpoint string, cfg Config) (*azblob.Client, error) {
	opts := &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{Transport: transporter{objectstore.Transport(false)}},
	}
	if cfg.SASToken != "" {
		withSAS, err := appendSASToken(endpoint, cfg.SASToken)
		if err != nil {
			return nil, err
		}
		client, err := azblob.NewClientWithNoCredential(withSAS, opts)
		if err != nil {
			return nil, fmt.Errorf("azure: create client: %w", err)
		}
		return client, nil
	}
	cred, err := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("azure: build credentials: %w", err)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(endpoint, cred, opts)
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}
	return client, nil
}

// transporter adapts an http.RoundTripper to azcore's policy.Transporter.
type transporter struct {
	rt http.RoundTripper
}

func (t transporter) Do(req *http.Request) (*http.Response, error) {
	return t.rt.RoundTrip(req)
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		sas = u.RawQuery + "&" + sas
	}
	u.RawQuery = sas
	return u.String(), nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// blobName escapes each key segment so table identifiers with spaces or
// other reserved characters survive the round trip through list results.
func (s *Store) blobName(namespace, key string) (string, error) {
	segments := escapeSegments(path.Join(namespace, strings.TrimPrefix(key, "/")))
	if len(segments) < 2 {
		return "", fmt.Errorf("azure: object key required")
	}
	return s.join(segments...), nil
}

func (s *Store) join(parts ...string) string {
	if s.prefix == "" {
		return path.Join(parts...)
	}
	return path.Join(append([]string{s.prefix}, parts...)...)
}

func escapeSegments(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	parts := strings.Split(p, "/")
	for i, segment := range parts {
		parts[i] = url.PathEscape(segment)
	}
	return parts
}

func unescapeKey(name string) (string, error) {
	parts := strings.Split(name, "/")
	for i, segment := range parts {
		value, err := url.PathUnescape(segment)
		if err != nil {
			return "", err
		}
		parts[i] = value
	}
	return strings.Join(parts, "/"), nil
}

// ListObjects pages through the flat blob listing of the namespace. Prefix
// and StartAfter are applied client side on the unescaped keys.
func (s *Store) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	root := s.join(escapeSegments(namespace)...) + "/"
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{Prefix: &root})
	page := objectstore.NewPage(opts)
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, objectstore.Wrap(err, "azure: list objects", httpStatus)
		}
		for _, item := range resp.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			escaped, ok := objectstore.Logical(*item.Name, root)
			if !ok {
				continue
			}
			key, err := unescapeKey(escaped)
			if err != nil {
				continue
			}
			info := storage.ObjectInfo{Key: key}
			if p := item.Properties; p != nil {
				info.ETag = etag(p.ETag)
				info.Size = deref(p.ContentLength, 0)
				info.LastModified = deref(p.LastModified, time.Time{}).UTC()
				info.ContentType = deref(p.ContentType, "")
			}
			if !page.Add(info) {
				return page.Result(), nil
			}
		}
	}
	return page.Result(), nil
}

// GetObject streams the blob behind key.
func (s *Store) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	name, err := s.blobName(namespace, key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	resp, err := s.client.DownloadStream(ctx, s.container, name, nil)
	if err != nil {
		if isNotFound(err) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		return storage.GetObjectResult{}, objectstore.Wrap(err, "azure: download object", httpStatus)
	}
	return storage.GetObjectResult{
		Reader: resp.Body,
		Info: &storage.ObjectInfo{
			Key:          key,
			ETag:         etag(resp.ETag),
			Size:         deref(resp.ContentLength, 0),
			LastModified: deref(resp.LastModified, time.Time{}).UTC(),
			ContentType:  deref(resp.ContentType, ""),
		},
	}, nil
}

// PutObject uploads body with If-Match / If-None-Match access conditions.
func (s *Store) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	name, err := s.blobName(namespace, key)
	if err != nil {
		return nil, err
	}
	uploadOpts := &azblob.UploadStreamOptions{HTTPHeaders: &blob.HTTPHeaders{}}
	if opts.ContentType != "" {
		uploadOpts.HTTPHeaders.BlobContentType = to.Ptr(opts.ContentType)
	}
	switch {
	case opts.ExpectedETag != "":
		uploadOpts.AccessConditions = ifMatch(opts.ExpectedETag)
	case opts.IfNotExists:
		uploadOpts.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: to.Ptr(azcore.ETag("*"))},
		}
	}
	resp, err := s.client.UploadStream(ctx, s.container, name, body, uploadOpts)
	if err != nil {
		switch {
		case isPreconditionFailed(err):
			return nil, storage.ErrCASMismatch
		case opts.ExpectedETag != "" && isNotFound(err):
			return nil, storage.ErrNotFound
		}
		return nil, objectstore.Wrap(err, "azure: upload object", httpStatus)
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         etag(resp.ETag),
		ContentType:  opts.ContentType,
		LastModified: deref(resp.LastModified, time.Now()).UTC(),
	}, nil
}

// DeleteObject removes the blob, honouring an expected ETag.
func (s *Store) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	name, err := s.blobName(namespace, key)
	if err != nil {
		return err
	}
	deleteOpts := &azblob.DeleteBlobOptions{}
	if opts.ExpectedETag != "" {
		deleteOpts.AccessConditions = ifMatch(opts.ExpectedETag)
	}
	_, err = s.client.DeleteBlob(ctx, s.container, name, deleteOpts)
	switch {
	case err == nil:
		return nil
	case isPreconditionFailed(err):
		return storage.ErrCASMismatch
	case isNotFound(err) && opts.IgnoreNotFound:
		return nil
	case isNotFound(err):
		return storage.ErrNotFound
	default:
		return objectstore.Wrap(err, "azure: delete object", httpStatus)
	}
}

func ifMatch(tag string) *blob.AccessConditions {
	return &blob.AccessConditions{
		ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfMatch: to.Ptr(azcore.ETag(tag))},
	}
}

func etag(tag *azcore.ETag) string {
	if tag == nil {
		return ""
	}
	return string(*tag)
}

func httpStatus(err error) (int, bool) {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode, true
	}
	return 0, false
}

func isNotFound(err error) bool {
	code, ok := httpStatus(err)
	return ok && code == http.StatusNotFound
}

func isPreconditionFailed(err error) bool {
	code, ok := httpStatus(err)
	return ok && (code == http.StatusPreconditionFailed || code == http.StatusConflict)
}

func isContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) &&
		respErr.StatusCode == http.StatusConflict &&
		strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
}

func deref[T any](p *T, fallback T) T {
	if p == nil {
		return fallback
	}
	return *p
}
