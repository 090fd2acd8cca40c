package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
)

// ReadObject returns the whole payload of key together with its metadata.
func ReadObject(ctx context.Context, backend Backend, namespace, key string) ([]byte, *ObjectInfo, error) {
	res, err := backend.GetObject(ctx, namespace, key)
	if err != nil {
		return nil, nil, err
	}
	defer res.Reader.Close()
	data, err := io.ReadAll(res.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: read %s: %w", key, err)
	}
	return data, res.Info, nil
}

// WriteObject puts data through a bytes.Reader, which the retry wrapper can
// rewind.
func WriteObject(ctx context.Context, backend Backend, namespace, key string, data []byte, opts PutObjectOptions) (*ObjectInfo, error) {
	return backend.PutObject(ctx, namespace, key, bytes.NewReader(data), opts)
}

// ListAll pages through prefix and hands each object to visit, stopping at
// the first error.
func ListAll(ctx context.Context, backend Backend, namespace, prefix string, visit func(ObjectInfo) error) error {
	opts := ListOptions{Prefix: prefix}
	for {
		page, err := backend.ListObjects(ctx, namespace, opts)
		if err != nil {
			return err
		}
		for _, obj := range page.Objects {
			if err := visit(obj); err != nil {
				return err
			}
		}
		if !page.Truncated || page.NextStartAfter == "" {
			return nil
		}
		opts.StartAfter = page.NextStartAfter
	}
}
