package storage_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"pkt.systems/lakecommit/internal/storage"
	"pkt.systems/lakecommit/internal/storage/memory"
)

func TestNewTransientErrorWraps(t *testing.T) {
	t.Parallel()

	err := errors.New("boom")
	wrapped := storage.NewTransientError(err)
	if wrapped == nil {
		t.Fatal("expected wrapped error")
	}
	if !errors.Is(wrapped, err) {
		t.Fatal("wrapped error should contain original")
	}
	if !storage.IsTransient(wrapped) {
		t.Fatal("expected IsTransient to detect wrapped error")
	}
	if storage.IsTransient(err) {
		t.Fatal("plain error should not be transient")
	}
	if storage.NewTransientError(nil) != nil {
		t.Fatal("nil input should return nil")
	}
}

func TestReadWriteObjectHelpers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })

	info, err := storage.WriteObject(ctx, store, "ns", "a/b.json", []byte(`{"x":1}`), storage.PutObjectOptions{ContentType: storage.ContentTypeJSON})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	data, got, err := storage.ReadObject(ctx, store, "ns", "a/b.json")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != `{"x":1}` {
		t.Fatalf("unexpected payload %q", data)
	}
	if got.ETag != info.ETag {
		t.Fatalf("etag mismatch: %q vs %q", got.ETag, info.ETag)
	}
	if _, _, err := storage.ReadObject(ctx, store, "ns", "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListAllFollowsPages(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })
	for i := range 5 {
		key := fmt.Sprintf("p/%02d", i)
		if _, err := storage.WriteObject(ctx, store, "ns", key, []byte("x"), storage.PutObjectOptions{}); err != nil {
			t.Fatalf("write %s: %v", key, err)
		}
	}
	if _, err := storage.WriteObject(ctx, store, "ns", "other", []byte("x"), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("write other: %v", err)
	}
	paged := &pagingBackend{Backend: store, limit: 2}
	var keys []string
	err := storage.ListAll(ctx, paged, "ns", "p/", func(obj storage.ObjectInfo) error {
		keys = append(keys, obj.Key)
		return nil
	})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(keys) != 5 || keys[0] != "p/00" || keys[4] != "p/04" {
		t.Fatalf("unexpected keys %v", keys)
	}
	if paged.calls != 3 {
		t.Fatalf("expected 3 pages, got %d", paged.calls)
	}
}

type pagingBackend struct {
	storage.Backend
	limit int
	calls int
}

func (p *pagingBackend) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	p.calls++
	opts.Limit = p.limit
	return p.Backend.ListObjects(ctx, namespace, opts)
}
