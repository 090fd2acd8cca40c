// Package memory is a process-local storage.Backend used by tests and by
// single-process demos (store mem://). ETags are UUIDv7 strings.
package memory

import (
	"bytes"
	"context"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"pkt.systems/lakecommit/internal/storage"
	"pkt.systems/lakecommit/internal/uuidv7"
)

// Store keeps objects in a map keyed by "<namespace>/<key>" plus a sorted
// key index for listing.
type Store struct {
	mu      sync.RWMutex
	objects map[string]object
	index   []string // sorted keys of objects

	subMu sync.Mutex
	subs  map[*subscription]struct{}
}

type object struct {
	data        []byte
	etag        string
	contentType string
	modified    time.Time
}

func (o object) info(key string) storage.ObjectInfo {
	return storage.ObjectInfo{
		Key:          key,
		ETag:         o.etag,
		Size:         int64(len(o.data)),
		LastModified: o.modified,
		ContentType:  o.contentType,
	}
}

// New returns an empty store.
func New() *Store {
	return &Store{
		objects: make(map[string]object),
		subs:    make(map[*subscription]struct{}),
	}
}

func fullKey(namespace, key string) string {
	return namespace + "/" + key
}

// ListObjects serves a page from the sorted index.
func (s *Store) ListObjects(_ context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	root := namespace + "/"
	from := root + opts.Prefix
	if opts.StartAfter != "" {
		from = max(from, root+opts.StartAfter+"\x00")
	}
	i, _ := slices.BinarySearch(s.index, from)
	res := &storage.ListResult{}
	for ; i < len(s.index); i++ {
		full := s.index[i]
		if !strings.HasPrefix(full, root+opts.Prefix) {
			break
		}
		if opts.Limit > 0 && len(res.Objects) == opts.Limit {
			res.Truncated = true
			res.NextStartAfter = res.Objects[len(res.Objects)-1].Key
			break
		}
		res.Objects = append(res.Objects, s.objects[full].info(full[len(root):]))
	}
	return res, nil
}

// GetObject returns a reader over a snapshot of the payload.
func (s *Store) GetObject(_ context.Context, namespace, key string) (storage.GetObjectResult, error) {
	s.mu.RLock()
	obj, ok := s.objects[fullKey(namespace, key)]
	s.mu.RUnlock()
	if !ok {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	info := obj.info(key)
	return storage.GetObjectResult{Reader: io.NopCloser(bytes.NewReader(obj.data)), Info: &info}, nil
}

// PutObject stores body, enforcing ExpectedETag or IfNotExists.
func (s *Store) PutObject(_ context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	full := fullKey(namespace, key)
	s.mu.Lock()
	current, exists := s.objects[full]
	switch {
	case opts.ExpectedETag != "" && !exists:
		s.mu.Unlock()
		return nil, storage.ErrNotFound
	case opts.ExpectedETag != "" && current.etag != opts.ExpectedETag:
		s.mu.Unlock()
		return nil, storage.ErrCASMismatch
	case opts.ExpectedETag == "" && opts.IfNotExists && exists:
		s.mu.Unlock()
		return nil, storage.ErrCASMismatch
	}
	obj := object{data: data, etag: uuidv7.NewString(), contentType: opts.ContentType, modified: time.Now().UTC()}
	s.objects[full] = obj
	if !exists {
		i, _ := slices.BinarySearch(s.index, full)
		s.index = slices.Insert(s.index, i, full)
	}
	s.mu.Unlock()

	s.notify(full)
	info := obj.info(key)
	return &info, nil
}

// DeleteObject removes key, enforcing ExpectedETag when set.
func (s *Store) DeleteObject(_ context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	full := fullKey(namespace, key)
	s.mu.Lock()
	current, exists := s.objects[full]
	switch {
	case !exists && opts.IgnoreNotFound:
		s.mu.Unlock()
		return nil
	case !exists:
		s.mu.Unlock()
		return storage.ErrNotFound
	case opts.ExpectedETag != "" && current.etag != opts.ExpectedETag:
		s.mu.Unlock()
		return storage.ErrCASMismatch
	}
	delete(s.objects, full)
	if i, found := slices.BinarySearch(s.index, full); found {
		s.index = slices.Delete(s.index, i, i+1)
	}
	s.mu.Unlock()

	s.notify(full)
	return nil
}

// SubscribeChanges signals after every put or delete under prefix.
func (s *Store) SubscribeChanges(namespace, prefix string) (storage.ChangeSubscription, error) {
	sub := &subscription{store: s, prefix: fullKey(namespace, prefix), events: make(chan struct{}, 1)}
	s.subMu.Lock()
	s.subs[sub] = struct{}{}
	s.subMu.Unlock()
	return sub, nil
}

// notify runs under subMu so a subscription cannot close its channel while
// being signalled.
func (s *Store) notify(full string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for sub := range s.subs {
		if strings.HasPrefix(full, sub.prefix) {
			select {
			case sub.events <- struct{}{}:
			default:
			}
		}
	}
}

// Close ends every open subscription.
func (s *Store) Close() error {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for sub := range s.subs {
		close(sub.events)
		delete(s.subs, sub)
	}
	return nil
}

type subscription struct {
	store  *Store
	prefix string
	events chan struct{}
}

func (s *subscription) Events() <-chan struct{} { return s.events }

// Close is idempotent and safe after Store.Close.
func (s *subscription) Close() error {
	s.store.subMu.Lock()
	defer s.store.subMu.Unlock()
	if _, ok := s.store.subs[s]; ok {
		delete(s.store.subs, s)
		close(s.events)
	}
	return nil
}
