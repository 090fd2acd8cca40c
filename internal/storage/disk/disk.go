// Package disk keeps warehouse objects on a local or shared POSIX
// filesystem. Each object is a plain file with a JSON sidecar carrying its
// ETag and content type; writers of one key are serialised with an advisory
// lock so several lakecommit processes may share a root.
package disk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"pkt.systems/lakecommit/internal/clock"
	"pkt.systems/lakecommit/internal/loggingutil"
	"pkt.systems/lakecommit/internal/storage"
	"pkt.systems/lakecommit/internal/storage/objectstore"
	"pkt.systems/pslog"
)

const infoSuffix = ".info.json"

// Config selects the root directory.
type Config struct {
	Root string
	// Clock stamps ETags and sidecars; the real clock when nil.
	Clock clock.Clock
	// Watch enables fsnotify change notifications where the filesystem
	// delivers them.
	Watch bool
}

// Store implements storage.Backend and storage.ChangeFeed. Layout under the
// root: objects/<namespace>/<key>, tmp/ for staging, locks/ for key locks.
type Store struct {
	root         string
	objects      string
	staging      string
	lockRoot     string
	clock        clock.Clock
	watchEnabled bool

	keyMu sync.Map // object path -> *sync.Mutex
}

type sidecar struct {
	ETag          string `json:"etag"`
	ContentType   string `json:"content_type,omitempty"`
	UpdatedAtUnix int64  `json:"updated_at_unix"`
}

// New prepares the directory tree under cfg.Root.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	root := filepath.Clean(cfg.Root)
	s := &Store{
		root:     root,
		objects:  filepath.Join(root, "objects"),
		staging:  filepath.Join(root, "tmp"),
		lockRoot: filepath.Join(root, "locks"),
		clock:    clock.OrReal(cfg.Clock),
	}
	for _, dir := range []string{s.objects, s.staging, s.lockRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	s.watchEnabled = cfg.Watch && watchSupported(root)
	return s, nil
}

// Root returns the directory the store was opened on.
func (s *Store) Root() string { return s.root }

// Close is a no-op; no handles outlive a call.
func (s *Store) Close() error { return nil }

func logger(ctx context.Context) pslog.Logger {
	return loggingutil.EnsureLogger(pslog.LoggerFromContext(ctx)).With("storage_backend", "disk")
}

// objectPath validates namespace and key and returns the slash separated
// path of the object relative to the objects directory.
func objectPath(namespace, key string) (string, error) {
	switch {
	case namespace == "", namespace == ".", namespace == "..", strings.ContainsAny(namespace, `/\`):
		return "", fmt.Errorf("disk: invalid namespace %q", namespace)
	case key == "":
		return "", fmt.Errorf("disk: object key required")
	}
	clean := strings.TrimPrefix(path.Clean("/"+key), "/")
	if clean == "" || strings.HasSuffix(clean, infoSuffix) {
		return "", fmt.Errorf("disk: invalid object key %q", key)
	}
	return namespace + "/" + clean, nil
}

func (s *Store) file(rel string) string {
	return filepath.Join(s.objects, filepath.FromSlash(rel))
}

// lockKey serialises writers of rel within this process and, through an
// advisory file lock, across processes sharing the root.
func (s *Store) lockKey(rel string) (func(), error) {
	v, _ := s.keyMu.LoadOrStore(rel, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	lockPath := filepath.Join(s.lockRoot, filepath.FromSlash(rel)+".lock")
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("disk: prepare lock directory: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("disk: open lock: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		mu.Unlock()
		return nil, fmt.Errorf("disk: lock key: %w", err)
	}
	return func() {
		_ = unlockFile(f)
		_ = f.Close()
		mu.Unlock()
	}, nil
}

// stat reads the data file and its sidecar. A data file without a readable
// sidecar is reported as corrupt rather than missing.
func (s *Store) stat(key, rel string) (*storage.ObjectInfo, error) {
	name := s.file(rel)
	fi, err := os.Stat(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("disk: stat object %q: %w", key, err)
	}
	raw, err := os.ReadFile(name + infoSuffix)
	if err != nil {
		return nil, fmt.Errorf("disk: read metadata of %q: %w", key, err)
	}
	var meta sidecar
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("disk: decode metadata of %q: %w", key, err)
	}
	if meta.ETag == "" {
		return nil, fmt.Errorf("disk: object %q has no etag", key)
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         meta.ETag,
		Size:         fi.Size(),
		LastModified: fi.ModTime(),
		ContentType:  meta.ContentType,
	}, nil
}

// ListObjects walks the namespace directory and returns keys in lexical
// order.
func (s *Store) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	dir := filepath.Join(s.objects, namespace)
	var keys []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return filepath.SkipDir
		case err != nil:
			return err
		case d.IsDir(), strings.HasSuffix(d.Name(), infoSuffix):
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		logger(ctx).Debug("disk.list.error", "namespace", namespace, "error", err)
		return nil, fmt.Errorf("disk: list objects: %w", err)
	}
	slices.Sort(keys)
	page := objectstore.NewPage(opts)
	for _, key := range keys {
		if !strings.HasPrefix(key, opts.Prefix) || (opts.StartAfter != "" && key <= opts.StartAfter) {
			continue
		}
		info, err := s.stat(key, namespace+"/"+key)
		if errors.Is(err, storage.ErrNotFound) {
			continue // removed since the walk
		}
		if err != nil {
			return nil, err
		}
		if !page.Add(*info) {
			break
		}
	}
	return page.Result(), nil
}

// GetObject opens key for reading.
func (s *Store) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	rel, err := objectPath(namespace, key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	f, err := os.Open(s.file(rel))
	if errors.Is(err, fs.ErrNotExist) {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	if err != nil {
		logger(ctx).Debug("disk.get.error", "key", key, "error", err)
		return storage.GetObjectResult{}, fmt.Errorf("disk: open object %q: %w", key, err)
	}
	info, err := s.stat(key, rel)
	if err != nil {
		f.Close()
		return storage.GetObjectResult{}, err
	}
	return storage.GetObjectResult{Reader: f, Info: info}, nil
}

// PutObject stages body in tmp/, then renames the sidecar and the data file
// into place under the key lock. The sidecar lands first so a watcher woken
// by the data file always finds metadata.
func (s *Store) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	rel, err := objectPath(namespace, key)
	if err != nil {
		return nil, err
	}
	unlock, err := s.lockKey(rel)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.checkPrecondition(key, rel, opts); err != nil {
		logger(ctx).Debug("disk.put.precondition", "key", key, "expected_etag", opts.ExpectedETag, "if_not_exists", opts.IfNotExists, "error", err)
		return nil, err
	}
	now := s.clock.Now()
	hash := sha256.New()
	staged, err := s.stage("object-*", func(w io.Writer) error {
		_, err := io.Copy(io.MultiWriter(w, hash), body)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("disk: write object %q: %w", key, err)
	}
	defer os.Remove(staged)
	// The timestamp makes rewriting identical bytes change the ETag.
	hash.Write([]byte(now.UTC().Format("2006-01-02T15:04:05.999999999Z")))
	meta, err := json.Marshal(sidecar{
		ETag:          hex.EncodeToString(hash.Sum(nil)),
		ContentType:   opts.ContentType,
		UpdatedAtUnix: now.Unix(),
	})
	if err != nil {
		return nil, err
	}
	name := s.file(rel)
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare directory for %q: %w", key, err)
	}
	if err := s.place(name+infoSuffix, meta); err != nil {
		return nil, fmt.Errorf("disk: write metadata of %q: %w", key, err)
	}
	if err := os.Rename(staged, name); err != nil {
		return nil, fmt.Errorf("disk: publish object %q: %w", key, err)
	}
	_ = syncDir(filepath.Dir(name))
	return s.stat(key, rel)
}

func (s *Store) checkPrecondition(key, rel string, opts storage.PutObjectOptions) error {
	if opts.ExpectedETag == "" && !opts.IfNotExists {
		return nil
	}
	current, err := s.stat(key, rel)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	switch {
	case opts.ExpectedETag != "" && current == nil:
		return storage.ErrNotFound
	case opts.ExpectedETag != "" && current.ETag != opts.ExpectedETag:
		return storage.ErrCASMismatch
	case opts.ExpectedETag == "" && current != nil:
		return storage.ErrCASMismatch
	}
	return nil
}

// stage writes a synced temporary file and returns its path.
func (s *Store) stage(pattern string, write func(io.Writer) error) (string, error) {
	tmp, err := os.CreateTemp(s.staging, pattern)
	if err != nil {
		return "", err
	}
	err = write(tmp)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

// place atomically replaces dest with data.
func (s *Store) place(dest string, data []byte) error {
	staged, err := s.stage("meta-*", func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
	if err != nil {
		return err
	}
	if err := os.Rename(staged, dest); err != nil {
		os.Remove(staged)
		return err
	}
	return nil
}

// DeleteObject removes the data file and its sidecar under the key lock.
func (s *Store) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	rel, err := objectPath(namespace, key)
	if err != nil {
		return err
	}
	unlock, err := s.lockKey(rel)
	if err != nil {
		return err
	}
	defer unlock()

	info, err := s.stat(key, rel)
	if errors.Is(err, storage.ErrNotFound) && opts.IgnoreNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if opts.ExpectedETag != "" && info.ETag != opts.ExpectedETag {
		return storage.ErrCASMismatch
	}
	name := s.file(rel)
	for _, p := range []string{name, name + infoSuffix} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger(ctx).Debug("disk.delete.error", "key", key, "path", p, "error", err)
			return fmt.Errorf("disk: remove %q: %w", p, err)
		}
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
