package table

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"pkt.systems/lakecommit/internal/clock"
	"pkt.systems/lakecommit/internal/loggingutil"
	"pkt.systems/lakecommit/internal/storage"
	"pkt.systems/lakecommit/internal/uuidv7"
	"pkt.systems/pslog"
)

// Catalog resolves table identifiers to metadata documents held in one
// namespace (the warehouse) of a storage backend.
type Catalog struct {
	backend   storage.Backend
	warehouse string
	logger    pslog.Logger
	clock     clock.Clock
}

// Option customises a Catalog.
type Option func(*Catalog)

// WithLogger sets the catalog logger.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Catalog) {
		c.logger = logger
	}
}

// WithClock overrides the clock used for snapshot timestamps.
func WithClock(clk clock.Clock) Option {
	return func(c *Catalog) {
		c.clock = clk
	}
}

// NewCatalog returns a catalog rooted at warehouse within backend.
func NewCatalog(backend storage.Backend, warehouse string, opts ...Option) *Catalog {
	c := &Catalog{backend: backend, warehouse: warehouse}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = loggingutil.WithSubsystem(c.logger, "table.catalog")
	c.clock = clock.OrReal(c.clock)
	return c
}

// Warehouse returns the storage namespace holding the tables.
func (c *Catalog) Warehouse() string {
	return c.warehouse
}

// CreateTable writes the initial metadata for id. It fails with
// ErrTableExists when metadata is already present.
func (c *Catalog) CreateTable(ctx context.Context, id Identifier, props map[string]string) (*Table, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	meta := Metadata{
		FormatVersion: FormatVersion,
		TableUUID:     uuidv7.NewString(),
		Location:      c.warehouse + "/" + strings.TrimSuffix(id.root(), "/"),
		LastUpdatedMs: c.clock.Now().UnixMilli(),
		Snapshots:     []Snapshot{},
		Properties:    map[string]string{},
	}
	for k, v := range props {
		meta.Properties[k] = v
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("table: encode metadata: %w", err)
	}
	info, err := storage.WriteObject(ctx, c.backend, c.warehouse, id.metadataKey(), data, storage.PutObjectOptions{
		IfNotExists: true,
		ContentType: storage.ContentTypeJSON,
	})
	if err != nil {
		if errors.Is(err, storage.ErrCASMismatch) {
			return nil, fmt.Errorf("%w: %s", ErrTableExists, id)
		}
		return nil, fmt.Errorf("table: create %s: %w", id, err)
	}
	c.logger.Info("table.create", "table", id.String(), "uuid", meta.TableUUID)
	return &Table{catalog: c, id: id, meta: meta, etag: info.ETag}, nil
}

// LoadTable reads the current metadata of id.
func (c *Catalog) LoadTable(ctx context.Context, id Identifier) (*Table, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	meta, etag, err := c.loadMetadata(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Table{catalog: c, id: id, meta: meta, etag: etag}, nil
}

// ListTables returns the identifiers stored under namespace, or every table
// when namespace is empty, sorted by their string form.
func (c *Catalog) ListTables(ctx context.Context, namespace string) ([]Identifier, error) {
	prefix := tablesPrefix
	if namespace != "" {
		prefix += namespace + "/"
	}
	var ids []Identifier
	err := storage.ListAll(ctx, c.backend, c.warehouse, prefix, func(obj storage.ObjectInfo) error {
		rest := strings.TrimPrefix(obj.Key, tablesPrefix)
		parts := strings.Split(rest, "/")
		if len(parts) != 3 || parts[2] != metadataFile {
			return nil
		}
		ids = append(ids, Identifier{Namespace: parts[0], Name: parts[1]})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("table: list %q: %w", namespace, err)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

func (c *Catalog) loadMetadata(ctx context.Context, id Identifier) (Metadata, string, error) {
	data, info, err := storage.ReadObject(ctx, c.backend, c.warehouse, id.metadataKey())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Metadata{}, "", fmt.Errorf("%w: %s", ErrTableNotFound, id)
		}
		return Metadata{}, "", fmt.Errorf("table: load %s: %w", id, err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, "", fmt.Errorf("table: decode metadata %s: %w", id, err)
	}
	return meta, info.ETag, nil
}
