package table

import (
	"context"
	"fmt"
	"iter"
	"strconv"
)

// Table is a loaded view of one table. It is not safe for concurrent use;
// callers load a handle per goroutine.
type Table struct {
	catalog *Catalog
	id      Identifier
	meta    Metadata
	etag    string
}

// Identifier returns the table identifier.
func (t *Table) Identifier() Identifier {
	return t.id
}

// Metadata returns a copy of the loaded metadata document.
func (t *Table) Metadata() Metadata {
	return t.meta.clone()
}

// Property returns a table property.
func (t *Table) Property(key string) (string, bool) {
	v, ok := t.meta.Properties[key]
	return v, ok
}

// CurrentSnapshot returns the current snapshot, or nil for an empty table.
func (t *Table) CurrentSnapshot() *Snapshot {
	if t.meta.CurrentSnapshotID == nil {
		return nil
	}
	return t.Snapshot(*t.meta.CurrentSnapshotID)
}

// Snapshot returns the snapshot with the given id, or nil.
func (t *Table) Snapshot(id int64) *Snapshot {
	snap := t.meta.snapshot(id)
	if snap == nil {
		return nil
	}
	out := *snap
	return &out
}

// Ancestors yields the current snapshot followed by its parents, newest
// first. Iteration stops at the root or at the first parent that is no
// longer present in the metadata.
func (t *Table) Ancestors() iter.Seq[Snapshot] {
	meta := t.meta
	return func(yield func(Snapshot) bool) {
		if meta.CurrentSnapshotID == nil {
			return
		}
		byID := make(map[int64]Snapshot, len(meta.Snapshots))
		for _, snap := range meta.Snapshots {
			byID[snap.ID] = snap
		}
		next := *meta.CurrentSnapshotID
		for range len(byID) {
			snap, ok := byID[next]
			if !ok || !yield(snap) || snap.ParentID == nil {
				return
			}
			next = *snap.ParentID
		}
	}
}

// Refresh reloads the metadata document.
func (t *Table) Refresh(ctx context.Context) error {
	meta, etag, err := t.catalog.loadMetadata(ctx, t.id)
	if err != nil {
		return err
	}
	t.meta = meta
	t.etag = etag
	return nil
}

// Manifest reads the files added by snap.
func (t *Table) Manifest(ctx context.Context, snap *Snapshot) ([]ManifestEntry, error) {
	if snap == nil || snap.ManifestKey == "" {
		return nil, nil
	}
	return t.catalog.readManifest(ctx, snap.ManifestKey)
}

func (t *Table) commitRetries() int {
	raw, ok := t.meta.Properties[PropCommitNumRetries]
	if !ok {
		return DefaultCommitNumRetries
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return DefaultCommitNumRetries
	}
	return n
}

func summaryInt(summary map[string]string, key string) int64 {
	if summary == nil {
		return 0
	}
	v, err := strconv.ParseInt(summary[key], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func (t *Table) String() string {
	return fmt.Sprintf("%s@%s", t.id, t.etag)
}
