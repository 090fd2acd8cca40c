package table

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"time"

	"pkt.systems/lakecommit/internal/storage"
	"pkt.systems/lakecommit/internal/uuidv7"
)

type pendingUpdate struct {
	table   *Table
	props   map[string]string
	data    []DataFile
	deletes []DeleteFile
}

func (u *pendingUpdate) set(key, value string) {
	if u.props == nil {
		u.props = make(map[string]string)
	}
	u.props[key] = value
}

func (u *pendingUpdate) operation() string {
	switch {
	case len(u.deletes) == 0:
		return OpAppend
	case len(u.data) == 0:
		return OpDelete
	default:
		return OpOverwrite
	}
}

// Append adds data files in a new snapshot.
type Append struct {
	pendingUpdate
}

// NewAppend starts an append against the loaded table.
func (t *Table) NewAppend() *Append {
	return &Append{pendingUpdate{table: t}}
}

// Set attaches a summary property to the snapshot.
func (a *Append) Set(key, value string) *Append {
	a.set(key, value)
	return a
}

// AppendFile stages a data file.
func (a *Append) AppendFile(f DataFile) *Append {
	a.data = append(a.data, f)
	return a
}

// Commit writes the snapshot. See RowDelta.Commit for retry semantics.
func (a *Append) Commit(ctx context.Context) (*Snapshot, error) {
	return a.commit(ctx, OpAppend)
}

// RowDelta adds data files and delete files in a single snapshot.
type RowDelta struct {
	pendingUpdate
}

// NewRowDelta starts a row-level change against the loaded table.
func (t *Table) NewRowDelta() *RowDelta {
	return &RowDelta{pendingUpdate{table: t}}
}

// Set attaches a summary property to the snapshot.
func (r *RowDelta) Set(key, value string) *RowDelta {
	r.set(key, value)
	return r
}

// AddRows stages a data file.
func (r *RowDelta) AddRows(f DataFile) *RowDelta {
	r.data = append(r.data, f)
	return r
}

// AddDeletes stages a delete file.
func (r *RowDelta) AddDeletes(f DeleteFile) *RowDelta {
	r.deletes = append(r.deletes, f)
	return r
}

// Commit writes the manifest once and then swaps the metadata document by
// ETag. A lost swap refreshes the table and re-applies the snapshot on top of
// the new head, up to commit.retry.num-retries times, after which the commit
// fails with ErrCommitConflict.
func (r *RowDelta) Commit(ctx context.Context) (*Snapshot, error) {
	return r.commit(ctx, r.operation())
}

func (u *pendingUpdate) commit(ctx context.Context, op string) (*Snapshot, error) {
	t := u.table
	c := t.catalog
	logger := c.logger.With("table", t.id.String())
	snapshotID := uuidv7.NewInt63()
	manifestKey := t.id.manifestKey(snapshotID)

	entries := make([]ManifestEntry, 0, len(u.data)+len(u.deletes))
	var addedRecords, addedSize int64
	for _, f := range u.data {
		entries = append(entries, dataEntry(snapshotID, f))
		addedRecords += f.RecordCount
		addedSize += f.FileSizeBytes
	}
	for _, f := range u.deletes {
		entries = append(entries, deleteEntry(snapshotID, f))
		addedSize += f.FileSizeBytes
	}
	if err := c.writeManifest(ctx, manifestKey, entries); err != nil {
		return nil, err
	}

	retries := t.commitRetries()
	for attempt := 0; ; attempt++ {
		base := t.meta
		parent := t.CurrentSnapshot()
		summary := make(map[string]string, len(u.props)+8)
		maps.Copy(summary, u.props)
		var parentSummary map[string]string
		if parent != nil {
			parentSummary = parent.Summary
		}
		summary[SummaryOperation] = op
		summary[SummaryAddedDataFiles] = strconv.Itoa(len(u.data))
		summary[SummaryAddedDeleteFiles] = strconv.Itoa(len(u.deletes))
		summary[SummaryAddedRecords] = strconv.FormatInt(addedRecords, 10)
		summary[SummaryAddedFilesSize] = strconv.FormatInt(addedSize, 10)
		summary[SummaryTotalDataFiles] = strconv.FormatInt(summaryInt(parentSummary, SummaryTotalDataFiles)+int64(len(u.data)), 10)
		summary[SummaryTotalDeleteFiles] = strconv.FormatInt(summaryInt(parentSummary, SummaryTotalDeleteFiles)+int64(len(u.deletes)), 10)
		summary[SummaryTotalRecords] = strconv.FormatInt(summaryInt(parentSummary, SummaryTotalRecords)+addedRecords, 10)

		now := c.clock.Now()
		snap := Snapshot{
			ID:             snapshotID,
			SequenceNumber: base.LastSequenceNumber + 1,
			TimestampMs:    now.UnixMilli(),
			Operation:      op,
			Summary:        summary,
			ManifestKey:    manifestKey,
		}
		if parent != nil {
			parentID := parent.ID
			snap.ParentID = &parentID
		}
		next := base.clone()
		next.Snapshots = append(next.Snapshots, snap)
		next.CurrentSnapshotID = &snap.ID
		next.LastSequenceNumber = snap.SequenceNumber
		next.LastUpdatedMs = now.UnixMilli()

		data, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("table: encode metadata: %w", err)
		}
		start := time.Now()
		info, err := storage.WriteObject(ctx, c.backend, c.warehouse, t.id.metadataKey(), data, storage.PutObjectOptions{
			ExpectedETag: t.etag,
			ContentType:  storage.ContentTypeJSON,
		})
		if err == nil {
			t.meta = next
			t.etag = info.ETag
			logger.Debug("table.commit.success",
				"snapshot_id", snap.ID,
				"sequence_number", snap.SequenceNumber,
				"operation", op,
				"attempt", attempt+1,
				"elapsed", time.Since(start),
			)
			return &snap, nil
		}
		if !errors.Is(err, storage.ErrCASMismatch) {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrTableNotFound, t.id)
			}
			return nil, fmt.Errorf("table: commit %s: %w", t.id, err)
		}
		if attempt >= retries {
			if derr := c.backend.DeleteObject(ctx, c.warehouse, manifestKey, storage.DeleteObjectOptions{IgnoreNotFound: true}); derr != nil {
				logger.Warn("table.commit.manifest_cleanup_failed", "manifest", manifestKey, "error", derr)
			}
			return nil, fmt.Errorf("%w: %s after %d attempts", ErrCommitConflict, t.id, attempt+1)
		}
		logger.Debug("table.commit.conflict", "snapshot_id", snapshotID, "attempt", attempt+1)
		if err := t.Refresh(ctx); err != nil {
			return nil, err
		}
	}
}
