package table

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"pkt.systems/lakecommit/internal/clock"
	"pkt.systems/lakecommit/internal/storage"
	"pkt.systems/lakecommit/internal/storage/memory"
)

func newTestCatalog(t *testing.T) (*Catalog, *memory.Store) {
	t.Helper()
	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })
	clk := clock.NewManual(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	return NewCatalog(store, "warehouse", WithClock(clk)), store
}

func TestParseIdentifier(t *testing.T) {
	t.Parallel()
	id, err := ParseIdentifier("db.analytics.events")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id.Namespace != "db.analytics" || id.Name != "events" {
		t.Fatalf("unexpected identifier %+v", id)
	}
	if id.String() != "db.analytics.events" {
		t.Fatalf("unexpected string %q", id.String())
	}
	for _, bad := range []string{"", "events", ".events", "db.", "db/x.events"} {
		if _, err := ParseIdentifier(bad); !errors.Is(err, ErrInvalidIdentifier) {
			t.Fatalf("expected invalid identifier for %q, got %v", bad, err)
		}
	}
}

func TestCreateLoadList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cat, _ := newTestCatalog(t)
	events := Identifier{Namespace: "db", Name: "events"}
	users := Identifier{Namespace: "db", Name: "users"}
	other := Identifier{Namespace: "ops", Name: "audit"}
	for _, id := range []Identifier{users, events, other} {
		if _, err := cat.CreateTable(ctx, id, map[string]string{"owner": "tests"}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if _, err := cat.CreateTable(ctx, events, nil); !errors.Is(err, ErrTableExists) {
		t.Fatalf("expected ErrTableExists, got %v", err)
	}
	tbl, err := cat.LoadTable(ctx, events)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tbl.CurrentSnapshot() != nil {
		t.Fatalf("expected no snapshot on new table")
	}
	if v, _ := tbl.Property("owner"); v != "tests" {
		t.Fatalf("expected owner property, got %q", v)
	}
	if _, err := cat.LoadTable(ctx, Identifier{Namespace: "db", Name: "missing"}); !errors.Is(err, ErrTableNotFound) {
		t.Fatalf("expected ErrTableNotFound, got %v", err)
	}
	ids, err := cat.ListTables(ctx, "db")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 || ids[0] != events || ids[1] != users {
		t.Fatalf("unexpected tables %+v", ids)
	}
	all, err := cat.ListTables(ctx, "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 tables, got %+v", all)
	}
}

func TestAppendBuildsSnapshotChain(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cat, _ := newTestCatalog(t)
	id := Identifier{Namespace: "db", Name: "events"}
	tbl, err := cat.CreateTable(ctx, id, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	first, err := tbl.NewAppend().
		AppendFile(DataFile{Path: "s3://b/1.parquet", Format: "parquet", RecordCount: 10, FileSizeBytes: 100}).
		Set("writer", "w1").
		Commit(ctx)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if first.ParentID != nil || first.SequenceNumber != 1 || first.Operation != OpAppend {
		t.Fatalf("unexpected first snapshot %+v", first)
	}
	second, err := tbl.NewRowDelta().
		AddRows(DataFile{Path: "s3://b/2.parquet", Format: "parquet", RecordCount: 5, FileSizeBytes: 50}).
		AddDeletes(DeleteFile{Path: "s3://b/2-del.parquet", Format: "parquet", Content: ContentEqualityDeletes, RecordCount: 2, FileSizeBytes: 20, EqualityFieldIDs: []int32{1}}).
		Commit(ctx)
	if err != nil {
		t.Fatalf("row delta: %v", err)
	}
	if second.ParentID == nil || *second.ParentID != first.ID || second.Operation != OpOverwrite {
		t.Fatalf("unexpected second snapshot %+v", second)
	}
	want := map[string]string{
		SummaryAddedDataFiles:   "1",
		SummaryAddedDeleteFiles: "1",
		SummaryAddedRecords:     "5",
		SummaryAddedFilesSize:   "70",
		SummaryTotalDataFiles:   "2",
		SummaryTotalDeleteFiles: "1",
		SummaryTotalRecords:     "15",
	}
	for k, v := range want {
		if second.Summary[k] != v {
			t.Fatalf("summary %s: expected %s, got %q", k, v, second.Summary[k])
		}
	}
	if _, ok := second.Summary["writer"]; ok {
		t.Fatalf("properties must not leak between transactions")
	}

	reloaded, err := cat.LoadTable(ctx, id)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	var chain []int64
	for snap := range reloaded.Ancestors() {
		chain = append(chain, snap.ID)
	}
	if len(chain) != 2 || chain[0] != second.ID || chain[1] != first.ID {
		t.Fatalf("unexpected ancestry %v", chain)
	}

	entries, err := reloaded.Manifest(ctx, reloaded.CurrentSnapshot())
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 manifest entries, got %d", len(entries))
	}
	if entries[0].FileContent() != ContentData || entries[0].FilePath != "s3://b/2.parquet" {
		t.Fatalf("unexpected data entry %+v", entries[0])
	}
	if entries[1].FileContent() != ContentEqualityDeletes || len(entries[1].EqualityFieldIDs) != 1 {
		t.Fatalf("unexpected delete entry %+v", entries[1])
	}
}

func TestAncestorsStopsAtMissingParent(t *testing.T) {
	t.Parallel()
	missing := int64(99)
	parent := int64(1)
	tbl := &Table{meta: Metadata{
		CurrentSnapshotID: ptr(int64(2)),
		Snapshots: []Snapshot{
			{ID: 1, ParentID: &missing},
			{ID: 2, ParentID: &parent},
		},
	}}
	var seen []int64
	for snap := range tbl.Ancestors() {
		seen = append(seen, snap.ID)
	}
	if len(seen) != 2 || seen[0] != 2 || seen[1] != 1 {
		t.Fatalf("unexpected walk %v", seen)
	}
	// Early break must be honoured.
	count := 0
	for range tbl.Ancestors() {
		count++
		break
	}
	if count != 1 {
		t.Fatalf("expected single iteration, got %d", count)
	}
}

func TestConcurrentCommitRebasesOnConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cat, _ := newTestCatalog(t)
	id := Identifier{Namespace: "db", Name: "events"}
	if _, err := cat.CreateTable(ctx, id, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	a, _ := cat.LoadTable(ctx, id)
	b, _ := cat.LoadTable(ctx, id)
	first, err := a.NewAppend().AppendFile(DataFile{Path: "a", RecordCount: 1}).Commit(ctx)
	if err != nil {
		t.Fatalf("commit a: %v", err)
	}
	second, err := b.NewAppend().AppendFile(DataFile{Path: "b", RecordCount: 2}).Commit(ctx)
	if err != nil {
		t.Fatalf("commit b: %v", err)
	}
	if second.ParentID == nil || *second.ParentID != first.ID {
		t.Fatalf("expected rebase onto %d, got %+v", first.ID, second.ParentID)
	}
	if second.Summary[SummaryTotalRecords] != "3" {
		t.Fatalf("expected total-records 3, got %q", second.Summary[SummaryTotalRecords])
	}
}

type conflictingBackend struct {
	storage.Backend
}

func (b conflictingBackend) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	if opts.ExpectedETag != "" && strings.HasSuffix(key, metadataFile) {
		return nil, storage.ErrCASMismatch
	}
	return b.Backend.PutObject(ctx, namespace, key, body, opts)
}

func TestCommitConflictExhaustsRetries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	cat := NewCatalog(conflictingBackend{store}, "warehouse")
	id := Identifier{Namespace: "db", Name: "events"}
	if _, err := cat.CreateTable(ctx, id, map[string]string{PropCommitNumRetries: "1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	tbl, err := cat.LoadTable(ctx, id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := tbl.NewAppend().AppendFile(DataFile{Path: "x", RecordCount: 1}).Commit(ctx); !errors.Is(err, ErrCommitConflict) {
		t.Fatalf("expected ErrCommitConflict, got %v", err)
	}
	var manifests int
	_ = storage.ListAll(ctx, store, "warehouse", id.root()+manifestsDir+"/", func(storage.ObjectInfo) error {
		manifests++
		return nil
	})
	if manifests != 0 {
		t.Fatalf("expected orphan manifest cleanup, found %d", manifests)
	}
}

func ptr[T any](v T) *T { return &v }
