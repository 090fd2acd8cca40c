package lakecommit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"pkt.systems/lakecommit/internal/channel"
	"pkt.systems/lakecommit/internal/channel/objlog"
	"pkt.systems/lakecommit/internal/clock"
	"pkt.systems/lakecommit/internal/coordinator"
	"pkt.systems/lakecommit/internal/event"
	"pkt.systems/lakecommit/internal/storage/memory"
	"pkt.systems/lakecommit/internal/table"
)

func newObjlogServer(t *testing.T, store *memory.Store, clk clock.Clock) *Server {
	t.Helper()
	cfg := Config{
		Store:             "mem://",
		Channel:           ChannelObjlog,
		ControlTopic:      "control",
		ControlGroupID:    "cg",
		ControlPartitions: 2,
		PollTimeout:       10 * time.Millisecond,
		CommitInterval:    time.Minute,
		CommitTimeout:     time.Hour,
	}
	srv, err := NewServer(cfg, WithBackend(store), WithClock(clk))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv
}

// scriptedWriter plays the writer side of the protocol on its own consumer
// group.
type scriptedWriter struct {
	ch *channel.Channel
}

func newScriptedWriter(t *testing.T, store *memory.Store) *scriptedWriter {
	t.Helper()
	transport, err := objlog.New(objlog.Config{
		Backend:       store,
		Topic:         "control",
		ConsumerGroup: "cg-writer",
		PollTimeout:   10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("writer transport: %v", err)
	}
	t.Cleanup(func() { _ = transport.Close() })
	return &scriptedWriter{ch: channel.New(transport, "cg", nil)}
}

func (w *scriptedWriter) awaitRequest(t *testing.T) string {
	t.Helper()
	var commitID string
	err := w.ch.ConsumeAvailable(context.Background(), channel.ReceiverFunc(func(_ context.Context, env event.Envelope) bool {
		if env.Event.Type != event.TypeCommitRequest {
			return false
		}
		commitID = env.Event.CommitID()
		return true
	}))
	if err != nil {
		t.Fatalf("writer consume: %v", err)
	}
	if commitID == "" {
		t.Fatalf("writer saw no commit request")
	}
	return commitID
}

func (w *scriptedWriter) respond(t *testing.T, commitID string, id table.Identifier, files ...table.DataFile) {
	t.Helper()
	if err := w.ch.Send(context.Background(), event.NewCommitResponse(commitID, id, files, nil)); err != nil {
		t.Fatalf("send response: %v", err)
	}
}

func (w *scriptedWriter) ready(t *testing.T, commitID string, partitions ...int32) {
	t.Helper()
	assignments := make([]event.TopicPartition, 0, len(partitions))
	for _, p := range partitions {
		assignments = append(assignments, event.TopicPartition{Topic: "control", Partition: p})
	}
	if err := w.ch.Send(context.Background(), event.NewCommitReady(commitID, assignments)); err != nil {
		t.Fatalf("send ready: %v", err)
	}
}

func TestServerCommitCycleOverObjlog(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	clk := clock.NewManual(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))
	srv := newObjlogServer(t, store, clk)
	defer srv.Close()

	events := table.Identifier{Namespace: "db", Name: "events"}
	if _, err := srv.Catalog().CreateTable(ctx, events, nil); err != nil {
		t.Fatalf("create table: %v", err)
	}
	coord, err := srv.Start(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := coord.Process(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	clk.Advance(time.Minute)
	if err := coord.Process(ctx); err != nil {
		t.Fatalf("request tick: %v", err)
	}
	commitID := coord.CommitID()
	if commitID == "" {
		t.Fatalf("expected a commit request")
	}

	writer := newScriptedWriter(t, store)
	if got := writer.awaitRequest(t); got != commitID {
		t.Fatalf("writer saw %s, coordinator opened %s", got, commitID)
	}
	writer.respond(t, commitID, events, table.DataFile{Path: "s3://lake/events/1.parquet", Format: "parquet", RecordCount: 42, FileSizeBytes: 4096})
	writer.ready(t, commitID, 0)
	writer.ready(t, commitID, 1)

	if err := coord.Process(ctx); err != nil {
		t.Fatalf("commit tick: %v", err)
	}
	if coord.CommitID() != "" {
		t.Fatalf("cycle did not complete")
	}
	tbl, err := srv.Catalog().LoadTable(ctx, events)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	snap := tbl.CurrentSnapshot()
	if snap == nil {
		t.Fatalf("expected a snapshot")
	}
	if snap.Summary[table.SummaryAddedRecords] != "42" {
		t.Fatalf("unexpected summary %v", snap.Summary)
	}
	offsets, err := coordinator.LastCommittedOffsets(tbl, coordinator.OffsetsProperty("control"))
	if err != nil {
		t.Fatalf("recover offsets: %v", err)
	}
	var positions int64
	for _, next := range offsets {
		positions += next
	}
	if positions != 4 {
		t.Fatalf("expected the four control records to be covered, got %v", offsets)
	}

	// A second coordinator over the same store resumes from the committed
	// consumer offsets and sees nothing to replay.
	srv2 := newObjlogServer(t, store, clk)
	defer srv2.Close()
	coord2, err := srv2.Start(ctx)
	if err != nil {
		t.Fatalf("start second server: %v", err)
	}
	if err := coord2.Process(ctx); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if r, rd := coord2.Pending(); r != 0 || rd != 0 {
		t.Fatalf("restarted coordinator re-read committed records: %d/%d", r, rd)
	}
}

func TestServerCyclesAcrossControlPartitions(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	clk := clock.NewManual(time.Date(2026, 6, 2, 8, 0, 0, 0, time.UTC))
	srv := newObjlogServer(t, store, clk)
	defer srv.Close()

	events := table.Identifier{Namespace: "db", Name: "events"}
	if _, err := srv.Catalog().CreateTable(ctx, events, nil); err != nil {
		t.Fatalf("create table: %v", err)
	}
	coord, err := srv.Start(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := coord.Process(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	writer := newScriptedWriter(t, store)

	// Each cycle lists the record counts of the files the writer reports,
	// one response per file.
	cycles := [][]int64{{1, 2, 2}, {1}, {2}}
	var want int64
	for i, files := range cycles {
		clk.Advance(time.Minute)
		if err := coord.Process(ctx); err != nil {
			t.Fatalf("cycle %d request tick: %v", i, err)
		}
		commitID := coord.CommitID()
		if commitID == "" {
			t.Fatalf("cycle %d: no commit request", i)
		}
		if got := writer.awaitRequest(t); got != commitID {
			t.Fatalf("cycle %d: writer saw %s, coordinator opened %s", i, got, commitID)
		}
		for j, n := range files {
			writer.respond(t, commitID, events, table.DataFile{
				Path:          fmt.Sprintf("s3://lake/events/%d-%d.parquet", i, j),
				Format:        "parquet",
				RecordCount:   n,
				FileSizeBytes: n * 100,
			})
			want += n
		}
		writer.ready(t, commitID, 0, 1)
		if err := coord.Process(ctx); err != nil {
			t.Fatalf("cycle %d commit tick: %v", i, err)
		}
		if coord.CommitID() != "" {
			t.Fatalf("cycle %d did not complete", i)
		}
	}

	tbl, err := srv.Catalog().LoadTable(ctx, events)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	snap := tbl.CurrentSnapshot()
	if snap == nil {
		t.Fatalf("expected a snapshot")
	}
	if got := snap.Summary[table.SummaryTotalRecords]; got != strconv.FormatInt(want, 10) {
		t.Fatalf("total-records %s, want %d", got, want)
	}
	if n := len(tbl.Metadata().Snapshots); n != len(cycles) {
		t.Fatalf("expected one snapshot per cycle, got %d", n)
	}
}

type brokenTransport struct{}

func (brokenTransport) Send(context.Context, []channel.Message) error { return nil }
func (brokenTransport) Poll(context.Context) ([]channel.Record, error) {
	return nil, nil
}
func (brokenTransport) CommitOffsets(context.Context, map[int32]int64) error { return nil }
func (brokenTransport) Partitions(context.Context, ...string) (int, error) {
	return 0, errors.New("metadata unavailable")
}
func (brokenTransport) Close() error { return nil }

func TestServerStartFailsWithoutPartitionMetadata(t *testing.T) {
	srv, err := NewServer(Config{Channel: ChannelObjlog}, WithBackend(memory.New()), WithTransport(brokenTransport{}))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer srv.Close()
	if _, err := srv.Start(context.Background()); err == nil {
		t.Fatalf("expected start to fail")
	}
	if err := srv.Run(context.Background()); err == nil {
		t.Fatalf("expected run to fail")
	}
	if srv.Coordinator() != nil {
		t.Fatalf("coordinator built despite failure")
	}
}

func TestServerRunStopsOnCancel(t *testing.T) {
	srv := newObjlogServer(t, memory.New(), clock.Real{})
	defer srv.Close()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop")
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
