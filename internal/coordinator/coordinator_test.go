package coordinator

import (
	"context"
	"errors"
	"maps"
	"testing"
	"time"

	"pkt.systems/lakecommit/internal/channel"
	"pkt.systems/lakecommit/internal/clock"
	"pkt.systems/lakecommit/internal/event"
	"pkt.systems/lakecommit/internal/table"
)

// scriptedChannel replays queued envelopes and records what the driver sends
// and commits.
type scriptedChannel struct {
	inbox     []event.Envelope
	offsets   map[int32]int64
	sent      []event.Event
	committed []map[int32]int64

	sendErr   error
	commitErr error
}

func newScriptedChannel() *scriptedChannel {
	return &scriptedChannel{offsets: map[int32]int64{}}
}

func (s *scriptedChannel) deliver(envs ...event.Envelope) {
	s.inbox = append(s.inbox, envs...)
}

func (s *scriptedChannel) Send(_ context.Context, e event.Event) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, e)
	return nil
}

func (s *scriptedChannel) ConsumeAvailable(ctx context.Context, r channel.Receiver) error {
	for len(s.inbox) > 0 {
		env := s.inbox[0]
		s.inbox = s.inbox[1:]
		s.offsets[env.Partition] = env.Offset + 1
		r.Receive(ctx, env)
	}
	return nil
}

func (s *scriptedChannel) ControlOffsets() map[int32]int64 {
	return maps.Clone(s.offsets)
}

func (s *scriptedChannel) CommitOffsets(context.Context) error {
	if s.commitErr != nil {
		return s.commitErr
	}
	s.committed = append(s.committed, maps.Clone(s.offsets))
	return nil
}

type harness struct {
	coord *Coordinator
	ch    *scriptedChannel
	cat   *table.Catalog
	clk   *clock.Manual
}

func newHarness(t *testing.T, loader func(*table.Catalog) TableLoader) *harness {
	t.Helper()
	cat := newTestCatalog(t)
	createTables(t, cat, eventsTable, usersTable)
	ch := newScriptedChannel()
	clk := clock.NewManual(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	var tables TableLoader = cat
	if loader != nil {
		tables = loader(cat)
	}
	coord, err := New(Config{
		Channel:         ch,
		Tables:          tables,
		ControlTopic:    "control",
		TotalPartitions: 4,
		CommitInterval:  time.Minute,
		CommitTimeout:   30 * time.Second,
		TickInterval:    time.Second,
		CommitThreads:   2,
		Clock:           clk,
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return &harness{coord: coord, ch: ch, cat: cat, clk: clk}
}

// open ticks past the commit interval and returns the new commit id.
func (h *harness) open(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	if err := h.coord.Process(ctx); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	h.clk.Advance(time.Minute)
	if err := h.coord.Process(ctx); err != nil {
		t.Fatalf("request tick: %v", err)
	}
	id := h.coord.CommitID()
	if id == "" {
		t.Fatalf("expected a commit in flight")
	}
	return id
}

func ready(commitID string, partition int32, offset int64, n int) event.Envelope {
	return event.Envelope{Event: event.NewCommitReady(commitID, assignments(n)), Partition: partition, Offset: offset}
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()
	cat := newTestCatalog(t)
	ch := newScriptedChannel()
	cases := []Config{
		{Tables: cat, ControlTopic: "control", TotalPartitions: 1},
		{Channel: ch, ControlTopic: "control", TotalPartitions: 1},
		{Channel: ch, Tables: cat, TotalPartitions: 1},
		{Channel: ch, Tables: cat, ControlTopic: "control"},
	}
	for i, cfg := range cases {
		if _, err := New(cfg); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
	c, err := New(Config{Channel: ch, Tables: cat, ControlTopic: "control", TotalPartitions: 1})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c.cfg.CommitInterval != DefaultCommitInterval || c.cfg.CommitThreads != DefaultCommitThreads {
		t.Fatalf("defaults not applied: %+v", c.cfg)
	}
}

func TestCoordinatorRequestsOnInterval(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)
	if err := h.coord.Process(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	h.clk.Advance(59 * time.Second)
	if err := h.coord.Process(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(h.ch.sent) != 0 || h.coord.CommitID() != "" {
		t.Fatalf("request sent before the interval elapsed")
	}
	id := h.open(t)
	if len(h.ch.sent) != 1 || h.ch.sent[0].Type != event.TypeCommitRequest || h.ch.sent[0].CommitID() != id {
		t.Fatalf("unexpected sent events %+v", h.ch.sent)
	}
}

func TestCoordinatorNoSecondRequestWhileInFlight(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)
	h.coord.cfg.CommitTimeout = time.Hour
	id := h.open(t)
	for range 5 {
		h.clk.Advance(time.Minute)
		if err := h.coord.Process(ctx); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
	if len(h.ch.sent) != 1 || h.coord.CommitID() != id {
		t.Fatalf("expected one request for %s, sent %d", id, len(h.ch.sent))
	}
}

func TestCoordinatorSendFailureRetriesNextTick(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)
	h.ch.sendErr = errors.New("broker down")
	if err := h.coord.Process(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	h.clk.Advance(time.Minute)
	if err := h.coord.Process(ctx); err != nil {
		t.Fatalf("send failures are not fatal: %v", err)
	}
	if h.coord.CommitID() != "" {
		t.Fatalf("commit opened without a request")
	}
	h.ch.sendErr = nil
	if err := h.coord.Process(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if h.coord.CommitID() == "" || len(h.ch.sent) != 1 {
		t.Fatalf("expected the request on the next tick")
	}
}

func TestCoordinatorQuorumEndToEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)
	x := h.open(t)

	h.ch.deliver(
		response(x, eventsTable, 0, 10, dataFile("x-events", 100)),
		response("y", eventsTable, 1, 11, dataFile("y-events", 50)),
		ready("y", 1, 12, 3),
		ready(x, 2, 13, 2),
	)
	if err := h.coord.Process(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if h.coord.CommitID() != x {
		t.Fatalf("stale readiness counted toward quorum")
	}
	if len(h.ch.committed) != 0 {
		t.Fatalf("offsets committed before quorum")
	}

	h.ch.deliver(ready(x, 3, 14, 2))
	if err := h.coord.Process(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if h.coord.CommitID() != "" {
		t.Fatalf("expected quorum commit before the timeout")
	}
	if r, rd := h.coord.Pending(); r != 0 || rd != 0 {
		t.Fatalf("buffers not cleared: %d/%d", r, rd)
	}
	if len(h.ch.committed) != 1 {
		t.Fatalf("expected one offset commit, got %d", len(h.ch.committed))
	}
	want := map[int32]int64{0: 11, 1: 13, 2: 14, 3: 15}
	if !maps.Equal(h.ch.committed[0], want) {
		t.Fatalf("committed offsets %v, want %v", h.ch.committed[0], want)
	}

	snaps := snapshots(t, h.cat, eventsTable)
	if len(snaps) != 1 {
		t.Fatalf("expected one snapshot, got %d", len(snaps))
	}
	if snaps[0].Summary[table.SummaryAddedRecords] != "100" {
		t.Fatalf("stale response leaked into the commit: %v", snaps[0].Summary)
	}
	if snaps[0].Summary[OffsetsProperty("control")] != `{"0":11,"1":13,"2":14,"3":15}` {
		t.Fatalf("unexpected recorded offsets %v", snaps[0].Summary)
	}
	if n := len(snapshots(t, h.cat, usersTable)); n != 0 {
		t.Fatalf("untouched table has %d snapshots", n)
	}
}

func TestCoordinatorTimeoutForcesProgress(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)
	x := h.open(t)
	h.ch.deliver(response(x, usersTable, 0, 0, dataFile("u", 3)))
	if err := h.coord.Process(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	h.clk.Advance(30 * time.Second)
	if err := h.coord.Process(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if h.coord.CommitID() != x {
		t.Fatalf("committed at exactly the timeout")
	}
	h.clk.Advance(time.Second)
	if err := h.coord.Process(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if h.coord.CommitID() != "" {
		t.Fatalf("timeout did not force a commit")
	}
	if n := len(snapshots(t, h.cat, usersTable)); n != 1 {
		t.Fatalf("expected one snapshot, got %d", n)
	}
}

func TestCoordinatorEmptyCycleIsNoop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)
	h.open(t)
	h.clk.Advance(31 * time.Second)
	if err := h.coord.Process(ctx); err != nil {
		t.Fatalf("empty cycle should not fail: %v", err)
	}
	if h.coord.CommitID() != "" {
		t.Fatalf("empty cycle left commit in flight")
	}
	for _, id := range []table.Identifier{eventsTable, usersTable} {
		if n := len(snapshots(t, h.cat, id)); n != 0 {
			t.Fatalf("%s got %d snapshots", id, n)
		}
	}
	h.clk.Advance(29 * time.Second)
	if err := h.coord.Process(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(h.ch.sent) != 2 {
		t.Fatalf("expected the next request one interval after the last, sent %d", len(h.ch.sent))
	}
}

func TestCoordinatorTableFailureKeepsCycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var loader *failingLoader
	h := newHarness(t, func(cat *table.Catalog) TableLoader {
		loader = newFailingLoader(cat)
		return loader
	})
	loader.setFailure(usersTable, errors.New("catalog unavailable"))

	x := h.open(t)
	h.ch.deliver(
		response(x, eventsTable, 0, 0, dataFile("e", 1)),
		response(x, usersTable, 1, 0, dataFile("u", 1)),
		ready(x, 0, 1, 4),
	)
	if err := h.coord.Process(ctx); err != nil {
		t.Fatalf("table failures are not fatal: %v", err)
	}
	if h.coord.CommitID() != x {
		t.Fatalf("failed cycle was abandoned")
	}
	if r, rd := h.coord.Pending(); r != 2 || rd != 1 {
		t.Fatalf("buffers lost after failure: %d/%d", r, rd)
	}
	if len(h.ch.committed) != 0 {
		t.Fatalf("control offsets advanced after a failed cycle")
	}

	loader.setFailure(usersTable, nil)
	h.clk.Advance(time.Second)
	if err := h.coord.Process(ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if h.coord.CommitID() != "" || len(h.ch.committed) != 1 {
		t.Fatalf("retry did not complete the cycle")
	}
	for _, id := range []table.Identifier{eventsTable, usersTable} {
		if n := len(snapshots(t, h.cat, id)); n != 1 {
			t.Fatalf("%s has %d snapshots after retry", id, n)
		}
	}
}

func TestCoordinatorReplaysAfterOffsetCommitFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)
	x := h.open(t)
	h.ch.commitErr = errors.New("rebalance in progress")
	h.ch.deliver(
		response(x, eventsTable, 0, 0, dataFile("e", 5)),
		ready(x, 0, 1, 4),
	)
	if err := h.coord.Process(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if h.coord.CommitID() != x {
		t.Fatalf("cycle resolved although offsets were not committed")
	}
	if n := len(snapshots(t, h.cat, eventsTable)); n != 1 {
		t.Fatalf("expected the table commit to land, got %d snapshots", n)
	}

	h.ch.commitErr = nil
	h.clk.Advance(time.Second)
	if err := h.coord.Process(ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if h.coord.CommitID() != "" || len(h.ch.committed) != 1 {
		t.Fatalf("retry did not resolve the cycle")
	}
	if n := len(snapshots(t, h.cat, eventsTable)); n != 1 {
		t.Fatalf("replay produced a duplicate snapshot: %d", n)
	}
}

func TestCoordinatorRetriesCompleteCycleOnLaterTick(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var loader *failingLoader
	h := newHarness(t, func(cat *table.Catalog) TableLoader {
		loader = newFailingLoader(cat)
		return loader
	})
	loader.setFailure(eventsTable, errors.New("catalog unavailable"))

	x := h.open(t)
	h.ch.deliver(
		response(x, eventsTable, 0, 0, dataFile("e", 4)),
		ready(x, 0, 1, 4),
	)
	if err := h.coord.Process(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := loader.loadCount(eventsTable); got != 1 {
		t.Fatalf("expected one attempt in the tick that reached quorum, got %d", got)
	}

	// No new records arrive and the timeout is far off.
	loader.setFailure(eventsTable, nil)
	h.clk.Advance(time.Second)
	if err := h.coord.Process(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if h.coord.CommitID() != "" {
		t.Fatalf("complete cycle waited for the timeout")
	}
	if got := loader.loadCount(eventsTable); got != 2 {
		t.Fatalf("expected exactly one retry, got %d loads", got)
	}
	if n := len(snapshots(t, h.cat, eventsTable)); n != 1 {
		t.Fatalf("expected one snapshot, got %d", n)
	}
}

func TestCoordinatorReadinessBeforeOtherWritersResponses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)
	x := h.open(t)

	// Writer A owns partitions 0-1 on control partition 0, writer B owns
	// 2-3 on control partition 1. A's readiness is consumed before B's
	// response.
	h.ch.deliver(
		response(x, eventsTable, 0, 0, dataFile("a-events", 3)),
		ready(x, 0, 1, 2),
		response(x, usersTable, 1, 0, dataFile("b-users", 4)),
		response(x, eventsTable, 1, 1, dataFile("b-events", 5)),
	)
	if err := h.coord.Process(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if h.coord.CommitID() != x {
		t.Fatalf("half the readiness closed the cycle")
	}
	h.ch.deliver(ready(x, 1, 2, 2))
	if err := h.coord.Process(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if h.coord.CommitID() != "" {
		t.Fatalf("expected the quorum commit")
	}
	events := snapshots(t, h.cat, eventsTable)
	if len(events) != 1 || events[0].Summary[table.SummaryAddedRecords] != "8" {
		t.Fatalf("events should hold both writers' files: %+v", events)
	}
	users := snapshots(t, h.cat, usersTable)
	if len(users) != 1 || users[0].Summary[table.SummaryAddedRecords] != "4" {
		t.Fatalf("users should hold writer B's file: %+v", users)
	}
}

func TestCoordinatorCarriesResponsesFromEarlierRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)

	// The events table already holds everything up to control offset 4.
	tbl, err := h.cat.LoadTable(ctx, eventsTable)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := tbl.NewAppend().Set(OffsetsProperty("control"), `{"0":4}`).AppendFile(dataFile("seed", 1)).Commit(ctx); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Left behind by a coordinator that stopped before committing "old".
	h.ch.deliver(
		response("old", eventsTable, 0, 3, dataFile("e-old", 7)),
		response("old", usersTable, 0, 5, dataFile("u-old", 9)),
		ready("old", 0, 6, 4),
	)
	x := h.open(t)
	if x == "old" {
		t.Fatalf("a fresh coordinator reused the earlier commit id")
	}
	if r, rd := h.coord.Pending(); r != 2 || rd != 1 {
		t.Fatalf("expected the earlier responses to be held, got %d/%d", r, rd)
	}

	h.ch.deliver(ready(x, 0, 7, 4))
	if err := h.coord.Process(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if h.coord.CommitID() != "" {
		t.Fatalf("expected the cycle to commit")
	}
	users := snapshots(t, h.cat, usersTable)
	if len(users) != 1 || users[0].Summary[table.SummaryAddedRecords] != "9" {
		t.Fatalf("carried response was not committed: %+v", users)
	}
	if users[0].Summary[CommitIDProperty] != x {
		t.Fatalf("carried response committed under %q, want %q", users[0].Summary[CommitIDProperty], x)
	}
	if n := len(snapshots(t, h.cat, eventsTable)); n != 1 {
		t.Fatalf("already recorded response was committed again: %d snapshots", n)
	}

	// Once a cycle has been opened, a response naming another commit is stale.
	h.ch.deliver(response("old", usersTable, 0, 8, dataFile("u-late", 2)))
	h.clk.Advance(time.Minute)
	if err := h.coord.Process(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	h.ch.deliver(ready(h.coord.CommitID(), 0, 9, 4))
	if err := h.coord.Process(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n := len(snapshots(t, h.cat, usersTable)); n != 1 {
		t.Fatalf("late response from an earlier run leaked into a later cycle: %d snapshots", n)
	}
}

func TestCoordinatorCorruptOffsetsIsFatal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)
	tbl, err := h.cat.LoadTable(ctx, eventsTable)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := tbl.NewAppend().Set(OffsetsProperty("control"), "{broken").AppendFile(dataFile("seed", 1)).Commit(ctx); err != nil {
		t.Fatalf("seed: %v", err)
	}

	x := h.open(t)
	h.ch.deliver(response(x, eventsTable, 0, 0, dataFile("e", 1)), ready(x, 0, 1, 4))
	err = h.coord.Process(ctx)
	if !errors.Is(err, ErrCorruptOffsets) {
		t.Fatalf("expected ErrCorruptOffsets, got %v", err)
	}
	if err := h.coord.Process(ctx); !errors.Is(err, ErrCorruptOffsets) {
		t.Fatalf("fatal error not sticky: %v", err)
	}
	if err := h.coord.Run(ctx); !errors.Is(err, ErrCorruptOffsets) {
		t.Fatalf("Run should stop on the fatal error, got %v", err)
	}
	if len(h.ch.committed) != 0 {
		t.Fatalf("offsets committed despite fatal error")
	}
}

func TestCoordinatorReceiveRejectsRequests(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	if h.coord.Receive(context.Background(), event.Envelope{Event: event.NewCommitRequest("z")}) {
		t.Fatalf("commit requests are not handled by the coordinator")
	}
	if !h.coord.Receive(context.Background(), ready("z", 0, 0, 4)) {
		t.Fatalf("readiness should be buffered while idle")
	}
	if h.coord.CommitID() != "" {
		t.Fatalf("readiness while idle opened a cycle")
	}
	if _, rd := h.coord.Pending(); rd != 1 {
		t.Fatalf("expected buffered readiness")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.coord.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil on cancel, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
