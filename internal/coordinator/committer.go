package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"pkt.systems/lakecommit/internal/clock"
	"pkt.systems/lakecommit/internal/event"
	"pkt.systems/lakecommit/internal/loggingutil"
	"pkt.systems/lakecommit/internal/table"
	"pkt.systems/pslog"
)

// CommitIDProperty records the commit cycle that produced a snapshot.
const CommitIDProperty = "kafka.connect.commit-id"

// TableLoader returns the latest handle of a table.
type TableLoader interface {
	LoadTable(ctx context.Context, id table.Identifier) (*table.Table, error)
}

// TableFailure captures one table that could not be committed.
type TableFailure struct {
	Table table.Identifier
	Err   error
}

// CommitError aggregates the table failures of one cycle. Skipped lists the
// tables that were never started because an earlier table failed.
type CommitError struct {
	CommitID string
	Failures []TableFailure
	Skipped  []table.Identifier
}

func (e *CommitError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("commit ")
	b.WriteString(e.CommitID)
	b.WriteString(" failed")
	if len(e.Failures) > 0 {
		b.WriteString(": ")
	}
	for i, f := range e.Failures {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(f.Table.String())
		if f.Err != nil {
			b.WriteString(": ")
			b.WriteString(f.Err.Error())
		}
	}
	if len(e.Skipped) > 0 {
		fmt.Fprintf(&b, " (%d tables skipped)", len(e.Skipped))
	}
	return b.String()
}

// Unwrap exposes the individual table errors to errors.Is and errors.As.
func (e *CommitError) Unwrap() []error {
	if e == nil {
		return nil
	}
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errs
}

// TableResult is the outcome of one table in a cycle.
type TableResult struct {
	Table      table.Identifier
	Outcome    string
	SnapshotID int64
	DataFiles  int
	Deletes    int
	Duration   time.Duration
}

// Committer applies the responses of a cycle to their destination tables.
type Committer struct {
	loader   TableLoader
	property string
	threads  int
	clock    clock.Clock
	logger   pslog.Logger
	metrics  *coordinatorMetrics
}

// CommitterOption customises a Committer.
type CommitterOption func(*Committer)

// WithCommitterClock times table commits on clk.
func WithCommitterClock(clk clock.Clock) CommitterOption {
	return func(c *Committer) { c.clock = clock.OrReal(clk) }
}

// NewCommitter builds a committer recording positions under property and
// running at most threads table commits at once.
func NewCommitter(loader TableLoader, property string, threads int, logger pslog.Logger, opts ...CommitterOption) *Committer {
	if threads <= 0 {
		threads = 1
	}
	c := &Committer{
		loader:   loader,
		property: property,
		threads:  threads,
		clock:    clock.Real{},
		logger:   loggingutil.WithSubsystem(logger, "coordinator.committer"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GroupByTable splits responses per destination table, keeping arrival
// order within each group. Envelopes without a response payload are dropped.
func GroupByTable(responses []event.Envelope) map[table.Identifier][]event.Envelope {
	groups := make(map[table.Identifier][]event.Envelope)
	for _, env := range responses {
		if env.Event.Type != event.TypeCommitResponse || env.Event.Response == nil {
			continue
		}
		id := env.Event.Response.Table
		groups[id] = append(groups[id], env)
	}
	return groups
}

// Commit groups responses by table and commits every group with offsets as
// the recorded control position. Once a table fails no further table is
// started; tables already running finish. The returned error is a
// *CommitError.
func (c *Committer) Commit(ctx context.Context, commitID string, responses []event.Envelope, offsets string) ([]TableResult, error) {
	groups := GroupByTable(responses)
	ids := make([]table.Identifier, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b table.Identifier) int {
		return strings.Compare(a.String(), b.String())
	})

	var (
		failed  atomic.Bool
		mu      sync.Mutex
		results = make([]TableResult, 0, len(ids))
		cerr    = &CommitError{CommitID: commitID}
	)
	skip := func(id table.Identifier) {
		mu.Lock()
		cerr.Skipped = append(cerr.Skipped, id)
		results = append(results, TableResult{Table: id, Outcome: tableSkipped})
		mu.Unlock()
		c.metrics.recordTable(ctx, tableSkipped)
	}

	// Task errors are collected in cerr; Wait only reports that one failed.
	// The group has no shared context so running tables are not cancelled.
	var g errgroup.Group
	g.SetLimit(c.threads)
	for _, id := range ids {
		if failed.Load() {
			skip(id)
			continue
		}
		envs := groups[id]
		g.Go(func() error {
			if failed.Load() {
				skip(id)
				return nil
			}
			res, err := c.commitTable(ctx, commitID, id, envs, offsets)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed.Store(true)
				cerr.Failures = append(cerr.Failures, TableFailure{Table: id, Err: err})
				res.Outcome = tableFailed
				results = append(results, res)
				c.metrics.recordTable(ctx, tableFailed)
				return fmt.Errorf("%s: %w", id, err)
			}
			results = append(results, res)
			c.metrics.recordTable(ctx, res.Outcome)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		slices.SortFunc(cerr.Failures, func(a, b TableFailure) int {
			return strings.Compare(a.Table.String(), b.Table.String())
		})
		return results, cerr
	}
	return results, nil
}

func (c *Committer) commitTable(ctx context.Context, commitID string, id table.Identifier, envs []event.Envelope, offsets string) (res TableResult, err error) {
	start := c.clock.Now()
	logger := c.logger.With("table", id.String(), "commit_id", commitID)
	res.Table = id
	defer func() { res.Duration = clock.Since(c.clock, start) }()

	tbl, err := c.loader.LoadTable(ctx, id)
	if err != nil {
		return res, fmt.Errorf("load table: %w", err)
	}
	committed, err := LastCommittedOffsets(tbl, c.property)
	if err != nil {
		return res, err
	}

	var (
		dataFiles   []table.DataFile
		deleteFiles []table.DeleteFile
		replayed    int
	)
	for _, env := range envs {
		if next, ok := committed[env.Partition]; ok && env.Offset < next {
			replayed++
			continue
		}
		resp := env.Event.Response
		for _, f := range resp.DataFiles {
			if f.RecordCount > 0 {
				dataFiles = append(dataFiles, f)
			}
		}
		for _, f := range resp.DeleteFiles {
			if f.RecordCount > 0 {
				deleteFiles = append(deleteFiles, f)
			}
		}
	}
	res.DataFiles = len(dataFiles)
	res.Deletes = len(deleteFiles)

	if len(dataFiles) == 0 && len(deleteFiles) == 0 {
		res.Outcome = tableNoop
		logger.Info("commit.table.noop", "responses", len(envs), "replayed", replayed)
		return res, nil
	}

	var snap *table.Snapshot
	if len(deleteFiles) == 0 {
		op := tbl.NewAppend().Set(c.property, offsets).Set(CommitIDProperty, commitID)
		for _, f := range dataFiles {
			op.AppendFile(f)
		}
		snap, err = op.Commit(ctx)
	} else {
		op := tbl.NewRowDelta().Set(c.property, offsets).Set(CommitIDProperty, commitID)
		for _, f := range dataFiles {
			op.AddRows(f)
		}
		for _, f := range deleteFiles {
			op.AddDeletes(f)
		}
		snap, err = op.Commit(ctx)
	}
	if err != nil {
		if errors.Is(err, table.ErrCommitConflict) {
			logger.Warn("commit.table.conflict", "error", err)
		}
		return res, fmt.Errorf("commit table: %w", err)
	}
	res.Outcome = tableCommitted
	res.SnapshotID = snap.ID
	logger.Info("commit.table.complete",
		"snapshot_id", snap.ID,
		"data_files", len(dataFiles),
		"delete_files", len(deleteFiles),
		"replayed", replayed,
		"duration_ms", clock.Since(c.clock, start).Milliseconds(),
	)
	return res, nil
}
