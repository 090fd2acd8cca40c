// Package coordinator drives commit cycles: it requests commits from the
// writers on a fixed cadence, waits for quorum or timeout, applies the
// collected files to their tables and only then advances its own position on
// the control channel.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"

	"pkt.systems/lakecommit/internal/channel"
	"pkt.systems/lakecommit/internal/clock"
	"pkt.systems/lakecommit/internal/correlation"
	"pkt.systems/lakecommit/internal/event"
	"pkt.systems/lakecommit/internal/loggingutil"
	"pkt.systems/lakecommit/internal/uuidv7"
	"pkt.systems/pslog"
)

const (
	// DefaultCommitInterval is the time between commit requests.
	DefaultCommitInterval = 5 * time.Minute
	// DefaultCommitTimeout bounds how long a cycle waits for quorum.
	DefaultCommitTimeout = 30 * time.Second
	// DefaultTickInterval is the pause between driver ticks in Run.
	DefaultTickInterval = 500 * time.Millisecond
	// DefaultCommitThreads caps concurrent table commits.
	DefaultCommitThreads = 4
)

// Cycle triggers.
const (
	triggerQuorum  = "quorum"
	triggerTimeout = "timeout"
)

// Channel is the part of the control channel the driver uses.
type Channel interface {
	Send(ctx context.Context, e event.Event) error
	ConsumeAvailable(ctx context.Context, r channel.Receiver) error
	ControlOffsets() map[int32]int64
	CommitOffsets(ctx context.Context) error
}

// Config wires a Coordinator.
type Config struct {
	Channel Channel
	Tables  TableLoader
	// ControlTopic names the snapshot property positions are stored under.
	ControlTopic string
	// TotalPartitions is the quorum denominator, captured once at startup.
	TotalPartitions int
	CommitInterval  time.Duration
	CommitTimeout   time.Duration
	TickInterval    time.Duration
	CommitThreads   int
	Clock           clock.Clock
	Logger          pslog.Logger
	MeterProvider   metric.MeterProvider
}

// Coordinator is the commit state machine. It is idle while CommitID is
// empty. All methods except Run are meant to be called from the goroutine
// that owns it.
type Coordinator struct {
	cfg       Config
	channel   Channel
	committer *Committer
	quorum    QuorumTracker
	clock     clock.Clock
	logger    pslog.Logger
	metrics   *coordinatorMetrics

	buf       Buffer
	commitID  string
	start     time.Time
	started   bool
	opened    bool
	attempted bool
	fatal     error
}

// New validates cfg and builds an idle coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Channel == nil {
		return nil, errors.New("coordinator: channel required")
	}
	if cfg.Tables == nil {
		return nil, errors.New("coordinator: table loader required")
	}
	if cfg.ControlTopic == "" {
		return nil, errors.New("coordinator: control topic required")
	}
	if cfg.TotalPartitions <= 0 {
		return nil, fmt.Errorf("coordinator: total partitions must be positive, got %d", cfg.TotalPartitions)
	}
	if cfg.CommitInterval <= 0 {
		cfg.CommitInterval = DefaultCommitInterval
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = DefaultCommitTimeout
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.CommitThreads <= 0 {
		cfg.CommitThreads = DefaultCommitThreads
	}
	cfg.Clock = clock.OrReal(cfg.Clock)
	logger := loggingutil.WithSubsystem(cfg.Logger, "coordinator.driver")
	metrics := newCoordinatorMetrics(logger, cfg.MeterProvider)
	committer := NewCommitter(cfg.Tables, OffsetsProperty(cfg.ControlTopic), cfg.CommitThreads, cfg.Logger,
		WithCommitterClock(cfg.Clock))
	committer.metrics = metrics
	return &Coordinator{
		cfg:       cfg,
		channel:   cfg.Channel,
		committer: committer,
		quorum:    QuorumTracker{Total: cfg.TotalPartitions, logger: logger},
		clock:     cfg.Clock,
		logger:    logger,
		metrics:   metrics,
	}, nil
}

// CommitID returns the identifier of the cycle in flight, or "" when idle.
func (c *Coordinator) CommitID() string {
	return c.commitID
}

// Pending reports how many responses and readiness records are buffered.
func (c *Coordinator) Pending() (responses, ready int) {
	return c.buf.Len()
}

// Err returns the fatal error that stopped the coordinator, if any.
func (c *Coordinator) Err() error {
	return c.fatal
}

// Run ticks until ctx is cancelled or a fatal error occurs. Cancellation is
// not an error.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("coordinator.start",
		"total_partitions", c.cfg.TotalPartitions,
		"commit_interval", c.cfg.CommitInterval.String(),
		"commit_timeout", c.cfg.CommitTimeout.String(),
		"commit_threads", c.cfg.CommitThreads,
	)
	for {
		if err := c.Process(ctx); err != nil {
			if ctx.Err() != nil {
				c.logger.Info("coordinator.stop")
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			c.logger.Info("coordinator.stop")
			return nil
		case <-c.clock.After(c.cfg.TickInterval):
		}
	}
}

// Process runs one tick: it may open a cycle, drains the channel, and
// commits a cycle that has reached quorum or timed out. A cycle whose commit
// already ran during the drain is left for the next tick. It returns an
// error only when the coordinator cannot continue.
func (c *Coordinator) Process(ctx context.Context) error {
	if c.fatal != nil {
		return c.fatal
	}
	c.attempted = false
	now := c.clock.Now()
	if !c.started {
		c.start = now
		c.started = true
	}
	if c.commitID == "" && now.Sub(c.start) >= c.cfg.CommitInterval {
		c.requestCommit(ctx, now)
	}

	if err := c.channel.ConsumeAvailable(ctx, c); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.logger.Warn("coordinator.consume_failed", "error", err)
	}
	if c.fatal != nil {
		return c.fatal
	}

	if c.commitID == "" || c.attempted {
		return c.fatal
	}
	if _, ok := c.quorum.Complete(c.commitID, c.buf.Ready()); ok {
		c.commit(ctx, triggerQuorum)
	} else if c.quorum.TimedOut(c.start, c.clock.Now(), c.cfg.CommitTimeout) {
		c.logger.Info("commit.timeout", "commit_id", c.commitID, "timeout", c.cfg.CommitTimeout.String())
		c.commit(ctx, triggerTimeout)
	}
	return c.fatal
}

func (c *Coordinator) requestCommit(ctx context.Context, now time.Time) {
	id := uuidv7.NewString()
	if err := c.channel.Send(ctx, event.NewCommitRequest(id)); err != nil {
		c.logger.Warn("commit.request.failed", "commit_id", id, "error", err)
		return
	}
	c.commitID = id
	c.start = now
	c.opened = true
	c.logger.Info("commit.request.sent", "commit_id", id)
}

// Receive buffers responses and readiness records. A readiness record that
// completes the quorum of the cycle in flight triggers the commit.
//
// Responses read before this process opened its first cycle belong to a
// cycle an earlier coordinator never finished. They join the next cycle
// whatever commit they name; the per-table offsets drop the ones a table
// already holds.
func (c *Coordinator) Receive(ctx context.Context, env event.Envelope) bool {
	switch env.Event.Type {
	case event.TypeCommitResponse:
		if env.Event.Response == nil {
			return false
		}
		if !c.opened {
			c.buf.AddCarried(env)
			c.logger.Info("commit.response.carried",
				"response_commit_id", env.Event.CommitID(),
				"table", env.Event.Response.Table.String(),
				"partition", env.Partition,
				"offset", env.Offset,
			)
			return true
		}
		c.buf.AddResponse(env)
		if c.commitID == "" {
			c.logger.Warn("commit.response.while_idle",
				"response_commit_id", env.Event.CommitID(),
				"table", env.Event.Response.Table.String(),
				"partition", env.Partition,
				"offset", env.Offset,
			)
		}
		return true
	case event.TypeCommitReady:
		if env.Event.Ready == nil {
			return false
		}
		c.buf.AddReady(*env.Event.Ready)
		if c.commitID == "" || c.fatal != nil {
			return true
		}
		if _, ok := c.quorum.Complete(c.commitID, c.buf.Ready()); ok {
			c.commit(ctx, triggerQuorum)
		}
		return true
	default:
		return false
	}
}

func (c *Coordinator) commit(ctx context.Context, trigger string) {
	c.attempted = true
	begin := c.clock.Now()
	commitID := c.commitID
	ctx = correlation.With(ctx, commitID)
	responses, stale := c.buf.Responses(commitID)

	offsets, err := EncodeOffsets(c.channel.ControlOffsets())
	if err != nil {
		c.fail(ctx, commitID, trigger, begin, err)
		return
	}
	results, err := c.committer.Commit(ctx, commitID, responses, offsets)
	if err != nil {
		if errors.Is(err, ErrCorruptOffsets) {
			c.fatal = err
			c.logger.Error("commit.fatal", "commit_id", commitID, "error", err)
			c.metrics.recordCycle(ctx, trigger, "fatal", clock.Since(c.clock, begin))
			return
		}
		c.fail(ctx, commitID, trigger, begin, err)
		return
	}
	if err := c.channel.CommitOffsets(ctx); err != nil {
		c.fail(ctx, commitID, trigger, begin, err)
		return
	}

	if stale > 0 {
		c.logger.Warn("commit.response.stale_dropped", "commit_id", commitID, "count", stale)
		c.metrics.recordStale(ctx, stale)
	}
	committed := 0
	for _, r := range results {
		if r.Outcome == tableCommitted {
			committed++
		}
	}
	c.buf.Clear()
	c.commitID = ""
	elapsed := clock.Since(c.clock, begin)
	c.metrics.recordCycle(ctx, trigger, "success", elapsed)
	c.logger.Info("commit.complete",
		"commit_id", commitID,
		"trigger", trigger,
		"tables", len(results),
		"tables_committed", committed,
		"responses", len(responses),
		"duration_ms", elapsed.Milliseconds(),
	)
}

func (c *Coordinator) fail(ctx context.Context, commitID, trigger string, begin time.Time, err error) {
	c.metrics.recordCycle(ctx, trigger, "failure", clock.Since(c.clock, begin))
	c.logger.Warn("commit.failed", "commit_id", commitID, "trigger", trigger, "error", err, "detail", "will retry next cycle")
}
