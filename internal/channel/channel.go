// Package channel carries control events between the coordinator and the
// writers over a partitioned, append-only log.
package channel

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/rs/xid"

	"pkt.systems/lakecommit/internal/event"
	"pkt.systems/lakecommit/internal/loggingutil"
	"pkt.systems/pslog"
)

// CoordinatorGroupSuffix is appended to the control group id to form the
// consumer group the coordinator reads the control topic with.
const CoordinatorGroupSuffix = "-coord"

// CoordinatorGroup returns the consumer group used by the coordinator.
func CoordinatorGroup(controlGroupID string) string {
	return controlGroupID + CoordinatorGroupSuffix
}

// Message is an outbound log record.
type Message struct {
	Key   []byte
	Value []byte
}

// Record is an inbound log record with its position.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// Transport is a partitioned log bound to one topic and one consumer group.
type Transport interface {
	// Send appends messages to the topic.
	Send(ctx context.Context, msgs []Message) error
	// Poll returns the records available now. An empty result means the
	// consumer is caught up.
	Poll(ctx context.Context) ([]Record, error)
	// CommitOffsets stores the next offset to read per partition for the
	// consumer group.
	CommitOffsets(ctx context.Context, offsets map[int32]int64) error
	// Partitions returns the summed partition count of topics.
	Partitions(ctx context.Context, topics ...string) (int, error)
	Close() error
}

// Receiver handles decoded events. Receive reports whether the event was
// recognised.
type Receiver interface {
	Receive(ctx context.Context, env event.Envelope) bool
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(ctx context.Context, env event.Envelope) bool

// Receive calls f.
func (f ReceiverFunc) Receive(ctx context.Context, env event.Envelope) bool {
	return f(ctx, env)
}

// Channel filters the control log down to one connector group and tracks
// how far it has been read. Every record it sends is keyed by its producer
// id, so a partitioner keeps one producer's events on one partition and in
// send order.
type Channel struct {
	transport  Transport
	groupID    string
	producerID string
	logger     pslog.Logger

	mu      sync.Mutex
	offsets map[int32]int64
}

// New wraps transport for the connector group groupID.
func New(transport Transport, groupID string, logger pslog.Logger) *Channel {
	return &Channel{
		transport:  transport,
		groupID:    groupID,
		producerID: xid.New().String(),
		logger:     loggingutil.WithSubsystem(logger, "channel"),
		offsets:    make(map[int32]int64),
	}
}

// ProducerID is the record key of everything this channel sends.
func (c *Channel) ProducerID() string {
	return c.producerID
}

// GroupID returns the connector group the channel serves.
func (c *Channel) GroupID() string {
	return c.groupID
}

// Transport exposes the underlying transport.
func (c *Channel) Transport() Transport {
	return c.transport
}

// Send stamps the group id on e and appends it to the log.
func (c *Channel) Send(ctx context.Context, e event.Event) error {
	e.GroupID = c.groupID
	data, err := event.Encode(e)
	if err != nil {
		return err
	}
	if err := c.transport.Send(ctx, []Message{{Key: []byte(c.producerID), Value: data}}); err != nil {
		return fmt.Errorf("channel: send %s: %w", e.Type, err)
	}
	c.logger.Debug("channel.event.sent", "type", string(e.Type), "commit_id", e.CommitID(), "event_id", e.ID, "producer_id", c.producerID)
	return nil
}

// ConsumeAvailable polls until the transport reports nothing new, handing
// every event of this group to r. The read position of every record is
// tracked, including records that are skipped.
func (c *Channel) ConsumeAvailable(ctx context.Context, r Receiver) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		records, err := c.transport.Poll(ctx)
		if err != nil {
			return fmt.Errorf("channel: poll: %w", err)
		}
		if len(records) == 0 {
			return nil
		}
		for _, rec := range records {
			c.mu.Lock()
			c.offsets[rec.Partition] = rec.Offset + 1
			c.mu.Unlock()

			e, err := event.Decode(rec.Value)
			if err != nil {
				if errors.Is(err, event.ErrUnknownType) {
					c.logger.Debug("channel.event.unknown_type", "partition", rec.Partition, "offset", rec.Offset, "error", err)
				} else {
					c.logger.Warn("channel.event.decode_failed", "partition", rec.Partition, "offset", rec.Offset, "error", err)
				}
				continue
			}
			if e.GroupID != c.groupID {
				continue
			}
			env := event.Envelope{Event: e, Partition: rec.Partition, Offset: rec.Offset}
			if !r.Receive(ctx, env) {
				c.logger.Debug("channel.event.unhandled", "type", string(e.Type), "partition", rec.Partition, "offset", rec.Offset)
			}
		}
	}
}

// ControlOffsets returns a copy of the next offset to read per partition.
func (c *Channel) ControlOffsets() map[int32]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.offsets)
}

// CommitOffsets records the tracked positions for the consumer group.
func (c *Channel) CommitOffsets(ctx context.Context) error {
	offsets := c.ControlOffsets()
	if len(offsets) == 0 {
		return nil
	}
	if err := c.transport.CommitOffsets(ctx, offsets); err != nil {
		return fmt.Errorf("channel: commit offsets: %w", err)
	}
	c.logger.Debug("channel.offsets.committed", "partitions", len(offsets))
	return nil
}

// Close closes the transport.
func (c *Channel) Close() error {
	return c.transport.Close()
}
