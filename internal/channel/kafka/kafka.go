// Package kafka implements channel.Transport on Apache Kafka (or any
// protocol-compatible broker) with franz-go.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"pkt.systems/lakecommit/internal/channel"
	"pkt.systems/lakecommit/internal/loggingutil"
	"pkt.systems/lakecommit/internal/version"
	"pkt.systems/pslog"
)

// Defaults applied by New.
const (
	DefaultPollTimeout    = 50 * time.Millisecond
	DefaultMaxPollRecords = 500
)

// Config binds the transport to a control topic and consumer group.
type Config struct {
	Brokers        []string
	Topic          string
	ConsumerGroup  string
	ClientID       string
	PollTimeout    time.Duration
	MaxPollRecords int
	Logger         pslog.Logger
}

// Transport is a Kafka-backed channel.Transport.
type Transport struct {
	cfg    Config
	client *kgo.Client
	admin  *kadm.Client
	logger pslog.Logger
}

// New connects a client that consumes Topic as ConsumerGroup from the
// committed offsets (or the earliest offset for a new group) and produces
// to Topic. Offsets are only committed through CommitOffsets.
func New(cfg Config, opts ...kgo.Opt) (*Transport, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: topic is required")
	}
	if cfg.ConsumerGroup == "" {
		return nil, errors.New("kafka: consumer group is required")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = DefaultMaxPollRecords
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DefaultProduceTopic(cfg.Topic),
		// Keyed records hash to a fixed partition, keeping each producer's
		// events in order.
		kgo.RecordPartitioner(kgo.StickyKeyPartitioner(nil)),
		kgo.FetchMaxWait(cfg.PollTimeout),
	}
	if cfg.ClientID == "" {
		cfg.ClientID = version.UserAgent()
	}
	kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	kopts = append(kopts, opts...)
	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("kafka: new client: %w", err)
	}
	return &Transport{
		cfg:    cfg,
		client: cl,
		admin:  kadm.NewClient(cl),
		logger: loggingutil.WithSubsystem(cfg.Logger, "channel.kafka"),
	}, nil
}

// Client exposes the underlying franz-go client.
func (t *Transport) Client() *kgo.Client {
	return t.client
}

// Send produces msgs synchronously.
func (t *Transport) Send(ctx context.Context, msgs []channel.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	records := make([]*kgo.Record, 0, len(msgs))
	for _, msg := range msgs {
		records = append(records, &kgo.Record{Topic: t.cfg.Topic, Key: msg.Key, Value: msg.Value})
	}
	if err := t.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("kafka: produce: %w", err)
	}
	return nil
}

// Poll waits at most PollTimeout for records.
func (t *Transport) Poll(ctx context.Context) ([]channel.Record, error) {
	pollCtx, cancel := context.WithTimeout(ctx, t.cfg.PollTimeout)
	defer cancel()
	fetches := t.client.PollRecords(pollCtx, t.cfg.MaxPollRecords)
	if fetches.IsClientClosed() {
		return nil, kgo.ErrClientClosed
	}
	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		return nil, fmt.Errorf("kafka: fetch %s[%d]: %w", fe.Topic, fe.Partition, fe.Err)
	}
	var out []channel.Record
	fetches.EachRecord(func(r *kgo.Record) {
		out = append(out, channel.Record{
			Topic:     r.Topic,
			Partition: r.Partition,
			Offset:    r.Offset,
			Key:       r.Key,
			Value:     r.Value,
			Timestamp: r.Timestamp,
		})
	})
	return out, nil
}

// CommitOffsets commits offsets for the control topic and waits for the
// broker to acknowledge every partition.
func (t *Transport) CommitOffsets(ctx context.Context, offsets map[int32]int64) error {
	if len(offsets) == 0 {
		return nil
	}
	uncommitted := map[string]map[int32]kgo.EpochOffset{t.cfg.Topic: make(map[int32]kgo.EpochOffset, len(offsets))}
	for partition, offset := range offsets {
		uncommitted[t.cfg.Topic][partition] = kgo.EpochOffset{Epoch: -1, Offset: offset}
	}
	var commitErr error
	t.client.CommitOffsetsSync(ctx, uncommitted, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) {
		if err != nil {
			commitErr = err
			return
		}
		for _, topic := range resp.Topics {
			for _, p := range topic.Partitions {
				if perr := kerr.ErrorForCode(p.ErrorCode); perr != nil && commitErr == nil {
					commitErr = fmt.Errorf("%s[%d]: %w", topic.Topic, p.Partition, perr)
				}
			}
		}
	})
	if commitErr != nil {
		return fmt.Errorf("kafka: commit offsets: %w", commitErr)
	}
	t.logger.Debug("kafka.offsets.committed", "topic", t.cfg.Topic, "partitions", len(offsets))
	return nil
}

// Partitions sums the partition counts of topics.
func (t *Transport) Partitions(ctx context.Context, topics ...string) (int, error) {
	if len(topics) == 0 {
		topics = []string{t.cfg.Topic}
	}
	details, err := t.admin.ListTopics(ctx, topics...)
	if err != nil {
		return 0, fmt.Errorf("kafka: list topics: %w", err)
	}
	total := 0
	for _, topic := range topics {
		detail, ok := details[topic]
		if !ok {
			return 0, fmt.Errorf("kafka: topic %s not found", topic)
		}
		if detail.Err != nil {
			return 0, fmt.Errorf("kafka: describe %s: %w", topic, detail.Err)
		}
		total += len(detail.Partitions)
	}
	return total, nil
}

// CreateTopic creates topic with the given partition count. An existing
// topic is left untouched.
func (t *Transport) CreateTopic(ctx context.Context, topic string, partitions int32, replicationFactor int16) error {
	resp, err := t.admin.CreateTopic(ctx, partitions, replicationFactor, nil, topic)
	if err != nil {
		if errors.Is(err, kerr.TopicAlreadyExists) {
			return nil
		}
		return fmt.Errorf("kafka: create topic %s: %w", topic, err)
	}
	if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("kafka: create topic %s: %w", topic, resp.Err)
	}
	return nil
}

// Close leaves the consumer group and closes the client.
func (t *Transport) Close() error {
	t.client.Close()
	return nil
}
