// Package objlog implements channel.Transport as a partitioned append-only
// log kept in an object store. Every record is one object; appends race on
// IfNotExists and consumer offsets are swapped by ETag.
//
// Layout inside the configured storage namespace:
//
//	topics/<topic>.json                        partition count
//	log/<topic>/<partition>/<offset:%020d>     one Avro-encoded record
//	groups/<group>/<topic>.json                committed offsets
package objlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hamba/avro/v2"

	"pkt.systems/lakecommit/internal/channel"
	"pkt.systems/lakecommit/internal/clock"
	"pkt.systems/lakecommit/internal/loggingutil"
	"pkt.systems/lakecommit/internal/storage"
	"pkt.systems/pslog"
)

// Defaults applied by New.
const (
	DefaultNamespace      = "control"
	DefaultPollTimeout    = 50 * time.Millisecond
	DefaultMaxPollRecords = 500
	maxAppendAttempts     = 16
	maxOffsetSwapAttempts = 8
)

// ErrUnknownTopic is returned when a topic has no metadata object.
var ErrUnknownTopic = errors.New("objlog: unknown topic")

const recordSchema = `{
  "type": "record",
  "name": "log_record",
  "namespace": "lakecommit",
  "fields": [
    {"name": "key", "type": "bytes"},
    {"name": "value", "type": "bytes"},
    {"name": "timestamp_ms", "type": "long"}
  ]
}`

var schema = avro.MustParse(recordSchema)

type wireRecord struct {
	Key         []byte `avro:"key"`
	Value       []byte `avro:"value"`
	TimestampMs int64  `avro:"timestamp_ms"`
}

type topicMeta struct {
	Name       string `json:"name"`
	Partitions int    `json:"partitions"`
}

type groupOffsets struct {
	Topic   string          `json:"topic"`
	Offsets map[int32]int64 `json:"offsets"`
}

// Config binds the transport to a topic and consumer group.
type Config struct {
	Backend        storage.Backend
	Namespace      string
	Topic          string
	ConsumerGroup  string
	PollTimeout    time.Duration
	MaxPollRecords int
	Logger         pslog.Logger
	Clock          clock.Clock
}

// Transport is an object-store backed channel.Transport.
type Transport struct {
	cfg    Config
	logger pslog.Logger
	clock  clock.Clock

	mu         sync.Mutex
	partitions int
	nextSend   int
	appendAt   map[int32]int64
	readAt     map[int32]int64
	loaded     bool
	sub        storage.ChangeSubscription
}

// New returns a transport. Topic metadata is read lazily, so the topic may be
// created after the transport.
func New(cfg Config) (*Transport, error) {
	if cfg.Backend == nil {
		return nil, errors.New("objlog: backend is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("objlog: topic is required")
	}
	if cfg.ConsumerGroup == "" {
		return nil, errors.New("objlog: consumer group is required")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = DefaultMaxPollRecords
	}
	t := &Transport{
		cfg:      cfg,
		logger:   loggingutil.WithSubsystem(cfg.Logger, "channel.objlog"),
		clock:    clock.OrReal(cfg.Clock),
		appendAt: make(map[int32]int64),
		readAt:   make(map[int32]int64),
	}
	if feed, ok := cfg.Backend.(storage.ChangeFeed); ok {
		sub, err := feed.SubscribeChanges(cfg.Namespace, logPrefix(cfg.Topic))
		if err == nil {
			t.sub = sub
		} else if !errors.Is(err, storage.ErrNotImplemented) {
			t.logger.Warn("objlog.subscribe.failed", "topic", cfg.Topic, "error", err)
		}
	}
	return t, nil
}

func topicKey(topic string) string {
	return "topics/" + topic + ".json"
}

func logPrefix(topic string) string {
	return "log/" + topic + "/"
}

func partitionPrefix(topic string, partition int32) string {
	return fmt.Sprintf("log/%s/%d/", topic, partition)
}

func recordKey(topic string, partition int32, offset int64) string {
	return fmt.Sprintf("log/%s/%d/%020d", topic, partition, offset)
}

func groupKey(group, topic string) string {
	return "groups/" + group + "/" + topic + ".json"
}

// CreateTopic writes topic metadata. An existing topic is left untouched.
func CreateTopic(ctx context.Context, backend storage.Backend, namespace, topic string, partitions int) error {
	if partitions <= 0 {
		return fmt.Errorf("objlog: topic %s needs at least one partition", topic)
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	data, err := json.Marshal(topicMeta{Name: topic, Partitions: partitions})
	if err != nil {
		return err
	}
	_, err = storage.WriteObject(ctx, backend, namespace, topicKey(topic), data, storage.PutObjectOptions{
		IfNotExists: true,
		ContentType: storage.ContentTypeJSON,
	})
	if err != nil && !errors.Is(err, storage.ErrCASMismatch) {
		return fmt.Errorf("objlog: create topic %s: %w", topic, err)
	}
	return nil
}

func (t *Transport) topicPartitions(ctx context.Context, topic string) (int, error) {
	data, _, err := storage.ReadObject(ctx, t.cfg.Backend, t.cfg.Namespace, topicKey(topic))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
		}
		return 0, fmt.Errorf("objlog: read topic %s: %w", topic, err)
	}
	var meta topicMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return 0, fmt.Errorf("objlog: decode topic %s: %w", topic, err)
	}
	return meta.Partitions, nil
}

// load reads the topic partition count and the group's committed offsets.
func (t *Transport) loadLocked(ctx context.Context) error {
	if t.loaded {
		return nil
	}
	n, err := t.topicPartitions(ctx, t.cfg.Topic)
	if err != nil {
		return err
	}
	committed, _, err := t.readGroupOffsets(ctx)
	if err != nil {
		return err
	}
	t.partitions = n
	for p := range int32(n) {
		t.readAt[p] = committed.Offsets[p]
	}
	t.loaded = true
	t.logger.Debug("objlog.loaded", "topic", t.cfg.Topic, "group", t.cfg.ConsumerGroup, "partitions", n)
	return nil
}

func (t *Transport) readGroupOffsets(ctx context.Context) (groupOffsets, string, error) {
	out := groupOffsets{Topic: t.cfg.Topic, Offsets: map[int32]int64{}}
	data, info, err := storage.ReadObject(ctx, t.cfg.Backend, t.cfg.Namespace, groupKey(t.cfg.ConsumerGroup, t.cfg.Topic))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return out, "", nil
		}
		return out, "", fmt.Errorf("objlog: read group offsets: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, "", fmt.Errorf("objlog: decode group offsets: %w", err)
	}
	if out.Offsets == nil {
		out.Offsets = map[int32]int64{}
	}
	return out, info.ETag, nil
}

// Send appends each message to the partition its key hashes to. Messages
// without a key are spread round-robin.
func (t *Transport) Send(ctx context.Context, msgs []channel.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.loadLocked(ctx); err != nil {
		return err
	}
	for _, msg := range msgs {
		if err := t.appendLocked(ctx, t.partitionFor(msg.Key), msg); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) partitionFor(key []byte) int32 {
	if len(key) == 0 {
		p := t.nextSend % t.partitions
		t.nextSend++
		return int32(p)
	}
	return PartitionForKey(key, t.partitions)
}

// PartitionForKey maps a record key onto one of n partitions.
func PartitionForKey(key []byte, n int) int32 {
	return int32(xxhash.Sum64(key) % uint64(n))
}

func (t *Transport) appendLocked(ctx context.Context, partition int32, msg channel.Message) error {
	payload, err := avro.Marshal(schema, wireRecord{
		Key:         nonNil(msg.Key),
		Value:       nonNil(msg.Value),
		TimestampMs: t.clock.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("objlog: encode record: %w", err)
	}
	offset, ok := t.appendAt[partition]
	if !ok {
		if offset, err = t.endOffset(ctx, partition); err != nil {
			return err
		}
	}
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		_, err := storage.WriteObject(ctx, t.cfg.Backend, t.cfg.Namespace, recordKey(t.cfg.Topic, partition, offset), payload, storage.PutObjectOptions{
			IfNotExists: true,
			ContentType: storage.ContentTypeAvro,
		})
		if err == nil {
			t.appendAt[partition] = offset + 1
			return nil
		}
		if !errors.Is(err, storage.ErrCASMismatch) {
			return fmt.Errorf("objlog: append %s[%d]: %w", t.cfg.Topic, partition, err)
		}
		// Another producer won this offset.
		if offset, err = t.endOffset(ctx, partition); err != nil {
			return err
		}
	}
	return fmt.Errorf("objlog: append %s[%d]: too much contention", t.cfg.Topic, partition)
}

// endOffset returns one past the highest offset stored for partition.
func (t *Transport) endOffset(ctx context.Context, partition int32) (int64, error) {
	var end int64
	err := storage.ListAll(ctx, t.cfg.Backend, t.cfg.Namespace, partitionPrefix(t.cfg.Topic, partition), func(obj storage.ObjectInfo) error {
		if off, ok := parseOffset(obj.Key); ok && off >= end {
			end = off + 1
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("objlog: scan %s[%d]: %w", t.cfg.Topic, partition, err)
	}
	return end, nil
}

func parseOffset(key string) (int64, bool) {
	off, err := strconv.ParseInt(path.Base(key), 10, 64)
	if err != nil || off < 0 {
		return 0, false
	}
	return off, true
}

// Poll returns the records past the consumer position of every partition.
// When nothing is available and the backend has a change feed, it waits up
// to PollTimeout for a write before giving up.
func (t *Transport) Poll(ctx context.Context) ([]channel.Record, error) {
	records, err := t.fetch(ctx)
	if err != nil || len(records) > 0 || t.sub == nil {
		return records, err
	}
	timer := time.NewTimer(t.cfg.PollTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case _, ok := <-t.sub.Events():
			if !ok {
				return nil, nil
			}
			// Signals coalesce and may predate the last fetch.
			if records, err = t.fetch(ctx); err != nil || len(records) > 0 {
				return records, err
			}
		case <-timer.C:
			return nil, nil
		}
	}
}

func (t *Transport) fetch(ctx context.Context) ([]channel.Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.loadLocked(ctx); err != nil {
		return nil, err
	}
	var out []channel.Record
	for p := range int32(t.partitions) {
		budget := t.cfg.MaxPollRecords - len(out)
		if budget <= 0 {
			break
		}
		opts := storage.ListOptions{Prefix: partitionPrefix(t.cfg.Topic, p), Limit: budget}
		if pos := t.readAt[p]; pos > 0 {
			opts.StartAfter = recordKey(t.cfg.Topic, p, pos-1)
		}
		res, err := t.cfg.Backend.ListObjects(ctx, t.cfg.Namespace, opts)
		if err != nil {
			return nil, fmt.Errorf("objlog: list %s[%d]: %w", t.cfg.Topic, p, err)
		}
		for _, obj := range res.Objects {
			off, ok := parseOffset(obj.Key)
			if !ok {
				continue
			}
			data, _, err := storage.ReadObject(ctx, t.cfg.Backend, t.cfg.Namespace, obj.Key)
			if err != nil {
				return nil, fmt.Errorf("objlog: read %s: %w", obj.Key, err)
			}
			var w wireRecord
			if err := avro.Unmarshal(schema, data, &w); err != nil {
				return nil, fmt.Errorf("objlog: decode %s: %w", obj.Key, err)
			}
			out = append(out, channel.Record{
				Topic:     t.cfg.Topic,
				Partition: p,
				Offset:    off,
				Key:       w.Key,
				Value:     w.Value,
				Timestamp: time.UnixMilli(w.TimestampMs).UTC(),
			})
			t.readAt[p] = off + 1
		}
	}
	return out, nil
}

// CommitOffsets merges offsets into the group's offsets object.
func (t *Transport) CommitOffsets(ctx context.Context, offsets map[int32]int64) error {
	if len(offsets) == 0 {
		return nil
	}
	for attempt := 0; attempt < maxOffsetSwapAttempts; attempt++ {
		current, etag, err := t.readGroupOffsets(ctx)
		if err != nil {
			return err
		}
		for p, off := range offsets {
			current.Offsets[p] = off
		}
		data, err := json.Marshal(current)
		if err != nil {
			return fmt.Errorf("objlog: encode group offsets: %w", err)
		}
		opts := storage.PutObjectOptions{ContentType: storage.ContentTypeJSON}
		if etag == "" {
			opts.IfNotExists = true
		} else {
			opts.ExpectedETag = etag
		}
		_, err = storage.WriteObject(ctx, t.cfg.Backend, t.cfg.Namespace, groupKey(t.cfg.ConsumerGroup, t.cfg.Topic), data, opts)
		if err == nil {
			t.logger.Debug("objlog.offsets.committed", "topic", t.cfg.Topic, "group", t.cfg.ConsumerGroup, "partitions", len(offsets))
			return nil
		}
		if !errors.Is(err, storage.ErrCASMismatch) && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("objlog: commit offsets: %w", err)
		}
	}
	return fmt.Errorf("objlog: commit offsets: %w", storage.ErrCASMismatch)
}

// Partitions sums the partition counts of topics, defaulting to the
// transport's own topic.
func (t *Transport) Partitions(ctx context.Context, topics ...string) (int, error) {
	if len(topics) == 0 {
		topics = []string{t.cfg.Topic}
	}
	total := 0
	for _, topic := range topics {
		n, err := t.topicPartitions(ctx, topic)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// Close stops the change subscription. The backend is owned by the caller.
func (t *Transport) Close() error {
	if t.sub != nil {
		return t.sub.Close()
	}
	return nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
