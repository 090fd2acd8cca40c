package lakecommit

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"pkt.systems/lakecommit/internal/channel"
	"pkt.systems/lakecommit/internal/channel/objlog"
	"pkt.systems/lakecommit/internal/coordinator"
	"pkt.systems/lakecommit/internal/pathutil"
)

const (
	// ChannelKafka selects the franz-go Kafka transport.
	ChannelKafka = "kafka"
	// ChannelObjlog selects the object-store log transport on the configured store.
	ChannelObjlog = "objlog"
)

const (
	// DefaultStore points the coordinator at the in-memory backend when no store is provided.
	DefaultStore = "mem://"
	// DefaultWarehouse is the storage namespace holding table metadata and manifests.
	DefaultWarehouse = "warehouse"
	// DefaultChannel is the control channel transport.
	DefaultChannel = ChannelKafka
	// DefaultControlTopic is the control topic shared by writers and coordinator.
	DefaultControlTopic = "control-iceberg"
	// DefaultControlGroupID is the connector group; the coordinator reads as <id>-coord.
	DefaultControlGroupID = "cg-control-iceberg"
	// DefaultControlPartitions is the partition count used when the objlog topic is created.
	DefaultControlPartitions = 1
	// DefaultCommitInterval is the time between commit requests.
	DefaultCommitInterval = coordinator.DefaultCommitInterval
	// DefaultCommitTimeout bounds how long a cycle waits for quorum before committing what arrived.
	DefaultCommitTimeout = coordinator.DefaultCommitTimeout
	// DefaultCommitThreads caps concurrent table commits.
	DefaultCommitThreads = coordinator.DefaultCommitThreads
	// DefaultTickInterval is the pause between coordinator ticks.
	DefaultTickInterval = coordinator.DefaultTickInterval
	// DefaultConfigFileName is the YAML file looked up in the config directory.
	DefaultConfigFileName = "config.yaml"
	// DefaultPollTimeout bounds a single control channel poll.
	DefaultPollTimeout = 50 * time.Millisecond
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultStorageRetryMaxAttempts caps transient storage retries.
	DefaultStorageRetryMaxAttempts = 6
	// DefaultStorageRetryBaseDelay is the first backoff step.
	DefaultStorageRetryBaseDelay = 100 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps storage backoff.
	DefaultStorageRetryMaxDelay = 5 * time.Second
	// DefaultStorageRetryMultiplier grows the backoff between attempts.
	DefaultStorageRetryMultiplier = 2.0
)

// Config captures the tunables for a coordinator process.
type Config struct {
	// Store is the object storage URL (mem://, disk:///path, s3://host/bucket, aws://bucket, azure://account/container).
	Store string
	// Warehouse is the storage namespace tables live in.
	Warehouse string

	// Channel selects the control transport (kafka or objlog).
	Channel string
	// Brokers lists Kafka seed brokers.
	Brokers []string
	// ClientID is the Kafka client id.
	ClientID string
	// ControlTopic is the control topic name.
	ControlTopic string
	// ControlGroupID is the connector group; events of other groups are ignored.
	ControlGroupID string
	// ControlPartitions sizes the objlog control topic when it does not exist yet.
	ControlPartitions int
	// Topics lists the source topics whose partitions form the quorum. Empty
	// falls back to the control topic.
	Topics []string
	// PollTimeout bounds one control channel poll.
	PollTimeout time.Duration

	// CommitInterval is the time between commit requests.
	CommitInterval time.Duration
	// CommitTimeout forces a commit when quorum is not reached in time.
	CommitTimeout time.Duration
	// CommitThreads caps concurrent table commits.
	CommitThreads int
	// TickInterval is the pause between coordinator ticks.
	TickInterval time.Duration

	// StorageRetryMaxAttempts caps transient backend retry attempts.
	StorageRetryMaxAttempts int
	// StorageRetryBaseDelay is exponential retry base delay for backend operations.
	StorageRetryBaseDelay time.Duration
	// StorageRetryMaxDelay caps backend retry backoff.
	StorageRetryMaxDelay time.Duration
	// StorageRetryMultiplier is exponential growth factor for backend retries.
	StorageRetryMultiplier float64

	// S3SSE controls server-side encryption mode for S3 writes (AES256 or aws:kms).
	S3SSE string
	// S3KMSKeyID is the KMS key for SSE-KMS.
	S3KMSKeyID string
	// S3AccessKeyID sets static S3 access key credential.
	S3AccessKeyID string
	// S3SecretAccessKey sets static S3 secret credential.
	S3SecretAccessKey string
	// S3SessionToken sets optional session token for temporary S3 credentials.
	S3SessionToken string
	// AWSRegion sets the region for aws:// stores.
	AWSRegion string

	// AzureAccount is the Azure storage account name.
	AzureAccount string
	// AzureAccountKey is the shared-key credential for Azure Blob.
	AzureAccountKey string
	// AzureEndpoint overrides Azure Blob endpoint URL.
	AzureEndpoint string
	// AzureSASToken configures SAS-token auth for Azure Blob.
	AzureSASToken string

	// OTLPEndpoint enables OTLP trace export to the given collector endpoint.
	OTLPEndpoint string
	// MetricsListen serves Prometheus metrics on /metrics when set.
	MetricsListen string
	// PprofListen serves net/http/pprof when set.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the Prometheus exporter.
	EnableProfilingMetrics bool
}

// ValidChannels lists the supported control transports.
func ValidChannels() []string {
	return []string{ChannelKafka, ChannelObjlog}
}

// CoordinatorGroup returns the consumer group the coordinator reads with.
func (c Config) CoordinatorGroup() string {
	return channel.CoordinatorGroup(c.ControlGroupID)
}

// Validate fills defaults and rejects unusable settings.
func (c *Config) Validate() error {
	if err := c.validateStorage(); err != nil {
		return err
	}
	c.Channel = strings.ToLower(strings.TrimSpace(c.Channel))
	if c.Channel == "" {
		c.Channel = DefaultChannel
	}
	if !slices.Contains(ValidChannels(), c.Channel) {
		return fmt.Errorf("config: unknown channel %q (options: %s)", c.Channel, strings.Join(ValidChannels(), ", "))
	}
	c.Brokers = compact(c.Brokers)
	if c.Channel == ChannelKafka && len(c.Brokers) == 0 {
		return fmt.Errorf("config: kafka channel requires at least one broker")
	}
	if c.ControlTopic == "" {
		c.ControlTopic = DefaultControlTopic
	}
	if c.ControlGroupID == "" {
		c.ControlGroupID = DefaultControlGroupID
	}
	if c.ControlPartitions == 0 {
		c.ControlPartitions = DefaultControlPartitions
	} else if c.ControlPartitions < 0 {
		return fmt.Errorf("config: control partitions must be > 0")
	}
	c.Topics = compact(c.Topics)
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.CommitInterval == 0 {
		c.CommitInterval = DefaultCommitInterval
	} else if c.CommitInterval < 0 {
		return fmt.Errorf("config: commit interval must be > 0")
	}
	if c.CommitTimeout == 0 {
		c.CommitTimeout = DefaultCommitTimeout
	} else if c.CommitTimeout < 0 {
		return fmt.Errorf("config: commit timeout must be > 0")
	}
	if c.CommitThreads == 0 {
		c.CommitThreads = DefaultCommitThreads
	} else if c.CommitThreads < 0 {
		return fmt.Errorf("config: commit threads must be > 0")
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.Channel == ChannelObjlog && c.Warehouse == objlog.DefaultNamespace {
		return fmt.Errorf("config: warehouse %q collides with the objlog namespace", c.Warehouse)
	}
	return nil
}

// validateStorage covers the settings needed to reach the warehouse. Table
// maintenance commands use it without a control channel.
func (c *Config) validateStorage() error {
	if c.Store == "" {
		c.Store = DefaultStore
	}
	if _, err := url.Parse(c.Store); err != nil {
		return fmt.Errorf("config: store: %w", err)
	}
	c.Warehouse = strings.Trim(strings.TrimSpace(c.Warehouse), "/")
	if c.Warehouse == "" {
		c.Warehouse = DefaultWarehouse
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMultiplier <= 0 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	return nil
}

// QuorumTopics returns the topics whose partitions form the quorum.
func (c Config) QuorumTopics() []string {
	if len(c.Topics) == 0 {
		return []string{c.ControlTopic}
	}
	return c.Topics
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// DefaultConfigDir returns the default configuration directory ($HOME/.lakecommit).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("LAKECOMMIT_CONFIG_DIR")); override != "" {
		return pathutil.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".lakecommit"), nil
}

// DefaultConfigPath returns the default YAML config file location.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFileName), nil
}
