package lakecommit

import (
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func TestConfigValidateDefaults(t *testing.T) {
	cfg := Config{Brokers: []string{"localhost:9092"}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Store != DefaultStore || cfg.Warehouse != DefaultWarehouse || cfg.Channel != ChannelKafka {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.ControlTopic != DefaultControlTopic || cfg.ControlGroupID != DefaultControlGroupID {
		t.Fatalf("unexpected control defaults: %+v", cfg)
	}
	if cfg.CommitInterval != DefaultCommitInterval || cfg.CommitTimeout != DefaultCommitTimeout || cfg.CommitThreads != DefaultCommitThreads {
		t.Fatalf("unexpected commit defaults: %+v", cfg)
	}
	if cfg.StorageRetryMaxAttempts != DefaultStorageRetryMaxAttempts {
		t.Fatalf("unexpected retry defaults: %+v", cfg)
	}
	if got := cfg.CoordinatorGroup(); got != DefaultControlGroupID+"-coord" {
		t.Fatalf("unexpected coordinator group %q", got)
	}
	if got := cfg.QuorumTopics(); !slices.Equal(got, []string{DefaultControlTopic}) {
		t.Fatalf("expected control topic fallback, got %v", got)
	}
}

func TestConfigValidateRejects(t *testing.T) {
	cases := map[string]Config{
		"kafka without brokers": {Channel: ChannelKafka},
		"unknown channel":       {Channel: "pulsar"},
		"negative timeout":      {Channel: ChannelObjlog, CommitTimeout: -1},
		"negative interval":     {Channel: ChannelObjlog, CommitInterval: -1},
		"negative threads":      {Channel: ChannelObjlog, CommitThreads: -2},
		"negative partitions":   {Channel: ChannelObjlog, ControlPartitions: -1},
		"profiling no listener": {Channel: ChannelObjlog, EnableProfilingMetrics: true},
		"warehouse collision":   {Channel: ChannelObjlog, Warehouse: "control"},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected error")
			} else if !strings.HasPrefix(err.Error(), "config: ") {
				t.Fatalf("unexpected error format %q", err)
			}
		})
	}
}

func TestConfigSplitsLists(t *testing.T) {
	cfg := Config{
		Channel: " KAFKA ",
		Brokers: []string{"a:9092, b:9092", " ", "c:9092"},
		Topics:  []string{"orders,payments"},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Channel != ChannelKafka {
		t.Fatalf("channel not normalised: %q", cfg.Channel)
	}
	if !slices.Equal(cfg.Brokers, []string{"a:9092", "b:9092", "c:9092"}) {
		t.Fatalf("unexpected brokers %v", cfg.Brokers)
	}
	if !slices.Equal(cfg.QuorumTopics(), []string{"orders", "payments"}) {
		t.Fatalf("unexpected quorum topics %v", cfg.QuorumTopics())
	}
}

func TestDefaultConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LAKECOMMIT_CONFIG_DIR", dir)
	got, err := DefaultConfigPath()
	if err != nil {
		t.Fatalf("config path: %v", err)
	}
	if got != filepath.Join(dir, "config.yaml") {
		t.Fatalf("unexpected config path %q", got)
	}
}
