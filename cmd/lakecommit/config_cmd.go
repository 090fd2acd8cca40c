package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/lakecommit"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage lakecommit configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.lakecommit/" + lakecommit.DefaultConfigFileName
	if path, err := lakecommit.DefaultConfigPath(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default lakecommit configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				path, err := lakecommit.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = path
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", fmt.Sprintf("output path (default %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "write the config to stdout instead of a file")
	return cmd
}

// configDefaults mirrors the root command flags; keys match flag names so the
// generated file loads through viper unchanged.
type configDefaults struct {
	Store                   string   `yaml:"store"`
	Warehouse               string   `yaml:"warehouse"`
	Channel                 string   `yaml:"channel"`
	Brokers                 []string `yaml:"brokers"`
	ClientID                string   `yaml:"client-id"`
	ControlTopic            string   `yaml:"control-topic"`
	ControlGroupID          string   `yaml:"control-group-id"`
	ControlPartitions       int      `yaml:"control-partitions"`
	Topics                  []string `yaml:"topics"`
	PollTimeout             string   `yaml:"poll-timeout"`
	CommitInterval          string   `yaml:"commit-interval"`
	CommitTimeout           string   `yaml:"commit-timeout"`
	CommitThreads           int      `yaml:"commit-threads"`
	TickInterval            string   `yaml:"tick-interval"`
	StorageRetryMaxAttempts int      `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay   string   `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay    string   `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier  float64  `yaml:"storage-retry-multiplier"`
	S3SSE                   string   `yaml:"s3-sse"`
	S3KMSKeyID              string   `yaml:"s3-kms-key-id"`
	AWSRegion               string   `yaml:"aws-region"`
	AzureEndpoint           string   `yaml:"azure-endpoint"`
	OTLPEndpoint            string   `yaml:"otlp-endpoint"`
	MetricsListen           string   `yaml:"metrics-listen"`
	PprofListen             string   `yaml:"pprof-listen"`
	EnableProfilingMetrics  bool     `yaml:"enable-profiling-metrics"`
	LogLevel                string   `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Store:                   lakecommit.DefaultStore,
		Warehouse:               lakecommit.DefaultWarehouse,
		Channel:                 lakecommit.DefaultChannel,
		Brokers:                 []string{"localhost:9092"},
		ControlTopic:            lakecommit.DefaultControlTopic,
		ControlGroupID:          lakecommit.DefaultControlGroupID,
		ControlPartitions:       lakecommit.DefaultControlPartitions,
		Topics:                  []string{},
		PollTimeout:             lakecommit.DefaultPollTimeout.String(),
		CommitInterval:          lakecommit.DefaultCommitInterval.String(),
		CommitTimeout:           lakecommit.DefaultCommitTimeout.String(),
		CommitThreads:           lakecommit.DefaultCommitThreads,
		TickInterval:            lakecommit.DefaultTickInterval.String(),
		StorageRetryMaxAttempts: lakecommit.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:   lakecommit.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:    lakecommit.DefaultStorageRetryMaxDelay.String(),
		StorageRetryMultiplier:  lakecommit.DefaultStorageRetryMultiplier,
		MetricsListen:           lakecommit.DefaultMetricsListen,
		PprofListen:             lakecommit.DefaultPprofListen,
		LogLevel:                "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
