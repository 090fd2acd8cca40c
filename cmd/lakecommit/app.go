package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/lakecommit"
	"pkt.systems/lakecommit/internal/loggingutil"
	"pkt.systems/lakecommit/internal/pathutil"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("LAKECOMMIT_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "lakecommit")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				loggingutil.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the coordinator
// itself rather than one of the subcommands. Errors of the long-running root
// command go to the structured log; subcommand errors go to stderr.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	mentionsSubcommand := func(rest []string) bool {
		return slices.ContainsFunc(rest, func(tok string) bool { return isSubcommandToken(root, tok) })
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return true
		}
		if arg == "-" || !strings.HasPrefix(arg, "-") {
			return !isSubcommandToken(root, arg)
		}
		name, _, inline := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		takesNext := false
		if strings.HasPrefix(arg, "--") {
			flag := rootFlag(root, name, "")
			if flag == nil {
				return !mentionsSubcommand(args[i+1:])
			}
			takesNext = flag.NoOptDefVal == ""
		} else {
			// In a bundle such as -vc only the last letter can take the next arg.
			for j, r := range name {
				flag := rootFlag(root, "", string(r))
				if flag == nil {
					return !mentionsSubcommand(args[i+1:])
				}
				if flag.NoOptDefVal == "" {
					takesNext = j == len(name)-1
					break
				}
			}
		}
		if takesNext && !inline {
			i++
		}
	}
	return true
}

func rootFlag(root *cobra.Command, long, short string) *pflag.Flag {
	if long == "" && len(short) != 1 {
		return nil
	}
	for _, set := range []*pflag.FlagSet{root.Flags(), root.PersistentFlags()} {
		if long != "" {
			if f := set.Lookup(long); f != nil {
				return f
			}
		} else if f := set.ShorthandLookup(short); f != nil {
			return f
		}
	}
	return nil
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() || sub.HasAlias(token) {
			return true
		}
	}
	return false
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if candidate, err := lakecommit.DefaultConfigPath(); err == nil {
			cfgPath = candidate
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := pathutil.Abs(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

// applyLogLevel lowers or raises logger according to the log-level setting.
func applyLogLevel(logger pslog.Logger) pslog.Logger {
	logLevel := strings.TrimSpace(viper.GetString("log-level"))
	if logLevel == "" {
		logLevel = "info"
	}
	if level, ok := pslog.ParseLevel(logLevel); ok {
		return logger.LogLevel(level)
	}
	return logger
}

// loadSettings reads the config file (when present) and resolves every
// setting from flags, environment and file in viper precedence order.
func loadSettings(baseLogger pslog.Logger) (lakecommit.Config, pslog.Logger, error) {
	var cfg lakecommit.Config
	configFile, err := loadConfigFile()
	if err != nil {
		return cfg, baseLogger, err
	}
	logger := applyLogLevel(baseLogger)
	if configFile != "" {
		loggingutil.WithSubsystem(logger, "cli.root").Info("loaded config file", "path", configFile)
	}
	bindConfig(&cfg)
	return cfg, logger, nil
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "lakecommit",
		Short:         "lakecommit coordinates periodic, exactly-once table commits for a fleet of sink writers",
		SilenceErrors: true,
		Example: `
  # Kafka control topic, tables on AWS S3 (expects AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY)
  LAKECOMMIT_STORE=aws://lake-bucket/warehouse LAKECOMMIT_AWS_REGION=eu-north-1 lakecommit --brokers kafka-0:9092 --topics events

  # MinIO tables, commit every minute
  lakecommit --store 's3://localhost:9000/lake?insecure=1' --brokers localhost:9092 --commit-interval 1m

  # Single host without Kafka: control log and tables on local disk
  lakecommit --store disk:///var/lib/lakecommit --channel objlog --control-partitions 4

  # Inspect what was committed
  lakecommit table history db.events --store disk:///var/lib/lakecommit
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			cfg, logger, err := loadSettings(baseLogger)
			if err != nil {
				return err
			}
			loggingutil.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to lakecommit",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)
			server, err := lakecommit.NewServer(cfg, lakecommit.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				if err := server.Close(); err != nil {
					loggingutil.WithSubsystem(logger, "cli.root").Warn("close failed", "error", err)
				}
			}()
			return server.Run(ctx)
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.lakecommit/"+lakecommit.DefaultConfigFileName+")")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	persistentFlags.String("store", lakecommit.DefaultStore, "storage backend URL (mem://, disk:///path, s3://host[:port]/bucket, aws://bucket, azure://account/container)")
	persistentFlags.String("warehouse", lakecommit.DefaultWarehouse, "storage namespace holding table metadata and manifests")
	persistentFlags.String("control-topic", lakecommit.DefaultControlTopic, "control topic shared by writers and the coordinator")
	persistentFlags.String("s3-sse", "", "server-side encryption mode for S3 objects (AES256 or aws:kms)")
	persistentFlags.String("s3-kms-key-id", "", "KMS key ID for S3 server-side encryption")
	persistentFlags.String("s3-access-key-id", "", "static S3 access key (or LAKECOMMIT_S3_ACCESS_KEY_ID)")
	persistentFlags.String("s3-secret-access-key", "", "static S3 secret key (or LAKECOMMIT_S3_SECRET_ACCESS_KEY)")
	persistentFlags.String("s3-session-token", "", "optional S3 session token")
	persistentFlags.String("aws-region", "", "AWS region for aws:// stores")
	persistentFlags.String("azure-account", "", "Azure storage account (defaults to the azure:// host)")
	persistentFlags.String("azure-key", "", "Azure Storage account key (or LAKECOMMIT_AZURE_ACCOUNT_KEY)")
	persistentFlags.String("azure-endpoint", "", "Azure Blob service endpoint override")
	persistentFlags.String("azure-sas-token", "", "Azure SAS token (optional alternative to account key)")
	persistentFlags.Int("storage-retry-attempts", lakecommit.DefaultStorageRetryMaxAttempts, "maximum storage retry attempts")
	persistentFlags.Duration("storage-retry-base-delay", lakecommit.DefaultStorageRetryBaseDelay, "initial backoff for storage retries")
	persistentFlags.Duration("storage-retry-max-delay", lakecommit.DefaultStorageRetryMaxDelay, "maximum backoff delay for storage retries")
	persistentFlags.Float64("storage-retry-multiplier", lakecommit.DefaultStorageRetryMultiplier, "backoff multiplier for storage retries")

	flags := cmd.Flags()
	flags.String("channel", lakecommit.DefaultChannel, fmt.Sprintf("control channel transport (%s)", strings.Join(lakecommit.ValidChannels(), ", ")))
	flags.StringSlice("brokers", nil, "Kafka seed brokers (host:port, comma separated)")
	flags.String("client-id", "", "Kafka client id")
	flags.String("control-group-id", lakecommit.DefaultControlGroupID, "connector group id; the coordinator consumes as <id>-coord")
	flags.Int("control-partitions", lakecommit.DefaultControlPartitions, "partitions created for a new objlog control topic")
	flags.StringSlice("topics", nil, "source topics whose partitions form the quorum (defaults to the control topic)")
	flags.Duration("poll-timeout", lakecommit.DefaultPollTimeout, "upper bound for one control channel poll")
	flags.Duration("commit-interval", lakecommit.DefaultCommitInterval, "time between commit requests")
	flags.Duration("commit-timeout", lakecommit.DefaultCommitTimeout, "commit whatever arrived when quorum is not reached within this window")
	flags.Int("commit-threads", lakecommit.DefaultCommitThreads, "maximum tables committed concurrently")
	flags.Duration("tick-interval", lakecommit.DefaultTickInterval, "pause between coordinator ticks")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("metrics-listen", lakecommit.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", lakecommit.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")

	viper.SetEnvPrefix("LAKECOMMIT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	bind := func(flag *pflag.Flag) {
		if err := viper.BindPFlag(flag.Name, flag); err != nil {
			panic(err)
		}
	}
	persistentFlags.VisitAll(bind)
	flags.VisitAll(bind)

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newTableCommand(baseLogger))
	return cmd
}

func bindConfig(cfg *lakecommit.Config) {
	cfg.Store = viper.GetString("store")
	cfg.Warehouse = viper.GetString("warehouse")
	cfg.ControlTopic = viper.GetString("control-topic")
	cfg.S3SSE = viper.GetString("s3-sse")
	cfg.S3KMSKeyID = viper.GetString("s3-kms-key-id")
	cfg.S3AccessKeyID = viper.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = viper.GetString("s3-secret-access-key")
	cfg.S3SessionToken = viper.GetString("s3-session-token")
	cfg.AWSRegion = viper.GetString("aws-region")
	cfg.AzureAccount = viper.GetString("azure-account")
	cfg.AzureAccountKey = viper.GetString("azure-key")
	cfg.AzureEndpoint = viper.GetString("azure-endpoint")
	cfg.AzureSASToken = viper.GetString("azure-sas-token")
	cfg.StorageRetryMaxAttempts = viper.GetInt("storage-retry-attempts")
	cfg.StorageRetryBaseDelay = viper.GetDuration("storage-retry-base-delay")
	cfg.StorageRetryMaxDelay = viper.GetDuration("storage-retry-max-delay")
	cfg.StorageRetryMultiplier = viper.GetFloat64("storage-retry-multiplier")
	cfg.Channel = viper.GetString("channel")
	cfg.Brokers = viper.GetStringSlice("brokers")
	cfg.ClientID = viper.GetString("client-id")
	cfg.ControlGroupID = viper.GetString("control-group-id")
	cfg.ControlPartitions = viper.GetInt("control-partitions")
	cfg.Topics = viper.GetStringSlice("topics")
	cfg.PollTimeout = viper.GetDuration("poll-timeout")
	cfg.CommitInterval = viper.GetDuration("commit-interval")
	cfg.CommitTimeout = viper.GetDuration("commit-timeout")
	cfg.CommitThreads = viper.GetInt("commit-threads")
	cfg.TickInterval = viper.GetDuration("tick-interval")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
}
