package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/gtxd"
	"pkt.systems/gtxd/internal/pathutil"
	"pkt.systems/gtxd/internal/svcfields"
	"pkt.systems/gtxd/internal/version"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("GTXD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "gtxd")
	root := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	ran, err := root.ExecuteContextC(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			if ran == root {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("cli.command.failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// flagKeys maps flag names to viper keys. Keys nest in the YAML config file
// and map to GTXD_* environment variables with dots and dashes as
// underscores (store.file.dir is GTXD_STORE_FILE_DIR).
var flagKeys = map[string]string{
	"listen":                   "listen",
	"address":                  "address",
	"metrics-listen":           "metrics-listen",
	"pprof-listen":             "pprof-listen",
	"enable-profiling-metrics": "enable-profiling-metrics",
	"otlp-endpoint":            "otlp-endpoint",
	"log-level":                "log-level",
	"shutdown-timeout":         "shutdown-timeout",
	"max-body":                 "api.max-body",

	"store-mode":        "store.mode",
	"store-file-dir":    "store.file.dir",
	"s3-endpoint":       "store.s3.endpoint",
	"s3-region":         "store.s3.region",
	"s3-bucket":         "store.s3.bucket",
	"s3-prefix":         "store.s3.prefix",
	"s3-insecure":       "store.s3.insecure",
	"s3-path-style":     "store.s3.path-style",
	"s3-sse":            "store.s3.sse",
	"s3-kms-key-id":     "store.s3.kms-key-id",
	"aws-endpoint":      "store.aws.endpoint",
	"aws-region":        "store.aws.region",
	"aws-bucket":        "store.aws.bucket",
	"aws-prefix":        "store.aws.prefix",
	"aws-sse":           "store.aws.sse",
	"aws-kms-key-id":    "store.aws.kms-key-id",
	"azure-account":     "store.azure.account",
	"azure-key":         "store.azure.key",
	"azure-endpoint":    "store.azure.endpoint",
	"azure-sas-token":   "store.azure.sas-token",
	"azure-container":   "store.azure.container",
	"azure-prefix":      "store.azure.prefix",
	"encryption-key":    "store.encryption.key-file",
	"encryption-snappy": "store.encryption.snappy",

	"storage-retry-attempts":   "store.retry.max-attempts",
	"storage-retry-base-delay": "store.retry.base-delay",
	"storage-retry-max-delay":  "store.retry.max-delay",
	"storage-retry-multiplier": "store.retry.multiplier",

	"committing-retry-period":       "recovery.committing-retry-period",
	"async-committing-retry-period": "recovery.async-committing-retry-period",
	"rollbacking-retry-period":      "recovery.rollbacking-retry-period",
	"timeout-retry-period":          "recovery.timeout-retry-period",
	"max-commit-retry-timeout":      "max-commit-retry-timeout",
	"max-rollback-retry-timeout":    "max-rollback-retry-timeout",
	"retry-max-attempts":            "retry-max-attempts",
	"default-timeout":               "transaction.default-timeout",
	"lock-shards":                   "lock.shards",

	"participant":          "participants",
	"participant-timeout":  "participant.timeout",
	"participant-ca-file":  "participant.ca-file",
	"participant-insecure": "participant.insecure",
}

// storeFlags are shared by the server and the offline session commands.
var storeFlags = []string{
	"store-mode", "store-file-dir",
	"s3-endpoint", "s3-region", "s3-bucket", "s3-prefix", "s3-insecure", "s3-path-style", "s3-sse", "s3-kms-key-id",
	"aws-endpoint", "aws-region", "aws-bucket", "aws-prefix", "aws-sse", "aws-kms-key-id",
	"azure-account", "azure-key", "azure-endpoint", "azure-sas-token", "azure-container", "azure-prefix",
	"encryption-key", "encryption-snappy",
	"storage-retry-attempts", "storage-retry-base-delay", "storage-retry-max-delay", "storage-retry-multiplier",
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("GTXD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	return newRootCommandWithViper(newViper(), baseLogger)
}

func newRootCommandWithViper(v *viper.Viper, baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "gtxd",
		Short:         "gtxd coordinates distributed transactions with two-phase commit over registered branches",
		SilenceErrors: true,
		Example: `
  # File store under ./sessionStore, one participant for every resource
  gtxd --participant '*=http://localhost:8080'

  # MinIO backend (credentials from GTXD_S3_ACCESS_KEY_ID / GTXD_S3_SECRET_ACCESS_KEY)
  GTXD_STORE_MODE=s3 GTXD_STORE_S3_ENDPOINT=localhost:9000 GTXD_STORE_S3_BUCKET=gtxd gtxd --s3-insecure --s3-path-style

  # In-memory store (tests/dev only)
  gtxd --store-mode memory
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()
			logger := baseLogger
			configFile, err := loadConfigFile(v)
			if err != nil {
				return err
			}
			if level, ok := pslog.ParseLevel(strings.TrimSpace(v.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
			}
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info("server.lifecycle.welcome",
				"version", version.Current(),
				"pid", os.Getpid(),
				"config", configFile,
			)

			var cfg gtxd.Config
			if err := bindConfig(v, &cfg); err != nil {
				return err
			}
			server, err := gtxd.NewServer(cfg, gtxd.WithLogger(logger))
			if err != nil {
				return err
			}
			cliLogger.Info("cli.config.loaded",
				"store", v.GetString("store.mode"),
				"max_body", humanizeBytes(cfg.MaxBodyBytes),
				"participants", len(cfg.Participants),
			)
			shutdownDone := make(chan error, 1)
			go func() {
				<-ctx.Done()
				shutdownDone <- server.Close()
			}()
			startErr := server.Start()
			if errors.Is(startErr, http.ErrServerClosed) {
				startErr = nil
			}
			if ctx.Err() == nil {
				if err := server.Close(); err != nil {
					cliLogger.Error("server.shutdown.failed", "error", err)
				}
				return startErr
			}
			if err := <-shutdownDone; err != nil {
				cliLogger.Error("server.shutdown.failed", "error", err)
			}
			return startErr
		},
	}

	persistent := cmd.PersistentFlags()
	persistent.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.gtxd/config.yaml)")
	persistent.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	addStoreFlags(persistent)

	flags := cmd.Flags()
	flags.String("listen", gtxd.DefaultListen, "API listen address")
	flags.String("address", "", "coordinator address embedded in xids (defaults to hostname and listen port)")
	flags.String("metrics-listen", "", "Prometheus metrics listen address (empty disables)")
	flags.String("pprof-listen", "", "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "add Go runtime metrics to the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Duration("shutdown-timeout", gtxd.DefaultShutdownTimeout, "graceful shutdown timeout")
	flags.String("max-body", humanizeBytes(gtxd.DefaultMaxBodyBytes), "maximum JSON request body size")
	flags.Duration("committing-retry-period", gtxd.DefaultRetryPeriod, "retry committing loop period")
	flags.Duration("async-committing-retry-period", gtxd.DefaultRetryPeriod, "async committing loop period")
	flags.Duration("rollbacking-retry-period", gtxd.DefaultRetryPeriod, "retry rollbacking loop period")
	flags.Duration("timeout-retry-period", gtxd.DefaultRetryPeriod, "timeout scanner period")
	flags.Duration("max-commit-retry-timeout", gtxd.DefaultMaxRetryTimeout, "stop commit retries this long after begin (negative is unlimited)")
	flags.Duration("max-rollback-retry-timeout", gtxd.DefaultMaxRetryTimeout, "stop rollback retries this long after begin (negative is unlimited)")
	flags.Int("retry-max-attempts", 0, "retry passes per session before giving up (0 is unlimited)")
	flags.Duration("default-timeout", gtxd.DefaultTransactionTimeout, "timeout of transactions begun without one")
	flags.Int("lock-shards", gtxd.DefaultLockShards, "lock registry shard count")
	flags.StringToString("participant", nil, "resource id to resource manager URL (repeatable, '*' matches any resource)")
	flags.Duration("participant-timeout", gtxd.DefaultParticipantTimeout, "timeout of one phase-two call")
	flags.String("participant-ca-file", "", "PEM file with extra roots for HTTPS participants")
	flags.Bool("participant-insecure", false, "skip TLS verification of participants")

	bindFlags(v, cmd)

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newSessionsCommand(v, baseLogger))
	cmd.AddCommand(newVerifyCommand(v, baseLogger))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func addStoreFlags(flags *pflag.FlagSet) {
	flags.String("store-mode", gtxd.DefaultStoreMode, "session store (file, memory, s3, aws, azure)")
	flags.String("store-file-dir", gtxd.DefaultFileDir, "session directory of the file store")
	flags.String("s3-endpoint", "", "S3-compatible endpoint host[:port]")
	flags.String("s3-region", "", "S3 region")
	flags.String("s3-bucket", "", "S3 bucket")
	flags.String("s3-prefix", "", "S3 key prefix")
	flags.Bool("s3-insecure", false, "use plain HTTP for the S3 endpoint")
	flags.Bool("s3-path-style", false, "force path-style S3 addressing")
	flags.String("s3-sse", "", "S3 server-side encryption (AES256 or aws:kms)")
	flags.String("s3-kms-key-id", "", "S3 KMS key id")
	flags.String("aws-endpoint", "", "override the AWS S3 endpoint")
	flags.String("aws-region", "", "AWS region (falls back to AWS_REGION)")
	flags.String("aws-bucket", "", "AWS S3 bucket")
	flags.String("aws-prefix", "", "AWS S3 key prefix")
	flags.String("aws-sse", "", "AWS server-side encryption (AES256 or aws:kms)")
	flags.String("aws-kms-key-id", "", "AWS KMS key id")
	flags.String("azure-account", "", "Azure storage account")
	flags.String("azure-key", "", "Azure account key")
	flags.String("azure-endpoint", "", "Azure blob endpoint override")
	flags.String("azure-sas-token", "", "Azure SAS token")
	flags.String("azure-container", "", "Azure container")
	flags.String("azure-prefix", "", "Azure blob prefix")
	flags.String("encryption-key", "", "kryptograf key file enabling encryption of session documents (created when missing)")
	flags.Bool("encryption-snappy", false, "compress session documents before encryption")
	flags.Int("storage-retry-attempts", gtxd.DefaultStorageRetryMaxAttempts, "attempts for transient storage errors")
	flags.Duration("storage-retry-base-delay", gtxd.DefaultStorageRetryBaseDelay, "first storage retry delay")
	flags.Duration("storage-retry-max-delay", gtxd.DefaultStorageRetryMaxDelay, "maximum storage retry delay")
	flags.Float64("storage-retry-multiplier", gtxd.DefaultStorageRetryMultiplier, "storage retry delay multiplier")
}

// bindFlags binds every known flag of cmd to its viper key.
func bindFlags(v *viper.Viper, cmd *cobra.Command) {
	bindFlag := func(name string, flag *pflag.Flag) {
		key, ok := flagKeys[name]
		if !ok {
			key = name
		}
		if err := v.BindPFlag(key, flag); err != nil {
			panic(err)
		}
	}
	cmd.PersistentFlags().VisitAll(func(f *pflag.Flag) { bindFlag(f.Name, f) })
	cmd.Flags().VisitAll(func(f *pflag.Flag) { bindFlag(f.Name, f) })
}

func bindConfig(v *viper.Viper, cfg *gtxd.Config) error {
	cfg.Listen = v.GetString("listen")
	cfg.Address = v.GetString("address")
	cfg.MetricsListen = v.GetString("metrics-listen")
	cfg.PprofListen = v.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = v.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = v.GetString("otlp-endpoint")
	cfg.ShutdownTimeout = v.GetDuration("shutdown-timeout")
	if raw := strings.TrimSpace(v.GetString("api.max-body")); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("parse max-body: %w", err)
		}
		cfg.MaxBodyBytes = int64(size)
	}
	bindStoreConfig(v, cfg)

	cfg.CommittingRetryPeriod = v.GetDuration("recovery.committing-retry-period")
	cfg.AsyncCommittingRetryPeriod = v.GetDuration("recovery.async-committing-retry-period")
	cfg.RollbackingRetryPeriod = v.GetDuration("recovery.rollbacking-retry-period")
	cfg.TimeoutRetryPeriod = v.GetDuration("recovery.timeout-retry-period")
	cfg.MaxCommitRetryTimeout = v.GetDuration("max-commit-retry-timeout")
	cfg.MaxRollbackRetryTimeout = v.GetDuration("max-rollback-retry-timeout")
	cfg.RetryMaxAttempts = v.GetInt("retry-max-attempts")
	cfg.DefaultTimeout = v.GetDuration("transaction.default-timeout")
	cfg.LockShards = v.GetInt("lock.shards")

	cfg.Participants = v.GetStringMapString("participants")
	cfg.ParticipantTimeout = v.GetDuration("participant.timeout")
	cfg.ParticipantCAFile = v.GetString("participant.ca-file")
	cfg.ParticipantInsecure = v.GetBool("participant.insecure")
	return nil
}

func bindStoreConfig(v *viper.Viper, cfg *gtxd.Config) {
	cfg.StoreMode = v.GetString("store.mode")
	cfg.FileDir = v.GetString("store.file.dir")
	cfg.S3Endpoint = v.GetString("store.s3.endpoint")
	cfg.S3Region = v.GetString("store.s3.region")
	cfg.S3Bucket = v.GetString("store.s3.bucket")
	cfg.S3Prefix = v.GetString("store.s3.prefix")
	cfg.S3Insecure = v.GetBool("store.s3.insecure")
	cfg.S3ForcePathStyle = v.GetBool("store.s3.path-style")
	cfg.S3SSE = v.GetString("store.s3.sse")
	cfg.S3KMSKeyID = v.GetString("store.s3.kms-key-id")
	cfg.AWSEndpoint = v.GetString("store.aws.endpoint")
	cfg.AWSRegion = v.GetString("store.aws.region")
	cfg.AWSBucket = v.GetString("store.aws.bucket")
	cfg.AWSPrefix = v.GetString("store.aws.prefix")
	cfg.AWSSSE = v.GetString("store.aws.sse")
	cfg.AWSKMSKeyID = v.GetString("store.aws.kms-key-id")
	cfg.AzureAccount = v.GetString("store.azure.account")
	cfg.AzureKey = v.GetString("store.azure.key")
	cfg.AzureEndpoint = v.GetString("store.azure.endpoint")
	cfg.AzureSASToken = v.GetString("store.azure.sas-token")
	cfg.AzureContainer = v.GetString("store.azure.container")
	cfg.AzurePrefix = v.GetString("store.azure.prefix")
	cfg.EncryptionKeyFile = v.GetString("store.encryption.key-file")
	cfg.EncryptionSnappy = v.GetBool("store.encryption.snappy")
	cfg.StorageRetryMaxAttempts = v.GetInt("store.retry.max-attempts")
	cfg.StorageRetryBaseDelay = v.GetDuration("store.retry.base-delay")
	cfg.StorageRetryMaxDelay = v.GetDuration("store.retry.max-delay")
	cfg.StorageRetryMultiplier = v.GetFloat64("store.retry.multiplier")
}

// loadConfigFile reads --config, or the default config file when it exists.
// It returns the path that was read.
func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	explicit := cfgPath != ""
	if !explicit {
		def, err := gtxd.DefaultConfigFile()
		if err != nil {
			return "", nil
		}
		cfgPath = def
	}
	expanded, err := pathutil.ExpandPath(cfgPath)
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
	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
