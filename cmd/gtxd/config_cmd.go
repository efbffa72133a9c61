package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/gtxd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage gtxd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.gtxd/config.yaml"
	if path, err := gtxd.DefaultConfigFile(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default gtxd configuration file",
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
				path, err := gtxd.DefaultConfigFile()
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
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Listen                  string             `yaml:"listen"`
	Address                 string             `yaml:"address"`
	MetricsListen           string             `yaml:"metrics-listen"`
	PprofListen             string             `yaml:"pprof-listen"`
	OTLPEndpoint            string             `yaml:"otlp-endpoint"`
	LogLevel                string             `yaml:"log-level"`
	ShutdownTimeout         string             `yaml:"shutdown-timeout"`
	API                     apiDefaults        `yaml:"api"`
	Store                   storeDefaults      `yaml:"store"`
	Recovery                recoveryDefaults   `yaml:"recovery"`
	MaxCommitRetryTimeout   string             `yaml:"max-commit-retry-timeout"`
	MaxRollbackRetryTimeout string             `yaml:"max-rollback-retry-timeout"`
	RetryMaxAttempts        int                `yaml:"retry-max-attempts"`
	Transaction             txnDefaults        `yaml:"transaction"`
	Lock                    lockDefaults       `yaml:"lock"`
	Participants            map[string]string  `yaml:"participants"`
	Participant             participantDefault `yaml:"participant"`
}

type apiDefaults struct {
	MaxBody string `yaml:"max-body"`
}

type storeDefaults struct {
	Mode       string            `yaml:"mode"`
	File       fileDefaults      `yaml:"file"`
	S3         s3Defaults        `yaml:"s3"`
	AWS        awsDefaults       `yaml:"aws"`
	Azure      azureDefaults     `yaml:"azure"`
	Encryption encryptionDefault `yaml:"encryption"`
	Retry      storeRetryDefault `yaml:"retry"`
}

type fileDefaults struct {
	Dir string `yaml:"dir"`
}

type s3Defaults struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Insecure  bool   `yaml:"insecure"`
	PathStyle bool   `yaml:"path-style"`
	SSE       string `yaml:"sse"`
	KMSKeyID  string `yaml:"kms-key-id"`
}

type awsDefaults struct {
	Endpoint string `yaml:"endpoint"`
	Region   string `yaml:"region"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	SSE      string `yaml:"sse"`
	KMSKeyID string `yaml:"kms-key-id"`
}

type azureDefaults struct {
	Account   string `yaml:"account"`
	Endpoint  string `yaml:"endpoint"`
	Container string `yaml:"container"`
	Prefix    string `yaml:"prefix"`
}

type encryptionDefault struct {
	KeyFile string `yaml:"key-file"`
	Snappy  bool   `yaml:"snappy"`
}

type storeRetryDefault struct {
	MaxAttempts int     `yaml:"max-attempts"`
	BaseDelay   string  `yaml:"base-delay"`
	MaxDelay    string  `yaml:"max-delay"`
	Multiplier  float64 `yaml:"multiplier"`
}

type recoveryDefaults struct {
	CommittingRetryPeriod      string `yaml:"committing-retry-period"`
	AsyncCommittingRetryPeriod string `yaml:"async-committing-retry-period"`
	RollbackingRetryPeriod     string `yaml:"rollbacking-retry-period"`
	TimeoutRetryPeriod         string `yaml:"timeout-retry-period"`
}

type txnDefaults struct {
	DefaultTimeout string `yaml:"default-timeout"`
}

type lockDefaults struct {
	Shards int `yaml:"shards"`
}

type participantDefault struct {
	Timeout  string `yaml:"timeout"`
	CAFile   string `yaml:"ca-file"`
	Insecure bool   `yaml:"insecure"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	period := gtxd.DefaultRetryPeriod.String()
	defaults := configDefaults{
		Listen:                  gtxd.DefaultListen,
		LogLevel:                "info",
		ShutdownTimeout:         gtxd.DefaultShutdownTimeout.String(),
		API:                     apiDefaults{MaxBody: humanizeBytes(gtxd.DefaultMaxBodyBytes)},
		MaxCommitRetryTimeout:   gtxd.DefaultMaxRetryTimeout.String(),
		MaxRollbackRetryTimeout: gtxd.DefaultMaxRetryTimeout.String(),
		Store: storeDefaults{
			Mode: gtxd.DefaultStoreMode,
			File: fileDefaults{Dir: gtxd.DefaultFileDir},
			Retry: storeRetryDefault{
				MaxAttempts: gtxd.DefaultStorageRetryMaxAttempts,
				BaseDelay:   gtxd.DefaultStorageRetryBaseDelay.String(),
				MaxDelay:    gtxd.DefaultStorageRetryMaxDelay.String(),
				Multiplier:  gtxd.DefaultStorageRetryMultiplier,
			},
		},
		Recovery: recoveryDefaults{
			CommittingRetryPeriod:      period,
			AsyncCommittingRetryPeriod: period,
			RollbackingRetryPeriod:     period,
			TimeoutRetryPeriod:         period,
		},
		Transaction:  txnDefaults{DefaultTimeout: gtxd.DefaultTransactionTimeout.String()},
		Lock:         lockDefaults{Shards: gtxd.DefaultLockShards},
		Participants: map[string]string{},
		Participant:  participantDefault{Timeout: gtxd.DefaultParticipantTimeout.String()},
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
