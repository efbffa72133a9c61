package gtxd

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"pkt.systems/gtxd/internal/pathutil"
)

// Store modes accepted by Config.StoreMode.
const (
	StoreModeFile   = "file"
	StoreModeMemory = "memory"
	StoreModeMem    = "mem"
	StoreModeS3     = "s3"
	StoreModeAWS    = "aws"
	StoreModeAzure  = "azure"
)

const (
	// DefaultListen is the default TCP endpoint the API binds to.
	DefaultListen = ":8091"
	// DefaultStoreMode persists sessions under DefaultFileDir.
	DefaultStoreMode = StoreModeFile
	// DefaultFileDir is the session directory used by the file store.
	DefaultFileDir = "sessionStore"
	// DefaultRetryPeriod is the interval of each background loop.
	DefaultRetryPeriod = time.Second
	// DefaultTransactionTimeout applies to transactions begun without a timeout.
	DefaultTransactionTimeout = 60 * time.Second
	// DefaultMaxRetryTimeout disables the time bound on retries.
	DefaultMaxRetryTimeout = -1 * time.Millisecond
	// DefaultLockShards is the lock registry shard count.
	DefaultLockShards = 128
	// DefaultMaxBodyBytes bounds incoming JSON bodies.
	DefaultMaxBodyBytes = 1 << 20
	// DefaultParticipantTimeout bounds one phase-two call.
	DefaultParticipantTimeout = 5 * time.Second
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultStorageRetryMaxAttempts is how often transient storage errors are retried.
	DefaultStorageRetryMaxAttempts = 4
	// DefaultStorageRetryBaseDelay is the first storage retry delay.
	DefaultStorageRetryBaseDelay = 50 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps storage retry delays.
	DefaultStorageRetryMaxDelay = 2 * time.Second
	// DefaultStorageRetryMultiplier grows storage retry delays.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultHostStatsMaxAge is how long a host sample is reused.
	DefaultHostStatsMaxAge = 2 * time.Second
)

// ValidStoreModes lists the accepted store modes.
func ValidStoreModes() []string {
	return []string{StoreModeFile, StoreModeMemory, StoreModeMem, StoreModeS3, StoreModeAWS, StoreModeAzure}
}

// Config captures the tunables of a gtxd Server.
type Config struct {
	// Listen is the API listen address.
	Listen string
	// Address is the coordinator address embedded in xids. Defaults to the
	// host name joined with the Listen port.
	Address string
	// MetricsListen serves Prometheus metrics; empty disables.
	MetricsListen string
	// PprofListen serves pprof; empty disables.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to MetricsListen.
	EnableProfilingMetrics bool
	// OTLPEndpoint enables trace export.
	OTLPEndpoint string

	// StoreMode selects the session store backend.
	StoreMode string
	// FileDir is the session directory for the file store.
	FileDir string

	S3Endpoint       string
	S3Region         string
	S3Bucket         string
	S3Prefix         string
	S3Insecure       bool
	S3ForcePathStyle bool
	S3SSE            string
	S3KMSKeyID       string

	AWSEndpoint string
	AWSRegion   string
	AWSBucket   string
	AWSPrefix   string
	AWSSSE      string
	AWSKMSKeyID string

	AzureAccount   string
	AzureKey       string
	AzureEndpoint  string
	AzureSASToken  string
	AzureContainer string
	AzurePrefix    string

	// EncryptionKeyFile enables kryptograf envelope encryption of session
	// documents. The file is created with a fresh root key when missing.
	EncryptionKeyFile string
	// EncryptionSnappy compresses documents before encryption.
	EncryptionSnappy bool

	StorageRetryMaxAttempts int
	StorageRetryBaseDelay   time.Duration
	StorageRetryMaxDelay    time.Duration
	StorageRetryMultiplier  float64

	// CommittingRetryPeriod drives the retry-committing loop.
	CommittingRetryPeriod time.Duration
	// AsyncCommittingRetryPeriod drives the async-committing loop.
	AsyncCommittingRetryPeriod time.Duration
	// RollbackingRetryPeriod drives the retry-rollbacking loop.
	RollbackingRetryPeriod time.Duration
	// TimeoutRetryPeriod drives the timeout scanner.
	TimeoutRetryPeriod time.Duration
	// MaxCommitRetryTimeout bounds commit retries by time since begin. Negative is unlimited.
	MaxCommitRetryTimeout time.Duration
	// MaxRollbackRetryTimeout bounds rollback retries by time since begin. Negative is unlimited.
	MaxRollbackRetryTimeout time.Duration
	// RetryMaxAttempts bounds retry passes per session. Zero is unlimited.
	RetryMaxAttempts int
	// DefaultTimeout applies to transactions begun without one.
	DefaultTimeout time.Duration
	// LockShards is the lock registry shard count.
	LockShards int

	// Participants maps resource ids to resource manager base URLs. The key
	// "*" matches resources without their own entry.
	Participants map[string]string
	// ParticipantTimeout bounds one phase-two call.
	ParticipantTimeout time.Duration
	// ParticipantCAFile adds trusted roots for HTTPS participants.
	ParticipantCAFile string
	// ParticipantInsecure skips TLS verification of participants.
	ParticipantInsecure bool

	// MaxBodyBytes bounds JSON request bodies.
	MaxBodyBytes int64
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration
}

// Validate applies defaults and sanity-checks the configuration.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	c.StoreMode = strings.ToLower(strings.TrimSpace(c.StoreMode))
	if c.StoreMode == "" {
		c.StoreMode = DefaultStoreMode
	}
	if !slices.Contains(ValidStoreModes(), c.StoreMode) {
		return fmt.Errorf("unknown store mode: %s", c.StoreMode)
	}
	if c.FileDir == "" {
		c.FileDir = DefaultFileDir
	}
	dir, err := pathutil.ExpandPath(c.FileDir)
	if err != nil {
		return fmt.Errorf("config: store.file.dir: %w", err)
	}
	c.FileDir = dir
	switch c.StoreMode {
	case StoreModeS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("config: store.s3.bucket required for store mode s3")
		}
	case StoreModeAWS:
		if c.AWSBucket == "" {
			return fmt.Errorf("config: store.aws.bucket required for store mode aws")
		}
	case StoreModeAzure:
		if c.AzureAccount == "" || c.AzureContainer == "" {
			return fmt.Errorf("config: store.azure.account and store.azure.container required for store mode azure")
		}
	}
	if c.EncryptionKeyFile != "" {
		path, err := pathutil.ExpandPath(c.EncryptionKeyFile)
		if err != nil {
			return fmt.Errorf("config: encryption key file: %w", err)
		}
		c.EncryptionKeyFile = path
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
	if c.StorageRetryMultiplier <= 1 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}

	for _, p := range []*time.Duration{&c.CommittingRetryPeriod, &c.AsyncCommittingRetryPeriod, &c.RollbackingRetryPeriod, &c.TimeoutRetryPeriod} {
		if *p < 0 {
			return fmt.Errorf("config: retry periods must be positive")
		}
		if *p == 0 {
			*p = DefaultRetryPeriod
		}
	}
	if c.MaxCommitRetryTimeout == 0 {
		c.MaxCommitRetryTimeout = DefaultMaxRetryTimeout
	}
	if c.MaxRollbackRetryTimeout == 0 {
		c.MaxRollbackRetryTimeout = DefaultMaxRetryTimeout
	}
	if c.RetryMaxAttempts < 0 {
		return fmt.Errorf("config: retry-max-attempts must be >= 0")
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTransactionTimeout
	}
	if c.LockShards <= 0 {
		c.LockShards = DefaultLockShards
	}
	for resource, base := range c.Participants {
		u, err := url.Parse(base)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config: participant %q: invalid url %q", resource, base)
		}
	}
	if c.ParticipantTimeout <= 0 {
		c.ParticipantTimeout = DefaultParticipantTimeout
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Address == "" {
		addr, err := defaultAddress(c.Listen)
		if err != nil {
			return err
		}
		c.Address = addr
	}
	return nil
}

// defaultAddress joins the host name with the port of listen.
func defaultAddress(listen string) (string, error) {
	_, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "", fmt.Errorf("config: listen %q: %w", listen, err)
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port), nil
}

// DefaultConfigDir returns the default configuration directory ($HOME/.gtxd).
// GTXD_CONFIG_DIR overrides it.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("GTXD_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".gtxd"), nil
}

// DefaultConfigFile returns the default config file path.
func DefaultConfigFile() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}
