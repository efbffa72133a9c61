package gtxd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"
	"pkt.systems/pslog"

	"pkt.systems/gtxd/internal/clock"
	"pkt.systems/gtxd/internal/sessionstore"
	"pkt.systems/gtxd/internal/storage"
	awsstore "pkt.systems/gtxd/internal/storage/aws"
	azurestore "pkt.systems/gtxd/internal/storage/azure"
	"pkt.systems/gtxd/internal/storage/disk"
	"pkt.systems/gtxd/internal/storage/logging"
	"pkt.systems/gtxd/internal/storage/memory"
	"pkt.systems/gtxd/internal/storage/retry"
	"pkt.systems/gtxd/internal/storage/s3"
)

const bucketCheckTimeout = 10 * time.Second

// bucketChecker is implemented by object store backends that can verify
// their bucket before the server starts.
type bucketChecker interface {
	BucketExists(ctx context.Context) (bool, error)
}

// openBackend builds the storage backend selected by cfg.StoreMode, wrapped
// with transient-error retries and per-call logging. exclusive locks the file
// store directory for the lifetime of the backend.
func openBackend(ctx context.Context, cfg Config, logger pslog.Logger, clk clock.Clock, exclusive bool) (storage.Backend, error) {
	raw, err := openRawBackend(cfg, clk, exclusive)
	if err != nil {
		return nil, err
	}
	if err := ensureObjectStoreReady(ctx, raw); err != nil {
		_ = raw.Close()
		return nil, err
	}
	wrapped := retry.Wrap(raw, logger, clk, retry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	})
	return logging.Wrap(wrapped, logger, "storage.backend."+cfg.StoreMode), nil
}

func openRawBackend(cfg Config, clk clock.Clock, exclusive bool) (storage.Backend, error) {
	switch cfg.StoreMode {
	case StoreModeMemory, StoreModeMem:
		return memory.New(), nil
	case StoreModeFile:
		return disk.New(disk.Config{Root: cfg.FileDir, Exclusive: exclusive, Now: clk.Now})
	case StoreModeS3:
		s3cfg, err := BuildS3Config(cfg)
		if err != nil {
			return nil, err
		}
		return s3.New(s3cfg)
	case StoreModeAWS:
		return awsstore.New(BuildAWSConfig(cfg))
	case StoreModeAzure:
		return azurestore.New(BuildAzureConfig(cfg))
	default:
		return nil, fmt.Errorf("unknown store mode: %s", cfg.StoreMode)
	}
}

// OpenSessionStore opens the configured session store without taking the
// file store lock, for offline inspection next to a running server.
func OpenSessionStore(ctx context.Context, cfg Config, logger pslog.Logger) (*sessionstore.Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := clock.Real{}
	backend, err := openBackend(ctx, cfg, logger, clk, false)
	if err != nil {
		return nil, err
	}
	crypto, err := openCrypto(cfg)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	store, err := sessionstore.New(sessionstore.Config{Backend: backend, Crypto: crypto, Logger: logger, Clock: clk})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return store, nil
}

// openCrypto loads the envelope encryption key when one is configured.
func openCrypto(cfg Config) (*storage.Crypto, error) {
	if cfg.EncryptionKeyFile == "" {
		return nil, nil
	}
	cryptoCfg, err := storage.LoadKeyFile(cfg.EncryptionKeyFile, cfg.EncryptionSnappy)
	if err != nil {
		return nil, err
	}
	return storage.NewCrypto(cryptoCfg)
}

// BuildS3Config derives the S3-compatible (MinIO) backend configuration.
// Static credentials come from GTXD_S3_ACCESS_KEY_ID and
// GTXD_S3_SECRET_ACCESS_KEY; otherwise the minio credential chain applies.
func BuildS3Config(cfg Config) (s3.Config, error) {
	creds, err := resolveS3Credentials()
	if err != nil {
		return s3.Config{}, err
	}
	return s3.Config{
		Endpoint:       strings.TrimSpace(cfg.S3Endpoint),
		Region:         strings.TrimSpace(cfg.S3Region),
		Bucket:         strings.TrimSpace(cfg.S3Bucket),
		Prefix:         strings.Trim(cfg.S3Prefix, "/"),
		Insecure:       cfg.S3Insecure,
		ForcePathStyle: cfg.S3ForcePathStyle,
		ServerSideEnc:  cfg.S3SSE,
		KMSKeyID:       cfg.S3KMSKeyID,
		CustomCreds:    creds,
	}, nil
}

func resolveS3Credentials() (*minioCredentials.Credentials, error) {
	access := strings.TrimSpace(os.Getenv("GTXD_S3_ACCESS_KEY_ID"))
	secret := os.Getenv("GTXD_S3_SECRET_ACCESS_KEY")
	token := os.Getenv("GTXD_S3_SESSION_TOKEN")
	if access == "" && secret == "" {
		return nil, nil
	}
	if access == "" || secret == "" {
		return nil, fmt.Errorf("s3 credentials incomplete (need GTXD_S3_ACCESS_KEY_ID and GTXD_S3_SECRET_ACCESS_KEY)")
	}
	return minioCredentials.NewStaticV4(access, secret, token), nil
}

// BuildAWSConfig derives the AWS SDK backend configuration. Credentials come
// from the default AWS chain.
func BuildAWSConfig(cfg Config) awsstore.Config {
	region := strings.TrimSpace(cfg.AWSRegion)
	if region == "" {
		region = firstEnv("AWS_REGION", "AWS_DEFAULT_REGION")
	}
	return awsstore.Config{
		Endpoint:      strings.TrimSpace(cfg.AWSEndpoint),
		Region:        region,
		Bucket:        strings.TrimSpace(cfg.AWSBucket),
		Prefix:        strings.Trim(cfg.AWSPrefix, "/"),
		ServerSideEnc: cfg.AWSSSE,
		KMSKeyID:      cfg.AWSKMSKeyID,
	}
}

// BuildAzureConfig derives the Azure backend configuration, falling back to
// the conventional AZURE_* environment variables for secrets.
func BuildAzureConfig(cfg Config) azurestore.Config {
	account := strings.TrimSpace(cfg.AzureAccount)
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME")
	}
	key := strings.TrimSpace(cfg.AzureKey)
	if key == "" {
		key = firstEnv("GTXD_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if sas == "" {
		sas = firstEnv("GTXD_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: key,
		Endpoint:   strings.TrimSpace(cfg.AzureEndpoint),
		SASToken:   sas,
		Container:  strings.TrimSpace(cfg.AzureContainer),
		Prefix:     strings.Trim(cfg.AzurePrefix, "/"),
	}
}

func ensureObjectStoreReady(ctx context.Context, backend storage.Backend) error {
	checker, ok := backend.(bucketChecker)
	if !ok {
		return nil
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, bucketCheckTimeout)
	defer cancel()
	exists, err := checker.BucketExists(timeoutCtx)
	if err != nil {
		return fmt.Errorf("object store connectivity check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("object store bucket does not exist")
	}
	return nil
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}
