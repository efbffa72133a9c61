package gtxd

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != DefaultListen {
		t.Fatalf("expected listen %q, got %q", DefaultListen, cfg.Listen)
	}
	if cfg.StoreMode != StoreModeFile {
		t.Fatalf("expected store mode file, got %q", cfg.StoreMode)
	}
	if !filepath.IsAbs(cfg.FileDir) || filepath.Base(cfg.FileDir) != DefaultFileDir {
		t.Fatalf("expected absolute %s dir, got %q", DefaultFileDir, cfg.FileDir)
	}
	for name, got := range map[string]time.Duration{
		"committing":       cfg.CommittingRetryPeriod,
		"async committing": cfg.AsyncCommittingRetryPeriod,
		"rollbacking":      cfg.RollbackingRetryPeriod,
		"timeout":          cfg.TimeoutRetryPeriod,
	} {
		if got != DefaultRetryPeriod {
			t.Fatalf("expected %s period %s, got %s", name, DefaultRetryPeriod, got)
		}
	}
	if cfg.MaxCommitRetryTimeout >= 0 || cfg.MaxRollbackRetryTimeout >= 0 {
		t.Fatalf("expected unlimited retry timeouts, got %s/%s", cfg.MaxCommitRetryTimeout, cfg.MaxRollbackRetryTimeout)
	}
	if cfg.RetryMaxAttempts != 0 {
		t.Fatalf("expected unlimited attempts, got %d", cfg.RetryMaxAttempts)
	}
	if cfg.LockShards != DefaultLockShards || cfg.DefaultTimeout != DefaultTransactionTimeout {
		t.Fatalf("unexpected lock shards %d / timeout %s", cfg.LockShards, cfg.DefaultTimeout)
	}
	if cfg.StorageRetryMaxAttempts <= 0 || cfg.StorageRetryBaseDelay <= 0 || cfg.StorageRetryMultiplier <= 1 {
		t.Fatal("expected storage retry defaults")
	}
	if !strings.HasSuffix(cfg.Address, ":8091") {
		t.Fatalf("expected address with listen port, got %q", cfg.Address)
	}
}

func TestConfigValidateRejects(t *testing.T) {
	t.Parallel()
	cases := map[string]Config{
		"unknown store":     {StoreMode: "etcd"},
		"s3 without bucket": {StoreMode: StoreModeS3},
		"aws no bucket":     {StoreMode: StoreModeAWS},
		"azure no account":  {StoreMode: StoreModeAzure, AzureContainer: "c"},
		"negative period":   {StoreMode: StoreModeMemory, CommittingRetryPeriod: -time.Second},
		"negative attempts": {StoreMode: StoreModeMemory, RetryMaxAttempts: -1},
		"bad participant":   {StoreMode: StoreModeMemory, Participants: map[string]string{"*": "ftp://rm"}},
		"profiling only":    {StoreMode: StoreModeMemory, EnableProfilingMetrics: true},
		"bad listen":        {StoreMode: StoreModeMemory, Listen: "nope"},
	}
	for name, cfg := range cases {
		cfg := cfg
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestConfigUnknownStoreModeMessage(t *testing.T) {
	t.Parallel()
	cfg := Config{StoreMode: "Redis"}
	err := cfg.Validate()
	if err == nil || err.Error() != "unknown store mode: redis" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestConfigKeepsExplicitValues(t *testing.T) {
	t.Parallel()
	cfg := Config{
		StoreMode:             "MEM",
		Address:               "10.0.0.1:8091",
		CommittingRetryPeriod: 250 * time.Millisecond,
		MaxCommitRetryTimeout: time.Minute,
		RetryMaxAttempts:      5,
		Participants:          map[string]string{"jdbc:mysql://orders": "https://rm.example:8443"},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.StoreMode != StoreModeMem || cfg.Address != "10.0.0.1:8091" {
		t.Fatalf("unexpected mode %q address %q", cfg.StoreMode, cfg.Address)
	}
	if cfg.CommittingRetryPeriod != 250*time.Millisecond || cfg.MaxCommitRetryTimeout != time.Minute || cfg.RetryMaxAttempts != 5 {
		t.Fatalf("explicit values overwritten: %+v", cfg)
	}
}

func TestDefaultConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("GTXD_CONFIG_DIR", dir)
	got, err := DefaultConfigDir()
	if err != nil || got != dir {
		t.Fatalf("expected %q, got %q err=%v", dir, got, err)
	}
	file, err := DefaultConfigFile()
	if err != nil || file != filepath.Join(dir, "config.yaml") {
		t.Fatalf("unexpected config file %q err=%v", file, err)
	}
}
