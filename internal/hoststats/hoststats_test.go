package hoststats

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

func fixedSampler(now *time.Time, loads *int) *Sampler {
	s := New(Config{MaxAge: time.Second})
	s.now = func() time.Time { return *now }
	s.loadFn = func(context.Context) (*load.AvgStat, error) {
		*loads++
		return &load.AvgStat{Load1: 0.5, Load5: 0.25, Load15: 0.125}, nil
	}
	s.memFn = func(context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Total: 1 << 30, Used: 1 << 29, UsedPercent: 50}, nil
	}
	return s
}

func TestSampleCachesForMaxAge(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	loads := 0
	s := fixedSampler(&now, &loads)

	first := s.Sample(context.Background())
	if first.Load1 != 0.5 || first.MemUsedPercent != 50 || first.MemTotalBytes != 1<<30 {
		t.Fatalf("unexpected sample %+v", first)
	}
	if first.Goroutines <= 0 || first.HeapBytes == 0 {
		t.Fatalf("expected process counters, got %+v", first)
	}
	s.Sample(context.Background())
	if loads != 1 {
		t.Fatalf("expected cached sample, loads=%d", loads)
	}
	now = now.Add(2 * time.Second)
	s.Sample(context.Background())
	if loads != 2 {
		t.Fatalf("expected refresh after max age, loads=%d", loads)
	}
}

func TestSampleToleratesUnavailableHostStats(t *testing.T) {
	t.Parallel()
	s := New(Config{})
	s.loadFn = func(context.Context) (*load.AvgStat, error) { return nil, errors.New("not implemented") }
	s.memFn = func(context.Context) (*mem.VirtualMemoryStat, error) { return nil, errors.New("not implemented") }
	got := s.Sample(context.Background())
	if got.Load1 != 0 || got.MemTotalBytes != 0 {
		t.Fatalf("expected zero host counters, got %+v", got)
	}
	if got.Goroutines <= 0 {
		t.Fatal("expected goroutine count")
	}
}

func TestClampUint64(t *testing.T) {
	t.Parallel()
	if clampUint64(math.MaxUint64) != math.MaxInt64 {
		t.Fatal("expected clamp to MaxInt64")
	}
	if clampUint64(42) != 42 {
		t.Fatal("expected passthrough")
	}
}
