// Package hoststats samples host load and memory for the status endpoint
// and the gtxd.host.* gauges.
package hoststats

import (
	"context"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

// Sample is one reading of the host and process.
type Sample struct {
	Load1, Load5, Load15 float64
	MemTotalBytes        uint64
	MemUsedBytes         uint64
	MemUsedPercent       float64
	HeapBytes            uint64
	Goroutines           int
	CollectedAt          time.Time
}

// Sampler reads host statistics and caches the last reading for MaxAge so
// frequent status reads and metric scrapes share one read.
type Sampler struct {
	maxAge time.Duration
	logger pslog.Logger

	loadFn func(context.Context) (*load.AvgStat, error)
	memFn  func(context.Context) (*mem.VirtualMemoryStat, error)
	now    func() time.Time

	mu   sync.Mutex
	last Sample
}

// Config controls a Sampler.
type Config struct {
	// MaxAge is how long a sample is reused. Zero samples on every call.
	MaxAge time.Duration
	Logger pslog.Logger
}

// New returns a Sampler backed by gopsutil.
func New(cfg Config) *Sampler {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Sampler{
		maxAge: cfg.MaxAge,
		logger: logger,
		loadFn: load.AvgWithContext,
		memFn:  mem.VirtualMemoryWithContext,
		now:    time.Now,
	}
}

// Sample returns the current reading. Host counters that cannot be read on
// this platform are left zero; the process counters are always filled.
func (s *Sampler) Sample(ctx context.Context) Sample {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.last.CollectedAt.IsZero() && now.Sub(s.last.CollectedAt) < s.maxAge {
		return s.last
	}
	out := Sample{Goroutines: runtime.NumGoroutine(), CollectedAt: now}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	out.HeapBytes = ms.HeapAlloc
	if avg, err := s.loadFn(ctx); err == nil && avg != nil {
		out.Load1, out.Load5, out.Load15 = avg.Load1, avg.Load5, avg.Load15
	} else if err != nil {
		s.logger.Trace("hoststats.load.unavailable", "error", err)
	}
	if vm, err := s.memFn(ctx); err == nil && vm != nil {
		out.MemTotalBytes = vm.Total
		out.MemUsedBytes = vm.Used
		out.MemUsedPercent = vm.UsedPercent
	} else if err != nil {
		s.logger.Trace("hoststats.memory.unavailable", "error", err)
	}
	s.last = out
	return out
}

// RegisterMetrics exposes the sampler as observable gauges.
func (s *Sampler) RegisterMetrics() error {
	meter := otel.Meter("pkt.systems/gtxd/hoststats")
	loadGauge, err := meter.Float64ObservableGauge(
		"gtxd.host.load",
		metric.WithDescription("Host load average"),
	)
	if err != nil {
		return err
	}
	memGauge, err := meter.Float64ObservableGauge(
		"gtxd.host.memory.used_percent",
		metric.WithDescription("Host memory in use"),
		metric.WithUnit("%"),
	)
	if err != nil {
		return err
	}
	heapGauge, err := meter.Int64ObservableGauge(
		"gtxd.process.heap_bytes",
		metric.WithDescription("Go heap bytes in use"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		sample := s.Sample(ctx)
		o.ObserveFloat64(loadGauge, sample.Load1, metric.WithAttributes(attribute.String("gtxd.load.window", "1")))
		o.ObserveFloat64(loadGauge, sample.Load5, metric.WithAttributes(attribute.String("gtxd.load.window", "5")))
		o.ObserveFloat64(loadGauge, sample.Load15, metric.WithAttributes(attribute.String("gtxd.load.window", "15")))
		o.ObserveFloat64(memGauge, sample.MemUsedPercent)
		o.ObserveInt64(heapGauge, clampUint64(sample.HeapBytes))
		return nil
	}, loadGauge, memGauge, heapGauge)
	return err
}

func clampUint64(value uint64) int64 {
	if value > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(value)
}
