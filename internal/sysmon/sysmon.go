// Package sysmon samples host load while the pipeline runs and emits
// periodic structured log lines.
package sysmon

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"golang.org/x/sys/unix"
	"pkt.systems/pslog"
)

// Config controls the sampling cadence.
type Config struct {
	Enabled        bool
	SampleInterval time.Duration
	LogInterval    time.Duration
}

// Snapshot is one host-load observation.
type Snapshot struct {
	RSSBytes                uint64
	SystemMemoryUsedPercent float64
	SystemSwapUsedPercent   float64
	SwapBytes               uint64
	SystemLoad1             float64
	SystemLoad5             float64
	SystemLoad15            float64
	Load1Baseline           float64
	Load5Baseline           float64
	Load15Baseline          float64
	Load1Multiplier         float64
	Load5Multiplier         float64
	Load15Multiplier        float64
	Goroutines              int
	UptimeSeconds           int64
	CollectedAt             time.Time
}

// Observer tracks high-level system metrics during a run.
type Observer struct {
	cfg     Config
	logger  pslog.Logger
	running atomic.Bool
	wg      sync.WaitGroup

	mu          sync.Mutex
	last        Snapshot
	lastLogTime time.Time

	loadBaseline1   float64
	loadBaseline5   float64
	loadBaseline15  float64
	loadBaselineSet bool
}

// NewObserver constructs a host-load observer.
func NewObserver(cfg Config, logger pslog.Logger) *Observer {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 200 * time.Millisecond
	}
	if cfg.LogInterval < 0 {
		cfg.LogInterval = 0
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Observer{
		cfg:    cfg,
		logger: logger,
	}
}

// Start launches the sampling loop. Safe to call multiple times; only the
// first call starts the loop.
func (o *Observer) Start(ctx context.Context) {
	if !o.cfg.Enabled {
		return
	}
	if !o.running.CompareAndSwap(false, true) {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(ctx)
	}()
}

// Wait blocks until the sampling loop has exited.
func (o *Observer) Wait() {
	o.wg.Wait()
}

// Snapshot returns the most recent observation.
func (o *Observer) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

func (o *Observer) run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			o.sample(now)
		}
	}
}

func (o *Observer) sample(ts time.Time) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	rss := memStats.Sys
	if v, err := readRSSBytes(); err == nil && v > 0 {
		rss = v
	}

	memoryPercent := 0.0
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		memoryPercent = vm.UsedPercent
	}

	load1, load5, load15 := 0.0, 0.0, 0.0
	if avg, err := load.Avg(); err == nil && avg != nil {
		load1 = avg.Load1
		load5 = avg.Load5
		load15 = avg.Load15
	}

	swapBytes, swapPercent, uptime := readSysinfo()

	o.mu.Lock()
	base1, base5, base15, mult1, mult5, mult15 := o.updateLoadBaselines(load1, load5, load15)
	snapshot := Snapshot{
		RSSBytes:                rss,
		SystemMemoryUsedPercent: memoryPercent,
		SystemSwapUsedPercent:   swapPercent,
		SwapBytes:               swapBytes,
		SystemLoad1:             load1,
		SystemLoad5:             load5,
		SystemLoad15:            load15,
		Load1Baseline:           base1,
		Load5Baseline:           base5,
		Load15Baseline:          base15,
		Load1Multiplier:         mult1,
		Load5Multiplier:         mult5,
		Load15Multiplier:        mult15,
		Goroutines:              runtime.NumGoroutine(),
		UptimeSeconds:           uptime,
		CollectedAt:             ts,
	}
	o.last = snapshot
	shouldLog := o.cfg.LogInterval > 0 && (o.lastLogTime.IsZero() || ts.Sub(o.lastLogTime) >= o.cfg.LogInterval)
	if shouldLog {
		o.lastLogTime = ts
	}
	o.mu.Unlock()

	if shouldLog {
		o.logger.Debug("sysmon.sample",
			"rss_bytes", snapshot.RSSBytes,
			"system_memory_percent", snapshot.SystemMemoryUsedPercent,
			"system_swap_percent", snapshot.SystemSwapUsedPercent,
			"swap_bytes", snapshot.SwapBytes,
			"system_load1", snapshot.SystemLoad1,
			"system_load5", snapshot.SystemLoad5,
			"system_load15", snapshot.SystemLoad15,
			"load1_baseline", snapshot.Load1Baseline,
			"load1_multiplier", snapshot.Load1Multiplier,
			"goroutines", snapshot.Goroutines,
			"uptime_seconds", snapshot.UptimeSeconds,
		)
	}
}

func (o *Observer) updateLoadBaselines(load1, load5, load15 float64) (float64, float64, float64, float64, float64, float64) {
	const alpha = 0.05
	if !o.loadBaselineSet {
		o.loadBaseline1 = initialBaseline(load1)
		o.loadBaseline5 = initialBaseline(load5)
		o.loadBaseline15 = initialBaseline(load15)
		o.loadBaselineSet = true
	}
	o.loadBaseline1 = ewma(o.loadBaseline1, load1, alpha)
	o.loadBaseline5 = ewma(o.loadBaseline5, load5, alpha)
	o.loadBaseline15 = ewma(o.loadBaseline15, load15, alpha)

	return o.loadBaseline1, o.loadBaseline5, o.loadBaseline15,
		ratio(load1, o.loadBaseline1),
		ratio(load5, o.loadBaseline5),
		ratio(load15, o.loadBaseline15)
}

func initialBaseline(load float64) float64 {
	if load <= 0 {
		return 0.1
	}
	return load
}

func ewma(current, value, alpha float64) float64 {
	if current <= 0 {
		return value
	}
	return current + (value-current)*alpha
}

func ratio(value, baseline float64) float64 {
	if baseline <= 0 {
		return 0
	}
	return value / baseline
}

func readSysinfo() (swapBytes uint64, swapPercent float64, uptimeSeconds int64) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return 0, 0, 0
	}
	unit := uint64(si.Unit)
	if unit == 0 {
		unit = 1
	}
	totalSwap := uint64(si.Totalswap) * unit
	freeSwap := uint64(si.Freeswap) * unit
	if totalSwap > 0 {
		if freeSwap > totalSwap {
			freeSwap = totalSwap
		}
		swapBytes = totalSwap - freeSwap
		swapPercent = float64(swapBytes) / float64(totalSwap) * 100
	}
	return swapBytes, swapPercent, int64(si.Uptime)
}

func readRSSBytes() (uint64, error) {
	f, err := os.Open("/proc/self/statm")
	if err != nil {
		return 0, err
	}
	defer f.Close()
	reader := bufio.NewReader(f)
	line, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return 0, err
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, errors.New("unexpected statm contents")
	}
	pages, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, err
	}
	return pages * uint64(os.Getpagesize()), nil
}
