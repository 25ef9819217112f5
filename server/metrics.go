package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

const DefaultSystemInterval = 15 * time.Second

// SystemCollector periodically samples host CPU and memory usage and the
// usage of the disk holding the archive directory.
type SystemCollector struct {
	cpuUsagePercent prometheus.Gauge
	memUsagePercent prometheus.Gauge
	diskUsage       prometheus.Gauge
	diskFreeBytes   prometheus.Gauge
	diskPath        string
	interval        time.Duration
	clock           clockwork.Clock
	stopChan        chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
	logger          *slog.Logger
}

// NewSystemCollector creates a collector and registers its gauges with
// registerer. diskPath should be the archive directory.
func NewSystemCollector(registerer prometheus.Registerer, diskPath string, interval time.Duration, clock clockwork.Clock, logger *slog.Logger) *SystemCollector {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = DefaultSystemInterval
	}
	f := promauto.With(registerer)
	return &SystemCollector{
		cpuUsagePercent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "nexusarchive", Subsystem: "system", Name: "cpu_usage_percent",
			Help: "Host CPU usage since the previous sample.",
		}),
		memUsagePercent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "nexusarchive", Subsystem: "system", Name: "mem_usage_percent",
			Help: "Host memory in use.",
		}),
		diskUsage: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "nexusarchive", Subsystem: "system", Name: "archive_disk_usage_percent",
			Help: "Usage of the filesystem holding the archive directory.",
		}),
		diskFreeBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "nexusarchive", Subsystem: "system", Name: "archive_disk_free_bytes",
			Help: "Free space on the filesystem holding the archive directory.",
		}),
		diskPath: diskPath,
		interval: interval,
		clock:    clock,
		stopChan: make(chan struct{}),
		logger:   logger.With("component", "SystemCollector"),
	}
}

// Start takes a first sample and begins the background collection loop.
func (sc *SystemCollector) Start() {
	sc.logger.Info("Starting system metrics collector", "interval", sc.interval, "disk_path", sc.diskPath)
	sc.collect()
	sc.wg.Add(1)
	go sc.collectLoop()
}

// Stop signals the collection loop to terminate and waits for it to finish.
func (sc *SystemCollector) Stop() {
	sc.stopOnce.Do(func() {
		sc.logger.Info("Stopping system metrics collector")
		close(sc.stopChan)
	})
	sc.wg.Wait()
}

func (sc *SystemCollector) collectLoop() {
	defer sc.wg.Done()
	ticker := sc.clock.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			sc.collect()
		case <-sc.stopChan:
			return
		}
	}
}

func (sc *SystemCollector) collect() {
	// A zero interval compares against the previous call instead of sleeping.
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		sc.cpuUsagePercent.Set(pct[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		sc.memUsagePercent.Set(vm.UsedPercent)
	}
	du, err := disk.Usage(sc.diskPath)
	if err != nil {
		sc.logger.Debug("Disk usage unavailable.", "path", sc.diskPath, "error", err)
		return
	}
	sc.diskUsage.Set(du.UsedPercent)
	sc.diskFreeBytes.Set(float64(du.Free))
}
