package infrastructure

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// RuntimeStats is a point-in-time view of the process
type RuntimeStats struct {
	Goroutines    int       `json:"goroutines"`
	HeapAllocMB   float64   `json:"heap_alloc_mb"`
	SysMB         float64   `json:"sys_mb"`
	GCCount       uint32    `json:"gc_count"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	Timestamp     time.Time `json:"timestamp"`
}

// RuntimeCollector samples Go runtime stats and records them as gauges
type RuntimeCollector struct {
	goroutines metric.Int64Gauge
	heapAlloc  metric.Int64Gauge
	uptime     metric.Float64Gauge

	startTime time.Time
	interval  time.Duration
	stopOnce  sync.Once
	stopCh    chan struct{}
}

// NewRuntimeCollector creates a collector sampling every interval
func NewRuntimeCollector(meter metric.Meter, interval time.Duration) (*RuntimeCollector, error) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	c := &RuntimeCollector{
		startTime: time.Now(),
		interval:  interval,
		stopCh:    make(chan struct{}),
	}

	var err error
	if c.goroutines, err = meter.Int64Gauge("process_goroutines",
		metric.WithDescription("Number of active goroutines")); err != nil {
		return nil, err
	}
	if c.heapAlloc, err = meter.Int64Gauge("process_heap_alloc_bytes",
		metric.WithDescription("Heap bytes allocated and in use"),
		metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if c.uptime, err = meter.Float64Gauge("process_uptime_seconds",
		metric.WithDescription("Seconds since the process started"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return c, nil
}

// Collect samples the runtime and records the gauges
func (c *RuntimeCollector) Collect(ctx context.Context) RuntimeStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	stats := RuntimeStats{
		Goroutines:    runtime.NumGoroutine(),
		HeapAllocMB:   float64(ms.HeapAlloc) / (1 << 20),
		SysMB:         float64(ms.Sys) / (1 << 20),
		GCCount:       ms.NumGC,
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		Timestamp:     time.Now(),
	}

	c.goroutines.Record(ctx, int64(stats.Goroutines))
	c.heapAlloc.Record(ctx, int64(ms.HeapAlloc))
	c.uptime.Record(ctx, stats.UptimeSeconds)
	return stats
}

// Start collects periodically until ctx is done or Stop is called
func (c *RuntimeCollector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect(ctx)
	for {
		select {
		case <-ticker.C:
			c.Collect(ctx)
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends periodic collection; it is safe to call more than once
func (c *RuntimeCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}
