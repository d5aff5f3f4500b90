package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"
)

// HostSample is one reading of host load. Nil fields were not available.
type HostSample struct {
	At                time.Time
	CPUPercent        *float64
	MemoryPercent     *float64
	BandwidthUpMbps   *float64
	BandwidthDownMbps *float64
}

type Collector struct {
	log *slog.Logger
	now func() time.Time

	mu      sync.Mutex
	lastNet *net.IOCountersStat
	lastAt  time.Time
}

func NewCollector(log *slog.Logger) *Collector {
	return &Collector{log: log, now: time.Now}
}

// Sample reads host load and publishes it to the host gauges.
func (c *Collector) Sample(ctx context.Context) *HostSample {
	sample := &HostSample{At: c.now().UTC()}
	var hasData bool

	if cpuPct, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		c.log.Debug("metrics cpu sample failed", "err", err)
	} else if len(cpuPct) > 0 {
		sample.CPUPercent = floatPtr(cpuPct[0])
		hasData = true
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		c.log.Debug("metrics memory sample failed", "err", err)
	} else if vm != nil {
		sample.MemoryPercent = floatPtr(vm.UsedPercent)
		hasData = true
	}

	if stats, err := net.IOCountersWithContext(ctx, false); err != nil || len(stats) == 0 {
		if err != nil {
			c.log.Debug("metrics net sample failed", "err", err)
		}
	} else if up, down, ok := c.throughput(stats[0], c.now()); ok {
		sample.BandwidthUpMbps = floatPtr(up)
		sample.BandwidthDownMbps = floatPtr(down)
		hasData = true
	}

	if !hasData {
		return nil
	}
	publish(sample)
	return sample
}

func publish(s *HostSample) {
	if s.CPUPercent != nil {
		HostCPUPercent.Set(*s.CPUPercent)
	}
	if s.MemoryPercent != nil {
		HostMemoryPercent.Set(*s.MemoryPercent)
	}
	if s.BandwidthUpMbps != nil {
		HostBandwidthMbps.WithLabelValues("up").Set(*s.BandwidthUpMbps)
	}
	if s.BandwidthDownMbps != nil {
		HostBandwidthMbps.WithLabelValues("down").Set(*s.BandwidthDownMbps)
	}
}

// throughput returns Mbps since the previous counters. The first call only
// primes the baseline.
func (c *Collector) throughput(total net.IOCountersStat, now time.Time) (float64, float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastNet == nil {
		c.lastNet = &net.IOCountersStat{}
		*c.lastNet = total
		c.lastAt = now
		return 0, 0, false
	}

	elapsed := now.Sub(c.lastAt).Seconds()
	if elapsed <= 0 {
		*c.lastNet = total
		c.lastAt = now
		return 0, 0, false
	}

	upDelta := diffUint64(total.BytesSent, c.lastNet.BytesSent)
	downDelta := diffUint64(total.BytesRecv, c.lastNet.BytesRecv)

	*c.lastNet = total
	c.lastAt = now

	return bytesToMbps(upDelta, elapsed), bytesToMbps(downDelta, elapsed), true
}

func diffUint64(curr, prev uint64) uint64 {
	if curr >= prev {
		return curr - prev
	}
	return 0
}

func bytesToMbps(delta uint64, seconds float64) float64 {
	if seconds <= 0 {
		return 0
	}
	return (float64(delta) * 8) / (seconds * 1_000_000)
}

func floatPtr(value float64) *float64 {
	v := value
	return &v
}
