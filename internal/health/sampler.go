package health

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// GopsutilSampler reads SystemStats from the host with gopsutil.
type GopsutilSampler struct {
	diskPath string
	proc     *process.Process
	logger   *slog.Logger

	mu       sync.Mutex
	lastNet  net.IOCountersStat
	lastAt   time.Time
	lastRSS  float64
	havePrev bool
}

// NewGopsutilSampler creates a sampler reporting disk usage of diskPath.
func NewGopsutilSampler(diskPath string, logger *slog.Logger) *GopsutilSampler {
	if logger == nil {
		logger = slog.Default()
	}
	if diskPath == "" {
		diskPath = "/"
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn("process stats unavailable", "error", err)
		proc = nil
	}

	return &GopsutilSampler{
		diskPath: diskPath,
		proc:     proc,
		logger:   logger.With("component", "sampler"),
	}
}

// Sample reads current figures. Individual read failures are logged and
// leave their fields zero; an error is returned only if every read failed.
func (s *GopsutilSampler) Sample(ctx context.Context) (SystemStats, error) {
	var (
		st     SystemStats
		failed int
	)
	st.Goroutines = runtime.NumGoroutine()

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		st.CPUPercent = pct[0]
	} else {
		failed++
		s.logger.Debug("cpu sample failed", "error", err)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		st.MemoryPercent = vm.UsedPercent
		st.MemoryUsedMB = float64(vm.Used) / 1024 / 1024
	} else {
		failed++
		s.logger.Debug("memory sample failed", "error", err)
	}

	if du, err := disk.UsageWithContext(ctx, s.diskPath); err == nil {
		st.DiskPercent = du.UsedPercent
	} else {
		failed++
		s.logger.Debug("disk sample failed", "error", err)
	}

	if s.proc != nil {
		if mi, err := s.proc.MemoryInfoWithContext(ctx); err == nil {
			st.ProcessRSSMB = float64(mi.RSS) / 1024 / 1024
		} else {
			s.logger.Debug("process memory sample failed", "error", err)
		}
	}

	counters, netErr := net.IOCountersWithContext(ctx, false)
	if netErr != nil || len(counters) == 0 {
		failed++
		s.logger.Debug("network sample failed", "error", netErr)
	}

	now := time.Now()
	s.mu.Lock()
	if netErr == nil && len(counters) > 0 {
		c := counters[0]
		st.NetBytesSent, st.NetBytesRecv = c.BytesSent, c.BytesRecv
		if s.havePrev && c.BytesSent >= s.lastNet.BytesSent && c.BytesRecv >= s.lastNet.BytesRecv {
			if secs := now.Sub(s.lastAt).Seconds(); secs > 0 {
				st.NetSentPerSec = float64(c.BytesSent-s.lastNet.BytesSent) / secs
				st.NetRecvPerSec = float64(c.BytesRecv-s.lastNet.BytesRecv) / secs
			}
		}
		s.lastNet, s.lastAt, s.havePrev = c, now, true
	}
	if st.ProcessRSSMB > 0 {
		s.lastRSS = st.ProcessRSSMB
	}
	s.mu.Unlock()

	if failed == 4 {
		return st, fmt.Errorf("sample system: all reads failed")
	}
	return st, nil
}

// ProcessRSSMB returns the resident memory seen by the last Sample.
func (s *GopsutilSampler) ProcessRSSMB() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRSS
}
