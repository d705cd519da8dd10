package system

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"github.com/emllm/port/internal/infrastructure/logging"
	"github.com/emllm/port/internal/shared/types"
	"github.com/emllm/port/internal/shared/utils"
)

const snapshotTTL = 2 * time.Second

// HostSnapshot is the detailed host data; it never includes the hostname
type HostSnapshot struct {
	Platform        string    `json:"platform"`
	PlatformFamily  string    `json:"platformFamily"`
	PlatformVersion string    `json:"platformVersion"`
	KernelVersion   string    `json:"kernelVersion"`
	Virtualization  string    `json:"virtualization,omitempty"`
	UptimeSeconds   uint64    `json:"uptimeSeconds"`
	CPUModel        string    `json:"cpuModel,omitempty"`
	CPUCores        int       `json:"cpuCores"`
	CPUUsage        float64   `json:"cpuUsage"`
	LoadAverage     []float64 `json:"loadAverage,omitempty"`
	MemoryTotal     uint64    `json:"memoryTotal"`
	MemoryAvailable uint64    `json:"memoryAvailable"`
	MemoryUsed      float64   `json:"memoryUsedPercent"`
	CollectedAt     time.Time `json:"collectedAt"`
}

type snapshotCache struct {
	ttl time.Duration

	mu   sync.Mutex
	snap *HostSnapshot
}

func (c *snapshotCache) get(ctx context.Context, logger *logging.Logger) HostSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.snap != nil && time.Since(c.snap.CollectedAt) < c.ttl {
		return *c.snap
	}
	snap := collectHostSnapshot(ctx, logger)
	c.snap = &snap
	return snap
}

func collectHostSnapshot(ctx context.Context, logger *logging.Logger) HostSnapshot {
	snap := HostSnapshot{CollectedAt: time.Now()}

	if info, err := host.InfoWithContext(ctx); err == nil {
		snap.Platform = info.Platform
		snap.PlatformFamily = info.PlatformFamily
		snap.PlatformVersion = info.PlatformVersion
		snap.KernelVersion = info.KernelVersion
		snap.Virtualization = info.VirtualizationSystem
		snap.UptimeSeconds = info.Uptime
	} else {
		logger.Warn("Host info unavailable", zap.Error(err))
	}

	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		snap.CPUCores = cores
	}
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		snap.CPUModel = infos[0].ModelName
	}
	// Zero interval compares against the previous call instead of blocking
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		snap.CPUUsage = pct[0]
	}
	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		snap.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemoryTotal = vm.Total
		snap.MemoryAvailable = vm.Available
		snap.MemoryUsed = vm.UsedPercent
	} else {
		logger.Warn("Memory info unavailable", zap.Error(err))
	}

	return snap
}

func (p *Provider) getInfo(ctx context.Context, params map[string]interface{}, appCtx *types.Context) (map[string]interface{}, error) {
	result := map[string]interface{}{
		"os":            runtime.GOOS,
		"arch":          runtime.GOARCH,
		"cpus":          runtime.NumCPU(),
		"goVersion":     runtime.Version(),
		"uptimeSeconds": time.Since(p.startTime).Seconds(),
		"timestamp":     time.Now().UnixMilli(),
		"features": map[string]bool{
			"info":          p.cfg.InfoEnabled,
			"detailedInfo":  p.cfg.DetailedInfoEnabled,
			"notifications": p.cfg.NotificationsEnabled,
			"clipboard":     p.cfg.ClipboardEnabled,
		},
	}

	if !utils.GetBool(params, "detailed", false) {
		return result, nil
	}
	if !p.cfg.DetailedInfoEnabled {
		return nil, types.NewError(types.CodeFeatureDisabled, "detailed system info is disabled")
	}
	if err := types.Require(p.auth, appCtx, PermInfoDetailed, ""); err != nil {
		return nil, err
	}

	result["host"] = p.snapshots.get(ctx, p.logger)
	return result, nil
}
