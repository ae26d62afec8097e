package tool

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// SysInfoTool reports host CPU, memory and disk figures.
type SysInfoTool struct {
	diskPath string
}

func NewSysInfoTool(diskPath string) *SysInfoTool {
	if diskPath == "" {
		diskPath = "/"
	}
	return &SysInfoTool{diskPath: diskPath}
}

func (t *SysInfoTool) Name() string { return "system_info" }
func (t *SysInfoTool) Description() string {
	return "Get host information: OS, uptime, CPU model and load, RAM and disk usage."
}
func (t *SysInfoTool) Parameters() map[string]any {
	return params().schema()
}

func (t *SysInfoTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	lines := []string{"=== System ==="}

	if info, err := host.InfoWithContext(ctx); err == nil {
		uptime := time.Duration(info.Uptime) * time.Second
		lines = append(lines,
			fmt.Sprintf("Hostname: %s", info.Hostname),
			fmt.Sprintf("OS: %s %s (%s)", info.Platform, info.PlatformVersion, runtime.GOARCH),
			fmt.Sprintf("Uptime: %s", uptime),
		)
	} else {
		lines = append(lines, fmt.Sprintf("OS: %s/%s", runtime.GOOS, runtime.GOARCH))
	}

	lines = append(lines, "", "=== CPU ===")
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		lines = append(lines, fmt.Sprintf("Model: %s", infos[0].ModelName))
	}
	lines = append(lines, fmt.Sprintf("Logical Cores: %d", runtime.NumCPU()))
	if pct, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false); err == nil && len(pct) > 0 {
		lines = append(lines, fmt.Sprintf("Usage: %.1f%%", pct[0]))
	}

	lines = append(lines, "", "=== Memory ===")
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		lines = append(lines, fmt.Sprintf("Used: %s / %s (%.1f%%)", humanBytes(vm.Used), humanBytes(vm.Total), vm.UsedPercent))
	} else {
		lines = append(lines, "unavailable: "+err.Error())
	}

	lines = append(lines, "", "=== Disk ("+t.diskPath+") ===")
	if du, err := disk.UsageWithContext(ctx, t.diskPath); err == nil {
		lines = append(lines, fmt.Sprintf("Used: %s / %s (%.1f%%)", humanBytes(du.Used), humanBytes(du.Total), du.UsedPercent))
	} else {
		lines = append(lines, "unavailable: "+err.Error())
	}

	return strings.Join(lines, "\n"), nil
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
