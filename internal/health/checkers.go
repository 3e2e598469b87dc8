// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/ManuGH/panorec/internal/capture"
	"github.com/ManuGH/panorec/internal/marker"
	"github.com/ManuGH/panorec/internal/workspace"
)

// FuncChecker adapts a closure into a Checker. Daemons use it for checks
// over state they already hold, like queue depth or journal reachability.
type FuncChecker struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

func NewFuncChecker(name string, fn func(ctx context.Context) CheckResult) *FuncChecker {
	return &FuncChecker{name: name, fn: fn}
}

func (c *FuncChecker) Name() string { return c.name }

func (c *FuncChecker) Check(ctx context.Context) CheckResult { return c.fn(ctx) }

// WorkspaceChecker verifies the workspace root exists and is writable.
type WorkspaceChecker struct {
	root string
}

func NewWorkspaceChecker(root string) *WorkspaceChecker {
	return &WorkspaceChecker{root: root}
}

func (c *WorkspaceChecker) Name() string { return "workspace" }

func (c *WorkspaceChecker) Check(_ context.Context) CheckResult {
	info, err := os.Stat(c.root)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error(), Message: c.root}
	}
	if !info.IsDir() {
		return CheckResult{Status: StatusUnhealthy, Error: "not a directory", Message: c.root}
	}

	probe := filepath.Join(c.root, ".write_test")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error(), Message: "workspace not writable"}
	}
	_ = os.Remove(probe)

	return CheckResult{Status: StatusHealthy, Message: "writable"}
}

// DiskChecker reports disk headroom under the workspace. Free space below
// the floor is unhealthy; below twice the floor is degraded.
type DiskChecker struct {
	path    string
	minFree uint64
	usage   func(ctx context.Context, path string) (*disk.UsageStat, error)
}

func NewDiskChecker(path string, minFreeBytes uint64) *DiskChecker {
	return &DiskChecker{
		path:    path,
		minFree: minFreeBytes,
		usage:   disk.UsageWithContext,
	}
}

func (c *DiskChecker) Name() string { return "disk" }

func (c *DiskChecker) Check(ctx context.Context) CheckResult {
	u, err := c.usage(ctx, c.path)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error(), Message: c.path}
	}

	msg := fmt.Sprintf("%.1f GiB free of %.1f GiB", gib(u.Free), gib(u.Total))
	switch {
	case u.Free < c.minFree:
		return CheckResult{Status: StatusUnhealthy, Message: msg, Error: "below free-space floor"}
	case u.Free < 2*c.minFree:
		return CheckResult{Status: StatusDegraded, Message: msg}
	default:
		return CheckResult{Status: StatusHealthy, Message: msg}
	}
}

func gib(b uint64) float64 { return float64(b) / (1 << 30) }

// DeviceChecker verifies the configured capture sources resolve. Local
// device nodes are stat'ed; network cameras pass unprobed.
type DeviceChecker struct {
	selectors []string
}

func NewDeviceChecker(selectors ...string) *DeviceChecker {
	return &DeviceChecker{selectors: selectors}
}

func (c *DeviceChecker) Name() string { return "devices" }

func (c *DeviceChecker) Check(_ context.Context) CheckResult {
	var missing []string
	for _, sel := range c.selectors {
		if err := capture.ProbeSelector(sel); err != nil {
			missing = append(missing, err.Error())
		}
	}
	if len(missing) > 0 {
		return CheckResult{Status: StatusUnhealthy, Error: strings.Join(missing, "; ")}
	}
	return CheckResult{Status: StatusHealthy, Message: fmt.Sprintf("%d sources present", len(c.selectors))}
}

// FreshnessChecker watches a loop's heartbeat. A loop that has never run is
// degraded (the process may still be starting); one whose last completion
// is older than maxAge is unhealthy, since the daemon's whole job is that
// loop.
type FreshnessChecker struct {
	name   string
	maxAge time.Duration
	source func() (last time.Time, lastErr string)
}

func NewFreshnessChecker(name string, maxAge time.Duration, source func() (time.Time, string)) *FreshnessChecker {
	return &FreshnessChecker{name: name, maxAge: maxAge, source: source}
}

func (c *FreshnessChecker) Name() string { return c.name }

func (c *FreshnessChecker) Check(_ context.Context) CheckResult {
	last, lastErr := c.source()

	if last.IsZero() {
		return CheckResult{Status: StatusDegraded, Message: "no completed run yet"}
	}
	if age := time.Since(last); age > c.maxAge {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("last run %s ago exceeds %s", age.Round(time.Second), c.maxAge),
			Error:   lastErr,
		}
	}
	if lastErr != "" {
		return CheckResult{Status: StatusDegraded, Message: "last run failed", Error: lastErr}
	}
	return CheckResult{Status: StatusHealthy, Message: "last run " + time.Since(last).Round(time.Second).String() + " ago"}
}

// StaleLockChecker counts recording locks older than maxAge. Crash recovery
// sweeps these at supervisor startup, so any that persist mean recovery is
// not running.
type StaleLockChecker struct {
	layout workspace.Layout
	maxAge time.Duration
}

func NewStaleLockChecker(layout workspace.Layout, maxAge time.Duration) *StaleLockChecker {
	return &StaleLockChecker{layout: layout, maxAge: maxAge}
}

func (c *StaleLockChecker) Name() string { return "stale_locks" }

func (c *StaleLockChecker) Check(_ context.Context) CheckResult {
	entries, err := c.layout.Scan()
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}

	stale := 0
	for _, e := range entries {
		info, err := os.Stat(marker.Path(e.Dir, marker.Lock))
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) > c.maxAge {
			stale++
		}
	}
	if stale > 0 {
		return CheckResult{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("%d lock(s) older than %s", stale, c.maxAge),
		}
	}
	return CheckResult{Status: StatusHealthy, Message: "no stale locks"}
}

// FileChecker checks a configured file exists and is non-empty. An empty
// path is healthy so optional assets can share the checker.
type FileChecker struct {
	name string
	path string
}

func NewFileChecker(name, path string) *FileChecker {
	return &FileChecker{name: name, path: path}
}

func (c *FileChecker) Name() string { return c.name }

func (c *FileChecker) Check(_ context.Context) CheckResult {
	if c.path == "" {
		return CheckResult{Status: StatusHealthy, Message: "not configured (optional)"}
	}

	info, err := os.Stat(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return CheckResult{Status: StatusUnhealthy, Error: "file not found", Message: c.path}
		}
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	if info.IsDir() {
		return CheckResult{Status: StatusUnhealthy, Error: "expected file, got directory"}
	}
	if info.Size() == 0 {
		return CheckResult{Status: StatusDegraded, Message: "file is empty"}
	}
	return CheckResult{Status: StatusHealthy, Message: "file exists and readable"}
}
