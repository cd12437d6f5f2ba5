//go:build !linux

package health

import (
	"context"
	"os"
	"runtime"
	"time"
)

// DiskCheck checks the scanner's persistence root. On non-Linux platforms
// free space cannot be queried, so the check only verifies the path exists.
type DiskCheck struct {
	Path         string
	MinFreeBytes uint64
}

func (c *DiskCheck) Name() string { return "disk" }

func (c *DiskCheck) Check(ctx context.Context) CheckResult {
	result := CheckResult{
		Timestamp: time.Now(),
		Metadata:  make(map[string]any),
	}

	path := c.Path
	if path == "" {
		path = "/"
	}
	result.Metadata["path"] = path
	result.Metadata["note"] = "free space stats only available on Linux"
	result.Metadata["platform"] = runtime.GOOS

	if _, err := os.Stat(path); err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		return result
	}

	result.Status = StatusHealthy
	result.Message = "path accessible (limited check on " + runtime.GOOS + ")"
	return result
}
