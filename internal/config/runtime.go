package config

import (
	"fmt"
	"log/slog"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"go.uber.org/automaxprocs/maxprocs"
	"k8s.io/klog/v2"
)

// TuneRuntime applies container-aware GOMAXPROCS/GOMEMLIMIT, matching the teacher's own
// auto-gomaxprocs/ratio-gomemlimit flags (internal/options.go) wired from every
// daemon's main.go instead of left declared-but-unused. Failures are logged, not fatal:
// a daemon still runs correctly under the Go runtime's own defaults if cgroup quota
// detection fails (e.g. outside a container).
func TuneRuntime(logger klog.Logger, auto bool, memRatio float64) {
	if auto {
		if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
			logger.V(1).Info(fmt.Sprintf(format, args...))
		})); err != nil {
			logger.V(1).Info("automaxprocs: leaving GOMAXPROCS unchanged", "err", err)
		}
	}

	if memRatio > 0 {
		if _, err := memlimit.SetGoMemLimitWithOpts(
			memlimit.WithRatio(memRatio),
			memlimit.WithLogger(slog.Default()),
		); err != nil {
			logger.V(1).Info("automemlimit: leaving GOMEMLIMIT unchanged", "err", err)
		}
	}
}
