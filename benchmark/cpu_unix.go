//go:build unix

package benchmark

import (
	"runtime"
	"time"

	"golang.org/x/sys/unix"
)

// readCPUMetrics returns the process CPU time consumed so far.
func readCPUMetrics() CPUMetrics {
	m := CPUMetrics{NumCPU: runtime.NumCPU()}
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err == nil {
		m.UserTime = time.Duration(ru.Utime.Nano())
		m.SystemTime = time.Duration(ru.Stime.Nano())
	}
	return m
}
