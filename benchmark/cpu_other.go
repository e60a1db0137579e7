//go:build !unix

package benchmark

import "runtime"

func readCPUMetrics() CPUMetrics {
	return CPUMetrics{NumCPU: runtime.NumCPU()}
}
