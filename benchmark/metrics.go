package benchmark

import (
	"runtime"
	"time"

	"github.com/nvr-ai/layerbench/device"
)

// LayerResult captures one scenario's measurements.
type LayerResult struct {
	Scenario         Scenario           `json:"scenario"`
	Timestamp        time.Time          `json:"timestamp"`
	TotalDuration    time.Duration      `json:"total_duration"`
	Device           string             `json:"device"`
	KVCacheBlocks    int                `json:"kv_cache_blocks"`
	AvailableKVBytes uint64             `json:"available_kv_bytes"`
	Attention        *Results           `json:"attention,omitempty"`
	MLP              *Results           `json:"mlp,omitempty"`
	DecoderLayer     *Results           `json:"decoder_layer,omitempty"`
	MLPCarryMaxAbs   float64            `json:"mlp_carry_max_abs"`
	MemoryStats      MemoryMetrics      `json:"memory_stats"`
	DeviceMemory     device.MemoryStats `json:"device_memory"`
	CPUStats         CPUMetrics         `json:"cpu_stats"`
}

// MemoryMetrics captures memory usage statistics
type MemoryMetrics struct {
	AllocBytes      uint64 `json:"alloc_bytes"`
	TotalAllocBytes uint64 `json:"total_alloc_bytes"`
	SysBytes        uint64 `json:"sys_bytes"`
	NumGC           uint32 `json:"num_gc"`
	HeapAllocBytes  uint64 `json:"heap_alloc_bytes"`
	HeapSysBytes    uint64 `json:"heap_sys_bytes"`
}

// CPUMetrics captures CPU usage statistics
type CPUMetrics struct {
	UserTime   time.Duration `json:"user_time"`
	SystemTime time.Duration `json:"system_time"`
	NumCPU     int           `json:"num_cpu"`
}

func readMemoryMetrics() MemoryMetrics {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return MemoryMetrics{
		AllocBytes:      m.Alloc,
		TotalAllocBytes: m.TotalAlloc,
		SysBytes:        m.Sys,
		NumGC:           m.NumGC,
		HeapAllocBytes:  m.HeapAlloc,
		HeapSysBytes:    m.HeapSys,
	}
}

// Sub returns the CPU time spent since the earlier snapshot start.
func (c CPUMetrics) Sub(start CPUMetrics) CPUMetrics {
	return CPUMetrics{
		UserTime:   c.UserTime - start.UserTime,
		SystemTime: c.SystemTime - start.SystemTime,
		NumCPU:     c.NumCPU,
	}
}
