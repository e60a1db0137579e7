//go:build !linux

package device

func systemMemory() uint64 {
	return 0
}
