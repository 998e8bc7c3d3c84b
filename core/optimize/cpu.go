package optimize

import (
	"unsafe"

	"golang.org/x/sys/cpu"
)

// CacheLineSize is the cache line size of the build target.
const CacheLineSize = int(unsafe.Sizeof(cpu.CacheLinePad{}))

// Features lists the CPU capabilities worth logging at startup.
type Features struct {
	CacheLine int  `json:"cache_line"`
	AVX2      bool `json:"avx2"`
	AES       bool `json:"aes"`
	ASIMD     bool `json:"asimd"`
}

// Detect reports the running CPU's features.
func Detect() Features {
	return Features{
		CacheLine: CacheLineSize,
		AVX2:      cpu.X86.HasAVX2,
		AES:       cpu.X86.HasAES || cpu.ARM64.HasAES,
		ASIMD:     cpu.ARM64.HasASIMD,
	}
}
