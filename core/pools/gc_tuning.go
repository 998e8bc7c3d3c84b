package pools

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/rs/zerolog"
	"go.uber.org/automaxprocs/maxprocs"
)

// GCConfig holds runtime tuning parameters
type GCConfig struct {
	// GOGC sets the garbage collection target percentage.
	// 0 leaves the runtime default.
	GOGC int

	// MemoryRatio is the fraction of the container or host memory used as
	// the soft memory limit. 0 disables the limit.
	MemoryRatio float64
}

// DefaultGCConfig returns settings for a server whose hot data lives off
// heap in segment rings
func DefaultGCConfig() GCConfig {
	return GCConfig{
		GOGC:        200,
		MemoryRatio: 0.9,
	}
}

// Tune sizes GOMAXPROCS to the CPU quota, sets the memory limit and the GC
// target. The returned function restores GOMAXPROCS.
func Tune(cfg GCConfig, log zerolog.Logger) (func(), error) {
	undo, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		log.Debug().Msgf(format, args...)
	}))
	if err != nil {
		return func() {}, fmt.Errorf("pools: set GOMAXPROCS: %w", err)
	}

	if cfg.MemoryRatio > 0 {
		limit, err := memlimit.SetGoMemLimitWithOpts(
			memlimit.WithRatio(cfg.MemoryRatio),
			memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
		)
		if err != nil {
			log.Warn().Err(err).Msg("memory limit not set")
		} else if limit > 0 {
			log.Debug().Int64("limit", limit).Msg("memory limit set")
		}
	}

	if cfg.GOGC > 0 {
		debug.SetGCPercent(cfg.GOGC)
	}

	log.Info().
		Int("gomaxprocs", runtime.GOMAXPROCS(0)).
		Int("gogc", cfg.GOGC).
		Int64("memlimit", debug.SetMemoryLimit(-1)).
		Msg("runtime tuned")
	return undo, nil
}

// GCStats holds garbage collection statistics
type GCStats struct {
	NumGC        uint32        `json:"num_gc" msgpack:"num_gc"`
	PauseTotal   time.Duration `json:"pause_total" msgpack:"pause_total"`
	LastPause    time.Duration `json:"last_pause" msgpack:"last_pause"`
	AvgPause     time.Duration `json:"avg_pause" msgpack:"avg_pause"`
	AllocBytes   uint64        `json:"alloc_bytes" msgpack:"alloc_bytes"`
	TotalAlloc   uint64        `json:"total_alloc" msgpack:"total_alloc"`
	Sys          uint64        `json:"sys" msgpack:"sys"`
	NumGoroutine int           `json:"num_goroutine" msgpack:"num_goroutine"`
}

// GetGCStats returns current GC statistics
func GetGCStats() GCStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	stats := GCStats{
		NumGC:        ms.NumGC,
		AllocBytes:   ms.Alloc,
		TotalAlloc:   ms.TotalAlloc,
		Sys:          ms.Sys,
		NumGoroutine: runtime.NumGoroutine(),
	}

	if ms.NumGC > 0 {
		stats.LastPause = time.Duration(ms.PauseNs[(ms.NumGC+255)%256])

		var totalPause uint64
		numPauses := min(ms.NumGC, 256)
		for i := uint32(0); i < numPauses; i++ {
			totalPause += ms.PauseNs[i]
		}

		stats.PauseTotal = time.Duration(totalPause)
		stats.AvgPause = time.Duration(totalPause / uint64(numPauses))
	}

	return stats
}
