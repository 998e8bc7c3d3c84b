package pools

import (
	"runtime"
	"runtime/debug"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTuneSetsGCPercent(t *testing.T) {
	prev := debug.SetGCPercent(100)
	defer debug.SetGCPercent(prev)
	prevProcs := runtime.GOMAXPROCS(0)
	defer runtime.GOMAXPROCS(prevProcs)

	undo, err := Tune(GCConfig{GOGC: 250}, zerolog.Nop())
	require.NoError(t, err)
	defer undo()

	assert.Equal(t, 250, debug.SetGCPercent(100))
	assert.Positive(t, runtime.GOMAXPROCS(0))
}

func TestGetGCStats(t *testing.T) {
	runtime.GC()
	st := GetGCStats()
	assert.Positive(t, st.NumGC)
	assert.Positive(t, st.Sys)
	assert.Positive(t, st.NumGoroutine)
}
