package optimize

import (
	"errors"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestCacheLineSize(t *testing.T) {
	assert.GreaterOrEqual(t, CacheLineSize, 32)
	assert.Equal(t, CacheLineSize, Detect().CacheLine)
}

func TestPrefetcherBounds(t *testing.T) {
	p := NewPrefetcher(4)
	assert.Equal(t, 4, p.Lines())

	// Shorter than the requested span, and empty.
	p.Hint(make([]byte, CacheLineSize+1))
	p.Hint(nil)

	assert.Zero(t, NewPrefetcher(-1).Lines())
	NewPrefetcher(0).Hint([]byte{1})
}

func TestPinThread(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	err := PinThread(0)
	if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EINVAL) {
		t.Skipf("affinity not permitted here: %v", err)
	}
	assert.NoError(t, err)
}
