//go:build linux

package optimize

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// PinThread restricts the calling OS thread to one CPU. The caller must
// hold runtime.LockOSThread, or the pin applies to whichever goroutine the
// thread runs next.
func PinThread(cpu int) error {
	var set unix.CPUSet
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("optimize: pin to cpu %d: %w", cpu, err)
	}
	return nil
}
