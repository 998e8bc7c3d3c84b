//go:build !linux

package optimize

// PinThread is a no-op where the kernel has no affinity syscall.
func PinThread(int) error { return nil }
