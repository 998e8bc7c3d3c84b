// Package iovec maps logical byte ranges of a circular segment window onto
// the physical parts handed to a single readv or writev call.
package iovec

import (
	"errors"
	"fmt"
)

var (
	ErrEmpty = errors.New("iovec: empty range")
	ErrRange = errors.New("iovec: range out of bounds")
)

// Part is one physical (offset, length) run inside a window.
type Part struct {
	Off int
	Len int
}

// Descriptor holds at most two parts. A range that crosses the end of the
// window is split there; the second part always starts at offset 0.
type Descriptor struct {
	parts [2]Part
	n     int
}

// Build splits the logical range [off, off+length) of a window of the given
// capacity. Offsets are taken modulo capacity.
func Build(capacity, off, length int) (Descriptor, error) {
	if length <= 0 {
		return Descriptor{}, ErrEmpty
	}
	if capacity <= 0 || length > capacity || off < 0 {
		return Descriptor{}, fmt.Errorf("%w: off=%d len=%d cap=%d", ErrRange, off, length, capacity)
	}
	off %= capacity

	var d Descriptor
	if off+length <= capacity {
		d.parts[0] = Part{Off: off, Len: length}
		d.n = 1
		return d, nil
	}
	first := capacity - off
	d.parts[0] = Part{Off: off, Len: first}
	d.parts[1] = Part{Off: 0, Len: length - first}
	d.n = 2
	return d, nil
}

// Parts returns the physical parts in transfer order.
func (d *Descriptor) Parts() []Part {
	return d.parts[:d.n]
}

// Len is the total number of bytes the descriptor covers.
func (d *Descriptor) Len() int {
	total := 0
	for _, p := range d.parts[:d.n] {
		total += p.Len
	}
	return total
}

// Wrapped reports whether the range crosses the window end.
func (d *Descriptor) Wrapped() bool { return d.n == 2 }

func (d *Descriptor) Empty() bool { return d.n == 0 }

// Buffers appends one slice per part, cut from window, to dst.
func (d *Descriptor) Buffers(window []byte, dst [][]byte) [][]byte {
	for _, p := range d.parts[:d.n] {
		dst = append(dst, window[p.Off:p.Off+p.Len:p.Off+p.Len])
	}
	return dst
}

// Advance drops k transferred bytes from the front, as after a partial
// write. Advancing past the end leaves an empty descriptor.
func (d *Descriptor) Advance(k int) {
	for k > 0 && d.n > 0 {
		p := &d.parts[0]
		if k < p.Len {
			p.Off += k
			p.Len -= k
			return
		}
		k -= p.Len
		d.parts[0] = d.parts[1]
		d.parts[1] = Part{}
		d.n--
	}
}
