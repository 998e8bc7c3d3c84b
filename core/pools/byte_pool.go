package pools

// Scratch is a single-owner, multi-tier byte buffer for transforms that
// cannot run on overlapping input and output. Each tier is allocated once
// and reused, so a worker's steady state does no allocation. It is not safe
// for concurrent use.
type Scratch struct {
	tiers [][]byte
	sizes []int
	max   int

	gets   uint64
	misses uint64
}

// Common buffer sizes, from a small frame up to a large segment
var defaultSizes = []int{
	512,
	2048,
	8192,
	32768,
}

// NewScratch creates a scratch buffer with the standard tiers. Requests
// above limit are refused; limit 0 means the largest tier.
func NewScratch(limit int) *Scratch {
	return NewScratchWithSizes(defaultSizes, limit)
}

// NewScratchWithSizes creates a scratch buffer with custom size tiers.
func NewScratchWithSizes(sizes []int, limit int) *Scratch {
	if limit <= 0 {
		limit = sizes[len(sizes)-1]
	}
	if limit > sizes[len(sizes)-1] {
		sizes = append(append([]int(nil), sizes...), limit)
	}
	return &Scratch{
		tiers: make([][]byte, len(sizes)),
		sizes: sizes,
		max:   limit,
	}
}

// Get returns a slice of length size from the smallest fitting tier. The
// contents are unspecified. The slice is valid until the next Get of the
// same tier. It returns nil if size exceeds the limit.
func (s *Scratch) Get(size int) []byte {
	if size > s.max || size < 0 {
		return nil
	}
	s.gets++
	for i, tierSize := range s.sizes {
		if size <= tierSize {
			if s.tiers[i] == nil {
				s.misses++
				s.tiers[i] = make([]byte, tierSize)
			}
			return s.tiers[i][:size:tierSize]
		}
	}
	return nil
}

// Limit is the largest size Get serves.
func (s *Scratch) Limit() int { return s.max }

// ScratchStats reports tier usage.
type ScratchStats struct {
	Gets      uint64
	Allocated uint64
	Bytes     int
}

func (s *Scratch) Stats() ScratchStats {
	st := ScratchStats{Gets: s.gets, Allocated: s.misses}
	for _, t := range s.tiers {
		st.Bytes += cap(t)
	}
	return st
}
