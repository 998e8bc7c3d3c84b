package optimize

// Prefetcher touches the first lines of the next segment's window while
// the current one is being transformed, so its header is warm when the
// scan reaches it. Go has no prefetch intrinsic; a read of one byte per
// line has the same effect on the cache.
type Prefetcher struct {
	lines int
	sink  byte
}

// NewPrefetcher touches lines cache lines per hint. Zero disables it.
func NewPrefetcher(lines int) *Prefetcher {
	return &Prefetcher{lines: max(0, lines)}
}

func (p *Prefetcher) Lines() int { return p.lines }

// Hint touches up to Lines() cache lines at the start of b.
func (p *Prefetcher) Hint(b []byte) {
	var acc byte
	for i, off := 0, 0; i < p.lines && off < len(b); i, off = i+1, off+CacheLineSize {
		acc ^= b[off]
	}
	p.sink ^= acc
}
