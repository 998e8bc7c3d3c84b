package worker

import (
	"slices"

	"github.com/searchktools/segserver/core/gateway"
	"github.com/searchktools/segserver/core/segment"
)

// conn is one accepted connection. It never leaves the worker that
// accepted it.
type conn struct {
	id uint64
	fd int

	// chain holds the connection's segments in arrival order. Only the
	// head may flush. The last one may still be filling.
	chain []segment.Handle

	read  gateway.Ticket
	write gateway.Ticket

	// carry holds surplus bytes that arrived behind a complete record
	// while no slot was free. Reads stay paused until it is placed.
	carry []byte

	paused  bool
	eof     bool
	closing bool
	queued  bool
}

func (c *conn) replace(old, nh segment.Handle) {
	if i := slices.Index(c.chain, old); i >= 0 {
		c.chain[i] = nh
	}
}

func (c *conn) remove(h segment.Handle) {
	if i := slices.Index(c.chain, h); i >= 0 {
		c.chain = slices.Delete(c.chain, i, i+1)
	}
}

func (c *conn) last() (segment.Handle, bool) {
	if len(c.chain) == 0 {
		return segment.Handle{}, false
	}
	return c.chain[len(c.chain)-1], true
}

// drained reports whether nothing is left to flush.
func (c *conn) drained() bool {
	return len(c.chain) == 0 && len(c.carry) == 0 && c.write == 0
}
