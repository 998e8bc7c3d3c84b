package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/searchktools/segserver/core/observability"
	"github.com/searchktools/segserver/core/transform"
	"github.com/searchktools/segserver/core/worker"
)

// Options configures a Server.
type Options struct {
	Network string
	Addr    string
	Workers int
	Backlog int

	// Worker is the template every worker is built from; ID is filled in.
	Worker worker.Config

	Keys    transform.Keys
	Handler transform.Handler
	Stats   *observability.Registry
	Log     zerolog.Logger
}

// Server is a set of thread-per-core workers behind one address. On TCP
// each worker owns a SO_REUSEPORT listener; on a unix socket all workers
// poll the same listener.
type Server struct {
	opts      Options
	addr      string
	listeners []int
	workers   []*worker.Worker
	stats     *observability.Registry
	log       zerolog.Logger

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewServer binds the listeners and builds the workers. Nothing runs
// until Run.
func NewServer(opts Options) (*Server, error) {
	if opts.Workers < 1 {
		return nil, ErrNoWorkers
	}
	if opts.Backlog == 0 {
		opts.Backlog = DefaultBacklog
	}
	if opts.Worker.IdleWait == 0 {
		opts.Worker.IdleWait = DefaultIdleWait
	}
	if opts.Stats == nil {
		opts.Stats = observability.NewRegistry()
	}

	s := &Server{
		opts:    opts,
		stats:   opts.Stats,
		log:     opts.Log,
		stopped: make(chan struct{}),
	}
	if err := s.listen(); err != nil {
		s.closeListeners()
		return nil, err
	}

	for id := range opts.Workers {
		cfg := opts.Worker
		cfg.ID = id
		lns := s.listeners
		if opts.Network == NetworkTCP {
			lns = s.listeners[id : id+1]
		}
		w, err := worker.New(cfg, worker.Options{
			Keys:      opts.Keys,
			Handler:   opts.Handler,
			Listeners: lns,
			Stats:     s.stats.Worker(id),
			Log:       s.log,
		})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("worker %d: %w", id, err)
		}
		s.workers = append(s.workers, w)
	}
	return s, nil
}

func (s *Server) listen() error {
	switch s.opts.Network {
	case NetworkTCP:
		addr := s.opts.Addr
		for range s.opts.Workers {
			fd, err := listenTCP(addr, s.opts.Backlog)
			if err != nil {
				return err
			}
			s.listeners = append(s.listeners, fd)
			if s.addr == "" {
				// Later listeners must share the port the first one got.
				if s.addr, err = boundAddr(fd); err != nil {
					return err
				}
				addr = s.addr
			}
		}
	case NetworkUnix:
		fd, err := listenUnix(s.opts.Addr, s.opts.Backlog)
		if err != nil {
			return err
		}
		s.listeners = append(s.listeners, fd)
		s.addr = s.opts.Addr
	default:
		return fmt.Errorf("%w: %q", ErrNetwork, s.opts.Network)
	}
	return nil
}

// Addr is the bound address: host:port for TCP, the socket path for unix.
func (s *Server) Addr() string { return s.addr }

func (s *Server) Stats() *observability.Registry { return s.stats }

func (s *Server) Workers() int { return len(s.workers) }

// Run starts every worker on its own goroutine and blocks until ctx is
// done, Stop is called, or a worker fails. Listeners are closed on return.
func (s *Server) Run(ctx context.Context) error {
	defer s.closeListeners()

	g, ctx := errgroup.WithContext(ctx)
	for _, w := range s.workers {
		g.Go(w.Run)
	}
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-s.stopped:
		}
		s.Stop()
		return nil
	})

	s.log.Info().
		Str("network", s.opts.Network).
		Str("addr", s.addr).
		Int("workers", len(s.workers)).
		Int("segment_size", s.opts.Worker.SegmentSize).
		Int("ring_depth", s.opts.Worker.Depth).
		Msg("segment server running")

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Stop asks every worker to close its connections and return.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
		for _, w := range s.workers {
			w.Stop()
		}
	})
}

// Close releases a server that was never run.
func (s *Server) Close() {
	for _, w := range s.workers {
		w.Close()
	}
	s.closeListeners()
}

func (s *Server) closeListeners() {
	for _, fd := range s.listeners {
		if err := unix.Close(fd); err != nil {
			s.log.Debug().Err(err).Int("fd", fd).Msg("closing listener")
		}
	}
	s.listeners = nil
	if s.opts.Network == NetworkUnix && s.addr != "" {
		_ = os.Remove(s.addr)
	}
}
