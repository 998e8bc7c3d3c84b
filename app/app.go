// Package app wires configuration, logging and runtime tuning around a
// segment server and its admin endpoint.
package app

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/pbnjay/memory"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/searchktools/segserver/config"
	"github.com/searchktools/segserver/core"
	"github.com/searchktools/segserver/core/admin"
	"github.com/searchktools/segserver/core/optimize"
	"github.com/searchktools/segserver/core/pools"
	"github.com/searchktools/segserver/core/transform"
	"github.com/searchktools/segserver/core/worker"
)

const shutdownTimeout = 5 * time.Second

// App is the application instance
type App struct {
	cfg     *config.Config
	log     zerolog.Logger
	server  *core.Server
	admin   *admin.Server
	adminLn net.Listener
	undo    func()
}

// NewLogger builds the root logger. format is json or console.
func NewLogger(level, format string, w io.Writer) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

// New tunes the runtime, binds the listeners and builds the workers. A
// nil handler echoes requests.
func New(cfg *config.Config, h transform.Handler, log zerolog.Logger) (*App, error) {
	undo, err := pools.Tune(pools.GCConfig{GOGC: cfg.GOGC, MemoryRatio: cfg.MemRatio}, log)
	if err != nil {
		log.Warn().Err(err).Msg("runtime tuning incomplete")
	}

	workers := cfg.Workers
	if workers == 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if total := memory.TotalMemory(); total > 0 && cfg.Footprint(workers) > total/2 {
		undo()
		return nil, fmt.Errorf("%w: %d workers need %d bytes of rings, host has %d",
			config.ErrInvalid, workers, cfg.Footprint(workers), total)
	}

	keys, err := transform.DeriveKeys([]byte(cfg.Secret))
	if err != nil {
		undo()
		return nil, err
	}

	features := optimize.Detect()
	log.Info().
		Int("cache_line", features.CacheLine).
		Bool("avx2", features.AVX2).
		Bool("aes", features.AES).
		Bool("asimd", features.ASIMD).
		Str("env", cfg.Env).
		Msg("cpu features")

	server, err := core.NewServer(core.Options{
		Network: cfg.Network,
		Addr:    cfg.Addr,
		Workers: workers,
		Worker: worker.Config{
			SegmentSize:   cfg.SegmentSize,
			Depth:         cfg.RingDepth,
			MaxConns:      cfg.MaxConns,
			IdleWait:      cfg.IdleWait(),
			PrefetchLines: cfg.PrefetchLines,
			Pin:           cfg.PinThreads,
		},
		Keys:    keys,
		Handler: h,
		Log:     log,
	})
	if err != nil {
		undo()
		return nil, err
	}

	a := &App{cfg: cfg, log: log, server: server, undo: undo}
	if cfg.AdminAddr != "" {
		ln, err := net.Listen("tcp", cfg.AdminAddr)
		if err != nil {
			server.Close()
			undo()
			return nil, fmt.Errorf("admin: %w", err)
		}
		a.adminLn = ln
		a.admin = admin.NewServer(admin.Config{Addr: cfg.AdminAddr, Log: log}, server.Stats())
	}
	return a, nil
}

// Server returns the segment server.
func (a *App) Server() *core.Server { return a.server }

// AdminAddr is the bound admin address, empty when disabled.
func (a *App) AdminAddr() string {
	if a.adminLn == nil {
		return ""
	}
	return a.adminLn.Addr().String()
}

// Run serves until ctx is done or SIGINT/SIGTERM arrives, then shuts down
// gracefully.
func (a *App) Run(ctx context.Context) error {
	defer a.undo()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return a.server.Run(ctx)
	})
	if a.admin != nil {
		g.Go(func() error { return a.admin.Serve(a.adminLn) })
		g.Go(func() error {
			<-ctx.Done()
			sctx, done := context.WithTimeout(context.Background(), shutdownTimeout)
			defer done()
			return a.admin.Shutdown(sctx)
		})
	}

	err := g.Wait()
	a.log.Info().Err(err).Msg("shut down")
	return err
}
