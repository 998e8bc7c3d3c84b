// Package admin serves health and stats over HTTP/2 cleartext, off the
// workers' hot path.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sugawarayuuta/sonnet"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/searchktools/segserver/core/codec"
	"github.com/searchktools/segserver/core/observability"
	"github.com/searchktools/segserver/core/pools"
)

var ErrClosed = errors.New("admin: server closed")

// Source supplies the stats snapshot. *observability.Registry is one.
type Source interface {
	Snapshot() observability.Snapshot
}

// Config configures the admin server.
type Config struct {
	Addr                 string
	MaxConcurrentStreams uint32
	IdleTimeout          time.Duration
	Log                  zerolog.Logger
}

// Server is the admin endpoint.
type Server struct {
	addr   string
	src    Source
	server *http.Server
	h2     *http2.Server
	log    zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// Report is the body of /stats.
type Report struct {
	observability.Snapshot
	Warnings []observability.Warning `json:"warnings" msgpack:"warnings"`
	Runtime  pools.GCStats           `json:"runtime" msgpack:"runtime"`
}

func NewServer(cfg Config, src Source) *Server {
	if cfg.MaxConcurrentStreams == 0 {
		cfg.MaxConcurrentStreams = 64
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 120 * time.Second
	}

	s := &Server{
		addr: cfg.Addr,
		src:  src,
		log:  cfg.Log.With().Str("component", "admin").Logger(),
		h2: &http2.Server{
			MaxConcurrentStreams: cfg.MaxConcurrentStreams,
			IdleTimeout:          cfg.IdleTimeout,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.healthz)
	mux.HandleFunc("GET /stats", s.stats)

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           h2c.NewHandler(mux, s.h2),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler is the h2c handler, for mounting elsewhere or testing.
func (s *Server) Handler() http.Handler { return s.server.Handler }

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	snap := s.src.Snapshot()
	report := Report{Snapshot: snap, Warnings: snap.Warnings(), Runtime: pools.GetGCStats()}

	body, ctype, err := encodeReport(report, format)
	if errors.Is(err, codec.ErrUnsupportedCodec) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("format", format).Msg("encoding stats")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", ctype)
	_, _ = w.Write(body)
}

func encodeReport(r Report, format string) ([]byte, string, error) {
	c, typ, err := codec.ByName(format)
	if err != nil {
		return nil, "", err
	}
	switch typ {
	case codec.CodecJSON:
		b, err := c.Encode(r)
		return b, "application/json", err
	case codec.CodecMsgPack:
		b, err := c.Encode(r)
		return b, "application/msgpack", err
	case codec.CodecProtobuf:
		msg, err := toStruct(r)
		if err != nil {
			return nil, "", err
		}
		b, err := c.Encode(msg)
		return b, "application/x-protobuf", err
	}
	return nil, "", fmt.Errorf("%w: %q", codec.ErrUnsupportedCodec, format)
}

// toStruct carries the report as a google.protobuf.Struct, going through
// its JSON shape.
func toStruct(r Report) (*structpb.Struct, error) {
	b, err := sonnet.Marshal(r)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := sonnet.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// Serve accepts on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	s.log.Info().Stringer("addr", ln.Addr()).Msg("admin listening (h2c)")
	if err := s.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on the configured address and serves.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("admin: %w", err)
	}
	return s.Serve(ln)
}

// Shutdown stops accepting and waits for active requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.server.Shutdown(ctx)
}
