// Command segclient sends sealed request records to a segment server and
// checks that every echo comes back intact and in order.
package main

import (
	"bytes"
	"crypto/rand"
	"flag"
	"fmt"
	"net"
	"os"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/searchktools/segserver/app"
	"github.com/searchktools/segserver/core/frame"
	"github.com/searchktools/segserver/core/record"
	"github.com/searchktools/segserver/core/transform"
)

func main() {
	network := flag.String("network", "tcp", "tcp or unix")
	addr := flag.String("addr", "127.0.0.1:7878", "server address or socket path")
	secret := flag.String("secret", os.Getenv("SEGSERVER_SECRET"), "shared secret")
	limit := flag.Int("segment-size", os.Getpagesize(), "server segment size")
	count := flag.Int("n", 100, "requests to send")
	size := flag.Int("size", 256, "request body size")
	depth := flag.Int("pipeline", 1, "requests in flight")
	ping := flag.Bool("ping", false, "send pings instead of requests")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	log, err := app.NewLogger(*level, "console", os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := run(log, *network, *addr, *secret, *limit, *count, *size, *depth, *ping); err != nil {
		log.Fatal().Err(err).Msg("segclient")
	}
}

func run(log zerolog.Logger, network, addr, secret string, limit, count, size, depth int, ping bool) error {
	if count < 1 || depth < 1 {
		return fmt.Errorf("-n and -pipeline must be positive, got %d and %d", count, depth)
	}
	keys, err := transform.DeriveKeys([]byte(secret))
	if err != nil {
		return err
	}
	codec := record.ClientCodec(keys, limit)

	conn, err := net.Dial(network, addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	typ, want := frame.TypeRequest, frame.TypeResponse
	if ping {
		typ, want = frame.TypePing, frame.TypePong
	}

	bodies := make(map[uint32][]byte, depth)
	sent := make(map[uint32]time.Time, depth)
	var (
		latencies []time.Duration
		buf       []byte
		next      uint32
	)
	start := time.Now()
	for received := 0; received < count; {
		for len(bodies) < depth && int(next) < count {
			body := make([]byte, size)
			_, _ = rand.Read(body)
			rec, err := codec.Encode(frame.NewHeader(typ, next), body)
			if err != nil {
				return err
			}
			if _, err := conn.Write(rec); err != nil {
				return err
			}
			bodies[next], sent[next] = body, time.Now()
			next++
		}

		if buf, err = record.Read(conn, buf, limit); err != nil {
			return fmt.Errorf("after %d responses: %w", received, err)
		}
		h, body, err := codec.Decode(buf)
		if err != nil {
			return err
		}
		if h.Type == frame.TypeError {
			return fmt.Errorf("request %d: server error: %s", h.RequestID, body)
		}
		if h.Type != want || !bytes.Equal(body, bodies[h.RequestID]) {
			return fmt.Errorf("request %d: unexpected %d-byte reply of type %d", h.RequestID, len(body), h.Type)
		}
		latencies = append(latencies, time.Since(sent[h.RequestID]))
		delete(bodies, h.RequestID)
		delete(sent, h.RequestID)
		received++
	}

	elapsed := time.Since(start)
	slices.Sort(latencies)
	log.Info().
		Int("requests", count).
		Dur("elapsed", elapsed).
		Float64("rps", float64(count)/elapsed.Seconds()).
		Dur("p50", latencies[len(latencies)/2]).
		Dur("p99", latencies[len(latencies)*99/100]).
		Msg("done")
	return nil
}
