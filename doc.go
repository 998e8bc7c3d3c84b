/*
Package segserver is a thread-per-core server that moves every byte of a
connection through fixed-size segments in a per-worker ring.

Each worker owns one OS thread, one poller and one segment store. A record
read from a socket lands in a segment and is advanced stage by stage
(decrypt, decompress, decode, transmute, process, encode, compress,
encrypt) in place, then written back from the same memory. Nothing is
shared between workers, so the hot path takes no locks.

Wire format

Every record is

	len:u32be | nonce:24 | seal(s2(base64(frame))) | tag:16

where frame is a 24-byte header (magic "SEG\0", type, flags, codec,
request id, length, xxhash checksum) followed by the body. Keys for each
direction derive from one shared secret with HKDF.

Quick Start

	package main

	import (
	    "context"
	    "os"

	    "github.com/searchktools/segserver/app"
	    "github.com/searchktools/segserver/config"
	    "github.com/searchktools/segserver/core/transform"
	)

	type ping struct{ Msg string `json:"msg"` }

	func main() {
	    cfg := config.New()
	    log, _ := app.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	    h := transform.Typed(func(p *ping) (*ping, error) { return p, nil })
	    application, err := app.New(cfg, h, log)
	    if err != nil {
	        log.Fatal().Err(err).Send()
	    }
	    application.Run(context.Background())
	}

Modules

  - app: process lifecycle, logging, signals
  - config: defaults, JSON/TOML files, SEGSERVER_* env vars and flags
  - core: listeners and the set of workers behind one address
  - core/worker: the per-thread event loop
  - core/segment: the segment ring and its stage machine
  - core/pipeline: the scheduler that drives eligible segments
  - core/transform: the in-place stages (crypto, s2, base64, handler)
  - core/estimate: output-size bounds for each stage
  - core/gateway: read and write submission over the poller
  - core/poller: epoll (Linux) and kqueue (BSD/macOS)
  - core/record, core/frame, core/codec: wire encoding
  - core/admin: h2c health and stats endpoint
  - core/observability: per-worker counters
  - core/pools, core/optimize, core/iovec: runtime tuning and CPU helpers
*/
package segserver
