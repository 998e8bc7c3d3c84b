// Package observability keeps per-worker counters. Each WorkerStats has a
// single writer, its worker; readers such as the admin endpoint load the
// atomics without coordinating with the hot path.
package observability

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/searchktools/segserver/core/estimate"
)

const numBuckets = 10

// BucketBounds are the upper bounds of the drive latency buckets. The last
// bucket is unbounded.
var BucketBounds = [numBuckets - 1]time.Duration{
	time.Microsecond,
	5 * time.Microsecond,
	10 * time.Microsecond,
	50 * time.Microsecond,
	100 * time.Microsecond,
	500 * time.Microsecond,
	time.Millisecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
}

// WorkerStats are the counters of one worker.
type WorkerStats struct {
	id int

	Accepted  atomic.Uint64
	Rejected  atomic.Uint64
	Closed    atomic.Uint64
	BytesIn   atomic.Uint64
	BytesOut  atomic.Uint64
	Records   atomic.Uint64
	Flushed   atomic.Uint64
	Failed    atomic.Uint64
	Relocated atomic.Uint64
	Compacted atomic.Uint64
	Exhausted atomic.Uint64
	Stale     atomic.Uint64
	Wakeups   atomic.Uint64

	Conns    atomic.Int64
	Segments atomic.Int64

	// ScratchBytes is the out-of-place buffer memory the worker's
	// transforms hold.
	ScratchBytes atomic.Int64

	stages         [int(estimate.KindEncrypt) + 1]atomic.Uint64
	latencyBuckets [numBuckets]atomic.Uint64
}

// StageRun counts one transform of kind k.
func (w *WorkerStats) StageRun(k estimate.Kind) {
	if int(k) < len(w.stages) {
		w.stages[k].Add(1)
	}
}

// RecordDrive records how long one segment took from Received to
// Encrypted.
func (w *WorkerStats) RecordDrive(d time.Duration) {
	idx := numBuckets - 1
	for i, bound := range BucketBounds {
		if d < bound {
			idx = i
			break
		}
	}
	w.latencyBuckets[idx].Add(1)
}

// WorkerSnapshot is a point-in-time copy of WorkerStats.
type WorkerSnapshot struct {
	ID        int               `json:"id" msgpack:"id"`
	Accepted  uint64            `json:"accepted" msgpack:"accepted"`
	Rejected  uint64            `json:"rejected" msgpack:"rejected"`
	Closed    uint64            `json:"closed" msgpack:"closed"`
	BytesIn   uint64            `json:"bytes_in" msgpack:"bytes_in"`
	BytesOut  uint64            `json:"bytes_out" msgpack:"bytes_out"`
	Records   uint64            `json:"records" msgpack:"records"`
	Flushed   uint64            `json:"flushed" msgpack:"flushed"`
	Failed    uint64            `json:"failed" msgpack:"failed"`
	Relocated uint64            `json:"relocated" msgpack:"relocated"`
	Compacted uint64            `json:"compacted" msgpack:"compacted"`
	Exhausted uint64            `json:"exhausted" msgpack:"exhausted"`
	Stale     uint64            `json:"stale" msgpack:"stale"`
	Wakeups   uint64            `json:"wakeups" msgpack:"wakeups"`
	Conns     int64             `json:"conns" msgpack:"conns"`
	Segments  int64             `json:"segments" msgpack:"segments"`
	Stages    map[string]uint64 `json:"stages" msgpack:"stages"`
	Latency   []uint64          `json:"latency" msgpack:"latency"`

	ScratchBytes int64 `json:"scratch_bytes" msgpack:"scratch_bytes"`
}

func (w *WorkerStats) Snapshot() WorkerSnapshot {
	s := WorkerSnapshot{
		ID:        w.id,
		Accepted:  w.Accepted.Load(),
		Rejected:  w.Rejected.Load(),
		Closed:    w.Closed.Load(),
		BytesIn:   w.BytesIn.Load(),
		BytesOut:  w.BytesOut.Load(),
		Records:   w.Records.Load(),
		Flushed:   w.Flushed.Load(),
		Failed:    w.Failed.Load(),
		Relocated: w.Relocated.Load(),
		Compacted: w.Compacted.Load(),
		Exhausted: w.Exhausted.Load(),
		Stale:     w.Stale.Load(),
		Wakeups:   w.Wakeups.Load(),
		Conns:     w.Conns.Load(),
		Segments:  w.Segments.Load(),
		Stages:    make(map[string]uint64, len(w.stages)),
		Latency:   make([]uint64, numBuckets),
	}
	s.ScratchBytes = w.ScratchBytes.Load()
	for _, k := range estimate.Kinds() {
		s.Stages[k.String()] = w.stages[k].Load()
	}
	for i := range w.latencyBuckets {
		s.Latency[i] = w.latencyBuckets[i].Load()
	}
	return s
}

func (s *WorkerSnapshot) add(o WorkerSnapshot) {
	s.Accepted += o.Accepted
	s.Rejected += o.Rejected
	s.Closed += o.Closed
	s.BytesIn += o.BytesIn
	s.BytesOut += o.BytesOut
	s.Records += o.Records
	s.Flushed += o.Flushed
	s.Failed += o.Failed
	s.Relocated += o.Relocated
	s.Compacted += o.Compacted
	s.Exhausted += o.Exhausted
	s.Stale += o.Stale
	s.Wakeups += o.Wakeups
	s.Conns += o.Conns
	s.Segments += o.Segments
	s.ScratchBytes += o.ScratchBytes
	if s.Stages == nil {
		s.Stages = make(map[string]uint64, len(o.Stages))
	}
	for k, v := range o.Stages {
		s.Stages[k] += v
	}
	if s.Latency == nil {
		s.Latency = make([]uint64, len(o.Latency))
	}
	for i, v := range o.Latency {
		s.Latency[i] += v
	}
}

// Registry hands out WorkerStats and aggregates them.
type Registry struct {
	mu      sync.RWMutex
	workers []*WorkerStats
	started time.Time
}

func NewRegistry() *Registry {
	return &Registry{started: time.Now()}
}

// Worker returns the stats of worker id, creating them on first use.
func (r *Registry) Worker(id int) *WorkerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.workers {
		if w.id == id {
			return w
		}
	}
	w := &WorkerStats{id: id}
	r.workers = append(r.workers, w)
	return w
}

// Snapshot is the aggregated view served by the admin endpoint.
type Snapshot struct {
	Uptime  time.Duration    `json:"uptime" msgpack:"uptime"`
	Total   WorkerSnapshot   `json:"total" msgpack:"total"`
	Workers []WorkerSnapshot `json:"workers" msgpack:"workers"`
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	workers := append([]*WorkerStats(nil), r.workers...)
	r.mu.RUnlock()

	snap := Snapshot{Uptime: time.Since(r.started), Total: WorkerSnapshot{ID: -1}}
	for _, w := range workers {
		ws := w.Snapshot()
		snap.Workers = append(snap.Workers, ws)
		snap.Total.add(ws)
	}
	return snap
}

// Warning is a condition worth an operator's attention.
type Warning struct {
	Type     string `json:"type" msgpack:"type"`
	Worker   int    `json:"worker" msgpack:"worker"`
	Severity int    `json:"severity" msgpack:"severity"`
	Details  string `json:"details" msgpack:"details"`
}

// Warnings inspects a snapshot for failure rates and ring pressure.
func (s Snapshot) Warnings() []Warning {
	var out []Warning
	for _, w := range s.Workers {
		if w.Records == 0 {
			continue
		}
		if rate := float64(w.Failed) / float64(w.Records); rate > 0.05 {
			out = append(out, Warning{
				Type:     "failures",
				Worker:   w.ID,
				Severity: 10,
				Details:  fmt.Sprintf("%.1f%% of records failed", rate*100),
			})
		}
		if w.Exhausted > w.Records/10 {
			out = append(out, Warning{
				Type:     "exhausted",
				Worker:   w.ID,
				Severity: 6,
				Details:  fmt.Sprintf("ring exhausted %d times over %d records", w.Exhausted, w.Records),
			})
		}
		if w.Relocated+w.Compacted > w.Records/10 {
			out = append(out, Warning{
				Type:     "relocations",
				Worker:   w.ID,
				Severity: 4,
				Details:  fmt.Sprintf("%d relocations, %d compactions", w.Relocated, w.Compacted),
			})
		}
	}
	return out
}
