package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide receiver counter set. The receive loop is the
// only writer; the reporter goroutine reads.
var Stats = &stats{}

type stats struct {
	DatagramsIn  atomic.Int64 // datagrams read from the socket
	DatagramsOut atomic.Int64 // replies written to the socket
	BytesIn      atomic.Int64 // bytes read from the socket
	BytesOut     atomic.Int64 // bytes written to the socket
	Dropped      atomic.Int64 // datagrams discarded (malformed, corrupt, unexpected)
	Completed    atomic.Int64 // sessions delivered to a sink
	Aborted      atomic.Int64 // sessions ended by timeout, teardown or restart
}

func (s *stats) AddIn(n int)   { s.DatagramsIn.Add(1); s.BytesIn.Add(int64(n)) }
func (s *stats) AddOut(n int)  { s.DatagramsOut.Add(1); s.BytesOut.Add(int64(n)) }
func (s *stats) AddDrop()      { s.Dropped.Add(1) }
func (s *stats) AddCompleted() { s.Completed.Add(1) }
func (s *stats) AddAborted()   { s.Aborted.Add(1) }

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	DatagramsIn, DatagramsOut int64
	BytesIn, BytesOut         int64
	Dropped                   int64
	Completed, Aborted        int64
}

func (s *stats) Snapshot() Snapshot {
	return Snapshot{
		DatagramsIn:  s.DatagramsIn.Load(),
		DatagramsOut: s.DatagramsOut.Load(),
		BytesIn:      s.BytesIn.Load(),
		BytesOut:     s.BytesOut.Load(),
		Dropped:      s.Dropped.Load(),
		Completed:    s.Completed.Load(),
		Aborted:      s.Aborted.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs receiver statistics
// every interval while there is traffic. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prev Snapshot
		for {
			select {
			case <-ticker.C:
				cur := Stats.Snapshot()
				if cur.DatagramsIn != prev.DatagramsIn || cur.DatagramsOut != prev.DatagramsOut {
					pterm.DefaultLogger.Info(formatStats(prev, cur, interval))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats renders the delta between two snapshots for the logger.
func formatStats(prev, cur Snapshot, interval time.Duration) string {
	secs := interval.Seconds()
	return fmt.Sprintf("In: %s/s | Out: %s/s | Drop: %3d | Sessions: %2d✓ %2d✗",
		formatBytes(float64(cur.BytesIn-prev.BytesIn)/secs),
		formatBytes(float64(cur.BytesOut-prev.BytesOut)/secs),
		cur.Dropped-prev.Dropped,
		cur.Completed-prev.Completed,
		cur.Aborted-prev.Aborted,
	)
}
