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

// Stats is the process-wide session counter set.
var Stats = &stats{}

type stats struct {
	Joined       atomic.Int64 // listeners admitted since process start
	Left         atomic.Int64 // listeners removed since process start
	MsgSent      atomic.Int64 // messages written to data channels
	MsgRecv      atomic.Int64 // messages read from data channels
	BytesSent    atomic.Int64 // bytes written to data channels
	BytesRecv    atomic.Int64 // bytes read from data channels
	SendFailures atomic.Int64 // per-channel send failures absorbed during fan-out
	RelaySent    atomic.Int64 // relay chunks fanned out by a player
	RelayDropped atomic.Int64 // relay chunks discarded by a listener (primary active or queue overflow)
}

func (s *stats) AddJoin()        { s.Joined.Add(1) }
func (s *stats) AddLeave()       { s.Left.Add(1) }
func (s *stats) AddSendFailure() { s.SendFailures.Add(1) }
func (s *stats) AddRelaySent()   { s.RelaySent.Add(1) }
func (s *stats) AddRelayDrop()   { s.RelayDropped.Add(1) }

func (s *stats) AddSent(n int) {
	s.MsgSent.Add(1)
	s.BytesSent.Add(int64(n))
}

func (s *stats) AddRecv(n int) {
	s.MsgRecv.Add(1)
	s.BytesRecv.Add(int64(n))
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs session statistics
// every interval. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		secs := interval.Seconds()
		var prevSent, prevRecv, prevJoined, prevLeft, prevRelay int64
		for {
			select {
			case <-ticker.C:
				joined := Stats.Joined.Load()
				left := Stats.Left.Load()
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				relay := Stats.RelaySent.Load()

				outS := float64(sent-prevSent) / secs
				inS := float64(recv-prevRecv) / secs
				inC := joined - prevJoined
				outC := left - prevLeft

				if inC > 0 || outC > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, inC, outC, relay-prevRelay))
				}

				prevSent = sent
				prevRecv = recv
				prevJoined = joined
				prevLeft = left
				prevRelay = relay

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

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, joined, left, relay int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Listeners: %2d↑ %2d↓ | Relay: %d",
		formatBytes(inS),
		formatBytes(outS),
		joined,
		left,
		relay,
	)
}
