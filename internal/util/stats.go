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

// Stats is the process-wide datapath counter set. Counters are atomic so
// multiple runtime threads can share one instance.
var Stats = &stats{}

type stats struct {
	PktsTx  atomic.Int64 // datapath packets transmitted
	PktsRx  atomic.Int64 // datapath packets received
	BytesTx atomic.Int64 // datapath bytes transmitted
	BytesRx atomic.Int64 // datapath bytes received

	DropsBadMagic       atomic.Int64 // packets rejected by the magic check or of unknown packet type
	DropsRunt           atomic.Int64 // datagrams shorter than one header, or whose payload length disagrees with the header
	DropsInjected       atomic.Int64 // test-only injected drops
	DropsUnknownSession atomic.Int64 // packets for missing or non-connected sessions
	DropsDuplicate      atomic.Int64 // duplicate data packets
	DropsStale          atomic.Int64 // responses for a reused request slot
	DropsUnexpWindow    atomic.Int64 // first packets dropped by the unexpected window

	Retransmits  atomic.Int64 // datapath retransmissions (request re-send or RFR)
	SmRetransmit atomic.Int64 // session-management envelope retransmissions
}

func (s *stats) AddPktTx(n int)      { s.PktsTx.Add(1); s.BytesTx.Add(int64(n)) }
func (s *stats) AddPktRx(n int)      { s.PktsRx.Add(1); s.BytesRx.Add(int64(n)) }
func (s *stats) AddDropBadMagic()    { s.DropsBadMagic.Add(1) }
func (s *stats) AddDropRunt()        { s.DropsRunt.Add(1) }
func (s *stats) AddDropInjected()    { s.DropsInjected.Add(1) }
func (s *stats) AddDropUnknownSess() { s.DropsUnknownSession.Add(1) }
func (s *stats) AddDropDuplicate()   { s.DropsDuplicate.Add(1) }
func (s *stats) AddDropStale()       { s.DropsStale.Add(1) }
func (s *stats) AddDropUnexpWindow() { s.DropsUnexpWindow.Add(1) }
func (s *stats) AddRetransmit()      { s.Retransmits.Add(1) }
func (s *stats) AddSmRetransmit()    { s.SmRetransmit.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs datapath statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevTx, prevRx, prevDrops, prevRetx int64
		for {
			select {
			case <-ticker.C:
				tx := Stats.BytesTx.Load()
				rx := Stats.BytesRx.Load()
				drops := Stats.DropsBadMagic.Load() + Stats.DropsRunt.Load() +
					Stats.DropsInjected.Load() + Stats.DropsUnknownSession.Load() +
					Stats.DropsDuplicate.Load() + Stats.DropsStale.Load() +
					Stats.DropsUnexpWindow.Load()
				retx := Stats.Retransmits.Load() + Stats.SmRetransmit.Load()

				txS := float64(tx-prevTx) / 10.0
				rxS := float64(rx-prevRx) / 10.0
				dropC := drops - prevDrops
				retxC := retx - prevRetx

				if txS > 10 || rxS > 10 || dropC > 0 || retxC > 0 {
					pterm.DefaultLogger.Info(formatStats(txS, rxS, dropC, retxC))
				}

				prevTx = tx
				prevRx = rx
				prevDrops = drops
				prevRetx = retx

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
func formatStats(txS, rxS float64, drops, retx int64) string {
	return fmt.Sprintf("Tx: %s/s | Rx: %s/s | Drop: %3d | Retx: %3d",
		formatBytes(txS),
		formatBytes(rxS),
		drops,
		retx,
	)
}
