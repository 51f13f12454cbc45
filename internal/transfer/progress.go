package transfer

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jaywantadh/netshare/pkg/logging"
)

const DefaultMonitorInterval = 2 * time.Second

// TransferStats is one sampled session.
type TransferStats struct {
	SessionID string    `json:"session_id"`
	Filename  string    `json:"filename"`
	Type      Direction `json:"type"`
	Owner     string    `json:"owner"`
	Progress  float64   `json:"progress"`
	Bytes     int64     `json:"bytes"`
	Total     int64     `json:"total"`
	Elapsed   float64   `json:"elapsed"`
	SpeedBps  float64   `json:"speed_bps"`
	SpeedMbps float64   `json:"speed_mbps"`
	Speed     string    `json:"speed"`
}

// ETA estimates the time left at the current rate.
func (t TransferStats) ETA() time.Duration {
	if t.SpeedBps <= 0 || t.Total <= t.Bytes {
		return 0
	}
	remainingBits := float64(t.Total-t.Bytes) * 8
	return time.Duration(remainingBits / t.SpeedBps * float64(time.Second))
}

// Snapshot is everything the monitor knows at one instant.
type Snapshot struct {
	Transfers []TransferStats `json:"transfers"`
	Stats     Counts          `json:"stats"`
	Timestamp time.Time       `json:"timestamp"`
}

// Listener receives snapshots from the monitor goroutine. Notify must not
// block for long; slow listeners delay everyone after them.
type Listener interface {
	Notify(Snapshot)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Snapshot)

func (f ListenerFunc) Notify(s Snapshot) { f(s) }

// Monitor samples the registry on a fixed interval and fans snapshots out
// to its listeners. Samples with no active transfer are not broadcast.
type Monitor struct {
	registry  *Registry
	interval  time.Duration
	listeners map[uint64]Listener
	nextID    uint64
	mu        sync.RWMutex
}

func NewMonitor(registry *Registry, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	return &Monitor{
		registry:  registry,
		interval:  interval,
		listeners: make(map[uint64]Listener),
	}
}

// Subscribe adds l and returns the function that removes it.
func (m *Monitor) Subscribe(l Listener) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Sample reads every live session now.
func (m *Monitor) Sample() Snapshot {
	now := time.Now()
	snap := Snapshot{Transfers: []TransferStats{}, Timestamp: now}
	for _, s := range m.registry.Sessions() {
		if st, ok := s.Stats(now); ok {
			snap.Transfers = append(snap.Transfers, st)
		}
	}
	sort.Slice(snap.Transfers, func(i, j int) bool {
		return snap.Transfers[i].SessionID < snap.Transfers[j].SessionID
	})
	snap.Stats = m.registry.Counts()
	return snap
}

// Run samples until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	logging.Log.WithField("interval", m.interval).Debug("Transfer monitor started")
	for {
		select {
		case <-ctx.Done():
			logging.Log.Debug("Transfer monitor stopped")
			return
		case <-ticker.C:
			snap := m.Sample()
			if len(snap.Transfers) == 0 {
				continue
			}
			m.broadcast(snap)
		}
	}
}

func (m *Monitor) broadcast(snap Snapshot) {
	m.mu.RLock()
	targets := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		targets = append(targets, l)
	}
	m.mu.RUnlock()

	for _, l := range targets {
		l.Notify(snap)
	}
}

// PrintSnapshot writes a human readable table of snap to w.
func PrintSnapshot(w io.Writer, snap Snapshot) {
	if len(snap.Transfers) == 0 {
		fmt.Fprintln(w, "No active transfers")
		return
	}

	fmt.Fprintf(w, "=== Active Transfers (%d up, %d down) ===\n", snap.Stats.ActiveUploads, snap.Stats.ActiveDownloads)
	for _, t := range snap.Transfers {
		fmt.Fprintf(w, "%-8s %s [%s]\n", t.Type, t.Filename, t.Owner)
		fmt.Fprintf(w, "  Progress: %.1f%% (%s/%s)\n", t.Progress, FormatBytes(t.Bytes), FormatBytes(t.Total))
		fmt.Fprintf(w, "  Speed: %s\n", t.Speed)
		if eta := t.ETA(); eta > 0 {
			fmt.Fprintf(w, "  ETA: %s\n", formatDuration(eta))
		}
	}
}

// bitsPerSecond converts bytes moved over elapsed into a bit rate.
func bitsPerSecond(bytes int64, elapsed time.Duration) float64 {
	secs := elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(bytes) * 8 / secs
}

// formatSpeed renders a bit rate with SI prefixes, e.g. "94.2 Mbps".
func formatSpeed(bps float64) string {
	return humanize.SIWithDigits(bps, 1, "bps")
}

// FormatBytes renders a byte count with IEC prefixes.
func FormatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

// formatDuration formats duration into human-readable format
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%.0fm", d.Minutes())
	}
	return fmt.Sprintf("%.0fh", d.Hours())
}
