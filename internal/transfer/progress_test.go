package transfer

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/netshare/internal/auth"
)

func TestMonitorSampleListsActiveSessions(t *testing.T) {
	f := newFixture(t, Options{ChunkSize: testChunk})
	startUpload(t, f, "conn-1", "a.bin", 4*testChunk)
	_, err := f.engine.IngestChunk("conn-1", 0, payload(testChunk))
	require.NoError(t, err)

	m := NewMonitor(f.engine.Registry(), time.Second)
	snap := m.Sample()
	require.Len(t, snap.Transfers, 1)
	assert.Equal(t, "a.bin", snap.Transfers[0].Filename)
	assert.InDelta(t, 25.0, snap.Transfers[0].Progress, 0.001)
	assert.Equal(t, Counts{ActiveUploads: 1, TotalActive: 1}, snap.Stats)
}

func TestMonitorRunBroadcastsOnlyWithTransfers(t *testing.T) {
	f := newFixture(t, Options{ChunkSize: testChunk})
	m := NewMonitor(f.engine.Registry(), 10*time.Millisecond)

	var calls atomic.Int32
	unsubscribe := m.Subscribe(ListenerFunc(func(Snapshot) { calls.Add(1) }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load(), "idle registry is not broadcast")

	startUpload(t, f, "conn-1", "a.bin", 2*testChunk)
	assert.Eventually(t, func() bool { return calls.Load() > 0 }, time.Second, 5*time.Millisecond)

	unsubscribe()
	seen := calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, calls.Load(), seen+1)

	cancel()
	<-done
}

func TestSpeedFormatting(t *testing.T) {
	assert.InDelta(t, 8e6, bitsPerSecond(1_000_000, time.Second), 1)
	assert.Equal(t, 0.0, bitsPerSecond(100, 0))
	assert.Equal(t, "8 Mbps", formatSpeed(8e6))
	assert.Equal(t, "1.5 Gbps", formatSpeed(1.5e9))
	assert.Equal(t, "1.0 MiB", FormatBytes(1<<20))
}

func TestTransferStatsETA(t *testing.T) {
	st := TransferStats{Bytes: 500, Total: 1500, SpeedBps: 8000}
	assert.Equal(t, time.Second, st.ETA())
	assert.Equal(t, time.Duration(0), TransferStats{Total: 10, Bytes: 10, SpeedBps: 1}.ETA())
}

func TestPrintSnapshot(t *testing.T) {
	var buf bytes.Buffer
	PrintSnapshot(&buf, Snapshot{})
	assert.Contains(t, buf.String(), "No active transfers")

	buf.Reset()
	PrintSnapshot(&buf, Snapshot{
		Transfers: []TransferStats{{
			Filename: "a.bin", Type: DirectionUpload, Owner: auth.AnonymousOwner().Name(),
			Progress: 50, Bytes: 512, Total: 1024, Speed: "4 kbps", SpeedBps: 4096,
		}},
		Stats: Counts{ActiveUploads: 1, TotalActive: 1},
	})
	out := buf.String()
	assert.Contains(t, out, "a.bin [anonymous]")
	assert.Contains(t, out, "50.0%")
	assert.Contains(t, out, "ETA: 1s")
}
