package transfer

import (
	"sync"
	"time"

	"github.com/jaywantadh/netshare/internal/auth"
	"github.com/jaywantadh/netshare/internal/storage"
)

// Direction of a transfer as seen from the server.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// State of a session. Uploads move INIT -> ACTIVE (receiving) -> FINALIZING
// -> COMPLETE, or to ABORTED from anywhere before COMPLETE. Downloads use
// INIT -> ACTIVE -> COMPLETE | ABORTED.
type State int

const (
	StateInit State = iota
	StateActive
	StateFinalizing
	StateComplete
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateActive:
		return "active"
	case StateFinalizing:
		return "finalizing"
	case StateComplete:
		return "complete"
	case StateAborted:
		return "aborted"
	}
	return "unknown"
}

// ChunkCount returns ceil(totalSize / chunkSize).
func ChunkCount(totalSize, chunkSize int64) int {
	if totalSize <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((totalSize + chunkSize - 1) / chunkSize)
}

// ChunkLen returns the byte length of chunk index. Every chunk is chunkSize
// long except the last, which holds the remainder.
func ChunkLen(totalSize, chunkSize int64, index int) int64 {
	start := int64(index) * chunkSize
	if index < 0 || chunkSize <= 0 || start >= totalSize {
		return 0
	}
	return min(chunkSize, totalSize-start)
}

// Session is one in-flight upload or download. The exported fields are set
// at creation and never change; everything below mu is guarded by it.
type Session struct {
	ID           string
	Direction    Direction
	Filename     string
	TotalSize    int64
	ChunkSize    int64
	ChunkCount   int
	TempPath     string
	Owner        auth.Owner
	Permission   string
	AllowedUsers []string
	StartedAt    time.Time

	mu        sync.Mutex
	state     State
	chunks    map[int]struct{} // received (upload) or served (download) indices
	bytesDone int64
	nextChunk int
	handle    storage.Handle
	version   bool
}

func newSession(id string, dir Direction, filename string, totalSize, chunkSize int64) *Session {
	return &Session{
		ID:         id,
		Direction:  dir,
		Filename:   filename,
		TotalSize:  totalSize,
		ChunkSize:  chunkSize,
		ChunkCount: ChunkCount(totalSize, chunkSize),
		StartedAt:  time.Now(),
		state:      StateInit,
		chunks:     make(map[int]struct{}),
	}
}

func (s *Session) chunkLen(index int) int64 {
	return ChunkLen(s.TotalSize, s.ChunkSize, index)
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BytesDone returns the bytes transferred so far.
func (s *Session) BytesDone() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesDone
}

// Received returns how many distinct chunks have been received or served.
func (s *Session) Received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

// NextChunk is the download cursor: one past the highest index served.
func (s *Session) NextChunk() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextChunk
}

func (s *Session) addBytes(n int64) {
	s.mu.Lock()
	s.bytesDone += n
	s.mu.Unlock()
}

// Stats samples the session. ok is false once the session has finished.
func (s *Session) Stats(now time.Time) (TransferStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateComplete || s.state == StateAborted {
		return TransferStats{}, false
	}

	elapsed := now.Sub(s.StartedAt)
	progress := 0.0
	if s.TotalSize > 0 {
		progress = float64(s.bytesDone) / float64(s.TotalSize) * 100
	}
	bps := bitsPerSecond(s.bytesDone, elapsed)
	return TransferStats{
		SessionID: s.ID,
		Filename:  s.Filename,
		Type:      s.Direction,
		Owner:     s.Owner.Name(),
		Progress:  progress,
		Bytes:     s.bytesDone,
		Total:     s.TotalSize,
		Elapsed:   elapsed.Seconds(),
		SpeedBps:  bps,
		SpeedMbps: bps / 1e6,
		Speed:     formatSpeed(bps),
	}, true
}

// closeHandleLocked closes the held handle, if any. Caller holds s.mu.
func (s *Session) closeHandleLocked() error {
	if s.handle == nil {
		return nil
	}
	err := s.handle.Close()
	s.handle = nil
	return err
}
