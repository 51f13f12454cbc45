package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/netshare/internal/auth"
	"github.com/jaywantadh/netshare/pkg/logging"
)

// StartDownload opens a pull-based download session under id. The client
// then asks for chunks one at a time with ReadChunk. A session already
// registered under id is aborted first.
//
// An empty file has no chunks; the session completes immediately and the
// second result is non-nil.
func (e *Engine) StartDownload(id, filename string, owner auth.Owner) (DownloadReady, *DownloadComplete, error) {
	e.replaceExisting(id)

	h, size, err := e.OpenDownload(filename, owner)
	if err != nil {
		return DownloadReady{}, nil, err
	}

	s := newSession(id, DirectionDownload, filename, size, e.opts.ChunkSize)
	s.Owner = owner
	s.handle = h
	s.state = StateActive
	if err := e.registry.Create(s); err != nil {
		h.Close()
		return DownloadReady{}, nil, err
	}
	e.metrics.started(DirectionDownload)

	logging.Log.WithFields(logrus.Fields{
		"session":  id,
		"filename": filename,
		"filesize": size,
		"chunks":   s.ChunkCount,
		"owner":    owner.Name(),
	}).Info("Download started")

	ready := DownloadReady{
		SessionID:  id,
		Filename:   filename,
		Filesize:   size,
		ChunkCount: s.ChunkCount,
		ChunkSize:  s.ChunkSize,
	}
	if s.ChunkCount == 0 {
		s.mu.Lock()
		complete := e.completeDownloadLocked(s)
		s.mu.Unlock()
		return ready, complete, nil
	}
	return ready, nil, nil
}

// ReadChunk returns chunk index of the download registered under id. Chunks
// may be requested in any order and more than once. Once every chunk has
// been served the session completes and the second result is non-nil.
//
// With a bandwidth limit set, ReadChunk sleeps len(data)/limit after the
// read, outside the session lock.
func (e *Engine) ReadChunk(ctx context.Context, id string, index int) (DownloadChunk, *DownloadComplete, error) {
	s, ok := e.registry.Get(id)
	if !ok {
		return DownloadChunk{}, nil, ErrSessionNotFound
	}
	if s.Direction != DirectionDownload {
		return DownloadChunk{}, nil, ErrWrongDirection
	}

	chunk, complete, err := e.readChunk(s, index)
	if err != nil {
		return DownloadChunk{}, nil, err
	}
	if err := e.throttle(ctx, len(chunk.Data)); err != nil {
		return DownloadChunk{}, nil, err
	}
	return chunk, complete, nil
}

func (e *Engine) readChunk(s *Session, index int) (DownloadChunk, *DownloadComplete, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return DownloadChunk{}, nil, ErrSessionClosed
	}
	if index < 0 || index >= s.ChunkCount {
		e.metrics.chunkError(DirectionDownload)
		return DownloadChunk{}, nil, fmt.Errorf("%w: %d of %d", ErrChunkOutOfRange, index, s.ChunkCount)
	}

	n := s.chunkLen(index)
	data, err := e.store.ReadChunk(s.handle, int64(index)*s.ChunkSize, int(n))
	if err != nil {
		e.metrics.chunkError(DirectionDownload)
		return DownloadChunk{}, nil, fmt.Errorf("failed to read chunk %d: %w", index, err)
	}

	if _, served := s.chunks[index]; !served {
		s.chunks[index] = struct{}{}
		s.bytesDone += n
		e.metrics.transferred(DirectionDownload, n)
	}
	s.nextChunk = max(s.nextChunk, index+1)

	chunk := DownloadChunk{ChunkIndex: index, Data: data, Size: len(data)}
	if len(s.chunks) < s.ChunkCount {
		return chunk, nil, nil
	}
	return chunk, e.completeDownloadLocked(s), nil
}

// completeDownloadLocked closes a fully served download. Caller holds s.mu.
func (e *Engine) completeDownloadLocked(s *Session) *DownloadComplete {
	if err := s.closeHandleLocked(); err != nil {
		logging.Log.WithError(err).WithField("session", s.ID).Warn("Failed to close download handle")
	}
	s.state = StateComplete
	e.registry.release(s.ID, s)
	e.metrics.finished(DirectionDownload, "complete")

	elapsed := time.Since(s.StartedAt)
	bps := bitsPerSecond(s.TotalSize, elapsed)
	logging.Log.WithFields(logrus.Fields{
		"session":  s.ID,
		"filename": s.Filename,
		"elapsed":  elapsed.Round(time.Millisecond),
		"speed":    formatSpeed(bps),
	}).Info("Download complete")

	return &DownloadComplete{
		Filename:  s.Filename,
		Filesize:  s.TotalSize,
		Elapsed:   elapsed.Seconds(),
		SpeedMbps: bps / 1e6,
		Speed:     formatSpeed(bps),
	}
}
