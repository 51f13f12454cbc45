package transfer

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/netshare/internal/auth"
	"github.com/jaywantadh/netshare/internal/storage"
	"github.com/jaywantadh/netshare/pkg/logging"
)

// StartUpload opens an upload session under id. The destination is
// pre-allocated at its full size so chunks can land in any order. A session
// already registered under id is aborted first.
//
// A zero-byte upload has no chunks and is finalized before returning; the
// second result is then non-nil.
func (e *Engine) StartUpload(id string, req StartUploadRequest, owner auth.Owner) (UploadReady, *UploadComplete, error) {
	if err := storage.ValidateFilename(req.Filename); err != nil {
		return UploadReady{}, nil, fmt.Errorf("%w: %v", ErrInvalidFilename, err)
	}
	if req.Filesize < 0 {
		return UploadReady{}, nil, fmt.Errorf("%w: negative filesize", ErrInvalidRequest)
	}

	e.replaceExisting(id)

	s := newSession(id, DirectionUpload, req.Filename, req.Filesize, e.opts.ChunkSize)
	s.TempPath = e.store.TempPath(id, req.Filename)
	s.Owner = owner
	s.Permission = req.Permission
	s.AllowedUsers = req.AllowedUsers
	s.version = req.Version

	log := logging.Log.WithFields(logrus.Fields{
		"session":  id,
		"filename": req.Filename,
		"filesize": req.Filesize,
		"chunks":   s.ChunkCount,
		"owner":    owner.Name(),
	})
	if req.ChunkCount > 0 && req.ChunkCount != s.ChunkCount {
		log.WithField("clientChunks", req.ChunkCount).Warn("Client chunk count disagrees, using server count")
	}

	// Lock before registering so a concurrent Cancel or Shutdown waits for
	// the session to be fully set up.
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := e.registry.Create(s); err != nil {
		return UploadReady{}, nil, err
	}

	h, err := e.store.Allocate(s.TempPath, s.TotalSize)
	if err != nil {
		s.state = StateAborted
		e.registry.release(id, s)
		return UploadReady{}, nil, fmt.Errorf("failed to allocate upload: %w", err)
	}
	s.handle = h
	s.state = StateActive
	e.metrics.started(DirectionUpload)
	log.Info("Upload started")

	ready := UploadReady{
		SessionID:  id,
		ChunkSize:  s.ChunkSize,
		ChunkCount: s.ChunkCount,
		Status:     "ready",
	}
	if s.ChunkCount == 0 {
		complete, err := e.finalizeLocked(s)
		return ready, complete, err
	}
	return ready, nil, nil
}

// IngestChunk writes one chunk at index*chunkSize. Resending a received
// chunk rewrites the same bytes and is acknowledged again. The chunk that
// completes the set finalizes the upload; Complete is then set.
//
// Validation and write errors leave the session open for a retry. A
// *FinalizeError means the session is gone.
func (e *Engine) IngestChunk(id string, index int, data []byte) (ChunkResult, error) {
	s, ok := e.registry.Get(id)
	if !ok {
		return ChunkResult{}, ErrSessionNotFound
	}
	if s.Direction != DirectionUpload {
		return ChunkResult{}, ErrWrongDirection
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return ChunkResult{}, ErrSessionClosed
	}
	if index < 0 || index >= s.ChunkCount {
		e.metrics.chunkError(DirectionUpload)
		return ChunkResult{}, fmt.Errorf("%w: %d of %d", ErrChunkOutOfRange, index, s.ChunkCount)
	}
	want := s.chunkLen(index)
	if int64(len(data)) != want {
		e.metrics.chunkError(DirectionUpload)
		return ChunkResult{}, fmt.Errorf("%w: chunk %d has %d bytes, want %d", ErrChunkSize, index, len(data), want)
	}

	if err := e.store.WriteChunk(s.handle, int64(index)*s.ChunkSize, data); err != nil {
		e.metrics.chunkError(DirectionUpload)
		return ChunkResult{}, fmt.Errorf("failed to write chunk %d: %w", index, err)
	}

	_, duplicate := s.chunks[index]
	if !duplicate {
		s.chunks[index] = struct{}{}
		s.bytesDone += want
		e.metrics.transferred(DirectionUpload, want)
	}

	received := len(s.chunks)
	progress := float64(received) / float64(s.ChunkCount) * 100
	done := received == s.ChunkCount

	var res ChunkResult
	if duplicate || done || received%e.opts.AckEvery == 0 || progress > 99 {
		res.Ack = &ChunkReceived{
			ChunkIndex: index,
			Progress:   progress,
			Received:   received,
			Total:      s.ChunkCount,
		}
	}
	if !done {
		return res, nil
	}

	complete, err := e.finalizeLocked(s)
	res.Complete = complete
	return res, err
}

// finalizeLocked flushes the temp file and moves it into the upload folder
// under the name chosen by the naming policy. Caller holds s.mu. On failure
// the session is aborted and nothing is left behind.
func (e *Engine) finalizeLocked(s *Session) (*UploadComplete, error) {
	s.state = StateFinalizing
	log := logging.Log.WithFields(logrus.Fields{"session": s.ID, "filename": s.Filename})

	fail := func(stage string, err error) (*UploadComplete, error) {
		e.abortLocked(s, "failed")
		log.WithError(err).WithField("stage", stage).Error("Upload finalize failed")
		return nil, &FinalizeError{Filename: s.Filename, Stage: stage, Err: err}
	}

	if err := s.handle.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := s.closeHandleLocked(); err != nil {
		return fail("close", err)
	}

	e.finalizeMu.Lock()
	defer e.finalizeMu.Unlock()

	name, err := e.namer(s.version).Resolve(e.store.UploadDir(), s.Filename)
	if err != nil {
		return fail("naming", err)
	}
	finalPath := e.store.UploadPath(name)
	if err := e.store.Replace(s.TempPath, finalPath); err != nil {
		return fail("rename", err)
	}
	if err := e.recordOwnership(name, s.Owner, s.Permission, s.AllowedUsers, s.TotalSize); err != nil {
		if rmErr := e.store.Remove(finalPath); rmErr != nil {
			log.WithError(rmErr).Warn("Failed to roll back finalized file")
		}
		return fail("metadata", err)
	}

	elapsed := time.Since(s.StartedAt)
	bps := bitsPerSecond(s.TotalSize, elapsed)
	s.state = StateComplete
	e.registry.release(s.ID, s)
	e.metrics.finished(DirectionUpload, "complete")

	log.WithFields(logrus.Fields{
		"stored":  name,
		"elapsed": elapsed.Round(time.Millisecond),
		"speed":   formatSpeed(bps),
	}).Info("Upload complete")

	return &UploadComplete{
		Filename:  name,
		Filesize:  s.TotalSize,
		Elapsed:   elapsed.Seconds(),
		SpeedMbps: bps / 1e6,
		Speed:     formatSpeed(bps),
		Owner:     s.Owner.Name(),
	}, nil
}
