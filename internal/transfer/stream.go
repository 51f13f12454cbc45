package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/netshare/internal/auth"
	"github.com/jaywantadh/netshare/internal/compressor"
	"github.com/jaywantadh/netshare/internal/storage"
	"github.com/jaywantadh/netshare/pkg/logging"
)

// StreamUpload describes one resumable HTTP upload request.
type StreamUpload struct {
	Filename     string
	Offset       int64 // where the body starts within the file
	Total        int64 // full file size if known, 0 otherwise
	Owner        auth.Owner
	Permission   string
	AllowedUsers []string
	Compress     bool
	Version      bool
}

// StreamResult reports the state of a resumable upload after a request.
// Offset is the number of bytes staged so far; when Complete is false the
// client resumes from there.
type StreamResult struct {
	Filename    string  `json:"filename"`
	Complete    bool    `json:"complete"`
	Offset      int64   `json:"offset"`
	Size        int64   `json:"size"`
	ResumedFrom int64   `json:"resumed_from,omitempty"`
	Compressed  bool    `json:"compressed,omitempty"`
	Elapsed     float64 `json:"elapsed"`
	SpeedMbps   float64 `json:"speed_mbps"`
	Speed       string  `json:"speed"`
	Owner       string  `json:"owner"`
}

func streamClaimID(owner auth.Owner, name string) string {
	return "http-upload:" + owner.Key() + "/" + name
}

// StagedOffset returns how many bytes of name the owner has staged.
func (e *Engine) StagedOffset(name string, owner auth.Owner) (int64, error) {
	if err := storage.ValidateFilename(name); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidFilename, err)
	}
	info, err := os.Stat(e.store.ResumePath(owner.Key(), name))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// ReceiveStream appends body to the owner's resume file for req.Filename,
// starting at req.Offset. When the staged data reaches req.Total (or the
// body ends and no total was given) the file is finalized with the same
// naming policy as chunked uploads. A short body keeps the partial data.
//
// An offset beyond the staged length fails with ErrOffsetMismatch and the
// result carries the current offset. Only one request may write a given
// resume file at a time; a second one fails with ErrSessionExists.
func (e *Engine) ReceiveStream(ctx context.Context, req StreamUpload, body io.Reader) (StreamResult, error) {
	if err := storage.ValidateFilename(req.Filename); err != nil {
		return StreamResult{}, fmt.Errorf("%w: %v", ErrInvalidFilename, err)
	}
	if req.Offset < 0 || req.Total < 0 {
		return StreamResult{}, fmt.Errorf("%w: negative offset or total", ErrInvalidRequest)
	}

	resumePath := e.store.ResumePath(req.Owner.Key(), req.Filename)
	s := newSession(streamClaimID(req.Owner, req.Filename), DirectionUpload, req.Filename, req.Total, 0)
	s.Owner = req.Owner
	if err := e.registry.Create(s); err != nil {
		return StreamResult{}, err
	}
	defer e.registry.release(s.ID, s)

	log := logging.Log.WithFields(logrus.Fields{
		"filename": req.Filename,
		"owner":    req.Owner.Name(),
		"offset":   req.Offset,
		"total":    req.Total,
	})

	f, staged, err := openResume(resumePath, req.Offset)
	if err != nil {
		s.mu.Lock()
		s.state = StateAborted
		s.mu.Unlock()
		if errors.Is(err, ErrOffsetMismatch) {
			return StreamResult{Filename: req.Filename, Offset: staged}, err
		}
		return StreamResult{}, fmt.Errorf("failed to open resume file: %w", err)
	}

	s.mu.Lock()
	if s.state == StateAborted {
		s.mu.Unlock()
		f.Close()
		return StreamResult{Filename: req.Filename, Offset: staged}, ErrSessionClosed
	}
	s.bytesDone = req.Offset
	s.state = StateActive
	s.mu.Unlock()
	e.metrics.started(DirectionUpload)
	if req.Offset > 0 {
		log.Info("Resuming upload")
	} else {
		log.Info("Upload started")
	}

	written, readErr, writeErr := e.copyThrottled(ctx, f, body, s, DirectionUpload)
	syncErr := f.Sync()
	closeErr := f.Close()
	staged = req.Offset + written

	result := StreamResult{
		Filename:    req.Filename,
		Offset:      staged,
		Size:        staged,
		ResumedFrom: req.Offset,
		Owner:       req.Owner.Name(),
	}
	if err := errors.Join(writeErr, syncErr, closeErr); err != nil {
		e.finishStream(s, "failed")
		return result, fmt.Errorf("failed to stage upload: %w", err)
	}
	if readErr != nil || (req.Total > 0 && staged < req.Total) {
		e.finishStream(s, "partial")
		entry := log.WithField("staged", staged)
		if readErr != nil {
			entry = entry.WithError(readErr)
		}
		entry.Info("Upload paused, partial data kept")
		return result, nil
	}

	name, compressed, err := e.finalizeStream(req, resumePath, staged)
	if err != nil {
		e.finishStream(s, "failed")
		return result, err
	}
	e.finishStream(s, "complete")

	elapsed := time.Since(s.StartedAt)
	bps := bitsPerSecond(written, elapsed)
	result.Filename = name
	result.Complete = true
	result.Compressed = compressed
	result.Elapsed = elapsed.Seconds()
	result.SpeedMbps = bps / 1e6
	result.Speed = formatSpeed(bps)

	log.WithFields(logrus.Fields{
		"stored": name,
		"size":   staged,
		"speed":  result.Speed,
	}).Info("Upload complete")
	return result, nil
}

// openResume opens the resume file positioned at offset. Offset zero starts
// over; a smaller offset than the staged length discards the tail.
func openResume(path string, offset int64) (*os.File, int64, error) {
	if offset == 0 {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		return f, 0, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	if offset > info.Size() {
		f.Close()
		return nil, info.Size(), ErrOffsetMismatch
	}
	if offset < info.Size() {
		if err := f.Truncate(offset); err != nil {
			f.Close()
			return nil, info.Size(), err
		}
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, info.Size(), err
	}
	return f, offset, nil
}

func (e *Engine) finalizeStream(req StreamUpload, resumePath string, size int64) (string, bool, error) {
	e.finalizeMu.Lock()
	defer e.finalizeMu.Unlock()

	name, err := e.namer(req.Version).Resolve(e.store.UploadDir(), req.Filename)
	if err != nil {
		return "", false, &FinalizeError{Filename: req.Filename, Stage: "naming", Err: err}
	}
	finalPath := e.store.UploadPath(name)
	if err := e.store.Replace(resumePath, finalPath); err != nil {
		return "", false, &FinalizeError{Filename: req.Filename, Stage: "rename", Err: err}
	}

	compressed := false
	if req.Compress && e.opts.EnableCompression && !compressor.ShouldSkipCompression(name) {
		if _, err := compressor.CompressFile(finalPath); err != nil {
			logging.Log.WithError(err).WithField("filename", name).Warn("Compression failed, keeping original")
		} else {
			name += compressor.Extension
			finalPath += compressor.Extension
			compressed = true
			if info, err := os.Stat(finalPath); err == nil {
				size = info.Size()
			}
		}
	}

	if err := e.recordOwnership(name, req.Owner, req.Permission, req.AllowedUsers, size); err != nil {
		if rmErr := e.store.Remove(finalPath); rmErr != nil {
			logging.Log.WithError(rmErr).Warn("Failed to roll back finalized file")
		}
		return "", false, &FinalizeError{Filename: req.Filename, Stage: "metadata", Err: err}
	}
	return name, compressed, nil
}

// StreamDownload registers a session for an HTTP download of length bytes
// starting at start, copies them from h to w under the bandwidth limit and
// closes h. A client that goes away ends the session as aborted.
func (e *Engine) StreamDownload(ctx context.Context, w io.Writer, h storage.Handle, name string, size, start, length int64, owner auth.Owner) (int64, error) {
	defer h.Close()

	s := newSession(uuid.NewString(), DirectionDownload, name, size, 0)
	s.Owner = owner
	s.bytesDone = start
	s.state = StateActive
	if err := e.registry.Create(s); err != nil {
		return 0, err
	}
	e.metrics.started(DirectionDownload)

	written, readErr, writeErr := e.copyThrottled(ctx, w, io.NewSectionReader(h, start, length), s, DirectionDownload)
	switch {
	case readErr != nil:
		e.finishStream(s, "failed")
		return written, fmt.Errorf("failed to read %s: %w", name, readErr)
	case writeErr != nil:
		e.finishStream(s, "disconnected")
		return written, writeErr
	}
	e.finishStream(s, "complete")
	return written, nil
}

// finishStream closes an HTTP-path session unless it was aborted meanwhile.
func (e *Engine) finishStream(s *Session, outcome string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateComplete || s.state == StateAborted {
		return
	}
	s.state = StateComplete
	e.registry.release(s.ID, s)
	e.metrics.finished(s.Direction, outcome)
}

// copyThrottled copies src to dst through one buffer of the configured size,
// sleeping after each buffer to respect the bandwidth limit. It stops early
// when ctx ends or the session is aborted; those count as read errors.
func (e *Engine) copyThrottled(ctx context.Context, dst io.Writer, src io.Reader, s *Session, dir Direction) (written int64, readErr, writeErr error) {
	buf := make([]byte, e.opts.BufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return written, err, nil
		}
		if s.State() != StateActive {
			return written, ErrSessionClosed, nil
		}

		n, err := src.Read(buf)
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			written += int64(wn)
			s.addBytes(int64(wn))
			e.metrics.transferred(dir, int64(wn))
			if werr != nil {
				return written, nil, werr
			}
			if terr := e.throttle(ctx, n); terr != nil {
				return written, terr, nil
			}
		}
		if errors.Is(err, io.EOF) {
			return written, nil, nil
		}
		if err != nil {
			return written, err, nil
		}
	}
}
