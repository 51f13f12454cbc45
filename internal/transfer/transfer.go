package transfer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/netshare/internal/auth"
	"github.com/jaywantadh/netshare/internal/metadata"
	"github.com/jaywantadh/netshare/internal/naming"
	"github.com/jaywantadh/netshare/internal/storage"
	"github.com/jaywantadh/netshare/pkg/logging"
)

const (
	DefaultChunkSize  = 4 * 1024 * 1024
	DefaultBufferSize = 8 * 1024 * 1024
	DefaultAckEvery   = 10
)

// Store is the file layer the engine runs on: chunk I/O plus the naming of
// upload, temp and resume paths.
type Store interface {
	storage.ChunkStore
	UploadDir() string
	UploadPath(name string) string
	TempPath(sessionID, name string) string
	ResumePath(owner, name string) string
}

// MetadataStore records ownership of finalized files.
type MetadataStore interface {
	AddFileMetadata(rec metadata.FileRecord) error
	GetFileMetadata(fileName string) (metadata.FileRecord, bool, error)
}

// VersionLister is implemented by naming policies that archive the files
// they replace.
type VersionLister interface {
	Versions(name string) ([]naming.Version, error)
}

// Options tunes the engine. Zero values fall back to the defaults.
type Options struct {
	ChunkSize         int64
	BufferSize        int
	AckEvery          int
	BandwidthLimit    int64 // bytes per second, 0 = unlimited
	EnableCompression bool

	// Namer picks the final name of an upload. Defaults to naming.Dedup.
	Namer naming.Resolver
	// Versioner is used instead of Namer when a request asks for
	// versioning. Nil means versioning is unavailable.
	Versioner naming.Resolver
}

// Engine owns the transfer protocol. Adapters (websocket, HTTP) translate
// their wire formats into engine calls and never touch files directly.
type Engine struct {
	opts     Options
	registry *Registry
	store    Store
	meta     MetadataStore
	metrics  *Metrics

	// finalizeMu serializes name resolution with the rename so two uploads
	// of the same name cannot pick the same destination.
	finalizeMu sync.Mutex
}

// NewEngine wires an engine. meta may be nil, in which case ownership is
// not recorded and every file is readable.
func NewEngine(opts Options, registry *Registry, store Store, meta MetadataStore) *Engine {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.AckEvery <= 0 {
		opts.AckEvery = DefaultAckEvery
	}
	if opts.Namer == nil {
		opts.Namer = naming.Dedup{}
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Engine{
		opts:     opts,
		registry: registry,
		store:    store,
		meta:     meta,
		metrics:  NewMetrics(),
	}
}

func (e *Engine) Registry() *Registry { return e.registry }
func (e *Engine) Metrics() *Metrics   { return e.metrics }
func (e *Engine) ChunkSize() int64    { return e.opts.ChunkSize }

func (e *Engine) namer(version bool) naming.Resolver {
	if version && e.opts.Versioner != nil {
		return e.opts.Versioner
	}
	return e.opts.Namer
}

// Cancel aborts the session registered under id. It reports whether a live
// session was aborted; cancelling an unknown or finished session is a no-op.
func (e *Engine) Cancel(id string) bool {
	return e.abort(id, "cancelled")
}

// Disconnect is Cancel for a transport that went away.
func (e *Engine) Disconnect(id string) bool {
	return e.abort(id, "disconnected")
}

func (e *Engine) abort(id, reason string) bool {
	s, ok := e.registry.Get(id)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.abortLocked(s, reason)
}

// abortLocked tears s down and removes its temp file. Caller holds s.mu.
func (e *Engine) abortLocked(s *Session, reason string) bool {
	if s.state == StateComplete || s.state == StateAborted {
		return false
	}
	started := s.state != StateInit
	if err := s.closeHandleLocked(); err != nil {
		logging.Log.WithError(err).WithField("session", s.ID).Warn("Failed to close transfer handle")
	}
	if s.Direction == DirectionUpload && s.TempPath != "" {
		if err := e.store.Remove(s.TempPath); err != nil {
			logging.Log.WithError(err).WithField("path", s.TempPath).Warn("Failed to remove temp file")
		}
	}
	s.state = StateAborted
	e.registry.release(s.ID, s)
	if started {
		e.metrics.finished(s.Direction, reason)
	}

	logging.Log.WithFields(logrus.Fields{
		"session":   s.ID,
		"type":      s.Direction,
		"filename":  s.Filename,
		"received":  len(s.chunks),
		"chunks":    s.ChunkCount,
		"bytesDone": s.bytesDone,
		"reason":    reason,
	}).Info("Transfer aborted")
	return true
}

// replaceExisting aborts whatever session currently holds id, so a
// connection starting a new transfer drops its previous one.
func (e *Engine) replaceExisting(id string) {
	if e.abort(id, "replaced") {
		logging.Log.WithField("session", id).Debug("Replaced previous transfer on connection")
	}
}

// checkAccess applies the owner's read permission on an existing file.
// Files with no metadata record are readable by everyone.
func (e *Engine) checkAccess(name string, owner auth.Owner) error {
	if e.meta == nil {
		return nil
	}
	rec, ok, err := e.meta.GetFileMetadata(name)
	if err != nil {
		return fmt.Errorf("failed to read metadata for %s: %w", name, err)
	}
	if !ok {
		return nil
	}
	username := owner.Username
	if owner.Anonymous {
		username = ""
	}
	if !rec.CanAccess(username) {
		return ErrAccessDenied
	}
	return nil
}

// OpenDownload validates name, applies access control and opens the file.
func (e *Engine) OpenDownload(name string, owner auth.Owner) (storage.Handle, int64, error) {
	if err := storage.ValidateFilename(name); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidFilename, err)
	}
	if err := e.checkAccess(name, owner); err != nil {
		return nil, 0, err
	}
	h, size, err := e.store.OpenRead(e.store.UploadPath(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, fmt.Errorf("%w: %s", ErrFileNotFound, name)
		}
		return nil, 0, err
	}
	return h, size, nil
}

// Versions lists the archived versions of name. Owners that cannot read the
// current file cannot list its versions either. Without a versioning policy
// the list is empty.
func (e *Engine) Versions(name string, owner auth.Owner) ([]naming.Version, error) {
	if err := storage.ValidateFilename(name); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilename, err)
	}
	if err := e.checkAccess(name, owner); err != nil {
		return nil, err
	}
	lister, ok := e.opts.Versioner.(VersionLister)
	if !ok {
		return []naming.Version{}, nil
	}
	versions, err := lister.Versions(name)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions of %s: %w", name, err)
	}
	return versions, nil
}

// recordOwnership stores the metadata record of a finalized file.
func (e *Engine) recordOwnership(name string, owner auth.Owner, permission string, allowed []string, size int64) error {
	if e.meta == nil {
		return nil
	}
	rec := metadata.NewFileRecord(name, owner.Username, owner.Anonymous, permission, allowed, size)
	return e.meta.AddFileMetadata(rec)
}

// throttle sleeps long enough that n bytes respect the bandwidth limit.
func (e *Engine) throttle(ctx context.Context, n int) error {
	if e.opts.BandwidthLimit <= 0 || n <= 0 {
		return nil
	}
	d := time.Duration(float64(n) / float64(e.opts.BandwidthLimit) * float64(time.Second))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown aborts every live session. Temp files of unfinished uploads are
// removed; resume files of the HTTP path stay for the next attempt.
func (e *Engine) Shutdown() {
	for _, s := range e.registry.Sessions() {
		e.abort(s.ID, "shutdown")
	}
}
