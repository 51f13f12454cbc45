package transfer

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/netshare/internal/metadata"
	"github.com/jaywantadh/netshare/internal/storage"
)

// memMeta is an in-memory MetadataStore.
type memMeta struct {
	mu      sync.Mutex
	records map[string]metadata.FileRecord
	addErr  error
}

func newMemMeta() *memMeta {
	return &memMeta{records: make(map[string]metadata.FileRecord)}
}

func (m *memMeta) AddFileMetadata(rec metadata.FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.addErr != nil {
		return m.addErr
	}
	m.records[rec.FileName] = rec
	return nil
}

func (m *memMeta) GetFileMetadata(name string) (metadata.FileRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[name]
	return rec, ok, nil
}

type fixture struct {
	engine *Engine
	store  *storage.LocalStore
	meta   *memMeta
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	store := newLocalStore(t)
	meta := newMemMeta()
	return &fixture{
		engine: NewEngine(opts, NewRegistry(), store, meta),
		store:  store,
		meta:   meta,
	}
}

func newLocalStore(t *testing.T) *storage.LocalStore {
	t.Helper()
	root := t.TempDir()
	store, err := storage.NewLocalStore(filepath.Join(root, "uploads"), filepath.Join(root, "tmp"))
	require.NoError(t, err)
	return store
}

var errDiskHiccup = errors.New("disk hiccup")

// flakyStore fails the next failWrites chunk writes and failReads chunk
// reads, then behaves like the LocalStore it wraps.
type flakyStore struct {
	*storage.LocalStore
	mu         sync.Mutex
	failWrites int
	failReads  int
}

func (s *flakyStore) take(n *int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if *n == 0 {
		return false
	}
	*n--
	return true
}

func (s *flakyStore) WriteChunk(h storage.Handle, offset int64, p []byte) error {
	if s.take(&s.failWrites) {
		return errDiskHiccup
	}
	return s.LocalStore.WriteChunk(h, offset, p)
}

func (s *flakyStore) ReadChunk(h storage.Handle, offset int64, n int) ([]byte, error) {
	if s.take(&s.failReads) {
		return nil, errDiskHiccup
	}
	return s.LocalStore.ReadChunk(h, offset, n)
}

func newFlakyFixture(t *testing.T, opts Options, failWrites, failReads int) *fixture {
	t.Helper()
	local := newLocalStore(t)
	meta := newMemMeta()
	store := &flakyStore{LocalStore: local, failWrites: failWrites, failReads: failReads}
	return &fixture{
		engine: NewEngine(opts, NewRegistry(), store, meta),
		store:  local,
		meta:   meta,
	}
}

func (f *fixture) active(dir Direction) float64 {
	return testutil.ToFloat64(f.engine.metrics.active.WithLabelValues(string(dir)))
}

// payload returns n deterministic, non-repeating-looking bytes.
func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}

func chunkOf(data []byte, chunkSize int64, index int) []byte {
	start := int64(index) * chunkSize
	end := min(start+chunkSize, int64(len(data)))
	return data[start:end]
}

func (f *fixture) readUpload(t *testing.T, name string) []byte {
	t.Helper()
	got, err := os.ReadFile(f.store.UploadPath(name))
	require.NoError(t, err)
	return got
}

func (f *fixture) tempFiles(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.store.TempDir())
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
