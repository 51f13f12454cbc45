package transfer

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/netshare/internal/auth"
	"github.com/jaywantadh/netshare/internal/metadata"
)

func (f *fixture) putFile(t *testing.T, name string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(f.store.UploadPath(name), data, 0644))
}

func TestDownloadServesEveryChunk(t *testing.T) {
	f := newFixture(t, Options{ChunkSize: testChunk})
	data := payload(3*testChunk + 17)
	f.putFile(t, "movie.bin", data)

	ready, complete, err := f.engine.StartDownload("conn-1", "movie.bin", auth.AnonymousOwner())
	require.NoError(t, err)
	require.Nil(t, complete)
	assert.Equal(t, 4, ready.ChunkCount)
	assert.Equal(t, int64(len(data)), ready.Filesize)

	var got bytes.Buffer
	for idx := 0; idx < ready.ChunkCount; idx++ {
		chunk, done, err := f.engine.ReadChunk(context.Background(), "conn-1", idx)
		require.NoError(t, err)
		assert.Equal(t, idx, chunk.ChunkIndex)
		assert.Equal(t, len(chunk.Data), chunk.Size)
		got.Write(chunk.Data)
		if idx < ready.ChunkCount-1 {
			assert.Nil(t, done)
		} else {
			require.NotNil(t, done)
			assert.Equal(t, "movie.bin", done.Filename)
		}
	}

	assert.Equal(t, data, got.Bytes())
	assert.Equal(t, 0, f.engine.Registry().Len())
}

func TestDownloadChunksAnyOrderAndRepeat(t *testing.T) {
	f := newFixture(t, Options{ChunkSize: 10})
	data := payload(25)
	f.putFile(t, "small.bin", data)

	_, _, err := f.engine.StartDownload("conn-1", "small.bin", auth.AnonymousOwner())
	require.NoError(t, err)

	chunk, done, err := f.engine.ReadChunk(context.Background(), "conn-1", 2)
	require.NoError(t, err)
	assert.Nil(t, done)
	assert.Equal(t, data[20:], chunk.Data)

	s, ok := f.engine.Registry().Get("conn-1")
	require.True(t, ok)
	assert.Equal(t, 3, s.NextChunk())

	_, _, err = f.engine.ReadChunk(context.Background(), "conn-1", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), s.BytesDone())

	_, _, err = f.engine.ReadChunk(context.Background(), "conn-1", 3)
	assert.ErrorIs(t, err, ErrChunkOutOfRange)

	_, _, err = f.engine.ReadChunk(context.Background(), "conn-1", 0)
	require.NoError(t, err)
	_, done, err = f.engine.ReadChunk(context.Background(), "conn-1", 1)
	require.NoError(t, err)
	assert.NotNil(t, done)
}

func TestDownloadEmptyFileCompletesImmediately(t *testing.T) {
	f := newFixture(t, Options{})
	f.putFile(t, "empty.txt", nil)

	ready, done, err := f.engine.StartDownload("conn-1", "empty.txt", auth.AnonymousOwner())
	require.NoError(t, err)
	assert.Equal(t, 0, ready.ChunkCount)
	assert.NotNil(t, done)
	assert.Equal(t, 0, f.engine.Registry().Len())
}

func TestDownloadErrors(t *testing.T) {
	f := newFixture(t, Options{})

	_, _, err := f.engine.StartDownload("conn-1", "missing.bin", auth.AnonymousOwner())
	assert.ErrorIs(t, err, ErrFileNotFound)

	_, _, err = f.engine.StartDownload("conn-1", "../../etc/passwd", auth.AnonymousOwner())
	assert.ErrorIs(t, err, ErrInvalidFilename)

	_, _, err = f.engine.ReadChunk(context.Background(), "conn-1", 0)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestDownloadRespectsPermissions(t *testing.T) {
	f := newFixture(t, Options{})
	f.putFile(t, "private.txt", []byte("mine"))
	require.NoError(t, f.meta.AddFileMetadata(metadata.NewFileRecord("private.txt", "alice", false, metadata.PermissionPrivate, nil, 4)))

	_, _, err := f.engine.StartDownload("conn-1", "private.txt", auth.AnonymousOwner())
	assert.ErrorIs(t, err, ErrAccessDenied)
	_, _, err = f.engine.StartDownload("conn-1", "private.txt", auth.Owner{Username: "bob"})
	assert.ErrorIs(t, err, ErrAccessDenied)

	_, done, err := f.engine.StartDownload("conn-1", "private.txt", auth.Owner{Username: "alice"})
	require.NoError(t, err)
	assert.Nil(t, done)
}

func TestDownloadWrongDirection(t *testing.T) {
	f := newFixture(t, Options{ChunkSize: testChunk})
	startUpload(t, f, "conn-1", "up.bin", testChunk)

	_, _, err := f.engine.ReadChunk(context.Background(), "conn-1", 0)
	assert.ErrorIs(t, err, ErrWrongDirection)
}

func TestDownloadThrottle(t *testing.T) {
	f := newFixture(t, Options{ChunkSize: 1000, BandwidthLimit: 10_000})
	f.putFile(t, "slow.bin", payload(2000))

	_, _, err := f.engine.StartDownload("conn-1", "slow.bin", auth.AnonymousOwner())
	require.NoError(t, err)

	start := time.Now()
	for idx := 0; idx < 2; idx++ {
		_, _, err := f.engine.ReadChunk(context.Background(), "conn-1", idx)
		require.NoError(t, err)
	}
	// 2000 bytes at 10 kB/s.
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestDownloadThrottleHonoursContext(t *testing.T) {
	f := newFixture(t, Options{ChunkSize: 1000, BandwidthLimit: 1})
	f.putFile(t, "slow.bin", payload(1000))
	_, _, err := f.engine.StartDownload("conn-1", "slow.bin", auth.AnonymousOwner())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err = f.engine.ReadChunk(ctx, "conn-1", 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDownloadCancelClosesSession(t *testing.T) {
	f := newFixture(t, Options{ChunkSize: 10})
	f.putFile(t, "keep.bin", payload(30))
	_, _, err := f.engine.StartDownload("conn-1", "keep.bin", auth.AnonymousOwner())
	require.NoError(t, err)

	assert.True(t, f.engine.Cancel("conn-1"))
	assert.FileExists(t, f.store.UploadPath("keep.bin"))
	_, _, err = f.engine.ReadChunk(context.Background(), "conn-1", 0)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestDownloadChunkReadFailureIsRetryable(t *testing.T) {
	f := newFlakyFixture(t, Options{ChunkSize: testChunk}, 0, 1)
	data := payload(testChunk + 100)
	f.putFile(t, "flaky.bin", data)

	_, _, err := f.engine.StartDownload("conn-1", "flaky.bin", auth.AnonymousOwner())
	require.NoError(t, err)

	_, _, err = f.engine.ReadChunk(context.Background(), "conn-1", 0)
	require.ErrorIs(t, err, errDiskHiccup)

	s, ok := f.engine.Registry().Get("conn-1")
	require.True(t, ok, "session stays registered")
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, int64(0), s.BytesDone())

	first, complete, err := f.engine.ReadChunk(context.Background(), "conn-1", 0)
	require.NoError(t, err)
	assert.Nil(t, complete)
	last, complete, err := f.engine.ReadChunk(context.Background(), "conn-1", 1)
	require.NoError(t, err)
	require.NotNil(t, complete)

	assert.Equal(t, data, append(first.Data, last.Data...))
}
