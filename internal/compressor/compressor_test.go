package compressor

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressFileReplacesSource(t *testing.T) {
	src := filepath.Join(t.TempDir(), "log.txt")
	payload := bytes.Repeat([]byte("netshare transfer log line\n"), 4096)
	require.NoError(t, os.WriteFile(src, payload, 0644))

	dst, err := CompressFile(src)
	require.NoError(t, err)
	assert.Equal(t, src+".lz4", dst)
	assert.NoFileExists(t, src)

	f, err := os.Open(dst)
	require.NoError(t, err)
	defer f.Close()
	info, err := f.Stat()
	require.NoError(t, err)
	assert.Less(t, info.Size(), int64(len(payload)))

	got, err := io.ReadAll(lz4.NewReader(f))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestShouldSkipCompression(t *testing.T) {
	assert.True(t, ShouldSkipCompression("movie.MP4"))
	assert.True(t, ShouldSkipCompression("archive.zip"))
	assert.False(t, ShouldSkipCompression("notes.txt"))
}
