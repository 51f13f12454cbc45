package storage

import (
	"io"
)

// Handle is an open file addressed by byte offset.
type Handle interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	Sync() error
}

// ChunkStore defines random-access chunk I/O against files. It holds no
// transfer state; sessions own the handles it returns.
type ChunkStore interface {
	// Allocate creates (or truncates) path and pre-sizes it to size bytes.
	Allocate(path string, size int64) (Handle, error)
	// OpenRead opens an existing file for reading and returns its size.
	OpenRead(path string) (Handle, int64, error)
	// WriteChunk writes p at offset. It is a positional write, not an append.
	WriteChunk(h Handle, offset int64, p []byte) error
	// ReadChunk reads exactly n bytes at offset.
	ReadChunk(h Handle, offset int64, n int) ([]byte, error)
	// Remove deletes path; a missing file is not an error.
	Remove(path string) error
	// Replace moves tempPath onto finalPath, removing any existing file first.
	Replace(tempPath, finalPath string) error
}
