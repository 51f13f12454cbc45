package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	// Chunked upload sessions stage into ".netshare-<session>-<name>.part".
	// Anything matching this pattern at startup belongs to a dead process.
	tempPrefix = ".netshare-"
	tempSuffix = ".part"

	// HTTP uploads stage into ".resume-<owner>-<name>" and survive restarts.
	resumePrefix = ".resume-"
)

// LocalStore implements ChunkStore on the local filesystem.
type LocalStore struct {
	uploadDir string
	tempDir   string
}

// NewLocalStore creates both directories if needed.
func NewLocalStore(uploadDir, tempDir string) (*LocalStore, error) {
	for _, dir := range []string{uploadDir, tempDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
		}
	}
	return &LocalStore{uploadDir: uploadDir, tempDir: tempDir}, nil
}

func (s *LocalStore) UploadDir() string { return s.uploadDir }
func (s *LocalStore) TempDir() string   { return s.tempDir }

// UploadPath returns the visible location of name.
func (s *LocalStore) UploadPath(name string) string {
	return filepath.Join(s.uploadDir, name)
}

// TempPath returns the staging file for a chunked upload session.
func (s *LocalStore) TempPath(sessionID, name string) string {
	return filepath.Join(s.tempDir, tempPrefix+sessionID+"-"+name+tempSuffix)
}

// ResumePath returns the staging file for an owner's HTTP upload of name.
// An empty owner is the anonymous one.
func (s *LocalStore) ResumePath(owner, name string) string {
	return filepath.Join(s.tempDir, resumePrefix+ownerKey(owner)+"-"+name)
}

// Allocate creates path and truncates it to size so a partially written
// file already has its final length.
func (s *LocalStore) Allocate(path string, size int64) (Handle, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	if size > 0 {
		if err := f.Truncate(size); err != nil {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("failed to pre-allocate %d bytes: %w", size, err)
		}
	}
	return f, nil
}

func (s *LocalStore) OpenRead(path string) (Handle, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		f.Close()
		return nil, 0, fmt.Errorf("failed to open file: %s is a directory: %w", path, fs.ErrNotExist)
	}
	return f, info.Size(), nil
}

func (s *LocalStore) WriteChunk(h Handle, offset int64, p []byte) error {
	if _, err := h.WriteAt(p, offset); err != nil {
		return fmt.Errorf("failed to write %d bytes at offset %d: %w", len(p), offset, err)
	}
	return nil
}

func (s *LocalStore) ReadChunk(h Handle, offset int64, n int) ([]byte, error) {
	buf := make([]byte, n)
	read, err := h.ReadAt(buf, offset)
	if err != nil && !(errors.Is(err, io.EOF) && read == n) {
		return nil, fmt.Errorf("failed to read %d bytes at offset %d: %w", n, offset, err)
	}
	return buf, nil
}

func (s *LocalStore) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// Replace moves tempPath onto finalPath. When a plain rename is impossible
// (different filesystems) the data is copied next to finalPath first, so the
// destination only ever appears complete.
func (s *LocalStore) Replace(tempPath, finalPath string) error {
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	if err := s.Remove(finalPath); err != nil {
		return err
	}
	if err := os.Rename(tempPath, finalPath); err == nil {
		return nil
	}

	staging := finalPath + ".incoming"
	if err := copyFile(tempPath, staging); err != nil {
		os.Remove(staging)
		return fmt.Errorf("failed to move %s: %w", tempPath, err)
	}
	if err := os.Rename(staging, finalPath); err != nil {
		os.Remove(staging)
		return fmt.Errorf("failed to move %s: %w", tempPath, err)
	}
	return s.Remove(tempPath)
}

// PurgeOrphans deletes chunked-upload staging files left by a previous
// process and returns how many were removed.
func (s *LocalStore) PurgeOrphans() (int, error) {
	entries, err := os.ReadDir(s.tempDir)
	if err != nil {
		return 0, fmt.Errorf("failed to list temp directory: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, tempPrefix) || !strings.HasSuffix(name, tempSuffix) {
			continue
		}
		if err := s.Remove(filepath.Join(s.tempDir, name)); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// ownerKey makes owner safe for a file name. Dashes never survive in a
// username key, so the anonymous key cannot collide with one.
func ownerKey(owner string) string {
	if owner == "" {
		return "-anonymous"
	}
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == '-' || r < 32 {
			return '_'
		}
		return r
	}, owner)
}
