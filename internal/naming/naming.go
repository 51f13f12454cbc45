// Package naming decides the stored name of a finished upload when the
// requested name is already taken.
package naming

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Resolver returns the filename to persist for name inside dir.
type Resolver interface {
	Resolve(dir, name string) (string, error)
}

// Dedup appends _1, _2, ... before the extension until the name is free.
type Dedup struct{}

func (Dedup) Resolve(dir, name string) (string, error) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	candidate := name
	for counter := 1; ; counter++ {
		exists, err := fileExists(filepath.Join(dir, candidate))
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s_%d%s", base, counter, ext)
	}
}

// Versioning keeps the requested name and archives the file it replaces
// into VersionDir as <base>_vN<ext>.
type Versioning struct {
	VersionDir string
}

func (v Versioning) Resolve(dir, name string) (string, error) {
	current := filepath.Join(dir, name)
	exists, err := fileExists(current)
	if err != nil || !exists {
		return name, err
	}
	if err := os.MkdirAll(v.VersionDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create version directory: %w", err)
	}

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for n := 1; ; n++ {
		archived := filepath.Join(v.VersionDir, fmt.Sprintf("%s_v%d%s", base, n, ext))
		taken, err := fileExists(archived)
		if err != nil {
			return "", err
		}
		if taken {
			continue
		}
		if err := copyFile(current, archived); err != nil {
			return "", fmt.Errorf("failed to archive previous version: %w", err)
		}
		return name, nil
	}
}

// Version is one archived copy of a file.
type Version struct {
	Number    int       `json:"version"`
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	Timestamp time.Time `json:"timestamp"`
}

// Versions lists archived versions of name, oldest first.
func (v Versioning) Versions(name string) ([]Version, error) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	out := []Version{}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s_v%d%s", base, n, ext)
		info, err := os.Stat(filepath.Join(v.VersionDir, candidate))
		if errors.Is(err, fs.ErrNotExist) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, Version{
			Number:    n,
			Filename:  candidate,
			Size:      info.Size(),
			Timestamp: info.ModTime(),
		})
	}
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
