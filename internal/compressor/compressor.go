package compressor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pierrec/lz4/v4"
)

// Extension is appended to files compressed by CompressFile.
const Extension = ".lz4"

var skipExtensions = map[string]bool{
	".mp4": true, ".mov": true, ".avi": true, ".mkv": true,
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
	".zip": true, ".rar": true, ".7z": true, ".gz": true, ".tar": true, ".lz4": true,
	".mp3": true, ".flac": true, ".aac": true,
	".apk": true, ".iso": true,
}

// ShouldSkipCompression reports whether the file is already compressed.
func ShouldSkipCompression(filePath string) bool {
	ext := strings.ToLower(filepath.Ext(filePath))
	return skipExtensions[ext]
}

// CompressFile writes an lz4 frame of src to src+Extension and removes src.
// It returns the new path. On failure src is left untouched.
func CompressFile(src string) (string, error) {
	dst := src + Extension
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("compression failed: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", fmt.Errorf("compression failed: %w", err)
	}

	writer := lz4.NewWriter(out)
	if _, err := io.Copy(writer, in); err != nil {
		out.Close()
		os.Remove(dst)
		return "", fmt.Errorf("compression failed: %w", err)
	}
	if err := writer.Close(); err != nil {
		out.Close()
		os.Remove(dst)
		return "", fmt.Errorf("compression failed: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("compression failed: %w", err)
	}

	in.Close()
	if err := os.Remove(src); err != nil {
		return "", fmt.Errorf("failed to remove uncompressed file: %w", err)
	}
	return dst, nil
}
