package storage

import (
	"errors"
	"strings"
)

// MaxFileNameLength matches common filesystem limits.
const MaxFileNameLength = 255

var (
	ErrEmptyFileName     = errors.New("filename cannot be empty")
	ErrFileNameTooLong   = errors.New("filename too long (max 255 characters)")
	ErrPathTraversal     = errors.New("invalid filename (path traversal detected)")
	ErrInvalidCharacters = errors.New("invalid filename (control characters detected)")
)

// ValidateFilename rejects names that could escape the storage directories.
func ValidateFilename(name string) error {
	if name == "" || name == "." {
		return ErrEmptyFileName
	}
	if len(name) > MaxFileNameLength {
		return ErrFileNameTooLong
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return ErrPathTraversal
	}
	for _, r := range name {
		if r < 32 || r == 0x7f {
			return ErrInvalidCharacters
		}
	}
	return nil
}
