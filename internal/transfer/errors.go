package transfer

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound means no transfer is registered under the id.
	ErrSessionNotFound = errors.New("transfer session not found")
	// ErrSessionExists means the id already maps to a live session.
	ErrSessionExists = errors.New("transfer session already exists")
	// ErrSessionClosed means the session finished or was aborted.
	ErrSessionClosed = errors.New("transfer session closed")
	// ErrChunkOutOfRange means the chunk index is outside [0, chunkCount).
	ErrChunkOutOfRange = errors.New("chunk index out of range")
	// ErrChunkSize means the chunk payload does not match its extent.
	ErrChunkSize       = errors.New("chunk size mismatch")
	ErrFileNotFound    = errors.New("file not found")
	ErrAccessDenied    = errors.New("access denied")
	ErrInvalidFilename = errors.New("invalid filename")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrOffsetMismatch  = errors.New("upload offset beyond staged data")
	ErrWrongDirection  = errors.New("session has a different direction")
)

// FinalizeError reports a failure while turning a completed upload into the
// visible file. The session has been aborted and its temp file removed.
type FinalizeError struct {
	Filename string
	Stage    string
	Err      error
}

func (e *FinalizeError) Error() string {
	return fmt.Sprintf("finalize %s failed during %s: %v", e.Filename, e.Stage, e.Err)
}

func (e *FinalizeError) Unwrap() error {
	return e.Err
}
