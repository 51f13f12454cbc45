package transfer

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/jaywantadh/netshare/internal/naming"
)

// Connection events, client to server.
const (
	EventStartUpload     = "start_upload"
	EventUploadChunk     = "upload_chunk"
	EventRequestDownload = "request_download"
	EventRequestChunk    = "request_chunk"
	EventCancelTransfer  = "cancel_transfer"
)

// Connection events, server to client.
const (
	EventConnected         = "connected"
	EventUploadReady       = "upload_ready"
	EventChunkReceived     = "chunk_received"
	EventChunkError        = "chunk_error"
	EventUploadComplete    = "upload_complete"
	EventUploadFailed      = "upload_failed"
	EventDownloadReady     = "download_ready"
	EventDownloadChunk     = "download_chunk"
	EventDownloadComplete  = "download_complete"
	EventTransferCancelled = "transfer_cancelled"
	EventActiveTransfers   = "active_transfers"
	EventError             = "error"
)

// HTTP headers of the resumable upload path.
const (
	HeaderUploadOffset = "X-Upload-Offset"
	HeaderUploadTotal  = "X-Upload-Total"
)

// Message is the JSON envelope of every text frame on a connection.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// StartUploadRequest opens a chunked upload.
type StartUploadRequest struct {
	Filename     string   `json:"filename"`
	Filesize     int64    `json:"filesize"`
	ChunkCount   int      `json:"chunk_count,omitempty"`
	Permission   string   `json:"permission,omitempty"`
	AllowedUsers []string `json:"allowed_users,omitempty"`
	Version      bool     `json:"version,omitempty"`
}

// UploadChunkRequest carries one chunk as JSON. Data is base64 on the wire.
type UploadChunkRequest struct {
	ChunkIndex int    `json:"chunk_index"`
	Data       []byte `json:"data"`
}

// DownloadRequest opens a pull-based download.
type DownloadRequest struct {
	Filename string `json:"filename"`
}

// ChunkRequest asks for one chunk of the open download.
type ChunkRequest struct {
	ChunkIndex int `json:"chunk_index"`
}

// UploadReady answers StartUploadRequest.
type UploadReady struct {
	SessionID  string `json:"session_id"`
	ChunkSize  int64  `json:"chunk_size"`
	ChunkCount int    `json:"chunk_count"`
	Status     string `json:"status"`
}

// ChunkReceived acknowledges received chunks. It is not sent for every
// chunk; see Engine.IngestChunk.
type ChunkReceived struct {
	ChunkIndex int     `json:"chunk_index"`
	Progress   float64 `json:"progress"`
	Received   int     `json:"received"`
	Total      int     `json:"total"`
}

// ChunkResult is the outcome of ingesting one chunk. Either field may be nil.
type ChunkResult struct {
	Ack      *ChunkReceived
	Complete *UploadComplete
}

// UploadComplete reports a finalized upload under its stored name.
type UploadComplete struct {
	Filename  string  `json:"filename"`
	Filesize  int64   `json:"filesize"`
	Elapsed   float64 `json:"elapsed"`
	SpeedMbps float64 `json:"speed_mbps"`
	Speed     string  `json:"speed"`
	Owner     string  `json:"owner"`
}

type DownloadReady struct {
	SessionID  string `json:"session_id"`
	Filename   string `json:"filename"`
	Filesize   int64  `json:"filesize"`
	ChunkCount int    `json:"chunk_count"`
	ChunkSize  int64  `json:"chunk_size"`
}

type DownloadChunk struct {
	ChunkIndex int    `json:"chunk_index"`
	Data       []byte `json:"data"`
	Size       int    `json:"size"`
}

type DownloadComplete struct {
	Filename  string  `json:"filename"`
	Filesize  int64   `json:"filesize"`
	Elapsed   float64 `json:"elapsed"`
	SpeedMbps float64 `json:"speed_mbps"`
	Speed     string  `json:"speed"`
}

// ChunkError reports a recoverable failure of one chunk.
type ChunkError struct {
	ChunkIndex int    `json:"chunk_index"`
	Message    string `json:"message"`
}

// UploadFailed reports an upload that could not be finalized.
type UploadFailed struct {
	Filename string `json:"filename"`
	Message  string `json:"message"`
}

type TransferCancelled struct {
	Status string `json:"status"`
}

// ConnectedEvent greets a new connection.
type ConnectedEvent struct {
	SessionID string `json:"session_id"`
	Owner     string `json:"owner"`
	ChunkSize int64  `json:"chunk_size"`
}

// ErrorEvent is the payload of the error event.
type ErrorEvent struct {
	Message string `json:"message"`
}

// UploadResponse is the body of the HTTP upload endpoints.
type UploadResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	File    StreamResult `json:"file"`
}

// OffsetResponse tells a client where to resume.
type OffsetResponse struct {
	Filename string `json:"filename"`
	Offset   int64  `json:"offset"`
}

// VersionsResponse lists the archived versions of a file. CurrentVersion is
// the number the live file would get when archived next.
type VersionsResponse struct {
	Filename       string           `json:"filename"`
	Versions       []naming.Version `json:"versions"`
	CurrentVersion int              `json:"current_version"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// Response helpers
func WriteJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		}
	}
}

func WriteErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string) {
	response := ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: errorMsg,
		Code:    statusCode,
	}
	WriteJSONResponse(w, statusCode, response)
}

// ParseRange parses a single "bytes=start-end" range against size. A
// missing start means 0 and a missing end means the last byte; an end past
// the file is clamped. ok is false for anything else, including the
// "undefined", "null" and "NaN" values some browsers send, multi-range
// requests and ranges starting past the end. Callers then serve the whole
// file.
func ParseRange(header string, size int64) (start, end int64, ok bool) {
	if size <= 0 {
		return 0, 0, false
	}
	rng, found := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !found || strings.Contains(rng, ",") {
		return 0, 0, false
	}
	startStr, endStr, found := strings.Cut(rng, "-")
	if !found {
		return 0, 0, false
	}
	startStr = strings.TrimSpace(startStr)
	endStr = strings.TrimSpace(endStr)
	if startStr == "" && endStr == "" {
		return 0, 0, false
	}

	var err error
	if startStr != "" {
		if start, err = strconv.ParseInt(startStr, 10, 64); err != nil {
			return 0, 0, false
		}
	}
	end = size - 1
	if endStr != "" {
		if end, err = strconv.ParseInt(endStr, 10, 64); err != nil {
			return 0, 0, false
		}
	}

	if start < 0 || start >= size || end < start {
		return 0, 0, false
	}
	return start, min(end, size-1), true
}

// parseSize reads a non-negative integer header; anything else is 0.
func parseSize(value string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
