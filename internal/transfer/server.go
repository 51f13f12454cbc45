package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/netshare/internal/auth"
	"github.com/jaywantadh/netshare/pkg/logging"
)

// maxFormField caps the multipart fields read before the file part.
const maxFormField = 4096

// Server exposes the HTTP surface: range downloads, resumable uploads,
// transfer monitoring and the websocket endpoint.
type Server struct {
	engine    *Engine
	monitor   *Monitor
	socket    http.Handler
	validator auth.Validator
}

// NewServer wires the HTTP handlers. socket may be nil to disable /ws.
func NewServer(engine *Engine, monitor *Monitor, socket http.Handler, validator auth.Validator) *Server {
	return &Server{
		engine:    engine,
		monitor:   monitor,
		socket:    socket,
		validator: validator,
	}
}

// Handler returns the routed mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// GET patterns also match HEAD.
	mux.HandleFunc("GET /download/{filename}", s.handleDownload)
	mux.HandleFunc("PUT /upload/{filename}", s.handleUploadRaw)
	mux.HandleFunc("POST /upload", s.handleUploadMultipart)
	mux.HandleFunc("GET /upload/{filename}/offset", s.handleUploadOffset)
	mux.HandleFunc("GET /versions/{filename}", s.handleVersions)
	mux.HandleFunc("GET /transfers", s.handleTransfers)
	mux.HandleFunc("GET /transfers/events", s.handleTransferEvents)
	mux.Handle("GET /metrics", s.engine.Metrics().Handler())
	if s.socket != nil {
		mux.Handle("GET /ws", s.socket)
	}
	return mux
}

// handleDownload handles GET /download/{filename} with optional Range.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("filename")
	owner := auth.OwnerFromRequest(s.validator, r)

	h, size, err := s.engine.OpenDownload(name, owner)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	start, end, partial := ParseRange(r.Header.Get("Range"), size)
	if !partial {
		start, end = 0, size-1
	}
	length := end - start + 1
	if size == 0 {
		length = 0
	}

	header := w.Header()
	header.Set("Content-Type", contentType(name))
	header.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	header.Set("Accept-Ranges", "bytes")
	header.Set("Content-Length", strconv.FormatInt(length, 10))
	status := http.StatusOK
	if partial {
		header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)

	if r.Method == http.MethodHead {
		h.Close()
		return
	}

	log := logging.Log.WithFields(logrus.Fields{
		"filename": name,
		"owner":    owner.Name(),
		"start":    start,
		"length":   length,
	})
	written, err := s.engine.StreamDownload(r.Context(), w, h, name, size, start, length, owner)
	if err != nil {
		log.WithError(err).WithField("written", written).Warn("Download interrupted")
		return
	}
	log.WithField("written", written).Debug("Download served")
}

// handleUploadRaw handles PUT /upload/{filename}. The body holds the file
// from X-Upload-Offset on; X-Upload-Total announces the full size.
func (s *Server) handleUploadRaw(w http.ResponseWriter, r *http.Request) {
	req := s.streamRequest(r, r.PathValue("filename"), r.URL.Query())
	s.receive(w, r, req, r.Body)
}

// handleUploadMultipart handles POST /upload with the file in the "file"
// field. Option fields must precede the file part to take effect.
func (s *Server) handleUploadMultipart(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		WriteErrorResponse(w, http.StatusBadRequest, "expected multipart/form-data")
		return
	}

	fields := r.URL.Query()
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			WriteErrorResponse(w, http.StatusBadRequest, "No file provided")
			return
		}
		if err != nil {
			WriteErrorResponse(w, http.StatusBadRequest, err.Error())
			return
		}

		if part.FormName() != "file" {
			value, err := io.ReadAll(io.LimitReader(part, maxFormField))
			part.Close()
			if err != nil {
				WriteErrorResponse(w, http.StatusBadRequest, err.Error())
				return
			}
			fields.Set(part.FormName(), string(value))
			continue
		}

		name := filepath.Base(part.FileName())
		if name == "." || name == string(filepath.Separator) {
			name = ""
		}
		req := s.streamRequest(r, name, fields)
		s.receive(w, r, req, part)
		part.Close()
		return
	}
}

// handleUploadOffset handles GET /upload/{filename}/offset.
func (s *Server) handleUploadOffset(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("filename")
	owner := auth.OwnerFromRequest(s.validator, r)

	offset, err := s.engine.StagedOffset(name, owner)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.Header().Set(HeaderUploadOffset, strconv.FormatInt(offset, 10))
	WriteJSONResponse(w, http.StatusOK, OffsetResponse{Filename: name, Offset: offset})
}

// handleVersions handles GET /versions/{filename}.
func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("filename")
	owner := auth.OwnerFromRequest(s.validator, r)

	versions, err := s.engine.Versions(name, owner)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteJSONResponse(w, http.StatusOK, VersionsResponse{
		Filename:       name,
		Versions:       versions,
		CurrentVersion: len(versions) + 1,
	})
}

// handleTransfers handles GET /transfers.
func (s *Server) handleTransfers(w http.ResponseWriter, r *http.Request) {
	WriteJSONResponse(w, http.StatusOK, s.monitor.Sample())
}

// handleTransferEvents streams monitor snapshots as server-sent events.
func (s *Server) handleTransferEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteErrorResponse(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	updates := make(chan Snapshot, 4)
	unsubscribe := s.monitor.Subscribe(ListenerFunc(func(snap Snapshot) {
		select {
		case updates <- snap:
		default:
		}
	}))
	defer unsubscribe()

	writeEvent := func(snap Snapshot) error {
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", EventActiveTransfers, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := writeEvent(s.monitor.Sample()); err != nil {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case snap := <-updates:
			if err := writeEvent(snap); err != nil {
				return
			}
		}
	}
}

func (s *Server) streamRequest(r *http.Request, name string, fields url.Values) StreamUpload {
	req := StreamUpload{
		Filename:   name,
		Offset:     parseSize(r.Header.Get(HeaderUploadOffset)),
		Total:      parseSize(r.Header.Get(HeaderUploadTotal)),
		Owner:      auth.OwnerFromRequest(s.validator, r),
		Permission: fields.Get("permission"),
		Compress:   isTrue(fields.Get("compress")),
		Version:    isTrue(fields.Get("version")),
	}
	if users := fields.Get("allowed_users"); users != "" {
		for _, u := range strings.Split(users, ",") {
			if u = strings.TrimSpace(u); u != "" {
				req.AllowedUsers = append(req.AllowedUsers, u)
			}
		}
	}
	return req
}

func (s *Server) receive(w http.ResponseWriter, r *http.Request, req StreamUpload, body io.Reader) {
	result, err := s.engine.ReceiveStream(r.Context(), req, body)
	if err != nil {
		if errors.Is(err, ErrOffsetMismatch) {
			w.Header().Set(HeaderUploadOffset, strconv.FormatInt(result.Offset, 10))
		}
		writeEngineError(w, err)
		return
	}

	w.Header().Set(HeaderUploadOffset, strconv.FormatInt(result.Offset, 10))
	message := "Upload incomplete, resume from offset"
	if result.Complete {
		message = "File uploaded successfully"
	}
	WriteJSONResponse(w, http.StatusOK, UploadResponse{
		Success: result.Complete,
		Message: message,
		File:    result,
	})
}

func contentType(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

func isTrue(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidFilename), errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrFileNotFound), errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrSessionExists), errors.Is(err, ErrOffsetMismatch), errors.Is(err, ErrSessionClosed):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logging.Log.WithError(err).Error("Transfer request failed")
	}
	WriteErrorResponse(w, status, err.Error())
}
