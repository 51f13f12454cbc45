package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/netshare/internal/auth"
	"github.com/jaywantadh/netshare/internal/metadata"
	"github.com/jaywantadh/netshare/internal/naming"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T, opts Options) (*fixture, *httptest.Server) {
	t.Helper()
	f := newFixture(t, opts)
	validator := auth.NewJWTValidator(testSecret, "netshare")
	monitor := NewMonitor(f.engine.Registry(), 0)
	socket := NewSocketServer(f.engine, monitor, validator, SocketOptions{})
	srv := httptest.NewServer(NewServer(f.engine, monitor, socket, validator).Handler())
	t.Cleanup(srv.Close)
	return f, srv
}

func doRequest(t *testing.T, method, url string, body io.Reader, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestDownloadRangeRequest(t *testing.T) {
	f, srv := newTestServer(t, Options{})
	data := payload(1000)
	f.putFile(t, "range.bin", data)

	resp := doRequest(t, http.MethodGet, srv.URL+"/download/range.bin", nil, map[string]string{"Range": "bytes=100-199"})
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "bytes 100-199/1000", resp.Header.Get("Content-Range"))
	assert.Equal(t, "100", resp.Header.Get("Content-Length"))
	assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, data[100:200], body)
}

func TestDownloadSentinelRangeServesWholeFile(t *testing.T) {
	f, srv := newTestServer(t, Options{})
	data := payload(1000)
	f.putFile(t, "whole.bin", data)

	for _, rng := range []string{"bytes=undefined", "bytes=null-", "bytes=5000-", ""} {
		resp := doRequest(t, http.MethodGet, srv.URL+"/download/whole.bin", nil, map[string]string{"Range": rng})
		assert.Equal(t, http.StatusOK, resp.StatusCode, "range %q", rng)
		assert.Empty(t, resp.Header.Get("Content-Range"))
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, data, body, "range %q", rng)
	}
}

func TestDownloadHeadAndErrors(t *testing.T) {
	f, srv := newTestServer(t, Options{})
	f.putFile(t, "head.bin", payload(64))

	resp := doRequest(t, http.MethodHead, srv.URL+"/download/head.bin", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "64", resp.Header.Get("Content-Length"))

	resp = doRequest(t, http.MethodGet, srv.URL+"/download/nope.bin", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	f.putFile(t, "private.bin", payload(8))
	require.NoError(t, f.meta.AddFileMetadata(metadata.NewFileRecord("private.bin", "alice", false, metadata.PermissionPrivate, nil, 8)))
	resp = doRequest(t, http.MethodGet, srv.URL+"/download/private.bin", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	token, err := auth.NewJWTValidator(testSecret, "netshare").Sign("alice", "user")
	require.NoError(t, err)
	resp = doRequest(t, http.MethodGet, srv.URL+"/download/private.bin", nil, map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func decodeUpload(t *testing.T, resp *http.Response) UploadResponse {
	t.Helper()
	var out UploadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestResumableUploadOverHTTP(t *testing.T) {
	f, srv := newTestServer(t, Options{})
	data := payload(5000)
	total := map[string]string{HeaderUploadTotal: "5000"}

	// First request delivers only part of the file.
	resp := doRequest(t, http.MethodPut, srv.URL+"/upload/resume.bin", bytes.NewReader(data[:2000]), total)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeUpload(t, resp)
	assert.False(t, out.Success)
	assert.False(t, out.File.Complete)
	assert.Equal(t, int64(2000), out.File.Offset)
	assert.Equal(t, "2000", resp.Header.Get(HeaderUploadOffset))
	assert.NoFileExists(t, f.store.UploadPath("resume.bin"))

	resp = doRequest(t, http.MethodGet, srv.URL+"/upload/resume.bin/offset", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var off OffsetResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&off))
	assert.Equal(t, int64(2000), off.Offset)

	// An offset past the staged data is refused with the real offset.
	resp = doRequest(t, http.MethodPut, srv.URL+"/upload/resume.bin", bytes.NewReader(data[3000:]), map[string]string{
		HeaderUploadOffset: "3000",
		HeaderUploadTotal:  "5000",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "2000", resp.Header.Get(HeaderUploadOffset))

	resp = doRequest(t, http.MethodPut, srv.URL+"/upload/resume.bin", bytes.NewReader(data[2000:]), map[string]string{
		HeaderUploadOffset: "2000",
		HeaderUploadTotal:  "5000",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out = decodeUpload(t, resp)
	assert.True(t, out.Success)
	assert.True(t, out.File.Complete)
	assert.Equal(t, int64(2000), out.File.ResumedFrom)
	assert.Equal(t, "anonymous", out.File.Owner)

	assert.Equal(t, data, f.readUpload(t, "resume.bin"))
	assert.Empty(t, f.tempFiles(t))

	rec, ok, err := f.meta.GetFileMetadata("resume.bin")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rec.Anonymous)
}

func TestUploadOverHTTPWithoutTotal(t *testing.T) {
	f, srv := newTestServer(t, Options{})
	resp := doRequest(t, http.MethodPut, srv.URL+"/upload/plain.txt", strings.NewReader("hello"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decodeUpload(t, resp).File.Complete)
	assert.Equal(t, []byte("hello"), f.readUpload(t, "plain.txt"))
}

func TestUploadOverHTTPRejectsBadName(t *testing.T) {
	_, srv := newTestServer(t, Options{})
	resp := doRequest(t, http.MethodPut, srv.URL+"/upload/bad%01name", strings.NewReader("x"), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUploadOverHTTPClaimIsExclusive(t *testing.T) {
	f := newFixture(t, Options{})
	owner := auth.AnonymousOwner()
	claim := newSession(streamClaimID(owner, "busy.bin"), DirectionUpload, "busy.bin", 0, 0)
	require.NoError(t, f.engine.Registry().Create(claim))

	_, err := f.engine.ReceiveStream(context.Background(), StreamUpload{Filename: "busy.bin", Owner: owner}, strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrSessionExists)
	assert.Equal(t, http.StatusConflict, statusFor(err))
}

func TestMultipartUpload(t *testing.T) {
	f, srv := newTestServer(t, Options{EnableCompression: true})

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("permission", "private"))
	require.NoError(t, mw.WriteField("compress", "true"))
	fw, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	content := bytes.Repeat([]byte("compressible line\n"), 500)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	token, err := auth.NewJWTValidator(testSecret, "netshare").Sign("alice", "user")
	require.NoError(t, err)
	resp := doRequest(t, http.MethodPost, srv.URL+"/upload", &body, map[string]string{
		"Content-Type":  mw.FormDataContentType(),
		"Authorization": "Bearer " + token,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeUpload(t, resp)
	assert.True(t, out.File.Complete)
	assert.True(t, out.File.Compressed)
	assert.Equal(t, "notes.txt.lz4", out.File.Filename)
	assert.Equal(t, "alice", out.File.Owner)

	rec, ok, err := f.meta.GetFileMetadata("notes.txt.lz4")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, metadata.PermissionPrivate, rec.Permission)
	assert.Equal(t, "alice", rec.Owner)
	assert.NoFileExists(t, f.store.UploadPath("notes.txt"))
}

func TestMultipartUploadWithoutFile(t *testing.T) {
	_, srv := newTestServer(t, Options{})

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("permission", "public"))
	require.NoError(t, mw.Close())

	resp := doRequest(t, http.MethodPost, srv.URL+"/upload", &body, map[string]string{"Content-Type": mw.FormDataContentType()})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTransfersAndMetricsEndpoints(t *testing.T) {
	f, srv := newTestServer(t, Options{ChunkSize: testChunk})
	startUpload(t, f, "conn-1", "watch.bin", 2*testChunk)

	resp := doRequest(t, http.MethodGet, srv.URL+"/transfers", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	require.Len(t, snap.Transfers, 1)
	assert.Equal(t, "watch.bin", snap.Transfers[0].Filename)
	assert.Equal(t, 1, snap.Stats.ActiveUploads)

	snap, err := NewClient(srv.URL, "").Transfers(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Transfers, 1)

	resp = doRequest(t, http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	metrics, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), "netshare_transfer_sessions_active")
}

func TestClientRoundTrip(t *testing.T) {
	f, srv := newTestServer(t, Options{})
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	data := payload(300_000)
	require.NoError(t, os.WriteFile(src, data, 0644))

	// Pretend an earlier attempt staged the first 100k bytes.
	resumePath := f.store.ResumePath(auth.AnonymousOwner().Key(), "trip.bin")
	require.NoError(t, os.WriteFile(resumePath, data[:100_000], 0644))

	client := NewClient(srv.URL, "")
	var lastDone int64
	client.OnProgress = func(done, total int64) { lastDone = done }

	result, err := client.UploadFile(context.Background(), src, "trip.bin", UploadOptions{})
	require.NoError(t, err)
	assert.True(t, result.Complete)
	assert.Equal(t, int64(100_000), result.ResumedFrom)
	assert.Equal(t, int64(len(data)), lastDone)
	assert.Equal(t, data, f.readUpload(t, "trip.bin"))

	// Download resumes from an existing partial file.
	dest := filepath.Join(dir, "back.bin")
	require.NoError(t, os.WriteFile(dest+PartialSuffix, data[:1234], 0644))
	n, err := client.DownloadFile(context.Background(), "trip.bin", dest)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.NoFileExists(t, dest+PartialSuffix)
}

func TestVersionsEndpoint(t *testing.T) {
	versionDir := filepath.Join(t.TempDir(), "versions")
	f, srv := newTestServer(t, Options{Versioner: naming.Versioning{VersionDir: versionDir}})
	f.putFile(t, "plan.txt", []byte("one"))

	client := NewClient(srv.URL, "")
	for _, body := range []string{"two", "three"} {
		src := filepath.Join(t.TempDir(), "plan.txt")
		require.NoError(t, os.WriteFile(src, []byte(body), 0644))
		_, err := client.UploadFile(context.Background(), src, "plan.txt", UploadOptions{Version: true})
		require.NoError(t, err)
	}

	out, err := client.Versions(context.Background(), "plan.txt")
	require.NoError(t, err)
	assert.Equal(t, "plan.txt", out.Filename)
	assert.Equal(t, 3, out.CurrentVersion)
	require.Len(t, out.Versions, 2)
	assert.Equal(t, "plan_v1.txt", out.Versions[0].Filename)
	assert.Equal(t, int64(3), out.Versions[0].Size)
	assert.Equal(t, "plan_v2.txt", out.Versions[1].Filename)
	assert.Equal(t, []byte("three"), f.readUpload(t, "plan.txt"))

	// Unversioned files list nothing; private ones are hidden from others.
	out, err = client.Versions(context.Background(), "other.txt")
	require.NoError(t, err)
	assert.Empty(t, out.Versions)
	assert.Equal(t, 1, out.CurrentVersion)

	require.NoError(t, f.meta.AddFileMetadata(metadata.NewFileRecord("secret.txt", "alice", false, metadata.PermissionPrivate, nil, 1)))
	resp := doRequest(t, http.MethodGet, srv.URL+"/versions/secret.txt", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(ErrInvalidFilename))
	assert.Equal(t, http.StatusForbidden, statusFor(ErrAccessDenied))
	assert.Equal(t, http.StatusNotFound, statusFor(ErrFileNotFound))
	assert.Equal(t, http.StatusConflict, statusFor(ErrOffsetMismatch))
	assert.Equal(t, http.StatusConflict, statusFor(ErrSessionClosed))
	assert.Equal(t, http.StatusInternalServerError, statusFor(io.ErrUnexpectedEOF))
}
