package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// PartialSuffix marks a download that has not finished yet.
const PartialSuffix = ".partial"

// Client represents the HTTP client for resumable transfers
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client

	// OnProgress, if set, is called as bytes move with the running total.
	OnProgress func(done, total int64)
}

// UploadOptions are sent as query parameters with an upload.
type UploadOptions struct {
	Permission   string
	AllowedUsers []string
	Compress     bool
	Version      bool
}

// NewClient creates a client for the server at baseURL. token may be empty
// to transfer as the anonymous owner.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		// No timeout: transfers run as long as they need; use the context.
		httpClient: &http.Client{},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// UploadOffset asks the server how much of name is already staged.
func (c *Client) UploadOffset(ctx context.Context, name string) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/upload/"+url.PathEscape(name)+"/offset", nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to query offset: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, readError(resp)
	}
	var out OffsetResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("failed to decode offset: %w", err)
	}
	return out.Offset, nil
}

// Versions fetches the archived versions of name.
func (c *Client) Versions(ctx context.Context, name string) (VersionsResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/versions/"+url.PathEscape(name), nil)
	if err != nil {
		return VersionsResponse{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return VersionsResponse{}, fmt.Errorf("failed to query versions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return VersionsResponse{}, readError(resp)
	}
	var out VersionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return VersionsResponse{}, fmt.Errorf("failed to decode versions: %w", err)
	}
	return out, nil
}

// Transfers fetches the server's current transfer snapshot.
func (c *Client) Transfers(ctx context.Context) (Snapshot, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/transfers", nil)
	if err != nil {
		return Snapshot{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to query transfers: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, readError(resp)
	}
	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode transfers: %w", err)
	}
	return snap, nil
}

// UploadFile uploads the file at path as name, resuming from whatever the
// server already staged. If the server disagrees about the offset the
// upload restarts once from the offset it reports.
func (c *Client) UploadFile(ctx context.Context, path, name string, opts UploadOptions) (*StreamResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()

	offset, err := c.UploadOffset(ctx, name)
	if err != nil {
		return nil, err
	}
	if offset > size {
		offset = 0
	}

	result, current, err := c.putFrom(ctx, f, name, size, offset, opts)
	if errors.Is(err, ErrOffsetMismatch) && current <= size {
		result, _, err = c.putFrom(ctx, f, name, size, current, opts)
	}
	return result, err
}

func (c *Client) putFrom(ctx context.Context, f *os.File, name string, size, offset int64, opts UploadOptions) (*StreamResult, int64, error) {
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, 0, err
	}

	query := url.Values{}
	if opts.Permission != "" {
		query.Set("permission", opts.Permission)
	}
	if len(opts.AllowedUsers) > 0 {
		query.Set("allowed_users", strings.Join(opts.AllowedUsers, ","))
	}
	if opts.Compress {
		query.Set("compress", "true")
	}
	if opts.Version {
		query.Set("version", "true")
	}
	path := "/upload/" + url.PathEscape(name)
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var body io.Reader = &progressReader{r: f, done: offset, total: size, fn: c.OnProgress}
	if size == offset {
		body = http.NoBody
	}
	req, err := c.newRequest(ctx, http.MethodPut, path, body)
	if err != nil {
		return nil, 0, err
	}
	req.ContentLength = size - offset
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(HeaderUploadOffset, strconv.FormatInt(offset, 10))
	req.Header.Set(HeaderUploadTotal, strconv.FormatInt(size, 10))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		if current := resp.Header.Get(HeaderUploadOffset); current != "" {
			return nil, parseSize(current), ErrOffsetMismatch
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, readError(resp)
	}

	var out UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, 0, fmt.Errorf("failed to decode upload response: %w", err)
	}
	if !out.File.Complete {
		return &out.File, out.File.Offset, fmt.Errorf("upload incomplete at offset %d", out.File.Offset)
	}
	return &out.File, out.File.Offset, nil
}

// DownloadFile fetches name into dest. Bytes land in dest+PartialSuffix
// first; an existing partial file is resumed with a Range request and
// renamed to dest once the body is complete.
func (c *Client) DownloadFile(ctx context.Context, name, dest string) (int64, error) {
	partial := dest + PartialSuffix
	var have int64
	if info, err := os.Stat(partial); err == nil {
		have = info.Size()
	}

	req, err := c.newRequest(ctx, http.MethodGet, "/download/"+url.PathEscape(name), nil)
	if err != nil {
		return 0, err
	}
	if have > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", have))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch resp.StatusCode {
	case http.StatusPartialContent:
		flags |= os.O_APPEND
	case http.StatusOK:
		// Server ignored or rejected the range; start over.
		flags |= os.O_TRUNC
		have = 0
	default:
		return 0, readError(resp)
	}

	total := have + resp.ContentLength
	out, err := os.OpenFile(partial, flags, 0644)
	if err != nil {
		return 0, err
	}
	n, copyErr := io.Copy(out, &progressReader{r: resp.Body, done: have, total: total, fn: c.OnProgress})
	closeErr := out.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		return have + n, fmt.Errorf("download interrupted, partial kept: %w", err)
	}
	if err := os.Rename(partial, dest); err != nil {
		return have + n, err
	}
	return have + n, nil
}

func readError(resp *http.Response) error {
	var e ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Message != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Message)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}

type progressReader struct {
	r     io.Reader
	done  int64
	total int64
	fn    func(done, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.done += int64(n)
		if p.fn != nil {
			p.fn(p.done, p.total)
		}
	}
	return n, err
}
