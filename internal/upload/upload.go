// Package upload hands a video file to the analysis service's upload endpoint.
package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hubenschmidt/traffic-vision/client/internal/metrics"
)

// AllowedExtensions are the container formats the service accepts.
var AllowedExtensions = map[string]bool{".mp4": true, ".avi": true, ".mov": true, ".mkv": true}

// ErrNoFile is returned when no file was chosen.
var ErrNoFile = errors.New("no video file selected")

// ErrUnsupportedType is returned for files outside AllowedExtensions.
var ErrUnsupportedType = errors.New("invalid file type. Allowed: mp4, avi, mov, mkv")

// Result is the accepted upload as reported by the service.
type Result struct {
	Filename         string `json:"filename"`
	OriginalFilename string `json:"original_filename,omitempty"`
	UploadPath       string `json:"upload_path,omitempty"`
	FileExists       bool   `json:"file_exists"`
}

type uploadResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Data    Result `json:"data"`
}

// ServerError is a rejection reported by the service.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upload rejected with status %d", e.Status)
	}
	return e.Message
}

// ProgressFunc receives bytes sent so far and the total (-1 when unknown).
type ProgressFunc func(sent, total int64)

// Client talks to the REST side of the analysis service.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a client for apiURL (e.g. http://localhost:5000/api).
func NewClient(apiURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = NewPooledHTTPClient(4, 0)
	}
	return &Client{baseURL: strings.TrimRight(apiURL, "/"), client: httpClient}
}

// CheckFile validates that path names an existing regular file with a supported extension.
func CheckFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return ErrNoFile
	}
	if !AllowedExtensions[strings.ToLower(filepath.Ext(path))] {
		return ErrUnsupportedType
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat video: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", path)
	}
	return nil
}

// UploadFile streams the file at path as the multipart field "video".
func (c *Client) UploadFile(ctx context.Context, path string, progress ProgressFunc) (*Result, error) {
	if err := CheckFile(path); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open video: %w", err)
	}
	defer f.Close()

	size := int64(-1)
	if info, statErr := f.Stat(); statErr == nil {
		size = info.Size()
	}
	return c.Upload(ctx, filepath.Base(path), f, size, progress)
}

// Upload sends r as the multipart field "video" named filename.
// size is only used for progress reporting and may be -1.
func (c *Client) Upload(ctx context.Context, filename string, r io.Reader, size int64, progress ProgressFunc) (*Result, error) {
	if filename == "" || r == nil {
		return nil, ErrNoFile
	}
	if !AllowedExtensions[strings.ToLower(filepath.Ext(filename))] {
		return nil, ErrUnsupportedType
	}

	start := time.Now()
	body, contentType := multipartBody(filename, r, size, progress)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", body)
	if err != nil {
		return nil, fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	slog.Info("uploading video", "filename", filename, "bytes", size)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload request: %w", err)
	}
	defer resp.Body.Close()

	var out uploadResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&out)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ServerError{Status: resp.StatusCode, Message: out.Error}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode upload response: %w", decodeErr)
	}
	if !out.Success || out.Data.Filename == "" {
		msg := out.Error
		if msg == "" {
			msg = out.Message
		}
		return nil, &ServerError{Status: resp.StatusCode, Message: msg}
	}

	metrics.UploadDuration.Observe(time.Since(start).Seconds())
	slog.Info("video uploaded", "filename", out.Data.Filename, "file_exists", out.Data.FileExists, "elapsed", time.Since(start))
	return &out.Data, nil
}

// Health checks GET /health.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create health request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("health request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health status %d", resp.StatusCode)
	}
	return nil
}

// multipartBody streams the form through a pipe so large videos are never
// buffered in memory.
func multipartBody(filename string, r io.Reader, size int64, progress ProgressFunc) (io.Reader, string) {
	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	go func() {
		part, err := writer.CreateFormFile("video", filename)
		if err != nil {
			pw.CloseWithError(fmt.Errorf("create form file: %w", err))
			return
		}
		src := r
		if progress != nil {
			src = &progressReader{r: r, total: size, fn: progress}
		}
		if _, err = io.Copy(part, src); err != nil {
			pw.CloseWithError(fmt.Errorf("write video data: %w", err))
			return
		}
		pw.CloseWithError(writer.Close())
	}()

	return pr, writer.FormDataContentType()
}

type progressReader struct {
	r     io.Reader
	sent  int64
	total int64
	fn    ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.fn(p.sent, p.total)
	}
	return n, err
}
