package upload

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	mu   sync.Mutex
	body []byte
}

func (c *captured) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.body)
}

// uploadServer mimics the service's /api/upload and /api/health endpoints.
func uploadServer(t *testing.T, status int, reply any) (*httptest.Server, *captured) {
	t.Helper()
	got := &captured{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/upload", func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("video")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "No video file provided"})
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		got.mu.Lock()
		got.body = data
		got.mu.Unlock()
		assert.NotEmpty(t, header.Filename)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(reply)
	})
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, got
}

func TestUpload_Success(t *testing.T) {
	srv, got := uploadServer(t, http.StatusOK, map[string]any{
		"success": true,
		"message": "Video uploaded successfully. Starting real-time processing...",
		"data": map[string]any{
			"filename":          "1a2b3c4d_clip1.mp4",
			"original_filename": "clip1.mp4",
			"file_exists":       true,
		},
	})
	c := NewClient(srv.URL+"/api/", nil)

	var lastSent, lastTotal atomic.Int64
	res, err := c.Upload(context.Background(), "clip1.mp4", strings.NewReader("not really a video"), 18, func(sent, total int64) {
		lastSent.Store(sent)
		lastTotal.Store(total)
	})
	require.NoError(t, err)

	assert.Equal(t, "1a2b3c4d_clip1.mp4", res.Filename)
	assert.Equal(t, "clip1.mp4", res.OriginalFilename)
	assert.True(t, res.FileExists)
	assert.Equal(t, "not really a video", got.String())
	assert.Equal(t, int64(18), lastSent.Load())
	assert.Equal(t, int64(18), lastTotal.Load())
}

func TestUpload_ServerRejection(t *testing.T) {
	srv, _ := uploadServer(t, http.StatusBadRequest, map[string]string{"error": "Invalid file type. Allowed: mp4, avi, mov, mkv"})
	c := NewClient(srv.URL+"/api", nil)

	_, err := c.Upload(context.Background(), "clip1.mp4", strings.NewReader("x"), 1, nil)
	require.Error(t, err)

	var se *ServerError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.Status)
	assert.Equal(t, "Invalid file type. Allowed: mp4, avi, mov, mkv", se.Error())
}

func TestUpload_UnsuccessfulBody(t *testing.T) {
	srv, _ := uploadServer(t, http.StatusOK, map[string]any{"success": false, "message": "disk full"})
	c := NewClient(srv.URL+"/api", nil)

	_, err := c.Upload(context.Background(), "clip1.mov", strings.NewReader("x"), 1, nil)
	require.Error(t, err)
	assert.Equal(t, "disk full", err.Error())
}

func TestUpload_ClientSideValidation(t *testing.T) {
	c := NewClient("http://127.0.0.1:1/api", nil)

	_, err := c.Upload(context.Background(), "", strings.NewReader("x"), 1, nil)
	assert.ErrorIs(t, err, ErrNoFile)

	_, err = c.Upload(context.Background(), "notes.txt", strings.NewReader("x"), 1, nil)
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestUpload_TransportFailure(t *testing.T) {
	c := NewClient("http://127.0.0.1:1/api", nil)

	_, err := c.Upload(context.Background(), "clip1.mkv", strings.NewReader("x"), 1, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload request")
}

func TestUploadFile(t *testing.T) {
	srv, got := uploadServer(t, http.StatusOK, map[string]any{
		"success": true,
		"data":    map[string]any{"filename": "ff_clip.avi", "file_exists": true},
	})
	c := NewClient(srv.URL+"/api", nil)

	path := filepath.Join(t.TempDir(), "clip.avi")
	require.NoError(t, os.WriteFile(path, []byte("frames"), 0o600))

	res, err := c.UploadFile(context.Background(), path, nil)
	require.NoError(t, err)
	assert.Equal(t, "ff_clip.avi", res.Filename)
	assert.Equal(t, "frames", got.String())
}

func TestCheckFile(t *testing.T) {
	dir := t.TempDir()

	assert.ErrorIs(t, CheckFile(""), ErrNoFile)
	assert.ErrorIs(t, CheckFile(filepath.Join(dir, "a.gif")), ErrUnsupportedType)
	assert.Error(t, CheckFile(filepath.Join(dir, "missing.mp4")))

	require.NoError(t, os.Mkdir(filepath.Join(dir, "folder.mp4"), 0o755))
	assert.Error(t, CheckFile(filepath.Join(dir, "folder.mp4")))

	ok := filepath.Join(dir, "OK.MP4")
	require.NoError(t, os.WriteFile(ok, []byte("x"), 0o600))
	assert.NoError(t, CheckFile(ok))
}

func TestHealth(t *testing.T) {
	srv, _ := uploadServer(t, http.StatusOK, nil)
	assert.NoError(t, NewClient(srv.URL+"/api", nil).Health(context.Background()))

	assert.Error(t, NewClient(srv.URL+"/nope", nil).Health(context.Background()))
}
