package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hubenschmidt/traffic-vision/client/internal/session"
)

// maxFormMemory is how much of a posted video is held in memory before the
// multipart reader spills to disk.
const maxFormMemory = 32 << 20

type deps struct {
	machine *session.Machine
	hub     *sessionHub
}

// registerRoutes wires the local control and status endpoints.
func registerRoutes(mux *http.ServeMux, d deps) {
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("GET /api/session", d.handleSession)
	mux.HandleFunc("GET /api/session/stream", d.handleSessionStream)
	mux.HandleFunc("POST /api/video", d.handleVideo)
	mux.HandleFunc("POST /api/camera/start", d.handleCameraStart)
	mux.HandleFunc("POST /api/camera/stop", d.handleCameraStop)
	mux.HandleFunc("POST /api/error/clear", d.handleErrorClear)
	mux.Handle("GET /metrics", promhttp.Handler())
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (d deps) handleSession(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, d.machine.Snapshot())
}

func (d deps) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	ch := d.hub.subscribe()
	defer d.hub.unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	slog.Info("session/stream client connected", "remote", r.RemoteAddr)

	for {
		select {
		case <-r.Context().Done():
			slog.Info("session/stream client disconnected", "remote", r.RemoteAddr)
			return
		case msg := <-ch:
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

// handleVideo stages the posted "video" field on disk under its original name
// and submits it. The request returns once processing has been requested.
func (d deps) handleVideo(w http.ResponseWriter, r *http.Request) {
	path, cleanup, err := stageVideo(r)
	if err != nil {
		slog.Error("stage posted video", "error", err)
		respondError(w, http.StatusBadRequest, err)
		return
	}
	defer cleanup()

	if err := d.machine.SubmitVideo(r.Context(), path); err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, d.machine.Snapshot())
}

func (d deps) handleCameraStart(w http.ResponseWriter, r *http.Request) {
	if err := d.machine.StartCamera(r.Context()); err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, d.machine.Snapshot())
}

func (d deps) handleCameraStop(w http.ResponseWriter, r *http.Request) {
	d.machine.StopCamera()
	respondJSON(w, http.StatusOK, d.machine.Snapshot())
}

func (d deps) handleErrorClear(w http.ResponseWriter, r *http.Request) {
	d.machine.ClearError()
	respondJSON(w, http.StatusOK, d.machine.Snapshot())
}

// stageVideo copies the uploaded file into a fresh temp dir. A request without
// a file yields an empty path so the session reports the missing selection.
func stageVideo(r *http.Request) (string, func(), error) {
	noop := func() {}
	if err := r.ParseMultipartForm(maxFormMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return "", noop, fmt.Errorf("parse form: %w", err)
	}
	file, header, err := r.FormFile("video")
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return "", noop, nil
	}
	if err != nil {
		return "", noop, fmt.Errorf("read form file: %w", err)
	}
	defer file.Close()

	dir, err := os.MkdirTemp("", "tvclient-upload-*")
	if err != nil {
		return "", noop, fmt.Errorf("create staging dir: %w", err)
	}
	cleanup := func() { os.RemoveAll(dir) }

	path := filepath.Join(dir, filepath.Base(header.Filename))
	out, err := os.Create(path)
	if err != nil {
		cleanup()
		return "", noop, fmt.Errorf("create staged file: %w", err)
	}
	_, err = io.Copy(out, file)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		cleanup()
		return "", noop, fmt.Errorf("write staged file: %w", err)
	}
	return path, cleanup, nil
}

func respondSessionError(w http.ResponseWriter, err error) {
	var info *session.ErrorInfo
	switch {
	case errors.Is(err, session.ErrBusy), errors.Is(err, session.ErrStopped):
		respondError(w, http.StatusConflict, err)
	case errors.As(err, &info):
		respondJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": info.Message, "kind": string(info.Kind)})
	default:
		respondError(w, http.StatusInternalServerError, err)
	}
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := writeJSON(w, v); err != nil {
		slog.Warn("write response", "error", err)
	}
}
