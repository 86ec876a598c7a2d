package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrVideoNotFound is returned when the service has no processed video by that name.
var ErrVideoNotFound = errors.New("processed video not found")

// ProcessedVideo is one entry of the service's output folder.
type ProcessedVideo struct {
	Filename string    `json:"filename"`
	Created  time.Time `json:"created"`
}

// UnmarshalJSON accepts the service's zone-less ISO timestamps.
func (p *ProcessedVideo) UnmarshalJSON(b []byte) error {
	var raw struct {
		Filename string `json:"filename"`
		Created  string `json:"created"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	p.Filename = raw.Filename
	p.Created = time.Time{}
	if raw.Created == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, raw.Created); err == nil {
			p.Created = t
			return nil
		}
	}
	return fmt.Errorf("parse created %q", raw.Created)
}

// Results lists the processed videos available for download.
func (c *Client) Results(ctx context.Context) ([]ProcessedVideo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/results", nil)
	if err != nil {
		return nil, fmt.Errorf("create results request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("results request: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Results []ProcessedVideo `json:"results"`
		Error   string           `json:"error"`
	}
	decodeErr := json.NewDecoder(resp.Body).Decode(&out)
	if resp.StatusCode != http.StatusOK {
		return nil, &ServerError{Status: resp.StatusCode, Message: out.Error}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode results: %w", decodeErr)
	}
	return out.Results, nil
}

// Download copies the processed video named filename into w.
func (c *Client) Download(ctx context.Context, filename string, w io.Writer) (int64, error) {
	if filename == "" {
		return 0, ErrNoFile
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/video/"+url.PathEscape(filename), nil)
	if err != nil {
		return 0, fmt.Errorf("create download request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, fmt.Errorf("%w: %s", ErrVideoNotFound, filename)
	}
	if resp.StatusCode != http.StatusOK {
		var out struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&out)
		return 0, &ServerError{Status: resp.StatusCode, Message: out.Error}
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("download %s: %w", filename, err)
	}
	return n, nil
}
