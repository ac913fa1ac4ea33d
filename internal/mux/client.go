// Package mux implements the HTTP client for the upstream RTSP-mux
// process (§6): stream registration/removal, listing, and preload
// hints against its loopback-only API. Grounded on the teacher's
// internal/streaming/go2rtc.go Go2RTCManager HTTP calls, generalized
// from go2rtc's specific query-parameter shape to the spec's named
// endpoints and its two-shape DELETE fallback.
package mux

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	totalTimeout   = 10 * time.Second
	connectTimeout = 5 * time.Second
)

// Client talks to the upstream mux's HTTP API on 127.0.0.1.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New constructs a Client against baseURL (e.g. "http://127.0.0.1:1984").
func New(baseURL string) *Client {
	dialer := &net.Dialer{Timeout: connectTimeout}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: totalTimeout,
			Transport: &http.Transport{
				DialContext: dialer.DialContext,
			},
		},
	}
}

// Stream describes one entry from GET /api/streams.
type Stream struct {
	Name string
	Src  string
}

// AddStream issues PUT /api/streams?src=<url>&name=<id>.
func (c *Client) AddStream(ctx context.Context, name, sourceURL string) error {
	endpoint := fmt.Sprintf("%s/api/streams?src=%s&name=%s", c.baseURL, encodeParam(sourceURL), encodeParam(name))
	return c.do(ctx, http.MethodPut, endpoint, nil)
}

// RemoveStream deletes a stream. Per §9 Open Question 4, the upstream
// mux's DELETE endpoint has two shapes across versions: try the
// query-param form first, and on any non-200 response fall back to
// the legacy path form.
func (c *Client) RemoveStream(ctx context.Context, name string) error {
	queryForm := fmt.Sprintf("%s/api/streams?src=%s", c.baseURL, encodeParam(name))
	if err := c.do(ctx, http.MethodDelete, queryForm, nil); err == nil {
		return nil
	}

	legacyForm := fmt.Sprintf("%s/api/streams/%s", c.baseURL, encodeParam(name))
	return c.do(ctx, http.MethodDelete, legacyForm, nil)
}

// ListStreams issues GET /api/streams.
func (c *Client) ListStreams(ctx context.Context) ([]Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/streams", nil)
	if err != nil {
		return nil, fmt.Errorf("mux: build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mux: list streams: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mux: list streams: unexpected status %d", resp.StatusCode)
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("mux: decode streams response: %w", err)
	}

	streams := make([]Stream, 0, len(raw))
	for name := range raw {
		streams = append(streams, Stream{Name: name})
	}
	return streams, nil
}

// Preload issues PUT /api/preload?src=<id>&video&audio.
func (c *Client) Preload(ctx context.Context, streamID string, video, audio bool) error {
	endpoint := fmt.Sprintf("%s/api/preload?src=%s", c.baseURL, encodeParam(streamID))
	if video {
		endpoint += "&video"
	}
	if audio {
		endpoint += "&audio"
	}
	return c.do(ctx, http.MethodPut, endpoint, nil)
}

// ListenPort discovers the upstream mux's RTSP listen port by parsing
// GET /api, whose rtsp.listen field looks like ":8554".
func (c *Client) ListenPort(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api", nil)
	if err != nil {
		return 0, fmt.Errorf("mux: build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("mux: get /api: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("mux: read /api body: %w", err)
	}

	idx := strings.Index(string(body), `"listen":"`)
	if idx < 0 {
		return 0, fmt.Errorf("mux: rtsp.listen not found in /api response")
	}
	rest := string(body)[idx+len(`"listen":"`):]
	end := strings.IndexByte(rest, '"')
	if end < 0 {
		return 0, fmt.Errorf("mux: malformed rtsp.listen value")
	}
	listen := rest[:end] // e.g. ":8554"
	port := strings.TrimPrefix(listen, ":")
	n, err := strconv.Atoi(port)
	if err != nil {
		return 0, fmt.Errorf("mux: parse rtsp listen port %q: %w", listen, err)
	}
	return n, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("mux: build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mux: %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mux: %s %s: unexpected status %d", method, endpoint, resp.StatusCode)
	}
	return nil
}

// encodeParam applies the exact encoding rule from §6: A-Za-z0-9-_.~
// pass through literally, space becomes '+', everything else is
// percent-encoded as %HH.
func encodeParam(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == ' ':
			b.WriteByte('+')
		case (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
			c == '-' || c == '_' || c == '.' || c == '~':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}
