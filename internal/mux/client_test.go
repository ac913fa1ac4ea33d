package mux

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestEncodeParamLiteralAndEscaping(t *testing.T) {
	cases := map[string]string{
		"front-door_1.0~cam": "front-door_1.0~cam",
		"hello world":         "hello+world",
		"rtsp://a/b?x=1":      "rtsp%3A%2F%2Fa%2Fb%3Fx%3D1",
	}
	for in, want := range cases {
		if got := encodeParam(in); got != want {
			t.Errorf("encodeParam(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRemoveStreamFallsBackToLegacyPath(t *testing.T) {
	var hitQueryForm, hitLegacyForm bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if r.URL.Path == "/api/streams" {
			hitQueryForm = true
			w.WriteHeader(http.StatusNotFound) // legacy mux rejects the query-param form
			return
		}
		hitLegacyForm = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL)
	if err := c.RemoveStream(context.Background(), "front"); err != nil {
		t.Fatalf("RemoveStream: %v", err)
	}
	if !hitQueryForm || !hitLegacyForm {
		t.Fatalf("expected both the query-param attempt and legacy fallback to fire: query=%v legacy=%v", hitQueryForm, hitLegacyForm)
	}
}

func TestRemoveStreamSucceedsOnQueryForm(t *testing.T) {
	var legacyHit bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/streams" {
			w.WriteHeader(http.StatusOK)
			return
		}
		legacyHit = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL)
	if err := c.RemoveStream(context.Background(), "front"); err != nil {
		t.Fatalf("RemoveStream: %v", err)
	}
	if legacyHit {
		t.Fatal("expected legacy fallback not to be used when the query form succeeds")
	}
}

func TestListenPortParsesAPIResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"rtsp":{"listen":":8554"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	port, err := c.ListenPort(context.Background())
	if err != nil {
		t.Fatalf("ListenPort: %v", err)
	}
	if port != 8554 {
		t.Fatalf("expected port 8554, got %d", port)
	}
}
