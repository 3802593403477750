package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vango-go/parley/pkg/gateway/config"
)

func testConfig() config.Config {
	return config.Config{
		UpstreamBaseURL:               "https://api.example.test",
		UpstreamAPIKey:                "sk-test",
		RealtimeModel:                 "gpt-realtime",
		CredentialTTL:                 time.Minute,
		RetryBaseDelay:                time.Millisecond,
		MaxBodyBytes:                  1 << 20,
		ReadHeaderTimeout:             time.Second,
		ReadTimeout:                   time.Second,
		HandlerTimeout:                time.Second,
		UpstreamConnectTimeout:        time.Second,
		UpstreamResponseHeaderTimeout: time.Second,
		CORSAllowedOrigins:            map[string]struct{}{},
	}
}

func newTestServer() *Server {
	return New(testConfig(), slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

func TestServer_UnknownRoute_ReturnsJSON404(t *testing.T) {
	s := newTestServer()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%q", ct)
	}
	if !strings.Contains(rr.Body.String(), `"type":"not_found_error"`) {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}
}

func TestServer_HealthRoute_Reachable(t *testing.T) {
	s := newTestServer()

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	if id := rr.Header().Get("X-Request-ID"); id == "" {
		t.Fatalf("missing request ID header")
	}
}

func TestServer_ReadyFlipsWhileDraining(t *testing.T) {
	s := newTestServer()

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("ready status=%d body=%q", rr.Code, rr.Body.String())
	}

	s.Lifecycle().SetDraining(true)
	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("draining status=%d", rr.Code)
	}
}

func TestServer_AuthConfigRoute_Reachable(t *testing.T) {
	cfg := testConfig()
	cfg.WorkOSClientID = "client_123"
	s := New(cfg, slog.New(slog.NewJSONHandler(io.Discard, nil)))

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/auth-config", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "client_123") {
		t.Fatalf("body=%q", rr.Body.String())
	}
}
