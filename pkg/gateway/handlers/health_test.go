package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vango-go/parley/pkg/gateway/config"
	"github.com/vango-go/parley/pkg/gateway/lifecycle"
)

func TestHealthIsAlwaysOK(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if rec.Body.String() != "ok\n" {
		t.Fatalf("body=%q", rec.Body.String())
	}
}

func TestReadyReportsOKForValidConfig(t *testing.T) {
	t.Parallel()

	h := ReadyHandler{Config: validConfig(), Lifecycle: &lifecycle.Lifecycle{}}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestReadyReportsIssues(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.UpstreamAPIKey = ""
	h := ReadyHandler{Config: cfg, Lifecycle: &lifecycle.Lifecycle{}}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", rec.Code)
	}
	var resp struct {
		OK     bool     `json:"ok"`
		Issues []string `json:"issues"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.OK || len(resp.Issues) == 0 {
		t.Fatalf("resp=%+v", resp)
	}
}

func TestReadyReportsDraining(t *testing.T) {
	t.Parallel()

	lc := &lifecycle.Lifecycle{}
	lc.SetDraining(true)
	h := ReadyHandler{Config: validConfig(), Lifecycle: lc}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", rec.Code)
	}
}

func validConfig() config.Config {
	cfg := testConfig("https://api.example.test")
	cfg.ReadHeaderTimeout = 1
	cfg.ReadTimeout = 1
	cfg.HandlerTimeout = 1
	cfg.UpstreamConnectTimeout = 1
	cfg.UpstreamResponseHeaderTimeout = 1
	return cfg
}
