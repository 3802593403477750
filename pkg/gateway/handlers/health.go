package handlers

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/vango-go/parley/pkg/gateway/config"
	"github.com/vango-go/parley/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK       bool     `json:"ok"`
		Draining bool     `json:"draining,omitempty"`
		Issues   []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	if h.Config.UpstreamAPIKey == "" {
		issues = append(issues, "upstream api key not configured")
	}
	if u, err := url.Parse(h.Config.UpstreamBaseURL); err != nil || u.Host == "" {
		issues = append(issues, "upstream base url is not a valid URL")
	}
	if strings.TrimSpace(h.Config.RealtimeModel) == "" {
		issues = append(issues, "realtime model not configured")
	}
	if h.Config.CredentialTTL <= 0 {
		issues = append(issues, "credential ttl must be > 0")
	}
	if h.Config.MaxBodyBytes <= 0 {
		issues = append(issues, "max_body_bytes must be > 0")
	}
	if h.Config.ReadHeaderTimeout <= 0 || h.Config.ReadTimeout <= 0 || h.Config.HandlerTimeout <= 0 {
		issues = append(issues, "timeouts must be > 0")
	}
	if h.Config.UpstreamConnectTimeout <= 0 || h.Config.UpstreamResponseHeaderTimeout <= 0 {
		issues = append(issues, "upstream timeouts must be > 0")
	}

	draining := h.Lifecycle.IsDraining()
	ok := len(issues) == 0 && !draining
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, readyResp{
		OK:       ok,
		Draining: draining,
		Issues:   issues,
	})
}
