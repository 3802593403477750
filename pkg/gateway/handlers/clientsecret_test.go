package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vango-go/parley/pkg/gateway/apierror"
	"github.com/vango-go/parley/pkg/gateway/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(upstreamURL string) config.Config {
	return config.Config{
		UpstreamBaseURL: upstreamURL,
		UpstreamAPIKey:  "sk-test-upstream",
		RealtimeModel:   "gpt-realtime",
		RealtimeVoice:   "alloy",
		CredentialTTL:   time.Minute,
		RetryAttempts:   2,
		RetryBaseDelay:  time.Millisecond,
		MaxBodyBytes:    1 << 20,
	}
}

func newSecretHandler(upstreamURL string) ClientSecretHandler {
	return ClientSecretHandler{
		Config: testConfig(upstreamURL),
		Client: &http.Client{Timeout: 5 * time.Second},
		Logger: discardLogger(),
	}
}

func postSecret(t *testing.T, h ClientSecretHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/realtime/client-secret", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestClientSecretMintsCredential(t *testing.T) {
	t.Parallel()

	var gotAuth, gotPath string
	var gotBody upstreamSecretRequest
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(upstreamSecretResponse{Value: "ek_abc", ExpiresAt: 1700000000})
	}))
	defer upstream.Close()

	rec := postSecret(t, newSecretHandler(upstream.URL), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	var secret ClientSecret
	if err := json.Unmarshal(rec.Body.Bytes(), &secret); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if secret.Value != "ek_abc" || secret.ExpiresAt != 1700000000 {
		t.Fatalf("secret=%+v", secret)
	}
	if secret.Model != "gpt-realtime" {
		t.Fatalf("model=%q, want configured default", secret.Model)
	}

	if gotAuth != "Bearer sk-test-upstream" {
		t.Fatalf("upstream auth=%q", gotAuth)
	}
	if gotPath != "/v1/realtime/client_secrets" {
		t.Fatalf("upstream path=%q", gotPath)
	}
	if gotBody.ExpiresAfter.Seconds != 60 || gotBody.ExpiresAfter.Anchor != "created_at" {
		t.Fatalf("expires_after=%+v", gotBody.ExpiresAfter)
	}
	if gotBody.Session.Model != "gpt-realtime" || gotBody.Session.Type != "realtime" {
		t.Fatalf("session=%+v", gotBody.Session)
	}
	if gotBody.Session.Audio == nil || gotBody.Session.Audio.Output.Voice != "alloy" {
		t.Fatalf("audio=%+v", gotBody.Session.Audio)
	}
}

func TestClientSecretBodyOverridesModel(t *testing.T) {
	t.Parallel()

	var gotBody upstreamSecretRequest
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(upstreamSecretResponse{Value: "ek_abc"})
	}))
	defer upstream.Close()

	rec := postSecret(t, newSecretHandler(upstream.URL), `{"model":"gpt-realtime-mini","voice":"verse"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if gotBody.Session.Model != "gpt-realtime-mini" {
		t.Fatalf("model=%q", gotBody.Session.Model)
	}
	if gotBody.Session.Audio.Output.Voice != "verse" {
		t.Fatalf("voice=%q", gotBody.Session.Audio.Output.Voice)
	}
}

func TestClientSecretRetriesTransientFailure(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(upstreamSecretResponse{Value: "ek_abc"})
	}))
	defer upstream.Close()

	rec := postSecret(t, newSecretHandler(upstream.URL), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("upstream calls=%d, want 2 (one retry)", got)
	}
}

func TestClientSecretPropagatesUpstream4xxWithoutRetry(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
	}))
	defer upstream.Close()

	rec := postSecret(t, newSecretHandler(upstream.URL), "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want upstream 401", rec.Code)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("upstream calls=%d, 4xx must not be retried", got)
	}

	var envelope apierror.Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if envelope.Error == nil || envelope.Error.Message != "invalid api key" {
		t.Fatalf("envelope=%+v", envelope)
	}
}

func TestClientSecretExhaustedRetriesSurface5xx(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer upstream.Close()

	rec := postSecret(t, newSecretHandler(upstream.URL), "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want upstream 500", rec.Code)
	}
	// RetryAttempts=2 means up to three tries in total.
	if got := calls.Load(); got != 3 {
		t.Fatalf("upstream calls=%d, want 3", got)
	}
}

func TestClientSecretRejectsNonPost(t *testing.T) {
	t.Parallel()

	h := newSecretHandler("http://unused.invalid")
	req := httptest.NewRequest(http.MethodGet, "/v1/realtime/client-secret", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestClientSecretRejectsMalformedBody(t *testing.T) {
	t.Parallel()

	rec := postSecret(t, newSecretHandler("http://unused.invalid"), "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestClientSecretMissingValueIsError(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	rec := postSecret(t, newSecretHandler(upstream.URL), "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status=%d", rec.Code)
	}
}
