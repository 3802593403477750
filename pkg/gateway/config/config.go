package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the gateway process configuration, loaded from the
// environment.
type Config struct {
	Addr string

	// Upstream realtime API used to mint ephemeral client secrets.
	UpstreamBaseURL string
	UpstreamAPIKey  string

	// Realtime session defaults baked into minted credentials.
	RealtimeModel string
	RealtimeVoice string
	CredentialTTL time.Duration

	// Broker retry policy for transient upstream failures.
	RetryAttempts  uint64
	RetryBaseDelay time.Duration

	// Auth discovery served to clients (never includes secrets).
	WorkOSClientID string
	AuthAPIBaseURL string

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	MaxBodyBytes int64

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	HandlerTimeout      time.Duration
	ShutdownGracePeriod time.Duration

	// Upstream HTTP client defaults
	UpstreamConnectTimeout        time.Duration
	UpstreamResponseHeaderTimeout time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                          envOr("PARLEY_GATEWAY_ADDR", ":8080"),
		UpstreamBaseURL:               envOr("PARLEY_UPSTREAM_BASE_URL", "https://api.openai.com"),
		UpstreamAPIKey:                strings.TrimSpace(os.Getenv("PARLEY_UPSTREAM_API_KEY")),
		RealtimeModel:                 envOr("PARLEY_REALTIME_MODEL", "gpt-realtime"),
		RealtimeVoice:                 envOr("PARLEY_REALTIME_VOICE", "alloy"),
		CredentialTTL:                 envDurationOr("PARLEY_CREDENTIAL_TTL", time.Minute),
		RetryAttempts:                 uint64(envIntOr("PARLEY_BROKER_RETRY_ATTEMPTS", 2)),
		RetryBaseDelay:                envDurationOr("PARLEY_BROKER_RETRY_BASE_DELAY", 200*time.Millisecond),
		WorkOSClientID:                strings.TrimSpace(os.Getenv("PARLEY_WORKOS_CLIENT_ID")),
		AuthAPIBaseURL:                envOr("PARLEY_AUTH_API_BASE_URL", "https://api.workos.com"),
		CORSAllowedOrigins:            make(map[string]struct{}),
		MaxBodyBytes:                  envInt64Or("PARLEY_GATEWAY_MAX_BODY_BYTES", 1<<20), // 1 MiB
		ReadHeaderTimeout:             envDurationOr("PARLEY_GATEWAY_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:                   envDurationOr("PARLEY_GATEWAY_READ_TIMEOUT", 30*time.Second),
		HandlerTimeout:                envDurationOr("PARLEY_GATEWAY_TOTAL_REQUEST_TIMEOUT", time.Minute),
		ShutdownGracePeriod:           envDurationOr("PARLEY_GATEWAY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		UpstreamConnectTimeout:        envDurationOr("PARLEY_GATEWAY_CONNECT_TIMEOUT", 5*time.Second),
		UpstreamResponseHeaderTimeout: envDurationOr("PARLEY_GATEWAY_RESPONSE_HEADER_TIMEOUT", 30*time.Second),
	}

	for _, origin := range splitCSV(os.Getenv("PARLEY_GATEWAY_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.UpstreamAPIKey == "" {
		return Config{}, fmt.Errorf("PARLEY_UPSTREAM_API_KEY must be set")
	}
	if strings.TrimSpace(cfg.UpstreamBaseURL) == "" {
		return Config{}, fmt.Errorf("PARLEY_UPSTREAM_BASE_URL must not be empty")
	}
	if strings.TrimSpace(cfg.RealtimeModel) == "" {
		return Config{}, fmt.Errorf("PARLEY_REALTIME_MODEL must not be empty")
	}
	if cfg.CredentialTTL <= 0 {
		return Config{}, fmt.Errorf("PARLEY_CREDENTIAL_TTL must be > 0")
	}
	if cfg.RetryBaseDelay <= 0 {
		return Config{}, fmt.Errorf("PARLEY_BROKER_RETRY_BASE_DELAY must be > 0")
	}
	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("PARLEY_GATEWAY_MAX_BODY_BYTES must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("PARLEY_GATEWAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("PARLEY_GATEWAY_READ_TIMEOUT must be > 0")
	}
	if cfg.HandlerTimeout <= 0 {
		return Config{}, fmt.Errorf("PARLEY_GATEWAY_TOTAL_REQUEST_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("PARLEY_GATEWAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.UpstreamConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("PARLEY_GATEWAY_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.UpstreamResponseHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("PARLEY_GATEWAY_RESPONSE_HEADER_TIMEOUT must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
