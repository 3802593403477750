package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sethvargo/go-retry"

	"github.com/vango-go/parley/pkg/core"
	"github.com/vango-go/parley/pkg/gateway/config"
)

// ClientSecretHandler mints short-lived realtime credentials against the
// upstream API. The long-lived upstream key never leaves this process;
// browser clients only ever see the ephemeral secret.
type ClientSecretHandler struct {
	Config config.Config
	Client *http.Client
	Logger *slog.Logger
}

// clientSecretRequest is the optional client-supplied override set. Any
// field left empty falls back to the gateway's configured defaults.
type clientSecretRequest struct {
	Model string `json:"model,omitempty"`
	Voice string `json:"voice,omitempty"`
}

// ClientSecret is the minted credential returned to the caller.
type ClientSecret struct {
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expires_at"`
	Model     string `json:"model"`
}

// upstream wire shapes for POST /v1/realtime/client_secrets.
type upstreamSecretRequest struct {
	ExpiresAfter upstreamExpiresAfter   `json:"expires_after"`
	Session      upstreamSessionRequest `json:"session"`
}

type upstreamExpiresAfter struct {
	Anchor  string `json:"anchor"`
	Seconds int64  `json:"seconds"`
}

type upstreamSessionRequest struct {
	Type  string               `json:"type"`
	Model string               `json:"model"`
	Audio *upstreamAudioConfig `json:"audio,omitempty"`
}

type upstreamAudioConfig struct {
	Output struct {
		Voice string `json:"voice,omitempty"`
	} `json:"output"`
}

type upstreamSecretResponse struct {
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expires_at"`
}

func (h ClientSecretHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, core.NewInvalidRequestError("method not allowed, use POST"))
		return
	}

	var req clientSecretRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.Config.MaxBodyBytes))
	if err != nil {
		writeError(w, core.NewInvalidRequestError("request body unreadable or too large"))
		return
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, core.NewInvalidRequestError("request body is not valid JSON"))
			return
		}
	}

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = h.Config.RealtimeModel
	}
	voice := strings.TrimSpace(req.Voice)
	if voice == "" {
		voice = h.Config.RealtimeVoice
	}

	secret, err := h.mint(r.Context(), model, voice)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("client secret mint failed", "error", err)
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, secret)
}

// mint exchanges the upstream API key for an ephemeral client secret,
// retrying transient upstream failures with exponential backoff.
func (h ClientSecretHandler) mint(ctx context.Context, model, voice string) (*ClientSecret, error) {
	payload := upstreamSecretRequest{
		ExpiresAfter: upstreamExpiresAfter{
			Anchor:  "created_at",
			Seconds: int64(h.Config.CredentialTTL.Seconds()),
		},
		Session: upstreamSessionRequest{
			Type:  "realtime",
			Model: model,
		},
	}
	if voice != "" {
		audio := &upstreamAudioConfig{}
		audio.Output.Voice = voice
		payload.Session.Audio = audio
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, core.NewAPIError("encode client secret request: " + err.Error())
	}

	endpoint := strings.TrimRight(h.Config.UpstreamBaseURL, "/") + "/v1/realtime/client_secrets"
	backoff := retry.WithMaxRetries(h.Config.RetryAttempts, retry.NewExponential(h.Config.RetryBaseDelay))

	var secret *ClientSecret
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return core.NewAPIError("build upstream request: " + err.Error())
		}
		req.Header.Set("Authorization", "Bearer "+h.Config.UpstreamAPIKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := h.client().Do(req)
		if err != nil {
			// Network-level failures are worth another attempt.
			return retry.RetryableError(core.NewCredentialError("upstream unreachable: "+err.Error(), 0))
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return retry.RetryableError(core.NewCredentialError("read upstream response: "+err.Error(), 0))
		}

		if resp.StatusCode >= 500 {
			return retry.RetryableError(core.NewCredentialError(
				fmt.Sprintf("upstream returned %d", resp.StatusCode), resp.StatusCode))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			// 4xx from upstream is terminal; surface its status to the client.
			return core.NewCredentialError(upstreamErrorMessage(respBody, resp.StatusCode), resp.StatusCode)
		}

		var decoded upstreamSecretResponse
		if err := json.Unmarshal(respBody, &decoded); err != nil {
			return core.NewCredentialError("upstream response is not valid JSON", 0)
		}
		if decoded.Value == "" {
			return core.NewCredentialError("upstream response missing secret value", 0)
		}
		secret = &ClientSecret{
			Value:     decoded.Value,
			ExpiresAt: decoded.ExpiresAt,
			Model:     model,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return secret, nil
}

func (h ClientSecretHandler) client() *http.Client {
	if h.Client != nil {
		return h.Client
	}
	return http.DefaultClient
}

// upstreamErrorMessage pulls the error message out of an upstream error
// envelope, falling back to the bare status code.
func upstreamErrorMessage(body []byte, status int) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return fmt.Sprintf("upstream returned %d", status)
}
