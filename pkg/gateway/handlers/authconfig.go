package handlers

import (
	"net/http"

	"github.com/vango-go/parley/pkg/core"
	"github.com/vango-go/parley/pkg/gateway/config"
)

// AuthConfigHandler serves the public auth discovery document clients
// need to start a WorkOS sign-in. It carries identifiers only, never
// secrets.
type AuthConfigHandler struct {
	Config config.Config
}

type authConfigResponse struct {
	ClientID   string `json:"client_id"`
	APIBaseURL string `json:"api_base_url"`
}

func (h AuthConfigHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, core.NewInvalidRequestError("method not allowed, use GET"))
		return
	}
	if h.Config.WorkOSClientID == "" {
		writeCoreErrorJSON(w, core.NewAPIError("auth is not configured on this gateway"), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, authConfigResponse{
		ClientID:   h.Config.WorkOSClientID,
		APIBaseURL: h.Config.AuthAPIBaseURL,
	})
}
