package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/parley/pkg/core"
	"github.com/vango-go/parley/pkg/gateway/apierror"
)

func writeError(w http.ResponseWriter, err error) {
	coreErr, status := apierror.FromError(err)
	writeCoreErrorJSON(w, coreErr, status)
}

func writeCoreErrorJSON(w http.ResponseWriter, coreErr *core.Error, status int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apierror.Envelope{Error: coreErr})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
