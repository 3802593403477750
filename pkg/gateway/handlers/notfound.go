package handlers

import (
	"net/http"

	"github.com/vango-go/parley/pkg/core"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeCoreErrorJSON(w, &core.Error{
		Type:    core.ErrNotFound,
		Message: "not found",
	}, http.StatusNotFound)
}
