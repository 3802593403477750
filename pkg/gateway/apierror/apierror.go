package apierror

import (
	"context"
	"errors"
	"net/http"

	"github.com/vango-go/parley/pkg/core"
)

type Envelope struct {
	Error *core.Error `json:"error"`
}

func FromError(err error) (*core.Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	// Context timeouts/cancellation.
	if errors.Is(err, context.DeadlineExceeded) {
		return &core.Error{
			Type:    core.ErrAPI,
			Message: "request timeout",
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &core.Error{
			Type:    core.ErrAPI,
			Message: "request cancelled",
			Code:    "cancelled",
		}, http.StatusRequestTimeout
	}

	// Already canonical.
	var coreErr *core.Error
	if errors.As(err, &coreErr) && coreErr != nil {
		out := *coreErr
		status := statusFromType(coreErr.Type)
		if coreErr.StatusCode != 0 {
			// Credential exchange propagates the upstream status verbatim
			// so clients can distinguish a bad key from a broker outage.
			status = coreErr.StatusCode
		}
		return &out, status
	}

	// Unknown errors: treat as internal API error (do not leak details by default).
	return &core.Error{
		Type:    core.ErrAPI,
		Message: "internal error",
	}, http.StatusInternalServerError
}

func statusFromType(t core.ErrorType) int {
	switch t {
	case core.ErrInvalidRequest:
		return http.StatusBadRequest
	case core.ErrAuthentication:
		return http.StatusUnauthorized
	case core.ErrCredential:
		return http.StatusBadGateway
	case core.ErrTransport:
		return http.StatusBadGateway
	case core.ErrNotFound:
		return http.StatusNotFound
	case core.ErrStorage:
		return http.StatusInternalServerError
	case core.ErrAPI:
		// Generic API failures are internal, matching the unknown-error
		// fallback; upstream failures carry StatusCode and override this.
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
