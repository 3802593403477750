package apierror

import (
	"context"
	"fmt"
	"testing"

	"github.com/vango-go/parley/pkg/core"
)

func TestFromError_ContextCanceled_Is408Cancelled(t *testing.T) {
	ce, status := FromError(context.Canceled)
	if status != 408 {
		t.Fatalf("status=%d", status)
	}
	if ce.Type != core.ErrAPI {
		t.Fatalf("type=%q", ce.Type)
	}
	if ce.Code != "cancelled" {
		t.Fatalf("code=%q", ce.Code)
	}
}

func TestFromError_DeadlineExceeded_Is504(t *testing.T) {
	_, status := FromError(context.DeadlineExceeded)
	if status != 504 {
		t.Fatalf("status=%d", status)
	}
}

func TestFromError_CredentialErrorPropagatesUpstreamStatus(t *testing.T) {
	ce, status := FromError(core.NewCredentialError("upstream rejected key", 401))
	if status != 401 {
		t.Fatalf("status=%d, want upstream 401", status)
	}
	if ce.Type != core.ErrCredential {
		t.Fatalf("type=%q", ce.Type)
	}
}

func TestFromError_CredentialErrorWithoutStatusIs502(t *testing.T) {
	_, status := FromError(core.NewCredentialError("connection refused", 0))
	if status != 502 {
		t.Fatalf("status=%d", status)
	}
}

func TestFromError_UnknownErrorIsInternal(t *testing.T) {
	ce, status := FromError(fmt.Errorf("boom"))
	if status != 500 {
		t.Fatalf("status=%d", status)
	}
	if ce.Message != "internal error" {
		t.Fatalf("message=%q leaks detail", ce.Message)
	}
}

func TestFromError_GenericAPIErrorMatchesUnknownErrorStatus(t *testing.T) {
	_, typedStatus := FromError(core.NewAPIError("encode request failed"))
	_, unknownStatus := FromError(fmt.Errorf("boom"))
	if typedStatus != 500 {
		t.Fatalf("status=%d, want 500", typedStatus)
	}
	if typedStatus != unknownStatus {
		t.Fatalf("typed=%d unknown=%d, want identical", typedStatus, unknownStatus)
	}
}

func TestFromError_InvalidRequestIs400(t *testing.T) {
	_, status := FromError(core.NewInvalidRequestError("missing field"))
	if status != 400 {
		t.Fatalf("status=%d", status)
	}
}
