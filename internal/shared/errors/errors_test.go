package errors

import (
	stderrors "errors"
	"net/http"
	"testing"
)

func TestAppErrorUnwrap(t *testing.T) {
	err := UpstreamAuthRejected("authentication failed after retry")

	if !stderrors.Is(err, ErrUpstreamAuthRejected) {
		t.Error("Expected error to match ErrUpstreamAuthRejected")
	}

	if err.HTTPStatus != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", err.HTTPStatus)
	}
}

func TestBrowserLoginFailedChain(t *testing.T) {
	cause := stderrors.New("selector not found")
	err := BrowserLoginFailed(cause)

	if !stderrors.Is(err, ErrBrowserLoginFailed) {
		t.Error("Expected error to match ErrBrowserLoginFailed")
	}
	if !stderrors.Is(err, cause) {
		t.Error("Expected cause to remain in the chain")
	}
}

func TestUpstreamUnreachableStatus(t *testing.T) {
	err := UpstreamUnreachable(stderrors.New("dial tcp: connection refused"))
	if err.HTTPStatus != http.StatusBadGateway {
		t.Errorf("Expected status 502, got %d", err.HTTPStatus)
	}
	if !stderrors.Is(err, ErrUpstreamUnreachable) {
		t.Error("Expected error to match ErrUpstreamUnreachable")
	}
}

func TestWrapPreservesAppError(t *testing.T) {
	inner := NotFound("case", "123")
	wrapped := Wrap(inner, "lookup failed")

	if wrapped.HTTPStatus != http.StatusNotFound {
		t.Errorf("Expected wrapped error to keep status 404, got %d", wrapped.HTTPStatus)
	}
}
