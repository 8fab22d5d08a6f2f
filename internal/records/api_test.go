package records

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestValidationErrors(t *testing.T) {
	h := NewHandler(nil, nil)
	router := h.Routes()

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{"case without patient name", http.MethodPut, "/cases/42", `{"status":"open"}`},
		{"negotiation without recipient", http.MethodPost, "/cases/42/negotiations", `{"email_body":"hi"}`},
		{"token usage without model", http.MethodPost, "/token-usage", `{"tokens_used":100}`},
		{"malformed json", http.MethodPut, "/cases/42", `{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestSecretSettingsAreMasked(t *testing.T) {
	if !isSecretSetting("upstream_password") {
		t.Error("upstream_password must be masked")
	}
	if isSecretSetting("upstream_username") {
		t.Error("upstream_username is not a secret")
	}
}
