// Package proxy exposes the upstream case-management application through
// this service's own HTTP surface: a catch-all passthrough plus a few
// purpose-built endpoints for flows that need more than forwarding.
package proxy

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/meridianlaw/casebridge/internal/shared/errors"
	"github.com/meridianlaw/casebridge/internal/upstream"
)

// reservedPrefixes are first path segments that belong to this service and
// are never forwarded.
var reservedPrefixes = map[string]struct{}{
	"api":     {},
	"metrics": {},
	"health":  {},
	"ready":   {},
	"docs":    {},
}

// maxUploadSize bounds multipart memory buffering; larger files spill to disk.
const maxUploadSize = 32 << 20

// Handler provides the HTTP handlers of the proxy surface
type Handler struct {
	forwarder *upstream.Forwarder
	logger    *slog.Logger
}

// NewHandler creates a new proxy handler
func NewHandler(forwarder *upstream.Forwarder, logger *slog.Logger) *Handler {
	return &Handler{forwarder: forwarder, logger: logger}
}

// Routes registers the purpose-built proxy endpoints
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/authenticate", h.Authenticate)
	r.Post("/proxy_upload_file/{caseID}", h.UploadFile)
	r.Post("/update-provider-email", h.UpdateProviderEmail)

	return r
}

// Passthrough forwards any request whose path is not reserved. Mounted as
// the router's catch-all.
func (h *Handler) Passthrough(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/" {
		writeJSON(w, http.StatusOK, map[string]any{
			"service":       "casebridge",
			"authenticated": h.forwarder.IsAuthenticated(),
		})
		return
	}

	if seg := firstSegment(r.URL.Path); seg != "" {
		if _, reserved := reservedPrefixes[seg]; reserved {
			writeError(w, errors.NotFound("route", r.URL.Path))
			return
		}
	}

	req, err := h.buildRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	resp, err := h.forwarder.Forward(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeUpstream(w, resp)
}

// buildRequest translates an inbound request into a forwardable one. The
// method override header lets browser-constrained callers issue POSTs
// through GET-shaped requests.
func (h *Handler) buildRequest(r *http.Request) (upstream.Request, error) {
	method := r.Method
	if override := r.Header.Get("X-HTTP-Method-Override"); override != "" {
		method = strings.ToUpper(override)
	}

	req := upstream.Request{
		Method: method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Header: r.Header,
	}

	if r.Body == nil || r.ContentLength == 0 {
		return req, nil
	}

	contentType := r.Header.Get("Content-Type")
	switch {
	case strings.Contains(contentType, "application/x-www-form-urlencoded"):
		if err := r.ParseForm(); err != nil {
			return req, errors.BadRequest("invalid form body: " + err.Error())
		}
		req.Body = upstream.FormBody(r.PostForm)

	case strings.Contains(contentType, "multipart/form-data"):
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			return req, errors.BadRequest("invalid multipart body: " + err.Error())
		}
		files, err := collectFiles(r)
		if err != nil {
			return req, err
		}
		req.Body = upstream.MultipartBody(r.MultipartForm.Value, files)

	default:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return req, errors.BadRequest("failed to read request body")
		}
		req.Body = upstream.RawBody(data, contentType)
	}

	return req, nil
}

// Authenticate forces a fresh upstream login regardless of session state.
func (h *Handler) Authenticate(w http.ResponseWriter, r *http.Request) {
	session, err := h.forwarder.Authenticate(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated":  true,
		"cookies":        len(session.Cookies),
		"has_csrf_token": session.CSRFToken != "",
		"updated_at":     session.UpdatedAt,
	})
}

// UploadFile attaches a document to a case. The upstream only accepts the
// file through its HTML upload form, so the submission is rebuilt here.
func (h *Handler) UploadFile(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseID")
	if caseID == "" {
		writeError(w, errors.BadRequest("case id is required"))
		return
	}

	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, errors.BadRequest("invalid multipart body: "+err.Error()))
		return
	}
	files, err := collectFiles(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(files) == 0 {
		writeError(w, errors.BadRequest("no file in request"))
		return
	}

	fields := map[string][]string{}
	for name, vals := range r.MultipartForm.Value {
		fields[name] = vals
	}
	fields["submitButton"] = []string{"upload"}

	resp, err := h.forwarder.Forward(r.Context(), upstream.Request{
		Method: http.MethodPost,
		Path:   "/case/" + url.PathEscape(caseID) + "/document/upload-file/",
		Body:   upstream.MultipartBody(fields, files),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeUpstream(w, resp)
}

// updateProviderEmailRequest is the body of UpdateProviderEmail.
type updateProviderEmailRequest struct {
	ProviderID string `json:"provider_id"`
	Email      string `json:"email"`
}

// UpdateProviderEmail changes a provider's contact email through the
// upstream's edit form: fetch the form, keep every existing field, replace
// the email, submit.
func (h *Handler) UpdateProviderEmail(w http.ResponseWriter, r *http.Request) {
	var req updateProviderEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body: "+err.Error()))
		return
	}
	if req.ProviderID == "" || req.Email == "" {
		writeError(w, errors.BadRequest("provider_id and email are required"))
		return
	}

	path := "/provider/" + url.PathEscape(req.ProviderID) + "/edit/"

	page, err := h.forwarder.Forward(r.Context(), upstream.Request{
		Method: http.MethodGet,
		Path:   path,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	html := upstream.UnwrapHTML(page.Body, page.ContentType())
	fields := upstream.ParseFormFields(html)
	fields["email"] = []string{req.Email}

	resp, err := h.forwarder.Forward(r.Context(), upstream.Request{
		Method: http.MethodPost,
		Path:   path,
		Body:   upstream.FormBody(fields),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeUpstream(w, resp)
}

// firstSegment returns the first path segment without slashes.
func firstSegment(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		return trimmed[:i]
	}
	return trimmed
}

// writeUpstream relays an upstream response. JSON bodies pass through with
// the upstream's status; anything else is wrapped so callers always get
// JSON back.
func writeUpstream(w http.ResponseWriter, resp *upstream.Response) {
	w.Header().Set("Content-Type", "application/json")

	if json.Valid(resp.Body) {
		w.WriteHeader(resp.StatusCode)
		w.Write(resp.Body)
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"response":    string(resp.Body),
		"status_code": resp.StatusCode,
	})
}

// --- Helpers ---

func collectFiles(r *http.Request) ([]upstream.FilePart, error) {
	var files []upstream.FilePart
	for field, headers := range r.MultipartForm.File {
		for _, fh := range headers {
			f, err := fh.Open()
			if err != nil {
				return nil, errors.BadRequest("failed to open uploaded file")
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				return nil, errors.BadRequest("failed to read uploaded file")
			}
			files = append(files, upstream.FilePart{
				Field:    field,
				Filename: fh.Filename,
				Content:  data,
			})
		}
	}
	return files, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")

	if appErr, ok := err.(*errors.AppError); ok {
		w.WriteHeader(appErr.HTTPStatus)
		json.NewEncoder(w).Encode(map[string]any{
			"error":   appErr.Message,
			"code":    appErr.Code,
			"details": appErr.Details,
		})
		return
	}

	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
}
