package records

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/meridianlaw/casebridge/internal/shared/errors"
)

// Handler provides HTTP handlers for the records module
type Handler struct {
	repo     *Repository
	settings *SettingsRepository
}

// NewHandler creates a new records handler
func NewHandler(repo *Repository, settings *SettingsRepository) *Handler {
	return &Handler{repo: repo, settings: settings}
}

// Routes registers the records routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/cases", h.ListCases)
	r.Put("/cases/{caseID}", h.UpsertCase)
	r.Get("/cases/{caseID}", h.GetCase)

	r.Get("/cases/{caseID}/negotiations", h.ListNegotiations)
	r.Post("/cases/{caseID}/negotiations", h.CreateNegotiation)

	r.Get("/cases/{caseID}/classifications", h.ListClassifications)
	r.Post("/cases/{caseID}/classifications", h.CreateClassification)

	r.Get("/cases/{caseID}/reminders", h.ListReminders)
	r.Post("/cases/{caseID}/reminders", h.CreateReminder)

	r.Post("/token-usage", h.CreateTokenUsage)
	r.Get("/token-usage/summary", h.TokenUsageSummary)

	r.Get("/settings", h.ListSettings)
	r.Get("/settings/{key}", h.GetSetting)
	r.Put("/settings/{key}", h.SetSetting)

	return r
}

// ListCases lists cases, optionally filtered by status
func (h *Handler) ListCases(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	cases, err := h.repo.ListCases(r.Context(), r.URL.Query().Get("status"), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": cases, "count": len(cases)})
}

// GetCase retrieves one case
func (h *Handler) GetCase(w http.ResponseWriter, r *http.Request) {
	c, err := h.repo.GetCase(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, c)
}

// UpsertCase creates or refreshes a case record
func (h *Handler) UpsertCase(w http.ResponseWriter, r *http.Request) {
	var c Case
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, errors.BadRequest("invalid request body: "+err.Error()))
		return
	}
	c.ID = chi.URLParam(r, "caseID")
	if c.PatientName == "" {
		writeError(w, errors.BadRequest("patient_name is required"))
		return
	}

	if err := h.repo.UpsertCase(r.Context(), &c); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, c)
}

// ListNegotiations lists the negotiations of a case
func (h *Handler) ListNegotiations(w http.ResponseWriter, r *http.Request) {
	items, err := h.repo.ListNegotiations(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

// CreateNegotiation records a negotiation email
func (h *Handler) CreateNegotiation(w http.ResponseWriter, r *http.Request) {
	var n Negotiation
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		writeError(w, errors.BadRequest("invalid request body: "+err.Error()))
		return
	}
	n.CaseID = chi.URLParam(r, "caseID")
	if n.Recipient == "" {
		writeError(w, errors.BadRequest("recipient is required"))
		return
	}

	if err := h.repo.CreateNegotiation(r.Context(), &n); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, n)
}

// ListClassifications lists the classification runs of a case
func (h *Handler) ListClassifications(w http.ResponseWriter, r *http.Request) {
	items, err := h.repo.ListClassifications(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

// CreateClassification records a classification run
func (h *Handler) CreateClassification(w http.ResponseWriter, r *http.Request) {
	var c Classification
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, errors.BadRequest("invalid request body: "+err.Error()))
		return
	}
	c.CaseID = chi.URLParam(r, "caseID")

	if err := h.repo.CreateClassification(r.Context(), &c); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, c)
}

// ListReminders lists the reminders of a case
func (h *Handler) ListReminders(w http.ResponseWriter, r *http.Request) {
	items, err := h.repo.ListReminders(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

// CreateReminder records a scheduled follow-up
func (h *Handler) CreateReminder(w http.ResponseWriter, r *http.Request) {
	var rem Reminder
	if err := json.NewDecoder(r.Body).Decode(&rem); err != nil {
		writeError(w, errors.BadRequest("invalid request body: "+err.Error()))
		return
	}
	rem.CaseID = chi.URLParam(r, "caseID")

	if err := h.repo.CreateReminder(r.Context(), &rem); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, rem)
}

// CreateTokenUsage records one model call's token spend
func (h *Handler) CreateTokenUsage(w http.ResponseWriter, r *http.Request) {
	var u TokenUsage
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, errors.BadRequest("invalid request body: "+err.Error()))
		return
	}
	if u.ModelName == "" {
		writeError(w, errors.BadRequest("model_name is required"))
		return
	}

	if err := h.repo.CreateTokenUsage(r.Context(), &u); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, u)
}

// TokenUsageSummary aggregates token spend per model
func (h *Handler) TokenUsageSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.repo.TokenUsageSummary(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// ListSettings lists all settings. Secret values are masked.
func (h *Handler) ListSettings(w http.ResponseWriter, r *http.Request) {
	items, err := h.settings.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	for _, s := range items {
		if isSecretSetting(s.Key) && s.Value != "" {
			s.Value = "********"
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

// GetSetting retrieves one setting. Secret values are masked.
func (h *Handler) GetSetting(w http.ResponseWriter, r *http.Request) {
	s, err := h.settings.Get(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, err)
		return
	}

	if isSecretSetting(s.Key) && s.Value != "" {
		s.Value = "********"
	}

	writeJSON(w, http.StatusOK, s)
}

// SetSetting creates or updates a setting
func (h *Handler) SetSetting(w http.ResponseWriter, r *http.Request) {
	var s Setting
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		writeError(w, errors.BadRequest("invalid request body: "+err.Error()))
		return
	}
	s.Key = chi.URLParam(r, "key")

	if err := h.settings.Set(r.Context(), &s); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func isSecretSetting(key string) bool {
	return key == "upstream_password"
}

// --- Helpers ---

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
