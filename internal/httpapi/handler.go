package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"qms/clinic-queue/internal/availability"
	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/queue"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Engine is the queue surface the HTTP layer drives.
type Engine interface {
	GetTenantBySlug(ctx context.Context, slug string) (models.Tenant, error)
	ClinicStatus(ctx context.Context, tenantID string) (availability.Board, error)
	CreateToken(ctx context.Context, tenantID string, req queue.CreateTokenRequest) (queue.CreatedToken, error)
	GetTokenStatus(ctx context.Context, tenantID, publicID string) (queue.TokenStatus, error)
	GetQueue(ctx context.Context, tenantID, specialistID string, date time.Time) ([]models.Token, error)
	CallNextToken(ctx context.Context, tenantID, specialistID string) (models.Token, bool, error)
	UpdateTokenStatus(ctx context.Context, tenantID, tokenID, status string) (models.Token, error)
	GetTodayStats(ctx context.Context, tenantID, specialistID string) (models.Stats, error)
	SetDoctorStatus(ctx context.Context, tenantID, specialistID, status, setBy string) (models.DoctorStatus, error)
}

type Handler struct {
	engine Engine
	auth   *Authenticator
	logger zerolog.Logger
}

type callNextRequest struct {
	SpecialistID string `json:"specialist_id"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

type doctorStatusRequest struct {
	SpecialistID string `json:"specialist_id"`
	Status       string `json:"status"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Reason   string             `json:"reason,omitempty"`
	Distance *int               `json:"distance_meters,omitempty"`
	Radius   *float64           `json:"radius_meters,omitempty"`
	Details  []queue.FieldError `json:"details,omitempty"`
}

func NewHandler(engine Engine, auth *Authenticator, logger zerolog.Logger) *Handler {
	return &Handler{engine: engine, auth: auth, logger: logger}
}

func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)

	mux.HandleFunc("GET /api/public/{slug}/status", h.public(h.handleClinicStatus))
	mux.HandleFunc("POST /api/public/{slug}/tokens", h.public(h.handleCreatePublicToken))
	mux.HandleFunc("GET /api/public/{slug}/tokens/{publicId}", h.public(h.handlePublicToken))

	mux.HandleFunc("POST /api/tenants/{slug}/tokens", h.staff(h.handleCreateStaffToken))
	mux.HandleFunc("GET /api/tenants/{slug}/queue", h.staff(h.handleQueue))
	mux.HandleFunc("POST /api/tenants/{slug}/queue/call-next", h.staff(h.handleCallNext))
	mux.HandleFunc("PUT /api/tenants/{slug}/tokens/{tokenId}/status", h.staff(h.handleUpdateStatus))
	mux.HandleFunc("GET /api/tenants/{slug}/stats", h.staff(h.handleStats))
	mux.HandleFunc("PUT /api/tenants/{slug}/doctor-status", h.staff(h.handleDoctorStatus))
	return mux
}

type tenantHandler func(w http.ResponseWriter, r *http.Request, tenant models.Tenant)

func (h *Handler) resolveTenant(w http.ResponseWriter, r *http.Request) (models.Tenant, bool) {
	slug := strings.TrimSpace(r.PathValue("slug"))
	tenant, err := h.engine.GetTenantBySlug(r.Context(), slug)
	if err != nil {
		h.writeEngineError(w, r, err)
		return models.Tenant{}, false
	}
	setRequestTenant(r.Context(), tenant.TenantID)
	return tenant, true
}

func (h *Handler) public(next tenantHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant, ok := h.resolveTenant(w, r)
		if !ok {
			return
		}
		next(w, r, tenant)
	}
}

// staff authenticates the bearer token and checks its tenant claim against
// the clinic named in the path.
func (h *Handler) staff(next tenantHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := h.auth.Authenticate(r)
		if err != nil {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		tenant, ok := h.resolveTenant(w, r)
		if !ok {
			return
		}
		if claims.TenantID != tenant.TenantID {
			writeError(w, requestIDFromRequest(r), http.StatusForbidden, "access_denied", "tenant access denied")
			return
		}
		next(w, r.WithContext(withClaims(r.Context(), claims)), tenant)
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleClinicStatus(w http.ResponseWriter, r *http.Request, tenant models.Tenant) {
	board, err := h.engine.ClinicStatus(r.Context(), tenant.TenantID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

func (h *Handler) handleCreatePublicToken(w http.ResponseWriter, r *http.Request, tenant models.Tenant) {
	h.createToken(w, r, tenant, models.SourceQRWeb)
}

func (h *Handler) handleCreateStaffToken(w http.ResponseWriter, r *http.Request, tenant models.Tenant) {
	h.createToken(w, r, tenant, models.SourceStaff)
}

func (h *Handler) createToken(w http.ResponseWriter, r *http.Request, tenant models.Tenant, source string) {
	var req queue.CreateTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Source = source
	created, err := h.engine.CreateToken(r.Context(), tenant.TenantID, req)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) handlePublicToken(w http.ResponseWriter, r *http.Request, tenant models.Tenant) {
	status, err := h.engine.GetTokenStatus(r.Context(), tenant.TenantID, r.PathValue("publicId"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	// Public viewers see the queue position, not the patient record.
	status.Token.Patient = nil
	status.Token.PatientID = nil
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request, tenant models.Tenant) {
	query := r.URL.Query()
	specialistID := strings.TrimSpace(query.Get("specialist_id"))
	if specialistID != "" && !isValidUUID(specialistID) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "specialist_id must be a UUID")
		return
	}
	var date time.Time
	if raw := strings.TrimSpace(query.Get("date")); raw != "" {
		parsed, err := time.Parse(models.DateLayout, raw)
		if err != nil {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "date must be YYYY-MM-DD")
			return
		}
		date = parsed
	}
	tokens, err := h.engine.GetQueue(r.Context(), tenant.TenantID, specialistID, date)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request, tenant models.Tenant) {
	var req callNextRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	req.SpecialistID = strings.TrimSpace(req.SpecialistID)
	if req.SpecialistID != "" && !isValidUUID(req.SpecialistID) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "specialist_id must be a UUID")
		return
	}
	token, ok, err := h.engine.CallNextToken(r.Context(), tenant.TenantID, req.SpecialistID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"message": "no tokens in queue"})
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) handleUpdateStatus(w http.ResponseWriter, r *http.Request, tenant models.Tenant) {
	var req updateStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	status := strings.ToUpper(strings.TrimSpace(req.Status))
	token, err := h.engine.UpdateTokenStatus(r.Context(), tenant.TenantID, r.PathValue("tokenId"), status)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request, tenant models.Tenant) {
	specialistID := strings.TrimSpace(r.URL.Query().Get("specialist_id"))
	stats, err := h.engine.GetTodayStats(r.Context(), tenant.TenantID, specialistID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleDoctorStatus(w http.ResponseWriter, r *http.Request, tenant models.Tenant) {
	var req doctorStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	claims, _ := claimsFromContext(r.Context())
	record, err := h.engine.SetDoctorStatus(r.Context(), tenant.TenantID, strings.TrimSpace(req.SpecialistID), strings.ToUpper(strings.TrimSpace(req.Status)), claims.Subject)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := mapError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Str("request_id", requestIDFromRequest(r)).Msg("request failed")
	}
	writeJSON(w, status, errorResponse{RequestID: requestIDFromRequest(r), Error: body})
}

func mapError(err error) (int, responseError) {
	var validation queue.ValidationErrors
	var notFound *queue.NotFoundError
	var forbidden *queue.ForbiddenError
	var conflict *queue.ConflictError
	var transition *queue.TransitionError
	switch {
	case errors.As(err, &validation):
		return http.StatusUnprocessableEntity, responseError{Code: "validation_failed", Message: "validation failed", Details: validation}
	case errors.As(err, &notFound):
		return http.StatusNotFound, responseError{Code: "not_found", Message: notFound.Error()}
	case errors.As(err, &forbidden):
		return http.StatusForbidden, responseError{
			Code:     "forbidden",
			Message:  forbidden.Message,
			Reason:   forbidden.Reason,
			Distance: forbidden.Distance,
			Radius:   forbidden.Radius,
		}
	case errors.As(err, &conflict):
		return http.StatusConflict, responseError{Code: "conflict", Message: conflict.Error()}
	case errors.As(err, &transition):
		return http.StatusConflict, responseError{Code: "invalid_transition", Message: transition.Error()}
	default:
		return http.StatusInternalServerError, responseError{Code: "internal_error", Message: "internal server error"}
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
