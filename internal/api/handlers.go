// Package api exposes HTTP handlers for the lap tracker.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"example.com/laptracker/internal/domain"
	"example.com/laptracker/internal/persistence"
)

const maxBodyBytes = 1 << 20

// Handler coordinates HTTP requests with the domain service.
type Handler struct {
	service *domain.Service
	logger  logrus.FieldLogger
	now     func() time.Time
}

// NewHandler builds a Handler.
func NewHandler(service *domain.Service, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		service: service,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/patients", h.patients)
	mux.HandleFunc("/v1/patients/{id}", h.patientByID)
	mux.HandleFunc("/v1/patients/{id}/laps", h.patientLaps)
	mux.HandleFunc("/v1/patients/{id}/laps-total", h.patientLapTotal)
	mux.HandleFunc("/v1/patients/{id}/stats", h.patientStats)
	mux.HandleFunc("/v1/sessions", h.sessions)
	mux.HandleFunc("/v1/sessions/{id}/close", h.closeSession)
	mux.HandleFunc("/v1/laps", h.laps)
	mux.HandleFunc("/healthz", h.healthz)
}

// healthz reports liveness plus whether the datastore currently answers.
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	database := "connected"
	if err := h.service.Ready(r.Context()); err != nil {
		database = "disconnected"
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Database:  database,
		Timestamp: h.now(),
	})
}

func (h *Handler) patients(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createPatient(w, r)
	case http.MethodGet:
		h.listPatients(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (h *Handler) createPatient(w http.ResponseWriter, r *http.Request) {
	var req CreatePatientRequest
	if !h.decode(w, r, &req) {
		return
	}

	patient, err := h.service.CreatePatient(r.Context(), domain.CreatePatientInput{
		Name:  req.Name,
		Email: req.Email,
		Phone: req.Phone,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPatientView(*patient))
}

func (h *Handler) listPatients(w http.ResponseWriter, r *http.Request) {
	patients, err := h.service.ListPatients(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	items := make([]PatientView, 0, len(patients))
	for _, p := range patients {
		items = append(items, toPatientView(p))
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) patientByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	patient, err := h.service.GetPatient(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPatientView(*patient))
}

func (h *Handler) patientLaps(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	records, err := h.service.ListPatientLaps(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLapViews(records))
}

func (h *Handler) patientLapTotal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req IncrementLapTotalRequest
	if !h.decode(w, r, &req) {
		return
	}

	patientID := r.PathValue("id")
	total, err := h.service.IncrementLapTotal(r.Context(), patientID, *req.Delta)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LapTotalResponse{PatientID: patientID, TotalLaps: total})
}

func (h *Handler) patientStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	result, err := h.service.PatientStats(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) sessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.openSession(w, r)
	case http.MethodGet:
		h.listActiveSessions(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (h *Handler) openSession(w http.ResponseWriter, r *http.Request) {
	var req OpenSessionRequest
	if !h.decode(w, r, &req) {
		return
	}
	session, err := h.service.OpenSession(r.Context(), req.PatientID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionView(*session))
}

func (h *Handler) listActiveSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.service.ListActiveSessions(r.Context(), r.URL.Query().Get("patient_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	items := make([]SessionView, 0, len(sessions))
	for _, s := range sessions {
		items = append(items, toSessionView(s))
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) closeSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	sessionID := r.PathValue("id")
	if err := h.service.CloseSession(r.Context(), sessionID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CloseSessionResponse{SessionID: sessionID, Active: false})
}

func (h *Handler) laps(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.recordLaps(w, r)
	case http.MethodGet:
		h.listLaps(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (h *Handler) recordLaps(w http.ResponseWriter, r *http.Request) {
	var req RecordLapsRequest
	if !h.decode(w, r, &req) {
		return
	}

	elapsed := string(*req.ElapsedTime)
	record, err := h.service.RecordLaps(r.Context(), domain.RecordLapsInput{
		PatientID:   req.PatientID,
		LapCount:    req.LapCount,
		Distance:    req.Distance,
		ElapsedTime: &elapsed,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLapView(*record))
}

func (h *Handler) listLaps(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	records, next, err := h.service.ListLaps(r.Context(), cursor, limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ListLapsResponse{
		Items:      toLapViews(records),
		NextCursor: persistence.EncodeCursor(next),
	})
}

// decode reads and validates a JSON body, writing the error response itself on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return false
	}
	if err := validateRequest(dst); err != nil {
		h.writeServiceError(w, r, err)
		return false
	}
	return true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, domain.ErrStorageUnavailable):
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "storage unavailable")
	default:
		h.logger.WithError(err).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("request failed")
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
