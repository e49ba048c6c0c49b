package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/remotelab/weblab-gateway/config"
	"github.com/remotelab/weblab-gateway/internal/service"
	"github.com/remotelab/weblab-gateway/pkg/logger"
	"github.com/remotelab/weblab-gateway/pkg/response"
)

// APIVersion is the scheduler protocol version this gateway speaks.
const APIVersion = "1"

// multipleStatusBudget bounds how long one status/multiple request may
// spend before returning a partial answer.
const multipleStatusBudget = 5 * time.Second

type HTTPHandler struct {
	sessionService service.SessionService
	conf           config.WeblabConfig
	logger         logger.Logger
	validator      *validator.Validate
}

func NewHTTPHandler(sessionService service.SessionService, conf config.WeblabConfig, logger logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		sessionService: sessionService,
		conf:           conf,
		logger:         logger,
		validator:      validator.New(),
	}
}

// HealthCheck handles health check requests
func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "weblab-gateway",
		"version": "1.0.0",
	})
}

// APIVersions is the only unauthenticated scheduler endpoint: it lets
// WebLab-Deusto discover which protocol versions the lab supports.
func (h *HTTPHandler) APIVersions(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"api_version": APIVersion,
		"features":    []string{"dispose", "multiple-statuses"},
	})
}

// TestCredentials lets the scheduler verify its configured credentials.
func (h *HTTPHandler) TestCredentials(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"valid": true})
}

type startSessionRequest struct {
	ClientInitialData json.RawMessage `json:"client_initial_data"`
	ServerInitialData json.RawMessage `json:"server_initial_data" validate:"required"`
	Back              string          `json:"back"`
}

// StartSession handles the scheduler assigning a user to this lab.
func (h *HTTPHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.validator.Struct(req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Validation failed", err)
		return
	}

	clientData, err := decodeNestedObject(req.ClientInitialData)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid client_initial_data", err)
		return
	}
	serverData, err := decodeNestedObject(req.ServerInitialData)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid server_initial_data", err)
		return
	}

	result, err := h.sessionService.CreateSession(r.Context(), service.StartRequest{
		ClientInitialData: clientData,
		ServerInitialData: serverData,
		Back:              req.Back,
	})
	if err != nil {
		h.logger.Errorf(r.Context(), "Failed to start session: %v", err)
		h.respondError(w, http.StatusInternalServerError, "Failed to start session", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": result.SessionID,
		"url":        h.labURL(r, result.SessionID),
	})
}

// SessionStatus tells the scheduler when to ask about a session again.
func (h *HTTPHandler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		h.respondError(w, http.StatusBadRequest, "Session ID is required", nil)
		return
	}

	status, err := h.sessionService.StatusTime(r.Context(), sessionID)
	if err != nil {
		h.logger.Errorf(r.Context(), "Failed to get status of session %s: %v", sessionID, err)
		h.respondError(w, http.StatusInternalServerError, "Failed to get session status", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{"should_finish": status})
}

type multipleStatusRequest struct {
	SessionIDs []string `json:"session_ids" validate:"required,min=1"`
	Timeout    float64  `json:"timeout,omitempty" validate:"omitempty,gt=0"`
}

// MultipleSessionStatus resolves several session statuses in one round
// trip. The request may carry a wall-clock budget in seconds; when it
// runs out the remaining sessions are reported as retry-later.
func (h *HTTPHandler) MultipleSessionStatus(w http.ResponseWriter, r *http.Request) {
	var req multipleStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.validator.Struct(req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Validation failed", err)
		return
	}

	budget := multipleStatusBudget
	if req.Timeout > 0 {
		budget = time.Duration(req.Timeout * float64(time.Second))
	}

	deadline := time.Now().Add(budget)
	statuses := make(map[string]float64, len(req.SessionIDs))
	for i, sessionID := range req.SessionIDs {
		if time.Now().After(deadline) {
			for _, remaining := range req.SessionIDs[i:] {
				statuses[remaining] = 2
			}
			break
		}

		status, err := h.sessionService.StatusTime(r.Context(), sessionID)
		if err != nil {
			h.logger.Errorf(r.Context(), "Failed to get status of session %s: %v", sessionID, err)
			statuses[sessionID] = 2
			continue
		}
		statuses[sessionID] = status
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{"status": statuses})
}

type sessionActionRequest struct {
	Action string `json:"action" validate:"required"`
}

// SessionAction executes a scheduler command on a session. The only
// supported action is delete.
func (h *HTTPHandler) SessionAction(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		h.respondError(w, http.StatusBadRequest, "Session ID is required", nil)
		return
	}

	var req sessionActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if req.Action != "delete" {
		h.respondJSON(w, http.StatusOK, map[string]interface{}{"message": "Unknown op"})
		return
	}

	err := h.sessionService.DisposeUser(r.Context(), sessionID, true)
	if err != nil {
		if err == service.ErrSessionNotFound {
			h.respondJSON(w, http.StatusOK, map[string]interface{}{"message": "Not found"})
			return
		}
		h.logger.Errorf(r.Context(), "Failed to dispose session %s: %v", sessionID, err)
		h.respondError(w, http.StatusInternalServerError, "Failed to dispose session", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{"message": "Deleted"})
}

// decodeNestedObject accepts both a JSON object and a JSON-encoded
// string holding an object, which is how older schedulers send the
// initial data blocks.
func decodeNestedObject(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj, nil
	}

	var embedded string
	if err := json.Unmarshal(raw, &embedded); err != nil {
		return nil, fmt.Errorf("expected object or string, got %s", raw)
	}
	if embedded == "" {
		return map[string]any{}, nil
	}
	if err := json.Unmarshal([]byte(embedded), &obj); err != nil {
		return nil, fmt.Errorf("embedded JSON object: %w", err)
	}
	return obj, nil
}

// labURL builds the absolute link the scheduler redirects browsers to.
func (h *HTTPHandler) labURL(r *http.Request, sessionID string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		scheme = forwarded
	}
	return fmt.Sprintf("%s://%s%s/%s", scheme, r.Host, strings.TrimRight(h.conf.CallbackURL, "/"), sessionID)
}

// Helper functions

func (h *HTTPHandler) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	if err := response.JSON(w, statusCode, data); err != nil {
		h.logger.Errorf(context.Background(), "Failed to encode JSON response: %v", err)
	}
}

func (h *HTTPHandler) respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	response.Error(w, statusCode, message, err)
}
